package natsclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depthgraph/errors"
)

// unreachable has nothing listening, so connects fail fast.
const unreachable = "nats://127.0.0.1:1"

func requireIntegration(t *testing.T) {
	t.Helper()
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
}

func TestConnectionStatus_String(t *testing.T) {
	tests := []struct {
		status ConnectionStatus
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusReconnecting, "reconnecting"},
		{StatusCircuitOpen, "circuit_open"},
		{ConnectionStatus(42), "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.String())
	}
}

func TestNewClient(t *testing.T) {
	c, err := NewClient(unreachable, WithName("depthgraph-test"), WithMaxReconnects(3))
	require.NoError(t, err)
	assert.Equal(t, unreachable, c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
	assert.Equal(t, time.Second, c.Backoff())

	_, err = NewClient(unreachable, WithTimeout(0))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestClient_NotConnected(t *testing.T) {
	c, err := NewClient(unreachable)
	require.NoError(t, err)
	ctx := context.Background()

	assert.ErrorIs(t, c.Publish(ctx, "a.b", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(ctx, "a.b", func(context.Context, []byte) {}), ErrNotConnected)
	_, err = c.RTT()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, c.Flush(ctx), ErrNotConnected)

	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.WaitForConnection(waitCtx), errors.ErrConnectionTimeout)

	assert.NoError(t, c.Close(ctx))
	assert.NoError(t, c.Close(ctx), "close is idempotent")
}

func TestClient_CircuitBreaker(t *testing.T) {
	c, err := NewClient(unreachable,
		WithCircuitBreakerThreshold(2),
		WithTimeout(200*time.Millisecond),
		WithMaxReconnects(0),
	)
	require.NoError(t, err)
	ctx := context.Background()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.Equal(t, int32(1), c.Failures())
	assert.Equal(t, StatusDisconnected, c.Status())

	require.Error(t, c.Connect(ctx))
	assert.Equal(t, StatusCircuitOpen, c.Status())
	assert.Equal(t, 2*time.Second, c.Backoff(), "backoff doubles when the circuit opens")

	err = c.Connect(ctx)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	assert.Eventually(t, func() bool { return c.Status() == StatusDisconnected },
		3*time.Second, 20*time.Millisecond, "circuit half-opens after the backoff")
}

func TestIntegration_PublishSubscribe(t *testing.T) {
	requireIntegration(t)
	tc := NewTestClient(t)
	ctx := context.Background()

	assert.True(t, tc.Client.IsHealthy())
	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))

	received := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "depthgraph.test", func(_ context.Context, data []byte) {
		received <- data
	}))
	require.NoError(t, tc.Client.Flush(ctx))

	require.NoError(t, tc.Client.Publish(ctx, "depthgraph.test", []byte("frame")))
	select {
	case data := <-received:
		assert.Equal(t, []byte("frame"), data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}
}
