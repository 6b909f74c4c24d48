package websocket

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/pkg/buffer"
	"github.com/c360/depthgraph/queue"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.PingInterval = time.Second
	return cfg
}

func startOutput(t *testing.T, cfg Config, opts ...Option) *Output {
	t.Helper()
	out, err := New(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	t.Cleanup(func() { _ = out.Stop(time.Second) })
	return out
}

func dial(t *testing.T, out *Output) *gorilla.Conn {
	t.Helper()
	url := "ws://" + out.Addr() + out.cfg.Path
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.Eventually(t, func() bool { return out.ClientCount() >= 1 },
		time.Second, 5*time.Millisecond)
	return conn
}

func newQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()
	q, err := queue.New(name, 8, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func readEnvelope(t *testing.T, conn *gorilla.Conn) *message.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, gorilla.TextMessage, kind)
	env, err := message.ParseEnvelope(data)
	require.NoError(t, err)
	return env
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		valid  bool
	}{
		{"default", func(*Config) {}, true},
		{"empty addr", func(c *Config) { c.Addr = "" }, false},
		{"relative path", func(c *Config) { c.Path = "ws" }, false},
		{"zero buffer", func(c *Config) { c.ClientBuffer = 0 }, false},
		{"zero write timeout", func(c *Config) { c.WriteTimeout = 0 }, false},
		{"zero ping", func(c *Config) { c.PingInterval = 0 }, false},
		{"negative max fps", func(c *Config) { c.MaxFPS = -1 }, false},
		{"short secret", func(c *Config) { c.AuthSecret = "short" }, false},
		{"secret", func(c *Config) { c.AuthSecret = testSecret }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestOutput_Lifecycle(t *testing.T) {
	out, err := New(testConfig())
	require.NoError(t, err)
	assert.Empty(t, out.Addr())
	q := newQueue(t, "early")
	assert.ErrorIs(t, out.Tap(q), errors.ErrNotStarted)

	assert.ErrorIs(t, out.Stop(time.Second), errors.ErrNotStarted)
	require.NoError(t, out.Start(context.Background()))
	assert.NotEmpty(t, out.Addr())
	assert.ErrorIs(t, out.Start(context.Background()), errors.ErrAlreadyStarted)
	require.NoError(t, out.Stop(time.Second))

	require.NoError(t, out.Start(context.Background()), "restart after stop")
	require.NoError(t, out.Tap(q))
	require.NoError(t, out.Stop(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, out.Start(ctx))
}

func TestOutput_StreamsEnvelopes(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	out := startOutput(t, testConfig(), WithMetrics(registry))
	q := newQueue(t, "camera#1.outputs[preview]")
	require.NoError(t, out.Tap(q))
	require.NoError(t, out.Tap(q))
	assert.Equal(t, 1, q.CallbackCount())

	conn := dial(t, out)
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.clientsConnected))

	frame := message.NewFrame(2, 1, message.FrameGRAY8, []byte{7, 9})
	require.NoError(t, q.Send(frame))

	env := readEnvelope(t, conn)
	assert.Equal(t, "camera#1.outputs[preview]", env.Queue)
	assert.Equal(t, frame.ID(), env.ID)
	msg, err := env.Message()
	require.NoError(t, err)
	got, ok := message.AsFrame(msg)
	require.True(t, ok)
	assert.Equal(t, 2, got.Width)
	assert.Equal(t, []byte{7, 9}, got.Data)

	assert.Eventually(t, func() bool { return out.Sent() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.messagesSent.WithLabelValues(q.Name())))
}

func TestOutput_ClientFilter(t *testing.T) {
	out := startOutput(t, testConfig())
	left := newQueue(t, "left")
	right := newQueue(t, "right")
	require.NoError(t, out.Tap(left))
	require.NoError(t, out.Tap(right))

	conn := dial(t, out)
	require.NoError(t, conn.WriteJSON(ControlMessage{Type: ControlSubscribe, Queues: []string{"right"}}))

	require.Eventually(t, func() bool {
		out.clientsMu.RLock()
		defer out.clientsMu.RUnlock()
		for c := range out.clients {
			return !c.wants("left")
		}
		return false
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, left.Send(message.NewBuffer([]byte("l"))))
	require.NoError(t, right.Send(message.NewBuffer([]byte("r"))))

	env := readEnvelope(t, conn)
	assert.Equal(t, "right", env.Queue)
}

func TestClient_Apply(t *testing.T) {
	c := &client{}
	assert.True(t, c.wants("any"))

	c.apply(ControlMessage{Type: ControlSubscribe, Queues: []string{"a", "b"}})
	assert.True(t, c.wants("a"))
	assert.False(t, c.wants("c"))

	c.apply(ControlMessage{Type: ControlUnsubscribe, Queues: []string{"a"}})
	assert.False(t, c.wants("a"))
	assert.True(t, c.wants("b"))

	c.apply(ControlMessage{Type: ControlSubscribe})
	assert.True(t, c.wants("c"))

	c.apply(ControlMessage{Type: "bogus", Queues: []string{"x"}})
	assert.True(t, c.wants("c"))
}

func TestOutput_SlowClientDropsOldest(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	out, err := New(testConfig(), WithMetrics(registry))
	require.NoError(t, err)

	pending, err := buffer.NewCircularBuffer[frame](2,
		buffer.WithOverflowPolicy[frame](buffer.DropOldest),
		buffer.WithDropCallback[frame](func(f frame) {
			out.dropped.Add(1)
			out.metrics.messagesDropped.WithLabelValues(f.queue).Inc()
		}),
	)
	require.NoError(t, err)
	c := &client{pending: pending, wake: make(chan struct{}, 1), closed: make(chan struct{})}
	out.clients[c] = struct{}{}

	for _, payload := range []string{"1", "2", "3"} {
		out.broadcast(frame{queue: "q", data: []byte(payload)})
	}

	assert.Equal(t, int64(1), out.Dropped())
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.messagesDropped.WithLabelValues("q")))
	got := pending.ReadBatch(2)
	require.Len(t, got, 2)
	assert.Equal(t, "2", string(got[0].data))
	assert.Equal(t, "3", string(got[1].data))
}

func TestOutput_StopDisconnectsClients(t *testing.T) {
	out, err := New(testConfig())
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	q := newQueue(t, "q")
	require.NoError(t, out.Tap(q))

	conn := dial(t, out)
	require.NoError(t, out.Stop(time.Second))

	assert.Zero(t, out.ClientCount())
	assert.Zero(t, q.CallbackCount(), "stop untaps queues")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestOutput_BadControlMessageIgnored(t *testing.T) {
	out := startOutput(t, testConfig())
	q := newQueue(t, "q")
	require.NoError(t, out.Tap(q))
	conn := dial(t, out)

	require.NoError(t, conn.WriteMessage(gorilla.TextMessage, []byte("not json")))
	require.NoError(t, q.Send(message.NewBuffer([]byte(strings.Repeat("x", 8)))))

	env := readEnvelope(t, conn)
	assert.Equal(t, "q", env.Queue)
}

func TestOutput_MaxFPSThrottlesPerQueue(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	cfg := testConfig()
	cfg.MaxFPS = 1
	out, err := New(cfg, WithMetrics(registry))
	require.NoError(t, err)

	ctx := context.Background()
	for range 3 {
		require.NoError(t, out.encode(ctx, queue.Delivery{Queue: "left", Message: message.NewBuffer([]byte("l"))}))
	}
	require.NoError(t, out.encode(ctx, queue.Delivery{Queue: "right", Message: message.NewBuffer([]byte("r"))}))

	assert.Equal(t, int64(2), out.Throttled())
	assert.Equal(t, 2.0, testutil.ToFloat64(out.metrics.throttled.WithLabelValues("left")))
	assert.Zero(t, testutil.ToFloat64(out.metrics.throttled.WithLabelValues("right")))
}

func TestOutput_Unlimited(t *testing.T) {
	out, err := New(testConfig())
	require.NoError(t, err)
	for range 5 {
		assert.True(t, out.allow("q"))
	}
}

func TestToken_RoundTrip(t *testing.T) {
	tok, err := NewToken(testSecret, "viewer", time.Minute)
	require.NoError(t, err)
	sub, err := VerifyToken(testSecret, tok)
	require.NoError(t, err)
	assert.Equal(t, "viewer", sub)

	_, err = NewToken("short", "viewer", time.Minute)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)

	expired, err := NewToken(testSecret, "viewer", -time.Minute)
	require.NoError(t, err)
	other, err := NewToken(strings.Repeat("z", 32), "viewer", time.Minute)
	require.NoError(t, err)

	for name, bad := range map[string]string{"empty": "", "expired": expired, "wrong secret": other, "garbage": "a.b.c"} {
		t.Run(name, func(t *testing.T) {
			_, err := VerifyToken(testSecret, bad)
			assert.ErrorIs(t, err, ErrUnauthorized)
		})
	}
}

func TestOutput_RequiresToken(t *testing.T) {
	cfg := testConfig()
	cfg.AuthSecret = testSecret
	out := startOutput(t, cfg)
	url := "ws://" + out.Addr() + cfg.Path

	_, resp, err := gorilla.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, err := NewToken(testSecret, "viewer", time.Minute)
	require.NoError(t, err)

	conn, _, err := gorilla.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + tok}})
	require.NoError(t, err)
	_ = conn.Close()

	conn, _, err = gorilla.DefaultDialer.Dial(url+"?token="+tok, nil)
	require.NoError(t, err)
	_ = conn.Close()
}
