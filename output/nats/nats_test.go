package nats

import (
	"context"
	stderrors "errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/health"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/natsclient"
	"github.com/c360/depthgraph/queue"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{subject: subject, data: data})
	return nil
}

func (f *fakePublisher) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakePublisher) received() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func startOutput(t *testing.T, pub Publisher, cfg Config, opts ...Option) *Output {
	t.Helper()
	out, err := New(pub, cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, out.Start(context.Background()))
	t.Cleanup(func() { _ = out.Stop(time.Second) })
	return out
}

func newQueue(t *testing.T, name string) *queue.Queue {
	t.Helper()
	q, err := queue.New(name, 8, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"empty prefix", func(c *Config) { c.SubjectPrefix = "" }, true},
		{"wildcard prefix", func(c *Config) { c.SubjectPrefix = "cams.*" }, true},
		{"negative workers", func(c *Config) { c.Workers = -1 }, true},
		{"zero sizes use pool defaults", func(c *Config) { c.Workers, c.BufferSize = 0, 0 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, errors.ErrInvalidConfig)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestNew_NilPublisher(t *testing.T) {
	_, err := New(nil, DefaultConfig())
	assert.ErrorIs(t, err, errors.ErrMissingConfig)
}

func TestSubject(t *testing.T) {
	tests := []struct {
		queue string
		want  string
	}{
		{"preview", "dg.preview"},
		{"host.inputs[frames]", "dg.host.inputs.frames"},
		{"my queue", "dg.my_queue"},
		{"a>b*c", "dg.a_b_c"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Subject("dg", tt.queue), tt.queue)
	}
}

func TestOutput_PublishesEnvelopes(t *testing.T) {
	pub := &fakePublisher{}
	out := startOutput(t, pub, DefaultConfig())
	q := newQueue(t, "preview")

	require.NoError(t, out.Tap(q))
	require.NoError(t, out.Tap(q), "tapping twice is a no-op")
	assert.Equal(t, 1, q.CallbackCount())

	require.NoError(t, q.Send(message.NewBuffer([]byte("frame-1"))))

	require.Eventually(t, func() bool { return len(pub.received()) == 1 },
		time.Second, 5*time.Millisecond)

	got := pub.received()[0]
	assert.Equal(t, "depthgraph.preview", got.subject)

	env, err := message.ParseEnvelope(got.data)
	require.NoError(t, err)
	assert.Equal(t, "preview", env.Queue)
	msg, err := env.Message()
	require.NoError(t, err)
	buf, ok := message.AsBuffer(msg)
	require.True(t, ok)
	assert.Equal(t, []byte("frame-1"), buf.Data())
}

func TestOutput_Compressed(t *testing.T) {
	pub := &fakePublisher{}
	cfg := DefaultConfig()
	cfg.Compress = true
	out := startOutput(t, pub, cfg)
	q := newQueue(t, "raw")
	require.NoError(t, out.Tap(q))

	require.NoError(t, q.Send(message.NewBuffer(make([]byte, 4096))))
	require.Eventually(t, func() bool { return len(pub.received()) == 1 },
		time.Second, 5*time.Millisecond)

	env, err := message.ParseEnvelope(pub.received()[0].data)
	require.NoError(t, err)
	assert.True(t, env.Compressed)
	msg, err := env.Message()
	require.NoError(t, err)
	buf, ok := message.AsBuffer(msg)
	require.True(t, ok)
	assert.Len(t, buf.Data(), 4096)
}

func TestOutput_Untap(t *testing.T) {
	pub := &fakePublisher{}
	out := startOutput(t, pub, DefaultConfig())
	q := newQueue(t, "preview")

	require.NoError(t, out.Tap(q))
	assert.True(t, out.Untap(q))
	assert.False(t, out.Untap(q))
	assert.Zero(t, q.CallbackCount())

	require.NoError(t, q.Send(message.NewBuffer([]byte("x"))))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, pub.received())
}

func TestOutput_TapClosedQueue(t *testing.T) {
	out := startOutput(t, &fakePublisher{}, DefaultConfig())
	q := newQueue(t, "gone")
	require.NoError(t, q.Close())
	assert.ErrorIs(t, out.Tap(q), errors.ErrQueueClosed)
}

func TestOutput_HealthAndMetrics(t *testing.T) {
	pub := &fakePublisher{}
	pub.setErr(stderrors.New("nats: connection closed"))
	monitor := health.NewMonitor()
	registry := metric.NewMetricsRegistry()
	out := startOutput(t, pub, DefaultConfig(), WithHealth(monitor), WithMetrics(registry))
	q := newQueue(t, "preview")
	require.NoError(t, out.Tap(q))

	require.NoError(t, q.Send(message.NewBuffer([]byte("a"))))
	require.Eventually(t, func() bool {
		s, ok := monitor.Get("nats_output")
		return ok && s.IsUnhealthy()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.failed.WithLabelValues("preview")))

	pub.setErr(nil)
	require.NoError(t, q.Send(message.NewBuffer([]byte("b"))))
	require.Eventually(t, func() bool {
		s, ok := monitor.Get("nats_output")
		return ok && s.IsHealthy()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(out.metrics.published.WithLabelValues("preview")))

	stats := out.Stats()
	assert.Equal(t, int64(2), stats.Submitted)
}

func TestIntegration_PublishToServer(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") == "" {
		t.Skip("Skipping integration test. Set INTEGRATION_TESTS=1 to run.")
	}
	tc := natsclient.NewTestClient(t)
	ctx := context.Background()

	received := make(chan []byte, 1)
	require.NoError(t, tc.Client.Subscribe(ctx, "depthgraph.>", func(_ context.Context, data []byte) {
		received <- data
	}))
	require.NoError(t, tc.Client.Flush(ctx))

	out := startOutput(t, tc.Client, DefaultConfig())
	q := newQueue(t, "stereo#3.outputs[depth]")
	require.NoError(t, out.Tap(q))
	require.NoError(t, q.Send(message.NewBuffer([]byte("depth"))))

	select {
	case data := <-received:
		env, err := message.ParseEnvelope(data)
		require.NoError(t, err)
		assert.Equal(t, "stereo#3.outputs[depth]", env.Queue)
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not received")
	}
}
