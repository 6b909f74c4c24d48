package nats

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/health"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/pkg/worker"
	"github.com/c360/depthgraph/queue"
)

// Publisher is the part of natsclient.Client the tap needs.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// Config holds configuration for the NATS tap
type Config struct {
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
	Compress      bool   `json:"compress"       yaml:"compress"`
	Workers       int    `json:"workers"        yaml:"workers"`
	BufferSize    int    `json:"buffer_size"    yaml:"buffer_size"`
}

// DefaultConfig returns default configuration for the NATS tap
func DefaultConfig() Config {
	return Config{
		SubjectPrefix: "depthgraph",
		Workers:       2,
		BufferSize:    256,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"subject_prefix must be a literal NATS subject")
	}
	if c.Workers < 0 || c.BufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"workers and buffer_size must not be negative")
	}
	return nil
}

// Output taps queues and publishes every message they receive as a
// message.Envelope on "<prefix>.<queue name>". Publishing happens on a
// worker pool; when the pool is saturated messages are dropped rather than
// slowing the pipeline.
type Output struct {
	pub      Publisher
	prefix   string
	compress bool
	logger   *slog.Logger
	monitor  *health.Monitor
	pool     *worker.Pool[queue.Delivery]
	metrics  *outputMetrics
	healthy  atomic.Bool

	mu   sync.Mutex
	taps map[*queue.Queue]queue.CallbackID
}

type outputMetrics struct {
	registry  *metric.MetricsRegistry
	published *prometheus.CounterVec
	failed    *prometheus.CounterVec
	bytes     prometheus.Counter
}

const metricsOwner = "output_nats"

// Option configures an Output.
type Option func(*Output)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Output) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHealth reports publish failures and recoveries to monitor.
func WithHealth(monitor *health.Monitor) Option {
	return func(o *Output) { o.monitor = monitor }
}

// WithMetrics counts published and failed messages per queue.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Output) {
		if registry == nil {
			return
		}
		m := &outputMetrics{
			registry: registry,
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "nats_output", Name: "published_total",
				Help: "Messages published to NATS",
			}, []string{"queue"}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "nats_output", Name: "failed_total",
				Help: "Messages that could not be encoded or published",
			}, []string{"queue"}),
			bytes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: metric.Namespace, Subsystem: "nats_output", Name: "bytes_total",
				Help: "Envelope bytes published to NATS",
			}),
		}
		if err := registry.RegisterCounterVec(metricsOwner, "published_total", m.published); err != nil {
			o.logger.Warn("NATS output metrics disabled", "error", err)
			return
		}
		_ = registry.RegisterCounterVec(metricsOwner, "failed_total", m.failed)
		_ = registry.RegisterCounter(metricsOwner, "bytes_total", m.bytes)
		o.metrics = m
	}
}

// New creates a tap publishing through pub.
func New(pub Publisher, cfg Config, opts ...Option) (*Output, error) {
	if pub == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Output", "New", "nil publisher")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &Output{
		pub:      pub,
		prefix:   cfg.SubjectPrefix,
		compress: cfg.Compress,
		logger:   slog.Default(),
		taps:     make(map[*queue.Queue]queue.CallbackID),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "nats_output")
	o.healthy.Store(true)
	o.pool = worker.NewPool(cfg.Workers, cfg.BufferSize, o.publish,
		worker.WithLogger[queue.Delivery](o.logger))
	return o, nil
}

// Subject returns the subject messages from queueName are published on.
// Characters NATS treats specially are replaced with '_'.
func Subject(prefix, queueName string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '*', '>', '\t':
			return '_'
		case '[', ']':
			return '.'
		}
		return r
	}, queueName)
	token = strings.Trim(strings.ReplaceAll(token, "..", "."), ".")
	return prefix + "." + token
}

// Start launches the publishing workers.
func (o *Output) Start(ctx context.Context) error {
	if err := o.pool.Start(ctx); err != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Output", "Start", err.Error())
	}
	o.logger.Info("NATS output started", "prefix", o.prefix)
	return nil
}

// Tap publishes every later message sent to q.
func (o *Output) Tap(q *queue.Queue) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.taps[q]; ok {
		return nil
	}
	id, err := q.AddCallback(queue.HandOff(o.pool, o.logger))
	if err != nil {
		return errors.Wrap(err, "Output", "Tap", q.Name())
	}
	o.taps[q] = id
	o.logger.Debug("Tapped queue", "queue", q.Name(), "subject", Subject(o.prefix, q.Name()))
	return nil
}

// Untap stops publishing q. It reports whether q was tapped.
func (o *Output) Untap(q *queue.Queue) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	id, ok := o.taps[q]
	if !ok {
		return false
	}
	delete(o.taps, q)
	q.RemoveCallback(id)
	return true
}

// Stop untaps every queue and waits up to timeout for pending publishes.
func (o *Output) Stop(timeout time.Duration) error {
	o.mu.Lock()
	for q, id := range o.taps {
		q.RemoveCallback(id)
	}
	o.taps = make(map[*queue.Queue]queue.CallbackID)
	o.mu.Unlock()

	err := o.pool.Stop(timeout)
	if o.metrics != nil {
		o.metrics.registry.UnregisterOwner(metricsOwner)
	}
	if err != nil {
		return errors.WrapTransient(err, "Output", "Stop", "drain publishes")
	}
	return nil
}

// Stats returns the publishing pool's counters.
func (o *Output) Stats() worker.PoolStats { return o.pool.Stats() }

func (o *Output) publish(ctx context.Context, d queue.Delivery) error {
	env, err := message.NewEnvelope(d.Message, d.Queue, o.compress)
	if err != nil {
		o.fail(d.Queue, err)
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		o.fail(d.Queue, err)
		return err
	}
	if err := o.pub.Publish(ctx, Subject(o.prefix, d.Queue), data); err != nil {
		err = errors.WrapTransient(err, "Output", "publish", d.Queue)
		o.fail(d.Queue, err)
		return err
	}

	if o.metrics != nil {
		o.metrics.published.WithLabelValues(d.Queue).Inc()
		o.metrics.bytes.Add(float64(len(data)))
	}
	if !o.healthy.Swap(true) && o.monitor != nil {
		o.monitor.UpdateHealthy("nats_output", "Publishing")
	}
	return nil
}

func (o *Output) fail(queueName string, err error) {
	if o.metrics != nil {
		o.metrics.failed.WithLabelValues(queueName).Inc()
	}
	if o.healthy.Swap(false) {
		o.logger.Warn("NATS publish failing", "queue", queueName, "error", err)
		if o.monitor != nil {
			o.monitor.UpdateUnhealthy("nats_output", err)
		}
	}
}
