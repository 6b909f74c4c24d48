package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/pkg/buffer"
	"github.com/c360/depthgraph/pkg/worker"
	"github.com/c360/depthgraph/queue"
)

// Config holds configuration for the preview server
type Config struct {
	Addr         string        `json:"addr"          yaml:"addr"`
	Path         string        `json:"path"          yaml:"path"`
	ClientBuffer int           `json:"client_buffer" yaml:"client_buffer"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `json:"ping_interval" yaml:"ping_interval"`
	Compress     bool          `json:"compress"      yaml:"compress"`
	// MaxFPS caps envelopes per second per queue; 0 streams every message.
	MaxFPS float64 `json:"max_fps" yaml:"max_fps"`
	// AuthSecret enables HS256 bearer tokens when set. See NewToken.
	AuthSecret string `json:"auth_secret,omitempty" yaml:"auth_secret,omitempty"`
}

// DefaultConfig returns default configuration for the preview server
func DefaultConfig() Config {
	return Config{
		Addr:         ":8081",
		Path:         "/ws",
		ClientBuffer: 16,
		WriteTimeout: 5 * time.Second,
		PingInterval: 30 * time.Second,
	}
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "addr cannot be empty")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("path %q must start with '/'", c.Path))
	}
	if c.ClientBuffer < 1 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "client_buffer must be at least 1")
	}
	if c.WriteTimeout <= 0 || c.PingInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"write_timeout and ping_interval must be positive")
	}
	if c.MaxFPS < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "max_fps cannot be negative")
	}
	if c.AuthSecret != "" && len(c.AuthSecret) < minSecretLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("auth_secret must be at least %d bytes", minSecretLength))
	}
	return nil
}

// ControlMessage is sent by clients to choose which queues they receive.
// An empty Queues list on "subscribe" means every tapped queue.
type ControlMessage struct {
	Type   string   `json:"type"`
	Queues []string `json:"queues,omitempty"`
}

const (
	ControlSubscribe   = "subscribe"
	ControlUnsubscribe = "unsubscribe"
)

// Output serves message.Envelope JSON frames from tapped queues to
// WebSocket clients. Each client has its own drop-oldest buffer, so a slow
// viewer loses frames instead of stalling the pipeline or other viewers.
type Output struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
	metrics  *Metrics
	encoder  *worker.Pool[queue.Delivery]

	lifecycleMu sync.Mutex
	server      *http.Server
	listener    net.Listener
	running     bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	clientsMu sync.RWMutex
	clients   map[*client]struct{}

	tapsMu sync.Mutex
	taps   map[*queue.Queue]queue.CallbackID

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter

	sent      atomic.Int64
	dropped   atomic.Int64
	throttled atomic.Int64
}

// frame is one encoded envelope ready to write.
type frame struct {
	queue string
	data  []byte
}

type client struct {
	conn        *websocket.Conn
	connectedAt time.Time
	pending     buffer.Buffer[frame]
	wake        chan struct{}
	closeOnce   sync.Once
	closed      chan struct{}

	filterMu sync.RWMutex
	filter   map[string]bool
}

func (c *client) wants(queueName string) bool {
	c.filterMu.RLock()
	defer c.filterMu.RUnlock()
	return len(c.filter) == 0 || c.filter[queueName]
}

func (c *client) apply(ctl ControlMessage) {
	c.filterMu.Lock()
	defer c.filterMu.Unlock()
	switch ctl.Type {
	case ControlSubscribe:
		if len(ctl.Queues) == 0 {
			c.filter = nil
			return
		}
		if c.filter == nil {
			c.filter = make(map[string]bool)
		}
		for _, q := range ctl.Queues {
			c.filter[q] = true
		}
	case ControlUnsubscribe:
		for _, q := range ctl.Queues {
			delete(c.filter, q)
		}
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.pending.Close()
		_ = c.conn.Close()
	})
}

// Metrics holds Prometheus metrics for the preview server
type Metrics struct {
	clientsConnected prometheus.Gauge
	connectionTotal  prometheus.Counter
	messagesSent     *prometheus.CounterVec
	messagesDropped  *prometheus.CounterVec
	throttled        *prometheus.CounterVec
	bytesSent        prometheus.Counter
	errorsTotal      *prometheus.CounterVec
}

const metricsOwner = "output_websocket"

func newMetrics(registry *metric.MetricsRegistry) (*Metrics, error) {
	if registry == nil {
		return nil, nil
	}
	m := &Metrics{
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "clients_connected",
			Help: "Number of currently connected preview clients",
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "client_connections_total",
			Help: "Total preview client connections",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "messages_sent_total",
			Help: "Envelopes written to preview clients",
		}, []string{"queue"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "messages_dropped_total",
			Help: "Envelopes discarded because a client fell behind",
		}, []string{"queue"}),
		throttled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "messages_throttled_total",
			Help: "Messages skipped by the max_fps limit",
		}, []string{"queue"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "bytes_sent_total",
			Help: "Bytes written to preview clients",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "websocket", Name: "errors_total",
			Help: "Preview server errors",
		}, []string{"error_type"}),
	}

	regs := []struct {
		name string
		fn   func() error
	}{
		{"clients_connected", func() error {
			return registry.RegisterGauge(metricsOwner, "clients_connected", m.clientsConnected)
		}},
		{"client_connections_total", func() error {
			return registry.RegisterCounter(metricsOwner, "client_connections_total", m.connectionTotal)
		}},
		{"messages_sent_total", func() error {
			return registry.RegisterCounterVec(metricsOwner, "messages_sent_total", m.messagesSent)
		}},
		{"messages_dropped_total", func() error {
			return registry.RegisterCounterVec(metricsOwner, "messages_dropped_total", m.messagesDropped)
		}},
		{"messages_throttled_total", func() error {
			return registry.RegisterCounterVec(metricsOwner, "messages_throttled_total", m.throttled)
		}},
		{"bytes_sent_total", func() error {
			return registry.RegisterCounter(metricsOwner, "bytes_sent_total", m.bytesSent)
		}},
		{"errors_total", func() error {
			return registry.RegisterCounterVec(metricsOwner, "errors_total", m.errorsTotal)
		}},
	}
	for _, r := range regs {
		if err := r.fn(); err != nil {
			registry.UnregisterOwner(metricsOwner)
			return nil, errors.Wrap(err, "Output", "newMetrics", r.name)
		}
	}
	return m, nil
}

func (m *Metrics) countError(kind string) {
	if m != nil {
		m.errorsTotal.WithLabelValues(kind).Inc()
	}
}

// Option configures an Output.
type Option func(*Output)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Output) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics registers the preview server's metrics in registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Output) {
		m, err := newMetrics(registry)
		if err != nil {
			o.logger.Warn("WebSocket metrics disabled", "error", err)
			return
		}
		o.metrics = m
	}
}

// New creates a preview server. It does not listen until Start.
func New(cfg Config, opts ...Option) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Output{
		cfg:    cfg,
		logger: slog.Default(),
		upgrader: websocket.Upgrader{
			// Preview clients are local dashboards served from other origins.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
		},
		clients:  make(map[*client]struct{}),
		taps:     make(map[*queue.Queue]queue.CallbackID),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "websocket_output")
	return o, nil
}

// Start listens on the configured address and serves clients until Stop
// or until ctx is cancelled.
func (o *Output) Start(ctx context.Context) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if o.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Output", "Start", "preview server")
	}
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Output", "Start", "context already cancelled")
	}

	ln, err := net.Listen("tcp", o.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Output", "Start", fmt.Sprintf("listen on %s", o.cfg.Addr))
	}
	// A single encoder keeps frames from one queue in send order.
	o.encoder = worker.NewPool(1, 4*o.cfg.ClientBuffer, o.encode,
		worker.WithLogger[queue.Delivery](o.logger))
	if err := o.encoder.Start(ctx); err != nil {
		_ = ln.Close()
		return errors.Wrap(err, "Output", "Start", "start encoder")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(o.cfg.Path, o.handleWebSocket)
	o.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	o.listener = ln
	o.shutdown = make(chan struct{})
	o.running = true

	o.wg.Add(2)
	go o.serve(o.server, ln)
	go o.keepalive(ctx, o.shutdown)

	o.logger.Info("Preview server listening", "addr", ln.Addr().String(), "path", o.cfg.Path)
	return nil
}

// Addr returns the bound listen address, or "" before Start.
func (o *Output) Addr() string {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if o.listener == nil {
		return ""
	}
	return o.listener.Addr().String()
}

func (o *Output) serve(server *http.Server, ln net.Listener) {
	defer o.wg.Done()
	if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
		o.logger.Error("Preview server failed", "error", err)
		o.metrics.countError("serve")
	}
}

// Stop closes every client, shuts the server down and waits up to timeout
// for connection goroutines.
func (o *Output) Stop(timeout time.Duration) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()

	if !o.running {
		return errors.WrapInvalid(errors.ErrNotStarted, "Output", "Stop", "preview server")
	}
	o.running = false
	close(o.shutdown)

	o.untapAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := o.server.Shutdown(shutdownCtx); err != nil {
		o.logger.Warn("Preview server shutdown error", "error", err)
	}
	o.closeAllClients()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	var stopErr error
	select {
	case <-done:
	case <-time.After(timeout):
		stopErr = errors.WrapTransient(errors.ErrConnectionTimeout, "Output", "Stop",
			"client goroutines did not exit")
	}

	if err := o.encoder.Stop(timeout); err != nil && stopErr == nil {
		stopErr = errors.WrapTransient(err, "Output", "Stop", "stop encoder")
	}
	o.server = nil
	o.listener = nil
	o.logger.Info("Preview server stopped",
		"sent", o.sent.Load(), "dropped", o.dropped.Load(), "throttled", o.throttled.Load())
	return stopErr
}

// Tap streams every later message sent to q to connected clients. The
// server must be running.
func (o *Output) Tap(q *queue.Queue) error {
	o.lifecycleMu.Lock()
	defer o.lifecycleMu.Unlock()
	if !o.running {
		return errors.WrapInvalid(errors.ErrNotStarted, "Output", "Tap", q.Name())
	}
	o.tapsMu.Lock()
	defer o.tapsMu.Unlock()
	if _, ok := o.taps[q]; ok {
		return nil
	}
	id, err := q.AddCallback(queue.HandOff(o.encoder, o.logger))
	if err != nil {
		return errors.Wrap(err, "Output", "Tap", q.Name())
	}
	o.taps[q] = id
	return nil
}

// Untap stops streaming q. It reports whether q was tapped.
func (o *Output) Untap(q *queue.Queue) bool {
	o.tapsMu.Lock()
	defer o.tapsMu.Unlock()
	id, ok := o.taps[q]
	if ok {
		delete(o.taps, q)
		q.RemoveCallback(id)
	}
	return ok
}

func (o *Output) untapAll() {
	o.tapsMu.Lock()
	defer o.tapsMu.Unlock()
	for q, id := range o.taps {
		q.RemoveCallback(id)
	}
	o.taps = make(map[*queue.Queue]queue.CallbackID)
}

// ClientCount returns the number of connected clients.
func (o *Output) ClientCount() int {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	return len(o.clients)
}

// Sent and Dropped count envelopes written to and discarded for clients.
func (o *Output) Sent() int64    { return o.sent.Load() }
func (o *Output) Dropped() int64 { return o.dropped.Load() }

// Throttled counts messages skipped by MaxFPS before encoding.
func (o *Output) Throttled() int64 { return o.throttled.Load() }

// allow reports whether a message from queueName fits the MaxFPS budget.
func (o *Output) allow(queueName string) bool {
	if o.cfg.MaxFPS <= 0 {
		return true
	}
	o.limitersMu.Lock()
	lim, ok := o.limiters[queueName]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(o.cfg.MaxFPS), 1)
		o.limiters[queueName] = lim
	}
	o.limitersMu.Unlock()
	return lim.Allow()
}

func (o *Output) encode(_ context.Context, d queue.Delivery) error {
	if !o.allow(d.Queue) {
		o.throttled.Add(1)
		if o.metrics != nil {
			o.metrics.throttled.WithLabelValues(d.Queue).Inc()
		}
		return nil
	}
	env, err := message.NewEnvelope(d.Message, d.Queue, o.cfg.Compress)
	if err != nil {
		o.metrics.countError("encode")
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		o.metrics.countError("encode")
		return err
	}
	o.broadcast(frame{queue: d.Queue, data: data})
	return nil
}

func (o *Output) broadcast(f frame) {
	o.clientsMu.RLock()
	defer o.clientsMu.RUnlock()
	for c := range o.clients {
		if !c.wants(f.queue) {
			continue
		}
		if err := c.pending.Write(f); err != nil {
			continue
		}
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (o *Output) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if o.cfg.AuthSecret != "" {
		if _, err := VerifyToken(o.cfg.AuthSecret, bearerToken(r)); err != nil {
			o.metrics.countError("unauthorized")
			o.logger.Debug("Preview client rejected", "remote", r.RemoteAddr, "error", err)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	conn, err := o.upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.metrics.countError("connection_upgrade")
		return
	}

	c := &client{
		conn:        conn,
		connectedAt: time.Now(),
		wake:        make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	pending, err := buffer.NewCircularBuffer[frame](o.cfg.ClientBuffer,
		buffer.WithOverflowPolicy[frame](buffer.DropOldest),
		buffer.WithDropCallback[frame](func(f frame) {
			o.dropped.Add(1)
			if o.metrics != nil {
				o.metrics.messagesDropped.WithLabelValues(f.queue).Inc()
			}
		}),
	)
	if err != nil {
		_ = conn.Close()
		o.metrics.countError("buffer_creation")
		return
	}
	c.pending = pending

	o.lifecycleMu.Lock()
	if !o.running {
		o.lifecycleMu.Unlock()
		_ = conn.Close()
		return
	}
	o.clientsMu.Lock()
	o.clients[c] = struct{}{}
	count := len(o.clients)
	o.clientsMu.Unlock()
	o.wg.Add(2)
	o.lifecycleMu.Unlock()

	if o.metrics != nil {
		o.metrics.connectionTotal.Inc()
		o.metrics.clientsConnected.Set(float64(count))
	}
	o.logger.Debug("Preview client connected", "remote", r.RemoteAddr, "clients", count)

	go o.readLoop(c)
	go o.writeLoop(c)
}

// readLoop applies control messages until the client goes away.
func (o *Output) readLoop(c *client) {
	defer o.wg.Done()
	defer o.removeClient(c)

	readTimeout := 2 * o.cfg.PingInterval
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var ctl ControlMessage
		if err := json.Unmarshal(data, &ctl); err != nil {
			o.metrics.countError("bad_control")
			continue
		}
		c.apply(ctl)
	}
}

func (o *Output) writeLoop(c *client) {
	defer o.wg.Done()
	defer o.removeClient(c)

	for {
		select {
		case <-c.closed:
			return
		case <-c.wake:
		}
		for _, f := range c.pending.ReadBatch(c.pending.Capacity()) {
			_ = c.conn.SetWriteDeadline(time.Now().Add(o.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				o.metrics.countError("client_send")
				return
			}
			o.sent.Add(1)
			if o.metrics != nil {
				o.metrics.messagesSent.WithLabelValues(f.queue).Inc()
				o.metrics.bytesSent.Add(float64(len(f.data)))
			}
		}
	}
}

func (o *Output) keepalive(ctx context.Context, shutdown <-chan struct{}) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			o.closeAllClients()
			return
		case <-shutdown:
			return
		case <-ticker.C:
			o.clientsMu.RLock()
			clients := make([]*client, 0, len(o.clients))
			for c := range o.clients {
				clients = append(clients, c)
			}
			o.clientsMu.RUnlock()
			deadline := time.Now().Add(o.cfg.WriteTimeout)
			for _, c := range clients {
				if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					o.removeClient(c)
				}
			}
		}
	}
}

func (o *Output) removeClient(c *client) {
	o.clientsMu.Lock()
	_, ok := o.clients[c]
	delete(o.clients, c)
	count := len(o.clients)
	o.clientsMu.Unlock()
	c.close()

	if ok {
		if o.metrics != nil {
			o.metrics.clientsConnected.Set(float64(count))
		}
		o.logger.Debug("Preview client disconnected",
			"connected_for", time.Since(c.connectedAt).Round(time.Millisecond), "clients", count)
	}
}

func (o *Output) closeAllClients() {
	o.clientsMu.Lock()
	clients := o.clients
	o.clients = make(map[*client]struct{})
	o.clientsMu.Unlock()
	for c := range clients {
		c.close()
	}
	if o.metrics != nil {
		o.metrics.clientsConnected.Set(0)
	}
}
