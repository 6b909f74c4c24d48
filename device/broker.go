package device

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"weak"

	"github.com/google/uuid"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/metric"
)

// Broker hands out Sessions and guarantees at most one live exclusive
// connection per device it opened. The default connection is held weakly:
// it is reused while any handle on it lives and re-selected after the last
// handle is released.
//
// A process normally creates a single Broker. All session state changes are
// serialized by the broker mutex.
type Broker struct {
	mu        sync.Mutex
	transport Transport
	def       weak.Pointer[shared]

	logger  *slog.Logger
	metrics *metric.Metrics
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithLogger sets the logger for session events.
func WithLogger(logger *slog.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics records session opens, closes and the active connection
// count. A nil registry disables metrics.
func WithMetrics(registry *metric.MetricsRegistry) BrokerOption {
	return func(b *Broker) {
		b.metrics = registry.CoreMetrics()
	}
}

// NewBroker creates a broker over transport.
func NewBroker(transport Transport, opts ...BrokerOption) *Broker {
	if transport == nil {
		panic("device: nil transport")
	}
	b := &Broker{
		transport: transport,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.logger = b.logger.With("component", "device")
	return b
}

// Open returns a handle on the default connection, reusing it when it is
// alive and open. Otherwise it selects the first device found in
// ProbeOrder, connects, and makes that connection the new default.
//
// When nothing can be claimed Open distinguishes an empty bus
// (errors.ErrDeviceUnavailable) from a bus where every device is held by
// someone else (*errors.DeviceInUseError).
func (b *Broker) Open(ctx context.Context) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s := b.def.Value(); s != nil && !s.closed && !s.conn.IsClosed() {
		b.countOpen("reused")
		b.logger.Debug("Reusing default device session", "session", s.id, "refs", s.refs+1)
		return b.newHandleLocked(s), nil
	}

	info, err := b.selectLocked(ctx)
	if err != nil {
		return nil, errors.Record(err)
	}

	s, err := b.connectLocked(ctx, info)
	if err != nil {
		return nil, errors.Record(err)
	}
	b.def = weak.Make(s)
	return b.newHandleLocked(s), nil
}

// OpenWith connects to an explicit device. The connection does not become
// the default.
func (b *Broker) OpenWith(ctx context.Context, info DeviceInfo) (*Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, err := b.connectLocked(ctx, info)
	if err != nil {
		return nil, errors.Record(err)
	}
	return b.newHandleLocked(s), nil
}

func (b *Broker) selectLocked(ctx context.Context) (DeviceInfo, error) {
	for _, state := range ProbeOrder {
		devices, err := b.transport.ListDevices(ctx, state)
		if err != nil {
			b.logger.Debug("Device probe failed", "state", state.String(), "error", err)
			continue
		}
		if len(devices) > 0 {
			return devices[0], nil
		}
	}

	if err := ctx.Err(); err != nil {
		b.countOpen("error")
		return DeviceInfo{}, errors.WrapTransient(err, "Broker", "Open", "select device")
	}

	all, err := b.transport.ListDevices(ctx, AnyState)
	if err == nil && len(all) > 0 {
		b.countOpen("in_use")
		return DeviceInfo{}, errors.WrapTransient(&errors.DeviceInUseError{Count: len(all)},
			"Broker", "Open", "select device")
	}
	b.countOpen("unavailable")
	return DeviceInfo{}, errors.WrapTransient(errors.ErrDeviceUnavailable, "Broker", "Open", "select device")
}

func (b *Broker) connectLocked(ctx context.Context, info DeviceInfo) (*shared, error) {
	conn, err := b.transport.Connect(ctx, info)
	if err != nil {
		result := "error"
		if stderrors.Is(err, errors.ErrDeviceInUse) {
			result = "in_use"
		}
		b.countOpen(result)
		return nil, errors.Wrap(err, "Broker", "Open", fmt.Sprintf("connect %s", info.DeviceID))
	}

	s := &shared{
		id:     uuid.NewString(),
		conn:   conn,
		broker: b,
	}
	b.countOpen("connected")
	if b.metrics != nil {
		b.metrics.ActiveConnections.Inc()
	}
	b.logger.Info("Device connected",
		"session", s.id,
		"device", info.DeviceID,
		"platform", info.Platform.String(),
		"state", info.State.String())
	return s, nil
}

func (b *Broker) countOpen(result string) {
	if b.metrics != nil {
		b.metrics.SessionOpens.WithLabelValues(result).Inc()
	}
}

// closeShared closes the connection if it is still open. Callers hold b.mu.
func (b *Broker) closeShared(s *shared) error {
	if s.closed {
		return nil
	}
	if s.conn.IsClosed() {
		s.closed = true
		if b.metrics != nil {
			b.metrics.ActiveConnections.Dec()
		}
		return nil
	}

	if err := s.conn.Close(); err != nil {
		if b.metrics != nil {
			b.metrics.SessionCloses.WithLabelValues("error").Inc()
		}
		return err
	}
	s.closed = true
	if b.metrics != nil {
		b.metrics.SessionCloses.WithLabelValues("ok").Inc()
		b.metrics.ActiveConnections.Dec()
	}
	return nil
}
