package queue

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/pkg/buffer"
)

// NoTimeout makes the timed getters block until a message arrives or the
// queue closes.
const NoTimeout time.Duration = -1

// Queue is a bounded, thread-safe FIFO of messages bound to one port.
//
// In blocking mode a full queue makes senders wait; otherwise the oldest
// message is discarded to make room. Every message is offered to the
// registered callbacks, in registration order and on the sending goroutine,
// before any getter can receive it.
type Queue struct {
	mu       sync.RWMutex
	name     string
	blocking bool

	buf buffer.Blocking[message.Message]

	// slot serializes producers so that callback order and FIFO order agree.
	slot      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	callbacks callbackList

	logger  *slog.Logger
	metrics *queueMetrics
}

// Option configures a Queue.
type Option func(*options)

type options struct {
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	owner    string
}

// WithLogger sets the logger used for callback failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics exports buffer and callback metrics under owner. A nil
// registry disables metrics.
func WithMetrics(registry *metric.MetricsRegistry, owner string) Option {
	return func(o *options) {
		o.registry = registry
		o.owner = owner
	}
}

// New creates a queue holding at most maxSize messages.
func New(name string, maxSize int, blocking bool, opts ...Option) (*Queue, error) {
	if maxSize < 1 {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Queue", "New",
			fmt.Sprintf("max size %d must be at least 1", maxSize)))
	}

	o := options{logger: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.owner == "" {
		o.owner = "queue_" + name
	}

	bufOpts := []buffer.Option[message.Message]{
		buffer.WithOverflowPolicy[message.Message](policyFor(blocking)),
	}
	if o.registry != nil {
		bufOpts = append(bufOpts, buffer.WithMetrics[message.Message](o.registry, o.owner))
	}
	buf, err := buffer.NewBlockingBuffer[message.Message](maxSize, bufOpts...)
	if err != nil {
		return nil, errors.Record(errors.Wrap(err, "Queue", "New", "create buffer"))
	}

	q := &Queue{
		name:     name,
		blocking: blocking,
		buf:      buf,
		slot:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   o.logger.With("component", "queue", "queue", name),
	}

	if o.registry != nil {
		q.metrics, err = newQueueMetrics(o.registry, o.owner)
		if err != nil {
			_ = buf.Close()
			return nil, errors.Record(errors.Wrap(err, "Queue", "New", "register metrics"))
		}
	}

	return q, nil
}

func policyFor(blocking bool) buffer.OverflowPolicy {
	if blocking {
		return buffer.Block
	}
	return buffer.DropOldest
}

// mapErr converts buffer and context errors into queue errors and records
// them as the last error.
func (q *Queue) mapErr(method string, err error) error {
	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, errors.ErrAlreadyStopped), stderrors.Is(err, errors.ErrQueueClosed):
		err = errors.WrapInvalid(errors.ErrQueueClosed, "Queue", method, q.Name())
	case stderrors.Is(err, context.DeadlineExceeded):
		err = errors.WrapTransient(errors.ErrQueueTimeout, "Queue", method, q.Name())
	default:
		err = errors.Wrap(err, "Queue", method, q.Name())
	}
	return errors.Record(err)
}

func timeoutContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout < 0 {
		return context.WithCancel(context.Background())
	}
	return context.WithTimeout(context.Background(), timeout)
}

// Get blocks until a message arrives or the queue closes.
func (q *Queue) Get() (message.Message, error) {
	return q.GetWithContext(context.Background())
}

// GetWithTimeout waits up to timeout for a message. NoTimeout waits forever.
// Expiry returns an error matching errors.ErrQueueTimeout.
func (q *Queue) GetWithTimeout(timeout time.Duration) (message.Message, error) {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()
	return q.GetWithContext(ctx)
}

// GetWithContext waits for a message until ctx is done or the queue closes.
func (q *Queue) GetWithContext(ctx context.Context) (message.Message, error) {
	msg, err := q.buf.ReadWithContext(ctx)
	if err != nil {
		return nil, q.mapErr("Get", err)
	}
	return msg, nil
}

// TryGet returns the oldest message without blocking. ok is false when the
// queue is empty.
func (q *Queue) TryGet() (msg message.Message, ok bool, err error) {
	if q.IsClosed() {
		return nil, false, q.mapErr("TryGet", errors.ErrQueueClosed)
	}
	msg, ok = q.buf.Read()
	return msg, ok, nil
}

// Front returns the oldest message without removing it.
func (q *Queue) Front() (msg message.Message, ok bool, err error) {
	if q.IsClosed() {
		return nil, false, q.mapErr("Front", errors.ErrQueueClosed)
	}
	msg, ok = q.buf.Peek()
	return msg, ok, nil
}

// GetAll waits for at least one message, then drains the backlog in order.
func (q *Queue) GetAll() ([]message.Message, error) {
	return q.GetAllWithContext(context.Background())
}

// GetAllWithTimeout is GetAll bounded by timeout. Expiry returns an error
// matching errors.ErrQueueTimeout.
func (q *Queue) GetAllWithTimeout(timeout time.Duration) ([]message.Message, error) {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()
	return q.GetAllWithContext(ctx)
}

// GetAllWithContext is GetAll bounded by ctx.
func (q *Queue) GetAllWithContext(ctx context.Context) ([]message.Message, error) {
	msgs, err := q.buf.ReadAllWithContext(ctx)
	if err != nil {
		return nil, q.mapErr("GetAll", err)
	}
	return msgs, nil
}

// TryGetAll drains whatever is queued without blocking.
func (q *Queue) TryGetAll() ([]message.Message, error) {
	if q.IsClosed() {
		return nil, q.mapErr("TryGetAll", errors.ErrQueueClosed)
	}
	return q.buf.ReadAll(), nil
}

// Send enqueues msg, blocking while the queue is full in blocking mode.
func (q *Queue) Send(msg message.Message) error {
	return q.SendWithContext(context.Background(), msg)
}

// SendWithTimeout enqueues msg, waiting up to timeout for room. It returns
// false without an error when the timeout expires.
func (q *Queue) SendWithTimeout(msg message.Message, timeout time.Duration) (bool, error) {
	ctx, cancel := timeoutContext(timeout)
	defer cancel()

	err := q.SendWithContext(ctx, msg)
	if stderrors.Is(err, errors.ErrQueueTimeout) {
		return false, nil
	}
	return err == nil, err
}

// SendWithContext enqueues msg, waiting for room until ctx is done.
func (q *Queue) SendWithContext(ctx context.Context, msg message.Message) error {
	if msg == nil {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidData, "Queue", "Send", "nil message"))
	}

	select {
	case q.slot <- struct{}{}:
	case <-q.done:
		return q.mapErr("Send", errors.ErrQueueClosed)
	case <-ctx.Done():
		return q.mapErr("Send", ctx.Err())
	}
	defer func() { <-q.slot }()

	if err := q.buf.WaitWritable(ctx); err != nil {
		return q.mapErr("Send", err)
	}

	q.dispatch(msg)
	return q.mapErr("Send", q.buf.WriteWithContext(ctx, msg))
}

// TrySend enqueues msg only if that needs no waiting. In non-blocking mode a
// full queue still accepts the message by discarding the oldest. Under
// contention with another sender TrySend reports false.
func (q *Queue) TrySend(msg message.Message) (bool, error) {
	if msg == nil {
		return false, errors.Record(errors.WrapInvalid(errors.ErrInvalidData, "Queue", "TrySend", "nil message"))
	}

	select {
	case q.slot <- struct{}{}:
	default:
		return false, nil
	}
	defer func() { <-q.slot }()

	if q.IsClosed() {
		return false, q.mapErr("TrySend", errors.ErrQueueClosed)
	}
	if q.buf.OverflowPolicy() == buffer.Block && q.buf.IsFull() {
		return false, nil
	}

	q.dispatch(msg)
	if err := q.buf.Write(msg); err != nil {
		return false, q.mapErr("TrySend", err)
	}
	return true, nil
}

// Name returns the queue name passed to callbacks.
func (q *Queue) Name() string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.name
}

func (q *Queue) SetName(name string) {
	q.mu.Lock()
	q.name = name
	q.mu.Unlock()
}

// Blocking reports whether senders wait when the queue is full.
func (q *Queue) Blocking() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.blocking
}

// SetBlocking switches between waiting and drop-oldest on overflow.
// Switching to non-blocking releases waiting senders.
func (q *Queue) SetBlocking(blocking bool) {
	q.mu.Lock()
	q.blocking = blocking
	q.mu.Unlock()
	q.buf.SetOverflowPolicy(policyFor(blocking))
}

func (q *Queue) MaxSize() int {
	return q.buf.Capacity()
}

// SetMaxSize changes the capacity. Growing wakes blocked senders; shrinking
// keeps every queued message.
func (q *Queue) SetMaxSize(maxSize int) error {
	if maxSize < 1 {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Queue", "SetMaxSize",
			fmt.Sprintf("max size %d must be at least 1", maxSize)))
	}
	q.buf.SetCapacity(maxSize)
	return nil
}

func (q *Queue) Size() int    { return q.buf.Size() }
func (q *Queue) Has() bool    { return !q.buf.IsEmpty() }
func (q *Queue) IsFull() bool { return q.buf.IsFull() }

// Stats returns the underlying buffer statistics.
func (q *Queue) Stats() buffer.StatsSummary {
	return q.buf.Stats().Summary()
}

// Close wakes every blocked getter and sender with ErrQueueClosed and drops
// all callbacks. Close is idempotent.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.done)
		_ = q.buf.Close()
		q.callbacks.clear()
		if q.metrics != nil {
			q.metrics.unregister()
		}
	})
	return nil
}

func (q *Queue) IsClosed() bool {
	select {
	case <-q.done:
		return true
	default:
		return false
	}
}

// Done is closed when the queue closes.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}
