package buffer

import (
	"context"
	"sync"

	"github.com/c360/depthgraph/errors"
)

// circularBuffer is a thread-safe ring with a mutable capacity bound.
//
// Storage is a ring of len(items) slots that always holds at least
// max(capacity, size) slots, so shrinking the capacity never discards
// items; "full" means size >= capacity.
type circularBuffer[T any] struct {
	mu       sync.RWMutex
	items    []T
	head     int // next read position
	size     int
	capacity int
	policy   OverflowPolicy
	closed   bool

	stats        *Statistics
	metrics      *bufferMetrics
	dropCallback DropCallback[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
}

var _ Blocking[int] = (*circularBuffer[int])(nil)

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:        make([]T, capacity),
		capacity:     capacity,
		policy:       opts.overflowPolicy,
		stats:        NewStatistics(),
		metrics:      metrics,
		dropCallback: opts.dropCallback,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

func closedError(method string) error {
	return errors.WrapInvalid(errors.ErrAlreadyStopped, "Buffer", method, "buffer closed")
}

// wakeOnDone broadcasts cond when ctx is done. The broadcast takes the lock
// first so a waiter cannot miss it between its ctx check and cond.Wait.
func (cb *circularBuffer[T]) wakeOnDone(ctx context.Context, cond *sync.Cond) func() bool {
	if ctx.Done() == nil {
		return func() bool { return false }
	}
	return context.AfterFunc(ctx, func() {
		cb.mu.Lock()
		cond.Broadcast()
		cb.mu.Unlock()
	})
}

// push appends at the tail. Caller holds the lock.
func (cb *circularBuffer[T]) push(item T) {
	if cb.size == len(cb.items) {
		cb.relayout(max(2*cb.size, cb.capacity, 1))
	}
	cb.items[(cb.head+cb.size)%len(cb.items)] = item
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.notEmpty.Signal()
}

// pop removes the head item. Caller holds the lock and checked size > 0.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.head]
	cb.items[cb.head] = zero
	cb.head = (cb.head + 1) % len(cb.items)
	cb.size--
	cb.stats.Read()
	return item
}

func (cb *circularBuffer[T]) afterRead() {
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}
	cb.notFull.Broadcast()
}

// relayout moves the items into fresh storage of n slots starting at 0.
func (cb *circularBuffer[T]) relayout(n int) {
	items := make([]T, n)
	for i := 0; i < cb.size; i++ {
		items[i] = cb.items[(cb.head+i)%len(cb.items)]
	}
	cb.items = items
	cb.head = 0
}

func (cb *circularBuffer[T]) drainLocked() []T {
	if cb.size == 0 {
		return nil
	}
	out := make([]T, 0, cb.size)
	for cb.size > 0 {
		out = append(out, cb.pop())
	}
	cb.afterRead()
	return out
}

func (cb *circularBuffer[T]) notifyDropped(dropped []T) {
	if cb.dropCallback == nil {
		return
	}
	for _, item := range dropped {
		cb.dropCallback(item)
	}
}

// writeLocked applies the overflow policy and stores item. It returns the
// items discarded so the caller can run drop callbacks after unlocking.
func (cb *circularBuffer[T]) writeLocked(ctx context.Context, method string, item T) ([]T, error) {
	var (
		dropped    []T
		overflowed bool
		stop       func() bool
	)
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	for cb.size >= cb.capacity {
		if cb.closed {
			return dropped, closedError(method)
		}
		if !overflowed {
			overflowed = true
			cb.stats.Overflow()
			if cb.metrics != nil {
				cb.metrics.recordOverflow()
			}
		}

		switch cb.policy {
		case DropNewest:
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordDrop()
			}
			return append(dropped, item), nil

		case Block:
			if err := ctx.Err(); err != nil {
				return dropped, err
			}
			if stop == nil {
				stop = cb.wakeOnDone(ctx, cb.notFull)
				cb.stats.Block()
			}
			cb.notFull.Wait()

		default:
			dropped = append(dropped, cb.pop())
			cb.stats.Drop()
			if cb.metrics != nil {
				cb.metrics.recordDrop()
			}
		}
	}

	if cb.closed {
		return dropped, closedError(method)
	}
	cb.push(item)
	return dropped, nil
}

// Write adds an item to the buffer according to the overflow policy.
func (cb *circularBuffer[T]) Write(item T) error {
	return cb.WriteWithContext(context.Background(), item)
}

// WriteWithContext writes item, waiting for space under the Block policy
// until ctx is done.
func (cb *circularBuffer[T]) WriteWithContext(ctx context.Context, item T) error {
	cb.mu.Lock()
	dropped, err := cb.writeLocked(ctx, "Write", item)
	cb.mu.Unlock()

	cb.notifyDropped(dropped)
	return err
}

// WaitWritable blocks until the buffer has room or ctx is done.
func (cb *circularBuffer[T]) WaitWritable(ctx context.Context) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	for {
		if cb.closed {
			return closedError("WaitWritable")
		}
		if cb.policy != Block || cb.size < cb.capacity {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop == nil {
			stop = cb.wakeOnDone(ctx, cb.notFull)
		}
		cb.notFull.Wait()
	}
}

// Read retrieves and removes one item from the buffer.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	item := cb.pop()
	cb.afterRead()
	return item, true
}

// waitNotEmpty waits until an item is present. Caller holds the lock.
func (cb *circularBuffer[T]) waitNotEmpty(ctx context.Context, method string) error {
	var stop func() bool
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	for {
		if cb.closed {
			return closedError(method)
		}
		if cb.size > 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if stop == nil {
			stop = cb.wakeOnDone(ctx, cb.notEmpty)
		}
		cb.notEmpty.Wait()
	}
}

// ReadWithContext waits for an item until ctx is done or the buffer closes.
func (cb *circularBuffer[T]) ReadWithContext(ctx context.Context) (T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.waitNotEmpty(ctx, "ReadWithContext"); err != nil {
		var zero T
		return zero, err
	}

	item := cb.pop()
	cb.afterRead()
	return item, nil
}

// ReadAll removes and returns every buffered item.
func (cb *circularBuffer[T]) ReadAll() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.drainLocked()
}

// ReadAllWithContext waits for at least one item, then drains the buffer.
func (cb *circularBuffer[T]) ReadAllWithContext(ctx context.Context) ([]T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err := cb.waitNotEmpty(ctx, "ReadAllWithContext"); err != nil {
		return nil, err
	}
	return cb.drainLocked(), nil
}

// ReadBatch retrieves and removes up to max items from the buffer.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		return nil
	}

	n := min(max, cb.size)
	result := make([]T, n)
	for i := range result {
		result[i] = cb.pop()
	}
	cb.afterRead()

	return result
}

// Peek retrieves one item without removing it from the buffer.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	var zero T
	if cb.size == 0 {
		return zero, false
	}

	cb.stats.Peek()
	if cb.metrics != nil {
		cb.metrics.recordPeek()
	}
	return cb.items[cb.head], true
}

// SetCapacity changes the bound. Values below 1 are raised to 1.
func (cb *circularBuffer[T]) SetCapacity(capacity int) {
	if capacity <= 0 {
		capacity = 1
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.capacity = capacity
	if n := max(capacity, cb.size); n != len(cb.items) {
		cb.relayout(n)
	}
	if cb.metrics != nil {
		cb.metrics.updateSize(cb.size, cb.capacity)
	}
	cb.notFull.Broadcast()
}

// SetOverflowPolicy switches the overflow policy, releasing blocked writers
// when leaving Block.
func (cb *circularBuffer[T]) SetOverflowPolicy(policy OverflowPolicy) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.policy = policy
	cb.notFull.Broadcast()
}

func (cb *circularBuffer[T]) OverflowPolicy() OverflowPolicy {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.policy
}

func (cb *circularBuffer[T]) Size() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size
}

func (cb *circularBuffer[T]) Capacity() int {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.capacity
}

func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size >= cb.capacity
}

func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.size == 0
}

func (cb *circularBuffer[T]) IsClosed() bool {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.closed
}

// Clear removes all items, passing each to the drop callback.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	dropped := cb.drainLocked()
	cb.mu.Unlock()

	cb.notifyDropped(dropped)
}

// Stats returns buffer statistics (always available for observability).
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close marks the buffer closed, wakes every waiter and unregisters metrics.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true

	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()

	if cb.metrics != nil {
		cb.metrics.unregister()
	}
	return nil
}
