package buffer

import (
	"context"
)

// Buffer is a generic, thread-safe FIFO with a bounded capacity.
type Buffer[T any] interface {
	// Write adds an item. Behavior when full depends on the overflow policy.
	Write(item T) error

	// Read removes the oldest item. Returns false if the buffer is empty.
	Read() (T, bool)

	// ReadBatch removes up to max items in FIFO order.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items, invoking the drop callback for each.
	Clear()

	Stats() *Statistics

	// Close wakes all waiters. Items already buffered stay readable via Read.
	Close() error
}

// Blocking extends Buffer with context-aware waits and runtime
// reconfiguration. It is the storage behind queue.Queue.
type Blocking[T any] interface {
	Buffer[T]

	// ReadWithContext waits for an item. A closed buffer reports the closed
	// error even if items remain.
	ReadWithContext(ctx context.Context) (T, error)

	// ReadAll removes every buffered item without waiting.
	ReadAll() []T

	// ReadAllWithContext waits until at least one item is present, then
	// removes all of them.
	ReadAllWithContext(ctx context.Context) ([]T, error)

	// WriteWithContext writes, waiting for space under the Block policy.
	WriteWithContext(ctx context.Context, item T) error

	// WaitWritable waits until a Write would not block. It returns at once
	// for policies other than Block.
	WaitWritable(ctx context.Context) error

	// SetCapacity changes the bound. Shrinking below the current size keeps
	// every item; the buffer simply reports full until it drains.
	SetCapacity(capacity int)

	SetOverflowPolicy(policy OverflowPolicy)
	OverflowPolicy() OverflowPolicy
	IsClosed() bool
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest

	// Block causes Write operations to block until space is available.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// DropCallback is called, outside the buffer lock, with each item discarded
// by the overflow policy or by Clear.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer. Capacity below 1 is raised to 1.
// Returns an error if metrics registration fails when metrics are requested.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}

// NewBlockingBuffer creates a circular buffer exposing the Blocking API.
func NewBlockingBuffer[T any](capacity int, options ...Option[T]) (Blocking[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}
