// Package buffer provides generic, thread-safe circular buffers with
// configurable overflow policies, always-on statistics and optional
// Prometheus metrics.
//
// Two constructors share one implementation:
//
//	buf, err := buffer.NewCircularBuffer[int](1000)
//
//	blk, err := buffer.NewBlockingBuffer[message.Message](16,
//		buffer.WithOverflowPolicy[message.Message](buffer.Block),
//		buffer.WithMetrics[message.Message](registry, "queue_preview"),
//	)
//	item, err := blk.ReadWithContext(ctx)
//
// # Overflow policies
//
//   - DropOldest: evict from the head until the new item fits (default)
//   - DropNewest: discard the incoming item
//   - Block: wait for space; WriteWithContext bounds the wait
//
// The policy and capacity can change at runtime. Raising the capacity or
// leaving Block wakes blocked writers. Lowering the capacity below the current
// size keeps every item; the buffer reports full until readers drain it.
//
// # Closing
//
// Close wakes all waiters. Context-aware reads and writes then fail with an
// error wrapping errors.ErrAlreadyStopped. Plain Read keeps returning
// buffered items so a caller can drain after close if it wants to.
//
// # Observability
//
// Statistics are always collected and available via Stats(). WithMetrics
// mirrors them to Prometheus under the depthgraph_buffer_* families with a
// "component" label, and Close unregisters them.
package buffer
