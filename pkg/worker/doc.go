// Package worker provides a generic, bounded worker pool.
//
// A Pool runs a fixed number of goroutines that pull work items of type T
// from a buffered channel. Submit never blocks: when the channel is full the
// item is dropped and ErrQueueFull returned, so a producer on a hot path, such
// as a queue callback running on a frame producer's goroutine, is never
// stalled by slow consumers.
//
//	pool := worker.NewPool[queue.Delivery](2, 64,
//		func(ctx context.Context, d queue.Delivery) error {
//			return publish(ctx, d.Message)
//		},
//		worker.WithMetricsRegistry[queue.Delivery](registry, "nats_tap"),
//	)
//	if err := pool.Start(ctx); err != nil { ... }
//	defer pool.Stop(5 * time.Second)
//
// Stop closes the pool to new work and waits for the queued items to drain.
// Processor panics are recovered, logged and counted as failures.
//
// Statistics are always tracked with atomics; Prometheus metrics under
// depthgraph_worker_* are optional.
package worker
