// Package queue implements the bounded message queue that connects pipeline
// ports to each other and to host code.
//
// A Queue holds at most MaxSize messages. A blocking queue makes senders
// wait for space; a non-blocking one discards its oldest message instead.
// Getters come in four flavors: Get blocks, GetWithTimeout and
// GetWithContext bound the wait, and TryGet never waits. GetAll drains every
// queued message after waiting for the first.
//
//	q, _ := queue.New("preview", 4, false)
//	defer q.Close()
//
//	frame, err := q.GetFrame(100 * time.Millisecond)
//	if errors.Is(err, errors.ErrQueueTimeout) {
//		// nothing arrived in time
//	}
//
// # Callbacks
//
// AddCallback registers a function called with every message sent, on the
// sending goroutine and before getters can see the message. Slow work
// belongs on a worker pool:
//
//	pool := worker.NewPool(2, 64, process)
//	id, _ := q.AddCallback(queue.HandOff(pool, logger))
//	defer q.RemoveCallback(id)
//
// A panicking callback is recovered, logged and counted; the send still
// succeeds.
//
// Close wakes every blocked sender and getter with ErrQueueClosed. Queues
// created by the pipeline are closed by Pipeline.Close.
package queue
