package queue

import (
	stderrors "errors"
	"log/slog"

	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/pkg/worker"
)

// Delivery is one callback invocation handed to a worker pool.
type Delivery struct {
	Queue   string
	Message message.Message
}

// HandOff returns a callback that moves work off the sending goroutine by
// submitting each message to pool. Deliveries are dropped while the pool is
// saturated or not running.
func HandOff(pool *worker.Pool[Delivery], logger *slog.Logger) Callback {
	if logger == nil {
		logger = slog.Default()
	}
	return func(queueName string, msg message.Message) {
		err := pool.Submit(Delivery{Queue: queueName, Message: msg})
		switch {
		case err == nil:
		case stderrors.Is(err, worker.ErrQueueFull):
			logger.Debug("Callback hand-off dropped message", "queue", queueName, "id", msg.ID())
		default:
			logger.Warn("Callback hand-off failed", "queue", queueName, "error", err)
		}
	}
}
