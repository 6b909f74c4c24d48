package health

import (
	"fmt"
	"sync"

	"github.com/c360/depthgraph/device"
	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/pipeline"
	"github.com/c360/depthgraph/queue"
)

// DefaultDropRateThreshold marks a queue degraded once this share of its
// writes has been dropped.
const DefaultDropRateThreshold = 0.25

// FromPipeline reports a running pipeline as healthy, a failed one as
// unhealthy and any other state as degraded. Host nodes with a recorded
// error appear as degraded sub-statuses.
func FromPipeline(p *pipeline.Pipeline) Status {
	name := "pipeline/" + p.Name()

	var subs []Status
	for _, n := range p.Nodes() {
		if err := n.Err(); err != nil {
			subs = append(subs, NewDegraded(n.String(), sanitizeErrorMessage(err.Error())))
		}
	}

	var status Status
	switch state := p.State(); state {
	case pipeline.StateRunning:
		status = NewHealthy(name, "Pipeline running")
		if len(subs) > 0 {
			status = NewDegraded(name, fmt.Sprintf("%d host node(s) reported errors", len(subs)))
		}
	case pipeline.StateFailed:
		status = NewUnhealthy(name, "Pipeline build failed")
	default:
		status = NewDegraded(name, "Pipeline "+state.String())
	}
	status.SubStatuses = subs
	return status
}

// FromSession reports whether sess still holds an open device connection.
func FromSession(sess *device.Session) Status {
	if sess == nil {
		return NewUnhealthy("device", "No device session")
	}
	if sess.IsClosed() {
		return NewUnhealthy("device", "Device session closed")
	}
	info := sess.Info()
	return NewHealthy("device", fmt.Sprintf("Connected to %s (%s)", info.DeviceID, info.Platform))
}

// FromQueue reports a closed queue as unhealthy and one dropping more than
// threshold of its writes as degraded.
func FromQueue(q *queue.Queue, threshold float64) Status {
	name := "queue/" + q.Name()
	stats := q.Stats()
	metrics := &Metrics{
		Uptime:            stats.Uptime,
		MessagesProcessed: stats.Reads,
		MessagesDropped:   stats.Drops,
		QueueDepth:        stats.CurrentSize,
	}

	var status Status
	switch {
	case q.IsClosed():
		status = NewUnhealthy(name, "Queue closed")
	case stats.DropRate > threshold:
		status = NewDegraded(name, fmt.Sprintf("Dropping %.0f%% of messages", stats.DropRate*100))
	default:
		status = NewHealthy(name, "Queue flowing")
	}
	return status.WithMetrics(metrics)
}

// Checker assembles the system status of one process: its pipeline, its
// device session, the queues it reads and anything pushed to its Monitor.
type Checker struct {
	name      string
	threshold float64
	monitor   *Monitor

	mu       sync.RWMutex
	pipeline *pipeline.Pipeline
	session  *device.Session
	queues   []*queue.Queue
}

// NewChecker creates a checker reporting under name.
func NewChecker(name string) *Checker {
	return &Checker{
		name:      name,
		threshold: DefaultDropRateThreshold,
		monitor:   NewMonitor(),
	}
}

// Monitor returns the checker's push-based monitor.
func (c *Checker) Monitor() *Monitor { return c.monitor }

// SetDropRateThreshold overrides DefaultDropRateThreshold.
func (c *Checker) SetDropRateThreshold(threshold float64) {
	c.mu.Lock()
	c.threshold = threshold
	c.mu.Unlock()
}

func (c *Checker) SetPipeline(p *pipeline.Pipeline) {
	c.mu.Lock()
	c.pipeline = p
	c.mu.Unlock()
}

func (c *Checker) SetSession(sess *device.Session) {
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
}

// WatchQueue adds q to the checked queues.
func (c *Checker) WatchQueue(q *queue.Queue) {
	c.mu.Lock()
	c.queues = append(c.queues, q)
	c.mu.Unlock()
}

// Check returns the aggregated status.
func (c *Checker) Check() Status {
	c.mu.RLock()
	p, sess, threshold := c.pipeline, c.session, c.threshold
	queues := append([]*queue.Queue(nil), c.queues...)
	c.mu.RUnlock()

	var subs []Status
	if p != nil {
		subs = append(subs, FromPipeline(p))
	}
	subs = append(subs, FromSession(sess))
	for _, q := range queues {
		subs = append(subs, FromQueue(q, threshold))
	}
	subs = append(subs, c.monitor.Statuses()...)
	return Aggregate(c.name, subs)
}

// Err reports an unhealthy system as an error. Degraded systems are still
// live. Its signature matches metric.HealthFunc.
func (c *Checker) Err() error {
	status := c.Check()
	if !status.IsUnhealthy() {
		return nil
	}
	for _, sub := range status.SubStatuses {
		if sub.IsUnhealthy() {
			return errors.WrapTransient(errors.ErrNotHealthy, "Checker", "Err",
				fmt.Sprintf("%s: %s", sub.Component, sub.Message))
		}
	}
	return errors.WrapTransient(errors.ErrNotHealthy, "Checker", "Err", status.Message)
}
