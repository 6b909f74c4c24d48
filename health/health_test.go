package health

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/depthgraph/device"
	"github.com/c360/depthgraph/device/sim"
	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/pipeline"
	"github.com/c360/depthgraph/queue"
)

func TestStatus_Levels(t *testing.T) {
	tests := []struct {
		name      string
		status    Status
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{"healthy", NewHealthy("a", "ok"), true, false, false},
		{"degraded", NewDegraded("a", "slow"), false, true, false},
		{"unhealthy", NewUnhealthy("a", "down"), false, false, true},
		{"empty", Status{}, false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.healthy, tt.status.IsHealthy())
			assert.Equal(t, tt.healthy, tt.status.Healthy)
			assert.Equal(t, tt.degraded, tt.status.IsDegraded())
			assert.Equal(t, tt.unhealthy, tt.status.IsUnhealthy())
		})
	}
}

func TestStatus_WithSubStatusDoesNotShare(t *testing.T) {
	base := NewHealthy("root", "ok").WithSubStatus(NewHealthy("a", "ok"))
	left := base.WithSubStatus(NewHealthy("b", "ok"))
	right := base.WithSubStatus(NewDegraded("c", "slow"))

	require.Len(t, left.SubStatuses, 2)
	require.Len(t, right.SubStatuses, 2)
	assert.Equal(t, "b", left.SubStatuses[1].Component)
	assert.Equal(t, "c", right.SubStatuses[1].Component)
	assert.Len(t, base.SubStatuses, 1)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"nats url", "dial nats://user:pw@10.0.0.1:4222 failed", "dial [URL] failed"},
		{"path", "open /etc/depthgraph/config.yaml: denied", "open [PATH]: denied"},
		{"ip and port", "connect 192.168.1.10:9090 refused", "connect [IP][PORT] refused"},
		{"credential", "auth token=abc123 rejected", "auth [REDACTED] rejected"},
		{"plain", "device closed", "device closed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, sanitizeErrorMessage(tt.in))
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"no children", nil, StatusHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StatusHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StatusDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestMonitor(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("websocket", "3 clients")
	m.UpdateUnhealthy("nats", stderrors.New("dial nats://10.0.0.1:4222: refused"))
	m.UpdateDegraded("disk", "slow")

	assert.Equal(t, []string{"disk", "nats", "websocket"}, m.ListComponents())

	nats, ok := m.Get("nats")
	require.True(t, ok)
	assert.True(t, nats.IsUnhealthy())
	assert.NotContains(t, nats.Message, "10.0.0.1")
	assert.False(t, nats.Timestamp.IsZero())

	statuses := m.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, "disk", statuses[0].Component)

	m.Remove("disk")
	_, ok = m.Get("disk")
	assert.False(t, ok)
}

func TestFromQueue(t *testing.T) {
	q, err := queue.New("preview", 1, false)
	require.NoError(t, err)

	status := FromQueue(q, DefaultDropRateThreshold)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, "queue/preview", status.Component)

	for i := 0; i < 4; i++ {
		require.NoError(t, q.Send(message.NewBuffer([]byte{byte(i)})))
	}
	status = FromQueue(q, DefaultDropRateThreshold)
	assert.True(t, status.IsDegraded())
	require.NotNil(t, status.Metrics)
	assert.Equal(t, int64(3), status.Metrics.MessagesDropped)
	assert.Equal(t, int64(1), status.Metrics.QueueDepth)

	require.NoError(t, q.Close())
	assert.True(t, FromQueue(q, DefaultDropRateThreshold).IsUnhealthy())
}

func openSession(t *testing.T) *device.Session {
	t.Helper()
	broker := device.NewBroker(sim.New(sim.WithDevices(sim.NewDevice("health"))))
	sess, err := broker.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(sess.Release)
	return sess
}

func TestFromSession(t *testing.T) {
	assert.True(t, FromSession(nil).IsUnhealthy())

	sess := openSession(t)
	status := FromSession(sess)
	assert.True(t, status.IsHealthy())
	assert.Contains(t, status.Message, "health")

	require.NoError(t, sess.Close())
	assert.True(t, FromSession(sess).IsUnhealthy())
}

func TestFromPipeline(t *testing.T) {
	p := pipeline.New(pipeline.WithName("cam"))
	defer p.Close()

	assert.True(t, FromPipeline(p).IsDegraded(), "a pipeline that is not running is degraded")

	stereo, err := p.Create(pipeline.StereoDepth, "stereo")
	require.NoError(t, err)
	_, err = p.Build()
	require.Error(t, err)
	assert.True(t, FromPipeline(p).IsUnhealthy())

	require.NoError(t, p.RemoveNode(stereo))
	worker, err := p.Create(pipeline.ThreadedHostNode, "worker")
	require.NoError(t, err)
	require.NoError(t, worker.SetRun(func(context.Context, *pipeline.Node) error {
		return stderrors.New("lost /dev/video0")
	}))

	sess := openSession(t)
	require.NoError(t, p.Start(context.Background(), sess))
	defer p.Stop(time.Second)

	assert.Eventually(t, func() bool { return worker.Err() != nil }, time.Second, 5*time.Millisecond)
	status := FromPipeline(p)
	assert.True(t, status.IsDegraded())
	require.Len(t, status.SubStatuses, 1)
	assert.Equal(t, "lost [PATH]", status.SubStatuses[0].Message)
}

func TestChecker(t *testing.T) {
	checker := NewChecker("depthgraph")
	assert.ErrorIs(t, checker.Err(), errors.ErrNotHealthy, "no session is unhealthy")

	p := pipeline.New()
	defer p.Close()
	sess := openSession(t)
	q, err := queue.New("out", 2, false)
	require.NoError(t, err)

	checker.SetPipeline(p)
	checker.SetSession(sess)
	checker.WatchQueue(q)
	require.NoError(t, p.Start(context.Background(), sess))
	defer p.Stop(time.Second)

	status := checker.Check()
	assert.True(t, status.IsHealthy(), "%+v", status)
	assert.Len(t, status.SubStatuses, 3)
	assert.NoError(t, checker.Err())

	checker.Monitor().UpdateDegraded("websocket", "no clients")
	assert.True(t, checker.Check().IsDegraded())
	assert.NoError(t, checker.Err(), "degraded is still live")

	require.NoError(t, q.Close())
	err = checker.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue/out")
}
