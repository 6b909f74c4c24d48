package pipeline

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
)

func openSession(t *testing.T) *device.Session {
	t.Helper()
	broker := device.NewBroker(sim.New(sim.WithDevices(sim.NewDevice("host"))))
	sess, err := broker.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(sess.Release)
	return sess
}

func TestHostNode_ProcessesGroups(t *testing.T) {
	p := newPipeline(t)
	host := create(t, p, HostNode, "host")

	left, err := host.RequestInput("left")
	require.NoError(t, err)
	right, err := host.RequestInput("right")
	require.NoError(t, err)

	seen := make(chan []string, 1)
	require.NoError(t, host.SetProcessor(func(_ context.Context, group *message.Group) (message.Message, error) {
		select {
		case seen <- group.Names():
		default:
		}
		a, _ := group.Buffer("left")
		b, _ := group.Buffer("right")
		return message.NewBuffer(append(append([]byte{}, a.Data()...), b.Data()...)), nil
	}))

	out, ok := host.Output("", "out")
	require.True(t, ok)
	results, err := out.CreateQueue(4, true)
	require.NoError(t, err)

	leftIn, err := left.CreateQueue(4, true)
	require.NoError(t, err)
	rightIn, err := right.CreateQueue(4, true)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background(), openSession(t)))
	assert.Eventually(t, host.IsRunning, time.Second, 5*time.Millisecond)

	require.NoError(t, leftIn.Send(message.NewBuffer([]byte{1})))
	require.NoError(t, rightIn.Send(message.NewBuffer([]byte{2})))

	buf, err := results.GetBuffer(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf.Data())
	assert.Equal(t, []string{"left", "right"}, <-seen)

	require.NoError(t, p.Stop(time.Second))
	assert.False(t, host.IsRunning())
	assert.NoError(t, host.Err())
}

func TestHostNode_ProcessorErrorsAreRecorded(t *testing.T) {
	p := newPipeline(t)
	host := create(t, p, HostNode, "host")
	in, err := host.RequestInput("in")
	require.NoError(t, err)

	boom := stderrors.New("boom")
	calls := 0
	require.NoError(t, host.SetProcessor(func(context.Context, *message.Group) (message.Message, error) {
		calls++
		if calls == 1 {
			return nil, boom
		}
		panic("bad frame")
	}))

	feed, err := in.CreateQueue(4, true)
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background(), openSession(t)))

	require.NoError(t, feed.Send(message.NewBuffer([]byte{1})))
	assert.Eventually(t, func() bool { return stderrors.Is(host.Err(), boom) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, feed.Send(message.NewBuffer([]byte{2})))
	assert.Eventually(t, func() bool {
		err := host.Err()
		return err != nil && !stderrors.Is(err, boom)
	}, 2*time.Second, 5*time.Millisecond, "panics are recovered as errors")
	assert.True(t, host.IsRunning(), "processor failures do not stop the node")

	require.NoError(t, p.Stop(time.Second))
}

func TestThreadedHostNode_Run(t *testing.T) {
	p := newPipeline(t)
	worker := create(t, p, ThreadedHostNode, "worker")
	out, err := worker.CreateOutput("ticks", "", message.Buffer)
	require.NoError(t, err)
	q, err := out.CreateQueue(1, false)
	require.NoError(t, err)

	require.NoError(t, worker.SetRun(func(ctx context.Context, n *Node) error {
		o, _ := n.Output("", "ticks")
		for seq := int64(0); ; seq++ {
			if err := o.Send(ctx, message.NewBuffer([]byte{byte(seq)}, message.WithSequence(seq))); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}))

	require.NoError(t, p.Start(context.Background(), openSession(t)))
	assert.True(t, worker.IsRunning())

	_, err = q.GetBuffer(time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Stop(time.Second))
	assert.False(t, worker.IsRunning())
	assert.NoError(t, worker.Err(), "cancellation is a clean exit")
}

func TestThreadedHostNode_Failure(t *testing.T) {
	p := newPipeline(t)
	worker := create(t, p, ThreadedHostNode, "worker")
	require.NoError(t, worker.SetRun(func(context.Context, *Node) error {
		return stderrors.New("sensor offline")
	}))

	require.NoError(t, p.Start(context.Background(), openSession(t)))
	assert.Eventually(t, func() bool { return worker.Err() != nil }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return !worker.IsRunning() }, time.Second, 5*time.Millisecond)
	assert.EqualError(t, worker.Err(), "sensor offline")

	require.NoError(t, p.Stop(time.Second))
}

func TestHostFunctions_WrongKind(t *testing.T) {
	p := newPipeline(t)
	cam := create(t, p, Camera, "cam")
	worker := create(t, p, ThreadedHostNode, "worker")

	assert.ErrorIs(t, cam.SetProcessor(nil), errors.ErrInvalidConfig)
	assert.ErrorIs(t, worker.SetProcessor(nil), errors.ErrInvalidConfig)
	assert.ErrorIs(t, cam.SetRun(nil), errors.ErrInvalidConfig)

	_, err := cam.CreateInput("x", "", 3, true)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	_, err = worker.CreateOutput("x", "")
	require.NoError(t, err)
	_, err = worker.CreateOutput("x", "")
	assert.ErrorIs(t, err, errors.ErrInvalidConfig, "duplicate names are rejected")
}

func TestProducerQueue_ForwardsWhileRunning(t *testing.T) {
	p := newPipeline(t)
	worker := create(t, p, ThreadedHostNode, "worker")
	in, err := worker.CreateInput("frames", "", 4, true)
	require.NoError(t, err)

	require.NoError(t, p.Start(context.Background(), openSession(t)))

	// Created after Start, so the pump starts immediately.
	feed, err := in.CreateQueue(2, true)
	require.NoError(t, err)
	assert.True(t, in.Fed())

	require.NoError(t, feed.Send(message.NewBuffer([]byte{7})))
	msg, err := in.Queue().GetWithTimeout(time.Second)
	require.NoError(t, err)
	buf, ok := message.AsBuffer(msg)
	require.True(t, ok)
	assert.Equal(t, []byte{7}, buf.Data())

	require.NoError(t, p.Stop(time.Second))
}
