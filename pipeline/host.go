package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/queue"
)

// startHostNode runs a HostNode's processor. Each round takes one message
// from every input, in input order, and passes them as a group.
func (p *Pipeline) startHostNode(r *runState, n *Node) {
	n.mu.RLock()
	fn := n.process
	n.mu.RUnlock()

	if fn == nil {
		p.logger.Warn("Host node has no processor", "node", n.String())
		return
	}
	inputs := n.Inputs()
	if len(inputs) == 0 {
		p.logger.Warn("Host node has no inputs", "node", n.String())
		return
	}
	out, _ := n.Output("", "out")

	n.running.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer n.running.Store(false)
		p.runHostNode(r.ctx, n, fn, inputs, out)
	}()
}

func (p *Pipeline) runHostNode(ctx context.Context, n *Node, fn HostFunc, inputs []*Input, out *Output) {
	for {
		group := message.NewGroup()
		for _, in := range inputs {
			msg, err := in.Queue().GetWithContext(ctx)
			if err != nil {
				return
			}
			group.Add(in.Name(), msg)
		}

		result, err := callHost(ctx, fn, group)
		if err != nil {
			n.setErr(err)
			p.logger.Warn("Host node processing failed", "node", n.String(), "error", err)
			continue
		}
		if result == nil || out == nil {
			continue
		}
		if err := out.Send(ctx, result); err != nil && ctx.Err() == nil {
			p.logger.Warn("Host node output dropped", "node", n.String(), "error", err)
		}
	}
}

func callHost(ctx context.Context, fn HostFunc, group *message.Group) (result message.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("host processor panic: %v", r)
		}
	}()
	return fn(ctx, group)
}

func (p *Pipeline) startThreadedNode(r *runState, n *Node) {
	n.mu.RLock()
	fn := n.run
	n.mu.RUnlock()

	if fn == nil {
		p.logger.Warn("Threaded host node has no run function", "node", n.String())
		return
	}

	n.running.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer n.running.Store(false)

		err := callRun(r.ctx, fn, n)
		switch {
		case err == nil, stderrors.Is(err, context.Canceled):
			p.logger.Debug("Threaded host node finished", "node", n.String())
		default:
			n.setErr(err)
			p.logger.Error("Threaded host node failed", "node", n.String(), "error", err)
		}
	}()
}

func callRun(ctx context.Context, fn RunFunc, n *Node) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("threaded host node panic: %v", r)
		}
	}()
	return fn(ctx, n)
}

// startPumpLocked forwards a producer queue into its input until the run
// context ends or the queue closes.
func (p *Pipeline) startPumpLocked(r *runState, in *Input, q *queue.Queue) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			msg, err := q.GetWithContext(r.ctx)
			if err != nil {
				return
			}
			if err := in.Send(r.ctx, msg); err != nil {
				if r.ctx.Err() != nil {
					return
				}
				p.logger.Debug("Producer queue message dropped", "input", in.FullName(), "error", err)
			}
		}
	}()
}

func (p *Pipeline) startPumpIfRunning(in *Input, q *queue.Queue) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		p.startPumpLocked(p.run, in, q)
	}
}
