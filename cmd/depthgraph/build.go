package main

import (
	"context"
	"fmt"
	"slices"

	"github.com/c360/depthgraph/config"
	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/pipeline"
	"github.com/c360/depthgraph/queue"
)

// Host input defaults when a config creates the input.
const (
	hostInputSize     = 3
	hostInputBlocking = true
)

// consumer is a host-side queue attached to an output by the config.
type consumer struct {
	ref   config.PortRef
	queue *queue.Queue
	taps  []string
}

func (c consumer) tapped(name string) bool {
	return slices.Contains(c.taps, name)
}

// buildPipeline creates the configured nodes, links them and attaches the
// consumer queues. The caller still has to Build the pipeline.
func buildPipeline(cfg config.PipelineConfig, p *pipeline.Pipeline) ([]consumer, error) {
	for _, nc := range cfg.Nodes {
		if err := createNode(p, nc); err != nil {
			return nil, err
		}
	}

	for i, lc := range cfg.Links {
		from, fromRef, err := resolveRef(p, lc.From)
		if err != nil {
			return nil, errors.Wrap(err, "main", "buildPipeline", fmt.Sprintf("links[%d]", i))
		}
		to, toRef, err := resolveRef(p, lc.To)
		if err != nil {
			return nil, errors.Wrap(err, "main", "buildPipeline", fmt.Sprintf("links[%d]", i))
		}
		if _, err := p.Link(from, fromRef.Selector(), to, toRef.Selector()); err != nil {
			return nil, errors.Wrap(err, "main", "buildPipeline",
				fmt.Sprintf("link %s -> %s", lc.From, lc.To))
		}
	}

	consumers := make([]consumer, 0, len(cfg.Consumers))
	for _, cc := range cfg.Consumers {
		n, ref, err := resolveRef(p, cc.Output)
		if err != nil {
			closeConsumers(consumers)
			return nil, err
		}
		out, ok := n.Output(ref.Group, ref.Name)
		if !ok {
			closeConsumers(consumers)
			return nil, errors.WrapInvalid(errors.ErrPortNotFound, "main", "buildPipeline",
				fmt.Sprintf("%s has no output %s", n, cc.Output))
		}
		q, err := out.CreateQueue(cc.Size, cc.Blocking)
		if err != nil {
			closeConsumers(consumers)
			return nil, errors.Wrap(err, "main", "buildPipeline", "consumer "+cc.Output)
		}
		consumers = append(consumers, consumer{ref: ref, queue: q, taps: cc.Taps})
	}
	return consumers, nil
}

func createNode(p *pipeline.Pipeline, nc config.NodeConfig) error {
	kind, ok := pipeline.ParseNodeKind(nc.Kind)
	if !ok {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "main", "createNode",
			fmt.Sprintf("unknown node kind %q", nc.Kind))
	}
	n, err := p.Create(kind, nc.Alias)
	if err != nil {
		return errors.Wrap(err, "main", "createNode", nc.Alias)
	}

	for _, name := range nc.Outputs {
		if _, err := n.RequestOutput(name); err != nil {
			return errors.Wrap(err, "main", "createNode", nc.Alias+"."+name)
		}
	}
	for _, ic := range nc.Inputs {
		if err := configureInput(n, ic); err != nil {
			return errors.Wrap(err, "main", "createNode", nc.Alias+"."+ic.Name)
		}
	}

	if kind == pipeline.HostNode {
		if err := n.SetProcessor(forwardGroup); err != nil {
			return errors.Wrap(err, "main", "createNode", nc.Alias)
		}
	}
	return nil
}

// configureInput tunes an existing input. Missing inputs are created on host
// nodes and requested from the inputs map of device nodes that have one.
func configureInput(n *pipeline.Node, ic config.InputConfig) error {
	in, ok := n.Input(ic.Group, ic.Name)
	switch {
	case ok:
	case n.Kind().IsHost():
		size, blocking := hostInputSize, hostInputBlocking
		if ic.Size > 0 {
			size = ic.Size
		}
		if ic.Blocking != nil {
			blocking = *ic.Blocking
		}
		_, err := n.CreateInput(ic.Name, ic.Group, size, blocking)
		return err
	case ic.Group == pipeline.InputsMap:
		var err error
		if in, err = n.RequestInput(ic.Name); err != nil {
			return err
		}
	default:
		return errors.WrapInvalid(errors.ErrPortNotFound, "Node", "Input",
			fmt.Sprintf("%s has no input %q", n, ic.Name))
	}

	if ic.Size > 0 {
		if err := in.SetQueueSize(ic.Size); err != nil {
			return err
		}
	}
	if ic.Blocking != nil {
		in.SetBlocking(*ic.Blocking)
	}
	return nil
}

func resolveRef(p *pipeline.Pipeline, s string) (*pipeline.Node, config.PortRef, error) {
	ref, err := config.ParsePortRef(s)
	if err != nil {
		return nil, ref, err
	}
	n, ok := p.NodeByAlias(ref.Alias)
	if !ok {
		return nil, ref, errors.WrapInvalid(errors.ErrInvalidConfig, "main", "resolveRef",
			fmt.Sprintf("unknown node %q", ref.Alias))
	}
	return n, ref, nil
}

// forwardGroup is the processor of config-declared host nodes: it emits each
// synchronized round unchanged.
func forwardGroup(_ context.Context, group *message.Group) (message.Message, error) {
	return group, nil
}

func closeConsumers(consumers []consumer) {
	for _, c := range consumers {
		_ = c.queue.Close()
	}
}
