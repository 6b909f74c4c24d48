package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"sync"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/queue"
)

// Port is the part of Output and Input used for display and lookup.
type Port interface {
	Node() *Node
	Group() string
	Name() string
	Types() message.TypeSet
}

type portBase struct {
	node  *Node
	group string
	name  string
	types message.TypeSet
}

func (p *portBase) Node() *Node            { return p.node }
func (p *portBase) Group() string          { return p.group }
func (p *portBase) Name() string           { return p.name }
func (p *portBase) Types() message.TypeSet { return slices.Clone(p.types) }

// FullName renders the port as node.group[name] or node.name.
func (p *portBase) FullName() string {
	return portName(p.node.Alias(), p.group, p.name)
}

func portName(alias, group, name string) string {
	if group != "" {
		return fmt.Sprintf("%s.%s[%s]", alias, group, name)
	}
	return alias + "." + name
}

func (p *portBase) ungrouped() bool { return p.group == "" }

// Output is a message source on a node. Messages sent on an output fan out
// to every connected input, then to every consumer queue.
type Output struct {
	portBase

	mu     sync.RWMutex
	conns  []*Input
	queues []*queue.Queue
}

func newOutput(n *Node, group string, d portDecl) *Output {
	return &Output{portBase: portBase{node: n, group: group, name: d.name, types: slices.Clone(d.types)}}
}

// CanConnect reports whether the datatypes of o and in are compatible.
func (o *Output) CanConnect(in *Input) bool {
	return in != nil && message.CanConnect(o.types, in.types)
}

// IsConnected reports whether o feeds in.
func (o *Output) IsConnected(in *Input) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Contains(o.conns, in)
}

// Connections returns the inputs o feeds, in link order.
func (o *Output) Connections() []*Input {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.conns)
}

// Link connects o to in through the owning pipeline's linker.
func (o *Output) Link(in *Input) (Connection, error) {
	return o.node.pipeline.LinkPorts(o, in)
}

// Unlink removes the connection from o to in.
func (o *Output) Unlink(in *Input) error {
	return o.node.pipeline.UnlinkPorts(o, in)
}

// CreateQueue attaches a consumer queue that receives every message sent on
// o. Closing the queue detaches it.
func (o *Output) CreateQueue(maxSize int, blocking bool) (*queue.Queue, error) {
	q, err := o.node.pipeline.newQueue(o.FullName(), maxSize, blocking)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.queues = append(o.queues, q)
	o.mu.Unlock()
	return q, nil
}

// Queues returns the attached consumer queues.
func (o *Output) Queues() []*queue.Queue {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return slices.Clone(o.queues)
}

// HasConsumers reports whether o has connections or consumer queues.
func (o *Output) HasConsumers() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.conns) > 0 || len(o.queues) > 0
}

// Send delivers msg to every connected input and consumer queue. Delivery
// to blocking destinations waits until space frees or ctx is done.
func (o *Output) Send(ctx context.Context, msg message.Message) error {
	if msg == nil {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidData, "Output", "Send", "nil message"))
	}
	if !o.types.Accepts(msg.Datatype()) {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidData, "Output", "Send",
			fmt.Sprintf("%s does not carry %s", o.FullName(), msg.Datatype())))
	}

	o.mu.RLock()
	conns := slices.Clone(o.conns)
	queues := slices.Clone(o.queues)
	o.mu.RUnlock()

	var errs []error
	for _, in := range conns {
		if err := in.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	for _, q := range queues {
		if q.IsClosed() {
			o.detach(q)
			continue
		}
		if err := q.SendWithContext(ctx, msg); err != nil {
			if stderrors.Is(err, errors.ErrQueueClosed) {
				o.detach(q)
				continue
			}
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

func (o *Output) detach(q *queue.Queue) {
	o.mu.Lock()
	o.queues = slices.DeleteFunc(o.queues, func(x *queue.Queue) bool { return x == q })
	o.mu.Unlock()
}

func (o *Output) connect(in *Input) bool {
	o.mu.Lock()
	if slices.Contains(o.conns, in) {
		o.mu.Unlock()
		return false
	}
	o.conns = append(o.conns, in)
	o.mu.Unlock()

	in.mu.Lock()
	in.sources = append(in.sources, o)
	in.mu.Unlock()
	return true
}

func (o *Output) disconnect(in *Input) bool {
	o.mu.Lock()
	i := slices.Index(o.conns, in)
	if i < 0 {
		o.mu.Unlock()
		return false
	}
	o.conns = slices.Delete(o.conns, i, i+1)
	o.mu.Unlock()

	in.mu.Lock()
	in.sources = slices.DeleteFunc(in.sources, func(x *Output) bool { return x == o })
	in.mu.Unlock()
	return true
}

func (o *Output) closeQueues() {
	o.mu.Lock()
	queues := o.queues
	o.queues = nil
	o.mu.Unlock()
	for _, q := range queues {
		_ = q.Close()
	}
}

// Input is a message sink on a node. Each input owns a queue that its node
// reads from; host code may also feed it through producer queues.
type Input struct {
	portBase
	required bool

	queue *queue.Queue

	mu        sync.Mutex
	sources   []*Output
	producers []*queue.Queue
}

// newInput must not be called with n.mu held: alias is passed in.
func newInput(n *Node, alias, group string, d portDecl, queueSize int, blocking bool) (*Input, error) {
	in := &Input{
		portBase: portBase{node: n, group: group, name: d.name, types: slices.Clone(d.types)},
		required: d.required,
	}
	q, err := queue.New(portName(alias, group, d.name), queueSize, blocking, queue.WithLogger(n.pipeline.logger))
	if err != nil {
		return nil, err
	}
	in.queue = q
	return in, nil
}

// Required reports whether Build rejects the graph when in has no source.
func (in *Input) Required() bool { return in.required }

// Queue returns the input's own queue.
func (in *Input) Queue() *queue.Queue { return in.queue }

// QueueSize returns the capacity of the input queue.
func (in *Input) QueueSize() int { return in.queue.MaxSize() }

// SetQueueSize changes the capacity of the input queue.
func (in *Input) SetQueueSize(n int) error { return in.queue.SetMaxSize(n) }

// Blocking reports whether senders wait when the input queue is full.
func (in *Input) Blocking() bool { return in.queue.Blocking() }

// SetBlocking switches the input queue between blocking and drop-oldest.
func (in *Input) SetBlocking(blocking bool) { in.queue.SetBlocking(blocking) }

// Sources returns the outputs feeding in.
func (in *Input) Sources() []*Output {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.sources)
}

// Fed reports whether in has a connected output or a producer queue.
func (in *Input) Fed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.sources) > 0 || len(in.producers) > 0
}

// Send places msg on the input queue.
func (in *Input) Send(ctx context.Context, msg message.Message) error {
	if msg != nil && !in.types.Accepts(msg.Datatype()) {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidData, "Input", "Send",
			fmt.Sprintf("%s does not accept %s", in.FullName(), msg.Datatype())))
	}
	return in.queue.SendWithContext(ctx, msg)
}

// CreateQueue returns a producer queue whose messages are forwarded to in
// while the pipeline runs.
func (in *Input) CreateQueue(maxSize int, blocking bool) (*queue.Queue, error) {
	p := in.node.pipeline
	q, err := p.newQueue(in.FullName(), maxSize, blocking)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	in.producers = append(in.producers, q)
	in.mu.Unlock()
	p.startPumpIfRunning(in, q)
	return q, nil
}

func (in *Input) producerQueues() []*queue.Queue {
	in.mu.Lock()
	defer in.mu.Unlock()
	return slices.Clone(in.producers)
}

func (in *Input) close() {
	in.mu.Lock()
	producers := in.producers
	in.producers = nil
	in.mu.Unlock()
	for _, q := range producers {
		_ = q.Close()
	}
	_ = in.queue.Close()
}

// Connection is one output to input edge.
type Connection struct {
	Output *Output
	Input  *Input
}

func (c Connection) String() string {
	if c.Output == nil || c.Input == nil {
		return "<none>"
	}
	return c.Output.FullName() + " -> " + c.Input.FullName()
}
