package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/depthgraph/device"
	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
	"github.com/c360/depthgraph/metric"
	"github.com/c360/depthgraph/pipeline/flowgraph"
	"github.com/c360/depthgraph/queue"
)

// State represents the lifecycle state of a pipeline.
type State int

const (
	StateCreated State = iota
	StateBuilt
	StateRunning
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBuilt:
		return "built"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrUnlinkedInput is returned by Build when a required input has no
	// source.
	ErrUnlinkedInput = stderrors.New("required input not linked")
	// ErrStopTimeout is returned by Stop when host goroutines outlive the
	// timeout.
	ErrStopTimeout = stderrors.New("pipeline stop timed out")
)

// Pipeline owns a graph of nodes and runs it against a device session.
//
// Graph changes (create, remove, link, unlink) are rejected while the
// pipeline runs. Any change after a successful Build returns the pipeline
// to the created state.
type Pipeline struct {
	name     string
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *metric.Metrics
	linker   *Linker

	mu       sync.RWMutex
	nodes    []*Node
	nextID   int
	queueSeq int
	state    State
	closed   bool
	run      *runState
}

type runState struct {
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopStreams func()
	session     *device.Session
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	name     string
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	scorer   Scorer
}

// WithName labels the pipeline in logs and metrics.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records lifecycle, link and queue metrics. A nil registry
// disables metrics.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithScorer replaces the port-name heuristic used for unnamed links.
func WithScorer(s Scorer) Option {
	return func(o *options) {
		if s != nil {
			o.scorer = s
		}
	}
}

// New creates an empty pipeline.
func New(opts ...Option) *Pipeline {
	o := options{name: "default", logger: slog.Default(), scorer: DefaultScorer{}}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	logger := o.logger.With("component", "pipeline", "pipeline", o.name)
	p := &Pipeline{
		name:     o.name,
		logger:   logger,
		registry: o.registry,
		metrics:  o.registry.CoreMetrics(),
	}
	p.linker = newLinker(o.scorer, logger, p.metrics)
	p.setStateLocked(StateCreated)
	return p
}

func (p *Pipeline) Name() string { return p.name }

func (p *Pipeline) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsRunning reports whether Start succeeded and Stop has not been called.
func (p *Pipeline) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.run != nil
}

func (p *Pipeline) setStateLocked(s State) {
	p.state = s
	if p.metrics != nil {
		p.metrics.PipelineState.WithLabelValues(p.name).Set(float64(s))
	}
}

// Create adds a node of kind with its canonical ports. An empty alias gets
// a generated one.
func (p *Pipeline) Create(kind NodeKind, alias string) (*Node, error) {
	lay, ok := catalog[kind]
	if !ok {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "Create",
			fmt.Sprintf("unknown node kind %s", kind)))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkMutableLocked("Create"); err != nil {
		return nil, err
	}

	n, err := p.createLocked(kind, alias, nil, lay)
	if err != nil {
		return nil, errors.Record(errors.Wrap(err, "Pipeline", "Create", kind.String()))
	}
	p.graphChangedLocked()
	p.logger.Debug("Node created", "node", n.String())
	return n, nil
}

func (p *Pipeline) createLocked(kind NodeKind, alias string, parent *Node, lay layout) (*Node, error) {
	p.nextID++
	n := &Node{id: p.nextID, kind: kind, pipeline: p, parent: parent, alias: alias}
	if n.alias == "" {
		n.alias = fmt.Sprintf("%s%d", strings.ToLower(kind.String()), n.id)
	}

	queueSize, blocking := deviceInputQueue, false
	if kind.IsHost() {
		queueSize, blocking = DefaultQueueSize, hostInputBlocking
	}

	for _, d := range lay.outputs {
		n.outputs = append(n.outputs, newOutput(n, "", d))
	}
	for _, d := range lay.inputs {
		in, err := newInput(n, n.alias, "", d, queueSize, blocking)
		if err != nil {
			return nil, err
		}
		n.inputs = append(n.inputs, in)
	}
	for _, m := range lay.outputMaps {
		om := &OutputMap{node: n, name: m.name, types: m.types}
		for _, d := range m.entries {
			om.entries = append(om.entries, newOutput(n, m.name, d))
		}
		n.outputMaps = append(n.outputMaps, om)
	}
	for _, m := range lay.inputMaps {
		n.inputMaps = append(n.inputMaps, &InputMap{
			node: n, name: m.name, types: m.types, queueSize: queueSize, blocking: blocking,
		})
	}
	p.nodes = append(p.nodes, n)

	for _, sd := range lay.subnodes {
		sub, err := p.createLocked(sd.kind, sd.alias, n, catalog[sd.kind])
		if err != nil {
			return nil, err
		}
		if len(sd.inputs) > 0 {
			m, ok := sub.InputMap(InputsMap)
			if !ok {
				return nil, fmt.Errorf("%s has no %q map", sd.kind, InputsMap)
			}
			for _, d := range sd.inputs {
				if _, err := m.request(d); err != nil {
					return nil, err
				}
			}
		}
		n.subnodes = append(n.subnodes, sub)
	}
	return n, nil
}

// RemoveNode unlinks a top-level node and its sub-nodes, closes their
// queues and drops them from the pipeline.
func (p *Pipeline) RemoveNode(n *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkMutableLocked("RemoveNode", n); err != nil {
		return err
	}
	if n.parent != nil {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidHandle, "Pipeline", "RemoveNode",
			fmt.Sprintf("%s is owned by %s", n, n.parent)))
	}

	doomed := append([]*Node{n}, n.Subnodes()...)
	for _, d := range doomed {
		for _, o := range d.Outputs() {
			for _, in := range o.Connections() {
				if o.disconnect(in) {
					p.linker.disconnected(o, in)
				}
			}
		}
		for _, in := range d.Inputs() {
			for _, o := range in.Sources() {
				if o.disconnect(in) {
					p.linker.disconnected(o, in)
				}
			}
		}
		d.close()
	}
	p.nodes = slices.DeleteFunc(p.nodes, func(x *Node) bool { return slices.Contains(doomed, x) })
	p.graphChangedLocked()
	p.logger.Debug("Node removed", "node", n.String())
	return nil
}

// Node returns the node with id.
func (p *Pipeline) Node(id int) (*Node, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, n := range p.nodes {
		if n.id == id {
			return n, true
		}
	}
	return nil, false
}

// NodeByAlias returns the first top-level node with alias.
func (p *Pipeline) NodeByAlias(alias string) (*Node, bool) {
	for _, n := range p.Nodes() {
		if n.Alias() == alias {
			return n, true
		}
	}
	return nil, false
}

// Nodes returns the top-level nodes in creation order.
func (p *Pipeline) Nodes() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []*Node
	for _, n := range p.nodes {
		if n.parent == nil {
			out = append(out, n)
		}
	}
	return out
}

// Connections lists every live connection, grouped by source node in
// creation order.
func (p *Pipeline) Connections() []Connection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var conns []Connection
	for _, n := range p.nodes {
		for _, o := range n.Outputs() {
			for _, in := range o.Connections() {
				conns = append(conns, Connection{Output: o, Input: in})
			}
		}
	}
	return conns
}

// Link connects a port of from to a port of to. See Linker.Link.
func (p *Pipeline) Link(from *Node, out Selector, to *Node, in Selector) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkMutableLocked("Link", from, to); err != nil {
		return Connection{}, p.linker.fail("link", err)
	}
	c, err := p.linker.Link(from, out, to, in)
	if err == nil {
		p.graphChangedLocked()
	}
	return c, err
}

// LinkPorts connects o to in directly.
func (p *Pipeline) LinkPorts(o *Output, in *Input) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o == nil || in == nil {
		return p.linker.LinkPorts(o, in)
	}
	if err := p.checkMutableLocked("LinkPorts", o.node, in.node); err != nil {
		return Connection{}, p.linker.fail("link", err)
	}
	c, err := p.linker.LinkPorts(o, in)
	if err == nil {
		p.graphChangedLocked()
	}
	return c, err
}

// Unlink removes a connection between from and to. See Linker.Unlink.
func (p *Pipeline) Unlink(from *Node, out Selector, to *Node, in Selector) (Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkMutableLocked("Unlink", from, to); err != nil {
		return Connection{}, p.linker.fail("unlink", err)
	}
	c, err := p.linker.Unlink(from, out, to, in)
	if err == nil {
		p.graphChangedLocked()
	}
	return c, err
}

// UnlinkPorts removes the connection from o to in.
func (p *Pipeline) UnlinkPorts(o *Output, in *Input) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o == nil || in == nil {
		return p.linker.UnlinkPorts(o, in)
	}
	if err := p.checkMutableLocked("UnlinkPorts", o.node, in.node); err != nil {
		return p.linker.fail("unlink", err)
	}
	err := p.linker.UnlinkPorts(o, in)
	if err == nil {
		p.graphChangedLocked()
	}
	return err
}

// Resolve reports which ports Link would connect without connecting them.
func (p *Pipeline) Resolve(from *Node, out Selector, to *Node, in Selector) (*Output, *Input, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.checkOwnedLocked("Resolve", from, to); err != nil {
		return nil, nil, errors.Record(err)
	}
	o, i, err := p.linker.Resolve(from, out, to, in)
	return o, i, errors.Record(err)
}

func (p *Pipeline) checkMutableLocked(method string, nodes ...*Node) error {
	switch {
	case p.closed:
		return errors.Record(errors.WrapInvalid(errors.ErrAlreadyStopped, "Pipeline", method, "pipeline closed"))
	case p.run != nil:
		return errors.Record(errors.WrapInvalid(errors.ErrAlreadyStarted, "Pipeline", method, "modify running graph"))
	}
	if err := p.checkOwnedLocked(method, nodes...); err != nil {
		return errors.Record(err)
	}
	return nil
}

func (p *Pipeline) checkOwnedLocked(method string, nodes ...*Node) error {
	for _, n := range nodes {
		if n == nil || n.pipeline != p || !slices.Contains(p.nodes, n) {
			return errors.WrapInvalid(errors.ErrInvalidHandle, "Pipeline", method,
				fmt.Sprintf("node %v does not belong to pipeline %s", n, p.name))
		}
	}
	return nil
}

func (p *Pipeline) graphChangedLocked() {
	if p.state == StateBuilt || p.state == StateFailed {
		p.setStateLocked(StateCreated)
	}
}

// Build validates the graph. Unlinked required inputs fail the build;
// disconnected nodes and separate clusters are logged as warnings.
func (p *Pipeline) Build() (*flowgraph.AnalysisResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.checkMutableLocked("Build"); err != nil {
		return nil, err
	}
	return p.buildLocked()
}

func (p *Pipeline) buildLocked() (*flowgraph.AnalysisResult, error) {
	graph, err := p.flowGraphLocked()
	if err != nil {
		p.setStateLocked(StateFailed)
		return nil, errors.Record(errors.WrapFatal(err, "Pipeline", "Build", "assemble flow graph"))
	}
	result := graph.AnalyzeConnectivity()

	if orphans := result.RequiredOrphans(); len(orphans) > 0 {
		names := make([]string, len(orphans))
		for i, o := range orphans {
			names[i] = o.NodeName + "." + o.PortKey
		}
		p.setStateLocked(StateFailed)
		return result, errors.Record(errors.WrapInvalid(ErrUnlinkedInput, "Pipeline", "Build",
			"link "+strings.Join(names, ", ")))
	}

	if result.ValidationStatus == flowgraph.StatusWarnings {
		p.logger.Warn("Pipeline graph has warnings",
			"clusters", len(result.ConnectedComponents),
			"disconnected_nodes", len(result.DisconnectedNodes))
	}
	p.setStateLocked(StateBuilt)
	return result, nil
}

// FlowGraph returns the connectivity graph of the pipeline.
func (p *Pipeline) FlowGraph() (*flowgraph.FlowGraph, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flowGraphLocked()
}

func graphName(n *Node) string {
	return fmt.Sprintf("%s#%d", n.Alias(), n.id)
}

func (p *Pipeline) flowGraphLocked() (*flowgraph.FlowGraph, error) {
	graph := flowgraph.NewFlowGraph()
	for _, n := range p.nodes {
		var ins, outs []flowgraph.PortInfo
		for _, in := range n.Inputs() {
			ins = append(ins, flowgraph.PortInfo{
				Name:      in.name,
				Group:     in.group,
				Direction: flowgraph.DirectionInput,
				Required:  in.required,
				External:  len(in.producerQueues()) > 0,
			})
		}
		for _, o := range n.Outputs() {
			outs = append(outs, flowgraph.PortInfo{
				Name:      o.name,
				Group:     o.group,
				Direction: flowgraph.DirectionOutput,
				External:  len(o.Queues()) > 0,
			})
		}
		if err := graph.AddNode(graphName(n), n.kind.String(), ins, outs); err != nil {
			return nil, err
		}
	}

	key := func(group, name string) string {
		return flowgraph.PortInfo{Group: group, Name: name}.Key()
	}
	for _, n := range p.nodes {
		for _, o := range n.Outputs() {
			for _, in := range o.Connections() {
				if err := graph.AddEdge(
					flowgraph.PortRef{NodeName: graphName(n), PortKey: key(o.group, o.name)},
					flowgraph.PortRef{NodeName: graphName(in.node), PortKey: key(in.group, in.name)},
				); err != nil {
					return nil, err
				}
			}
		}
		// Sub-nodes feed their composite internally.
		if n.parent != nil {
			for _, o := range n.Outputs() {
				if err := graph.AddEdge(
					flowgraph.PortRef{NodeName: graphName(n), PortKey: key(o.group, o.name)},
					flowgraph.PortRef{NodeName: graphName(n.parent), PortKey: n.Alias()},
				); err != nil {
					return nil, err
				}
			}
		}
	}
	return graph, nil
}

// Start runs the graph against sess: device-side outputs with consumers are
// streamed from the session's connection, host nodes start processing, and
// producer queues start forwarding. The pipeline holds its own handle on
// the session until Stop.
func (p *Pipeline) Start(ctx context.Context, sess *device.Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkMutableLocked("Start"); err != nil {
		return err
	}
	if sess == nil || sess.IsClosed() {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidHandle, "Pipeline", "Start", "closed session"))
	}
	if p.state != StateBuilt {
		if _, err := p.buildLocked(); err != nil {
			return err
		}
	}

	held, err := sess.Clone()
	if err != nil {
		return errors.Record(errors.Wrap(err, "Pipeline", "Start", "hold session"))
	}

	runCtx, cancel := context.WithCancel(ctx)
	r := &runState{ctx: runCtx, cancel: cancel, session: held}

	streams := p.deviceStreamsLocked()
	if producer, ok := held.Connection().(device.Producer); ok && len(streams) > 0 {
		stop, err := producer.StartStreams(runCtx, streams)
		if err != nil {
			cancel()
			held.Release()
			p.setStateLocked(StateFailed)
			return errors.Record(errors.Wrap(err, "Pipeline", "Start", "start device streams"))
		}
		r.stopStreams = stop
	} else if len(streams) > 0 {
		p.logger.Warn("Device connection does not produce streams", "device", held.Info().DeviceID)
	}

	for _, n := range p.nodes {
		switch n.kind {
		case HostNode:
			p.startHostNode(r, n)
		case ThreadedHostNode:
			p.startThreadedNode(r, n)
		}
		for _, in := range n.Inputs() {
			for _, q := range in.producerQueues() {
				p.startPumpLocked(r, in, q)
			}
		}
	}

	p.run = r
	p.setStateLocked(StateRunning)
	p.logger.Info("Pipeline started",
		"device", held.Info().DeviceID,
		"nodes", len(p.nodes),
		"streams", len(streams))
	return nil
}

func (p *Pipeline) deviceStreamsLocked() []device.Stream {
	var streams []device.Stream
	for _, n := range p.nodes {
		if !n.kind.OnDevice() {
			continue
		}
		for _, o := range n.Outputs() {
			if !o.HasConsumers() || len(o.types) == 0 {
				continue
			}
			streams = append(streams, device.Stream{
				Node:     n.Alias(),
				Output:   o.name,
				Datatype: o.types[0].Datatype,
				Emit:     o.Send,
			})
		}
	}
	return streams
}

// DefaultStopTimeout bounds Close's implicit Stop.
const DefaultStopTimeout = 5 * time.Second

// Stop cancels host goroutines and device streams, waits up to timeout for
// them to finish and releases the pipeline's session handle.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	r := p.run
	if r == nil {
		p.mu.Unlock()
		return errors.Record(errors.WrapInvalid(errors.ErrNotStarted, "Pipeline", "Stop", p.name))
	}
	p.run = nil
	p.mu.Unlock()

	r.cancel()
	if r.stopStreams != nil {
		r.stopStreams()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Record(errors.WrapTransient(ErrStopTimeout, "Pipeline", "Stop",
			fmt.Sprintf("wait %s", timeout)))
	}
	r.session.Release()

	p.mu.Lock()
	p.setStateLocked(StateStopped)
	p.mu.Unlock()

	p.logger.Info("Pipeline stopped", "clean", err == nil)
	return err
}

// Close stops a running pipeline and closes every queue. A closed pipeline
// rejects further changes.
func (p *Pipeline) Close() error {
	var err error
	if p.IsRunning() {
		err = p.Stop(DefaultStopTimeout)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return err
	}
	p.closed = true
	for _, n := range p.nodes {
		n.close()
	}
	return err
}

// newQueue creates a consumer or producer queue, exporting its metrics
// when the pipeline has a registry.
func (p *Pipeline) newQueue(name string, maxSize int, blocking bool) (*queue.Queue, error) {
	opts := []queue.Option{queue.WithLogger(p.logger)}
	if p.registry != nil {
		p.mu.Lock()
		p.queueSeq++
		owner := fmt.Sprintf("%s_queue_%d", p.name, p.queueSeq)
		p.mu.Unlock()
		opts = append(opts, queue.WithMetrics(p.registry, owner))
	}
	return queue.New(name, maxSize, blocking, opts...)
}

// Emit sends msg on a device-side output as if the device had produced it.
// It lets transports without device.Producer support feed the graph.
func (p *Pipeline) Emit(ctx context.Context, o *Output, msg message.Message) error {
	if o == nil || o.node.pipeline != p {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidHandle, "Pipeline", "Emit", "foreign output"))
	}
	if !p.IsRunning() {
		return errors.Record(errors.WrapInvalid(errors.ErrNotStarted, "Pipeline", "Emit", p.name))
	}
	return o.Send(ctx, msg)
}
