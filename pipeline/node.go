package pipeline

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/message"
)

// HostFunc processes one synchronized group of input messages on a
// HostNode. A non-nil result is sent on the node's "out" output.
type HostFunc func(ctx context.Context, group *message.Group) (message.Message, error)

// RunFunc is the body of a ThreadedHostNode. It runs on its own goroutine
// until it returns or ctx is cancelled.
type RunFunc func(ctx context.Context, n *Node) error

// Node is a processing element of a pipeline. Its ports are fixed by its
// kind, plus entries of its port maps and, for host kinds, ports created at
// runtime.
type Node struct {
	id       int
	kind     NodeKind
	pipeline *Pipeline
	parent   *Node

	mu         sync.RWMutex
	alias      string
	outputs    []*Output
	inputs     []*Input
	outputMaps []*OutputMap
	inputMaps  []*InputMap
	subnodes   []*Node

	process HostFunc
	run     RunFunc
	running atomic.Bool
	lastErr atomic.Pointer[error]
}

// ID is unique within the pipeline.
func (n *Node) ID() int { return n.id }

func (n *Node) Kind() NodeKind { return n.kind }

func (n *Node) Pipeline() *Pipeline { return n.pipeline }

// Parent returns the composite node owning n, or nil for top-level nodes.
func (n *Node) Parent() *Node { return n.parent }

func (n *Node) Alias() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.alias
}

func (n *Node) SetAlias(alias string) {
	n.mu.Lock()
	n.alias = alias
	n.mu.Unlock()
}

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s#%d)", n.Alias(), n.kind, n.id)
}

// Output finds an output by exact group and name. Outputs in a map use the
// map name as their group.
func (n *Node) Output(group, name string) (*Output, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if group == "" {
		for _, o := range n.outputs {
			if o.group == "" && o.name == name {
				return o, true
			}
		}
		return nil, false
	}
	for _, o := range n.outputs {
		if o.group == group && o.name == name {
			return o, true
		}
	}
	for _, m := range n.outputMaps {
		if m.name == group {
			return m.lookup(name)
		}
	}
	return nil, false
}

// Input finds an input by exact group and name.
func (n *Node) Input(group, name string) (*Input, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, in := range n.inputs {
		if in.group == group && in.name == name {
			return in, true
		}
	}
	if group == "" {
		return nil, false
	}
	for _, m := range n.inputMaps {
		if m.name == group {
			return m.lookup(name)
		}
	}
	return nil, false
}

// Outputs returns the fixed outputs in declaration order followed by the
// entries of every output map in insertion order.
func (n *Node) Outputs() []*Output {
	n.mu.RLock()
	defer n.mu.RUnlock()
	all := slices.Clone(n.outputs)
	for _, m := range n.outputMaps {
		all = append(all, m.entries...)
	}
	return all
}

// Inputs returns the fixed inputs followed by every input map's entries.
func (n *Node) Inputs() []*Input {
	n.mu.RLock()
	defer n.mu.RUnlock()
	all := slices.Clone(n.inputs)
	for _, m := range n.inputMaps {
		all = append(all, m.entries...)
	}
	return all
}

// OutputMap returns the named output map.
func (n *Node) OutputMap(name string) (*OutputMap, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, m := range n.outputMaps {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}

// InputMap returns the named input map.
func (n *Node) InputMap(name string) (*InputMap, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, m := range n.inputMaps {
		if m.name == name {
			return m, true
		}
	}
	return nil, false
}

// Subnodes returns the nodes owned by a composite node.
func (n *Node) Subnodes() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return slices.Clone(n.subnodes)
}

// Subnode finds an owned node by alias.
func (n *Node) Subnode(alias string) (*Node, bool) {
	for _, s := range n.Subnodes() {
		if s.Alias() == alias {
			return s, true
		}
	}
	return nil, false
}

// RequestOutput returns the dynamic output name, creating it on first use.
// Only Camera nodes have dynamic outputs.
func (n *Node) RequestOutput(name string) (*Output, error) {
	m, ok := n.OutputMap(DynamicOutputsMap)
	if !ok {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "RequestOutput",
			fmt.Sprintf("%s has no dynamic outputs", n)))
	}
	return m.Request(name), nil
}

// RequestInput returns the entry name of the node's inputs map, creating it
// on first use.
func (n *Node) RequestInput(name string) (*Input, error) {
	m, ok := n.InputMap(InputsMap)
	if !ok {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "RequestInput",
			fmt.Sprintf("%s has no %q map", n, InputsMap)))
	}
	return m.Request(name)
}

// CreateInput adds an input to a host node. An empty group creates a fixed
// input; otherwise the input is placed in the map named group.
func (n *Node) CreateInput(name, group string, queueSize int, blocking bool, types ...message.Datatype) (*Input, error) {
	if !n.kind.IsHost() {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "CreateInput",
			fmt.Sprintf("%s is not a host node", n)))
	}
	if _, exists := n.Input(group, name); exists {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "CreateInput",
			fmt.Sprintf("%s already has input %s/%s", n, group, name)))
	}
	d := portDecl{name: name, types: anyBuffer}
	if len(types) > 0 {
		d.types = message.Types(types...)
	}
	in, err := newInput(n, n.Alias(), group, d, queueSize, blocking)
	if err != nil {
		return nil, errors.Wrap(err, "Node", "CreateInput", name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if group == "" {
		n.inputs = append(n.inputs, in)
		return in, nil
	}
	m := n.inputMapLocked(group, anyBuffer)
	m.entries = append(m.entries, in)
	return in, nil
}

// CreateOutput adds an output to a host node.
func (n *Node) CreateOutput(name, group string, types ...message.Datatype) (*Output, error) {
	if !n.kind.IsHost() {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "CreateOutput",
			fmt.Sprintf("%s is not a host node", n)))
	}
	if _, exists := n.Output(group, name); exists {
		return nil, errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "CreateOutput",
			fmt.Sprintf("%s already has output %s/%s", n, group, name)))
	}
	d := portDecl{name: name, types: anyBuffer}
	if len(types) > 0 {
		d.types = message.Types(types...)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if group == "" {
		o := newOutput(n, "", d)
		n.outputs = append(n.outputs, o)
		return o, nil
	}
	var m *OutputMap
	for _, x := range n.outputMaps {
		if x.name == group {
			m = x
		}
	}
	if m == nil {
		m = &OutputMap{node: n, name: group, types: anyBuffer}
		n.outputMaps = append(n.outputMaps, m)
	}
	o := newOutput(n, group, d)
	m.entries = append(m.entries, o)
	return o, nil
}

func (n *Node) inputMapLocked(name string, types message.TypeSet) *InputMap {
	for _, m := range n.inputMaps {
		if m.name == name {
			return m
		}
	}
	m := &InputMap{node: n, name: name, types: types, queueSize: DefaultQueueSize, blocking: hostInputBlocking}
	n.inputMaps = append(n.inputMaps, m)
	return m
}

// SetProcessor installs the processing function of a HostNode.
func (n *Node) SetProcessor(fn HostFunc) error {
	if n.kind != HostNode {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "SetProcessor",
			fmt.Sprintf("%s is not a HostNode", n)))
	}
	n.mu.Lock()
	n.process = fn
	n.mu.Unlock()
	return nil
}

// SetRun installs the body of a ThreadedHostNode.
func (n *Node) SetRun(fn RunFunc) error {
	if n.kind != ThreadedHostNode {
		return errors.Record(errors.WrapInvalid(errors.ErrInvalidConfig, "Node", "SetRun",
			fmt.Sprintf("%s is not a ThreadedHostNode", n)))
	}
	n.mu.Lock()
	n.run = fn
	n.mu.Unlock()
	return nil
}

// IsRunning reports whether the node's host goroutine is active.
func (n *Node) IsRunning() bool { return n.running.Load() }

// Err returns the error a host node's function last returned.
func (n *Node) Err() error {
	if p := n.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (n *Node) setErr(err error) { n.lastErr.Store(&err) }

func (n *Node) close() {
	for _, o := range n.Outputs() {
		o.closeQueues()
	}
	for _, in := range n.Inputs() {
		in.close()
	}
}

// OutputMap is a named, ordered collection of outputs created on demand.
type OutputMap struct {
	node    *Node
	name    string
	types   message.TypeSet
	entries []*Output
}

func (m *OutputMap) Name() string { return m.name }

// Get returns an existing entry.
func (m *OutputMap) Get(name string) (*Output, bool) {
	m.node.mu.RLock()
	defer m.node.mu.RUnlock()
	return m.lookup(name)
}

// Request returns the entry name, creating it if needed.
func (m *OutputMap) Request(name string) *Output {
	m.node.mu.Lock()
	defer m.node.mu.Unlock()
	if o, ok := m.lookup(name); ok {
		return o
	}
	o := newOutput(m.node, m.name, portDecl{name: name, types: m.types})
	m.entries = append(m.entries, o)
	return o
}

// Entries returns the outputs in insertion order.
func (m *OutputMap) Entries() []*Output {
	m.node.mu.RLock()
	defer m.node.mu.RUnlock()
	return slices.Clone(m.entries)
}

func (m *OutputMap) lookup(name string) (*Output, bool) {
	for _, o := range m.entries {
		if o.name == name {
			return o, true
		}
	}
	return nil, false
}

// InputMap is a named, ordered collection of inputs created on demand.
type InputMap struct {
	node      *Node
	name      string
	types     message.TypeSet
	queueSize int
	blocking  bool
	entries   []*Input
}

func (m *InputMap) Name() string { return m.name }

// Get returns an existing entry.
func (m *InputMap) Get(name string) (*Input, bool) {
	m.node.mu.RLock()
	defer m.node.mu.RUnlock()
	return m.lookup(name)
}

// Request returns the entry name, creating it with the map's queue
// defaults if needed.
func (m *InputMap) Request(name string) (*Input, error) {
	return m.request(portDecl{name: name, types: m.types})
}

func (m *InputMap) request(d portDecl) (*Input, error) {
	if in, ok := m.Get(d.name); ok {
		return in, nil
	}
	in, err := newInput(m.node, m.node.Alias(), m.name, d, m.queueSize, m.blocking)
	if err != nil {
		return nil, err
	}

	m.node.mu.Lock()
	defer m.node.mu.Unlock()
	if existing, ok := m.lookup(d.name); ok {
		_ = in.queue.Close()
		return existing, nil
	}
	m.entries = append(m.entries, in)
	return in, nil
}

// Entries returns the inputs in insertion order.
func (m *InputMap) Entries() []*Input {
	m.node.mu.RLock()
	defer m.node.mu.RUnlock()
	return slices.Clone(m.entries)
}

func (m *InputMap) lookup(name string) (*Input, bool) {
	for _, in := range m.entries {
		if in.name == name {
			return in, true
		}
	}
	return nil, false
}
