package pipeline

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/c360/depthgraph/errors"
	"github.com/c360/depthgraph/metric"
)

// Selector names a port on one side of a link request. An empty Name asks
// the linker to choose. Without HasGroup any group matches while
// searching and explicit lookups use the ungrouped namespace.
type Selector struct {
	Group    string
	Name     string
	HasGroup bool
}

// Any lets the linker choose the port from every group.
func Any() Selector { return Selector{} }

// ByName selects an ungrouped port by name.
func ByName(name string) Selector { return Selector{Name: name} }

// InGroup restricts the selection to group. An empty name lets the linker
// choose within the group.
func InGroup(group, name string) Selector {
	return Selector{Group: group, Name: name, HasGroup: true}
}

func (s Selector) specified() bool { return s.Name != "" }

func (s Selector) matches(group string) bool {
	return !s.HasGroup || s.Group == group
}

func (s Selector) String() string {
	switch {
	case s.HasGroup && s.Name != "":
		return s.Group + "/" + s.Name
	case s.HasGroup:
		return s.Group + "/*"
	case s.Name != "":
		return s.Name
	default:
		return "*"
	}
}

// Linker resolves and creates connections between node ports. It does no
// locking of its own: the owning Pipeline serializes graph changes.
type Linker struct {
	scorer  Scorer
	logger  *slog.Logger
	metrics *metric.Metrics
}

func newLinker(scorer Scorer, logger *slog.Logger, metrics *metric.Metrics) *Linker {
	if scorer == nil {
		scorer = DefaultScorer{}
	}
	return &Linker{scorer: scorer, logger: logger, metrics: metrics}
}

// Resolve picks the output and input a Link call would connect, without
// connecting them.
func (l *Linker) Resolve(from *Node, out Selector, to *Node, in Selector) (*Output, *Input, error) {
	var (
		o *Output
		i *Input
	)
	if out.specified() {
		var ok bool
		if o, ok = findOutput(from, out); !ok {
			return nil, nil, errors.WrapInvalid(errors.ErrPortNotFound, "Linker", "Link",
				fmt.Sprintf("find output %s on %s", out, from))
		}
	}
	if in.specified() {
		var ok bool
		if i, ok = findInput(to, in); !ok {
			return nil, nil, errors.WrapInvalid(errors.ErrPortNotFound, "Linker", "Link",
				fmt.Sprintf("find input %s on %s", in, to))
		}
	}

	switch {
	case o == nil && i == nil:
		o, i = l.bestPair(from, out, to, in)
	case o == nil:
		o = l.bestOutput(from, out, i)
	case i == nil:
		i = l.bestInput(to, in, o)
	default:
		if !o.CanConnect(i) {
			return nil, nil, errors.WrapInvalid(errors.ErrNoCompatiblePort, "Linker", "Link",
				fmt.Sprintf("connect %s to %s: types %s and %s", o.FullName(), i.FullName(), o.types, i.types))
		}
	}

	if o == nil || i == nil {
		return nil, nil, errors.WrapInvalid(errors.ErrNoCompatiblePort, "Linker", "Link",
			fmt.Sprintf("match %s %s to %s %s", from, out, to, in))
	}
	return o, i, nil
}

// Link connects a port of from to a port of to, choosing unnamed ports by
// score. Linking an already connected pair is a no-op.
func (l *Linker) Link(from *Node, out Selector, to *Node, in Selector) (Connection, error) {
	o, i, err := l.Resolve(from, out, to, in)
	if err != nil {
		return Connection{}, l.fail("link", err)
	}
	return l.connect(o, i), nil
}

// LinkPorts connects o to i directly.
func (l *Linker) LinkPorts(o *Output, i *Input) (Connection, error) {
	if o == nil || i == nil {
		return Connection{}, l.fail("link", errors.WrapInvalid(errors.ErrInvalidHandle, "Linker", "LinkPorts", "nil port"))
	}
	if !o.CanConnect(i) {
		return Connection{}, l.fail("link", errors.WrapInvalid(errors.ErrNoCompatiblePort, "Linker", "LinkPorts",
			fmt.Sprintf("connect %s to %s: types %s and %s", o.FullName(), i.FullName(), o.types, i.types)))
	}
	return l.connect(o, i), nil
}

func (l *Linker) connect(o *Output, i *Input) Connection {
	c := Connection{Output: o, Input: i}
	if o.connect(i) {
		if l.metrics != nil {
			l.metrics.Connections.Inc()
		}
		l.logger.Debug("Linked ports", "connection", c.String())
	}
	l.count("link", "ok")
	return c
}

// Unlink removes a connection from a port of from to a port of to. Unnamed
// ports are chosen among the existing connections between the two nodes,
// by score.
func (l *Linker) Unlink(from *Node, out Selector, to *Node, in Selector) (Connection, error) {
	var (
		o *Output
		i *Input
	)
	if out.specified() {
		var ok bool
		if o, ok = findOutput(from, out); !ok {
			return Connection{}, l.fail("unlink", errors.WrapInvalid(errors.ErrPortNotFound, "Linker", "Unlink",
				fmt.Sprintf("find output %s on %s", out, from)))
		}
	}
	if in.specified() {
		var ok bool
		if i, ok = findInput(to, in); !ok {
			return Connection{}, l.fail("unlink", errors.WrapInvalid(errors.ErrPortNotFound, "Linker", "Unlink",
				fmt.Sprintf("find input %s on %s", in, to)))
		}
	}

	if o == nil || i == nil {
		o, i = l.bestConnection(from, o, out, to, in)
	}
	if o == nil || i == nil || !o.disconnect(i) {
		return Connection{}, l.fail("unlink", errors.WrapInvalid(errors.ErrConnectionNotFound, "Linker", "Unlink",
			fmt.Sprintf("find connection %s %s to %s %s", from, out, to, in)))
	}
	return l.disconnected(o, i), nil
}

// UnlinkPorts removes the connection from o to i.
func (l *Linker) UnlinkPorts(o *Output, i *Input) error {
	if o == nil || i == nil {
		return l.fail("unlink", errors.WrapInvalid(errors.ErrInvalidHandle, "Linker", "UnlinkPorts", "nil port"))
	}
	if !o.disconnect(i) {
		return l.fail("unlink", errors.WrapInvalid(errors.ErrConnectionNotFound, "Linker", "UnlinkPorts",
			fmt.Sprintf("find connection %s -> %s", o.FullName(), i.FullName())))
	}
	l.disconnected(o, i)
	return nil
}

func (l *Linker) disconnected(o *Output, i *Input) Connection {
	c := Connection{Output: o, Input: i}
	if l.metrics != nil {
		l.metrics.Connections.Dec()
	}
	l.count("unlink", "ok")
	l.logger.Debug("Unlinked ports", "connection", c.String())
	return c
}

// bestPair scans outputs in the outer loop and inputs in the inner loop.
// The first pair reaching the highest score wins.
func (l *Linker) bestPair(from *Node, out Selector, to *Node, in Selector) (*Output, *Input) {
	var (
		bestOut *Output
		bestIn  *Input
	)
	best := math.MinInt
	inputs := candidateInputs(to)
	for _, o := range from.Outputs() {
		if !out.matches(o.group) {
			continue
		}
		for _, i := range inputs {
			if !in.matches(i.group) || !o.CanConnect(i) {
				continue
			}
			score := l.scorer.ScoreOutput(o.name) + l.scorer.ScoreInput(i.name)
			score += groupBonus(o.ungrouped()) + groupBonus(i.ungrouped())
			if score > best {
				best, bestOut, bestIn = score, o, i
			}
		}
	}
	return bestOut, bestIn
}

func (l *Linker) bestOutput(from *Node, out Selector, i *Input) *Output {
	var best *Output
	bestScore := math.MinInt
	for _, o := range from.Outputs() {
		if !out.matches(o.group) || !o.CanConnect(i) {
			continue
		}
		score := l.scorer.ScoreOutput(o.name) + groupBonus(o.ungrouped())
		if score > bestScore {
			bestScore, best = score, o
		}
	}
	return best
}

func (l *Linker) bestInput(to *Node, in Selector, o *Output) *Input {
	var best *Input
	bestScore := math.MinInt
	for _, i := range candidateInputs(to) {
		if !in.matches(i.group) || !o.CanConnect(i) {
			continue
		}
		score := l.scorer.ScoreInput(i.name) + groupBonus(i.ungrouped())
		if score > bestScore {
			bestScore, best = score, i
		}
	}
	return best
}

// bestConnection searches existing connections from the outputs of from
// (or only named, when given) into to. Unlink scores carry no group bonus.
func (l *Linker) bestConnection(from *Node, named *Output, out Selector, to *Node, in Selector) (*Output, *Input) {
	outputs := []*Output{named}
	if named == nil {
		outputs = from.Outputs()
	}

	var (
		bestOut *Output
		bestIn  *Input
	)
	best := math.MinInt
	for _, o := range outputs {
		if !out.matches(o.group) {
			continue
		}
		for _, i := range o.Connections() {
			if !ownedBy(i.node, to) || !in.matches(i.group) {
				continue
			}
			if in.specified() && i.name != in.Name {
				continue
			}
			score := l.scorer.ScoreOutput(o.name) + l.scorer.ScoreInput(i.name)
			if score > best {
				best, bestOut, bestIn = score, o, i
			}
		}
	}
	return bestOut, bestIn
}

func groupBonus(ungrouped bool) int {
	if ungrouped {
		return UngroupedBonus
	}
	return 0
}

// ownedBy reports whether n is node or one of its sub-nodes.
func ownedBy(n, node *Node) bool {
	return n == node || (n != nil && n.parent == node)
}

// findOutput looks an output up by exact group and name.
func findOutput(n *Node, s Selector) (*Output, bool) {
	return n.Output(s.Group, s.Name)
}

// findInput looks an input up on n, then on each of its sub-nodes. Without
// a group the ungrouped inputs are tried first, then the inputs map.
func findInput(n *Node, s Selector) (*Input, bool) {
	probe := func(n *Node) (*Input, bool) {
		if s.HasGroup {
			return n.Input(s.Group, s.Name)
		}
		if i, ok := n.Input("", s.Name); ok {
			return i, true
		}
		return n.Input(InputsMap, s.Name)
	}
	if i, ok := probe(n); ok {
		return i, true
	}
	for _, sub := range n.Subnodes() {
		if i, ok := probe(sub); ok {
			return i, true
		}
	}
	return nil, false
}

// candidateInputs lists the inputs of n followed by those of its sub-nodes.
func candidateInputs(n *Node) []*Input {
	inputs := n.Inputs()
	for _, sub := range n.Subnodes() {
		inputs = append(inputs, sub.Inputs()...)
	}
	return inputs
}

func (l *Linker) fail(op string, err error) error {
	result := "error"
	switch {
	case stderrors.Is(err, errors.ErrPortNotFound):
		result = "port_not_found"
	case stderrors.Is(err, errors.ErrNoCompatiblePort):
		result = "no_compatible_port"
	case stderrors.Is(err, errors.ErrConnectionNotFound):
		result = "connection_not_found"
	}
	l.count(op, result)
	if l.metrics != nil {
		l.metrics.ErrorsTotal.WithLabelValues("linker", errors.Classify(err).String()).Inc()
	}
	l.logger.Debug("Link request failed", "op", op, "error", err)
	return errors.Record(err)
}

func (l *Linker) count(op, result string) {
	if l.metrics != nil {
		l.metrics.LinkOps.WithLabelValues(op, result).Inc()
	}
}
