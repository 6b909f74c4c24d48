// Package flowgraph provides connectivity analysis and validation for a
// pipeline's node graph.
package flowgraph

import (
	"fmt"
	"slices"
)

// Direction of a port relative to its node.
type Direction string

const (
	DirectionInput  Direction = "input"
	DirectionOutput Direction = "output"
)

// Validation statuses reported by AnalyzeConnectivity.
const (
	StatusHealthy  = "healthy"
	StatusWarnings = "warnings"
	StatusErrors   = "errors"
)

// Orphan issues.
const (
	IssueNoSources   = "no_sources"
	IssueNoConsumers = "no_consumers"
)

// FlowGraph is a directed graph of node port connections. Nodes keep
// insertion order so analysis results are deterministic.
type FlowGraph struct {
	order []string
	nodes map[string]*Node
	edges []Edge
}

// Node is a pipeline node in the flow graph.
type Node struct {
	Name        string
	Kind        string
	InputPorts  []PortInfo
	OutputPorts []PortInfo
}

// PortInfo contains port metadata for graph analysis.
type PortInfo struct {
	Name      string    `json:"name"`
	Group     string    `json:"group,omitempty"`
	Direction Direction `json:"direction"`
	Required  bool      `json:"required"`
	// External marks ports served outside the graph: inputs fed by host
	// producer queues and outputs read by consumer queues.
	External bool `json:"external"`
}

// Key identifies the port within its node.
func (p PortInfo) Key() string {
	if p.Group != "" {
		return p.Group + "[" + p.Name + "]"
	}
	return p.Name
}

// Edge is one output to input connection.
type Edge struct {
	From PortRef `json:"from"`
	To   PortRef `json:"to"`
}

// PortRef references a port on a node.
type PortRef struct {
	NodeName string `json:"node_name"`
	PortKey  string `json:"port_key"`
}

func (r PortRef) String() string { return r.NodeName + "." + r.PortKey }

// AnalysisResult contains the results of connectivity analysis.
type AnalysisResult struct {
	ConnectedComponents [][]string         `json:"connected_components"`
	Edges               []Edge             `json:"edges"`
	DisconnectedNodes   []DisconnectedNode `json:"disconnected_nodes"`
	OrphanedPorts       []OrphanedPort     `json:"orphaned_ports"`
	ValidationStatus    string             `json:"validation_status"`
}

// DisconnectedNode is a node with no edges.
type DisconnectedNode struct {
	NodeName    string   `json:"node_name"`
	Issue       string   `json:"issue"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// OrphanedPort is a port with no edges and no external endpoint.
type OrphanedPort struct {
	NodeName  string    `json:"node_name"`
	PortKey   string    `json:"port_key"`
	Direction Direction `json:"direction"`
	Issue     string    `json:"issue"`
	Required  bool      `json:"required"`
}

// RequiredOrphans returns the orphaned ports that block a build.
func (r *AnalysisResult) RequiredOrphans() []OrphanedPort {
	var out []OrphanedPort
	for _, p := range r.OrphanedPorts {
		if p.Required {
			out = append(out, p)
		}
	}
	return out
}

// NewFlowGraph creates an empty FlowGraph.
func NewFlowGraph() *FlowGraph {
	return &FlowGraph{
		nodes: make(map[string]*Node),
		edges: make([]Edge, 0),
	}
}

// AddNode adds a node with its ports.
func (g *FlowGraph) AddNode(name, kind string, inputs, outputs []PortInfo) error {
	if name == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("node %s already exists", name)
	}
	g.nodes[name] = &Node{
		Name:        name,
		Kind:        kind,
		InputPorts:  slices.Clone(inputs),
		OutputPorts: slices.Clone(outputs),
	}
	g.order = append(g.order, name)
	return nil
}

// AddEdge connects an output port to an input port. Both nodes must exist.
func (g *FlowGraph) AddEdge(from, to PortRef) error {
	if _, ok := g.nodes[from.NodeName]; !ok {
		return fmt.Errorf("unknown node %s", from.NodeName)
	}
	if _, ok := g.nodes[to.NodeName]; !ok {
		return fmt.Errorf("unknown node %s", to.NodeName)
	}
	g.edges = append(g.edges, Edge{From: from, To: to})
	return nil
}

// GetNodes returns a deep copy of the nodes.
func (g *FlowGraph) GetNodes() map[string]*Node {
	result := make(map[string]*Node, len(g.nodes))
	for k, v := range g.nodes {
		result[k] = &Node{
			Name:        v.Name,
			Kind:        v.Kind,
			InputPorts:  slices.Clone(v.InputPorts),
			OutputPorts: slices.Clone(v.OutputPorts),
		}
	}
	return result
}

// GetEdges returns a copy of the edges.
func (g *FlowGraph) GetEdges() []Edge {
	return slices.Clone(g.edges)
}

// AnalyzeConnectivity finds connected clusters, disconnected nodes and
// orphaned ports. Orphaned required inputs make the status "errors";
// disconnected nodes or optional orphans on a multi-node graph make it
// "warnings".
func (g *FlowGraph) AnalyzeConnectivity() *AnalysisResult {
	result := &AnalysisResult{
		Edges:               g.GetEdges(),
		ValidationStatus:    StatusHealthy,
		DisconnectedNodes:   []DisconnectedNode{},
		ConnectedComponents: [][]string{},
		OrphanedPorts:       []OrphanedPort{},
	}

	if components := g.findConnectedComponents(); components != nil {
		result.ConnectedComponents = components
	}
	if orphans := g.findOrphanedPorts(); orphans != nil {
		result.OrphanedPorts = orphans
	}

	touched := make(map[string]bool)
	for _, e := range g.edges {
		touched[e.From.NodeName] = true
		touched[e.To.NodeName] = true
	}
	for _, name := range g.order {
		if touched[name] || g.nodes[name].hasExternalPort() {
			continue
		}
		result.DisconnectedNodes = append(result.DisconnectedNodes, DisconnectedNode{
			NodeName:    name,
			Issue:       "Node has no connections",
			Suggestions: []string{"Link it to another node", "Attach a queue to one of its ports"},
		})
	}

	switch {
	case len(result.RequiredOrphans()) > 0:
		result.ValidationStatus = StatusErrors
	case len(result.DisconnectedNodes) > 0 || len(result.ConnectedComponents) > 1:
		result.ValidationStatus = StatusWarnings
	}
	return result
}

func (n *Node) hasExternalPort() bool {
	for _, p := range n.InputPorts {
		if p.External {
			return true
		}
	}
	for _, p := range n.OutputPorts {
		if p.External {
			return true
		}
	}
	return false
}

// findConnectedComponents uses DFS over edges treated as undirected.
func (g *FlowGraph) findConnectedComponents() [][]string {
	visited := make(map[string]bool)
	var components [][]string

	adj := make(map[string][]string)
	for _, e := range g.edges {
		adj[e.From.NodeName] = append(adj[e.From.NodeName], e.To.NodeName)
		adj[e.To.NodeName] = append(adj[e.To.NodeName], e.From.NodeName)
	}

	for _, name := range g.order {
		if !visited[name] {
			var cluster []string
			g.dfs(name, adj, visited, &cluster)
			components = append(components, cluster)
		}
	}
	return components
}

func (g *FlowGraph) dfs(node string, adj map[string][]string, visited map[string]bool, cluster *[]string) {
	visited[node] = true
	*cluster = append(*cluster, node)
	for _, neighbor := range adj[node] {
		if !visited[neighbor] {
			g.dfs(neighbor, adj, visited, cluster)
		}
	}
}

// findOrphanedPorts lists ports with neither an edge nor an external
// endpoint.
func (g *FlowGraph) findOrphanedPorts() []OrphanedPort {
	var orphaned []OrphanedPort

	connected := make(map[PortRef]bool)
	for _, e := range g.edges {
		connected[e.From] = true
		connected[e.To] = true
	}

	for _, name := range g.order {
		node := g.nodes[name]
		for _, p := range node.InputPorts {
			if p.External || connected[PortRef{NodeName: name, PortKey: p.Key()}] {
				continue
			}
			orphaned = append(orphaned, OrphanedPort{
				NodeName:  name,
				PortKey:   p.Key(),
				Direction: DirectionInput,
				Issue:     IssueNoSources,
				Required:  p.Required,
			})
		}
		for _, p := range node.OutputPorts {
			if p.External || connected[PortRef{NodeName: name, PortKey: p.Key()}] {
				continue
			}
			orphaned = append(orphaned, OrphanedPort{
				NodeName:  name,
				PortKey:   p.Key(),
				Direction: DirectionOutput,
				Issue:     IssueNoConsumers,
				Required:  p.Required,
			})
		}
	}
	return orphaned
}
