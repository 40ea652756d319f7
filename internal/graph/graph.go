// Package graph holds the arena-indexed form of a FlowDefinition and the
// validation that gates execution.
//
// Nodes and edges are addressed by their position in the definition. All
// adjacency is kept as index slices, so the graph has no pointers between
// nodes and edges and can be shared read-only by concurrent runs.
package graph

import (
	"github.com/petrijr/promptflow/internal/condition"
	"github.com/petrijr/promptflow/pkg/api"
)

// Graph is a compiled, validated FlowDefinition.
type Graph struct {
	Def api.FlowDefinition

	nodeIndex map[string]int
	keyIndex  map[string]int
	edgeIndex map[string]int

	out [][]int // edge indices by source node, declaration order
	in  [][]int // edge indices by target node, declaration order

	conditions []*condition.Expr    // by edge index
	programs   []*condition.Program // by node index

	entries []int

	// scc is the strongly connected component of each node over all
	// edges. cyclic marks components that contain a cycle.
	scc     []int
	cyclic  []bool
	members [][]int
}

// NumNodes returns the node count.
func (g *Graph) NumNodes() int { return len(g.Def.Nodes) }

// Node returns the node at index i.
func (g *Graph) Node(i int) api.Node { return g.Def.Nodes[i] }

// Edge returns the edge at index i.
func (g *Graph) Edge(i int) api.Edge { return g.Def.Edges[i] }

// NodeIndex resolves a node ID.
func (g *Graph) NodeIndex(id string) (int, bool) {
	i, ok := g.nodeIndex[id]
	return i, ok
}

// KeyIndex resolves a node key.
func (g *Graph) KeyIndex(key string) (int, bool) {
	i, ok := g.keyIndex[key]
	return i, ok
}

// EdgeIndex resolves an edge ID.
func (g *Graph) EdgeIndex(id string) (int, bool) {
	i, ok := g.edgeIndex[id]
	return i, ok
}

// Source returns the source node index of edge e.
func (g *Graph) Source(e int) int { return g.nodeIndex[g.Def.Edges[e].Source] }

// Target returns the target node index of edge e.
func (g *Graph) Target(e int) int { return g.nodeIndex[g.Def.Edges[e].Target] }

// Out returns the outgoing edge indices of node i.
func (g *Graph) Out(i int) []int { return g.out[i] }

// In returns the incoming edge indices of node i.
func (g *Graph) In(i int) []int { return g.in[i] }

// ForwardIn returns the incoming edges of node i that take part in joins,
// which is every incoming edge except Loop edges.
func (g *Graph) ForwardIn(i int) []int {
	var out []int
	for _, e := range g.in[i] {
		if g.Def.Edges[e].Type != api.EdgeLoop {
			out = append(out, e)
		}
	}
	return out
}

// Predecessors returns the distinct source nodes of the forward incoming
// edges of node i.
func (g *Graph) Predecessors(i int) []int {
	seen := make(map[int]struct{})
	var out []int
	for _, e := range g.ForwardIn(i) {
		s := g.Source(e)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Condition returns the compiled condition of edge e, or nil.
func (g *Graph) Condition(e int) *condition.Expr { return g.conditions[e] }

// Program returns the compiled config expressions of node i, or nil.
func (g *Graph) Program(i int) *condition.Program { return g.programs[i] }

// Entries returns the entry node indices in declaration order.
func (g *Graph) Entries() []int { return g.entries }

// InCycle reports whether node i belongs to a cyclic component.
func (g *Graph) InCycle(i int) bool { return g.cyclic[g.scc[i]] }

// SameComponent reports whether a and b share a strongly connected component.
func (g *Graph) SameComponent(a, b int) bool { return g.scc[a] == g.scc[b] }

// Component returns the members of the component of node i.
func (g *Graph) Component(i int) []int { return g.members[g.scc[i]] }

// LeavesCycle reports whether edge e runs from a cyclic component to a node
// outside it. Such edges may still fire on a later iteration, so a non-fire
// is only final once the loop has settled.
func (g *Graph) LeavesCycle(e int) bool {
	s, t := g.Source(e), g.Target(e)
	return g.InCycle(s) && !g.SameComponent(s, t)
}

// HasSynchronizeIn reports whether node i is the target of a Synchronize edge.
func (g *Graph) HasSynchronizeIn(i int) bool {
	for _, e := range g.in[i] {
		if g.Def.Edges[e].Type == api.EdgeSynchronize {
			return true
		}
	}
	return false
}

// OutputNodes returns the indices of Output nodes.
func (g *Graph) OutputNodes() []int {
	var out []int
	for i, n := range g.Def.Nodes {
		if n.Type == api.NodeOutput {
			out = append(out, i)
		}
	}
	return out
}

// DefaultEdge returns the default edge of node i, if any.
func (g *Graph) DefaultEdge(i int) (int, bool) {
	for _, e := range g.out[i] {
		if g.Def.Edges[e].IsDefault {
			return e, true
		}
	}
	return -1, false
}
