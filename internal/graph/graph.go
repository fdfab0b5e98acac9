package graph

import "sort"

// Graph holds the nodes and edges created by one analysis run. Edges are
// append-only; a repeated edge is recorded once.
type Graph struct {
	nodes    map[string]Node
	edges    []Edge
	edgeKeys map[string]struct{}
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		nodes:    make(map[string]Node),
		edgeKeys: make(map[string]struct{}),
	}
}

// AddNode adds n unless a node with the same ID exists. It returns the
// stored node.
func (g *Graph) AddNode(n Node) Node {
	if existing, ok := g.nodes[n.ID]; ok {
		return existing
	}
	g.nodes[n.ID] = n
	return n
}

// Node returns the node with id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// AddEdge records e once; it reports whether the edge was new.
func (g *Graph) AddEdge(e Edge) bool {
	k := e.key()
	if _, ok := g.edgeKeys[k]; ok {
		return false
	}
	g.edgeKeys[k] = struct{}{}
	g.edges = append(g.edges, e)
	return true
}

// Nodes returns all nodes ordered by kind then ID.
func (g *Graph) Nodes() []Node {
	out := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Edges returns edges in insertion order.
func (g *Graph) Edges() []Edge {
	return append([]Edge(nil), g.edges...)
}

// EdgesFrom returns the edges whose source is id, in insertion order.
func (g *Graph) EdgesFrom(id string) []Edge {
	var out []Edge
	for _, e := range g.edges {
		if e.SourceID == id {
			out = append(out, e)
		}
	}
	return out
}

// Dependency is one node reached by traversal, with the edge that first
// reached it.
type Dependency struct {
	NodeID      string   `json:"node_id"`
	Kind        NodeKind `json:"kind"`
	EdgeType    EdgeType `json:"edge_type"`
	Depth       int      `json:"depth"`
	Via         string   `json:"via"`
	LineNumber  int      `json:"line_number,omitempty"`
	CodeSnippet string   `json:"code_snippet,omitempty"`
	RiskTag     string   `json:"risk_tag,omitempty"`
}

// Traversal holds the four closure sets around the changed nodes.
type Traversal struct {
	Direct          []Dependency `json:"direct"`
	Indirect        []Dependency `json:"indirect"`
	ReverseDirect   []Dependency `json:"reverse_direct"`
	ReverseIndirect []Dependency `json:"reverse_indirect"`
}

// Reverse returns every reverse dependency, direct first.
func (t Traversal) Reverse() []Dependency {
	out := make([]Dependency, 0, len(t.ReverseDirect)+len(t.ReverseIndirect))
	out = append(out, t.ReverseDirect...)
	return append(out, t.ReverseIndirect...)
}

// ReverseCount is the number of nodes that depend on the change.
func (t Traversal) ReverseCount() int {
	return len(t.ReverseDirect) + len(t.ReverseIndirect)
}

// ReverseOfKind counts reverse dependencies of the given kind.
func (t Traversal) ReverseOfKind(kind NodeKind) int {
	n := 0
	for _, d := range t.Reverse() {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// ReverseForeignKeys counts tables that reference a changed table directly.
func (t Traversal) ReverseForeignKeys() int {
	n := 0
	for _, d := range t.ReverseDirect {
		if d.EdgeType == ReferencedBy {
			n++
		}
	}
	return n
}

// TaggedReverse returns the distinct risk tags among reverse dependencies.
func (t Traversal) TaggedReverse() []string {
	seen := make(map[string]bool)
	var out []string
	for _, d := range t.Reverse() {
		if d.RiskTag != "" && !seen[d.RiskTag] {
			seen[d.RiskTag] = true
			out = append(out, d.RiskTag)
		}
	}
	sort.Strings(out)
	return out
}

func sortDependencies(deps []Dependency) {
	sort.SliceStable(deps, func(i, j int) bool {
		if deps[i].Depth != deps[j].Depth {
			return deps[i].Depth < deps[j].Depth
		}
		return deps[i].NodeID < deps[j].NodeID
	})
}
