package graph

import "github.com/WessleyAI/chaingraph/engine/chain"

// FindNodeByID returns a copy of the node with the given id.
func (g *Graph) FindNodeByID(id string) (chain.Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.byID[id]
	if !ok {
		return chain.Node{}, false
	}
	return n.Clone(), true
}

// FindEdge returns a copy of the edge joining a and b, in either direction.
func (g *Graph) FindEdge(a, b string) (chain.Edge, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.byPair[chain.Pair(a, b)]
	if !ok {
		return chain.Edge{}, false
	}
	return *e, true
}

// FindNodeAtEndOfEdge returns the node at the end of e opposite knownID.
// It reports false when knownID is not an endpoint of e or the other node is
// not in the graph yet.
func (g *Graph) FindNodeAtEndOfEdge(knownID string, e chain.Edge) (chain.Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodeAtEndLocked(knownID, e)
	if !ok {
		return chain.Node{}, false
	}
	return n.Clone(), true
}

func (g *Graph) nodeAtEndLocked(knownID string, e chain.Edge) (*chain.Node, bool) {
	other := e.Other(knownID)
	if other == "" {
		return nil, false
	}
	n, ok := g.byID[other]
	return n, ok
}

// Nodes returns copies of all nodes in insertion order.
func (g *Graph) Nodes() []chain.Node {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]chain.Node, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.Clone()
	}
	return out
}

// Edges returns copies of all edges in insertion order.
func (g *Graph) Edges() []chain.Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]chain.Edge, len(g.edges))
	for i, e := range g.edges {
		out[i] = *e
	}
	return out
}

// EdgesOf returns copies of the edges touching id in insertion order.
func (g *Graph) EdgesOf(id string) []chain.Edge {
	g.mu.Lock()
	defer g.mu.Unlock()
	adj := g.adj[id]
	out := make([]chain.Edge, len(adj))
	for i, e := range adj {
		out[i] = *e
	}
	return out
}

// NodeCount is the number of distinct nodes.
func (g *Graph) NodeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes)
}

// EdgeCount is the number of distinct node pairs linked by an edge.
func (g *Graph) EdgeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.edges)
}

// Stats summarizes graph contents and merge activity.
type Stats struct {
	Nodes        int            `json:"nodes"`
	Edges        int            `json:"edges"`
	Addresses    int            `json:"addresses"`
	Transactions int            `json:"transactions"`
	EdgesByType  map[string]int `json:"edges_by_type"`
	Inserted     int            `json:"inserted"`
	Merged       int            `json:"merged"`
	Rejected     int            `json:"rejected"`
}

// Stats computes a summary of the graph.
func (g *Graph) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := Stats{
		Nodes:       len(g.nodes),
		Edges:       len(g.edges),
		EdgesByType: make(map[string]int),
		Inserted:    g.inserted,
		Merged:      g.merged,
		Rejected:    g.rejected,
	}
	for _, n := range g.nodes {
		switch n.Type {
		case chain.NodeAddress:
			s.Addresses++
		case chain.NodeTransaction:
			s.Transactions++
		}
	}
	for _, e := range g.edges {
		s.EdgesByType[e.Type.String()]++
	}
	return s
}
