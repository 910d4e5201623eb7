// Package graph holds the in-memory blockchain graph and the merge engine
// that folds incrementally fetched, out-of-order fragments into it.
//
// All mutation goes through AddNode and AddEdge. A node is identified by its
// id alone; an edge by the unordered pair of its endpoint ids. Candidates that
// match an existing entity are merged field by field instead of duplicated.
package graph

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"go.opentelemetry.io/otel/metric"
)

// Graph owns the node and edge collections. A single mutex serializes every
// insert, merge and read.
type Graph struct {
	mu sync.Mutex

	nodes  []*chain.Node
	edges  []*chain.Edge
	byID   map[string]*chain.Node
	byPair map[chain.PairKey]*chain.Edge
	adj    map[string][]*chain.Edge

	inserted, merged, rejected int

	log *slog.Logger
	ins *instruments
}

// Option configures a Graph.
type Option func(*graphOpts)

type graphOpts struct {
	log   *slog.Logger
	meter metric.Meter
}

// WithLogger sets the logger used for data-quality reports.
func WithLogger(l *slog.Logger) Option {
	return func(o *graphOpts) { o.log = l }
}

// WithMeter sets the meter merge counters are registered with.
func WithMeter(m metric.Meter) Option {
	return func(o *graphOpts) { o.meter = m }
}

// New creates an empty Graph.
func New(opts ...Option) *Graph {
	var o graphOpts
	for _, fn := range opts {
		fn(&o)
	}
	if o.log == nil {
		o.log = slog.Default()
	}
	return &Graph{
		byID:   make(map[string]*chain.Node),
		byPair: make(map[chain.PairKey]*chain.Edge),
		adj:    make(map[string][]*chain.Edge),
		log:    o.log,
		ins:    newInstruments(o.meter),
	}
}

// AddNode inserts n, or merges it into the existing node with the same id.
// A rejected candidate is logged, leaves the graph unchanged, and is
// reported as a *DataQualityError wrapping ErrTypeMismatch.
func (g *Graph) AddNode(n chain.Node) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := n.Validate(); err != nil {
		return g.rejectLocked("node", n.Type.String(), reject("add_node", n.ID, ErrTypeMismatch, err.Error()))
	}

	existing, ok := g.byID[n.ID]
	if !ok {
		c := n.Clone()
		g.nodes = append(g.nodes, &c)
		g.byID[c.ID] = &c
		g.inserted++
		g.ins.inserted("node", n.Type.String())
		return nil
	}
	if existing.Type != n.Type {
		return g.rejectLocked("node", n.Type.String(), reject("add_node", n.ID, ErrTypeMismatch,
			fmt.Sprintf("existing %s, candidate %s", existing.Type, n.Type)))
	}
	mergeNode(existing, n)
	g.merged++
	g.ins.merged("node", n.Type.String())
	return nil
}

// AddEdge inserts e, or merges it into the existing edge joining the same two
// nodes in either direction. When the source endpoint is already in the
// graph it must be a transaction; unknown endpoints are tolerated because
// fragments arrive in no particular order.
func (g *Graph) AddEdge(e chain.Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := e.Validate(); err != nil {
		return g.rejectLocked("edge", e.Type.String(), reject("add_edge", e.ID, ErrTypeMismatch, err.Error()))
	}
	if src, ok := g.nodeAtEndLocked(e.TargetID, e); ok && src.Type != chain.NodeTransaction {
		return g.rejectLocked("edge", e.Type.String(), reject("add_edge", e.ID, ErrTopology,
			fmt.Sprintf("source %s is %s", src.ID, src.Type)))
	}

	existing, ok := g.byPair[e.Key()]
	if !ok {
		c := e
		g.edges = append(g.edges, &c)
		g.byPair[c.Key()] = &c
		g.adj[c.SourceID] = append(g.adj[c.SourceID], &c)
		g.adj[c.TargetID] = append(g.adj[c.TargetID], &c)
		g.inserted++
		g.ins.inserted("edge", e.Type.String())
		return nil
	}
	mergeEdge(existing, e)
	g.merged++
	g.ins.merged("edge", existing.Type.String())
	return nil
}

// AddFragment applies every node of f, then every edge. It returns the
// data-quality errors it encountered; each rejected entity is skipped and the
// rest of the fragment is still applied.
func (g *Graph) AddFragment(f chain.Fragment) []error {
	var errs []error
	for _, n := range f.Nodes {
		if err := g.AddNode(n); err != nil {
			errs = append(errs, err)
		}
	}
	for _, e := range f.Edges {
		if err := g.AddEdge(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (g *Graph) rejectLocked(kind, typ string, err *DataQualityError) error {
	g.rejected++
	g.ins.rejected(kind, typ)
	g.log.Error("graph: candidate rejected",
		"op", err.Op,
		"id", err.ID,
		"reason", err.Wrapped.Error(),
		"detail", err.Detail,
	)
	return err
}
