package main

import (
	"errors"
	"time"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/WessleyAI/chaingraph/engine/graph"
	"github.com/WessleyAI/chaingraph/engine/ingest"
	"github.com/WessleyAI/chaingraph/pkg/metrics"
	"github.com/WessleyAI/chaingraph/pkg/resilience"
)

// newRegistry publishes graph contents as scrape-time gauges.
func newRegistry(g *graph.Graph) *metrics.Registry {
	met := metrics.New()
	stat := func(f func(graph.Stats) int) func() float64 {
		return func() float64 { return float64(f(g.Stats())) }
	}
	met.GaugeFunc("chaingraph_graph_nodes", "Nodes in the merged graph", stat(func(s graph.Stats) int { return s.Nodes }))
	met.GaugeFunc("chaingraph_graph_addresses", "Address nodes", stat(func(s graph.Stats) int { return s.Addresses }))
	met.GaugeFunc("chaingraph_graph_transactions", "Transaction nodes", stat(func(s graph.Stats) int { return s.Transactions }))
	met.GaugeFunc("chaingraph_graph_edges", "Edges in the merged graph", stat(func(s graph.Stats) int { return s.Edges }))
	for _, t := range []chain.EdgeType{chain.EdgeUnknown, chain.EdgeInput, chain.EdgeOutput, chain.EdgeMixed} {
		name := t.String()
		met.GaugeFunc(metrics.WithLabels("chaingraph_graph_edges_by_type", "type", name), "Edges by spend type",
			stat(func(s graph.Stats) int { return s.EdgesByType[name] }))
	}
	met.GaugeFunc("chaingraph_merge_rejected", "Candidates rejected for data quality", stat(func(s graph.Stats) int { return s.Rejected }))
	return met
}

// observeIngest counts pipeline outcomes; it is installed as ingest.Deps.Observe.
func observeIngest(met *metrics.Registry) func(ingest.Report, error, time.Duration) {
	txTotal := met.Counter("chaingraph_ingest_tx_total", "Transactions run through the pipeline")
	pages := met.Counter("chaingraph_ingest_pages_total", "Pages extracted")
	rejected := met.Counter("chaingraph_ingest_rejected_total", "Candidates rejected during merge")
	exported := met.Counter("chaingraph_ingest_exported_total", "Transactions exported to Neo4j")
	malformed := met.Counter(metrics.WithLabels("chaingraph_ingest_errors_total", "kind", "malformed"), "Pipeline failures")
	failed := met.Counter(metrics.WithLabels("chaingraph_ingest_errors_total", "kind", "export"), "")
	dur := met.Histogram("chaingraph_ingest_duration_seconds", "Pipeline duration per transaction", nil)

	return func(rep ingest.Report, err error, took time.Duration) {
		txTotal.Inc()
		dur.Observe(took.Seconds())
		switch {
		case errors.Is(err, ingest.ErrMalformed):
			malformed.Inc()
		case err != nil:
			failed.Inc()
		default:
			pages.Add(int64(rep.Pages))
			rejected.Add(int64(rep.Rejected))
			if rep.Exported {
				exported.Inc()
			}
		}
	}
}

// breakerGauge mirrors the export breaker state: 0 closed, 1 half-open, 2 open.
func breakerGauge(met *metrics.Registry) func(resilience.State) {
	g := met.Gauge("chaingraph_export_breaker_state", "Export circuit breaker state (0 closed, 1 half-open, 2 open)")
	return func(s resilience.State) {
		switch s {
		case resilience.StateOpen:
			g.Set(2)
		case resilience.StateHalfOpen:
			g.Set(1)
		default:
			g.Set(0)
		}
	}
}
