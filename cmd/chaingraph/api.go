package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/WessleyAI/chaingraph/engine/graph"
	"github.com/WessleyAI/chaingraph/engine/ingest"
	"github.com/WessleyAI/chaingraph/pkg/fn"
	"github.com/WessleyAI/chaingraph/pkg/metrics"
	"github.com/WessleyAI/chaingraph/pkg/mid"
	"github.com/WessleyAI/chaingraph/pkg/resilience"
)

// maxTxBody caps POST /api/tx bodies.
const maxTxBody = 8 << 20

// nodeCounter is the part of graph.Store the stats handler uses.
type nodeCounter interface {
	NodeCounts(ctx context.Context) (map[string]int64, error)
}

// api serves read access to the merged graph and synchronous ingest.
type api struct {
	graph    *graph.Graph
	store    nodeCounter // nil when Neo4j export is off
	pipeline fn.Stage[[]byte, ingest.Report]
	met      *metrics.Registry
	log      *slog.Logger
}

func (a *api) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/stats", a.handleStats)
	mux.HandleFunc("GET /api/nodes/{id}", a.handleNode)
	mux.HandleFunc("GET /api/nodes/{id}/edges", a.handleNodeEdges)
	mux.HandleFunc("GET /api/edges", a.handleEdge)
	mux.HandleFunc("POST /api/tx", a.handleTx)
	if a.met != nil {
		mux.Handle("GET /metrics", a.met.Handler())
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Graph graph.Stats `json:"graph"`
	// Stored holds Neo4j node counts by type when export is enabled.
	Stored map[string]int64 `json:"stored,omitempty"`
}

func (a *api) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Graph: a.graph.Stats()}
	if a.store != nil {
		counts, err := a.store.NodeCounts(r.Context())
		if err != nil {
			a.log.Warn("neo4j node counts failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		} else {
			resp.Stored = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleNode(w http.ResponseWriter, r *http.Request) {
	n, ok := a.graph.FindNodeByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	writeJSON(w, http.StatusOK, n)
}

// NeighborEdge is an edge together with the node at its far end, when that
// node has been seen.
type NeighborEdge struct {
	Edge     chain.Edge  `json:"edge"`
	Neighbor *chain.Node `json:"neighbor,omitempty"`
}

func (a *api) handleNodeEdges(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := a.graph.FindNodeByID(id); !ok {
		writeError(w, http.StatusNotFound, "node not found")
		return
	}
	edges := a.graph.EdgesOf(id)
	out := make([]NeighborEdge, 0, len(edges))
	for _, e := range edges {
		ne := NeighborEdge{Edge: e}
		if n, ok := a.graph.FindNodeAtEndOfEdge(id, e); ok {
			ne.Neighbor = &n
		}
		out = append(out, ne)
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *api) handleEdge(w http.ResponseWriter, r *http.Request) {
	x, y := r.URL.Query().Get("a"), r.URL.Query().Get("b")
	if x == "" || y == "" {
		writeError(w, http.StatusBadRequest, "a and b are required")
		return
	}
	e, ok := a.graph.FindEdge(x, y)
	if !ok {
		writeError(w, http.StatusNotFound, "edge not found")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (a *api) handleTx(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxTxBody))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}
	rep, err := a.pipeline(r.Context(), body).Unwrap()
	switch {
	case errors.Is(err, ingest.ErrMalformed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, resilience.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case err != nil:
		a.log.Error("ingest failed", "err", err, "request_id", mid.RequestIDFrom(r.Context()))
		writeError(w, http.StatusBadGateway, "export failed")
	default:
		writeJSON(w, http.StatusOK, rep)
	}
}
