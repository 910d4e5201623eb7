// Package ingest runs raw transactions through paging, extraction, merging
// and the optional Neo4j export, and feeds that pipeline from NATS.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/WessleyAI/chaingraph/engine/extract"
	"github.com/WessleyAI/chaingraph/engine/graph"
	"github.com/WessleyAI/chaingraph/engine/pager"
	"github.com/WessleyAI/chaingraph/engine/record"
	"github.com/WessleyAI/chaingraph/pkg/fn"
	"github.com/WessleyAI/chaingraph/pkg/natsutil"
	"github.com/WessleyAI/chaingraph/pkg/resilience"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"
)

const (
	// Subject carries raw transaction JSON.
	Subject = "chaingraph.tx"
	// DLQSubject receives transactions that could not be ingested.
	DLQSubject = "chaingraph.tx.dlq"
	// MaxRetries before a message goes to the DLQ.
	MaxRetries = 3
	// ExportBatchSize caps the entities written per Neo4j transaction.
	ExportBatchSize = 500
)

// ErrMalformed marks input that no retry can fix.
var ErrMalformed = errors.New("malformed transaction")

// Exporter persists merged entities. *graph.Store implements it.
type Exporter interface {
	SaveBatch(ctx context.Context, nodes []chain.Node, edges []chain.Edge) error
}

// Deps holds what the pipeline needs. Only Graph is required.
type Deps struct {
	Graph    *graph.Graph
	Exporter Exporter
	Breaker  *resilience.Breaker
	Limiter  *rate.Limiter
	Retry    fn.RetryOpts
	PageSize int
	// Workers bounds concurrent page extraction; 0 means one per page.
	Workers int
	Logger  *slog.Logger
	// Observe, when set, sees the outcome and duration of every pipeline run.
	Observe func(rep Report, err error, took time.Duration)
}

func (d Deps) logger() *slog.Logger {
	if d.Logger == nil {
		return slog.Default()
	}
	return d.Logger
}

// --- Pipeline Stages ---

// Decode parses raw transaction JSON.
var Decode fn.Stage[[]byte, record.Node] = func(_ context.Context, data []byte) fn.Result[record.Node] {
	tx, err := record.Parse(data)
	if err != nil {
		return fn.Errf[record.Node]("%w: %v", ErrMalformed, err)
	}
	if tx.Kind() != record.KindObject || record.String(tx, "hash") == "" {
		return fn.Errf[record.Node]("%w: %v", ErrMalformed, extract.ErrNoHash)
	}
	return fn.Ok(tx)
}

// NewPage splits each transaction into pages of size entries.
func NewPage(size int, log *slog.Logger) fn.Stage[record.Node, Batch] {
	p := pager.New(nil, log)
	return func(_ context.Context, tx record.Node) fn.Result[Batch] {
		hash := record.String(tx, "hash")
		return fn.MapResult(fn.FromPair(p.Paginate(tx, size)), func(pages []record.Node) Batch {
			id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(hash+"#"+strconv.Itoa(size))).String()
			return Batch{ID: id, TxHash: hash, PageSize: size, Pages: pages}
		})
	}
}

type pageRef struct {
	offset int
	page   record.Node
}

// NewExtract turns every page of a batch into a fragment, at most workers
// pages at a time.
func NewExtract(workers int) fn.Stage[Batch, Extracted] {
	each := fn.BatchStage(workers, fn.Stage[pageRef, chain.Fragment](func(_ context.Context, r pageRef) fn.Result[chain.Fragment] {
		return fn.FromPair(extract.FragmentAt(r.page, r.offset))
	}))
	return func(ctx context.Context, b Batch) fn.Result[Extracted] {
		refs := make([]pageRef, len(b.Pages))
		for i, p := range b.Pages {
			refs[i] = pageRef{offset: i * b.PageSize, page: p}
		}
		frags, err := each(ctx, refs).Unwrap()
		if err != nil {
			return fn.Errf[Extracted]("%w: %v", ErrMalformed, err)
		}
		return fn.Ok(Extracted{ID: b.ID, TxHash: b.TxHash, Fragments: frags})
	}
}

// Merger folds fragments into a graph. *graph.Graph implements it.
type Merger interface {
	AddFragment(f chain.Fragment) []error
}

// NewMerge folds every fragment into g. Data-quality rejects are counted in
// the report and never fail the stage; any other error does.
func NewMerge(g Merger, log *slog.Logger) fn.Stage[Extracted, Report] {
	return func(_ context.Context, x Extracted) fn.Result[Report] {
		rep := Report{ID: x.ID, TxHash: x.TxHash, Pages: len(x.Fragments)}
		seenNode := make(map[string]bool)
		seenPair := make(map[chain.PairKey]bool)
		for _, f := range x.Fragments {
			for _, err := range g.AddFragment(f) {
				if !graph.IsDataQuality(err) {
					return fn.Errf[Report]("merge %s: %w", x.TxHash, err)
				}
				rep.Rejected++
				log.Warn("ingest: rejected candidate", "tx", x.TxHash, "error", err)
			}
			for _, n := range f.Nodes {
				if !seenNode[n.ID] {
					seenNode[n.ID] = true
					rep.nodeIDs = append(rep.nodeIDs, n.ID)
				}
			}
			for _, e := range f.Edges {
				if k := e.Key(); !seenPair[k] {
					seenPair[k] = true
					rep.pairs = append(rep.pairs, k)
				}
			}
		}
		rep.Nodes = len(rep.nodeIDs)
		rep.Edges = len(rep.pairs)
		return fn.Ok(rep)
	}
}

// NewExport writes the merged state of every entity a report touched. The
// write is rate limited, guarded by the breaker and retried; any of them may
// be nil. With a nil exporter the stage passes reports through.
func NewExport(g *graph.Graph, exp Exporter, deps Deps) fn.Stage[Report, Report] {
	if exp == nil {
		return fn.MapStage(func(r Report) Report { return r })
	}
	log := deps.logger()

	var write fn.Stage[exportBatch, struct{}] = func(ctx context.Context, b exportBatch) fn.Result[struct{}] {
		return fn.FromPair(struct{}{}, exp.SaveBatch(ctx, b.nodes, b.edges))
	}
	if deps.Breaker != nil {
		write = resilience.BreakerStage(deps.Breaker, write)
	}
	if deps.Limiter != nil {
		write = resilience.LimiterStageWait(deps.Limiter, write)
	}
	opts := deps.Retry
	if opts.MaxAttempts == 0 {
		opts = fn.DefaultRetry
	}
	if opts.Retryable == nil {
		opts.Retryable = func(err error) bool { return !errors.Is(err, resilience.ErrCircuitOpen) }
	}
	write = fn.RetryStage(opts, write)

	return func(ctx context.Context, rep Report) fn.Result[Report] {
		for _, b := range collectExport(g, rep, ExportBatchSize) {
			if err := write(ctx, b).Error(); err != nil {
				log.Error("ingest: export failed", "tx", rep.TxHash, "nodes", len(b.nodes), "edges", len(b.edges), "error", err)
				return fn.Err[Report](fmt.Errorf("export %s: %w", rep.TxHash, err))
			}
		}
		rep.Exported = true
		return fn.Ok(rep)
	}
}

type exportBatch struct {
	nodes []chain.Node
	edges []chain.Edge
}

// collectExport reads the current state of the touched entities and groups
// them into batches of at most size; every node batch precedes the edges.
func collectExport(g *graph.Graph, rep Report, size int) []exportBatch {
	var out []exportBatch
	cur := exportBatch{}
	flush := func() {
		if len(cur.nodes)+len(cur.edges) > 0 {
			out = append(out, cur)
			cur = exportBatch{}
		}
	}
	for _, id := range rep.nodeIDs {
		if n, ok := g.FindNodeByID(id); ok {
			cur.nodes = append(cur.nodes, n)
		}
		if len(cur.nodes) >= size {
			flush()
		}
	}
	for _, k := range rep.pairs {
		if e, ok := g.FindEdge(k.A, k.B); ok {
			cur.edges = append(cur.edges, e)
		}
		if len(cur.nodes)+len(cur.edges) >= size {
			flush()
		}
	}
	flush()
	return out
}

// LoggedTap logs entry to and exit from the stage that follows it.
func LoggedTap[T any](name string, log *slog.Logger) fn.Stage[T, T] {
	return func(ctx context.Context, t T) fn.Result[T] {
		log.Debug("stage.enter", "stage", name)
		start := time.Now()
		defer func() {
			log.Debug("stage.exit", "stage", name, "duration", time.Since(start))
		}()
		return fn.Ok(t)
	}
}

// NewPipeline wires Decode, Page, Extract, Merge and Export, each in its own
// span.
func NewPipeline(deps Deps) fn.Stage[[]byte, Report] {
	log := deps.logger()
	size := deps.PageSize
	if size == 0 {
		size = pager.DefaultPageSize
	}

	decoded := fn.Then(LoggedTap[[]byte]("decode", log), fn.TracedStage("ingest.decode", Decode))
	paged := fn.Then(decoded, fn.Then(LoggedTap[record.Node]("page", log), fn.TracedStage("ingest.page", NewPage(size, log))))
	extracted := fn.Then(paged, fn.Then(LoggedTap[Batch]("extract", log), fn.TracedStage("ingest.extract", NewExtract(deps.Workers))))
	merged := fn.Then(extracted, fn.Then(LoggedTap[Extracted]("merge", log), fn.TracedStage("ingest.merge", NewMerge(deps.Graph, log))))
	exported := fn.Then(merged, fn.Then(LoggedTap[Report]("export", log), fn.TracedStage("ingest.export", NewExport(deps.Graph, deps.Exporter, deps))))

	if deps.Observe == nil {
		return exported
	}
	return func(ctx context.Context, data []byte) fn.Result[Report] {
		start := time.Now()
		res := exported(ctx, data)
		rep, err := res.Unwrap()
		deps.Observe(rep, err, time.Since(start))
		return res
	}
}

// StartConsumer subscribes to Subject and runs each message through the
// pipeline. Failed messages are republished with an incremented
// X-Retry-Count header; malformed ones, and those out of retries, go to
// DLQSubject.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.logger()

	return natsutil.Subscribe(nc, Subject, func(ctx context.Context, msg *nats.Msg) {
		retries := natsutil.RetryCount(msg)
		rep, err := pipeline(ctx, msg.Data).Unwrap()
		if err == nil {
			log.Info("ingest: merged", "tx", rep.TxHash, "pages", rep.Pages,
				"nodes", rep.Nodes, "edges", rep.Edges, "rejected", rep.Rejected, "exported", rep.Exported)
			ackIfJetStream(msg)
			return
		}

		retries++
		log.Error("ingest: pipeline failed", "error", err, "retry", retries)
		if errors.Is(err, ErrMalformed) || retries >= MaxRetries {
			dl := DeadLetter{Subject: msg.Subject, Data: string(msg.Data), Error: err.Error(), Retries: retries}
			if perr := natsutil.Publish(ctx, nc, DLQSubject, dl); perr != nil {
				log.Error("ingest: DLQ publish failed", "error", perr)
			}
		} else if perr := natsutil.Republish(ctx, nc, Subject, msg.Data, retries); perr != nil {
			log.Error("ingest: retry publish failed", "error", perr)
		}
		ackIfJetStream(msg)
	})
}

func ackIfJetStream(msg *nats.Msg) {
	if msg.Reply != "" {
		_ = msg.Ack()
	}
}

// StartDLQMonitor logs every dead letter and hands it to onDead when set.
func StartDLQMonitor(nc *nats.Conn, log *slog.Logger, onDead func(DeadLetter)) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	return natsutil.SubscribeJSON(nc, DLQSubject, func(_ context.Context, dl DeadLetter) {
		log.Warn("ingest: dead letter", "error", dl.Error, "retries", dl.Retries, "bytes", len(dl.Data))
		if onDead != nil {
			onDead(dl)
		}
	}, func(_ *nats.Msg, err error) {
		log.Error("ingest: undecodable dead letter", "error", err)
	})
}
