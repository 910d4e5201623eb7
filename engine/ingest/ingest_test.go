package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/WessleyAI/chaingraph/engine/chain"
	"github.com/WessleyAI/chaingraph/engine/graph"
	"github.com/WessleyAI/chaingraph/pkg/fn"
	"github.com/WessleyAI/chaingraph/pkg/resilience"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// txJSON builds a transaction with nIn inputs from in<i> and nOut outputs to
// out<i>. Extra addresses can be appended as outputs.
func txJSON(hash string, nIn, nOut int, extraOut ...string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, `{"hash":%q,"time":1514764800,"block_height":500000,"relayed_by":"0.0.0.0","vin_sz":%d,"vout_sz":%d,"inputs":[`,
		hash, nIn, nOut+len(extraOut))
	for i := 0; i < nIn; i++ {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"prev_out":{"addr":"in%d","value":%d,"n":%d},"script":"s"}`, i, (i+1)*100000, i)
	}
	b.WriteString(`],"out":[`)
	outs := make([]string, 0, nOut+len(extraOut))
	for i := 0; i < nOut; i++ {
		outs = append(outs, fmt.Sprintf("out%d", i))
	}
	outs = append(outs, extraOut...)
	for i, a := range outs {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, `{"addr":%q,"value":%d,"script":"s","n":%d}`, a, (i+1)*50000, i)
	}
	b.WriteString(`]}`)
	return []byte(b.String())
}

type fakeExporter struct {
	mu      sync.Mutex
	calls   int
	nodes   []chain.Node
	edges   []chain.Edge
	failFor int // fail this many calls before succeeding; -1 always fails
}

func (f *fakeExporter) SaveBatch(_ context.Context, nodes []chain.Node, edges []chain.Edge) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failFor < 0 || f.calls <= f.failFor {
		return errors.New("neo4j unavailable")
	}
	f.nodes = append(f.nodes, nodes...)
	f.edges = append(f.edges, edges...)
	return nil
}

func (f *fakeExporter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func fastRetry(attempts int) fn.RetryOpts {
	return fn.RetryOpts{MaxAttempts: attempts, InitialWait: time.Millisecond, MaxWait: time.Millisecond}
}

func testDeps(g *graph.Graph) Deps {
	return Deps{Graph: g, PageSize: 20, Logger: quiet(), Retry: fastRetry(1)}
}

// --- Stages ---

func TestDecode(t *testing.T) {
	ctx := context.Background()
	if Decode(ctx, []byte(`{"hash":"h"}`)).IsErr() {
		t.Fatal("valid tx rejected")
	}
	for _, bad := range []string{`{`, `[1,2]`, `{"time":1}`, `{"hash":""}`, ``} {
		if err := Decode(ctx, []byte(bad)).Error(); !errors.Is(err, ErrMalformed) {
			t.Errorf("Decode(%q) = %v, want ErrMalformed", bad, err)
		}
	}
}

func TestNewPageDeterministicID(t *testing.T) {
	ctx := context.Background()
	tx, _ := Decode(ctx, txJSON("h1", 25, 15)).Unwrap()
	page := NewPage(20, quiet())
	a, err := page(ctx, tx).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	b, _ := page(ctx, tx).Unwrap()
	if len(a.Pages) != 2 || a.TxHash != "h1" {
		t.Fatalf("batch = %+v", a)
	}
	if a.ID != b.ID || a.ID == "" {
		t.Fatalf("ids differ: %s vs %s", a.ID, b.ID)
	}
	other, _ := NewPage(10, quiet())(ctx, tx).Unwrap()
	if other.ID == a.ID {
		t.Fatal("page size should change the batch id")
	}
	if NewPage(0, quiet())(ctx, tx).IsOk() {
		t.Fatal("page size 0 must fail")
	}
}

// --- Pipeline ---

func TestPipeline_EndToEnd(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	pipeline := NewPipeline(testDeps(g))

	rep, err := pipeline(context.Background(), txJSON("h1", 25, 15)).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Pages != 2 || rep.Nodes != 41 || rep.Edges != 40 || rep.Rejected != 0 || rep.Exported {
		t.Fatalf("report = %+v", rep)
	}
	if g.NodeCount() != 41 || g.EdgeCount() != 40 {
		t.Fatalf("graph has %d nodes, %d edges", g.NodeCount(), g.EdgeCount())
	}
	tx, ok := g.FindNodeByID("h1")
	if !ok || tx.Tx.BlockHeight != 500000 || tx.EdgeCountTotal != 40 {
		t.Fatalf("tx node = %+v", tx)
	}
	e, ok := g.FindEdge("out14", "h1")
	if !ok || e.Type != chain.EdgeOutput || e.EdgeNumberInSource != 40 {
		t.Fatalf("last output edge = %+v", e)
	}

	// redelivery merges into the same entities
	if _, err := pipeline(context.Background(), txJSON("h1", 25, 15)).Unwrap(); err != nil {
		t.Fatal(err)
	}
	if g.NodeCount() != 41 || g.EdgeCount() != 40 {
		t.Fatalf("redelivery duplicated entities: %d nodes, %d edges", g.NodeCount(), g.EdgeCount())
	}
}

func TestPipeline_AddressOnBothSidesIsMixed(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	pipeline := NewPipeline(testDeps(g))
	if _, err := pipeline(context.Background(), txJSON("h1", 1, 0, "in0")).Unwrap(); err != nil {
		t.Fatal(err)
	}
	e, ok := g.FindEdge("h1", "in0")
	if !ok {
		t.Fatal("edge missing")
	}
	if e.Type != chain.EdgeMixed || e.ValueInSource != 1 || e.ValueInTarget != 0.5 {
		t.Fatalf("edge = %+v", e)
	}
	if e.EdgeNumberInSource != 1 {
		t.Fatalf("first ordinal should win, got %d", e.EdgeNumberInSource)
	}
}

func TestPipeline_RejectsDoNotFail(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	_ = g.AddNode(chain.NewAddress("h1"))
	rep, err := NewPipeline(testDeps(g))(context.Background(), txJSON("h1", 1, 1)).Unwrap()
	if err != nil {
		t.Fatalf("data-quality rejects must not fail the pipeline: %v", err)
	}
	// the tx node and both edges (their source is the known address h1)
	if rep.Rejected != 3 {
		t.Fatalf("rejected = %d, want 3", rep.Rejected)
	}
	if g.EdgeCount() != 0 {
		t.Fatalf("edges from a non-transaction were inserted")
	}
}

type fakeMerger []error

func (f fakeMerger) AddFragment(chain.Fragment) []error { return f }

func TestNewMerge_OnlyDataQualityIsCounted(t *testing.T) {
	x := Extracted{TxHash: "h1", Fragments: []chain.Fragment{{Nodes: []chain.Node{chain.NewTransaction("h1")}}}}
	dq := &graph.DataQualityError{Op: "add_node", ID: "h1", Wrapped: graph.ErrTypeMismatch}

	rep, err := NewMerge(fakeMerger{dq, dq}, quiet())(context.Background(), x).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if rep.Rejected != 2 || rep.Nodes != 1 {
		t.Fatalf("report = %+v", rep)
	}

	boom := errors.New("graph closed")
	err = NewMerge(fakeMerger{dq, boom}, quiet())(context.Background(), x).Error()
	if !errors.Is(err, boom) {
		t.Fatalf("expected the non data-quality error to fail the stage, got %v", err)
	}
}

func TestPipeline_MalformedFails(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	err := NewPipeline(testDeps(g))(context.Background(), []byte(`{"inputs":[]}`)).Error()
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestPipeline_Observe(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	deps := testDeps(g)
	var reps []Report
	var errs []error
	deps.Observe = func(rep Report, err error, took time.Duration) {
		if took < 0 {
			t.Errorf("negative duration %v", took)
		}
		reps = append(reps, rep)
		errs = append(errs, err)
	}
	pipeline := NewPipeline(deps)
	pipeline(context.Background(), txJSON("h1", 1, 1))
	pipeline(context.Background(), []byte(`nope`))

	if len(reps) != 2 {
		t.Fatalf("observed %d runs", len(reps))
	}
	if errs[0] != nil || reps[0].TxHash != "h1" || reps[0].Edges != 2 {
		t.Fatalf("first run: %+v, %v", reps[0], errs[0])
	}
	if !errors.Is(errs[1], ErrMalformed) {
		t.Fatalf("second run error = %v", errs[1])
	}
}

// --- Export ---

func TestExport_WritesMergedState(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	exp := &fakeExporter{}
	deps := testDeps(g)
	deps.Exporter = exp

	rep, err := NewPipeline(deps)(context.Background(), txJSON("h1", 2, 1, "in1")).Unwrap()
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Exported {
		t.Fatal("report not marked exported")
	}
	if len(exp.nodes) != 4 || len(exp.edges) != 3 {
		t.Fatalf("exported %d nodes, %d edges", len(exp.nodes), len(exp.edges))
	}
	for _, e := range exp.edges {
		if e.TargetID == "in1" && e.Type != chain.EdgeMixed {
			t.Fatalf("exported candidate instead of merged edge: %+v", e)
		}
	}
}

func TestExport_RetriesThenSucceeds(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	exp := &fakeExporter{failFor: 2}
	deps := testDeps(g)
	deps.Exporter = exp
	deps.Retry = fastRetry(3)
	if err := NewPipeline(deps)(context.Background(), txJSON("h1", 1, 1)).Error(); err != nil {
		t.Fatal(err)
	}
	if exp.callCount() != 3 {
		t.Fatalf("calls = %d, want 3", exp.callCount())
	}
}

func TestExport_OpenBreakerIsNotRetried(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	exp := &fakeExporter{failFor: -1}
	deps := testDeps(g)
	deps.Exporter = exp
	deps.Retry = fastRetry(5)
	deps.Breaker = resilience.NewBreaker(resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Hour})
	deps.Limiter = resilience.NewLimiter(0, 0)

	err := NewPipeline(deps)(context.Background(), txJSON("h1", 1, 1)).Error()
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if exp.callCount() != 2 {
		t.Fatalf("exporter called %d times after the breaker opened", exp.callCount())
	}
	if g.NodeCount() != 3 {
		t.Fatal("merge must succeed even when export fails")
	}
}

func TestCollectExportBatches(t *testing.T) {
	g := graph.New(graph.WithLogger(quiet()))
	x := Extracted{TxHash: "h"}
	f := chain.Fragment{Nodes: []chain.Node{chain.NewTransaction("h")}}
	for _, a := range []string{"a", "b", "c", "d"} {
		f.Nodes = append(f.Nodes, chain.NewAddress(a))
		f.Edges = append(f.Edges, chain.Edge{SourceID: "h", TargetID: a, Type: chain.EdgeInput})
	}
	x.Fragments = []chain.Fragment{f}
	rep, _ := NewMerge(g, quiet())(context.Background(), x).Unwrap()

	batches := collectExport(g, rep, 3)
	var sizes []int
	total := 0
	for _, b := range batches {
		sizes = append(sizes, len(b.nodes)+len(b.edges))
		total += len(b.nodes) + len(b.edges)
	}
	if total != 9 || len(batches) != 3 {
		t.Fatalf("batches = %v", sizes)
	}
	for _, s := range sizes {
		if s > 3 {
			t.Fatalf("batch over size: %v", sizes)
		}
	}
	if len(batches[0].edges) != 0 || len(batches[2].nodes) != 0 {
		t.Fatal("nodes must be exported before edges")
	}
}

// --- NATS Consumer ---

func startNATS(t *testing.T) *nats.Conn {
	t.Helper()
	ns, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatalf("nats server: %v", err)
	}
	ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		t.Fatalf("nats connect: %v", err)
	}
	t.Cleanup(func() {
		nc.Close()
		ns.Shutdown()
	})
	return nc
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func dlqChan(t *testing.T, nc *nats.Conn) <-chan DeadLetter {
	t.Helper()
	ch := make(chan DeadLetter, 4)
	sub, err := StartDLQMonitor(nc, quiet(), func(dl DeadLetter) { ch <- dl })
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return ch
}

func TestStartConsumer_Success(t *testing.T) {
	nc := startNATS(t)
	g := graph.New(graph.WithLogger(quiet()))
	sub, err := StartConsumer(nc, testDeps(g))
	if err != nil {
		t.Fatalf("StartConsumer: %v", err)
	}
	defer sub.Unsubscribe()

	if err := nc.Publish(Subject, txJSON("h1", 3, 2)); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "merge", func() bool { return g.EdgeCount() == 5 })
}

func TestStartConsumer_RetriesThenDLQ(t *testing.T) {
	nc := startNATS(t)
	dlq := dlqChan(t, nc)
	g := graph.New(graph.WithLogger(quiet()))
	exp := &fakeExporter{failFor: -1}
	deps := testDeps(g)
	deps.Exporter = exp

	sub, err := StartConsumer(nc, deps)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := nc.Publish(Subject, txJSON("h1", 1, 1)); err != nil {
		t.Fatal(err)
	}
	select {
	case dl := <-dlq:
		if dl.Retries != MaxRetries || !strings.Contains(dl.Error, "neo4j unavailable") {
			t.Fatalf("dead letter = %+v", dl)
		}
		if !strings.Contains(dl.Data, `"hash":"h1"`) {
			t.Fatalf("dead letter lost the payload: %s", dl.Data)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}
	if exp.callCount() != MaxRetries {
		t.Fatalf("exporter called %d times, want %d", exp.callCount(), MaxRetries)
	}
	if g.NodeCount() != 3 {
		t.Fatalf("redeliveries duplicated nodes: %d", g.NodeCount())
	}
}

func TestStartConsumer_MalformedGoesStraightToDLQ(t *testing.T) {
	nc := startNATS(t)
	dlq := dlqChan(t, nc)
	g := graph.New(graph.WithLogger(quiet()))
	sub, err := StartConsumer(nc, testDeps(g))
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := nc.Publish(Subject, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	select {
	case dl := <-dlq:
		if dl.Retries != 1 || dl.Subject != Subject {
			t.Fatalf("dead letter = %+v", dl)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for DLQ")
	}
}
