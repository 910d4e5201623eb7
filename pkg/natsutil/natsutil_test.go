package natsutil

import (
	"context"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func startTestNATS(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{Host: "127.0.0.1", Port: -1})
	if err != nil {
		t.Fatal(err)
	}
	srv.Start()
	if !srv.ReadyForConnections(3 * time.Second) {
		t.Fatal("nats not ready")
	}
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		nc.Close()
		srv.Shutdown()
	})
	return nc
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	var zero T
	return zero
}

func TestHeaderCarrier(t *testing.T) {
	c := headerCarrier(nats.Header{})
	c.Set("traceparent", "00-abc-def-01")
	if got := c.Get("traceparent"); got != "00-abc-def-01" {
		t.Fatalf("got %q", got)
	}
	if keys := c.Keys(); len(keys) != 1 {
		t.Fatalf("unexpected keys: %v", keys)
	}
}

func TestRetryCount(t *testing.T) {
	tests := []struct {
		name string
		hdr  nats.Header
		want int
	}{
		{"no header", nil, 0},
		{"missing", nats.Header{}, 0},
		{"set", nats.Header{RetryHeader: []string{"2"}}, 2},
		{"garbage", nats.Header{RetryHeader: []string{"two"}}, 0},
		{"negative", nats.Header{RetryHeader: []string{"-3"}}, 0},
	}
	for _, tt := range tests {
		if got := RetryCount(&nats.Msg{Header: tt.hdr}); got != tt.want {
			t.Errorf("%s: RetryCount = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestRepublishSetsRetryHeader(t *testing.T) {
	nc := startTestNATS(t)
	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("test.retry", ch)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	if err := Republish(context.Background(), nc, "test.retry", []byte(`{"hash":"h"}`), 2); err != nil {
		t.Fatal(err)
	}
	msg := receive(t, ch)
	if RetryCount(msg) != 2 {
		t.Fatalf("retry header = %q", msg.Header.Get(RetryHeader))
	}
	if string(msg.Data) != `{"hash":"h"}` {
		t.Fatalf("payload changed: %s", msg.Data)
	}
}

func TestTracePropagates(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	nc := startTestNATS(t)
	got := make(chan trace.SpanContext, 1)
	sub, err := Subscribe(nc, "test.trace", func(ctx context.Context, _ *nats.Msg) {
		got <- trace.SpanContextFromContext(ctx)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	if err := PublishRaw(ctx, nc, "test.trace", []byte("x"), nil); err != nil {
		t.Fatal(err)
	}
	remote := receive(t, got)
	if remote.TraceID() != traceID || !remote.IsRemote() {
		t.Fatalf("trace not propagated: %v", remote)
	}
}

type payload struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

func TestPublishSubscribeJSON(t *testing.T) {
	nc := startTestNATS(t)
	good := make(chan payload, 1)
	bad := make(chan error, 1)
	sub, err := SubscribeJSON(nc, "test.json", func(_ context.Context, p payload) {
		good <- p
	}, func(_ *nats.Msg, err error) {
		bad <- err
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatal(err)
	}

	if err := Publish(context.Background(), nc, "test.json", payload{Name: "a", Value: 1}); err != nil {
		t.Fatal(err)
	}
	if p := receive(t, good); p.Name != "a" || p.Value != 1 {
		t.Fatalf("got %+v", p)
	}

	if err := nc.Publish("test.json", []byte("{nope")); err != nil {
		t.Fatal(err)
	}
	if err := receive(t, bad); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestPublishMarshalError(t *testing.T) {
	nc := startTestNATS(t)
	if err := Publish(context.Background(), nc, "test.bad", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
