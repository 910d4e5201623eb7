package graph

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// instruments counts merge outcomes. With no MeterProvider installed the
// global meter is a no-op.
type instruments struct {
	inserts metric.Int64Counter
	merges  metric.Int64Counter
	rejects metric.Int64Counter
}

func newInstruments(m metric.Meter) *instruments {
	if m == nil {
		m = otel.Meter("github.com/WessleyAI/chaingraph/engine/graph")
	}
	in := &instruments{}
	// Instrument constructors only fail on invalid names; the no-op
	// fallbacks keep the graph usable either way.
	var err error
	if in.inserts, err = m.Int64Counter("chaingraph.graph.inserts",
		metric.WithDescription("Entities inserted into the graph")); err != nil {
		otel.Handle(err)
	}
	if in.merges, err = m.Int64Counter("chaingraph.graph.merges",
		metric.WithDescription("Candidates merged into an existing entity")); err != nil {
		otel.Handle(err)
	}
	if in.rejects, err = m.Int64Counter("chaingraph.graph.rejects",
		metric.WithDescription("Candidates rejected as data-quality errors")); err != nil {
		otel.Handle(err)
	}
	return in
}

func (in *instruments) record(c metric.Int64Counter, kind, typ string) {
	if c == nil {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("entity", kind),
		attribute.String("type", typ),
	))
}

func (in *instruments) inserted(kind, typ string) { in.record(in.inserts, kind, typ) }
func (in *instruments) merged(kind, typ string)   { in.record(in.merges, kind, typ) }
func (in *instruments) rejected(kind, typ string) { in.record(in.rejects, kind, typ) }
