// Package natsutil wraps NATS publishing and subscribing with OpenTelemetry
// trace propagation and a retry-count header for redelivery loops.
package natsutil

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/WessleyAI/chaingraph/pkg/fn"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
)

// RetryHeader counts how many times a message has been republished after a
// failed delivery.
const RetryHeader = "X-Retry-Count"

// headerCarrier adapts nats.Header for the OTel text map propagator.
type headerCarrier nats.Header

func (c headerCarrier) Get(key string) string { return nats.Header(c).Get(key) }
func (c headerCarrier) Set(key, val string)   { nats.Header(c).Set(key, val) }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

func inject(ctx context.Context, msg *nats.Msg) {
	if msg.Header == nil {
		msg.Header = nats.Header{}
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(msg.Header))
}

// Extract returns a context carrying the trace found in msg's headers.
func Extract(ctx context.Context, msg *nats.Msg) context.Context {
	if msg.Header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(msg.Header))
}

// RetryCount reads RetryHeader; a missing or malformed value counts as 0.
func RetryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	return max(fn.FromPair(strconv.Atoi(msg.Header.Get(RetryHeader))).UnwrapOr(0), 0)
}

// PublishRaw publishes data as is, with trace context and any extra headers.
func PublishRaw(ctx context.Context, nc *nats.Conn, subject string, data []byte, hdr nats.Header) error {
	msg := nats.NewMsg(subject)
	msg.Data = data
	for k, vs := range hdr {
		for _, v := range vs {
			msg.Header.Add(k, v)
		}
	}
	inject(ctx, msg)
	return nc.PublishMsg(msg)
}

// Republish sends data back to subject with RetryHeader set to retries.
func Republish(ctx context.Context, nc *nats.Conn, subject string, data []byte, retries int) error {
	hdr := nats.Header{}
	hdr.Set(RetryHeader, strconv.Itoa(retries))
	return PublishRaw(ctx, nc, subject, data, hdr)
}

// Publish serializes v as JSON and publishes it with trace context.
func Publish[T any](ctx context.Context, nc *nats.Conn, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return PublishRaw(ctx, nc, subject, data, nil)
}

// Subscribe hands every message on subject to handler with the publisher's
// trace context restored.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(Extract(context.Background(), msg), msg)
	})
}

// SubscribeJSON decodes each message into T before calling handler.
// Messages that fail to decode are passed to onBad, or dropped when it is nil.
func SubscribeJSON[T any](nc *nats.Conn, subject string, handler func(context.Context, T), onBad func(*nats.Msg, error)) (*nats.Subscription, error) {
	return Subscribe(nc, subject, func(ctx context.Context, msg *nats.Msg) {
		var v T
		if err := json.Unmarshal(msg.Data, &v); err != nil {
			if onBad != nil {
				onBad(msg, err)
			}
			return
		}
		handler(ctx, v)
	})
}
