// Package natsctx propagates OpenTelemetry trace context across NATS
// messages used to deliver pipeline.events.* schedule triggers.
package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

// Publish injects the trace context into NATS headers and publishes data.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return nc.PublishMsg(&nats.Msg{Subject: subject, Data: data, Header: hdr})
}

// Subscribe wraps nc.Subscribe, extracting the trace context for each
// message and starting a consumer span before invoking handler.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		ctx := propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
		tr := otel.Tracer("pipelinetool")
		ctx, span := tr.Start(ctx, "nats.consume", trace.WithSpanKind(trace.SpanKindConsumer))
		defer span.End()
		handler(ctx, m)
	})
}
