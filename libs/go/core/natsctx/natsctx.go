package natsctx

import (
	"context"

	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

var propagator = propagation.TraceContext{}

func inject(ctx context.Context, subject string, data []byte) *nats.Msg {
	hdr := nats.Header{}
	propagator.Inject(ctx, propagation.HeaderCarrier(hdr))
	return &nats.Msg{Subject: subject, Data: data, Header: hdr}
}

// Extract returns a context carrying the trace parent found in m's headers.
func Extract(m *nats.Msg) context.Context {
	if m.Header == nil {
		return context.Background()
	}
	return propagator.Extract(context.Background(), propagation.HeaderCarrier(m.Header))
}

// Publish injects traceparent into headers and publishes.
func Publish(ctx context.Context, nc *nats.Conn, subject string, data []byte) error {
	return nc.PublishMsg(inject(ctx, subject, data))
}

// Request sends data with trace headers and waits for a reply until ctx ends.
func Request(ctx context.Context, nc *nats.Conn, subject string, data []byte) (*nats.Msg, error) {
	ctx, span := otel.Tracer("swarm-nats").Start(ctx, "nats.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("messaging.destination", subject)))
	defer span.End()
	reply, err := nc.RequestMsgWithContext(ctx, inject(ctx, subject, data))
	if err != nil {
		span.RecordError(err)
	}
	return reply, err
}

// Subscribe wraps nc.Subscribe and extracts trace context for each message, starting a child span.
func Subscribe(nc *nats.Conn, subject string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	return nc.Subscribe(subject, wrap(subject, handler))
}

// QueueSubscribe is Subscribe with load balancing across the queue group.
func QueueSubscribe(nc *nats.Conn, subject, queue string, handler func(context.Context, *nats.Msg)) (*nats.Subscription, error) {
	if queue == "" {
		return Subscribe(nc, subject, handler)
	}
	return nc.QueueSubscribe(subject, queue, wrap(subject, handler))
}

func wrap(subject string, handler func(context.Context, *nats.Msg)) nats.MsgHandler {
	return func(m *nats.Msg) {
		ctx, span := otel.Tracer("swarm-nats").Start(Extract(m), "nats.consume",
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(attribute.String("messaging.destination", subject)))
		defer span.End()
		handler(ctx, m)
	}
}

// Respond replies to m with trace headers from ctx.
func Respond(ctx context.Context, m *nats.Msg, data []byte) error {
	if m.Reply == "" {
		return nats.ErrMsgNoReply
	}
	return m.RespondMsg(inject(ctx, m.Reply, data))
}
