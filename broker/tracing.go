package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/jirevwe/peeklock/broker"

type tracingBroker struct {
	next   Broker
	tracer trace.Tracer
}

// NewTracingBroker wraps next with a client span per broker call. A nil
// provider uses the global one.
func NewTracingBroker(next Broker, provider trace.TracerProvider) Broker {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	return &tracingBroker{next: next, tracer: provider.Tracer(tracerName)}
}

func (b *tracingBroker) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("messaging.operation.name", op))
	return b.tracer.Start(ctx, "peeklock."+op, trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (b *tracingBroker) Send(ctx context.Context, msg *OutgoingMessage) (err error) {
	ctx, span := b.start(ctx, "send", attribute.String("messaging.message.subject", msg.Subject))
	defer func() { end(span, err) }()

	return b.next.Send(ctx, msg)
}

func (b *tracingBroker) ReceiveBatch(ctx context.Context, max int) (messages []*Message, err error) {
	ctx, span := b.start(ctx, "receive", attribute.Int("messaging.batch.max", max))
	defer func() {
		span.SetAttributes(attribute.Int("messaging.batch.message_count", len(messages)))
		end(span, err)
	}()

	return b.next.ReceiveBatch(ctx, max)
}

func (b *tracingBroker) RenewLock(ctx context.Context, token string) (until time.Time, err error) {
	ctx, span := b.start(ctx, "renew_lock")
	defer func() { end(span, err) }()

	return b.next.RenewLock(ctx, token)
}

func (b *tracingBroker) Complete(ctx context.Context, token string) (err error) {
	ctx, span := b.start(ctx, "complete")
	defer func() { end(span, err) }()

	return b.next.Complete(ctx, token)
}

func (b *tracingBroker) Abandon(ctx context.Context, token string) (err error) {
	ctx, span := b.start(ctx, "abandon")
	defer func() { end(span, err) }()

	return b.next.Abandon(ctx, token)
}

func (b *tracingBroker) DeadLetter(ctx context.Context, token, reason, description string) (err error) {
	ctx, span := b.start(ctx, "dead_letter", attribute.String("messaging.dead_letter.reason", reason))
	defer func() { end(span, err) }()

	return b.next.DeadLetter(ctx, token, reason, description)
}

func (b *tracingBroker) Peek(ctx context.Context, max int) (messages []*Message, err error) {
	ctx, span := b.start(ctx, "peek", attribute.Int("messaging.batch.max", max))
	defer func() { end(span, err) }()

	return b.next.Peek(ctx, max)
}
