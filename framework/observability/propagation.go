package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// MessageCarrier адаптер заголовков сообщения шины для propagation
type MessageCarrier map[string]string

func (m MessageCarrier) Get(key string) string {
	return m[key]
}

func (m MessageCarrier) Set(key, value string) {
	m[key] = value
}

func (m MessageCarrier) Keys() []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}

var _ propagation.TextMapCarrier = MessageCarrier(nil)

// InjectHeaders записывает trace context и correlation ID в заголовки сообщения.
// Возвращает новую карту; исходная не изменяется.
func InjectHeaders(ctx context.Context, headers map[string]string) map[string]string {
	out := make(MessageCarrier, len(headers)+3)
	for k, v := range headers {
		out[k] = v
	}
	otel.GetTextMapPropagator().Inject(ctx, out)
	if id := ExtractCorrelationID(ctx); id != "" {
		out[CorrelationIDHeader] = id
	}
	return out
}

// ExtractHeaders восстанавливает trace context и correlation ID из заголовков сообщения
func ExtractHeaders(ctx context.Context, headers map[string]string) context.Context {
	ctx = otel.GetTextMapPropagator().Extract(ctx, MessageCarrier(headers))
	if id := headers[CorrelationIDHeader]; id != "" {
		ctx = InjectCorrelationID(ctx, id)
	}
	return ctx
}

// StartConsumerSpan открывает span обработки доставки как продолжение трассы отправителя
func StartConsumerSpan(ctx context.Context, stage, queue, routingKey string, headers map[string]string) (context.Context, trace.Span) {
	ctx = ExtractHeaders(ctx, headers)
	return otel.Tracer(tracerName).Start(ctx, stage+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "topic-bus"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.routing_key", routingKey),
			attribute.String("saga.stage", stage),
		),
	)
}

// TracePublish оборачивает публикацию span-ом producer
func TracePublish(ctx context.Context, exchange, routingKey string, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, routingKey+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "topic-bus"),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.routing_key", routingKey),
		),
	)
	defer span.End()

	err := fn(ctx)
	RecordSpanError(span, err)
	return err
}

// RecordSpanError отмечает span как ошибочный
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
