// Package metrics предоставляет метрики саги на основе OpenTelemetry.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName имя meter для всех инструментов сервиса
const MeterName = "estoque-system"

// Исходы обработки сообщения
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics сборщик метрик. Все методы безопасны для nil-получателя.
type Metrics struct {
	messagesTotal     metric.Int64Counter
	handleDuration    metric.Float64Histogram
	inflight          metric.Int64UpDownCounter
	publishedTotal    metric.Int64Counter
	reservationsTotal metric.Int64Counter
	emailsTotal       metric.Int64Counter
	transportTotal    metric.Int64Counter
	transportDuration metric.Float64Histogram
	ordersTotal       metric.Int64Counter
	httpDuration      metric.Float64Histogram
}

// NewMetrics создает инструменты на глобальном MeterProvider
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(MeterName))
}

// NewMetricsWithMeter создает инструменты на переданном meter
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.messagesTotal, err = meter.Int64Counter(
		"saga_messages_total",
		metric.WithDescription("Deliveries handled by saga stages"),
	); err != nil {
		return nil, err
	}

	if m.handleDuration, err = meter.Float64Histogram(
		"saga_handle_duration_seconds",
		metric.WithDescription("Time from delivery receipt to acknowledgement"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.inflight, err = meter.Int64UpDownCounter(
		"saga_inflight_messages",
		metric.WithDescription("Deliveries currently being processed"),
	); err != nil {
		return nil, err
	}

	if m.publishedTotal, err = meter.Int64Counter(
		"saga_published_total",
		metric.WithDescription("Events published by saga stages"),
	); err != nil {
		return nil, err
	}

	if m.reservationsTotal, err = meter.Int64Counter(
		"saga_reservations_total",
		metric.WithDescription("Stock reservation batches by outcome"),
	); err != nil {
		return nil, err
	}

	if m.emailsTotal, err = meter.Int64Counter(
		"saga_emails_total",
		metric.WithDescription("Notification emails by kind and outcome"),
	); err != nil {
		return nil, err
	}

	if m.transportTotal, err = meter.Int64Counter(
		"saga_transport_operations_total",
		metric.WithDescription("Bus driver operations by outcome"),
	); err != nil {
		return nil, err
	}

	if m.transportDuration, err = meter.Float64Histogram(
		"saga_transport_duration_seconds",
		metric.WithDescription("Bus driver operation latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	if m.ordersTotal, err = meter.Int64Counter(
		"saga_orders_submitted_total",
		metric.WithDescription("Orders accepted at intake"),
	); err != nil {
		return nil, err
	}

	if m.httpDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("Intake HTTP request latency"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func outcome(success bool) string {
	if success {
		return OutcomeSuccess
	}
	return OutcomeFailure
}

// RecordMessage записывает обработку доставки стадией
func (m *Metrics) RecordMessage(ctx context.Context, stage, routingKey string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("routing_key", routingKey),
		attribute.String("outcome", outcome(success)),
	)
	m.messagesTotal.Add(ctx, 1, attrs)
	m.handleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

// IncrementInflight увеличивает счетчик обрабатываемых доставок
func (m *Metrics) IncrementInflight(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// DecrementInflight уменьшает счетчик обрабатываемых доставок
func (m *Metrics) DecrementInflight(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.inflight.Add(ctx, -1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordPublish записывает опубликованное событие
func (m *Metrics) RecordPublish(ctx context.Context, routingKey string) {
	if m == nil {
		return
	}
	m.publishedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("routing_key", routingKey)))
}

// RecordReservation записывает результат резервирования
func (m *Metrics) RecordReservation(ctx context.Context, success bool) {
	if m == nil {
		return
	}
	m.reservationsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome(success))))
}

// RecordEmail записывает отправку письма
func (m *Metrics) RecordEmail(ctx context.Context, kind string, success bool) {
	if m == nil {
		return
	}
	m.emailsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome(success)),
	))
}

// RecordOrder записывает принятый заказ
func (m *Metrics) RecordOrder(ctx context.Context) {
	if m == nil {
		return
	}
	m.ordersTotal.Add(ctx, 1)
}

// RecordTransport записывает операцию драйвера шины
func (m *Metrics) RecordTransport(ctx context.Context, driver, op string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("driver", driver),
		attribute.String("op", op),
	}
	m.transportTotal.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("outcome", outcome(success)))...))
	m.transportDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordHTTPRequest записывает HTTP запрос к intake API
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}
