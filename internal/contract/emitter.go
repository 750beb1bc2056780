package contract

import (
	"context"

	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/observability"
	"github.com/LuanFBA/estoque-system/framework/transport"
)

// Emitter публикует события саги в Exchange с трейс-контекстом в заголовках
type Emitter struct {
	publisher transport.Publisher
	metrics   *metrics.Metrics
}

// NewEmitter создает Emitter; m может быть nil
func NewEmitter(publisher transport.Publisher, m *metrics.Metrics) *Emitter {
	return &Emitter{publisher: publisher, metrics: m}
}

// Emit публикует тело без изменений
func (e *Emitter) Emit(ctx context.Context, routingKey string, body []byte) error {
	err := observability.TracePublish(ctx, Exchange, routingKey, func(ctx context.Context) error {
		return e.publisher.Publish(ctx, Exchange, routingKey, body, observability.InjectHeaders(ctx, nil))
	})
	if err != nil {
		return err
	}
	e.metrics.RecordPublish(ctx, routingKey)
	return nil
}

// EmitEvent сериализует и публикует событие
func (e *Emitter) EmitEvent(ctx context.Context, routingKey string, event OrderEvent) error {
	body, err := Encode(event)
	if err != nil {
		return err
	}
	return e.Emit(ctx, routingKey, body)
}
