// Package saga запускает стадии хореографической саги заказа.
// Каждая доставка проходит автомат received -> processing -> acknowledged_success | acknowledged_failure.
package saga

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/LuanFBA/estoque-system/framework/fsm"
	"github.com/LuanFBA/estoque-system/framework/logger"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/observability"
	"github.com/LuanFBA/estoque-system/framework/transport"
)

// Состояния доставки
const (
	StateReceived            fsm.State = "received"
	StateProcessing          fsm.State = "processing"
	StateAcknowledgedSuccess fsm.State = "acknowledged_success"
	StateAcknowledgedFailure fsm.State = "acknowledged_failure"
)

// События автомата доставки
const (
	EventStart   fsm.Event = "start"
	EventSucceed fsm.Event = "succeed"
	EventFail    fsm.Event = "fail"
)

// MessageLifecycle таблица переходов доставки, общая для всех стадий
var MessageLifecycle = fsm.MustDefinition(StateReceived,
	fsm.Transition{From: StateReceived, Event: EventStart, To: StateProcessing},
	fsm.Transition{From: StateProcessing, Event: EventSucceed, To: StateAcknowledgedSuccess},
	fsm.Transition{From: StateProcessing, Event: EventFail, To: StateAcknowledgedFailure},
)

// Outcome результат обработки доставки стадией
type Outcome struct {
	OrderID int64
	Err     error
}

// Success успешный исход
func Success(orderID int64) Outcome {
	return Outcome{OrderID: orderID}
}

// Failure неуспешный исход; доставка все равно подтверждается
func Failure(orderID int64, err error) Outcome {
	return Outcome{OrderID: orderID, Err: err}
}

// Failed сообщает, завершилась ли обработка ошибкой
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Handler обработчик стадии
type Handler interface {
	Name() string
	Handle(ctx context.Context, d *transport.Delivery) Outcome
}

// Record итог обработки одной доставки
type Record struct {
	Stage      string
	Queue      string
	RoutingKey string
	OrderID    int64
	Final      fsm.State
	History    []fsm.StateHistory
	Err        error
	Duration   time.Duration
}

// Observer получает итог каждой доставки после подтверждения
type Observer func(Record)

// RunnerOption опция Runner
type RunnerOption func(*Runner)

// WithLogger задает логгер
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics задает метрики
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithObserver задает наблюдателя итогов
func WithObserver(o Observer) RunnerOption {
	return func(r *Runner) { r.observer = o }
}

// WithPrefetch переопределяет prefetch (по умолчанию 1)
func WithPrefetch(n int) RunnerOption {
	return func(r *Runner) { r.prefetch = n }
}

// Runner потребляет одну очередь и прогоняет каждую доставку через MessageLifecycle.
// Доставка подтверждается при любом исходе обработчика.
type Runner struct {
	consumer transport.Consumer
	queue    string
	handler  Handler
	prefetch int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	observer Observer
}

// NewRunner создает Runner
func NewRunner(consumer transport.Consumer, queue string, handler Handler, opts ...RunnerOption) *Runner {
	r := &Runner{
		consumer: consumer,
		queue:    queue,
		handler:  handler,
		prefetch: transport.DefaultPrefetch,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("stage", handler.Name()), zap.String("queue", queue))
	return r
}

// Stage имя стадии
func (r *Runner) Stage() string {
	return r.handler.Name()
}

// Queue очередь стадии
func (r *Runner) Queue() string {
	return r.queue
}

// Run блокируется до отмены ctx. Возвращает ошибку только при сбое брокера.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("waiting for messages")
	err := r.consumer.Consume(ctx, r.queue, transport.ConsumeOptions{Prefetch: r.prefetch}, r.handle)
	if err != nil {
		r.logger.Error("consumer stopped", zap.Error(err))
		return err
	}
	r.logger.Info("consumer stopped")
	return nil
}

// handle обрабатывает доставку до подтверждения. Отмена ctx потребителя
// останавливает только цикл Consume, начатая доставка доводится до Ack.
func (r *Runner) handle(ctx context.Context, d *transport.Delivery) error {
	ctx = context.WithoutCancel(ctx)
	started := time.Now()
	stage := r.handler.Name()

	ctx, span := observability.StartConsumerSpan(ctx, stage, r.queue, d.RoutingKey, d.Headers)
	defer span.End()

	r.metrics.IncrementInflight(ctx, stage)
	defer r.metrics.DecrementInflight(ctx, stage)

	machine := fsm.NewFSM(MessageLifecycle, fsm.Config{MaxHistory: 4})
	log := logger.WithTrace(ctx, r.logger).With(zap.String("routing_key", d.RoutingKey))
	log.Debug("message received", zap.Bool("redelivered", d.Redelivered))

	if err := machine.Trigger(ctx, EventStart, nil); err != nil {
		return err
	}

	outcome := r.invoke(ctx, d)
	log = log.With(zap.Int64("order_id", outcome.OrderID))

	if err := d.Ack(ctx); err != nil {
		observability.RecordSpanError(span, err)
		log.Error("failed to acknowledge message", zap.Error(err))
		return transport.TransportError("ack "+r.queue, err)
	}

	event := EventSucceed
	if outcome.Failed() {
		event = EventFail
		observability.RecordSpanError(span, outcome.Err)
		log.Error("message processing failed, acknowledged", zap.Error(outcome.Err))
	} else {
		log.Info("message processed")
	}
	if err := machine.Trigger(ctx, event, nil); err != nil {
		return err
	}

	duration := time.Since(started)
	r.metrics.RecordMessage(ctx, stage, d.RoutingKey, !outcome.Failed(), duration)

	if r.observer != nil {
		r.observer(Record{
			Stage:      stage,
			Queue:      r.queue,
			RoutingKey: d.RoutingKey,
			OrderID:    outcome.OrderID,
			Final:      machine.CurrentState(),
			History:    machine.History(),
			Err:        outcome.Err,
			Duration:   duration,
		})
	}
	return nil
}

// invoke вызывает обработчик; паника становится неуспешным исходом
func (r *Runner) invoke(ctx context.Context, d *transport.Delivery) (outcome Outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panic", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
			outcome = Failure(outcome.OrderID, fmt.Errorf("handler panic: %v", p))
		}
	}()
	return r.handler.Handle(ctx, d)
}
