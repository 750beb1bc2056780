package saga

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/transport"
	"github.com/LuanFBA/estoque-system/internal/contract"
	"github.com/LuanFBA/estoque-system/internal/ledger"
	"github.com/LuanFBA/estoque-system/internal/notify"
	"github.com/LuanFBA/estoque-system/internal/payment"
)

// Имена стадий
const (
	StageOrder   = "order"
	StagePayment = "payment"
	StageStock   = "stock"
	StageNotify  = "notify"
)

// ErrUnknownRoutingKey доставка с routing key, который стадия не обрабатывает
var ErrUnknownRoutingKey = errors.New("unknown routing key")

// Relay переиздает order.created как payment.processing с тем же телом
type Relay struct {
	emitter *contract.Emitter
}

// NewRelay создает relay стадии заказа
func NewRelay(emitter *contract.Emitter) *Relay {
	return &Relay{emitter: emitter}
}

// Name имя стадии
func (s *Relay) Name() string { return StageOrder }

// Handle публикует тело без изменений; тело, которое не разбирается как JSON, дальше не идет
func (s *Relay) Handle(ctx context.Context, d *transport.Delivery) Outcome {
	event, err := contract.Decode(d.Body)
	if err != nil {
		return Failure(0, err)
	}
	if err := s.emitter.Emit(ctx, contract.RoutingPaymentProcessing, d.Body); err != nil {
		return Failure(event.OrderID, fmt.Errorf("failed to publish %s: %w", contract.RoutingPaymentProcessing, err))
	}
	return Success(event.OrderID)
}

// PaymentStage списывает оплату и публикует payment.completed или payment.failed
type PaymentStage struct {
	gateway      payment.Gateway
	emitter      *contract.Emitter
	attachReason bool
	logger       *zap.Logger
}

// NewPaymentStage создает стадию оплаты. attachReason добавляет текст отказа в reason.
func NewPaymentStage(gateway payment.Gateway, emitter *contract.Emitter, attachReason bool, logger *zap.Logger) *PaymentStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentStage{gateway: gateway, emitter: emitter, attachReason: attachReason, logger: logger}
}

// Name имя стадии
func (s *PaymentStage) Name() string { return StagePayment }

// Handle вызывает шлюз один раз, без повторов
func (s *PaymentStage) Handle(ctx context.Context, d *transport.Delivery) Outcome {
	event, err := contract.DecodeOrder(d.Body)
	if err != nil {
		return Failure(0, err)
	}

	routingKey := contract.RoutingPaymentCompleted
	body := d.Body

	if chargeErr := payment.Charge(ctx, s.gateway, event); chargeErr != nil {
		s.logger.Warn("payment declined",
			zap.Int64("order_id", event.OrderID),
			zap.Error(chargeErr),
		)
		routingKey = contract.RoutingPaymentFailed
		if s.attachReason {
			if body, err = contract.WithReason(d.Body, chargeErr.Error()); err != nil {
				return Failure(event.OrderID, err)
			}
		}
	}

	if err := s.emitter.Emit(ctx, routingKey, body); err != nil {
		return Failure(event.OrderID, fmt.Errorf("failed to publish %s: %w", routingKey, err))
	}
	return Success(event.OrderID)
}

// StockStage резервирует товары оплаченного заказа и публикует order.processed
type StockStage struct {
	ledger  ledger.Ledger
	emitter *contract.Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewStockStage создает стадию резервирования
func NewStockStage(l ledger.Ledger, emitter *contract.Emitter, logger *zap.Logger, m *metrics.Metrics) *StockStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StockStage{ledger: l, emitter: emitter, logger: logger, metrics: m}
}

// Name имя стадии
func (s *StockStage) Name() string { return StageStock }

// Handle резервирует все строки. При отказе компенсирующее событие не публикуется
// и заказ остается в статусе pending.
func (s *StockStage) Handle(ctx context.Context, d *transport.Delivery) Outcome {
	event, err := contract.DecodeOrder(d.Body)
	if err != nil {
		return Failure(0, err)
	}

	movements, err := s.ledger.Reserve(ctx, event.Items)
	s.metrics.RecordReservation(ctx, err == nil)
	if err != nil {
		s.logger.Warn("order stalled in pending after paid reservation failure",
			zap.Int64("order_id", event.OrderID),
			zap.Error(err),
		)
		return Failure(event.OrderID, fmt.Errorf("stock reservation failed: %w", err))
	}

	s.logger.Info("stock reserved",
		zap.Int64("order_id", event.OrderID),
		zap.Int("movements", len(movements)),
	)

	processed := contract.OrderEvent{OrderID: event.OrderID, Email: event.Email, Items: event.Items}
	if err := s.emitter.EmitEvent(ctx, contract.RoutingOrderProcessed, processed); err != nil {
		return Failure(event.OrderID, fmt.Errorf("failed to publish %s: %w", contract.RoutingOrderProcessed, err))
	}
	return Success(event.OrderID)
}

// NotificationStage отправляет письмо по routing key доставки
type NotificationStage struct {
	sender       notify.Sender
	defaultEmail string
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

// NewNotificationStage создает стадию уведомлений. defaultEmail используется, если в событии нет email.
func NewNotificationStage(sender notify.Sender, defaultEmail string, logger *zap.Logger, m *metrics.Metrics) *NotificationStage {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationStage{sender: sender, defaultEmail: defaultEmail, logger: logger, metrics: m}
}

// Name имя стадии
func (s *NotificationStage) Name() string { return StageNotify }

// Handle ошибки отправки не повторяются
func (s *NotificationStage) Handle(ctx context.Context, d *transport.Delivery) Outcome {
	event, err := contract.Decode(d.Body)
	if err != nil {
		return Failure(0, err)
	}

	var (
		email notify.Email
		kind  string
	)
	switch d.RoutingKey {
	case contract.RoutingOrderProcessed:
		email, kind = notify.OrderProcessed(event.OrderID), "order_processed"
	case contract.RoutingPaymentFailed:
		email, kind = notify.PaymentFailed(event.OrderID, event.Reason), "payment_failed"
	default:
		return Failure(event.OrderID, fmt.Errorf("%w: %s", ErrUnknownRoutingKey, d.RoutingKey))
	}

	to := event.Email
	if to == "" {
		to = s.defaultEmail
	}
	if to == "" {
		s.metrics.RecordEmail(ctx, kind, false)
		return Failure(event.OrderID, errors.New("no recipient address"))
	}

	err = s.sender.Send(ctx, to, email.Subject, email.Body)
	s.metrics.RecordEmail(ctx, kind, err == nil)
	if err != nil {
		return Failure(event.OrderID, fmt.Errorf("failed to send %s email: %w", kind, err))
	}

	s.logger.Info("email sent", zap.Int64("order_id", event.OrderID), zap.String("kind", kind))
	return Success(event.OrderID)
}
