// Package orders принимает заказы: сохраняет в статусе pending и публикует order.created.
package orders

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"time"

	"go.uber.org/zap"

	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/internal/contract"
)

// Статусы заказа
const (
	StatusPending       = "pending"
	StatusProcessed     = "processed"
	StatusPaymentFailed = "payment_failed"
)

var (
	// ErrValidation некорректный запрос на заказ
	ErrValidation = errors.New("invalid order")
	// ErrOrderNotFound заказ не существует
	ErrOrderNotFound = errors.New("order not found")
)

// Order заказ
type Order struct {
	ID        int64     `json:"orderId"`
	Email     string    `json:"email"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// Repository хранилище заказов
type Repository interface {
	Create(ctx context.Context, email, status string) (Order, error)
	Get(ctx context.Context, id int64) (Order, error)
}

// PublishError заказ сохранен, но событие order.created не опубликовано
type PublishError struct {
	OrderID int64
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("order %d persisted but order.created was not published: %v", e.OrderID, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// Service стадия приема заказов
type Service struct {
	repo    Repository
	emitter *contract.Emitter
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewService создает сервис заказов
func NewService(repo Repository, emitter *contract.Emitter, logger *zap.Logger, m *metrics.Metrics) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{repo: repo, emitter: emitter, logger: logger, metrics: m}
}

// Submit сохраняет заказ и публикует order.created.
// Повторный вызов с теми же данными создает новый заказ.
func (s *Service) Submit(ctx context.Context, email string, items []contract.Item) (Order, error) {
	if err := Validate(email, items); err != nil {
		return Order{}, err
	}

	order, err := s.repo.Create(ctx, email, StatusPending)
	if err != nil {
		return Order{}, fmt.Errorf("failed to create order: %w", err)
	}
	s.metrics.RecordOrder(ctx)

	event := contract.OrderEvent{OrderID: order.ID, Email: email, Items: items}
	if err := s.emitter.EmitEvent(ctx, contract.RoutingOrderCreated, event); err != nil {
		s.logger.Error("order persisted without order.created event",
			zap.Int64("order_id", order.ID),
			zap.Error(err),
		)
		return order, &PublishError{OrderID: order.ID, Err: err}
	}

	s.logger.Info("order submitted",
		zap.Int64("order_id", order.ID),
		zap.String("routing_key", contract.RoutingOrderCreated),
		zap.Int("items", len(items)),
	)
	return order, nil
}

// Get возвращает заказ по id
func (s *Service) Get(ctx context.Context, id int64) (Order, error) {
	return s.repo.Get(ctx, id)
}

// Validate проверяет email и строки заказа
func Validate(email string, items []contract.Item) error {
	if email == "" {
		return fmt.Errorf("%w: email is required", ErrValidation)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return fmt.Errorf("%w: email %q is not a valid address", ErrValidation, email)
	}
	if len(items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	for i, item := range items {
		if item.ProductID <= 0 {
			return fmt.Errorf("%w: items[%d].productId must be positive", ErrValidation, i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: items[%d].quantity must be positive", ErrValidation, i)
		}
	}
	return nil
}
