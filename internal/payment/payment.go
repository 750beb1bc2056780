// Package payment описывает платежный шлюз, вызываемый стадией оплаты.
package payment

import (
	"context"
	"fmt"

	"github.com/LuanFBA/estoque-system/internal/contract"
)

// GatewayError любой отказ платежного шлюза
type GatewayError struct {
	OrderID int64
	Err     error
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("payment for order %d failed: %v", e.OrderID, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Gateway платежный шлюз. Ошибка означает отказ в оплате.
type Gateway interface {
	Charge(ctx context.Context, event contract.OrderEvent) error
}

// GatewayFunc адаптер функции к Gateway
type GatewayFunc func(ctx context.Context, event contract.OrderEvent) error

// Charge вызывает функцию
func (f GatewayFunc) Charge(ctx context.Context, event contract.OrderEvent) error {
	return f(ctx, event)
}

// ApproveAll шлюз, одобряющий каждый платеж
type ApproveAll struct{}

// Charge всегда успешен
func (ApproveAll) Charge(ctx context.Context, event contract.OrderEvent) error {
	return nil
}

// Charge вызывает шлюз и приводит любой отказ, включая панику, к *GatewayError
func Charge(ctx context.Context, gw Gateway, event contract.OrderEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &GatewayError{OrderID: event.OrderID, Err: fmt.Errorf("gateway panic: %v", r)}
		}
	}()

	if err := gw.Charge(ctx, event); err != nil {
		return &GatewayError{OrderID: event.OrderID, Err: err}
	}
	return nil
}
