// Package ledger ведет складские остатки и журнал движений.
// Reserve единственная операция, уменьшающая остатки: все или ничего.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/LuanFBA/estoque-system/internal/contract"
)

// MovementOutbound тип движения при резервировании
const MovementOutbound = "outbound"

var (
	// ErrProductNotFound товар не существует
	ErrProductNotFound = errors.New("product not found")
	// ErrInsufficientStock остатка недостаточно для резервирования
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidQuantity количество в строке не положительно
	ErrInvalidQuantity = errors.New("quantity must be positive")
	// ErrEmptyBatch пустой список строк
	ErrEmptyBatch = errors.New("reservation batch is empty")
	// ErrInvalidProduct некорректные данные нового товара
	ErrInvalidProduct = errors.New("invalid product")
)

// ReservationError ошибка резервирования с указанием товара
type ReservationError struct {
	ProductID int64
	Err       error
}

func (e *ReservationError) Error() string {
	return fmt.Sprintf("product %d: %v", e.ProductID, e.Err)
}

func (e *ReservationError) Unwrap() error {
	return e.Err
}

// Product товар
type Product struct {
	ID             int64   `json:"productId"`
	Name           string  `json:"name"`
	QuantityOnHand int     `json:"quantityOnHand"`
	AverageCost    float64 `json:"averageCost"`
}

// NewProduct данные для создания товара
type NewProduct struct {
	Name           string  `json:"name"`
	QuantityOnHand int     `json:"quantityOnHand"`
	AverageCost    float64 `json:"averageCost"`
}

// UnmarshalJSON принимает также ключи quantity_on_hand и average_cost
func (p *NewProduct) UnmarshalJSON(data []byte) error {
	var raw struct {
		Name                 string   `json:"name"`
		QuantityOnHand       *int     `json:"quantityOnHand"`
		LegacyQuantityOnHand *int     `json:"quantity_on_hand"`
		AverageCost          *float64 `json:"averageCost"`
		LegacyAverageCost    *float64 `json:"average_cost"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*p = NewProduct{Name: raw.Name}
	switch {
	case raw.QuantityOnHand != nil:
		p.QuantityOnHand = *raw.QuantityOnHand
	case raw.LegacyQuantityOnHand != nil:
		p.QuantityOnHand = *raw.LegacyQuantityOnHand
	}
	switch {
	case raw.AverageCost != nil:
		p.AverageCost = *raw.AverageCost
	case raw.LegacyAverageCost != nil:
		p.AverageCost = *raw.LegacyAverageCost
	}
	return nil
}

// Validate проверяет данные товара
func (p NewProduct) Validate() error {
	switch {
	case p.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	case p.QuantityOnHand < 0:
		return fmt.Errorf("%w: quantityOnHand must not be negative", ErrInvalidProduct)
	case p.AverageCost < 0:
		return fmt.Errorf("%w: averageCost must not be negative", ErrInvalidProduct)
	}
	return nil
}

// StockMovement неизменяемая запись движения остатка
type StockMovement struct {
	ID           int64     `json:"movementId"`
	ProductID    int64     `json:"productId"`
	Quantity     int       `json:"quantity"`
	MovementType string    `json:"movementType"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Ledger складской учет
type Ledger interface {
	// Reserve списывает все строки атомарно и возвращает по одному движению на строку
	Reserve(ctx context.Context, items []contract.Item) ([]StockMovement, error)
	CreateProduct(ctx context.Context, p NewProduct) (Product, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
	Movements(ctx context.Context, productID int64) ([]StockMovement, error)
}

// validateBatch проверяет строки до взятия блокировок
func validateBatch(items []contract.Item) error {
	if len(items) == 0 {
		return ErrEmptyBatch
	}
	for _, item := range items {
		if item.Quantity <= 0 {
			return &ReservationError{ProductID: item.ProductID, Err: ErrInvalidQuantity}
		}
	}
	return nil
}

// lockOrder уникальные id товаров по возрастанию.
// Общий порядок блокировок исключает взаимоблокировку пересекающихся пакетов.
func lockOrder(items []contract.Item) []int64 {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	slices.Sort(ids)
	return slices.Compact(ids)
}

// plan проверяет строки в порядке пакета против уже уменьшенных остатков.
// onHand содержит только найденные товары; возвращает новые остатки.
func plan(items []contract.Item, onHand map[int64]int) (map[int64]int, error) {
	remaining := make(map[int64]int, len(onHand))
	for id, qty := range onHand {
		remaining[id] = qty
	}
	for _, item := range items {
		qty, ok := remaining[item.ProductID]
		if !ok {
			return nil, &ReservationError{ProductID: item.ProductID, Err: ErrProductNotFound}
		}
		if qty < item.Quantity {
			return nil, &ReservationError{ProductID: item.ProductID, Err: ErrInsufficientStock}
		}
		remaining[item.ProductID] = qty - item.Quantity
	}
	return remaining, nil
}
