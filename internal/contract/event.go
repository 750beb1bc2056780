package contract

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMissingOrderID событие без идентификатора заказа
var ErrMissingOrderID = errors.New("event has no order id")

// Item строка заказа
type Item struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// UnmarshalJSON принимает также ключ product_id
func (i *Item) UnmarshalJSON(data []byte) error {
	var raw struct {
		ProductID       *int64 `json:"productId"`
		LegacyProductID *int64 `json:"product_id"`
		Quantity        int    `json:"quantity"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch {
	case raw.ProductID != nil:
		i.ProductID = *raw.ProductID
	case raw.LegacyProductID != nil:
		i.ProductID = *raw.LegacyProductID
	default:
		i.ProductID = 0
	}
	i.Quantity = raw.Quantity
	return nil
}

// OrderEvent полезная нагрузка всех событий саги
type OrderEvent struct {
	OrderID int64  `json:"orderId"`
	Email   string `json:"email,omitempty"`
	Items   []Item `json:"items,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// UnmarshalJSON принимает ключи order_id и error.
// error используется как reason, если reason отсутствует.
func (e *OrderEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		OrderID       *int64 `json:"orderId"`
		LegacyOrderID *int64 `json:"order_id"`
		Email         string `json:"email"`
		Items         []Item `json:"items"`
		Reason        string `json:"reason"`
		Error         string `json:"error"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*e = OrderEvent{Email: raw.Email, Items: raw.Items, Reason: raw.Reason}
	switch {
	case raw.OrderID != nil:
		e.OrderID = *raw.OrderID
	case raw.LegacyOrderID != nil:
		e.OrderID = *raw.LegacyOrderID
	}
	if e.Reason == "" {
		e.Reason = raw.Error
	}
	return nil
}

// Encode сериализует событие
func Encode(event OrderEvent) ([]byte, error) {
	return json.Marshal(event)
}

// Decode разбирает тело сообщения
func Decode(body []byte) (OrderEvent, error) {
	var event OrderEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return OrderEvent{}, fmt.Errorf("invalid event payload: %w", err)
	}
	return event, nil
}

// DecodeOrder разбирает тело и требует наличия order id
func DecodeOrder(body []byte) (OrderEvent, error) {
	event, err := Decode(body)
	if err != nil {
		return OrderEvent{}, err
	}
	if event.OrderID == 0 {
		return OrderEvent{}, ErrMissingOrderID
	}
	return event, nil
}

// WithReason добавляет reason в тело, сохраняя остальные ключи без изменений
func WithReason(body []byte, reason string) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage)
	}
	encoded, err := json.Marshal(reason)
	if err != nil {
		return nil, err
	}
	fields["reason"] = encoded
	return json.Marshal(fields)
}
