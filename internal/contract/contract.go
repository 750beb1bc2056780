// Package contract описывает контракт событий саги: exchange, очереди,
// routing keys и формат полезной нагрузки.
package contract

import (
	"context"
	"fmt"

	"github.com/LuanFBA/estoque-system/framework/transport"
)

// Exchange единственный topic exchange саги
const Exchange = "stock_events"

// Routing keys
const (
	RoutingOrderCreated      = "order.created"
	RoutingPaymentProcessing = "payment.processing"
	RoutingPaymentCompleted  = "payment.completed"
	RoutingPaymentFailed     = "payment.failed"
	RoutingOrderProcessed    = "order.processed"
)

// Очереди стадий
const (
	QueueOrder   = "order_queue"
	QueuePayment = "payment_queue"
	QueueStock   = "stock_queue"
	QueueNotify  = "notify_queue"
)

// Binding привязка очереди к routing key
type Binding struct {
	Queue      string
	RoutingKey string
}

// Bindings полная топология саги
var Bindings = []Binding{
	{Queue: QueueOrder, RoutingKey: RoutingOrderCreated},
	{Queue: QueuePayment, RoutingKey: RoutingPaymentProcessing},
	{Queue: QueueStock, RoutingKey: RoutingPaymentCompleted},
	{Queue: QueueNotify, RoutingKey: RoutingOrderProcessed},
	{Queue: QueueNotify, RoutingKey: RoutingPaymentFailed},
}

// BindingsFor возвращает привязки одной очереди
func BindingsFor(queue string) []Binding {
	var out []Binding
	for _, b := range Bindings {
		if b.Queue == queue {
			out = append(out, b)
		}
	}
	return out
}

// Declare объявляет exchange и все привязки. Операция идемпотентна.
func Declare(ctx context.Context, topology transport.Topology) error {
	return DeclareQueues(ctx, topology)
}

// DeclareQueues объявляет exchange и привязки перечисленных очередей (все, если список пуст)
func DeclareQueues(ctx context.Context, topology transport.Topology, queues ...string) error {
	if err := topology.DeclareTopicChannel(ctx, Exchange); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", Exchange, err)
	}

	wanted := make(map[string]bool, len(queues))
	for _, q := range queues {
		wanted[q] = true
	}

	for _, b := range Bindings {
		if len(wanted) > 0 && !wanted[b.Queue] {
			continue
		}
		if err := topology.BindQueue(ctx, b.Queue, Exchange, b.RoutingKey); err != nil {
			return fmt.Errorf("failed to bind %s to %s: %w", b.Queue, b.RoutingKey, err)
		}
	}
	return nil
}
