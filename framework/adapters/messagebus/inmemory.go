// Package messagebus предоставляет драйверы topic-шины для различных брокеров.
package messagebus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/transport"
)

// InMemoryConfig конфигурация для InMemory адаптера
type InMemoryConfig struct {
	// QueueCapacity максимальное число готовых сообщений в очереди (0 = без ограничений).
	// При переполнении Publish возвращает TransportError.
	QueueCapacity int
	EnableMetrics bool
}

// DefaultInMemoryConfig возвращает конфигурацию InMemory по умолчанию
func DefaultInMemoryConfig() InMemoryConfig {
	return InMemoryConfig{}
}

// InMemoryAdapter эмуляция topic exchange в памяти процесса.
// Неподтвержденные доставки возвращаются в голову очереди при Nack(requeue)
// и при завершении потребителя, как при закрытии канала AMQP.
type InMemoryAdapter struct {
	config    InMemoryConfig
	mu        sync.RWMutex
	exchanges map[string]bool
	queues    map[string]*memQueue
	bindings  *bindingTable
	running   bool
	stopped   chan struct{}
	metrics   *metrics.Metrics
}

type memMessage struct {
	msg         transport.Message
	redelivered bool
}

type memQueue struct {
	name    string
	mu      sync.Mutex
	ready   []memMessage
	unacked map[uint64]*inflight
	nextTag uint64
	wake    chan struct{}
}

type inflight struct {
	message  memMessage
	consumer string
}

// NewInMemoryAdapter создает новый InMemory адаптер
func NewInMemoryAdapter(config InMemoryConfig) *InMemoryAdapter {
	adapter := &InMemoryAdapter{
		config:    config,
		exchanges: make(map[string]bool),
		queues:    make(map[string]*memQueue),
		bindings:  newBindingTable(),
		stopped:   make(chan struct{}),
	}
	if config.EnableMetrics {
		// Ошибка создания инструментов не мешает работе шины
		adapter.metrics, _ = metrics.NewMetrics()
	}
	return adapter
}

// Start запускает адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return nil
	}
	i.stopped = make(chan struct{})
	i.running = true
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle).
// Потребители завершаются, сообщения и топология сохраняются до следующего Start.
func (i *InMemoryAdapter) Stop(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.running {
		return nil
	}
	close(i.stopped)
	i.running = false
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (i *InMemoryAdapter) IsRunning() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.running
}

// Name возвращает имя компонента (реализация core.Component)
func (i *InMemoryAdapter) Name() string {
	return "inmemory-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (i *InMemoryAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

var errNotRunning = errors.New("adapter is not running")

// DeclareTopicChannel объявляет exchange
func (i *InMemoryAdapter) DeclareTopicChannel(ctx context.Context, exchange string) error {
	if exchange == "" {
		return fmt.Errorf("exchange name cannot be empty")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.running {
		return transport.TransportError("declare exchange "+exchange, errNotRunning)
	}
	i.exchanges[exchange] = true
	return nil
}

// BindQueue объявляет очередь и привязывает ее к exchange
func (i *InMemoryAdapter) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if queue == "" || routingKey == "" {
		return fmt.Errorf("queue and routing key cannot be empty")
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.running {
		return transport.TransportError("bind queue "+queue, errNotRunning)
	}
	if !i.exchanges[exchange] {
		return transport.TransportError("bind queue "+queue, fmt.Errorf("exchange %s not declared", exchange))
	}
	if _, ok := i.queues[queue]; !ok {
		i.queues[queue] = &memQueue{
			name:    queue,
			unacked: make(map[uint64]*inflight),
			wake:    make(chan struct{}),
		}
	}
	i.bindings.add(queue, exchange, routingKey)
	return nil
}

// Publish маршрутизирует копию сообщения во все привязанные очереди
func (i *InMemoryAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	start := time.Now()
	err := i.publish(exchange, routingKey, data, headers)
	i.metrics.RecordTransport(ctx, "inmemory", "publish", time.Since(start), err == nil)
	return err
}

func (i *InMemoryAdapter) publish(exchange, routingKey string, data []byte, headers map[string]string) error {
	i.mu.RLock()
	defer i.mu.RUnlock()

	if !i.running {
		return transport.TransportError("publish "+routingKey, errNotRunning)
	}
	if !i.exchanges[exchange] {
		return transport.TransportError("publish "+routingKey, fmt.Errorf("exchange %s not declared", exchange))
	}

	targets := i.bindings.queuesFor(exchange, routingKey)
	for _, name := range targets {
		q := i.queues[name]
		body := make([]byte, len(data))
		copy(body, data)
		msg := memMessage{msg: transport.Message{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Body:       body,
			Headers:    copyHeaders(headers),
		}}
		if err := q.push(msg, i.config.QueueCapacity); err != nil {
			return transport.TransportError("publish "+routingKey, err)
		}
	}
	return nil
}

// Consume доставляет сообщения очереди обработчику по одному, не более opts.Prefetch без подтверждения
func (i *InMemoryAdapter) Consume(ctx context.Context, queue string, opts transport.ConsumeOptions, handler transport.DeliveryHandler) error {
	opts = opts.WithDefaults()

	i.mu.RLock()
	q, ok := i.queues[queue]
	running := i.running
	stopped := i.stopped
	i.mu.RUnlock()

	if !running {
		return transport.TransportError("consume "+queue, errNotRunning)
	}
	if !ok {
		return transport.TransportError("consume "+queue, fmt.Errorf("queue %s not declared", queue))
	}

	consumer := opts.ConsumerTag
	if consumer == "" {
		consumer = "ctag-" + uuid.NewString()
	}
	defer q.release(consumer)

	for {
		if ctx.Err() != nil {
			return nil
		}
		delivery, wake := q.next(consumer, opts.Prefetch, i)
		if delivery != nil {
			if err := handler(ctx, delivery); err != nil {
				return err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-stopped:
			if ctx.Err() != nil {
				return nil
			}
			return transport.TransportError("consume "+queue, errors.New("bus stopped"))
		case <-wake:
		}
	}
}

// Ack подтверждает доставку (реализация transport.Acknowledger)
func (i *InMemoryAdapter) Ack(ctx context.Context, d *transport.Delivery) error {
	q, err := i.queue(d.Queue)
	if err != nil {
		return err
	}
	return q.settle(d.Tag, false)
}

// Nack отклоняет доставку (реализация transport.Acknowledger)
func (i *InMemoryAdapter) Nack(ctx context.Context, d *transport.Delivery, requeue bool) error {
	q, err := i.queue(d.Queue)
	if err != nil {
		return err
	}
	return q.settle(d.Tag, requeue)
}

func (i *InMemoryAdapter) queue(name string) (*memQueue, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	q, ok := i.queues[name]
	if !ok {
		return nil, transport.TransportError("settle", fmt.Errorf("queue %s not declared", name))
	}
	return q, nil
}

// QueueDepth возвращает число готовых к доставке сообщений (для тестирования)
func (i *InMemoryAdapter) QueueDepth(queue string) int {
	q, err := i.queue(queue)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Unacked возвращает число доставленных, но не подтвержденных сообщений (для тестирования)
func (i *InMemoryAdapter) Unacked(queue string) int {
	q, err := i.queue(queue)
	if err != nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unacked)
}

func (q *memQueue) push(msg memMessage, capacity int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if capacity > 0 && len(q.ready) >= capacity {
		return fmt.Errorf("queue %s is full", q.name)
	}
	q.ready = append(q.ready, msg)
	q.broadcast()
	return nil
}

// next выдает следующую доставку или канал ожидания изменений очереди
func (q *memQueue) next(consumer string, prefetch int, ack transport.Acknowledger) (*transport.Delivery, <-chan struct{}) {
	q.mu.Lock()
	defer q.mu.Unlock()

	held := 0
	for _, f := range q.unacked {
		if f.consumer == consumer {
			held++
		}
	}
	if held >= prefetch || len(q.ready) == 0 {
		return nil, q.wake
	}

	m := q.ready[0]
	q.ready = q.ready[1:]
	q.nextTag++
	tag := q.nextTag
	q.unacked[tag] = &inflight{message: m, consumer: consumer}

	return transport.NewDelivery(m.msg, q.name, tag, m.redelivered, ack), nil
}

func (q *memQueue) settle(tag uint64, requeue bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, ok := q.unacked[tag]
	if !ok {
		return transport.TransportError("settle", fmt.Errorf("unknown delivery tag %d", tag))
	}
	delete(q.unacked, tag)
	if requeue {
		f.message.redelivered = true
		q.ready = append([]memMessage{f.message}, q.ready...)
	}
	q.broadcast()
	return nil
}

// release возвращает в очередь все неподтвержденные доставки потребителя
func (q *memQueue) release(consumer string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var returned []memMessage
	var tags []uint64
	for tag, f := range q.unacked {
		if f.consumer == consumer {
			tags = append(tags, tag)
		}
	}
	slices.Sort(tags)
	for _, tag := range tags {
		m := q.unacked[tag].message
		m.redelivered = true
		returned = append(returned, m)
		delete(q.unacked, tag)
	}
	if len(returned) > 0 {
		q.ready = append(returned, q.ready...)
		q.broadcast()
	}
}

// broadcast будит всех ожидающих потребителей; вызывается под q.mu
func (q *memQueue) broadcast() {
	close(q.wake)
	q.wake = make(chan struct{})
}
