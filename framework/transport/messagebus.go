// Package transport предоставляет абстракции для работы с topic-шиной сообщений.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/LuanFBA/estoque-system/framework/core"
)

// ErrTransport сигнальная ошибка недоступности брокера.
// Все адаптеры оборачивают сбои так, что errors.Is(err, ErrTransport) == true.
var ErrTransport = core.NewError(core.ErrTransport, "message bus unavailable")

// ErrAlreadySettled возвращается при повторном Ack/Nack одной доставки
var ErrAlreadySettled = errors.New("delivery already settled")

// TransportError оборачивает ошибку брокера с указанием операции
func TransportError(op string, err error) error {
	if err == nil {
		err = errors.New("unknown broker failure")
	}
	return core.Wrap(err, core.ErrTransport, op)
}

// Message сообщение для публикации в exchange
type Message struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Headers    map[string]string
}

// Acknowledger подтверждает или отклоняет доставку на стороне брокера
type Acknowledger interface {
	Ack(ctx context.Context, d *Delivery) error
	Nack(ctx context.Context, d *Delivery, requeue bool) error
}

// Delivery сообщение, полученное из очереди.
// Обработчик обязан вызвать Ack или Nack; автоматического подтверждения нет.
type Delivery struct {
	Message
	Queue       string
	Tag         uint64
	Redelivered bool

	ack     Acknowledger
	mu      sync.Mutex
	settled bool
}

// NewDelivery создает доставку, привязанную к acknowledger драйвера
func NewDelivery(msg Message, queue string, tag uint64, redelivered bool, ack Acknowledger) *Delivery {
	return &Delivery{
		Message:     msg,
		Queue:       queue,
		Tag:         tag,
		Redelivered: redelivered,
		ack:         ack,
	}
}

// Ack подтверждает обработку
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(func() error { return d.ack.Ack(ctx, d) })
}

// Nack отклоняет доставку; при requeue сообщение вернется в очередь
func (d *Delivery) Nack(ctx context.Context, requeue bool) error {
	return d.settle(func() error { return d.ack.Nack(ctx, d, requeue) })
}

// Settled сообщает, была ли доставка подтверждена или отклонена
func (d *Delivery) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

func (d *Delivery) settle(fn func() error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.settled {
		return ErrAlreadySettled
	}
	if d.ack == nil {
		return fmt.Errorf("delivery %d has no acknowledger", d.Tag)
	}
	if err := fn(); err != nil {
		return err
	}
	d.settled = true
	return nil
}

// DeliveryHandler обработчик доставок.
// Ненулевая ошибка прекращает Consume и возвращается вызывающему.
type DeliveryHandler func(ctx context.Context, d *Delivery) error

// ConsumeOptions параметры потребления очереди
type ConsumeOptions struct {
	// Prefetch максимальное число неподтвержденных доставок у потребителя
	Prefetch    int
	ConsumerTag string
}

// DefaultPrefetch одна доставка в работе на потребителя
const DefaultPrefetch = 1

// WithDefaults заполняет незаданные поля
func (o ConsumeOptions) WithDefaults() ConsumeOptions {
	if o.Prefetch <= 0 {
		o.Prefetch = DefaultPrefetch
	}
	return o
}

// Topology объявление exchange и привязок очередей. Обе операции идемпотентны.
type Topology interface {
	// DeclareTopicChannel создает durable topic exchange, если его нет
	DeclareTopicChannel(ctx context.Context, exchange string) error
	// BindQueue создает durable очередь и привязывает ее к routing key
	BindQueue(ctx context.Context, queue, exchange, routingKey string) error
}

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует persistent сообщение в exchange с routing key
	Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error
}

// Consumer потребитель очереди
type Consumer interface {
	// Consume блокируется до отмены ctx или закрытия канала брокера
	Consume(ctx context.Context, queue string, opts ConsumeOptions, handler DeliveryHandler) error
}

// Bus объединяет топологию, публикацию и потребление
type Bus interface {
	Topology
	Publisher
	Consumer
	core.Lifecycle
	core.Component
}

// RetryPolicy политика повторов подключения к брокеру
type RetryPolicy interface {
	// ShouldRetry определяет, нужно ли повторить попытку
	ShouldRetry(attempt int, err error) bool
	// GetDelay возвращает задержку перед повтором
	GetDelay(attempt int) time.Duration
}

// ExponentialBackoffRetryPolicy политика повторов с экспоненциальной задержкой
type ExponentialBackoffRetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
}

// DefaultRetryPolicy возвращает политику по умолчанию
func DefaultRetryPolicy() *ExponentialBackoffRetryPolicy {
	return &ExponentialBackoffRetryPolicy{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2,
		MaxAttempts:  10,
	}
}

// ShouldRetry определяет, нужно ли повторить попытку
func (p *ExponentialBackoffRetryPolicy) ShouldRetry(attempt int, err error) bool {
	return err != nil && attempt < p.MaxAttempts
}

// GetDelay возвращает задержку перед попыткой attempt (начиная с 1)
func (p *ExponentialBackoffRetryPolicy) GetDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := time.Duration(float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
	if delay > p.MaxDelay || delay <= 0 {
		return p.MaxDelay
	}
	return delay
}

// Retry выполняет fn, пока политика разрешает повтор
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempt := 0
	for {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if policy == nil || !policy.ShouldRetry(attempt, err) {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(policy.GetDelay(attempt)):
		}
	}
}
