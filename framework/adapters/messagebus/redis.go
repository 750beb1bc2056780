package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/transport"
)

// RedisConfig конфигурация для Redis адаптера
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MaxRetries   int
	StreamMaxLen int64 // Максимальная длина stream (0 = без ограничений)
	BlockTimeout time.Duration
	// ClaimIdle время простоя неподтвержденной записи до повторной доставки
	ClaimIdle     time.Duration
	KeyPrefix     string
	EnableMetrics bool
}

// Validate проверяет корректность конфигурации
func (c RedisConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr cannot be empty")
	}
	if c.BlockTimeout <= 0 {
		return fmt.Errorf("block timeout must be positive")
	}
	if c.ClaimIdle <= 0 {
		return fmt.Errorf("claim idle must be positive")
	}
	return nil
}

// DefaultRedisConfig возвращает конфигурацию Redis по умолчанию
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:          "localhost:6379",
		Password:      "",
		DB:            0,
		PoolSize:      10,
		MaxRetries:    3,
		StreamMaxLen:  100000,
		BlockTimeout:  5 * time.Second,
		ClaimIdle:     30 * time.Second,
		KeyPrefix:     "estoque:",
		EnableMetrics: true,
	}
}

// RedisAdapter реализация transport.Bus через Redis Streams.
// Exchange отображается на stream, очередь на consumer group.
// Привязки хранятся в Redis и видны всем процессам.
type RedisAdapter struct {
	config  RedisConfig
	client  *redis.Client
	mu      sync.RWMutex
	running bool
	metrics *metrics.Metrics
}

// NewRedisAdapter создает новый Redis адаптер
func NewRedisAdapter(config RedisConfig) (*RedisAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid redis config: %w", err)
	}

	adapter := &RedisAdapter{config: config}
	if config.EnableMetrics {
		var err error
		adapter.metrics, err = metrics.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}
	return adapter, nil
}

// Start подключается к Redis (реализация core.Lifecycle)
func (r *RedisAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:       r.config.Addr,
		Password:   r.config.Password,
		DB:         r.config.DB,
		PoolSize:   r.config.PoolSize,
		MaxRetries: r.config.MaxRetries,
		// XREADGROUP BLOCK не должен прерываться таймаутом чтения
		ReadTimeout: r.config.BlockTimeout + 5*time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return transport.TransportError("connect to redis", err)
	}

	r.client = client
	r.running = true
	return nil
}

// Stop закрывает клиент (реализация core.Lifecycle)
func (r *RedisAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return nil
	}
	r.running = false

	if r.client != nil {
		if err := r.client.Close(); err != nil {
			return transport.TransportError("close redis client", err)
		}
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RedisAdapter) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RedisAdapter) Name() string {
	return "redis-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RedisAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

func (r *RedisAdapter) redisClient() (*redis.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.running {
		return nil, errNotRunning
	}
	return r.client, nil
}

func (r *RedisAdapter) streamKey(exchange string) string {
	return r.config.KeyPrefix + "stream:" + exchange
}

func (r *RedisAdapter) exchangesKey() string {
	return r.config.KeyPrefix + "exchanges"
}

func (r *RedisAdapter) bindingsKey(queue string) string {
	return r.config.KeyPrefix + "bindings:" + queue
}

// DeclareTopicChannel регистрирует exchange
func (r *RedisAdapter) DeclareTopicChannel(ctx context.Context, exchange string) error {
	if exchange == "" {
		return fmt.Errorf("exchange name cannot be empty")
	}
	client, err := r.redisClient()
	if err != nil {
		return transport.TransportError("declare exchange "+exchange, err)
	}
	if err := client.SAdd(ctx, r.exchangesKey(), exchange).Err(); err != nil {
		return transport.TransportError("declare exchange "+exchange, err)
	}
	return nil
}

// BindQueue создает consumer group очереди и сохраняет привязку
func (r *RedisAdapter) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if queue == "" || routingKey == "" {
		return fmt.Errorf("queue and routing key cannot be empty")
	}
	op := "bind queue " + queue

	client, err := r.redisClient()
	if err != nil {
		return transport.TransportError(op, err)
	}

	declared, err := client.SIsMember(ctx, r.exchangesKey(), exchange).Result()
	if err != nil {
		return transport.TransportError(op, err)
	}
	if !declared {
		return transport.TransportError(op, fmt.Errorf("exchange %s not declared", exchange))
	}

	err = client.XGroupCreateMkStream(ctx, r.streamKey(exchange), queue, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return transport.TransportError(op, err)
	}

	b := binding{exchange: exchange, pattern: routingKey}
	if err := client.SAdd(ctx, r.bindingsKey(queue), b.String()).Err(); err != nil {
		return transport.TransportError(op, err)
	}
	return nil
}

// Publish добавляет запись в stream exchange
func (r *RedisAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	start := time.Now()
	err := r.publish(ctx, exchange, routingKey, data, headers)
	r.metrics.RecordTransport(ctx, "redis", "publish", time.Since(start), err == nil)
	return err
}

func (r *RedisAdapter) publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	op := "publish " + routingKey

	client, err := r.redisClient()
	if err != nil {
		return transport.TransportError(op, err)
	}

	values, err := redisValues(routingKey, data, headers)
	if err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: r.streamKey(exchange),
		Values: values,
	}
	if r.config.StreamMaxLen > 0 {
		args.MaxLen = r.config.StreamMaxLen
		args.Approx = true
	}
	if err := client.XAdd(ctx, args).Err(); err != nil {
		return transport.TransportError(op, err)
	}
	return nil
}

func redisValues(routingKey string, data []byte, headers map[string]string) (map[string]interface{}, error) {
	values := map[string]interface{}{
		"routing_key": routingKey,
		"body":        string(data),
	}
	if len(headers) > 0 {
		encoded, err := json.Marshal(headers)
		if err != nil {
			return nil, fmt.Errorf("failed to encode headers: %w", err)
		}
		values["headers"] = string(encoded)
	}
	return values, nil
}

// Consume читает consumer group очереди.
// Сначала забираются зависшие неподтвержденные записи, затем новые.
func (r *RedisAdapter) Consume(ctx context.Context, queue string, opts transport.ConsumeOptions, handler transport.DeliveryHandler) error {
	opts = opts.WithDefaults()
	op := "consume " + queue

	client, err := r.redisClient()
	if err != nil {
		return transport.TransportError(op, err)
	}

	table, err := r.loadBindings(ctx, client, queue)
	if err != nil {
		return transport.TransportError(op, err)
	}
	exchanges := table.exchangesFor(queue)
	if len(exchanges) == 0 {
		return transport.TransportError(op, fmt.Errorf("queue %s has no bindings", queue))
	}

	consumer := opts.ConsumerTag
	if consumer == "" {
		consumer = "ctag-" + uuid.NewString()
	}

	acker := &redisAcknowledger{client: client, group: queue, pending: make(map[uint64]redisEntry)}
	streams := make([]string, 0, len(exchanges)*2)
	for _, ex := range exchanges {
		streams = append(streams, r.streamKey(ex))
	}
	for range exchanges {
		streams = append(streams, ">")
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		for _, ex := range exchanges {
			claimed, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
				Stream:   r.streamKey(ex),
				Group:    queue,
				Consumer: consumer,
				MinIdle:  r.config.ClaimIdle,
				Start:    "0-0",
				Count:    int64(opts.Prefetch),
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return transport.TransportError(op, err)
			}
			for _, m := range claimed {
				if err := r.dispatch(ctx, table, acker, ex, queue, m, true, handler); err != nil {
					return err
				}
			}
		}

		res, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    queue,
			Consumer: consumer,
			Streams:  streams,
			Count:    int64(opts.Prefetch),
			Block:    r.config.BlockTimeout,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return transport.TransportError(op, err)
		}

		for _, s := range res {
			ex := strings.TrimPrefix(s.Stream, r.config.KeyPrefix+"stream:")
			for _, m := range s.Messages {
				if err := r.dispatch(ctx, table, acker, ex, queue, m, false, handler); err != nil {
					return err
				}
			}
		}
	}
}

func (r *RedisAdapter) dispatch(ctx context.Context, table *bindingTable, acker *redisAcknowledger, exchange, queue string, m redis.XMessage, redelivered bool, handler transport.DeliveryHandler) error {
	stream := r.streamKey(exchange)
	routingKey, _ := m.Values["routing_key"].(string)
	if !table.matches(queue, exchange, routingKey) {
		if err := acker.client.XAck(ctx, stream, queue, m.ID).Err(); err != nil {
			return transport.TransportError("consume "+queue, err)
		}
		return nil
	}

	body, _ := m.Values["body"].(string)
	headers := map[string]string{}
	if raw, ok := m.Values["headers"].(string); ok && raw != "" {
		_ = json.Unmarshal([]byte(raw), &headers)
	}

	tag := acker.track(stream, m.ID)
	d := transport.NewDelivery(transport.Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		Body:       []byte(body),
		Headers:    headers,
	}, queue, tag, redelivered, acker)
	return handler(ctx, d)
}

func (r *RedisAdapter) loadBindings(ctx context.Context, client *redis.Client, queue string) (*bindingTable, error) {
	members, err := client.SMembers(ctx, r.bindingsKey(queue)).Result()
	if err != nil {
		return nil, err
	}
	table := newBindingTable()
	for _, member := range members {
		b, err := parseBinding(member)
		if err != nil {
			return nil, err
		}
		table.add(queue, b.exchange, b.pattern)
	}
	return table, nil
}

type redisEntry struct {
	stream string
	id     string
}

// redisAcknowledger подтверждает записи через XACK.
// Nack с requeue оставляет запись в PEL до XAUTOCLAIM.
type redisAcknowledger struct {
	client  *redis.Client
	group   string
	next    atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]redisEntry
}

func (a *redisAcknowledger) track(stream, id string) uint64 {
	tag := a.next.Add(1)
	a.mu.Lock()
	a.pending[tag] = redisEntry{stream: stream, id: id}
	a.mu.Unlock()
	return tag
}

func (a *redisAcknowledger) take(tag uint64) (redisEntry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.pending[tag]
	if !ok {
		return redisEntry{}, fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(a.pending, tag)
	return e, nil
}

func (a *redisAcknowledger) Ack(ctx context.Context, d *transport.Delivery) error {
	e, err := a.take(d.Tag)
	if err != nil {
		return transport.TransportError("ack", err)
	}
	if err := a.client.XAck(ctx, e.stream, a.group, e.id).Err(); err != nil {
		return transport.TransportError("ack", err)
	}
	return nil
}

func (a *redisAcknowledger) Nack(ctx context.Context, d *transport.Delivery, requeue bool) error {
	e, err := a.take(d.Tag)
	if err != nil {
		return transport.TransportError("nack", err)
	}
	if requeue {
		return nil
	}
	if err := a.client.XAck(ctx, e.stream, a.group, e.id).Err(); err != nil {
		return transport.TransportError("nack", err)
	}
	return nil
}
