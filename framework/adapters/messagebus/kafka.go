package messagebus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/transport"
)

// RoutingKeyHeader заголовок Kafka с routing key сообщения
const RoutingKeyHeader = "routing-key"

// KafkaConfig конфигурация для Kafka адаптера
type KafkaConfig struct {
	Brokers           []string
	Partitions        int
	ReplicationFactor int
	Compression       string // none, gzip, snappy, lz4, zstd
	BatchSize         int
	FlushInterval     time.Duration
	DialTimeout       time.Duration
	ConsumerConfig    KafkaConsumerConfig
	ProducerConfig    KafkaProducerConfig
	EnableMetrics     bool
}

// Validate проверяет корректность конфигурации
func (c KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("brokers cannot be empty")
	}
	for i, broker := range c.Brokers {
		if broker == "" {
			return fmt.Errorf("broker[%d] cannot be empty", i)
		}
		// Простая проверка формата host:port
		if !strings.Contains(broker, ":") {
			return fmt.Errorf("broker[%d] must be in format host:port", i)
		}
	}
	if c.Partitions < 1 {
		return fmt.Errorf("partitions must be at least 1")
	}
	return nil
}

// KafkaConsumerConfig конфигурация для Kafka consumer
type KafkaConsumerConfig struct {
	MinBytes    int
	MaxBytes    int
	MaxWait     time.Duration
	StartOffset int64 // -2 (earliest), -1 (latest)
}

// KafkaProducerConfig конфигурация для Kafka producer
type KafkaProducerConfig struct {
	RequiredAcks int // 0, 1, -1 (all)
	MaxAttempts  int
}

// DefaultKafkaConfig возвращает конфигурацию Kafka по умолчанию
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:           []string{"localhost:9092"},
		Partitions:        1,
		ReplicationFactor: 1,
		Compression:       "snappy",
		BatchSize:         1,
		FlushInterval:     10 * time.Millisecond,
		DialTimeout:       10 * time.Second,
		ConsumerConfig: KafkaConsumerConfig{
			MinBytes:    1,
			MaxBytes:    10e6, // 10MB
			MaxWait:     1 * time.Second,
			StartOffset: kafka.FirstOffset,
		},
		ProducerConfig: KafkaProducerConfig{
			RequiredAcks: -1, // all
			MaxAttempts:  3,
		},
		EnableMetrics: true,
	}
}

// KafkaAdapter реализация transport.Bus через Kafka.
// Exchange отображается на топик, очередь на consumer group.
// Routing key передается ключом сообщения, привязки фильтруются на стороне потребителя.
type KafkaAdapter struct {
	config   KafkaConfig
	writer   *kafka.Writer
	mu       sync.RWMutex
	running  bool
	topics   map[string]bool
	bindings *bindingTable
	readers  map[*kafka.Reader]struct{}
	metrics  *metrics.Metrics
}

// NewKafkaAdapter создает новый Kafka адаптер
func NewKafkaAdapter(config KafkaConfig) (*KafkaAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid kafka config: %w", err)
	}

	adapter := &KafkaAdapter{
		config:   config,
		topics:   make(map[string]bool),
		bindings: newBindingTable(),
		readers:  make(map[*kafka.Reader]struct{}),
	}

	if config.EnableMetrics {
		var err error
		adapter.metrics, err = metrics.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return adapter, nil
}

func (k *KafkaAdapter) newWriter() *kafka.Writer {
	return &kafka.Writer{
		Addr: kafka.TCP(k.config.Brokers...),
		// Сообщения с одним routing key попадают в одну партицию
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequiredAcks(k.config.ProducerConfig.RequiredAcks),
		MaxAttempts:  k.config.ProducerConfig.MaxAttempts,
		Async:        false,
		BatchSize:    k.config.BatchSize,
		BatchTimeout: k.config.FlushInterval,
		Compression:  getCompression(k.config.Compression),
	}
}

// getCompression преобразует строку в kafka.Compression
func getCompression(compression string) kafka.Compression {
	switch compression {
	case "gzip":
		return kafka.Gzip
	case "snappy":
		return kafka.Snappy
	case "lz4":
		return kafka.Lz4
	case "zstd":
		return kafka.Zstd
	default:
		return kafka.Compression(0) // zero value - no compression
	}
}

// Start запускает адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.running {
		return nil
	}

	k.writer = k.newWriter()
	k.running = true
	return nil
}

// Stop закрывает writer и все readers (реализация core.Lifecycle)
func (k *KafkaAdapter) Stop(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if !k.running {
		return nil
	}
	k.running = false

	for reader := range k.readers {
		_ = reader.Close()
		delete(k.readers, reader)
	}

	if k.writer != nil {
		if err := k.writer.Close(); err != nil {
			return transport.TransportError("close kafka writer", err)
		}
		k.writer = nil
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (k *KafkaAdapter) IsRunning() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.running
}

// Name возвращает имя компонента (реализация core.Component)
func (k *KafkaAdapter) Name() string {
	return "kafka-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (k *KafkaAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

// DeclareTopicChannel создает топик для exchange, если его нет
func (k *KafkaAdapter) DeclareTopicChannel(ctx context.Context, exchange string) error {
	if exchange == "" {
		return fmt.Errorf("exchange name cannot be empty")
	}
	if !k.IsRunning() {
		return transport.TransportError("declare exchange "+exchange, errNotRunning)
	}

	k.mu.RLock()
	known := k.topics[exchange]
	k.mu.RUnlock()
	if known {
		return nil
	}

	if err := k.createTopic(ctx, exchange); err != nil {
		return transport.TransportError("declare exchange "+exchange, err)
	}

	k.mu.Lock()
	k.topics[exchange] = true
	k.mu.Unlock()
	return nil
}

// createTopic создает топик через контроллер кластера
func (k *KafkaAdapter) createTopic(ctx context.Context, topic string) error {
	dialer := &kafka.Dialer{Timeout: k.config.DialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", k.config.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return err
	}
	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return err
	}
	defer ctrl.Close()

	err = ctrl.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     k.config.Partitions,
		ReplicationFactor: k.config.ReplicationFactor,
	})
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return err
	}
	return nil
}

// BindQueue регистрирует привязку очереди; consumer group создается при первом Consume
func (k *KafkaAdapter) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if queue == "" || routingKey == "" {
		return fmt.Errorf("queue and routing key cannot be empty")
	}
	if err := k.DeclareTopicChannel(ctx, exchange); err != nil {
		return err
	}
	k.bindings.add(queue, exchange, routingKey)
	return nil
}

// Publish публикует сообщение в топик exchange с ключом routing key
func (k *KafkaAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	start := time.Now()
	err := k.publish(ctx, exchange, routingKey, data, headers)
	k.metrics.RecordTransport(ctx, "kafka", "publish", time.Since(start), err == nil)
	return err
}

func (k *KafkaAdapter) publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	op := "publish " + routingKey

	k.mu.RLock()
	writer, running := k.writer, k.running
	k.mu.RUnlock()
	if !running || writer == nil {
		return transport.TransportError(op, errNotRunning)
	}

	if err := writer.WriteMessages(ctx, buildKafkaMessage(exchange, routingKey, data, headers)); err != nil {
		return transport.TransportError(op, err)
	}
	return nil
}

func buildKafkaMessage(exchange, routingKey string, data []byte, headers map[string]string) kafka.Message {
	msg := kafka.Message{
		Topic: exchange,
		Key:   []byte(routingKey),
		Value: data,
		Headers: []kafka.Header{
			{Key: RoutingKeyHeader, Value: []byte(routingKey)},
			{Key: "content-type", Value: []byte("application/json")},
		},
	}
	for hk, hv := range headers {
		msg.Headers = append(msg.Headers, kafka.Header{Key: hk, Value: []byte(hv)})
	}
	return msg
}

// Consume читает топики очереди в consumer group с именем очереди.
// Сообщения, не подходящие под привязки, подтверждаются без вызова обработчика.
func (k *KafkaAdapter) Consume(ctx context.Context, queue string, opts transport.ConsumeOptions, handler transport.DeliveryHandler) error {
	op := "consume " + queue

	if !k.IsRunning() {
		return transport.TransportError(op, errNotRunning)
	}
	topics := k.bindings.exchangesFor(queue)
	if len(topics) == 0 {
		return transport.TransportError(op, fmt.Errorf("queue %s has no bindings", queue))
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		GroupID:     queue,
		GroupTopics: topics,
		MinBytes:    k.config.ConsumerConfig.MinBytes,
		MaxBytes:    k.config.ConsumerConfig.MaxBytes,
		MaxWait:     k.config.ConsumerConfig.MaxWait,
		StartOffset: k.config.ConsumerConfig.StartOffset,
		// Синхронный commit: offset фиксируется только по Ack
		CommitInterval: 0,
	})
	k.mu.Lock()
	k.readers[reader] = struct{}{}
	k.mu.Unlock()
	defer func() {
		k.mu.Lock()
		delete(k.readers, reader)
		k.mu.Unlock()
		_ = reader.Close()
	}()

	acker := &kafkaAcknowledger{reader: reader, pending: make(map[uint64]kafka.Message)}
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return transport.TransportError(op, err)
		}

		routingKey := kafkaRoutingKey(msg)
		if !k.bindings.matches(queue, msg.Topic, routingKey) {
			if err := reader.CommitMessages(ctx, msg); err != nil {
				return transport.TransportError(op, err)
			}
			continue
		}

		if err := handler(ctx, acker.track(msg, routingKey, queue)); err != nil {
			return err
		}
	}
}

func kafkaRoutingKey(msg kafka.Message) string {
	for _, h := range msg.Headers {
		if h.Key == RoutingKeyHeader {
			return string(h.Value)
		}
	}
	return string(msg.Key)
}

// kafkaAcknowledger фиксирует offset по Ack.
// Nack с requeue оставляет offset незафиксированным до перезапуска или ребалансировки.
type kafkaAcknowledger struct {
	reader  *kafka.Reader
	next    atomic.Uint64
	mu      sync.Mutex
	pending map[uint64]kafka.Message
}

func (a *kafkaAcknowledger) track(msg kafka.Message, routingKey, queue string) *transport.Delivery {
	tag := a.next.Add(1)
	a.mu.Lock()
	a.pending[tag] = msg
	a.mu.Unlock()

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		if h.Key == RoutingKeyHeader {
			continue
		}
		headers[h.Key] = string(h.Value)
	}
	return transport.NewDelivery(transport.Message{
		Exchange:   msg.Topic,
		RoutingKey: routingKey,
		Body:       msg.Value,
		Headers:    headers,
	}, queue, tag, false, a)
}

func (a *kafkaAcknowledger) take(tag uint64) (kafka.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	msg, ok := a.pending[tag]
	if !ok {
		return kafka.Message{}, fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(a.pending, tag)
	return msg, nil
}

func (a *kafkaAcknowledger) Ack(ctx context.Context, d *transport.Delivery) error {
	msg, err := a.take(d.Tag)
	if err != nil {
		return transport.TransportError("ack", err)
	}
	if err := a.reader.CommitMessages(ctx, msg); err != nil {
		return transport.TransportError("ack", err)
	}
	return nil
}

func (a *kafkaAcknowledger) Nack(ctx context.Context, d *transport.Delivery, requeue bool) error {
	msg, err := a.take(d.Tag)
	if err != nil {
		return transport.TransportError("nack", err)
	}
	if requeue {
		return nil
	}
	if err := a.reader.CommitMessages(ctx, msg); err != nil {
		return transport.TransportError("nack", err)
	}
	return nil
}
