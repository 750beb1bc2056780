package messagebus

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/transport"
)

// NATSConfig конфигурация для NATS адаптера
type NATSConfig struct {
	URL               string
	MaxReconnects     int
	ReconnectWait     time.Duration
	DrainTimeout      time.Duration
	ConnectionTimeout time.Duration
	// FetchWait максимальное ожидание одного pull-запроса
	FetchWait     time.Duration
	AckWait       time.Duration
	TLS           *tls.Config
	Token         string
	Username      string
	Password      string
	EnableMetrics bool
}

// Validate проверяет корректность конфигурации
func (c NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("URL cannot be empty")
	}
	if !strings.HasPrefix(c.URL, "nats://") && !strings.HasPrefix(c.URL, "tls://") {
		return fmt.Errorf("URL must start with nats:// or tls://")
	}
	if c.FetchWait <= 0 {
		return fmt.Errorf("fetch wait must be positive")
	}
	return nil
}

// DefaultNATSConfig возвращает конфигурацию NATS по умолчанию
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:               "nats://localhost:4222",
		MaxReconnects:     10,
		ReconnectWait:     2 * time.Second,
		DrainTimeout:      30 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		FetchWait:         5 * time.Second,
		AckWait:           30 * time.Second,
		EnableMetrics:     true,
	}
}

// NATSAdapter реализация transport.Bus через NATS JetStream.
// Exchange отображается на stream с subjects "<exchange>.>",
// очередь на durable pull consumer с фильтрами по привязкам.
type NATSAdapter struct {
	config   NATSConfig
	conn     *nats.Conn
	js       nats.JetStreamContext
	mu       sync.RWMutex
	running  bool
	streams  map[string]bool
	bindings *bindingTable
	metrics  *metrics.Metrics
}

// NATSAdapterBuilder построитель для NATS адаптера
type NATSAdapterBuilder struct {
	config NATSConfig
}

// NewNATSAdapterBuilder создает новый построитель NATS адаптера
func NewNATSAdapterBuilder() *NATSAdapterBuilder {
	return &NATSAdapterBuilder{
		config: DefaultNATSConfig(),
	}
}

// WithURL устанавливает URL NATS сервера
func (b *NATSAdapterBuilder) WithURL(url string) *NATSAdapterBuilder {
	b.config.URL = url
	return b
}

// WithFetchWait устанавливает максимальное ожидание pull-запроса
func (b *NATSAdapterBuilder) WithFetchWait(wait time.Duration) *NATSAdapterBuilder {
	b.config.FetchWait = wait
	return b
}

// WithTLS устанавливает TLS конфигурацию
func (b *NATSAdapterBuilder) WithTLS(tls *tls.Config) *NATSAdapterBuilder {
	b.config.TLS = tls
	return b
}

// WithToken устанавливает токен аутентификации
func (b *NATSAdapterBuilder) WithToken(token string) *NATSAdapterBuilder {
	b.config.Token = token
	return b
}

// WithCredentials устанавливает username и password
func (b *NATSAdapterBuilder) WithCredentials(username, password string) *NATSAdapterBuilder {
	b.config.Username = username
	b.config.Password = password
	return b
}

// WithMetrics включает/выключает метрики
func (b *NATSAdapterBuilder) WithMetrics(enable bool) *NATSAdapterBuilder {
	b.config.EnableMetrics = enable
	return b
}

// Build создает NATS адаптер
func (b *NATSAdapterBuilder) Build() (*NATSAdapter, error) {
	if err := b.config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid nats config: %w", err)
	}

	adapter := &NATSAdapter{
		config:   b.config,
		streams:  make(map[string]bool),
		bindings: newBindingTable(),
	}

	if b.config.EnableMetrics {
		var err error
		adapter.metrics, err = metrics.NewMetrics()
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	return adapter, nil
}

// NewNATSAdapter создает новый NATS адаптер из конфигурации
func NewNATSAdapter(config NATSConfig) (*NATSAdapter, error) {
	return (&NATSAdapterBuilder{config: config}).Build()
}

// Start подключается к серверу и открывает контекст JetStream (реализация core.Lifecycle)
func (n *NATSAdapter) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return nil
	}

	opts := []nats.Option{
		nats.Name("estoque-system"),
		nats.MaxReconnects(n.config.MaxReconnects),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.Timeout(n.config.ConnectionTimeout),
		nats.DrainTimeout(n.config.DrainTimeout),
	}
	if n.config.TLS != nil {
		opts = append(opts, nats.Secure(n.config.TLS))
	}
	if n.config.Token != "" {
		opts = append(opts, nats.Token(n.config.Token))
	}
	if n.config.Username != "" && n.config.Password != "" {
		opts = append(opts, nats.UserInfo(n.config.Username, n.config.Password))
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return transport.TransportError("connect to nats", err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return transport.TransportError("open jetstream", err)
	}

	n.conn = conn
	n.js = js
	n.running = true
	return nil
}

// Stop дренирует и закрывает соединение (реализация core.Lifecycle)
func (n *NATSAdapter) Stop(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.running = false
	n.streams = make(map[string]bool)

	if n.conn != nil && n.conn.IsConnected() {
		if err := n.conn.Drain(); err != nil {
			n.conn.Close()
			return transport.TransportError("drain nats connection", err)
		}
	}
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (n *NATSAdapter) IsRunning() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.running
}

// Name возвращает имя компонента (реализация core.Component)
func (n *NATSAdapter) Name() string {
	return "nats-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (n *NATSAdapter) Type() core.ComponentType {
	return core.ComponentTypeAdapter
}

func (n *NATSAdapter) jetStream() (nats.JetStreamContext, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if !n.running {
		return nil, errNotRunning
	}
	return n.js, nil
}

// DeclareTopicChannel создает или обновляет stream для exchange
func (n *NATSAdapter) DeclareTopicChannel(ctx context.Context, exchange string) error {
	if exchange == "" {
		return fmt.Errorf("exchange name cannot be empty")
	}
	if err := n.ensureStream(ctx, exchange); err != nil {
		return transport.TransportError("declare exchange "+exchange, err)
	}
	return nil
}

func (n *NATSAdapter) ensureStream(ctx context.Context, exchange string) error {
	n.mu.RLock()
	known := n.streams[exchange]
	n.mu.RUnlock()
	if known {
		return nil
	}

	js, err := n.jetStream()
	if err != nil {
		return err
	}

	cfg := &nats.StreamConfig{
		Name:      natsStreamName(exchange),
		Subjects:  []string{exchange + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.InterestPolicy,
	}
	_, err = js.StreamInfo(cfg.Name, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		_, err = js.AddStream(cfg, nats.Context(ctx))
	case err == nil:
		_, err = js.UpdateStream(cfg, nats.Context(ctx))
	}
	if err != nil {
		return err
	}

	n.mu.Lock()
	n.streams[exchange] = true
	n.mu.Unlock()
	return nil
}

// BindQueue создает durable consumer и добавляет в его фильтры subject привязки
func (n *NATSAdapter) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if queue == "" || routingKey == "" {
		return fmt.Errorf("queue and routing key cannot be empty")
	}
	op := "bind queue " + queue

	subject, err := natsSubject(exchange, routingKey)
	if err != nil {
		return err
	}
	if err := n.ensureStream(ctx, exchange); err != nil {
		return transport.TransportError(op, err)
	}
	js, err := n.jetStream()
	if err != nil {
		return transport.TransportError(op, err)
	}

	stream := natsStreamName(exchange)
	durable := natsDurableName(queue)
	info, err := js.ConsumerInfo(stream, durable, nats.Context(ctx))
	switch {
	case errors.Is(err, nats.ErrConsumerNotFound):
		_, err = js.AddConsumer(stream, &nats.ConsumerConfig{
			Durable:        durable,
			AckPolicy:      nats.AckExplicitPolicy,
			AckWait:        n.config.AckWait,
			DeliverPolicy:  nats.DeliverAllPolicy,
			FilterSubjects: []string{subject},
		}, nats.Context(ctx))
	case err == nil:
		cfg := info.Config
		filters := mergeFilters(cfg.FilterSubject, cfg.FilterSubjects, subject)
		if len(filters) != len(cfg.FilterSubjects) || cfg.FilterSubject != "" {
			cfg.FilterSubject = ""
			cfg.FilterSubjects = filters
			_, err = js.UpdateConsumer(stream, &cfg, nats.Context(ctx))
		}
	}
	if err != nil {
		return transport.TransportError(op, err)
	}

	n.bindings.add(queue, exchange, routingKey)
	return nil
}

// Publish публикует сообщение в stream и ждет подтверждения записи
func (n *NATSAdapter) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	start := time.Now()
	err := n.publish(ctx, exchange, routingKey, data, headers)
	n.metrics.RecordTransport(ctx, "nats", "publish", time.Since(start), err == nil)
	return err
}

func (n *NATSAdapter) publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	op := "publish " + routingKey
	if err := n.ensureStream(ctx, exchange); err != nil {
		return transport.TransportError(op, err)
	}
	js, err := n.jetStream()
	if err != nil {
		return transport.TransportError(op, err)
	}

	msg := nats.NewMsg(exchange + "." + routingKey)
	msg.Data = data
	msg.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		msg.Header.Set(k, v)
	}

	if _, err := js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return transport.TransportError(op, err)
	}
	return nil
}

// Consume выбирает сообщения pull-запросами по opts.Prefetch штук
func (n *NATSAdapter) Consume(ctx context.Context, queue string, opts transport.ConsumeOptions, handler transport.DeliveryHandler) error {
	opts = opts.WithDefaults()
	op := "consume " + queue

	exchanges := n.bindings.exchangesFor(queue)
	if len(exchanges) != 1 {
		return transport.TransportError(op, fmt.Errorf("queue %s must be bound to exactly one exchange, got %d", queue, len(exchanges)))
	}
	js, err := n.jetStream()
	if err != nil {
		return transport.TransportError(op, err)
	}

	stream := natsStreamName(exchanges[0])
	sub, err := js.PullSubscribe("", natsDurableName(queue), nats.Bind(stream, natsDurableName(queue)))
	if err != nil {
		return transport.TransportError(op, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	acker := &natsAcknowledger{pending: make(map[uint64]*nats.Msg)}
	for {
		if ctx.Err() != nil {
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, n.config.FetchWait)
		msgs, err := sub.Fetch(opts.Prefetch, nats.Context(fetchCtx))
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return transport.TransportError(op, err)
		}

		for _, m := range msgs {
			d, err := acker.track(m, exchanges[0], queue)
			if err != nil {
				_ = m.Term()
				continue
			}
			if err := handler(ctx, d); err != nil {
				return err
			}
		}
	}
}

// natsAcknowledger хранит сообщения до Ack/Nack
type natsAcknowledger struct {
	mu      sync.Mutex
	pending map[uint64]*nats.Msg
}

func (a *natsAcknowledger) track(m *nats.Msg, exchange, queue string) (*transport.Delivery, error) {
	meta, err := m.Metadata()
	if err != nil {
		return nil, err
	}
	headers := make(map[string]string, len(m.Header))
	for k := range m.Header {
		headers[k] = m.Header.Get(k)
	}
	msg := transport.Message{
		Exchange:   exchange,
		RoutingKey: strings.TrimPrefix(m.Subject, exchange+"."),
		Body:       m.Data,
		Headers:    headers,
	}

	a.mu.Lock()
	a.pending[meta.Sequence.Consumer] = m
	a.mu.Unlock()

	return transport.NewDelivery(msg, queue, meta.Sequence.Consumer, meta.NumDelivered > 1, a), nil
}

func (a *natsAcknowledger) take(tag uint64) (*nats.Msg, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.pending[tag]
	if !ok {
		return nil, fmt.Errorf("unknown delivery tag %d", tag)
	}
	delete(a.pending, tag)
	return m, nil
}

func (a *natsAcknowledger) Ack(ctx context.Context, d *transport.Delivery) error {
	m, err := a.take(d.Tag)
	if err != nil {
		return transport.TransportError("ack", err)
	}
	if err := m.Ack(nats.Context(ctx)); err != nil {
		return transport.TransportError("ack", err)
	}
	return nil
}

func (a *natsAcknowledger) Nack(ctx context.Context, d *transport.Delivery, requeue bool) error {
	m, err := a.take(d.Tag)
	if err != nil {
		return transport.TransportError("nack", err)
	}
	if requeue {
		err = m.Nak(nats.Context(ctx))
	} else {
		err = m.Term(nats.Context(ctx))
	}
	if err != nil {
		return transport.TransportError("nack", err)
	}
	return nil
}

// natsSubject переводит шаблон привязки AMQP в subject NATS.
// "#" допускается только последним словом.
func natsSubject(exchange, pattern string) (string, error) {
	words := strings.Split(pattern, ".")
	for i, w := range words {
		if w == "#" {
			if i != len(words)-1 {
				return "", fmt.Errorf("nats: '#' is supported only as the last word, got %q", pattern)
			}
			words[i] = ">"
		}
	}
	return exchange + "." + strings.Join(words, "."), nil
}

func natsStreamName(exchange string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(exchange)
}

func natsDurableName(queue string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(queue)
}

func mergeFilters(single string, multi []string, subject string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range append(append([]string{single}, multi...), subject) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
