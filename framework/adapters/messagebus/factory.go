package messagebus

import (
	"fmt"
	"sort"
	"sync"

	"github.com/LuanFBA/estoque-system/framework/transport"
)

// Имена встроенных драйверов шины
const (
	DriverRabbitMQ = "rabbitmq"
	DriverInMemory = "inmemory"
	DriverNATS     = "nats"
	DriverKafka    = "kafka"
	DriverRedis    = "redis"
)

// Creator создает драйвер шины из конфигурации драйвера
type Creator func(config interface{}) (transport.Bus, error)

// Factory фабрика драйверов topic-шины
type Factory struct {
	creators map[string]Creator
	mu       sync.RWMutex
}

// NewFactory создает фабрику со встроенными драйверами
func NewFactory() *Factory {
	factory := &Factory{
		creators: make(map[string]Creator),
	}

	_ = factory.Register(DriverRabbitMQ, func(config interface{}) (transport.Bus, error) {
		cfg := DefaultRabbitMQConfig()
		switch c := config.(type) {
		case RabbitMQConfig:
			cfg = c
		case string:
			cfg.URL = c
		case nil:
		default:
			return nil, fmt.Errorf("invalid RabbitMQ config type: %T", config)
		}
		return NewRabbitMQAdapter(cfg)
	})

	_ = factory.Register(DriverInMemory, func(config interface{}) (transport.Bus, error) {
		cfg := DefaultInMemoryConfig()
		if c, ok := config.(InMemoryConfig); ok {
			cfg = c
		}
		return NewInMemoryAdapter(cfg), nil
	})

	_ = factory.Register(DriverNATS, func(config interface{}) (transport.Bus, error) {
		cfg := DefaultNATSConfig()
		switch c := config.(type) {
		case NATSConfig:
			cfg = c
		case string:
			cfg.URL = c
		case nil:
		default:
			return nil, fmt.Errorf("invalid NATS config type: %T", config)
		}
		return NewNATSAdapter(cfg)
	})

	_ = factory.Register(DriverKafka, func(config interface{}) (transport.Bus, error) {
		cfg := DefaultKafkaConfig()
		switch c := config.(type) {
		case KafkaConfig:
			cfg = c
		case nil:
		default:
			return nil, fmt.Errorf("invalid Kafka config type: %T", config)
		}
		return NewKafkaAdapter(cfg)
	})

	_ = factory.Register(DriverRedis, func(config interface{}) (transport.Bus, error) {
		cfg := DefaultRedisConfig()
		switch c := config.(type) {
		case RedisConfig:
			cfg = c
		case nil:
		default:
			return nil, fmt.Errorf("invalid Redis config type: %T", config)
		}
		return NewRedisAdapter(cfg)
	})

	return factory
}

// Create создает драйвер указанного типа
func (f *Factory) Create(driver string, config interface{}) (transport.Bus, error) {
	f.mu.RLock()
	creator, exists := f.creators[driver]
	f.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("unknown message bus driver: %s", driver)
	}

	bus, err := creator(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s adapter: %w", driver, err)
	}
	return bus, nil
}

// Register регистрирует драйвер
func (f *Factory) Register(name string, creator Creator) error {
	if name == "" {
		return fmt.Errorf("driver name cannot be empty")
	}
	if creator == nil {
		return fmt.Errorf("creator function cannot be nil")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.creators[name]; exists {
		return fmt.Errorf("driver %s already registered", name)
	}
	f.creators[name] = creator
	return nil
}

// Drivers возвращает имена зарегистрированных драйверов
func (f *Factory) Drivers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	names := make([]string, 0, len(f.creators))
	for name := range f.creators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
