package app

import (
	"fmt"

	"github.com/LuanFBA/estoque-system/framework/adapters/messagebus"
	"github.com/LuanFBA/estoque-system/framework/transport"
	"github.com/LuanFBA/estoque-system/internal/config"
)

// busDriverConfig переводит настройки процесса в конфигурацию выбранного драйвера
func busDriverConfig(cfg config.BusConfig) (interface{}, error) {
	switch cfg.Driver {
	case messagebus.DriverRabbitMQ:
		c := messagebus.DefaultRabbitMQConfig()
		c.URL = cfg.AMQPURL()
		if cfg.RabbitMQHeartbeat > 0 {
			c.Heartbeat = cfg.RabbitMQHeartbeat
		}
		if cfg.RabbitMQConnectionTimeout > 0 {
			c.ConnectionTimeout = cfg.RabbitMQConnectionTimeout
		}
		return c, nil
	case messagebus.DriverNATS:
		c := messagebus.DefaultNATSConfig()
		if cfg.NATSURL != "" {
			c.URL = cfg.NATSURL
		}
		return c, nil
	case messagebus.DriverKafka:
		c := messagebus.DefaultKafkaConfig()
		if len(cfg.KafkaBrokers) > 0 {
			c.Brokers = cfg.KafkaBrokers
		}
		return c, nil
	case messagebus.DriverRedis:
		c := messagebus.DefaultRedisConfig()
		if cfg.RedisAddr != "" {
			c.Addr = cfg.RedisAddr
		}
		c.Password = cfg.RedisPassword
		c.DB = cfg.RedisDB
		return c, nil
	case messagebus.DriverInMemory:
		c := messagebus.DefaultInMemoryConfig()
		c.EnableMetrics = true
		return c, nil
	default:
		return nil, fmt.Errorf("unknown message bus driver: %s", cfg.Driver)
	}
}

// NewMessageBus создает драйвер шины по настройкам процесса
func NewMessageBus(cfg config.BusConfig) (transport.Bus, error) {
	driverConfig, err := busDriverConfig(cfg)
	if err != nil {
		return nil, err
	}
	return messagebus.NewFactory().Create(cfg.Driver, driverConfig)
}
