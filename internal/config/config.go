// Package config загружает конфигурацию сервиса из переменных окружения.
// Конфигурация создается один раз в main и передается явно.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/LuanFBA/estoque-system/framework/adapters/messagebus"
)

// Config конфигурация сервиса
type Config struct {
	App       AppConfig
	Postgres  PostgresConfig
	Bus       BusConfig
	SMTP      SMTPConfig
	Payment   PaymentConfig
	Telemetry TelemetryConfig
}

// AppConfig параметры процесса
type AppConfig struct {
	Name            string
	Env             string
	Host            string
	Port            int
	Version         string
	ShutdownTimeout time.Duration
}

// Addr адрес HTTP сервера
func (c AppConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// PostgresConfig параметры подключения к PostgreSQL
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	// URL переопределяет DSN, собранный из полей выше
	URL string
}

// DSN строка подключения
func (c PostgresConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

// BusConfig выбор и параметры драйвера шины
type BusConfig struct {
	Driver string

	RabbitMQHost              string
	RabbitMQPort              int
	RabbitMQUser              string
	RabbitMQPassword          string
	RabbitMQVHost             string
	RabbitMQHeartbeat         time.Duration
	RabbitMQConnectionTimeout time.Duration

	NATSURL string

	KafkaBrokers []string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// AMQPURL адрес RabbitMQ
func (c BusConfig) AMQPURL() string {
	return messagebus.BuildAMQPURL(c.RabbitMQHost, c.RabbitMQPort, c.RabbitMQUser, c.RabbitMQPassword, c.RabbitMQVHost)
}

// SMTPConfig параметры отправки email. Пустой Host отключает отправку.
type SMTPConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	From     string
	TLS      bool
	// NotifyEmail получатель по умолчанию, если в событии нет email
	NotifyEmail string
}

// PaymentConfig параметры стадии оплаты
type PaymentConfig struct {
	// AttachReason добавляет текст ошибки шлюза в reason события payment.failed
	AttachReason bool
}

// TelemetryConfig параметры логов, трейсинга и метрик
type TelemetryConfig struct {
	LogLevel            string
	LogFormat           string
	TracingEnabled      bool
	TracingExporter     string
	TracingEndpoint     string
	TracingSamplingRate float64
	OTelLogsEnabled     bool
	OTelLogsEndpoint    string
	MetricsEnabled      bool
	MetricsPort         int
}

// Load читает конфигурацию из окружения и проверяет ее
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.App.Name = getEnv("APP_NAME", "estoque-system")
	cfg.App.Env = getEnv("APP_ENV", "development")
	cfg.App.Host = getEnv("APP_HOST", "0.0.0.0")
	cfg.App.Version = getEnv("APP_VERSION", "0.1.0")

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	cfg.App.Port, err = getEnvInt("APP_PORT", 8000)
	collect(err)
	cfg.App.ShutdownTimeout, err = getEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
	collect(err)

	cfg.Postgres.Host = getEnv("POSTGRES_HOST", "postgres")
	cfg.Postgres.Port, err = getEnvInt("POSTGRES_PORT", 5432)
	collect(err)
	cfg.Postgres.User = getEnv("POSTGRES_USER", "")
	cfg.Postgres.Password = getEnv("POSTGRES_PASSWORD", "")
	cfg.Postgres.Database = getEnv("POSTGRES_DB", "")
	cfg.Postgres.SSLMode = getEnv("POSTGRES_SSLMODE", "disable")
	cfg.Postgres.MaxConns, err = getEnvInt("POSTGRES_MAX_CONNS", 10)
	collect(err)
	cfg.Postgres.URL = getEnv("DATABASE_URL", "")

	cfg.Bus.Driver = getEnv("BUS_DRIVER", messagebus.DriverRabbitMQ)
	cfg.Bus.RabbitMQHost = getEnv("RABBITMQ_HOST", "rabbitmq")
	cfg.Bus.RabbitMQPort, err = getEnvInt("RABBITMQ_PORT", 5672)
	collect(err)
	cfg.Bus.RabbitMQUser = getEnv("RABBITMQ_USER", "guest")
	cfg.Bus.RabbitMQPassword = getEnv("RABBITMQ_PASSWORD", "guest")
	cfg.Bus.RabbitMQVHost = getEnv("RABBITMQ_VHOST", "/")
	cfg.Bus.RabbitMQHeartbeat, err = getEnvDuration("RABBITMQ_HEARTBEAT", 600*time.Second)
	collect(err)
	cfg.Bus.RabbitMQConnectionTimeout, err = getEnvDuration("RABBITMQ_CONNECTION_TIMEOUT", 300*time.Second)
	collect(err)
	cfg.Bus.NATSURL = getEnv("NATS_URL", "nats://localhost:4222")
	cfg.Bus.KafkaBrokers = splitList(getEnv("KAFKA_BROKERS", "localhost:9092"))
	cfg.Bus.RedisAddr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Bus.RedisPassword = getEnv("REDIS_PASSWORD", "")
	cfg.Bus.RedisDB, err = getEnvInt("REDIS_DB", 0)
	collect(err)

	cfg.SMTP.Host = getEnv("SMTP_HOST", "")
	cfg.SMTP.Port, err = getEnvInt("SMTP_PORT", 587)
	collect(err)
	cfg.SMTP.User = getEnv("SMTP_USER", "")
	cfg.SMTP.Password = getEnv("SMTP_PASSWORD", "")
	cfg.SMTP.From = getEnv("SMTP_FROM", "")
	cfg.SMTP.TLS, err = getEnvBool("SMTP_TLS", true)
	collect(err)
	cfg.SMTP.NotifyEmail = getEnv("NOTIFY_EMAIL", "")

	cfg.Payment.AttachReason, err = getEnvBool("PAYMENT_ATTACH_REASON", false)
	collect(err)

	cfg.Telemetry.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.Telemetry.LogFormat = getEnv("LOG_FORMAT", "json")
	cfg.Telemetry.TracingEnabled, err = getEnvBool("TRACING_ENABLED", false)
	collect(err)
	cfg.Telemetry.TracingExporter = getEnv("TRACING_EXPORTER", "otlp")
	cfg.Telemetry.TracingEndpoint = getEnv("TRACING_ENDPOINT", "")
	cfg.Telemetry.TracingSamplingRate, err = getEnvFloat("TRACING_SAMPLING_RATE", 1.0)
	collect(err)
	cfg.Telemetry.OTelLogsEnabled, err = getEnvBool("OTEL_LOGS_ENABLED", false)
	collect(err)
	cfg.Telemetry.OTelLogsEndpoint = getEnv("OTEL_LOGS_ENDPOINT", "")
	cfg.Telemetry.MetricsEnabled, err = getEnvBool("METRICS_ENABLED", true)
	collect(err)
	cfg.Telemetry.MetricsPort, err = getEnvInt("METRICS_PORT", 9100)
	collect(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate проверяет значения и возвращает все ошибки сразу
func (c *Config) Validate() error {
	var errs []error

	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be in 1..65535, got %d", c.App.Port))
	}
	if c.App.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("SHUTDOWN_TIMEOUT must be positive"))
	}
	if c.Postgres.MaxConns <= 0 {
		errs = append(errs, errors.New("POSTGRES_MAX_CONNS must be positive"))
	}

	switch c.Bus.Driver {
	case messagebus.DriverRabbitMQ:
		if c.Bus.RabbitMQHost == "" {
			errs = append(errs, errors.New("RABBITMQ_HOST is required for the rabbitmq driver"))
		}
	case messagebus.DriverNATS:
		if c.Bus.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required for the nats driver"))
		}
	case messagebus.DriverKafka:
		if len(c.Bus.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS is required for the kafka driver"))
		}
	case messagebus.DriverRedis:
		if c.Bus.RedisAddr == "" {
			errs = append(errs, errors.New("REDIS_ADDR is required for the redis driver"))
		}
	case messagebus.DriverInMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown BUS_DRIVER %q", c.Bus.Driver))
	}

	if c.SMTP.Host != "" && c.SMTP.From == "" {
		errs = append(errs, errors.New("SMTP_FROM is required when SMTP_HOST is set"))
	}

	switch c.Telemetry.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Telemetry.LogFormat))
	}
	if c.Telemetry.TracingSamplingRate < 0 || c.Telemetry.TracingSamplingRate > 1 {
		errs = append(errs, errors.New("TRACING_SAMPLING_RATE must be between 0 and 1"))
	}

	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q", key, value)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s: invalid boolean %q", key, value)
	}
	return b, nil
}

func getEnvFloat(key string, defaultValue float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid number %q", key, value)
	}
	return f, nil
}

// getEnvDuration принимает формат time.ParseDuration или целое число секунд
func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", key, value)
	}
	return d, nil
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
