// Package transport предоставляет HTTP сервер на gin как компонент с жизненным циклом.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/metrics"
)

// RESTConfig конфигурация для REST адаптера
type RESTConfig struct {
	Host              string
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultRESTConfig возвращает конфигурацию REST по умолчанию
func DefaultRESTConfig() RESTConfig {
	return RESTConfig{
		Host:              "0.0.0.0",
		Port:              8000,
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Validate проверяет корректность конфигурации
func (c RESTConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in 0..65535, got %d", c.Port)
	}
	return nil
}

// RESTAdapter HTTP сервер поверх gin.Engine
type RESTAdapter struct {
	config  RESTConfig
	router  *gin.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool
}

// NewRESTAdapter создает новый REST адаптер с recovery и метриками запросов
func NewRESTAdapter(config RESTConfig, logger *zap.Logger, m *metrics.Metrics) (*RESTAdapter, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid REST config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	adapter := &RESTAdapter{
		config:  config,
		router:  router,
		logger:  logger,
		metrics: m,
	}
	router.Use(gin.Recovery(), adapter.accessLog())
	return adapter, nil
}

// Router возвращает gin.Engine для регистрации маршрутов
func (r *RESTAdapter) Router() *gin.Engine {
	return r.router
}

// accessLog пишет запрос в лог и метрики
func (r *RESTAdapter) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		r.metrics.RecordHTTPRequest(c.Request.Context(), c.Request.Method, route, c.Writer.Status(), duration)
		r.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", duration),
		)
	}
}

// Start открывает порт и обслуживает запросы в фоне (реализация core.Lifecycle)
func (r *RESTAdapter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	addr := fmt.Sprintf("%s:%d", r.config.Host, r.config.Port)
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	r.listener = listener
	r.server = &http.Server{
		Handler:           r.router,
		ReadHeaderTimeout: r.config.ReadHeaderTimeout,
	}
	r.running = true

	go func(server *http.Server) {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server stopped", zap.Error(err))
		}
	}(r.server)

	r.logger.Info("http server listening", zap.String("addr", listener.Addr().String()))
	return nil
}

// Stop останавливает адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) Stop(ctx context.Context) error {
	r.mu.Lock()
	server := r.server
	r.server = nil
	r.running = false
	r.mu.Unlock()

	if server == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, r.config.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// Addr фактический адрес после Start
func (r *RESTAdapter) Addr() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listener == nil {
		return ""
	}
	return r.listener.Addr().String()
}

// IsRunning проверяет, запущен ли адаптер (реализация core.Lifecycle)
func (r *RESTAdapter) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Name возвращает имя компонента (реализация core.Component)
func (r *RESTAdapter) Name() string {
	return "rest-adapter"
}

// Type возвращает тип компонента (реализация core.Component)
func (r *RESTAdapter) Type() core.ComponentType {
	return core.ComponentTypeTransport
}
