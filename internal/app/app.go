// Package app собирает процессы API и воркеров саги из конфигурации.
package app

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	resttransport "github.com/LuanFBA/estoque-system/framework/adapters/transport"
	"github.com/LuanFBA/estoque-system/framework/container"
	"github.com/LuanFBA/estoque-system/framework/core"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/observability"
	"github.com/LuanFBA/estoque-system/framework/transport"
	"github.com/LuanFBA/estoque-system/internal/config"
	"github.com/LuanFBA/estoque-system/internal/contract"
	"github.com/LuanFBA/estoque-system/internal/httpapi"
	"github.com/LuanFBA/estoque-system/internal/ledger"
	"github.com/LuanFBA/estoque-system/internal/notify"
	"github.com/LuanFBA/estoque-system/internal/orders"
	"github.com/LuanFBA/estoque-system/internal/payment"
	"github.com/LuanFBA/estoque-system/internal/saga"
	"github.com/LuanFBA/estoque-system/internal/storage"
)

// StageAll запускает все стадии в одном процессе
const StageAll = "all"

// Stages имена стадий в порядке цепочки
var Stages = []string{saga.StageOrder, saga.StagePayment, saga.StageStock, saga.StageNotify}

// Options переопределения зависимостей. Пустое поле означает реализацию из конфигурации.
type Options struct {
	Bus      transport.Bus
	Ledger   ledger.Ledger
	Orders   orders.Repository
	Gateway  payment.Gateway
	Sender   notify.Sender
	LogSink  zapcore.WriteSyncer
	Observer saga.Observer
}

// App процесс с набором компонентов под управлением контейнера
type App struct {
	cfg       *config.Config
	telemetry *Telemetry
	container *container.Container
	bus       transport.Bus
	health    *observability.HealthRegistry
	rest      *resttransport.RESTAdapter
	workers   []*saga.Worker
}

// deps общие зависимости API и воркеров
type deps struct {
	ledger ledger.Ledger
	orders orders.Repository
}

func newApp(ctx context.Context, cfg *config.Config, service string, opts Options) (*App, error) {
	telemetry, err := SetupTelemetry(ctx, cfg, service, opts.LogSink)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:       cfg,
		telemetry: telemetry,
		container: container.NewContainer(&container.Config{ShutdownTimeout: cfg.App.ShutdownTimeout}),
		health:    observability.NewHealthRegistry(0),
	}

	a.bus = opts.Bus
	if a.bus == nil {
		if a.bus, err = NewMessageBus(cfg.Bus); err != nil {
			return nil, errors.Join(err, telemetry.Shutdown(ctx))
		}
	}

	if err := a.register(telemetry.Tracing, core.PriorityCritical); err != nil {
		return nil, errors.Join(err, telemetry.Shutdown(ctx))
	}
	if err := a.register(a.bus, core.PriorityHigh); err != nil {
		return nil, errors.Join(err, telemetry.Shutdown(ctx))
	}
	if err := a.container.Register(&topology{bus: a.bus}, core.PriorityNormal, a.bus.Name()); err != nil {
		return nil, errors.Join(err, telemetry.Shutdown(ctx))
	}

	bus := a.bus
	a.health.Register(observability.NewCheckFunc("bus", func(context.Context) error {
		if !bus.IsRunning() {
			return fmt.Errorf("%s is not running", bus.Name())
		}
		return nil
	}))
	return a, nil
}

func (a *App) register(c container.Component, priority core.Priority) error {
	return a.container.Register(c, priority)
}

// resolveDeps открывает PostgreSQL, если ledger или репозиторий заказов не переданы явно
func (a *App) resolveDeps(ctx context.Context, opts Options, needLedger, needOrders bool) (deps, error) {
	d := deps{ledger: opts.Ledger, orders: opts.Orders}
	if (!needLedger || d.ledger != nil) && (!needOrders || d.orders != nil) {
		return d, nil
	}

	pool, err := storage.NewPool(ctx, a.cfg.Postgres.DSN(), a.cfg.Postgres.MaxConns)
	if err != nil {
		return deps{}, err
	}
	db := &storage.Database{Pool: pool}
	if err := a.container.Register(db, core.PriorityCritical); err != nil {
		pool.Close()
		return deps{}, err
	}
	a.health.Register(observability.NewCheckFunc("database", db.HealthCheck))

	if d.ledger == nil {
		d.ledger = ledger.NewPostgresLedger(pool)
	}
	if d.orders == nil {
		d.orders = orders.NewPostgresRepository(pool)
	}
	return d, nil
}

// NewAPI собирает HTTP процесс: прием заказов и чтение склада
func NewAPI(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a, err := newApp(ctx, cfg, cfg.App.Name+"-api", opts)
	if err != nil {
		return nil, err
	}
	log := a.telemetry.Logger

	d, err := a.resolveDeps(ctx, opts, true, true)
	if err != nil {
		return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
	}

	emitter := contract.NewEmitter(a.bus, a.telemetry.Metrics)
	service := orders.NewService(d.orders, emitter, log, a.telemetry.Metrics)

	restCfg := resttransport.DefaultRESTConfig()
	restCfg.Host = cfg.App.Host
	restCfg.Port = cfg.App.Port
	restCfg.ShutdownTimeout = cfg.App.ShutdownTimeout
	a.rest, err = resttransport.NewRESTAdapter(restCfg, log, a.telemetry.Metrics)
	if err != nil {
		return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
	}

	router := a.rest.Router()
	router.Use(observability.HTTPTracingMiddleware(cfg.App.Name+"-api"), observability.CorrelationIDMiddleware())
	httpapi.New(service, d.ledger, a.health, log).Register(router, cfg.Telemetry.MetricsEnabled)

	if err := a.register(a.rest, core.PriorityLow); err != nil {
		return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
	}
	return a, nil
}

// ParseStages разбирает список стадий; "all" раскрывается во все стадии
func ParseStages(names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, errors.New("at least one stage is required")
	}
	var out []string
	for _, name := range names {
		if name == StageAll {
			return slices.Clone(Stages), nil
		}
		if !slices.Contains(Stages, name) {
			return nil, fmt.Errorf("unknown stage %q, expected one of %v or %s", name, Stages, StageAll)
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// NewWorkers собирает процесс потребителей для перечисленных стадий
func NewWorkers(ctx context.Context, cfg *config.Config, stages []string, opts Options) (*App, error) {
	stages, err := ParseStages(stages)
	if err != nil {
		return nil, err
	}

	a, err := newApp(ctx, cfg, cfg.App.Name+"-worker", opts)
	if err != nil {
		return nil, err
	}
	log := a.telemetry.Logger
	m := a.telemetry.Metrics

	d, err := a.resolveDeps(ctx, opts, slices.Contains(stages, saga.StageStock), false)
	if err != nil {
		return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
	}

	emitter := contract.NewEmitter(a.bus, m)
	runnerOpts := []saga.RunnerOption{saga.WithLogger(log), saga.WithMetrics(m)}
	if opts.Observer != nil {
		runnerOpts = append(runnerOpts, saga.WithObserver(opts.Observer))
	}

	for _, stage := range stages {
		var handler saga.Handler
		var queue string
		switch stage {
		case saga.StageOrder:
			handler, queue = saga.NewRelay(emitter), contract.QueueOrder
		case saga.StagePayment:
			gateway := opts.Gateway
			if gateway == nil {
				gateway = payment.ApproveAll{}
			}
			handler, queue = saga.NewPaymentStage(gateway, emitter, cfg.Payment.AttachReason, log), contract.QueuePayment
		case saga.StageStock:
			handler, queue = saga.NewStockStage(d.ledger, emitter, log, m), contract.QueueStock
		case saga.StageNotify:
			sender := opts.Sender
			if sender == nil {
				sender = notify.NewSMTPSender(cfg.SMTP)
			}
			handler, queue = saga.NewNotificationStage(sender, cfg.SMTP.NotifyEmail, log, m), contract.QueueNotify
		}

		worker := saga.NewWorker(saga.NewRunner(a.bus, queue, handler, runnerOpts...))
		if err := a.container.Register(worker, core.PriorityLow, a.bus.Name(), topologyName); err != nil {
			return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
		}
		a.workers = append(a.workers, worker)
	}

	if cfg.Telemetry.MetricsEnabled {
		restCfg := resttransport.DefaultRESTConfig()
		restCfg.Host = cfg.App.Host
		restCfg.Port = cfg.Telemetry.MetricsPort
		restCfg.ShutdownTimeout = cfg.App.ShutdownTimeout
		if a.rest, err = resttransport.NewRESTAdapter(restCfg, log, nil); err != nil {
			return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
		}
		a.rest.Router().GET("/metrics", gin.WrapH(metrics.Handler()))
		a.rest.Router().GET("/healthz", a.health.Handler())
		if err := a.register(a.rest, core.PriorityLow); err != nil {
			return nil, errors.Join(err, a.telemetry.Shutdown(ctx))
		}
	}

	log.Info("worker configured", zap.Strings("stages", stages), zap.String("bus", a.bus.Name()))
	return a, nil
}

// Logger логгер процесса
func (a *App) Logger() *zap.Logger {
	return a.telemetry.Logger
}

// Addr адрес HTTP сервера после Start (пустой, если сервера нет)
func (a *App) Addr() string {
	if a.rest == nil {
		return ""
	}
	return a.rest.Addr()
}

// Components имена компонентов в порядке запуска
func (a *App) Components() ([]string, error) {
	return a.container.Components()
}

// Start запускает компоненты по приоритету
func (a *App) Start(ctx context.Context) error {
	if err := a.container.Start(ctx); err != nil {
		return errors.Join(err, a.telemetry.Shutdown(ctx))
	}
	a.telemetry.Logger.Info("process started", zap.String("env", a.cfg.App.Env), zap.String("bus", a.bus.Name()))
	return nil
}

// Shutdown останавливает компоненты в обратном порядке и сбрасывает телеметрию
func (a *App) Shutdown(ctx context.Context) error {
	err := a.container.Shutdown(ctx)
	a.telemetry.Logger.Info("process stopped", zap.Error(err))
	return errors.Join(err, a.telemetry.Shutdown(ctx))
}

// Run запускает процесс и ждет отмены ctx или аварийного завершения воркера
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	failed := make(chan error, 1)
	for _, w := range a.workers {
		go func(w *saga.Worker) {
			select {
			case <-w.Done():
				if err := w.Err(); err != nil {
					select {
					case failed <- fmt.Errorf("%s stopped: %w", w.Name(), err):
					default:
					}
				}
			case <-ctx.Done():
			}
		}(w)
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.telemetry.Logger.Info("shutdown signal received")
	case runErr = <-failed:
		a.telemetry.Logger.Error("worker failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.App.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

const topologyName = "topology"

// topology объявляет exchange и привязки очередей после подключения шины
type topology struct {
	bus     transport.Bus
	running bool
}

func (t *topology) Name() string             { return topologyName }
func (t *topology) Type() core.ComponentType { return core.ComponentTypeAdapter }
func (t *topology) IsRunning() bool          { return t.running }

func (t *topology) Start(ctx context.Context) error {
	if err := contract.Declare(ctx, t.bus); err != nil {
		return err
	}
	t.running = true
	return nil
}

func (t *topology) Stop(ctx context.Context) error {
	t.running = false
	return nil
}
