package app

import (
	"context"
	"errors"
	"fmt"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/LuanFBA/estoque-system/framework/logger"
	"github.com/LuanFBA/estoque-system/framework/metrics"
	"github.com/LuanFBA/estoque-system/framework/observability"
	"github.com/LuanFBA/estoque-system/internal/config"
)

// Telemetry логгер, метрики и трейсинг одного процесса
type Telemetry struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Tracing *observability.TracingManager

	meterProvider *sdkmetric.MeterProvider
	shutdownLogs  func(context.Context) error
}

// SetupTelemetry настраивает телеметрию процесса. sink == nil означает stderr.
func SetupTelemetry(ctx context.Context, cfg *config.Config, service string, sink zapcore.WriteSyncer) (*Telemetry, error) {
	t := &Telemetry{shutdownLogs: func(context.Context) error { return nil }}

	if cfg.Telemetry.OTelLogsEnabled {
		res, err := observability.NewResource(ctx, service, cfg.App.Version, cfg.App.Env)
		if err != nil {
			return nil, err
		}
		shutdown, err := logger.SetupOTelLogs(ctx, logger.OTelLogsConfig{
			Enabled:  true,
			Endpoint: cfg.Telemetry.OTelLogsEndpoint,
			Insecure: true,
		}, res)
		if err != nil {
			return nil, err
		}
		t.shutdownLogs = shutdown
	}

	logCfg := logger.Config{
		Level:       cfg.Telemetry.LogLevel,
		Format:      cfg.Telemetry.LogFormat,
		ServiceName: service,
		OTelBridge:  cfg.Telemetry.OTelLogsEnabled,
	}
	var err error
	if sink != nil {
		t.Logger, err = logger.NewWithSink(logCfg, sink)
	} else {
		t.Logger, err = logger.New(logCfg)
	}
	if err != nil {
		return nil, errors.Join(err, t.shutdownLogs(ctx))
	}

	// Провайдер метрик регистрируется до создания инструментов драйверов
	t.meterProvider, err = metrics.SetupMetrics(metrics.MetricsConfig{
		Enabled:       cfg.Telemetry.MetricsEnabled,
		ServiceName:   service,
		ResourceAttrs: map[string]string{"deployment.environment": cfg.App.Env},
	})
	if err != nil {
		return nil, errors.Join(err, t.shutdownLogs(ctx))
	}
	t.Metrics, err = metrics.NewMetrics()
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to create metrics: %w", err), t.Shutdown(ctx))
	}

	t.Tracing, err = observability.NewTracingManager(ctx, observability.TracingConfig{
		Enabled:          cfg.Telemetry.TracingEnabled,
		ServiceName:      service,
		ServiceVersion:   cfg.App.Version,
		Exporter:         cfg.Telemetry.TracingExporter,
		ExporterEndpoint: cfg.Telemetry.TracingEndpoint,
		SamplingRate:     cfg.Telemetry.TracingSamplingRate,
		Environment:      cfg.App.Env,
	})
	if err != nil {
		return nil, errors.Join(err, t.Shutdown(ctx))
	}
	return t, nil
}

// Shutdown сбрасывает буферы логов и метрик. Трейсинг останавливается контейнером.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	var errs []error
	if t.Logger != nil {
		// Sync на stderr возвращает EINVAL на части платформ
		_ = t.Logger.Sync()
	}
	if err := metrics.ShutdownMetrics(ctx, t.meterProvider); err != nil {
		errs = append(errs, err)
	}
	if err := t.shutdownLogs(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
