package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestMetrics_Record(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetricsWithMeter(provider.Meter(MeterName))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordMessage(ctx, "stock", "payment.completed", true, 10*time.Millisecond)
	m.RecordMessage(ctx, "stock", "payment.completed", false, 5*time.Millisecond)
	m.RecordPublish(ctx, "order.processed")
	m.RecordReservation(ctx, true)
	m.RecordEmail(ctx, "order_processed", false)
	m.RecordTransport(ctx, "inmemory", "publish", time.Millisecond, true)
	m.RecordOrder(ctx)

	data := collect(t, reader)

	messages, ok := data["saga_messages_total"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range messages.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(2), total)
	assert.Len(t, messages.DataPoints, 2)

	for _, name := range []string{
		"saga_published_total",
		"saga_reservations_total",
		"saga_emails_total",
		"saga_transport_operations_total",
		"saga_orders_submitted_total",
		"saga_handle_duration_seconds",
	} {
		assert.Contains(t, data, name)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	assert.NotPanics(t, func() {
		m.RecordMessage(ctx, "relay", "order.created", true, time.Millisecond)
		m.IncrementInflight(ctx, "relay")
		m.DecrementInflight(ctx, "relay")
		m.RecordPublish(ctx, "payment.processing")
		m.RecordReservation(ctx, false)
		m.RecordEmail(ctx, "payment_failed", true)
		m.RecordTransport(ctx, "rabbitmq", "consume", 0, false)
		m.RecordOrder(ctx)
	})
}

func TestSetupMetrics_Disabled(t *testing.T) {
	provider, err := SetupMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, provider)
	assert.NoError(t, ShutdownMetrics(context.Background(), provider))
}
