package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func withPropagator(t *testing.T) {
	t.Helper()
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })
}

func TestTracingConfig_Validate(t *testing.T) {
	assert.NoError(t, TracingConfig{}.Validate())
	assert.NoError(t, TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 1}.Validate())
	assert.Error(t, TracingConfig{Enabled: true, Exporter: "otlp"}.Validate())
	assert.Error(t, TracingConfig{Enabled: true, Exporter: "carrier"}.Validate())
	assert.Error(t, TracingConfig{Enabled: true, Exporter: "stdout", SamplingRate: 2}.Validate())
}

func TestNewTracingManager_Disabled(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotNil(t, tm.Tracer())

	require.NoError(t, tm.Start(context.Background()))
	assert.True(t, tm.IsRunning())
	require.NoError(t, tm.Stop(context.Background()))
	assert.False(t, tm.IsRunning())
}

func TestInjectExtractHeaders_RoundTrip(t *testing.T) {
	withPropagator(t)
	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())

	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()
	ctx = InjectCorrelationID(ctx, "corr-1")

	original := map[string]string{"content-type": "application/json"}
	headers := InjectHeaders(ctx, original)

	assert.NotContains(t, original, "traceparent", "input map must not be mutated")
	assert.NotEmpty(t, headers["traceparent"])
	assert.Equal(t, "corr-1", headers[CorrelationIDHeader])
	assert.Equal(t, "application/json", headers["content-type"])

	restored := ExtractHeaders(context.Background(), headers)
	sc := trace.SpanContextFromContext(restored)
	assert.Equal(t, span.SpanContext().TraceID(), sc.TraceID())
	assert.Equal(t, "corr-1", ExtractCorrelationID(restored))
}

func TestStartConsumerSpan_ContinuesTrace(t *testing.T) {
	withPropagator(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	parentCtx, parent := tp.Tracer("test").Start(context.Background(), "submit")
	headers := InjectHeaders(parentCtx, nil)
	parent.End()

	_, span := StartConsumerSpan(context.Background(), "payment", "payment_queue", "payment.processing", headers)
	RecordSpanError(span, errors.New("gateway down"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	consumer := ended[1]
	assert.Equal(t, "payment process", consumer.Name())
	assert.Equal(t, parent.SpanContext().TraceID(), consumer.SpanContext().TraceID())
	assert.Equal(t, parent.SpanContext().SpanID(), consumer.Parent().SpanID())
	assert.Len(t, consumer.Events(), 1)
}

func TestTracePublish(t *testing.T) {
	called := false
	err := TracePublish(context.Background(), "stock_events", "order.created", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)

	boom := errors.New("boom")
	assert.ErrorIs(t, TracePublish(context.Background(), "stock_events", "order.created", func(context.Context) error { return boom }), boom)
}

func TestCorrelationIDMiddleware(t *testing.T) {
	r := gin.New()
	r.Use(CorrelationIDMiddleware())
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, ExtractCorrelationID(c.Request.Context()))
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(CorrelationIDHeader, "abc-123")
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Body.String())
	assert.Equal(t, "abc-123", w.Header().Get(CorrelationIDHeader))

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, w.Header().Get(CorrelationIDHeader))
}

func TestHealthRegistry(t *testing.T) {
	reg := NewHealthRegistry(0)
	reg.Register(NewCheckFunc("bus", func(context.Context) error { return nil }))

	r := gin.New()
	r.GET("/healthz", reg.Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	reg.Register(NewCheckFunc("database", func(context.Context) error { return errors.New("connection refused") }))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var result HealthCheckResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, "unhealthy", result.Status)
	assert.Equal(t, "healthy", result.Checks["bus"].Status)
	assert.Equal(t, "connection refused", result.Checks["database"].Message)
}

func TestCheckFunc_Nil(t *testing.T) {
	assert.Error(t, NewCheckFunc("nil", nil).Check(context.Background()))
}
