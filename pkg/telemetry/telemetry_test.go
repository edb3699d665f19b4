package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
	require.NoError(t, TestConfig().Validate())

	prod := ProductionConfig()
	assert.Error(t, prod.Validate(), "otlp needs an endpoint")
	prod.Tracing.Endpoint = "collector:4317"
	assert.NoError(t, prod.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing service name", func(c *Config) { c.ServiceName = "" }},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad exporter", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.Exporter = "jaeger" }},
		{"bad sampling", func(c *Config) { c.Tracing.SamplingRate = 1.5 }},
		{"no metrics address", func(c *Config) { c.Metrics.ListenAddress = "" }},
		{"no event buffer", func(c *Config) { c.Events.BufferSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoggerFlightFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "debug").
		NewComponentLogger("engine").
		WithFlight("f-1", "ingest").
		WithStep("copy", 1, "DOING")

	logger.WithError(errors.New("disk full")).Warn("step failed")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "engine", entry["component"])
	assert.Equal(t, "f-1", entry["flight_id"])
	assert.Equal(t, "ingest", entry["flight_class"])
	assert.Equal(t, "copy", entry["step"])
	assert.Equal(t, float64(1), entry["step_index"])
	assert.Equal(t, "DOING", entry["direction"])
	assert.Equal(t, "disk full", entry["error"])
	assert.Equal(t, "warn", entry["level"])
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, "warn")
	logger.Info("hidden")
	assert.Zero(t, buf.Len())
	logger.Error("shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerContext(t *testing.T) {
	logger := NopLogger().WithFlightID("f-2")
	ctx := logger.WithContext(context.Background())
	assert.Same(t, logger, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}

func TestMetricsRecording(t *testing.T) {
	cfg := DefaultConfig().Metrics
	m, err := NewMetrics(cfg)
	require.NoError(t, err)

	m.RecordFlightStarted("ingest")
	m.RecordFlightStarted("ingest")
	m.RecordFlightCompleted("ingest", "SUCCESS", time.Second)
	m.RecordStepExecution("ingest", "copy", "DOING", "FAILURE_RETRY", 10*time.Millisecond)
	m.RecordStepRetry("ingest", "copy")
	m.RecordUndoFailure("ingest", "create")
	m.RecordRecoveryPass(3, 5, nil)
	m.RecordJobRequest("submit", "ok")
	m.SetPoolStats(2, 1, 4)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.flightsStarted.WithLabelValues("ingest")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.flightsCompleted.WithLabelValues("ingest", "SUCCESS")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stepRetries.WithLabelValues("ingest", "copy")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.undoFailures.WithLabelValues("ingest", "create")))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.recoveryClaims))
	assert.Equal(t, float64(5), testutil.ToFloat64(m.recoveryResubmits))
	assert.Equal(t, float64(4), testutil.ToFloat64(m.poolWaiting))
	assert.NotNil(t, m.Server(nil))
}

func TestMetricsServerHealth(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, ListenAddress: ":0"})
	require.NoError(t, err)

	healthy := true
	srv := m.Server(func(context.Context) error {
		if !healthy {
			return errors.New("store unreachable")
		}
		return nil
	})
	require.NotNil(t, srv)

	rec := httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	healthy = false
	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store unreachable")

	rec = httptest.NewRecorder()
	srv.Handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsDisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	require.NoError(t, err)
	assert.NotPanics(t, func() {
		m.RecordFlightStarted("x")
		m.RecordFlightCompleted("x", "FATAL", time.Second)
		m.RecordStepExecution("x", "s", "UNDOING", "SUCCESS", 0)
		m.SetPoolStats(1, 1, 1)
	})
	assert.Nil(t, m.Server(nil))
	assert.Nil(t, m.Registry())

	var nilMetrics *Metrics
	assert.NotPanics(t, func() { nilMetrics.RecordError("fatal", "X") })
}

func TestTracerDisabledCreatesSpans(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "flightdeck", "test", "test")
	require.NoError(t, err)

	ctx, span := tr.StartFlightSpan(context.Background(), "f-1", "ingest")
	_, step := tr.StartStepSpan(ctx, "copy", 0, "DOING")
	RecordError(step, errors.New("boom"))
	step.End()
	RecordSuccess(span)
	span.End()
	assert.NoError(t, tr.Shutdown(context.Background()))
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	require.NoError(t, err)
	ep.SetSource("worker-a")

	var (
		mu  sync.Mutex
		got []Event
	)
	done := make(chan struct{}, 4)
	unsubscribe := ep.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
		done <- struct{}{}
	}, And(FilterByFlightID("f-1"), FilterByType(EventTypeFlightCompleted)))

	require.NoError(t, ep.PublishFlightEvent(EventTypeFlightStarted, "f-1", "ingest", "started", nil))
	require.NoError(t, ep.PublishFlightEvent(EventTypeFlightCompleted, "f-2", "ingest", "done", nil))
	require.NoError(t, ep.PublishFlightEvent(EventTypeFlightCompleted, "f-1", "ingest", "done", nil))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
	mu.Lock()
	require.Len(t, got, 1)
	assert.Equal(t, "f-1", got[0].FlightID)
	assert.Equal(t, "worker-a", got[0].Source)
	assert.NotEmpty(t, got[0].ID)
	mu.Unlock()

	unsubscribe()
	require.NoError(t, ep.PublishFlightEvent(EventTypeFlightCompleted, "f-1", "ingest", "again", nil))
	select {
	case <-done:
		t.Fatal("delivered after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventPublisherAsyncShutdown(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 8})
	require.NoError(t, err)

	received := make(chan Event, 8)
	ep.Subscribe(func(e Event) { received <- e }, FilterByLevel(EventLevelWarning))

	require.NoError(t, ep.PublishStepEvent(EventTypeStepCompleted, "f-1", "c", "s", nil))
	require.NoError(t, ep.PublishStepEvent(EventTypeStepFailed, "f-1", "c", "s", nil))

	select {
	case e := <-received:
		assert.Equal(t, EventTypeStepFailed, e.Type)
		assert.Equal(t, EventLevelWarning, e.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, ep.Shutdown(ctx))
	assert.Error(t, ep.Publish(Event{Type: EventTypeFlightStarted}))
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{})
	require.NoError(t, err)
	assert.NoError(t, ep.Publish(Event{Type: EventTypeFlightStarted}))
	assert.Error(t, func() error {
		_, err := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true})
		return err
	}())
}
