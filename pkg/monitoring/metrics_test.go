package monitoring

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordStart(t *testing.T) {
	m := NewMetrics()

	m.RecordStart(SourcePool, nil, 200*time.Millisecond)
	m.RecordStart(SourceCold, nil, time.Second)
	m.RecordStart(SourceCold, errors.New("boom"), time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.startsTotal.WithLabelValues("success", SourcePool)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.startsTotal.WithLabelValues("success", SourceCold)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.startsTotal.WithLabelValues("error", SourceCold)))
}

func TestMetricsGauges(t *testing.T) {
	m := NewMetrics()

	m.SetSessions(map[string]int{"running": 3, "failed": 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(m.sessions.WithLabelValues("running")))

	m.SetSessions(map[string]int{"running": 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessions.WithLabelValues("running")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.sessions))

	m.SetPoolWarm(2)
	m.SetPortsInUse(5)
	m.SetRoutesActive(4)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolWarm))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.portsInUse))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.routesActive))

	m.RecordPoolClaim(true)
	m.RecordPoolClaim(false)
	m.RecordPoolClaim(false)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.poolClaims.WithLabelValues("miss")))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStart(SourceCold, nil, time.Second)
		m.RecordStop(nil)
		m.RecordRestart()
		m.RecordSessionFailure()
		m.SetSessions(map[string]int{"running": 1})
		m.SetPoolWarm(1)
		m.RecordPoolClaim(true)
		m.SetPortsInUse(1)
		m.RecordReconcile(time.Millisecond)
		m.SetRoutesActive(1)
		m.RecordOrphanRemoved()
	})
	assert.Nil(t, m.Registry())
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.RecordRestart()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "browserd_session_restarts_total 1")
}

func TestTracingDisabled(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, tm.Tracer())

	called := false
	err = tm.TraceOperation(context.Background(), "op", func(ctx context.Context) error {
		called = true
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, called)
	assert.NoError(t, tm.Shutdown(context.Background()))
}

func TestTraceOperationPropagatesError(t *testing.T) {
	tm, err := NewTracingManager(context.Background(), &TracingConfig{
		Enabled:       true,
		ServiceName:   "test",
		Exporter:      TracingExporterStdout,
		SamplingRatio: 1,
		ExportTimeout: time.Second,
	})
	require.NoError(t, err)
	defer tm.Shutdown(context.Background())

	want := errors.New("failed")
	got := tm.TraceOperation(context.Background(), "op", func(ctx context.Context) error { return want })
	assert.ErrorIs(t, got, want)
}

func TestUnsupportedExporter(t *testing.T) {
	_, err := NewTracingManager(context.Background(), &TracingConfig{Enabled: true, Exporter: "zipkin"})
	assert.Error(t, err)
}
