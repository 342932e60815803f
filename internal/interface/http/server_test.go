package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/pkg/logger"
)

func newTestServer(health *HealthChecker, metrics http.Handler) *Server {
	return NewServer(Config{}, Dependencies{
		Health:       health,
		Metrics:      metrics,
		LiveSessions: func() int { return 3 },
		Logger:       logger.Discard(),
	})
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz_ReportsLiveSessions(t *testing.T) {
	rec := get(t, newTestServer(nil, nil), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body liveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	require.NotNil(t, body.LiveSessions)
	assert.Equal(t, 3, *body.LiveSessions)
}

func TestReadyz_HardFailureIsUnavailable(t *testing.T) {
	health := NewHealthChecker("test")
	health.AddCheck("postgres", func(context.Context) error { return nil })
	health.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	rec := get(t, newTestServer(health, nil), "/readyz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.Healthy)
	assert.Equal(t, "failing: redis", status.Message)
	assert.True(t, status.Checks["postgres"].Healthy)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestReadyz_SoftFailureDegrades(t *testing.T) {
	health := NewHealthChecker("test")
	health.AddCheck("sqlite", func(context.Context) error { return nil })
	health.AddSoftCheck("breaker.speech_synthesis", func(context.Context) error { return errors.New("open") })

	rec := get(t, newTestServer(health, nil), "/readyz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Healthy)
	assert.Equal(t, []string{"breaker.speech_synthesis"}, status.Degraded)
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("teacher_live_sessions 3\n"))
	})
	s := newTestServer(nil, metrics)

	rec := get(t, s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "teacher_live_sessions")

	assert.Equal(t, http.StatusNotFound, get(t, newTestServer(nil, nil), "/metrics").Code)
}

func TestHealthChecker_NoChecks(t *testing.T) {
	status := NewHealthChecker("v").Check(context.Background())
	assert.True(t, status.Healthy)
	assert.Equal(t, "v", status.Version)
}
