package metrics_test

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/messaging"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/metrics"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/scheduler"
	"github.com/doubtdesk/teacher-core/pkg/circuitbreaker"
)

var (
	_ orchestrator.Observer = (*metrics.Metrics)(nil)
	_ quota.Observer        = (*metrics.Metrics)(nil)
	_ messaging.BusObserver = (*metrics.Metrics)(nil)
	_ scheduler.Observer    = (*metrics.Metrics)(nil)
)

func TestMetrics_Sessions(t *testing.T) {
	m := metrics.New("test")

	m.SessionStarted()
	m.Utterance(teaching.StepGreeting, orchestrator.OutcomeCompleted, 3*time.Second)
	m.Interrupted()
	m.MinutesAccrued(1.0 / 60)
	m.SessionEnded(teaching.EndQuotaExceeded, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsStarted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEnded.WithLabelValues("quota_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.UtterancesTotal.WithLabelValues(teaching.StepGreeting.String(), "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.InterruptsTotal))
	assert.InDelta(t, 1.0/60, testutil.ToFloat64(m.TeachingMinutesUsed), 1e-9)
}

func TestMetrics_Quota(t *testing.T) {
	m := metrics.New("test")

	m.ObserveReservation(quota.ResourceTextTurn, true, 1)
	m.ObserveReservation(quota.ResourceTextTurn, true, 1)
	m.ObserveReservation(quota.ResourceTextTurn, false, 1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("text_turn", "allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReservationsTotal.WithLabelValues("text_turn", "denied")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.ReservedAmount.WithLabelValues("text_turn")))
}

func TestMetrics_BusSchedulerAndBreakers(t *testing.T) {
	m := metrics.New("test")

	m.EventPublished(shared.EventSessionStateChanged)
	m.EventDropped(shared.EventSessionStateChanged)
	m.HandlerDone(shared.EventSessionEnded, time.Millisecond, errors.New("db down"))
	m.ObserveJob(scheduler.JobResult{JobName: "reap_idle_sessions", Success: true})
	m.BreakerChanged("elevenlabs", circuitbreaker.StateClosed, circuitbreaker.StateOpen)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsDropped.WithLabelValues(string(shared.EventSessionStateChanged))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HandlerErrors.WithLabelValues(string(shared.EventSessionEnded))))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.JobRuns.WithLabelValues("reap_idle_sessions", "success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.BreakerState.WithLabelValues("elevenlabs")))
}

func TestMetrics_Handler(t *testing.T) {
	m := metrics.New("test")
	m.TrackLiveSessions("test", func() int { return 3 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "test_sessions_live 3")
}
