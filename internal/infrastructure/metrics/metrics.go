// Package metrics exposes Prometheus collectors for teaching sessions, the
// quota ledger, the event bus and the scheduler. Metrics implements the
// observer interfaces of each of those components.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/scheduler"
	"github.com/doubtdesk/teacher-core/pkg/circuitbreaker"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	SessionsStarted     prometheus.Counter
	SessionsEnded       *prometheus.CounterVec
	SessionMinutes      prometheus.Histogram
	StartFailures       *prometheus.CounterVec
	UtterancesTotal     *prometheus.CounterVec
	UtteranceDuration   *prometheus.HistogramVec
	InterruptsTotal     prometheus.Counter
	ProviderErrors      *prometheus.CounterVec
	TeachingMinutesUsed prometheus.Counter

	// Quota metrics
	ReservationsTotal *prometheus.CounterVec
	ReservedAmount    *prometheus.CounterVec

	// Event bus metrics
	EventsPublished *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
	HandlerErrors   *prometheus.CounterVec

	// Scheduler metrics
	JobRuns     *prometheus.CounterVec
	JobDuration *prometheus.HistogramVec

	// Provider circuit breakers
	BreakerState *prometheus.GaugeVec
}

// New creates a Metrics instance with every collector registered on a
// private registry. Process and Go runtime collectors are included.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "teacher"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_started_total",
			Help:      "Teaching sessions that reached the greeting step",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_ended_total",
			Help:      "Teaching sessions ended, by reason",
		}, []string{"reason"}),
		SessionMinutes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_minutes",
			Help:      "Teaching minutes consumed per session",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}),
		StartFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_start_failures_total",
			Help:      "Session starts that failed, by provider",
		}, []string{"provider"}),
		UtterancesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "utterances_total",
			Help:      "Teacher utterances, by step and outcome",
		}, []string{"step", "outcome"}),
		UtteranceDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "utterance_duration_seconds",
			Help:      "Spoken length of teacher utterances",
			Buckets:   []float64{1, 2, 5, 10, 20, 30, 60},
		}, []string{"step"}),
		InterruptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Student interruptions",
		}),
		ProviderErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Streaming provider errors, by provider and operation",
		}, []string{"provider", "op"}),
		TeachingMinutesUsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teaching_minutes_accrued_total",
			Help:      "Teaching minutes charged to learners",
		}),

		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reservations_total",
			Help:      "Quota reservations, by resource and decision",
		}, []string{"resource", "decision"}),
		ReservedAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_reserved_amount_total",
			Help:      "Amount granted by allowed reservations, by resource",
		}, []string{"resource"}),

		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Events queued on the bus",
		}, []string{"event_type"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Events dropped because a bus queue was full",
		}, []string{"event_type"}),
		HandlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_handler_duration_seconds",
			Help:      "Event handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_errors_total",
			Help:      "Event handler failures",
		}, []string{"event_type"}),

		JobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Scheduled job runs, by job and status",
		}, []string{"job", "status"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Scheduled job execution time",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120},
		}, []string{"job"}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "provider_breaker_state",
			Help:      "Circuit breaker state per provider (0 closed, 1 half-open, 2 open)",
		}, []string{"provider"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SessionsStarted,
		m.SessionsEnded,
		m.SessionMinutes,
		m.StartFailures,
		m.UtterancesTotal,
		m.UtteranceDuration,
		m.InterruptsTotal,
		m.ProviderErrors,
		m.TeachingMinutesUsed,
		m.ReservationsTotal,
		m.ReservedAmount,
		m.EventsPublished,
		m.EventsDropped,
		m.HandlerDuration,
		m.HandlerErrors,
		m.JobRuns,
		m.JobDuration,
		m.BreakerState,
	)
	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackLiveSessions registers a gauge that reads the live session count on
// every scrape.
func (m *Metrics) TrackLiveSessions(namespace string, count func() int) {
	if namespace == "" {
		namespace = "teacher"
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_live",
		Help:      "Teaching sessions currently registered",
	}, func() float64 { return float64(count()) }))
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION OBSERVER
// ══════════════════════════════════════════════════════════════════════════════

func (m *Metrics) SessionStarted() {
	m.SessionsStarted.Inc()
}

func (m *Metrics) SessionEnded(reason teaching.EndReason, minutes float64) {
	m.SessionsEnded.WithLabelValues(string(reason)).Inc()
	m.SessionMinutes.Observe(minutes)
}

func (m *Metrics) StartFailed(provider string) {
	m.StartFailures.WithLabelValues(provider).Inc()
}

func (m *Metrics) Utterance(step teaching.Step, outcome string, duration time.Duration) {
	m.UtterancesTotal.WithLabelValues(step.String(), outcome).Inc()
	if duration > 0 {
		m.UtteranceDuration.WithLabelValues(step.String()).Observe(duration.Seconds())
	}
}

func (m *Metrics) Interrupted() {
	m.InterruptsTotal.Inc()
}

func (m *Metrics) ProviderError(provider, op string) {
	m.ProviderErrors.WithLabelValues(provider, op).Inc()
}

func (m *Metrics) MinutesAccrued(minutes float64) {
	if minutes > 0 {
		m.TeachingMinutesUsed.Add(minutes)
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// QUOTA OBSERVER
// ══════════════════════════════════════════════════════════════════════════════

// ObserveReservation records a ledger decision.
func (m *Metrics) ObserveReservation(resource quota.Resource, allowed bool, amount float64) {
	decision := "denied"
	if allowed {
		decision = "allowed"
		if amount > 0 {
			m.ReservedAmount.WithLabelValues(resource.String()).Add(amount)
		}
	}
	m.ReservationsTotal.WithLabelValues(resource.String(), decision).Inc()
}

// ══════════════════════════════════════════════════════════════════════════════
// BUS OBSERVER
// ══════════════════════════════════════════════════════════════════════════════

func (m *Metrics) EventPublished(eventType shared.EventType) {
	m.EventsPublished.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) EventDropped(eventType shared.EventType) {
	m.EventsDropped.WithLabelValues(string(eventType)).Inc()
}

func (m *Metrics) HandlerDone(eventType shared.EventType, duration time.Duration, err error) {
	m.HandlerDuration.WithLabelValues(string(eventType)).Observe(duration.Seconds())
	if err != nil {
		m.HandlerErrors.WithLabelValues(string(eventType)).Inc()
	}
}

// ══════════════════════════════════════════════════════════════════════════════
// SCHEDULER OBSERVER
// ══════════════════════════════════════════════════════════════════════════════

// ObserveJob records a scheduled job result.
func (m *Metrics) ObserveJob(result scheduler.JobResult) {
	status := "success"
	if !result.Success {
		status = "failure"
	}
	m.JobRuns.WithLabelValues(result.JobName, status).Inc()
	m.JobDuration.WithLabelValues(result.JobName).Observe(result.Duration.Seconds())
}

// ══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKERS
// ══════════════════════════════════════════════════════════════════════════════

// BreakerChanged is a circuitbreaker state-change hook.
func (m *Metrics) BreakerChanged(name string, _, to circuitbreaker.State) {
	var v float64
	switch to {
	case circuitbreaker.StateHalfOpen:
		v = 1
	case circuitbreaker.StateOpen:
		v = 2
	}
	m.BreakerState.WithLabelValues(name).Set(v)
}
