// Package jobs contains the maintenance jobs run by the scheduler.
package jobs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// REAP IDLE SESSIONS JOB
// ══════════════════════════════════════════════════════════════════════════════

// SessionReaper ends abandoned sessions. classroom.Manager implements it.
type SessionReaper interface {
	ReapIdle(ctx context.Context, ttl time.Duration) int
	Count() int
}

// ReapIdleSessionsJob ends teaching sessions nobody has spoken in for longer
// than the idle TTL. An abandoned session would otherwise keep its accrual
// ticker running and charge the learner minutes.
type ReapIdleSessionsJob struct {
	reaper SessionReaper
	logger *slog.Logger
	config ReapIdleSessionsConfig

	lastRunStats atomic.Value // ReapIdleSessionsStats
}

// ReapIdleSessionsConfig contains configuration for the job.
type ReapIdleSessionsConfig struct {
	// IdleTTL is how long a session may go without an utterance.
	IdleTTL time.Duration
}

// DefaultReapIdleSessionsConfig returns sensible defaults.
func DefaultReapIdleSessionsConfig() ReapIdleSessionsConfig {
	return ReapIdleSessionsConfig{IdleTTL: 10 * time.Minute}
}

// ReapIdleSessionsStats describes one run.
type ReapIdleSessionsStats struct {
	StartedAt time.Time
	Duration  time.Duration
	Live      int
	Reaped    int
}

// NewReapIdleSessionsJob creates the job.
func NewReapIdleSessionsJob(reaper SessionReaper, logger *slog.Logger, config ReapIdleSessionsConfig) *ReapIdleSessionsJob {
	if logger == nil {
		logger = slog.Default()
	}
	if config.IdleTTL <= 0 {
		config.IdleTTL = DefaultReapIdleSessionsConfig().IdleTTL
	}
	return &ReapIdleSessionsJob{
		reaper: reaper,
		logger: logger.With("job", "reap_idle_sessions"),
		config: config,
	}
}

// Name returns the job name.
func (j *ReapIdleSessionsJob) Name() string {
	return "reap_idle_sessions"
}

// Description returns a human-readable description.
func (j *ReapIdleSessionsJob) Description() string {
	return "Ends teaching sessions that have been idle past the TTL"
}

// Run executes the job.
func (j *ReapIdleSessionsJob) Run(ctx context.Context) error {
	startedAt := time.Now()
	live := j.reaper.Count()
	reaped := j.reaper.ReapIdle(ctx, j.config.IdleTTL)

	stats := ReapIdleSessionsStats{
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
		Live:      live,
		Reaped:    reaped,
	}
	j.lastRunStats.Store(stats)

	if reaped > 0 {
		j.logger.Info("reaped idle sessions",
			"reaped", reaped,
			"live", live,
			"idle_ttl", j.config.IdleTTL.String(),
		)
	}
	return ctx.Err()
}

// LastRunStats returns the stats of the most recent run.
func (j *ReapIdleSessionsJob) LastRunStats() (ReapIdleSessionsStats, bool) {
	stats, ok := j.lastRunStats.Load().(ReapIdleSessionsStats)
	return stats, ok
}
