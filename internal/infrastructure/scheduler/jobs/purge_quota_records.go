package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
)

// ══════════════════════════════════════════════════════════════════════════════
// PURGE QUOTA RECORDS JOB
// ══════════════════════════════════════════════════════════════════════════════

// PurgeQuotaRecordsJob deletes quota counters whose period ended more than
// RetainFor ago. Recent past periods are kept for usage history.
type PurgeQuotaRecordsJob struct {
	purger quota.Purger
	logger *slog.Logger
	config PurgeQuotaRecordsConfig
	now    func() time.Time

	lastRunStats atomic.Value // PurgeQuotaRecordsStats
}

// PurgeQuotaRecordsConfig contains configuration for the job.
type PurgeQuotaRecordsConfig struct {
	// RetainFor keeps records this long after their period rolled over.
	// Zero or less disables purging.
	RetainFor time.Duration

	// Timeout bounds one run.
	Timeout time.Duration
}

// DefaultPurgeQuotaRecordsConfig returns sensible defaults.
func DefaultPurgeQuotaRecordsConfig() PurgeQuotaRecordsConfig {
	return PurgeQuotaRecordsConfig{
		RetainFor: 35 * 24 * time.Hour,
		Timeout:   time.Minute,
	}
}

// PurgeQuotaRecordsStats describes one run.
type PurgeQuotaRecordsStats struct {
	StartedAt time.Time
	Cutoff    time.Time
	Duration  time.Duration
	Purged    int64
}

// NewPurgeQuotaRecordsJob creates the job.
func NewPurgeQuotaRecordsJob(purger quota.Purger, logger *slog.Logger, config PurgeQuotaRecordsConfig) *PurgeQuotaRecordsJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &PurgeQuotaRecordsJob{
		purger: purger,
		logger: logger.With("job", "purge_quota_records"),
		config: config,
		now:    time.Now,
	}
}

// WithClock replaces the clock used to compute the cutoff.
func (j *PurgeQuotaRecordsJob) WithClock(now func() time.Time) *PurgeQuotaRecordsJob {
	j.now = now
	return j
}

// Name returns the job name.
func (j *PurgeQuotaRecordsJob) Name() string {
	return "purge_quota_records"
}

// Description returns a human-readable description.
func (j *PurgeQuotaRecordsJob) Description() string {
	return "Deletes quota counters of periods that ended before the retention window"
}

// Run executes the job.
func (j *PurgeQuotaRecordsJob) Run(ctx context.Context) error {
	if j.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.config.Timeout)
		defer cancel()
	}

	if j.config.RetainFor <= 0 {
		j.logger.Debug("retention disabled, nothing purged")
		return nil
	}

	startedAt := j.now()
	cutoff := startedAt.Add(-j.config.RetainFor)

	purged, err := j.purger.PurgeExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("purge quota records before %s: %w", cutoff.Format(time.RFC3339), err)
	}

	j.lastRunStats.Store(PurgeQuotaRecordsStats{
		StartedAt: startedAt,
		Cutoff:    cutoff,
		Duration:  j.now().Sub(startedAt),
		Purged:    purged,
	})

	j.logger.Info("purged quota records",
		"purged", purged,
		"cutoff", cutoff.Format(time.RFC3339),
	)
	return nil
}

// LastRunStats returns the stats of the most recent successful run.
func (j *PurgeQuotaRecordsJob) LastRunStats() (PurgeQuotaRecordsStats, bool) {
	stats, ok := j.lastRunStats.Load().(PurgeQuotaRecordsStats)
	return stats, ok
}
