package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/infrastructure/scheduler"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	block chan struct{}
	err   error
}

func (j *countingJob) Name() string        { return j.name }
func (j *countingJob) Description() string { return "test job " + j.name }

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		select {
		case <-j.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return j.err
}

type resultLog struct {
	mu      sync.Mutex
	results []scheduler.JobResult
}

func (l *resultLog) ObserveJob(r scheduler.JobResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.results = append(l.results, r)
}

func (l *resultLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.results)
}

func newScheduler(obs scheduler.Observer) *scheduler.Scheduler {
	return scheduler.New(scheduler.Config{
		Logger:   logger.Discard(),
		Tick:     5 * time.Millisecond,
		Observer: obs,
	})
}

func TestScheduler_RunsDueJobs(t *testing.T) {
	obs := &resultLog{}
	s := newScheduler(obs)
	job := &countingJob{name: "tick"}
	require.NoError(t, s.Register(job, scheduler.Every(10*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Stop())

	assert.GreaterOrEqual(t, obs.len(), 2)
	assert.False(t, s.IsRunning())
}

func TestScheduler_NoOverlap(t *testing.T) {
	s := newScheduler(nil)
	job := &countingJob{name: "slow", block: make(chan struct{})}
	require.NoError(t, s.Register(job, scheduler.Every(5*time.Millisecond)))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return job.runs.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), job.runs.Load())

	close(job.block)
	require.NoError(t, s.Stop())
}

func TestScheduler_RunNow(t *testing.T) {
	s := newScheduler(nil)
	failing := &countingJob{name: "purge", err: errors.New("boom")}
	require.NoError(t, s.Register(failing, scheduler.Every(time.Hour)))

	res, err := s.RunNow(context.Background(), "purge")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.Manual)

	_, err = s.RunNow(context.Background(), "missing")
	assert.ErrorIs(t, err, scheduler.ErrJobNotFound)

	infos := s.ListJobs()
	require.Len(t, infos, 1)
	assert.Equal(t, int64(1), infos[0].RunCount)
	assert.Equal(t, int64(1), infos[0].FailCount)
	assert.Equal(t, "@every 1h0m0s", infos[0].Schedule)
}

type panickyJob struct{}

func (panickyJob) Name() string              { return "panicky" }
func (panickyJob) Description() string       { return "" }
func (panickyJob) Run(context.Context) error { panic("nil map") }

func TestScheduler_RecoversPanics(t *testing.T) {
	s := newScheduler(nil)
	require.NoError(t, s.Register(panickyJob{}, scheduler.Every(time.Hour)))

	_, err := s.RunNow(context.Background(), "panicky")
	assert.ErrorIs(t, err, scheduler.ErrJobPanicked)
}

func TestScheduler_Registration(t *testing.T) {
	s := newScheduler(nil)
	job := &countingJob{name: "a"}

	assert.ErrorIs(t, s.Register(nil, scheduler.Every(time.Second)), scheduler.ErrNilJob)
	assert.ErrorIs(t, s.Register(job, nil), scheduler.ErrNilSchedule)
	require.NoError(t, s.Register(job, scheduler.Every(time.Second)))
	assert.ErrorIs(t, s.Register(job, scheduler.Every(time.Second)), scheduler.ErrJobAlreadyExists)

	assert.ErrorIs(t, s.Stop(), scheduler.ErrSchedulerNotRunning)
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), scheduler.ErrSchedulerAlreadyRunning)
	require.NoError(t, s.Stop())
}

func TestParseCron(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	expr, err := scheduler.ParseCron("30 2 * * *")
	require.NoError(t, err)

	from := time.Date(2025, 3, 10, 9, 0, 0, 0, ist)
	assert.Equal(t, time.Date(2025, 3, 11, 2, 30, 0, 0, ist), expr.Next(from))

	every15, err := scheduler.ParseCron("*/15 9-17 * * 1-5")
	require.NoError(t, err)
	// 2025-03-08 is a Saturday.
	sat := time.Date(2025, 3, 8, 10, 7, 0, 0, ist)
	assert.Equal(t, time.Date(2025, 3, 10, 9, 0, 0, 0, ist), every15.Next(sat))

	for _, bad := range []string{"", "* * *", "61 * * * *", "*/0 * * * *", "5-1 * * * *"} {
		_, err := scheduler.ParseCron(bad)
		assert.Error(t, err, bad)
	}
}
