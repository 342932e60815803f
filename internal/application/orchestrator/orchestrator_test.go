package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/memory"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/mock"
	"github.com/doubtdesk/teacher-core/pkg/logger"
	"github.com/doubtdesk/teacher-core/pkg/timeutil"
)

// ═══════════════════════════════════════════════════════════════════════════
// Test helpers
// ═══════════════════════════════════════════════════════════════════════════

type fakeTicker struct {
	c    chan time.Time
	stop chan struct{}
	once sync.Once
}

func (t *fakeTicker) C() <-chan time.Time { return t.c }
func (t *fakeTicker) Stop()               { t.once.Do(func() { close(t.stop) }) }

// fakeClock only moves when Advance is called. Each Advance delivers one
// tick to every live ticker and waits until it has been received.
type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	tickers []*fakeTicker
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: timeutil.DateTime(2026, 10, 17, 16, 0, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) NewTicker(time.Duration) orchestrator.Ticker {
	t := &fakeTicker{c: make(chan time.Time), stop: make(chan struct{})}
	c.mu.Lock()
	c.tickers = append(c.tickers, t)
	c.mu.Unlock()
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	tickers := append([]*fakeTicker(nil), c.tickers...)
	c.mu.Unlock()

	for _, t := range tickers {
		select {
		case t.c <- now:
		case <-t.stop:
		}
	}
}

// recorder collects published events and flags snapshots that claim the
// teacher is speaking and listening at once.
type recorder struct {
	mu     sync.Mutex
	events []shared.Event
	both   int
}

func (r *recorder) Publish(ev shared.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if sc, ok := ev.(teaching.StateChangedEvent); ok && sc.Snapshot.IsSpeaking && sc.Snapshot.IsListening {
		r.both++
	}
	return nil
}

func (r *recorder) count(t shared.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventType() == t {
			n++
		}
	}
	return n
}

func (r *recorder) speakingAndListening() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.both
}

type harness struct {
	orch   *orchestrator.Orchestrator
	synth  *mock.Synthesizer
	render *mock.Renderer
	recog  *mock.Recognizer
	ledger *quota.Ledger
	clock  *fakeClock
	events *recorder
}

const student = shared.UserID("student-42")

func newHarness(t *testing.T, plan quota.Plan) *harness {
	t.Helper()
	clock := newFakeClock()
	ledger := quota.NewLedger(memory.NewQuotaStore(), quota.StaticPlans{Default: plan}, quota.LedgerConfig{
		Now:    clock.Now,
		Logger: logger.Discard(),
	})
	return newHarnessWith(t, ledger, clock)
}

func newHarnessWith(t *testing.T, ledger *quota.Ledger, clock *fakeClock) *harness {
	t.Helper()
	_, synth, render, recog := mock.Providers()
	events := &recorder{}
	orch := orchestrator.New(orchestrator.Deps{
		Synthesizer: synth,
		Renderer:    render,
		Recognizer:  recog,
		Meter:       ledger,
		Publisher:   events,
		Logger:      logger.Discard(),
		Clock:       clock,
	}, orchestrator.DefaultConfig())
	return &harness{orch: orch, synth: synth, render: render, recog: recog, ledger: ledger, clock: clock, events: events}
}

func (h *harness) start(t *testing.T) orchestrator.SessionHandle {
	t.Helper()
	handle, err := h.orch.Start(context.Background(), orchestrator.StartRequest{
		UserID:  student,
		Teacher: "sharma",
		Student: teaching.StudentContext{Grade: "11", Exam: "JEE", Topic: "projectile motion"},
	})
	require.NoError(t, err)
	return handle
}

// ═══════════════════════════════════════════════════════════════════════════
// Start
// ═══════════════════════════════════════════════════════════════════════════

func TestStart_OpensProvidersAndGreets(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	handle := h.start(t)

	assert.True(t, handle.SessionID.IsValid())
	assert.Equal(t, teaching.TeacherSharma, handle.Teacher.ID)

	snap := h.orch.GetState()
	assert.Equal(t, teaching.At(teaching.StepGreeting), snap.State)
	assert.Equal(t, teaching.StepGreeting, snap.CurrentStep)
	assert.True(t, snap.IsListening)
	assert.False(t, snap.IsSpeaking)
	assert.Equal(t, teaching.ExpressionWarmSmile, snap.Expression)
	assert.True(t, snap.HasSynthesizer)
	assert.True(t, snap.HasRenderer)
	assert.True(t, snap.HasRecognizer)

	assert.Equal(t, 1, h.synth.OpenHandles())
	assert.Equal(t, 1, h.render.OpenHandles())
	assert.Equal(t, []string{"en-IN"}, h.recog.Languages())
	assert.Equal(t, 1, h.events.count(shared.EventSessionStarted))

	usage, err := h.ledger.UsageOf(context.Background(), student, quota.ResourceTeachingActivation)
	require.NoError(t, err)
	assert.Equal(t, 1.0, usage.Used)
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)

	_, err := h.orch.Start(context.Background(), orchestrator.StartRequest{UserID: student})
	require.Error(t, err)
	assert.True(t, shared.IsInvalidTransition(err))
}

func TestStart_RequiresUser(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)

	_, err := h.orch.Start(context.Background(), orchestrator.StartRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, shared.ErrInvalidID))
	assert.Equal(t, teaching.Idle, h.orch.GetState().State)
}

func TestStart_SynthesizerFailureTearsDownEverything(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.synth.CreateErr = errors.New("voice unavailable")

	_, err := h.orch.Start(context.Background(), orchestrator.StartRequest{UserID: student})
	require.Error(t, err)

	var pu *shared.ProviderUnavailableError
	require.ErrorAs(t, err, &pu)
	assert.Equal(t, media.ProviderSpeechSynthesis, pu.Provider)
	assert.True(t, shared.IsProviderUnavailable(err))

	snap := h.orch.GetState()
	assert.Equal(t, teaching.Ended, snap.State)
	assert.False(t, snap.HandlesOpen())
	assert.Zero(t, h.render.OpenHandles())
	assert.Zero(t, h.recog.OpenHandles())

	recap, err := h.orch.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, teaching.EndStartFailed, recap.Reason)
	assert.Equal(t, 1, h.events.count(shared.EventSessionEnded))
}

func TestStart_ActivationsExhausted(t *testing.T) {
	clock := newFakeClock()
	ledger := quota.NewLedger(memory.NewQuotaStore(), quota.StaticPlans{Default: quota.PlanFree}, quota.LedgerConfig{
		Now:    clock.Now,
		Logger: logger.Discard(),
	})

	for i := 0; i < 2; i++ {
		h := newHarnessWith(t, ledger, clock)
		h.start(t)
		_, err := h.orch.End(context.Background())
		require.NoError(t, err)
	}

	h := newHarnessWith(t, ledger, clock)
	_, err := h.orch.Start(context.Background(), orchestrator.StartRequest{UserID: student})
	require.Error(t, err)

	var qe *shared.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, string(quota.ResourceTeachingActivation), qe.Resource)
	assert.Equal(t, teaching.Idle, h.orch.GetState().State)
	assert.Zero(t, h.synth.OpenHandles())
}

// ═══════════════════════════════════════════════════════════════════════════
// Speak
// ═══════════════════════════════════════════════════════════════════════════

func TestSpeak_ForwardPath(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)
	ctx := context.Background()

	for _, step := range teaching.ForwardPath {
		snap, err := h.orch.Speak(ctx, "line for "+step.String(), step)
		require.NoError(t, err, step.String())
		assert.Equal(t, step, snap.CurrentStep)
		assert.True(t, snap.IsListening)
		assert.False(t, snap.IsSpeaking)
		require.NotNil(t, snap.LastUtterance)
		assert.Positive(t, snap.LastUtterance.Duration)
	}

	snap := h.orch.GetState()
	assert.Equal(t, teaching.StepChallenging, snap.CurrentStep)
	assert.Equal(t, teaching.ExpressionEncouraging, snap.Expression)
	assert.Len(t, snap.Transcript, len(teaching.ForwardPath))
	assert.Equal(t, []teaching.Tone{
		teaching.ToneWarm, teaching.ToneClear, teaching.ToneClear, teaching.ToneClear, teaching.ToneEncouraging,
	}, h.synth.Tones())
	assert.Positive(t, h.render.AudioBytes())
	assert.Zero(t, h.events.speakingAndListening())

	recap, err := h.orch.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, teaching.ForwardPath, recap.StepsCompleted)
	assert.Equal(t, 5, recap.Utterances)
	assert.Equal(t, []string{"projectile motion"}, recap.TopicsCovered)
}

func TestSpeak_EmptyTextUsesStepFallback(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)

	_, err := h.orch.Speak(context.Background(), "   ", teaching.StepGreeting)
	require.NoError(t, err)
	assert.Equal(t, []string{teaching.Profile(teaching.StepGreeting).Fallback}, h.synth.Texts())
}

func TestSpeak_RejectsStepOutOfOrder(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)
	before := h.orch.GetState()

	_, err := h.orch.Speak(context.Background(), "jump ahead", teaching.StepChallenging)
	require.Error(t, err)
	assert.True(t, shared.IsInvalidTransition(err))

	after := h.orch.GetState()
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, teaching.StepGreeting, after.CurrentStep)
	assert.Empty(t, h.synth.Texts())
}

func TestSpeak_BeforeStart(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)

	_, err := h.orch.Speak(context.Background(), "hello", teaching.StepGreeting)
	assert.ErrorIs(t, err, shared.ErrSessionNotStarted)
}

func TestSpeak_ExpressionFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.render.SetExpressionErr = errors.New("renderer busy")
	h.start(t)

	snap, err := h.orch.Speak(context.Background(), "hello class", teaching.StepGreeting)
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
	assert.Equal(t, teaching.ExpressionWarmSmile, snap.Expression)
}

func TestSpeak_SynthesisFailureDegradesSession(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)
	h.synth.SynthesizeErr = errors.New("tts 503")

	snap, err := h.orch.Speak(context.Background(), "hello class", teaching.StepGreeting)
	require.NoError(t, err)

	canned := teaching.Profile(teaching.StepGreeting).Fallback
	last := snap.Transcript[len(snap.Transcript)-1]
	assert.Equal(t, canned, last.Text)
	assert.True(t, last.Degraded)
	require.NotNil(t, snap.LastUtterance)
	assert.True(t, snap.LastUtterance.Degraded)
	assert.Equal(t, teaching.DurationEstimated, snap.LastUtterance.Source)
	assert.Equal(t, teaching.EstimateDuration(canned), snap.LastUtterance.Duration)

	assert.True(t, snap.Degraded)
	assert.True(t, snap.State.IsTeaching())
	assert.Equal(t, teaching.ExpressionNeutral, snap.Expression)
	assert.True(t, snap.IsListening)
	assert.False(t, snap.IsSpeaking)
	assert.Equal(t, 1, h.events.count(shared.EventSessionDegraded))

	h.synth.SynthesizeErr = nil
	snap, err = h.orch.Speak(context.Background(), "let's try again", teaching.StepDiagnosing)
	require.NoError(t, err)
	assert.False(t, snap.Degraded)
}

// ═══════════════════════════════════════════════════════════════════════════
// Interrupt
// ═══════════════════════════════════════════════════════════════════════════

func TestInterrupt_StopsSpeechAndListens(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)
	ctx := context.Background()

	gate := make(chan struct{})
	h.synth.Gate = gate

	type result struct {
		snap teaching.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := h.orch.Speak(ctx, "Newton's second law says", teaching.StepGreeting)
		done <- result{snap, err}
	}()

	require.Eventually(t, func() bool { return h.orch.GetState().IsSpeaking }, time.Second, 5*time.Millisecond)

	snap, err := h.orch.Interrupt(ctx)
	require.NoError(t, err)
	assert.False(t, snap.IsSpeaking)
	assert.True(t, snap.IsListening)
	assert.Equal(t, teaching.ExpressionListening, snap.Expression)
	assert.Equal(t, teaching.StepGreeting, snap.CurrentStep)
	require.NotNil(t, snap.LastUtterance)
	assert.True(t, snap.LastUtterance.Interrupted)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.False(t, res.snap.IsSpeaking)
	case <-time.After(time.Second):
		t.Fatal("Speak did not return after Interrupt")
	}

	assert.Equal(t, 1, h.synth.Cancels())
	assert.Equal(t, 1, h.render.Pauses())

	// Silent teacher: nothing to stop.
	_, err = h.orch.Interrupt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.synth.Cancels())
	assert.Equal(t, 1, h.render.Pauses())

	close(gate)
	_, err = h.orch.Speak(ctx, "as I was saying", teaching.StepDiagnosing)
	require.NoError(t, err)
	assert.Equal(t, 1, h.render.Resumes())
	assert.Zero(t, h.events.speakingAndListening())

	recap, err := h.orch.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recap.Interrupts)
}

// ═══════════════════════════════════════════════════════════════════════════
// Listen
// ═══════════════════════════════════════════════════════════════════════════

func TestListen_FinalTranscriptIsRecorded(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)
	h.recog.Queue(
		media.Transcript{Text: "is it", IsFinal: false},
		media.Transcript{Text: "is it forty five degrees?", IsFinal: true, Confidence: 0.92},
	)

	_, err := h.orch.Listen(context.Background(), []byte{0, 1})
	require.NoError(t, err)
	assert.Empty(t, h.orch.GetState().Transcript)

	tr, err := h.orch.Listen(context.Background(), []byte{0, 1})
	require.NoError(t, err)
	assert.True(t, tr.IsFinal)

	lines := h.orch.GetState().Transcript
	require.Len(t, lines, 1)
	assert.Equal(t, teaching.SpeakerStudent, lines[0].Speaker)
	assert.Equal(t, "is it forty five degrees?", lines[0].Text)
}

// ═══════════════════════════════════════════════════════════════════════════
// End
// ═══════════════════════════════════════════════════════════════════════════

func TestEnd_IsIdempotentAndTerminal(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)
	ctx := context.Background()

	_, err := h.orch.Speak(ctx, "welcome", teaching.StepGreeting)
	require.NoError(t, err)

	first, err := h.orch.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, teaching.EndRequested, first.Reason)

	second, err := h.orch.End(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	snap := h.orch.GetState()
	assert.Equal(t, teaching.Ended, snap.State)
	assert.False(t, snap.IsSpeaking)
	assert.False(t, snap.IsListening)
	assert.False(t, snap.HandlesOpen())

	assert.Zero(t, h.synth.OpenHandles())
	assert.Zero(t, h.render.OpenHandles())
	assert.Zero(t, h.recog.OpenHandles())

	_, err = h.orch.Speak(ctx, "one more thing", teaching.StepGreeting)
	assert.ErrorIs(t, err, shared.ErrSessionTerminated)
	_, err = h.orch.Interrupt(ctx)
	assert.ErrorIs(t, err, shared.ErrSessionTerminated)
	assert.Equal(t, 1, h.events.count(shared.EventSessionEnded))
}

// peekingObserver reads the session from inside SessionEnded, which only
// works when the observer runs after the session lock is released.
type peekingObserver struct {
	orchestrator.Observer
	orch  *orchestrator.Orchestrator
	ended chan teaching.State
}

func (p *peekingObserver) SessionEnded(teaching.EndReason, float64) {
	p.ended <- p.orch.GetState().State
}

func TestEnd_ObserverRunsOutsideSessionLock(t *testing.T) {
	clock := newFakeClock()
	ledger := quota.NewLedger(memory.NewQuotaStore(), quota.StaticPlans{Default: quota.PlanMonthly}, quota.LedgerConfig{
		Now:    clock.Now,
		Logger: logger.Discard(),
	})
	_, synth, render, recog := mock.Providers()
	obs := &peekingObserver{Observer: metricsless{}, ended: make(chan teaching.State, 1)}
	orch := orchestrator.New(orchestrator.Deps{
		Synthesizer: synth,
		Renderer:    render,
		Recognizer:  recog,
		Meter:       ledger,
		Publisher:   &recorder{},
		Observer:    obs,
		Logger:      logger.Discard(),
		Clock:       clock,
	}, orchestrator.DefaultConfig())
	obs.orch = orch

	_, err := orch.Start(context.Background(), orchestrator.StartRequest{UserID: student, Teacher: "sharma"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = orch.End(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("End blocked while the observer read the session")
	}
	assert.Equal(t, teaching.Ended, <-obs.ended)
}

type metricsless struct{}

func (metricsless) SessionStarted()                                {}
func (metricsless) SessionEnded(teaching.EndReason, float64)       {}
func (metricsless) StartFailed(string)                             {}
func (metricsless) Utterance(teaching.Step, string, time.Duration) {}
func (metricsless) Interrupted()                                   {}
func (metricsless) ProviderError(string, string)                   {}
func (metricsless) MinutesAccrued(float64)                         {}

func TestEnd_ProviderTeardownErrorsAreIgnored(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.render.EndErr = errors.New("already gone")
	h.recog.EndErr = errors.New("socket closed")
	h.start(t)

	_, err := h.orch.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, teaching.Ended, h.orch.GetState().State)
	assert.Equal(t, 1, h.render.Ended())
	assert.Equal(t, 1, h.recog.Ended())
}

// ═══════════════════════════════════════════════════════════════════════════
// Metering
// ═══════════════════════════════════════════════════════════════════════════

func TestAccrual_ChargesElapsedMinutes(t *testing.T) {
	h := newHarness(t, quota.PlanMonthly)
	h.start(t)

	for i := 0; i < 30; i++ {
		h.clock.Advance(time.Second)
	}

	require.Eventually(t, func() bool {
		return h.orch.GetState().MinutesUsed >= 0.5-1e-6
	}, time.Second, 5*time.Millisecond)

	recap, err := h.orch.End(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.5, recap.TotalMinutes, 1e-6)

	usage, err := h.ledger.UsageOf(context.Background(), student, quota.ResourceTeachingMinute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, usage.Used, 1e-6)

	// Nothing is charged once End has returned.
	for i := 0; i < 10; i++ {
		h.clock.Advance(time.Second)
	}
	assert.InDelta(t, 0.5, h.orch.GetState().MinutesUsed, 1e-6)
	usage, err = h.ledger.UsageOf(context.Background(), student, quota.ResourceTeachingMinute)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, usage.Used, 1e-6)
}

// stallingMeter holds teaching-minute reservations until released.
type stallingMeter struct {
	*quota.Ledger
	entered chan struct{}
	release chan struct{}
}

func (m *stallingMeter) CheckAndReserve(ctx context.Context, userID shared.UserID, resource quota.Resource, amount float64) (quota.Decision, error) {
	if resource == quota.ResourceTeachingMinute {
		m.entered <- struct{}{}
		select {
		case <-m.release:
		case <-ctx.Done():
			return quota.Decision{}, ctx.Err()
		}
	}
	return m.Ledger.CheckAndReserve(ctx, userID, resource, amount)
}

func newStallingHarness(t *testing.T) (*harness, *stallingMeter) {
	t.Helper()
	h := newHarness(t, quota.PlanMonthly)
	meter := &stallingMeter{Ledger: h.ledger, entered: make(chan struct{}, 1), release: make(chan struct{})}
	_, synth, render, recog := mock.Providers()
	h.synth, h.render, h.recog = synth, render, recog
	h.orch = orchestrator.New(orchestrator.Deps{
		Synthesizer: synth,
		Renderer:    render,
		Recognizer:  recog,
		Meter:       meter,
		Publisher:   h.events,
		Logger:      logger.Discard(),
		Clock:       h.clock,
	}, orchestrator.DefaultConfig())
	return h, meter
}

func TestAccrual_PendingReservationDoesNotBlockSession(t *testing.T) {
	h, meter := newStallingHarness(t)
	h.start(t)
	ctx := context.Background()

	h.clock.Advance(30 * time.Second)
	<-meter.entered

	began := time.Now()
	snap, err := h.orch.Interrupt(ctx)
	require.NoError(t, err)
	assert.True(t, snap.IsListening)
	_ = h.orch.GetState()
	assert.True(t, time.Since(began) < 500*time.Millisecond, "interrupt waited on the quota store")

	close(meter.release)
	require.Eventually(t, func() bool {
		return h.orch.GetState().MinutesUsed >= 0.5-1e-6
	}, time.Second, 5*time.Millisecond)
}

func TestAccrual_ReservationSettlingAfterEndIsNotCounted(t *testing.T) {
	h, meter := newStallingHarness(t)
	h.start(t)

	h.clock.Advance(30 * time.Second)
	<-meter.entered

	recap, err := h.orch.End(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recap.TotalMinutes)

	close(meter.release)
	assert.Never(t, func() bool {
		return h.orch.GetState().MinutesUsed > 0
	}, 100*time.Millisecond, 5*time.Millisecond)
}

func TestAccrual_EndsSessionWhenMinutesRunOut(t *testing.T) {
	h := newHarness(t, quota.PlanFree)
	h.start(t)

	for i := 0; i < 121; i++ {
		h.clock.Advance(time.Second)
	}

	require.Eventually(t, func() bool { return h.orch.GetState().State == teaching.Ended }, time.Second, 5*time.Millisecond)

	recap, err := h.orch.End(context.Background())
	require.NoError(t, err)
	assert.Equal(t, teaching.EndQuotaExceeded, recap.Reason)
	assert.InDelta(t, 2.0, recap.TotalMinutes, 1e-6)
	assert.Zero(t, h.synth.OpenHandles())

	usage, err := h.ledger.UsageOf(context.Background(), student, quota.ResourceTeachingMinute)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, usage.Used, 1e-6)

	next := newHarnessWith(t, h.ledger, h.clock)
	_, err = next.orch.Start(context.Background(), orchestrator.StartRequest{UserID: student})
	require.Error(t, err)

	var qe *shared.QuotaExceededError
	require.ErrorAs(t, err, &qe)
	assert.Equal(t, string(quota.ResourceTeachingMinute), qe.Resource)
}

func TestAccrual_TopsUpRemainderBeforeEnding(t *testing.T) {
	h := newHarness(t, quota.PlanFree)
	h.start(t)

	// 100s then 30s: the second interval only has 20s of budget left.
	h.clock.Advance(100 * time.Second)
	h.clock.Advance(30 * time.Second)

	require.Eventually(t, func() bool { return h.orch.GetState().State == teaching.Ended }, time.Second, 5*time.Millisecond)

	recap, err := h.orch.End(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 2.0, recap.TotalMinutes, 1e-6)
}
