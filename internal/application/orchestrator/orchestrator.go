// Package orchestrator runs one Teacher Mode session: it owns the session's
// speech synthesis, video rendering and speech recognition handles, walks the
// teaching state machine, meters teaching minutes against the quota ledger
// and publishes a snapshot after every change.
//
// Every mutation happens under a single per-session mutex. Provider calls on
// the audio path (synthesis streaming, audio forwarding) run with the mutex
// released so that Interrupt and End are never stuck behind them.
package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// StartRequest opens a session.
type StartRequest struct {
	SessionID shared.SessionID
	UserID    shared.UserID
	Teacher   string
	Student   teaching.StudentContext
}

// SessionHandle describes a started session.
type SessionHandle struct {
	SessionID shared.SessionID
	UserID    shared.UserID
	Teacher   teaching.Teacher
	StartedAt time.Time
	Snapshot  teaching.Snapshot
}

// Orchestrator is one teaching session. Create one per session with New.
type Orchestrator struct {
	cfg       Config
	synth     media.SpeechSynthesizer
	renderer  media.VideoRenderer
	recog     media.SpeechRecognizer
	meter     Meter
	publisher shared.EventPublisher
	observer  Observer
	logger    *slog.Logger
	clock     Clock

	mu sync.Mutex

	state     teaching.State
	sessionID shared.SessionID
	userID    shared.UserID
	teacher   teaching.Teacher
	student   teaching.StudentContext

	expression string
	speaking   bool
	listening  bool
	minutes    float64
	transcript []teaching.TranscriptLine
	stepsDone  []teaching.Step
	topics     []string
	last       *teaching.Utterance
	degraded   bool
	version    int64

	synthHandle  media.SynthHandle
	renderHandle media.RenderHandle
	recogHandle  media.RecognizerHandle
	videoPaused  bool

	// utterance is bumped whenever the in-flight utterance stops being
	// current (new Speak, Interrupt, End) so a finishing stream can tell
	// whether it still owns the speaking state.
	utterance    uint64
	cancelSpeech context.CancelFunc

	ticker    Ticker
	stopTick  chan struct{}
	stopOnce  sync.Once
	lastTick  time.Time
	startedAt time.Time
	lastSeen  time.Time

	utterances int
	interrupts int
	recap      *teaching.Recap
}

// New creates an idle session.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = SystemClock{}
	}
	if deps.Publisher == nil {
		deps.Publisher = shared.NopPublisher{}
	}
	return &Orchestrator{
		cfg:        cfg.withDefaults(),
		synth:      deps.Synthesizer,
		renderer:   deps.Renderer,
		recog:      deps.Recognizer,
		meter:      deps.Meter,
		publisher:  deps.Publisher,
		observer:   deps.Observer,
		logger:     deps.Logger.With(slog.String("component", "orchestrator")),
		clock:      deps.Clock,
		state:      teaching.Idle,
		expression: teaching.ExpressionDefault,
		stopTick:   make(chan struct{}),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Start
// ═══════════════════════════════════════════════════════════════════════════

// Start checks quota, opens the three provider sessions and moves the session
// to Greeting. If any provider fails to open, every handle opened so far is
// closed, the session ends, and a *shared.ProviderUnavailableError is
// returned.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (SessionHandle, error) {
	if !req.UserID.IsValid() {
		return SessionHandle{}, shared.NewDomainError("orchestrator", "Start", shared.ErrInvalidID, "user id is empty")
	}
	if !req.SessionID.IsValid() {
		req.SessionID = shared.NewSessionID()
	}

	o.mu.Lock()
	next, err := teaching.Transition(o.state, teaching.Input{Kind: teaching.EventStart})
	if err != nil {
		o.mu.Unlock()
		return SessionHandle{}, err
	}

	if err := o.admit(ctx, req.UserID); err != nil {
		o.mu.Unlock()
		return SessionHandle{}, err
	}

	teacher, known := teaching.LookupTeacher(req.Teacher)
	if !known && req.Teacher != "" {
		o.logger.Warn("unknown teacher, using default",
			slog.String("requested", req.Teacher),
			slog.String("teacher", string(teacher.ID)),
		)
	}

	o.state = next
	o.sessionID = req.SessionID
	o.userID = req.UserID
	o.teacher = teacher
	o.student = req.Student
	if req.Student.Topic != "" {
		o.topics = append(o.topics, req.Student.Topic)
	}
	o.lastSeen = o.clock.Now()
	snap := o.commitLocked()
	o.mu.Unlock()

	o.publish(teaching.NewStateChangedEvent(snap))

	language := req.Student.Language
	if language == "" {
		language = o.cfg.Language
	}
	opened, err := o.openProviders(ctx, teacher, language)
	if err != nil {
		o.closeProviders(ctx, opened)
		return SessionHandle{}, o.failStart(err)
	}

	o.mu.Lock()
	if o.state != teaching.Initializing {
		// End ran while providers were opening.
		o.mu.Unlock()
		o.closeProviders(ctx, opened)
		return SessionHandle{}, shared.ErrSessionTerminated
	}
	ready, err := teaching.Transition(o.state, teaching.Input{Kind: teaching.EventProvidersReady})
	if err != nil {
		o.mu.Unlock()
		o.closeProviders(ctx, opened)
		return SessionHandle{}, err
	}

	now := o.clock.Now()
	o.state = ready
	o.synthHandle = opened.synth
	o.renderHandle = opened.render
	o.recogHandle = opened.recog
	o.expression = teaching.Profile(teaching.StepGreeting).Expression
	o.listening = true
	o.startedAt = now
	o.lastTick = now
	o.lastSeen = now
	o.ticker = o.clock.NewTicker(o.cfg.AccrualInterval)
	go o.runAccrual(o.ticker, o.stopTick)
	snap = o.commitLocked()
	o.mu.Unlock()

	o.logger.Info("teaching session started",
		slog.String("session_id", snap.SessionID.String()),
		slog.String("user_id", snap.UserID.String()),
		slog.String("teacher", string(teacher.ID)),
		slog.String("language", language),
	)
	o.observer.SessionStarted()
	o.publish(teaching.NewSessionStartedEvent(snap))
	o.publish(teaching.NewStateChangedEvent(snap))

	return SessionHandle{
		SessionID: snap.SessionID,
		UserID:    snap.UserID,
		Teacher:   teacher,
		StartedAt: now,
		Snapshot:  snap,
	}, nil
}

// admit checks the minute budget and reserves one activation. Called with mu
// held; the session is still Idle so nothing else contends for it.
func (o *Orchestrator) admit(ctx context.Context, userID shared.UserID) error {
	usage, err := o.meter.UsageOf(ctx, userID, quota.ResourceTeachingMinute)
	if err != nil {
		return err
	}
	if !usage.Limit.IsUnlimited() && usage.Remaining <= quota.Epsilon {
		return shared.NewQuotaExceeded(string(quota.ResourceTeachingMinute), usage.Limit.ReportValue(), usage.Used)
	}

	d, err := o.meter.CheckAndReserve(ctx, userID, quota.ResourceTeachingActivation, 1)
	if err != nil {
		return err
	}
	return d.Err()
}

type openedProviders struct {
	synth  media.SynthHandle
	render media.RenderHandle
	recog  media.RecognizerHandle
}

func (o *Orchestrator) openProviders(ctx context.Context, teacher teaching.Teacher, language string) (openedProviders, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SetupTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		opened openedProviders
	)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		h, err := o.recog.Create(gctx, language)
		if err != nil {
			return asUnavailable(media.ProviderSpeechRecognition, "Create", err)
		}
		mu.Lock()
		opened.recog = h
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		h, err := o.renderer.Create(gctx, media.FaceFor(teacher))
		if err != nil {
			return asUnavailable(media.ProviderVideoRendering, "Create", err)
		}
		mu.Lock()
		opened.render = h
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		h, err := o.synth.Create(gctx, media.VoiceFor(teacher, language))
		if err != nil {
			return asUnavailable(media.ProviderSpeechSynthesis, "Create", err)
		}
		mu.Lock()
		opened.synth = h
		mu.Unlock()
		return nil
	})

	err := g.Wait()
	mu.Lock()
	defer mu.Unlock()
	return opened, err
}

// closeProviders releases handles that never made it into the session.
func (o *Orchestrator) closeProviders(ctx context.Context, p openedProviders) {
	ctx = context.WithoutCancel(ctx)
	if p.render != "" {
		o.bounded(ctx, o.cfg.TeardownTimeout, func(ctx context.Context) error {
			return o.renderer.End(ctx, p.render)
		}, media.ProviderVideoRendering, "End")
	}
	if p.recog != "" {
		o.bounded(ctx, o.cfg.TeardownTimeout, func(ctx context.Context) error {
			return o.recog.End(ctx, p.recog)
		}, media.ProviderSpeechRecognition, "End")
	}
	if p.synth != "" {
		o.bounded(ctx, o.cfg.TeardownTimeout, func(ctx context.Context) error {
			return o.synth.Release(ctx, p.synth)
		}, media.ProviderSpeechSynthesis, "Release")
	}
}

func (o *Orchestrator) failStart(cause error) error {
	var pu *shared.ProviderUnavailableError
	provider := "unknown"
	if errors.As(cause, &pu) {
		provider = pu.Provider
	}

	o.mu.Lock()
	if o.state != teaching.Initializing {
		o.mu.Unlock()
		return cause
	}
	ended, _ := teaching.Transition(o.state, teaching.Input{Kind: teaching.EventStartFailed})
	o.state = ended
	o.expression = teaching.ExpressionDefault
	recap := o.buildRecapLocked(teaching.EndStartFailed)
	o.recap = &recap
	snap := o.commitLocked()
	o.mu.Unlock()

	o.logger.Error("teaching session failed to start",
		slog.String("session_id", snap.SessionID.String()),
		slog.String("provider", provider),
		slog.String("error", cause.Error()),
	)
	o.observer.StartFailed(provider)
	o.observer.ProviderError(provider, "Create")
	o.publish(teaching.NewStateChangedEvent(snap))
	o.publish(teaching.NewSessionEndedEvent(recap, snap.Version))
	return cause
}

// ═══════════════════════════════════════════════════════════════════════════
// Speak
// ═══════════════════════════════════════════════════════════════════════════

type utteranceResult struct {
	gen         uint64
	step        teaching.Step
	text        string
	err         error // primary synthesis failure
	interrupted bool
	duration    time.Duration
	source      teaching.DurationSource
}

// Speak delivers one teacher line on step. It returns once the line has been
// spoken, interrupted or failed; observers see the speaking state as soon as
// synthesis begins.
//
// A step the state machine does not allow from the current step is rejected
// with no side effects. Expression changes and audio forwarding to the video
// renderer are best-effort. If synthesis itself fails the session stays up:
// the step's canned line is recorded in place of the lost one, the snapshot
// is marked Degraded and a session.degraded event is published.
func (o *Orchestrator) Speak(ctx context.Context, text string, step teaching.Step) (teaching.Snapshot, error) {
	o.mu.Lock()
	if err := o.checkLiveLocked(); err != nil {
		o.mu.Unlock()
		return teaching.Snapshot{}, err
	}
	next, err := teaching.Transition(o.state, teaching.Advance(step))
	if err != nil {
		o.mu.Unlock()
		return teaching.Snapshot{}, err
	}

	profile := teaching.Profile(step)
	text = strings.TrimSpace(text)
	if text == "" {
		text = profile.Fallback
	}

	// A new line supersedes whatever is still being spoken.
	if o.cancelSpeech != nil {
		o.cancelSpeech()
	}
	o.utterance++
	gen := o.utterance
	speechCtx, cancel := context.WithCancel(ctx)
	o.cancelSpeech = cancel

	now := o.clock.Now()
	o.state = next
	o.expression = profile.Expression
	o.speaking = true
	o.listening = false
	o.degraded = false
	o.transcript = append(o.transcript, teaching.TranscriptLine{
		Speaker: teaching.SpeakerTeacher,
		Step:    step,
		Text:    text,
		At:      now,
	})
	o.markStepLocked(step)
	o.utterances++
	o.lastSeen = now

	synthHandle, renderHandle := o.synthHandle, o.renderHandle
	resume := o.videoPaused
	o.videoPaused = false
	snap := o.commitLocked()
	o.mu.Unlock()

	o.publish(teaching.NewStateChangedEvent(snap))

	if renderHandle != "" {
		if resume {
			o.bounded(ctx, o.cfg.ControlTimeout, func(ctx context.Context) error {
				return o.renderer.Resume(ctx, renderHandle)
			}, media.ProviderVideoRendering, "Resume")
		}
		go o.bounded(context.WithoutCancel(ctx), o.cfg.ControlTimeout, func(ctx context.Context) error {
			return o.renderer.SetExpression(ctx, renderHandle, profile.Expression)
		}, media.ProviderVideoRendering, "SetExpression")
	}

	res := o.deliver(speechCtx, synthHandle, renderHandle, text, profile.Tone)
	res.gen = gen
	res.step = step
	res.text = text
	cancel()
	return o.finishUtterance(res)
}

// deliver streams synthesised audio into the video renderer.
func (o *Orchestrator) deliver(ctx context.Context, synthHandle media.SynthHandle, renderHandle media.RenderHandle, text string, tone teaching.Tone) utteranceResult {
	stream, err := o.synth.Synthesize(ctx, synthHandle, text, tone)
	if err != nil {
		if ctx.Err() != nil {
			return utteranceResult{interrupted: true}
		}
		return utteranceResult{err: asUnavailable(media.ProviderSpeechSynthesis, "Synthesize", err)}
	}
	defer stream.Close()

	forwardFailed := false
	for {
		select {
		case <-ctx.Done():
			return utteranceResult{interrupted: true}
		case chunk, ok := <-stream.Chunks():
			if !ok {
				return o.streamOutcome(ctx, stream, text)
			}
			if renderHandle == "" || forwardFailed {
				continue
			}
			if err := o.renderer.SendAudio(ctx, renderHandle, chunk); err != nil && ctx.Err() == nil {
				// Keep speaking; the learner still hears the voice.
				forwardFailed = true
				o.providerWarn(media.ProviderVideoRendering, "SendAudio", err)
			}
		}
	}
}

func (o *Orchestrator) streamOutcome(ctx context.Context, stream *media.AudioStream, text string) utteranceResult {
	if err := stream.Err(); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return utteranceResult{interrupted: true}
		}
		return utteranceResult{err: asUnavailable(media.ProviderSpeechSynthesis, "Stream", err)}
	}
	if d, ok := stream.Duration(); ok {
		return utteranceResult{duration: d, source: teaching.DurationFromProvider}
	}
	return utteranceResult{duration: teaching.EstimateDuration(text), source: teaching.DurationEstimated}
}

func (o *Orchestrator) finishUtterance(res utteranceResult) (teaching.Snapshot, error) {
	o.mu.Lock()
	if o.state.Phase == teaching.PhaseEnded {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, shared.ErrSessionTerminated
	}
	if res.gen != o.utterance || res.interrupted {
		// Interrupt or a newer Speak already settled the speaking state.
		snap := o.snapshotLocked()
		o.mu.Unlock()
		o.observer.Utterance(res.step, OutcomeInterrupted, 0)
		return snap, nil
	}

	o.cancelSpeech = nil
	o.speaking = false
	o.listening = true
	o.lastSeen = o.clock.Now()

	outcome := OutcomeCompleted
	if res.err != nil {
		// The generated line was never heard; the canned line for the step
		// stands in for it.
		fallback := teaching.Profile(res.step).Fallback
		outcome = OutcomeFailed
		o.degraded = true
		o.expression = teaching.ExpressionNeutral
		o.transcript = append(o.transcript, teaching.TranscriptLine{
			Speaker:  teaching.SpeakerTeacher,
			Step:     res.step,
			Text:     fallback,
			At:       o.lastSeen,
			Degraded: true,
		})
		o.last = &teaching.Utterance{
			Step:     res.step,
			Duration: teaching.EstimateDuration(fallback),
			Source:   teaching.DurationEstimated,
			Degraded: true,
		}
	} else {
		o.last = &teaching.Utterance{Step: res.step, Duration: res.duration, Source: res.source}
	}
	spoken := o.last.Duration
	snap := o.commitLocked()
	o.mu.Unlock()

	o.observer.Utterance(res.step, outcome, spoken)
	if res.err != nil {
		pu := &shared.ProviderUnavailableError{Provider: media.ProviderSpeechSynthesis, Op: "Synthesize"}
		errors.As(res.err, &pu)
		o.logger.Warn("speech synthesis failed, continuing degraded",
			slog.String("session_id", snap.SessionID.String()),
			slog.String("step", res.step.String()),
			slog.String("error", res.err.Error()),
		)
		o.observer.ProviderError(pu.Provider, pu.Op)
		o.publish(teaching.NewDegradedEvent(snap.SessionID, snap.Version, pu.Provider, pu.Op, res.step, snap.UpdatedAt))
	}
	o.publish(teaching.NewStateChangedEvent(snap))
	return snap, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Interrupt
// ═══════════════════════════════════════════════════════════════════════════

// Interrupt stops the teacher mid-sentence so the student can speak. The
// current step is unchanged. Calling it while the teacher is silent only
// re-asserts the listening state.
func (o *Orchestrator) Interrupt(ctx context.Context) (teaching.Snapshot, error) {
	o.mu.Lock()
	if err := o.checkLiveLocked(); err != nil {
		o.mu.Unlock()
		return teaching.Snapshot{}, err
	}

	wasSpeaking := o.speaking
	if o.cancelSpeech != nil {
		o.cancelSpeech()
		o.cancelSpeech = nil
	}
	o.utterance++

	o.speaking = false
	o.listening = true
	o.expression = teaching.ExpressionListening
	o.lastSeen = o.clock.Now()
	if wasSpeaking {
		o.interrupts++
		o.videoPaused = true
		o.last = &teaching.Utterance{
			Step:        o.state.Step,
			Source:      teaching.DurationEstimated,
			Interrupted: true,
		}
	}
	synthHandle, renderHandle := o.synthHandle, o.renderHandle
	snap := o.commitLocked()
	o.mu.Unlock()

	if wasSpeaking {
		o.bounded(ctx, o.cfg.ControlTimeout, func(ctx context.Context) error {
			return o.synth.Cancel(ctx, synthHandle)
		}, media.ProviderSpeechSynthesis, "Cancel")
		if renderHandle != "" {
			o.bounded(ctx, o.cfg.ControlTimeout, func(ctx context.Context) error {
				return o.renderer.Pause(ctx, renderHandle)
			}, media.ProviderVideoRendering, "Pause")
		}
		o.observer.Interrupted()
	}

	o.publish(teaching.NewStateChangedEvent(snap))
	return snap, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// Listening
// ═══════════════════════════════════════════════════════════════════════════

// Listen feeds student microphone audio to speech recognition. Final
// transcripts are appended to the session transcript.
func (o *Orchestrator) Listen(ctx context.Context, chunk []byte) (media.Transcript, error) {
	o.mu.Lock()
	if err := o.checkLiveLocked(); err != nil {
		o.mu.Unlock()
		return media.Transcript{}, err
	}
	h := o.recogHandle
	o.mu.Unlock()

	t, err := o.recog.ProcessAudio(ctx, h, chunk)
	if err != nil {
		o.providerWarn(media.ProviderSpeechRecognition, "ProcessAudio", err)
		return media.Transcript{}, asUnavailable(media.ProviderSpeechRecognition, "ProcessAudio", err)
	}
	if t.IsFinal && strings.TrimSpace(t.Text) != "" {
		if _, err := o.Hear(t.Text); err != nil {
			return t, err
		}
	}
	return t, nil
}

// Hear records a student line, typed or transcribed.
func (o *Orchestrator) Hear(text string) (teaching.Snapshot, error) {
	text = strings.TrimSpace(text)

	o.mu.Lock()
	if err := o.checkLiveLocked(); err != nil {
		o.mu.Unlock()
		return teaching.Snapshot{}, err
	}
	if text == "" {
		snap := o.snapshotLocked()
		o.mu.Unlock()
		return snap, nil
	}
	now := o.clock.Now()
	o.transcript = append(o.transcript, teaching.TranscriptLine{
		Speaker: teaching.SpeakerStudent,
		Step:    o.state.Step,
		Text:    text,
		At:      now,
	})
	o.lastSeen = now
	snap := o.commitLocked()
	o.mu.Unlock()

	o.publish(teaching.NewStateChangedEvent(snap))
	return snap, nil
}

// NoteTopic records a topic for the recap.
func (o *Orchestrator) NoteTopic(topic string) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.topics {
		if strings.EqualFold(t, topic) {
			return
		}
	}
	o.topics = append(o.topics, topic)
}

// ═══════════════════════════════════════════════════════════════════════════
// End
// ═══════════════════════════════════════════════════════════════════════════

// End stops metering, closes every provider session and returns the recap.
// It may be called at any time and more than once; later calls return the
// same recap.
func (o *Orchestrator) End(ctx context.Context) (teaching.Recap, error) {
	return o.end(ctx, teaching.EndRequested)
}

// EndWithReason is End with an explicit reason, used by the session manager
// for idle reaping and shutdown.
func (o *Orchestrator) EndWithReason(ctx context.Context, reason teaching.EndReason) (teaching.Recap, error) {
	return o.end(ctx, reason)
}

func (o *Orchestrator) end(ctx context.Context, reason teaching.EndReason) (teaching.Recap, error) {
	ctx = context.WithoutCancel(ctx)

	o.mu.Lock()
	if o.recap != nil {
		recap := *o.recap
		o.mu.Unlock()
		return recap, nil
	}

	ended, err := teaching.Transition(o.state, teaching.Input{Kind: teaching.EventEnd})
	if err != nil {
		o.mu.Unlock()
		return teaching.Recap{}, err
	}

	// 1. Metering stops first so no minute is charged during teardown.
	o.stopAccrual()

	if o.cancelSpeech != nil {
		o.cancelSpeech()
		o.cancelSpeech = nil
	}
	o.utterance++

	// 2-3. Provider sessions, best-effort.
	if o.renderHandle != "" {
		h := o.renderHandle
		o.bounded(ctx, o.cfg.TeardownTimeout, func(ctx context.Context) error {
			return o.renderer.End(ctx, h)
		}, media.ProviderVideoRendering, "End")
	}
	if o.recogHandle != "" {
		h := o.recogHandle
		o.bounded(ctx, o.cfg.TeardownTimeout, func(ctx context.Context) error {
			return o.recog.End(ctx, h)
		}, media.ProviderSpeechRecognition, "End")
	}
	if o.synthHandle != "" {
		h := o.synthHandle
		o.bounded(ctx, o.cfg.TeardownTimeout, func(ctx context.Context) error {
			return o.synth.Release(ctx, h)
		}, media.ProviderSpeechSynthesis, "Release")
	}

	// 4. Handles.
	o.renderHandle = ""
	o.recogHandle = ""
	o.synthHandle = ""

	// 5. State.
	o.state = ended
	o.speaking = false
	o.listening = false
	o.expression = teaching.ExpressionDefault

	recap := o.buildRecapLocked(reason)
	o.recap = &recap
	snap := o.commitLocked()
	o.mu.Unlock()

	o.logger.Info("teaching session ended",
		slog.String("session_id", snap.SessionID.String()),
		slog.String("user_id", snap.UserID.String()),
		slog.String("reason", string(reason)),
		slog.Float64("minutes", recap.TotalMinutes),
	)
	o.observer.SessionEnded(reason, recap.TotalMinutes)
	o.publish(teaching.NewStateChangedEvent(snap))
	o.publish(teaching.NewSessionEndedEvent(recap, snap.Version))
	return recap, nil
}

func (o *Orchestrator) stopAccrual() {
	o.stopOnce.Do(func() {
		if o.ticker != nil {
			o.ticker.Stop()
		}
		close(o.stopTick)
	})
}

func (o *Orchestrator) buildRecapLocked(reason teaching.EndReason) teaching.Recap {
	return teaching.Recap{
		SessionID:      o.sessionID,
		UserID:         o.userID,
		Teacher:        o.teacher.ID,
		TotalMinutes:   o.minutes,
		StepsCompleted: append([]teaching.Step(nil), o.stepsDone...),
		TopicsCovered:  append([]string(nil), o.topics...),
		Utterances:     o.utterances,
		Interrupts:     o.interrupts,
		Reason:         reason,
		StartedAt:      o.startedAt,
		EndedAt:        o.clock.Now(),
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Metering
// ═══════════════════════════════════════════════════════════════════════════

func (o *Orchestrator) runAccrual(t Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case now := <-t.C():
			if exhausted := o.accrue(now); exhausted {
				if _, err := o.end(context.Background(), teaching.EndQuotaExceeded); err != nil && !shared.IsTerminated(err) {
					o.logger.Error("failed to end session on exhausted quota", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// accrue reserves the minutes elapsed since the previous tick. It reports
// true when the minute budget is spent and the session must end.
//
// The reservation runs without mu so Speak, Interrupt and GetState never
// wait on the quota store. Only the accrual goroutine moves lastTick.
func (o *Orchestrator) accrue(now time.Time) bool {
	o.mu.Lock()
	if !o.state.IsTeaching() {
		o.mu.Unlock()
		return false
	}
	elapsed := now.Sub(o.lastTick)
	if elapsed <= 0 {
		o.mu.Unlock()
		return false
	}
	userID, sessionID := o.userID, o.sessionID
	o.mu.Unlock()

	delta := elapsed.Minutes()
	charged, exhausted, err := o.reserveMinutes(userID, delta)
	if err != nil {
		// lastTick stays put so the next tick charges this interval too.
		o.logger.Warn("minute accrual failed",
			slog.String("session_id", sessionID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}

	o.mu.Lock()
	if !o.state.IsTeaching() {
		// Ended while the reservation was in flight; minutes are final.
		o.mu.Unlock()
		return false
	}
	o.minutes += charged
	o.lastTick = now
	snap := o.commitLocked()
	o.mu.Unlock()

	if charged > 0 {
		o.observer.MinutesAccrued(charged)
	}
	o.publish(teaching.NewStateChangedEvent(snap))
	if exhausted {
		o.logger.Info("teaching minutes exhausted",
			slog.String("session_id", snap.SessionID.String()),
			slog.String("user_id", snap.UserID.String()),
			slog.Float64("minutes", snap.MinutesUsed),
		)
	}
	return exhausted
}

// reserveMinutes charges delta minutes. When the full delta no longer fits,
// whatever is left of the budget is charged and exhausted is true.
func (o *Orchestrator) reserveMinutes(userID shared.UserID, delta float64) (charged float64, exhausted bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.MeterTimeout)
	defer cancel()

	d, err := o.meter.CheckAndReserve(ctx, userID, quota.ResourceTeachingMinute, delta)
	if err != nil {
		return 0, false, err
	}
	if d.Allowed {
		return delta, false, nil
	}
	if left, ok := d.Limit.Remaining(d.Used); ok && left > quota.Epsilon {
		topUp, err := o.meter.CheckAndReserve(ctx, userID, quota.ResourceTeachingMinute, left)
		if err == nil && topUp.Allowed {
			return left, true, nil
		}
	}
	return 0, true, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// State access
// ═══════════════════════════════════════════════════════════════════════════

// GetState returns a copy of the current state.
func (o *Orchestrator) GetState() teaching.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.snapshotLocked()
}

// SessionID returns the session id; empty before Start.
func (o *Orchestrator) SessionID() shared.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// Teacher returns the session's persona.
func (o *Orchestrator) Teacher() teaching.Teacher {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.teacher
}

// Student returns the context the session was started with.
func (o *Orchestrator) Student() teaching.StudentContext {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.student
}

// LastActivity is when a line was last spoken or heard.
func (o *Orchestrator) LastActivity() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastSeen
}

func (o *Orchestrator) checkLiveLocked() error {
	switch o.state.Phase {
	case teaching.PhaseTeaching:
		return nil
	case teaching.PhaseEnded:
		return shared.ErrSessionTerminated
	default:
		return shared.ErrSessionNotStarted
	}
}

func (o *Orchestrator) markStepLocked(step teaching.Step) {
	for _, s := range o.stepsDone {
		if s == step {
			return
		}
	}
	o.stepsDone = append(o.stepsDone, step)
}

// commitLocked bumps the version and returns the new snapshot.
func (o *Orchestrator) commitLocked() teaching.Snapshot {
	o.version++
	return o.snapshotLocked()
}

func (o *Orchestrator) snapshotLocked() teaching.Snapshot {
	snap := teaching.Snapshot{
		Version:        o.version,
		SessionID:      o.sessionID,
		UserID:         o.userID,
		Teacher:        o.teacher.ID,
		State:          o.state,
		StateName:      o.state.String(),
		CurrentStep:    o.state.Step,
		Expression:     o.expression,
		IsSpeaking:     o.speaking,
		IsListening:    o.listening,
		MinutesUsed:    o.minutes,
		Transcript:     append([]teaching.TranscriptLine(nil), o.transcript...),
		Degraded:       o.degraded,
		HasSynthesizer: o.synthHandle != "",
		HasRenderer:    o.renderHandle != "",
		HasRecognizer:  o.recogHandle != "",
		UpdatedAt:      o.clock.Now(),
	}
	if o.last != nil {
		last := *o.last
		snap.LastUtterance = &last
	}
	return snap
}

func (o *Orchestrator) publish(ev shared.Event) {
	if err := o.publisher.Publish(ev); err != nil {
		o.logger.Warn("failed to publish session event",
			slog.String("event", string(ev.EventType())),
			slog.String("session_id", ev.AggregateID()),
			slog.String("error", err.Error()),
		)
	}
}

// bounded runs a best-effort provider call under its own timeout and logs
// failures.
func (o *Orchestrator) bounded(ctx context.Context, timeout time.Duration, fn func(context.Context) error, provider, op string) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		o.providerWarn(provider, op, err)
	}
}

func (o *Orchestrator) providerWarn(provider, op string, err error) {
	o.logger.Warn("provider call failed",
		slog.String("provider", provider),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	o.observer.ProviderError(provider, op)
}

func asUnavailable(provider, op string, err error) error {
	var pu *shared.ProviderUnavailableError
	if errors.As(err, &pu) {
		return err
	}
	return shared.NewProviderUnavailable(provider, op, err)
}
