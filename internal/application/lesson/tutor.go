// Package lesson drives a teaching session through the step script: it asks
// the content generator for each line, speaks it through the session, and
// judges the student's answers to the challenge.
package lesson

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// ═══════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ═══════════════════════════════════════════════════════════════════════════

// Session is the part of a live teaching session the tutor drives.
// *orchestrator.Orchestrator implements it.
type Session interface {
	Speak(ctx context.Context, text string, step teaching.Step) (teaching.Snapshot, error)
	Hear(text string) (teaching.Snapshot, error)
	NoteTopic(topic string)
	GetState() teaching.Snapshot
	Teacher() teaching.Teacher
	Student() teaching.StudentContext
}

// Config controls how a lesson unfolds.
type Config struct {
	// MaxRemediations bounds re-explain cycles after wrong answers. After
	// that many the lesson summarises regardless. Default: 3.
	MaxRemediations int

	// Remediation enables re-explaining after a wrong answer. When off, the
	// first answer closes the lesson.
	Remediation bool

	// IncludePractice adds the Practicing step after Summarizing.
	IncludePractice bool

	// ContentTimeout bounds one content or assessment call. Default: 8s.
	ContentTimeout time.Duration

	// HistoryLines is how much transcript the generator sees. Default: 12.
	HistoryLines int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxRemediations: 3,
		Remediation:     true,
		IncludePractice: true,
		ContentTimeout:  8 * time.Second,
		HistoryLines:    12,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// TUTOR
// ═══════════════════════════════════════════════════════════════════════════

// Tutor creates lessons. It holds no per-session state and may be shared.
type Tutor struct {
	content  media.ContentGenerator
	assessor media.Assessor
	config   Config
	logger   *slog.Logger
}

// NewTutor creates a Tutor.
func NewTutor(content media.ContentGenerator, assessor media.Assessor, config Config, logger *slog.Logger) *Tutor {
	if config.ContentTimeout <= 0 {
		config.ContentTimeout = DefaultConfig().ContentTimeout
	}
	if config.MaxRemediations < 0 {
		config.MaxRemediations = 0
	}
	if config.HistoryLines <= 0 {
		config.HistoryLines = DefaultConfig().HistoryLines
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tutor{
		content:  content,
		assessor: assessor,
		config:   config,
		logger:   logger.With("component", "lesson"),
	}
}

// Lesson tracks one session's progress through the script.
type Lesson struct {
	tutor   *Tutor
	session Session

	mu           sync.Mutex
	stage        Stage
	challenge    string
	remediations int
}

// Stage is where a lesson stands between student turns.
type Stage string

const (
	StageOpening       Stage = "opening"
	StageAwaitingReply Stage = "awaiting_reply"
	StageComplete      Stage = "complete"
)

// ErrLessonComplete is returned by Reply once the lesson has been summarised.
var ErrLessonComplete = shared.NewDomainError("lesson", "Reply", shared.ErrInvalidState, "lesson already complete")

// Begin runs the forward path (Greeting through Challenging) on a started
// session. message is the student's triggering message and is recorded
// first. A synthesis failure on one step does not stop the lesson; any
// other session error does.
func (t *Tutor) Begin(ctx context.Context, session Session, message string) (*Lesson, error) {
	l := &Lesson{tutor: t, session: session, stage: StageOpening}

	if strings.TrimSpace(message) != "" {
		if _, err := session.Hear(message); err != nil {
			return nil, err
		}
	}

	for _, step := range teaching.ForwardPath {
		line := t.line(ctx, session, step, message, false)
		if err := t.speak(ctx, session, line, step); err != nil {
			return l, err
		}
		if step == teaching.StepChallenging {
			l.challenge = line
		}
	}

	l.mu.Lock()
	l.stage = StageAwaitingReply
	l.mu.Unlock()
	return l, nil
}

// ═══════════════════════════════════════════════════════════════════════════
// REPLY
// ═══════════════════════════════════════════════════════════════════════════

// Outcome reports what the lesson did with a student reply.
type Outcome struct {
	Correct      bool
	Feedback     string
	Remediations int
	Stage        Stage
	Snapshot     teaching.Snapshot
}

// Reply evaluates the student's answer to the current challenge. A correct
// answer, or a wrong one once remediation is exhausted, closes the lesson
// with Summarizing (and Practicing when enabled). Otherwise the teacher
// re-explains and waits for the next answer.
func (l *Lesson) Reply(ctx context.Context, answer string) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.stage == StageComplete {
		return Outcome{Stage: l.stage}, ErrLessonComplete
	}
	if l.stage != StageAwaitingReply {
		return Outcome{Stage: l.stage}, shared.NewDomainError("lesson", "Reply", shared.ErrInvalidState, "lesson has not reached the challenge")
	}

	t := l.tutor
	if _, err := l.session.Hear(answer); err != nil {
		return Outcome{Stage: l.stage}, err
	}

	verdict := t.assess(ctx, l.session, l.challenge, answer)
	feedback := strings.TrimSpace(verdict.Feedback)
	if feedback == "" {
		feedback = teaching.Profile(teaching.StepEvaluating).Fallback
	}
	if err := t.speak(ctx, l.session, feedback, teaching.StepEvaluating); err != nil {
		return Outcome{Stage: l.stage}, err
	}

	out := Outcome{Correct: verdict.Correct, Feedback: feedback}

	exhausted := !t.config.Remediation || l.remediations >= t.config.MaxRemediations
	if verdict.Correct || exhausted {
		if err := l.close(ctx, answer); err != nil {
			return l.outcome(out), err
		}
		return l.outcome(out), nil
	}

	l.remediations++
	line := t.line(ctx, l.session, teaching.StepExplaining, answer, true)
	if err := t.speak(ctx, l.session, line, teaching.StepExplaining); err != nil {
		return l.outcome(out), err
	}
	t.logger.Info("re-explaining after incorrect answer",
		slog.String("session_id", l.session.GetState().SessionID.String()),
		slog.Int("remediations", l.remediations),
	)
	return l.outcome(out), nil
}

// close speaks the summary and, when enabled, the practice set.
func (l *Lesson) close(ctx context.Context, answer string) error {
	t := l.tutor
	steps := []teaching.Step{teaching.StepSummarizing}
	if t.config.IncludePractice {
		steps = append(steps, teaching.StepPracticing)
	}
	for _, step := range steps {
		line := t.line(ctx, l.session, step, answer, false)
		if err := t.speak(ctx, l.session, line, step); err != nil {
			return err
		}
	}
	if topic := l.session.Student().Topic; topic != "" {
		l.session.NoteTopic(topic)
	}
	l.stage = StageComplete
	return nil
}

func (l *Lesson) outcome(out Outcome) Outcome {
	out.Remediations = l.remediations
	out.Stage = l.stage
	out.Snapshot = l.session.GetState()
	return out
}

// Stage returns the lesson's current stage.
func (l *Lesson) Stage() Stage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stage
}

// Remediations returns how many re-explain cycles have run.
func (l *Lesson) Remediations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remediations
}

// Challenge returns the line the student is answering.
func (l *Lesson) Challenge() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.challenge
}

// ═══════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════

// line asks the generator for the next teacher line, falling back to the
// step's canned line. The result is never empty.
func (t *Tutor) line(ctx context.Context, session Session, step teaching.Step, message string, remediation bool) string {
	fallback := teaching.Profile(step).Fallback
	if remediation {
		fallback = teaching.RemediationFallback
	}
	if t.content == nil {
		return fallback
	}

	ctx, cancel := context.WithTimeout(ctx, t.config.ContentTimeout)
	defer cancel()

	snap := session.GetState()
	text, err := t.content.Generate(ctx, media.ContentRequest{
		Teacher:     session.Teacher(),
		Student:     session.Student(),
		Step:        step,
		Message:     message,
		Remediation: remediation,
		History:     tail(snap.Transcript, t.config.HistoryLines),
	})
	if err != nil {
		t.logger.Warn("content generation failed, using fallback line",
			slog.String("session_id", snap.SessionID.String()),
			slog.String("step", step.String()),
			slog.String("error", err.Error()),
		)
		return fallback
	}
	if text = strings.TrimSpace(text); text == "" {
		return fallback
	}
	return text
}

// assess judges an answer. When the assessor is unavailable the answer is
// accepted so the lesson can move on to the summary.
func (t *Tutor) assess(ctx context.Context, session Session, challenge, answer string) media.Assessment {
	if t.assessor == nil {
		return media.Assessment{Correct: true}
	}
	ctx, cancel := context.WithTimeout(ctx, t.config.ContentTimeout)
	defer cancel()

	verdict, err := t.assessor.Assess(ctx, media.AssessRequest{
		Student:   session.Student(),
		Challenge: challenge,
		Answer:    answer,
	})
	if err != nil {
		t.logger.Warn("assessment failed, moving on to summary",
			slog.String("session_id", session.GetState().SessionID.String()),
			slog.String("error", err.Error()),
		)
		return media.Assessment{Correct: true}
	}
	return verdict
}

// speak delivers a line. A degraded synthesis is not an error: the session
// records a canned line and keeps listening.
func (t *Tutor) speak(ctx context.Context, session Session, text string, step teaching.Step) error {
	_, err := session.Speak(ctx, text, step)
	return err
}

func tail(lines []teaching.TranscriptLine, n int) []teaching.TranscriptLine {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
