// Package command contains write operations (CQRS - Commands).
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doubtdesk/teacher-core/internal/application/classroom"
	"github.com/doubtdesk/teacher-core/internal/application/lesson"
	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/domain/classifier"
	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// ══════════════════════════════════════════════════════════════════════════════
// HANDLE CHAT TURN COMMAND
// Every student chat message passes through here. Unsafe messages stop at
// the safety gate; confusion phrases start Teacher Mode; messages sent while
// a lesson is running are answers to the teacher; everything else gets a
// plain text reply.
// ══════════════════════════════════════════════════════════════════════════════

// HandleChatTurnCommand contains one chat message.
type HandleChatTurnCommand struct {
	UserID  string
	Message string

	// Teacher persona for a session this message may start.
	Teacher string

	// Student is the learner profile used for generation and assessment.
	Student teaching.StudentContext
}

// Validate validates the command.
func (c HandleChatTurnCommand) Validate() error {
	if strings.TrimSpace(c.UserID) == "" {
		return shared.NewDomainError("chat", "Validate", shared.ErrInvalidID, "user_id is required")
	}
	if strings.TrimSpace(c.Message) == "" {
		return shared.NewDomainError("chat", "Validate", shared.ErrEmptyValue, "message is required")
	}
	return nil
}

// TurnKind tells how a turn was handled.
type TurnKind string

const (
	TurnBlocked       TurnKind = "blocked"
	TurnLessonStarted TurnKind = "lesson_started"
	TurnLessonReply   TurnKind = "lesson_reply"
	TurnAnswered      TurnKind = "answered"
)

// HandleChatTurnResult contains the result of a chat turn.
type HandleChatTurnResult struct {
	Kind TurnKind

	// Reply is the text to show the student.
	Reply string

	// Trigger is the confusion phrase that started a lesson.
	Trigger string

	// SessionID of the lesson started or continued.
	SessionID shared.SessionID

	// Outcome is set for TurnLessonReply.
	Outcome *lesson.Outcome

	// Snapshot of the session after the turn, when one is involved.
	Snapshot *teaching.Snapshot
}

// ══════════════════════════════════════════════════════════════════════════════
// DEPENDENCIES
// ══════════════════════════════════════════════════════════════════════════════

// TurnMeter reserves text turns.
type TurnMeter interface {
	CheckAndReserve(ctx context.Context, userID shared.UserID, resource quota.Resource, amount float64) (quota.Decision, error)
}

// Classroom is the session registry.
type Classroom interface {
	ActiveFor(userID shared.UserID) (*classroom.Room, bool)
	Teach(ctx context.Context, req orchestrator.StartRequest, message string) (*classroom.Room, error)
	Reply(ctx context.Context, id shared.SessionID, answer string) (lesson.Outcome, error)
	End(ctx context.Context, id shared.SessionID) (teaching.Recap, error)
}

// FeatureGate reports whether a feature is on for a user.
type FeatureGate interface {
	Enabled(feature, userID string) bool
}

// Feature names consulted by the handler.
const (
	FeatureTextQuota = "chat.text_quota"
	FeatureTriggers  = "chat.triggers"
)

// ══════════════════════════════════════════════════════════════════════════════
// HANDLER
// ══════════════════════════════════════════════════════════════════════════════

// HandleChatTurnHandler handles the HandleChatTurnCommand.
type HandleChatTurnHandler struct {
	meter          TurnMeter
	classroom      Classroom
	content        media.ContentGenerator
	features       FeatureGate
	eventPublisher shared.EventPublisher
	logger         *slog.Logger

	// Configuration
	contentTimeout time.Duration
	now            func() time.Time
}

// HandleChatTurnHandlerConfig contains configuration for the handler.
type HandleChatTurnHandlerConfig struct {
	ContentTimeout time.Duration
}

// DefaultHandleChatTurnHandlerConfig returns default configuration.
func DefaultHandleChatTurnHandlerConfig() HandleChatTurnHandlerConfig {
	return HandleChatTurnHandlerConfig{ContentTimeout: 8 * time.Second}
}

// NewHandleChatTurnHandler creates a new HandleChatTurnHandler. features
// may be nil, in which case every feature is on.
func NewHandleChatTurnHandler(
	meter TurnMeter,
	room Classroom,
	content media.ContentGenerator,
	features FeatureGate,
	eventPublisher shared.EventPublisher,
	logger *slog.Logger,
	config HandleChatTurnHandlerConfig,
) *HandleChatTurnHandler {
	if config.ContentTimeout == 0 {
		config = DefaultHandleChatTurnHandlerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if eventPublisher == nil {
		eventPublisher = shared.NopPublisher{}
	}
	return &HandleChatTurnHandler{
		meter:          meter,
		classroom:      room,
		content:        content,
		features:       features,
		eventPublisher: eventPublisher,
		logger:         logger.With("handler", "handle_chat_turn"),
		contentTimeout: config.ContentTimeout,
		now:            time.Now,
	}
}

// Handle executes the chat turn. A blocked message returns both a result
// carrying the redirect reply and a *shared.UnsafeContentError; nothing
// else is touched for it, quota included.
func (h *HandleChatTurnHandler) Handle(ctx context.Context, cmd HandleChatTurnCommand) (*HandleChatTurnResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, fmt.Errorf("handle_chat_turn: validation failed: %w", err)
	}
	userID := shared.UserID(cmd.UserID)

	// 1. Safety gate
	verdict := classifier.Classify(cmd.Message)
	if verdict.Blocked {
		h.logger.Info("chat turn blocked",
			slog.String("user_id", cmd.UserID),
			slog.String("rule", verdict.Rule),
		)
		_ = h.eventPublisher.Publish(shared.NewTurnBlockedEvent(userID, verdict.Rule, h.now()))
		return &HandleChatTurnResult{Kind: TurnBlocked, Reply: verdict.Reason},
			&shared.UnsafeContentError{Reason: verdict.Reason}
	}

	// 2. A running lesson takes the message as the student's answer.
	room, active := h.classroom.ActiveFor(userID)
	if active {
		if l := room.Lesson(); l != nil && l.Stage() != lesson.StageComplete {
			return h.continueLesson(ctx, room, cmd)
		}
	}

	// 3. Text quota
	if h.enabled(FeatureTextQuota, cmd.UserID) {
		d, err := h.meter.CheckAndReserve(ctx, userID, quota.ResourceTextTurn, 1)
		if err != nil {
			return nil, fmt.Errorf("handle_chat_turn: quota check failed: %w", err)
		}
		if err := d.Err(); err != nil {
			h.publishDenied(userID, err)
			return nil, err
		}
	}

	// 4. Teacher Mode trigger
	if verdict.IsTrigger && h.enabled(FeatureTriggers, cmd.UserID) {
		if active {
			// The previous lesson is finished; a new trigger replaces it.
			if _, err := h.classroom.End(ctx, room.Session.SessionID()); err != nil && !shared.IsNotFound(err) {
				return nil, fmt.Errorf("handle_chat_turn: failed to end finished session: %w", err)
			}
		}
		return h.startLesson(ctx, cmd, verdict.Trigger)
	}

	// 5. Plain reply
	return &HandleChatTurnResult{Kind: TurnAnswered, Reply: h.answer(ctx, cmd)}, nil
}

func (h *HandleChatTurnHandler) startLesson(ctx context.Context, cmd HandleChatTurnCommand, trigger string) (*HandleChatTurnResult, error) {
	room, err := h.classroom.Teach(ctx, orchestrator.StartRequest{
		UserID:  shared.UserID(cmd.UserID),
		Teacher: cmd.Teacher,
		Student: cmd.Student,
	}, cmd.Message)
	if err != nil {
		var qe *shared.QuotaExceededError
		if errors.As(err, &qe) {
			h.publishDenied(shared.UserID(cmd.UserID), err)
		}
		if room == nil {
			return nil, err
		}
		// The session started but the lesson stopped part way; report
		// where it stands.
		h.logger.Warn("lesson interrupted during opening",
			slog.String("user_id", cmd.UserID),
			slog.String("error", err.Error()),
		)
	}

	snap := room.Session.GetState()
	h.logger.Info("teacher mode started",
		slog.String("user_id", cmd.UserID),
		slog.String("session_id", snap.SessionID.String()),
		slog.String("trigger", trigger),
	)
	return &HandleChatTurnResult{
		Kind:      TurnLessonStarted,
		Reply:     lastTeacherLine(snap),
		Trigger:   trigger,
		SessionID: snap.SessionID,
		Snapshot:  &snap,
	}, nil
}

func (h *HandleChatTurnHandler) continueLesson(ctx context.Context, room *classroom.Room, cmd HandleChatTurnCommand) (*HandleChatTurnResult, error) {
	id := room.Session.SessionID()
	out, err := h.classroom.Reply(ctx, id, cmd.Message)
	if err != nil {
		return nil, fmt.Errorf("handle_chat_turn: lesson reply failed: %w", err)
	}
	snap := room.Session.GetState()
	return &HandleChatTurnResult{
		Kind:      TurnLessonReply,
		Reply:     lastTeacherLine(snap),
		SessionID: id,
		Outcome:   &out,
		Snapshot:  &snap,
	}, nil
}

// answer generates a plain reply, never empty.
func (h *HandleChatTurnHandler) answer(ctx context.Context, cmd HandleChatTurnCommand) string {
	if h.content == nil {
		return teaching.GenericFallback
	}
	ctx, cancel := context.WithTimeout(ctx, h.contentTimeout)
	defer cancel()

	teacher, _ := teaching.LookupTeacher(cmd.Teacher)
	text, err := h.content.Generate(ctx, media.ContentRequest{
		Teacher: teacher,
		Student: cmd.Student,
		Step:    teaching.StepExplaining,
		Message: cmd.Message,
	})
	if err != nil {
		h.logger.Warn("chat reply generation failed, using fallback",
			slog.String("user_id", cmd.UserID),
			slog.String("error", err.Error()),
		)
		return teaching.GenericFallback
	}
	if text = strings.TrimSpace(text); text == "" {
		return teaching.GenericFallback
	}
	return text
}

func (h *HandleChatTurnHandler) enabled(feature, userID string) bool {
	if h.features == nil {
		return true
	}
	return h.features.Enabled(feature, userID)
}

func (h *HandleChatTurnHandler) publishDenied(userID shared.UserID, err error) {
	var qe *shared.QuotaExceededError
	if errors.As(err, &qe) {
		_ = h.eventPublisher.Publish(shared.NewQuotaDeniedEvent(userID, qe, h.now()))
	}
}

func lastTeacherLine(snap teaching.Snapshot) string {
	for i := len(snap.Transcript) - 1; i >= 0; i-- {
		if snap.Transcript[i].Speaker == teaching.SpeakerTeacher {
			return snap.Transcript[i].Text
		}
	}
	return ""
}
