package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doubtdesk/teacher-core/internal/application/classroom"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET SESSION STATE QUERY
// Returns the state of a teaching session. Sessions owned by this process are
// read live; others come from the snapshot cache.
// ══════════════════════════════════════════════════════════════════════════════

// GetSessionStateQuery addresses a session by id or by its user.
type GetSessionStateQuery struct {
	SessionID string
	UserID    string

	// IncludeTranscript adds the transcript lines.
	IncludeTranscript bool
}

// Validate validates the query.
func (q GetSessionStateQuery) Validate() error {
	if strings.TrimSpace(q.SessionID) == "" && strings.TrimSpace(q.UserID) == "" {
		return shared.NewDomainError("session", "Validate", shared.ErrInvalidID, "either session_id or user_id must be provided")
	}
	return nil
}

// Snapshot sources.
const (
	SourceLive  = "live"
	SourceCache = "cache"
)

// SessionStateDTO is the observable state of a session.
type SessionStateDTO struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Teacher   string `json:"teacher"`
	Version   int64  `json:"version"`

	State      string `json:"state"`
	Step       string `json:"current_step"`
	Expression string `json:"expression"`

	IsSpeaking  bool    `json:"is_speaking"`
	IsListening bool    `json:"is_listening"`
	Degraded    bool    `json:"degraded"`
	MinutesUsed float64 `json:"minutes_used"`

	Transcript []TranscriptLineDTO `json:"transcript,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
	Source    string    `json:"source"`
}

// TranscriptLineDTO is a transcript entry.
type TranscriptLineDTO struct {
	Speaker string    `json:"speaker"`
	Step    string    `json:"step"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`
}

// LiveSessions is the in-process session registry.
type LiveSessions interface {
	Get(id shared.SessionID) (*classroom.Room, error)
	ActiveFor(userID shared.UserID) (*classroom.Room, bool)
}

// GetSessionStateHandler handles GetSessionStateQuery.
type GetSessionStateHandler struct {
	live   LiveSessions
	cache  teaching.SnapshotCache
	logger *slog.Logger
}

// NewGetSessionStateHandler creates a new handler. cache may be nil.
func NewGetSessionStateHandler(live LiveSessions, cache teaching.SnapshotCache, logger *slog.Logger) *GetSessionStateHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetSessionStateHandler{
		live:   live,
		cache:  cache,
		logger: logger.With("handler", "get_session_state"),
	}
}

// Handle executes the query. A session known to neither the registry nor the
// cache yields shared.ErrSessionNotFound.
func (h *GetSessionStateHandler) Handle(ctx context.Context, query GetSessionStateQuery) (*SessionStateDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("get_session_state: validation failed: %w", err)
	}

	if snap, ok := h.fromRegistry(query); ok {
		return toSessionStateDTO(snap, SourceLive, query.IncludeTranscript), nil
	}

	if h.cache == nil || query.SessionID == "" {
		return nil, shared.ErrSessionNotFound
	}
	snap, err := h.cache.Get(ctx, shared.SessionID(query.SessionID))
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, shared.ErrSessionNotFound
		}
		return nil, fmt.Errorf("get_session_state: cache read failed: %w", err)
	}
	return toSessionStateDTO(snap, SourceCache, query.IncludeTranscript), nil
}

func (h *GetSessionStateHandler) fromRegistry(query GetSessionStateQuery) (teaching.Snapshot, bool) {
	if h.live == nil {
		return teaching.Snapshot{}, false
	}
	if query.SessionID != "" {
		room, err := h.live.Get(shared.SessionID(query.SessionID))
		if err != nil {
			return teaching.Snapshot{}, false
		}
		return room.Session.GetState(), true
	}
	room, ok := h.live.ActiveFor(shared.UserID(query.UserID))
	if !ok {
		return teaching.Snapshot{}, false
	}
	return room.Session.GetState(), true
}

func toSessionStateDTO(s teaching.Snapshot, source string, withTranscript bool) *SessionStateDTO {
	dto := &SessionStateDTO{
		SessionID:   s.SessionID.String(),
		UserID:      s.UserID.String(),
		Teacher:     string(s.Teacher),
		Version:     s.Version,
		State:       s.StateName,
		Step:        s.CurrentStep.String(),
		Expression:  s.Expression,
		IsSpeaking:  s.IsSpeaking,
		IsListening: s.IsListening,
		Degraded:    s.Degraded,
		MinutesUsed: s.MinutesUsed,
		UpdatedAt:   s.UpdatedAt,
		Source:      source,
	}
	if withTranscript {
		dto.Transcript = make([]TranscriptLineDTO, len(s.Transcript))
		for i, l := range s.Transcript {
			dto.Transcript[i] = TranscriptLineDTO{
				Speaker: string(l.Speaker),
				Step:    l.Step.String(),
				Text:    l.Text,
				At:      l.At,
			}
		}
	}
	return dto
}
