package teaching

import (
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// StateChangedEvent carries a snapshot after every mutating operation.
type StateChangedEvent struct {
	shared.BaseEvent
	Snapshot Snapshot `json:"snapshot"`
}

func (e StateChangedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"state":        e.Snapshot.StateName,
		"step":         e.Snapshot.CurrentStep.String(),
		"expression":   e.Snapshot.Expression,
		"is_speaking":  e.Snapshot.IsSpeaking,
		"is_listening": e.Snapshot.IsListening,
		"minutes_used": e.Snapshot.MinutesUsed,
	}
}

// NewStateChangedEvent creates a StateChangedEvent from a snapshot.
func NewStateChangedEvent(s Snapshot) StateChangedEvent {
	return StateChangedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSessionStateChanged, s.SessionID.String(), s.Version, s.UpdatedAt),
		Snapshot:  s,
	}
}

// SessionStartedEvent is emitted once providers are ready.
type SessionStartedEvent struct {
	shared.BaseEvent
	UserID  shared.UserID `json:"user_id"`
	Teacher TeacherID     `json:"teacher"`
}

func (e SessionStartedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID.String(),
		"teacher": string(e.Teacher),
	}
}

func NewSessionStartedEvent(s Snapshot) SessionStartedEvent {
	return SessionStartedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSessionStarted, s.SessionID.String(), s.Version, s.UpdatedAt),
		UserID:    s.UserID,
		Teacher:   s.Teacher,
	}
}

// DegradedEvent is emitted when a provider fails mid-session and the
// session continues on fallback content.
type DegradedEvent struct {
	shared.BaseEvent
	Provider string `json:"provider"`
	Op       string `json:"op"`
	Step     Step   `json:"step"`
}

func (e DegradedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"provider": e.Provider,
		"op":       e.Op,
		"step":     e.Step.String(),
	}
}

func NewDegradedEvent(sessionID shared.SessionID, version int64, provider, op string, step Step, at time.Time) DegradedEvent {
	return DegradedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSessionDegraded, sessionID.String(), version, at),
		Provider:  provider,
		Op:        op,
		Step:      step,
	}
}

// SessionEndedEvent carries the recap.
type SessionEndedEvent struct {
	shared.BaseEvent
	Recap Recap `json:"recap"`
}

func (e SessionEndedEvent) Payload() map[string]interface{} {
	steps := make([]string, len(e.Recap.StepsCompleted))
	for i, s := range e.Recap.StepsCompleted {
		steps[i] = s.String()
	}
	return map[string]interface{}{
		"user_id":         e.Recap.UserID.String(),
		"total_minutes":   e.Recap.TotalMinutes,
		"steps_completed": steps,
		"topics_covered":  e.Recap.TopicsCovered,
		"reason":          string(e.Recap.Reason),
	}
}

func NewSessionEndedEvent(r Recap, version int64) SessionEndedEvent {
	return SessionEndedEvent{
		BaseEvent: shared.NewBaseEvent(shared.EventSessionEnded, r.SessionID.String(), version, r.EndedAt),
		Recap:     r,
	}
}
