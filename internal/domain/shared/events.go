package shared

import (
	"encoding/json"
	"time"
)

// EventType represents the type of domain event.
type EventType string

const (
	// Session lifecycle
	EventSessionStarted      EventType = "session.started"
	EventSessionStateChanged EventType = "session.state_changed"
	EventSessionDegraded     EventType = "session.degraded"
	EventSessionEnded        EventType = "session.ended"

	// Quota
	EventQuotaDenied EventType = "quota.denied"

	// Chat
	EventTurnBlocked EventType = "chat.turn_blocked"
)

// Event is the base interface for all domain events.
type Event interface {
	// EventType returns the type of the event.
	EventType() EventType

	// OccurredAt returns when the event occurred.
	OccurredAt() time.Time

	// AggregateID returns the ID of the aggregate that produced this event.
	AggregateID() string

	// Payload returns the event data as a map for serialization.
	Payload() map[string]interface{}
}

// BaseEvent provides common event functionality.
type BaseEvent struct {
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	AggregateId string    `json:"aggregate_id"`
	Version     int64     `json:"version"`
}

func (e BaseEvent) EventType() EventType  { return e.Type }
func (e BaseEvent) OccurredAt() time.Time { return e.Timestamp }
func (e BaseEvent) AggregateID() string   { return e.AggregateId }

// NewBaseEvent creates a new base event. Version orders events of a single
// aggregate; consumers drop anything older than what they already applied.
func NewBaseEvent(eventType EventType, aggregateID string, version int64, at time.Time) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   at,
		AggregateId: aggregateID,
		Version:     version,
	}
}

// EventEnvelope wraps an event for transport/storage.
type EventEnvelope struct {
	ID          string          `json:"id"`
	Type        EventType       `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Payload     json.RawMessage `json:"payload"`
}

// EventHandler is a function that handles an event.
type EventHandler func(event Event) error

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	// Publish hands the event to subscribers. Implementations used by the
	// orchestrator must not block on slow subscribers.
	Publish(event Event) error
}

// EventSubscriber defines the interface for subscribing to events.
type EventSubscriber interface {
	Subscribe(eventType EventType, handler EventHandler) error
	SubscribeAll(handler EventHandler) error
}

// EventBus combines publishing and subscribing.
type EventBus interface {
	EventPublisher
	EventSubscriber
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(Event) error { return nil }

// TurnBlockedEvent records a chat message refused by the safety gate. The
// message text itself is not carried.
type TurnBlockedEvent struct {
	BaseEvent
	UserID UserID `json:"user_id"`
	Rule   string `json:"rule"`
}

func (e TurnBlockedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id": e.UserID.String(),
		"rule":    e.Rule,
	}
}

// NewTurnBlockedEvent creates a TurnBlockedEvent.
func NewTurnBlockedEvent(userID UserID, rule string, at time.Time) TurnBlockedEvent {
	return TurnBlockedEvent{
		BaseEvent: NewBaseEvent(EventTurnBlocked, userID.String(), 0, at),
		UserID:    userID,
		Rule:      rule,
	}
}

// QuotaDeniedEvent records a refused reservation.
type QuotaDeniedEvent struct {
	BaseEvent
	UserID   UserID  `json:"user_id"`
	Resource string  `json:"resource"`
	Limit    float64 `json:"limit"`
	Used     float64 `json:"used"`
}

func (e QuotaDeniedEvent) Payload() map[string]interface{} {
	return map[string]interface{}{
		"user_id":  e.UserID.String(),
		"resource": e.Resource,
		"limit":    e.Limit,
		"used":     e.Used,
	}
}

// NewQuotaDeniedEvent creates a QuotaDeniedEvent from a quota error.
func NewQuotaDeniedEvent(userID UserID, qe *QuotaExceededError, at time.Time) QuotaDeniedEvent {
	return QuotaDeniedEvent{
		BaseEvent: NewBaseEvent(EventQuotaDenied, userID.String(), 0, at),
		UserID:    userID,
		Resource:  qe.Resource,
		Limit:     qe.Limit,
		Used:      qe.Used,
	}
}
