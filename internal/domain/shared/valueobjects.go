package shared

import (
	"strings"

	"github.com/google/uuid"
)

// UserID identifies a learner account. Issued by the auth layer; opaque here.
type UserID string

func (u UserID) IsValid() bool  { return strings.TrimSpace(string(u)) != "" }
func (u UserID) String() string { return string(u) }

// NewUserID validates a raw user id.
func NewUserID(id string) (UserID, error) {
	u := UserID(strings.TrimSpace(id))
	if !u.IsValid() {
		return "", NewDomainError("user", "Validate", ErrInvalidID, "user id is empty")
	}
	return u, nil
}

// SessionID identifies one teaching session.
type SessionID string

func (s SessionID) IsValid() bool  { return strings.TrimSpace(string(s)) != "" }
func (s SessionID) String() string { return string(s) }

// NewSessionID generates a random session id.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// ParseSessionID validates a caller-supplied session id. Empty input yields a
// freshly generated id.
func ParseSessionID(raw string) (SessionID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return NewSessionID(), nil
	}
	if len(raw) > 128 {
		return "", NewDomainError("session", "Validate", ErrInvalidID, "session id too long")
	}
	return SessionID(raw), nil
}
