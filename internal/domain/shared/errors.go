// Package shared contains common domain types, errors, events, and value objects
// used across the teaching core. Apart from google/uuid for id generation it
// depends only on the standard library.
package shared

import (
	"errors"
	"fmt"
)

// Base domain errors that can be used for error checking with errors.Is().
var (
	// Entity errors
	ErrNotFound      = errors.New("entity not found")
	ErrAlreadyExists = errors.New("entity already exists")

	// Validation errors
	ErrValidation      = errors.New("validation error")
	ErrInvalidID       = errors.New("invalid ID")
	ErrInvalidInput    = errors.New("invalid input")
	ErrEmptyValue      = errors.New("value cannot be empty")
	ErrNegativeValue   = errors.New("value cannot be negative")
	ErrValueOutOfRange = errors.New("value out of range")

	// State errors
	ErrInvalidState    = errors.New("invalid state")
	ErrStateTransition = errors.New("invalid state transition")
	ErrTerminated      = errors.New("session terminated")

	// Policy errors
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnsafeContent = errors.New("unsafe content")

	// External service errors
	ErrExternalService    = errors.New("external service error")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrTimeout            = errors.New("operation timeout")
	ErrRateLimited        = errors.New("rate limited")
)

// DomainError represents a domain-specific error with context.
type DomainError struct {
	Domain  string // e.g., "quota", "orchestrator", "provider"
	Op      string // Operation that failed, e.g., "Start", "Speak"
	Kind    error  // Base error type for errors.Is() checking
	Message string // Human-readable message
	Err     error  // Underlying error (optional)
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s.%s: %s: %v", e.Domain, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s.%s: %s", e.Domain, e.Op, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap().
func (e *DomainError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return e.Kind
}

// Is implements errors.Is() matching.
func (e *DomainError) Is(target error) bool {
	if e.Kind != nil && errors.Is(e.Kind, target) {
		return true
	}
	if e.Err != nil && errors.Is(e.Err, target) {
		return true
	}
	return false
}

// NewDomainError creates a new domain error.
func NewDomainError(domain, op string, kind error, message string) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
	}
}

// WrapError wraps an existing error with domain context.
func WrapError(domain, op string, kind error, message string, err error) *DomainError {
	return &DomainError{
		Domain:  domain,
		Op:      op,
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// Teaching errors
// ═══════════════════════════════════════════════════════════════════════════

// QuotaExceededError is returned when a reservation would take a user past
// their plan ceiling for a resource.
type QuotaExceededError struct {
	Resource string
	Limit    float64
	Used     float64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: used %g of %g", e.Resource, e.Used, e.Limit)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// NewQuotaExceeded creates a QuotaExceededError.
func NewQuotaExceeded(resource string, limit, used float64) *QuotaExceededError {
	return &QuotaExceededError{Resource: resource, Limit: limit, Used: used}
}

// ProviderUnavailableError identifies which streaming provider or content
// collaborator failed and during which operation.
type ProviderUnavailableError struct {
	Provider string // "speech_synthesis", "video_rendering", "speech_recognition", "content"
	Op       string
	Err      error
}

func (e *ProviderUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s unavailable during %s: %v", e.Provider, e.Op, e.Err)
	}
	return fmt.Sprintf("provider %s unavailable during %s", e.Provider, e.Op)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

func (e *ProviderUnavailableError) Is(target error) bool {
	return target == ErrServiceUnavailable
}

// NewProviderUnavailable creates a ProviderUnavailableError.
func NewProviderUnavailable(provider, op string, err error) *ProviderUnavailableError {
	return &ProviderUnavailableError{Provider: provider, Op: op, Err: err}
}

// Orchestrator errors
var (
	ErrSessionTerminated = NewDomainError("orchestrator", "Check", ErrTerminated, "teaching session has ended")
	ErrSessionNotStarted = NewDomainError("orchestrator", "Check", ErrStateTransition, "teaching session has not started")
	ErrSessionNotFound   = NewDomainError("classroom", "Find", ErrNotFound, "teaching session not found")
	ErrSessionExists     = NewDomainError("classroom", "Open", ErrAlreadyExists, "teaching session already active")
)

// Quota errors
var (
	ErrUnknownResource = NewDomainError("quota", "Validate", ErrInvalidInput, "unknown quota resource")
	ErrInvalidAmount   = NewDomainError("quota", "Validate", ErrNegativeValue, "reservation amount must be positive")
	ErrUnknownPlan     = NewDomainError("quota", "Resolve", ErrNotFound, "unknown plan")
)

// UnsafeContentError carries the redirect message shown to the learner.
type UnsafeContentError struct {
	Reason string
}

func (e *UnsafeContentError) Error() string { return "unsafe content: " + e.Reason }

func (e *UnsafeContentError) Is(target error) bool { return target == ErrUnsafeContent }

// IsNotFound checks if the error is a "not found" error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsQuotaExceeded checks if the error is a quota rejection.
func IsQuotaExceeded(err error) bool {
	return errors.Is(err, ErrQuotaExceeded)
}

// IsProviderUnavailable checks if the error is a provider outage.
func IsProviderUnavailable(err error) bool {
	var p *ProviderUnavailableError
	return errors.As(err, &p)
}

// IsInvalidTransition checks if an operation was rejected by the session
// state machine.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrStateTransition)
}

// IsTerminated checks if an operation hit a session that already ended.
func IsTerminated(err error) bool {
	return errors.Is(err, ErrTerminated)
}

// IsValidation checks if the error is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrInvalidID) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrEmptyValue) ||
		errors.Is(err, ErrNegativeValue) ||
		errors.Is(err, ErrValueOutOfRange)
}

// IsExternalService checks if the error is from an external service.
func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService) ||
		errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}

// IsRetryable checks if the operation can be retried.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrRateLimited)
}
