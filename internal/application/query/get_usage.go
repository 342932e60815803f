// Package query contains read operations (CQRS - Queries).
package query

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// ══════════════════════════════════════════════════════════════════════════════
// GET USAGE QUERY
// Reports what a user has spent of each metered resource in the current
// periods, optionally with their most recent lesson recaps.
// ══════════════════════════════════════════════════════════════════════════════

// GetUsageQuery contains the parameters of the usage query.
type GetUsageQuery struct {
	UserID string

	// IncludeRecaps adds the latest finished sessions.
	IncludeRecaps bool

	// RecapLimit caps the recaps returned (default 5, max 50).
	RecapLimit int
}

// Validate validates the query and fills defaults.
func (q *GetUsageQuery) Validate() error {
	if strings.TrimSpace(q.UserID) == "" {
		return shared.NewDomainError("usage", "Validate", shared.ErrInvalidID, "user_id is required")
	}
	if q.RecapLimit < 0 {
		return shared.NewDomainError("usage", "Validate", shared.ErrInvalidInput, "recap_limit cannot be negative")
	}
	if q.RecapLimit == 0 {
		q.RecapLimit = 5
	}
	if q.RecapLimit > 50 {
		q.RecapLimit = 50
	}
	return nil
}

// UsageDTO is a user's quota position.
type UsageDTO struct {
	UserID string             `json:"user_id"`
	Plan   string             `json:"plan"`
	Items  []ResourceUsageDTO `json:"items"`

	Recaps []RecapDTO `json:"recaps,omitempty"`
}

// ResourceUsageDTO describes one metered resource.
type ResourceUsageDTO struct {
	Resource string  `json:"resource"`
	Used     float64 `json:"used"`

	// Limit and Remaining are nil when the plan is unlimited for the resource.
	Limit     *float64 `json:"limit"`
	Remaining *float64 `json:"remaining"`
	Unlimited bool     `json:"unlimited"`

	ResetsAt time.Time `json:"resets_at"`
}

// RecapDTO is a finished session.
type RecapDTO struct {
	SessionID    string    `json:"session_id"`
	Teacher      string    `json:"teacher"`
	TotalMinutes float64   `json:"total_minutes"`
	Steps        []string  `json:"steps_completed"`
	Topics       []string  `json:"topics_covered"`
	Reason       string    `json:"reason"`
	EndedAt      time.Time `json:"ended_at"`
}

// UsageReader is the part of the quota ledger this query needs.
type UsageReader interface {
	Usage(ctx context.Context, userID shared.UserID) (quota.Report, error)
}

// GetUsageHandler handles GetUsageQuery.
type GetUsageHandler struct {
	usage  UsageReader
	recaps teaching.RecapRepository
	logger *slog.Logger
}

// NewGetUsageHandler creates a new GetUsageHandler. recaps may be nil.
func NewGetUsageHandler(usage UsageReader, recaps teaching.RecapRepository, logger *slog.Logger) *GetUsageHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &GetUsageHandler{
		usage:  usage,
		recaps: recaps,
		logger: logger.With("handler", "get_usage"),
	}
}

// Handle executes the query.
func (h *GetUsageHandler) Handle(ctx context.Context, query GetUsageQuery) (*UsageDTO, error) {
	if err := query.Validate(); err != nil {
		return nil, fmt.Errorf("get_usage: validation failed: %w", err)
	}
	userID := shared.UserID(query.UserID)

	report, err := h.usage.Usage(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get_usage: failed to read ledger: %w", err)
	}

	dto := &UsageDTO{
		UserID: query.UserID,
		Plan:   report.Plan.String(),
		Items:  make([]ResourceUsageDTO, 0, len(report.Items)),
	}
	for _, u := range report.Items {
		dto.Items = append(dto.Items, toResourceUsageDTO(u))
	}

	if query.IncludeRecaps && h.recaps != nil {
		recaps, err := h.recaps.RecapsFor(ctx, userID, query.RecapLimit)
		if err != nil {
			// Recaps are decoration; the quota numbers still answer the query.
			h.logger.Warn("failed to load recaps",
				slog.String("user_id", query.UserID),
				slog.String("error", err.Error()),
			)
		} else {
			dto.Recaps = make([]RecapDTO, 0, len(recaps))
			for _, r := range recaps {
				dto.Recaps = append(dto.Recaps, toRecapDTO(r))
			}
		}
	}

	return dto, nil
}

func toResourceUsageDTO(u quota.Usage) ResourceUsageDTO {
	out := ResourceUsageDTO{
		Resource:  u.Resource.String(),
		Used:      u.Used,
		Unlimited: u.Limit.IsUnlimited(),
		ResetsAt:  u.ResetsAt,
	}
	if v, ok := u.Limit.Value(); ok {
		remaining := u.Remaining
		out.Limit = &v
		out.Remaining = &remaining
	}
	return out
}

func toRecapDTO(r teaching.Recap) RecapDTO {
	steps := make([]string, len(r.StepsCompleted))
	for i, s := range r.StepsCompleted {
		steps[i] = s.String()
	}
	return RecapDTO{
		SessionID:    r.SessionID.String(),
		Teacher:      string(r.Teacher),
		TotalMinutes: r.TotalMinutes,
		Steps:        steps,
		Topics:       r.TopicsCovered,
		Reason:       string(r.Reason),
		EndedAt:      r.EndedAt,
	}
}
