package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// PlanDirectory reads each learner's tier from user_plans. Users without a
// row are on the fallback plan.
type PlanDirectory struct {
	conn     *Connection
	fallback quota.Plan
}

// NewPlanDirectory creates a directory.
func NewPlanDirectory(conn *Connection, fallback quota.Plan) *PlanDirectory {
	if fallback == "" {
		fallback = quota.PlanFree
	}
	return &PlanDirectory{conn: conn, fallback: fallback}
}

// PlanFor implements quota.PlanDirectory.
func (d *PlanDirectory) PlanFor(ctx context.Context, userID shared.UserID) (quota.Plan, error) {
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()

	var plan string
	err := d.conn.QueryRow(ctx, `SELECT plan FROM user_plans WHERE user_id = $1`, string(userID)).Scan(&plan)
	if IsNoRows(err) {
		return d.fallback, nil
	}
	if err != nil {
		return "", fmt.Errorf("plan for %s: %w", userID, err)
	}
	return quota.Plan(strings.ToUpper(plan)), nil
}

// SetPlan records a user's tier, e.g. after a payment webhook.
func (d *PlanDirectory) SetPlan(ctx context.Context, userID shared.UserID, plan quota.Plan) error {
	ctx, cancel := d.conn.withTimeout(ctx)
	defer cancel()

	_, err := d.conn.Exec(ctx, `
		INSERT INTO user_plans (user_id, plan, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id) DO UPDATE SET plan = EXCLUDED.plan, updated_at = EXCLUDED.updated_at
	`, string(userID), plan.String())
	if err != nil {
		return fmt.Errorf("set plan for %s: %w", userID, err)
	}
	return nil
}
