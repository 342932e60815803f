package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// SessionRepository implements teaching.RecapRepository on session_recaps.
type SessionRepository struct {
	conn *Connection
}

// NewSessionRepository creates a repository.
func NewSessionRepository(conn *Connection) *SessionRepository {
	return &SessionRepository{conn: conn}
}

// SaveRecap implements teaching.RecapRepository.
func (r *SessionRepository) SaveRecap(ctx context.Context, recap teaching.Recap) error {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	steps, err := json.Marshal(nonNil(recap.StepsCompleted))
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	topics, err := json.Marshal(nonNil(recap.TopicsCovered))
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}

	_, err = r.conn.Exec(ctx, `
		INSERT INTO session_recaps (
			session_id, user_id, teacher, total_minutes, steps_completed, topics_covered,
			utterances, interrupts, reason, started_at, ended_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (session_id) DO NOTHING
	`,
		recap.SessionID.String(), recap.UserID.String(), string(recap.Teacher), recap.TotalMinutes,
		string(steps), string(topics), recap.Utterances, recap.Interrupts, string(recap.Reason),
		recap.StartedAt, recap.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("save recap %s: %w", recap.SessionID, err)
	}
	return nil
}

// RecapsFor implements teaching.RecapRepository.
func (r *SessionRepository) RecapsFor(ctx context.Context, userID shared.UserID, limit int) ([]teaching.Recap, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	rows, err := r.conn.Query(ctx, `
		SELECT session_id, user_id, teacher, total_minutes, steps_completed, topics_covered,
		       utterances, interrupts, reason, started_at, ended_at
		FROM session_recaps
		WHERE user_id = $1
		ORDER BY ended_at DESC
		LIMIT $2
	`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("recaps for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []teaching.Recap
	for rows.Next() {
		var (
			rc            teaching.Recap
			sessionID     string
			user, teacher string
			reason        string
			steps, topics []byte
		)
		if err := rows.Scan(&sessionID, &user, &teacher, &rc.TotalMinutes, &steps, &topics,
			&rc.Utterances, &rc.Interrupts, &reason, &rc.StartedAt, &rc.EndedAt); err != nil {
			return nil, fmt.Errorf("scan recap: %w", err)
		}
		rc.SessionID = shared.SessionID(sessionID)
		rc.UserID = shared.UserID(user)
		rc.Teacher = teaching.TeacherID(teacher)
		rc.Reason = teaching.EndReason(reason)
		if err := json.Unmarshal(steps, &rc.StepsCompleted); err != nil {
			return nil, fmt.Errorf("decode steps of %s: %w", sessionID, err)
		}
		if err := json.Unmarshal(topics, &rc.TopicsCovered); err != nil {
			return nil, fmt.Errorf("decode topics of %s: %w", sessionID, err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MinutesSince implements teaching.RecapRepository.
func (r *SessionRepository) MinutesSince(ctx context.Context, userID shared.UserID, since time.Time) (float64, error) {
	ctx, cancel := r.conn.withTimeout(ctx)
	defer cancel()

	var total float64
	err := r.conn.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_minutes), 0)
		FROM session_recaps
		WHERE user_id = $1 AND ended_at >= $2
	`, userID.String(), since).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("minutes since for %s: %w", userID, err)
	}
	return total, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
