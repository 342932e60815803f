package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// RecapStore implements teaching.RecapRepository.
type RecapStore struct {
	db *DB
}

// NewRecapStore creates a store.
func NewRecapStore(db *DB) *RecapStore {
	return &RecapStore{db: db}
}

// SaveRecap implements teaching.RecapRepository.
func (s *RecapStore) SaveRecap(ctx context.Context, recap teaching.Recap) error {
	steps, err := json.Marshal(recap.StepsCompleted)
	if err != nil {
		return fmt.Errorf("encode steps: %w", err)
	}
	topics, err := json.Marshal(recap.TopicsCovered)
	if err != nil {
		return fmt.Errorf("encode topics: %w", err)
	}

	_, err = s.db.db.ExecContext(ctx, `
	INSERT INTO session_recaps (session_id, user_id, teacher, total_minutes, steps_json, topics_json,
		utterances, interrupts, reason, started_at, ended_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO NOTHING`,
		recap.SessionID.String(), recap.UserID.String(), string(recap.Teacher), recap.TotalMinutes,
		string(steps), string(topics), recap.Utterances, recap.Interrupts, string(recap.Reason),
		recap.StartedAt.UnixMilli(), recap.EndedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save recap %s: %w", recap.SessionID, err)
	}
	return nil
}

// RecapsFor implements teaching.RecapRepository.
func (s *RecapStore) RecapsFor(ctx context.Context, userID shared.UserID, limit int) ([]teaching.Recap, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.db.QueryContext(ctx, `
		SELECT session_id, user_id, teacher, total_minutes, steps_json, topics_json,
		       utterances, interrupts, reason, started_at, ended_at
		FROM session_recaps WHERE user_id = ?
		ORDER BY ended_at DESC LIMIT ?`, userID.String(), limit)
	if err != nil {
		return nil, fmt.Errorf("recaps for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []teaching.Recap
	for rows.Next() {
		var (
			rc                           teaching.Recap
			sessionID, user, teacher     string
			reason, stepsJSON, topicJSON string
			startedAt, endedAt           int64
		)
		if err := rows.Scan(&sessionID, &user, &teacher, &rc.TotalMinutes, &stepsJSON, &topicJSON,
			&rc.Utterances, &rc.Interrupts, &reason, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("scan recap: %w", err)
		}
		rc.SessionID = shared.SessionID(sessionID)
		rc.UserID = shared.UserID(user)
		rc.Teacher = teaching.TeacherID(teacher)
		rc.Reason = teaching.EndReason(reason)
		rc.StartedAt = fromMillis(startedAt)
		rc.EndedAt = fromMillis(endedAt)
		if err := json.Unmarshal([]byte(stepsJSON), &rc.StepsCompleted); err != nil {
			return nil, fmt.Errorf("decode steps of %s: %w", sessionID, err)
		}
		if err := json.Unmarshal([]byte(topicJSON), &rc.TopicsCovered); err != nil {
			return nil, fmt.Errorf("decode topics of %s: %w", sessionID, err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

// MinutesSince implements teaching.RecapRepository.
func (s *RecapStore) MinutesSince(ctx context.Context, userID shared.UserID, since time.Time) (float64, error) {
	var total float64
	err := s.db.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_minutes), 0) FROM session_recaps
		WHERE user_id = ? AND ended_at >= ?`, userID.String(), since.UnixMilli()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("minutes since for %s: %w", userID, err)
	}
	return total, nil
}
