// Package classroom keeps the registry of live teaching sessions in this
// process. Each session is one orchestrator plus, once a lesson has begun,
// its lesson runner.
package classroom

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/doubtdesk/teacher-core/internal/application/lesson"
	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// SessionFactory builds an idle orchestrator wired to this process's
// providers, ledger and event bus.
type SessionFactory func() *orchestrator.Orchestrator

// Room is one live session.
type Room struct {
	Session *orchestrator.Orchestrator

	mu     sync.Mutex
	lesson *lesson.Lesson
}

// Lesson returns the room's lesson, nil before one has begun.
func (r *Room) Lesson() *lesson.Lesson {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lesson
}

func (r *Room) ended() bool {
	return r.Session.GetState().State.Phase == teaching.PhaseEnded
}

// Manager owns every live session. Safe for concurrent use.
type Manager struct {
	factory SessionFactory
	tutor   *lesson.Tutor
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	rooms  map[shared.SessionID]*Room
	byUser map[shared.UserID]shared.SessionID
}

// NewManager creates a Manager.
func NewManager(factory SessionFactory, tutor *lesson.Tutor, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		factory: factory,
		tutor:   tutor,
		logger:  logger.With("component", "classroom"),
		now:     time.Now,
		rooms:   make(map[shared.SessionID]*Room),
		byUser:  make(map[shared.UserID]shared.SessionID),
	}
}

// WithClock replaces the clock used for idle reaping.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Open starts a session for a user who has none running.
func (m *Manager) Open(ctx context.Context, req orchestrator.StartRequest) (*Room, error) {
	if !req.SessionID.IsValid() {
		req.SessionID = shared.NewSessionID()
	}

	m.mu.Lock()
	if id, ok := m.byUser[req.UserID]; ok {
		if room, live := m.rooms[id]; live && !room.ended() {
			m.mu.Unlock()
			return nil, shared.ErrSessionExists
		}
		m.dropLocked(id)
	}
	if _, taken := m.rooms[req.SessionID]; taken {
		m.mu.Unlock()
		return nil, shared.ErrSessionExists
	}
	room := &Room{Session: m.factory()}
	// Reserve the slot so a concurrent Open for the same user is refused
	// while providers are being created.
	m.rooms[req.SessionID] = room
	m.byUser[req.UserID] = req.SessionID
	m.mu.Unlock()

	if _, err := room.Session.Start(ctx, req); err != nil {
		m.mu.Lock()
		m.dropLocked(req.SessionID)
		m.mu.Unlock()
		return nil, err
	}
	return room, nil
}

// Teach opens a session and runs the lesson's forward path for message.
func (m *Manager) Teach(ctx context.Context, req orchestrator.StartRequest, message string) (*Room, error) {
	room, err := m.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	l, err := m.tutor.Begin(ctx, room.Session, message)
	room.mu.Lock()
	room.lesson = l
	room.mu.Unlock()
	if err != nil {
		return room, err
	}
	return room, nil
}

// Reply routes a student answer to the room's lesson.
func (m *Manager) Reply(ctx context.Context, id shared.SessionID, answer string) (lesson.Outcome, error) {
	room, err := m.Get(id)
	if err != nil {
		return lesson.Outcome{}, err
	}
	l := room.Lesson()
	if l == nil {
		return lesson.Outcome{}, shared.NewDomainError("classroom", "Reply", shared.ErrInvalidState, "no lesson running in this session")
	}
	return l.Reply(ctx, answer)
}

// Get returns a live room.
func (m *Manager) Get(id shared.SessionID) (*Room, error) {
	m.mu.RLock()
	room, ok := m.rooms[id]
	m.mu.RUnlock()
	if !ok {
		return nil, shared.ErrSessionNotFound
	}
	return room, nil
}

// ActiveFor returns the user's running room, if any.
func (m *Manager) ActiveFor(userID shared.UserID) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byUser[userID]
	if !ok {
		return nil, false
	}
	room, ok := m.rooms[id]
	if !ok || room.ended() {
		return nil, false
	}
	return room, true
}

// End ends a session at the caller's request and forgets it.
func (m *Manager) End(ctx context.Context, id shared.SessionID) (teaching.Recap, error) {
	return m.endWith(ctx, id, teaching.EndRequested)
}

func (m *Manager) endWith(ctx context.Context, id shared.SessionID, reason teaching.EndReason) (teaching.Recap, error) {
	room, err := m.Get(id)
	if err != nil {
		return teaching.Recap{}, err
	}
	recap, err := room.Session.EndWithReason(ctx, reason)
	m.mu.Lock()
	m.dropLocked(id)
	m.mu.Unlock()
	return recap, err
}

// EndAll ends every live session; used on process shutdown.
func (m *Manager) EndAll(ctx context.Context) int {
	ids := m.ids()
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id shared.SessionID) {
			defer wg.Done()
			if _, err := m.endWith(ctx, id, teaching.EndShutdown); err != nil {
				m.logger.Warn("failed to end session on shutdown",
					slog.String("session_id", id.String()),
					slog.String("error", err.Error()),
				)
			}
		}(id)
	}
	wg.Wait()
	if len(ids) > 0 {
		m.logger.Info("ended live sessions", slog.Int("count", len(ids)))
	}
	return len(ids)
}

// ReapIdle ends sessions with no spoken or heard line for longer than ttl
// and forgets sessions that ended on their own (quota exhaustion). It
// returns how many sessions it ended.
func (m *Manager) ReapIdle(ctx context.Context, ttl time.Duration) int {
	cutoff := m.now().Add(-ttl)
	reaped := 0
	for _, id := range m.ids() {
		room, err := m.Get(id)
		if err != nil {
			continue
		}
		if room.ended() {
			m.mu.Lock()
			m.dropLocked(id)
			m.mu.Unlock()
			continue
		}
		if room.Session.LastActivity().After(cutoff) {
			continue
		}
		if _, err := m.endWith(ctx, id, teaching.EndIdle); err != nil {
			m.logger.Warn("failed to reap idle session",
				slog.String("session_id", id.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		reaped++
	}
	return reaped
}

// Count returns how many sessions are registered.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

func (m *Manager) ids() []shared.SessionID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]shared.SessionID, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) dropLocked(id shared.SessionID) {
	if _, ok := m.rooms[id]; !ok {
		return
	}
	delete(m.rooms, id)
	for user, sid := range m.byUser {
		if sid == id {
			delete(m.byUser, user)
		}
	}
}
