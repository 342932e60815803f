// Package simli implements media.VideoRenderer on the Simli audio-to-video
// websocket. Audio is forwarded as binary frames; expression and playback
// changes are JSON control frames.
package simli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/wsconn"
)

// Config configures the renderer.
type Config struct {
	APIKey      string
	BaseURL     string
	DialTimeout time.Duration

	// ReadyTimeout bounds the wait for the session to start after dialing.
	ReadyTimeout time.Duration

	MaxSessionLength time.Duration
	MaxIdleTime      time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:          "wss://api.simli.ai",
		DialTimeout:      5 * time.Second,
		ReadyTimeout:     5 * time.Second,
		MaxSessionLength: time.Hour,
		MaxIdleTime:      5 * time.Minute,
	}
}

// Renderer implements media.VideoRenderer.
type Renderer struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[media.RenderHandle]*session
}

// New creates a Renderer. Missing fields take DefaultConfig values.
func New(config Config) *Renderer {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = def.ReadyTimeout
	}
	if config.MaxSessionLength <= 0 {
		config.MaxSessionLength = def.MaxSessionLength
	}
	if config.MaxIdleTime <= 0 {
		config.MaxIdleTime = def.MaxIdleTime
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Renderer{
		config:   config,
		logger:   config.Logger.With("component", "simli"),
		sessions: make(map[media.RenderHandle]*session),
	}
}

type session struct {
	conn      *wsconn.Conn
	sessionID string

	mu   sync.Mutex
	dead error
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

// Create starts a render session for face and waits until the server
// confirms it.
func (r *Renderer) Create(ctx context.Context, face media.FaceProfile) (media.RenderHandle, error) {
	if strings.TrimSpace(r.config.APIKey) == "" {
		return "", unavailable("Create", errors.New("api key is required"))
	}
	if strings.TrimSpace(face.FaceModelID) == "" {
		return "", unavailable("Create", errors.New("face model id is required"))
	}

	wsURL, err := r.sessionURL()
	if err != nil {
		return "", unavailable("Create", err)
	}
	header := http.Header{}
	header.Set("x-simli-api-key", strings.TrimSpace(r.config.APIKey))

	conn, err := wsconn.Dial(ctx, wsURL, header, r.config.DialTimeout)
	if err != nil {
		return "", unavailable("Create", err)
	}

	if err := conn.WriteJSON(ctx, map[string]any{
		"faceId":           face.FaceModelID,
		"handleSilence":    true,
		"maxSessionLength": int(r.config.MaxSessionLength / time.Second),
		"maxIdleTime":      int(r.config.MaxIdleTime / time.Second),
	}); err != nil {
		_ = conn.Close()
		return "", unavailable("Create", err)
	}

	sessionID, err := r.awaitReady(ctx, conn)
	if err != nil {
		_ = conn.Close()
		return "", unavailable("Create", err)
	}

	h := media.RenderHandle("video-" + uuid.NewString())
	sess := &session{conn: conn, sessionID: sessionID}
	go r.readLoop(h, sess)

	r.mu.Lock()
	r.sessions[h] = sess
	r.mu.Unlock()

	r.logger.Debug("render session started",
		"handle", h,
		"face_id", face.FaceModelID,
		"simli_session", sessionID,
	)
	return h, nil
}

// awaitReady reads frames until the server confirms the session or reports
// an error. Raw "START" text frames are accepted too.
func (r *Renderer) awaitReady(ctx context.Context, conn *wsconn.Conn) (string, error) {
	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- result{err: err}
				return
			}
			if strings.TrimSpace(string(data)) == "START" {
				done <- result{}
				return
			}
			var msg map[string]json.RawMessage
			if json.Unmarshal(data, &msg) != nil {
				continue
			}
			switch wsconn.String(msg["type"]) {
			case "session_started", "ready":
				done <- result{id: wsconn.String(msg["session_id"])}
				return
			case "error":
				done <- result{err: fmt.Errorf("session refused: %s", wsconn.String(msg["message"]))}
				return
			}
		}
	}()

	timer := time.NewTimer(r.config.ReadyTimeout)
	defer timer.Stop()
	select {
	case res := <-done:
		return res.id, res.err
	case <-timer.C:
		return "", errors.New("timed out waiting for session start")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Renderer) readLoop(h media.RenderHandle, s *session) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.conn.Closed():
				err = errors.New("render session ended")
			default:
				if reason := s.conn.FailureReason(); reason != "" {
					err = fmt.Errorf("%w (%s)", err, reason)
				}
				r.logger.Warn("render socket failed", "handle", h, "error", err)
			}
			s.mu.Lock()
			s.dead = err
			s.mu.Unlock()
			_ = s.conn.Close()
			return
		}
		var msg map[string]json.RawMessage
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if wsconn.String(msg["type"]) == "error" {
			s.conn.SetServerError(wsconn.String(msg["message"]))
		}
	}
}

// SetExpression switches the face's expression.
func (r *Renderer) SetExpression(ctx context.Context, h media.RenderHandle, expression string) error {
	return r.control(ctx, h, "SetExpression", map[string]any{"type": "expression", "expression": expression})
}

// SendAudio forwards a PCM chunk for lip-sync.
func (r *Renderer) SendAudio(ctx context.Context, h media.RenderHandle, chunk []byte) error {
	sess, err := r.live(h, "SendAudio")
	if err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	if err := sess.conn.WriteBinary(ctx, chunk); err != nil {
		return unavailable("SendAudio", err)
	}
	return nil
}

// Pause drops buffered audio and freezes the face.
func (r *Renderer) Pause(ctx context.Context, h media.RenderHandle) error {
	sess, err := r.live(h, "Pause")
	if err != nil {
		return err
	}
	if err := sess.conn.WriteText(ctx, "SKIP"); err != nil {
		return unavailable("Pause", err)
	}
	return r.control(ctx, h, "Pause", map[string]any{"type": "pause"})
}

// Resume continues rendering after Pause.
func (r *Renderer) Resume(ctx context.Context, h media.RenderHandle) error {
	return r.control(ctx, h, "Resume", map[string]any{"type": "resume"})
}

// End stops the session. Unknown handles are ignored.
func (r *Renderer) End(ctx context.Context, h media.RenderHandle) error {
	r.mu.Lock()
	sess, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if sess.failure() == nil {
		if err := sess.conn.WriteText(ctx, "DONE"); err != nil {
			r.logger.Debug("end message failed", "handle", h, "error", err)
		}
	}
	return sess.conn.Close()
}

// OpenSessions returns how many handles have not ended.
func (r *Renderer) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Renderer) control(ctx context.Context, h media.RenderHandle, op string, payload map[string]any) error {
	sess, err := r.live(h, op)
	if err != nil {
		return err
	}
	if err := sess.conn.WriteJSON(ctx, payload); err != nil {
		return unavailable(op, err)
	}
	return nil
}

func (r *Renderer) live(h media.RenderHandle, op string) (*session, error) {
	r.mu.Lock()
	sess, ok := r.sessions[h]
	r.mu.Unlock()
	if !ok {
		return nil, unavailable(op, fmt.Errorf("unknown handle %s", h))
	}
	if err := sess.failure(); err != nil {
		return nil, unavailable(op, err)
	}
	return sess, nil
}

func (r *Renderer) sessionURL() (string, error) {
	base := strings.TrimRight(strings.TrimSpace(r.config.BaseURL), "/")
	u, err := url.Parse(base + "/startAudioToVideoSession")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("base url must be ws or wss, got %q", u.Scheme)
	}
	return u.String(), nil
}

func unavailable(op string, err error) error {
	return shared.NewProviderUnavailable(media.ProviderVideoRendering, op, err)
}
