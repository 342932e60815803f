// Package deepgram implements media.SpeechRecognizer on Deepgram's live
// transcription websocket.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/wsconn"
)

// Config configures the recognizer.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	SampleRate  int
	DialTimeout time.Duration

	// KeepAlive is how often a KeepAlive message is sent while no audio
	// flows. Zero disables it.
	KeepAlive time.Duration

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:     "wss://api.deepgram.com",
		Model:       "nova-2",
		SampleRate:  16000,
		DialTimeout: 5 * time.Second,
		KeepAlive:   8 * time.Second,
	}
}

// Recognizer implements media.SpeechRecognizer.
type Recognizer struct {
	config Config
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[media.RecognizerHandle]*session
}

// New creates a Recognizer. Missing fields take DefaultConfig values.
func New(config Config) *Recognizer {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Recognizer{
		config:   config,
		logger:   config.Logger.With("component", "deepgram"),
		sessions: make(map[media.RecognizerHandle]*session),
	}
}

// Create opens a live transcription socket for language.
func (r *Recognizer) Create(ctx context.Context, language string) (media.RecognizerHandle, error) {
	if strings.TrimSpace(r.config.APIKey) == "" {
		return "", unavailable("Create", errors.New("api key is required"))
	}
	wsURL, err := r.listenURL(language)
	if err != nil {
		return "", unavailable("Create", err)
	}
	header := http.Header{}
	header.Set("Authorization", "Token "+strings.TrimSpace(r.config.APIKey))

	conn, err := wsconn.Dial(ctx, wsURL, header, r.config.DialTimeout)
	if err != nil {
		return "", unavailable("Create", err)
	}

	h := media.RecognizerHandle("stt-" + uuid.NewString())
	sess := &session{
		conn:   conn,
		logger: r.logger.With("handle", string(h)),
		fed:    make(chan struct{}, 1),
	}
	go sess.readLoop()
	if r.config.KeepAlive > 0 {
		go sess.keepAliveLoop(r.config.KeepAlive)
	}

	r.mu.Lock()
	r.sessions[h] = sess
	r.mu.Unlock()

	r.logger.Debug("recognizer opened", "handle", h, "language", language)
	return h, nil
}

// ProcessAudio sends a chunk of linear16 audio and returns the newest
// transcript received so far. A final transcript is returned once.
func (r *Recognizer) ProcessAudio(ctx context.Context, h media.RecognizerHandle, chunk []byte) (media.Transcript, error) {
	r.mu.Lock()
	sess, ok := r.sessions[h]
	r.mu.Unlock()
	if !ok {
		return media.Transcript{}, unavailable("ProcessAudio", fmt.Errorf("unknown handle %s", h))
	}
	if err := sess.failure(); err != nil {
		return media.Transcript{}, unavailable("ProcessAudio", err)
	}

	if len(chunk) > 0 {
		if err := sess.conn.WriteBinary(ctx, chunk); err != nil {
			return media.Transcript{}, unavailable("ProcessAudio", err)
		}
		select {
		case sess.fed <- struct{}{}:
		default:
		}
	}
	return sess.takeTranscript(), nil
}

// End asks the server to flush and closes the socket. Unknown handles are
// ignored.
func (r *Recognizer) End(ctx context.Context, h media.RecognizerHandle) error {
	r.mu.Lock()
	sess, ok := r.sessions[h]
	delete(r.sessions, h)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if sess.failure() == nil {
		if err := sess.conn.WriteJSON(ctx, map[string]string{"type": "CloseStream"}); err != nil {
			sess.logger.Debug("close stream failed", "error", err)
		}
	}
	return sess.conn.Close()
}

// OpenSessions returns how many handles have not ended.
func (r *Recognizer) OpenSessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Recognizer) listenURL(language string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(r.config.BaseURL), "/")
	u, err := url.Parse(base + "/v1/listen")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("base url must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	q.Set("model", r.config.Model)
	if language != "" {
		q.Set("language", language)
	}
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(r.config.SampleRate))
	q.Set("channels", "1")
	q.Set("interim_results", "true")
	q.Set("smart_format", "true")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

type session struct {
	conn   *wsconn.Conn
	logger *slog.Logger
	fed    chan struct{}

	mu     sync.Mutex
	latest media.Transcript
	fresh  bool
	dead   error
}

// resultsMessage is the subset of a Deepgram Results frame that is used.
type resultsMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		var msg resultsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Type == "Error" {
			var raw map[string]json.RawMessage
			if json.Unmarshal(data, &raw) == nil {
				s.conn.SetServerError(wsconn.String(raw["description"]))
			}
			continue
		}
		if msg.Type != "Results" || len(msg.Channel.Alternatives) == 0 {
			continue
		}
		alt := msg.Channel.Alternatives[0]
		if strings.TrimSpace(alt.Transcript) == "" {
			continue
		}

		s.mu.Lock()
		// A pending final is never overwritten by a later partial.
		if !(s.fresh && s.latest.IsFinal && !msg.IsFinal) {
			s.latest = media.Transcript{
				Text:       alt.Transcript,
				IsFinal:    msg.IsFinal,
				Confidence: alt.Confidence,
			}
			s.fresh = true
		}
		s.mu.Unlock()
	}
}

func (s *session) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	idle := false
	for {
		select {
		case <-s.conn.Closed():
			return
		case <-s.fed:
			idle = false
		case <-ticker.C:
			if idle {
				_ = s.conn.WriteJSON(context.Background(), map[string]string{"type": "KeepAlive"})
			}
			idle = true
		}
	}
}

// takeTranscript returns the newest transcript. A final transcript is
// consumed so it is reported only once.
func (s *session) takeTranscript() media.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return media.Transcript{}
	}
	t := s.latest
	if t.IsFinal {
		s.fresh = false
		s.latest = media.Transcript{}
	}
	return t
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dead
}

func (s *session) fail(err error) {
	select {
	case <-s.conn.Closed():
		err = errors.New("recognizer ended")
	default:
		if reason := s.conn.FailureReason(); reason != "" {
			err = fmt.Errorf("%w (%s)", err, reason)
		}
		s.logger.Warn("recognizer socket failed", "error", err)
	}
	s.mu.Lock()
	s.dead = err
	s.mu.Unlock()
	_ = s.conn.Close()
}

func unavailable(op string, err error) error {
	return shared.NewProviderUnavailable(media.ProviderSpeechRecognition, op, err)
}
