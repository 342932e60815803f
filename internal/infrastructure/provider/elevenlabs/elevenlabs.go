// Package elevenlabs implements media.SpeechSynthesizer on the ElevenLabs
// multi-stream-input websocket. One socket is held per handle and each
// utterance runs in its own context_id, so cancelling an utterance never
// tears down the voice session.
package elevenlabs

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
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/wsconn"
)

const streamPath = "/v1/text-to-speech/{voice_id}/multi-stream-input"

// Config configures the synthesizer.
type Config struct {
	APIKey  string
	BaseURL string

	// OutputFormat is requested from the server. Only pcm_24000 maps to a
	// known duration; other formats fall back to text estimates.
	OutputFormat string

	DialTimeout time.Duration

	// InactivityTimeout is how long the server keeps an idle socket open.
	InactivityTimeout time.Duration

	// StreamBuffer is the chunk buffer of each returned stream.
	StreamBuffer int

	Logger *slog.Logger
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL:           "wss://api.elevenlabs.io",
		OutputFormat:      "pcm_24000",
		DialTimeout:       5 * time.Second,
		InactivityTimeout: 180 * time.Second,
		StreamBuffer:      64,
	}
}

// Synthesizer implements media.SpeechSynthesizer.
type Synthesizer struct {
	config Config
	format media.AudioFormat
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[media.SynthHandle]*session
}

// New creates a Synthesizer. Missing fields take DefaultConfig values.
func New(config Config) *Synthesizer {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.OutputFormat == "" {
		config.OutputFormat = def.OutputFormat
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.InactivityTimeout <= 0 {
		config.InactivityTimeout = def.InactivityTimeout
	}
	if config.StreamBuffer <= 0 {
		config.StreamBuffer = def.StreamBuffer
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	format := media.AudioFormat{}
	if config.OutputFormat == "pcm_24000" {
		format = media.PCM24k
	}
	return &Synthesizer{
		config:   config,
		format:   format,
		logger:   config.Logger.With("component", "elevenlabs"),
		sessions: make(map[media.SynthHandle]*session),
	}
}

// Create opens the voice socket for a teacher persona.
func (s *Synthesizer) Create(ctx context.Context, voice media.VoiceProfile) (media.SynthHandle, error) {
	if strings.TrimSpace(s.config.APIKey) == "" {
		return "", unavailable("Create", errors.New("api key is required"))
	}
	if strings.TrimSpace(voice.VoiceID) == "" {
		return "", unavailable("Create", errors.New("voice id is required"))
	}

	wsURL, err := s.streamURL(voice)
	if err != nil {
		return "", unavailable("Create", err)
	}
	header := http.Header{}
	header.Set("xi-api-key", strings.TrimSpace(s.config.APIKey))

	conn, err := wsconn.Dial(ctx, wsURL, header, s.config.DialTimeout)
	if err != nil {
		return "", unavailable("Create", err)
	}

	h := media.SynthHandle("tts-" + uuid.NewString())
	sess := &session{
		handle: h,
		conn:   conn,
		voice:  voice,
		logger: s.logger.With("handle", string(h)),
	}
	go sess.readLoop()

	s.mu.Lock()
	s.sessions[h] = sess
	s.mu.Unlock()

	s.logger.Debug("voice session opened", "handle", h, "voice_id", voice.VoiceID)
	return h, nil
}

// Synthesize starts a new utterance. An utterance still in flight on h is
// aborted first.
func (s *Synthesizer) Synthesize(ctx context.Context, h media.SynthHandle, text string, tone teaching.Tone) (*media.AudioStream, error) {
	sess, err := s.session(h, "Synthesize")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: empty text", shared.ErrInvalidInput)
	}

	if prev := sess.takeActive(); prev != nil {
		sess.abort(ctx, prev)
	}

	u := &utterance{
		id:     uuid.NewString(),
		stream: media.NewAudioStream(s.format, s.config.StreamBuffer),
		done:   make(chan struct{}),
	}
	if !sess.setActive(u) {
		return nil, unavailable("Synthesize", sess.failure())
	}
	u.stream.OnClose(func() {
		go sess.cancelUtterance(u)
	})

	init := map[string]any{
		"text":           " ",
		"context_id":     u.id,
		"voice_settings": voiceSettings(sess.voice, tone),
	}
	if err := sess.conn.WriteJSON(ctx, init); err != nil {
		sess.clearActive(u)
		u.finish(err)
		return nil, unavailable("Synthesize", err)
	}
	if !strings.HasSuffix(text, " ") {
		text += " "
	}
	if err := sess.conn.WriteJSON(ctx, map[string]any{
		"text":       text,
		"context_id": u.id,
		"flush":      true,
	}); err != nil {
		sess.clearActive(u)
		u.finish(err)
		return nil, unavailable("Synthesize", err)
	}

	go func() {
		select {
		case <-ctx.Done():
			sess.cancelUtterance(u)
		case <-u.done:
		}
	}()
	return u.stream, nil
}

// Cancel aborts the in-flight utterance on h, if any.
func (s *Synthesizer) Cancel(ctx context.Context, h media.SynthHandle) error {
	sess, err := s.session(h, "Cancel")
	if err != nil {
		return err
	}
	if u := sess.takeActive(); u != nil {
		sess.abort(ctx, u)
	}
	return nil
}

// Release closes the voice socket. Unknown handles are ignored.
func (s *Synthesizer) Release(_ context.Context, h media.SynthHandle) error {
	s.mu.Lock()
	sess, ok := s.sessions[h]
	delete(s.sessions, h)
	s.mu.Unlock()
	if !ok {
		return nil
	}

	if u := sess.takeActive(); u != nil {
		u.stream.Close()
		u.finish(context.Canceled)
	}
	_ = sess.conn.Close()
	s.logger.Debug("voice session released", "handle", h)
	return nil
}

// OpenSessions returns how many handles are not yet released.
func (s *Synthesizer) OpenSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Synthesizer) session(h media.SynthHandle, op string) (*session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[h]
	s.mu.Unlock()
	if !ok {
		return nil, unavailable(op, fmt.Errorf("unknown handle %s", h))
	}
	return sess, nil
}

func (s *Synthesizer) streamURL(voice media.VoiceProfile) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(s.config.BaseURL), "/")
	u, err := url.Parse(base + strings.ReplaceAll(streamPath, "{voice_id}", url.PathEscape(voice.VoiceID)))
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("base url must be ws or wss, got %q", u.Scheme)
	}
	q := u.Query()
	if voice.Model != "" {
		q.Set("model_id", voice.Model)
	}
	if voice.Language != "" {
		if lang, _, _ := strings.Cut(voice.Language, "-"); lang != "" {
			q.Set("language_code", strings.ToLower(lang))
		}
	}
	q.Set("output_format", s.config.OutputFormat)
	q.Set("inactivity_timeout", fmt.Sprintf("%d", int(s.config.InactivityTimeout/time.Second)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ══════════════════════════════════════════════════════════════════════════════
// SESSION
// ══════════════════════════════════════════════════════════════════════════════

type session struct {
	handle media.SynthHandle
	conn   *wsconn.Conn
	voice  media.VoiceProfile
	logger *slog.Logger

	mu     sync.Mutex
	active *utterance
	dead   error
}

// utterance is one context_id. The read loop is its only producer; send and
// finish serialize on mu so a chunk is never sent after Finish.
type utterance struct {
	id     string
	stream *media.AudioStream

	mu       sync.Mutex
	finished bool
	done     chan struct{}
}

func (u *utterance) send(chunk []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finished {
		return
	}
	u.stream.Send(chunk)
}

func (u *utterance) finish(err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.finished {
		return
	}
	u.finished = true
	u.stream.Finish(err)
	close(u.done)
}

func (s *session) setActive(u *utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead != nil {
		return false
	}
	s.active = u
	return true
}

func (s *session) takeActive() *utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.active
	s.active = nil
	return u
}

func (s *session) clearActive(u *utterance) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != u {
		return false
	}
	s.active = nil
	return true
}

func (s *session) current() *utterance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *session) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead != nil {
		return s.dead
	}
	return errors.New("voice session closed")
}

// cancelUtterance aborts u if it is still the active utterance.
func (s *session) cancelUtterance(u *utterance) {
	if !s.clearActive(u) {
		return
	}
	s.abort(context.Background(), u)
}

// abort unblocks any pending Send, finishes the stream and tells the server
// to drop the context.
func (s *session) abort(ctx context.Context, u *utterance) {
	select {
	case <-u.stream.Done():
	default:
		u.stream.Close()
	}
	u.finish(context.Canceled)

	if err := s.conn.WriteJSON(ctx, map[string]any{
		"context_id":    u.id,
		"close_context": true,
	}); err != nil && !errors.Is(err, wsconn.ErrClosed) {
		s.logger.Debug("close_context failed", "context_id", u.id, "error", err)
	}
}

func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(err)
			return
		}

		var msg map[string]json.RawMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		for _, key := range []string{"error", "message", "detail"} {
			if serverErr := wsconn.String(msg[key]); serverErr != "" {
				s.conn.SetServerError(serverErr)
				break
			}
		}

		contextID := wsconn.String(msg["contextId"])
		if contextID == "" {
			contextID = wsconn.String(msg["context_id"])
		}
		u := s.current()
		if u == nil || (contextID != "" && contextID != u.id) {
			continue
		}

		if audioB64 := wsconn.String(msg["audio"]); audioB64 != "" {
			audio, err := wsconn.Base64(audioB64)
			if err != nil {
				s.conn.SetServerError("invalid audio base64")
			} else if len(audio) > 0 {
				u.send(audio)
			}
		}

		if wsconn.Bool(msg["isFinal"]) || wsconn.Bool(msg["is_final"]) {
			s.clearActive(u)
			u.finish(nil)
		}
	}
}

func (s *session) fail(err error) {
	select {
	case <-s.conn.Closed():
		err = errors.New("voice session released")
	default:
		if reason := s.conn.FailureReason(); reason != "" {
			err = fmt.Errorf("%w (%s)", err, reason)
		}
		s.logger.Warn("voice socket failed", "error", err)
	}

	s.mu.Lock()
	s.dead = err
	u := s.active
	s.active = nil
	s.mu.Unlock()

	if u != nil {
		select {
		case <-u.stream.Done():
		default:
			u.stream.Close()
		}
		u.finish(unavailable("Synthesize", err))
	}
	_ = s.conn.Close()
}

// voiceSettings applies a tone on top of the persona's voice.
func voiceSettings(v media.VoiceProfile, tone teaching.Tone) map[string]any {
	style := 0.2
	switch tone {
	case teaching.ToneWarm:
		style = 0.35
	case teaching.ToneEncouraging:
		style = 0.55
	case teaching.ToneClear:
		style = 0.1
	}
	settings := map[string]any{"style": style}
	if v.Stability > 0 {
		settings["stability"] = v.Stability
	}
	if v.SimilarityBoost > 0 {
		settings["similarity_boost"] = v.SimilarityBoost
	}
	return settings
}

func unavailable(op string, err error) error {
	return shared.NewProviderUnavailable(media.ProviderSpeechSynthesis, op, err)
}
