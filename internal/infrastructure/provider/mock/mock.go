// Package mock provides in-process implementations of the media contracts.
// They back PROVIDER_MODE=mock for local development and the demo command,
// and expose failure injection and call recording for tests.
package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/media"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

var seq atomic.Int64

func nextID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, seq.Add(1))
}

// ═══════════════════════════════════════════════════════════════════════════
// Speech synthesis
// ═══════════════════════════════════════════════════════════════════════════

// Synthesizer emits silent PCM whose length matches the spoken text at
// 150 words per minute, split into ChunkCount chunks.
type Synthesizer struct {
	// ChunkCount per utterance. Default 4.
	ChunkCount int

	// ChunkDelay between chunks, to make speech take wall-clock time.
	ChunkDelay time.Duration

	// Gate, when set, holds every stream before its first chunk until the
	// channel is closed or the stream is cancelled.
	Gate chan struct{}

	// CreateErr and SynthesizeErr inject failures.
	CreateErr     error
	SynthesizeErr error

	// MidStreamErr, when set, ends streams with this error after one chunk.
	MidStreamErr error

	// ReportDuration makes streams announce their duration up front.
	ReportDuration bool

	mu       sync.Mutex
	open     map[media.SynthHandle]media.VoiceProfile
	inflight map[media.SynthHandle]*media.AudioStream
	texts    []string
	tones    []teaching.Tone
	cancels  int
}

// NewSynthesizer creates a Synthesizer.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{
		ChunkCount: 4,
		open:       make(map[media.SynthHandle]media.VoiceProfile),
		inflight:   make(map[media.SynthHandle]*media.AudioStream),
	}
}

func (s *Synthesizer) Create(ctx context.Context, voice media.VoiceProfile) (media.SynthHandle, error) {
	if s.CreateErr != nil {
		return "", s.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := media.SynthHandle(nextID("tts"))
	s.mu.Lock()
	s.open[h] = voice
	s.mu.Unlock()
	return h, nil
}

func (s *Synthesizer) Synthesize(ctx context.Context, h media.SynthHandle, text string, tone teaching.Tone) (*media.AudioStream, error) {
	if s.SynthesizeErr != nil {
		return nil, s.SynthesizeErr
	}

	s.mu.Lock()
	if _, ok := s.open[h]; !ok {
		s.mu.Unlock()
		return nil, shared.NewProviderUnavailable(media.ProviderSpeechSynthesis, "Synthesize", fmt.Errorf("unknown handle %s", h))
	}
	s.texts = append(s.texts, text)
	s.tones = append(s.tones, tone)
	stream := media.NewAudioStream(media.PCM24k, 8)
	s.inflight[h] = stream
	s.mu.Unlock()

	spoken := teaching.EstimateDuration(text)
	totalBytes := int64(spoken.Seconds() * float64(media.PCM24k.SampleRate*2))
	if s.ReportDuration {
		stream.ReportDuration(spoken)
	}

	count := s.ChunkCount
	if count <= 0 {
		count = 4
	}

	go func() {
		defer func() {
			s.mu.Lock()
			if s.inflight[h] == stream {
				delete(s.inflight, h)
			}
			s.mu.Unlock()
		}()

		if s.Gate != nil {
			select {
			case <-s.Gate:
			case <-ctx.Done():
				stream.Finish(ctx.Err())
				return
			case <-stream.Done():
				stream.Finish(context.Canceled)
				return
			}
		}

		per := max(totalBytes/int64(count), 2)
		for i := 0; i < count; i++ {
			if i > 0 && s.ChunkDelay > 0 {
				select {
				case <-time.After(s.ChunkDelay):
				case <-ctx.Done():
					stream.Finish(ctx.Err())
					return
				case <-stream.Done():
					stream.Finish(context.Canceled)
					return
				}
			}
			if !stream.Send(make([]byte, per)) {
				stream.Finish(context.Canceled)
				return
			}
			if s.MidStreamErr != nil {
				stream.Finish(s.MidStreamErr)
				return
			}
		}
		stream.Finish(nil)
	}()

	return stream, nil
}

func (s *Synthesizer) Cancel(_ context.Context, h media.SynthHandle) error {
	s.mu.Lock()
	stream := s.inflight[h]
	s.cancels++
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	return nil
}

func (s *Synthesizer) Release(_ context.Context, h media.SynthHandle) error {
	s.mu.Lock()
	stream := s.inflight[h]
	delete(s.open, h)
	s.mu.Unlock()
	if stream != nil {
		stream.Close()
	}
	return nil
}

// OpenHandles returns how many handles are not yet released.
func (s *Synthesizer) OpenHandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// Texts returns every synthesised text in order.
func (s *Synthesizer) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Tones returns the tone of every synthesis request in order.
func (s *Synthesizer) Tones() []teaching.Tone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]teaching.Tone(nil), s.tones...)
}

// Cancels returns how many times Cancel was called.
func (s *Synthesizer) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// ═══════════════════════════════════════════════════════════════════════════
// Video rendering
// ═══════════════════════════════════════════════════════════════════════════

// Renderer records every call it receives.
type Renderer struct {
	CreateErr        error
	SetExpressionErr error
	SendAudioErr     error
	EndErr           error

	mu          sync.Mutex
	open        map[media.RenderHandle]media.FaceProfile
	expressions []string
	audioBytes  int64
	pauses      int
	resumes     int
	ended       int
}

// NewRenderer creates a Renderer.
func NewRenderer() *Renderer {
	return &Renderer{open: make(map[media.RenderHandle]media.FaceProfile)}
}

func (r *Renderer) Create(ctx context.Context, face media.FaceProfile) (media.RenderHandle, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := media.RenderHandle(nextID("video"))
	r.mu.Lock()
	r.open[h] = face
	r.mu.Unlock()
	return h, nil
}

func (r *Renderer) SetExpression(_ context.Context, _ media.RenderHandle, expression string) error {
	if r.SetExpressionErr != nil {
		return r.SetExpressionErr
	}
	r.mu.Lock()
	r.expressions = append(r.expressions, expression)
	r.mu.Unlock()
	return nil
}

func (r *Renderer) SendAudio(_ context.Context, _ media.RenderHandle, chunk []byte) error {
	if r.SendAudioErr != nil {
		return r.SendAudioErr
	}
	r.mu.Lock()
	r.audioBytes += int64(len(chunk))
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Pause(context.Context, media.RenderHandle) error {
	r.mu.Lock()
	r.pauses++
	r.mu.Unlock()
	return nil
}

func (r *Renderer) Resume(context.Context, media.RenderHandle) error {
	r.mu.Lock()
	r.resumes++
	r.mu.Unlock()
	return nil
}

func (r *Renderer) End(_ context.Context, h media.RenderHandle) error {
	r.mu.Lock()
	delete(r.open, h)
	r.ended++
	r.mu.Unlock()
	return r.EndErr
}

func (r *Renderer) OpenHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Renderer) Expressions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.expressions...)
}

func (r *Renderer) AudioBytes() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.audioBytes
}

func (r *Renderer) Pauses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pauses
}

func (r *Renderer) Resumes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resumes
}

func (r *Renderer) Ended() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// ═══════════════════════════════════════════════════════════════════════════
// Speech recognition
// ═══════════════════════════════════════════════════════════════════════════

// Recognizer returns queued transcripts, one per ProcessAudio call. An empty
// queue yields an empty partial transcript.
type Recognizer struct {
	CreateErr error
	EndErr    error

	mu        sync.Mutex
	open      map[media.RecognizerHandle]string
	queue     []media.Transcript
	languages []string
	ended     int
}

// NewRecognizer creates a Recognizer.
func NewRecognizer() *Recognizer {
	return &Recognizer{open: make(map[media.RecognizerHandle]string)}
}

// Queue appends transcripts to be returned by ProcessAudio.
func (r *Recognizer) Queue(ts ...media.Transcript) {
	r.mu.Lock()
	r.queue = append(r.queue, ts...)
	r.mu.Unlock()
}

func (r *Recognizer) Create(ctx context.Context, language string) (media.RecognizerHandle, error) {
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	h := media.RecognizerHandle(nextID("stt"))
	r.mu.Lock()
	r.open[h] = language
	r.languages = append(r.languages, language)
	r.mu.Unlock()
	return h, nil
}

func (r *Recognizer) ProcessAudio(_ context.Context, h media.RecognizerHandle, _ []byte) (media.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[h]; !ok {
		return media.Transcript{}, shared.NewProviderUnavailable(media.ProviderSpeechRecognition, "ProcessAudio", fmt.Errorf("unknown handle %s", h))
	}
	if len(r.queue) == 0 {
		return media.Transcript{}, nil
	}
	t := r.queue[0]
	r.queue = r.queue[1:]
	return t, nil
}

func (r *Recognizer) End(_ context.Context, h media.RecognizerHandle) error {
	r.mu.Lock()
	delete(r.open, h)
	r.ended++
	r.mu.Unlock()
	return r.EndErr
}

func (r *Recognizer) OpenHandles() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.open)
}

func (r *Recognizer) Languages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.languages...)
}

func (r *Recognizer) Ended() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

// ═══════════════════════════════════════════════════════════════════════════
// Content
// ═══════════════════════════════════════════════════════════════════════════

// Content answers with a short deterministic line per step.
type Content struct {
	Err error

	mu       sync.Mutex
	requests []media.ContentRequest
}

// NewContent creates a Content generator.
func NewContent() *Content { return &Content{} }

func (c *Content) Generate(_ context.Context, req media.ContentRequest) (string, error) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.mu.Unlock()
	if c.Err != nil {
		return "", c.Err
	}
	topic := req.Student.Topic
	if topic == "" {
		topic = "this topic"
	}
	line := fmt.Sprintf("%s: let's work on %s together.", strings.ToLower(req.Step.String()), topic)
	if req.Remediation {
		line = "Let's look at that part of " + topic + " again."
	}
	return line, nil
}

// Requests returns every request received.
func (c *Content) Requests() []media.ContentRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]media.ContentRequest(nil), c.requests...)
}

// Assessor returns queued verdicts, then Default.
type Assessor struct {
	Default bool
	Err     error

	mu      sync.Mutex
	verdict []bool
	calls   int
}

// NewAssessor creates an Assessor whose verdicts are returned in order.
func NewAssessor(verdicts ...bool) *Assessor {
	return &Assessor{verdict: verdicts}
}

func (a *Assessor) Assess(_ context.Context, req media.AssessRequest) (media.Assessment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.Err != nil {
		return media.Assessment{}, a.Err
	}
	correct := a.Default
	if len(a.verdict) > 0 {
		correct = a.verdict[0]
		a.verdict = a.verdict[1:]
	}
	if correct {
		return media.Assessment{Correct: true, Feedback: "Well done, that's right."}, nil
	}
	return media.Assessment{Correct: false, Feedback: "Almost! Check the step with " + req.Answer + "."}, nil
}

// Calls returns how many assessments were requested.
func (a *Assessor) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Providers returns a fresh set of mocks bundled for wiring.
func Providers() (media.Providers, *Synthesizer, *Renderer, *Recognizer) {
	s, r, rec := NewSynthesizer(), NewRenderer(), NewRecognizer()
	return media.Providers{
		Synthesizer: s,
		Renderer:    r,
		Recognizer:  rec,
		Content:     NewContent(),
		Assessor:    &Assessor{Default: true},
	}, s, r, rec
}
