// Package media defines the contracts between the teaching session and the
// external services it drives: speech synthesis, video rendering, speech
// recognition and content generation. Implementations live under
// internal/infrastructure/provider.
//
// Handles are opaque and owned by exactly one session. Nothing here is a
// process-wide singleton.
package media

import (
	"context"

	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
)

// Provider names, used in errors, logs and metrics.
const (
	ProviderSpeechSynthesis   = "speech_synthesis"
	ProviderVideoRendering    = "video_rendering"
	ProviderSpeechRecognition = "speech_recognition"
	ProviderContent           = "content"
)

// SynthHandle identifies a speech synthesis session.
type SynthHandle string

// RenderHandle identifies a video rendering session.
type RenderHandle string

// RecognizerHandle identifies a speech recognition session.
type RecognizerHandle string

// VoiceProfile configures a synthesis session for a teacher persona.
type VoiceProfile struct {
	VoiceID         string
	Model           string
	Stability       float64
	SimilarityBoost float64
	Language        string
}

// VoiceFor derives the voice profile of a teacher.
func VoiceFor(t teaching.Teacher, language string) VoiceProfile {
	return VoiceProfile{
		VoiceID:         t.VoiceID,
		Model:           t.VoiceModel,
		Stability:       t.Stability,
		SimilarityBoost: t.SimilarityBoost,
		Language:        language,
	}
}

// FaceProfile configures a rendering session.
type FaceProfile struct {
	FaceModelID string
	DisplayName string
}

// FaceFor derives the face profile of a teacher.
func FaceFor(t teaching.Teacher) FaceProfile {
	return FaceProfile{FaceModelID: t.FaceModelID, DisplayName: t.DisplayName}
}

// SpeechSynthesizer turns teacher text into streamed audio.
type SpeechSynthesizer interface {
	Create(ctx context.Context, voice VoiceProfile) (SynthHandle, error)

	// Synthesize starts streaming audio for text. Cancelling ctx or calling
	// Cancel stops the stream; the returned stream then finishes early.
	Synthesize(ctx context.Context, h SynthHandle, text string, tone teaching.Tone) (*AudioStream, error)

	// Cancel aborts any in-flight synthesis on h. It must not block on the
	// aborted stream and is a no-op when nothing is in flight.
	Cancel(ctx context.Context, h SynthHandle) error

	// Release frees h. Safe to call more than once.
	Release(ctx context.Context, h SynthHandle) error
}

// VideoRenderer lip-syncs the teacher's face to audio.
type VideoRenderer interface {
	Create(ctx context.Context, face FaceProfile) (RenderHandle, error)
	SetExpression(ctx context.Context, h RenderHandle, expression string) error
	SendAudio(ctx context.Context, h RenderHandle, chunk []byte) error
	Pause(ctx context.Context, h RenderHandle) error
	Resume(ctx context.Context, h RenderHandle) error
	End(ctx context.Context, h RenderHandle) error
}

// Transcript is recognised student speech.
type Transcript struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// SpeechRecognizer transcribes the student's microphone audio.
type SpeechRecognizer interface {
	Create(ctx context.Context, language string) (RecognizerHandle, error)

	// ProcessAudio feeds a chunk and returns the latest transcript, which
	// may be empty or partial.
	ProcessAudio(ctx context.Context, h RecognizerHandle, chunk []byte) (Transcript, error)

	End(ctx context.Context, h RecognizerHandle) error
}

// ContentRequest asks for the teacher's next line.
type ContentRequest struct {
	Teacher     teaching.Teacher
	Student     teaching.StudentContext
	Step        teaching.Step
	Message     string // latest student message, may be empty
	Remediation bool
	History     []teaching.TranscriptLine
}

// ContentGenerator produces teacher lines. Failure is expected and is
// answered with the step's fallback line by the caller.
type ContentGenerator interface {
	Generate(ctx context.Context, req ContentRequest) (string, error)
}

// AssessRequest asks whether a student's answer to a challenge is correct.
type AssessRequest struct {
	Student   teaching.StudentContext
	Challenge string
	Answer    string
}

// Assessment is the verdict on a student's answer.
type Assessment struct {
	Correct  bool
	Feedback string
}

// Assessor judges student answers.
type Assessor interface {
	Assess(ctx context.Context, req AssessRequest) (Assessment, error)
}

// Providers bundles one implementation of each contract.
type Providers struct {
	Synthesizer SpeechSynthesizer
	Renderer    VideoRenderer
	Recognizer  SpeechRecognizer
	Content     ContentGenerator
	Assessor    Assessor
}
