package teaching

import (
	"time"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

// Speaker identifies who produced a transcript line.
type Speaker string

const (
	SpeakerTeacher Speaker = "teacher"
	SpeakerStudent Speaker = "student"
)

// TranscriptLine is one entry of the append-only session transcript.
type TranscriptLine struct {
	Speaker Speaker   `json:"speaker"`
	Step    Step      `json:"step"`
	Text    string    `json:"text"`
	At      time.Time `json:"at"`

	// Degraded marks a canned line spoken in place of one the synthesizer
	// could not deliver.
	Degraded bool `json:"degraded,omitempty"`
}

// DurationSource records where an utterance duration came from.
type DurationSource string

const (
	DurationFromProvider DurationSource = "provider"
	DurationEstimated    DurationSource = "estimate"
)

// WordsPerMinute is the speaking rate used when the provider reports no audio
// length.
const WordsPerMinute = 150

// Utterance summarises the most recent teacher line.
type Utterance struct {
	Step        Step           `json:"step"`
	Duration    time.Duration  `json:"duration"`
	Source      DurationSource `json:"source"`
	Interrupted bool           `json:"interrupted"`
	Degraded    bool           `json:"degraded"`
}

// Snapshot is a consistent copy of a session's observable state. Observers
// only ever receive snapshots; they never touch the live session.
type Snapshot struct {
	Version   int64            `json:"version"`
	SessionID shared.SessionID `json:"session_id"`
	UserID    shared.UserID    `json:"user_id"`
	Teacher   TeacherID        `json:"teacher"`

	State       State  `json:"-"`
	StateName   string `json:"state"`
	CurrentStep Step   `json:"current_step"`
	Expression  string `json:"expression"`

	IsSpeaking  bool `json:"is_speaking"`
	IsListening bool `json:"is_listening"`

	MinutesUsed float64 `json:"minutes_used"`

	Transcript    []TranscriptLine `json:"transcript"`
	LastUtterance *Utterance       `json:"last_utterance,omitempty"`

	// Degraded is set while the session is running on fallback content.
	Degraded bool `json:"degraded"`

	HasSynthesizer bool `json:"has_synthesizer"`
	HasRenderer    bool `json:"has_renderer"`
	HasRecognizer  bool `json:"has_recognizer"`

	UpdatedAt time.Time `json:"updated_at"`
}

// HandlesOpen reports whether any adapter handle is still held.
func (s Snapshot) HandlesOpen() bool {
	return s.HasSynthesizer || s.HasRenderer || s.HasRecognizer
}

// EndReason tells why a session ended.
type EndReason string

const (
	EndRequested     EndReason = "requested"
	EndQuotaExceeded EndReason = "quota_exceeded"
	EndStartFailed   EndReason = "start_failed"
	EndIdle          EndReason = "idle"
	EndShutdown      EndReason = "shutdown"
)

// Recap is returned by End.
type Recap struct {
	SessionID      shared.SessionID `json:"session_id"`
	UserID         shared.UserID    `json:"user_id"`
	Teacher        TeacherID        `json:"teacher"`
	TotalMinutes   float64          `json:"total_minutes"`
	StepsCompleted []Step           `json:"steps_completed"`
	TopicsCovered  []string         `json:"topics_covered"`
	Utterances     int              `json:"utterances"`
	Interrupts     int              `json:"interrupts"`
	Reason         EndReason        `json:"reason"`
	StartedAt      time.Time        `json:"started_at"`
	EndedAt        time.Time        `json:"ended_at"`
}

// EstimateDuration converts a line of text to speaking time at WordsPerMinute.
func EstimateDuration(text string) time.Duration {
	words := 0
	inWord := false
	for _, r := range text {
		space := r == ' ' || r == '\n' || r == '\t' || r == '\r'
		if !space && !inWord {
			words++
		}
		inWord = !space
	}
	return time.Duration(float64(words) / WordsPerMinute * float64(time.Minute))
}
