// Package teaching holds the pedagogical script that drives a Teacher Mode
// session: the ordered steps, how the teacher looks and sounds on each step,
// the session state machine and the snapshot observers receive.
package teaching

import (
	"fmt"
	"strings"
)

// Step is one stage of the teaching script.
type Step int

const (
	StepGreeting Step = iota
	StepDiagnosing
	StepExplaining
	StepExemplifying
	StepChallenging
	StepEvaluating
	StepSummarizing
	StepPracticing
)

var stepNames = [...]string{"GREETING", "DIAGNOSING", "EXPLAINING", "EXEMPLIFYING", "CHALLENGING", "EVALUATING", "SUMMARIZING", "PRACTICING"}

// Steps lists every step in script order.
var Steps = []Step{StepGreeting, StepDiagnosing, StepExplaining, StepExemplifying, StepChallenging, StepEvaluating, StepSummarizing, StepPracticing}

// ForwardPath runs unconditionally once Teacher Mode is triggered.
var ForwardPath = []Step{StepGreeting, StepDiagnosing, StepExplaining, StepExemplifying, StepChallenging}

func (s Step) IsValid() bool { return s >= StepGreeting && s <= StepPracticing }

func (s Step) String() string {
	if !s.IsValid() {
		return fmt.Sprintf("Step(%d)", int(s))
	}
	return stepNames[s]
}

// MarshalText encodes the step by name.
func (s Step) MarshalText() ([]byte, error) {
	if !s.IsValid() {
		return nil, fmt.Errorf("invalid step %d", int(s))
	}
	return []byte(stepNames[s]), nil
}

// UnmarshalText decodes a step name, case-insensitively.
func (s *Step) UnmarshalText(b []byte) error {
	v, err := ParseStep(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseStep parses a step name such as "explaining".
func ParseStep(name string) (Step, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stepNames {
		if n == name {
			return Step(i), nil
		}
	}
	return 0, fmt.Errorf("unknown teaching step %q", name)
}

// Expression tags understood by the video renderer.
const (
	ExpressionDefault      = "default"
	ExpressionListening    = "listening"
	ExpressionNeutral      = "neutral"
	ExpressionWarmSmile    = "warm_smile"
	ExpressionThoughtful   = "thoughtful"
	ExpressionEmphatic     = "emphatic"
	ExpressionEnthusiastic = "enthusiastic"
	ExpressionEncouraging  = "encouraging"
	ExpressionAttentive    = "attentive"
	ExpressionCalm         = "calm"
	ExpressionSupportive   = "supportive"
)

// Tone is a voice style hint for speech synthesis.
type Tone string

const (
	ToneWarm        Tone = "warm"
	ToneClear       Tone = "clear"
	ToneEncouraging Tone = "encouraging"
)

// StepProfile describes how the teacher presents a step.
type StepProfile struct {
	Step       Step
	Expression string
	Tone       Tone

	// Prompt is the instruction fragment handed to the content generator.
	Prompt string

	// Fallback is spoken when the content generator can't produce a line.
	Fallback string
}

// script is built once and only ever read.
var script = [...]StepProfile{
	StepGreeting: {
		Step:       StepGreeting,
		Expression: ExpressionWarmSmile,
		Tone:       ToneWarm,
		Prompt: `The student activated Teacher Mode because they didn't understand something.
Greet them warmly and reassure them. Do not re-explain yet.`,
		Fallback: "Hello! I'm really glad you asked. Don't worry, we'll work through this together, one small step at a time. Ready? Let's begin!",
	},
	StepDiagnosing: {
		Step:       StepDiagnosing,
		Expression: ExpressionThoughtful,
		Tone:       ToneClear,
		Prompt: `The student is confused. Find out where the confusion lies.
Ask one or two targeted diagnostic questions. Do not re-explain yet.`,
		Fallback: "Before I explain, tell me where you're stuck. Is it the basic idea, applying it to problems, or the maths part? Say it in your own words.",
	},
	StepExplaining: {
		Step:       StepExplaining,
		Expression: ExpressionEmphatic,
		Tone:       ToneClear,
		Prompt: `Explain the concept in simple, small chunks.
Use a different approach than the original explanation. Use everyday analogies. Be slow and clear.`,
		Fallback: "Let me explain this in a completely different way. Forget the formula for a moment and think about what is actually happening, step by step. The formula only writes down that idea in short form.",
	},
	StepExemplifying: {
		Step:       StepExemplifying,
		Expression: ExpressionEnthusiastic,
		Tone:       ToneClear,
		Prompt: `Give two or three real-world examples that make the concept tangible.
Draw analogies from everyday student life such as cricket, cooking or travelling by bus.`,
		Fallback: "Let's see this in real life. Look around you: the same idea shows up on a moving bus, on a cricket field and even in your kitchen. Once you notice it, you'll see it everywhere.",
	},
	StepChallenging: {
		Step:       StepChallenging,
		Expression: ExpressionEncouraging,
		Tone:       ToneEncouraging,
		Prompt: `Give the student a practice problem to try.
Make it slightly easier than the original question. Say: "Now you try! Apply what we just learned."`,
		Fallback: "Now you try! Take a similar problem, apply exactly what we just discussed, and tell me your answer. Take your time.",
	},
	StepEvaluating: {
		Step:       StepEvaluating,
		Expression: ExpressionAttentive,
		Tone:       ToneClear,
		Prompt: `Evaluate the student's attempt.
If correct: praise specifically what they did right.
If incorrect: identify the exact mistake gently, never say "wrong", then say you'll look at that part again.`,
		Fallback: "Let me look at your answer carefully. You've got the approach on track, so let's check each step together.",
	},
	StepSummarizing: {
		Step:       StepSummarizing,
		Expression: ExpressionCalm,
		Tone:       ToneClear,
		Prompt: `Summarize the key points in three or four short points.
Reinforce the concept with one final memorable analogy or rule.`,
		Fallback: "Let's wrap up the key points. Understand why it works, remember the one rule that captures it, and practise applying it. If you understand the why, the how becomes easy.",
	},
	StepPracticing: {
		Step:       StepPracticing,
		Expression: ExpressionSupportive,
		Tone:       ToneClear,
		Prompt: `Give two or three practice questions of increasing difficulty, with a hint for each.
Say: "Try these on your own! I'm here if you need help."`,
		Fallback: "Here are a few practice questions for you, from easy to challenging. Try them on your own. I'm here if you need help!",
	},
}

// Profile returns the step's profile. Unknown steps get a neutral profile.
func Profile(s Step) StepProfile {
	if !s.IsValid() {
		return StepProfile{Step: s, Expression: ExpressionDefault, Tone: ToneClear, Fallback: GenericFallback}
	}
	return script[s]
}

// GenericFallback is spoken when nothing more specific is available.
const GenericFallback = "Let me help you understand this better."

// RemediationPrompt is appended to the Explaining prompt when re-explaining
// after an incorrect attempt.
const RemediationPrompt = `The student's last attempt was incorrect. Re-explain only the part they got wrong, using a new angle.`

// RemediationFallback is spoken when re-explaining without generated content.
const RemediationFallback = "Almost! Let's look at that one part again, slowly. Focus on the step where the answer changed direction, and try once more."
