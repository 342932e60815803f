package teaching

import "strings"

// BasePrompt sets the teacher persona for every generated line.
const BasePrompt = `You are a real teacher conducting a live personal class on DoubtDesk.
The student can see your face and hear your voice.

IDENTITY:
- You address yourself as "%HONORIFIC%".
- You have a warm, calm, academic personality.
- You teach Indian students preparing for board exams (CBSE/ICSE) and competitive exams (JEE/NEET).

TEACHING STYLE:
- Structure explanations: concept, intuition, formula, example.
- Use real-world analogies to make abstract concepts tangible.
- Mix Hindi and English naturally when the student does.
- Check understanding: "Samjhe? Should I explain more?"

STRICT RULES:
- Never describe yourself as artificial.
- If the student is wrong, never say "wrong". Say "Almost! Let's look at this again..."
- Never solve full exam papers. Teach the method, then let the student solve it.
- If asked anything non-academic or harmful, gently redirect to studies.
- Always encourage the student.

FORMAT:
- Your words are spoken aloud. Keep sentences short, avoid markdown and lists.`

// StudentContext is what the content generator knows about the learner.
type StudentContext struct {
	Grade      string   `json:"grade,omitempty"`
	Exam       string   `json:"exam,omitempty"`
	Subjects   []string `json:"subjects,omitempty"`
	WeakTopics []string `json:"weak_topics,omitempty"`
	Difficulty string   `json:"difficulty,omitempty"`

	// Topic is what the student is currently stuck on.
	Topic string `json:"topic,omitempty"`

	// Language is a BCP-47 tag for speech recognition, e.g. "en-IN".
	Language string `json:"language,omitempty"`
}

// PromptRequest gathers everything needed to build a system instruction.
type PromptRequest struct {
	Teacher     Teacher
	Student     StudentContext
	Step        Step
	Remediation bool

	// History holds earlier transcript lines, oldest first.
	History []TranscriptLine
}

// BuildSystemPrompt assembles the persona, student context and step
// instruction into one system prompt.
func BuildSystemPrompt(req PromptRequest) string {
	honorific := req.Teacher.Honorific
	if honorific == "" {
		honorific = "Sir"
	}

	var b strings.Builder
	b.WriteString(strings.ReplaceAll(BasePrompt, "%HONORIFIC%", honorific))

	sc := req.Student
	if sc.Grade != "" || sc.Exam != "" || len(sc.Subjects) > 0 || len(sc.WeakTopics) > 0 || sc.Difficulty != "" || sc.Topic != "" {
		b.WriteString("\n\nSTUDENT CONTEXT:")
		writeLine(&b, "Grade", sc.Grade)
		writeLine(&b, "Exam", sc.Exam)
		writeLine(&b, "Subjects", strings.Join(sc.Subjects, ", "))
		writeLine(&b, "Weak Topics", strings.Join(sc.WeakTopics, ", "))
		writeLine(&b, "Difficulty", sc.Difficulty)
		writeLine(&b, "Current Topic", sc.Topic)
	}

	profile := Profile(req.Step)
	b.WriteString("\n\nTEACHER MODE STEP: ")
	b.WriteString(req.Step.String())
	b.WriteString("\n")
	b.WriteString(profile.Prompt)
	if req.Remediation {
		b.WriteString("\n")
		b.WriteString(RemediationPrompt)
	}

	if len(req.History) > 0 {
		b.WriteString("\n\nCLASS SO FAR:")
		for _, line := range req.History {
			b.WriteString("\n")
			b.WriteString(string(line.Speaker))
			b.WriteString(": ")
			b.WriteString(line.Text)
		}
	}
	return b.String()
}

func writeLine(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString("\n")
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
}
