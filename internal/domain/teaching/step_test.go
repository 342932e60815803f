package teaching

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProfile_EveryStepHasExpressionToneAndFallback(t *testing.T) {
	for _, s := range Steps {
		p := Profile(s)
		assert.Equal(t, s, p.Step)
		assert.NotEmpty(t, p.Expression, s.String())
		assert.NotEmpty(t, p.Tone, s.String())
		assert.NotEmpty(t, p.Prompt, s.String())
		assert.NotEmpty(t, p.Fallback, s.String())
	}
}

func TestProfile_ToneAndExpressionMapping(t *testing.T) {
	assert.Equal(t, ToneWarm, Profile(StepGreeting).Tone)
	assert.Equal(t, ToneEncouraging, Profile(StepChallenging).Tone)
	assert.Equal(t, ToneClear, Profile(StepExplaining).Tone)

	assert.Equal(t, ExpressionWarmSmile, Profile(StepGreeting).Expression)
	assert.Equal(t, ExpressionAttentive, Profile(StepEvaluating).Expression)
	assert.Equal(t, ExpressionSupportive, Profile(StepPracticing).Expression)

	unknown := Profile(Step(42))
	assert.Equal(t, ExpressionDefault, unknown.Expression)
	assert.Equal(t, GenericFallback, unknown.Fallback)
}

func TestStep_TextRoundTrip(t *testing.T) {
	s, err := ParseStep(" exemplifying ")
	require.NoError(t, err)
	assert.Equal(t, StepExemplifying, s)

	b, err := json.Marshal(struct{ S Step }{StepSummarizing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"S":"SUMMARIZING"}`, string(b))

	_, err = ParseStep("lecturing")
	assert.Error(t, err)
}

func TestEstimateDuration(t *testing.T) {
	// 150 words at 150 wpm is one minute.
	text := ""
	for i := 0; i < 150; i++ {
		text += "word "
	}
	assert.Equal(t, time.Minute, EstimateDuration(text))
	assert.Equal(t, time.Duration(0), EstimateDuration("   "))
}

func TestLookupTeacher(t *testing.T) {
	p, ok := LookupTeacher("Priya")
	assert.True(t, ok)
	assert.Equal(t, "Priya Ma'am", p.DisplayName)
	assert.Equal(t, 0.8, p.SimilarityBoost)

	fallback, ok := LookupTeacher("einstein")
	assert.False(t, ok)
	assert.Equal(t, TeacherSharma, fallback.ID)

	assert.Len(t, Teachers(), 3)
}

func TestBuildSystemPrompt(t *testing.T) {
	teacher, _ := LookupTeacher("priya")
	prompt := BuildSystemPrompt(PromptRequest{
		Teacher: teacher,
		Student: StudentContext{
			Grade:      "11",
			Exam:       "JEE",
			WeakTopics: []string{"rotation", "friction"},
			Topic:      "Newton's second law",
		},
		Step:        StepExplaining,
		Remediation: true,
		History:     []TranscriptLine{{Speaker: SpeakerStudent, Text: "F = m/a?"}},
	})

	assert.Contains(t, prompt, `"Ma'am"`)
	assert.Contains(t, prompt, "Weak Topics: rotation, friction")
	assert.Contains(t, prompt, "TEACHER MODE STEP: EXPLAINING")
	assert.Contains(t, prompt, RemediationPrompt)
	assert.Contains(t, prompt, "student: F = m/a?")
	assert.NotContains(t, prompt, "Subjects:")
}
