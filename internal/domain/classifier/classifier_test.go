package classifier

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_Blocked(t *testing.T) {
	cases := map[string]string{
		"solve the entire paper":                  "full_paper",
		"Please SOLVE THIS COMPLETE exam for me":  "full_paper",
		"give me all answers":                     "all_answers",
		"how do I cheat in boards":                "cheat",
		"can you hack the portal":                 "hack",
		"what weapon did they use in the chapter": "harmful",
	}
	for text, rule := range cases {
		v := Classify(text)
		assert.True(t, v.Blocked, text)
		assert.Equal(t, RedirectMessage, v.Reason, text)
		assert.Equal(t, rule, v.Rule, text)
		assert.False(t, v.IsTrigger, text)
	}
}

func TestClassify_BlockWinsOverTrigger(t *testing.T) {
	v := Classify("teach me how to cheat")
	assert.True(t, v.Blocked)
	assert.False(t, v.IsTrigger)
}

func TestClassify_WordBoundaryOnHarmfulTerms(t *testing.T) {
	// "skill" contains "kill" but not as a word.
	v := Classify("improve my problem solving skill")
	assert.False(t, v.Blocked)
}

func TestClassify_Triggers(t *testing.T) {
	for _, text := range []string{
		"Teach me Newton's laws",
		"I didn't understand the last step",
		"sir samjha nahi",
		"Phir se bataiye",
		"I’m confused about torque",
		"this is NOT CLEAR",
	} {
		v := Classify(text)
		assert.False(t, v.Blocked, text)
		assert.True(t, v.IsTrigger, text)
		assert.NotEmpty(t, v.Trigger, text)
	}
}

func TestClassify_FirstTriggerWins(t *testing.T) {
	v := Classify("teach me properly please")
	assert.Equal(t, "teach me", v.Trigger)
}

func TestClassify_PlainQuestion(t *testing.T) {
	v := Classify("What is the unit of force?")
	assert.Equal(t, Verdict{}, v)
	assert.True(t, IsSafe("What is the unit of force?"))
	assert.False(t, IsTrigger("What is the unit of force?"))
}

func TestClassify_IdempotentAndConcurrent(t *testing.T) {
	text := "I still confused, explain again"
	want := Classify(text)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, want, Classify(text))
		}()
	}
	wg.Wait()
}
