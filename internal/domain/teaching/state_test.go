package teaching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/domain/shared"
)

func TestTransition_Lifecycle(t *testing.T) {
	s, err := Transition(Idle, Input{Kind: EventStart})
	require.NoError(t, err)
	assert.Equal(t, Initializing, s)

	s, err = Transition(s, Input{Kind: EventProvidersReady})
	require.NoError(t, err)
	assert.Equal(t, At(StepGreeting), s)
	assert.Equal(t, "GREETING", s.String())

	for _, step := range ForwardPath[1:] {
		s, err = Transition(s, Advance(step))
		require.NoError(t, err, step.String())
	}
	assert.Equal(t, At(StepChallenging), s)

	s, err = Transition(s, Input{Kind: EventEnd})
	require.NoError(t, err)
	assert.Equal(t, Ended, s)
}

func TestTransition_StartFailureEnds(t *testing.T) {
	s, err := Transition(Initializing, Input{Kind: EventStartFailed})
	require.NoError(t, err)
	assert.Equal(t, Ended, s)
}

func TestTransition_Rejections(t *testing.T) {
	_, err := Transition(At(StepGreeting), Advance(StepChallenging))
	assert.True(t, shared.IsInvalidTransition(err))

	_, err = Transition(Idle, Advance(StepGreeting))
	assert.True(t, shared.IsInvalidTransition(err))

	_, err = Transition(At(StepGreeting), Input{Kind: EventStart})
	assert.True(t, shared.IsInvalidTransition(err))

	_, err = Transition(Ended, Advance(StepGreeting))
	assert.ErrorIs(t, err, shared.ErrSessionTerminated)
	assert.True(t, shared.IsTerminated(err))

	_, err = Transition(Ended, Input{Kind: EventEnd})
	assert.True(t, shared.IsTerminated(err))
}

func TestCanAdvance_EvaluationLoop(t *testing.T) {
	assert.True(t, CanAdvance(StepChallenging, StepEvaluating))
	assert.True(t, CanAdvance(StepEvaluating, StepExplaining))
	assert.True(t, CanAdvance(StepExplaining, StepEvaluating))
	assert.True(t, CanAdvance(StepEvaluating, StepSummarizing))
	assert.True(t, CanAdvance(StepSummarizing, StepPracticing))
	assert.True(t, CanAdvance(StepExplaining, StepExplaining))

	assert.False(t, CanAdvance(StepChallenging, StepSummarizing))
	assert.False(t, CanAdvance(StepGreeting, StepEvaluating))
	assert.False(t, CanAdvance(Step(-1), StepGreeting))
}
