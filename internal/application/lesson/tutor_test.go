package lesson_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/application/lesson"
	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/memory"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/mock"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

type fixture struct {
	session  *orchestrator.Orchestrator
	synth    *mock.Synthesizer
	content  *mock.Content
	assessor *mock.Assessor
}

func newFixture(t *testing.T, verdicts ...bool) *fixture {
	t.Helper()
	_, synth, render, recog := mock.Providers()
	ledger := quota.NewLedger(memory.NewQuotaStore(), quota.StaticPlans{Default: quota.PlanYearly}, quota.LedgerConfig{
		Logger: logger.Discard(),
	})
	session := orchestrator.New(orchestrator.Deps{
		Synthesizer: synth,
		Renderer:    render,
		Recognizer:  recog,
		Meter:       ledger,
		Logger:      logger.Discard(),
	}, orchestrator.Config{AccrualInterval: 1 << 40})

	_, err := session.Start(context.Background(), orchestrator.StartRequest{
		UserID:  "learner-7",
		Teacher: "priya",
		Student: teaching.StudentContext{Grade: "10", Topic: "quadratic equations"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = session.End(context.Background()) })

	return &fixture{session: session, synth: synth, content: mock.NewContent(), assessor: mock.NewAssessor(verdicts...)}
}

func (f *fixture) tutor(cfg lesson.Config) *lesson.Tutor {
	return lesson.NewTutor(f.content, f.assessor, cfg, logger.Discard())
}

func TestBegin_RunsForwardPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	l, err := f.tutor(lesson.DefaultConfig()).Begin(ctx, f.session, "I didn't understand the formula")
	require.NoError(t, err)

	assert.Equal(t, lesson.StageAwaitingReply, l.Stage())
	assert.Equal(t, "challenging: let's work on quadratic equations together.", l.Challenge())

	snap := f.session.GetState()
	assert.Equal(t, teaching.StepChallenging, snap.CurrentStep)
	require.Len(t, snap.Transcript, 6)
	assert.Equal(t, teaching.SpeakerStudent, snap.Transcript[0].Speaker)

	reqs := f.content.Requests()
	require.Len(t, reqs, len(teaching.ForwardPath))
	for i, step := range teaching.ForwardPath {
		assert.Equal(t, step, reqs[i].Step)
		assert.Equal(t, teaching.TeacherPriya, reqs[i].Teacher.ID)
	}
	assert.Len(t, f.synth.Texts(), len(teaching.ForwardPath))
}

func TestBegin_FallsBackWhenContentFails(t *testing.T) {
	f := newFixture(t)
	f.content.Err = errors.New("model overloaded")

	_, err := f.tutor(lesson.DefaultConfig()).Begin(context.Background(), f.session, "")
	require.NoError(t, err)

	want := make([]string, 0, len(teaching.ForwardPath))
	for _, step := range teaching.ForwardPath {
		want = append(want, teaching.Profile(step).Fallback)
	}
	assert.Equal(t, want, f.synth.Texts())
}

func TestBegin_ContinuesPastSynthesisFailure(t *testing.T) {
	f := newFixture(t)
	f.synth.SynthesizeErr = errors.New("tts down")

	l, err := f.tutor(lesson.DefaultConfig()).Begin(context.Background(), f.session, "")
	require.NoError(t, err)
	assert.Equal(t, lesson.StageAwaitingReply, l.Stage())

	snap := f.session.GetState()
	assert.Equal(t, teaching.StepChallenging, snap.CurrentStep)
	assert.True(t, snap.Degraded)
}

func TestReply_CorrectAnswerSummarisesAndPractises(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	l, err := f.tutor(lesson.DefaultConfig()).Begin(ctx, f.session, "")
	require.NoError(t, err)

	out, err := l.Reply(ctx, "x = 2 or x = 3")
	require.NoError(t, err)
	assert.True(t, out.Correct)
	assert.Equal(t, lesson.StageComplete, out.Stage)
	assert.Zero(t, out.Remediations)
	assert.Equal(t, teaching.StepPracticing, out.Snapshot.CurrentStep)

	_, err = l.Reply(ctx, "again")
	assert.ErrorIs(t, err, lesson.ErrLessonComplete)

	recap, err := f.session.End(ctx)
	require.NoError(t, err)
	assert.Contains(t, recap.StepsCompleted, teaching.StepEvaluating)
	assert.Contains(t, recap.StepsCompleted, teaching.StepSummarizing)
	assert.Equal(t, []string{"quadratic equations"}, recap.TopicsCovered)
}

func TestReply_RemediationIsBounded(t *testing.T) {
	f := newFixture(t, false, false, false, false)
	ctx := context.Background()
	l, err := f.tutor(lesson.DefaultConfig()).Begin(ctx, f.session, "")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		out, err := l.Reply(ctx, "x = 5")
		require.NoError(t, err)
		assert.False(t, out.Correct)
		assert.Equal(t, i, out.Remediations)
		assert.Equal(t, lesson.StageAwaitingReply, out.Stage)
		assert.Equal(t, teaching.StepExplaining, out.Snapshot.CurrentStep)
	}

	out, err := l.Reply(ctx, "x = 5")
	require.NoError(t, err)
	assert.False(t, out.Correct)
	assert.Equal(t, 3, out.Remediations)
	assert.Equal(t, lesson.StageComplete, out.Stage)
	assert.Equal(t, teaching.StepPracticing, out.Snapshot.CurrentStep)

	remedial := 0
	for _, req := range f.content.Requests() {
		if req.Remediation {
			remedial++
			assert.Equal(t, teaching.StepExplaining, req.Step)
		}
	}
	assert.Equal(t, 3, remedial)
	assert.Equal(t, 4, f.assessor.Calls())
}

func TestReply_WrongThenRight(t *testing.T) {
	f := newFixture(t, false, true)
	ctx := context.Background()
	l, err := f.tutor(lesson.DefaultConfig()).Begin(ctx, f.session, "")
	require.NoError(t, err)

	out, err := l.Reply(ctx, "x = 1")
	require.NoError(t, err)
	assert.Equal(t, lesson.StageAwaitingReply, out.Stage)

	out, err = l.Reply(ctx, "x = 2 or x = 3")
	require.NoError(t, err)
	assert.True(t, out.Correct)
	assert.Equal(t, 1, out.Remediations)
	assert.Equal(t, lesson.StageComplete, out.Stage)
}

func TestReply_AssessorFailureMovesOn(t *testing.T) {
	f := newFixture(t)
	f.assessor.Err = errors.New("assessor timeout")
	ctx := context.Background()
	l, err := f.tutor(lesson.DefaultConfig()).Begin(ctx, f.session, "")
	require.NoError(t, err)

	out, err := l.Reply(ctx, "no idea")
	require.NoError(t, err)
	assert.Equal(t, lesson.StageComplete, out.Stage)
	assert.Equal(t, teaching.Profile(teaching.StepEvaluating).Fallback, out.Feedback)
}

func TestReply_WithoutPracticeOrRemediation(t *testing.T) {
	f := newFixture(t, false)
	cfg := lesson.DefaultConfig()
	cfg.IncludePractice = false
	cfg.Remediation = false
	ctx := context.Background()
	l, err := f.tutor(cfg).Begin(ctx, f.session, "")
	require.NoError(t, err)

	out, err := l.Reply(ctx, "x = 9")
	require.NoError(t, err)
	assert.False(t, out.Correct)
	assert.Equal(t, lesson.StageComplete, out.Stage)
	assert.Equal(t, teaching.StepSummarizing, out.Snapshot.CurrentStep)
}

func TestReply_OnEndedSession(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	l, err := f.tutor(lesson.DefaultConfig()).Begin(ctx, f.session, "")
	require.NoError(t, err)

	_, err = f.session.End(ctx)
	require.NoError(t, err)

	_, err = l.Reply(ctx, "x = 2")
	assert.ErrorIs(t, err, shared.ErrSessionTerminated)
}
