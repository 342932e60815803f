package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doubtdesk/teacher-core/internal/application/classroom"
	"github.com/doubtdesk/teacher-core/internal/application/lesson"
	"github.com/doubtdesk/teacher-core/internal/application/orchestrator"
	"github.com/doubtdesk/teacher-core/internal/application/query"
	"github.com/doubtdesk/teacher-core/internal/domain/quota"
	"github.com/doubtdesk/teacher-core/internal/domain/shared"
	"github.com/doubtdesk/teacher-core/internal/domain/teaching"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/persistence/memory"
	"github.com/doubtdesk/teacher-core/internal/infrastructure/provider/mock"
	"github.com/doubtdesk/teacher-core/pkg/logger"
)

func newLedger(plan quota.Plan) *quota.Ledger {
	return quota.NewLedger(memory.NewQuotaStore(), quota.StaticPlans{Default: plan}, quota.LedgerConfig{
		Logger: logger.Discard(),
	})
}

func TestGetUsage(t *testing.T) {
	ctx := context.Background()
	ledger := newLedger(quota.PlanFree)
	recaps := memory.NewRecapStore()

	_, err := ledger.CheckAndReserve(ctx, "u1", quota.ResourceTextTurn, 3)
	require.NoError(t, err)
	require.NoError(t, recaps.SaveRecap(ctx, teaching.Recap{
		SessionID:      "s1",
		UserID:         "u1",
		Teacher:        "priya",
		TotalMinutes:   1.25,
		StepsCompleted: []teaching.Step{teaching.StepGreeting, teaching.StepDiagnosing},
		Reason:         teaching.EndRequested,
		EndedAt:        time.Now(),
	}))

	h := query.NewGetUsageHandler(ledger, recaps, logger.Discard())
	dto, err := h.Handle(ctx, query.GetUsageQuery{UserID: "u1", IncludeRecaps: true})
	require.NoError(t, err)

	assert.Equal(t, "FREE", dto.Plan)
	require.Len(t, dto.Items, len(quota.AllResources))

	byName := map[string]query.ResourceUsageDTO{}
	for _, it := range dto.Items {
		byName[it.Resource] = it
	}
	text := byName[string(quota.ResourceTextTurn)]
	assert.Equal(t, 3.0, text.Used)
	require.NotNil(t, text.Limit)
	assert.Equal(t, 10.0, *text.Limit)
	assert.Equal(t, 7.0, *text.Remaining)
	assert.False(t, text.Unlimited)

	require.Len(t, dto.Recaps, 1)
	assert.Equal(t, []string{"GREETING", "DIAGNOSING"}, dto.Recaps[0].Steps)
	assert.Equal(t, "requested", dto.Recaps[0].Reason)
}

func TestGetUsage_UnlimitedHasNoCeiling(t *testing.T) {
	h := query.NewGetUsageHandler(newLedger(quota.PlanYearly), nil, logger.Discard())

	dto, err := h.Handle(context.Background(), query.GetUsageQuery{UserID: "u1", IncludeRecaps: true})
	require.NoError(t, err)
	assert.Empty(t, dto.Recaps)
	for _, it := range dto.Items {
		if it.Resource == string(quota.ResourceTeachingMinute) {
			require.NotNil(t, it.Limit)
			assert.Equal(t, 150.0, *it.Limit)
			continue
		}
		assert.True(t, it.Unlimited, it.Resource)
		assert.Nil(t, it.Limit)
	}
}

func TestGetUsage_Validation(t *testing.T) {
	h := query.NewGetUsageHandler(newLedger(quota.PlanFree), nil, logger.Discard())

	_, err := h.Handle(context.Background(), query.GetUsageQuery{})
	assert.ErrorIs(t, err, shared.ErrInvalidID)

	_, err = h.Handle(context.Background(), query.GetUsageQuery{UserID: "u1", RecapLimit: -1})
	assert.ErrorIs(t, err, shared.ErrInvalidInput)
}

func newManager(t *testing.T) *classroom.Manager {
	t.Helper()
	ledger := newLedger(quota.PlanMonthly)
	factory := func() *orchestrator.Orchestrator {
		providers, _, _, _ := mock.Providers()
		return orchestrator.New(orchestrator.Deps{
			Synthesizer: providers.Synthesizer,
			Renderer:    providers.Renderer,
			Recognizer:  providers.Recognizer,
			Meter:       ledger,
			Logger:      logger.Discard(),
		}, orchestrator.Config{AccrualInterval: time.Hour})
	}
	tutor := lesson.NewTutor(mock.NewContent(), mock.NewAssessor(), lesson.DefaultConfig(), logger.Discard())
	m := classroom.NewManager(factory, tutor, logger.Discard())
	t.Cleanup(func() { m.EndAll(context.Background()) })
	return m
}

func TestGetSessionState_Live(t *testing.T) {
	ctx := context.Background()
	m := newManager(t)
	room, err := m.Open(ctx, orchestrator.StartRequest{UserID: "u1", Teacher: "david"})
	require.NoError(t, err)

	h := query.NewGetSessionStateHandler(m, memory.NewSnapshotCache(), logger.Discard())

	byUser, err := h.Handle(ctx, query.GetSessionStateQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, query.SourceLive, byUser.Source)
	assert.Equal(t, room.Session.SessionID().String(), byUser.SessionID)
	assert.Equal(t, "GREETING", byUser.State)
	assert.Equal(t, "david", byUser.Teacher)
	assert.True(t, byUser.IsListening)

	byID, err := h.Handle(ctx, query.GetSessionStateQuery{SessionID: byUser.SessionID})
	require.NoError(t, err)
	assert.Equal(t, byUser.Version, byID.Version)
}

func TestGetSessionState_FallsBackToCache(t *testing.T) {
	ctx := context.Background()
	cache := memory.NewSnapshotCache()
	require.NoError(t, cache.Put(ctx, teaching.Snapshot{
		SessionID:   "remote-1",
		UserID:      "u9",
		Version:     7,
		StateName:   "EXPLAINING",
		CurrentStep: teaching.StepExplaining,
		IsSpeaking:  true,
		Transcript: []teaching.TranscriptLine{
			{Speaker: teaching.SpeakerTeacher, Step: teaching.StepExplaining, Text: "Look at the graph."},
		},
	}))

	h := query.NewGetSessionStateHandler(newManager(t), cache, logger.Discard())
	dto, err := h.Handle(ctx, query.GetSessionStateQuery{SessionID: "remote-1", IncludeTranscript: true})
	require.NoError(t, err)
	assert.Equal(t, query.SourceCache, dto.Source)
	assert.Equal(t, "EXPLAINING", dto.Step)
	require.Len(t, dto.Transcript, 1)
	assert.Equal(t, "teacher", dto.Transcript[0].Speaker)

	_, err = h.Handle(ctx, query.GetSessionStateQuery{SessionID: "missing"})
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(ctx, query.GetSessionStateQuery{UserID: "nobody"})
	assert.True(t, shared.IsNotFound(err))

	_, err = h.Handle(ctx, query.GetSessionStateQuery{})
	assert.ErrorIs(t, err, shared.ErrInvalidID)
}
