package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// =============================================================================
// MOCK STAGE TESTS
// =============================================================================

func newRequest(stage kernel.Stage) *envelope.Envelope {
	return envelope.NewRequest("orchestrator", "test", stage.Action(), map[string]any{"k": "v"},
		map[string]any{envelope.ContextKeyRunID: "run-1"})
}

func TestMockStage(t *testing.T) {
	t.Run("answers with output", func(t *testing.T) {
		m := NewMockStage(kernel.StageCritique, map[string]any{"overall_score": 7.0})
		req := newRequest(kernel.StageCritique)

		resp := m.Process(context.Background(), req)

		require.True(t, resp.IsResponse())
		assert.Equal(t, 7.0, resp.Payload.Data["overall_score"])
		assert.Equal(t, "critic", resp.Sender)
		assert.Equal(t, req.Context, resp.Context)
		assert.Equal(t, kernel.StageCritique, m.Name())
		assert.Equal(t, envelope.ActionCritique, m.Action())
	})

	t.Run("records request copies", func(t *testing.T) {
		m := NewMockStage(kernel.StageExtraction, map[string]any{})
		req := newRequest(kernel.StageExtraction)

		m.Process(context.Background(), req)
		req.Payload.Data["k"] = "changed"

		assert.Equal(t, 1, m.CallCount())
		assert.Equal(t, "v", m.LastRequest().Payload.Data["k"])
	})

	t.Run("no requests", func(t *testing.T) {
		m := NewMockStage(kernel.StageExtraction, nil)
		assert.Zero(t, m.CallCount())
		assert.Nil(t, m.LastRequest())
	})

	t.Run("failing", func(t *testing.T) {
		m := NewFailingStage(kernel.StageCitation, "arxiv down")
		resp := m.Process(context.Background(), newRequest(kernel.StageCitation))

		require.True(t, resp.IsError())
		assert.Equal(t, "arxiv down", resp.Payload.Error)
	})

	t.Run("panicking", func(t *testing.T) {
		m := NewPanickingStage(kernel.StageSynthesis, "boom")
		assert.PanicsWithValue(t, "boom", func() {
			m.Process(context.Background(), newRequest(kernel.StageSynthesis))
		})
	})

	t.Run("delay honours cancellation", func(t *testing.T) {
		m := &MockStage{Stage: kernel.StageCritique, Delay: time.Hour}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		resp := m.Process(ctx, newRequest(kernel.StageCritique))

		require.True(t, resp.IsError())
		assert.Equal(t, context.Canceled.Error(), resp.Payload.Error)
	})
}

func TestNewMockStages(t *testing.T) {
	mocks := NewMockStages()
	require.Len(t, mocks, 4)
	for i, s := range kernel.Stages() {
		assert.Equal(t, s, mocks[i].Stage)
		assert.Equal(t, SampleOutputs()[s], mocks[i].Output)
	}
	assert.Len(t, AsStages(mocks), 4)
}

func TestNewAdapterStages(t *testing.T) {
	stages, err := NewAdapterStages(NewMockLogger(), map[kernel.Stage]error{
		kernel.StageCitation: errors.New("arxiv unavailable"),
	})
	require.NoError(t, err)
	require.Len(t, stages, 4)

	resp := stages[0].Process(context.Background(), newRequest(kernel.StageExtraction))
	require.True(t, resp.IsResponse())
	assert.Equal(t, "X", resp.Payload.Data["title"])

	resp = stages[2].Process(context.Background(), newRequest(kernel.StageCitation))
	require.True(t, resp.IsError())
	assert.Equal(t, "arxiv unavailable", resp.Payload.Error)
}

// =============================================================================
// MOCK CHECKPOINT STORE TESTS
// =============================================================================

func TestMockCheckpointStore(t *testing.T) {
	ctx := context.Background()
	store := NewMockCheckpointStore()
	input := kernel.Input{Locator: "paperA", Kind: kernel.SourceDocument}

	_, err := store.Load(ctx, "run-1")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)

	first := kernel.NewRun("run-1", input, time.Now())
	second, err := first.Enter(kernel.StageExtraction, time.Now())
	require.NoError(t, err)

	require.NoError(t, store.Save(ctx, "run-1", first))
	require.NoError(t, store.Save(ctx, "run-1", second))

	loaded, err := store.Load(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, kernel.PhaseExtracting, loaded.Phase)
	assert.Len(t, store.Snapshots("run-1"), 2)
	assert.Equal(t, 2, store.GetSaveCount())
	assert.Equal(t, "mock", store.Name())

	store.WithSaveError(errors.New("disk full"))
	assert.EqualError(t, store.Save(ctx, "run-1", second), "disk full")
	assert.Equal(t, 3, store.GetSaveCount())
	assert.Len(t, store.Snapshots("run-1"), 2)

	store.LoadError = errors.New("unreachable")
	_, err = store.Load(ctx, "run-1")
	assert.EqualError(t, err, "unreachable")
}

// =============================================================================
// MOCK LOGGER TESTS
// =============================================================================

func TestMockLogger(t *testing.T) {
	logger := NewMockLogger()

	logger.Info("run_started", "run_id", "run-1")
	logger.Warn("stage_failed", "stage", "citation")
	logger.Warn("stage_failed", "stage", "critique")
	logger.Bind("k", "v").Error("run_failed")

	assert.True(t, logger.HasLog("info", "run_started"))
	assert.False(t, logger.HasLog("error", "run_started"))
	assert.Equal(t, 2, logger.CountLog("warn", "stage_failed"))
	assert.True(t, logger.HasLog("error", "run_failed"))

	logs := logger.GetLogs()
	require.Len(t, logs, 4)
	assert.Equal(t, "run-1", logs[0].Fields["run_id"])

	logger.Clear()
	assert.Empty(t, logger.GetLogs())
}

// =============================================================================
// CONFIG AND CLOCK HELPER TESTS
// =============================================================================

func TestNewTestPipelineConfig(t *testing.T) {
	cfg := NewTestPipelineConfig("custom", map[kernel.Stage]kernel.Policy{
		kernel.StageCritique: kernel.PolicySoft,
	})

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "custom", cfg.Name)
	assert.Equal(t, kernel.PolicySoft, cfg.PolicyFor(kernel.StageCritique))
	assert.Equal(t, kernel.PolicySoft, cfg.PolicyFor(kernel.StageCitation))
	assert.Equal(t, kernel.PolicyHard, cfg.PolicyFor(kernel.StageExtraction))
}

func TestStepClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := StepClock(start, time.Second)

	assert.Equal(t, start, clock())
	assert.Equal(t, start.Add(time.Second), clock())
	assert.Equal(t, start.Add(2*time.Second), clock())
}

func TestSequentialIDs(t *testing.T) {
	next := SequentialIDs("run")
	assert.Equal(t, "run-1", next())
	assert.Equal(t, "run-2", next())
}
