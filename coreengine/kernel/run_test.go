package kernel

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func newTestRun() Run {
	return NewRun("run-1", Input{Locator: "paperA", Kind: SourceDocument}, t0)
}

func mustEnter(t *testing.T, r Run, s Stage) Run {
	t.Helper()
	next, err := r.Enter(s, t0)
	require.NoError(t, err)
	return next
}

func mustApply(t *testing.T, r Run, res StageResult) Run {
	t.Helper()
	next, err := r.Apply(res, t0)
	require.NoError(t, err)
	return next
}

// =============================================================================
// ENUM TESTS
// =============================================================================

func TestStageOrderAndActions(t *testing.T) {
	stages := Stages()
	require.Len(t, stages, 4)
	assert.Equal(t, []Stage{StageExtraction, StageCritique, StageCitation, StageSynthesis}, stages)

	for i, s := range stages {
		assert.Equal(t, i, s.Index())
		got, ok := StageForAction(s.Action())
		assert.True(t, ok)
		assert.Equal(t, s, got)
	}

	_, ok := StageExtraction.Predecessor()
	assert.False(t, ok)
	pred, ok := StageSynthesis.Predecessor()
	assert.True(t, ok)
	assert.Equal(t, StageCitation, pred)

	stages[0] = "mutated"
	assert.Equal(t, StageExtraction, Stages()[0])
}

func TestParseHelpers(t *testing.T) {
	s, err := ParseStage("Citation")
	require.NoError(t, err)
	assert.Equal(t, StageCitation, s)
	_, err = ParseStage("ranking")
	assert.Error(t, err)

	k, err := ParseSourceKind("external-id")
	require.NoError(t, err)
	assert.Equal(t, SourceExternalID, k)
	_, err = ParseSourceKind("url")
	assert.Error(t, err)
}

func TestDefaultPolicy(t *testing.T) {
	assert.Equal(t, PolicyHard, DefaultPolicy(StageExtraction))
	assert.Equal(t, PolicyHard, DefaultPolicy(StageCritique))
	assert.Equal(t, PolicySoft, DefaultPolicy(StageCitation))
	assert.Equal(t, PolicyHard, DefaultPolicy(StageSynthesis))
}

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from, to Phase
		valid    bool
	}{
		{PhaseInitialized, PhaseExtracting, true},
		{PhaseExtracting, PhaseAnalyzing, true},
		{PhaseAnalyzing, PhaseCiting, true},
		{PhaseCiting, PhaseSynthesizing, true},
		{PhaseSynthesizing, PhaseCompleted, true},
		{PhaseCiting, PhaseFailed, true},
		{PhaseInitialized, PhaseAnalyzing, false},
		{PhaseCompleted, PhaseFailed, false},
		{PhaseFailed, PhaseInitialized, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.valid, IsValidTransition(tt.from, tt.to))
		})
	}
	assert.True(t, PhaseCompleted.IsTerminal())
	assert.True(t, PhaseFailed.IsTerminal())
	assert.False(t, PhaseCiting.IsTerminal())
}

// =============================================================================
// RUN TRANSITION TESTS
// =============================================================================

func TestNewRun(t *testing.T) {
	r := newTestRun()

	assert.Equal(t, PhaseInitialized, r.Phase)
	assert.NotNil(t, r.Errors)
	assert.Empty(t, r.Errors)
	assert.Empty(t, r.StageOutputs)
	assert.Zero(t, r.ToolInvocations)
	assert.Equal(t, t0, r.StartedAt)
	assert.False(t, r.Degraded())
}

func TestRun_FullSequence(t *testing.T) {
	r := newTestRun()
	for _, s := range Stages() {
		r = mustEnter(t, r, s)
		assert.Equal(t, PhaseForStage(s), r.Phase)
		assert.Equal(t, s, r.CurrentStage)
		r = mustApply(t, r, StageResult{Stage: s, Output: map[string]any{"stage": string(s)}})
	}

	r, err := r.Complete(t0)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, r.Phase)
	assert.Equal(t, 4, r.ToolInvocations)
	assert.Empty(t, r.Errors)
	assert.Equal(t, Stages(), r.CompletedStages)
	assert.Len(t, r.StageOutputs, 4)
}

func TestRun_EnterRequiresPredecessor(t *testing.T) {
	r := newTestRun()

	_, err := r.Enter(StageCritique, t0)
	var te *TransitionError
	require.ErrorAs(t, err, &te)

	r = mustEnter(t, r, StageExtraction)
	_, err = r.Enter(StageCritique, t0)
	require.ErrorAs(t, err, &te)
	assert.Contains(t, te.Error(), "predecessor extraction has not completed")
}

func TestRun_ApplyRequiresRunningStage(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)

	_, err := r.Apply(StageResult{Stage: StageCritique}, t0)
	assert.Error(t, err)

	r = mustApply(t, r, StageResult{Stage: StageExtraction, Output: map[string]any{}})
	_, err = r.Apply(StageResult{Stage: StageExtraction}, t0)
	assert.Error(t, err)
}

func TestRun_FailedStageRecordsErrorWithoutOutput(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)
	r = mustApply(t, r, StageResult{Stage: StageExtraction, Err: errors.New("unreadable pdf")})

	assert.Equal(t, []string{"extraction stage failed: unreadable pdf"}, r.Errors)
	_, ok := r.Output(StageExtraction)
	assert.False(t, ok)
	assert.True(t, r.HasCompleted(StageExtraction))
	assert.True(t, r.Degraded())

	// Downstream stages can still be entered.
	r = mustEnter(t, r, StageCritique)
	assert.Equal(t, 2, r.ToolInvocations)
}

func TestRun_SubstitutedOutput(t *testing.T) {
	r := newTestRun()
	for _, s := range []Stage{StageExtraction, StageCritique} {
		r = mustApply(t, mustEnter(t, r, s), StageResult{Stage: s, Output: map[string]any{"ok": true}})
	}
	r = mustEnter(t, r, StageCitation)
	r = mustApply(t, r, StageResult{Stage: StageCitation, Output: map[string]any{}, Err: errors.New("search down"), Substituted: true})

	out, ok := r.Output(StageCitation)
	require.True(t, ok)
	assert.Empty(t, out)
	assert.Equal(t, []string{"citation stage failed: search down"}, r.Errors)
}

func TestRun_TransitionsDoNotMutateReceiver(t *testing.T) {
	base := mustEnter(t, newTestRun(), StageExtraction)
	output := map[string]any{"title": "X", "references": []any{"a"}}

	next := mustApply(t, base, StageResult{Stage: StageExtraction, Output: output, Err: errors.New("partial")})

	assert.Empty(t, base.Errors)
	assert.Empty(t, base.CompletedStages)
	assert.Empty(t, base.StageOutputs)

	output["title"] = "changed"
	output["references"].([]any)[0] = "changed"
	stored, _ := next.Output(StageExtraction)
	assert.Equal(t, "X", stored["title"])
	assert.Equal(t, []any{"a"}, stored["references"])
}

func TestRun_CloneSharesNothing(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)
	r = mustApply(t, r, StageResult{Stage: StageExtraction, Output: map[string]any{"nested": map[string]any{"k": "v"}}})

	c := r.Clone()
	c.Errors = append(c.Errors, "x")
	c.StageOutputs[StageExtraction]["nested"].(map[string]any)["k"] = "changed"

	assert.Empty(t, r.Errors)
	assert.Equal(t, "v", r.StageOutputs[StageExtraction]["nested"].(map[string]any)["k"])
}

func TestRun_ApplyStoresJSONForm(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)
	scores := []float64{7}
	venue := map[string]string{"venue": "A"}

	r = mustApply(t, r, StageResult{Stage: StageExtraction, Output: map[string]any{
		"page_count": 12,
		"references": []string{},
		"scores":     scores,
		"meta":       venue,
	}})
	scores[0] = 1
	venue["venue"] = "B"

	out, ok := r.Output(StageExtraction)
	require.True(t, ok)
	assert.Equal(t, map[string]any{
		"page_count": float64(12),
		"references": []any{},
		"scores":     []any{float64(7)},
		"meta":       map[string]any{"venue": "A"},
	}, out)
}

func TestRun_ApplyRejectsUnencodableOutput(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)

	next, err := r.Apply(StageResult{Stage: StageExtraction, Output: map[string]any{"ch": make(chan int)}}, t0)

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, StageExtraction, te.Stage)
	assert.Contains(t, err.Error(), "stage output rejected")
	assert.Equal(t, r, next)
	assert.False(t, next.HasCompleted(StageExtraction))
}

func TestRun_CompleteRequiresAllStages(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)
	_, err := r.Complete(t0)
	assert.Error(t, err)
}

func TestRun_Fail(t *testing.T) {
	r := mustEnter(t, newTestRun(), StageExtraction)
	failed, err := r.Fail(t0)
	require.NoError(t, err)
	assert.Equal(t, PhaseFailed, failed.Phase)

	_, err = failed.Fail(t0)
	assert.Error(t, err)
	_, err = failed.Enter(StageCritique, t0)
	assert.Error(t, err)
}

func TestRun_JSONRoundTrip(t *testing.T) {
	r := newTestRun()
	r = mustEnter(t, r, StageExtraction)
	r = mustApply(t, r, StageResult{Stage: StageExtraction, Output: map[string]any{
		"title":      "X",
		"abstract":   "...",
		"references": []any{},
		"pages":      float64(12),
	}})
	r = mustEnter(t, r, StageCritique)
	r = mustApply(t, r, StageResult{Stage: StageCritique, Err: errors.New("timeout")})

	raw, err := json.Marshal(r)
	require.NoError(t, err)

	var back Run
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, r, back)
}

func TestRun_TimesAreNormalized(t *testing.T) {
	local := time.Date(2026, 1, 2, 4, 4, 5, 0, time.FixedZone("CET", 3600))
	r := NewRun("r", Input{Locator: "x", Kind: SourceDocument}, local)
	assert.Equal(t, time.UTC, r.StartedAt.Location())
	assert.True(t, r.StartedAt.Equal(t0))
}

func TestInputValidate(t *testing.T) {
	assert.NoError(t, Input{Locator: "2401.00001", Kind: SourceExternalID}.Validate())
	assert.Error(t, Input{Kind: SourceDocument}.Validate())
	assert.Error(t, Input{Locator: "x", Kind: "url"}.Validate())
}
