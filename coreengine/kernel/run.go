package kernel

import (
	"fmt"
	"slices"
	"time"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// Input is the external reference a run reviews.
type Input struct {
	Locator string     `json:"source_locator"`
	Kind    SourceKind `json:"source_kind"`
}

// Validate checks that the input can start a run.
func (in Input) Validate() error {
	if in.Locator == "" {
		return fmt.Errorf("source_locator is required")
	}
	if !in.Kind.IsValid() {
		return fmt.Errorf("invalid source_kind %q", in.Kind)
	}
	return nil
}

// StageResult is the outcome of one stage invocation, already interpreted
// by the coordinator's failure policy.
type StageResult struct {
	Stage  Stage
	Output map[string]any
	Err    error
	// Substituted marks a soft-stage failure whose output was replaced by an empty result.
	Substituted bool
}

// Run is a snapshot of one pipeline execution.
//
// Runs are values. Enter, Apply, Complete and Fail never modify the receiver;
// they return a new snapshot that shares no mutable state with it.
type Run struct {
	RunID           string                   `json:"run_id"`
	Input           Input                    `json:"input"`
	StageOutputs    map[Stage]map[string]any `json:"stage_outputs"`
	CompletedStages []Stage                  `json:"completed_stages"`
	Errors          []string                 `json:"errors"`
	Phase           Phase                    `json:"phase"`
	CurrentStage    Stage                    `json:"current_stage,omitempty"`
	StartedAt       time.Time                `json:"started_at"`
	UpdatedAt       time.Time                `json:"updated_at"`
	ToolInvocations int                      `json:"tool_invocations"`
}

// NewRun creates the initial snapshot for a run.
func NewRun(runID string, input Input, now time.Time) Run {
	now = normalize(now)
	return Run{
		RunID:           runID,
		Input:           input,
		StageOutputs:    map[Stage]map[string]any{},
		CompletedStages: []Stage{},
		Errors:          []string{},
		Phase:           PhaseInitialized,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

// Clone returns a deep copy of r.
func (r Run) Clone() Run {
	c := r
	if r.StageOutputs != nil {
		c.StageOutputs = make(map[Stage]map[string]any, len(r.StageOutputs))
		for k, v := range r.StageOutputs {
			c.StageOutputs[k] = typeutil.DeepCopyMap(v)
		}
	}
	c.CompletedStages = slices.Clone(r.CompletedStages)
	c.Errors = slices.Clone(r.Errors)
	return c
}

// HasCompleted reports whether stage has finished, successfully or not.
func (r Run) HasCompleted(stage Stage) bool {
	return slices.Contains(r.CompletedStages, stage)
}

// Output returns the recorded output for stage, if any.
func (r Run) Output(stage Stage) (map[string]any, bool) {
	out, ok := r.StageOutputs[stage]
	return out, ok
}

// Degraded reports whether any stage failure was recorded.
func (r Run) Degraded() bool {
	return len(r.Errors) > 0
}

// Enter moves the run into stage. The stage's predecessor must have completed
// and the stage itself must not have run yet. ToolInvocations is incremented
// exactly once per entered stage.
func (r Run) Enter(stage Stage, now time.Time) (Run, error) {
	to := PhaseForStage(stage)
	if to == "" {
		return r, &TransitionError{From: r.Phase, Stage: stage, Reason: "unknown stage"}
	}
	if !IsValidTransition(r.Phase, to) {
		return r, &TransitionError{From: r.Phase, To: to, Stage: stage, Reason: "invalid phase transition"}
	}
	if pred, ok := stage.Predecessor(); ok && !r.HasCompleted(pred) {
		return r, &TransitionError{From: r.Phase, To: to, Stage: stage, Reason: fmt.Sprintf("predecessor %s has not completed", pred)}
	}
	if r.HasCompleted(stage) {
		return r, &TransitionError{From: r.Phase, To: to, Stage: stage, Reason: "stage already completed"}
	}

	next := r.Clone()
	next.Phase = to
	next.CurrentStage = stage
	next.ToolInvocations++
	next.UpdatedAt = normalize(now)
	return next, nil
}

// Apply folds a stage result into the run.
//
// A failed result appends "<stage> stage failed: <error>" to Errors. A
// non-nil Output is stored under the stage name in its JSON form, so an int
// is kept as float64 and a []string as []any; a hard-stage failure therefore
// leaves the stage without output. Output that cannot be encoded as JSON is
// refused.
func (r Run) Apply(result StageResult, now time.Time) (Run, error) {
	if r.CurrentStage != result.Stage || r.Phase != PhaseForStage(result.Stage) {
		return r, &TransitionError{From: r.Phase, Stage: result.Stage, Reason: fmt.Sprintf("stage is not running (current stage %q)", r.CurrentStage)}
	}
	if r.HasCompleted(result.Stage) {
		return r, &TransitionError{From: r.Phase, Stage: result.Stage, Reason: "stage already completed"}
	}
	output, err := typeutil.NormalizeMap(result.Output)
	if err != nil {
		return r, &TransitionError{From: r.Phase, Stage: result.Stage, Reason: fmt.Sprintf("stage output rejected: %v", err)}
	}

	next := r.Clone()
	if result.Err != nil {
		next.Errors = append(next.Errors, StageErrorText(result.Stage, result.Err))
	}
	if output != nil {
		if next.StageOutputs == nil {
			next.StageOutputs = map[Stage]map[string]any{}
		}
		next.StageOutputs[result.Stage] = output
	}
	next.CompletedStages = append(next.CompletedStages, result.Stage)
	next.UpdatedAt = normalize(now)
	return next, nil
}

// Complete moves a run whose every stage has finished into the completed phase.
func (r Run) Complete(now time.Time) (Run, error) {
	if !IsValidTransition(r.Phase, PhaseCompleted) {
		return r, &TransitionError{From: r.Phase, To: PhaseCompleted, Reason: "invalid phase transition"}
	}
	for _, s := range stageOrder {
		if !r.HasCompleted(s) {
			return r, &TransitionError{From: r.Phase, To: PhaseCompleted, Stage: s, Reason: "stage has not completed"}
		}
	}
	next := r.Clone()
	next.Phase = PhaseCompleted
	next.UpdatedAt = normalize(now)
	return next, nil
}

// Fail moves a run into the failed phase.
func (r Run) Fail(now time.Time) (Run, error) {
	if !IsValidTransition(r.Phase, PhaseFailed) {
		return r, &TransitionError{From: r.Phase, To: PhaseFailed, Reason: "invalid phase transition"}
	}
	next := r.Clone()
	next.Phase = PhaseFailed
	next.UpdatedAt = normalize(now)
	return next, nil
}

// StageErrorText formats a stage failure the way it appears in Run.Errors.
func StageErrorText(stage Stage, err error) string {
	return fmt.Sprintf("%s stage failed: %v", stage, err)
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	From   Phase
	To     Phase
	Stage  Stage
	Reason string
}

func (e *TransitionError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("invalid transition from %s for stage %s: %s", e.From, e.Stage, e.Reason)
	}
	return fmt.Sprintf("invalid transition from %s to %s: %s", e.From, e.To, e.Reason)
}

// normalize strips the monotonic reading and location so snapshots compare
// equal after a serialization round trip.
func normalize(t time.Time) time.Time {
	return t.UTC().Round(0)
}
