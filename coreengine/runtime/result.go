package runtime

import (
	"slices"
	"time"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/typeutil"
)

// Result is the aggregate outcome of a finished run.
type Result struct {
	RunID        string                          `json:"run_id"`
	Input        kernel.Input                    `json:"input"`
	StageOutputs map[kernel.Stage]map[string]any `json:"stage_outputs"`
	Metadata     Metadata                        `json:"metadata"`
}

// Metadata describes how a run went.
type Metadata struct {
	ProcessingTimeSeconds float64   `json:"processing_time_seconds"`
	ToolInvocations       int       `json:"tool_invocations"`
	Errors                []string  `json:"errors"`
	StartTime             time.Time `json:"start_time"`
	EndTime               time.Time `json:"end_time"`
	// Degraded is true when Errors is non-empty.
	Degraded bool `json:"degraded"`
}

// Output returns the output recorded for stage. Every stage has an entry;
// a stage that failed without substitution has an empty one.
func (r *Result) Output(stage kernel.Stage) map[string]any {
	return r.StageOutputs[stage]
}

func newResult(run kernel.Run, start, end time.Time) *Result {
	outputs := make(map[kernel.Stage]map[string]any, len(kernel.Stages()))
	for _, s := range kernel.Stages() {
		out, ok := run.Output(s)
		if !ok || out == nil {
			out = map[string]any{}
		}
		outputs[s] = typeutil.DeepCopyMap(out)
	}

	errs := slices.Clone(run.Errors)
	if errs == nil {
		errs = []string{}
	}

	return &Result{
		RunID:        run.RunID,
		Input:        run.Input,
		StageOutputs: outputs,
		Metadata: Metadata{
			ProcessingTimeSeconds: end.Sub(start).Seconds(),
			ToolInvocations:       run.ToolInvocations,
			Errors:                errs,
			StartTime:             start.UTC(),
			EndTime:               end.UTC(),
			Degraded:              len(errs) > 0,
		},
	}
}
