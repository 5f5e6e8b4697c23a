// Package kernel holds the review run state machine.
//
// Key concepts:
//   - Stage: one of the four fixed pipeline stages, in order
//   - Phase: run lifecycle (initialized -> extracting -> ... -> completed | failed)
//   - Policy: how a stage failure is folded into the run (hard or soft)
//   - Run: an immutable snapshot; every transition returns a new Run
package kernel

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
)

// =============================================================================
// Stages
// =============================================================================

// Stage names a pipeline stage. Stage names double as stage output keys.
type Stage string

const (
	StageExtraction Stage = "extraction"
	StageCritique   Stage = "critique"
	StageCitation   Stage = "citation"
	StageSynthesis  Stage = "synthesis"
)

var stageOrder = []Stage{StageExtraction, StageCritique, StageCitation, StageSynthesis}

// Stages returns every stage in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// IsValid reports whether s is a known stage.
func (s Stage) IsValid() bool {
	return s.Index() >= 0
}

// Index returns the position of s in the pipeline, or -1 if unknown.
func (s Stage) Index() int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Predecessor returns the stage that must complete before s.
// The first stage has no predecessor.
func (s Stage) Predecessor() (Stage, bool) {
	i := s.Index()
	if i <= 0 {
		return "", false
	}
	return stageOrder[i-1], true
}

// Action returns the envelope action the stage dispatches on.
func (s Stage) Action() envelope.Action {
	switch s {
	case StageExtraction:
		return envelope.ActionExtract
	case StageCritique:
		return envelope.ActionCritique
	case StageCitation:
		return envelope.ActionFindCitations
	case StageSynthesis:
		return envelope.ActionSynthesize
	}
	return ""
}

// StageForAction returns the stage that serves action.
func StageForAction(action envelope.Action) (Stage, bool) {
	for _, s := range stageOrder {
		if s.Action() == action {
			return s, true
		}
	}
	return "", false
}

// ParseStage parses a stage name.
func ParseStage(value string) (Stage, error) {
	s := Stage(strings.ToLower(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid stage '%s'. Must be one of: extraction, critique, citation, synthesis", value)
	}
	return s, nil
}

// =============================================================================
// Source Kinds
// =============================================================================

// SourceKind tags what the source locator refers to.
type SourceKind string

const (
	// SourceDocument is a path or URL to a document.
	SourceDocument SourceKind = "document"
	// SourceExternalID is an identifier in an external catalogue.
	SourceExternalID SourceKind = "external-id"
)

// IsValid reports whether k is a known source kind.
func (k SourceKind) IsValid() bool {
	return k == SourceDocument || k == SourceExternalID
}

// ParseSourceKind parses a source kind tag.
func ParseSourceKind(value string) (SourceKind, error) {
	k := SourceKind(strings.ToLower(strings.TrimSpace(value)))
	if !k.IsValid() {
		return "", fmt.Errorf("invalid source kind '%s'. Must be one of: document, external-id", value)
	}
	return k, nil
}

// =============================================================================
// Phases
// =============================================================================

// Phase is the run lifecycle state.
//
//	initialized -> extracting -> analyzing -> citing -> synthesizing -> completed
//	any non-terminal phase -> failed
type Phase string

const (
	PhaseInitialized  Phase = "initialized"
	PhaseExtracting   Phase = "extracting"
	PhaseAnalyzing    Phase = "analyzing"
	PhaseCiting       Phase = "citing"
	PhaseSynthesizing Phase = "synthesizing"
	PhaseCompleted    Phase = "completed"
	PhaseFailed       Phase = "failed"
)

// IsTerminal returns true if no further transition is allowed.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// PhaseForStage returns the phase a run is in while stage executes.
func PhaseForStage(s Stage) Phase {
	switch s {
	case StageExtraction:
		return PhaseExtracting
	case StageCritique:
		return PhaseAnalyzing
	case StageCitation:
		return PhaseCiting
	case StageSynthesis:
		return PhaseSynthesizing
	}
	return ""
}

// validTransitions defines allowed phase transitions.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseInitialized: {
		PhaseExtracting: true,
		PhaseFailed:     true,
	},
	PhaseExtracting: {
		PhaseAnalyzing: true,
		PhaseFailed:    true,
	},
	PhaseAnalyzing: {
		PhaseCiting: true,
		PhaseFailed: true,
	},
	PhaseCiting: {
		PhaseSynthesizing: true,
		PhaseFailed:       true,
	},
	PhaseSynthesizing: {
		PhaseCompleted: true,
		PhaseFailed:    true,
	},
	PhaseCompleted: {},
	PhaseFailed:    {},
}

// IsValidTransition checks if a phase transition is valid.
func IsValidTransition(from, to Phase) bool {
	if targets, ok := validTransitions[from]; ok {
		return targets[to]
	}
	return false
}

// =============================================================================
// Failure Policy
// =============================================================================

// Policy decides what happens to a stage's output when the stage fails.
type Policy string

const (
	// PolicyHard records the error and leaves the stage without output.
	// Downstream stages still run against whatever state exists.
	PolicyHard Policy = "hard"
	// PolicySoft records the error and substitutes an empty output.
	PolicySoft Policy = "soft"
)

// IsValid reports whether p is a known policy.
func (p Policy) IsValid() bool {
	return p == PolicyHard || p == PolicySoft
}

// DefaultPolicy returns the failure policy a stage uses when none is configured.
func DefaultPolicy(s Stage) Policy {
	if s == StageCitation {
		return PolicySoft
	}
	return PolicyHard
}
