// Package envelope provides the message envelope exchanged between the
// coordinator and stage implementations.
//
// An envelope is self-describing: it carries its own identity, the logical
// sender and receiver, a kind (request, response or error), the action the
// receiver dispatches on, an action-specific payload and an opaque context
// that is passed through unchanged from request to reply.
package envelope

import (
	"fmt"
	"strings"
)

// Kind is the envelope kind.
type Kind string

const (
	// KindRequest carries input data for a stage.
	KindRequest Kind = "request"
	// KindResponse carries a stage's result data.
	KindResponse Kind = "response"
	// KindError carries a description of a failed action.
	KindError Kind = "error"
)

// IsValid reports whether k is one of the known kinds.
func (k Kind) IsValid() bool {
	switch k {
	case KindRequest, KindResponse, KindError:
		return true
	}
	return false
}

// Action is the closed set of operations a stage can be asked to perform.
type Action string

const (
	ActionExtract       Action = "extract"
	ActionCritique      Action = "critique"
	ActionFindCitations Action = "find-citations"
	ActionSynthesize    Action = "synthesize"
)

// Actions returns every known action in pipeline order.
func Actions() []Action {
	return []Action{ActionExtract, ActionCritique, ActionFindCitations, ActionSynthesize}
}

// IsValid reports whether a is one of the known actions.
func (a Action) IsValid() bool {
	switch a {
	case ActionExtract, ActionCritique, ActionFindCitations, ActionSynthesize:
		return true
	}
	return false
}

// ParseAction parses an action tag.
func ParseAction(value string) (Action, error) {
	a := Action(strings.ToLower(strings.TrimSpace(value)))
	if !a.IsValid() {
		return "", fmt.Errorf("invalid action '%s'. Must be one of: extract, critique, find-citations, synthesize", value)
	}
	return a, nil
}
