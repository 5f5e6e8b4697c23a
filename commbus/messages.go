package commbus

import "time"

// MessageCategory represents message routing categories.
type MessageCategory string

const (
	MessageCategoryEvent MessageCategory = "event"
	MessageCategoryQuery MessageCategory = "query"
)

// Stage completion statuses carried by StageCompleted.
const (
	StageStatusSuccess     = "success"
	StageStatusError       = "error"
	StageStatusSubstituted = "substituted"
)

// Run completion statuses carried by RunCompleted.
const (
	RunStatusSuccess  = "success"
	RunStatusDegraded = "degraded"
	RunStatusFailed   = "failed"
)

// =============================================================================
// RUN LIFECYCLE EVENTS
// =============================================================================

// RunStarted is emitted once the coordinator has created a run.
type RunStarted struct {
	RunID         string    `json:"run_id"`
	Pipeline      string    `json:"pipeline"`
	SourceLocator string    `json:"source_locator"`
	SourceKind    string    `json:"source_kind"`
	StartedAt     time.Time `json:"started_at"`
}

// Category implements the Message interface.
func (m *RunStarted) Category() string { return string(MessageCategoryEvent) }

// StageStarted is emitted when a stage is entered, before the stage is called.
type StageStarted struct {
	RunID       string `json:"run_id"`
	Stage       string `json:"stage"`
	Action      string `json:"action"`
	StageNumber int    `json:"stage_number"`
}

// Category implements the Message interface.
func (m *StageStarted) Category() string { return string(MessageCategoryEvent) }

// StageCompleted is emitted after a stage result is folded into the run.
type StageCompleted struct {
	RunID      string  `json:"run_id"`
	Stage      string  `json:"stage"`
	Status     string  `json:"status"` // "success", "error", "substituted"
	DurationMS int     `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *StageCompleted) Category() string { return string(MessageCategoryEvent) }

// StageTransition is emitted when the run moves to a new phase.
type StageTransition struct {
	RunID     string `json:"run_id"`
	FromPhase string `json:"from_phase"`
	ToPhase   string `json:"to_phase"`
	Errors    int    `json:"errors"`
}

// Category implements the Message interface.
func (m *StageTransition) Category() string { return string(MessageCategoryEvent) }

// RunCompleted is emitted when a run finishes, successfully or not.
type RunCompleted struct {
	RunID           string  `json:"run_id"`
	Status          string  `json:"status"` // "success", "degraded", "failed"
	DurationMS      int     `json:"duration_ms"`
	ToolInvocations int     `json:"tool_invocations"`
	Errors          int     `json:"errors"`
	Error           *string `json:"error,omitempty"`
}

// Category implements the Message interface.
func (m *RunCompleted) Category() string { return string(MessageCategoryEvent) }

// =============================================================================
// CHECKPOINT QUERIES
// =============================================================================

// GetCheckpoint asks for the latest snapshot of a run.
type GetCheckpoint struct {
	RunID string `json:"run_id"`
}

// Category implements the Message interface.
func (m *GetCheckpoint) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *GetCheckpoint) IsQuery() {}

// CheckpointResponse answers GetCheckpoint. State is the run snapshot as a
// JSON-shaped map; Found is false when the store has no snapshot.
type CheckpointResponse struct {
	RunID string         `json:"run_id"`
	Found bool           `json:"found"`
	Phase string         `json:"phase,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

// ListCheckpoints asks for summaries of the most recently updated runs.
type ListCheckpoints struct {
	Limit int `json:"limit"`
}

// Category implements the Message interface.
func (m *ListCheckpoints) Category() string { return string(MessageCategoryQuery) }

// IsQuery implements the Query interface.
func (m *ListCheckpoints) IsQuery() {}

// GetMessageType returns the routing name of a message: the Go type name
// for the messages above, MessageType() for a TypedMessage, "Unknown" otherwise.
func GetMessageType(msg Message) string {
	switch m := msg.(type) {
	case TypedMessage:
		return m.MessageType()
	case *RunStarted:
		return "RunStarted"
	case *StageStarted:
		return "StageStarted"
	case *StageCompleted:
		return "StageCompleted"
	case *StageTransition:
		return "StageTransition"
	case *RunCompleted:
		return "RunCompleted"
	case *GetCheckpoint:
		return "GetCheckpoint"
	case *ListCheckpoints:
		return "ListCheckpoints"
	}
	return "Unknown"
}

// runIDOf returns the run a message concerns, or "" for messages that are
// not scoped to one run.
func runIDOf(msg Message) string {
	switch m := msg.(type) {
	case *RunStarted:
		return m.RunID
	case *StageStarted:
		return m.RunID
	case *StageCompleted:
		return m.RunID
	case *StageTransition:
		return m.RunID
	case *RunCompleted:
		return m.RunID
	case *GetCheckpoint:
		return m.RunID
	}
	return ""
}

// messageFields is the log context for one message.
func messageFields(msg Message) []any {
	kv := []any{"message_type", GetMessageType(msg), "category", msg.Category()}
	if runID := runIDOf(msg); runID != "" {
		kv = append(kv, "run_id", runID)
	}
	return kv
}
