// Package testutil provides shared test utilities and mocks for integration tests.
//
// All mocks in this package are designed for testing the coreengine components
// in isolation without requiring external dependencies.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/agents"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/checkpoint"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/config"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// =============================================================================
// MOCK STAGE
// =============================================================================

// RespondFunc produces the reply envelope for a request.
type RespondFunc func(ctx context.Context, req *envelope.Envelope) *envelope.Envelope

// MockStage implements agents.Stage with a scripted reply.
type MockStage struct {
	// Stage is the pipeline stage the mock serves.
	Stage kernel.Stage

	// Respond builds the reply. Defaults to a response carrying Output.
	Respond RespondFunc

	// Output is returned as response data when Respond is nil.
	Output map[string]any

	// Delay simulates a slow stage. Cancellation of ctx cuts it short.
	Delay time.Duration

	// Requests records every request envelope received.
	Requests []*envelope.Envelope

	mu sync.Mutex
}

// NewMockStage creates a stage that answers every request with output.
func NewMockStage(stage kernel.Stage, output map[string]any) *MockStage {
	return &MockStage{Stage: stage, Output: output}
}

// NewFailingStage creates a stage that answers every request with an error envelope.
func NewFailingStage(stage kernel.Stage, errText string) *MockStage {
	return &MockStage{
		Stage: stage,
		Respond: func(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
			return envelope.NewError(req, agents.DefaultReceiver(stage), errText)
		},
	}
}

// NewPanickingStage creates a stage whose Process panics. Real adapters
// never do this; it exercises the coordinator's own guard.
func NewPanickingStage(stage kernel.Stage, value any) *MockStage {
	return &MockStage{
		Stage: stage,
		Respond: func(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
			panic(value)
		},
	}
}

// Name implements agents.Stage.
func (m *MockStage) Name() kernel.Stage { return m.Stage }

// Action implements agents.Stage.
func (m *MockStage) Action() envelope.Action { return m.Stage.Action() }

// Process implements agents.Stage.
func (m *MockStage) Process(ctx context.Context, req *envelope.Envelope) *envelope.Envelope {
	m.mu.Lock()
	m.Requests = append(m.Requests, req.Clone())
	respond := m.Respond
	output := m.Output
	delay := m.Delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return envelope.NewError(req, agents.DefaultReceiver(m.Stage), ctx.Err().Error())
		}
	}

	if respond != nil {
		return respond(ctx, req)
	}
	return envelope.NewResponse(req, agents.DefaultReceiver(m.Stage), output)
}

// CallCount returns the number of requests received.
func (m *MockStage) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}

// LastRequest returns the most recent request, or nil.
func (m *MockStage) LastRequest() *envelope.Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Requests) == 0 {
		return nil
	}
	return m.Requests[len(m.Requests)-1]
}

// =============================================================================
// STAGE SETS
// =============================================================================

// SampleOutputs returns one plausible output per stage.
func SampleOutputs() map[kernel.Stage]map[string]any {
	return map[kernel.Stage]map[string]any{
		kernel.StageExtraction: {
			"title":      "X",
			"abstract":   "We study things.",
			"references": []any{},
			"sections":   map[string]any{"introduction": "..."},
		},
		kernel.StageCritique: {
			"overall_score": 7.0,
			"strengths":     []any{"clear writing"},
		},
		kernel.StageCitation: {
			"related_papers": []any{map[string]any{"title": "Y"}},
		},
		kernel.StageSynthesis: {
			"executive_summary": "Solid paper.",
			"recommendation":    "accept",
		},
	}
}

// NewMockStages returns one MockStage per pipeline stage answering with
// SampleOutputs, in pipeline order.
func NewMockStages() []*MockStage {
	outputs := SampleOutputs()
	out := make([]*MockStage, 0, len(outputs))
	for _, s := range kernel.Stages() {
		out = append(out, NewMockStage(s, outputs[s]))
	}
	return out
}

// AsStages converts mocks to the agents.Stage slice a coordinator takes.
func AsStages(mocks []*MockStage) []agents.Stage {
	out := make([]agents.Stage, len(mocks))
	for i, m := range mocks {
		out[i] = m
	}
	return out
}

// NewAdapterStages builds the four real stage adapters over function
// collaborators. A stage listed in failures has its collaborator return that
// error; the others return their SampleOutputs entry.
func NewAdapterStages(logger agents.Logger, failures map[kernel.Stage]error) ([]agents.Stage, error) {
	outputs := SampleOutputs()
	result := func(stage kernel.Stage) (map[string]any, error) {
		if err := failures[stage]; err != nil {
			return nil, err
		}
		return outputs[stage], nil
	}

	extraction, err := agents.NewExtractionStage(agents.ExtractorFunc(func(ctx context.Context, req agents.ExtractRequest) (map[string]any, error) {
		return result(kernel.StageExtraction)
	}), agents.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	critique, err := agents.NewCritiqueStage(agents.CriticFunc(func(ctx context.Context, req agents.CritiqueRequest) (map[string]any, error) {
		return result(kernel.StageCritique)
	}), agents.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	citation, err := agents.NewCitationStage(agents.CitationFinderFunc(func(ctx context.Context, req agents.CitationRequest) (map[string]any, error) {
		return result(kernel.StageCitation)
	}), agents.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	synthesis, err := agents.NewSynthesisStage(agents.SynthesizerFunc(func(ctx context.Context, req agents.SynthesisRequest) (map[string]any, error) {
		return result(kernel.StageSynthesis)
	}), agents.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return []agents.Stage{extraction, critique, citation, synthesis}, nil
}

// =============================================================================
// MOCK CHECKPOINT STORE
// =============================================================================

// MockCheckpointStore implements checkpoint.Store and records every snapshot.
type MockCheckpointStore struct {
	// SaveError causes Save to return this error.
	SaveError error

	// LoadError causes Load to return this error.
	LoadError error

	// SaveCount tracks number of saves, including failed ones.
	SaveCount int

	// History holds every successfully saved snapshot per run, oldest first.
	History map[string][]kernel.Run

	mu sync.Mutex
}

// NewMockCheckpointStore creates a MockCheckpointStore.
func NewMockCheckpointStore() *MockCheckpointStore {
	return &MockCheckpointStore{History: make(map[string][]kernel.Run)}
}

// WithSaveError configures save to fail.
func (m *MockCheckpointStore) WithSaveError(err error) *MockCheckpointStore {
	m.SaveError = err
	return m
}

// Save implements checkpoint.Store.
func (m *MockCheckpointStore) Save(ctx context.Context, runID string, run kernel.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.SaveCount++
	if m.SaveError != nil {
		return m.SaveError
	}
	m.History[runID] = append(m.History[runID], run.Clone())
	return nil
}

// Load implements checkpoint.Store.
func (m *MockCheckpointStore) Load(ctx context.Context, runID string) (kernel.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.LoadError != nil {
		return kernel.Run{}, m.LoadError
	}
	h := m.History[runID]
	if len(h) == 0 {
		return kernel.Run{}, checkpoint.ErrNotFound
	}
	return h[len(h)-1].Clone(), nil
}

// Name reports the backend name used in metrics.
func (m *MockCheckpointStore) Name() string { return "mock" }

// Snapshots returns every saved snapshot for runID (thread-safe).
func (m *MockCheckpointStore) Snapshots(runID string) []kernel.Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]kernel.Run, len(m.History[runID]))
	copy(out, m.History[runID])
	return out
}

// GetSaveCount returns the number of Save calls (thread-safe).
func (m *MockCheckpointStore) GetSaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.SaveCount
}

var _ checkpoint.Store = (*MockCheckpointStore)(nil)

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements agents.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	mu sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns m; bound fields are not captured.
func (m *MockLogger) Bind(fields ...any) agents.Logger {
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	fields := make(map[string]any)
	for i := 0; i < len(keysAndValues)-1; i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}

	m.Logs = append(m.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make([]LogEntry, len(m.Logs))
	copy(copied, m.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	return m.CountLog(level, message) > 0
}

// CountLog counts log entries with the given level and message.
func (m *MockLogger) CountLog(level, message string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, log := range m.Logs {
		if log.Level == level && log.Message == message {
			n++
		}
	}
	return n
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Logs = nil
}

// =============================================================================
// CONFIG AND CLOCK HELPERS
// =============================================================================

// NewTestPipelineConfig returns the default pipeline with policy overrides.
func NewTestPipelineConfig(name string, policies map[kernel.Stage]kernel.Policy) *config.PipelineConfig {
	cfg := config.DefaultPipelineConfig()
	if name != "" {
		cfg.Name = name
	}
	for stage, policy := range policies {
		if sc := cfg.GetStage(stage); sc != nil {
			sc.Policy = policy
		}
	}
	return cfg
}

// StepClock returns a clock that starts at start and advances by step on
// every call.
func StepClock(start time.Time, step time.Duration) func() time.Time {
	var mu sync.Mutex
	next := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now := next
		next = next.Add(step)
		return now
	}
}

// SequentialIDs returns a generator producing prefix-1, prefix-2, ...
func SequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s-%d", prefix, n)
	}
}
