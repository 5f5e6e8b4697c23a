package agents

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/reviewcore/coreengine/envelope"
	"github.com/jeeves-cluster-organization/reviewcore/coreengine/kernel"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// MockLogger implements Logger for testing.
type MockLogger struct {
	mu         sync.Mutex
	infoCalls  []string
	debugCalls []string
	warnCalls  []string
	errorCalls []string
}

func (m *MockLogger) Info(msg string, fields ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoCalls = append(m.infoCalls, msg)
}

func (m *MockLogger) Debug(msg string, fields ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugCalls = append(m.debugCalls, msg)
}

func (m *MockLogger) Warn(msg string, fields ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnCalls = append(m.warnCalls, msg)
}

func (m *MockLogger) Error(msg string, fields ...any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorCalls = append(m.errorCalls, msg)
}

func (m *MockLogger) Bind(fields ...any) Logger { return m }

func newRequest(action envelope.Action, data map[string]any) *envelope.Envelope {
	return envelope.NewRequest("coordinator", "stage", action, data, map[string]any{envelope.ContextKeyRunID: "run-1"})
}

func echoHandler(ctx context.Context, data map[string]any) (map[string]any, error) {
	return map[string]any{"echo": data}, nil
}

// =============================================================================
// ADAPTER TESTS
// =============================================================================

func TestNewAdapter_Validation(t *testing.T) {
	_, err := NewAdapter("ranking", echoHandler)
	assert.Error(t, err)

	_, err = NewAdapter(kernel.StageCritique, nil)
	assert.Error(t, err)

	a, err := NewAdapter(kernel.StageCitation, echoHandler)
	require.NoError(t, err)
	assert.Equal(t, kernel.StageCitation, a.Name())
	assert.Equal(t, envelope.ActionFindCitations, a.Action())
	assert.Equal(t, "citer", a.Sender())
}

func TestAdapter_Success(t *testing.T) {
	logger := &MockLogger{}
	a, err := NewAdapter(kernel.StageExtraction, echoHandler, WithName("reader-1"), WithLogger(logger))
	require.NoError(t, err)

	req := newRequest(envelope.ActionExtract, map[string]any{"source": "paperA"})
	resp := a.Process(context.Background(), req)

	require.NotNil(t, resp)
	assert.Equal(t, envelope.KindResponse, resp.Kind)
	assert.Equal(t, req.Action(), resp.Action())
	assert.Equal(t, req.Context, resp.Context)
	assert.Equal(t, "reader-1", resp.Sender)
	assert.Equal(t, "coordinator", resp.Receiver)
	assert.Equal(t, map[string]any{"echo": map[string]any{"source": "paperA"}}, resp.Payload.Data)
	assert.Contains(t, logger.infoCalls, "stage_completed")
}

func TestAdapter_HandlerReceivesPrivateCopy(t *testing.T) {
	a, err := NewAdapter(kernel.StageCritique, func(ctx context.Context, data map[string]any) (map[string]any, error) {
		data["paper_content"].(map[string]any)["title"] = "mutated"
		return map[string]any{}, nil
	})
	require.NoError(t, err)

	req := newRequest(envelope.ActionCritique, map[string]any{"paper_content": map[string]any{"title": "X"}})
	a.Process(context.Background(), req)

	assert.Equal(t, "X", req.Payload.Data["paper_content"].(map[string]any)["title"])
}

func TestAdapter_NeverPropagatesFailures(t *testing.T) {
	tests := []struct {
		name      string
		handler   Handler
		req       *envelope.Envelope
		wantError string
	}{
		{
			name:      "handler error",
			handler:   func(context.Context, map[string]any) (map[string]any, error) { return nil, errors.New("llm unavailable") },
			req:       newRequest(envelope.ActionSynthesize, nil),
			wantError: "llm unavailable",
		},
		{
			name:      "handler panic",
			handler:   func(context.Context, map[string]any) (map[string]any, error) { panic("index out of range") },
			req:       newRequest(envelope.ActionSynthesize, nil),
			wantError: "panic in synthesis_handler: index out of range",
		},
		{
			name:      "wrong action",
			handler:   echoHandler,
			req:       newRequest(envelope.ActionExtract, nil),
			wantError: "unknown action: extract",
		},
		{
			name:      "wrong kind",
			handler:   echoHandler,
			req:       envelope.NewResponse(newRequest(envelope.ActionSynthesize, nil), "x", nil),
			wantError: "protocol error: expected request envelope",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := NewAdapter(kernel.StageSynthesis, tt.handler)
			require.NoError(t, err)

			var out *envelope.Envelope
			require.NotPanics(t, func() { out = a.Process(context.Background(), tt.req) })

			require.NotNil(t, out)
			assert.Equal(t, envelope.KindError, out.Kind)
			assert.Contains(t, out.Payload.Error, tt.wantError)
			assert.Equal(t, tt.req.Action(), out.Action())
			assert.Equal(t, tt.req.Context, out.Context)
		})
	}
}

func TestAdapter_NilRequest(t *testing.T) {
	a, err := NewAdapter(kernel.StageSynthesis, echoHandler)
	require.NoError(t, err)

	out := a.Process(context.Background(), nil)

	require.NotNil(t, out)
	assert.True(t, out.IsError())
	assert.Contains(t, out.Payload.Error, "nil request envelope")
}

func TestAdapter_NilOutputBecomesEmpty(t *testing.T) {
	a, err := NewAdapter(kernel.StageCitation, func(context.Context, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	require.NoError(t, err)

	resp := a.Process(context.Background(), newRequest(envelope.ActionFindCitations, nil))

	assert.True(t, resp.IsResponse())
	assert.NotNil(t, resp.Payload.Data)
	assert.Empty(t, resp.Payload.Data)
}

func TestDefaultReceiver(t *testing.T) {
	assert.Equal(t, "reader", DefaultReceiver(kernel.StageExtraction))
	assert.Equal(t, "critic", DefaultReceiver(kernel.StageCritique))
	assert.Equal(t, "citer", DefaultReceiver(kernel.StageCitation))
	assert.Equal(t, "meta-reviewer", DefaultReceiver(kernel.StageSynthesis))
}
