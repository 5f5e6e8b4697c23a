package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FACTORY TESTS
// =============================================================================

func TestNewRequest(t *testing.T) {
	ctx := map[string]any{ContextKeyRunID: "run-1"}
	data := map[string]any{"source": "paperA"}

	req := NewRequest("coordinator", "reader", ActionExtract, data, ctx)

	assert.NotEmpty(t, req.ID)
	assert.Equal(t, "coordinator", req.Sender)
	assert.Equal(t, "reader", req.Receiver)
	assert.Equal(t, KindRequest, req.Kind)
	assert.Equal(t, ActionExtract, req.Action())
	assert.Equal(t, data, req.Payload.Data)
	assert.Equal(t, ctx, req.Context)
	assert.Equal(t, "run-1", req.RunID())
	assert.False(t, req.Timestamp.IsZero())
	assert.NoError(t, req.Validate())
}

func TestNewRequestNilContext(t *testing.T) {
	req := NewRequest("coordinator", "reader", ActionExtract, nil, nil)

	require.NotNil(t, req.Context)
	assert.Empty(t, req.Context)
	assert.Equal(t, "", req.RunID())
}

func TestReplyPreservesActionAndContext(t *testing.T) {
	actions := Actions()
	for _, action := range actions {
		t.Run(string(action), func(t *testing.T) {
			ctx := map[string]any{
				ContextKeyRunID: "run-42",
				"trace":         map[string]any{"span": "abc"},
			}
			req := NewRequest("coordinator", "stage", action, map[string]any{"k": "v"}, ctx)

			resp := NewResponse(req, "stage", map[string]any{"ok": true})
			errEnv := NewError(req, "stage", "boom")

			for _, reply := range []*Envelope{resp, errEnv} {
				assert.Equal(t, req.Context, reply.Context)
				assert.Equal(t, req.Action(), reply.Action())
				assert.Equal(t, "coordinator", reply.Receiver)
				assert.Equal(t, "stage", reply.Sender)
				assert.NotEqual(t, req.ID, reply.ID)
				assert.NoError(t, reply.Validate())
			}

			assert.Equal(t, KindResponse, resp.Kind)
			assert.Equal(t, map[string]any{"ok": true}, resp.Payload.Data)
			assert.Equal(t, KindError, errEnv.Kind)
			assert.Equal(t, "boom", errEnv.Payload.Error)
		})
	}
}

func TestReplyContextIsNotAliased(t *testing.T) {
	req := NewRequest("coordinator", "stage", ActionCritique, nil, map[string]any{ContextKeyRunID: "run-1"})
	resp := NewResponse(req, "stage", nil)

	resp.Context[ContextKeyRunID] = "tampered"

	assert.Equal(t, "run-1", req.RunID())
}

func TestNewResponseNilDataBecomesEmpty(t *testing.T) {
	req := NewRequest("coordinator", "stage", ActionSynthesize, nil, nil)
	resp := NewResponse(req, "stage", nil)

	require.NotNil(t, resp.Payload.Data)
	assert.Empty(t, resp.Payload.Data)
}

func TestNewErrorWithoutRequest(t *testing.T) {
	errEnv := NewError(nil, "stage", "no request")

	assert.Equal(t, KindError, errEnv.Kind)
	assert.Equal(t, Action(""), errEnv.Action())
	assert.Empty(t, errEnv.Context)
	assert.NoError(t, errEnv.Validate())
}

// =============================================================================
// VALIDATION TESTS
// =============================================================================

func TestValidate(t *testing.T) {
	valid := NewRequest("a", "b", ActionExtract, nil, nil)

	tests := []struct {
		name    string
		mutate  func(e *Envelope)
		wantErr error
	}{
		{"valid", func(e *Envelope) {}, nil},
		{"missing id", func(e *Envelope) { e.ID = "" }, ErrMissingID},
		{"bad kind", func(e *Envelope) { e.Kind = "notice" }, ErrInvalidKind},
		{"bad action", func(e *Envelope) { e.Payload.Action = "summarize" }, ErrInvalidAction},
		{"error without text", func(e *Envelope) { e.Kind = KindError }, ErrMissingError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid.Clone()
			tt.mutate(e)
			err := e.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Find-Citations ")
	require.NoError(t, err)
	assert.Equal(t, ActionFindCitations, a)

	_, err = ParseAction("analyze_paper")
	assert.Error(t, err)
}

// =============================================================================
// WIRE FORMAT TESTS
// =============================================================================

func TestJSONWireShape(t *testing.T) {
	req := NewRequest("coordinator", "critic", ActionCritique, map[string]any{"paper_content": map[string]any{}}, map[string]any{ContextKeyRunID: "r"})
	errEnv := NewError(req, "critic", "llm unavailable")

	raw, err := json.Marshal(errEnv)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "error", decoded["message_type"])
	payload := decoded["payload"].(map[string]any)
	assert.Equal(t, "critique", payload["action"])
	assert.Equal(t, "llm unavailable", payload["error"])
	assert.NotContains(t, payload, "data")

	var back Envelope
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, *errEnv, back)
}
