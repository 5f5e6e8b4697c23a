package commbus

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCategories(t *testing.T) {
	tests := []struct {
		msg      Message
		category string
		typ      string
	}{
		{&RunStarted{}, "event", "RunStarted"},
		{&StageStarted{}, "event", "StageStarted"},
		{&StageCompleted{}, "event", "StageCompleted"},
		{&StageTransition{}, "event", "StageTransition"},
		{&RunCompleted{}, "event", "RunCompleted"},
		{&GetCheckpoint{}, "query", "GetCheckpoint"},
		{&ListCheckpoints{}, "query", "ListCheckpoints"},
	}

	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.category, tt.msg.Category())
			assert.Equal(t, tt.typ, GetMessageType(tt.msg))
		})
	}
}

func TestQueriesImplementQuery(t *testing.T) {
	var _ Query = &GetCheckpoint{}
	var _ Query = &ListCheckpoints{}
}

type customMessage struct{}

func (customMessage) Category() string    { return "event" }
func (customMessage) MessageType() string { return "ResumeRun" }

type anonymousMessage struct{}

func (anonymousMessage) Category() string { return "event" }

func TestGetMessageTypeCustomAndUnknown(t *testing.T) {
	assert.Equal(t, "ResumeRun", GetMessageType(customMessage{}))
	assert.Equal(t, "Unknown", GetMessageType(anonymousMessage{}))
}

func TestStageCompletedJSON(t *testing.T) {
	errText := "citation stage failed: timeout"
	data, err := json.Marshal(&StageCompleted{
		RunID:      "run-1",
		Stage:      "citation",
		Status:     StageStatusSubstituted,
		DurationMS: 12,
		Error:      &errText,
	})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "substituted", decoded["status"])
	assert.Equal(t, errText, decoded["error"])

	data, err = json.Marshal(&StageCompleted{RunID: "run-1", Status: StageStatusSuccess})
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"error"`)
}

func TestMessageFields(t *testing.T) {
	assert.Equal(t,
		[]any{"message_type", "StageStarted", "category", "event", "run_id", "run-1"},
		messageFields(&StageStarted{RunID: "run-1"}))
	assert.Equal(t,
		[]any{"message_type", "ListCheckpoints", "category", "query"},
		messageFields(&ListCheckpoints{Limit: 5}))
}

func TestBusError(t *testing.T) {
	err := busError("GetCheckpoint", ErrQueryTimeout, "1.5s")
	assert.Equal(t, "GetCheckpoint: query timed out (1.5s)", err.Error())
	assert.ErrorIs(t, err, ErrQueryTimeout)
	assert.NotErrorIs(t, err, ErrNoHandler)

	assert.Equal(t, "X: handler already registered", busError("X", ErrDuplicateHandler, "").Error())
}
