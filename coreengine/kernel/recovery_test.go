package kernel

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Logger
// =============================================================================

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, level+": "+msg)
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) { l.record("DEBUG", msg) }
func (l *testLogger) Info(msg string, keysAndValues ...any)  { l.record("INFO", msg) }
func (l *testLogger) Warn(msg string, keysAndValues ...any)  { l.record("WARN", msg) }
func (l *testLogger) Error(msg string, keysAndValues ...any) { l.record("ERROR", msg) }

func (l *testLogger) contains(fragment string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, log := range l.logs {
		if strings.Contains(log, fragment) {
			return true
		}
	}
	return false
}

// =============================================================================
// SafeExecute
// =============================================================================

func TestSafeExecute_Success(t *testing.T) {
	err := SafeExecute(&testLogger{}, "test_operation", func() error {
		return nil
	})

	assert.NoError(t, err)
}

func TestSafeExecute_Error(t *testing.T) {
	expectedErr := errors.New("test error")

	err := SafeExecute(&testLogger{}, "test_operation", func() error {
		return expectedErr
	})

	assert.Equal(t, expectedErr, err)
}

func TestSafeExecute_Panic(t *testing.T) {
	logger := &testLogger{}

	err := SafeExecute(logger, "test_operation", func() error {
		panic("test panic")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic in test_operation")
	assert.Contains(t, err.Error(), "test panic")

	var panicErr *PanicError
	require.ErrorAs(t, err, &panicErr)
	assert.Equal(t, "test_operation", panicErr.Operation)
	assert.Equal(t, "test panic", panicErr.Value)
	assert.NotEmpty(t, panicErr.Stack)

	assert.True(t, logger.contains("panic_recovered"), "expected panic_recovered log entry")
}

func TestSafeExecute_NilLogger(t *testing.T) {
	err := SafeExecute(nil, "test_operation", func() error {
		panic("test panic")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "panic")
}

func TestSafeExecuteWithResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		result, err := SafeExecuteWithResult(&testLogger{}, "op", func() (int, error) {
			return 42, nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 42, result)
	})

	t.Run("error", func(t *testing.T) {
		expectedErr := errors.New("test error")
		result, err := SafeExecuteWithResult(&testLogger{}, "op", func() (int, error) {
			return 7, expectedErr
		})
		assert.Equal(t, expectedErr, err)
		assert.Equal(t, 7, result)
	})

	t.Run("panic returns zero value", func(t *testing.T) {
		result, err := SafeExecuteWithResult(&testLogger{}, "op", func() (map[string]any, error) {
			var m map[string]any
			m["boom"] = 1
			return m, nil
		})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "panic in op")
		assert.Nil(t, result)
	})
}
