package kernel

import (
	"fmt"
	"runtime/debug"
)

// Logger is the structured logging surface kernel utilities write to.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// PanicError is what a guarded operation returns instead of panicking.
type PanicError struct {
	Operation string
	Value     any
	Stack     string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s: %v", e.Operation, e.Value)
}

// SafeExecute runs fn and turns a panic into a logged *PanicError.
func SafeExecute(logger Logger, operation string, fn func() error) error {
	_, err := SafeExecuteWithResult(logger, operation, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// SafeExecuteWithResult is SafeExecute for functions that also return a
// value. A panic yields the zero T.
func SafeExecuteWithResult[T any](logger Logger, operation string, fn func() (T, error)) (result T, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		pe := &PanicError{Operation: operation, Value: r, Stack: string(debug.Stack())}
		if logger != nil {
			logger.Error("panic_recovered", "operation", operation, "panic", r, "stack", pe.Stack)
		}
		var zero T
		result, err = zero, pe
	}()
	return fn()
}
