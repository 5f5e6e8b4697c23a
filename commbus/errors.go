package commbus

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHandler is returned by QuerySync when no handler answers the query type.
	ErrNoHandler = errors.New("no handler registered")
	// ErrDuplicateHandler is returned when a second handler is registered for a type.
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrQueryTimeout is returned when a handler does not answer within the bus timeout.
	ErrQueryTimeout = errors.New("query timed out")
	// ErrDropped is returned when middleware drops a query before its handler ran.
	ErrDropped = errors.New("dropped by middleware")
	// ErrCircuitOpen is returned while the circuit for a message type is open.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrSubscriberPanic records a recovered subscriber panic.
	ErrSubscriberPanic = errors.New("subscriber panicked")
)

// BusError ties one of the sentinel errors above to the message type it
// concerns. Match it with errors.Is against the sentinel.
type BusError struct {
	MessageType string
	Err         error
	// Detail is optional context, e.g. the timeout or the panic value.
	Detail string
}

func (e *BusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v (%s)", e.MessageType, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.MessageType, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

func busError(messageType string, err error, detail string) *BusError {
	return &BusError{MessageType: messageType, Err: err, Detail: detail}
}
