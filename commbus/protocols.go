// Package commbus provides the in-process communication bus.
//
// The coordinator publishes run lifecycle events on the bus and other
// components read checkpoints through bus queries instead of touching the
// store directly.
//
// Message categories:
//   - event: fire-and-forget, fan-out to all subscribers
//   - query: request-response, single handler
package commbus

import (
	"context"
)

// Message is implemented by every bus message.
type Message interface {
	// Category returns "event" or "query".
	Category() string
}

// Query is a message answered by exactly one handler.
type Query interface {
	Message
	IsQuery()
}

// TypedMessage lets a message outside this package name its routing type.
type TypedMessage interface {
	Message
	MessageType() string
}

// HandlerFunc handles a message. Subscribers' results are ignored.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware wraps message delivery.
type Middleware interface {
	// Before runs ahead of delivery. It may replace the message, return nil
	// to drop it, or fail the delivery with an error.
	Before(ctx context.Context, message Message) (Message, error)

	// After runs once delivery finished, with the handler result and error.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the bus surface the coordinator and query users depend on.
type CommBus interface {
	// Publish delivers an event to every subscriber of its type.
	Publish(ctx context.Context, event Message) error
	// QuerySync asks the single handler of a query type and waits for the answer.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe returns an unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()
	// RegisterHandler allows only one handler per message type.
	RegisterHandler(messageType string, handler HandlerFunc) error
	// AddMiddleware appends middleware; it runs in registration order.
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
}

// Logger is the structured logging surface the bus writes to.
// observability.Logger satisfies it.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
