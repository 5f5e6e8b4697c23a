package commbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// InMemoryCommBus is a thread-safe in-process CommBus.
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//	bus.Subscribe("StageCompleted", progressHandler)
//	_ = bus.RegisterHandler("GetCheckpoint", checkpointHandler)
//
//	bus.Publish(ctx, &StageCompleted{...})
//	resp, _ := bus.QuerySync(ctx, &GetCheckpoint{RunID: id})
type InMemoryCommBus struct {
	mu           sync.RWMutex
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   chain
	nextSubID    uint64
	queryTimeout time.Duration
	logger       Logger
}

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// NewInMemoryCommBus creates a bus whose queries give up after queryTimeout.
// A nil logger discards bus diagnostics.
func NewInMemoryCommBus(queryTimeout time.Duration, logger Logger) *InMemoryCommBus {
	if logger == nil {
		logger = nopLogger{}
	}
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// Publish fans an event out to its subscribers and waits for all of them.
// Subscriber failures and panics are logged and handed to middleware After,
// never returned. Only a middleware refusing the event is returned.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)
	mw := b.middlewareChain()

	delivered, err := mw.before(ctx, event)
	if err != nil {
		return err
	}
	if delivered == nil {
		b.logger.Debug("commbus_event_dropped", messageFields(event)...)
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.RUnlock()

	failure := b.fanOut(ctx, eventType, subs, delivered)
	_, _ = mw.after(ctx, event, nil, failure)
	return nil
}

// fanOut runs every subscriber concurrently and joins their failures.
func (b *InMemoryCommBus) fanOut(ctx context.Context, eventType string, subs []subscription, event Message) error {
	if len(subs) == 0 {
		return nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					errs[i] = busError(eventType, ErrSubscriberPanic, fmt.Sprint(r))
					b.logger.Error("commbus_subscriber_panic", "message_type", eventType, "subscription", sub.id, "panic", r)
				}
			}()
			if _, err := sub.handler(ctx, event); err != nil {
				errs[i] = err
				b.logger.Warn("commbus_subscriber_failed", "message_type", eventType, "subscription", sub.id, "error", err.Error())
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// QuerySync sends a query to its handler and waits for the answer, bounded
// by the bus query timeout and ctx.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	queryType := GetMessageType(query)
	mw := b.middlewareChain()

	delivered, err := mw.before(ctx, query)
	if err != nil {
		return nil, err
	}
	if delivered == nil {
		return nil, busError(queryType, ErrDropped, "")
	}

	b.mu.RLock()
	handler, ok := b.handlers[queryType]
	b.mu.RUnlock()
	if !ok {
		return nil, busError(queryType, ErrNoHandler, "")
	}

	value, err := b.ask(ctx, queryType, handler, delivered)
	value, mwErr := mw.after(ctx, query, value, err)
	if mwErr != nil {
		return value, mwErr
	}
	return value, err
}

func (b *InMemoryCommBus) ask(parent context.Context, queryType string, handler HandlerFunc, query Message) (any, error) {
	ctx, cancel := context.WithTimeout(parent, b.queryTimeout)
	defer cancel()

	type answer struct {
		value any
		err   error
	}
	answered := make(chan answer, 1)
	go func() {
		v, err := handler(ctx, query)
		answered <- answer{v, err}
	}()

	select {
	case a := <-answered:
		return a.value, a.err
	case <-ctx.Done():
		if err := parent.Err(); err != nil {
			return nil, err
		}
		return nil, busError(queryType, ErrQueryTimeout, b.queryTimeout.String())
	}
}

// Subscribe adds handler for eventType and returns a function removing it.
// The returned function is safe to call more than once.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("commbus_subscribed", "message_type", eventType, "subscription", id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i := range subs {
			if subs[i].id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				b.logger.Debug("commbus_unsubscribed", "message_type", eventType, "subscription", id)
				return
			}
		}
	}
}

// RegisterHandler sets the single handler answering messageType.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.handlers[messageType]; ok {
		return busError(messageType, ErrDuplicateHandler, "")
	}
	b.handlers[messageType] = handler
	b.logger.Debug("commbus_handler_registered", "message_type", messageType)
	return nil
}

// AddMiddleware appends middleware to the delivery chain.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// HasHandler reports whether a query handler is registered for messageType.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.handlers[messageType]
	return ok
}

// SubscriberCount returns the number of live subscriptions for eventType.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

func (b *InMemoryCommBus) middlewareChain() chain {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append(chain(nil), b.middleware...)
}

// chain is an ordered middleware list. before runs front to back and stops
// at the first error or drop; after runs back to front.
type chain []Middleware

func (c chain) before(ctx context.Context, message Message) (Message, error) {
	for _, mw := range c {
		next, err := mw.Before(ctx, message)
		if err != nil || next == nil {
			return nil, err
		}
		message = next
	}
	return message, nil
}

func (c chain) after(ctx context.Context, message Message, result any, err error) (any, error) {
	var mwErr error
	for i := len(c) - 1; i >= 0; i-- {
		r, e := c[i].After(ctx, message, result, err)
		if e != nil {
			mwErr = e
		}
		if r != nil {
			result = r
		}
	}
	return result, mwErr
}

var _ CommBus = (*InMemoryCommBus)(nil)
