package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs every message at debug level, tagged with its run
// when it has one, and failed deliveries at warn level.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a LoggingMiddleware. A nil logger discards output.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message", messageFields(message)...)
	return message, nil
}

func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed", append(messageFields(message), "error", err.Error())...)
	}
	return nil, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// CircuitState is the state of one message type's circuit.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half-open"
)

type circuit struct {
	state    CircuitState
	failures int
	openedAt time.Time
	probing  bool
}

// CircuitBreakerMiddleware refuses a message type with ErrCircuitOpen once
// threshold consecutive deliveries of it have failed. After cooldown a
// single probe is let through: success closes the circuit, failure opens it
// again for another cooldown.
//
// A threshold of zero never opens a circuit. Excluded types bypass the breaker.
type CircuitBreakerMiddleware struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	excluded  map[string]bool
	circuits  map[string]*circuit
	logger    Logger
	now       func() time.Time
}

// NewCircuitBreakerMiddleware creates a CircuitBreakerMiddleware.
func NewCircuitBreakerMiddleware(threshold int, cooldown time.Duration, excluded []string, logger Logger) *CircuitBreakerMiddleware {
	if logger == nil {
		logger = nopLogger{}
	}
	m := &CircuitBreakerMiddleware{
		threshold: threshold,
		cooldown:  cooldown,
		excluded:  make(map[string]bool, len(excluded)),
		circuits:  make(map[string]*circuit),
		logger:    logger,
		now:       time.Now,
	}
	for _, t := range excluded {
		m.excluded[t] = true
	}
	return m
}

func (m *CircuitBreakerMiddleware) circuitFor(msgType string) *circuit {
	c, ok := m.circuits[msgType]
	if !ok {
		c = &circuit{state: CircuitClosed}
		m.circuits[msgType] = c
	}
	return c
}

func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	msgType := GetMessageType(message)
	if m.excluded[msgType] {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(msgType)
	switch c.state {
	case CircuitOpen:
		if m.now().Sub(c.openedAt) < m.cooldown {
			return nil, busError(msgType, ErrCircuitOpen, "")
		}
		c.state = CircuitHalfOpen
		c.probing = true
		m.logger.Info("circuit_half_open", "message_type", msgType)
	case CircuitHalfOpen:
		if c.probing {
			return nil, busError(msgType, ErrCircuitOpen, "probe in flight")
		}
		c.probing = true
	}
	return message, nil
}

func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	msgType := GetMessageType(message)
	if m.excluded[msgType] {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(msgType)
	c.probing = false
	if err == nil {
		if c.state != CircuitClosed {
			m.logger.Info("circuit_closed", "message_type", msgType)
		}
		c.state = CircuitClosed
		c.failures = 0
		return nil, nil
	}

	c.failures++
	if c.state == CircuitHalfOpen || (m.threshold > 0 && c.failures >= m.threshold) {
		c.state = CircuitOpen
		c.openedAt = m.now()
		m.logger.Warn("circuit_opened", "message_type", msgType, "failures", c.failures)
	}
	return nil, nil
}

// State returns the circuit state of msgType. Unseen types are closed.
func (m *CircuitBreakerMiddleware) State(msgType string) CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.circuits[msgType]; ok {
		return c.state
	}
	return CircuitClosed
}

// Reset closes the circuit of msgType, or every circuit when msgType is "".
func (m *CircuitBreakerMiddleware) Reset(msgType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msgType == "" {
		m.circuits = make(map[string]*circuit)
		return
	}
	delete(m.circuits, msgType)
}

var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
