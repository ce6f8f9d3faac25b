// Package commbus middleware implementations.
//
// Available middleware:
//   - LoggingMiddleware: structured logging of all bus traffic
//   - CircuitBreakerMiddleware: per-message-type failure protection
package commbus

import (
	"context"
	"sync"
	"time"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic through the bus.
type LoggingMiddleware struct {
	logger Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger Logger) *LoggingMiddleware {
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	if m.logger != nil {
		m.logger.Debug("bus_message_received",
			"message_type", GetMessageType(message),
			"category", message.Category(),
		)
	}
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if m.logger == nil {
		return result, nil
	}
	msgType := GetMessageType(message)
	if err != nil {
		m.logger.Warn("bus_message_failed", "message_type", msgType, "error", err.Error())
	} else {
		m.logger.Debug("bus_message_completed", "message_type", msgType)
	}
	return result, nil
}

// =============================================================================
// CIRCUIT BREAKER MIDDLEWARE
// =============================================================================

// Circuit states.
const (
	circuitClosed   = "closed"
	circuitOpen     = "open"
	circuitHalfOpen = "half-open"
)

// CircuitBreakerState tracks per-message-type breaker state.
type CircuitBreakerState struct {
	Failures    int
	LastFailure time.Time
	State       string // "closed", "open", "half-open"
	probing     bool   // a half-open trial call is in flight
}

// CircuitBreakerMiddleware implements the circuit breaker pattern.
//
// Tracks consecutive failures per message type. After failureThreshold
// consecutive failures the circuit opens and messages of that type are
// rejected with *CircuitOpenError. Once resetTimeout has elapsed the
// circuit goes half-open and admits a single trial call: success closes
// the circuit, failure reopens it. A threshold of zero disables the
// breaker, and excluded types always bypass it.
type CircuitBreakerMiddleware struct {
	failureThreshold int
	resetTimeout     time.Duration
	excludedTypes    map[string]struct{}
	states           map[string]*CircuitBreakerState
	logger           Logger
	mu               sync.Mutex
}

// NewCircuitBreakerMiddleware creates a new CircuitBreakerMiddleware.
func NewCircuitBreakerMiddleware(failureThreshold int, resetTimeout time.Duration, excludedTypes []string, logger Logger) *CircuitBreakerMiddleware {
	excluded := make(map[string]struct{})
	for _, t := range excludedTypes {
		excluded[t] = struct{}{}
	}

	return &CircuitBreakerMiddleware{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		excludedTypes:    excluded,
		states:           make(map[string]*CircuitBreakerState),
		logger:           logger,
	}
}

// getState gets or creates state for a message type. Caller holds mu.
func (m *CircuitBreakerMiddleware) getState(msgType string) *CircuitBreakerState {
	if _, exists := m.states[msgType]; !exists {
		m.states[msgType] = &CircuitBreakerState{State: circuitClosed}
	}
	return m.states[msgType]
}

// Before rejects messages whose circuit is open.
func (m *CircuitBreakerMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	if m.failureThreshold <= 0 {
		return message, nil
	}

	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return message, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	now := time.Now()

	switch state.State {
	case circuitOpen:
		elapsed := now.Sub(state.LastFailure)
		if elapsed < m.resetTimeout {
			return nil, NewCircuitOpenError(msgType, m.resetTimeout-elapsed)
		}
		// Reset window elapsed, admit one trial call.
		state.State = circuitHalfOpen
		state.probing = true
		if m.logger != nil {
			m.logger.Info("circuit_half_open", "message_type", msgType)
		}

	case circuitHalfOpen:
		if state.probing {
			// Trial call still in flight, keep rejecting.
			return nil, NewCircuitOpenError(msgType, m.resetTimeout)
		}
		state.probing = true
	}

	return message, nil
}

// After updates circuit state based on the handler result.
func (m *CircuitBreakerMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if m.failureThreshold <= 0 {
		return result, nil
	}

	msgType := GetMessageType(message)
	if _, excluded := m.excludedTypes[msgType]; excluded {
		return result, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getState(msgType)
	state.probing = false

	if err != nil {
		state.Failures++
		state.LastFailure = time.Now()

		if state.State == circuitHalfOpen {
			state.State = circuitOpen
			if m.logger != nil {
				m.logger.Warn("circuit_reopened", "message_type", msgType)
			}
		} else if state.Failures >= m.failureThreshold {
			state.State = circuitOpen
			if m.logger != nil {
				m.logger.Warn("circuit_opened",
					"message_type", msgType,
					"failures", state.Failures,
				)
			}
		}
	} else {
		if state.State == circuitHalfOpen {
			state.State = circuitClosed
			if m.logger != nil {
				m.logger.Info("circuit_closed", "message_type", msgType)
			}
		}
		state.Failures = 0
	}

	return result, nil
}

// GetStates returns the current circuit state per message type.
func (m *CircuitBreakerMiddleware) GetStates() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make(map[string]string)
	for k, v := range m.states {
		result[k] = v.State
	}
	return result
}

// Reset resets breaker state for one message type, or all when nil.
func (m *CircuitBreakerMiddleware) Reset(msgType *string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msgType != nil {
		delete(m.states, *msgType)
	} else {
		m.states = make(map[string]*CircuitBreakerState)
	}
}

// Ensure all middleware types implement Middleware interface.
var (
	_ Middleware = (*LoggingMiddleware)(nil)
	_ Middleware = (*CircuitBreakerMiddleware)(nil)
)
