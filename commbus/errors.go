package commbus

import (
	"fmt"
	"time"
)

// CommBusError wraps a bus-level failure with an optional cause.
// errors.Is and errors.As reach the cause through Unwrap.
type CommBusError struct {
	Message string
	Cause   error
}

func (e *CommBusError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *CommBusError) Unwrap() error { return e.Cause }

// NoHandlerError reports a query or command sent to a message type with
// no registered handler.
type NoHandlerError struct {
	MessageType string
}

func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

// HandlerAlreadyRegisteredError reports a second registration for a
// message type that only admits one handler.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

// QueryTimeoutError reports a query whose handler did not answer within
// the timeout, given in seconds.
type QueryTimeoutError struct {
	MessageType string
	Timeout     float64
}

func NewQueryTimeoutError(messageType string, timeout float64) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %.2fs", e.MessageType, e.Timeout)
}

// CircuitOpenError reports a message rejected by an open circuit
// breaker. Callers branch on this type to tell breaker rejections apart
// from handler errors. RetryAfter is zero when the reopen time is not
// known.
type CircuitOpenError struct {
	MessageType string
	RetryAfter  time.Duration
}

func NewCircuitOpenError(messageType string, retryAfter time.Duration) *CircuitOpenError {
	return &CircuitOpenError{MessageType: messageType, RetryAfter: retryAfter}
}

func (e *CircuitOpenError) Error() string {
	if e.RetryAfter <= 0 {
		return fmt.Sprintf("circuit open for %s", e.MessageType)
	}
	return fmt.Sprintf("circuit open for %s, retry after %s", e.MessageType, e.RetryAfter.Round(time.Millisecond))
}
