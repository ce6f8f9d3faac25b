// Package commbus provides the in-process communication bus.
//
// The bus carries three kinds of traffic between kernel components:
// events (fan-out to subscribers), commands (single handler,
// fire-and-forget) and queries (single handler, request-response with
// a timeout). Components depend on the protocols in this file, not on
// the InMemoryCommBus implementation.
package commbus

import "context"

// RiskLevel classifies the side effects of a tool operation. Agents
// declare it per tool; destructive operations require an explicit
// confirmation interrupt before they run.
type RiskLevel string

const (
	// RiskLevelReadOnly marks operations with no state mutation.
	RiskLevelReadOnly RiskLevel = "read_only"
	// RiskLevelWrite marks mutating operations that may need confirmation.
	RiskLevelWrite RiskLevel = "write"
	// RiskLevelDestructive marks irreversible operations. Confirmation is
	// mandatory.
	RiskLevelDestructive RiskLevel = "destructive"
)

// RequiresConfirmation reports whether an operation at this risk level
// must pause for user approval.
func (r RiskLevel) RequiresConfirmation() bool {
	return r == RiskLevelDestructive
}

// Message is anything the bus can carry. Category names the routing
// category: "event", "query", or "command".
type Message interface {
	Category() string
}

// Query marks messages that expect a response. IsQuery exists only to
// separate queries from events and commands at compile time.
type Query interface {
	Message
	IsQuery()
}

// Handler processes a message and, for queries, returns the response.
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages around handling. Logging, metrics,
// and circuit breaking are implemented as middleware.
//
// Before runs ahead of the handler and may return a modified message,
// nil to silently drop the message, or an error to reject it. After
// runs once the handler finishes, in reverse registration order, and
// may return a modified result.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Logger is the structured logging protocol the bus and its middleware
// write to. Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// CommBus is the bus contract.
//
// Publish fans an event out to every subscriber. Send routes a command
// to its single handler, fire-and-forget. QuerySync routes a query to
// its single handler and waits for the result.
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe registers an event subscriber and returns the matching
	// unsubscribe function.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler binds the single handler for a command or query
	// type. A second registration for the same type fails.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware appends middleware. Before hooks run in registration
	// order.
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	GetSubscribers(eventType string) []HandlerFunc

	// Clear removes all handlers, subscribers, and middleware.
	Clear()
}
