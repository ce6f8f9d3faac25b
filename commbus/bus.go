package commbus

import (
	"context"
	"sync"
	"time"
)

// subscription ties a subscriber to a removable identity so
// unsubscribe can find it again.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is the thread-safe CommBus for single-process
// deployments. It fans events out to subscribers, routes commands and
// queries to their single handler, bounds queries with a timeout, and
// threads every message through the middleware chain.
//
// Usage:
//
//	bus := NewInMemoryCommBus(30*time.Second, logger)
//
//	bus.RegisterHandler("GetPipelineStatus", statusHandler)
//	bus.Subscribe("AgentStarted", telemetryHandler)
//
//	bus.Publish(ctx, &AgentStarted{...})
//	status, _ := bus.QuerySync(ctx, &GetPipelineStatus{PID: pid})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	logger       Logger
	nextSubID    uint64
	mu           sync.RWMutex
}

// NewInMemoryCommBus creates a bus. A nil logger disables bus logging.
func NewInMemoryCommBus(queryTimeout time.Duration, logger Logger) *InMemoryCommBus {
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
		logger:       logger,
	}
}

// Publish fans an event out to its subscribers, which run concurrently.
// A failing subscriber is logged and never blocks the others. Middleware
// rejections (such as an open circuit) are returned to the caller; all
// other paths return nil.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.applyBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.debug("bus_event_dropped", "event_type", eventType)
		return nil
	}

	subs := b.subscriberSnapshot(eventType)
	if len(subs) == 0 {
		b.debug("bus_event_no_subscribers", "event_type", eventType)
		_, _ = b.applyAfter(ctx, event, nil, nil)
		return nil
	}

	errs := make([]error, len(subs))
	var wg sync.WaitGroup
	for i, sub := range subs {
		wg.Add(1)
		go func(idx int, h HandlerFunc) {
			defer wg.Done()
			_, subErr := h(ctx, processed)
			if subErr == nil {
				return
			}
			errs[idx] = subErr
			if b.logger != nil {
				b.logger.Warn("bus_subscriber_failed",
					"event_type", eventType,
					"subscriber", idx,
					"error", subErr.Error(),
				)
			}
		}(i, sub.handler)
	}
	wg.Wait()

	// First error feeds the after chain; Publish itself stays nil.
	var firstErr error
	for _, e := range errs {
		if e != nil {
			firstErr = e
			break
		}
	}
	_, _ = b.applyAfter(ctx, event, nil, firstErr)
	return nil
}

// Send routes a command to its handler. Commands are fire-and-forget;
// a missing handler is not an error.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.applyBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.debug("bus_command_dropped", "message_type", messageType)
		return nil
	}

	handler, ok := b.lookupHandler(messageType)
	if !ok {
		b.debug("bus_command_no_handler", "message_type", messageType)
		return nil
	}

	_, handlerErr := handler(ctx, processed)
	if handlerErr != nil && b.logger != nil {
		b.logger.Warn("bus_command_failed",
			"message_type", messageType,
			"error", handlerErr.Error(),
		)
	}
	_, _ = b.applyAfter(ctx, command, nil, handlerErr)
	return handlerErr
}

// QuerySync routes a query to its handler and waits for the response.
// Queries require a registered handler and are bounded by the bus query
// timeout. On timeout the handler goroutine is abandoned and a
// *QueryTimeoutError comes back.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.applyBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, NewNoHandlerError(messageType)
	}

	handler, ok := b.lookupHandler(messageType)
	if !ok {
		return nil, NewNoHandlerError(messageType)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type reply struct {
		value any
		err   error
	}
	// Buffered so an abandoned handler can still complete and exit.
	replies := make(chan reply, 1)
	go func() {
		v, e := handler(timeoutCtx, processed)
		replies <- reply{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		timeoutErr := NewQueryTimeoutError(messageType, b.queryTimeout.Seconds())
		_, _ = b.applyAfter(ctx, query, nil, timeoutErr)
		return nil, timeoutErr
	case res := <-replies:
		final, mwErr := b.applyAfter(ctx, query, res.value, res.err)
		if mwErr != nil {
			return final, mwErr
		}
		return final, res.err
	}
}

// Subscribe registers an event subscriber and returns the matching
// unsubscribe function.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextSubID++
	id := b.nextSubID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.debug("bus_subscribed", "event_type", eventType)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler binds the single handler for a message type. A second
// registration for the same type fails.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return NewHandlerAlreadyRegisteredError(messageType)
	}
	b.handlers[messageType] = handler
	b.debug("bus_handler_registered", "message_type", messageType)
	return nil
}

// AddMiddleware appends middleware. Before hooks run in registration
// order, After hooks in reverse.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// HasHandler reports whether a handler is bound to the message type.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// GetSubscribers returns the subscribers of an event type.
func (b *InMemoryCommBus) GetSubscribers(eventType string) []HandlerFunc {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subs := b.subscribers[eventType]
	out := make([]HandlerFunc, len(subs))
	for i, sub := range subs {
		out[i] = sub.handler
	}
	return out
}

// GetRegisteredTypes returns every message type with a handler or at
// least one subscription.
func (b *InMemoryCommBus) GetRegisteredTypes() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]struct{}, len(b.handlers)+len(b.subscribers))
	for t := range b.handlers {
		seen[t] = struct{}{}
	}
	for t := range b.subscribers {
		seen[t] = struct{}{}
	}

	types := make([]string, 0, len(seen))
	for t := range seen {
		types = append(types, t)
	}
	return types
}

// Clear removes all handlers, subscribers, and middleware. Meant for
// tests.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = make([]Middleware, 0)
}

func (b *InMemoryCommBus) debug(msg string, fields ...any) {
	if b.logger != nil {
		b.logger.Debug(msg, fields...)
	}
}

func (b *InMemoryCommBus) lookupHandler(messageType string) (HandlerFunc, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.handlers[messageType]
	return h, ok
}

func (b *InMemoryCommBus) subscriberSnapshot(eventType string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	subs := b.subscribers[eventType]
	out := make([]subscription, len(subs))
	copy(out, subs)
	return out
}

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	mws := make([]Middleware, len(b.middleware))
	copy(mws, b.middleware)
	return mws
}

// applyBefore runs the middleware before chain in registration order.
// A nil message from any middleware drops the message.
func (b *InMemoryCommBus) applyBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		next, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return nil, nil
		}
		current = next
	}
	return current, nil
}

// applyAfter runs the middleware after chain in reverse order.
func (b *InMemoryCommBus) applyAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.middlewareSnapshot()
	current := result
	for i := len(mws) - 1; i >= 0; i-- {
		next, afterErr := mws[i].After(ctx, message, current, err)
		if afterErr != nil {
			err = afterErr
		}
		if next != nil {
			current = next
		}
	}
	return current, err
}

var _ CommBus = (*InMemoryCommBus)(nil)
