package commbus

import (
	"context"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"golang.org/x/sync/errgroup"
)

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is the single-process CommBus.
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//	bus.Subscribe("NodeCompleted", streamHandler)
//	bus.RegisterHandler("HealthCheckRequest", healthHandler)
//	bus.Publish(ctx, &NodeCompleted{...})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	nextID       uint64
	logger       logging.Logger
	mu           sync.RWMutex
}

// NewInMemoryCommBus creates a bus whose queries time out after queryTimeout.
func NewInMemoryCommBus(queryTimeout time.Duration, logger logging.Logger) *InMemoryCommBus {
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		queryTimeout: queryTimeout,
		logger:       logger.Bind("component", "commbus"),
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers an event to every subscriber concurrently and waits for
// them. A failing subscriber does not stop the others; its error is logged
// and handed to middleware, and Publish itself still returns nil.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processed, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("event_dropped", "event_type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := append([]subscription(nil), b.subscribers[eventType]...)
	b.mu.RUnlock()

	var g errgroup.Group
	for _, s := range subs {
		g.Go(func() error {
			if _, err := s.handler(ctx, processed); err != nil {
				b.logger.Warn("subscriber_failed", "event_type", eventType, "subscription", s.id, "error", err.Error())
				return err
			}
			return nil
		})
	}
	firstErr := g.Wait()

	_, _ = b.runMiddlewareAfter(ctx, event, nil, firstErr)
	return nil
}

// Send delivers a command to its handler and returns the handler's error.
// A command without a handler is logged and ignored.
func (b *InMemoryCommBus) Send(ctx context.Context, command Message) error {
	messageType := GetMessageType(command)

	processed, err := b.runMiddlewareBefore(ctx, command)
	if err != nil {
		return err
	}
	if processed == nil {
		b.logger.Debug("command_dropped", "message_type", messageType)
		return nil
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()
	if !exists {
		b.logger.Warn("command_unhandled", "message_type", messageType)
		return nil
	}

	_, handlerErr := handler(ctx, processed)
	if handlerErr != nil {
		b.logger.Warn("command_failed", "message_type", messageType, "error", handlerErr.Error())
	}
	_, _ = b.runMiddlewareAfter(ctx, command, nil, handlerErr)
	return handlerErr
}

// QuerySync sends a query and waits up to the query timeout for the answer.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, NewNoHandlerError(messageType)
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()
	if !exists {
		return nil, NewNoHandlerError(messageType)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)
	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := NewQueryTimeoutError(messageType, b.queryTimeout.Seconds())
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		final, mwErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if mwErr != nil {
			return final, mwErr
		}
		return final, res.err
	}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe adds a subscriber for eventType and returns its removal func.
// Calling the removal func more than once is harmless.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "event_type", eventType, "subscription", id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[eventType]
		for i, s := range subs {
			if s.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// RegisterHandler registers the single handler for a command or query type.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return NewHandlerAlreadyRegisteredError(messageType)
	}
	b.handlers[messageType] = handler
	return nil
}

// AddMiddleware appends middleware. Before runs in registration order, After
// in reverse.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// HasHandler checks if a handler is registered for a message type.
func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, exists := b.handlers[messageType]
	return exists
}

// SubscriberCount returns the number of live subscriptions for eventType.
func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[eventType])
}

// Clear removes all handlers, subscribers and middleware.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) snapshotMiddleware() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Middleware(nil), b.middleware...)
}

func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.snapshotMiddleware() {
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

func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	mws := b.snapshotMiddleware()
	current := result
	for i := len(mws) - 1; i >= 0; i-- {
		r, afterErr := mws[i].After(ctx, message, current, err)
		if afterErr != nil {
			err = afterErr
		}
		if r != nil {
			current = r
		}
	}
	return current, err
}

var _ CommBus = (*InMemoryCommBus)(nil)
