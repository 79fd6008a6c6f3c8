// Package commbus is the in-process event bus that carries turn and node
// lifecycle events from the dispatcher to whoever is listening: the workflow
// stream, the audit trail and the logs.
//
// Three messaging patterns are supported:
//   - Publish(event): fan-out to every subscriber
//   - Send(command): single handler, no reply
//   - QuerySync(query): single handler, reply with timeout
package commbus

import (
	"context"
)

// Message is the protocol for all bus messages.
type Message interface {
	// Category returns "event", "query" or "command".
	Category() string
}

// Query is a message that expects a response.
type Query interface {
	Message
	IsQuery()
}

// Handler processes a message and optionally returns a response.
type Handler interface {
	Handle(ctx context.Context, message Message) (any, error)
}

// HandlerFunc is a function type that implements Handler.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Handle implements the Handler interface.
func (f HandlerFunc) Handle(ctx context.Context, message Message) (any, error) {
	return f(ctx, message)
}

// Middleware intercepts messages before and after handling.
type Middleware interface {
	// Before returns the message to deliver, or nil to drop it.
	Before(ctx context.Context, message Message) (Message, error)

	// After sees the handler's result and error and may replace the result.
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// CommBus is the bus contract the runtime and the transports depend on.
type CommBus interface {
	Publish(ctx context.Context, event Message) error
	Send(ctx context.Context, command Message) error
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe returns a function that removes the subscription.
	Subscribe(eventType string, handler HandlerFunc) func()
	// RegisterHandler allows one handler per message type.
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	SubscriberCount(eventType string) int
	Clear()
}
