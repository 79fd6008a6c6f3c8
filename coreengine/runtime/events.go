package runtime

import (
	"context"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
)

// BusEvents publishes node lifecycle events on the comm bus. Publish failures
// are logged and never fail the turn.
type BusEvents struct {
	bus    commbus.CommBus
	logger logging.Logger
}

// NewBusEvents creates a node event sink backed by bus.
func NewBusEvents(bus commbus.CommBus, logger logging.Logger) *BusEvents {
	return &BusEvents{bus: bus, logger: logger.Bind("component", "events")}
}

// EmitNodeStarted implements agents.EventContext.
func (e *BusEvents) EmitNodeStarted(ctx context.Context, requestID string, node envelope.NodeID, order int) {
	e.publish(ctx, &commbus.NodeStarted{RequestID: requestID, Node: node.String(), Order: order})
}

// EmitNodeCompleted implements agents.EventContext.
func (e *BusEvents) EmitNodeCompleted(ctx context.Context, requestID string, node envelope.NodeID, status string, durationMS int, err error) {
	msg := &commbus.NodeCompleted{RequestID: requestID, Node: node.String(), Status: status, DurationMS: durationMS}
	if err != nil {
		s := err.Error()
		msg.Error = &s
	}
	e.publish(ctx, msg)
}

func (e *BusEvents) publish(ctx context.Context, msg commbus.Message) {
	// Events must go out even when the turn's context was cancelled.
	if err := e.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		e.logger.Warn("event_publish_failed", "message_type", commbus.GetMessageType(msg), "error", err.Error())
	}
}

var _ agents.EventContext = (*BusEvents)(nil)

// NodeEvent is a node lifecycle event of one turn, as seen by a watcher.
type NodeEvent struct {
	// Name is "node_started" or "node_completed".
	Name  string
	Event commbus.Message
}

// WatchNodes calls fn with every node event of requestID until the returned
// function is called. fn runs on the publishing goroutine, so the turn waits
// for it.
func WatchNodes(bus commbus.CommBus, requestID string, fn func(NodeEvent)) func() {
	unStarted := bus.Subscribe("NodeStarted", func(_ context.Context, msg commbus.Message) (any, error) {
		if ev, ok := msg.(*commbus.NodeStarted); ok && ev.RequestID == requestID {
			fn(NodeEvent{Name: "node_started", Event: ev})
		}
		return nil, nil
	})
	unCompleted := bus.Subscribe("NodeCompleted", func(_ context.Context, msg commbus.Message) (any, error) {
		if ev, ok := msg.(*commbus.NodeCompleted); ok && ev.RequestID == requestID {
			fn(NodeEvent{Name: "node_completed", Event: ev})
		}
		return nil, nil
	})
	return func() {
		unStarted()
		unCompleted()
	}
}
