package agents

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// EventContext receives node lifecycle events.
type EventContext interface {
	EmitNodeStarted(ctx context.Context, requestID string, node envelope.NodeID, order int)
	EmitNodeCompleted(ctx context.Context, requestID string, node envelope.NodeID, status string, durationMS int, err error)
}

var tracer = otel.Tracer("finrouter/agents")

// Instrumented runs a node with tracing, metrics, logging, processing history
// and panic recovery. It does not commit the contribution; that is left to the
// dispatcher.
type Instrumented struct {
	Node     Node
	Logger   logging.Logger
	EventCtx EventContext
}

// Instrument wraps node.
func Instrument(node Node, logger logging.Logger) *Instrumented {
	return &Instrumented{
		Node:   node,
		Logger: logger.Bind("node", node.ID().String()),
	}
}

// SetEventContext sets the event sink for this node.
func (a *Instrumented) SetEventContext(ec EventContext) {
	a.EventCtx = ec
}

// Process runs the node against a view of st. order is the node's position in
// the route plan.
func (a *Instrumented) Process(ctx context.Context, st *envelope.State, order int) (c envelope.Contribution, err error) {
	id := a.Node.ID()
	ctx, span := tracer.Start(ctx, "node.process", trace.WithAttributes(
		attribute.String("finrouter.node.name", id.String()),
		attribute.String("finrouter.request.id", st.RequestID),
		attribute.Int("finrouter.node.order", order),
	))
	defer span.End()

	startTime := time.Now()
	st.RecordNodeStart(id, order)
	if a.EventCtx != nil {
		a.EventCtx.EmitNodeStarted(ctx, st.RequestID, id, order)
	}
	a.Logger.Debug("node_started", "order", order, "request_id", st.RequestID)

	defer func() {
		durationMS := int(time.Since(startTime).Milliseconds())
		span.SetAttributes(
			attribute.Int("finrouter.llm.calls", c.LLMCalls),
			attribute.Int("duration_ms", durationMS),
		)

		if err != nil {
			observability.RecordNodeExecution(id.String(), envelope.StatusError, durationMS)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			a.Logger.Error("node_error", "error", err.Error(), "error_type", ErrorType(err), "duration_ms", durationMS)
			errStr := err.Error()
			st.RecordNodeComplete(id, envelope.StatusError, &errStr, c.LLMCalls, durationMS)
			if a.EventCtx != nil {
				a.EventCtx.EmitNodeCompleted(ctx, st.RequestID, id, envelope.StatusError, durationMS, err)
			}
			return
		}
		observability.RecordNodeExecution(id.String(), envelope.StatusSuccess, durationMS)
		span.SetStatus(codes.Ok, "success")
		a.Logger.Info("node_completed", "duration_ms", durationMS, "llm_calls", c.LLMCalls, "halt", c.Halt)
		st.RecordNodeComplete(id, envelope.StatusSuccess, nil, c.LLMCalls, durationMS)
		if a.EventCtx != nil {
			a.EventCtx.EmitNodeCompleted(ctx, st.RequestID, id, envelope.StatusSuccess, durationMS, nil)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrNodePanic, r)
			c = envelope.Contribution{}
			a.Logger.Error("node_panic", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()

	if err = ctx.Err(); err != nil {
		return envelope.Contribution{}, err
	}
	c, err = a.Node.Run(ctx, st.View())
	return c, err
}
