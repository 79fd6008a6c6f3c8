package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
)

// Dispatcher runs a route plan's nodes one after another against the state.
type Dispatcher struct {
	registry *agents.Registry
	logger   logging.Logger
	eventCtx agents.EventContext
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *agents.Registry, logger logging.Logger) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		logger:   logger.Bind("component", "dispatcher"),
	}
}

// SetEventContext sets the sink for node lifecycle events.
func (d *Dispatcher) SetEventContext(ec agents.EventContext) {
	d.eventCtx = ec
}

// Execute records plan under the router key and runs its sequence in order.
//
// Cancellation and ShouldContinue are checked before every node. The first
// node error is recorded on the state and ends the sequence; Execute itself
// never fails, the state carries everything synthesis needs.
func (d *Dispatcher) Execute(ctx context.Context, st *envelope.State, plan envelope.RoutePlan) *envelope.State {
	if err := st.Annotate(envelope.RouterKey, plan); err != nil {
		d.logger.Error("dispatch_plan_not_recorded", "request_id", st.RequestID, "error", err.Error())
	}
	st.Mode = plan.Mode

	startTime := time.Now()
	d.logger.Info("dispatch_started",
		"request_id", st.RequestID,
		"mode", string(plan.Mode),
		"sequence", plan.Summary(),
	)

	for order, id := range plan.Sequence {
		// A halted run is finished; a later cancellation is not its error.
		if !st.ShouldContinue {
			d.logger.Info("dispatch_halted", "request_id", st.RequestID, "next_node", id.String())
			break
		}

		select {
		case <-ctx.Done():
			d.logger.Info("dispatch_cancelled",
				"request_id", st.RequestID,
				"node", id.String(),
				"reason", ctx.Err().Error(),
			)
			st.Fail(id, agents.ErrorTypeCancelled, ctx.Err())
			return d.finish(st, startTime)
		default:
		}

		node, ok := d.registry.Get(id)
		if !ok {
			d.logger.Error("dispatch_unknown_node", "request_id", st.RequestID, "node", id.String())
			st.Fail(id, agents.ErrorTypeExecution, fmt.Errorf("node %s is not registered", id))
			break
		}

		runner := agents.Instrument(node, d.logger)
		if d.eventCtx != nil {
			runner.SetEventContext(d.eventCtx)
		}
		c, err := runner.Process(ctx, st, order)
		if err != nil {
			st.Fail(id, agents.ErrorType(err), err)
			break
		}
		if err := st.Commit(id, c); err != nil {
			d.logger.Error("dispatch_commit_failed", "request_id", st.RequestID, "node", id.String(), "error", err.Error())
			st.Fail(id, agents.ErrorTypeExecution, err)
			break
		}
	}
	return d.finish(st, startTime)
}

func (d *Dispatcher) finish(st *envelope.State, startTime time.Time) *envelope.State {
	d.logger.Info("dispatch_completed",
		"request_id", st.RequestID,
		"tools_used", st.ToolsUsed(),
		"errors", len(st.Errors),
		"duration_ms", int(time.Since(startTime).Milliseconds()),
	)
	return st
}
