package runtime

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
)

// NodeInfo describes one analysis node for a user.
type NodeInfo struct {
	Name      string `json:"name"`
	MinStage  string `json:"min_stage"`
	Available bool   `json:"available"`
}

// Catalog is what the assistant can do for a user right now.
type Catalog struct {
	Stage    string                 `json:"stage"`
	Nodes    []NodeInfo             `json:"nodes"`
	Commands []tools.ToolDefinition `json:"commands"`
}

// Tools lists the nodes with their availability at the user's current stage,
// plus the data commands.
func (s *Service) Tools(ctx context.Context, userID string) (Catalog, error) {
	st, _, err := s.currentStage(ctx, userID)
	if err != nil {
		return Catalog{}, err
	}
	available := make(map[envelope.NodeID]bool)
	for _, id := range s.registry.AvailableAt(st) {
		available[id] = true
	}

	c := Catalog{Stage: st.String()}
	for _, id := range envelope.Nodes() {
		c.Nodes = append(c.Nodes, NodeInfo{
			Name:      id.String(),
			MinStage:  agents.MinStage(id).String(),
			Available: available[id],
		})
	}
	if s.commands != nil {
		c.Commands = s.commands.Definitions()
	}
	return c, nil
}

// Examples suggests queries that make sense for the data the user has.
func (s *Service) Examples(ctx context.Context, userID string) ([]string, error) {
	_, fc, err := s.currentStage(ctx, userID)
	if err != nil {
		return nil, err
	}
	var out []string
	if len(fc.Transactions) > 0 {
		out = append(out,
			"Summarize my spending over the last month",
			"Which categories did I overspend in this month?",
		)
	}
	if len(fc.Budgets) > 0 {
		out = append(out, "How am I tracking against my budgets this month?")
	}
	if len(fc.Goals) > 0 {
		out = append(out, fmt.Sprintf("Am I on track for my %s goal?", fc.Goals[0].Name))
	}
	if len(out) == 0 {
		out = append(out, "Help me get started with budgeting and goals")
	}
	return out, nil
}

// currentStage resolves the user's stage without persisting anything.
func (s *Service) currentStage(ctx context.Context, userID string) (envelope.Stage, envelope.FinancialContext, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return envelope.StageStarted, envelope.FinancialContext{}, err
	}
	var fc envelope.FinancialContext
	if s.loader != nil && p.DataConsent {
		if fc, err = s.loader.LoadContext(ctx, userID); err != nil {
			return envelope.StageStarted, envelope.FinancialContext{}, fmt.Errorf("load context: %w", err)
		}
	}
	st := envelope.NewState(userID, "")
	st.Profile, st.Context, st.ReceivedAt = p, fc, s.now()
	s.resolveStageOnly(st)
	return st.Stage, fc, nil
}
