package agents

import (
	"fmt"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/knowledge"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
)

// minStages is indexed by NodeID and must list every node in declaration
// order.
var minStages = [...]envelope.Stage{
	envelope.StageStarted,      // Onboarding
	envelope.StageMVP,          // StatementParser
	envelope.StageMVP,          // BudgetAnalyzer
	envelope.StageMVP,          // GoalPlanner
	envelope.StageIntermediate, // KnowledgeRetriever
	envelope.StageMVP,          // ReasoningEngine
	envelope.StageAdvanced,     // TaskDecomposer
	envelope.StageAdvanced,     // MLModels
	envelope.StageAdvanced,     // ActionExecutor
}

// Fails to compile when a NodeID is added or removed without updating
// minStages.
var _ = [1]struct{}{}[len(minStages)-envelope.NodeCount]

// MinStage returns the lowest stage at which node may run.
func MinStage(node envelope.NodeID) envelope.Stage {
	if !node.Valid() {
		return envelope.StageAdvanced
	}
	return minStages[node]
}

// Registry maps every NodeID to its implementation. It is read-only after
// construction.
type Registry struct {
	nodes [envelope.NodeCount]Node
}

// NewRegistry builds a registry and fails unless every node is supplied
// exactly once.
func NewRegistry(nodes ...Node) (*Registry, error) {
	r := &Registry{}
	for _, n := range nodes {
		if n == nil {
			return nil, fmt.Errorf("nil node")
		}
		id := n.ID()
		if !id.Valid() {
			return nil, fmt.Errorf("node has invalid id %d", int(id))
		}
		if r.nodes[id] != nil {
			return nil, fmt.Errorf("node '%s' registered twice", id)
		}
		r.nodes[id] = n
	}
	for _, id := range envelope.Nodes() {
		if r.nodes[id] == nil {
			return nil, fmt.Errorf("node '%s' is not registered", id)
		}
	}
	return r, nil
}

// Get returns the node for id.
func (r *Registry) Get(id envelope.NodeID) (Node, bool) {
	if !id.Valid() {
		return nil, false
	}
	return r.nodes[id], true
}

// AvailableAt lists the nodes allowed at stage, in declaration order.
func (r *Registry) AvailableAt(stage envelope.Stage) []envelope.NodeID {
	var out []envelope.NodeID
	for _, id := range envelope.Nodes() {
		if stage.AtLeast(MinStage(id)) {
			out = append(out, id)
		}
	}
	return out
}

// Deps are the collaborators the default nodes need.
type Deps struct {
	LLM            llm.Provider
	Parser         TabularParser
	Audit          AuditLog
	Corpus         *knowledge.Corpus
	Logger         logging.Logger
	KnowledgeTopK  int
	KnowledgeFloor float64
	EnabledActions map[ActionType]bool
}

// NewDefaultRegistry wires the nine production nodes.
func NewDefaultRegistry(d Deps) (*Registry, error) {
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	decomposer, err := NewTaskDecomposer(d.LLM, d.Logger.Bind("node", envelope.NodeTaskDecomposer.String()))
	if err != nil {
		return nil, err
	}
	return NewRegistry(
		NewOnboarding(),
		NewStatementParser(d.Parser),
		NewBudgetAnalyzer(),
		NewGoalPlanner(),
		NewKnowledgeRetriever(d.Corpus, d.KnowledgeTopK, d.KnowledgeFloor),
		NewReasoningEngine(d.LLM, d.Logger.Bind("node", envelope.NodeReasoningEngine.String())),
		decomposer,
		NewMLModels(),
		NewActionExecutor(d.Audit, d.EnabledActions),
	)
}
