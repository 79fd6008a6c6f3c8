// Package envelope provides the per-turn state record and the closed enumerations
// the router works with: user stages, intents and node identifiers.
package envelope

import (
	"fmt"
	"strings"
)

// =============================================================================
// STAGE
// =============================================================================

// Stage is a user's gated maturity level. Stages are totally ordered:
// Started < MVP < Intermediate < Advanced.
type Stage int

const (
	// StageStarted means onboarding has not been completed.
	StageStarted Stage = iota
	// StageMVP means consent was given but data is still thin.
	StageMVP
	// StageIntermediate means the user completed at least one budget or goal cycle.
	StageIntermediate
	// StageAdvanced means the user opted in to advanced features.
	StageAdvanced
)

var stageNames = [...]string{"Started", "MVP", "Intermediate", "Advanced"}

// Breaks the build if a stage is added without a name.
var _ = [1]struct{}{}[len(stageNames)-int(StageAdvanced)-1]

// Stages returns all stages in ascending order.
func Stages() []Stage {
	return []Stage{StageStarted, StageMVP, StageIntermediate, StageAdvanced}
}

func (s Stage) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Stage(%d)", int(s))
	}
	return stageNames[s]
}

// Valid reports whether s is one of the four declared stages.
func (s Stage) Valid() bool {
	return s >= StageStarted && s <= StageAdvanced
}

// AtLeast reports whether s is at or above min.
func (s Stage) AtLeast(min Stage) bool {
	return s >= min
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(value string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	for i, name := range stageNames {
		if strings.ToLower(name) == normalized {
			return Stage(i), nil
		}
	}
	return StageStarted, fmt.Errorf("invalid stage '%s'. Must be one of: %s", value, strings.Join(stageNames[:], ", "))
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid stage %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// =============================================================================
// INTENT
// =============================================================================

// Intent is the classified purpose of a single query, drawn from a closed set.
// Declaration order doubles as the keyword tie-break order.
type Intent int

const (
	IntentExpenseTracking Intent = iota
	IntentBudgetAnalysis
	IntentGoalTracking
	IntentInvestmentInquiry
	IntentTaxKnowledge
	IntentAdvancedPlanning
	IntentGeneralInquiry
	// IntentUnknown is always a legal classifier output.
	IntentUnknown

	intentCount
)

var intentNames = [...]string{
	"ExpenseTracking",
	"BudgetAnalysis",
	"GoalTracking",
	"InvestmentInquiry",
	"TaxKnowledge",
	"AdvancedPlanning",
	"GeneralInquiry",
	"Unknown",
}

var _ = [1]struct{}{}[len(intentNames)-int(intentCount)]

// Intents returns every intent in declaration order, Unknown last.
func Intents() []Intent {
	out := make([]Intent, 0, intentCount)
	for i := Intent(0); i < intentCount; i++ {
		out = append(out, i)
	}
	return out
}

// IntentCount is the size of the closed intent set.
const IntentCount = int(intentCount)

func (i Intent) String() string {
	if !i.Valid() {
		return intentNames[IntentUnknown]
	}
	return intentNames[i]
}

// Valid reports whether i is inside the closed set.
func (i Intent) Valid() bool {
	return i >= 0 && i < intentCount
}

// ParseIntent maps a tag to an intent. Anything outside the closed set,
// including spelling variants the model might invent, becomes Unknown.
// The boolean reports whether the tag was recognised.
func ParseIntent(value string) (Intent, bool) {
	normalized := normalizeTag(value)
	for i, name := range intentNames {
		if normalizeTag(name) == normalized {
			return Intent(i), true
		}
	}
	return IntentUnknown, false
}

// normalizeTag folds "expense_tracking", "Expense Tracking" and
// "ExpenseTracking" to the same key.
func normalizeTag(value string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(value)) {
		if r == '_' || r == '-' || r == ' ' {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// MarshalText implements encoding.TextMarshaler.
func (i Intent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognised tags decode
// to Unknown rather than failing.
func (i *Intent) UnmarshalText(text []byte) error {
	*i, _ = ParseIntent(string(text))
	return nil
}

// =============================================================================
// NODE IDS
// =============================================================================

// NodeID names one unit of the processing pipeline. The set is sealed: the
// dispatch table in package agents is an array indexed by NodeID.
type NodeID int

const (
	NodeOnboarding NodeID = iota
	NodeStatementParser
	NodeBudgetAnalyzer
	NodeGoalPlanner
	NodeKnowledgeRetriever
	NodeReasoningEngine
	NodeTaskDecomposer
	NodeMLModels
	NodeActionExecutor

	nodeCount
)

// NodeCount is the number of registered node identifiers.
const NodeCount = int(nodeCount)

var nodeNames = [...]string{
	"Onboarding",
	"StatementParser",
	"BudgetAnalyzer",
	"GoalPlanner",
	"KnowledgeRetriever",
	"ReasoningEngine",
	"TaskDecomposer",
	"MLModels",
	"ActionExecutor",
}

var _ = [1]struct{}{}[len(nodeNames)-int(nodeCount)]

// Nodes returns every node identifier in declaration order.
func Nodes() []NodeID {
	out := make([]NodeID, 0, nodeCount)
	for n := NodeID(0); n < nodeCount; n++ {
		out = append(out, n)
	}
	return out
}

func (n NodeID) String() string {
	if !n.Valid() {
		return fmt.Sprintf("NodeID(%d)", int(n))
	}
	return nodeNames[n]
}

// Valid reports whether n is a registered node.
func (n NodeID) Valid() bool {
	return n >= 0 && n < nodeCount
}

// ParseNodeID looks a node up by its exact name.
func ParseNodeID(value string) (NodeID, error) {
	for i, name := range nodeNames {
		if name == strings.TrimSpace(value) {
			return NodeID(i), nil
		}
	}
	return 0, fmt.Errorf("unknown node '%s'", value)
}

// MarshalText implements encoding.TextMarshaler.
func (n NodeID) MarshalText() ([]byte, error) {
	if !n.Valid() {
		return nil, fmt.Errorf("invalid node id %d", int(n))
	}
	return []byte(n.String()), nil
}

// =============================================================================
// MODE
// =============================================================================

// Mode selects how the ReasoningEngine behaves for a turn.
type Mode string

const (
	// ModeAnalyze synthesizes an answer from earlier results.
	ModeAnalyze Mode = "analyze"
	// ModeClarify asks the user a clarifying question instead of analysing.
	ModeClarify Mode = "clarify"
)
