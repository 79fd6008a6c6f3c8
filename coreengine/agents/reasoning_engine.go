package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/typeutil"
)

const reasoningSystemPrompt = `You are a careful personal finance assistant.
Answer the user's question using only the FACTS provided. Do not invent numbers.
When you cite a number, name the analysis it came from. Keep the answer under 150 words.`

// Fact is one figure an earlier node established.
type Fact struct {
	Source envelope.NodeID `json:"source"`
	Label  string          `json:"label"`
	Value  string          `json:"value"`
}

// FactSource is implemented by node outputs that expose figures to the
// ReasoningEngine. Source is filled in by the engine.
type FactSource interface {
	Facts() []Fact
}

// ReasoningResult is the ReasoningEngine output.
type ReasoningResult struct {
	Mode          envelope.Mode `json:"mode"`
	Answer        string        `json:"answer"`
	Facts         []Fact        `json:"facts,omitempty"`
	HealthScore   int           `json:"health_score"`
	Scored        bool          `json:"scored"`
	RiskFactors   []string      `json:"risk_factors,omitempty"`
	Opportunities []string      `json:"opportunities,omitempty"`
	UsedModel     bool          `json:"used_model"`
	FollowUps     []string      `json:"follow_ups,omitempty"`
}

// Summary implements envelope.Section.
func (r ReasoningResult) Summary() string {
	return r.Answer
}

// Suggestions implements envelope.Suggester.
func (r ReasoningResult) Suggestions() []string {
	return r.FollowUps
}

// ReasoningEngine answers from earlier results, or asks a clarifying
// question when the router could not tell what the user wants.
type ReasoningEngine struct {
	llm    llm.Provider
	logger logging.Logger
}

// NewReasoningEngine creates the node. A nil provider always uses the
// templated answer.
func NewReasoningEngine(provider llm.Provider, logger logging.Logger) *ReasoningEngine {
	return &ReasoningEngine{llm: provider, logger: logger}
}

// ID implements Node.
func (*ReasoningEngine) ID() envelope.NodeID { return envelope.NodeReasoningEngine }

// Run implements Node. Model failures never fail the node.
func (n *ReasoningEngine) Run(ctx context.Context, view envelope.View) (envelope.Contribution, error) {
	if view.Mode == envelope.ModeClarify {
		return envelope.Contribution{Output: clarify(view)}, nil
	}

	res := ReasoningResult{Mode: envelope.ModeAnalyze, Facts: CollectFacts(view)}
	assessHealth(view, &res)
	res.FollowUps = followUps(view.Intent)

	calls := 0
	if n.llm != nil {
		calls = 1
		answer, err := n.llm.Complete(ctx, buildReasoningPrompt(view, res.Facts), llm.Constraints{
			System:      reasoningSystemPrompt,
			Temperature: 0.3,
			MaxTokens:   400,
		})
		if err == nil && strings.TrimSpace(answer) != "" {
			res.Answer = strings.TrimSpace(answer)
			res.UsedModel = true
		} else if err != nil {
			n.logger.Warn("reasoning_model_fallback", "error", err.Error())
		}
	}
	if !res.UsedModel {
		res.Answer = templatedAnswer(view, res)
	}
	return envelope.Contribution{Output: res, LLMCalls: calls}, nil
}

// CollectFacts gathers figures from earlier node outputs in the order they
// were recorded, tagging each with its node.
func CollectFacts(view envelope.View) []Fact {
	var facts []Fact
	for _, key := range view.ResultKeys() {
		id, err := envelope.ParseNodeID(key)
		if err != nil {
			continue
		}
		raw, _ := view.Result(id)
		src, ok := raw.(FactSource)
		if !ok {
			continue
		}
		for _, f := range src.Facts() {
			f.Source = id
			facts = append(facts, f)
		}
	}
	return facts
}

func buildReasoningPrompt(view envelope.View, facts []Fact) string {
	var b strings.Builder
	b.WriteString("FACTS:\n")
	if len(facts) == 0 {
		b.WriteString("- none available\n")
	}
	for _, f := range facts {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", f.Source, f.Label, f.Value)
	}
	fmt.Fprintf(&b, "\nUSER STAGE: %s\n", view.Stage)
	if n := len(view.History); n > 0 {
		b.WriteString("\nRECENT CONVERSATION:\n")
		start := 0
		if n > 4 {
			start = n - 4
		}
		for _, m := range view.History[start:] {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, typeutil.Truncate(m.Content, 200))
		}
	}
	fmt.Fprintf(&b, "\nQUESTION: %s\n", view.Query)
	return b.String()
}

// assessHealth scores 0-100 from whatever analyses ran this turn.
func assessHealth(view envelope.View, res *ReasoningResult) {
	if budget, ok := envelope.ResultOf[BudgetReport](view, envelope.NodeBudgetAnalyzer); ok && len(budget.Categories) > 0 {
		res.Scored = true
		switch s := budget.Split.SavingsPct; {
		case s >= savingsTargetPct:
			res.HealthScore += 30
			res.Opportunities = append(res.Opportunities, "Strong savings rate")
		case s < 10:
			res.RiskFactors = append(res.RiskFactors, "Low savings rate")
		default:
			res.HealthScore += 15
		}
		if over := budget.Overspent(); len(over) > 0 {
			res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("%d budget(s) exceeded", len(over)))
		} else if len(budget.Budgets) > 0 {
			res.HealthScore += 20
			res.Opportunities = append(res.Opportunities, "Spending within budgets")
		}
	}
	if goals, ok := envelope.ResultOf[GoalReport](view, envelope.NodeGoalPlanner); ok && len(goals.Goals) > 0 {
		res.Scored = true
		res.HealthScore += 20
		res.Opportunities = append(res.Opportunities, "Clear financial goals defined")
		behind := 0
		for _, g := range goals.Goals {
			if !g.Reached && !g.OnTrack {
				behind++
			}
		}
		if behind > 0 {
			res.RiskFactors = append(res.RiskFactors, fmt.Sprintf("%d goal(s) behind schedule", behind))
		} else {
			res.HealthScore += 20
		}
	}
	if kn, ok := envelope.ResultOf[KnowledgeResult](view, envelope.NodeKnowledgeRetriever); ok && len(kn.Snippets) > 0 {
		res.HealthScore += 10
		res.Opportunities = append(res.Opportunities, "Relevant reference material available")
	}
	if res.Scored && res.HealthScore < 30 {
		res.RiskFactors = append(res.RiskFactors, "Below-average financial health indicators")
	}
}

func templatedAnswer(view envelope.View, res ReasoningResult) string {
	var parts []string
	if res.Scored {
		parts = append(parts, fmt.Sprintf("Overall financial health score: %d/100.", res.HealthScore))
		if len(res.Opportunities) > 0 {
			parts = append(parts, "Strengths: "+strings.Join(res.Opportunities, ", ")+".")
		}
		if len(res.RiskFactors) > 0 {
			parts = append(parts, "Watch: "+strings.Join(res.RiskFactors, ", ")+".")
		}
	}
	if len(res.Facts) == 0 {
		parts = append(parts, genericGuidance(view.Intent))
	} else if !res.Scored {
		parts = append(parts, "The figures above are the basis for this answer; ask a follow-up for more detail.")
	}
	return strings.Join(parts, " ")
}

func genericGuidance(in envelope.Intent) string {
	switch in {
	case envelope.IntentTaxKnowledge:
		return "Tax rules depend on your filing status and income; check the official guidance for your situation or consult a tax professional."
	case envelope.IntentInvestmentInquiry:
		return "A diversified, low-cost portfolio matched to your risk tolerance and time horizon is a sound starting point."
	case envelope.IntentGoalTracking:
		return "Set specific goals with a target amount and deadline, and automate monthly contributions toward them."
	case envelope.IntentBudgetAnalysis, envelope.IntentExpenseTracking:
		return "Add transactions or upload a statement so I can analyze your spending."
	default:
		return "I can help with spending, budgets, savings goals, investing and tax questions."
	}
}

var intentTopics = map[envelope.Intent]string{
	envelope.IntentExpenseTracking:   "tracking your spending",
	envelope.IntentBudgetAnalysis:    "analyzing your budget",
	envelope.IntentGoalTracking:      "your savings goals",
	envelope.IntentInvestmentInquiry: "investing",
	envelope.IntentTaxKnowledge:      "a tax question",
	envelope.IntentAdvancedPlanning:  "a multi-step financial plan",
	envelope.IntentGeneralInquiry:    "general financial guidance",
}

func clarify(view envelope.View) ReasoningResult {
	q := "I'm not sure what you'd like to do. Are you asking about your spending, budgets, savings goals, investments or taxes?"
	if topic, ok := intentTopics[view.Intent]; ok {
		q = fmt.Sprintf("I want to make sure I understand. Is this about %s? Could you tell me a bit more?", topic)
	}
	return ReasoningResult{
		Mode:   envelope.ModeClarify,
		Answer: q,
		FollowUps: []string{
			"How much did I spend this month?",
			"Am I on track for my savings goals?",
			"What is the standard deduction?",
		},
	}
}

func followUps(in envelope.Intent) []string {
	switch in {
	case envelope.IntentBudgetAnalysis, envelope.IntentExpenseTracking:
		return []string{"Set a budget for your largest category"}
	case envelope.IntentGoalTracking:
		return []string{"Review your goals quarterly"}
	case envelope.IntentInvestmentInquiry:
		return []string{"Review your allocation against your risk tolerance"}
	default:
		return nil
	}
}
