package agents

import (
	"context"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
)

// OnboardingResult describes what is still needed from a new user.
type OnboardingResult struct {
	Draft         envelope.Profile `json:"profile"`
	MissingFields []string         `json:"missing_fields"`
	Prompts       []string         `json:"prompts"`
	ConsentGiven  bool             `json:"consent_given"`
	Complete      bool             `json:"complete"`
}

// Summary implements envelope.Section.
func (r OnboardingResult) Summary() string {
	var b strings.Builder
	if !r.ConsentGiven {
		b.WriteString("Welcome! Before I can look at your finances I need your consent to analyze your financial data.")
	} else {
		b.WriteString("Your data consent is recorded.")
	}
	if len(r.MissingFields) > 0 {
		b.WriteString(" To personalize advice, please also share your ")
		b.WriteString(joinList(r.MissingFields))
		b.WriteString(".")
	}
	return b.String()
}

// Suggestions implements envelope.Suggester.
func (r OnboardingResult) Suggestions() []string {
	out := make([]string, 0, 3)
	if !r.ConsentGiven {
		out = append(out, "Give consent to analyze your financial data")
	}
	if len(r.MissingFields) > 0 {
		out = append(out, "Complete your profile")
	}
	return append(out, "Upload a bank statement or add your first transactions")
}

// Onboarding collects profile fields and consent. It never grants consent on
// the user's behalf.
type Onboarding struct{}

// NewOnboarding creates the onboarding node.
func NewOnboarding() *Onboarding { return &Onboarding{} }

// ID implements Node.
func (*Onboarding) ID() envelope.NodeID { return envelope.NodeOnboarding }

// Run implements Node.
func (*Onboarding) Run(_ context.Context, view envelope.View) (envelope.Contribution, error) {
	p := view.Profile
	res := OnboardingResult{Draft: p, ConsentGiven: p.DataConsent}

	type field struct {
		name, prompt string
		missing      bool
	}
	for _, f := range []field{
		{"name", "What should I call you?", strings.TrimSpace(p.Name) == ""},
		{"age", "How old are you?", p.Age <= 0},
		{"annual income", "What is your approximate annual income?", !p.AnnualIncome.IsPositive()},
		{"risk tolerance", "Would you describe your risk tolerance as conservative, moderate or aggressive?", p.RiskTolerance == ""},
	} {
		if f.missing {
			res.MissingFields = append(res.MissingFields, f.name)
			res.Prompts = append(res.Prompts, f.prompt)
		}
	}
	if !p.DataConsent {
		res.Prompts = append([]string{"Do you consent to me analyzing your financial data?"}, res.Prompts...)
	}
	res.Complete = p.DataConsent && len(res.MissingFields) == 0

	return envelope.Contribution{Output: res, Halt: true}, nil
}

// joinList renders "a", "a and b" or "a, b and c".
func joinList(items []string) string {
	switch len(items) {
	case 0:
		return ""
	case 1:
		return items[0]
	default:
		return strings.Join(items[:len(items)-1], ", ") + " and " + items[len(items)-1]
	}
}
