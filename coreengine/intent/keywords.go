package intent

import (
	"strings"
	"unicode"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
)

// Keyword is a weighted term. A term matches when every word in it occurs in
// the query, wherever it occurs; Variants lists alternative spellings of the
// same term, counted once.
type Keyword struct {
	Variants []string
	Weight   float64
}

func kw(weight float64, variants ...string) Keyword {
	return Keyword{Variants: variants, Weight: weight}
}

// KeywordTable maps each intent to its weighted terms. Unknown has none.
type KeywordTable map[envelope.Intent][]Keyword

// DefaultKeywords is the built-in table.
func DefaultKeywords() KeywordTable {
	return KeywordTable{
		envelope.IntentExpenseTracking: {
			kw(0.5, "spend", "spent"),
			kw(0.35, "how much"),
			kw(0.4, "expense", "expenses"),
			kw(0.3, "track", "tracking"),
			kw(0.3, "transaction", "transactions"),
			kw(0.3, "paid", "bought", "purchase", "purchases"),
			kw(0.2, "receipt", "receipts"),
		},
		envelope.IntentBudgetAnalysis: {
			kw(0.5, "budget", "budgets", "budgeting"),
			kw(0.4, "overspend", "overspending", "overspent"),
			kw(0.4, "spending habits", "spending pattern", "spending patterns"),
			kw(0.35, "cut back", "cut down"),
			kw(0.3, "analyze", "analysis", "breakdown"),
			kw(0.3, "save money"),
			kw(0.2, "category", "categories"),
		},
		envelope.IntentGoalTracking: {
			kw(0.5, "goal", "goals"),
			kw(0.45, "emergency fund"),
			kw(0.45, "down payment"),
			kw(0.35, "progress", "on track"),
			kw(0.3, "target", "deadline"),
			kw(0.3, "vacation", "wedding"),
			kw(0.25, "saving for", "save for"),
		},
		envelope.IntentInvestmentInquiry: {
			kw(0.5, "invest", "investing", "investment", "investments"),
			kw(0.45, "portfolio"),
			kw(0.45, "mutual fund", "mutual funds", "index fund", "index funds", "etf", "etfs"),
			kw(0.4, "stock", "stocks", "equity", "equities"),
			kw(0.4, "diversify", "diversification"),
			kw(0.35, "bond", "bonds"),
			kw(0.35, "allocation", "allocate", "asset mix"),
			kw(0.3, "returns", "crypto"),
			kw(0.2, "risk"),
		},
		envelope.IntentTaxKnowledge: {
			kw(0.5, "tax", "taxes", "taxable"),
			kw(0.45, "deduction", "deductions", "deduct", "deductible"),
			kw(0.45, "irs"),
			kw(0.4, "401k", "ira", "roth"),
			kw(0.4, "capital gains"),
			kw(0.3, "bracket", "refund"),
			kw(0.25, "filing", "w2", "1099"),
		},
		envelope.IntentAdvancedPlanning: {
			kw(0.4, "step by step"),
			kw(0.4, "roadmap"),
			kw(0.45, "automate", "automation", "automatic"),
			kw(0.4, "rebalance", "rebalancing"),
			kw(0.35, "transfer", "transfers"),
			kw(0.35, "execute"),
			kw(0.3, "plan", "planning"),
			kw(0.3, "strategy", "strategic", "comprehensive"),
			kw(0.25, "long term"),
		},
		envelope.IntentGeneralInquiry: {
			kw(0.45, "credit score", "compound interest", "financial literacy"),
			kw(0.35, "explain", "difference between"),
			kw(0.3, "what is", "what are"),
			kw(0.3, "tips", "advice", "learn"),
			kw(0.2, "money", "finance", "finances"),
		},
	}
}

// tokenize lowercases the query and splits it into a set of words. Digits
// stay inside words so "401k" survives.
func tokenize(query string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func (k Keyword) matches(tokens map[string]struct{}) bool {
	for _, variant := range k.Variants {
		if allPresent(variant, tokens) {
			return true
		}
	}
	return false
}

func allPresent(term string, tokens map[string]struct{}) bool {
	words := strings.Fields(term)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if _, ok := tokens[w]; !ok {
			return false
		}
	}
	return true
}

// Score returns the capped keyword score for every intent. The result does
// not depend on word order in the query.
func (t KeywordTable) Score(query string) map[envelope.Intent]float64 {
	tokens := tokenize(query)
	scores := make(map[envelope.Intent]float64, len(t))
	for intent, keywords := range t {
		total := 0.0
		for _, k := range keywords {
			if k.matches(tokens) {
				total += k.Weight
			}
		}
		if total > 1 {
			total = 1
		}
		scores[intent] = total
	}
	return scores
}

// Best returns the top-scoring intent. Ties go to the intent declared first.
// With no match at all it returns (Unknown, 0).
func (t KeywordTable) Best(query string) (envelope.Intent, float64) {
	scores := t.Score(query)
	best, bestScore := envelope.IntentUnknown, 0.0
	for _, intent := range envelope.Intents() {
		if s := scores[intent]; s > bestScore {
			best, bestScore = intent, s
		}
	}
	return best, round(bestScore)
}

// round trims float noise from summed weights.
func round(v float64) float64 {
	const scale = 1e6
	return float64(int64(v*scale+0.5)) / scale
}
