// Package ledger parses tabular statements into transactions and provides the
// category helpers shared by the statement parser and the budget analyzer.
package ledger

import (
	"strings"
)

// Uncategorized is assigned when no keyword matches.
const Uncategorized = "Uncategorized"

type categoryKeywords struct {
	category string
	keywords []string
}

// Ordered so that equal scores resolve the same way every time.
var categoryTable = []categoryKeywords{
	{"Food & Dining", []string{"restaurant", "cafe", "coffee", "food", "dining", "pizza", "burger", "grocery", "groceries", "swiggy", "zomato", "uber eats"}},
	{"Transportation", []string{"uber", "lyft", "taxi", "gas", "fuel", "petrol", "parking", "toll", "metro", "bus", "train", "ola"}},
	{"Shopping", []string{"amazon", "flipkart", "mall", "store", "shop", "clothing", "fashion", "myntra", "ajio"}},
	{"Entertainment", []string{"movie", "cinema", "netflix", "spotify", "prime", "hotstar", "concert", "game", "gaming"}},
	{"Utilities", []string{"electricity", "power", "water", "gas bill", "internet", "broadband", "mobile", "phone bill"}},
	{"Housing", []string{"rent", "mortgage", "maintenance", "housing"}},
	{"Health & Fitness", []string{"doctor", "hospital", "pharmacy", "medicine", "gym", "fitness", "yoga", "medical"}},
	{"Travel", []string{"hotel", "flight", "airbnb", "oyo", "booking", "travel", "vacation"}},
	{"Education", []string{"school", "college", "course", "udemy", "coursera", "tuition", "books"}},
	{"Savings", []string{"savings", "investment", "mutual fund", "sip", "fixed deposit"}},
	{"Subscriptions", []string{"subscription", "membership", "premium"}},
}

// DetectCategory picks the category whose keywords occur most often in the
// description. Ties go to the earlier category.
func DetectCategory(description string) string {
	lower := strings.ToLower(description)
	best, bestScore := Uncategorized, 0
	for _, c := range categoryTable {
		score := 0
		for _, k := range c.keywords {
			if strings.Contains(lower, k) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = c.category, score
		}
	}
	return best
}

var categoryAliases = map[string]string{
	"dining":         "Food & Dining",
	"food":           "Food & Dining",
	"groceries":      "Food & Dining",
	"grocery":        "Food & Dining",
	"coffee":         "Food & Dining",
	"restaurant":     "Food & Dining",
	"restaurants":    "Food & Dining",
	"gas":            "Transportation",
	"fuel":           "Transportation",
	"uber":           "Transportation",
	"lyft":           "Transportation",
	"car":            "Transportation",
	"transport":      "Transportation",
	"transportation": "Transportation",
	"rent":           "Housing",
	"mortgage":       "Housing",
	"housing":        "Housing",
	"electric":       "Utilities",
	"electricity":    "Utilities",
	"power":          "Utilities",
	"water":          "Utilities",
	"internet":       "Utilities",
	"utilities":      "Utilities",
	"netflix":        "Entertainment",
	"entertainment":  "Entertainment",
	"movies":         "Entertainment",
	"shopping":       "Shopping",
	"clothes":        "Shopping",
	"savings":        "Savings",
	"health":         "Health & Fitness",
	"fitness":        "Health & Fitness",
	"gym":            "Health & Fitness",
	"medical":        "Health & Fitness",
	"travel":         "Travel",
	"education":      "Education",
	"subscriptions":  "Subscriptions",
}

// NormalizeCategory maps loose names ("food", "Groceries") to canonical
// categories. Unknown names are returned trimmed and unchanged.
func NormalizeCategory(name string) string {
	trimmed := strings.TrimSpace(name)
	if canonical, ok := categoryAliases[strings.ToLower(trimmed)]; ok {
		return canonical
	}
	return trimmed
}

// CategoryInText returns the first canonical category mentioned in free
// text, checking aliases word by word. The boolean is false when none is.
func CategoryInText(text string) (string, bool) {
	for _, word := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z')
	}) {
		if canonical, ok := categoryAliases[word]; ok {
			return canonical, true
		}
	}
	return "", false
}
