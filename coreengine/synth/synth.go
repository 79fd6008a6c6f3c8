// Package synth turns a finished turn into the user-facing response.
//
// Synthesis is deterministic and makes no external calls. Each node's section
// is built only from that node's own result, so a figure in the text can
// always be traced back to the node that produced it.
package synth

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
)

// maxSuggestions caps the follow-up list.
const maxSuggestions = 6

const emptyFallback = "I wasn't able to put together an answer for that. Could you rephrase the question, or tell me whether it is about spending, budgets, goals, investing or taxes?"

// sectionTitles are the human headings shown next to each node name.
var sectionTitles = map[envelope.NodeID]string{
	envelope.NodeOnboarding:         "Getting started",
	envelope.NodeStatementParser:    "Statement",
	envelope.NodeBudgetAnalyzer:     "Spending",
	envelope.NodeGoalPlanner:        "Goals",
	envelope.NodeKnowledgeRetriever: "Reference",
	envelope.NodeReasoningEngine:    "Answer",
	envelope.NodeTaskDecomposer:     "Plan",
	envelope.NodeMLModels:           "Forecast and allocation",
	envelope.NodeActionExecutor:     "Actions",
}

// Section is one labelled block of the response.
type Section struct {
	Node  string `json:"node"`
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Response is the synthesized reply for a turn.
type Response struct {
	Text        string    `json:"text"`
	Sections    []Section `json:"sections"`
	Notes       []string  `json:"notes,omitempty"`
	Suggestions []string  `json:"suggestions"`
	ToolsUsed   []string  `json:"tools_used"`
}

// Synthesize builds the response from the state. It never returns empty
// text.
func Synthesize(st *envelope.State) Response {
	resp := Response{ToolsUsed: st.ToolsUsed()}

	plan, hasPlan := st.Plan()
	if hasPlan {
		resp.Notes = append(resp.Notes, plan.Notes...)
	}

	var suggestions []string
	for _, name := range resp.ToolsUsed {
		id, err := envelope.ParseNodeID(name)
		if err != nil {
			continue
		}
		raw, _ := st.Result(name)
		resp.Sections = append(resp.Sections, Section{
			Node:  name,
			Title: sectionTitles[id],
			Body:  sectionBody(raw),
		})
		if s, ok := raw.(envelope.Suggester); ok {
			suggestions = append(suggestions, s.Suggestions()...)
		}
	}

	for _, e := range st.Errors {
		resp.Notes = append(resp.Notes, failureNote(e))
	}
	if hasPlan {
		if skipped := notRun(plan.Sequence, resp.ToolsUsed, st.Errors); len(skipped) > 0 {
			resp.Notes = append(resp.Notes, fmt.Sprintf("Skipped after an earlier step stopped the turn: %s.", strings.Join(skipped, ", ")))
		}
	}

	resp.Suggestions = dedupe(suggestions, maxSuggestions)
	resp.Text = render(resp)
	return resp
}

func sectionBody(raw any) string {
	if s, ok := raw.(envelope.Section); ok {
		if body := strings.TrimSpace(s.Summary()); body != "" {
			return body
		}
	}
	return "Completed."
}

func failureNote(e envelope.NodeError) string {
	switch e.Type {
	case agents.ErrorTypeConsent:
		return fmt.Sprintf("%s did not run: automated actions need your action consent.", e.Node)
	case agents.ErrorTypeCancelled:
		return fmt.Sprintf("%s did not finish because the request was cancelled.", e.Node)
	default:
		return fmt.Sprintf("%s could not complete: %s.", e.Node, strings.TrimSuffix(e.Message, "."))
	}
}

// notRun lists planned nodes that neither completed nor failed.
func notRun(sequence []envelope.NodeID, used []string, errs []envelope.NodeError) []string {
	done := make(map[string]bool, len(used)+len(errs))
	for _, u := range used {
		done[u] = true
	}
	for _, e := range errs {
		done[e.Node] = true
	}
	var out []string
	for _, id := range sequence {
		if !done[id.String()] {
			out = append(out, id.String())
		}
	}
	return out
}

func dedupe(items []string, limit int) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		key := strings.ToLower(strings.TrimSpace(s))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(s))
		if len(out) == limit {
			break
		}
	}
	return out
}

func render(r Response) string {
	var blocks []string
	for _, s := range r.Sections {
		heading := s.Node
		if s.Title != "" {
			heading = s.Title + " (" + s.Node + ")"
		}
		blocks = append(blocks, heading+": "+s.Body)
	}
	blocks = append(blocks, r.Notes...)
	if len(blocks) == 0 {
		return emptyFallback
	}
	return strings.Join(blocks, "\n\n")
}
