package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/knowledge"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/typeutil"
)

const snippetChars = 240

// KnowledgeResult holds the reference snippets found for a query.
type KnowledgeResult struct {
	Snippets []knowledge.Snippet `json:"snippets"`
}

// Sources lists the snippet sources in rank order.
func (r KnowledgeResult) Sources() []string {
	out := make([]string, len(r.Snippets))
	for i, s := range r.Snippets {
		out[i] = s.Source
	}
	return out
}

// Summary implements envelope.Section.
func (r KnowledgeResult) Summary() string {
	if len(r.Snippets) == 0 {
		return "I couldn't find reference material that matches this question."
	}
	parts := make([]string, len(r.Snippets))
	for i, s := range r.Snippets {
		parts[i] = fmt.Sprintf("%s (%s): %s", s.Title, s.Source, typeutil.Truncate(s.Text, snippetChars))
	}
	return "From the reference library: " + strings.Join(parts, " ")
}

// KnowledgeRetriever searches the reference library.
type KnowledgeRetriever struct {
	corpus *knowledge.Corpus
	topK   int
	floor  float64
}

// NewKnowledgeRetriever creates the node. A nil corpus always yields no
// snippets.
func NewKnowledgeRetriever(corpus *knowledge.Corpus, topK int, floor float64) *KnowledgeRetriever {
	return &KnowledgeRetriever{corpus: corpus, topK: topK, floor: floor}
}

// ID implements Node.
func (*KnowledgeRetriever) ID() envelope.NodeID { return envelope.NodeKnowledgeRetriever }

// Run implements Node. Nothing above the floor is a valid, empty result.
func (n *KnowledgeRetriever) Run(_ context.Context, view envelope.View) (envelope.Contribution, error) {
	var res KnowledgeResult
	if n.corpus != nil {
		res.Snippets = n.corpus.Search(view.Query, n.topK, n.floor)
	}
	return envelope.Contribution{Output: res}, nil
}
