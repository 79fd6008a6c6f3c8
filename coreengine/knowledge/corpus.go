// Package knowledge holds the embedded reference library and its relevance
// search.
package knowledge

import (
	_ "embed"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed corpus.yaml
var defaultCorpus []byte

// Relevance weights. Two keyword hits saturate the keyword score.
const (
	keywordWeight     = 0.7
	contentWeight     = 0.3
	keywordSaturation = 2
)

// Document is one reference entry.
type Document struct {
	ID       string   `yaml:"id" json:"id"`
	Topic    string   `yaml:"topic" json:"topic"`
	Title    string   `yaml:"title" json:"title"`
	Source   string   `yaml:"source" json:"source"`
	Keywords []string `yaml:"keywords" json:"keywords"`
	Content  string   `yaml:"content" json:"content"`

	contentTokens map[string]struct{}
}

// Snippet is a scored search hit.
type Snippet struct {
	DocID  string  `json:"doc_id"`
	Title  string  `json:"title"`
	Topic  string  `json:"topic"`
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Corpus is read-only after Load and safe for concurrent searches.
type Corpus struct {
	docs []Document
}

// Default loads the embedded library.
func Default() (*Corpus, error) {
	return Load(defaultCorpus)
}

// Load parses a YAML library with a top-level "documents" list.
func Load(data []byte) (*Corpus, error) {
	var file struct {
		Documents []Document `yaml:"documents"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse corpus: %w", err)
	}
	seen := make(map[string]bool, len(file.Documents))
	for i := range file.Documents {
		d := &file.Documents[i]
		if d.ID == "" || d.Content == "" {
			return nil, fmt.Errorf("document %d: id and content are required", i)
		}
		if seen[d.ID] {
			return nil, fmt.Errorf("duplicate document id '%s'", d.ID)
		}
		seen[d.ID] = true
		d.contentTokens = tokenize(d.Content)
	}
	return &Corpus{docs: file.Documents}, nil
}

// Len returns the number of documents.
func (c *Corpus) Len() int {
	return len(c.docs)
}

// Search returns up to topK snippets scoring at least floor, best first. Ties
// keep corpus order. An empty result is not an error.
func (c *Corpus) Search(query string, topK int, floor float64) []Snippet {
	queryTokens := tokenize(query)
	content := make(map[string]struct{}, len(queryTokens))
	for t := range queryTokens {
		if !stopwords[t] {
			content[t] = struct{}{}
		}
	}
	if len(content) == 0 || topK <= 0 {
		return nil
	}

	var hits []Snippet
	for _, d := range c.docs {
		score := d.relevance(queryTokens, content)
		if score < floor || score == 0 {
			continue
		}
		hits = append(hits, Snippet{
			DocID:  d.ID,
			Title:  d.Title,
			Topic:  d.Topic,
			Source: d.Source,
			Text:   d.Content,
			Score:  score,
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (d Document) relevance(queryTokens, contentTokens map[string]struct{}) float64 {
	matched := 0
	for _, k := range d.Keywords {
		if allPresent(k, queryTokens) {
			matched++
		}
	}
	keyword := math.Min(1, float64(matched)/keywordSaturation)

	overlap := 0
	for t := range contentTokens {
		if _, ok := d.contentTokens[t]; ok {
			overlap++
		}
	}
	contentScore := float64(overlap) / float64(len(contentTokens))

	return math.Round((keywordWeight*keyword+contentWeight*contentScore)*1000) / 1000
}

func allPresent(term string, tokens map[string]struct{}) bool {
	parts := tokenize(term)
	if len(parts) == 0 {
		return false
	}
	for p := range parts {
		if _, ok := tokens[p]; !ok {
			return false
		}
	}
	return true
}

func tokenize(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.Fields(strings.ToLower(s)) {
		f = strings.NewReplacer("(", "", ")", "", "'s", "").Replace(f)
		f = strings.Trim(f, ".,;:!?\"'$%")
		if f != "" {
			out[f] = struct{}{}
		}
	}
	return out
}

var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "what": true,
	"how": true, "do": true, "does": true, "i": true, "my": true, "me": true,
	"for": true, "to": true, "of": true, "in": true, "on": true, "and": true,
	"or": true, "can": true, "should": true, "about": true, "tell": true,
	"with": true, "it": true, "be": true, "much": true, "there": true,
}
