// Package intent classifies a query into the closed intent set with a
// deterministic keyword pass and a bounded model fallback.
package intent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/typeutil"
)

// Method records which path produced a classification.
type Method string

const (
	MethodKeyword  Method = "keyword"
	MethodLLM      Method = "llm"
	MethodFallback Method = "fallback"
)

// Classification is an intent with its confidence in [0, 1].
type Classification struct {
	Intent     envelope.Intent `json:"intent"`
	Confidence float64         `json:"confidence"`
	Method     Method          `json:"method"`
}

// Result is the outcome of a classification attempt that may fail.
type Result struct {
	Classification Classification
	Err            error
}

// Ok wraps a successful classification.
func Ok(c Classification) Result { return Result{Classification: c} }

// Fail wraps a failed attempt.
func Fail(err error) Result { return Result{Err: err} }

// Merge combines the deterministic keyword result with the model result.
// A successful model result is taken only when it is more confident than the
// keywords; a keyword match is never replaced by a weaker or out-of-set
// answer. On failure the keyword result is kept with its confidence capped,
// or (Unknown, 0) if no keyword matched.
func Merge(fast Classification, slow Result, confidenceCap float64) Classification {
	if slow.Err == nil {
		if fast.Confidence > 0 && slow.Classification.Confidence <= fast.Confidence {
			return fast
		}
		return slow.Classification
	}
	if fast.Confidence <= 0 {
		return Classification{Intent: envelope.IntentUnknown, Confidence: 0, Method: MethodFallback}
	}
	conf := fast.Confidence
	if conf > confidenceCap {
		conf = confidenceCap
	}
	return Classification{Intent: fast.Intent, Confidence: conf, Method: MethodFallback}
}

// Options configures a Classifier.
type Options struct {
	Threshold     float64 // keyword score that skips the model
	ConfidenceCap float64 // cap applied to keyword fallback
	Keywords      KeywordTable
}

// Classifier implements the hybrid classification.
type Classifier struct {
	opts   Options
	llm    llm.Provider
	logger logging.Logger
}

// NewClassifier creates a Classifier. provider should already be bounded by
// a timeout (see llm.Instrumented).
func NewClassifier(opts Options, provider llm.Provider, logger logging.Logger) *Classifier {
	if opts.Keywords == nil {
		opts.Keywords = DefaultKeywords()
	}
	if provider == nil {
		provider = llm.Unavailable{}
	}
	return &Classifier{opts: opts, llm: provider, logger: logger.Bind("component", "intent_classifier")}
}

// Classify never fails: model problems degrade the confidence instead.
func (c *Classifier) Classify(ctx context.Context, query string, stage envelope.Stage) Classification {
	intent, score := c.opts.Keywords.Best(query)
	fast := Classification{Intent: intent, Confidence: score, Method: MethodKeyword}

	if score >= c.opts.Threshold || strings.TrimSpace(query) == "" {
		c.record(fast)
		return fast
	}

	slow := c.askModel(ctx, query, stage)
	if slow.Err != nil {
		c.logger.Warn("classification_fallback",
			"error", slow.Err.Error(),
			"keyword_intent", intent.String(),
			"keyword_score", score,
		)
	}
	out := Merge(fast, slow, c.opts.ConfidenceCap)
	c.record(out)
	return out
}

func (c *Classifier) record(out Classification) {
	observability.RecordClassification(string(out.Method), out.Intent.String())
	c.logger.Debug("intent_classified",
		"intent", out.Intent.String(),
		"confidence", out.Confidence,
		"method", string(out.Method),
	)
}

var errBadConfidence = errors.New("confidence missing or outside [0, 1]")

func (c *Classifier) askModel(ctx context.Context, query string, stage envelope.Stage) Result {
	text, err := c.llm.Complete(ctx, buildPrompt(query, stage), llm.Constraints{
		System:      "You classify personal-finance questions. Reply with JSON only.",
		Temperature: 0,
		MaxTokens:   64,
		JSON:        true,
	})
	if err != nil {
		return Fail(fmt.Errorf("model call: %w", err))
	}
	return parseModelReply(text)
}

func parseModelReply(text string) Result {
	obj, err := typeutil.DecodeModelJSON(text)
	if err != nil {
		return Fail(err)
	}
	tag, ok := typeutil.SafeString(obj["intent"])
	if !ok {
		return Fail(errors.New("intent field missing"))
	}
	intent, known := envelope.ParseIntent(tag)
	if !known {
		// Out-of-set tags are a legal but useless answer.
		return Ok(Classification{Intent: envelope.IntentUnknown, Confidence: 0, Method: MethodLLM})
	}
	conf, ok := typeutil.SafeFloat64(obj["confidence"])
	if !ok || conf < 0 || conf > 1 {
		return Fail(errBadConfidence)
	}
	return Ok(Classification{Intent: intent, Confidence: conf, Method: MethodLLM})
}

func buildPrompt(query string, stage envelope.Stage) string {
	tags := make([]string, 0, envelope.IntentCount)
	for _, i := range envelope.Intents() {
		tags = append(tags, i.String())
	}
	var b strings.Builder
	b.WriteString("Classify the user's question into exactly one intent.\n")
	fmt.Fprintf(&b, "Allowed intents: %s\n", strings.Join(tags, ", "))
	fmt.Fprintf(&b, "User stage: %s\n", stage)
	fmt.Fprintf(&b, "Question: %q\n", query)
	b.WriteString(`Respond as {"intent": "<one allowed intent>", "confidence": <number between 0 and 1>}`)
	return b.String()
}
