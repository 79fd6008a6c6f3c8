// Package config provides router, server, storage and LLM configuration.
//
// Configuration is always passed explicitly. There is no process-wide
// instance: each Service is built from the Config it is handed.
package config

import (
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/mitchellh/mapstructure"
)

// RouterConfig holds the tunables of the classify/route/dispatch core.
//
// The three confidence values were picked empirically. They are kept as named
// settings so deployments can tune them without code changes.
type RouterConfig struct {
	// Confidence thresholds
	ClassifyThreshold     float64 `json:"classify_threshold"`      // keyword score that skips the LLM
	ClarifyThreshold      float64 `json:"clarify_threshold"`       // below this the router asks a question
	FallbackConfidenceCap float64 `json:"fallback_confidence_cap"` // cap for keyword fallback after LLM failure

	// External call bounds
	LLMTimeout time.Duration `json:"llm_timeout"`

	// Knowledge retrieval
	KnowledgeFloor float64 `json:"knowledge_floor"`
	KnowledgeTopK  int     `json:"knowledge_top_k"`

	// Stage policy
	MinTransactions int `json:"min_transactions"`
	MinGoals        int `json:"min_goals"`

	// Conversation
	MaxChatHistory   int  `json:"max_chat_history"`
	ActionExtraction bool `json:"action_extraction"`

	// Routes overrides the built-in intent table. Keys are intent names,
	// values are node names in execution order.
	Routes map[string][]string `json:"routes,omitempty"`
}

// DefaultRouterConfig returns a RouterConfig with default values.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		ClassifyThreshold:     0.7,
		ClarifyThreshold:      0.3,
		FallbackConfidenceCap: 0.5,

		LLMTimeout: 8 * time.Second,

		KnowledgeFloor: 0.3,
		KnowledgeTopK:  3,

		MinTransactions: 10,
		MinGoals:        1,

		MaxChatHistory:   10,
		ActionExtraction: true,
	}
}

// Validate checks ranges and the route overrides.
func (c RouterConfig) Validate() error {
	for name, v := range map[string]float64{
		"classify_threshold":      c.ClassifyThreshold,
		"clarify_threshold":       c.ClarifyThreshold,
		"fallback_confidence_cap": c.FallbackConfidenceCap,
		"knowledge_floor":         c.KnowledgeFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.ClarifyThreshold > c.ClassifyThreshold {
		return fmt.Errorf("clarify_threshold (%v) must not exceed classify_threshold (%v)", c.ClarifyThreshold, c.ClassifyThreshold)
	}
	if c.LLMTimeout <= 0 {
		return fmt.Errorf("llm_timeout must be positive")
	}
	if c.KnowledgeTopK <= 0 {
		return fmt.Errorf("knowledge_top_k must be positive")
	}
	if c.MinTransactions < 0 || c.MinGoals < 0 {
		return fmt.Errorf("stage minimums must not be negative")
	}
	if c.MaxChatHistory < 0 {
		return fmt.Errorf("max_chat_history must not be negative")
	}
	_, err := c.RouteOverrides()
	return err
}

// RouteOverrides parses Routes into typed identifiers.
func (c RouterConfig) RouteOverrides() (map[envelope.Intent][]envelope.NodeID, error) {
	out := make(map[envelope.Intent][]envelope.NodeID, len(c.Routes))
	for intentName, nodeNames := range c.Routes {
		intent, known := envelope.ParseIntent(intentName)
		if !known {
			return nil, fmt.Errorf("routes: unknown intent '%s'", intentName)
		}
		if len(nodeNames) == 0 {
			return nil, fmt.Errorf("routes: intent '%s' has an empty sequence", intentName)
		}
		seen := make(map[envelope.NodeID]bool, len(nodeNames))
		seq := make([]envelope.NodeID, 0, len(nodeNames))
		for _, n := range nodeNames {
			id, err := envelope.ParseNodeID(n)
			if err != nil {
				return nil, fmt.Errorf("routes: intent '%s': %w", intentName, err)
			}
			if seen[id] {
				return nil, fmt.Errorf("routes: intent '%s' lists '%s' twice", intentName, n)
			}
			seen[id] = true
			seq = append(seq, id)
		}
		out[intent] = seq
	}
	return out, nil
}

// RouterConfigFromMap overlays values from a loosely typed map onto the
// defaults. Durations accept Go duration strings ("5s").
func RouterConfigFromMap(m map[string]any) (RouterConfig, error) {
	cfg := DefaultRouterConfig()
	if err := decodeInto(m, &cfg); err != nil {
		return RouterConfig{}, fmt.Errorf("decode router config: %w", err)
	}
	return cfg, nil
}

// ToMap converts the config to a map with the same keys FromMap accepts.
func (c RouterConfig) ToMap() map[string]any {
	m := map[string]any{
		"classify_threshold":      c.ClassifyThreshold,
		"clarify_threshold":       c.ClarifyThreshold,
		"fallback_confidence_cap": c.FallbackConfidenceCap,
		"llm_timeout":             c.LLMTimeout.String(),
		"knowledge_floor":         c.KnowledgeFloor,
		"knowledge_top_k":         c.KnowledgeTopK,
		"min_transactions":        c.MinTransactions,
		"min_goals":               c.MinGoals,
		"max_chat_history":        c.MaxChatHistory,
		"action_extraction":       c.ActionExtraction,
	}
	if len(c.Routes) > 0 {
		routes := make(map[string]any, len(c.Routes))
		for k, v := range c.Routes {
			routes[k] = append([]string(nil), v...)
		}
		m["routes"] = routes
	}
	return m
}

func decodeInto(input any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}
