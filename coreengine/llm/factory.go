package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
)

// FromConfig builds the configured backend wrapped in Instrumented.
func FromConfig(ctx context.Context, cfg config.LLMConfig, timeout time.Duration) (*Instrumented, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		g, err := NewGeminiProvider(ctx, cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		return NewInstrumented(g, cfg.Provider, g.Model(), timeout), nil
	case config.ProviderOllama:
		return NewInstrumented(NewOllamaProvider(cfg.BaseURL, cfg.Model), cfg.Provider, cfg.Model, timeout), nil
	case config.ProviderNone, "":
		return NewInstrumented(Unavailable{}, config.ProviderNone, "none", timeout), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider '%s'", cfg.Provider)
	}
}
