package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider completes prompts through the Gemini API.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(ctx context.Context, apiKey, model string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

// Model returns the configured model name.
func (g *GeminiProvider) Model() string { return g.model }

// Complete implements Provider.
func (g *GeminiProvider) Complete(ctx context.Context, prompt string, c Constraints) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), generateConfig(c))
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", fmt.Errorf("gemini returned no text")
	}
	return text, nil
}

func generateConfig(c Constraints) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(c.Temperature)),
	}
	if c.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(c.MaxTokens)
	}
	if c.JSON {
		cfg.ResponseMIMEType = "application/json"
	}
	if c.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(c.System, genai.RoleUser)
	}
	return cfg
}
