package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaProvider completes prompts against a local Ollama server.
type OllamaProvider struct {
	Endpoint string
	Model    string
	client   *http.Client
}

type ollamaGenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
	Error    string `json:"error"`
}

// NewOllamaProvider builds an Ollama client. An empty endpoint means
// localhost:11434.
func NewOllamaProvider(endpoint, model string) *OllamaProvider {
	if endpoint == "" {
		endpoint = "http://localhost:11434"
	}
	return &OllamaProvider{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Model:    model,
		client:   &http.Client{Timeout: 2 * time.Minute},
	}
}

// Complete implements Provider.
func (o *OllamaProvider) Complete(ctx context.Context, prompt string, c Constraints) (string, error) {
	payload := ollamaGenerateRequest{
		Model:  o.Model,
		Prompt: prompt,
		System: c.System,
		Stream: false,
		Options: map[string]any{
			"temperature": c.Temperature,
		},
	}
	if c.MaxTokens > 0 {
		payload.Options["num_predict"] = c.MaxTokens
	}
	if c.JSON {
		payload.Format = "json"
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		detail := strings.TrimSpace(string(msg))
		if detail != "" {
			return "", fmt.Errorf("ollama error: %s: %s", resp.Status, detail)
		}
		return "", fmt.Errorf("ollama error: %s", resp.Status)
	}

	var out ollamaGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("ollama error: %s", out.Error)
	}
	return out.Response, nil
}
