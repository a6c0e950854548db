package correction

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/talkback-ai/talkback/internal/config"
)

type ollamaGenerator struct {
	endpoint string
	model    string
	temp     float64
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Format  string        `json:"format,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func newOllamaGenerator(cfg config.CorrectionConfig) (*ollamaGenerator, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("correction: endpoint required for ollama mode")
	}
	model := cfg.Model
	if model == "" {
		model = "llama3.2:latest"
	}
	return &ollamaGenerator{endpoint: cfg.Endpoint, model: model, temp: cfg.Temperature}, nil
}

func (g *ollamaGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	payload := ollamaRequest{
		Model:  g.model,
		Prompt: user,
		System: system,
		Format: "json",
		Stream: false,
		Options: ollamaOptions{
			Temperature: g.temp,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var out ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode ollama response: %w", err)
	}
	return out.Response, nil
}
