package correction

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/talkback-ai/talkback/internal/config"
)

// correctionSchema is the JSON schema attached to every request so the API
// enforces the output shape server-side. Validation in parseResult still
// runs; the schema just cuts down on malformed retries.
var correctionSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"corrected_text", "issues"},
	"properties": map[string]any{
		"corrected_text": map[string]any{"type": "string"},
		"issues": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"span", "original", "corrected", "reason", "severity"},
				"properties": map[string]any{
					"span": map[string]any{
						"type":                 "object",
						"additionalProperties": false,
						"required":             []string{"start", "end"},
						"properties": map[string]any{
							"start": map[string]any{"type": "integer"},
							"end":   map[string]any{"type": "integer"},
						},
					},
					"original":  map[string]any{"type": "string"},
					"corrected": map[string]any{"type": "string"},
					"reason":    map[string]any{"type": "string"},
					"severity":  map[string]any{"type": "string", "enum": []string{"low", "medium", "high"}},
					"note":      map[string]any{"type": "string"},
				},
			},
		},
	},
}

type openaiGenerator struct {
	client oai.Client
	cfg    config.CorrectionConfig
}

func newOpenAIGenerator(cfg config.CorrectionConfig) (*openaiGenerator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("correction: api_key required for openai mode")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("correction: model required for openai mode")
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.Endpoint))
	}
	return &openaiGenerator{client: oai.NewClient(reqOpts...), cfg: cfg}, nil
}

func (g *openaiGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	params := oai.ChatCompletionNewParams{
		Model: shared.ChatModel(g.cfg.Model),
		Messages: []oai.ChatCompletionMessageParamUnion{
			oai.SystemMessage(system),
			oai.UserMessage(user),
		},
		ResponseFormat: oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &shared.ResponseFormatJSONSchemaParam{
				JSONSchema: shared.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "utterance_correction",
					Strict: param.NewOpt(true),
					Schema: correctionSchema,
				},
			},
		},
	}
	if g.cfg.Temperature != 0 {
		params.Temperature = param.NewOpt(g.cfg.Temperature)
	}

	resp, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}
