package recognition

import (
	"bytes"
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/config"
)

type openaiRecognizer struct {
	client oai.Client
	cfg    config.RecognitionConfig
}

func newOpenAIRecognizer(cfg config.RecognitionConfig) (*openaiRecognizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("recognition: api_key required for openai mode")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("recognition: model required for openai mode")
	}
	client := oai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &openaiRecognizer{client: client, cfg: cfg}, nil
}

func (r *openaiRecognizer) Transcribe(ctx context.Context, asset capture.Asset, hint string) (string, error) {
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(asset.Bytes), asset.Filename, asset.ContentType),
		Model: oai.AudioModel(r.cfg.Model),
	}
	if hint != "" {
		params.Prompt = oai.String(hint)
	}
	if r.cfg.Language != "" {
		params.Language = oai.String(r.cfg.Language)
	}

	resp, err := r.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcription request: %w", err)
	}
	return resp.Text, nil
}
