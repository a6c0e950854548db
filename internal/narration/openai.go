package narration

import (
	"context"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/talkback-ai/talkback/internal/config"
)

type openaiSynthesizer struct {
	client oai.Client
	cfg    config.NarrationConfig
}

func newOpenAISynthesizer(cfg config.NarrationConfig) (*openaiSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("narration: api_key required for openai mode")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("narration: model required for openai mode")
	}
	client := oai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &openaiSynthesizer{client: client, cfg: cfg}, nil
}

func (s *openaiSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	voice := s.cfg.Voice
	if voice == "" {
		voice = "alloy"
	}

	resp, err := s.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          oai.SpeechModel(s.cfg.Model),
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voice),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatWAV,
	})
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	return audio, nil
}
