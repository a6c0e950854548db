// Package recognition turns a captured audio asset into text. The stage
// gates out too-short captures before any provider work and normalizes
// provider failures onto the shared taxonomy.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/provider"
)

var (
	// ErrTooShort is returned when the capture is below the minimum length.
	ErrTooShort = errors.New("recognition: utterance too short")
	// ErrNoSpeech is returned when transcription produced no usable text.
	ErrNoSpeech = errors.New("recognition: no speech detected")
)

// Recognizer converts an encoded audio asset into a transcript. The hint is
// recent conversational context; providers that cannot use it ignore it.
type Recognizer interface {
	Transcribe(ctx context.Context, asset capture.Asset, hint string) (string, error)
}

// Stage wraps a Recognizer with the length gate, the per-call deadline, and
// error classification.
type Stage struct {
	cfg config.RecognitionConfig
	rec Recognizer
	log *slog.Logger
}

func NewStage(cfg config.RecognitionConfig, log *slog.Logger) (*Stage, error) {
	var (
		rec Recognizer
		err error
	)
	switch cfg.Mode {
	case "openai":
		rec, err = newOpenAIRecognizer(cfg)
	case "exec":
		rec, err = newExecRecognizer(cfg)
	case "mock", "":
		rec = &MockRecognizer{Text: "mock transcript"}
	default:
		err = fmt.Errorf("unsupported recognition mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return newStage(cfg, rec, log), nil
}

func newStage(cfg config.RecognitionConfig, rec Recognizer, log *slog.Logger) *Stage {
	return &Stage{
		cfg: cfg,
		rec: rec,
		log: log.With(slog.String("component", "recognition")),
	}
}

// Recognize transcribes the asset. The minimum-length gate runs before any
// network call; min_bytes counts 16 kHz mono LE16 bytes, so 32 bytes per
// millisecond regardless of how the asset is actually encoded.
func (s *Stage) Recognize(ctx context.Context, asset capture.Asset, hint string) (string, error) {
	minMS := s.cfg.MinBytes / 32
	if asset.Empty() || asset.DurationMS < minMS {
		return "", fmt.Errorf("%w: %dms captured, need %dms", ErrTooShort, asset.DurationMS, minMS)
	}

	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	started := time.Now()
	text, err := s.rec.Transcribe(ctx, asset, hint)
	if err != nil {
		return "", provider.Classify(err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", ErrNoSpeech
	}

	s.log.Info("transcription complete",
		slog.Int("duration_ms", asset.DurationMS),
		slog.Int("chars", len(text)),
		slog.Duration("elapsed", time.Since(started)))
	return text, nil
}
