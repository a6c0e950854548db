// Package correction asks a language model to fix grammatical errors in a
// transcript and returns the corrected text with an itemized issue list.
// The model's structured output is validated strictly; one retry is allowed
// for malformed output, none for transport or auth failures.
package correction

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/protocol"
	"github.com/talkback-ai/talkback/internal/provider"
)

const (
	SeverityLow    = "low"
	SeverityMedium = "medium"
	SeverityHigh   = "high"
)

const systemPrompt = `You are a grammar correction assistant for spoken dictation.

Your task: correct grammatical errors in the provided utterance.

Rules:
- Fix grammar, agreement, tense, and word-choice errors.
- Do NOT rephrase beyond what the correction requires; preserve the speaker's wording and intent.
- Do NOT add or remove information.
- If the utterance is already correct, return it unchanged with an empty issues array.

Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "corrected_text": "<full corrected utterance>",
  "issues": [
    {
      "span": {"start": <byte offset>, "end": <byte offset>},
      "original": "<text at the span in the input>",
      "corrected": "<replacement text>",
      "reason": "<short grammatical explanation>",
      "severity": "low" | "medium" | "high",
      "note": "<optional extra guidance>"
    }
  ]
}

Span offsets index into the original input text and are half-open [start, end).`

// Result is a validated correction outcome.
type Result struct {
	CorrectedText string
	Issues        []protocol.Issue
}

// Generator produces the model's raw output for a system/user prompt pair.
type Generator interface {
	Generate(ctx context.Context, system, user string) (string, error)
}

// Stage drives a Generator and enforces the structured-output contract.
type Stage struct {
	cfg config.CorrectionConfig
	gen Generator
	log *slog.Logger
}

func NewStage(cfg config.CorrectionConfig, log *slog.Logger) (*Stage, error) {
	var (
		gen Generator
		err error
	)
	switch cfg.Mode {
	case "openai":
		gen, err = newOpenAIGenerator(cfg)
	case "ollama":
		gen, err = newOllamaGenerator(cfg)
	case "mock", "":
		gen = &MockGenerator{Payload: `{"corrected_text": "", "issues": []}`}
	default:
		err = fmt.Errorf("unsupported correction mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}
	return newStage(cfg, gen, log), nil
}

func newStage(cfg config.CorrectionConfig, gen Generator, log *slog.Logger) *Stage {
	return &Stage{
		cfg: cfg,
		gen: gen,
		log: log.With(slog.String("component", "correction")),
	}
}

// Correct runs the model over the recognized text. Malformed structured
// output is retried exactly once; transport, auth, and timeout failures are
// returned immediately.
func (s *Stage) Correct(ctx context.Context, text string) (Result, error) {
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := s.gen.Generate(ctx, systemPrompt, text)
		if err != nil {
			return Result{}, provider.Classify(err)
		}

		result, err := parseResult(raw, text)
		if err == nil {
			s.log.Info("correction complete",
				slog.Int("issues", len(result.Issues)),
				slog.Int("attempt", attempt+1))
			return result, nil
		}

		lastErr = err
		s.log.Warn("malformed correction output",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}

	return Result{}, fmt.Errorf("%w: %s", provider.ErrMalformed, lastErr)
}

// parseResult validates the model output against the fixed schema. Models
// sometimes wrap JSON in markdown fences; those are stripped first.
func parseResult(raw, originalText string) (Result, error) {
	cleaned := stripMarkdown(raw)

	var r struct {
		CorrectedText string `json:"corrected_text"`
		Issues        []struct {
			Span struct {
				Start int `json:"start"`
				End   int `json:"end"`
			} `json:"span"`
			Original  string `json:"original"`
			Corrected string `json:"corrected"`
			Reason    string `json:"reason"`
			Severity  string `json:"severity"`
			Note      string `json:"note"`
		} `json:"issues"`
	}
	if err := json.Unmarshal([]byte(cleaned), &r); err != nil {
		return Result{}, fmt.Errorf("parse correction response: %w", err)
	}

	corrected := r.CorrectedText
	if corrected == "" {
		if len(r.Issues) > 0 {
			return Result{}, fmt.Errorf("issues present but corrected_text empty")
		}
		corrected = originalText
	}

	issues := make([]protocol.Issue, 0, len(r.Issues))
	for i, iss := range r.Issues {
		if iss.Span.Start < 0 || iss.Span.End < iss.Span.Start || iss.Span.End > len(originalText) {
			return Result{}, fmt.Errorf("issue %d: span [%d, %d) out of bounds for %d-byte input",
				i, iss.Span.Start, iss.Span.End, len(originalText))
		}
		switch iss.Severity {
		case SeverityLow, SeverityMedium, SeverityHigh:
		default:
			return Result{}, fmt.Errorf("issue %d: invalid severity %q", i, iss.Severity)
		}
		issues = append(issues, protocol.Issue{
			Span:      protocol.Span{Start: iss.Span.Start, End: iss.Span.End},
			Original:  iss.Original,
			Corrected: iss.Corrected,
			Reason:    iss.Reason,
			Severity:  iss.Severity,
			Note:      iss.Note,
		})
	}

	return Result{CorrectedText: corrected, Issues: issues}, nil
}

// stripMarkdown removes optional code fences some models wrap around JSON.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}
