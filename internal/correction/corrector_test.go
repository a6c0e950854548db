package correction

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testConfig() config.CorrectionConfig {
	return config.CorrectionConfig{Mode: "mock", TimeoutMS: 5000}
}

const validPayload = `{
  "corrected_text": "I have a pen",
  "issues": [
    {
      "span": {"start": 2, "end": 5},
      "original": "has",
      "corrected": "have",
      "reason": "subject-verb agreement",
      "severity": "medium"
    }
  ]
}`

func TestCorrectParsesValidOutput(t *testing.T) {
	stage := newStage(testConfig(), &MockGenerator{Payload: validPayload}, testLogger())

	result, err := stage.Correct(context.Background(), "I has a pen")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if result.CorrectedText != "I have a pen" {
		t.Fatalf("unexpected corrected text: %q", result.CorrectedText)
	}
	if len(result.Issues) != 1 {
		t.Fatalf("expected 1 issue, got %d", len(result.Issues))
	}
	issue := result.Issues[0]
	if issue.Original != "has" || issue.Corrected != "have" || issue.Severity != SeverityMedium {
		t.Fatalf("unexpected issue: %+v", issue)
	}
	if issue.Span.Start != 2 || issue.Span.End != 5 {
		t.Fatalf("unexpected span: %+v", issue.Span)
	}
}

func TestCorrectStripsMarkdownFences(t *testing.T) {
	fenced := "```json\n" + validPayload + "\n```"
	stage := newStage(testConfig(), &MockGenerator{Payload: fenced}, testLogger())

	result, err := stage.Correct(context.Background(), "I has a pen")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if result.CorrectedText != "I have a pen" {
		t.Fatalf("unexpected corrected text: %q", result.CorrectedText)
	}
}

func TestCorrectRetriesMalformedExactlyOnce(t *testing.T) {
	gen := &MockGenerator{Payloads: []string{"not json", "still not json", validPayload}}
	stage := newStage(testConfig(), gen, testLogger())

	_, err := stage.Correct(context.Background(), "I has a pen")
	if !errors.Is(err, provider.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if gen.Calls() != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", gen.Calls())
	}
}

func TestCorrectRecoversOnSecondAttempt(t *testing.T) {
	gen := &MockGenerator{Payloads: []string{"garbage", validPayload}}
	stage := newStage(testConfig(), gen, testLogger())

	result, err := stage.Correct(context.Background(), "I has a pen")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if result.CorrectedText != "I have a pen" {
		t.Fatalf("unexpected corrected text: %q", result.CorrectedText)
	}
	if gen.Calls() != 2 {
		t.Fatalf("expected 2 attempts, got %d", gen.Calls())
	}
}

func TestCorrectDoesNotRetryTransportErrors(t *testing.T) {
	gen := &MockGenerator{Err: context.DeadlineExceeded}
	stage := newStage(testConfig(), gen, testLogger())

	_, err := stage.Correct(context.Background(), "I has a pen")
	if !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
	if gen.Calls() != 1 {
		t.Fatalf("transport errors must not retry, got %d attempts", gen.Calls())
	}
}

func TestCorrectCleanTextReturnsNoIssues(t *testing.T) {
	payload := `{"corrected_text": "All good here.", "issues": []}`
	stage := newStage(testConfig(), &MockGenerator{Payload: payload}, testLogger())

	result, err := stage.Correct(context.Background(), "All good here.")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if len(result.Issues) != 0 {
		t.Fatalf("expected no issues, got %d", len(result.Issues))
	}
}

func TestParseResultValidation(t *testing.T) {
	cases := []struct {
		name    string
		payload string
	}{
		{"span out of bounds", `{"corrected_text": "x", "issues": [{"span": {"start": 0, "end": 99}, "original": "a", "corrected": "b", "reason": "r", "severity": "low"}]}`},
		{"negative start", `{"corrected_text": "x", "issues": [{"span": {"start": -1, "end": 2}, "original": "a", "corrected": "b", "reason": "r", "severity": "low"}]}`},
		{"inverted span", `{"corrected_text": "x", "issues": [{"span": {"start": 4, "end": 2}, "original": "a", "corrected": "b", "reason": "r", "severity": "low"}]}`},
		{"bad severity", `{"corrected_text": "x", "issues": [{"span": {"start": 0, "end": 2}, "original": "a", "corrected": "b", "reason": "r", "severity": "catastrophic"}]}`},
		{"issues without corrected text", `{"corrected_text": "", "issues": [{"span": {"start": 0, "end": 2}, "original": "a", "corrected": "b", "reason": "r", "severity": "low"}]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := parseResult(tc.payload, "short input"); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestParseResultEmptyCorrectedTextFallsBackToInput(t *testing.T) {
	result, err := parseResult(`{"corrected_text": "", "issues": []}`, "original words")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if result.CorrectedText != "original words" {
		t.Fatalf("expected input fallback, got %q", result.CorrectedText)
	}
}

func TestNewStageRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "oracle"
	if _, err := NewStage(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
