package recognition

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/provider"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testConfig() config.RecognitionConfig {
	return config.RecognitionConfig{Mode: "mock", MinBytes: 16000, TimeoutMS: 5000}
}

func asset(durationMS int) capture.Asset {
	return capture.Asset{
		Bytes:       []byte("payload"),
		Filename:    "capture.wav",
		ContentType: "audio/wav",
		DurationMS:  durationMS,
	}
}

func TestRecognizeRejectsShortCaptureWithoutCallingProvider(t *testing.T) {
	mock := &MockRecognizer{Text: "hello"}
	stage := newStage(testConfig(), mock, testLogger())

	// 16000 min bytes = 500 ms at 16 kHz mono LE16.
	_, err := stage.Recognize(context.Background(), asset(499), "")
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if mock.Calls() != 0 {
		t.Fatalf("recognizer must not be called for short captures, got %d calls", mock.Calls())
	}
}

func TestRecognizeRejectsEmptyAsset(t *testing.T) {
	mock := &MockRecognizer{Text: "hello"}
	stage := newStage(testConfig(), mock, testLogger())

	_, err := stage.Recognize(context.Background(), capture.Asset{}, "")
	if !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if mock.Calls() != 0 {
		t.Fatal("recognizer must not be called for empty assets")
	}
}

func TestRecognizePassesHintThrough(t *testing.T) {
	mock := &MockRecognizer{Text: "I has a pen"}
	stage := newStage(testConfig(), mock, testLogger())

	text, err := stage.Recognize(context.Background(), asset(1200), "earlier words")
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if text != "I has a pen" {
		t.Fatalf("unexpected transcript: %q", text)
	}
	if mock.LastHint() != "earlier words" {
		t.Fatalf("hint not forwarded: %q", mock.LastHint())
	}
}

func TestRecognizeMapsEmptyTranscriptToNoSpeech(t *testing.T) {
	stage := newStage(testConfig(), &MockRecognizer{Text: "   "}, testLogger())

	_, err := stage.Recognize(context.Background(), asset(1200), "")
	if !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestRecognizeClassifiesProviderErrors(t *testing.T) {
	stage := newStage(testConfig(), &MockRecognizer{Err: context.DeadlineExceeded}, testLogger())

	_, err := stage.Recognize(context.Background(), asset(1200), "")
	if !errors.Is(err, provider.ErrTimeout) {
		t.Fatalf("expected timeout classification, got %v", err)
	}
}

func TestNewStageRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "telepathy"
	if _, err := NewStage(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestNewExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := newExecRecognizer(config.RecognitionConfig{Mode: "exec"}); err == nil {
		t.Fatal("expected error for empty command")
	}
}
