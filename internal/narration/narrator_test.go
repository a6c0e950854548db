package narration

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/talkback-ai/talkback/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

func testConfig() config.NarrationConfig {
	return config.NarrationConfig{Enabled: true, Mode: "mock", TimeoutMS: 5000}
}

func TestNarrateDisabledIsImmediateSuccess(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	synth := &MockSynthesizer{Audio: []byte("x")}
	svc := newService(cfg, synth, &MockPlayer{}, testLogger())

	if err := svc.Narrate(context.Background(), "hello"); err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if synth.Calls() != 0 {
		t.Fatal("disabled narration must not synthesize")
	}
}

func TestNarratePlaysToCompletion(t *testing.T) {
	synth := &MockSynthesizer{Audio: []byte("pcm")}
	player := &MockPlayer{}
	svc := newService(testConfig(), synth, player, testLogger())

	go func() {
		// Let the poll loop spin at least once before finishing.
		time.Sleep(150 * time.Millisecond)
		for _, h := range player.Handles() {
			h.Finish()
		}
	}()

	if err := svc.Narrate(context.Background(), "I have a pen"); err != nil {
		t.Fatalf("narrate: %v", err)
	}
	if synth.LastText() != "I have a pen" {
		t.Fatalf("unexpected synthesized text: %q", synth.LastText())
	}
}

func TestNarrateCancellationStopsPlaybackWithoutError(t *testing.T) {
	player := &MockPlayer{}
	svc := newService(testConfig(), &MockSynthesizer{Audio: []byte("pcm")}, player, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	if err := svc.Narrate(ctx, "hello"); err != nil {
		t.Fatalf("cancellation must not be an error, got %v", err)
	}

	handles := player.Handles()
	if len(handles) != 1 {
		t.Fatalf("expected 1 playback, got %d", len(handles))
	}
	if !handles[0].Stopped() {
		t.Fatal("playback was not stopped on cancellation")
	}
}

func TestNarrateNewPlaybackStopsPrevious(t *testing.T) {
	player := &MockPlayer{}
	svc := newService(testConfig(), &MockSynthesizer{Audio: []byte("pcm")}, player, testLogger())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = svc.Narrate(firstCtx, "first")
	}()

	// Wait until the first playback exists, then start the second.
	deadline := time.After(2 * time.Second)
	for len(player.Handles()) == 0 {
		select {
		case <-deadline:
			t.Fatal("first playback never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	go func() {
		time.Sleep(150 * time.Millisecond)
		handles := player.Handles()
		handles[len(handles)-1].Finish()
	}()
	if err := svc.Narrate(context.Background(), "second"); err != nil {
		t.Fatalf("second narrate: %v", err)
	}

	handles := player.Handles()
	if len(handles) != 2 {
		t.Fatalf("expected 2 playbacks, got %d", len(handles))
	}
	if !handles[0].Stopped() {
		t.Fatal("first playback should have been stopped by the second")
	}

	cancelFirst()
	<-firstDone
}

func TestStopPlayback(t *testing.T) {
	player := &MockPlayer{}
	svc := newService(testConfig(), &MockSynthesizer{Audio: []byte("pcm")}, player, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = svc.Narrate(ctx, "hello")
	}()

	deadline := time.After(2 * time.Second)
	for len(player.Handles()) == 0 {
		select {
		case <-deadline:
			t.Fatal("playback never started")
		case <-time.After(10 * time.Millisecond):
		}
	}

	svc.StopPlayback()
	if !player.Handles()[0].Stopped() {
		t.Fatal("StopPlayback did not stop the active handle")
	}
	<-done
}

func TestNewServiceRejectsUnknownMode(t *testing.T) {
	cfg := testConfig()
	cfg.Mode = "gramophone"
	if _, err := NewService(cfg, testLogger()); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
