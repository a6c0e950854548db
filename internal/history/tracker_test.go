package history

import (
	"fmt"
	"strings"
	"testing"

	"github.com/talkback-ai/talkback/internal/config"
)

func newTracker(maxWords int) *Tracker {
	return NewTracker(config.HistoryConfig{MaxWords: maxWords})
}

func TestHintEmptyForUnknownContext(t *testing.T) {
	tr := newTracker(10)
	if hint := tr.Hint("editor"); hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
}

func TestRecordAccumulatesWords(t *testing.T) {
	tr := newTracker(10)
	tr.Record("editor", "I have a pen")
	tr.Record("editor", "and an apple")

	if hint := tr.Hint("editor"); hint != "I have a pen and an apple" {
		t.Fatalf("unexpected hint: %q", hint)
	}
}

func TestRecordEnforcesWordCapWithMarker(t *testing.T) {
	tr := newTracker(4)
	tr.Record("editor", "one two three four five six")

	hint := tr.Hint("editor")
	if hint != "… three four five six" {
		t.Fatalf("unexpected hint: %q", hint)
	}
	if words := strings.Fields(hint); len(words) != 5 {
		t.Fatalf("expected marker plus 4 words, got %d fields", len(words))
	}
}

func TestMarkerPersistsAfterTruncation(t *testing.T) {
	tr := newTracker(3)
	tr.Record("editor", "a b c d")
	tr.Record("editor", "e")

	if hint := tr.Hint("editor"); hint != "… c d e" {
		t.Fatalf("unexpected hint: %q", hint)
	}
}

func TestContextsAreIsolated(t *testing.T) {
	tr := newTracker(10)
	tr.Record("editor", "editor words")
	tr.Record("chat", "chat words")

	if hint := tr.Hint("editor"); hint != "editor words" {
		t.Fatalf("editor hint polluted: %q", hint)
	}
	if hint := tr.Hint("chat"); hint != "chat words" {
		t.Fatalf("chat hint polluted: %q", hint)
	}
}

func TestRecordIgnoresEmptyText(t *testing.T) {
	tr := newTracker(10)
	tr.Record("editor", "   ")
	if hint := tr.Hint("editor"); hint != "" {
		t.Fatalf("expected empty hint, got %q", hint)
	}
}

func TestReset(t *testing.T) {
	tr := newTracker(10)
	tr.Record("editor", "some words")
	tr.Reset("editor")
	if hint := tr.Hint("editor"); hint != "" {
		t.Fatalf("expected empty hint after reset, got %q", hint)
	}
}

func TestUnlimitedWhenMaxWordsZero(t *testing.T) {
	tr := newTracker(0)
	var sb strings.Builder
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&sb, "w%d ", i)
	}
	tr.Record("editor", sb.String())

	if words := strings.Fields(tr.Hint("editor")); len(words) != 500 {
		t.Fatalf("expected 500 words, got %d", len(words))
	}
}
