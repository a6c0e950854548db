// Package history keeps a rolling window of recently spoken words per
// context key (typically the focused application). The window seeds the
// recognizer's prompt so short follow-up utterances transcribe against what
// was just said. It is memory-only and lost on restart.
package history

import (
	"strings"
	"sync"

	"github.com/talkback-ai/talkback/internal/config"
)

// truncationMarker is prepended to hints whose window has dropped older
// words, signalling to the recognizer that context precedes it.
const truncationMarker = "…"

type window struct {
	words     []string
	truncated bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	mu       sync.Mutex
	maxWords int
	windows  map[string]*window
}

func NewTracker(cfg config.HistoryConfig) *Tracker {
	return &Tracker{
		maxWords: cfg.MaxWords,
		windows:  make(map[string]*window),
	}
}

// Record appends the utterance's words to the context's window, dropping
// the oldest words beyond the cap. Empty or whitespace-only text is a no-op.
func (t *Tracker) Record(contextKey, text string) {
	words := strings.Fields(text)
	if len(words) == 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[contextKey]
	if !ok {
		w = &window{}
		t.windows[contextKey] = w
	}

	w.words = append(w.words, words...)
	if t.maxWords > 0 && len(w.words) > t.maxWords {
		w.words = w.words[len(w.words)-t.maxWords:]
		w.truncated = true
	}
}

// Hint returns the window joined with spaces, prefixed with the truncation
// marker when older words were dropped. An unknown context yields "".
func (t *Tracker) Hint(contextKey string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[contextKey]
	if !ok || len(w.words) == 0 {
		return ""
	}

	joined := strings.Join(w.words, " ")
	if w.truncated {
		return truncationMarker + " " + joined
	}
	return joined
}

// Reset discards the window for one context key.
func (t *Tracker) Reset(contextKey string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.windows, contextKey)
}
