package recognition

import (
	"context"
	"sync"

	"github.com/talkback-ai/talkback/internal/capture"
)

// MockRecognizer returns canned transcripts and records what it was asked.
type MockRecognizer struct {
	Text string
	Err  error

	mu       sync.Mutex
	calls    int
	lastHint string
}

func (m *MockRecognizer) Transcribe(ctx context.Context, asset capture.Asset, hint string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.lastHint = hint
	if m.Err != nil {
		return "", m.Err
	}
	return m.Text, nil
}

func (m *MockRecognizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockRecognizer) LastHint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHint
}
