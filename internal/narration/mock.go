package narration

import (
	"context"
	"sync"
	"sync/atomic"
)

// MockSynthesizer returns canned audio bytes.
type MockSynthesizer struct {
	Audio []byte
	Err   error

	mu    sync.Mutex
	calls int
	last  string
}

func (m *MockSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.last = text
	if m.Err != nil {
		return nil, m.Err
	}
	return m.Audio, nil
}

func (m *MockSynthesizer) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockSynthesizer) LastText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// MockPlayer hands out MockHandles that tests complete or inspect.
type MockPlayer struct {
	Err error

	mu      sync.Mutex
	handles []*MockHandle
}

func (p *MockPlayer) Play(audio []byte) (Handle, error) {
	if p.Err != nil {
		return nil, p.Err
	}
	h := &MockHandle{}
	p.mu.Lock()
	p.handles = append(p.handles, h)
	p.mu.Unlock()
	return h, nil
}

func (p *MockPlayer) Handles() []*MockHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MockHandle{}, p.handles...)
}

type MockHandle struct {
	done    atomic.Bool
	stopped atomic.Bool
}

func (h *MockHandle) Done() bool    { return h.done.Load() }
func (h *MockHandle) Stop()         { h.stopped.Store(true); h.done.Store(true) }
func (h *MockHandle) Finish()       { h.done.Store(true) }
func (h *MockHandle) Stopped() bool { return h.stopped.Load() }
