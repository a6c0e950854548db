package correction

import (
	"context"
	"sync"
)

// MockGenerator returns canned payloads, one per call when Payloads is set,
// otherwise Payload forever.
type MockGenerator struct {
	Payload  string
	Payloads []string
	Err      error

	mu    sync.Mutex
	calls int
}

func (m *MockGenerator) Generate(ctx context.Context, system, user string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := m.calls
	m.calls++
	if m.Err != nil {
		return "", m.Err
	}
	if len(m.Payloads) > 0 {
		if call < len(m.Payloads) {
			return m.Payloads[call], nil
		}
		return m.Payloads[len(m.Payloads)-1], nil
	}
	return m.Payload, nil
}

func (m *MockGenerator) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
