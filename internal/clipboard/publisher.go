// Package clipboard publishes text to the system clipboard through an
// external command (pbcopy, wl-copy, xclip -selection clipboard) fed on
// stdin.
package clipboard

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/talkback-ai/talkback/internal/config"
)

// Publisher copies text to the system clipboard.
type Publisher interface {
	Publish(ctx context.Context, text string) error
}

func NewPublisher(cfg config.ClipboardConfig, log *slog.Logger) (Publisher, error) {
	if cfg.Command == "" {
		return &MockPublisher{}, nil
	}
	return newExecPublisher(cfg.Command, log)
}

type execPublisher struct {
	cmd []string
	log *slog.Logger
	mu  sync.Mutex
}

func newExecPublisher(command string, log *slog.Logger) (*execPublisher, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse clipboard command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("clipboard command is empty")
	}
	return &execPublisher{cmd: args, log: log.With(slog.String("component", "clipboard"))}, nil
}

func (p *execPublisher) Publish(ctx context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	command := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	command.Stdin = strings.NewReader(text)
	if out, err := command.CombinedOutput(); err != nil {
		return fmt.Errorf("clipboard command failed: %w: %s", err, strings.TrimSpace(string(out)))
	}

	p.log.Debug("clipboard updated", slog.Int("chars", len(text)))
	return nil
}

// MockPublisher records published texts for tests and for running without a
// configured clipboard command.
type MockPublisher struct {
	Err error

	mu    sync.Mutex
	texts []string
}

func (m *MockPublisher) Publish(ctx context.Context, text string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts = append(m.texts, text)
	return nil
}

func (m *MockPublisher) Published() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.texts...)
}
