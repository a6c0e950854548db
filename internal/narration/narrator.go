// Package narration speaks corrected text back to the user. Synthesis and
// playback are separate concerns: a Synthesizer produces audio bytes, a
// Player runs them through an output device. At most one playback exists at
// a time; starting a new one stops the old.
package narration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/provider"
)

// pollInterval is how often an active playback is checked for completion.
const pollInterval = 100 * time.Millisecond

// Synthesizer converts text to playable audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// Player starts audio playback and hands back a handle to observe and stop
// it.
type Player interface {
	Play(audio []byte) (Handle, error)
}

// Handle observes one playback. Stop must be idempotent.
type Handle interface {
	Done() bool
	Stop()
}

// Service drives synthesis and playback for one utterance at a time.
type Service struct {
	cfg    config.NarrationConfig
	synth  Synthesizer
	player Player
	log    *slog.Logger

	mu      sync.Mutex
	current Handle
}

func NewService(cfg config.NarrationConfig, log *slog.Logger) (*Service, error) {
	var (
		synth Synthesizer
		err   error
	)
	switch cfg.Mode {
	case "openai":
		synth, err = newOpenAISynthesizer(cfg)
	case "mock", "":
		synth = &MockSynthesizer{Audio: []byte("mock audio")}
	default:
		err = fmt.Errorf("unsupported narration mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, err
	}

	var player Player
	if cfg.PlayerCommand != "" {
		player, err = newExecPlayer(cfg.PlayerCommand, log)
		if err != nil {
			return nil, err
		}
	} else {
		player = &MockPlayer{}
	}

	return newService(cfg, synth, player, log), nil
}

func newService(cfg config.NarrationConfig, synth Synthesizer, player Player, log *slog.Logger) *Service {
	return &Service{
		cfg:    cfg,
		synth:  synth,
		player: player,
		log:    log.With(slog.String("component", "narration")),
	}
}

// Narrate synthesizes text and plays it to completion. A disabled service
// reports success immediately. Context cancellation stops playback and is
// not an error; only synthesis and playback startup failures are.
func (s *Service) Narrate(ctx context.Context, text string) error {
	if !s.cfg.Enabled {
		return nil
	}

	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	audio, err := s.synth.Synthesize(ctx, text)
	if err != nil {
		return provider.Classify(err)
	}

	s.mu.Lock()
	if s.current != nil {
		s.current.Stop()
	}
	handle, err := s.player.Play(audio)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("start playback: %w", err)
	}
	s.current = handle
	s.mu.Unlock()

	s.log.Info("narration playing", slog.Int("bytes", len(audio)))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			handle.Stop()
			return nil
		case <-ticker.C:
			if handle.Done() {
				return nil
			}
		}
	}
}

// StopPlayback halts any active playback without waiting for it.
func (s *Service) StopPlayback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current != nil {
		s.current.Stop()
		s.current = nil
	}
}
