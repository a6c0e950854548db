package narration

import (
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"

	shellwords "github.com/mattn/go-shellwords"
)

// execPlayer pipes audio bytes into an external player command's stdin,
// e.g. "aplay -q" or "ffplay -nodisp -autoexit -".
type execPlayer struct {
	cmd []string
	log *slog.Logger
}

func newExecPlayer(command string, log *slog.Logger) (*execPlayer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse player command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("player command is empty")
	}
	return &execPlayer{cmd: args, log: log.With(slog.String("component", "player"))}, nil
}

func (p *execPlayer) Play(audio []byte) (Handle, error) {
	command := exec.Command(p.cmd[0], p.cmd[1:]...)
	stdin, err := command.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("player stdin: %w", err)
	}
	if err := command.Start(); err != nil {
		return nil, fmt.Errorf("start player: %w", err)
	}

	h := &execHandle{cmd: command}
	go func() {
		if _, err := stdin.Write(audio); err != nil {
			p.log.Warn("player stdin write failed", slog.String("error", err.Error()))
		}
		stdin.Close()
	}()
	go func() {
		if err := command.Wait(); err != nil && !h.stopped.Load() {
			p.log.Warn("player exited with error", slog.String("error", err.Error()))
		}
		h.done.Store(true)
	}()
	return h, nil
}

type execHandle struct {
	cmd     *exec.Cmd
	done    atomic.Bool
	stopped atomic.Bool
}

func (h *execHandle) Done() bool { return h.done.Load() }

func (h *execHandle) Stop() {
	if h.stopped.CompareAndSwap(false, true) && h.cmd.Process != nil {
		_ = h.cmd.Process.Kill()
	}
}
