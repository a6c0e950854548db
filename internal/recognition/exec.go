package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/go-audio/wav"
	shellwords "github.com/mattn/go-shellwords"

	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/config"
)

// execRecognizer shells out to a local transcription command. Contract: the
// command receives --audio <file> (plus --model/--language when configured)
// and prints {"text": ..., "confidence": ...} JSON on stdout.
type execRecognizer struct {
	cmd []string
	cfg config.RecognitionConfig
	mu  sync.Mutex
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

func newExecRecognizer(cfg config.RecognitionConfig) (*execRecognizer, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognition command is empty")
	}
	return &execRecognizer{cmd: args, cfg: cfg}, nil
}

func (r *execRecognizer) Transcribe(ctx context.Context, asset capture.Asset, hint string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	file, err := os.CreateTemp("", "talkback_stt_*"+extensionFor(asset))
	if err != nil {
		return "", fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if asset.ContentType == "audio/wav" {
		// Normalize through a decode/encode cycle so the command always
		// sees canonical 16-bit PCM, whatever produced the asset.
		if err := rewriteWAV(file, asset.Bytes); err != nil {
			return "", err
		}
	} else if _, err := file.Write(asset.Bytes); err != nil {
		return "", fmt.Errorf("write audio: %w", err)
	}

	base := r.cmd[0]
	cmdArgs := append([]string{}, r.cmd[1:]...)
	cmdArgs = append(cmdArgs, "--audio", file.Name())
	if r.cfg.ModelPath != "" {
		cmdArgs = append(cmdArgs, "--model", r.cfg.ModelPath)
	}
	if r.cfg.Language != "" {
		cmdArgs = append(cmdArgs, "--language", r.cfg.Language)
	}

	command := exec.CommandContext(ctx, base, cmdArgs...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("recognition command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("decode recognition response: %w", err)
	}
	return resp.Text, nil
}

func rewriteWAV(file *os.File, data []byte) error {
	dec := wav.NewDecoder(bytes.NewReader(data))
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return fmt.Errorf("decode wav: %w", err)
	}

	enc := wav.NewEncoder(file, buf.Format.SampleRate, 16, buf.Format.NumChannels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func extensionFor(asset capture.Asset) string {
	if asset.ContentType == "audio/ogg" {
		return ".ogg"
	}
	return ".wav"
}
