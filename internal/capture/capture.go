// Package capture turns a live audio input stream into a finished,
// transmit-ready asset. Sample ingestion happens on the input stream's
// delivery callback and must stay cheap: downmix, level metering, and a
// buffer append under a short mutex. Everything else (encoding, resampling)
// happens on Stop.
package capture

import (
	"log/slog"
	"math"
	"sync"
)

// Format describes the sample rate and channel count of an input stream.
type Format struct {
	SampleRate int
	Channels   int
}

// BlockFunc receives one block of interleaved little-endian int16 samples.
type BlockFunc func(samples []int16, channels int)

// InputStream abstracts a live audio source. Start registers the block
// callback and begins delivery; Stop halts it. Implementations must not call
// the callback after Stop returns.
type InputStream interface {
	Start(fn BlockFunc) error
	Stop() error
	Format() Format
}

// Asset is an immutable, fully-encoded recording ready for transmission.
// DurationMS records the length of the source audio so downstream gates do
// not have to reason about codec payload sizes.
type Asset struct {
	Bytes       []byte
	Filename    string
	ContentType string
	DurationMS  int
}

// Empty reports whether the asset carries no audio payload.
func (a Asset) Empty() bool { return len(a.Bytes) == 0 }

// Engine accumulates mono samples from an input stream and encodes them into
// an Asset on Stop. It is safe for concurrent use by one delivery callback
// and one control goroutine.
type Engine struct {
	enc *Encoder
	log *slog.Logger

	// mu guards the accumulation buffer and meters. The delivery callback
	// holds it only for the append and meter update.
	mu      sync.Mutex
	buffer  []int16
	scratch []int16
	level   float64
	peak    float64

	stateMu sync.Mutex
	stream  InputStream
	active  bool
}

func NewEngine(enc *Encoder, log *slog.Logger) *Engine {
	return &Engine{
		enc: enc,
		log: log.With(slog.String("component", "capture")),
	}
}

// Start begins accumulating from the given stream. Calling Start while
// already active is a no-op.
func (e *Engine) Start(stream InputStream) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if e.active {
		return nil
	}

	e.mu.Lock()
	e.buffer = e.buffer[:0]
	e.level = 0
	e.peak = 0
	e.mu.Unlock()

	if err := stream.Start(e.processBlock); err != nil {
		return err
	}
	e.stream = stream
	e.active = true

	f := stream.Format()
	e.log.Info("capture started", slog.Int("sample_rate", f.SampleRate), slog.Int("channels", f.Channels))
	return nil
}

// Stop halts the stream, drains the accumulated samples, and encodes them.
// Calling Stop while inactive returns an empty asset.
func (e *Engine) Stop() (Asset, error) {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	if !e.active {
		return Asset{}, nil
	}

	stream := e.stream
	format := stream.Format()
	e.active = false
	e.stream = nil
	if err := stream.Stop(); err != nil {
		e.log.Warn("input stream stop failed", slog.String("error", err.Error()))
	}

	e.mu.Lock()
	samples := e.buffer
	e.buffer = nil
	peak := e.peak
	e.level = 0
	e.mu.Unlock()

	e.log.Info("capture stopped",
		slog.Int("samples", len(samples)),
		slog.Float64("peak", peak))

	return e.enc.Encode(samples, format.SampleRate)
}

// Reset forcibly tears down the current stream and begins accumulating from
// a replacement, discarding any in-progress buffer. Used after a device
// configuration change.
func (e *Engine) Reset(stream InputStream) error {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()

	if e.active && e.stream != nil {
		if err := e.stream.Stop(); err != nil {
			e.log.Warn("input stream stop failed during reset", slog.String("error", err.Error()))
		}
		e.active = false
		e.stream = nil
	}

	e.mu.Lock()
	e.buffer = e.buffer[:0]
	e.level = 0
	e.peak = 0
	e.mu.Unlock()

	if err := stream.Start(e.processBlock); err != nil {
		return err
	}
	e.stream = stream
	e.active = true
	return nil
}

// Active reports whether capture is running.
func (e *Engine) Active() bool {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	return e.active
}

// Level returns the most recent block's RMS level in [0, 1].
func (e *Engine) Level() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.level
}

// processBlock runs on the stream delivery callback: downmix to mono by
// averaging channels, update the level meter, append to the buffer.
func (e *Engine) processBlock(samples []int16, channels int) {
	if len(samples) == 0 || channels <= 0 {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	frames := len(samples) / channels
	if cap(e.scratch) < frames {
		e.scratch = make([]int16, frames)
	}
	mono := e.scratch[:frames]

	var sumSquares float64
	for i := 0; i < frames; i++ {
		var acc int
		for c := 0; c < channels; c++ {
			acc += int(samples[i*channels+c])
		}
		s := int16(acc / channels)
		mono[i] = s

		f := float64(s)
		sumSquares += f * f
		if abs := math.Abs(f); abs > e.peak {
			e.peak = abs
		}
	}

	rms := math.Sqrt(sumSquares/float64(frames)) / 32768.0
	e.level = math.Min(rms*4, 1.0)

	e.buffer = append(e.buffer, mono...)
}
