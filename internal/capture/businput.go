package capture

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/talkback-ai/talkback/internal/bus"
	"github.com/talkback-ai/talkback/internal/protocol"
)

// BusInput adapts a device's audio.frame.<device> stream on the bus to the
// InputStream interface. Frame payloads carry interleaved little-endian
// int16 PCM.
type BusInput struct {
	bus    *bus.Client
	log    *slog.Logger
	device string
	format Format

	mu      sync.Mutex
	sub     *nats.Subscription
	fn      BlockFunc
	scratch []int16
	lastSeq int
}

func NewBusInput(busClient *bus.Client, deviceID string, format Format, log *slog.Logger) *BusInput {
	return &BusInput{
		bus:     busClient,
		log:     log.With(slog.String("component", "bus-input"), slog.String("device", deviceID)),
		device:  deviceID,
		format:  format,
		lastSeq: -1,
	}
}

func (b *BusInput) Format() Format { return b.format }

func (b *BusInput) Start(fn BlockFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub != nil {
		return fmt.Errorf("input stream already started")
	}

	b.fn = fn
	b.lastSeq = -1
	subject := protocol.SubjectAudioFramePrefix + "." + b.device
	sub, err := b.bus.Conn().Subscribe(subject, b.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	b.sub = sub
	return nil
}

func (b *BusInput) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sub == nil {
		return nil
	}
	err := b.sub.Unsubscribe()
	b.sub = nil
	b.fn = nil
	return err
}

// handleFrame runs on the NATS delivery goroutine. It holds the mutex for
// the whole decode-and-dispatch so Stop never races a late frame into the
// callback.
func (b *BusInput) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.log.Warn("invalid audio frame", slog.String("error", err.Error()))
		return
	}
	if len(frame.PCM)%2 != 0 {
		b.log.Warn("audio frame has odd byte length", slog.Int("bytes", len(frame.PCM)))
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fn == nil {
		return
	}

	if b.lastSeq >= 0 && frame.Sequence > b.lastSeq+1 {
		b.log.Warn("audio frame gap",
			slog.Int("expected", b.lastSeq+1),
			slog.Int("got", frame.Sequence))
	}
	b.lastSeq = frame.Sequence

	n := len(frame.PCM) / 2
	if cap(b.scratch) < n {
		b.scratch = make([]int16, n)
	}
	samples := b.scratch[:n]
	for i := 0; i < n; i++ {
		samples[i] = int16(uint16(frame.PCM[2*i]) | uint16(frame.PCM[2*i+1])<<8)
	}

	channels := frame.Channels
	if channels <= 0 {
		channels = b.format.Channels
	}
	b.fn(samples, channels)
}
