package capture

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"

	"layeh.com/gopus"

	"github.com/talkback-ai/talkback/internal/config"
)

// maxOpusPacket bounds a single encoded Opus packet.
const maxOpusPacket = 4000

// opusRates lists the sample rates libopus accepts natively.
var opusRates = map[int]bool{
	8000:  true,
	12000: true,
	16000: true,
	24000: true,
	48000: true,
}

// Encoder turns drained mono samples into a transmit-ready Asset. The
// primary path compresses at the native rate into an Ogg Opus container;
// when the native rate is unsupported or the encoder fails, the fallback
// resamples to the configured rate and wraps the PCM in a RIFF/WAVE header.
type Encoder struct {
	cfg config.CaptureConfig
	log *slog.Logger
}

func NewEncoder(cfg config.CaptureConfig, log *slog.Logger) *Encoder {
	return &Encoder{cfg: cfg, log: log.With(slog.String("component", "encoder"))}
}

func (e *Encoder) Encode(samples []int16, sampleRate int) (Asset, error) {
	durationMS := 0
	if sampleRate > 0 {
		durationMS = len(samples) * 1000 / sampleRate
	}

	if len(samples) > 0 && opusRates[sampleRate] {
		asset, err := e.encodeOpus(samples, sampleRate)
		if err == nil {
			asset.DurationMS = durationMS
			return asset, nil
		}
		e.log.Warn("opus encoding failed, falling back to wav", slog.String("error", err.Error()))
	}

	pcm := samples
	rate := sampleRate
	if rate != e.cfg.FallbackSampleRate {
		if rate > 0 && len(pcm) > 0 {
			pcm = ResampleMono16(pcm, rate, e.cfg.FallbackSampleRate)
		}
		rate = e.cfg.FallbackSampleRate
	}

	return Asset{
		Bytes:       EncodeWAV(pcm, rate),
		Filename:    "capture.wav",
		ContentType: "audio/wav",
		DurationMS:  durationMS,
	}, nil
}

func (e *Encoder) encodeOpus(samples []int16, sampleRate int) (Asset, error) {
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Audio)
	if err != nil {
		return Asset{}, fmt.Errorf("create opus encoder: %w", err)
	}

	frameSize := sampleRate * e.cfg.OpusFrameMS / 1000
	if frameSize <= 0 {
		return Asset{}, fmt.Errorf("invalid opus frame size for rate %d", sampleRate)
	}

	var buf bytes.Buffer
	ogg := newOggOpusWriter(&buf, sampleRate)
	if err := ogg.writeHeaders(); err != nil {
		return Asset{}, err
	}

	// Granule positions are always expressed in 48 kHz units.
	granuleStep := int64(frameSize) * 48000 / int64(sampleRate)
	var granule int64

	frame := make([]int16, frameSize)
	for offset := 0; offset < len(samples); offset += frameSize {
		n := copy(frame, samples[offset:])
		for i := n; i < frameSize; i++ {
			frame[i] = 0
		}

		packet, err := enc.Encode(frame, frameSize, maxOpusPacket)
		if err != nil {
			return Asset{}, fmt.Errorf("opus encode: %w", err)
		}

		granule += granuleStep
		last := offset+frameSize >= len(samples)
		if err := ogg.writePacket(packet, granule, last); err != nil {
			return Asset{}, err
		}
	}

	return Asset{
		Bytes:       buf.Bytes(),
		Filename:    "capture.ogg",
		ContentType: "audio/ogg",
	}, nil
}

// ResampleMono16 converts mono int16 samples between rates using linear
// interpolation. Quality is adequate for speech transcription input.
func ResampleMono16(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate || len(samples) == 0 {
		return samples
	}

	outLen := int(int64(len(samples)) * int64(toRate) / int64(fromRate))
	if outLen == 0 {
		return nil
	}
	out := make([]int16, outLen)

	ratio := float64(fromRate) / float64(toRate)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx >= len(samples)-1 {
			out[i] = samples[len(samples)-1]
			continue
		}
		frac := pos - float64(idx)
		a := float64(samples[idx])
		b := float64(samples[idx+1])
		out[i] = int16(a + (b-a)*frac)
	}
	return out
}

// EncodeWAV wraps mono little-endian int16 PCM in a minimal 44-byte
// RIFF/WAVE header. Zero samples produce exactly the 44-byte header with a
// zero data-size field.
func EncodeWAV(samples []int16, sampleRate int) []byte {
	dataSize := uint32(len(samples) * 2)

	var buf bytes.Buffer
	buf.Grow(44 + int(dataSize))

	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16)) // PCM format chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // format tag: PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))  // channels: mono
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))           // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataSize)
	for _, s := range samples {
		binary.Write(&buf, binary.LittleEndian, s)
	}

	return buf.Bytes()
}
