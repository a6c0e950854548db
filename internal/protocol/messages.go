package protocol

import "time"

// AudioFrame represents PCM audio data streamed from a microphone device.
type AudioFrame struct {
	DeviceID   string `json:"device_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
}

// TriggerEvent is an edge-triggered start or stop signal, typically produced
// by a hotkey press/release. Context carries an optional application or
// window identifier used to scope the recognition hint window.
type TriggerEvent struct {
	Context   string    `json:"context,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DeviceAnnounce is published by a capture device when it comes online or
// when its stream configuration changes.
type DeviceAnnounce struct {
	DeviceID   string    `json:"device_id"`
	SampleRate int       `json:"sample_rate"`
	Channels   int       `json:"channels"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceHeartbeat keeps a device marked healthy in the registry.
type DeviceHeartbeat struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Issue describes a single grammatical correction applied to recognized text.
// Span offsets index into the original recognized text.
type Issue struct {
	Span      Span   `json:"span"`
	Original  string `json:"original"`
	Corrected string `json:"corrected"`
	Reason    string `json:"reason"`
	Severity  string `json:"severity"`
	Note      string `json:"note,omitempty"`
}

// Span is a half-open [Start, End) offset range.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// StateUpdate is the read-only projection of pipeline state consumed by the
// presentation layer. The orchestrator publishes it after every transition
// and never reads anything back.
type StateUpdate struct {
	State          string    `json:"state"`
	Step           string    `json:"step,omitempty"`
	RecognizedText string    `json:"recognized_text,omitempty"`
	CorrectedText  string    `json:"corrected_text,omitempty"`
	Issues         []Issue   `json:"issues,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Copied         bool      `json:"copied,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// LevelUpdate carries the current audio input level while recording.
type LevelUpdate struct {
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix = "audio.frame"
	SubjectTriggerStart     = "trigger.start"
	SubjectTriggerStop      = "trigger.stop"
	SubjectDeviceAnnounce   = "ctrl.device.announce"
	SubjectDeviceHeartbeat  = "ctrl.device.heartbeat"
	SubjectUIState          = "ui.state"
	SubjectUILevel          = "ui.level"
)
