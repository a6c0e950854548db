package pipeline

import (
	"errors"
	"time"

	"github.com/talkback-ai/talkback/internal/devices"
	"github.com/talkback-ai/talkback/internal/protocol"
	"github.com/talkback-ai/talkback/internal/provider"
	"github.com/talkback-ai/talkback/internal/recognition"
)

// State names the pipeline's exclusive top-level condition.
type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Step names the in-flight processing stage.
type Step string

const (
	StepRecognizing Step = "recognizing"
	StepCorrecting  Step = "correcting"
	StepNarrating   Step = "narrating"
)

// ErrorKind is the user-visible failure taxonomy.
type ErrorKind string

const (
	KindNone          ErrorKind = ""
	KindTooShort      ErrorKind = "too_short"
	KindNoSpeech      ErrorKind = "no_speech"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindRateLimited   ErrorKind = "rate_limited"
	KindTimeout       ErrorKind = "timeout"
	KindNetwork       ErrorKind = "network"
	KindMalformed     ErrorKind = "malformed"
	KindConfiguration ErrorKind = "configuration"
	KindClipboard     ErrorKind = "clipboard"
)

// kindOf maps stage errors onto the visible taxonomy.
func kindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, recognition.ErrTooShort):
		return KindTooShort
	case errors.Is(err, recognition.ErrNoSpeech):
		return KindNoSpeech
	case errors.Is(err, devices.ErrNoInputDevice):
		return KindConfiguration
	case errors.Is(err, provider.ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, provider.ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, provider.ErrTimeout):
		return KindTimeout
	case errors.Is(err, provider.ErrMalformed):
		return KindMalformed
	default:
		return KindNetwork
	}
}

// snapshot is the orchestrator's single source of truth, copied out under
// the mutex for every publication. The presentation layer only ever sees
// the protocol projection.
type snapshot struct {
	State          State
	Step           Step
	RecognizedText string
	CorrectedText  string
	Issues         []protocol.Issue
	ErrorKind      ErrorKind
	Copied         bool
	Timestamp      time.Time
}

func (s snapshot) toUpdate() protocol.StateUpdate {
	return protocol.StateUpdate{
		State:          string(s.State),
		Step:           string(s.Step),
		RecognizedText: s.RecognizedText,
		CorrectedText:  s.CorrectedText,
		Issues:         s.Issues,
		ErrorKind:      string(s.ErrorKind),
		Copied:         s.Copied,
		Timestamp:      s.Timestamp,
	}
}
