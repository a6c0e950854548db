package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/clipboard"
	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/correction"
	"github.com/talkback-ai/talkback/internal/devices"
	"github.com/talkback-ai/talkback/internal/history"
	"github.com/talkback-ai/talkback/internal/protocol"
	"github.com/talkback-ai/talkback/internal/provider"
	"github.com/talkback-ai/talkback/internal/recognition"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
}

type fakeStream struct {
	mu      sync.Mutex
	fn      capture.BlockFunc
	stopped bool
}

func (f *fakeStream) Start(fn capture.BlockFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fn = fn
	return nil
}

func (f *fakeStream) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	f.fn = nil
	return nil
}

func (f *fakeStream) Format() capture.Format {
	return capture.Format{SampleRate: 16000, Channels: 1}
}

func (f *fakeStream) feed(samples []int16) {
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		fn(samples, 1)
	}
}

type fakeDevices struct {
	mu          sync.Mutex
	info        devices.Info
	err         error
	activeCalls int
	ch          chan devices.Change
}

func (f *fakeDevices) Active() (devices.Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	if f.err != nil {
		return devices.Info{}, f.err
	}
	return f.info, nil
}

func (f *fakeDevices) Changes() <-chan devices.Change { return f.ch }

type fakeRecognizer struct {
	text string
	err  error

	mu    sync.Mutex
	calls int
	hint  string
}

func (f *fakeRecognizer) Recognize(ctx context.Context, asset capture.Asset, hint string) (string, error) {
	f.mu.Lock()
	f.calls++
	f.hint = hint
	f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	return f.text, nil
}

type fakeCorrector struct {
	result  correction.Result
	err     error
	block   chan struct{}
	started chan struct{}

	mu    sync.Mutex
	calls int
}

func (f *fakeCorrector) Correct(ctx context.Context, text string) (correction.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
		}
	}
	if f.err != nil {
		return correction.Result{}, f.err
	}
	return f.result, nil
}

type fakeNarrator struct {
	mu    sync.Mutex
	texts []string
	stops int
}

func (f *fakeNarrator) Narrate(ctx context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeNarrator) StopPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeNarrator) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.texts...)
}

type harness struct {
	o       *Orchestrator
	dev     *fakeDevices
	rec     *fakeRecognizer
	corr    *fakeCorrector
	narr    *fakeNarrator
	clip    *clipboard.MockPublisher
	hist    *history.Tracker
	mu      sync.Mutex
	streams []*fakeStream
}

func (h *harness) currentStream() *fakeStream {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.streams) == 0 {
		return nil
	}
	return h.streams[len(h.streams)-1]
}

func testConfig() config.Config {
	return config.Config{
		Capture:   config.CaptureConfig{FallbackSampleRate: 16000, OpusFrameMS: 20},
		History:   config.HistoryConfig{MaxWords: 120, UseHint: true},
		Clipboard: config.ClipboardConfig{},
	}
}

func newHarness(t *testing.T, cfg config.Config) *harness {
	t.Helper()
	log := testLogger()
	engine := capture.NewEngine(capture.NewEncoder(cfg.Capture, log), log)

	h := &harness{
		dev:  &fakeDevices{info: devices.Info{ID: "mic0", SampleRate: 16000, Channels: 1}, ch: make(chan devices.Change, 4)},
		rec:  &fakeRecognizer{text: "I has a pen"},
		corr: &fakeCorrector{},
		narr: &fakeNarrator{},
		clip: &clipboard.MockPublisher{},
		hist: history.NewTracker(cfg.History),
	}

	deps := Deps{
		Devices:     h.dev,
		Engine:      engine,
		Recognition: h.rec,
		Correction:  h.corr,
		Narration:   h.narr,
		History:     h.hist,
		Clipboard:   h.clip,
	}
	h.o = NewOrchestrator(context.Background(), cfg, deps, log)
	h.o.streams = func(devices.Info) capture.InputStream {
		s := &fakeStream{}
		h.mu.Lock()
		h.streams = append(h.streams, s)
		h.mu.Unlock()
		return s
	}
	h.o.publish = func(subject string, payload any) {}
	t.Cleanup(h.o.Close)
	return h
}

func waitState(t *testing.T, o *Orchestrator, want State) protocol.StateUpdate {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		snap := o.Snapshot()
		if snap.State == string(want) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last state %q", want, o.Snapshot().State)
	return protocol.StateUpdate{}
}

// twoSeconds of 16 kHz mono audio, loud enough to register on the meter.
func twoSeconds() []int16 {
	samples := make([]int16, 32000)
	for i := range samples {
		samples[i] = int16((i % 200) * 50)
	}
	return samples
}

func correctedPenResult() correction.Result {
	return correction.Result{
		CorrectedText: "I have a pen.",
		Issues: []protocol.Issue{{
			Span:      protocol.Span{Start: 0, End: 5},
			Original:  "I has",
			Corrected: "I have",
			Reason:    "subject-verb agreement",
			Severity:  "high",
		}},
	}
}

func TestEndToEndCorrectionFlow(t *testing.T) {
	h := newHarness(t, testConfig())
	h.corr.result = correctedPenResult()

	h.o.handleStart("editor")
	if got := h.o.Snapshot().State; got != string(StateRecording) {
		t.Fatalf("expected recording state, got %q", got)
	}
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()

	snap := waitState(t, h.o, StateCompleted)
	if snap.RecognizedText != "I has a pen" {
		t.Fatalf("unexpected recognized text: %q", snap.RecognizedText)
	}
	if snap.CorrectedText != "I have a pen." {
		t.Fatalf("unexpected corrected text: %q", snap.CorrectedText)
	}
	if len(snap.Issues) != 1 || snap.Issues[0].Severity != "high" {
		t.Fatalf("unexpected issues: %+v", snap.Issues)
	}
	if !snap.Copied {
		t.Fatal("raw text should have been copied")
	}

	published := h.clip.Published()
	if len(published) != 1 || published[0] != "I has a pen" {
		t.Fatalf("expected raw text copied immediately, got %v", published)
	}

	deadline := time.Now().Add(time.Second)
	for len(h.narr.Texts()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if texts := h.narr.Texts(); len(texts) != 1 || texts[0] != "I have a pen." {
		t.Fatalf("expected narration of corrected text, got %v", texts)
	}

	if hint := h.hist.Hint("editor"); hint != "I have a pen." {
		t.Fatalf("history should carry corrected text, got %q", hint)
	}
}

func TestCorrectionFallbackKeepsRawText(t *testing.T) {
	h := newHarness(t, testConfig())
	h.corr.err = fmt.Errorf("%w: twice unparseable", provider.ErrMalformed)

	h.o.handleStart("")
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()

	snap := waitState(t, h.o, StateCompleted)
	if snap.RecognizedText != "I has a pen" {
		t.Fatalf("unexpected recognized text: %q", snap.RecognizedText)
	}
	if snap.CorrectedText != "" || len(snap.Issues) != 0 {
		t.Fatalf("fallback must not carry a correction result: %+v", snap)
	}
	if len(h.narr.Texts()) != 0 {
		t.Fatal("no narration on correction fallback")
	}
	if hint := h.hist.Hint(""); hint != "I has a pen" {
		t.Fatalf("history should carry raw text on fallback, got %q", hint)
	}
}

func TestRecognitionFailureAbortsRun(t *testing.T) {
	h := newHarness(t, testConfig())
	h.rec.err = fmt.Errorf("%w: 100ms captured", recognition.ErrTooShort)

	h.o.handleStart("")
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()

	snap := waitState(t, h.o, StateFailed)
	if snap.ErrorKind != string(KindTooShort) {
		t.Fatalf("expected too_short, got %q", snap.ErrorKind)
	}
	if got := h.clip.Published(); len(got) != 0 {
		t.Fatalf("nothing may be copied on recognition failure, got %v", got)
	}
	if h.corr.calls != 0 {
		t.Fatal("correction must not run after recognition failure")
	}
	if hint := h.hist.Hint(""); hint != "" {
		t.Fatalf("history must not change on recognition failure, got %q", hint)
	}
}

func TestSupersededRunResultsAreDiscarded(t *testing.T) {
	h := newHarness(t, testConfig())
	h.corr.result = correctedPenResult()
	h.corr.block = make(chan struct{})
	h.corr.started = make(chan struct{}, 1)

	h.o.handleStart("")
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()

	select {
	case <-h.corr.started:
	case <-time.After(2 * time.Second):
		t.Fatal("correction never started")
	}

	// New start trigger mid-correction supersedes the run.
	h.o.handleStart("")
	if got := h.o.Snapshot().State; got != string(StateRecording) {
		t.Fatalf("expected immediate transition to recording, got %q", got)
	}

	close(h.corr.block)
	time.Sleep(100 * time.Millisecond)

	snap := h.o.Snapshot()
	if snap.State != string(StateRecording) {
		t.Fatalf("superseded run mutated state to %q", snap.State)
	}
	if snap.CorrectedText != "" {
		t.Fatalf("superseded correction result leaked: %q", snap.CorrectedText)
	}
	if len(h.narr.Texts()) != 0 {
		t.Fatal("superseded run must not narrate")
	}
	if hint := h.hist.Hint(""); hint != "" {
		t.Fatalf("superseded run must not touch history, got %q", hint)
	}
}

func TestDuplicateStartTriggerIgnored(t *testing.T) {
	h := newHarness(t, testConfig())

	h.o.handleStart("")
	h.o.handleStart("")

	h.mu.Lock()
	streamCount := len(h.streams)
	h.mu.Unlock()
	if streamCount != 1 {
		t.Fatalf("key-repeat start must not reopen the stream, got %d streams", streamCount)
	}
	if got := h.o.Snapshot().State; got != string(StateRecording) {
		t.Fatalf("expected recording, got %q", got)
	}
}

func TestStopWithoutStartIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	h.o.handleStop()
	if got := h.o.Snapshot().State; got != string(StateIdle) {
		t.Fatalf("expected idle, got %q", got)
	}
	if h.rec.calls != 0 {
		t.Fatal("no run may launch without a recording")
	}
}

func TestNoInputDeviceFailsAndRecovers(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dev.err = devices.ErrNoInputDevice

	h.o.handleStart("")
	snap := waitState(t, h.o, StateFailed)
	if snap.ErrorKind != string(KindConfiguration) {
		t.Fatalf("expected configuration error, got %q", snap.ErrorKind)
	}

	// A later start works once a device appears; the trigger flag must not
	// stay wedged by the failure.
	h.dev.mu.Lock()
	h.dev.err = nil
	h.dev.mu.Unlock()
	h.o.handleStart("")
	if got := h.o.Snapshot().State; got != string(StateRecording) {
		t.Fatalf("expected recording after recovery, got %q", got)
	}
}

func TestDeviceChangeRecoveryBudget(t *testing.T) {
	h := newHarness(t, testConfig())

	h.o.handleStart("")
	first := h.currentStream()

	h.o.handleDeviceChange(devices.Change{DeviceID: "mic0", SampleRate: 48000, Channels: 2})
	if !first.stopped {
		t.Fatal("old stream should be torn down on device change")
	}
	if got := h.o.Snapshot().State; got != string(StateRecording) {
		t.Fatalf("recording should survive first device change, got %q", got)
	}

	h.o.handleDeviceChange(devices.Change{DeviceID: "mic0", SampleRate: 44100, Channels: 1})
	if got := h.o.Snapshot().State; got != string(StateRecording) {
		t.Fatalf("recording should survive second device change, got %q", got)
	}

	h.o.handleDeviceChange(devices.Change{DeviceID: "mic0", SampleRate: 8000, Channels: 1})
	snap := waitState(t, h.o, StateFailed)
	if snap.ErrorKind != string(KindConfiguration) {
		t.Fatalf("expected configuration error after restart storm, got %q", snap.ErrorKind)
	}
}

func TestPublishCorrectedFlag(t *testing.T) {
	cfg := testConfig()
	cfg.Clipboard.PublishCorrected = true
	h := newHarness(t, cfg)
	h.corr.result = correctedPenResult()

	h.o.handleStart("")
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()
	waitState(t, h.o, StateCompleted)

	published := h.clip.Published()
	if len(published) != 2 || published[0] != "I has a pen" || published[1] != "I have a pen." {
		t.Fatalf("expected raw then corrected copies, got %v", published)
	}
}

func TestNarrationSkippedWhenNoIssues(t *testing.T) {
	h := newHarness(t, testConfig())
	h.corr.result = correction.Result{CorrectedText: "I has a pen"}

	h.o.handleStart("")
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()

	waitState(t, h.o, StateCompleted)
	time.Sleep(50 * time.Millisecond)
	if len(h.narr.Texts()) != 0 {
		t.Fatal("clean utterances must not be narrated")
	}
}

func TestHintForwardedToRecognition(t *testing.T) {
	h := newHarness(t, testConfig())
	h.corr.result = correction.Result{CorrectedText: "and an apple"}
	h.hist.Record("editor", "I have a pen")

	h.o.handleStart("editor")
	h.currentStream().feed(twoSeconds())
	h.o.handleStop()
	waitState(t, h.o, StateCompleted)

	h.rec.mu.Lock()
	hint := h.rec.hint
	h.rec.mu.Unlock()
	if hint != "I have a pen" {
		t.Fatalf("expected history hint forwarded, got %q", hint)
	}
}

func TestStartStopsActiveNarration(t *testing.T) {
	h := newHarness(t, testConfig())
	h.o.handleStart("")
	if h.narr.stops != 1 {
		t.Fatalf("start trigger must stop prior narration, got %d stops", h.narr.stops)
	}
}

func TestKindOfClassification(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{recognition.ErrTooShort, KindTooShort},
		{recognition.ErrNoSpeech, KindNoSpeech},
		{devices.ErrNoInputDevice, KindConfiguration},
		{provider.ErrUnauthorized, KindUnauthorized},
		{provider.ErrRateLimited, KindRateLimited},
		{provider.ErrTimeout, KindTimeout},
		{provider.ErrMalformed, KindMalformed},
		{errors.New("connection refused"), KindNetwork},
	}
	for _, tc := range cases {
		if got := kindOf(tc.err); got != tc.want {
			t.Fatalf("kindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
