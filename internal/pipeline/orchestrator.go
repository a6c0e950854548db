// Package pipeline owns the utterance state machine: single-flight run
// scheduling, cooperative cancellation, sequencing of the recognize →
// correct → narrate stages, and the side effects gated on their outcomes.
//
// Every run is tagged with a monotonic epoch taken when its start trigger
// arrived. All shared-state mutations flow through a commit gate that drops
// writes from superseded epochs, so an abandoned run can finish (or fail)
// in the background without its results ever becoming visible.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/talkback-ai/talkback/internal/bus"
	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/clipboard"
	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/correction"
	"github.com/talkback-ai/talkback/internal/devices"
	"github.com/talkback-ai/talkback/internal/eventstore"
	"github.com/talkback-ai/talkback/internal/history"
	"github.com/talkback-ai/talkback/internal/protocol"
)

// deviceRestartLimit bounds transparent capture restarts after device
// reconfiguration within one recording; exceeding it is a configuration
// error rather than a restart loop.
const deviceRestartLimit = 2

// levelInterval paces audio-level publication while recording (20 Hz).
const levelInterval = 50 * time.Millisecond

// DeviceSource provides the active capture device and reconfiguration
// notifications.
type DeviceSource interface {
	Active() (devices.Info, error)
	Changes() <-chan devices.Change
}

// RecognitionStage turns a finished asset into text.
type RecognitionStage interface {
	Recognize(ctx context.Context, asset capture.Asset, hint string) (string, error)
}

// CorrectionStage produces corrected text plus an issue list.
type CorrectionStage interface {
	Correct(ctx context.Context, text string) (correction.Result, error)
}

// NarrationStage speaks text; StopPlayback interrupts any active playback.
type NarrationStage interface {
	Narrate(ctx context.Context, text string) error
	StopPlayback()
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Bus         *bus.Client
	Devices     DeviceSource
	Engine      *capture.Engine
	Recognition RecognitionStage
	Correction  CorrectionStage
	Narration   NarrationStage
	History     *history.Tracker
	Clipboard   clipboard.Publisher
	Store       *eventstore.Store
}

type Orchestrator struct {
	cfg    config.Config
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer

	// streams builds an input stream for a device; replaced in tests.
	streams func(dev devices.Info) capture.InputStream
	// publish sends a payload on a bus subject; replaced in tests.
	publish func(subject string, payload any)

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription

	mu             sync.Mutex
	epoch          uint64
	st             snapshot
	triggerActive  bool
	runCancel      context.CancelFunc
	contextKey     string
	deviceRestarts int

	runsStarted    metric.Int64Counter
	runsCompleted  metric.Int64Counter
	runsFailed     metric.Int64Counter
	runsSuperseded metric.Int64Counter
}

func NewOrchestrator(parent context.Context, cfg config.Config, deps Deps, log *slog.Logger) *Orchestrator {
	ctx, cancel := context.WithCancel(parent)
	o := &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		log:    log.With(slog.String("component", "pipeline")),
		tracer: otel.Tracer("github.com/talkback-ai/talkback/pipeline"),
		ctx:    ctx,
		cancel: cancel,
		st:     snapshot{State: StateIdle, Timestamp: time.Now().UTC()},
	}
	o.streams = func(dev devices.Info) capture.InputStream {
		format := capture.Format{SampleRate: dev.SampleRate, Channels: dev.Channels}
		return capture.NewBusInput(deps.Bus, dev.ID, format, o.log)
	}
	o.publish = o.publishJSON
	o.initMetrics()
	return o
}

// Start subscribes the trigger subjects and launches the background loops.
func (o *Orchestrator) Start() error {
	conn := o.deps.Bus.Conn()

	startSub, err := conn.Subscribe(protocol.SubjectTriggerStart, func(msg *nats.Msg) {
		var evt protocol.TriggerEvent
		if len(msg.Data) > 0 {
			if err := json.Unmarshal(msg.Data, &evt); err != nil {
				o.log.Warn("invalid start trigger", slog.String("error", err.Error()))
				return
			}
		}
		o.handleStart(evt.Context)
	})
	if err != nil {
		return fmt.Errorf("subscribe trigger start: %w", err)
	}
	o.subs = append(o.subs, startSub)

	stopSub, err := conn.Subscribe(protocol.SubjectTriggerStop, func(msg *nats.Msg) {
		o.handleStop()
	})
	if err != nil {
		return fmt.Errorf("subscribe trigger stop: %w", err)
	}
	o.subs = append(o.subs, stopSub)

	go o.watchDeviceChanges()
	go o.publishLevels()

	o.publish(protocol.SubjectUIState, o.Snapshot())
	return nil
}

func (o *Orchestrator) Close() {
	o.cancel()
	for _, sub := range o.subs {
		_ = sub.Drain()
	}
	o.mu.Lock()
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	o.mu.Unlock()
}

// Snapshot returns the current read-only projection.
func (o *Orchestrator) Snapshot() protocol.StateUpdate {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.toUpdate()
}

// handleStart services a start trigger: supersede any in-flight run, stop
// narration, and begin capturing. Key-repeat duplicates are dropped on the
// trigger-active flag, not on state, so error states cannot wedge it.
func (o *Orchestrator) handleStart(contextKey string) {
	o.mu.Lock()
	if o.triggerActive {
		o.mu.Unlock()
		o.log.Debug("duplicate start trigger ignored")
		return
	}
	o.triggerActive = true
	o.epoch++
	epoch := o.epoch
	if o.runCancel != nil {
		o.runCancel()
		o.runCancel = nil
	}
	o.contextKey = contextKey
	o.deviceRestarts = 0
	o.mu.Unlock()

	o.deps.Narration.StopPlayback()

	dev, err := o.deps.Devices.Active()
	if err != nil {
		o.failRecording(epoch, err)
		return
	}
	if err := o.deps.Engine.Start(o.streams(dev)); err != nil {
		o.failRecording(epoch, err)
		return
	}

	o.commit(epoch, func(s *snapshot) {
		*s = snapshot{State: StateRecording}
	})
	o.log.Info("recording started",
		slog.String("device", dev.ID),
		slog.String("context", contextKey),
		slog.Uint64("epoch", epoch))
}

// handleStop finalizes capture synchronously, releasing the input stream
// promptly, then launches the asynchronous run.
func (o *Orchestrator) handleStop() {
	o.mu.Lock()
	if !o.triggerActive {
		o.mu.Unlock()
		return
	}
	o.triggerActive = false
	epoch := o.epoch
	contextKey := o.contextKey
	o.mu.Unlock()

	asset, err := o.deps.Engine.Stop()
	if err != nil {
		o.log.Error("capture finalize failed", slog.String("error", err.Error()))
		o.commit(epoch, func(s *snapshot) {
			*s = snapshot{State: StateFailed, ErrorKind: kindOf(err)}
		})
		return
	}

	runCtx, cancelRun := context.WithCancel(o.ctx)
	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		cancelRun()
		return
	}
	o.runCancel = cancelRun
	o.mu.Unlock()

	go o.run(runCtx, epoch, asset, contextKey)
}

// run executes one recognize → correct → narrate pass. All state writes go
// through the epoch-gated commit; every side effect re-checks currency
// first.
func (o *Orchestrator) run(ctx context.Context, epoch uint64, asset capture.Asset, contextKey string) {
	runID := uuid.NewString()
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("run.id", runID),
		attribute.Int("audio.duration_ms", asset.DurationMS),
	))
	defer span.End()

	o.count(o.runsStarted)
	o.storeBegin(runID, contextKey)

	if !o.commit(epoch, func(s *snapshot) {
		*s = snapshot{State: StateProcessing, Step: StepRecognizing}
	}) {
		o.count(o.runsSuperseded)
		return
	}
	o.storeEvent(runID, string(StepRecognizing), "")

	hint := ""
	if o.cfg.History.UseHint {
		hint = o.deps.History.Hint(contextKey)
	}

	text, err := o.deps.Recognition.Recognize(ctx, asset, hint)
	if err != nil {
		kind := kindOf(err)
		if !o.commit(epoch, func(s *snapshot) {
			*s = snapshot{State: StateFailed, ErrorKind: kind}
		}) {
			o.count(o.runsSuperseded)
			return
		}
		o.count(o.runsFailed)
		o.log.Warn("recognition failed",
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()))
		o.storeFinish(runID, eventstore.Utterance{ID: runID, Outcome: "failed_" + string(kind)})
		return
	}
	span.SetAttributes(attribute.Int("recognized.chars", len(text)))

	// Copy-raw-immediately: the recognized text reaches the clipboard
	// before correction runs, so a slow or failing corrector never delays
	// the paste.
	if o.stale(epoch) {
		o.count(o.runsSuperseded)
		return
	}
	copied := true
	clipKind := KindNone
	if err := o.deps.Clipboard.Publish(ctx, text); err != nil {
		copied = false
		clipKind = KindClipboard
		o.log.Error("clipboard publish failed", slog.String("error", err.Error()))
	}

	if !o.commit(epoch, func(s *snapshot) {
		*s = snapshot{
			State:          StateProcessing,
			Step:           StepCorrecting,
			RecognizedText: text,
			Copied:         copied,
			ErrorKind:      clipKind,
		}
	}) {
		o.count(o.runsSuperseded)
		return
	}
	o.storeEvent(runID, string(StepCorrecting), "")

	result, corrErr := o.deps.Correction.Correct(ctx, text)
	if corrErr != nil {
		// Fallback: the raw text stands, the run still completes.
		if !o.commit(epoch, func(s *snapshot) {
			*s = snapshot{
				State:          StateCompleted,
				RecognizedText: text,
				Copied:         copied,
				ErrorKind:      clipKind,
			}
		}) {
			o.count(o.runsSuperseded)
			return
		}
		o.deps.History.Record(contextKey, text)
		o.count(o.runsCompleted)
		o.log.Warn("correction failed, keeping raw text",
			slog.String("kind", string(kindOf(corrErr))),
			slog.String("error", corrErr.Error()))
		o.storeFinish(runID, eventstore.Utterance{
			ID:            runID,
			ContextKey:    contextKey,
			RecognizedTxt: text,
			Outcome:       "completed_fallback",
		})
		return
	}

	if o.cfg.Clipboard.PublishCorrected && result.CorrectedText != text {
		if o.stale(epoch) {
			o.count(o.runsSuperseded)
			return
		}
		if err := o.deps.Clipboard.Publish(ctx, result.CorrectedText); err != nil {
			clipKind = KindClipboard
			o.log.Error("corrected clipboard publish failed", slog.String("error", err.Error()))
		}
	}

	if !o.commit(epoch, func(s *snapshot) {
		*s = snapshot{
			State:          StateCompleted,
			RecognizedText: text,
			CorrectedText:  result.CorrectedText,
			Issues:         result.Issues,
			Copied:         copied,
			ErrorKind:      clipKind,
		}
	}) {
		o.count(o.runsSuperseded)
		return
	}
	o.deps.History.Record(contextKey, result.CorrectedText)
	o.count(o.runsCompleted)
	o.storeFinish(runID, eventstore.Utterance{
		ID:            runID,
		ContextKey:    contextKey,
		RecognizedTxt: text,
		CorrectedTxt:  result.CorrectedText,
		IssueCount:    len(result.Issues),
		Outcome:       "completed",
	})

	// Narration policy: speak only when correction actually changed
	// something. State is already Completed; narration never blocks or
	// alters the outcome.
	if len(result.Issues) > 0 {
		if o.stale(epoch) {
			return
		}
		o.storeEvent(runID, string(StepNarrating), "")
		if err := o.deps.Narration.Narrate(ctx, result.CorrectedText); err != nil {
			o.log.Warn("narration failed", slog.String("error", err.Error()))
		}
	}
}

// commit applies a state mutation if the epoch is still current and
// publishes the projection. Returns false when the run was superseded.
func (o *Orchestrator) commit(epoch uint64, mutate func(s *snapshot)) bool {
	o.mu.Lock()
	if epoch != o.epoch {
		o.mu.Unlock()
		return false
	}
	mutate(&o.st)
	o.st.Timestamp = time.Now().UTC()
	snap := o.st
	o.mu.Unlock()

	o.publish(protocol.SubjectUIState, snap.toUpdate())
	return true
}

func (o *Orchestrator) stale(epoch uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return epoch != o.epoch
}

// failRecording aborts a recording attempt: clears the trigger flag (only
// while the epoch is still current), tears down any live capture, and
// surfaces the failure.
func (o *Orchestrator) failRecording(epoch uint64, err error) {
	o.mu.Lock()
	if epoch == o.epoch {
		o.triggerActive = false
	}
	o.mu.Unlock()

	if o.deps.Engine.Active() {
		if _, stopErr := o.deps.Engine.Stop(); stopErr != nil {
			o.log.Warn("capture teardown failed", slog.String("error", stopErr.Error()))
		}
	}

	kind := kindOf(err)
	o.commit(epoch, func(s *snapshot) {
		*s = snapshot{State: StateFailed, ErrorKind: kind}
	})
	o.log.Error("recording failed",
		slog.String("kind", string(kind)),
		slog.String("error", err.Error()))
}

func (o *Orchestrator) watchDeviceChanges() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case change := <-o.deps.Devices.Changes():
			o.handleDeviceChange(change)
		}
	}
}

// handleDeviceChange transparently restarts capture with the device's new
// format. The restart budget resets per recording; blowing it surfaces a
// configuration error instead of looping.
func (o *Orchestrator) handleDeviceChange(change devices.Change) {
	o.mu.Lock()
	if !o.triggerActive {
		o.mu.Unlock()
		return
	}
	epoch := o.epoch
	if o.deviceRestarts >= deviceRestartLimit {
		o.mu.Unlock()
		o.failRecording(epoch, fmt.Errorf("%w: device %s reconfigured more than %d times",
			devices.ErrNoInputDevice, change.DeviceID, deviceRestartLimit))
		return
	}
	o.deviceRestarts++
	restarts := o.deviceRestarts
	o.mu.Unlock()

	dev, err := o.deps.Devices.Active()
	if err != nil {
		o.failRecording(epoch, err)
		return
	}
	if err := o.deps.Engine.Reset(o.streams(dev)); err != nil {
		o.failRecording(epoch, err)
		return
	}
	o.log.Info("capture restarted after device change",
		slog.String("device", dev.ID),
		slog.Int("sample_rate", dev.SampleRate),
		slog.Int("restart", restarts))
}

// publishLevels streams the capture level meter while recording.
func (o *Orchestrator) publishLevels() {
	ticker := time.NewTicker(levelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if !o.deps.Engine.Active() {
				continue
			}
			o.publish(protocol.SubjectUILevel, protocol.LevelUpdate{
				Level:     o.deps.Engine.Level(),
				Timestamp: time.Now().UTC(),
			})
		}
	}
}

func (o *Orchestrator) publishJSON(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.log.Error("marshal bus payload", slog.String("subject", subject), slog.String("error", err.Error()))
		return
	}
	if err := o.deps.Bus.Conn().Publish(subject, data); err != nil {
		o.log.Warn("bus publish failed", slog.String("subject", subject), slog.String("error", err.Error()))
	}
}

// Event-store writes are best-effort diagnostics and never affect the run.

func (o *Orchestrator) storeBegin(runID, contextKey string) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.BeginUtterance(o.ctx, runID, contextKey); err != nil {
		o.log.Warn("event store begin failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) storeEvent(runID, eventType, detail string) {
	if o.deps.Store == nil {
		return
	}
	evt := eventstore.RunEvent{UtteranceID: runID, Type: eventType, Detail: detail}
	if err := o.deps.Store.AppendEvent(o.ctx, evt); err != nil {
		o.log.Warn("event store append failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) storeFinish(runID string, u eventstore.Utterance) {
	if o.deps.Store == nil {
		return
	}
	u.ID = runID
	if err := o.deps.Store.FinishUtterance(o.ctx, u); err != nil {
		o.log.Warn("event store finish failed", slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) initMetrics() {
	meter := otel.Meter("github.com/talkback-ai/talkback/pipeline")
	mk := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			o.log.Warn("failed to create counter", slog.String("name", name), slog.String("error", err.Error()))
			return nil
		}
		return c
	}
	o.runsStarted = mk("talkback.pipeline.runs_started", "Pipeline runs launched")
	o.runsCompleted = mk("talkback.pipeline.runs_completed", "Pipeline runs that reached Completed")
	o.runsFailed = mk("talkback.pipeline.runs_failed", "Pipeline runs that reached Failed")
	o.runsSuperseded = mk("talkback.pipeline.runs_superseded", "Pipeline runs dropped by a newer trigger")
}

func (o *Orchestrator) count(c metric.Int64Counter) {
	if c != nil {
		c.Add(o.ctx, 1)
	}
}
