// Package runtime assembles the talkback daemon: telemetry, the message
// bus, the device registry, the capture engine, the pipeline stages, and
// the HTTP surface, with ordered startup and teardown.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talkback-ai/talkback/internal/bus"
	"github.com/talkback-ai/talkback/internal/capture"
	"github.com/talkback-ai/talkback/internal/clipboard"
	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/correction"
	"github.com/talkback-ai/talkback/internal/devices"
	"github.com/talkback-ai/talkback/internal/eventstore"
	"github.com/talkback-ai/talkback/internal/history"
	"github.com/talkback-ai/talkback/internal/narration"
	"github.com/talkback-ai/talkback/internal/natsserver"
	"github.com/talkback-ai/talkback/internal/pipeline"
	"github.com/talkback-ai/talkback/internal/recognition"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	orchestrator *pipeline.Orchestrator
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the full service graph and blocks until ctx is cancelled
// or a fatal component error occurs. Teardown runs in reverse dependency
// order so in-flight runs drain before their collaborators disappear.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger.With(slog.String("component", "nats-server")))
	if err != nil {
		return fmt.Errorf("failed to start embedded bus: %w", err)
	}
	defer embedded.Shutdown()

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger.With(slog.String("component", "bus")))
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	defer busClient.Close()

	registry, err := devices.NewRegistry(ctx, r.cfg.Devices, busClient, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start device registry: %w", err)
	}
	defer registry.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger.With(slog.String("component", "eventstore")))
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	defer store.Close()

	encoder := capture.NewEncoder(r.cfg.Capture, r.logger.With(slog.String("component", "capture")))
	engine := capture.NewEngine(encoder, r.logger.With(slog.String("component", "capture")))

	recognizer, err := recognition.NewStage(r.cfg.Recognition, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build recognition stage: %w", err)
	}
	corrector, err := correction.NewStage(r.cfg.Correction, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build correction stage: %w", err)
	}
	narrator, err := narration.NewService(r.cfg.Narration, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build narration service: %w", err)
	}
	defer narrator.StopPlayback()

	tracker := history.NewTracker(r.cfg.History)
	publisher, err := clipboard.NewPublisher(r.cfg.Clipboard, r.logger)
	if err != nil {
		return fmt.Errorf("failed to build clipboard publisher: %w", err)
	}

	r.orchestrator = pipeline.NewOrchestrator(ctx, r.cfg, pipeline.Deps{
		Bus:         busClient,
		Devices:     registry,
		Engine:      engine,
		Recognition: recognizer,
		Correction:  corrector,
		Narration:   narrator,
		History:     tracker,
		Clipboard:   publisher,
		Store:       store,
	}, r.logger)
	if err := r.orchestrator.Start(); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}
	defer r.orchestrator.Close()

	g, gctx := errgroup.WithContext(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/state", r.handleState)
	mux.HandleFunc("/devices", func(w http.ResponseWriter, req *http.Request) {
		r.writeJSON(w, registry.List())
	})

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.serve(g, gctx, &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	})

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.serve(g, gctx, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("environment", r.cfg.Environment))

	err = g.Wait()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	return err
}

// serve runs an HTTP server under the group and shuts it down when the
// group context ends.
func (r *Runtime) serve(g *errgroup.Group, ctx context.Context, srv *http.Server) {
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server %s: %w", srv.Addr, err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error",
				slog.String("addr", srv.Addr),
				slog.String("error", err.Error()))
		}
		return nil
	})
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

// handleState exposes the orchestrator's current projection for local
// tooling that does not speak the bus.
func (r *Runtime) handleState(w http.ResponseWriter, _ *http.Request) {
	if r.orchestrator == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	r.writeJSON(w, r.orchestrator.Snapshot())
}

func (r *Runtime) writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Warn("write http response", slog.String("error", err.Error()))
	}
}
