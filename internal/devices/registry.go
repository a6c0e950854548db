package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/talkback-ai/talkback/internal/bus"
	"github.com/talkback-ai/talkback/internal/config"
	"github.com/talkback-ai/talkback/internal/protocol"
)

// ErrNoInputDevice is returned when no healthy capture device is known.
var ErrNoInputDevice = errors.New("no usable input device")

// Info describes a known capture device and its current stream format.
type Info struct {
	ID         string
	SampleRate int
	Channels   int
	LastSeen   time.Time
	Healthy    bool
}

// Change notifies subscribers that a device re-announced with a different
// stream configuration.
type Change struct {
	DeviceID   string
	SampleRate int
	Channels   int
}

// Registry tracks capture devices announced on the bus. Devices announce on
// startup and whenever their configuration changes, and heartbeat to stay
// healthy; a device whose heartbeat lapses past the configured timeout is
// marked unhealthy.
type Registry struct {
	cfg     config.DevicesConfig
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	devices map[string]*Info
	changes chan Change
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.DevicesConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "device-registry")),
		bus:     busClient,
		devices: make(map[string]*Info),
		changes: make(chan Change, 8),
		meter:   otel.Meter("github.com/talkback-ai/talkback/devices"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// Changes delivers device reconfiguration notifications. The channel is
// buffered; slow consumers drop notifications rather than block the bus
// callback.
func (r *Registry) Changes() <-chan Change {
	return r.changes
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectDeviceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe device announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectDeviceHeartbeat+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe device heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement protocol.DeviceAnnounce
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid device announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.DeviceID == "" {
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}

	reconfigured := r.updateDevice(announcement)
	if reconfigured {
		r.log.Info("device reconfigured",
			slog.String("device", announcement.DeviceID),
			slog.Int("sample_rate", announcement.SampleRate),
			slog.Int("channels", announcement.Channels))
		select {
		case r.changes <- Change{DeviceID: announcement.DeviceID, SampleRate: announcement.SampleRate, Channels: announcement.Channels}:
		default:
			r.log.Warn("device change notification dropped", slog.String("device", announcement.DeviceID))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb protocol.DeviceHeartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid device heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if device, ok := r.devices[hb.DeviceID]; ok {
		device.LastSeen = hb.Timestamp
		device.Healthy = true
	}
}

// updateDevice records the announcement and reports whether a previously
// known device changed its format.
func (r *Registry) updateDevice(a protocol.DeviceAnnounce) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	device, known := r.devices[a.DeviceID]
	if !known {
		r.devices[a.DeviceID] = &Info{
			ID:         a.DeviceID,
			SampleRate: a.SampleRate,
			Channels:   a.Channels,
			LastSeen:   a.Timestamp,
			Healthy:    true,
		}
		return false
	}

	reconfigured := device.SampleRate != a.SampleRate || device.Channels != a.Channels
	device.SampleRate = a.SampleRate
	device.Channels = a.Channels
	device.LastSeen = a.Timestamp
	device.Healthy = true
	return reconfigured
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, device := range r.devices {
		if now.Sub(device.LastSeen) > timeout {
			device.Healthy = false
		}
	}
}

// Active returns the healthy device with the most recent heartbeat, or
// ErrNoInputDevice when none reports a usable format.
func (r *Registry) Active() (Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Info
	for _, device := range r.devices {
		if !device.Healthy || device.SampleRate <= 0 || device.Channels <= 0 {
			continue
		}
		if best == nil || device.LastSeen.After(best.LastSeen) {
			best = device
		}
	}
	if best == nil {
		return Info{}, ErrNoInputDevice
	}
	return *best, nil
}

// List returns a snapshot of all known devices.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Info, 0, len(r.devices))
	for _, device := range r.devices {
		result = append(result, *device)
	}
	return result
}

func (r *Registry) initMetrics() error {
	knownGauge, err := r.meter.Int64ObservableGauge("talkback.devices.known", metric.WithDescription("Number of known capture devices"))
	if err != nil {
		return err
	}
	healthyGauge, err := r.meter.Int64ObservableGauge("talkback.devices.healthy", metric.WithDescription("Number of healthy capture devices"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		known, healthy := r.snapshotCounts()
		obs.ObserveInt64(knownGauge, known)
		obs.ObserveInt64(healthyGauge, healthy)
		return nil
	}, knownGauge, healthyGauge)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, device := range r.devices {
		known++
		if device.Healthy {
			healthy++
		}
	}
	return known, healthy
}
