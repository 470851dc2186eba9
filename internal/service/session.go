package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// OfflineReason is shown while a device's PLC is unreachable.
const OfflineReason = "The device is offline."

// SessionState is the lifecycle state of a DeviceSession.
type SessionState int

const (
	SessionUninitialized SessionState = iota
	SessionDisconnected
	SessionConnected
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionUninitialized:
		return "uninitialized"
	case SessionDisconnected:
		return "disconnected"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// DeviceSession binds one provisioned device to the shared client of its PLC
// and runs the device's poll loop while that client is connected.
//
// Locking: bindMu serializes Start, settings changes and Close, and is held
// across registry calls. The connection handler never takes bindMu; it only
// takes mu, which is never held across registry or client calls.
type DeviceSession struct {
	device   domain.DeviceConfig
	template domain.Template
	platform domain.Platform
	registry domain.ClientRegistry
	engine   *Engine
	journal  domain.EventJournal
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// onOnline receives +1/-1 as the session gains or loses its connection.
	onOnline func(delta int)

	ctx    context.Context
	cancel context.CancelFunc

	bindMu sync.Mutex

	mu          sync.Mutex
	state       SessionState
	client      domain.RegisterClient
	unsubscribe func()
	generation  uint64
	loopCancel  context.CancelFunc
	scale       float64
	snapshot    domain.Settings
	online      bool
	closed      bool
	lastPoll    time.Time
	pollCount   uint64

	loops  sync.WaitGroup
	writes sync.WaitGroup
}

// DeviceSessionConfig carries a session's collaborators.
type DeviceSessionConfig struct {
	Device   domain.DeviceConfig
	Template domain.Template
	Platform domain.Platform
	Registry domain.ClientRegistry
	Journal  domain.EventJournal
	Interval time.Duration
	OnOnline func(delta int)
}

// NewDeviceSession creates an uninitialized session. Call Start to bind it.
func NewDeviceSession(config DeviceSessionConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *DeviceSession {
	if config.Interval <= 0 {
		config.Interval = 10 * time.Second
	}
	logger = logger.With().
		Str("device_id", config.Device.ID).
		Str("device_type", string(config.Device.Type)).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	return &DeviceSession{
		device:   config.Device,
		template: config.Template,
		platform: config.Platform,
		registry: config.Registry,
		journal:  config.Journal,
		engine:   NewEngine(config.Device.ID, config.Platform, config.Journal, logger, metricsReg),
		interval: config.Interval,
		logger:   logger,
		metrics:  metricsReg,
		onOnline: config.OnOnline,
		ctx:      ctx,
		cancel:   cancel,
		scale:    1,
	}
}

// Start loads the settings snapshot, registers command listeners and binds
// the session to the client of the configured PLC endpoint. If that client
// is already connected, polling starts immediately.
func (d *DeviceSession) Start() error {
	d.bindMu.Lock()
	defer d.bindMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrSessionClosed
	}
	settings := d.platform.Settings()
	d.snapshot = settings
	d.scale = d.template.ScaleFor(settings)
	d.state = SessionDisconnected
	d.mu.Unlock()

	d.registerCommandListeners()

	if err := d.bindLocked(settings); err != nil {
		return err
	}
	d.logger.Info().
		Int("points", len(d.template.PollList)).
		Dur("interval", d.interval).
		Msg("Device session started")
	return nil
}

// bindLocked acquires the client for the endpoint in settings and subscribes
// to it. Must be called with bindMu held.
func (d *DeviceSession) bindLocked(settings domain.Settings) error {
	endpoint, err := settings.Endpoint()
	if err != nil {
		return fmt.Errorf("device %s: %w", d.device.ID, err)
	}
	client, err := d.registry.Acquire(endpoint.Host, endpoint.Port)
	if err != nil {
		return fmt.Errorf("device %s: %w", d.device.ID, err)
	}

	d.mu.Lock()
	d.generation++
	generation := d.generation
	d.client = client
	d.mu.Unlock()

	unsubscribe := client.Subscribe(func(ev domain.ConnectionEvent) {
		d.handleConnection(generation, ev)
	})

	d.mu.Lock()
	d.unsubscribe = unsubscribe
	d.mu.Unlock()

	d.logger.Debug().Str("endpoint", endpoint.Address()).Msg("Bound to PLC client")

	if client.IsConnected() {
		d.handleConnection(generation, domain.ConnectionEvent{State: domain.StateConnected})
	}
	return nil
}

// unbindLocked stops polling, unsubscribes and releases the client, waiting
// for the poll loop to exit first. Must be called with bindMu held.
func (d *DeviceSession) unbindLocked() {
	d.mu.Lock()
	d.generation++
	client, unsubscribe := d.client, d.unsubscribe
	d.client, d.unsubscribe = nil, nil
	d.stopLoopLocked()
	wasOnline := d.online
	d.online = false
	if d.state == SessionConnected {
		d.state = SessionDisconnected
	}
	d.mu.Unlock()

	if wasOnline && d.onOnline != nil {
		d.onOnline(-1)
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	d.loops.Wait()
	if client != nil {
		d.registry.Release(client)
	}
}

// handleConnection runs on the transport's notification path. It must not
// block: it only starts or cancels the loop and updates availability.
func (d *DeviceSession) handleConnection(generation uint64, ev domain.ConnectionEvent) {
	d.mu.Lock()
	if d.closed || generation != d.generation {
		d.mu.Unlock()
		return
	}

	delta := 0
	switch ev.State {
	case domain.StateConnected:
		d.state = SessionConnected
		d.startLoopLocked()
		if !d.online {
			d.online = true
			delta = 1
		}
	case domain.StateDisconnected:
		d.state = SessionDisconnected
		d.stopLoopLocked()
		if d.online {
			d.online = false
			delta = -1
		}
	default:
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	if delta != 0 && d.onOnline != nil {
		d.onOnline(delta)
	}

	if ev.State == domain.StateConnected {
		if err := d.platform.SetAvailable(d.ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to mark device available")
		}
		return
	}
	d.logger.Debug().AnErr("reason", ev.Reason).Msg("PLC disconnected, polling stopped")
	if err := d.platform.SetUnavailable(d.ctx, OfflineReason); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to mark device unavailable")
	}
}

// startLoopLocked replaces any running poll loop with a new one.
// Must be called with mu held.
func (d *DeviceSession) startLoopLocked() {
	d.stopLoopLocked()
	if d.client == nil {
		return
	}

	ctx, cancel := context.WithCancel(d.ctx)
	d.loopCancel = cancel
	client := d.client

	d.loops.Add(1)
	go d.pollLoop(ctx, client)
}

// stopLoopLocked cancels the poll loop without waiting for it.
func (d *DeviceSession) stopLoopLocked() {
	if d.loopCancel != nil {
		d.loopCancel()
		d.loopCancel = nil
	}
}

func (d *DeviceSession) pollLoop(ctx context.Context, client domain.RegisterClient) {
	defer d.loops.Done()

	d.logger.Debug().Dur("interval", d.interval).Msg("Starting poll loop")

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	d.poll(ctx, client)
	for {
		select {
		case <-ctx.Done():
			d.logger.Debug().Msg("Poll loop stopped")
			return
		case <-ticker.C:
			d.poll(ctx, client)
		}
	}
}

func (d *DeviceSession) poll(ctx context.Context, client domain.RegisterClient) {
	d.mu.Lock()
	scale := d.scale
	d.mu.Unlock()

	res := d.engine.RunCycle(ctx, client, d.template.PollList, scale)
	if res.Cancelled {
		return
	}

	d.mu.Lock()
	d.lastPoll = time.Now()
	d.pollCount++
	if res.SettingsSynced > 0 {
		d.snapshot = d.platform.Settings()
	}
	d.mu.Unlock()
}

// OnSettingsChanged is the settings hook of the device. It refreshes the
// snapshot and scale, writes changed setpoints through to the PLC and rebinds
// when the endpoint changed.
func (d *DeviceSession) OnSettingsChanged(ctx context.Context, old, updated domain.Settings, changed []string) error {
	rebind := false
	for _, k := range changed {
		if k == domain.SettingHost || k == domain.SettingPort {
			rebind = true
		}
	}
	if rebind {
		if _, err := updated.Endpoint(); err != nil {
			return err
		}
	}

	d.bindMu.Lock()
	defer d.bindMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrSessionClosed
	}
	d.snapshot = updated.Clone()
	d.scale = d.template.ScaleFor(updated)
	scale := d.scale
	d.mu.Unlock()

	if rebind {
		oldEndpoint, _ := old.Endpoint()
		newEndpoint, _ := updated.Endpoint()
		d.logger.Info().
			Str("old_endpoint", oldEndpoint.Address()).
			Str("new_endpoint", newEndpoint.Address()).
			Msg("PLC endpoint changed, rebinding")

		d.unbindLocked()
		d.engine.Forget()
		if err := d.platform.SetUnavailable(ctx, OfflineReason); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to mark device unavailable")
		}
		if err := d.bindLocked(updated); err != nil {
			return err
		}
	}

	d.mu.Lock()
	client := d.client
	d.mu.Unlock()

	for _, k := range changed {
		entry, ok := d.template.PollList.BySettingKey(k)
		if !ok {
			continue
		}
		if err := d.dispatchWrite(client, entry, updated[k], scale); err != nil {
			d.logger.Warn().Err(err).Str("setting", k).Msg("Setting not written to PLC")
		}
	}
	return nil
}

// Close stops polling, unsubscribes, releases the client and waits for
// in-flight writes. It is safe to call more than once.
func (d *DeviceSession) Close() error {
	d.bindMu.Lock()
	defer d.bindMu.Unlock()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	// Writes go out before the client is released.
	d.writes.Wait()
	d.unbindLocked()
	d.cancel()

	d.mu.Lock()
	d.state = SessionClosed
	d.mu.Unlock()

	d.logger.Info().Msg("Device session closed")
	return nil
}

// State returns the lifecycle state.
func (d *DeviceSession) State() SessionState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Scale returns the current scale factor.
func (d *DeviceSession) Scale() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scale
}

// SettingsSnapshot returns the session's cached settings.
func (d *DeviceSession) SettingsSnapshot() domain.Settings {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshot.Clone()
}

// Polling reports whether a poll loop is active.
func (d *DeviceSession) Polling() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopCancel != nil
}

// DeviceStatus is the JSON view of a device session.
type DeviceStatus struct {
	DeviceID  string            `json:"device_id"`
	Name      string            `json:"name,omitempty"`
	Type      domain.DeviceType `json:"type"`
	State     string            `json:"state"`
	Endpoint  string            `json:"endpoint,omitempty"`
	Polling   bool              `json:"polling"`
	Scale     float64           `json:"scale"`
	LastPoll  time.Time         `json:"last_poll,omitempty"`
	PollCount uint64            `json:"poll_count"`
	Engine    EngineStats       `json:"engine"`
}

// Status returns a point-in-time view of the session.
func (d *DeviceSession) Status() DeviceStatus {
	d.mu.Lock()
	st := DeviceStatus{
		DeviceID:  d.device.ID,
		Name:      d.device.Name,
		Type:      d.device.Type,
		State:     d.state.String(),
		Polling:   d.loopCancel != nil,
		Scale:     d.scale,
		LastPoll:  d.lastPoll,
		PollCount: d.pollCount,
	}
	if d.client != nil {
		st.Endpoint = d.client.Endpoint().Address()
	}
	d.mu.Unlock()

	st.Engine = d.engine.Stats()
	return st
}
