// Package service runs provisioned appliance devices: one DeviceSession per
// device polls and reconciles its PLC points, and the Manager provisions and
// deprovisions sessions.
package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/nexus-edge/ebbflow-gateway/internal/platform"
	"github.com/rs/zerolog"
)

// Store persists device settings for the manager's hosts.
type Store interface {
	platform.SettingsStore
	DeleteDevice(ctx context.Context, deviceID string) error
}

// ManagerConfig holds configuration for the device manager.
type ManagerConfig struct {
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
}

// Manager provisions devices and owns their sessions.
type Manager struct {
	config   ManagerConfig
	registry domain.ClientRegistry
	store    Store
	journal  domain.EventJournal
	sink     platform.StateSink
	logger   zerolog.Logger
	metrics  *metrics.Registry

	mu      sync.RWMutex
	devices map[string]*managedDevice
	stopped bool

	registered atomic.Int64
	online     atomic.Int64
}

type managedDevice struct {
	config  domain.DeviceConfig
	host    *platform.Host
	session *DeviceSession
}

// NewManager creates a device manager. journal and sink may be nil.
func NewManager(
	config ManagerConfig,
	registry domain.ClientRegistry,
	store Store,
	journal domain.EventJournal,
	sink platform.StateSink,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
) *Manager {
	if config.PollInterval <= 0 {
		config.PollInterval = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 30 * time.Second
	}
	return &Manager{
		config:   config,
		registry: registry,
		store:    store,
		journal:  journal,
		sink:     sink,
		logger:   logger.With().Str("component", "device-manager").Logger(),
		metrics:  metricsReg,
		devices:  make(map[string]*managedDevice),
	}
}

// Provision resolves the device's type, loads or seeds its settings and
// starts its session.
func (m *Manager) Provision(ctx context.Context, device domain.DeviceConfig) error {
	if err := device.Validate(); err != nil {
		return err
	}
	tpl, err := domain.LookupTemplate(device.Type)
	if err != nil {
		return err
	}

	// Reserve the id; the session is built outside the lock because binding
	// can trigger connection callbacks.
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return domain.ErrServiceStopped
	}
	if _, exists := m.devices[device.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceExists, device.ID)
	}
	md := &managedDevice{config: device}
	m.devices[device.ID] = md
	m.mu.Unlock()

	host, session, err := m.build(ctx, device, tpl)
	if err != nil {
		m.mu.Lock()
		delete(m.devices, device.ID)
		m.mu.Unlock()
		return err
	}

	m.mu.Lock()
	md.host, md.session = host, session
	m.mu.Unlock()

	m.registered.Add(1)
	m.updateDeviceMetrics()

	m.logger.Info().
		Str("device_id", device.ID).
		Str("device_name", device.Name).
		Str("device_type", string(device.Type)).
		Int("points", len(tpl.PollList)).
		Msg("Provisioned device")
	return nil
}

func (m *Manager) build(ctx context.Context, device domain.DeviceConfig, tpl domain.Template) (*platform.Host, *DeviceSession, error) {
	host, err := platform.NewHost(ctx, platform.HostConfig{
		DeviceID: device.ID,
		Name:     device.Name,
		Type:     device.Type,
		Defaults: tpl.DefaultSettings,
		Seed:     device.Settings,
	}, m.store, m.journal, m.sink, m.logger)
	if err != nil {
		return nil, nil, err
	}

	session := NewDeviceSession(DeviceSessionConfig{
		Device:   device,
		Template: tpl,
		Platform: host,
		Registry: m.registry,
		Journal:  m.journal,
		Interval: m.config.PollInterval,
		OnOnline: func(delta int) {
			m.online.Add(int64(delta))
			m.updateDeviceMetrics()
		},
	}, m.logger, m.metrics)
	host.OnSettings(session.OnSettingsChanged)

	if err := session.Start(); err != nil {
		session.Close()
		return nil, nil, err
	}
	return host, session, nil
}

// Deprovision stops a device's session. With purge its stored settings are
// deleted as well.
func (m *Manager) Deprovision(ctx context.Context, deviceID string, purge bool) error {
	m.mu.Lock()
	md, exists := m.devices[deviceID]
	if !exists || md.session == nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	delete(m.devices, deviceID)
	m.mu.Unlock()

	if err := md.session.Close(); err != nil {
		m.logger.Warn().Err(err).Str("device_id", deviceID).Msg("Error closing device session")
	}
	if err := md.host.SetUnavailable(ctx, "The device was removed."); err != nil {
		m.logger.Debug().Err(err).Str("device_id", deviceID).Msg("Failed to mark removed device unavailable")
	}
	if purge {
		if err := m.store.DeleteDevice(ctx, deviceID); err != nil {
			return fmt.Errorf("failed to delete settings of %s: %w", deviceID, err)
		}
	}

	m.registered.Add(-1)
	m.updateDeviceMetrics()
	m.logger.Info().Str("device_id", deviceID).Bool("purged", purge).Msg("Deprovisioned device")
	return nil
}

// Host returns the platform host of a device.
func (m *Manager) Host(deviceID string) (*platform.Host, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.devices[deviceID]
	if !ok || md.host == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	return md.host, nil
}

// Command delivers a capability command to a device.
func (m *Manager) Command(ctx context.Context, deviceID, capability string, value interface{}) error {
	host, err := m.Host(deviceID)
	if err != nil {
		return err
	}
	return host.Command(ctx, capability, value)
}

// ApplySettings applies a user settings change to a device and returns the
// keys that changed.
func (m *Manager) ApplySettings(ctx context.Context, deviceID string, partial domain.Settings) ([]string, error) {
	host, err := m.Host(deviceID)
	if err != nil {
		return nil, err
	}
	return host.ApplySettings(ctx, partial)
}

// DeviceIDs returns the ids of all provisioned devices, sorted.
func (m *Manager) DeviceIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.devices))
	for id, md := range m.devices {
		if md.session != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// DeviceView combines a device's session status and host state.
type DeviceView struct {
	Session DeviceStatus      `json:"session"`
	Host    platform.Snapshot `json:"host"`
}

// Devices returns a view of every provisioned device, sorted by id.
func (m *Manager) Devices() []DeviceView {
	m.mu.RLock()
	list := make([]*managedDevice, 0, len(m.devices))
	for _, md := range m.devices {
		if md.session != nil {
			list = append(list, md)
		}
	}
	m.mu.RUnlock()

	out := make([]DeviceView, 0, len(list))
	for _, md := range list {
		out = append(out, DeviceView{Session: md.session.Status(), Host: md.host.Snapshot()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Session.DeviceID < out[j].Session.DeviceID })
	return out
}

// Device returns the view of one device.
func (m *Manager) Device(deviceID string) (DeviceView, error) {
	m.mu.RLock()
	md, ok := m.devices[deviceID]
	m.mu.RUnlock()
	if !ok || md.session == nil {
		return DeviceView{}, fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, deviceID)
	}
	return DeviceView{Session: md.session.Status(), Host: md.host.Snapshot()}, nil
}

// HealthCheck fails when a provisioned device is not connected.
func (m *Manager) HealthCheck(ctx context.Context) error {
	var offline []string
	for _, v := range m.Devices() {
		if v.Session.State != SessionConnected.String() {
			offline = append(offline, v.Session.DeviceID)
		}
	}
	if len(offline) > 0 {
		return fmt.Errorf("%d device(s) offline: %s", len(offline), strings.Join(offline, ", "))
	}
	return nil
}

// Stop closes every device session, bounded by the shutdown timeout or ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, md := range m.devices {
		if md.session != nil {
			devices = append(devices, md)
		}
	}
	m.mu.Unlock()

	m.logger.Info().Int("devices", len(devices)).Msg("Stopping device sessions")

	var wg sync.WaitGroup
	for _, md := range devices {
		wg.Add(1)
		go func(md *managedDevice) {
			defer wg.Done()
			md.session.Close()
		}(md)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timeout := time.NewTimer(m.config.ShutdownTimeout)
	defer timeout.Stop()

	select {
	case <-done:
		m.logger.Info().Msg("All device sessions stopped")
		return nil
	case <-timeout.C:
		m.logger.Warn().Msg("Timeout waiting for device sessions to stop")
		return context.DeadlineExceeded
	case <-ctx.Done():
		m.logger.Warn().Msg("Shutdown cancelled while stopping device sessions")
		return ctx.Err()
	}
}

func (m *Manager) updateDeviceMetrics() {
	m.metrics.UpdateDeviceCount(int(m.registered.Load()), int(m.online.Load()))
}

// Counts returns the number of provisioned and connected devices.
func (m *Manager) Counts() (registered, online int) {
	return int(m.registered.Load()), int(m.online.Load())
}
