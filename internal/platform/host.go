// Package platform hosts provisioned devices: it keeps their capability
// values, persists their settings and delivers commands to their listeners.
package platform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// SettingsStore persists device settings.
type SettingsStore interface {
	LoadSettings(ctx context.Context, deviceID string) (domain.Settings, error)
	SaveSettings(ctx context.Context, deviceID string, settings domain.Settings) error
}

// StateSink is notified of every capability and availability change.
// Calls happen outside the host's lock and must not block for long.
type StateSink interface {
	CapabilityChanged(deviceID, capability string, value interface{})
	AvailabilityChanged(deviceID string, available bool, reason string)
}

// SettingsHook is called before user settings changes are committed.
// Returning an error rejects the change.
type SettingsHook func(ctx context.Context, old, updated domain.Settings, changed []string) error

// HostConfig describes the device a Host serves.
type HostConfig struct {
	DeviceID string
	Name     string
	Type     domain.DeviceType

	// Defaults are applied under any stored or seeded settings.
	Defaults domain.Settings

	// Seed initializes the store when the device has no stored settings.
	Seed domain.Settings
}

// Host implements domain.Platform for one device.
type Host struct {
	config  HostConfig
	store   SettingsStore
	journal domain.EventJournal
	sink    StateSink
	logger  zerolog.Logger

	mu           sync.RWMutex
	settings     domain.Settings
	capabilities map[string]interface{}
	updatedAt    map[string]time.Time
	listeners    map[string]domain.CapabilityListener
	hook         SettingsHook
	available    bool
	reason       string
}

var _ domain.Platform = (*Host)(nil)

// NewHost loads the device's settings, seeding the store on first use.
// journal and sink may be nil.
func NewHost(ctx context.Context, config HostConfig, store SettingsStore, journal domain.EventJournal, sink StateSink, logger zerolog.Logger) (*Host, error) {
	if config.DeviceID == "" {
		return nil, domain.ErrDeviceIDRequired
	}

	stored, err := store.LoadSettings(ctx, config.DeviceID)
	if err != nil {
		return nil, err
	}

	settings := config.Defaults.Clone()
	if len(stored) == 0 {
		for k, v := range config.Seed {
			settings[k] = v
		}
		if err := store.SaveSettings(ctx, config.DeviceID, settings); err != nil {
			return nil, fmt.Errorf("failed to seed settings for %s: %w", config.DeviceID, err)
		}
	} else {
		for k, v := range stored {
			settings[k] = v
		}
	}

	return &Host{
		config:       config,
		store:        store,
		journal:      journal,
		sink:         sink,
		logger:       logger.With().Str("component", "platform-host").Str("device_id", config.DeviceID).Logger(),
		settings:     settings,
		capabilities: make(map[string]interface{}),
		updatedAt:    make(map[string]time.Time),
		listeners:    make(map[string]domain.CapabilityListener),
		reason:       "Connecting to the PLC.",
	}, nil
}

// DeviceID returns the hosted device's id.
func (h *Host) DeviceID() string { return h.config.DeviceID }

// Settings returns a copy of the current settings.
func (h *Host) Settings() domain.Settings {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.settings.Clone()
}

// SetSettings merges partial into the settings and persists it. It does not
// invoke the settings hook; that is reserved for user changes.
func (h *Host) SetSettings(ctx context.Context, partial domain.Settings) error {
	if err := h.store.SaveSettings(ctx, h.config.DeviceID, partial); err != nil {
		return err
	}
	h.mu.Lock()
	for k, v := range partial {
		h.settings[k] = v
	}
	h.mu.Unlock()
	return nil
}

// ApplySettings commits a user settings change. The settings hook sees the
// changed keys first and may reject them.
func (h *Host) ApplySettings(ctx context.Context, partial domain.Settings) ([]string, error) {
	old := h.Settings()
	updated := old.Clone()
	for k, v := range partial {
		updated[k] = v
	}
	changed := updated.ChangedKeys(old)
	if len(changed) == 0 {
		return nil, nil
	}
	sort.Strings(changed)

	h.mu.RLock()
	hook := h.hook
	h.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx, old, updated, changed); err != nil {
			return nil, err
		}
	}

	diff := make(domain.Settings, len(changed))
	for _, k := range changed {
		diff[k] = updated[k]
	}
	if err := h.SetSettings(ctx, diff); err != nil {
		// The hook has already written setpoints through to the PLC. Settings
		// sync pulls them back in on the next poll.
		h.logger.Error().
			Err(err).
			Strs("keys", changed).
			Msg("Settings applied to the device but not persisted")
		return nil, fmt.Errorf("settings applied to the device but not persisted: %w", err)
	}
	h.logger.Info().Strs("keys", changed).Msg("Settings changed")
	return changed, nil
}

// OnSettings installs the hook run by ApplySettings.
func (h *Host) OnSettings(hook SettingsHook) {
	h.mu.Lock()
	h.hook = hook
	h.mu.Unlock()
}

// CapabilityValue returns the cached value of a capability.
func (h *Host) CapabilityValue(name string) (interface{}, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.capabilities[name]
	return v, ok
}

// SetCapabilityValue caches a capability value. The sink is notified only
// when the value changes.
func (h *Host) SetCapabilityValue(ctx context.Context, name string, value interface{}) error {
	h.mu.Lock()
	old, existed := h.capabilities[name]
	h.capabilities[name] = value
	h.updatedAt[name] = time.Now()
	h.mu.Unlock()

	if existed && domain.ValuesEqual(old, value) {
		return nil
	}
	if h.sink != nil {
		h.sink.CapabilityChanged(h.config.DeviceID, name, value)
	}
	return nil
}

// RegisterCapabilityListener sets the command listener of a capability,
// replacing any previous one.
func (h *Host) RegisterCapabilityListener(name string, listener domain.CapabilityListener) {
	h.mu.Lock()
	h.listeners[name] = listener
	h.mu.Unlock()
}

// Command delivers a command to the capability's listener. On success the
// capability takes the commanded value.
func (h *Host) Command(ctx context.Context, capability string, value interface{}) error {
	h.mu.RLock()
	listener, ok := h.listeners[capability]
	h.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s on %s", domain.ErrUnknownCapability, capability, h.config.DeviceID)
	}

	if err := listener(ctx, value); err != nil {
		return err
	}
	return h.SetCapabilityValue(ctx, capability, value)
}

// SetAvailable marks the device reachable.
func (h *Host) SetAvailable(ctx context.Context) error {
	return h.setAvailability(ctx, true, "")
}

// SetUnavailable marks the device unreachable with a user-facing reason.
func (h *Host) SetUnavailable(ctx context.Context, reason string) error {
	return h.setAvailability(ctx, false, reason)
}

func (h *Host) setAvailability(ctx context.Context, available bool, reason string) error {
	h.mu.Lock()
	changed := h.available != available
	h.available = available
	h.reason = reason
	h.mu.Unlock()

	if !changed {
		return nil
	}

	h.logger.Info().Bool("available", available).Str("reason", reason).Msg("Availability changed")
	if h.sink != nil {
		h.sink.AvailabilityChanged(h.config.DeviceID, available, reason)
	}
	if h.journal != nil {
		event := domain.Event{
			DeviceID:      h.config.DeviceID,
			Type:          domain.EventAvailability,
			PreviousValue: fmt.Sprint(!available),
			NewValue:      fmt.Sprint(available),
			Subject:       reason,
		}
		if err := h.journal.RecordEvent(ctx, event); err != nil {
			h.logger.Warn().Err(err).Msg("Failed to journal availability change")
		}
	}
	return nil
}

// Available reports the availability flag and the reason for unavailability.
func (h *Host) Available() (bool, string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.available, h.reason
}

// CapabilityState is one cached capability value.
type CapabilityState struct {
	Value     interface{} `json:"value"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Snapshot is the JSON view of a hosted device.
type Snapshot struct {
	DeviceID     string                     `json:"device_id"`
	Name         string                     `json:"name,omitempty"`
	Type         domain.DeviceType          `json:"type"`
	Available    bool                       `json:"available"`
	Reason       string                     `json:"reason,omitempty"`
	Capabilities map[string]CapabilityState `json:"capabilities"`
	Settings     domain.Settings            `json:"settings"`
}

// Snapshot returns a point-in-time copy of the host state.
func (h *Host) Snapshot() Snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()

	caps := make(map[string]CapabilityState, len(h.capabilities))
	for k, v := range h.capabilities {
		caps[k] = CapabilityState{Value: v, UpdatedAt: h.updatedAt[k]}
	}
	return Snapshot{
		DeviceID:     h.config.DeviceID,
		Name:         h.config.Name,
		Type:         h.config.Type,
		Available:    h.available,
		Reason:       h.reason,
		Capabilities: caps,
		Settings:     h.settings.Clone(),
	}
}
