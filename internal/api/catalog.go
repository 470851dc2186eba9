// Package api provides the gateway's HTTP device API.
package api

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nexus-edge/ebbflow-gateway/internal/adapter/config"
	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/rs/zerolog"
)

// Catalog keeps the provisioned device list and mirrors it to the devices
// file so devices added at runtime survive a restart.
type Catalog struct {
	path   string
	logger zerolog.Logger

	mu      sync.RWMutex
	devices map[string]domain.DeviceConfig
}

// NewCatalog creates a catalog backed by the devices file at path. An empty
// path keeps the catalog in memory.
func NewCatalog(path string, logger zerolog.Logger) *Catalog {
	return &Catalog{
		path:    path,
		logger:  logger.With().Str("component", "device-catalog").Logger(),
		devices: make(map[string]domain.DeviceConfig),
	}
}

// Load reads the devices file and returns its entries sorted by id.
func (c *Catalog) Load() ([]domain.DeviceConfig, error) {
	devices, err := config.LoadDevices(c.path)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.devices = make(map[string]domain.DeviceConfig, len(devices))
	for _, d := range devices {
		c.devices[d.ID] = d
	}
	c.mu.Unlock()

	return c.List(), nil
}

// List returns the catalogued devices sorted by id.
func (c *Catalog) List() []domain.DeviceConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.DeviceConfig, 0, len(c.devices))
	for _, d := range c.devices {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Add records a device and persists the catalog.
func (c *Catalog) Add(device domain.DeviceConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.devices[device.ID]; exists {
		return fmt.Errorf("%w: %s", domain.ErrDeviceExists, device.ID)
	}
	c.devices[device.ID] = device
	if err := c.saveLocked(); err != nil {
		delete(c.devices, device.ID)
		return fmt.Errorf("failed to persist device: %w", err)
	}
	return nil
}

// Remove drops a device and persists the catalog.
func (c *Catalog) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	device, exists := c.devices[id]
	if !exists {
		return fmt.Errorf("%w: %s", domain.ErrDeviceNotFound, id)
	}
	delete(c.devices, id)
	if err := c.saveLocked(); err != nil {
		c.devices[id] = device
		return fmt.Errorf("failed to persist device deletion: %w", err)
	}
	return nil
}

func (c *Catalog) saveLocked() error {
	if c.path == "" {
		return nil
	}
	devices := make([]domain.DeviceConfig, 0, len(c.devices))
	for _, d := range c.devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	if err := config.SaveDevices(c.path, devices); err != nil {
		return err
	}
	c.logger.Debug().Int("devices", len(devices)).Str("path", c.path).Msg("Saved devices file")
	return nil
}
