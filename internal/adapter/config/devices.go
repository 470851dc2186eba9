package config

import (
	"fmt"
	"os"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"gopkg.in/yaml.v3"
)

// DeviceEntry is the YAML form of one provisioned appliance.
type DeviceEntry struct {
	ID       string                 `yaml:"id"`
	Name     string                 `yaml:"name"`
	Type     string                 `yaml:"type"`
	Settings map[string]interface{} `yaml:"settings"`
}

// DevicesFile represents the top-level devices configuration file.
type DevicesFile struct {
	Version string        `yaml:"version"`
	Devices []DeviceEntry `yaml:"devices"`
}

// LoadDevices loads device configurations from a YAML file.
func LoadDevices(path string) ([]domain.DeviceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read devices file: %w", err)
	}
	return ParseDevices(data)
}

// ParseDevices decodes a devices document and validates every entry.
func ParseDevices(data []byte) ([]domain.DeviceConfig, error) {
	var file DevicesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse devices file: %w", err)
	}

	seenIDs := make(map[string]int)
	devices := make([]domain.DeviceConfig, 0, len(file.Devices))

	for idx, entry := range file.Devices {
		if prevIdx, exists := seenIDs[entry.ID]; exists {
			return nil, fmt.Errorf("duplicate device ID '%s' at index %d (first seen at index %d)", entry.ID, idx, prevIdx)
		}
		seenIDs[entry.ID] = idx

		device := convertDeviceEntry(entry)
		if err := device.Validate(); err != nil {
			return nil, fmt.Errorf("error in device %q at index %d: %w", entry.ID, idx, err)
		}
		devices = append(devices, device)
	}
	return devices, nil
}

// convertDeviceEntry normalizes YAML scalars into the settings representation
// the store persists: integers become float64 like decoded JSON numbers.
func convertDeviceEntry(entry DeviceEntry) domain.DeviceConfig {
	settings := make(domain.Settings, len(entry.Settings))
	for k, v := range entry.Settings {
		switch t := v.(type) {
		case int:
			settings[k] = float64(t)
		case int64:
			settings[k] = float64(t)
		case uint64:
			settings[k] = float64(t)
		default:
			settings[k] = v
		}
	}
	name := entry.Name
	if name == "" {
		name = entry.ID
	}
	return domain.DeviceConfig{
		ID:       entry.ID,
		Name:     name,
		Type:     domain.DeviceType(entry.Type),
		Settings: settings,
	}
}

// SaveDevices saves device configurations to a YAML file.
func SaveDevices(path string, devices []domain.DeviceConfig) error {
	entries := make([]DeviceEntry, 0, len(devices))
	for _, d := range devices {
		entries = append(entries, DeviceEntry{
			ID:       d.ID,
			Name:     d.Name,
			Type:     string(d.Type),
			Settings: map[string]interface{}(d.Settings),
		})
	}

	file := DevicesFile{
		Version: "1.0",
		Devices: entries,
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("failed to marshal devices: %w", err)
	}

	// Settings may carry PLC addresses; keep the file private.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write devices file: %w", err)
	}
	return nil
}
