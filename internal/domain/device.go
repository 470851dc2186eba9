package domain

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
)

// Settings is a device's persisted key/value configuration.
type Settings map[string]interface{}

// Clone returns a shallow copy.
func (s Settings) Clone() Settings {
	out := make(Settings, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Float returns a numeric setting. Strings holding numbers are accepted.
func (s Settings) Float(key string) (float64, bool) {
	v, ok := s[key]
	if !ok {
		return 0, false
	}
	return ToFloat64(v)
}

// Int returns a numeric setting truncated to an int.
func (s Settings) Int(key string) (int, bool) {
	f, ok := s.Float(key)
	if !ok {
		return 0, false
	}
	return int(f), true
}

// String returns a setting formatted as a string.
func (s Settings) String(key string) string {
	v, ok := s[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

// Endpoint extracts the PLC connection settings.
func (s Settings) Endpoint() (Endpoint, error) {
	port, _ := s.Int(SettingPort)
	ep := Endpoint{Host: s.String(SettingHost), Port: port}
	return ep, ep.Validate()
}

// ChangedKeys lists keys whose values differ between old and s.
func (s Settings) ChangedKeys(old Settings) []string {
	var keys []string
	for k, v := range s {
		if ov, ok := old[k]; !ok || !ValuesEqual(ov, v) {
			keys = append(keys, k)
		}
	}
	return keys
}

// ValuesEqual compares capability or setting values, treating numbers of any
// Go type as equal when they differ by less than 1e-9.
func ValuesEqual(a, b interface{}) bool {
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if as, ok := a.(string); ok {
		if bs, ok := b.(string); ok {
			return as == bs
		}
	}
	af, aok := ToFloat64(a)
	bf, bok := ToFloat64(b)
	if aok && bok {
		return math.Abs(af-bf) < 1e-9
	}
	return a == b
}

// ToFloat64 converts the numeric representations used across the gateway.
func ToFloat64(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	default:
		return 0, false
	}
}

// ToBool converts a command value to a coil state.
func ToBool(v interface{}) (bool, bool) {
	switch t := v.(type) {
	case bool:
		return t, true
	case string:
		b, err := strconv.ParseBool(t)
		return b, err == nil
	default:
		f, ok := ToFloat64(v)
		return f != 0, ok
	}
}

// DeviceConfig describes one provisioned appliance.
type DeviceConfig struct {
	ID       string     `json:"id" yaml:"id"`
	Name     string     `json:"name" yaml:"name"`
	Type     DeviceType `json:"type" yaml:"type"`
	Settings Settings   `json:"settings" yaml:"settings"`
}

// Validate checks the device configuration.
func (d *DeviceConfig) Validate() error {
	if d.ID == "" {
		return ErrDeviceIDRequired
	}
	if _, err := LookupTemplate(d.Type); err != nil {
		return err
	}
	_, err := d.Settings.Endpoint()
	return err
}

// CapabilityListener handles a command on a capability. The returned error is
// reported to the caller of the command.
type CapabilityListener func(ctx context.Context, value interface{}) error

// Platform is the host layer a device session runs inside. It stores
// capability values and settings and delivers capability commands.
type Platform interface {
	Settings() Settings
	SetSettings(ctx context.Context, partial Settings) error
	CapabilityValue(name string) (interface{}, bool)
	SetCapabilityValue(ctx context.Context, name string, value interface{}) error
	RegisterCapabilityListener(name string, listener CapabilityListener)
	SetAvailable(ctx context.Context) error
	SetUnavailable(ctx context.Context, reason string) error
}
