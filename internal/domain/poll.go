package domain

import (
	"math"
	"strconv"
)

// Policy decides how a polled value updates logical and persisted state.
type Policy string

const (
	// PolicyMirror overwrites the capability with the scaled read every cycle.
	PolicyMirror Policy = "mirror"

	// PolicyOutputPriority couples a physical output with a user-commandable
	// on/off capability. The output is authoritative.
	PolicyOutputPriority Policy = "output_priority"

	// PolicySettingsSync keeps a persisted setting equal to a PLC setpoint
	// that may be changed out of band.
	PolicySettingsSync Policy = "settings_sync"
)

// Role distinguishes the two sides of an output-priority pair.
type Role string

const (
	RoleOutput Role = "output"
	RoleOnOff  Role = "onoff"
)

// ScaleMode selects whether a register value is divided by the device scale factor.
type ScaleMode int

const (
	ScaleNone ScaleMode = iota
	ScaleDevice
)

// PickerRule maps a raw register value onto a fixed list of picker options:
// the value is rounded up to the next multiple of Step and clamped to [Min, Max].
type PickerRule struct {
	Step int
	Min  int
	Max  int
}

// HysteresisPicker exposes a tenths-of-a-degree band as half-degree picker steps.
var HysteresisPicker = &PickerRule{Step: 5, Min: 0, Max: 50}

// Apply returns the picker option for raw.
func (r PickerRule) Apply(raw int) string {
	step := r.Step
	if step <= 0 {
		step = 1
	}
	v := int(math.Ceil(float64(raw)/float64(step))) * step
	if v > r.Max {
		v = r.Max
	}
	if v < r.Min {
		v = r.Min
	}
	return strconv.Itoa(v)
}

// PollEntry binds one capability to one register.
type PollEntry struct {
	Capability string
	Register   RegisterDescriptor
	Scale      ScaleMode
	Policy     Policy

	// Role and Pair apply to PolicyOutputPriority: Pair names the capability on
	// the other side of the pair.
	Role Role
	Pair string

	// SettingKey applies to PolicySettingsSync.
	SettingKey string

	// Display, when set, replaces the numeric value with a picker option.
	Display *PickerRule

	// Command marks capabilities whose commands are written to Register.
	Command bool
}

// PollList is the ordered set of points a device samples each cycle.
type PollList []PollEntry

// Lookup returns the first entry for a capability.
func (l PollList) Lookup(capability string) (PollEntry, bool) {
	for _, e := range l {
		if e.Capability == capability {
			return e, true
		}
	}
	return PollEntry{}, false
}

// BySettingKey returns the settings-sync entry bound to a setting key.
func (l PollList) BySettingKey(key string) (PollEntry, bool) {
	for _, e := range l {
		if e.Policy == PolicySettingsSync && e.SettingKey == key {
			return e, true
		}
	}
	return PollEntry{}, false
}

// ScaleFactor converts a decimals setting into a power-of-ten divisor.
// Zero or negative decimals yield 1.
func ScaleFactor(decimals int) float64 {
	if decimals <= 0 {
		return 1
	}
	return math.Pow(10, float64(decimals))
}

// Descale converts a raw register value into its logical value.
func Descale(raw int, scale float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return float64(raw) / scale
}

// Rescale converts a logical value into the register value to transmit.
// Rounding to an integer is left to the client.
func Rescale(value, scale float64) float64 {
	if scale == 0 {
		scale = 1
	}
	return value * scale
}
