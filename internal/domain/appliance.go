package domain

import (
	"fmt"
	"sort"
)

// DeviceType is the stable tag a device is provisioned with.
type DeviceType string

const (
	DeviceTypeAirTemp    DeviceType = "airtemp-reg"
	DeviceTypeWaterTemp  DeviceType = "watertemp-reg"
	DeviceTypeGrowLights DeviceType = "growlight-reg"
	DeviceTypeExhaust    DeviceType = "exhaust-reg"
	DeviceTypeAirMixers  DeviceType = "airmixers-reg"
	DeviceTypeBuffer     DeviceType = "buffertank"
	DeviceTypeTrayA      DeviceType = "tray-a"
	DeviceTypeTrayB      DeviceType = "tray-b"
)

// Connection setting keys shared by every device type.
const (
	SettingHost = "ip"
	SettingPort = "port"
)

// Template is the declarative description of one appliance type.
type Template struct {
	Type DeviceType
	Name string

	// ScaleSetting names the settings key holding the decimals count.
	// Empty means the device has no scaled registers.
	ScaleSetting string

	// DefaultSettings are merged under the provisioned settings.
	DefaultSettings Settings

	PollList PollList
}

// Capabilities returns the capability names exposed by the template, in poll order.
func (t Template) Capabilities() []string {
	seen := make(map[string]bool, len(t.PollList))
	var caps []string
	for _, e := range t.PollList {
		if e.Policy == PolicySettingsSync || seen[e.Capability] {
			continue
		}
		seen[e.Capability] = true
		caps = append(caps, e.Capability)
	}
	return caps
}

// ScaleFor returns the scale factor a device of this type uses under settings.
func (t Template) ScaleFor(settings Settings) float64 {
	if t.ScaleSetting == "" {
		return 1
	}
	decimals, ok := settings.Int(t.ScaleSetting)
	if !ok {
		return 1
	}
	return ScaleFactor(decimals)
}

func mirror(capability string, reg RegisterDescriptor) PollEntry {
	return PollEntry{Capability: capability, Register: reg, Policy: PolicyMirror}
}

func command(e PollEntry) PollEntry {
	e.Command = true
	return e
}

func scaled(e PollEntry) PollEntry {
	e.Scale = ScaleDevice
	return e
}

func picker(e PollEntry, rule *PickerRule) PollEntry {
	e.Display = rule
	return e
}

// outputPair builds both sides of an output-priority pair. The on/off entry is
// commandable; the output entry is read-only.
func outputPair(onoff string, onoffReg RegisterDescriptor, output string, outputReg RegisterDescriptor) []PollEntry {
	return []PollEntry{
		{Capability: onoff, Register: onoffReg, Policy: PolicyOutputPriority, Role: RoleOnOff, Pair: output, Command: true},
		{Capability: output, Register: outputReg, Policy: PolicyOutputPriority, Role: RoleOutput, Pair: onoff},
	}
}

func setting(key string, reg RegisterDescriptor, scale ScaleMode) PollEntry {
	return PollEntry{Capability: key, Register: reg, Policy: PolicySettingsSync, SettingKey: key, Scale: scale}
}

func list(parts ...interface{}) PollList {
	var out PollList
	for _, p := range parts {
		switch v := p.(type) {
		case PollEntry:
			out = append(out, v)
		case []PollEntry:
			out = append(out, v...)
		}
	}
	return out
}

func trayTemplate(t DeviceType, name, suffix string, auto, pump, pumpOut, valve, valveOut, flood, flow, ebb, drain RegisterDescriptor) Template {
	return Template{
		Type: t,
		Name: name,
		PollList: list(
			command(mirror("automan", auto)),
			outputPair("flowpump", pump, "flowpump_output", pumpOut),
			outputPair("drainvalve", valve, "drainvalve_output", valveOut),
			setting("flood_time_"+suffix, flood, ScaleNone),
			setting("flow_time_"+suffix, flow, ScaleNone),
			setting("ebb_time_"+suffix, ebb, ScaleNone),
			setting("drain_time_"+suffix, drain, ScaleNone),
		),
	}
}

var templates = map[DeviceType]Template{
	DeviceTypeAirTemp: {
		Type:            DeviceTypeAirTemp,
		Name:            "Air heater",
		ScaleSetting:    "decimals",
		DefaultSettings: Settings{"decimals": 1},
		PollList: list(
			command(mirror("automan", AirHeaterAuto)),
			command(scaled(mirror("target_temperature", SPAirTemp))),
			scaled(mirror("measure_temperature", AirTemp)),
			command(picker(mirror("hysteresis", HystAirTemp), HysteresisPicker)),
		),
	},
	DeviceTypeWaterTemp: {
		Type:            DeviceTypeWaterTemp,
		Name:            "Water heater",
		ScaleSetting:    "decimals",
		DefaultSettings: Settings{"decimals": 1},
		PollList: list(
			command(mirror("automan", WaterHeaterAuto)),
			command(scaled(mirror("target_temperature", SPWaterTemp))),
			scaled(mirror("measure_temperature", WaterTemp)),
			command(picker(mirror("hysteresis", HystWaterTemp), HysteresisPicker)),
			outputPair("onoff", WaterHeaterOnOff, "heater_output", WaterHeaterOutput),
		),
	},
	DeviceTypeGrowLights: {
		Type: DeviceTypeGrowLights,
		Name: "Grow lights",
		PollList: list(
			command(mirror("automan", LightsAuto)),
			outputPair("onoff", LightsOnOff, "lightoutput", GrowLightsOutput),
			setting("growlights_on", SPGrowLightsOn, ScaleNone),
			setting("growlights_off", SPGrowLightsOff, ScaleNone),
		),
	},
	DeviceTypeExhaust: {
		Type:            DeviceTypeExhaust,
		Name:            "Exhaust fan",
		ScaleSetting:    "exhaust_decimal",
		DefaultSettings: Settings{"exhaust_decimal": 1},
		PollList: list(
			command(mirror("automan", ExhaustAuto)),
			outputPair("onoff", ExhaustOnOff, "exhaust_output", ExhaustOutput),
			scaled(mirror("measure_humidity", AirHumidityInput)),
			setting("sp_humidity", SPHumidity, ScaleDevice),
			setting("hysterese_humidity", HystHumidity, ScaleDevice),
		),
	},
	DeviceTypeAirMixers: {
		Type: DeviceTypeAirMixers,
		Name: "Air mixers",
		PollList: list(
			command(mirror("automan", AirMixersAuto)),
			outputPair("onoff", AirMixersOnOff, "mixersoutput", AirMixersOutput),
		),
	},
	DeviceTypeBuffer: {
		Type:            DeviceTypeBuffer,
		Name:            "Buffer tank",
		ScaleSetting:    "buffer_decimal",
		DefaultSettings: Settings{"buffer_decimal": 1},
		PollList: list(
			scaled(mirror("measure_temperature", BufferTempInput)),
			scaled(mirror("measure_waterlevel", BufferLevelInput)),
			setting("buffer_h", BufferHLevel, ScaleDevice),
			setting("buffer_l", BufferLLevel, ScaleDevice),
			setting("buffer_ll", BufferLLLevel, ScaleDevice),
		),
	},
	DeviceTypeTrayA: trayTemplate(DeviceTypeTrayA, "Ebb/flow tray A", "a",
		EbbFlowAAuto, FlowPumpAOnOff, FlowPumpAOutput, DumpValveAOpenClose, DumpValveAOutput,
		EFAFloodTime, EFAFlowTime, EFAEbbTime, EFADrainTime),
	DeviceTypeTrayB: trayTemplate(DeviceTypeTrayB, "Ebb/flow tray B", "b",
		EbbFlowBAuto, FlowPumpBOnOff, FlowPumpBOutput, DumpValveBOpenClose, DumpValveBOutput,
		EFBFloodTime, EFBFlowTime, EFBEbbTime, EFBDrainTime),
}

// LookupTemplate resolves a device type tag.
func LookupTemplate(t DeviceType) (Template, error) {
	tpl, ok := templates[t]
	if !ok {
		return Template{}, fmt.Errorf("%w: %q", ErrUnknownDeviceType, t)
	}
	return tpl, nil
}

// DeviceTypes returns every registered tag in sorted order.
func DeviceTypes() []DeviceType {
	out := make([]DeviceType, 0, len(templates))
	for t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
