package service_test

import (
	"context"
	"testing"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/service"
	"github.com/rs/zerolog"
)

var testEndpoint = domain.Endpoint{Host: "10.0.0.20", Port: 502}

func template(t *testing.T, dt domain.DeviceType) domain.Template {
	t.Helper()
	tpl, err := domain.LookupTemplate(dt)
	if err != nil {
		t.Fatalf("LookupTemplate(%s): %v", dt, err)
	}
	return tpl
}

func TestEngine_MirrorScalesAndPicks(t *testing.T) {
	tpl := template(t, domain.DeviceTypeAirTemp)
	client := newFakeClient(testEndpoint, true)
	client.set(domain.AirHeaterAuto, true)
	client.set(domain.SPAirTemp, 240)
	client.set(domain.AirTemp, 215)
	client.set(domain.HystAirTemp, 37)

	platform := newFakePlatform(domain.Settings{"decimals": 1})
	engine := service.NewEngine("air-1", platform, nil, zerolog.Nop(), nil)

	res := engine.RunCycle(context.Background(), client, tpl.PollList, tpl.ScaleFor(platform.Settings()))
	if res.Reads != 4 || res.Failures != 0 || res.Cancelled {
		t.Fatalf("unexpected result: %+v", res)
	}

	tests := []struct {
		capability string
		want       interface{}
	}{
		{"automan", true},
		{"target_temperature", 24.0},
		{"measure_temperature", 21.5},
		{"hysteresis", "40"},
	}
	for _, tt := range tests {
		if got := platform.capability(tt.capability); got != tt.want {
			t.Errorf("%s = %#v, want %#v", tt.capability, got, tt.want)
		}
	}
}

func TestEngine_FailedReadIsSkipped(t *testing.T) {
	tpl := template(t, domain.DeviceTypeAirTemp)
	client := newFakeClient(testEndpoint, true)
	client.set(domain.AirTemp, 215)
	client.failReads(domain.SPAirTemp, domain.ErrModbusIllegalAddress)

	platform := newFakePlatform(nil)
	engine := service.NewEngine("air-1", platform, nil, zerolog.Nop(), nil)

	res := engine.RunCycle(context.Background(), client, tpl.PollList, 10)
	if res.Failures != 1 || res.Reads != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if _, ok := platform.CapabilityValue("target_temperature"); ok {
		t.Error("failed read must not update its capability")
	}
	if got := platform.capability("measure_temperature"); got != 21.5 {
		t.Errorf("entries after the failure were not processed: %#v", got)
	}

	stats := engine.Stats()
	if stats.ReadFailures != 1 || stats.LastError == "" {
		t.Errorf("stats = %+v", stats)
	}
}

// Output register reads [1,1,0] with a cached on/off of 0: the on/off
// capability is forced to 1 on the first poll, stays 1 against a manual
// change and follows the output back to 0 on the third.
func TestEngine_OutputPriority(t *testing.T) {
	tpl := template(t, domain.DeviceTypeGrowLights)
	client := newFakeClient(testEndpoint, true)
	client.sequence(domain.GrowLightsOutput, true, true, false)
	client.set(domain.LightsOnOff, false)

	platform := newFakePlatform(nil)
	platform.setCapability("onoff", false)
	journal := &fakeJournal{}
	engine := service.NewEngine("lights-1", platform, journal, zerolog.Nop(), nil)
	ctx := context.Background()

	engine.RunCycle(ctx, client, tpl.PollList, 1)
	if got := platform.capability("onoff"); got != true {
		t.Fatalf("after first poll onoff = %#v, want true", got)
	}
	if got := platform.capability("lightoutput"); got != true {
		t.Errorf("lightoutput = %#v, want true", got)
	}

	// A manual command flips the cached state; the hardware output still wins.
	platform.setCapability("onoff", false)
	engine.RunCycle(ctx, client, tpl.PollList, 1)
	if got := platform.capability("onoff"); got != true {
		t.Fatalf("after second poll onoff = %#v, want true", got)
	}

	engine.RunCycle(ctx, client, tpl.PollList, 1)
	if got := platform.capability("onoff"); got != false {
		t.Fatalf("after third poll onoff = %#v, want false", got)
	}

	// The on/off register read 0 every time. It is read before the output, so
	// it never agreed with the last output observation and was never mirrored.
	want := []interface{}{true, true, false}
	got := platform.historyOf("onoff")
	if len(got) != len(want) {
		t.Fatalf("onoff history = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("onoff history[%d] = %#v, want %#v", i, got[i], want[i])
		}
	}

	if n := len(journal.ofType(domain.EventOverride)); n != 3 {
		t.Errorf("override events = %d, want 3", n)
	}
	if engine.Stats().Overrides != 3 {
		t.Errorf("override count = %d, want 3", engine.Stats().Overrides)
	}
}

func TestEngine_OnOffAgreeingWithOutputIsMirrored(t *testing.T) {
	tpl := template(t, domain.DeviceTypeGrowLights)
	client := newFakeClient(testEndpoint, true)
	client.set(domain.GrowLightsOutput, true)
	client.set(domain.LightsOnOff, true)

	platform := newFakePlatform(nil)
	engine := service.NewEngine("lights-1", platform, nil, zerolog.Nop(), nil)

	engine.RunCycle(context.Background(), client, tpl.PollList, 1)
	engine.RunCycle(context.Background(), client, tpl.PollList, 1)

	// First cycle: on/off read before any output observation is ignored,
	// then set by the output side without counting an override.
	// Second cycle: the agreeing read is mirrored.
	if got := platform.historyOf("onoff"); len(got) != 2 {
		t.Errorf("onoff history = %v, want two updates", got)
	}
	if engine.Stats().Overrides != 0 {
		t.Errorf("overrides = %d, want 0 when nothing was cached", engine.Stats().Overrides)
	}
}

func TestEngine_SettingsSync(t *testing.T) {
	tpl := template(t, domain.DeviceTypeGrowLights)
	client := newFakeClient(testEndpoint, true)
	client.set(domain.SPGrowLightsOn, 8)
	client.set(domain.SPGrowLightsOff, 22)

	platform := newFakePlatform(domain.Settings{"growlights_on": 6, "growlights_off": 22.0})
	journal := &fakeJournal{}
	engine := service.NewEngine("lights-1", platform, journal, zerolog.Nop(), nil)

	res := engine.RunCycle(context.Background(), client, tpl.PollList, 1)
	if res.SettingsSynced != 1 {
		t.Fatalf("SettingsSynced = %d, want 1", res.SettingsSynced)
	}
	if platform.settingsUpdates() != 1 {
		t.Fatalf("settings updates = %d, want exactly 1", platform.settingsUpdates())
	}
	if got := platform.Settings()["growlights_on"]; got != 8.0 {
		t.Errorf("growlights_on = %#v, want 8", got)
	}

	// No further mismatch, no further update.
	res = engine.RunCycle(context.Background(), client, tpl.PollList, 1)
	if res.SettingsSynced != 0 || platform.settingsUpdates() != 1 {
		t.Errorf("second cycle issued an update: %+v", res)
	}

	events := journal.ofType(domain.EventSettingsSync)
	if len(events) != 1 || events[0].Subject != "growlights_on" || events[0].PreviousValue != "6" || events[0].NewValue != "8" {
		t.Errorf("settings sync events = %+v", events)
	}
}

func TestEngine_SettingsSyncScalesDeviceSettings(t *testing.T) {
	tpl := template(t, domain.DeviceTypeExhaust)
	entry, ok := tpl.PollList.BySettingKey("sp_humidity")
	if !ok {
		t.Fatal("sp_humidity entry missing")
	}

	client := newFakeClient(testEndpoint, true)
	client.set(entry.Register, 655)
	platform := newFakePlatform(domain.Settings{"sp_humidity": 65.0})
	engine := service.NewEngine("exhaust-1", platform, nil, zerolog.Nop(), nil)

	engine.RunCycle(context.Background(), client, domain.PollList{entry}, 10)
	if got := platform.Settings()["sp_humidity"]; got != 65.5 {
		t.Errorf("sp_humidity = %#v, want 65.5", got)
	}
}

func TestEngine_CancellationDiscardsResults(t *testing.T) {
	tpl := template(t, domain.DeviceTypeAirTemp)
	client := newFakeClient(testEndpoint, true)
	client.set(domain.AirHeaterAuto, true)

	ctx, cancel := context.WithCancel(context.Background())
	client.onRead = func(domain.RegisterDescriptor) { cancel() }

	platform := newFakePlatform(nil)
	engine := service.NewEngine("air-1", platform, nil, zerolog.Nop(), nil)

	res := engine.RunCycle(ctx, client, tpl.PollList, 10)
	if !res.Cancelled {
		t.Fatal("cycle not reported as cancelled")
	}
	if client.readCount() != 1 {
		t.Errorf("reads after cancellation: %d, want 1", client.readCount())
	}
	if _, ok := platform.CapabilityValue("automan"); ok {
		t.Error("result of the in-flight read was applied after cancellation")
	}
	if engine.Stats().Cancelled != 1 {
		t.Errorf("cancelled count = %d, want 1", engine.Stats().Cancelled)
	}
}

func TestEngine_UnexpectedValueType(t *testing.T) {
	client := newFakeClient(testEndpoint, true)
	client.set(domain.AirTemp, "garbage")
	platform := newFakePlatform(nil)
	engine := service.NewEngine("air-1", platform, nil, zerolog.Nop(), nil)

	list := domain.PollList{{Capability: "measure_temperature", Register: domain.AirTemp, Policy: domain.PolicyMirror}}
	res := engine.RunCycle(context.Background(), client, list, 1)
	if res.Failures != 1 {
		t.Errorf("Failures = %d, want 1", res.Failures)
	}
	if _, ok := platform.CapabilityValue("measure_temperature"); ok {
		t.Error("malformed value was mirrored")
	}
}

func TestEngine_ForgetClearsOutputObservations(t *testing.T) {
	tpl := template(t, domain.DeviceTypeGrowLights)
	client := newFakeClient(testEndpoint, true)
	client.set(domain.GrowLightsOutput, true)
	client.set(domain.LightsOnOff, true)

	platform := newFakePlatform(nil)
	engine := service.NewEngine("lights-1", platform, nil, zerolog.Nop(), nil)
	engine.RunCycle(context.Background(), client, tpl.PollList, 1)
	engine.Forget()

	// Only the on/off entry: without a remembered output the read is ignored.
	onoff, _ := tpl.PollList.Lookup("onoff")
	before := len(platform.historyOf("onoff"))
	engine.RunCycle(context.Background(), client, domain.PollList{onoff}, 1)
	if after := len(platform.historyOf("onoff")); after != before {
		t.Errorf("on/off mirrored after Forget: %d -> %d updates", before, after)
	}
}
