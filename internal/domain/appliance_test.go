package domain_test

import (
	"errors"
	"testing"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
)

func TestLookupTemplate(t *testing.T) {
	for _, dt := range domain.DeviceTypes() {
		tpl, err := domain.LookupTemplate(dt)
		if err != nil {
			t.Errorf("LookupTemplate(%q): %v", dt, err)
			continue
		}
		if tpl.Type != dt {
			t.Errorf("template for %q reports type %q", dt, tpl.Type)
		}
		if len(tpl.PollList) == 0 {
			t.Errorf("template %q has an empty poll list", dt)
		}
	}

	if _, err := domain.LookupTemplate("sprinkler"); !errors.Is(err, domain.ErrUnknownDeviceType) {
		t.Errorf("expected ErrUnknownDeviceType, got %v", err)
	}
}

func TestDeviceTypes_Sorted(t *testing.T) {
	types := domain.DeviceTypes()
	if len(types) != 8 {
		t.Fatalf("expected 8 device types, got %d", len(types))
	}
	for i := 1; i < len(types); i++ {
		if types[i-1] >= types[i] {
			t.Errorf("device types not sorted: %q before %q", types[i-1], types[i])
		}
	}
}

// Every output-priority entry must have a partner of the opposite role that
// points back at it, and only the on/off side may accept commands.
func TestTemplates_OutputPairsAreConsistent(t *testing.T) {
	for _, dt := range domain.DeviceTypes() {
		tpl, _ := domain.LookupTemplate(dt)
		for _, e := range tpl.PollList {
			if e.Policy != domain.PolicyOutputPriority {
				continue
			}
			pair, ok := tpl.PollList.Lookup(e.Pair)
			if !ok {
				t.Errorf("%s/%s: pair %q missing", dt, e.Capability, e.Pair)
				continue
			}
			if pair.Pair != e.Capability || pair.Role == e.Role {
				t.Errorf("%s/%s: inconsistent pair %+v", dt, e.Capability, pair)
			}
			if e.Role == domain.RoleOutput && e.Command {
				t.Errorf("%s/%s: output side must not be commandable", dt, e.Capability)
			}
		}
	}
}

func TestTemplates_CommandsTargetWritableRegisters(t *testing.T) {
	for _, dt := range domain.DeviceTypes() {
		tpl, _ := domain.LookupTemplate(dt)
		for _, e := range tpl.PollList {
			if e.Command && !e.Register.Kind.IsWritable() {
				t.Errorf("%s/%s: command bound to read-only %s", dt, e.Capability, e.Register)
			}
			if e.Policy == domain.PolicySettingsSync && e.Register.Kind != domain.RegisterKindHoldingRegister {
				t.Errorf("%s/%s: settings sync bound to %s", dt, e.Capability, e.Register)
			}
		}
	}
}

func TestTemplate_Capabilities(t *testing.T) {
	tpl, _ := domain.LookupTemplate(domain.DeviceTypeGrowLights)
	got := tpl.Capabilities()
	want := []string{"automan", "onoff", "lightoutput"}
	if len(got) != len(want) {
		t.Fatalf("Capabilities() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Capabilities()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTemplate_ScaleFor(t *testing.T) {
	air, _ := domain.LookupTemplate(domain.DeviceTypeAirTemp)
	mixers, _ := domain.LookupTemplate(domain.DeviceTypeAirMixers)

	tests := []struct {
		name     string
		tpl      domain.Template
		settings domain.Settings
		want     float64
	}{
		{"one decimal", air, domain.Settings{"decimals": 1}, 10},
		{"two decimals", air, domain.Settings{"decimals": "2"}, 100},
		{"missing decimals", air, domain.Settings{}, 1},
		{"unscaled device", mixers, domain.Settings{"decimals": 3}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.tpl.ScaleFor(tt.settings); got != tt.want {
				t.Errorf("ScaleFor() = %v, want %v", got, tt.want)
			}
		})
	}
}
