package metrics_test

import (
	"testing"

	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry) map[string]*dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(families))
	for _, f := range families {
		out[f.GetName()] = f
	}
	return out
}

func TestNilRegistryRecordsNothing(t *testing.T) {
	var r *metrics.Registry
	r.RecordConnect("10.0.0.20:502", true, 0.01)
	r.RecordDisconnect()
	r.RecordOperation("read", false, 0.002)
	r.RecordPoll("air-1", 0.05)
	r.RecordReadFailure("air-1", "timeout")
	r.RecordOverride("lights-1", "onoff")
	r.RecordSettingsSync("lights-1", "growlights_on")
	r.RecordCommand("lights-1", true)
	r.UpdateDeviceCount(3, 2)
	r.RecordMQTTPublish(true)
}

func TestRegistryRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := metrics.NewRegistry(reg)

	r.RecordConnect("10.0.0.20:502", true, 0.01)
	r.RecordConnect("10.0.0.20:502", false, 0.5)
	r.RecordOverride("lights-1", "onoff")
	r.RecordOverride("lights-1", "onoff")
	r.UpdateDeviceCount(3, 2)
	r.RecordDisconnect()

	families := gather(t, reg)

	if f := families["ebbflow_modbus_connects_total"]; f == nil || len(f.GetMetric()) != 2 {
		t.Errorf("connects_total = %v", f)
	}
	if f := families["ebbflow_modbus_active_sessions"]; f == nil || f.GetMetric()[0].GetGauge().GetValue() != 0 {
		t.Errorf("active_sessions = %v", f)
	}
	if f := families["ebbflow_reconcile_output_overrides_total"]; f == nil || f.GetMetric()[0].GetCounter().GetValue() != 2 {
		t.Errorf("output_overrides_total = %v", f)
	}
	if f := families["ebbflow_devices_online"]; f == nil || f.GetMetric()[0].GetGauge().GetValue() != 2 {
		t.Errorf("devices_online = %v", f)
	}
}
