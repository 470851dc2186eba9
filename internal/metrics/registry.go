// Package metrics provides Prometheus metrics for the appliance gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ebbflow"

// Registry holds all Prometheus metrics for the service.
// A nil *Registry is valid and records nothing.
type Registry struct {
	// Connection metrics
	ActiveSessions    prometheus.Gauge
	ConnectsTotal     *prometheus.CounterVec
	Disconnects       prometheus.Counter
	ConnectionLatency prometheus.Histogram

	// Register I/O
	OperationsTotal   *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec

	// Polling and reconciliation
	PollsTotal     *prometheus.CounterVec
	PollDuration   *prometheus.HistogramVec
	ReadFailures   *prometheus.CounterVec
	Overrides      *prometheus.CounterVec
	SettingsSynced *prometheus.CounterVec
	CommandsTotal  *prometheus.CounterVec

	// Devices
	DevicesRegistered prometheus.Gauge
	DevicesOnline     prometheus.Gauge

	// MQTT
	MQTTMessagesPublished prometheus.Counter
	MQTTMessagesFailed    prometheus.Counter
}

// NewRegistry creates the metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func NewRegistry(reg prometheus.Registerer) *Registry {
	f := promauto.With(reg)
	return &Registry{
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "active_sessions",
			Help:      "Number of connected Modbus/TCP sessions",
		}),
		ConnectsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connects_total",
			Help:      "Modbus/TCP connection attempts by outcome",
		}, []string{"endpoint", "status"}),
		Disconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "disconnects_total",
			Help:      "Sessions dropped after a transport failure or remote close",
		}),
		ConnectionLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "connection_latency_seconds",
			Help:      "Modbus/TCP connection establishment latency",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "operations_total",
			Help:      "Register reads and writes by operation and outcome",
		}, []string{"operation", "status"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "modbus",
			Name:      "operation_duration_seconds",
			Help:      "Register read/write round trip time",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"operation"}),
		PollsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "cycles_total",
			Help:      "Completed reconciliation cycles",
		}, []string{"device_id"}),
		PollDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "cycle_duration_seconds",
			Help:      "Reconciliation cycle duration per device",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"device_id"}),
		ReadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "polling",
			Name:      "read_failures_total",
			Help:      "Poll entries skipped because their read failed",
		}, []string{"device_id", "error_type"}),
		Overrides: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "output_overrides_total",
			Help:      "On/off capabilities forced to match a hardware output",
		}, []string{"device_id", "capability"}),
		SettingsSynced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "settings_synced_total",
			Help:      "Settings updated from out-of-band PLC changes",
		}, []string{"device_id", "setting"}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "commands_total",
			Help:      "Capability commands written to the PLC by outcome",
		}, []string{"device_id", "status"}),
		DevicesRegistered: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "registered",
			Help:      "Number of provisioned devices",
		}),
		DevicesOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devices",
			Name:      "online",
			Help:      "Number of devices whose PLC session is connected",
		}),
		MQTTMessagesPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_published_total",
			Help:      "State messages published to the broker",
		}),
		MQTTMessagesFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mqtt",
			Name:      "messages_failed_total",
			Help:      "State messages that failed to publish",
		}),
	}
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// RecordConnect records a connection attempt.
func (r *Registry) RecordConnect(endpoint string, success bool, latency float64) {
	if r == nil {
		return
	}
	r.ConnectsTotal.WithLabelValues(endpoint, status(success)).Inc()
	r.ConnectionLatency.Observe(latency)
	if success {
		r.ActiveSessions.Inc()
	}
}

// RecordDisconnect records a connected session going down.
func (r *Registry) RecordDisconnect() {
	if r == nil {
		return
	}
	r.Disconnects.Inc()
	r.ActiveSessions.Dec()
}

// RecordOperation records one register read or write.
func (r *Registry) RecordOperation(operation string, success bool, duration float64) {
	if r == nil {
		return
	}
	r.OperationsTotal.WithLabelValues(operation, status(success)).Inc()
	r.OperationDuration.WithLabelValues(operation).Observe(duration)
}

// RecordPoll records a finished reconciliation cycle.
func (r *Registry) RecordPoll(deviceID string, duration float64) {
	if r == nil {
		return
	}
	r.PollsTotal.WithLabelValues(deviceID).Inc()
	r.PollDuration.WithLabelValues(deviceID).Observe(duration)
}

// RecordReadFailure records a poll entry whose read failed.
func (r *Registry) RecordReadFailure(deviceID, errorType string) {
	if r == nil {
		return
	}
	r.ReadFailures.WithLabelValues(deviceID, errorType).Inc()
}

// RecordOverride records an output-priority override.
func (r *Registry) RecordOverride(deviceID, capability string) {
	if r == nil {
		return
	}
	r.Overrides.WithLabelValues(deviceID, capability).Inc()
}

// RecordSettingsSync records a setting pulled from the PLC.
func (r *Registry) RecordSettingsSync(deviceID, key string) {
	if r == nil {
		return
	}
	r.SettingsSynced.WithLabelValues(deviceID, key).Inc()
}

// RecordCommand records a capability command write.
func (r *Registry) RecordCommand(deviceID string, success bool) {
	if r == nil {
		return
	}
	r.CommandsTotal.WithLabelValues(deviceID, status(success)).Inc()
}

// UpdateDeviceCount updates the device count gauges.
func (r *Registry) UpdateDeviceCount(registered, online int) {
	if r == nil {
		return
	}
	r.DevicesRegistered.Set(float64(registered))
	r.DevicesOnline.Set(float64(online))
}

// RecordMQTTPublish records an MQTT publish.
func (r *Registry) RecordMQTTPublish(success bool) {
	if r == nil {
		return
	}
	if success {
		r.MQTTMessagesPublished.Inc()
	} else {
		r.MQTTMessagesFailed.Inc()
	}
}
