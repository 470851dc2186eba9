package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
	"github.com/nexus-edge/ebbflow-gateway/internal/metrics"
	"github.com/rs/zerolog"
)

// Engine reconciles one device's polled registers with its platform state.
// It is driven by a DeviceSession; a cycle never runs concurrently with
// another cycle of the same engine.
type Engine struct {
	deviceID string
	platform domain.Platform
	journal  domain.EventJournal
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// runMu serializes cycles. lastOutput holds the most recent observation
	// of each output-role capability and is guarded by runMu.
	runMu      sync.Mutex
	lastOutput map[string]interface{}

	statsMu sync.Mutex
	stats   EngineStats
}

// EngineStats counts engine activity.
type EngineStats struct {
	Cycles         uint64    `json:"cycles"`
	Cancelled      uint64    `json:"cancelled"`
	Reads          uint64    `json:"reads"`
	ReadFailures   uint64    `json:"read_failures"`
	Overrides      uint64    `json:"overrides"`
	SettingsSynced uint64    `json:"settings_synced"`
	LastCycle      time.Time `json:"last_cycle,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// CycleResult summarizes one reconciliation cycle.
type CycleResult struct {
	Reads          int
	Failures       int
	SettingsSynced int
	Cancelled      bool
	Duration       time.Duration
}

// NewEngine creates an engine for one device. journal may be nil.
func NewEngine(deviceID string, platform domain.Platform, journal domain.EventJournal, logger zerolog.Logger, metricsReg *metrics.Registry) *Engine {
	return &Engine{
		deviceID:   deviceID,
		platform:   platform,
		journal:    journal,
		logger:     logger,
		metrics:    metricsReg,
		lastOutput: make(map[string]interface{}),
	}
}

// RunCycle reads every entry of list in order and applies its policy.
// A failed read is logged and skipped. Once ctx is done the cycle stops and
// any result still in flight is discarded.
func (e *Engine) RunCycle(ctx context.Context, client domain.RegisterClient, list domain.PollList, scale float64) CycleResult {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	start := time.Now()
	var res CycleResult
	defer func() {
		res.Duration = time.Since(start)
		e.statsMu.Lock()
		defer e.statsMu.Unlock()
		e.stats.Cycles++
		e.stats.Reads += uint64(res.Reads)
		e.stats.ReadFailures += uint64(res.Failures)
		if res.Cancelled {
			e.stats.Cancelled++
		} else {
			e.stats.LastCycle = start
			e.metrics.RecordPoll(e.deviceID, res.Duration.Seconds())
		}
	}()

	for _, entry := range list {
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}

		raw, err := client.ReadValue(ctx, entry.Register)
		if ctx.Err() != nil {
			res.Cancelled = true
			return res
		}
		if err != nil {
			res.Failures++
			e.statsMu.Lock()
			e.stats.LastError = err.Error()
			e.statsMu.Unlock()
			e.metrics.RecordReadFailure(e.deviceID, errorType(err))
			e.logger.Warn().
				Err(err).
				Str("capability", entry.Capability).
				Str("register", entry.Register.String()).
				Msg("Poll read failed")
			continue
		}
		res.Reads++

		value, err := convert(entry, raw, scale)
		if err != nil {
			res.Failures++
			e.logger.Warn().Err(err).Str("capability", entry.Capability).Msg("Unexpected register value")
			continue
		}

		switch entry.Policy {
		case domain.PolicyMirror:
			e.mirror(ctx, entry, value)
		case domain.PolicyOutputPriority:
			e.outputPriority(ctx, entry, value)
		case domain.PolicySettingsSync:
			if e.settingsSync(ctx, entry, value) {
				res.SettingsSynced++
			}
		default:
			e.logger.Warn().Str("policy", string(entry.Policy)).Str("capability", entry.Capability).Msg("Unknown reconciliation policy")
		}
	}

	e.logger.Debug().
		Int("reads", res.Reads).
		Int("failures", res.Failures).
		Dur("duration", time.Since(start)).
		Msg("Poll cycle completed")
	return res
}

// convert turns a raw register value into its logical value: bits stay bool,
// registers are descaled or run through the display rule.
func convert(entry domain.PollEntry, raw interface{}, scale float64) (interface{}, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case int:
		if entry.Display != nil {
			return entry.Display.Apply(v), nil
		}
		if entry.Scale == domain.ScaleDevice {
			return domain.Descale(v, scale), nil
		}
		return float64(v), nil
	default:
		return nil, fmt.Errorf("%w: %T from %s", domain.ErrMalformedResponse, raw, entry.Register)
	}
}

func (e *Engine) mirror(ctx context.Context, entry domain.PollEntry, value interface{}) {
	if err := e.platform.SetCapabilityValue(ctx, entry.Capability, value); err != nil {
		e.logger.Warn().Err(err).Str("capability", entry.Capability).Msg("Failed to set capability value")
	}
}

// outputPriority applies the hardware-wins rule. The output side is mirrored
// and overrides a disagreeing on/off capability. The on/off side only takes
// its own read when it agrees with the latest output observation.
func (e *Engine) outputPriority(ctx context.Context, entry domain.PollEntry, value interface{}) {
	switch entry.Role {
	case domain.RoleOutput:
		e.lastOutput[entry.Capability] = value
		e.mirror(ctx, entry, value)

		cached, ok := e.platform.CapabilityValue(entry.Pair)
		if ok && domain.ValuesEqual(cached, value) {
			return
		}
		if err := e.platform.SetCapabilityValue(ctx, entry.Pair, value); err != nil {
			e.logger.Warn().Err(err).Str("capability", entry.Pair).Msg("Failed to override capability")
			return
		}
		if !ok {
			return
		}
		e.statsMu.Lock()
		e.stats.Overrides++
		e.statsMu.Unlock()
		e.metrics.RecordOverride(e.deviceID, entry.Pair)
		e.logger.Info().
			Str("capability", entry.Pair).
			Interface("cached", cached).
			Interface("output", value).
			Msg("Hardware output overrides on/off state")
		e.record(ctx, domain.EventOverride, entry.Pair, cached, value)

	case domain.RoleOnOff:
		last, ok := e.lastOutput[entry.Pair]
		if !ok || !domain.ValuesEqual(last, value) {
			e.logger.Debug().
				Str("capability", entry.Capability).
				Interface("read", value).
				Interface("output", last).
				Msg("On/off read disagrees with output, keeping cached state")
			return
		}
		e.mirror(ctx, entry, value)

	default:
		e.logger.Warn().Str("role", string(entry.Role)).Str("capability", entry.Capability).Msg("Output-priority entry without role")
	}
}

// settingsSync pulls an out-of-band setpoint change into the settings and
// reports whether an update was issued.
func (e *Engine) settingsSync(ctx context.Context, entry domain.PollEntry, value interface{}) bool {
	key := entry.SettingKey
	current, ok := e.platform.Settings()[key]
	if ok && domain.ValuesEqual(current, value) {
		return false
	}

	if err := e.platform.SetSettings(ctx, domain.Settings{key: value}); err != nil {
		e.logger.Warn().Err(err).Str("setting", key).Msg("Failed to sync setting from PLC")
		return false
	}
	refreshed := e.platform.Settings()[key]

	e.statsMu.Lock()
	e.stats.SettingsSynced++
	e.statsMu.Unlock()
	e.metrics.RecordSettingsSync(e.deviceID, key)
	e.logger.Info().
		Str("setting", key).
		Interface("previous", current).
		Interface("value", refreshed).
		Msg("Setting changed on the PLC, updated")
	e.record(ctx, domain.EventSettingsSync, key, current, value)
	return true
}

func (e *Engine) record(ctx context.Context, typ domain.EventType, subject string, prev, next interface{}) {
	if e.journal == nil {
		return
	}
	event := domain.Event{
		DeviceID: e.deviceID,
		Type:     typ,
		Subject:  subject,
		NewValue: fmt.Sprint(next),
	}
	if prev != nil {
		event.PreviousValue = fmt.Sprint(prev)
	}
	if err := e.journal.RecordEvent(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event", string(typ)).Msg("Failed to journal event")
	}
}

// Forget drops remembered output observations, e.g. after a rebind to a
// different PLC.
func (e *Engine) Forget() {
	e.runMu.Lock()
	e.lastOutput = make(map[string]interface{})
	e.runMu.Unlock()
}

// Stats returns a copy of the engine counters.
func (e *Engine) Stats() EngineStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats
}

// errorType buckets an error for metric labels.
func errorType(err error) string {
	switch {
	case errors.Is(err, domain.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, domain.ErrTimeout):
		return "timeout"
	case errors.Is(err, domain.ErrTransport):
		return "transport"
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	case errors.Is(err, domain.ErrUnsupportedRegisterKind):
		return "unsupported_kind"
	default:
		return "other"
	}
}
