package service

import (
	"context"
	"fmt"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
)

// registerCommandListeners installs one listener per commandable capability.
func (d *DeviceSession) registerCommandListeners() {
	for _, entry := range d.template.PollList {
		if !entry.Command {
			continue
		}
		entry := entry
		d.platform.RegisterCapabilityListener(entry.Capability, func(ctx context.Context, value interface{}) error {
			return d.command(entry, value)
		})
	}
}

// command maps a capability command onto one register write. The write runs
// in the background; the command is acknowledged as soon as it is validated.
func (d *DeviceSession) command(entry domain.PollEntry, value interface{}) error {
	if err := validateWrite(entry, value); err != nil {
		d.metrics.RecordCommand(d.device.ID, false)
		d.logger.Warn().Err(err).Str("capability", entry.Capability).Interface("value", value).Msg("Rejected capability command")
		return err
	}

	d.mu.Lock()
	client, scale := d.client, d.scale
	d.mu.Unlock()

	d.logger.Debug().Str("capability", entry.Capability).Interface("value", value).Msg("Capability command")
	if err := d.dispatchWrite(client, entry, value, scale); err != nil {
		d.logger.Warn().Err(err).Str("capability", entry.Capability).Msg("Capability command not written")
	}
	return nil
}

// dispatchWrite starts an asynchronous write of value to entry's register.
// Failures are logged and counted, never retried.
func (d *DeviceSession) dispatchWrite(client domain.RegisterClient, entry domain.PollEntry, value interface{}, scale float64) error {
	if client == nil {
		d.metrics.RecordCommand(d.device.ID, false)
		return domain.ErrNotConnected
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return domain.ErrSessionClosed
	}
	d.writes.Add(1)
	ctx := d.ctx
	d.mu.Unlock()

	go func() {
		defer d.writes.Done()

		err := writeEntry(ctx, client, entry, value, scale)
		d.metrics.RecordCommand(d.device.ID, err == nil)
		if err != nil {
			d.logger.Warn().
				Err(err).
				Str("capability", entry.Capability).
				Str("register", entry.Register.String()).
				Interface("value", value).
				Msg("Register write failed")
			return
		}

		d.logger.Info().
			Str("capability", entry.Capability).
			Str("register", entry.Register.String()).
			Interface("value", value).
			Msg("Register written")
		if d.journal != nil {
			event := domain.Event{
				DeviceID: d.device.ID,
				Type:     domain.EventCommand,
				Subject:  entry.Capability,
				NewValue: fmt.Sprint(value),
			}
			if err := d.journal.RecordEvent(ctx, event); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to journal command")
			}
		}
	}()
	return nil
}

// validateWrite checks that value can be written to entry's register.
func validateWrite(entry domain.PollEntry, value interface{}) error {
	switch entry.Register.Kind {
	case domain.RegisterKindCoil:
		if _, ok := domain.ToBool(value); !ok {
			return fmt.Errorf("%w: %v for %s", domain.ErrInvalidWriteValue, value, entry.Capability)
		}
	case domain.RegisterKindHoldingRegister:
		if _, ok := domain.ToFloat64(value); !ok {
			return fmt.Errorf("%w: %v for %s", domain.ErrInvalidWriteValue, value, entry.Capability)
		}
	default:
		return fmt.Errorf("%w: %s", domain.ErrRegisterNotWritable, entry.Register)
	}
	return nil
}

// writeEntry performs the single write a command maps to: a coil takes the
// boolean value, a holding register the numeric value times the scale.
func writeEntry(ctx context.Context, client domain.RegisterClient, entry domain.PollEntry, value interface{}, scale float64) error {
	if err := validateWrite(entry, value); err != nil {
		return err
	}
	switch entry.Register.Kind {
	case domain.RegisterKindCoil:
		on, _ := domain.ToBool(value)
		return client.WriteSingleCoil(ctx, entry.Register.Address, on)
	default:
		v, _ := domain.ToFloat64(value)
		if entry.Scale == domain.ScaleDevice {
			v = domain.Rescale(v, scale)
		}
		return client.WriteSingleRegister(ctx, entry.Register.Address, v)
	}
}
