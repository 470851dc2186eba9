package plcsim

import (
	"context"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/domain"
)

// Start values written by Seed. Temperatures and levels are in tenths.
var seedWords = []struct {
	reg   domain.RegisterDescriptor
	value uint16
}{
	{domain.SPGrowLightsOn, 6},
	{domain.SPGrowLightsOff, 22},
	{domain.SPWaterTemp, 220},
	{domain.HystWaterTemp, 10},
	{domain.SPAirTemp, 240},
	{domain.HystAirTemp, 15},
	{domain.SPHumidity, 650},
	{domain.HystHumidity, 50},
	{domain.BufferHLevel, 900},
	{domain.BufferLLevel, 300},
	{domain.BufferLLLevel, 150},
	{domain.EFAFloodTime, 15},
	{domain.EFAFlowTime, 5},
	{domain.EFAEbbTime, 240},
	{domain.EFADrainTime, 10},
	{domain.EFBFloodTime, 15},
	{domain.EFBFlowTime, 5},
	{domain.EFBEbbTime, 240},
	{domain.EFBDrainTime, 10},
	{domain.AirTemp, 215},
	{domain.WaterTemp, 198},
	{domain.BufferTempInput, 185},
	{domain.AirTempInput, 215},
	{domain.AirHumidityInput, 612},
	{domain.BufferLevelInput, 640},
}

// Seed writes plausible start values into every register and puts all
// appliances in automatic mode.
func (p *PLC) Seed() error {
	for _, w := range seedWords {
		if err := p.SetWord(w.reg, w.value); err != nil {
			return err
		}
	}
	for _, auto := range []domain.RegisterDescriptor{
		domain.LightsAuto, domain.WaterHeaterAuto, domain.AirHeaterAuto, domain.ExhaustAuto,
		domain.AirMixersAuto, domain.EbbFlowAAuto, domain.EbbFlowBAuto,
	} {
		if err := p.SetBit(auto, true); err != nil {
			return err
		}
	}
	return nil
}

// thermostat couples a measurement to a heater or fan output.
type thermostat struct {
	auto, onoff, output domain.RegisterDescriptor
	measured, sp, hyst  domain.RegisterDescriptor
	mirror              domain.RegisterDescriptor // optional input register copy of measured
	cooling             bool                      // output lowers the measurement
	drift, heat         int
}

var thermostats = []thermostat{
	{
		auto: domain.AirHeaterAuto, onoff: domain.AirHeaterOnOff, output: domain.AirHeaterOutput,
		measured: domain.AirTemp, sp: domain.SPAirTemp, hyst: domain.HystAirTemp,
		mirror: domain.AirTempInput, drift: -1, heat: 3,
	},
	{
		auto: domain.WaterHeaterAuto, onoff: domain.WaterHeaterOnOff, output: domain.WaterHeaterOutput,
		measured: domain.WaterTemp, sp: domain.SPWaterTemp, hyst: domain.HystWaterTemp,
		drift: -1, heat: 2,
	},
	{
		auto: domain.ExhaustAuto, onoff: domain.ExhaustOnOff, output: domain.ExhaustOutput,
		measured: domain.AirHumidityInput, sp: domain.SPHumidity, hyst: domain.HystHumidity,
		cooling: true, drift: 2, heat: -6,
	},
}

// follow couples outputs that simply follow their on/off flag in manual mode
// and stay on in automatic mode.
var follow = []struct{ auto, onoff, output domain.RegisterDescriptor }{
	{domain.LightsAuto, domain.LightsOnOff, domain.GrowLightsOutput},
	{domain.AirMixersAuto, domain.AirMixersOnOff, domain.AirMixersOutput},
	{domain.EbbFlowAAuto, domain.FlowPumpAOnOff, domain.FlowPumpAOutput},
	{domain.EbbFlowAAuto, domain.DumpValveAOpenClose, domain.DumpValveAOutput},
	{domain.EbbFlowBAuto, domain.FlowPumpBOnOff, domain.FlowPumpBOutput},
	{domain.EbbFlowBAuto, domain.DumpValveBOpenClose, domain.DumpValveBOutput},
}

// Run executes a crude process model every tick until ctx is cancelled.
// In automatic mode outputs are driven by the PLC's own control; in manual
// mode they follow the on/off flags written by clients.
func (p *PLC) Run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.step(); err != nil {
				p.logger.Warn().Err(err).Msg("Simulation step failed")
			}
		}
	}
}

func (p *PLC) step() error {
	for _, t := range thermostats {
		if err := p.stepThermostat(t); err != nil {
			return err
		}
	}
	for _, f := range follow {
		auto, err := p.Bit(f.auto)
		if err != nil {
			return err
		}
		on, err := p.Bit(f.onoff)
		if err != nil {
			return err
		}
		if auto {
			on = true
		}
		if err := p.SetBit(f.output, on); err != nil {
			return err
		}
	}
	return nil
}

func (p *PLC) stepThermostat(t thermostat) error {
	auto, err := p.Bit(t.auto)
	if err != nil {
		return err
	}
	measured, err := p.Word(t.measured)
	if err != nil {
		return err
	}
	output, err := p.Bit(t.output)
	if err != nil {
		return err
	}

	if auto {
		sp, err := p.Word(t.sp)
		if err != nil {
			return err
		}
		hyst, err := p.Word(t.hyst)
		if err != nil {
			return err
		}
		m, lo, hi := int(measured), int(sp)-int(hyst), int(sp)+int(hyst)
		if t.cooling {
			output = m > hi || (output && m > lo)
		} else {
			output = m < lo || (output && m < hi)
		}
		if err := p.SetBit(t.onoff, output); err != nil {
			return err
		}
	} else {
		if output, err = p.Bit(t.onoff); err != nil {
			return err
		}
	}
	if err := p.SetBit(t.output, output); err != nil {
		return err
	}

	next := int(measured) + t.drift
	if output {
		next += t.heat
	}
	if next < 0 {
		next = 0
	}
	if err := p.SetWord(t.measured, uint16(next)); err != nil {
		return err
	}
	if t.mirror != (domain.RegisterDescriptor{}) {
		return p.SetWord(t.mirror, uint16(next))
	}
	return nil
}
