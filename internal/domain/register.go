package domain

import "fmt"

// RegisterKind represents the Modbus memory area a point lives in.
type RegisterKind string

const (
	RegisterKindCoil            RegisterKind = "coil"             // Read/Write, 1 bit
	RegisterKindDiscreteInput   RegisterKind = "discrete_input"   // Read-only, 1 bit
	RegisterKindHoldingRegister RegisterKind = "holding_register" // Read/Write, 16 bits
	RegisterKindInputRegister   RegisterKind = "input_register"   // Read-only, 16 bits
)

// IsBit reports whether values of this kind are single bits.
func (k RegisterKind) IsBit() bool {
	return k == RegisterKindCoil || k == RegisterKindDiscreteInput
}

// IsWritable reports whether a single-write function code exists for the kind.
func (k RegisterKind) IsWritable() bool {
	return k == RegisterKindCoil || k == RegisterKindHoldingRegister
}

// Valid reports whether k names one of the four Modbus memory areas.
func (k RegisterKind) Valid() bool {
	switch k {
	case RegisterKindCoil, RegisterKindDiscreteInput, RegisterKindHoldingRegister, RegisterKindInputRegister:
		return true
	}
	return false
}

// RegisterDescriptor identifies exactly one PLC memory cell.
// It is a value type and is never mutated after construction.
type RegisterDescriptor struct {
	Address uint16       `json:"address" yaml:"address"`
	Kind    RegisterKind `json:"kind" yaml:"kind"`
}

func (d RegisterDescriptor) String() string {
	return fmt.Sprintf("%s@%d", d.Kind, d.Address)
}

func coil(addr uint16) RegisterDescriptor {
	return RegisterDescriptor{Address: addr, Kind: RegisterKindCoil}
}

func input(addr uint16) RegisterDescriptor {
	return RegisterDescriptor{Address: addr, Kind: RegisterKindInputRegister}
}

func holding(addr uint16) RegisterDescriptor {
	return RegisterDescriptor{Address: addr, Kind: RegisterKindHoldingRegister}
}

// Register map of the greenhouse controller PLC.
// Addresses must match the PLC program exactly.
var (
	// Physical outputs (ground truth, driven by the PLC's own automation).
	GrowLightsOutput  = coil(8192)
	AirHeaterOutput   = coil(8193)
	WaterHeaterOutput = coil(8194)
	ExhaustOutput     = coil(8195)
	AirMixersOutput   = coil(8196)
	FlowPumpAOutput   = coil(8197)
	DumpValveAOutput  = coil(8198)
	FlowPumpBOutput   = coil(8199)
	DumpValveBOutput  = coil(8200)

	// Auto/manual and on/off flags.
	LightsAuto          = coil(8256)
	LightsOnOff         = coil(8257)
	WaterHeaterAuto     = coil(8258)
	WaterHeaterOnOff    = coil(8259)
	AirHeaterAuto       = coil(8260)
	AirHeaterOnOff      = coil(8261)
	ExhaustAuto         = coil(8262)
	ExhaustOnOff        = coil(8263)
	AirMixersAuto       = coil(8264)
	AirMixersOnOff      = coil(8265)
	EbbFlowAAuto        = coil(8266)
	FlowPumpAOnOff      = coil(8267)
	DumpValveAOpenClose = coil(8268)
	EbbFlowBAuto        = coil(8269)
	FlowPumpBOnOff      = coil(8270)
	DumpValveBOpenClose = coil(8271)

	// Analog inputs.
	BufferTempInput  = input(0)
	AirTempInput     = input(1)
	AirHumidityInput = input(2)
	BufferLevelInput = input(3)

	// Setpoints, timers and mirrored measurements.
	SPGrowLightsOn  = holding(0)
	SPGrowLightsOff = holding(1)
	SPWaterTemp     = holding(2)
	HystWaterTemp   = holding(3)
	SPAirTemp       = holding(4)
	HystAirTemp     = holding(5)
	SPHumidity      = holding(6)
	HystHumidity    = holding(7)
	BufferHLevel    = holding(8)
	BufferLLevel    = holding(9)
	BufferLLLevel   = holding(10)
	EFAFloodTime    = holding(11)
	EFAFlowTime     = holding(12)
	EFAEbbTime      = holding(13)
	EFADrainTime    = holding(14)
	EFBFloodTime    = holding(15)
	EFBFlowTime     = holding(16)
	EFBEbbTime      = holding(17)
	EFBDrainTime    = holding(18)
	AirTemp         = holding(19)
	WaterTemp       = holding(20)
)

// Register map extents, used by the PLC simulator to size its memory areas.
const (
	CoilsStart       uint16 = 8192
	CoilsQuantity    uint16 = 8271 - 8192 + 1
	InputsQuantity   uint16 = 4
	HoldingsQuantity uint16 = 21
)
