package regmap

import (
	"fmt"
	"math"
)

// Kind selects how the registers backing a point are interpreted.
type Kind string

const (
	U16 Kind = "u16"
	S16 Kind = "s16"
	U32 Kind = "u32"
	S32 Kind = "s32"
	// F32 is an IEEE-754 32-bit float spread over two registers,
	// high word first.
	F32 Kind = "f32"
	// SunSSF is the Fronius power-factor pair: a signed 16-bit mantissa
	// followed by a signed 16-bit decimal scale factor.
	SunSSF Kind = "sunssf"
)

// Function codes used for reads.
const (
	FCHolding = 3
	FCInput   = 4
)

// Point describes one telemetry or control register range of a device.
type Point struct {
	Address  uint16  `json:"address"`
	Quantity uint16  `json:"quantity"`
	FC       int     `json:"fc"`
	Kind     Kind    `json:"type"`
	Gain     float64 `json:"gain"`

	// Vector points decode every register independently instead of
	// combining them into one value (Hithium temperature blocks).
	Vector bool `json:"vector"`

	// Encoding overrides Kind for control writes when a device expects a
	// different wire format than it reports.
	Encoding Kind `json:"encoding"`

	// Some control points require another register to be written first
	// (Fronius power-limit enable).
	EnableRegister *uint16 `json:"enable_register"`
	EnableValue    uint16  `json:"enable_value"`
}

func (p Point) gain() float64 {
	if p.Gain == 0 {
		return 1
	}
	return p.Gain
}

// registersFor returns how many registers a kind occupies on the wire.
func registersFor(k Kind) uint16 {
	switch k {
	case U32, S32, F32, SunSSF:
		return 2
	default:
		return 1
	}
}

// Decode converts the registers read for this point into a scaled value.
func (p Point) Decode(regs []uint16) (float64, error) {
	need := p.Quantity
	if w := registersFor(p.Kind); w > need {
		need = w
	}
	if int(need) > len(regs) {
		return 0, fmt.Errorf("point at %d: got %d registers, need %d", p.Address, len(regs), need)
	}

	switch p.Kind {
	case U16, "":
		return float64(regs[0]) / p.gain(), nil
	case S16:
		return float64(int16(regs[0])) / p.gain(), nil
	case U32:
		raw := uint32(regs[0])<<16 | uint32(regs[1])
		return float64(raw) / p.gain(), nil
	case S32:
		raw := int32(uint32(regs[0])<<16 | uint32(regs[1]))
		return float64(raw) / p.gain(), nil
	case F32:
		bits := uint32(regs[0])<<16 | uint32(regs[1])
		return float64(math.Float32frombits(bits)) / p.gain(), nil
	case SunSSF:
		mantissa := float64(int16(regs[0]))
		scale := float64(int16(regs[1]))
		return mantissa * math.Pow(10, scale), nil
	default:
		return 0, fmt.Errorf("point at %d: unsupported type %q", p.Address, p.Kind)
	}
}

// DecodeVector converts each register into its own scaled value. Only
// single-register kinds make sense here.
func (p Point) DecodeVector(regs []uint16) ([]float64, error) {
	if int(p.Quantity) > len(regs) {
		return nil, fmt.Errorf("point at %d: got %d registers, need %d", p.Address, len(regs), p.Quantity)
	}

	out := make([]float64, 0, p.Quantity)
	for _, r := range regs[:p.Quantity] {
		var v float64
		switch p.Kind {
		case S16:
			v = float64(int16(r))
		case U16, "":
			v = float64(r)
		default:
			return nil, fmt.Errorf("point at %d: vector type %q not supported", p.Address, p.Kind)
		}
		out = append(out, v/p.gain())
	}
	return out, nil
}

// Encode converts a scaled value into the registers to write for this
// control point. The wire format is taken from Encoding, falling back to
// Kind.
func (p Point) Encode(v float64) ([]uint16, error) {
	kind := p.Encoding
	if kind == "" {
		kind = p.Kind
	}

	switch kind {
	case S32:
		raw := int32(math.Round(v * p.gain()))
		u := uint32(raw)
		return []uint16{uint16(u >> 16), uint16(u & 0xFFFF)}, nil
	case U32:
		raw := uint32(math.Round(v * p.gain()))
		return []uint16{uint16(raw >> 16), uint16(raw & 0xFFFF)}, nil
	case F32:
		bits := math.Float32bits(float32(v))
		return []uint16{uint16(bits >> 16), uint16(bits & 0xFFFF)}, nil
	case S16:
		raw := int16(math.Round(v * p.gain()))
		return []uint16{uint16(raw)}, nil
	case U16:
		raw := uint16(math.Round(v * p.gain()))
		return []uint16{raw}, nil
	default:
		return nil, fmt.Errorf("point at %d: unsupported encoding %q", p.Address, kind)
	}
}
