package regmap

import (
	"math"
	"testing"
)

func TestDecodeScalarKinds(t *testing.T) {
	tests := []struct {
		name  string
		point Point
		regs  []uint16
		want  float64
	}{
		{
			name:  "u16 with gain",
			point: Point{Kind: U16, Quantity: 1, Gain: 10},
			regs:  []uint16{853},
			want:  85.3,
		},
		{
			name:  "s16 negative",
			point: Point{Kind: S16, Quantity: 1, Gain: 10},
			regs:  []uint16{0xFF9C}, // -100
			want:  -10.0,
		},
		{
			name:  "s32 high word first",
			point: Point{Kind: S32, Quantity: 2, Gain: 10},
			regs:  []uint16{0xFFFF, 0xFC18}, // -1000
			want:  -100.0,
		},
		{
			name:  "u32 high word first",
			point: Point{Kind: U32, Quantity: 2, Gain: 1},
			regs:  []uint16{0x0001, 0x0000},
			want:  65536,
		},
		{
			name:  "f32 ieee754",
			point: Point{Kind: F32, Quantity: 2},
			regs:  []uint16{0x42F6, 0xE666}, // 123.45
			want:  123.45,
		},
		{
			name:  "f32 with gain scales watts to kilowatts",
			point: Point{Kind: F32, Quantity: 2, Gain: 1000},
			regs:  []uint16{0x4796, 0x1000}, // 76832.0 W
			want:  76.832,
		},
		{
			name:  "sunssf power factor",
			point: Point{Kind: SunSSF, Quantity: 2},
			regs:  []uint16{0x0064, 0xFFFE}, // mantissa 100, scale -2
			want:  1.00,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.point.Decode(tt.regs)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if math.Abs(got-tt.want) > 1e-3 {
				t.Errorf("Decode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDecodeShortRead(t *testing.T) {
	point := Point{Kind: S32, Quantity: 2}
	if _, err := point.Decode([]uint16{1}); err == nil {
		t.Error("expected error for short register slice")
	}
}

// Two-register kinds must fail cleanly even when the point itself declares
// too small a quantity.
func TestDecodeWideKindWithUndersizedQuantity(t *testing.T) {
	for _, kind := range []Kind{U32, S32, F32, SunSSF} {
		point := Point{Kind: kind, Quantity: 1}
		if _, err := point.Decode([]uint16{5}); err == nil {
			t.Errorf("kind %s: expected error for a single register", kind)
		}
	}
}

func TestDecodeUnsupportedKind(t *testing.T) {
	point := Point{Kind: "q64", Quantity: 1}
	if _, err := point.Decode([]uint16{1}); err == nil {
		t.Error("expected error for unsupported kind")
	}
}

// Signed round trips must be exact across the full value range.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	s32Point := Point{Kind: S32, Quantity: 2, Gain: 10}
	for _, v := range []float64{0, 0.1, -0.1, 123.4, -123.4, 214748364.7, -214748364.8} {
		regs, err := s32Point.Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) error: %v", v, err)
		}
		if len(regs) != 2 {
			t.Fatalf("Encode(%v) returned %d registers, want 2", v, len(regs))
		}
		got, err := s32Point.Decode(regs)
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if math.Abs(got-v) > 1e-9 {
			t.Errorf("s32 round trip: got %v, want %v", got, v)
		}
	}

	s16Point := Point{Kind: S16, Quantity: 1, Gain: 10}
	for _, v := range []float64{0, 1.5, -1.5, 3276.7, -3276.8} {
		regs, err := s16Point.Encode(v)
		if err != nil {
			t.Fatalf("Encode(%v) error: %v", v, err)
		}
		got, err := s16Point.Decode(regs)
		if err != nil {
			t.Fatalf("Decode error: %v", err)
		}
		if math.Abs(got-v) > 1e-9 {
			t.Errorf("s16 round trip: got %v, want %v", got, v)
		}
	}
}

// The encoding override lets a point report in one format and accept
// commands in another.
func TestEncodeOverride(t *testing.T) {
	point := Point{Kind: S32, Encoding: F32, Quantity: 2}
	regs, err := point.Encode(-42.5)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}

	bits := uint32(regs[0])<<16 | uint32(regs[1])
	got := float64(math.Float32frombits(bits))
	if got != -42.5 {
		t.Errorf("f32 encode: got %v, want -42.5", got)
	}
}

func TestEncodeS32HighWordFirst(t *testing.T) {
	point := Point{Kind: S32, Quantity: 2, Gain: 10}
	regs, err := point.Encode(-100.0) // raw -1000
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if regs[0] != 0xFFFF || regs[1] != 0xFC18 {
		t.Errorf("Encode(-100) = [%#04x %#04x], want [0xffff 0xfc18]", regs[0], regs[1])
	}
}

func TestDecodeVector(t *testing.T) {
	point := Point{Kind: S16, Quantity: 4, Gain: 10, Vector: true}
	regs := []uint16{253, 251, 0xFFF6, 260} // 25.3 25.1 -1.0 26.0

	got, err := point.DecodeVector(regs)
	if err != nil {
		t.Fatalf("DecodeVector() error: %v", err)
	}
	want := []float64{25.3, 25.1, -1.0, 26.0}
	if len(got) != len(want) {
		t.Fatalf("DecodeVector() returned %d values, want %d", len(got), len(want))
	}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-9 {
			t.Errorf("value %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDecodeVectorRejectsWideKinds(t *testing.T) {
	point := Point{Kind: S32, Quantity: 2, Vector: true}
	if _, err := point.DecodeVector([]uint16{1, 2}); err == nil {
		t.Error("expected error for multi-register vector kind")
	}
}
