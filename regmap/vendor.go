package regmap

import (
	"fmt"
	"math"
	"strings"
)

// Vendor identifies the device manufacturer a register map belongs to.
type Vendor int

const (
	VendorUnknown Vendor = iota
	Huawei
	Fronius
	Hithium
)

// ParseVendor maps a vendor tag as stored in the plants table to a Vendor.
func ParseVendor(s string) (Vendor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "huawei":
		return Huawei, nil
	case "fronius":
		return Fronius, nil
	case "hithium":
		return Hithium, nil
	default:
		return VendorUnknown, fmt.Errorf("unknown vendor %q", s)
	}
}

func (v Vendor) String() string {
	switch v {
	case Huawei:
		return "huawei"
	case Fronius:
		return "fronius"
	case Hithium:
		return "hithium"
	default:
		return "unknown"
	}
}

// NormalizeCosPhi applies the vendor convention to a raw cos phi reading and
// clamps the result to [-1, 1]. Fronius reports the power factor as a
// magnitude only (inductive readings come back negative but carry no grid
// meaning), so its sign is discarded. Huawei values pass through.
func (v Vendor) NormalizeCosPhi(raw float64) float64 {
	if v == Fronius {
		raw = math.Abs(raw)
	}
	return clamp(raw, -1, 1)
}

// PhiDegrees converts a cos phi value to the phase angle in degrees.
// The magnitude is always arccos(|cos phi|); the sign follows the Huawei
// cos phi sign and is unconditionally positive for Fronius.
func (v Vendor) PhiDegrees(cosPhi float64) float64 {
	c := clamp(math.Abs(cosPhi), 0, 1)
	deg := math.Acos(c) * 180 / math.Pi
	if v != Fronius && cosPhi < 0 {
		return -deg
	}
	return deg
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
