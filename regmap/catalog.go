// Package regmap loads per-vendor register descriptors and translates raw
// Modbus registers into the controller's uniform telemetry and command
// values.
package regmap

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Well-known telemetry and control point names.
const (
	PointSumActivePower = "sum_active_power"
	PointCosPhi         = "cos_phi"

	PointTotalCapacity      = "totalCapacity"
	PointCurrentSOC         = "averageCurrentSOC"
	PointAllowedMinSOC      = "allowedMinSOC"
	PointAllowedMaxSOC      = "allowedMaxSOC"
	PointBatteryCellTempAvg = "averageBatterycellTemp"
	PointBatteryCellTempMin = "minimumBatterycellTemp"
	PointBatteryCellTempMax = "maximumBatterycellTemp"
	PointContainerTemp      = "averageContainerInsideTemp"

	ControlESSPowerSetpoint  = "activePowerSetpoint"
	ControlPowerAdjustment   = "activePowerAdjustment"
	ControlPowerLimitPercent = "activePowerLimitPercent"
)

// Map holds the decoded descriptor of one (device class, vendor) pair.
// Addresses are re-based to protocol (0-based) form at load time.
type Map struct {
	Telemetry map[string]Point
	Control   map[string]Point
}

// TelemetryPoint returns a named telemetry point.
func (m *Map) TelemetryPoint(name string) (Point, error) {
	p, ok := m.Telemetry[name]
	if !ok {
		return Point{}, fmt.Errorf("no telemetry point %q in register map", name)
	}
	return p, nil
}

// ControlPoint returns a named control point.
func (m *Map) ControlPoint(name string) (Point, error) {
	p, ok := m.Control[name]
	if !ok {
		return Point{}, fmt.Errorf("no control point %q in register map", name)
	}
	return p, nil
}

type rawMap struct {
	// AddressBase declares whether descriptor addresses are 0- or
	// 1-based. 1-based maps are shifted down on load.
	AddressBase int              `json:"address_base"`
	Telemetry   map[string]Point `json:"telemetry"`
	Control     map[string]Point `json:"control"`
}

// Catalog loads and caches register maps from a descriptor directory.
// It is safe for concurrent use; maps are immutable once loaded.
type Catalog struct {
	dir string

	mu    sync.Mutex
	cache map[string]*Map
}

// NewCatalog creates a catalog rooted at dir (layout:
// dir/logger/<vendor>.json, dir/ess/<vendor>[_<model>].json).
func NewCatalog(dir string) *Catalog {
	return &Catalog{dir: dir, cache: make(map[string]*Map)}
}

// Logger returns the PCC logger/meter map for a vendor.
func (c *Catalog) Logger(vendor Vendor) (*Map, error) {
	return c.load(filepath.Join("logger", vendor.String()+".json"))
}

// ESS returns the battery container map for a vendor and optional model.
func (c *Catalog) ESS(vendor Vendor, model string) (*Map, error) {
	name := vendor.String()
	if model != "" {
		name += "_" + strings.ToLower(model)
	}
	return c.load(filepath.Join("ess", name+".json"))
}

func (c *Catalog) load(rel string) (*Map, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if m, ok := c.cache[rel]; ok {
		return m, nil
	}

	path := filepath.Join(c.dir, rel)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("missing register descriptor: %s", path)
		}
		return nil, fmt.Errorf("read register descriptor %s: %w", path, err)
	}

	var raw rawMap
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse register descriptor %s: %w", path, err)
	}
	if raw.AddressBase != 0 && raw.AddressBase != 1 {
		return nil, fmt.Errorf("register descriptor %s: address_base must be 0 or 1", path)
	}

	telemetry, err := rebase(raw.Telemetry, raw.AddressBase)
	if err != nil {
		return nil, fmt.Errorf("register descriptor %s: %w", path, err)
	}
	control, err := rebase(raw.Control, raw.AddressBase)
	if err != nil {
		return nil, fmt.Errorf("register descriptor %s: %w", path, err)
	}

	m := &Map{Telemetry: telemetry, Control: control}
	c.cache[rel] = m
	return m, nil
}

func rebase(points map[string]Point, base int) (map[string]Point, error) {
	out := make(map[string]Point, len(points))
	for name, p := range points {
		if p.Quantity == 0 {
			p.Quantity = 1
		}
		if p.FC == 0 {
			p.FC = FCHolding
		}
		if w := registersFor(p.Kind); !p.Vector && p.Quantity < w {
			return nil, fmt.Errorf("point %q: type %s spans %d registers, quantity is %d", name, p.Kind, w, p.Quantity)
		}
		if base == 1 {
			p.Address--
			if p.EnableRegister != nil {
				r := *p.EnableRegister - 1
				p.EnableRegister = &r
			}
		}
		out[name] = p
	}
	return out, nil
}
