package controller

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/devskill-org/site-controller/fieldbus"
	"github.com/devskill-org/site-controller/regmap"
	"github.com/devskill-org/site-controller/store"
)

// executorStore is the slice of the store gateway the executor needs.
type executorStore interface {
	ActivePlants(ctx context.Context) ([]store.Plant, error)
	PlantByPod(ctx context.Context, pod string) (*store.Plant, error)
	LatestInbox(ctx context.Context, pod string) (*store.InboxRow, error)
	LatestPCC(ctx context.Context, plantID int) (*store.PCCRecord, error)
	FirstActiveESS(ctx context.Context, plantID int) (*store.ESSUnit, error)
	LatestESSRow(ctx context.Context, plantID int) (*store.ESSRecord, error)
	WithPodLock(ctx context.Context, pod string, fn func() error) (bool, error)
}

// RegulatorState labels where a POD's regulator sits in its lifecycle.
type RegulatorState string

const (
	// StateBootstrapping holds until the first PCC reading arrives.
	StateBootstrapping RegulatorState = "BOOTSTRAPPING"
	// StateSteady is the normal closed-loop state.
	StateSteady RegulatorState = "STEADY"
	// StateSuppressed means the field device is in breaker cooldown.
	StateSuppressed RegulatorState = "SUPPRESSED"
)

// RegulatorStatus is one regulator's snapshot for the status server.
type RegulatorStatus struct {
	Pod           string         `json:"pod"`
	State         RegulatorState `json:"state"`
	LastCommandKW float64        `json:"lastCommandKW"`
	LastWriteAt   time.Time      `json:"lastWriteAt,omitempty"`
	Heartbeat     int64          `json:"heartbeat"`
}

// Executor runs one closed-loop regulator per controlled POD. Each
// regulator steers the site toward the upstream setpoint through the ESS
// or, when storage cannot absorb the error, through PV curtailment.
type Executor struct {
	store   executorStore
	bus     fieldbus.Bus
	catalog *regmap.Catalog
	breaker *Breaker
	config  *Config
	logger  *log.Logger

	now func() time.Time

	mu         sync.Mutex
	regulators map[string]*regulator
}

// regulator is the per-POD loop state. Only its own goroutine mutates it,
// through the short locked setters below, so status snapshots never wait
// on an in-flight store query or field-bus write.
type regulator struct {
	pod string

	mu            sync.Mutex
	state         RegulatorState
	lastCmdKW     float64
	hasLastCmd    bool
	lastWrite     time.Time
	lastHeartbeat int64
}

func (rg *regulator) setState(state RegulatorState) {
	rg.mu.Lock()
	rg.state = state
	rg.mu.Unlock()
}

func (rg *regulator) setHeartbeat(hb int64) {
	rg.mu.Lock()
	rg.lastHeartbeat = hb
	rg.mu.Unlock()
}

func (rg *regulator) setCommand(cmdKW float64) {
	rg.mu.Lock()
	rg.lastCmdKW = cmdKW
	rg.mu.Unlock()
}

func (rg *regulator) recordWrite(cmdKW float64, at time.Time) {
	rg.mu.Lock()
	rg.lastCmdKW = cmdKW
	rg.lastWrite = at
	rg.mu.Unlock()
}

func (rg *regulator) bootstrap(pccKW float64) {
	rg.mu.Lock()
	rg.lastCmdKW = pccKW
	rg.hasLastCmd = true
	rg.state = StateSteady
	rg.mu.Unlock()
}

func (rg *regulator) status() RegulatorStatus {
	rg.mu.Lock()
	defer rg.mu.Unlock()
	return RegulatorStatus{
		Pod:           rg.pod,
		State:         rg.state,
		LastCommandKW: rg.lastCmdKW,
		LastWriteAt:   rg.lastWrite,
		Heartbeat:     rg.lastHeartbeat,
	}
}

// NewExecutor wires a control executor.
func NewExecutor(st executorStore, bus fieldbus.Bus, catalog *regmap.Catalog, breaker *Breaker, config *Config, logger *log.Logger) *Executor {
	return &Executor{
		store:      st,
		bus:        bus,
		catalog:    catalog,
		breaker:    breaker,
		config:     config,
		logger:     logger,
		now:        time.Now,
		regulators: make(map[string]*regulator),
	}
}

// Run spawns one regulator goroutine per controlled plant and blocks until
// the context is cancelled.
func (e *Executor) Run(ctx context.Context) {
	plants, err := e.store.ActivePlants(ctx)
	if err != nil {
		e.logger.Printf("[CONTROL] load plants: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, plant := range plants {
		if !plant.ControlEnabled {
			continue
		}
		rg := &regulator{pod: plant.PodID, state: StateBootstrapping}

		e.mu.Lock()
		e.regulators[plant.PodID] = rg
		e.mu.Unlock()

		wg.Add(1)
		go func(rg *regulator) {
			defer wg.Done()
			name := fmt.Sprintf("CONTROL %s", rg.pod)
			runEvery(ctx, e.logger, name, e.config.ControlInterval, func(ctx context.Context) {
				e.step(ctx, rg)
			})
		}(rg)
	}
	wg.Wait()
}

// Snapshot returns the current state of every regulator, ordered by POD.
func (e *Executor) Snapshot() []RegulatorStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]RegulatorStatus, 0, len(e.regulators))
	for _, rg := range e.regulators {
		out = append(out, rg.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pod < out[j].Pod })
	return out
}

// step is one regulator iteration. Missing data skips the cycle; only IO
// failures on the field device change the breaker and the state machine.
func (e *Executor) step(ctx context.Context, rg *regulator) {
	if e.breaker.ShouldSkip(rg.pod) {
		rg.setState(StateSuppressed)
		return
	}

	inbox, err := e.store.LatestInbox(ctx, rg.pod)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return
	}
	if inbox == nil {
		return
	}
	rg.setHeartbeat(inbox.Heartbeat)

	plant, err := e.store.PlantByPod(ctx, rg.pod)
	if err != nil || plant == nil {
		e.logger.Printf("[CONTROL] %s: plant lookup: %v", rg.pod, err)
		return
	}

	pcc, err := e.store.LatestPCC(ctx, plant.ID)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return
	}
	if pcc == nil || pcc.SumActivePower == nil {
		rg.setState(StateBootstrapping)
		return
	}
	pccKW := *pcc.SumActivePower

	if !rg.hasLastCmd {
		rg.bootstrap(pccKW)
		e.logger.Printf("[CONTROL] %s bootstrapped at %.2f kW", rg.pod, pccKW)
	}

	// The useSetpoint flag travels with the inbox row but the setpoint is
	// always applied.
	target := inbox.SumSetpoint
	errKW := target - pccKW
	if math.Abs(errKW) < e.config.DeadbandKW {
		return
	}

	switch plant.PlantType {
	case store.PVESS:
		e.stepESS(ctx, rg, plant, target, errKW)
	case store.PVOnly:
		e.stepPVOnly(ctx, rg, plant, errKW)
	default:
		e.logger.Printf("[CONTROL] %s: unknown plant type %q", rg.pod, plant.PlantType)
	}
}

// stepESS handles a PV+storage site: the battery absorbs the error while
// it has capacity in the right direction, otherwise the inverter is
// curtailed with the raw target.
func (e *Executor) stepESS(ctx context.Context, rg *regulator, plant *store.Plant, target, errKW float64) {
	unit, err := e.store.FirstActiveESS(ctx, plant.ID)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return
	}
	essRow, err := e.store.LatestESSRow(ctx, plant.ID)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return
	}
	if unit == nil || essRow == nil {
		return
	}

	dischargeable := errKW > 0 && essRow.AvailableCapacityDischarge > 0
	chargeable := errKW < 0 && essRow.AvailableCapacityCharge > 0

	switch {
	case dischargeable || chargeable:
		if e.now().Sub(rg.lastWrite) < e.config.MinWriteInterval {
			return
		}
		newCmd := rg.lastCmdKW + e.config.KP*errKW
		if !e.writeESSSetpoint(ctx, rg, unit, newCmd) {
			return
		}
		rg.recordWrite(newCmd, e.now())

	case errKW < 0:
		// Battery full: curtail the inverter to the target directly.
		if !e.applyPVLimit(ctx, rg, plant, target) {
			return
		}

	default:
		// Need more power than PV delivers and the battery is empty;
		// nothing left to actuate.
		e.logger.Printf("[CONTROL] %s: %.2f kW short with storage depleted", rg.pod, errKW)
	}
}

// stepPVOnly handles a PV-only site by moving the inverter limit.
func (e *Executor) stepPVOnly(ctx context.Context, rg *regulator, plant *store.Plant, errKW float64) {
	raw := rg.lastCmdKW + e.config.KP*errKW
	newLimit := clampF(raw, 0, plant.NormalPowerKW)
	if errKW > 0 && raw > plant.NormalPowerKW {
		e.logger.Printf("[CONTROL] %s: limit saturated at rated %.2f kW", rg.pod, plant.NormalPowerKW)
	}

	if !e.applyPVLimit(ctx, rg, plant, newLimit) {
		return
	}
	rg.setCommand(newLimit)
}

// writeESSSetpoint encodes newCmd per the container's descriptor and writes
// it under the POD's advisory lock. Returns true when the write landed.
func (e *Executor) writeESSSetpoint(ctx context.Context, rg *regulator, unit *store.ESSUnit, newCmd float64) bool {
	vendor, err := regmap.ParseVendor(unit.Vendor)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}
	rm, err := e.catalog.ESS(vendor, unit.Model)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}
	point, err := rm.ControlPoint(regmap.ControlESSPowerSetpoint)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}
	regs, err := point.Encode(newCmd)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}

	if e.config.DryRun {
		e.logger.Printf("[CONTROL] %s: dry run, would set storage to %.2f kW", rg.pod, newCmd)
		return true
	}

	return e.lockedWrite(ctx, rg, func() error {
		return e.bus.WriteMulti(unit.Endpoint(), byte(unit.SlaveID), point.Address, regs)
	})
}

// applyPVLimit issues the vendor-specific inverter limit for valueKW under
// the POD's advisory lock. Returns true when the write landed.
func (e *Executor) applyPVLimit(ctx context.Context, rg *regulator, plant *store.Plant, valueKW float64) bool {
	vendor, err := regmap.ParseVendor(plant.LoggerVendor)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}
	rm, err := e.catalog.Logger(vendor)
	if err != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}

	endpoint := plant.Endpoint()
	slave := byte(plant.LoggerSlaveID)

	switch vendor {
	case regmap.Huawei:
		point, err := rm.ControlPoint(regmap.ControlPowerAdjustment)
		if err != nil {
			e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
			return false
		}
		regs, err := point.Encode(valueKW)
		if err != nil {
			e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
			return false
		}
		if e.config.DryRun {
			e.logger.Printf("[CONTROL] %s: dry run, would limit inverter to %.2f kW", rg.pod, valueKW)
			return true
		}
		return e.lockedWrite(ctx, rg, func() error {
			return e.bus.WriteMulti(endpoint, slave, point.Address, regs)
		})

	case regmap.Fronius:
		point, err := rm.ControlPoint(regmap.ControlPowerLimitPercent)
		if err != nil {
			e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
			return false
		}
		percent := clampF(valueKW/plant.NormalPowerKW*100, 0, 100)
		if e.config.DryRun {
			e.logger.Printf("[CONTROL] %s: dry run, would limit inverter to %d%%", rg.pod, int(percent))
			return true
		}
		return e.lockedWrite(ctx, rg, func() error {
			if point.EnableRegister != nil {
				if err := e.bus.WriteSingle(endpoint, slave, *point.EnableRegister, point.EnableValue); err != nil {
					return err
				}
			}
			return e.bus.WriteSingle(endpoint, slave, point.Address, uint16(percent))
		})

	default:
		e.logger.Printf("[CONTROL] %s: no inverter limit actuator for vendor %s", rg.pod, vendor)
		return false
	}
}

// lockedWrite runs fn under the POD's advisory lock and feeds the result
// into the breaker and the state machine. A contended lock skips the cycle
// without counting as a failure.
func (e *Executor) lockedWrite(ctx context.Context, rg *regulator, fn func() error) bool {
	var writeErr error
	locked, err := e.store.WithPodLock(ctx, rg.pod, func() error {
		writeErr = fn()
		return writeErr
	})
	if err != nil && writeErr == nil {
		// Store-side lock failure, not a device fault. Retry next cycle.
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, err)
		return false
	}
	if writeErr != nil {
		e.logger.Printf("[CONTROL] %s: %v", rg.pod, writeErr)
		e.breaker.OnFailure(rg.pod)
		rg.setState(StateSuppressed)
		return false
	}
	if !locked {
		e.logger.Printf("[CONTROL] %s: advisory lock busy, skipping cycle", rg.pod)
		return false
	}
	e.breaker.OnSuccess(rg.pod)
	rg.setState(StateSteady)
	return true
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
