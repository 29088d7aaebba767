package controller

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/devskill-org/site-controller/store"
)

type fakeExecutorStore struct {
	plant  *store.Plant
	inbox  *store.InboxRow
	pcc    *store.PCCRecord
	unit   *store.ESSUnit
	essRow *store.ESSRecord

	lockBusy  bool
	lockCalls int
}

func (f *fakeExecutorStore) ActivePlants(ctx context.Context) ([]store.Plant, error) {
	if f.plant == nil {
		return nil, nil
	}
	return []store.Plant{*f.plant}, nil
}

func (f *fakeExecutorStore) PlantByPod(ctx context.Context, pod string) (*store.Plant, error) {
	return f.plant, nil
}

func (f *fakeExecutorStore) LatestInbox(ctx context.Context, pod string) (*store.InboxRow, error) {
	return f.inbox, nil
}

func (f *fakeExecutorStore) LatestPCC(ctx context.Context, plantID int) (*store.PCCRecord, error) {
	return f.pcc, nil
}

func (f *fakeExecutorStore) FirstActiveESS(ctx context.Context, plantID int) (*store.ESSUnit, error) {
	return f.unit, nil
}

func (f *fakeExecutorStore) LatestESSRow(ctx context.Context, plantID int) (*store.ESSRecord, error) {
	return f.essRow, nil
}

func (f *fakeExecutorStore) WithPodLock(ctx context.Context, pod string, fn func() error) (bool, error) {
	f.lockCalls++
	if f.lockBusy {
		return false, nil
	}
	return true, fn()
}

func essPlant() *store.Plant {
	p := huaweiPlant()
	p.PlantType = store.PVESS
	return &p
}

func essScenario(targetKW, pccKW, chargeKWh, dischargeKWh float64) *fakeExecutorStore {
	return &fakeExecutorStore{
		plant: essPlant(),
		inbox: &store.InboxRow{Pod: "HU001", Heartbeat: 7, SumSetpoint: targetKW, UseSetpoint: true},
		pcc:   &store.PCCRecord{PlantID: 1, SumActivePower: f64(pccKW)},
		unit:  &store.ESSUnit{ID: 1, PlantID: 1, IP: "10.0.0.20", Port: 502, SlaveID: 1, Vendor: "hithium"},
		essRow: &store.ESSRecord{
			PlantID:                    1,
			AvailableCapacityCharge:    chargeKWh,
			AvailableCapacityDischarge: dischargeKWh,
		},
	}
}

func newTestExecutor(t *testing.T, st executorStore) (*Executor, *fakeBus, *Breaker) {
	t.Helper()
	bus := newFakeBus()
	breaker := NewBreaker(5*time.Minute, testLogger())
	e := NewExecutor(st, bus, testCatalog(t), breaker, testConfig(), testLogger())
	e.now = fixedNow
	return e, bus, breaker
}

func TestExecutorProportionalStepToESS(t *testing.T) {
	st := essScenario(200, 170, 300, 50)
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	// Bootstrap pins last command to the PCC reading, then one step:
	// 170 + 0.3 * (200 - 170) = 179 kW.
	if math.Abs(rg.lastCmdKW-179) > 1e-9 {
		t.Errorf("last command = %v, want 179", rg.lastCmdKW)
	}
	if rg.state != StateSteady {
		t.Errorf("state = %v, want STEADY", rg.state)
	}

	if len(bus.multis) != 1 {
		t.Fatalf("writes = %d, want 1", len(bus.multis))
	}
	w := bus.multis[0]
	if w.endpoint != "10.0.0.20:502" || w.address != 600 {
		t.Errorf("write landed at %s/%d, want 10.0.0.20:502/600", w.endpoint, w.address)
	}
	// 179 kW, signed 32-bit, gain 10: raw 1790 high word first.
	if len(w.values) != 2 || w.values[0] != 0x0000 || w.values[1] != 0x06FE {
		t.Errorf("registers = %#04x, want [0x0000 0x06fe]", w.values)
	}
	if len(bus.singles) != 0 {
		t.Error("no inverter limit must be issued when storage absorbs the error")
	}
	if st.lockCalls != 1 {
		t.Errorf("lock taken %d times, want 1", st.lockCalls)
	}
}

func TestExecutorDeadbandSkipsWrite(t *testing.T) {
	st := essScenario(100.5, 100, 300, 50)
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	if len(bus.multis) != 0 || len(bus.singles) != 0 {
		t.Error("error inside the deadband must not produce a field write")
	}
	if rg.lastCmdKW != 100 {
		t.Errorf("last command = %v, want the bootstrap value 100", rg.lastCmdKW)
	}
}

func TestExecutorMinWriteIntervalGatesESS(t *testing.T) {
	st := essScenario(200, 170, 300, 50)
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)
	e.step(context.Background(), rg) // same instant, still inside the gate

	if len(bus.multis) != 1 {
		t.Errorf("writes = %d, want 1 within the minimum write interval", len(bus.multis))
	}
}

func TestExecutorPVOnlySaturatesAtRatedPower(t *testing.T) {
	plant := huaweiPlant() // PV_ONLY, rated 250 kW
	st := &fakeExecutorStore{
		plant: &plant,
		inbox: &store.InboxRow{Pod: "HU001", Heartbeat: 2, SumSetpoint: 300},
		pcc:   &store.PCCRecord{PlantID: 1, SumActivePower: f64(260)},
	}
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	// 260 + 0.3 * 40 = 272, clamped to the 250 kW rating.
	if rg.lastCmdKW != 250 {
		t.Errorf("last command = %v, want 250", rg.lastCmdKW)
	}
	if len(bus.multis) != 1 {
		t.Fatalf("writes = %d, want 1", len(bus.multis))
	}
	w := bus.multis[0]
	if w.endpoint != "10.0.0.10:502" || w.address != 200 {
		t.Errorf("write landed at %s/%d, want the logger adjustment register", w.endpoint, w.address)
	}
	// 250 kW, gain 10: raw 2500.
	if w.values[0] != 0x0000 || w.values[1] != 0x09C4 {
		t.Errorf("registers = %#04x, want [0x0000 0x09c4]", w.values)
	}
}

func TestExecutorCurtailsWhenBatteryCannotCharge(t *testing.T) {
	st := essScenario(50, 80, 0, 500) // need -30 kW, battery full
	st.plant.LoggerVendor = "fronius"
	st.plant.NormalPowerKW = 100
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	if len(bus.multis) != 0 {
		t.Error("full battery must route to PV curtailment, not an ESS write")
	}
	if len(bus.singles) != 2 {
		t.Fatalf("single writes = %d, want enable + limit", len(bus.singles))
	}
	enable, limit := bus.singles[0], bus.singles[1]
	if enable.address != 304 || enable.value != 1 {
		t.Errorf("enable write = %+v, want register 304 value 1", enable)
	}
	// target 50 kW of 100 kW rated: 50 percent.
	if limit.address != 300 || limit.value != 50 {
		t.Errorf("limit write = %+v, want register 300 value 50", limit)
	}
}

func TestExecutorSuppressedOnWriteFailure(t *testing.T) {
	st := essScenario(200, 170, 300, 50)
	e, bus, breaker := newTestExecutor(t, st)
	bus.writeErr = errors.New("device gone")

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	if rg.state != StateSuppressed {
		t.Errorf("state = %v, want SUPPRESSED after a write failure", rg.state)
	}
	if !breaker.ShouldSkip("HU001") {
		t.Error("failed POD must be in the breaker")
	}

	// While suppressed the regulator must not consult the field bus.
	lockCallsBefore := st.lockCalls
	e.step(context.Background(), rg)
	if st.lockCalls != lockCallsBefore {
		t.Error("suppressed regulator attempted another write")
	}
}

func TestExecutorSkipsCycleWhenLockBusy(t *testing.T) {
	st := essScenario(200, 170, 300, 50)
	st.lockBusy = true
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	if len(bus.multis) != 0 {
		t.Error("contended advisory lock must skip the write")
	}
	// Bootstrap happened but the command was not applied.
	if rg.lastCmdKW != 170 {
		t.Errorf("last command = %v, want the bootstrap value 170", rg.lastCmdKW)
	}
	if !rg.lastWrite.IsZero() {
		t.Error("skipped write must not advance the write timestamp")
	}
}

func TestExecutorWaitsForFirstPCCReading(t *testing.T) {
	st := essScenario(200, 0, 300, 50)
	st.pcc = nil
	e, bus, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	if rg.state != StateBootstrapping {
		t.Errorf("state = %v, want BOOTSTRAPPING without telemetry", rg.state)
	}
	if rg.hasLastCmd {
		t.Error("last command must stay uninitialised without telemetry")
	}
	if len(bus.multis) != 0 || len(bus.singles) != 0 {
		t.Error("no writes may happen before the first PCC reading")
	}
}

func TestExecutorDryRunSimulatesWrites(t *testing.T) {
	st := essScenario(200, 170, 300, 50)
	bus := newFakeBus()
	breaker := NewBreaker(5*time.Minute, testLogger())
	cfg := testConfig()
	cfg.DryRun = true
	e := NewExecutor(st, bus, testCatalog(t), breaker, cfg, testLogger())
	e.now = fixedNow

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.step(context.Background(), rg)

	if len(bus.multis) != 0 || len(bus.singles) != 0 {
		t.Error("dry run must not touch the field bus")
	}
	if math.Abs(rg.lastCmdKW-179) > 1e-9 {
		t.Errorf("last command = %v, want 179 even in dry run", rg.lastCmdKW)
	}
}

// gatedExecutorStore parks the inbox query until released so a cycle can be
// held mid-flight.
type gatedExecutorStore struct {
	*fakeExecutorStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedExecutorStore) LatestInbox(ctx context.Context, pod string) (*store.InboxRow, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.fakeExecutorStore.LatestInbox(ctx, pod)
}

func TestExecutorSnapshotDuringSlowCycle(t *testing.T) {
	st := &gatedExecutorStore{
		fakeExecutorStore: essScenario(200, 170, 300, 50),
		entered:           make(chan struct{}, 1),
		release:           make(chan struct{}),
	}
	e, _, _ := newTestExecutor(t, st)

	rg := &regulator{pod: "HU001", state: StateBootstrapping}
	e.regulators["HU001"] = rg

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.step(context.Background(), rg)
	}()
	<-st.entered

	snapped := make(chan []RegulatorStatus, 1)
	go func() { snapped <- e.Snapshot() }()

	select {
	case snap := <-snapped:
		if len(snap) != 1 || snap[0].Pod != "HU001" {
			t.Errorf("snapshot = %+v, want the parked regulator", snap)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Snapshot blocked behind an in-flight cycle")
	}

	close(st.release)
	<-done
}

func TestExecutorSnapshot(t *testing.T) {
	st := essScenario(200, 170, 300, 50)
	e, _, _ := newTestExecutor(t, st)

	rgA := &regulator{pod: "HU002", state: StateBootstrapping}
	rgB := &regulator{pod: "HU001", state: StateBootstrapping}
	e.regulators["HU002"] = rgA
	e.regulators["HU001"] = rgB

	e.step(context.Background(), rgB)

	snap := e.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot = %d entries, want 2", len(snap))
	}
	if snap[0].Pod != "HU001" || snap[1].Pod != "HU002" {
		t.Errorf("snapshot order = %s, %s, want sorted by POD", snap[0].Pod, snap[1].Pod)
	}
	if snap[0].State != StateSteady || snap[0].Heartbeat != 7 {
		t.Errorf("snapshot entry = %+v", snap[0])
	}
}
