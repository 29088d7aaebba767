package controller

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/site-controller/fieldbus"
	"github.com/devskill-org/site-controller/regmap"
	"github.com/devskill-org/site-controller/store"
)

// essStore is the slice of the store gateway the ESS poller needs.
type essStore interface {
	ActiveESSUnits(ctx context.Context) ([]store.ESSUnit, error)
	InsertESSRow(ctx context.Context, r store.ESSRecord) error
}

// ESSPoller reads every active battery container each cycle and writes one
// battery state row per unit.
type ESSPoller struct {
	store   essStore
	bus     fieldbus.Bus
	catalog *regmap.Catalog
	breaker *Breaker
	config  *Config
	logger  *log.Logger

	now func() time.Time
}

// NewESSPoller wires an ESS poller.
func NewESSPoller(st essStore, bus fieldbus.Bus, catalog *regmap.Catalog, breaker *Breaker, config *Config, logger *log.Logger) *ESSPoller {
	return &ESSPoller{
		store:   st,
		bus:     bus,
		catalog: catalog,
		breaker: breaker,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes poll cycles until the context is cancelled.
func (e *ESSPoller) Run(ctx context.Context) {
	runEvery(ctx, e.logger, "ESS", e.config.ESSPollInterval, e.cycle)
}

func (e *ESSPoller) cycle(ctx context.Context) {
	units, err := e.store.ActiveESSUnits(ctx)
	if err != nil {
		e.logger.Printf("[ESS] load units: %v", err)
		return
	}

	sem := make(chan struct{}, e.config.MaxParallelPolls)
	var wg sync.WaitGroup
	for _, unit := range units {
		if e.breaker.ShouldSkip(breakerKey(unit.PlantID)) {
			continue
		}

		wg.Add(1)
		go func(u store.ESSUnit) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			e.pollUnit(ctx, u)
		}(unit)
	}
	wg.Wait()
}

func (e *ESSPoller) pollUnit(ctx context.Context, unit store.ESSUnit) {
	record, err := e.readUnit(unit)
	if err != nil {
		e.logger.Printf("[ESS] plant %d: %v", unit.PlantID, err)
		e.breaker.OnFailure(breakerKey(unit.PlantID))
		return
	}

	if err := e.store.InsertESSRow(ctx, *record); err != nil {
		e.logger.Printf("[ESS] plant %d: %v", unit.PlantID, err)
		return
	}
	e.breaker.OnSuccess(breakerKey(unit.PlantID))
}

func (e *ESSPoller) readUnit(unit store.ESSUnit) (*store.ESSRecord, error) {
	vendor, err := regmap.ParseVendor(unit.Vendor)
	if err != nil {
		return nil, err
	}
	rm, err := e.catalog.ESS(vendor, unit.Model)
	if err != nil {
		return nil, err
	}

	endpoint := unit.Endpoint()
	slave := byte(unit.SlaveID)

	soc, err := e.readScalar(rm, endpoint, slave, regmap.PointCurrentSOC)
	if err != nil {
		return nil, err
	}
	totalCapacity, err := e.readScalar(rm, endpoint, slave, regmap.PointTotalCapacity)
	if err != nil {
		return nil, err
	}

	// SOC limits are optional on some containers; default to the full
	// range when the descriptor omits them or the read fails.
	minSOC, maxSOC := 0.0, 100.0
	if v, err := e.readScalar(rm, endpoint, slave, regmap.PointAllowedMinSOC); err == nil {
		minSOC = v
	}
	if v, err := e.readScalar(rm, endpoint, slave, regmap.PointAllowedMaxSOC); err == nil {
		maxSOC = v
	}

	cellAvg, err := e.readVector(rm, endpoint, slave, regmap.PointBatteryCellTempAvg)
	if err != nil {
		return nil, err
	}
	cellMin, err := e.readVector(rm, endpoint, slave, regmap.PointBatteryCellTempMin)
	if err != nil {
		return nil, err
	}
	cellMax, err := e.readVector(rm, endpoint, slave, regmap.PointBatteryCellTempMax)
	if err != nil {
		return nil, err
	}
	container, err := e.readVector(rm, endpoint, slave, regmap.PointContainerTemp)
	if err != nil {
		return nil, err
	}

	charge, discharge := availableCapacity(totalCapacity, soc, minSOC, maxSOC)

	avgBatt, _, _ := aggregate(cellAvg)
	minBatt, _, _ := aggregate(cellMin)
	maxBatt, _, _ := aggregate(cellMax)
	contAvg, contMin, contMax := aggregate(container)

	return &store.ESSRecord{
		PlantID:                    unit.PlantID,
		MeasuredAt:                 e.now().UTC().Truncate(time.Second),
		AvgBattTemp:                avgBatt,
		MinBattTemp:                minBatt,
		MaxBattTemp:                maxBatt,
		AvgContainerTemp:           contAvg,
		MinContainerTemp:           contMin,
		MaxContainerTemp:           contMax,
		AvailableCapacityCharge:    charge,
		AvailableCapacityDischarge: discharge,
		CurrentSOC:                 soc,
		AllowedMinSOC:              minSOC,
		AllowedMaxSOC:              maxSOC,
	}, nil
}

func (e *ESSPoller) readScalar(rm *regmap.Map, endpoint string, slave byte, name string) (float64, error) {
	point, err := rm.TelemetryPoint(name)
	if err != nil {
		return 0, err
	}
	regs, err := e.bus.Read(endpoint, slave, point.Address, point.Quantity, point.FC)
	if err != nil {
		return 0, err
	}
	return point.Decode(regs)
}

func (e *ESSPoller) readVector(rm *regmap.Map, endpoint string, slave byte, name string) ([]float64, error) {
	point, err := rm.TelemetryPoint(name)
	if err != nil {
		return nil, err
	}
	regs, err := e.bus.Read(endpoint, slave, point.Address, point.Quantity, point.FC)
	if err != nil {
		return nil, err
	}
	return point.DecodeVector(regs)
}

// availableCapacity derives the dispatchable charge and discharge energy in
// kWh from the container's SOC window. Both are floored at zero.
func availableCapacity(totalKWh, soc, minSOC, maxSOC float64) (charge, discharge float64) {
	current := totalKWh * soc / 100
	charge = totalKWh*maxSOC/100 - current
	discharge = current - totalKWh*minSOC/100
	if charge < 0 {
		charge = 0
	}
	if discharge < 0 {
		discharge = 0
	}
	return charge, discharge
}

// aggregate reduces a value vector to (avg, min, max); nils when empty.
func aggregate(values []float64) (avg, min, max *float64) {
	if len(values) == 0 {
		return nil, nil, nil
	}

	sum, lo, hi := 0.0, values[0], values[0]
	for _, v := range values {
		sum += v
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	a := sum / float64(len(values))
	return &a, &lo, &hi
}
