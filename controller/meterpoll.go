package controller

import (
	"context"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/devskill-org/site-controller/fieldbus"
	"github.com/devskill-org/site-controller/regmap"
	"github.com/devskill-org/site-controller/store"
)

// meterStore is the slice of the store gateway the meter poller needs.
type meterStore interface {
	ActivePlants(ctx context.Context) ([]store.Plant, error)
	InsertPCCBatch(ctx context.Context, records []store.PCCRecord) error
}

// MeterPoller reads the PCC meter of every controlled plant each cycle and
// batch-writes the latest telemetry rows.
type MeterPoller struct {
	store   meterStore
	bus     fieldbus.Bus
	catalog *regmap.Catalog
	breaker *Breaker
	config  *Config
	logger  *log.Logger

	// now is swapped out by tests.
	now func() time.Time
}

// NewMeterPoller wires a meter poller.
func NewMeterPoller(st meterStore, bus fieldbus.Bus, catalog *regmap.Catalog, breaker *Breaker, config *Config, logger *log.Logger) *MeterPoller {
	return &MeterPoller{
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
func (m *MeterPoller) Run(ctx context.Context) {
	runEvery(ctx, m.logger, "METER", m.config.CycleTime, m.cycle)
}

func (m *MeterPoller) cycle(ctx context.Context) {
	plants, err := m.store.ActivePlants(ctx)
	if err != nil {
		m.logger.Printf("[METER] load plants: %v", err)
		return
	}

	sem := make(chan struct{}, m.config.MaxParallelPolls)
	results := make(chan *store.PCCRecord, len(plants))

	var wg sync.WaitGroup
	for _, plant := range plants {
		if m.breaker.ShouldSkip(breakerKey(plant.ID)) {
			continue
		}

		wg.Add(1)
		go func(p store.Plant) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- m.pollPlant(p)
		}(plant)
	}
	wg.Wait()
	close(results)

	var records []store.PCCRecord
	for r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}

	if len(records) == 0 {
		return
	}
	if err := m.store.InsertPCCBatch(ctx, records); err != nil {
		m.logger.Printf("[METER] store batch: %v", err)
	}
}

// pollPlant reads one plant's meter. A nil return means the read failed
// and the breaker has been notified.
func (m *MeterPoller) pollPlant(plant store.Plant) *store.PCCRecord {
	record, err := m.readPCC(plant)
	if err != nil {
		m.logger.Printf("[METER] plant %d: %v", plant.ID, err)
		m.breaker.OnFailure(breakerKey(plant.ID))
		return nil
	}
	m.breaker.OnSuccess(breakerKey(plant.ID))

	if plant.Latitude != nil && plant.Longitude != nil && record.SumActivePower != nil {
		if productionImplausible(record.MeasuredAt, *plant.Latitude, *plant.Longitude, plant.NormalPowerKW, *record.SumActivePower) {
			m.logger.Printf("[METER] plant %d reads %.2f kW while the sun is up; panels may be covered or the meter stuck",
				plant.ID, *record.SumActivePower)
		}
	}
	return record
}

func (m *MeterPoller) readPCC(plant store.Plant) (*store.PCCRecord, error) {
	vendor, err := regmap.ParseVendor(plant.LoggerVendor)
	if err != nil {
		return nil, err
	}
	rm, err := m.catalog.Logger(vendor)
	if err != nil {
		return nil, err
	}

	sumPoint, err := rm.TelemetryPoint(regmap.PointSumActivePower)
	if err != nil {
		return nil, err
	}
	cosPoint, err := rm.TelemetryPoint(regmap.PointCosPhi)
	if err != nil {
		return nil, err
	}

	endpoint := plant.Endpoint()
	slave := byte(plant.LoggerSlaveID)

	regs, err := m.bus.Read(endpoint, slave, sumPoint.Address, sumPoint.Quantity, sumPoint.FC)
	if err != nil {
		return nil, err
	}
	sumActive, err := sumPoint.Decode(regs)
	if err != nil {
		return nil, err
	}

	regs, err = m.bus.Read(endpoint, slave, cosPoint.Address, cosPoint.Quantity, cosPoint.FC)
	if err != nil {
		return nil, err
	}
	rawCos, err := cosPoint.Decode(regs)
	if err != nil {
		return nil, err
	}
	cosPhi := vendor.NormalizeCosPhi(rawCos)

	// Timestamp at poll completion, whole seconds, UTC.
	measuredAt := m.now().UTC().Truncate(time.Second)

	available := abs(sumActive)
	record := &store.PCCRecord{
		PlantID:           plant.ID,
		MeasuredAt:        measuredAt,
		SumActivePower:    &sumActive,
		CosPhi:            &cosPhi,
		AvailablePowerMin: f64(0),
		AvailablePowerMax: &available,
		ReferencePower:    &available,
	}
	return record, nil
}

func breakerKey(plantID int) string {
	return strconv.Itoa(plantID)
}

func f64(v float64) *float64 { return &v }

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
