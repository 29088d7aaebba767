package controller

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/devskill-org/site-controller/fieldbus"
	"github.com/devskill-org/site-controller/regmap"
	"github.com/devskill-org/site-controller/store"
)

// envStore is the slice of the store gateway the sensor poller needs.
type envStore interface {
	ActiveEnvironmentSensors(ctx context.Context) ([]store.EnvironmentSensor, error)
	InsertEnvironmentRow(ctx context.Context, sensorID int, measuredAt time.Time, temperature float64) error
}

// EnvPoller reads the stand-alone ambient temperature probes. Their rows
// feed the reporter's environment aggregates.
type EnvPoller struct {
	store   envStore
	bus     fieldbus.Bus
	breaker *Breaker
	config  *Config
	logger  *log.Logger

	now func() time.Time
}

// NewEnvPoller wires an environment sensor poller.
func NewEnvPoller(st envStore, bus fieldbus.Bus, breaker *Breaker, config *Config, logger *log.Logger) *EnvPoller {
	return &EnvPoller{
		store:   st,
		bus:     bus,
		breaker: breaker,
		config:  config,
		logger:  logger,
		now:     time.Now,
	}
}

// Run executes poll cycles until the context is cancelled.
func (e *EnvPoller) Run(ctx context.Context) {
	runEvery(ctx, e.logger, "ENV", e.config.EnvPollInterval, e.cycle)
}

func (e *EnvPoller) cycle(ctx context.Context) {
	sensors, err := e.store.ActiveEnvironmentSensors(ctx)
	if err != nil {
		e.logger.Printf("[ENV] load sensors: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, sensor := range sensors {
		if e.breaker.ShouldSkip(sensorKey(sensor.ID)) {
			continue
		}

		wg.Add(1)
		go func(sn store.EnvironmentSensor) {
			defer wg.Done()
			e.pollSensor(ctx, sn)
		}(sensor)
	}
	wg.Wait()
}

func (e *EnvPoller) pollSensor(ctx context.Context, sensor store.EnvironmentSensor) {
	// One signed input register at address 0, tenths of a degree.
	regs, err := e.bus.Read(sensor.Endpoint(), byte(sensor.SlaveID), 0, 1, regmap.FCInput)
	if err != nil {
		e.logger.Printf("[ENV] sensor %d: %v", sensor.ID, err)
		e.breaker.OnFailure(sensorKey(sensor.ID))
		return
	}
	temp := float64(int16(regs[0])) / 10.0

	measuredAt := e.now().UTC().Truncate(time.Second)
	if err := e.store.InsertEnvironmentRow(ctx, sensor.ID, measuredAt, temp); err != nil {
		e.logger.Printf("[ENV] sensor %d: %v", sensor.ID, err)
		return
	}
	e.breaker.OnSuccess(sensorKey(sensor.ID))
}

func sensorKey(sensorID int) string {
	return fmt.Sprintf("env:%d", sensorID)
}
