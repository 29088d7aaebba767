// Package controller runs the site control loops: PCC meter polling, ESS
// and environment telemetry, upstream reporting, and per-POD closed-loop
// setpoint execution.
package controller

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/devskill-org/site-controller/fieldbus"
	"github.com/devskill-org/site-controller/regmap"
	"github.com/devskill-org/site-controller/store"
)

// Status is the controller-wide snapshot served by the status server.
type Status struct {
	IsRunning   bool                 `json:"is_running"`
	PlantsCount int                  `json:"plants_count"`
	Breaker     map[string]time.Time `json:"breaker"`
	Regulators  []RegulatorStatus    `json:"regulators"`

	// ClearSkyKW maps POD to the current clear-sky production estimate
	// for plants with known coordinates.
	ClearSkyKW map[string]float64 `json:"clear_sky_kw,omitempty"`
}

// Controller owns the shared infrastructure and the five pipelines.
type Controller struct {
	config  *Config
	store   *store.Store
	bus     fieldbus.Bus
	catalog *regmap.Catalog
	breaker *Breaker
	logger  *log.Logger

	meter    *MeterPoller
	ess      *ESSPoller
	env      *EnvPoller
	reporter *Reporter
	executor *Executor
	web      *WebServer

	mu      sync.Mutex
	running bool
	plants  []store.Plant
}

// New wires a controller over an open store.
func New(config *Config, st *store.Store) *Controller {
	logger := log.New(os.Stdout, "[CONTROLLER] ", log.LstdFlags)

	bus := fieldbus.NewClient()
	catalog := regmap.NewCatalog(config.RegisterMapDir)
	breaker := NewBreaker(config.BreakerCooldown, logger)

	c := &Controller{
		config:  config,
		store:   st,
		bus:     bus,
		catalog: catalog,
		breaker: breaker,
		logger:  logger,
	}

	c.meter = NewMeterPoller(st, bus, catalog, breaker, config, logger)
	c.ess = NewESSPoller(st, bus, catalog, breaker, config, logger)
	c.env = NewEnvPoller(st, bus, breaker, config, logger)
	c.reporter = NewReporter(st, config, logger)
	c.executor = NewExecutor(st, bus, catalog, breaker, config, logger)
	c.web = NewWebServer(c, config.StatusPort)

	return c
}

// Run verifies the configuration, launches every pipeline, and blocks
// until the context is cancelled. A missing register descriptor for a
// configured device is fatal.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.preloadDescriptors(ctx); err != nil {
		return err
	}

	c.reporter.SeedHeartbeats(ctx)

	if err := c.web.Start(); err != nil {
		return fmt.Errorf("start status server: %w", err)
	}

	c.mu.Lock()
	c.running = true
	c.mu.Unlock()
	c.logger.Printf("site controller started")

	var wg sync.WaitGroup
	for _, run := range []func(context.Context){
		c.meter.Run,
		c.ess.Run,
		c.env.Run,
		c.reporter.Run,
		c.executor.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(run)
	}
	wg.Wait()

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.web.Stop(shutdownCtx); err != nil {
		c.logger.Printf("stop status server: %v", err)
	}

	c.logger.Printf("site controller stopped")
	return nil
}

// preloadDescriptors loads the register map of every configured device so
// a missing or broken descriptor fails at startup instead of mid-cycle.
func (c *Controller) preloadDescriptors(ctx context.Context) error {
	plants, err := c.store.ActivePlants(ctx)
	if err != nil {
		return fmt.Errorf("load plants: %w", err)
	}
	for _, plant := range plants {
		vendor, err := regmap.ParseVendor(plant.LoggerVendor)
		if err != nil {
			return fmt.Errorf("plant %d: %w", plant.ID, err)
		}
		if _, err := c.catalog.Logger(vendor); err != nil {
			return fmt.Errorf("plant %d: %w", plant.ID, err)
		}
	}

	units, err := c.store.ActiveESSUnits(ctx)
	if err != nil {
		return fmt.Errorf("load ess units: %w", err)
	}
	for _, unit := range units {
		vendor, err := regmap.ParseVendor(unit.Vendor)
		if err != nil {
			return fmt.Errorf("ess unit %d: %w", unit.ID, err)
		}
		if _, err := c.catalog.ESS(vendor, unit.Model); err != nil {
			return fmt.Errorf("ess unit %d: %w", unit.ID, err)
		}
	}

	c.mu.Lock()
	c.plants = plants
	c.mu.Unlock()

	c.logger.Printf("descriptors loaded for %d plants and %d ess units", len(plants), len(units))
	return nil
}

// GetStatus returns the controller-wide snapshot.
func (c *Controller) GetStatus() Status {
	c.mu.Lock()
	running := c.running
	plants := c.plants
	c.mu.Unlock()

	status := Status{
		IsRunning:   running,
		PlantsCount: len(plants),
		Breaker:     c.breaker.Entries(),
		Regulators:  c.executor.Snapshot(),
	}

	now := time.Now()
	for _, plant := range plants {
		if plant.Latitude == nil || plant.Longitude == nil {
			continue
		}
		if status.ClearSkyKW == nil {
			status.ClearSkyKW = make(map[string]float64)
		}
		status.ClearSkyKW[plant.PodID] = clearSkyEstimateKW(now, *plant.Latitude, *plant.Longitude, plant.NormalPowerKW)
	}
	return status
}

// GetConfig returns the running configuration.
func (c *Controller) GetConfig() *Config {
	return c.config
}
