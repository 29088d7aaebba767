// Package main provides the renewable site controller entry point and CLI interface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/devskill-org/site-controller/controller"
	"github.com/devskill-org/site-controller/store"
)

func main() {
	// Command line flags
	var (
		configFile = flag.String("config", "config.json", "Configuration file path")
		dryRun     = flag.Bool("dry-run", false, "Simulate field writes without touching devices")
		help       = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	config, err := loadConfig(*configFile)
	if err != nil {
		fmt.Println("Error loading configuration:", err)
		os.Exit(1)
	}
	if *dryRun {
		config.DryRun = true
	}

	fmt.Printf("Starting site controller with the following configuration:\n")
	fmt.Printf("  Upstream URL: %s\n", config.UpstreamURL)
	fmt.Printf("  Cycle Time: %s\n", config.CycleTime)
	fmt.Printf("  Control Interval: %s\n", config.ControlInterval)
	fmt.Printf("  Deadband: %.1f kW\n", config.DeadbandKW)
	fmt.Printf("  Register Maps: %s\n", config.RegisterMapDir)

	if config.DryRun {
		fmt.Printf("  Mode: DRY-RUN (field writes will be simulated only)\n")
	}
	fmt.Println()

	logger := log.New(os.Stdout, "[MAIN] ", log.LstdFlags)

	// Set up context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, store.ConfigFromEnv())
	if err != nil {
		logger.Printf("Database error: %v", err)
		os.Exit(1)
	}
	defer st.Close()

	siteController := controller.New(config, st)

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- siteController.Run(ctx)
	}()

	logger.Printf("Site controller started. Press Ctrl+C to stop...")

	select {
	case sig := <-sigChan:
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil {
			logger.Printf("Controller error: %v", err)
			os.Exit(1)
		}
	}

	logger.Printf("Site controller stopped successfully")
}

// loadConfig reads the config file; a missing file falls back to defaults
// so the controller can run on environment variables alone.
func loadConfig(path string) (*controller.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := controller.DefaultConfig()
		config.APIKey = os.Getenv("ALTEO_API_KEY")
		if err := config.Validate(); err != nil {
			return nil, err
		}
		return config, nil
	}
	return controller.LoadConfig(path)
}

func showHelp() {
	fmt.Println("Site Controller - Poll renewable plants and execute upstream power setpoints")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Connects photovoltaic plants and battery containers over Modbus-TCP,")
	fmt.Println("  reports their telemetry to the upstream control API, and steers each")
	fmt.Println("  site toward the setpoints the API returns.")
	fmt.Println()
	fmt.Println("  Key Features:")
	fmt.Println("  - PCC meter, battery, and environment sensor polling")
	fmt.Println("  - Heartbeat-mirrored telemetry reporting")
	fmt.Println("  - Closed-loop setpoint execution per POD")
	fmt.Println("  - Per-vendor register maps (Huawei, Fronius, Hithium)")
	fmt.Println("  - Device blacklisting after field-bus failures")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  DB_NAME, DB_USER, DB_PASSWORD, DB_HOST, DB_PORT  Postgres connection")
	fmt.Println("  ALTEO_API_KEY                                    Upstream API key (required)")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  site-controller [OPTIONS]")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Basic usage with default settings")
	fmt.Println("  site-controller")
	fmt.Println()
	fmt.Println("  # Custom configuration")
	fmt.Println("  site-controller --config=config.json")
	fmt.Println()
	fmt.Println("  # Simulate field writes")
	fmt.Println("  site-controller -dry-run")
	fmt.Println()
	fmt.Println("  # Show this help")
	fmt.Println("  site-controller -help")
}
