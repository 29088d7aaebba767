package controller

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"
)

// Config represents the configuration for the site controller.
type Config struct {
	// Upstream API settings
	UpstreamURL string        `json:"upstream_url"` // Setpoint API endpoint
	APIKey      string        `json:"-"`            // From ALTEO_API_KEY, never persisted
	HTTPTimeout time.Duration `json:"http_timeout"` // Timeout for upstream calls

	// Register map settings
	RegisterMapDir string `json:"register_map_dir"` // Directory with vendor descriptors

	// Pipeline cadences
	CycleTime       time.Duration `json:"cycle_time"`        // Meter poll and report cadence
	ESSPollInterval time.Duration `json:"ess_poll_interval"` // Battery poll cadence
	EnvPollInterval time.Duration `json:"env_poll_interval"` // Environment sensor cadence
	ControlInterval time.Duration `json:"control_interval"`  // Regulator cadence

	// Control loop tuning
	DeadbandKW       float64       `json:"deadband_kw"`        // Error magnitude below which nothing is actuated
	KP               float64       `json:"kp"`                 // Proportional gain
	MinWriteInterval time.Duration `json:"min_write_interval"` // Minimum spacing between ESS writes

	// Fault handling
	BreakerCooldown time.Duration `json:"breaker_cooldown"` // Device blacklist window

	// Fan-out limit for simultaneous field-bus sessions
	MaxParallelPolls int `json:"max_parallel_polls"`

	// Window for upstream temperature aggregates
	AggregateWindow time.Duration `json:"aggregate_window"`

	// Status server port (0 = disabled)
	StatusPort int `json:"status_port"`

	// DryRun simulates field writes without touching devices
	DryRun bool `json:"dry_run"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		UpstreamURL:      "https://ams-partner-api.azure-api.net/plant-control/api/setpoint",
		HTTPTimeout:      5 * time.Second,
		RegisterMapDir:   "register_maps",
		CycleTime:        2 * time.Second,
		ESSPollInterval:  2 * time.Second,
		EnvPollInterval:  30 * time.Second,
		ControlInterval:  1500 * time.Millisecond,
		DeadbandKW:       1.0,
		KP:               0.3,
		MinWriteInterval: 4 * time.Second,
		BreakerCooldown:  5 * time.Minute,
		MaxParallelPolls: 10,
		AggregateWindow:  5 * time.Minute,
		StatusPort:       0,
		DryRun:           false,
	}
}

// LoadConfig loads configuration from a JSON file and fills the API key
// from the environment.
func LoadConfig(filename string) (*Config, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	return LoadConfigFromReader(file)
}

// LoadConfigFromReader loads configuration from an io.Reader.
func LoadConfigFromReader(reader io.Reader) (*Config, error) {
	config := DefaultConfig()

	decoder := json.NewDecoder(reader)
	if err := decoder.Decode(config); err != nil {
		return nil, fmt.Errorf("failed to decode config JSON: %w", err)
	}

	config.APIKey = os.Getenv("ALTEO_API_KEY")

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration values are valid. A missing API key
// is a configuration error and fatal at startup.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("ALTEO_API_KEY environment variable is not set")
	}

	if c.UpstreamURL == "" {
		return fmt.Errorf("upstream_url cannot be empty")
	}

	if c.RegisterMapDir == "" {
		return fmt.Errorf("register_map_dir cannot be empty")
	}

	if c.CycleTime <= 0 {
		return fmt.Errorf("cycle_time must be greater than 0, got: %s", c.CycleTime)
	}

	if c.ESSPollInterval <= 0 {
		return fmt.Errorf("ess_poll_interval must be greater than 0, got: %s", c.ESSPollInterval)
	}

	if c.EnvPollInterval <= 0 {
		return fmt.Errorf("env_poll_interval must be greater than 0, got: %s", c.EnvPollInterval)
	}

	if c.ControlInterval <= 0 {
		return fmt.Errorf("control_interval must be greater than 0, got: %s", c.ControlInterval)
	}

	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http_timeout must be greater than 0, got: %s", c.HTTPTimeout)
	}

	if c.DeadbandKW < 0 {
		return fmt.Errorf("deadband_kw must be non-negative, got: %f", c.DeadbandKW)
	}

	if c.KP <= 0 || c.KP > 1 {
		return fmt.Errorf("kp must be in (0, 1], got: %f", c.KP)
	}

	if c.MinWriteInterval < 0 {
		return fmt.Errorf("min_write_interval must be non-negative, got: %s", c.MinWriteInterval)
	}

	if c.BreakerCooldown <= 0 {
		return fmt.Errorf("breaker_cooldown must be greater than 0, got: %s", c.BreakerCooldown)
	}

	if c.MaxParallelPolls <= 0 {
		return fmt.Errorf("max_parallel_polls must be greater than 0, got: %d", c.MaxParallelPolls)
	}

	if c.AggregateWindow <= 0 {
		return fmt.Errorf("aggregate_window must be greater than 0, got: %s", c.AggregateWindow)
	}

	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("status_port must be between 0 and 65535, got: %d", c.StatusPort)
	}

	return nil
}

// MarshalJSON implements custom JSON marshaling to handle durations.
func (c *Config) MarshalJSON() ([]byte, error) {
	type Alias Config
	return json.Marshal(&struct {
		*Alias
		HTTPTimeout      string `json:"http_timeout"`
		CycleTime        string `json:"cycle_time"`
		ESSPollInterval  string `json:"ess_poll_interval"`
		EnvPollInterval  string `json:"env_poll_interval"`
		ControlInterval  string `json:"control_interval"`
		MinWriteInterval string `json:"min_write_interval"`
		BreakerCooldown  string `json:"breaker_cooldown"`
		AggregateWindow  string `json:"aggregate_window"`
	}{
		Alias:            (*Alias)(c),
		HTTPTimeout:      c.HTTPTimeout.String(),
		CycleTime:        c.CycleTime.String(),
		ESSPollInterval:  c.ESSPollInterval.String(),
		EnvPollInterval:  c.EnvPollInterval.String(),
		ControlInterval:  c.ControlInterval.String(),
		MinWriteInterval: c.MinWriteInterval.String(),
		BreakerCooldown:  c.BreakerCooldown.String(),
		AggregateWindow:  c.AggregateWindow.String(),
	})
}

// UnmarshalJSON implements custom JSON unmarshaling to handle durations.
func (c *Config) UnmarshalJSON(data []byte) error {
	type Alias Config
	aux := &struct {
		*Alias
		HTTPTimeout      string `json:"http_timeout"`
		CycleTime        string `json:"cycle_time"`
		ESSPollInterval  string `json:"ess_poll_interval"`
		EnvPollInterval  string `json:"env_poll_interval"`
		ControlInterval  string `json:"control_interval"`
		MinWriteInterval string `json:"min_write_interval"`
		BreakerCooldown  string `json:"breaker_cooldown"`
		AggregateWindow  string `json:"aggregate_window"`
	}{
		Alias: (*Alias)(c),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	durations := []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"http_timeout", aux.HTTPTimeout, &c.HTTPTimeout},
		{"cycle_time", aux.CycleTime, &c.CycleTime},
		{"ess_poll_interval", aux.ESSPollInterval, &c.ESSPollInterval},
		{"env_poll_interval", aux.EnvPollInterval, &c.EnvPollInterval},
		{"control_interval", aux.ControlInterval, &c.ControlInterval},
		{"min_write_interval", aux.MinWriteInterval, &c.MinWriteInterval},
		{"breaker_cooldown", aux.BreakerCooldown, &c.BreakerCooldown},
		{"aggregate_window", aux.AggregateWindow, &c.AggregateWindow},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return nil
}
