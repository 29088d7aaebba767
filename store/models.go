package store

import (
	"fmt"
	"time"
)

// PlantType distinguishes pure PV sites from sites with a battery.
type PlantType string

const (
	PVOnly PlantType = "PV_ONLY"
	PVESS  PlantType = "PV_ESS"
)

// Plant is one photovoltaic site as configured in the plants table.
type Plant struct {
	ID             int
	PodID          string
	Name           string
	IP             string
	Port           int
	LoggerSlaveID  int
	LoggerVendor   string
	PlantType      PlantType
	NormalPowerKW  float64
	ControlEnabled bool

	// Optional site coordinates for the clear-sky plausibility check.
	Latitude  *float64
	Longitude *float64
}

// Endpoint returns the field-bus address of the plant's logger.
func (p Plant) Endpoint() string {
	return fmt.Sprintf("%s:%d", p.IP, p.Port)
}

// ESSUnit is one battery container owned by a plant.
type ESSUnit struct {
	ID      int
	PlantID int
	IP      string
	Port    int
	SlaveID int
	Vendor  string
	Model   string
}

// Endpoint returns the field-bus address of the container.
func (e ESSUnit) Endpoint() string {
	return fmt.Sprintf("%s:%d", e.IP, e.Port)
}

// EnvironmentSensor is one stand-alone temperature probe.
type EnvironmentSensor struct {
	ID      int
	IP      string
	Port    int
	SlaveID int
}

// Endpoint returns the field-bus address of the sensor.
func (s EnvironmentSensor) Endpoint() string {
	return fmt.Sprintf("%s:%d", s.IP, s.Port)
}

// PCCRecord is one point-of-common-coupling telemetry row.
type PCCRecord struct {
	PlantID    int
	MeasuredAt time.Time

	SumActivePower    *float64
	CosPhi            *float64
	AvailablePowerMin *float64
	AvailablePowerMax *float64
	ReferencePower    *float64
	GHI               *float64
	PanelTemp         *float64
}

// ESSRecord is one battery telemetry row.
type ESSRecord struct {
	PlantID    int
	MeasuredAt time.Time

	AvgBattTemp      *float64
	MinBattTemp      *float64
	MaxBattTemp      *float64
	AvgContainerTemp *float64
	MinContainerTemp *float64
	MaxContainerTemp *float64

	AvailableCapacityCharge    float64
	AvailableCapacityDischarge float64
	CurrentSOC                 float64
	AllowedMinSOC              float64
	AllowedMaxSOC              float64
}

// PlantMeasurement joins a controlled plant with its most recent PCC row;
// one per POD per reporter cycle.
type PlantMeasurement struct {
	PlantID    int
	PodID      string
	MeasuredAt time.Time

	SumActivePower    *float64
	CosPhi            *float64
	AvailablePowerMin *float64
	AvailablePowerMax *float64
	ReferencePower    *float64
}

// InboxRow is the latest control received from upstream for one POD.
type InboxRow struct {
	Pod                string
	Heartbeat          int64
	SumSetpoint        float64
	ScheduledReference float64
	UseSetpoint        bool
	ReceivedAt         time.Time
}

// WindowStats are aggregate statistics over a recent time window.
type WindowStats struct {
	Avg float64
	Min float64
	Max float64
}
