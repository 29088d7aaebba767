package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/devskill-org/site-controller/store"
)

// measuredAtLayout is the upstream timestamp format: ISO-8601, UTC,
// millisecond precision, trailing Z.
const measuredAtLayout = "2006-01-02T15:04:05.000Z"

// reporterStore is the slice of the store gateway the reporter needs.
type reporterStore interface {
	LatestPlantMeasurements(ctx context.Context) ([]store.PlantMeasurement, error)
	LatestESSRow(ctx context.Context, plantID int) (*store.ESSRecord, error)
	ESSWindowStats(ctx context.Context, plantID int, column string, window time.Duration) (*store.WindowStats, error)
	EnvironmentWindowStats(ctx context.Context, plantID int, window time.Duration) (*store.WindowStats, error)
	LastHeartbeat(ctx context.Context, pod string) (int64, bool, error)
	UpsertInbox(ctx context.Context, pod string, heartbeat int64, sumSetpoint, scheduledReference float64, useSetpoint bool) error
	AppendSendLog(ctx context.Context, pod string, request, response []byte, status int) error
}

// reportValue is one measurement entry in the upstream payload.
type reportValue struct {
	Measurement string   `json:"measurement"`
	MeasuredAt  string   `json:"measuredAt"`
	Value       *float64 `json:"value"`
	Quality     int      `json:"quality"`
}

// podReport is the per-POD envelope posted upstream.
type podReport struct {
	Pod    string        `json:"pod"`
	Values []reportValue `json:"values"`
}

// upstreamControl is one control entry in the upstream reply. Extra fields
// are tolerated.
type upstreamControl struct {
	Pod                string  `json:"pod"`
	Heartbeat          int64   `json:"heartbeat"`
	SumSetPoint        float64 `json:"sumSetPoint"`
	ScheduledReference float64 `json:"scheduledReference"`
	UseSetPoint        int     `json:"useSetPoint"`
}

type upstreamResponse struct {
	Controls []upstreamControl `json:"controls"`
}

// Reporter posts telemetry upstream once per POD per cycle and feeds the
// returned setpoints into the control inbox.
type Reporter struct {
	store  reporterStore
	client *http.Client
	config *Config
	logger *log.Logger

	now func() time.Time
}

// NewReporter wires an upstream reporter.
func NewReporter(st reporterStore, config *Config, logger *log.Logger) *Reporter {
	return &Reporter{
		store:  st,
		client: &http.Client{Timeout: config.HTTPTimeout},
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Run executes report cycles until the context is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	runEvery(ctx, r.logger, "SENDER", r.config.CycleTime, r.cycle)
}

func (r *Reporter) cycle(ctx context.Context) {
	measurements, err := r.store.LatestPlantMeasurements(ctx)
	if err != nil {
		r.logger.Printf("[SENDER] load measurements: %v", err)
		return
	}

	var wg sync.WaitGroup
	for _, m := range measurements {
		wg.Add(1)
		go func(m store.PlantMeasurement) {
			defer wg.Done()
			r.sendOne(ctx, m)
		}(m)
	}
	wg.Wait()
}

// sendOne reports one POD and processes the reply. Failures never cross
// POD boundaries; everything ends up in the send log.
func (r *Reporter) sendOne(ctx context.Context, m store.PlantMeasurement) {
	pod := m.PodID

	heartbeat, ok, err := r.store.LastHeartbeat(ctx, pod)
	if err != nil {
		r.logger.Printf("[SENDER] %s: %v", pod, err)
		return
	}
	if !ok {
		heartbeat = 1
	}

	essRow, err := r.store.LatestESSRow(ctx, m.PlantID)
	if err != nil {
		r.logger.Printf("[SENDER] %s: %v", pod, err)
		return
	}

	var battStats, contStats *store.WindowStats
	if essRow != nil {
		if battStats, err = r.store.ESSWindowStats(ctx, m.PlantID, "avg_batt_temp", r.config.AggregateWindow); err != nil {
			r.logger.Printf("[SENDER] %s: %v", pod, err)
		}
		if contStats, err = r.store.ESSWindowStats(ctx, m.PlantID, "avg_container_temp", r.config.AggregateWindow); err != nil {
			r.logger.Printf("[SENDER] %s: %v", pod, err)
		}
	}

	envStats, err := r.store.EnvironmentWindowStats(ctx, m.PlantID, r.config.AggregateWindow)
	if err != nil {
		r.logger.Printf("[SENDER] %s: %v", pod, err)
	}

	payload := r.buildPayload(m, heartbeat, essRow, battStats, contStats, envStats)
	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Printf("[SENDER] %s: marshal payload: %v", pod, err)
		return
	}

	status, responseJSON, err := r.post(ctx, body)
	if err != nil {
		r.logger.Printf("[SENDER] %s: %v", pod, err)
		responseJSON, _ = json.Marshal(map[string]string{"error": err.Error()})
		if logErr := r.store.AppendSendLog(ctx, pod, body, responseJSON, status); logErr != nil {
			r.logger.Printf("[SENDER] %s: %v", pod, logErr)
		}
		return
	}

	if status == http.StatusOK {
		var parsed upstreamResponse
		if err := json.Unmarshal(responseJSON, &parsed); err == nil && len(parsed.Controls) > 0 {
			c := parsed.Controls[0]
			if err := r.store.UpsertInbox(ctx, pod, c.Heartbeat, c.SumSetPoint, c.ScheduledReference, c.UseSetPoint != 0); err != nil {
				r.logger.Printf("[SENDER] %s: %v", pod, err)
			}
		}
	}

	if err := r.store.AppendSendLog(ctx, pod, body, responseJSON, status); err != nil {
		r.logger.Printf("[SENDER] %s: %v", pod, err)
	}
}

// post sends the payload and returns the status plus the response body as
// JSON; non-JSON bodies are wrapped in a raw_text object.
func (r *Reporter) post(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.config.UpstreamURL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", r.config.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}

	if !json.Valid(raw) {
		wrapped, _ := json.Marshal(map[string]string{"raw_text": string(raw)})
		return resp.StatusCode, wrapped, nil
	}
	return resp.StatusCode, raw, nil
}

func (r *Reporter) buildPayload(
	m store.PlantMeasurement,
	heartbeat int64,
	essRow *store.ESSRecord,
	battStats, contStats, envStats *store.WindowStats,
) []podReport {
	measuredAt := r.now().UTC().Format(measuredAtLayout)

	value := func(measurement string, v *float64) reportValue {
		return reportValue{Measurement: measurement, MeasuredAt: measuredAt, Value: v, Quality: 1}
	}

	hb := float64(heartbeat)
	values := []reportValue{
		value("heartbeatMirrored", &hb),
		value("availablePowerMin", m.AvailablePowerMin),
		value("availablePowerMax", m.AvailablePowerMax),
		value("sumActivePower", m.SumActivePower),
		value("cosPhi", clampCosPhi(m.CosPhi)),
		value("referencePower", m.ReferencePower),
	}

	if essRow != nil {
		values = append(values,
			value("availableCapacityCharge", f64(essRow.AvailableCapacityCharge)),
			value("availableCapacityDischarge", f64(essRow.AvailableCapacityDischarge)),
		)
		values = appendStats(values, measuredAt, "averageBatterycellTemp", battStats)
		values = appendStats(values, measuredAt, "averageContainerInsideTemp", contStats)
		values = append(values,
			value("averageCurrentSOC", f64(essRow.CurrentSOC)),
			value("allowedMinSOC", f64(essRow.AllowedMinSOC)),
			value("allowedMaxSOC", f64(essRow.AllowedMaxSOC)),
		)
	}

	values = appendStats(values, measuredAt, "averageEnvironmentTemp", envStats)

	return []podReport{{Pod: m.PodID, Values: values}}
}

// appendStats expands a window aggregate into base, MIN, and MAX entries;
// missing aggregates under an ESS are still reported as nulls.
func appendStats(values []reportValue, measuredAt, base string, stats *store.WindowStats) []reportValue {
	var avg, min, max *float64
	if stats != nil {
		avg, min, max = &stats.Avg, &stats.Min, &stats.Max
	} else if base == "averageEnvironmentTemp" {
		// No sensor association: the environment block is omitted
		// entirely rather than sent as nulls.
		return values
	}
	return append(values,
		reportValue{Measurement: base, MeasuredAt: measuredAt, Value: avg, Quality: 1},
		reportValue{Measurement: base + "MIN", MeasuredAt: measuredAt, Value: min, Quality: 1},
		reportValue{Measurement: base + "MAX", MeasuredAt: measuredAt, Value: max, Quality: 1},
	)
}

// clampCosPhi keeps the reported power factor inside [-1, 1]; nil passes
// through as null.
func clampCosPhi(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	if c > 1 {
		c = 1
	}
	if c < -1 {
		c = -1
	}
	return &c
}

// SeedHeartbeats sends one empty report so upstream hands out the current
// heartbeat for every POD before the first real cycle.
func (r *Reporter) SeedHeartbeats(ctx context.Context) {
	status, responseJSON, err := r.post(ctx, []byte("[]"))
	if err != nil {
		r.logger.Printf("[SENDER] heartbeat seed: %v", err)
		return
	}
	if status != http.StatusOK {
		r.logger.Printf("[SENDER] heartbeat seed: status %d", status)
		return
	}

	var parsed upstreamResponse
	if err := json.Unmarshal(responseJSON, &parsed); err != nil {
		r.logger.Printf("[SENDER] heartbeat seed: %v", err)
		return
	}
	for _, c := range parsed.Controls {
		if c.Pod == "" {
			continue
		}
		if err := r.store.UpsertInbox(ctx, c.Pod, c.Heartbeat, c.SumSetPoint, c.ScheduledReference, c.UseSetPoint != 0); err != nil {
			r.logger.Printf("[SENDER] heartbeat seed %s: %v", c.Pod, err)
		}
	}
}
