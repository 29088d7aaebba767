package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ActivePlants returns every plant under upstream control.
func (s *Store) ActivePlants(ctx context.Context) ([]Plant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			id, pod_id, name, ip_address, port,
			logger_slave_id, logger_manufacturer,
			plant_type, normal_power_kw, alteo_api_control,
			latitude, longitude
		FROM plants
		WHERE alteo_api_control = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query plants: %w", err)
	}
	defer rows.Close()

	var plants []Plant
	for rows.Next() {
		var p Plant
		var lat, lon sql.NullFloat64
		if err := rows.Scan(
			&p.ID, &p.PodID, &p.Name, &p.IP, &p.Port,
			&p.LoggerSlaveID, &p.LoggerVendor,
			&p.PlantType, &p.NormalPowerKW, &p.ControlEnabled,
			&lat, &lon,
		); err != nil {
			return nil, fmt.Errorf("scan plant: %w", err)
		}
		if lat.Valid {
			p.Latitude = &lat.Float64
		}
		if lon.Valid {
			p.Longitude = &lon.Float64
		}
		plants = append(plants, p)
	}
	return plants, rows.Err()
}

// PlantByPod returns the plant descriptor addressed by a POD identifier.
func (s *Store) PlantByPod(ctx context.Context, pod string) (*Plant, error) {
	var p Plant
	var lat, lon sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			id, pod_id, name, ip_address, port,
			logger_slave_id, logger_manufacturer,
			plant_type, normal_power_kw, alteo_api_control,
			latitude, longitude
		FROM plants
		WHERE pod_id = $1
	`, pod).Scan(
		&p.ID, &p.PodID, &p.Name, &p.IP, &p.Port,
		&p.LoggerSlaveID, &p.LoggerVendor,
		&p.PlantType, &p.NormalPowerKW, &p.ControlEnabled,
		&lat, &lon,
	)
	if err != nil {
		return nil, fmt.Errorf("query plant %s: %w", pod, err)
	}
	if lat.Valid {
		p.Latitude = &lat.Float64
	}
	if lon.Valid {
		p.Longitude = &lon.Float64
	}
	return &p, nil
}

// ActiveESSUnits returns every active battery container.
func (s *Store) ActiveESSUnits(ctx context.Context) ([]ESSUnit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, plant_id, ip_address, port, slave_id, manufacturer, COALESCE(model, '')
		FROM ess_units
		WHERE active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query ess units: %w", err)
	}
	defer rows.Close()

	var units []ESSUnit
	for rows.Next() {
		var u ESSUnit
		if err := rows.Scan(&u.ID, &u.PlantID, &u.IP, &u.Port, &u.SlaveID, &u.Vendor, &u.Model); err != nil {
			return nil, fmt.Errorf("scan ess unit: %w", err)
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// FirstActiveESS returns the plant's active battery container, or nil when
// the plant runs without one. The schema permits several; the controller
// drives the first.
func (s *Store) FirstActiveESS(ctx context.Context, plantID int) (*ESSUnit, error) {
	var u ESSUnit
	err := s.db.QueryRowContext(ctx, `
		SELECT id, plant_id, ip_address, port, slave_id, manufacturer, COALESCE(model, '')
		FROM ess_units
		WHERE plant_id = $1 AND active = TRUE
		ORDER BY id
		LIMIT 1
	`, plantID).Scan(&u.ID, &u.PlantID, &u.IP, &u.Port, &u.SlaveID, &u.Vendor, &u.Model)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query ess for plant %d: %w", plantID, err)
	}
	return &u, nil
}

// ActiveEnvironmentSensors returns every active environment probe.
func (s *Store) ActiveEnvironmentSensors(ctx context.Context) ([]EnvironmentSensor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ip_address, port, slave_id
		FROM environment_sensors
		WHERE active = TRUE
	`)
	if err != nil {
		return nil, fmt.Errorf("query environment sensors: %w", err)
	}
	defer rows.Close()

	var sensors []EnvironmentSensor
	for rows.Next() {
		var sn EnvironmentSensor
		if err := rows.Scan(&sn.ID, &sn.IP, &sn.Port, &sn.SlaveID); err != nil {
			return nil, fmt.Errorf("scan environment sensor: %w", err)
		}
		sensors = append(sensors, sn)
	}
	return sensors, rows.Err()
}

// InsertPCCBatch writes one cycle of meter telemetry in a single
// transaction. Rows colliding on (plant_id, measured_at) are ignored.
func (s *Store) InsertPCCBatch(ctx context.Context, records []PCCRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pcc batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO plant_data_term1 (
			plant_id, measured_at, sum_active_power, cos_phi,
			available_power_min, available_power_max, reference_power,
			ghi, panel_temp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (plant_id, measured_at) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("prepare pcc insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx,
			r.PlantID, r.MeasuredAt, r.SumActivePower, r.CosPhi,
			r.AvailablePowerMin, r.AvailablePowerMax, r.ReferencePower,
			r.GHI, r.PanelTemp,
		); err != nil {
			return fmt.Errorf("insert pcc row for plant %d: %w", r.PlantID, err)
		}
	}
	return tx.Commit()
}

// InsertESSRow writes one battery telemetry row.
func (s *Store) InsertESSRow(ctx context.Context, r ESSRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ess_data_term1 (
			plant_id, measured_at,
			avg_batt_temp, min_batt_temp, max_batt_temp,
			avg_container_temp, min_container_temp, max_container_temp,
			available_capacity_charge, available_capacity_discharge,
			average_current_soc, allowed_min_soc, allowed_max_soc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (plant_id, measured_at) DO NOTHING
	`,
		r.PlantID, r.MeasuredAt,
		r.AvgBattTemp, r.MinBattTemp, r.MaxBattTemp,
		r.AvgContainerTemp, r.MinContainerTemp, r.MaxContainerTemp,
		r.AvailableCapacityCharge, r.AvailableCapacityDischarge,
		r.CurrentSOC, r.AllowedMinSOC, r.AllowedMaxSOC,
	)
	if err != nil {
		return fmt.Errorf("insert ess row for plant %d: %w", r.PlantID, err)
	}
	return nil
}

// InsertEnvironmentRow writes one sensor reading.
func (s *Store) InsertEnvironmentRow(ctx context.Context, sensorID int, measuredAt time.Time, temperature float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO environment_data_term1 (sensor_id, measured_at, temperature)
		VALUES ($1, $2, $3)
		ON CONFLICT (sensor_id, measured_at) DO NOTHING
	`, sensorID, measuredAt, temperature)
	if err != nil {
		return fmt.Errorf("insert environment row for sensor %d: %w", sensorID, err)
	}
	return nil
}

// LatestPlantMeasurements returns the most recent PCC row per controlled
// plant.
func (s *Store) LatestPlantMeasurements(ctx context.Context) ([]PlantMeasurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT ON (p.id)
			p.id, p.pod_id, pd.measured_at,
			pd.sum_active_power, pd.cos_phi,
			pd.available_power_min, pd.available_power_max, pd.reference_power
		FROM plants p
		JOIN plant_data_term1 pd ON pd.plant_id = p.id
		WHERE p.alteo_api_control = TRUE
		ORDER BY p.id, pd.measured_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query latest plant measurements: %w", err)
	}
	defer rows.Close()

	var out []PlantMeasurement
	for rows.Next() {
		var m PlantMeasurement
		if err := rows.Scan(
			&m.PlantID, &m.PodID, &m.MeasuredAt,
			&m.SumActivePower, &m.CosPhi,
			&m.AvailablePowerMin, &m.AvailablePowerMax, &m.ReferencePower,
		); err != nil {
			return nil, fmt.Errorf("scan plant measurement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestPCC returns the most recent PCC row of one plant, or nil.
func (s *Store) LatestPCC(ctx context.Context, plantID int) (*PCCRecord, error) {
	var r PCCRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT plant_id, measured_at, sum_active_power, cos_phi,
		       available_power_min, available_power_max, reference_power,
		       ghi, panel_temp
		FROM plant_data_term1
		WHERE plant_id = $1
		ORDER BY measured_at DESC
		LIMIT 1
	`, plantID).Scan(
		&r.PlantID, &r.MeasuredAt, &r.SumActivePower, &r.CosPhi,
		&r.AvailablePowerMin, &r.AvailablePowerMax, &r.ReferencePower,
		&r.GHI, &r.PanelTemp,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest pcc for plant %d: %w", plantID, err)
	}
	return &r, nil
}

// LatestESSRow returns the most recent battery row of one plant, or nil.
func (s *Store) LatestESSRow(ctx context.Context, plantID int) (*ESSRecord, error) {
	var r ESSRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT plant_id, measured_at,
		       avg_batt_temp, min_batt_temp, max_batt_temp,
		       avg_container_temp, min_container_temp, max_container_temp,
		       available_capacity_charge, available_capacity_discharge,
		       average_current_soc, allowed_min_soc, allowed_max_soc
		FROM ess_data_term1
		WHERE plant_id = $1
		ORDER BY measured_at DESC
		LIMIT 1
	`, plantID).Scan(
		&r.PlantID, &r.MeasuredAt,
		&r.AvgBattTemp, &r.MinBattTemp, &r.MaxBattTemp,
		&r.AvgContainerTemp, &r.MinContainerTemp, &r.MaxContainerTemp,
		&r.AvailableCapacityCharge, &r.AvailableCapacityDischarge,
		&r.CurrentSOC, &r.AllowedMinSOC, &r.AllowedMaxSOC,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query latest ess row for plant %d: %w", plantID, err)
	}
	return &r, nil
}

// ESSWindowStats aggregates a battery temperature column over the recent
// window. The column is restricted to a fixed set, never interpolated from
// caller input.
func (s *Store) ESSWindowStats(ctx context.Context, plantID int, column string, window time.Duration) (*WindowStats, error) {
	var col string
	switch column {
	case "avg_batt_temp":
		col = "avg_batt_temp"
	case "avg_container_temp":
		col = "avg_container_temp"
	default:
		return nil, fmt.Errorf("ess window stats: unsupported column %q", column)
	}

	var avg, min, max sql.NullFloat64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT AVG(%[1]s), MIN(%[1]s), MAX(%[1]s)
		FROM ess_data_term1
		WHERE plant_id = $1 AND measured_at >= NOW() - $2::interval
	`, col), plantID, window.String()).Scan(&avg, &min, &max)
	if err != nil {
		return nil, fmt.Errorf("query ess window stats for plant %d: %w", plantID, err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &WindowStats{Avg: avg.Float64, Min: min.Float64, Max: max.Float64}, nil
}

// EnvironmentWindowStats aggregates the plant's associated environment
// sensors over the recent window.
func (s *Store) EnvironmentWindowStats(ctx context.Context, plantID int, window time.Duration) (*WindowStats, error) {
	var avg, min, max sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(e.temperature), MIN(e.temperature), MAX(e.temperature)
		FROM environment_data_term1 e
		JOIN plant_environment_sensors pes ON pes.sensor_id = e.sensor_id
		WHERE pes.plant_id = $1 AND e.measured_at >= NOW() - $2::interval
	`, plantID, window.String()).Scan(&avg, &min, &max)
	if err != nil {
		return nil, fmt.Errorf("query environment window stats for plant %d: %w", plantID, err)
	}
	if !avg.Valid {
		return nil, nil
	}
	return &WindowStats{Avg: avg.Float64, Min: min.Float64, Max: max.Float64}, nil
}

// LastHeartbeat returns the heartbeat stored for a POD; ok is false when
// none was ever recorded.
func (s *Store) LastHeartbeat(ctx context.Context, pod string) (int64, bool, error) {
	var hb sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT heartbeat FROM alteo_controls_inbox WHERE pod = $1
	`, pod).Scan(&hb)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query heartbeat for %s: %w", pod, err)
	}
	if !hb.Valid {
		return 0, false, nil
	}
	return hb.Int64, true, nil
}

// UpsertInbox stores an upstream control for a POD. A row is only replaced
// when the incoming heartbeat is strictly greater than the stored one, so
// the inbox heartbeat is monotonically non-decreasing.
func (s *Store) UpsertInbox(ctx context.Context, pod string, heartbeat int64, sumSetpoint, scheduledReference float64, useSetpoint bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alteo_controls_inbox (pod, heartbeat, sum_setpoint, scheduled_reference, usesetpoint)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pod) DO UPDATE SET
			heartbeat = EXCLUDED.heartbeat,
			sum_setpoint = EXCLUDED.sum_setpoint,
			scheduled_reference = EXCLUDED.scheduled_reference,
			usesetpoint = EXCLUDED.usesetpoint,
			received_at = NOW()
		WHERE alteo_controls_inbox.heartbeat IS NULL
		   OR alteo_controls_inbox.heartbeat < EXCLUDED.heartbeat
	`, pod, heartbeat, sumSetpoint, scheduledReference, useSetpoint)
	if err != nil {
		return fmt.Errorf("upsert inbox for %s: %w", pod, err)
	}
	return nil
}

// LatestInbox returns the stored control for a POD, or nil.
func (s *Store) LatestInbox(ctx context.Context, pod string) (*InboxRow, error) {
	var r InboxRow
	err := s.db.QueryRowContext(ctx, `
		SELECT pod, heartbeat, sum_setpoint, scheduled_reference, usesetpoint, received_at
		FROM alteo_controls_inbox
		WHERE pod = $1
	`, pod).Scan(&r.Pod, &r.Heartbeat, &r.SumSetpoint, &r.ScheduledReference, &r.UseSetpoint, &r.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query inbox for %s: %w", pod, err)
	}
	return &r, nil
}

// AppendSendLog records one request/response exchange with the upstream
// API.
func (s *Store) AppendSendLog(ctx context.Context, pod string, request, response []byte, status int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO alteo_send_log (pod, request_json, response_json, status_code)
		VALUES ($1, $2, $3, $4)
	`, pod, request, response, status)
	if err != nil {
		return fmt.Errorf("append send log for %s: %w", pod, err)
	}
	return nil
}
