package registry

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const sensorColumns = `id, device_id, name, kind, config, interval_seconds, enabled, last_run, status`

func scanSensor(row scanner) (*models.Sensor, error) {
	var (
		sn       models.Sensor
		kind     string
		config   string
		interval int64
		enabled  int
		lastRun  sql.NullInt64
		status   string
	)

	if err := row.Scan(&sn.ID, &sn.DeviceID, &sn.Name, &kind, &config, &interval, &enabled,
		&lastRun, &status); err != nil {
		return nil, err
	}

	sn.Kind = models.SensorKind(kind)
	sn.Interval = time.Duration(interval) * time.Second
	sn.Enabled = enabled == 1
	sn.LastRun = timePtr(lastRun)
	sn.Status = models.SensorStatus(status)
	if err := decodeJSON(config, &sn.Config); err != nil {
		return nil, err
	}

	return &sn, nil
}

func validateSensor(sn *models.Sensor) error {
	if sn.DeviceID == "" || !sn.Kind.Valid() {
		return errors.New().WithData(ErrInvalidRecord, struct {
			DeviceID string
			Kind     models.SensorKind
		}{DeviceID: sn.DeviceID, Kind: sn.Kind})
	}
	return nil
}

func sensorArgs(sn *models.Sensor) ([]any, error) {
	config := sn.Config
	if config == nil {
		config = map[string]string{}
	}
	raw, err := encodeJSON(config)
	if err != nil {
		return nil, err
	}

	status := sn.Status
	if status == "" {
		status = models.SensorUnknown
	}

	return []any{
		sn.ID, sn.DeviceID, sn.Name, string(sn.Kind), raw, int64(sn.Interval / time.Second),
		boolToInt(sn.Enabled), nullMillis(sn.LastRun), string(status),
	}, nil
}

func (s *Store) CreateSensor(ctx context.Context, sn *models.Sensor) error {
	if err := validateSensor(sn); err != nil {
		return err
	}
	if sn.ID == "" {
		sn.ID = newID()
	}

	args, err := sensorArgs(sn)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sensors (`+sensorColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
		return accessErr("create_sensor", err)
	}

	return nil
}

// EnsureSensor creates sn unless its device already has a sensor of the same
// kind. It reports whether a sensor was created.
func (s *Store) EnsureSensor(ctx context.Context, sn *models.Sensor) (bool, error) {
	if err := validateSensor(sn); err != nil {
		return false, err
	}
	if sn.ID == "" {
		sn.ID = newID()
	}

	args, err := sensorArgs(sn)
	if err != nil {
		return false, err
	}
	args = append(args, sn.DeviceID, string(sn.Kind))

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sensors (`+sensorColumns+`)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (SELECT 1 FROM sensors WHERE device_id = ? AND kind = ?)`, args...)
	if err != nil {
		return false, accessErr("ensure_sensor", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, accessErr("ensure_sensor", err)
	}

	return n == 1, nil
}

func (s *Store) Sensor(ctx context.Context, id string) (*models.Sensor, error) {
	sn, err := scanSensor(s.db.QueryRowContext(ctx, `SELECT `+sensorColumns+` FROM sensors WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("sensor", id)
	}
	if err != nil {
		return nil, accessErr("get_sensor", err)
	}
	return sn, nil
}

func (s *Store) querySensors(ctx context.Context, where string, args ...any) ([]*models.Sensor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sensorColumns+` FROM sensors `+where+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, accessErr("list_sensors", err)
	}
	defer rows.Close()

	var sensors []*models.Sensor
	for rows.Next() {
		sn, err := scanSensor(rows)
		if err != nil {
			return nil, accessErr("scan_sensor", err)
		}
		sensors = append(sensors, sn)
	}
	if err := rows.Err(); err != nil {
		return nil, accessErr("list_sensors", err)
	}

	return sensors, nil
}

func (s *Store) ListSensors(ctx context.Context, deviceID string) ([]*models.Sensor, error) {
	return s.querySensors(ctx, "WHERE device_id = ?", deviceID)
}

func (s *Store) ListEnabledSensors(ctx context.Context, deviceID string) ([]*models.Sensor, error) {
	return s.querySensors(ctx, "WHERE device_id = ? AND enabled = 1", deviceID)
}

// UpdateSensor replaces name, config, interval and enabled.
func (s *Store) UpdateSensor(ctx context.Context, sn *models.Sensor) error {
	config := sn.Config
	if config == nil {
		config = map[string]string{}
	}
	raw, err := encodeJSON(config)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sensors SET name = ?, config = ?, interval_seconds = ?, enabled = ? WHERE id = ?`,
		sn.Name, raw, int64(sn.Interval/time.Second), boolToInt(sn.Enabled), sn.ID)
	if err != nil {
		return accessErr("update_sensor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("sensor", sn.ID)
	}
	return nil
}

func (s *Store) DeleteSensor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sensors WHERE id = ?`, id)
	if err != nil {
		return accessErr("delete_sensor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("sensor", id)
	}
	return nil
}

// RecordSensorRun stores the outcome of one collection.
func (s *Store) RecordSensorRun(ctx context.Context, id string, status models.SensorStatus, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sensors SET status = ?, last_run = ? WHERE id = ?`,
		string(status), toMillis(at), id); err != nil {
		return accessErr("record_sensor_run", err)
	}
	return nil
}
