package registry

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const insertSampleSQL = `
	INSERT INTO metric_samples (id, device_id, sensor_id, metric, value, unit, timestamp)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

// SampleFilter narrows ListSamples.
type SampleFilter struct {
	DeviceID string
	SensorID string
	Metric   string
	Since    time.Time
	Limit    int
}

// InsertSamples appends samples in one transaction; either all are stored or none.
func (s *Store) InsertSamples(ctx context.Context, samples []*models.MetricSample) error {
	if len(samples) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, insertSampleSQL)
		if err != nil {
			return errors.New().Wrap(ErrTransactionFailed, err)
		}
		defer stmt.Close()

		for _, m := range samples {
			if m.ID == "" {
				m.ID = newID()
			}
			if _, err := stmt.ExecContext(ctx, m.ID, m.DeviceID, m.SensorID, m.Metric, m.Value, m.Unit,
				toMillis(m.Timestamp)); err != nil {
				return accessErr("insert_sample", err)
			}
		}

		return nil
	})
}

// ListSamples returns samples newest first.
func (s *Store) ListSamples(ctx context.Context, f SampleFilter) ([]*models.MetricSample, error) {
	var (
		clauses []string
		args    []any
	)
	if f.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if f.SensorID != "" {
		clauses = append(clauses, "sensor_id = ?")
		args = append(args, f.SensorID)
	}
	if f.Metric != "" {
		clauses = append(clauses, "metric = ?")
		args = append(args, f.Metric)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "timestamp >= ?")
		args = append(args, toMillis(f.Since))
	}

	query := `SELECT id, device_id, sensor_id, metric, value, unit, timestamp FROM metric_samples`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY timestamp DESC, metric"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, accessErr("list_samples", err)
	}
	defer rows.Close()

	var samples []*models.MetricSample
	for rows.Next() {
		var (
			m  models.MetricSample
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.SensorID, &m.Metric, &m.Value, &m.Unit, &ts); err != nil {
			return nil, accessErr("scan_sample", err)
		}
		m.Timestamp = fromMillis(ts)
		samples = append(samples, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, accessErr("list_samples", err)
	}

	return samples, nil
}

// SummarizeSamples aggregates a device's samples since the given time per
// metric, ordered by metric name.
func (s *Store) SummarizeSamples(ctx context.Context, deviceID string, since time.Time) ([]models.MetricSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT metric, AVG(value), MIN(value), MAX(value), COUNT(*)
		FROM metric_samples
		WHERE device_id = ? AND timestamp >= ?
		GROUP BY metric
		ORDER BY metric`, deviceID, toMillis(since))
	if err != nil {
		return nil, accessErr("summarize_samples", err)
	}
	defer rows.Close()

	var summary []models.MetricSummary
	for rows.Next() {
		var m models.MetricSummary
		if err := rows.Scan(&m.Metric, &m.Avg, &m.Min, &m.Max, &m.Count); err != nil {
			return nil, accessErr("scan_summary", err)
		}
		m.Avg, m.Min, m.Max = round2(m.Avg), round2(m.Min), round2(m.Max)
		summary = append(summary, m)
	}
	if err := rows.Err(); err != nil {
		return nil, accessErr("summarize_samples", err)
	}

	return summary, nil
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
