package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const alertColumns = `id, level, condition, message, device_id, device_name, device_ip, metadata,
	created_at, acknowledged, acknowledged_by, acknowledged_at`

// AlertFilter narrows ListAlerts. Zero values mean no restriction.
type AlertFilter struct {
	Acknowledged *bool
	DeviceID     string
	Limit        int
}

func scanAlert(row scanner) (*models.Alert, error) {
	var (
		a         models.Alert
		level     string
		condition string
		deviceID  sql.NullString
		metadata  string
		created   int64
		acked     int
		ackedAt   sql.NullInt64
	)

	if err := row.Scan(&a.ID, &level, &condition, &a.Message, &deviceID, &a.DeviceName, &a.DeviceIP,
		&metadata, &created, &acked, &a.AcknowledgedBy, &ackedAt); err != nil {
		return nil, err
	}

	a.Level = models.Level(level)
	a.Condition = models.Condition(condition)
	a.DeviceID = deviceID.String
	a.CreatedAt = fromMillis(created)
	a.Acknowledged = acked == 1
	a.AcknowledgedAt = timePtr(ackedAt)
	if err := decodeJSON(metadata, &a.Metadata); err != nil {
		return nil, err
	}

	return &a, nil
}

func insertAlert(ctx context.Context, db execer, a *models.Alert) error {
	if !a.Level.Valid() || a.Message == "" {
		return errors.New().WithData(ErrInvalidRecord, struct {
			Level   models.Level
			Message string
		}{Level: a.Level, Message: a.Message})
	}
	if a.ID == "" {
		a.ID = newID()
	}

	metadata := a.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	raw, err := encodeJSON(metadata)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO alerts (`+alertColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Level), string(a.Condition), a.Message, nullString(a.DeviceID),
		a.DeviceName, a.DeviceIP, raw, toMillis(a.CreatedAt), boolToInt(a.Acknowledged),
		a.AcknowledgedBy, nullMillis(a.AcknowledgedAt))
	if err != nil {
		return accessErr("insert_alert", err)
	}

	return nil
}

// InsertAlert stores an alert that did not come from a rule, such as a test alert.
func (s *Store) InsertAlert(ctx context.Context, a *models.Alert) error {
	return insertAlert(ctx, s.db, a)
}

func (s *Store) Alert(ctx context.Context, id string) (*models.Alert, error) {
	a, err := scanAlert(s.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("alert", id)
	}
	if err != nil {
		return nil, accessErr("get_alert", err)
	}
	return a, nil
}

// ListAlerts returns alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Acknowledged != nil {
		clauses = append(clauses, "acknowledged = ?")
		args = append(args, boolToInt(*f.Acknowledged))
	}
	if f.DeviceID != "" {
		clauses = append(clauses, "device_id = ?")
		args = append(args, f.DeviceID)
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, accessErr("list_alerts", err)
	}
	defer rows.Close()

	var alerts []*models.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, accessErr("scan_alert", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, accessErr("list_alerts", err)
	}

	return alerts, nil
}

// AcknowledgeAlert marks an alert acknowledged. Acknowledging twice keeps the
// first acknowledger and timestamp.
func (s *Store) AcknowledgeAlert(ctx context.Context, id, by string, at time.Time) (*models.Alert, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE alerts SET acknowledged = 1, acknowledged_by = ?, acknowledged_at = ?
		WHERE id = ? AND acknowledged = 0`,
		by, toMillis(at), id); err != nil {
		return nil, accessErr("acknowledge_alert", err)
	}

	return s.Alert(ctx, id)
}

// PruneAcknowledged deletes acknowledged alerts created before cutoff.
func (s *Store) PruneAcknowledged(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM alerts WHERE acknowledged = 1 AND created_at < ?`, toMillis(cutoff))
	if err != nil {
		return 0, accessErr("prune_alerts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, accessErr("prune_alerts", err)
	}
	return n, nil
}
