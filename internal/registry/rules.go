package registry

import (
	"context"
	"database/sql"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const ruleColumns = `id, name, condition, level, channels, enabled, device_id, threshold,
	throttle_minutes, escalate_minutes, last_triggered`

func scanRule(row scanner) (*models.AlertRule, error) {
	var (
		r         models.AlertRule
		condition string
		level     string
		channels  string
		enabled   int
		deviceID  sql.NullString
		threshold sql.NullFloat64
		escalate  sql.NullInt64
		lastTrig  sql.NullInt64
	)

	if err := row.Scan(&r.ID, &r.Name, &condition, &level, &channels, &enabled, &deviceID,
		&threshold, &r.ThrottleMinutes, &escalate, &lastTrig); err != nil {
		return nil, err
	}

	r.Condition = models.Condition(condition)
	r.Level = models.Level(level)
	r.Enabled = enabled == 1
	r.DeviceID = deviceID.String
	if threshold.Valid {
		v := threshold.Float64
		r.Threshold = &v
	}
	if escalate.Valid {
		v := int(escalate.Int64)
		r.EscalateMinutes = &v
	}
	r.LastTriggered = timePtr(lastTrig)
	if err := decodeJSON(channels, &r.Channels); err != nil {
		return nil, err
	}

	return &r, nil
}

func validateRule(r *models.AlertRule) error {
	reason := ""
	switch {
	case r.Name == "":
		reason = "name is required"
	case !r.Condition.Valid():
		reason = "unknown condition"
	case !r.Level.Valid():
		reason = "unknown level"
	case r.ThrottleMinutes < 0:
		reason = "throttle must not be negative"
	}
	for _, ch := range r.Channels {
		if !ch.Valid() {
			reason = "unknown channel " + string(ch)
		}
	}

	if reason != "" {
		return errors.New().WithData(ErrInvalidRecord, struct {
			Rule   string
			Reason string
		}{Rule: r.Name, Reason: reason})
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRule(ctx context.Context, db execer, r *models.AlertRule) error {
	if err := validateRule(r); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = newID()
	}

	channels, err := encodeJSON(r.Channels)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO alert_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Name, string(r.Condition), string(r.Level), channels, boolToInt(r.Enabled),
		nullString(r.DeviceID), nullFloat(r.Threshold), r.ThrottleMinutes,
		nullInt(r.EscalateMinutes), nullMillis(r.LastTriggered))
	if err != nil {
		return accessErr("create_rule", err)
	}

	return nil
}

func (s *Store) CreateRule(ctx context.Context, r *models.AlertRule) error {
	return insertRule(ctx, s.db, r)
}

func (s *Store) Rule(ctx context.Context, id string) (*models.AlertRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("rule", id)
	}
	if err != nil {
		return nil, accessErr("get_rule", err)
	}
	return r, nil
}

func (s *Store) queryRules(ctx context.Context, where string, args ...any) ([]*models.AlertRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM alert_rules `+where+` ORDER BY name, id`, args...)
	if err != nil {
		return nil, accessErr("list_rules", err)
	}
	defer rows.Close()

	var rules []*models.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, accessErr("scan_rule", err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, accessErr("list_rules", err)
	}

	return rules, nil
}

func (s *Store) ListRules(ctx context.Context) ([]*models.AlertRule, error) {
	return s.queryRules(ctx, "")
}

// ListEnabledRules returns enabled rules for cond, global or scoped to deviceID.
func (s *Store) ListEnabledRules(ctx context.Context, cond models.Condition, deviceID string) ([]*models.AlertRule, error) {
	return s.queryRules(ctx,
		"WHERE enabled = 1 AND condition = ? AND (device_id IS NULL OR device_id = ?)",
		string(cond), deviceID)
}

// UpdateRule replaces the user-editable fields of r. last_triggered is owned
// by RecordFiring and is not touched.
func (s *Store) UpdateRule(ctx context.Context, r *models.AlertRule) error {
	if err := validateRule(r); err != nil {
		return err
	}

	channels, err := encodeJSON(r.Channels)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE alert_rules
		SET name = ?, condition = ?, level = ?, channels = ?, enabled = ?, device_id = ?,
			threshold = ?, throttle_minutes = ?, escalate_minutes = ?
		WHERE id = ?`,
		r.Name, string(r.Condition), string(r.Level), channels, boolToInt(r.Enabled),
		nullString(r.DeviceID), nullFloat(r.Threshold), r.ThrottleMinutes,
		nullInt(r.EscalateMinutes), r.ID)
	if err != nil {
		return accessErr("update_rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("rule", r.ID)
	}

	return nil
}

func (s *Store) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alert_rules WHERE id = ?`, id)
	if err != nil {
		return accessErr("delete_rule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("rule", id)
	}
	return nil
}

// SeedRules inserts rules only when the rules table is empty. It returns the
// number of rules inserted.
func (s *Store) SeedRules(ctx context.Context, rules []*models.AlertRule) (int, error) {
	inserted := 0

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var count int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM alert_rules`).Scan(&count); err != nil {
			return accessErr("count_rules", err)
		}
		if count > 0 {
			return nil
		}

		for _, r := range rules {
			if err := insertRule(ctx, tx, r); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return inserted, nil
}

// RecordFiring persists alert and sets the rule's last_triggered to at as a
// single unit of work. Neither write is kept if the other fails.
func (s *Store) RecordFiring(ctx context.Context, alert *models.Alert, ruleID string, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertAlert(ctx, tx, alert); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `UPDATE alert_rules SET last_triggered = ? WHERE id = ?`,
			toMillis(at), ruleID)
		if err != nil {
			return accessErr("update_last_triggered", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return notFound("rule", ruleID)
		}

		return nil
	})
}
