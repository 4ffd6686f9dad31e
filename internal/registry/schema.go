package registry

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/logger"
)

const (
	SchemaVersion = 2

	// Timestamps are stored as unix milliseconds (UTC).
	createTablesSQL = `
	CREATE TABLE IF NOT EXISTS schema_versions (
		version     INTEGER PRIMARY KEY,
		applied_at  TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS device_groups (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		color       TEXT NOT NULL DEFAULT '',
		created_at  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS devices (
		id          TEXT PRIMARY KEY,
		mac         TEXT NOT NULL UNIQUE,
		ip          TEXT NOT NULL,
		hostname    TEXT NOT NULL DEFAULT '',
		alias       TEXT NOT NULL DEFAULT '',
		vendor      TEXT NOT NULL DEFAULT '',
		authorized  INTEGER NOT NULL DEFAULT 1 CHECK (authorized IN (0, 1)),
		tags        TEXT NOT NULL DEFAULT '[]',
		group_id    TEXT REFERENCES device_groups (id) ON DELETE SET NULL,
		status      TEXT NOT NULL CHECK (status IN ('online', 'offline')),
		first_seen  INTEGER NOT NULL,
		last_seen   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_status ON devices (status);
	CREATE TABLE IF NOT EXISTS alert_rules (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		condition        TEXT NOT NULL,
		level            TEXT NOT NULL,
		channels         TEXT NOT NULL DEFAULT '[]',
		enabled          INTEGER NOT NULL DEFAULT 1 CHECK (enabled IN (0, 1)),
		device_id        TEXT REFERENCES devices (id) ON DELETE CASCADE,
		threshold        REAL,
		throttle_minutes INTEGER NOT NULL DEFAULT 5 CHECK (throttle_minutes >= 0),
		escalate_minutes INTEGER,
		last_triggered   INTEGER
	);
	CREATE TABLE IF NOT EXISTS alerts (
		id               TEXT PRIMARY KEY,
		level            TEXT NOT NULL,
		condition        TEXT NOT NULL,
		message          TEXT NOT NULL,
		device_id        TEXT,
		device_name      TEXT NOT NULL DEFAULT '',
		device_ip        TEXT NOT NULL DEFAULT '',
		metadata         TEXT NOT NULL DEFAULT '{}',
		created_at       INTEGER NOT NULL,
		acknowledged     INTEGER NOT NULL DEFAULT 0 CHECK (acknowledged IN (0, 1)),
		acknowledged_by  TEXT NOT NULL DEFAULT '',
		acknowledged_at  INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_created ON alerts (created_at);
	CREATE TABLE IF NOT EXISTS sensors (
		id               TEXT PRIMARY KEY,
		device_id        TEXT NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		name             TEXT NOT NULL,
		kind             TEXT NOT NULL,
		config           TEXT NOT NULL DEFAULT '{}',
		interval_seconds INTEGER NOT NULL DEFAULT 60,
		enabled          INTEGER NOT NULL DEFAULT 1 CHECK (enabled IN (0, 1)),
		last_run         INTEGER,
		status           TEXT NOT NULL DEFAULT 'unknown'
	);
	CREATE INDEX IF NOT EXISTS idx_sensors_device ON sensors (device_id);
	CREATE TABLE IF NOT EXISTS metric_samples (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL,
		sensor_id   TEXT NOT NULL,
		metric      TEXT NOT NULL,
		value       REAL NOT NULL,
		unit        TEXT NOT NULL DEFAULT '',
		timestamp   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_samples_sensor_ts ON metric_samples (sensor_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_samples_device_ts ON metric_samples (device_id, timestamp);
	CREATE TABLE IF NOT EXISTS port_scans (
		id          TEXT PRIMARY KEY,
		device_id   TEXT NOT NULL REFERENCES devices (id) ON DELETE CASCADE,
		port        INTEGER NOT NULL CHECK (port BETWEEN 1 AND 65535),
		protocol    TEXT NOT NULL DEFAULT 'tcp',
		state       TEXT NOT NULL,
		service     TEXT NOT NULL DEFAULT '',
		timestamp   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_port_scans_device_ts ON port_scans (device_id, timestamp);`
)

var schemaTables = []string{
	"port_scans", "metric_samples", "sensors", "alerts", "alert_rules", "devices", "device_groups",
	"schema_versions",
}

// InitSchema creates the schema and records SchemaVersion.
func InitSchema(ctx context.Context, db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback schema init")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx, createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_versions (version, applied_at)
		VALUES (?, datetime('now'))
	`, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().Int("version", SchemaVersion).Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the recorded schema version, or 0 for an empty database.
func GetSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(ctx, db, "schema_versions")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRowContext(ctx, `
		SELECT version FROM schema_versions
		ORDER BY version DESC
		LIMIT 1
	`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM sqlite_master
			WHERE type = 'table' AND name = ?
		)
	`, table).Scan(&exists)
	if err != nil {
		return false, errors.New().WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: table,
			Error: err.Error(),
		})
	}
	return exists, nil
}
