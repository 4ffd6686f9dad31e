package registry

import (
	"context"
	"database/sql"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const defaultPortProtocol = "tcp"

// InsertPortScans stores the results of one scan in a single transaction.
func (s *Store) InsertPortScans(ctx context.Context, scans []*models.PortScan) error {
	if len(scans) == 0 {
		return nil
	}
	for _, ps := range scans {
		if ps.DeviceID == "" || ps.Port < 1 || ps.Port > 65535 || ps.State == "" {
			return errors.New().WithData(ErrInvalidRecord, struct {
				DeviceID string
				Port     int
			}{DeviceID: ps.DeviceID, Port: ps.Port})
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO port_scans (id, device_id, port, protocol, state, service, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return errors.New().Wrap(ErrTransactionFailed, err)
		}
		defer stmt.Close()

		for _, ps := range scans {
			if ps.ID == "" {
				ps.ID = newID()
			}
			if ps.Protocol == "" {
				ps.Protocol = defaultPortProtocol
			}
			if _, err := stmt.ExecContext(ctx, ps.ID, ps.DeviceID, ps.Port, ps.Protocol, ps.State, ps.Service,
				toMillis(ps.Timestamp)); err != nil {
				return accessErr("insert_port_scan", err)
			}
		}

		return nil
	})
}

// PortHistory summarises the most recent limit scan rows of a device per port.
// Service and state come from the latest row of each port. It also returns
// the number of rows considered.
func (s *Store) PortHistory(ctx context.Context, deviceID string, limit int) ([]models.PortHistory, int, error) {
	if limit <= 0 {
		limit = -1
	}

	// SQLite takes bare columns from the row holding MAX(timestamp).
	rows, err := s.db.QueryContext(ctx, `
		WITH recent AS (
			SELECT port, service, state, timestamp FROM port_scans
			WHERE device_id = ?
			ORDER BY timestamp DESC
			LIMIT ?
		)
		SELECT port, service, state, MAX(timestamp), COUNT(*)
		FROM recent
		GROUP BY port
		ORDER BY port`, deviceID, limit)
	if err != nil {
		return nil, 0, accessErr("port_history", err)
	}
	defer rows.Close()

	var (
		history []models.PortHistory
		total   int
	)
	for rows.Next() {
		var (
			h    models.PortHistory
			last int64
		)
		if err := rows.Scan(&h.Port, &h.Service, &h.State, &last, &h.ScanCount); err != nil {
			return nil, 0, accessErr("scan_port_history", err)
		}
		h.LastSeen = fromMillis(last)
		total += h.ScanCount
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, accessErr("port_history", err)
	}

	return history, total, nil
}
