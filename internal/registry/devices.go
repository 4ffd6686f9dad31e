package registry

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const deviceColumns = `id, mac, ip, hostname, alias, vendor, authorized, tags, group_id, status, first_seen, last_seen`

// DeviceSettings carries user-editable device fields. Nil fields are left
// unchanged; an empty GroupID removes the device from its group.
type DeviceSettings struct {
	Alias      *string
	Authorized *bool
	Tags       []string
	GroupID    *string
}

func scanDevice(row scanner) (*models.Device, error) {
	var (
		d          models.Device
		authorized int
		tags       string
		groupID    sql.NullString
		status     string
		firstSeen  int64
		lastSeen   int64
	)

	if err := row.Scan(&d.ID, &d.MAC, &d.IP, &d.Hostname, &d.Alias, &d.Vendor,
		&authorized, &tags, &groupID, &status, &firstSeen, &lastSeen); err != nil {
		return nil, err
	}

	d.Authorized = authorized == 1
	d.GroupID = groupID.String
	d.Status = models.DeviceStatus(status)
	d.FirstSeen = fromMillis(firstSeen)
	d.LastSeen = fromMillis(lastSeen)
	if err := decodeJSON(tags, &d.Tags); err != nil {
		return nil, err
	}

	return &d, nil
}

// NormalizeMAC lower-cases a hardware address and uses ':' separators.
func NormalizeMAC(mac string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(mac)), "-", ":")
}

func (s *Store) queryDevice(ctx context.Context, query string, arg any) (*models.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("device", arg.(string))
	}
	if err != nil {
		return nil, accessErr("get_device", err)
	}
	return d, nil
}

// DeviceByMAC returns the device owning mac, or ErrNotFound.
func (s *Store) DeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	return s.queryDevice(ctx, `SELECT `+deviceColumns+` FROM devices WHERE mac = ?`, NormalizeMAC(mac))
}

func (s *Store) Device(ctx context.Context, id string) (*models.Device, error) {
	return s.queryDevice(ctx, `SELECT `+deviceColumns+` FROM devices WHERE id = ?`, id)
}

// CreateDevice inserts d, assigning an ID when empty. A second device with
// the same hardware address is rejected with ErrDuplicate.
func (s *Store) CreateDevice(ctx context.Context, d *models.Device) error {
	if d.MAC == "" || !d.Status.Valid() {
		return errors.New().WithData(ErrInvalidRecord, struct {
			MAC    string
			Status models.DeviceStatus
		}{MAC: d.MAC, Status: d.Status})
	}
	if d.ID == "" {
		d.ID = newID()
	}
	d.MAC = NormalizeMAC(d.MAC)

	tags, err := encodeJSON(nonNilStrings(d.Tags))
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO devices (`+deviceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.MAC, d.IP, d.Hostname, d.Alias, d.Vendor, boolToInt(d.Authorized), tags,
		nullString(d.GroupID), string(d.Status), toMillis(d.FirstSeen), toMillis(d.LastSeen))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.New().Wrap(ErrDuplicate, err)
		}
		return accessErr("create_device", err)
	}

	return nil
}

// SaveDevice persists the observation-driven fields of d. last_seen never
// moves backwards.
func (s *Store) SaveDevice(ctx context.Context, d *models.Device) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices
		SET ip = ?, hostname = ?, vendor = ?, status = ?, last_seen = MAX(last_seen, ?)
		WHERE id = ?`,
		d.IP, d.Hostname, d.Vendor, string(d.Status), toMillis(d.LastSeen), d.ID)
	if err != nil {
		return accessErr("save_device", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("device", d.ID)
	}

	return nil
}

// MarkOffline flips an online device whose last_seen is before cutoff to
// offline. It reports false when another writer already did so or the device
// has been seen since, so the transition is taken at most once.
func (s *Store) MarkOffline(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE devices SET status = 'offline'
		WHERE id = ? AND status = 'online' AND last_seen < ?`,
		id, toMillis(cutoff))
	if err != nil {
		return false, accessErr("mark_offline", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, accessErr("mark_offline", err)
	}

	return n == 1, nil
}

func (s *Store) listDevices(ctx context.Context, where string, args ...any) ([]*models.Device, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+deviceColumns+` FROM devices `+where+` ORDER BY ip`, args...)
	if err != nil {
		return nil, accessErr("list_devices", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, accessErr("scan_device", err)
		}
		devices = append(devices, d)
	}

	if err := rows.Err(); err != nil {
		return nil, accessErr("list_devices", err)
	}

	return devices, nil
}

func (s *Store) ListDevices(ctx context.Context) ([]*models.Device, error) {
	return s.listDevices(ctx, "")
}

func (s *Store) ListOnlineDevices(ctx context.Context) ([]*models.Device, error) {
	return s.listDevices(ctx, "WHERE status = 'online'")
}

// ListStaleOnline returns online devices last seen before cutoff.
func (s *Store) ListStaleOnline(ctx context.Context, cutoff time.Time) ([]*models.Device, error) {
	return s.listDevices(ctx, "WHERE status = 'online' AND last_seen < ?", toMillis(cutoff))
}

// CountDevices returns the total and online device counts.
func (s *Store) CountDevices(ctx context.Context) (total, online int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = 'online' THEN 1 ELSE 0 END), 0)
		FROM devices`).Scan(&total, &online)
	if err != nil {
		return 0, 0, accessErr("count_devices", err)
	}
	return total, online, nil
}

// UpdateDeviceSettings applies user edits and returns the updated device.
func (s *Store) UpdateDeviceSettings(ctx context.Context, id string, settings DeviceSettings) (*models.Device, error) {
	d, err := s.Device(ctx, id)
	if err != nil {
		return nil, err
	}

	if settings.Alias != nil {
		d.Alias = strings.TrimSpace(*settings.Alias)
	}
	if settings.Authorized != nil {
		d.Authorized = *settings.Authorized
	}
	if settings.Tags != nil {
		d.Tags = settings.Tags
	}
	if settings.GroupID != nil {
		d.GroupID = strings.TrimSpace(*settings.GroupID)
		if d.GroupID != "" {
			if _, err := s.Group(ctx, d.GroupID); err != nil {
				return nil, err
			}
		}
	}

	tags, err := encodeJSON(nonNilStrings(d.Tags))
	if err != nil {
		return nil, err
	}

	if _, err := s.db.ExecContext(ctx, `
		UPDATE devices SET alias = ?, authorized = ?, tags = ?, group_id = ? WHERE id = ?`,
		d.Alias, boolToInt(d.Authorized), tags, nullString(d.GroupID), id); err != nil {
		return nil, accessErr("update_device_settings", err)
	}

	return d, nil
}

// UpdateVendor sets only the vendor of a device, leaving the fields the
// scan loop owns untouched.
func (s *Store) UpdateVendor(ctx context.Context, id, vendor string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET vendor = ? WHERE id = ?`, vendor, id)
	if err != nil {
		return accessErr("update_vendor", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("device", id)
	}
	return nil
}

// DeleteDevice removes a device and, by cascade, its sensors and scoped rules.
func (s *Store) DeleteDevice(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, id)
	if err != nil {
		return accessErr("delete_device", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("device", id)
	}
	return nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
