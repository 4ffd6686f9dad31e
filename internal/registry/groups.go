package registry

import (
	"context"
	"database/sql"
	"strings"

	"codeberg.org/mutker/netsentry/internal/errors"
	"codeberg.org/mutker/netsentry/internal/models"
)

const groupColumns = `id, name, description, color, created_at`

// DefaultGroupColor is used when a group is created without a color.
const DefaultGroupColor = "#3b82f6"

func scanGroup(row scanner) (*models.DeviceGroup, error) {
	var (
		g       models.DeviceGroup
		created int64
	)
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.Color, &created); err != nil {
		return nil, err
	}
	g.CreatedAt = fromMillis(created)
	return &g, nil
}

// CreateGroup inserts g. Group names are unique; a second group with the
// same name is rejected with ErrDuplicate.
func (s *Store) CreateGroup(ctx context.Context, g *models.DeviceGroup) error {
	g.Name = strings.TrimSpace(g.Name)
	if g.Name == "" {
		return errors.New().WithData(ErrInvalidRecord, struct{ Reason string }{Reason: "group name is required"})
	}
	if g.ID == "" {
		g.ID = newID()
	}
	if g.Color == "" {
		g.Color = DefaultGroupColor
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_groups (`+groupColumns+`) VALUES (?, ?, ?, ?, ?)`,
		g.ID, g.Name, g.Description, g.Color, toMillis(g.CreatedAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return errors.New().Wrap(ErrDuplicate, err)
		}
		return accessErr("create_group", err)
	}

	return nil
}

func (s *Store) Group(ctx context.Context, id string) (*models.DeviceGroup, error) {
	g, err := scanGroup(s.db.QueryRowContext(ctx, `SELECT `+groupColumns+` FROM device_groups WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("group", id)
	}
	if err != nil {
		return nil, accessErr("get_group", err)
	}
	return g, nil
}

func (s *Store) ListGroups(ctx context.Context) ([]*models.DeviceGroup, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+groupColumns+` FROM device_groups ORDER BY name`)
	if err != nil {
		return nil, accessErr("list_groups", err)
	}
	defer rows.Close()

	var groups []*models.DeviceGroup
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, accessErr("scan_group", err)
		}
		groups = append(groups, g)
	}
	if err := rows.Err(); err != nil {
		return nil, accessErr("list_groups", err)
	}

	return groups, nil
}

// DeleteGroup removes a group; its devices become ungrouped.
func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_groups WHERE id = ?`, id)
	if err != nil {
		return accessErr("delete_group", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("group", id)
	}
	return nil
}
