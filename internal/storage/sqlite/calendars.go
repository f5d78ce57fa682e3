package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/converge/internal/core"
)

func (s *Store) PutCalendar(_ context.Context, cal core.Calendar) error {
	_, err := s.db.Exec(
		`INSERT INTO calendars (id, name, color, description, version, deleted, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, color=excluded.color, description=excluded.description,
		   version=excluded.version, deleted=excluded.deleted,
		   updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		cal.ID, cal.Name, cal.Color, cal.Description,
		cal.Version, boolToInt(cal.Deleted), formatTime(cal.UpdatedAt), cal.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("put calendar: %w", err)
	}
	return nil
}

func (s *Store) GetCalendar(_ context.Context, id string) (core.Calendar, error) {
	row := s.db.QueryRow(
		`SELECT id, name, color, description, version, deleted, updated_at, updated_by
		 FROM calendars WHERE id = ?`, id,
	)
	cal, err := scanCalendar(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Calendar{}, fmt.Errorf("calendar %s: %w", id, core.ErrNotFound)
	}
	return cal, err
}

func (s *Store) ListCalendars(_ context.Context) ([]core.Calendar, error) {
	rows, err := s.db.Query(
		`SELECT id, name, color, description, version, deleted, updated_at, updated_by
		 FROM calendars ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	defer rows.Close()

	var out []core.Calendar
	for rows.Next() {
		cal, err := scanCalendar(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cal)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanCalendar(row rowScanner) (core.Calendar, error) {
	var (
		c       core.Calendar
		deleted int
		updated string
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Color, &c.Description, &c.Version, &deleted, &updated, &c.UpdatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Calendar{}, err
		}
		return core.Calendar{}, fmt.Errorf("scan calendar: %w", err)
	}
	c.Deleted = deleted != 0
	c.UpdatedAt = parseTime(updated)
	return c, nil
}
