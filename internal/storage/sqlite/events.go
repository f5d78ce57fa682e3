package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/mistakeknot/converge/internal/core"
)

func (s *Store) PutEvent(_ context.Context, ev core.Event) error {
	_, err := s.db.Exec(
		`INSERT INTO events (id, calendar_id, title, start_time, end_time, location, description, recurrence_rule, version, deleted, updated_at, updated_by)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   calendar_id=excluded.calendar_id, title=excluded.title,
		   start_time=excluded.start_time, end_time=excluded.end_time,
		   location=excluded.location, description=excluded.description,
		   recurrence_rule=excluded.recurrence_rule, version=excluded.version,
		   deleted=excluded.deleted, updated_at=excluded.updated_at, updated_by=excluded.updated_by`,
		ev.ID, ev.CalendarID, ev.Title, formatTime(ev.Start), formatTime(ev.End),
		ev.Location, ev.Description, ev.RecurrenceRule,
		ev.Version, boolToInt(ev.Deleted), formatTime(ev.UpdatedAt), ev.UpdatedBy,
	)
	if err != nil {
		return fmt.Errorf("put event: %w", err)
	}
	return nil
}

func (s *Store) GetEvent(_ context.Context, id string) (core.Event, error) {
	row := s.db.QueryRow(
		`SELECT id, calendar_id, title, start_time, end_time, location, description, recurrence_rule, version, deleted, updated_at, updated_by
		 FROM events WHERE id = ?`, id,
	)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Event{}, fmt.Errorf("event %s: %w", id, core.ErrNotFound)
	}
	return ev, err
}

func (s *Store) ListEvents(_ context.Context, calendarID string) ([]core.Event, error) {
	query := `SELECT id, calendar_id, title, start_time, end_time, location, description, recurrence_rule, version, deleted, updated_at, updated_by
		 FROM events`
	var args []any
	if calendarID != "" {
		query += ` WHERE calendar_id = ?`
		args = append(args, calendarID)
	}
	query += ` ORDER BY start_time ASC, id ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func scanEvent(row rowScanner) (core.Event, error) {
	var (
		e                   core.Event
		deleted             int
		start, end, updated string
	)
	if err := row.Scan(&e.ID, &e.CalendarID, &e.Title, &start, &end,
		&e.Location, &e.Description, &e.RecurrenceRule,
		&e.Version, &deleted, &updated, &e.UpdatedBy); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Event{}, err
		}
		return core.Event{}, fmt.Errorf("scan event: %w", err)
	}
	e.Start = parseTime(start)
	e.End = parseTime(end)
	e.Deleted = deleted != 0
	e.UpdatedAt = parseTime(updated)
	return e, nil
}
