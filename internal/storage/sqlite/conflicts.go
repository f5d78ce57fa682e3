package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/converge/internal/core"
)

func (s *Store) AppendConflict(_ context.Context, c core.Conflict) (core.Conflict, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(
		`INSERT INTO conflicts (id, entity_kind, entity_id, calendar_id, incumbent_json, challenger_json, policy, resolved, resolution, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, string(c.Kind), c.EntityID, c.CalendarID,
		string(c.Incumbent), string(c.Challenger), string(c.Policy),
		boolToInt(c.Resolved), c.Resolution, formatTime(c.CreatedAt),
	)
	if err != nil {
		return core.Conflict{}, fmt.Errorf("append conflict: %w", err)
	}
	return c, nil
}

func (s *Store) GetConflict(_ context.Context, id string) (core.Conflict, error) {
	row := s.db.QueryRow(
		`SELECT id, entity_kind, entity_id, calendar_id, incumbent_json, challenger_json, policy, resolved, resolution, created_at
		 FROM conflicts WHERE id = ?`, id,
	)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Conflict{}, fmt.Errorf("conflict %s: %w", id, core.ErrNotFound)
	}
	return c, err
}

func (s *Store) ListOpenConflicts(_ context.Context) ([]core.Conflict, error) {
	rows, err := s.db.Query(
		`SELECT id, entity_kind, entity_id, calendar_id, incumbent_json, challenger_json, policy, resolved, resolution, created_at
		 FROM conflicts WHERE resolved = 0 ORDER BY created_at ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []core.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) PutConflict(_ context.Context, c core.Conflict) error {
	res, err := s.db.Exec(
		`UPDATE conflicts SET resolved = ?, resolution = ? WHERE id = ?`,
		boolToInt(c.Resolved), c.Resolution, c.ID,
	)
	if err != nil {
		return fmt.Errorf("put conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("conflict %s: %w", c.ID, core.ErrNotFound)
	}
	return nil
}

func scanConflict(row rowScanner) (core.Conflict, error) {
	var (
		c                               core.Conflict
		kind, inc, chal, policy, create string
		resolved                        int
	)
	if err := row.Scan(&c.ID, &kind, &c.EntityID, &c.CalendarID, &inc, &chal, &policy, &resolved, &c.Resolution, &create); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Conflict{}, err
		}
		return core.Conflict{}, fmt.Errorf("scan conflict: %w", err)
	}
	c.Kind = core.EntityKind(kind)
	c.Incumbent = []byte(inc)
	c.Challenger = []byte(chal)
	c.Policy = core.Policy(policy)
	c.Resolved = resolved != 0
	c.CreatedAt = parseTime(create)
	return c, nil
}
