package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/converge/internal/core"
)

func (s *Store) AppendUpdate(_ context.Context, u core.Update) (core.Update, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.Status == "" {
		u.Status = core.UpdatePending
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(
		`INSERT INTO updates (id, agent_id, type, entity_id, entity_version, payload, status, attempts, created_at, processed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.AgentID, string(u.Type), u.EntityID, u.EntityVersion,
		string(u.Payload), string(u.Status), u.Attempts,
		formatTime(u.CreatedAt), formatTime(u.ProcessedAt),
	)
	if err != nil {
		return core.Update{}, fmt.Errorf("append update: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return core.Update{}, fmt.Errorf("append update seq: %w", err)
	}
	u.Seq = uint64(seq)
	return u, nil
}

func (s *Store) GetUpdate(_ context.Context, agentID, updateID string) (core.Update, error) {
	row := s.db.QueryRow(
		`SELECT seq, id, agent_id, type, entity_id, entity_version, payload, status, attempts, created_at, processed_at
		 FROM updates WHERE agent_id = ? AND id = ?`, agentID, updateID,
	)
	u, err := scanUpdate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Update{}, fmt.Errorf("update %s for %s: %w", updateID, agentID, core.ErrNotFound)
	}
	return u, err
}

func (s *Store) PutUpdate(_ context.Context, u core.Update) error {
	res, err := s.db.Exec(
		`UPDATE updates SET status = ?, attempts = ?, processed_at = ? WHERE agent_id = ? AND id = ?`,
		string(u.Status), u.Attempts, formatTime(u.ProcessedAt), u.AgentID, u.ID,
	)
	if err != nil {
		return fmt.Errorf("put update: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update %s for %s: %w", u.ID, u.AgentID, core.ErrNotFound)
	}
	return nil
}

func (s *Store) ListUpdates(_ context.Context, agentID string, statuses []core.UpdateStatus, limit int) ([]core.Update, error) {
	query := `SELECT seq, id, agent_id, type, entity_id, entity_version, payload, status, attempts, created_at, processed_at
		 FROM updates WHERE agent_id = ?`
	args := []any{agentID}
	if len(statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ")
		query += ` AND status IN (` + placeholders + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list updates: %w", err)
	}
	defer rows.Close()

	var out []core.Update
	for rows.Next() {
		u, err := scanUpdate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

func (s *Store) HasUpdateForVersion(_ context.Context, agentID, entityID string, version uint64) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM updates WHERE agent_id = ? AND entity_id = ? AND entity_version = ?`,
		agentID, entityID, version,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("has update: %w", err)
	}
	return n > 0, nil
}

func (s *Store) CountUpdates(_ context.Context, agentID string, status core.UpdateStatus) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(1) FROM updates WHERE agent_id = ? AND status = ?`,
		agentID, string(status),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count updates: %w", err)
	}
	return n, nil
}

func scanUpdate(row rowScanner) (core.Update, error) {
	var (
		u                      core.Update
		seq                    int64
		typ, payload, status   string
		createdAt, processedAt string
	)
	if err := row.Scan(&seq, &u.ID, &u.AgentID, &typ, &u.EntityID, &u.EntityVersion,
		&payload, &status, &u.Attempts, &createdAt, &processedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Update{}, err
		}
		return core.Update{}, fmt.Errorf("scan update: %w", err)
	}
	u.Seq = uint64(seq)
	u.Type = core.UpdateType(typ)
	u.Payload = []byte(payload)
	u.Status = core.UpdateStatus(status)
	u.CreatedAt = parseTime(createdAt)
	u.ProcessedAt = parseTime(processedAt)
	return u, nil
}
