package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/converge/internal/core"
)

func (s *Store) UpsertAgent(_ context.Context, agent core.Agent) (core.Agent, error) {
	sourcesJSON, err := json.Marshal(agent.Sources)
	if err != nil {
		return core.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO agents (id, name, environment, sources_json, status, last_seen_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, environment=excluded.environment,
		   sources_json=excluded.sources_json, status=excluded.status,
		   last_seen_at=excluded.last_seen_at`,
		agent.ID, agent.Name, agent.Environment, string(sourcesJSON),
		string(agent.Status), formatTime(agent.LastSeen), formatTime(agent.CreatedAt),
	)
	if err != nil {
		return core.Agent{}, fmt.Errorf("upsert agent: %w", err)
	}
	return agent, nil
}

func (s *Store) GetAgent(_ context.Context, id string) (core.Agent, error) {
	row := s.db.QueryRow(
		`SELECT id, name, environment, sources_json, status, last_seen_at, created_at
		 FROM agents WHERE id = ?`, id,
	)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Agent{}, fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	return agent, err
}

func (s *Store) ListAgents(_ context.Context) ([]core.Agent, error) {
	return s.queryAgents(`SELECT id, name, environment, sources_json, status, last_seen_at, created_at
		 FROM agents ORDER BY id ASC`)
}

func (s *Store) ListAgentsSeenSince(_ context.Context, since time.Time) ([]core.Agent, error) {
	return s.queryAgents(`SELECT id, name, environment, sources_json, status, last_seen_at, created_at
		 FROM agents WHERE last_seen_at >= ? ORDER BY id ASC`, formatTime(since))
}

func (s *Store) SetAgentStatus(_ context.Context, id string, status core.AgentStatus) error {
	res, err := s.db.Exec(`UPDATE agents SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set agent status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (s *Store) DeleteAgent(_ context.Context, id string) error {
	res, err := s.db.Exec(`DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("agent %s: %w", id, core.ErrNotFound)
	}
	// An agent's queue dies with it.
	if _, err := s.db.Exec(`DELETE FROM updates WHERE agent_id = ?`, id); err != nil {
		return fmt.Errorf("delete agent queue: %w", err)
	}
	return nil
}

func (s *Store) queryAgents(query string, args ...any) ([]core.Agent, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var out []core.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (core.Agent, error) {
	var (
		a                                 core.Agent
		sourcesJSON, status, seen, create string
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Environment, &sourcesJSON, &status, &seen, &create); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Agent{}, err
		}
		return core.Agent{}, fmt.Errorf("scan agent: %w", err)
	}
	if err := json.Unmarshal([]byte(sourcesJSON), &a.Sources); err != nil {
		return core.Agent{}, fmt.Errorf("scan agent sources: %w", err)
	}
	a.Status = core.AgentStatus(status)
	a.LastSeen = parseTime(seen)
	a.CreatedAt = parseTime(create)
	return a, nil
}
