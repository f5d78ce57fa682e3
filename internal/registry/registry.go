// Package registry tracks known agents, their declared calendar
// sources, and liveness.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/storage"
)

type Config struct {
	// StaleAfter is the silence window after which an agent is
	// reported stale; UnreachableAfter the longer window for
	// unreachable. Staleness never cancels queued updates.
	StaleAfter       time.Duration
	UnreachableAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		StaleAfter:       5 * time.Minute,
		UnreachableAfter: 30 * time.Minute,
	}
}

type Registry struct {
	store storage.Store
	cfg   Config
	now   func() time.Time
}

func New(store storage.Store, cfg Config) *Registry {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultConfig().StaleAfter
	}
	if cfg.UnreachableAfter <= cfg.StaleAfter {
		cfg.UnreachableAfter = DefaultConfig().UnreachableAfter
		if cfg.UnreachableAfter <= cfg.StaleAfter {
			cfg.UnreachableAfter = 6 * cfg.StaleAfter
		}
	}
	return &Registry{store: store, cfg: cfg, now: time.Now}
}

// RegisterOrTouch upserts the agent record and refreshes its liveness.
// Declared sources are replaced wholesale when provided; a source not
// re-declared is withdrawn from future fan-out. A first heartbeat with
// an unknown id creates the record. Idempotent.
func (r *Registry) RegisterOrTouch(ctx context.Context, agent core.Agent) (core.Agent, error) {
	if agent.ID == "" {
		return core.Agent{}, fmt.Errorf("register: agent id required")
	}
	now := r.now().UTC()

	existing, err := r.store.GetAgent(ctx, agent.ID)
	switch {
	case err == nil:
		if agent.Name != "" {
			existing.Name = agent.Name
		}
		if agent.Environment != "" {
			existing.Environment = agent.Environment
		}
		if agent.Sources != nil {
			existing.Sources = agent.Sources
		}
		existing.LastSeen = now
		existing.Status = core.AgentActive
		return r.store.UpsertAgent(ctx, existing)
	case isNotFound(err):
		agent.CreatedAt = now
		agent.LastSeen = now
		agent.Status = core.AgentActive
		if agent.Sources == nil {
			agent.Sources = []core.Source{}
		}
		return r.store.UpsertAgent(ctx, agent)
	default:
		return core.Agent{}, fmt.Errorf("register: %w", err)
	}
}

// StatusOf returns the agent record with its liveness derived from
// last_seen_at. Unknown ids yield core.ErrNotFound; reads never
// fabricate a record.
func (r *Registry) StatusOf(ctx context.Context, agentID string) (core.Agent, error) {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return core.Agent{}, err
	}
	agent.Status = r.statusFor(agent.LastSeen)
	return agent, nil
}

// List returns all known agents with derived liveness.
func (r *Registry) List(ctx context.Context) ([]core.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i].Status = r.statusFor(agents[i].LastSeen)
	}
	return agents, nil
}

// ListActive returns agents seen at or after since.
func (r *Registry) ListActive(ctx context.Context, since time.Time) ([]core.Agent, error) {
	agents, err := r.store.ListAgentsSeenSince(ctx, since)
	if err != nil {
		return nil, err
	}
	for i := range agents {
		agents[i].Status = r.statusFor(agents[i].LastSeen)
	}
	return agents, nil
}

// Remove deletes an agent record. This is the explicit administrative
// action; agents are never removed for inactivity.
func (r *Registry) Remove(ctx context.Context, agentID string) error {
	return r.store.DeleteAgent(ctx, agentID)
}

// UpdateSources persists changed source bookkeeping (such as
// last_synced_version) without touching liveness.
func (r *Registry) UpdateSources(ctx context.Context, agentID string, sources []core.Source) error {
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	agent.Sources = sources
	_, err = r.store.UpsertAgent(ctx, agent)
	return err
}

func (r *Registry) statusFor(lastSeen time.Time) core.AgentStatus {
	silence := r.now().UTC().Sub(lastSeen)
	switch {
	case silence >= r.cfg.UnreachableAfter:
		return core.AgentUnreachable
	case silence >= r.cfg.StaleAfter:
		return core.AgentStale
	default:
		return core.AgentActive
	}
}

func isNotFound(err error) bool {
	return errors.Is(err, core.ErrNotFound)
}
