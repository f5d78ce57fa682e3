// Package queue guarantees at-least-once, FIFO-per-agent delivery of
// updates. Each agent's pending list is an independent log; there is no
// ordering relationship across agents.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/keylock"
	"github.com/mistakeknot/converge/internal/storage"
)

// Broadcaster nudges connected agents when work is queued for them.
type Broadcaster interface {
	Broadcast(agent string, event any)
}

type Config struct {
	// MaxAttempts is the delivery ceiling; an update drained this many
	// times without a processed acknowledgment is dead-lettered.
	MaxAttempts int
	// DrainBatch caps how many updates one drain returns when the
	// caller does not specify a limit.
	DrainBatch int
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, DrainBatch: 50}
}

// Queue owns the update lifecycle: pending -> delivered -> processed,
// with failed (dead-letter) as the terminal retry-exhausted state.
// Enqueue races from many entity-mutation paths are safe against a
// single agent's drain/acknowledge cycle; drain and acknowledge are
// serialized per agent.
type Queue struct {
	store storage.Store
	cfg   Config
	bus   Broadcaster
	locks *keylock.KeyedMutex
	now   func() time.Time
}

func New(store storage.Store, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.DrainBatch <= 0 {
		cfg.DrainBatch = DefaultConfig().DrainBatch
	}
	return &Queue{
		store: store,
		cfg:   cfg,
		locks: keylock.New(),
		now:   time.Now,
	}
}

func (q *Queue) WithBroadcaster(b Broadcaster) *Queue {
	q.bus = b
	return q
}

// Enqueue appends an update to the agent's pending list and returns it
// with its assigned id. Enqueueing a second update for the same
// (agent, entity, version) is a no-op, so resuming a partially-failed
// fan-out never duplicates work.
func (q *Queue) Enqueue(ctx context.Context, u core.Update) (core.Update, error) {
	if u.AgentID == "" {
		return core.Update{}, fmt.Errorf("enqueue: agent id required")
	}
	q.locks.Lock(u.AgentID)
	defer q.locks.Unlock(u.AgentID)

	if u.EntityID != "" && u.EntityVersion > 0 {
		exists, err := q.store.HasUpdateForVersion(ctx, u.AgentID, u.EntityID, u.EntityVersion)
		if err != nil {
			return core.Update{}, fmt.Errorf("enqueue dedupe check: %w", err)
		}
		if exists {
			return core.Update{}, nil
		}
	}

	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = q.now().UTC()
	}
	u.Status = core.UpdatePending
	u.Attempts = 0

	queued, err := q.store.AppendUpdate(ctx, u)
	if err != nil {
		return core.Update{}, fmt.Errorf("enqueue: %w", err)
	}

	if q.bus != nil {
		q.bus.Broadcast(u.AgentID, map[string]any{
			"type":        "update.queued",
			"agent_id":    u.AgentID,
			"update_id":   queued.ID,
			"update_type": string(u.Type),
		})
	}
	return queued, nil
}

// Drain returns up to max undelivered or unacknowledged updates in
// enqueue order, marking each delivered and incrementing its attempt
// count. Items are not removed; an agent crash before acknowledgment
// causes redelivery on the next drain. Items at the attempt ceiling
// are moved to dead-letter instead of being returned again.
func (q *Queue) Drain(ctx context.Context, agentID string, max int) ([]core.Update, error) {
	if max <= 0 || max > q.cfg.DrainBatch {
		max = q.cfg.DrainBatch
	}
	q.locks.Lock(agentID)
	defer q.locks.Unlock(agentID)

	candidates, err := q.store.ListUpdates(ctx, agentID,
		[]core.UpdateStatus{core.UpdatePending, core.UpdateDelivered}, 0)
	if err != nil {
		return nil, fmt.Errorf("drain: %w", err)
	}

	out := make([]core.Update, 0, max)
	for _, u := range candidates {
		if len(out) == max {
			break
		}
		if u.Attempts >= q.cfg.MaxAttempts {
			u.Status = core.UpdateFailed
			if err := q.store.PutUpdate(ctx, u); err != nil {
				return nil, fmt.Errorf("dead-letter %s: %w", u.ID, err)
			}
			continue
		}
		u.Attempts++
		u.Status = core.UpdateDelivered
		if err := q.store.PutUpdate(ctx, u); err != nil {
			return nil, fmt.Errorf("mark delivered %s: %w", u.ID, err)
		}
		out = append(out, u)
	}
	return out, nil
}

// Acknowledge records an agent's per-update outcome. A processed
// outcome removes the item from the pending list and retains it in the
// audit trail; acknowledging an already-processed update again is a
// no-op. A failed outcome leaves the item pending for redelivery until
// the attempt ceiling moves it to dead-letter. Acknowledging a
// dead-lettered update returns ErrDeliveryExhausted; only an operator
// can act on it from there.
func (q *Queue) Acknowledge(ctx context.Context, agentID, updateID string, outcome core.Outcome) error {
	q.locks.Lock(agentID)
	defer q.locks.Unlock(agentID)

	u, err := q.store.GetUpdate(ctx, agentID, updateID)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", updateID, err)
	}
	if u.Status == core.UpdateProcessed {
		return nil
	}
	if u.Status == core.UpdateFailed {
		return fmt.Errorf("acknowledge %s: %w", updateID, core.ErrDeliveryExhausted)
	}

	switch outcome {
	case core.OutcomeProcessed:
		u.Status = core.UpdateProcessed
		u.ProcessedAt = q.now().UTC()
	case core.OutcomeFailed:
		if u.Attempts >= q.cfg.MaxAttempts {
			u.Status = core.UpdateFailed
		} else {
			u.Status = core.UpdatePending
		}
	default:
		return fmt.Errorf("acknowledge %s: unknown outcome %q", updateID, outcome)
	}

	if err := q.store.PutUpdate(ctx, u); err != nil {
		return fmt.Errorf("acknowledge %s: %w", updateID, err)
	}
	return nil
}

// Pending returns the agent's undelivered and unacknowledged updates
// without changing their state.
func (q *Queue) Pending(ctx context.Context, agentID string) ([]core.Update, error) {
	return q.store.ListUpdates(ctx, agentID,
		[]core.UpdateStatus{core.UpdatePending, core.UpdateDelivered}, 0)
}

// DeadLetters returns the agent's retry-exhausted updates.
func (q *Queue) DeadLetters(ctx context.Context, agentID string) ([]core.Update, error) {
	return q.store.ListUpdates(ctx, agentID, []core.UpdateStatus{core.UpdateFailed}, 0)
}

// Stats summarizes an agent's queue for status reporting.
type Stats struct {
	Pending    int `json:"pending"`
	Delivered  int `json:"delivered"`
	Processed  int `json:"processed"`
	DeadLetter int `json:"dead_letter"`
}

func (q *Queue) StatsFor(ctx context.Context, agentID string) (Stats, error) {
	var s Stats
	counts := []struct {
		status core.UpdateStatus
		dst    *int
	}{
		{core.UpdatePending, &s.Pending},
		{core.UpdateDelivered, &s.Delivered},
		{core.UpdateProcessed, &s.Processed},
		{core.UpdateFailed, &s.DeadLetter},
	}
	for _, c := range counts {
		n, err := q.store.CountUpdates(ctx, agentID, c.status)
		if err != nil {
			return Stats{}, fmt.Errorf("queue stats: %w", err)
		}
		*c.dst = n
	}
	return s, nil
}
