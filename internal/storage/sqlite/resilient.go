package sqlite

import (
	"context"
	"errors"
	"time"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/storage"
)

// Compile-time interface check.
var _ storage.Store = (*ResilientStore)(nil)

// ResilientStore wraps every method of *Store with CircuitBreaker + RetryOnDBLock
// to provide resilience against transient SQLite errors (database-is-locked,
// connection failures, etc.).
type ResilientStore struct {
	inner *Store
	cb    *CircuitBreaker
}

// NewResilient creates a ResilientStore with default circuit breaker settings
// (threshold=5, resetTimeout=30s).
func NewResilient(inner *Store) *ResilientStore {
	return &ResilientStore{inner: inner, cb: NewCircuitBreaker(5, 30*time.Second)}
}

// NewResilientWithBreaker creates a ResilientStore with a custom circuit breaker.
func NewResilientWithBreaker(inner *Store, cb *CircuitBreaker) *ResilientStore {
	return &ResilientStore{inner: inner, cb: cb}
}

// CircuitBreakerState returns the current state of the circuit breaker as a string.
func (r *ResilientStore) CircuitBreakerState() string {
	return r.cb.State().String()
}

func (r *ResilientStore) run(fn func() error) error {
	var opErr error
	cbErr := r.cb.Execute(func() error {
		opErr = RetryOnDBLock(fn)
		if errors.Is(opErr, core.ErrNotFound) {
			// Not-found is a domain answer, not a storage failure; it
			// must not trip the breaker.
			return nil
		}
		return opErr
	})
	if opErr != nil {
		return opErr
	}
	return cbErr
}

// Agents

func (r *ResilientStore) UpsertAgent(ctx context.Context, agent core.Agent) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.UpsertAgent(ctx, agent)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetAgent(ctx context.Context, id string) (core.Agent, error) {
	var result core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetAgent(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListAgents(ctx context.Context) ([]core.Agent, error) {
	var result []core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListAgents(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListAgentsSeenSince(ctx context.Context, since time.Time) ([]core.Agent, error) {
	var result []core.Agent
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListAgentsSeenSince(ctx, since)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) SetAgentStatus(ctx context.Context, id string, status core.AgentStatus) error {
	return r.run(func() error {
		return r.inner.SetAgentStatus(ctx, id, status)
	})
}

func (r *ResilientStore) DeleteAgent(ctx context.Context, id string) error {
	return r.run(func() error {
		return r.inner.DeleteAgent(ctx, id)
	})
}

// Calendars

func (r *ResilientStore) PutCalendar(ctx context.Context, cal core.Calendar) error {
	return r.run(func() error {
		return r.inner.PutCalendar(ctx, cal)
	})
}

func (r *ResilientStore) GetCalendar(ctx context.Context, id string) (core.Calendar, error) {
	var result core.Calendar
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetCalendar(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListCalendars(ctx context.Context) ([]core.Calendar, error) {
	var result []core.Calendar
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListCalendars(ctx)
		return innerErr
	})
	return result, err
}

// Events

func (r *ResilientStore) PutEvent(ctx context.Context, ev core.Event) error {
	return r.run(func() error {
		return r.inner.PutEvent(ctx, ev)
	})
}

func (r *ResilientStore) GetEvent(ctx context.Context, id string) (core.Event, error) {
	var result core.Event
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetEvent(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListEvents(ctx context.Context, calendarID string) ([]core.Event, error) {
	var result []core.Event
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListEvents(ctx, calendarID)
		return innerErr
	})
	return result, err
}

// Updates

func (r *ResilientStore) AppendUpdate(ctx context.Context, u core.Update) (core.Update, error) {
	var result core.Update
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.AppendUpdate(ctx, u)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetUpdate(ctx context.Context, agentID, updateID string) (core.Update, error) {
	var result core.Update
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetUpdate(ctx, agentID, updateID)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PutUpdate(ctx context.Context, u core.Update) error {
	return r.run(func() error {
		return r.inner.PutUpdate(ctx, u)
	})
}

func (r *ResilientStore) ListUpdates(ctx context.Context, agentID string, statuses []core.UpdateStatus, limit int) ([]core.Update, error) {
	var result []core.Update
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListUpdates(ctx, agentID, statuses, limit)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) HasUpdateForVersion(ctx context.Context, agentID, entityID string, version uint64) (bool, error) {
	var result bool
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.HasUpdateForVersion(ctx, agentID, entityID, version)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) CountUpdates(ctx context.Context, agentID string, status core.UpdateStatus) (int, error) {
	var result int
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.CountUpdates(ctx, agentID, status)
		return innerErr
	})
	return result, err
}

// Conflicts

func (r *ResilientStore) AppendConflict(ctx context.Context, c core.Conflict) (core.Conflict, error) {
	var result core.Conflict
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.AppendConflict(ctx, c)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) GetConflict(ctx context.Context, id string) (core.Conflict, error) {
	var result core.Conflict
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.GetConflict(ctx, id)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) ListOpenConflicts(ctx context.Context) ([]core.Conflict, error) {
	var result []core.Conflict
	err := r.run(func() error {
		var innerErr error
		result, innerErr = r.inner.ListOpenConflicts(ctx)
		return innerErr
	})
	return result, err
}

func (r *ResilientStore) PutConflict(ctx context.Context, c core.Conflict) error {
	return r.run(func() error {
		return r.inner.PutConflict(ctx, c)
	})
}

// Close delegates directly to the inner store without CB or retry.
func (r *ResilientStore) Close() error {
	return r.inner.Close()
}
