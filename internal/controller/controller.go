// Package controller orchestrates the sync engine: it normalizes
// incoming changes, applies the optimistic-concurrency check, consults
// the conflict resolver on version mismatches, commits the winning
// state and fans updates out to every other affected agent.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/keylock"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/registry"
	"github.com/mistakeknot/converge/internal/resolver"
	"github.com/mistakeknot/converge/internal/storage"
)

type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Change is one inbound mutation, from the HTTP boundary or from an
// agent's locally observed changes. Exactly one of Calendar/Event is
// set according to Kind.
type Change struct {
	Kind        core.EntityKind `json:"kind"`
	Op          Op              `json:"op"`
	BaseVersion uint64          `json:"base_version"`
	// SourceID names the declared source an agent observed the change
	// on; empty for API-originated changes.
	SourceID string         `json:"source_id,omitempty"`
	Calendar *core.Calendar `json:"calendar,omitempty"`
	Event    *core.Event    `json:"event,omitempty"`
}

// Result reports the outcome of a submitted change. Committed is false
// for idempotent no-ops, stale writes rejected by a tombstone, lost
// conflicts, and manual-policy conflicts (Conflict is then set).
type Result struct {
	Committed bool           `json:"committed"`
	Version   uint64         `json:"version,omitempty"`
	Calendar  *core.Calendar `json:"calendar,omitempty"`
	Event     *core.Event    `json:"event,omitempty"`
	Conflict  *core.Conflict `json:"conflict,omitempty"`
}

type Controller struct {
	store  storage.Store
	reg    *registry.Registry
	queue  *queue.Queue
	policy core.Policy
	locks  *keylock.KeyedMutex
	now    func() time.Time
}

func New(store storage.Store, reg *registry.Registry, q *queue.Queue, policy core.Policy) *Controller {
	if policy == "" {
		policy = core.PolicyLatestWins
	}
	return &Controller{
		store:  store,
		reg:    reg,
		queue:  q,
		policy: policy,
		locks:  keylock.New(),
		now:    time.Now,
	}
}

// SubmitChange applies one mutation on behalf of origin (an agent id,
// or core.OriginAPI for external callers). Mutations on the same
// entity serialize on a per-entity lock; commit and fan-out happen
// under that lock, so a conflict loser is never queued before
// resolution completes.
func (c *Controller) SubmitChange(ctx context.Context, origin string, ch Change) (Result, error) {
	switch ch.Kind {
	case core.KindCalendar:
		if ch.Calendar == nil {
			return Result{}, fmt.Errorf("submit: calendar change without calendar body")
		}
		return c.submitCalendar(ctx, origin, ch)
	case core.KindEvent:
		if ch.Event == nil {
			return Result{}, fmt.Errorf("submit: event change without event body")
		}
		return c.submitEvent(ctx, origin, ch)
	default:
		return Result{}, fmt.Errorf("submit: unknown entity kind %q", ch.Kind)
	}
}

func (c *Controller) submitEvent(ctx context.Context, origin string, ch Change) (Result, error) {
	ev := *ch.Event
	if ev.CalendarID == "" {
		return Result{}, fmt.Errorf("submit event: calendar id required")
	}
	if ev.ID == "" {
		ev.ID = ev.Fingerprint()
	}

	c.locks.Lock(ev.ID)
	defer c.locks.Unlock(ev.ID)

	current, err := c.store.GetEvent(ctx, ev.ID)
	absent := errors.Is(err, core.ErrNotFound)
	if err != nil && !absent {
		return Result{}, fmt.Errorf("submit event: %w", err)
	}

	switch ch.Op {
	case OpCreate:
		if absent {
			cal, err := c.store.GetCalendar(ctx, ev.CalendarID)
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return Result{}, fmt.Errorf("submit event: calendar %s: %w", ev.CalendarID, core.ErrNotFound)
				}
				return Result{}, fmt.Errorf("submit event: %w", err)
			}
			if cal.Deleted {
				// Stale create against a tombstoned calendar.
				return Result{Committed: false}, nil
			}
			return c.commitEvent(ctx, origin, ev, 0, false)
		}
		if current.Deleted {
			// A tombstoned entity is never resurrected: a stale create
			// for the same fingerprint is an idempotent no-op.
			return Result{Committed: false, Version: current.Version, Event: &current}, nil
		}
		if current.SameContent(ev) {
			return Result{Committed: false, Version: current.Version, Event: &current}, nil
		}
		// Same fingerprint from another provider: an update, not a
		// duplicate create.
		return c.resolveAndCommitEvent(ctx, origin, current, ev, false)

	case OpUpdate, OpDelete:
		if absent {
			return Result{}, fmt.Errorf("submit event %s: %w", ev.ID, core.ErrNotFound)
		}
		if current.Deleted {
			// Stale write arriving after a delete: rejected, the
			// tombstone stands.
			return Result{Committed: false, Version: current.Version, Event: &current}, nil
		}
		tombstone := ch.Op == OpDelete
		if tombstone {
			// Deletes retain the payload; only the flag flips.
			ev = current
			ev.UpdatedAt = ch.Event.UpdatedAt
		}
		if ch.BaseVersion == current.Version {
			return c.commitEvent(ctx, origin, ev, current.Version, tombstone)
		}
		return c.resolveAndCommitEvent(ctx, origin, current, ev, tombstone)

	default:
		return Result{}, fmt.Errorf("submit event: unknown op %q", ch.Op)
	}
}

func (c *Controller) resolveAndCommitEvent(ctx context.Context, origin string, current, ev core.Event, tombstone bool) (Result, error) {
	winner, err := c.resolve(origin, current.UpdatedBy, current.UpdatedAt, ev.UpdatedAt)
	if err != nil {
		return Result{}, err
	}
	switch winner {
	case resolver.WinnerManual:
		conflict, err := c.recordConflict(ctx, core.KindEvent, current.ID, current.CalendarID, current, ev)
		if err != nil {
			return Result{}, err
		}
		return Result{Committed: false, Version: current.Version, Event: &current, Conflict: &conflict}, nil
	case resolver.WinnerIncumbent:
		return Result{Committed: false, Version: current.Version, Event: &current}, nil
	default:
		return c.commitEvent(ctx, origin, ev, current.Version, tombstone)
	}
}

func (c *Controller) commitEvent(ctx context.Context, origin string, ev core.Event, baseVersion uint64, tombstone bool) (Result, error) {
	ev.Version = baseVersion + 1
	ev.Deleted = tombstone
	if ev.UpdatedAt.IsZero() {
		ev.UpdatedAt = c.now().UTC()
	}
	ev.UpdatedBy = origin

	if err := c.store.PutEvent(ctx, ev); err != nil {
		return Result{}, fmt.Errorf("commit event %s: %w", ev.ID, err)
	}
	payload, err := json.Marshal(core.EventPayload{Event: ev})
	if err != nil {
		return Result{}, fmt.Errorf("commit event %s: %w", ev.ID, err)
	}
	if err := c.fanOut(ctx, origin, ev.CalendarID, core.Update{
		Type:          core.UpdateEventUpdate,
		EntityID:      ev.ID,
		EntityVersion: ev.Version,
		Payload:       payload,
	}, func(caps core.Capabilities) bool { return caps.EventWritable }); err != nil {
		return Result{}, err
	}
	return Result{Committed: true, Version: ev.Version, Event: &ev}, nil
}

func (c *Controller) submitCalendar(ctx context.Context, origin string, ch Change) (Result, error) {
	cal := *ch.Calendar
	if cal.ID == "" {
		if ch.Op != OpCreate {
			return Result{}, fmt.Errorf("submit calendar: id required")
		}
		cal.ID = "cal-" + uuid.NewString()
	}

	c.locks.Lock(cal.ID)
	defer c.locks.Unlock(cal.ID)

	current, err := c.store.GetCalendar(ctx, cal.ID)
	absent := errors.Is(err, core.ErrNotFound)
	if err != nil && !absent {
		return Result{}, fmt.Errorf("submit calendar: %w", err)
	}

	switch ch.Op {
	case OpCreate:
		if absent {
			return c.commitCalendar(ctx, origin, cal, 0, false)
		}
		if current.Deleted {
			return Result{Committed: false, Version: current.Version, Calendar: &current}, nil
		}
		if current.SameContent(cal) {
			return Result{Committed: false, Version: current.Version, Calendar: &current}, nil
		}
		return c.resolveAndCommitCalendar(ctx, origin, current, cal, false)

	case OpUpdate, OpDelete:
		if absent {
			return Result{}, fmt.Errorf("submit calendar %s: %w", cal.ID, core.ErrNotFound)
		}
		if current.Deleted {
			return Result{Committed: false, Version: current.Version, Calendar: &current}, nil
		}
		tombstone := ch.Op == OpDelete
		if tombstone {
			updatedAt := ch.Calendar.UpdatedAt
			cal = current
			cal.UpdatedAt = updatedAt
		}
		if ch.BaseVersion == current.Version {
			return c.commitCalendar(ctx, origin, cal, current.Version, tombstone)
		}
		return c.resolveAndCommitCalendar(ctx, origin, current, cal, tombstone)

	default:
		return Result{}, fmt.Errorf("submit calendar: unknown op %q", ch.Op)
	}
}

func (c *Controller) resolveAndCommitCalendar(ctx context.Context, origin string, current, cal core.Calendar, tombstone bool) (Result, error) {
	winner, err := c.resolve(origin, current.UpdatedBy, current.UpdatedAt, cal.UpdatedAt)
	if err != nil {
		return Result{}, err
	}
	switch winner {
	case resolver.WinnerManual:
		conflict, err := c.recordConflict(ctx, core.KindCalendar, current.ID, current.ID, current, cal)
		if err != nil {
			return Result{}, err
		}
		return Result{Committed: false, Version: current.Version, Calendar: &current, Conflict: &conflict}, nil
	case resolver.WinnerIncumbent:
		return Result{Committed: false, Version: current.Version, Calendar: &current}, nil
	default:
		return c.commitCalendar(ctx, origin, cal, current.Version, tombstone)
	}
}

func (c *Controller) commitCalendar(ctx context.Context, origin string, cal core.Calendar, baseVersion uint64, tombstone bool) (Result, error) {
	created := baseVersion == 0
	cal.Version = baseVersion + 1
	cal.Deleted = tombstone
	if cal.UpdatedAt.IsZero() {
		cal.UpdatedAt = c.now().UTC()
	}
	cal.UpdatedBy = origin

	if err := c.store.PutCalendar(ctx, cal); err != nil {
		return Result{}, fmt.Errorf("commit calendar %s: %w", cal.ID, err)
	}

	updateType := core.UpdateCalendarMetadata
	switch {
	case created:
		updateType = core.UpdateCalendarCreate
	case tombstone:
		updateType = core.UpdateCalendarDelete
	}
	payload, err := json.Marshal(core.CalendarPayload{Calendar: cal})
	if err != nil {
		return Result{}, fmt.Errorf("commit calendar %s: %w", cal.ID, err)
	}
	if err := c.fanOut(ctx, origin, cal.ID, core.Update{
		Type:          updateType,
		EntityID:      cal.ID,
		EntityVersion: cal.Version,
		Payload:       payload,
	}, func(caps core.Capabilities) bool { return caps.MetadataWritable }); err != nil {
		return Result{}, err
	}
	return Result{Committed: true, Version: cal.Version, Calendar: &cal}, nil
}

func (c *Controller) resolve(origin, incumbentBy string, incumbentAt, challengerAt time.Time) (resolver.Winner, error) {
	if challengerAt.IsZero() {
		challengerAt = c.now().UTC()
	}
	winner, err := resolver.Resolve(c.policy,
		resolver.Candidate{Origin: incumbentBy, UpdatedAt: incumbentAt.UnixNano()},
		resolver.Candidate{Origin: origin, UpdatedAt: challengerAt.UnixNano()},
	)
	if err != nil {
		return winner, fmt.Errorf("resolve conflict: %w", err)
	}
	return winner, nil
}

func (c *Controller) recordConflict(ctx context.Context, kind core.EntityKind, entityID, calendarID string, incumbent, challenger any) (core.Conflict, error) {
	incJSON, err := json.Marshal(incumbent)
	if err != nil {
		return core.Conflict{}, fmt.Errorf("record conflict: %w", err)
	}
	chJSON, err := json.Marshal(challenger)
	if err != nil {
		return core.Conflict{}, fmt.Errorf("record conflict: %w", err)
	}
	conflict := core.Conflict{
		ID:         uuid.NewString(),
		Kind:       kind,
		EntityID:   entityID,
		CalendarID: calendarID,
		Incumbent:  incJSON,
		Challenger: chJSON,
		Policy:     c.policy,
		CreatedAt:  c.now().UTC(),
	}
	return c.store.AppendConflict(ctx, conflict)
}

// fanOut enqueues one update for every agent other than origin whose
// declared sources reference calendarID with the required write
// capability. An agent bound read-only to the calendar is deliberately
// skipped: it could never apply the change at its provider, so queuing
// it would only accumulate dead letters. Fan-out to N agents is N
// independent enqueues; enqueue dedupes on (agent, entity, version),
// so a crash-resume re-run is a safe no-op.
func (c *Controller) fanOut(ctx context.Context, origin, calendarID string, u core.Update, writable func(core.Capabilities) bool) error {
	agents, err := c.store.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("fan-out: %w", err)
	}
	for _, agent := range agents {
		if agent.ID == origin {
			continue
		}
		target := false
		for _, src := range agent.SourcesForCalendar(calendarID) {
			if writable(src.Capabilities) {
				target = true
				break
			}
		}
		if !target {
			continue
		}
		u.AgentID = agent.ID
		u.ID = ""
		if _, err := c.queue.Enqueue(ctx, u); err != nil {
			return fmt.Errorf("fan-out to %s: %w", agent.ID, err)
		}
	}
	return nil
}
