package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/resolver"
)

// HeartbeatRequest is an agent's periodic check-in: liveness, the
// wholesale source declaration, locally observed provider changes, and
// the server-time cursor echoed from the previous heartbeat.
type HeartbeatRequest struct {
	AgentID        string        `json:"agent_id"`
	Name           string        `json:"agent_name,omitempty"`
	Environment    string        `json:"environment,omitempty"`
	Sources        []core.Source `json:"declared_sources,omitempty"`
	Changes        []Change      `json:"locally_observed_changes,omitempty"`
	EchoServerTime time.Time     `json:"echo_server_time,omitempty"`
	MaxUpdates     int           `json:"max_updates,omitempty"`
}

// ChangeOutcome reports how one locally observed change fared. A
// rejected change carries its error text instead of failing the whole
// heartbeat.
type ChangeOutcome struct {
	EntityID  string `json:"entity_id,omitempty"`
	Version   uint64 `json:"version,omitempty"`
	Committed bool   `json:"committed"`
	Error     string `json:"error,omitempty"`
}

type HeartbeatResponse struct {
	Agent   core.Agent      `json:"agent"`
	Results []ChangeOutcome `json:"results,omitempty"`
	Updates []core.Update   `json:"updates"`
	// ServerTime is a lightweight cursor the agent must echo on its
	// next heartbeat; it is not a causal clock.
	ServerTime time.Time `json:"server_time"`
}

// Heartbeat touches the registry, submits each locally observed change
// with the agent as origin, then drains the agent's queue.
func (c *Controller) Heartbeat(ctx context.Context, req HeartbeatRequest) (HeartbeatResponse, error) {
	if req.AgentID == "" {
		return HeartbeatResponse{}, fmt.Errorf("heartbeat: agent id required")
	}
	agent, err := c.reg.RegisterOrTouch(ctx, core.Agent{
		ID:          req.AgentID,
		Name:        req.Name,
		Environment: req.Environment,
		Sources:     req.Sources,
	})
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("heartbeat: %w", err)
	}

	results := make([]ChangeOutcome, 0, len(req.Changes))
	for _, ch := range req.Changes {
		outcome := c.applyObserved(ctx, agent, ch)
		results = append(results, outcome)
	}

	updates, err := c.queue.Drain(ctx, req.AgentID, req.MaxUpdates)
	if err != nil {
		return HeartbeatResponse{}, fmt.Errorf("heartbeat drain: %w", err)
	}
	return HeartbeatResponse{
		Agent:      agent,
		Results:    results,
		Updates:    updates,
		ServerTime: c.now().UTC(),
	}, nil
}

func (c *Controller) applyObserved(ctx context.Context, agent core.Agent, ch Change) ChangeOutcome {
	if err := c.checkCapability(agent, ch); err != nil {
		return ChangeOutcome{Error: err.Error()}
	}
	res, err := c.SubmitChange(ctx, agent.ID, ch)
	if err != nil {
		return ChangeOutcome{Error: err.Error()}
	}
	out := ChangeOutcome{Committed: res.Committed, Version: res.Version}
	switch {
	case res.Event != nil:
		out.EntityID = res.Event.ID
	case res.Calendar != nil:
		out.EntityID = res.Calendar.ID
	}
	return out
}

// checkCapability rejects an agent-originated change whose declared
// source lacks the matching write capability. No update is generated
// for a rejected change.
func (c *Controller) checkCapability(agent core.Agent, ch Change) error {
	calendarID := ""
	switch {
	case ch.Event != nil:
		calendarID = ch.Event.CalendarID
	case ch.Calendar != nil:
		calendarID = ch.Calendar.ID
	}

	var candidates []core.Source
	if ch.SourceID != "" {
		src, ok := agent.SourceFor(ch.SourceID)
		if !ok {
			return fmt.Errorf("source %s: %w", ch.SourceID, core.ErrNotFound)
		}
		candidates = []core.Source{src}
	} else {
		candidates = agent.SourcesForCalendar(calendarID)
		if len(candidates) == 0 && ch.Kind == core.KindCalendar && ch.Op == OpCreate {
			// A brand-new calendar has no bindings yet; the binding
			// arrives with the next source declaration.
			return nil
		}
	}

	for _, src := range candidates {
		if ch.Kind == core.KindEvent && src.Capabilities.EventWritable {
			return nil
		}
		if ch.Kind == core.KindCalendar && src.Capabilities.MetadataWritable {
			return nil
		}
	}
	return fmt.Errorf("agent %s cannot write %s changes for calendar %s: %w",
		agent.ID, ch.Kind, calendarID, core.ErrCapabilityDenied)
}

// Ack is one per-update acknowledgment from an agent.
type Ack struct {
	UpdateID string       `json:"update_id"`
	Outcome  core.Outcome `json:"outcome"`
}

// AcknowledgeUpdates forwards each acknowledgment to the queue. A
// processed outcome also advances last_synced_version on the agent's
// sources bound to the update's calendar.
func (c *Controller) AcknowledgeUpdates(ctx context.Context, agentID string, acks []Ack) error {
	for _, ack := range acks {
		if err := c.queue.Acknowledge(ctx, agentID, ack.UpdateID, ack.Outcome); err != nil {
			return err
		}
		if ack.Outcome == core.OutcomeProcessed {
			if err := c.advanceSyncedVersion(ctx, agentID, ack.UpdateID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Controller) advanceSyncedVersion(ctx context.Context, agentID, updateID string) error {
	u, err := c.store.GetUpdate(ctx, agentID, updateID)
	if err != nil {
		return err
	}
	calendarID := calendarIDForUpdate(u)
	if calendarID == "" || u.EntityVersion == 0 {
		return nil
	}
	agent, err := c.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	changed := false
	for i, src := range agent.Sources {
		if src.CalendarID == calendarID && src.LastSyncedVersion < u.EntityVersion {
			agent.Sources[i].LastSyncedVersion = u.EntityVersion
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return c.reg.UpdateSources(ctx, agentID, agent.Sources)
}

func calendarIDForUpdate(u core.Update) string {
	switch u.Type {
	case core.UpdateEventUpdate:
		var p core.EventPayload
		if err := json.Unmarshal(u.Payload, &p); err != nil {
			return ""
		}
		return p.Event.CalendarID
	case core.UpdateCalendarMetadata, core.UpdateCalendarCreate, core.UpdateCalendarDelete:
		return u.EntityID
	default:
		return ""
	}
}

// AgentReport combines registry liveness with queue health for one
// agent, including its dead-lettered updates.
type AgentReport struct {
	Agent       core.Agent    `json:"agent"`
	Queue       queue.Stats   `json:"queue"`
	DeadLetters []core.Update `json:"dead_letters,omitempty"`
}

func (c *Controller) AgentReport(ctx context.Context, agentID string) (AgentReport, error) {
	agent, err := c.reg.StatusOf(ctx, agentID)
	if err != nil {
		return AgentReport{}, err
	}
	stats, err := c.queue.StatsFor(ctx, agentID)
	if err != nil {
		return AgentReport{}, err
	}
	dead, err := c.queue.DeadLetters(ctx, agentID)
	if err != nil {
		return AgentReport{}, err
	}
	return AgentReport{Agent: agent, Queue: stats, DeadLetters: dead}, nil
}

// PushSyncConfig queues a sync_config update for the target agents, or
// for every known agent when targets is empty. Returns the number of
// agents queued.
func (c *Controller) PushSyncConfig(ctx context.Context, settings map[string]string, targets []string) (int, error) {
	payload, err := json.Marshal(core.SyncConfigPayload{Settings: settings})
	if err != nil {
		return 0, fmt.Errorf("push sync config: %w", err)
	}
	if len(targets) == 0 {
		agents, err := c.store.ListAgents(ctx)
		if err != nil {
			return 0, fmt.Errorf("push sync config: %w", err)
		}
		for _, a := range agents {
			targets = append(targets, a.ID)
		}
	}
	var queued int
	for _, agentID := range targets {
		if _, err := c.store.GetAgent(ctx, agentID); err != nil {
			return queued, fmt.Errorf("push sync config to %s: %w", agentID, err)
		}
		if _, err := c.queue.Enqueue(ctx, core.Update{
			AgentID: agentID,
			Type:    core.UpdateSyncConfig,
			Payload: payload,
		}); err != nil {
			return queued, fmt.Errorf("push sync config to %s: %w", agentID, err)
		}
		queued++
	}
	return queued, nil
}

// ResolveConflict settles a recorded manual conflict. Choosing the
// challenger commits it as a new version and fans it out; choosing the
// incumbent just closes the conflict.
func (c *Controller) ResolveConflict(ctx context.Context, conflictID string, winner string) (Result, error) {
	conflict, err := c.store.GetConflict(ctx, conflictID)
	if err != nil {
		return Result{}, err
	}
	if conflict.Resolved {
		return Result{}, fmt.Errorf("conflict %s already resolved as %s: %w", conflictID, conflict.Resolution, core.ErrVersionConflict)
	}
	if winner != resolver.WinnerIncumbent.String() && winner != resolver.WinnerChallenger.String() {
		return Result{}, fmt.Errorf("resolve conflict: winner must be incumbent or challenger, got %q", winner)
	}

	res := Result{Committed: false}
	resolution := winner
	if winner == resolver.WinnerChallenger.String() {
		var tombstoned bool
		res, tombstoned, err = c.commitConflictChallenger(ctx, conflict)
		if err != nil {
			return Result{}, err
		}
		if tombstoned {
			// The entity was deleted while the conflict sat open. The
			// tombstone stands; only a new create can replace it.
			resolution = resolver.WinnerIncumbent.String()
		}
	}

	conflict.Resolved = true
	conflict.Resolution = resolution
	if err := c.store.PutConflict(ctx, conflict); err != nil {
		return Result{}, fmt.Errorf("resolve conflict %s: %w", conflictID, err)
	}
	return res, nil
}

// commitConflictChallenger re-commits the stored challenger at the
// entity's current version. When the entity was tombstoned after the
// conflict was recorded, it reports tombstoned instead of committing:
// the challenger must not resurrect a deleted entity.
func (c *Controller) commitConflictChallenger(ctx context.Context, conflict core.Conflict) (Result, bool, error) {
	switch conflict.Kind {
	case core.KindEvent:
		var ev core.Event
		if err := json.Unmarshal(conflict.Challenger, &ev); err != nil {
			return Result{}, false, fmt.Errorf("resolve conflict %s: %w", conflict.ID, err)
		}
		c.locks.Lock(ev.ID)
		defer c.locks.Unlock(ev.ID)
		current, err := c.store.GetEvent(ctx, ev.ID)
		if err != nil {
			return Result{}, false, fmt.Errorf("resolve conflict %s: %w", conflict.ID, err)
		}
		if current.Deleted {
			return Result{Committed: false, Version: current.Version}, true, nil
		}
		res, err := c.commitEvent(ctx, core.OriginAPI, ev, current.Version, ev.Deleted)
		return res, false, err
	case core.KindCalendar:
		var cal core.Calendar
		if err := json.Unmarshal(conflict.Challenger, &cal); err != nil {
			return Result{}, false, fmt.Errorf("resolve conflict %s: %w", conflict.ID, err)
		}
		c.locks.Lock(cal.ID)
		defer c.locks.Unlock(cal.ID)
		current, err := c.store.GetCalendar(ctx, cal.ID)
		if err != nil {
			return Result{}, false, fmt.Errorf("resolve conflict %s: %w", conflict.ID, err)
		}
		if current.Deleted {
			return Result{Committed: false, Version: current.Version}, true, nil
		}
		res, err := c.commitCalendar(ctx, core.OriginAPI, cal, current.Version, cal.Deleted)
		return res, false, err
	default:
		return Result{}, false, fmt.Errorf("resolve conflict %s: unknown kind %q", conflict.ID, conflict.Kind)
	}
}

// OpenConflicts lists unresolved manual conflicts.
func (c *Controller) OpenConflicts(ctx context.Context) ([]core.Conflict, error) {
	return c.store.ListOpenConflicts(ctx)
}
