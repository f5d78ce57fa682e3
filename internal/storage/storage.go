package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mistakeknot/converge/internal/core"
)

// Store is the persistence boundary for the sync engine. Implementations
// must provide atomic per-call read/write semantics; serialization of
// read-modify-write cycles per entity or per agent is the caller's job
// (keyed locks in the controller and queue).
type Store interface {
	// Agents
	UpsertAgent(ctx context.Context, agent core.Agent) (core.Agent, error)
	GetAgent(ctx context.Context, id string) (core.Agent, error)
	ListAgents(ctx context.Context) ([]core.Agent, error)
	ListAgentsSeenSince(ctx context.Context, since time.Time) ([]core.Agent, error)
	SetAgentStatus(ctx context.Context, id string, status core.AgentStatus) error
	DeleteAgent(ctx context.Context, id string) error

	// Calendars
	PutCalendar(ctx context.Context, cal core.Calendar) error
	GetCalendar(ctx context.Context, id string) (core.Calendar, error)
	ListCalendars(ctx context.Context) ([]core.Calendar, error)

	// Events
	PutEvent(ctx context.Context, ev core.Event) error
	GetEvent(ctx context.Context, id string) (core.Event, error)
	ListEvents(ctx context.Context, calendarID string) ([]core.Event, error)

	// Updates. AppendUpdate assigns the per-agent FIFO sequence;
	// ListUpdates returns rows in sequence order.
	AppendUpdate(ctx context.Context, u core.Update) (core.Update, error)
	GetUpdate(ctx context.Context, agentID, updateID string) (core.Update, error)
	PutUpdate(ctx context.Context, u core.Update) error
	ListUpdates(ctx context.Context, agentID string, statuses []core.UpdateStatus, limit int) ([]core.Update, error)
	HasUpdateForVersion(ctx context.Context, agentID, entityID string, version uint64) (bool, error)
	CountUpdates(ctx context.Context, agentID string, status core.UpdateStatus) (int, error)

	// Conflicts
	AppendConflict(ctx context.Context, c core.Conflict) (core.Conflict, error)
	GetConflict(ctx context.Context, id string) (core.Conflict, error)
	ListOpenConflicts(ctx context.Context) ([]core.Conflict, error)
	PutConflict(ctx context.Context, c core.Conflict) error

	Close() error
}

// InMemory is a mutex-guarded in-memory store for tests.
type InMemory struct {
	mu        sync.Mutex
	seq       uint64
	agents    map[string]core.Agent
	calendars map[string]core.Calendar
	events    map[string]core.Event
	updates   map[string]core.Update // update id -> update
	conflicts map[string]core.Conflict
}

var _ Store = (*InMemory)(nil)

func NewInMemory() *InMemory {
	return &InMemory{
		agents:    make(map[string]core.Agent),
		calendars: make(map[string]core.Calendar),
		events:    make(map[string]core.Event),
		updates:   make(map[string]core.Update),
		conflicts: make(map[string]core.Conflict),
	}
}

func (m *InMemory) UpsertAgent(_ context.Context, agent core.Agent) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[agent.ID] = agent
	return agent, nil
}

func (m *InMemory) GetAgent(_ context.Context, id string) (core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return core.Agent{}, core.ErrNotFound
	}
	return agent, nil
}

func (m *InMemory) ListAgents(_ context.Context) ([]core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) ListAgentsSeenSince(_ context.Context, since time.Time) ([]core.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Agent
	for _, a := range m.agents {
		if !a.LastSeen.Before(since) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) SetAgentStatus(_ context.Context, id string, status core.AgentStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[id]
	if !ok {
		return core.ErrNotFound
	}
	agent.Status = status
	m.agents[id] = agent
	return nil
}

func (m *InMemory) DeleteAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[id]; !ok {
		return core.ErrNotFound
	}
	delete(m.agents, id)
	return nil
}

func (m *InMemory) PutCalendar(_ context.Context, cal core.Calendar) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calendars[cal.ID] = cal
	return nil
}

func (m *InMemory) GetCalendar(_ context.Context, id string) (core.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cal, ok := m.calendars[id]
	if !ok {
		return core.Calendar{}, core.ErrNotFound
	}
	return cal, nil
}

func (m *InMemory) ListCalendars(_ context.Context) ([]core.Calendar, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]core.Calendar, 0, len(m.calendars))
	for _, c := range m.calendars {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) PutEvent(_ context.Context, ev core.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.ID] = ev
	return nil
}

func (m *InMemory) GetEvent(_ context.Context, id string) (core.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[id]
	if !ok {
		return core.Event{}, core.ErrNotFound
	}
	return ev, nil
}

func (m *InMemory) ListEvents(_ context.Context, calendarID string) ([]core.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Event
	for _, ev := range m.events {
		if calendarID == "" || ev.CalendarID == calendarID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) AppendUpdate(_ context.Context, u core.Update) (core.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	u.Seq = m.seq
	m.updates[u.ID] = u
	return u, nil
}

func (m *InMemory) GetUpdate(_ context.Context, agentID, updateID string) (core.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.updates[updateID]
	if !ok || u.AgentID != agentID {
		return core.Update{}, core.ErrNotFound
	}
	return u, nil
}

func (m *InMemory) PutUpdate(_ context.Context, u core.Update) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.updates[u.ID]; !ok {
		return core.ErrNotFound
	}
	m.updates[u.ID] = u
	return nil
}

func (m *InMemory) ListUpdates(_ context.Context, agentID string, statuses []core.UpdateStatus, limit int) ([]core.Update, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	match := func(s core.UpdateStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}
	var out []core.Update
	for _, u := range m.updates {
		if u.AgentID == agentID && match(u.Status) {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *InMemory) HasUpdateForVersion(_ context.Context, agentID, entityID string, version uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.updates {
		if u.AgentID == agentID && u.EntityID == entityID && u.EntityVersion == version {
			return true, nil
		}
	}
	return false, nil
}

func (m *InMemory) CountUpdates(_ context.Context, agentID string, status core.UpdateStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int
	for _, u := range m.updates {
		if u.AgentID == agentID && u.Status == status {
			n++
		}
	}
	return n, nil
}

func (m *InMemory) AppendConflict(_ context.Context, c core.Conflict) (core.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[c.ID] = c
	return c, nil
}

func (m *InMemory) GetConflict(_ context.Context, id string) (core.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conflicts[id]
	if !ok {
		return core.Conflict{}, core.ErrNotFound
	}
	return c, nil
}

func (m *InMemory) ListOpenConflicts(_ context.Context) ([]core.Conflict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []core.Conflict
	for _, c := range m.conflicts {
		if !c.Resolved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) PutConflict(_ context.Context, c core.Conflict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conflicts[c.ID]; !ok {
		return core.ErrNotFound
	}
	m.conflicts[c.ID] = c
	return nil
}

func (m *InMemory) Close() error { return nil }
