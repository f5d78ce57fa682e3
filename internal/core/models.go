package core

import (
	"encoding/json"
	"time"
)

// OriginAPI is the origin label for changes submitted through the HTTP
// API rather than reported by an agent's provider source.
const OriginAPI = "api"

type ProviderType string

const (
	ProviderOutlook       ProviderType = "outlook"
	ProviderOutlookMac    ProviderType = "outlook_mac"
	ProviderMacOSCalendar ProviderType = "macos_calendar"
	ProviderGoogle        ProviderType = "google"
	ProviderMicrosoft     ProviderType = "microsoft"
	ProviderExchange      ProviderType = "exchange"
	ProviderApple         ProviderType = "apple"
)

// Capabilities are the per-source write permissions an agent declares.
type Capabilities struct {
	MetadataWritable bool `json:"metadata_writable"`
	EventWritable    bool `json:"event_writable"`
}

// Source is one provider-specific calendar as seen by one agent. It is
// bound to exactly one canonical Calendar via CalendarID.
type Source struct {
	ID                 string       `json:"source_id"`
	Provider           ProviderType `json:"provider_type"`
	ExternalCalendarID string       `json:"external_calendar_id"`
	CalendarID         string       `json:"calendar_id"`
	Capabilities       Capabilities `json:"capabilities"`
	LastSyncedVersion  uint64       `json:"last_synced_version"`
}

type AgentStatus string

const (
	AgentActive      AgentStatus = "active"
	AgentStale       AgentStatus = "stale"
	AgentUnreachable AgentStatus = "unreachable"
)

// Agent is one remote or local sync client. Agents are never deleted
// automatically; removal is an explicit administrative action.
type Agent struct {
	ID          string      `json:"agent_id"`
	Name        string      `json:"agent_name"`
	Environment string      `json:"environment"`
	Sources     []Source    `json:"declared_sources"`
	Status      AgentStatus `json:"status"`
	LastSeen    time.Time   `json:"last_seen_at"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SourceFor returns the declared source with the given id.
func (a Agent) SourceFor(sourceID string) (Source, bool) {
	for _, src := range a.Sources {
		if src.ID == sourceID {
			return src, true
		}
	}
	return Source{}, false
}

// SourcesForCalendar returns every declared source bound to the given
// canonical calendar.
func (a Agent) SourcesForCalendar(calendarID string) []Source {
	var out []Source
	for _, src := range a.Sources {
		if src.CalendarID == calendarID {
			out = append(out, src)
		}
	}
	return out
}

// Calendar is the canonical, destination-facing representation of a
// calendar grouping. Version increases monotonically on every accepted
// mutation; deleted calendars are retained as tombstones.
type Calendar struct {
	ID          string    `json:"calendar_id"`
	Name        string    `json:"name"`
	Color       string    `json:"color,omitempty"`
	Description string    `json:"description,omitempty"`
	Version     uint64    `json:"version"`
	Deleted     bool      `json:"deleted,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	UpdatedBy   string    `json:"updated_by"`
}

// SameContent reports whether two calendars carry identical
// user-visible fields, ignoring version bookkeeping.
func (c Calendar) SameContent(o Calendar) bool {
	return c.Name == o.Name && c.Color == o.Color && c.Description == o.Description
}

// Event is the canonical representation of a calendar item. The
// recurrence rule is an opaque string compared verbatim; the engine
// does not interpret calendar semantics.
type Event struct {
	ID             string    `json:"event_id"`
	CalendarID     string    `json:"calendar_id"`
	Title          string    `json:"title"`
	Start          time.Time `json:"start_time"`
	End            time.Time `json:"end_time"`
	Location       string    `json:"location,omitempty"`
	Description    string    `json:"description,omitempty"`
	RecurrenceRule string    `json:"recurrence_rule,omitempty"`
	Version        uint64    `json:"version"`
	Deleted        bool      `json:"deleted,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
	UpdatedBy      string    `json:"updated_by"`
}

// SameContent reports whether two events carry identical user-visible
// fields, ignoring version bookkeeping.
func (e Event) SameContent(o Event) bool {
	return e.CalendarID == o.CalendarID &&
		e.Title == o.Title &&
		e.Start.Equal(o.Start) &&
		e.End.Equal(o.End) &&
		e.Location == o.Location &&
		e.Description == o.Description &&
		e.RecurrenceRule == o.RecurrenceRule
}

type UpdateType string

const (
	UpdateCalendarMetadata UpdateType = "calendar_metadata"
	UpdateCalendarCreate   UpdateType = "calendar_create"
	UpdateCalendarDelete   UpdateType = "calendar_delete"
	UpdateEventUpdate      UpdateType = "event_update"
	UpdateSyncConfig       UpdateType = "sync_config"
)

type UpdateStatus string

const (
	UpdatePending   UpdateStatus = "pending"
	UpdateDelivered UpdateStatus = "delivered"
	UpdateProcessed UpdateStatus = "processed"
	// UpdateFailed marks a dead-lettered update that exhausted its
	// retry budget and needs operator attention.
	UpdateFailed UpdateStatus = "failed"
)

// Update is one unit of work queued for one agent. Payloads are full
// value sets, never deltas, so redelivery is safe to apply twice.
type Update struct {
	ID      string     `json:"update_id"`
	AgentID string     `json:"agent_id"`
	Type    UpdateType `json:"type"`
	// EntityID and EntityVersion identify the committed entity state
	// the payload carries; re-running fan-out for an already queued
	// version is a no-op keyed on them.
	EntityID      string          `json:"entity_id,omitempty"`
	EntityVersion uint64          `json:"entity_version,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Status        UpdateStatus    `json:"status"`
	Attempts      int             `json:"attempts"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   time.Time       `json:"processed_at,omitempty"`
	// Seq is the storage-assigned per-append cursor; FIFO order per
	// agent is delivery order by Seq.
	Seq uint64 `json:"-"`
}

// CalendarPayload is the payload for calendar_metadata, calendar_create
// and calendar_delete updates.
type CalendarPayload struct {
	Calendar Calendar `json:"calendar"`
}

// EventPayload is the payload for event_update updates.
type EventPayload struct {
	Event Event `json:"event"`
}

// SyncConfigPayload is the payload for sync_config updates.
type SyncConfigPayload struct {
	Settings map[string]string `json:"settings"`
}

// Outcome is an agent's per-update acknowledgment result.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeFailed    Outcome = "failed"
)

// Policy selects how concurrent edits to the same entity are resolved.
type Policy string

const (
	PolicySourceWins      Policy = "source_wins"
	PolicyDestinationWins Policy = "destination_wins"
	PolicyLatestWins      Policy = "latest_wins"
	PolicyManual          Policy = "manual"
)

type EntityKind string

const (
	KindCalendar EntityKind = "calendar"
	KindEvent    EntityKind = "event"
)

// Conflict records both versions of a concurrent edit that the manual
// policy declined to resolve automatically.
type Conflict struct {
	ID         string          `json:"conflict_id"`
	Kind       EntityKind      `json:"entity_kind"`
	EntityID   string          `json:"entity_id"`
	CalendarID string          `json:"calendar_id,omitempty"`
	Incumbent  json.RawMessage `json:"incumbent"`
	Challenger json.RawMessage `json:"challenger"`
	Policy     Policy          `json:"policy"`
	Resolved   bool            `json:"resolved"`
	Resolution string          `json:"resolution,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
