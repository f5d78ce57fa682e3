package controller

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/registry"
	"github.com/mistakeknot/converge/internal/storage"
)

type fixture struct {
	ctrl  *Controller
	store *storage.InMemory
	reg   *registry.Registry
	queue *queue.Queue
}

func newFixture(t *testing.T, policy core.Policy) *fixture {
	t.Helper()
	st := storage.NewInMemory()
	reg := registry.New(st, registry.Config{StaleAfter: 5 * time.Minute, UnreachableAfter: 30 * time.Minute})
	q := queue.New(st, queue.Config{MaxAttempts: 3, DrainBatch: 50})
	return &fixture{
		ctrl:  New(st, reg, q, policy),
		store: st,
		reg:   reg,
		queue: q,
	}
}

// bindAgent registers an agent with one source bound to calendarID,
// writable for both events and metadata.
func (f *fixture) bindAgent(t *testing.T, agentID, calendarID string) {
	t.Helper()
	_, err := f.reg.RegisterOrTouch(context.Background(), core.Agent{
		ID: agentID,
		Sources: []core.Source{{
			ID:         agentID + "-src",
			Provider:   core.ProviderGoogle,
			CalendarID: calendarID,
			Capabilities: core.Capabilities{
				MetadataWritable: true,
				EventWritable:    true,
			},
		}},
	})
	if err != nil {
		t.Fatalf("bind agent %s: %v", agentID, err)
	}
}

func (f *fixture) createCalendar(t *testing.T, id string) core.Calendar {
	t.Helper()
	res, err := f.ctrl.SubmitChange(context.Background(), core.OriginAPI, Change{
		Kind:     core.KindCalendar,
		Op:       OpCreate,
		Calendar: &core.Calendar{ID: id, Name: id},
	})
	if err != nil {
		t.Fatalf("create calendar: %v", err)
	}
	if !res.Committed || res.Version != 1 {
		t.Fatalf("expected committed v1, got %+v", res)
	}
	return *res.Calendar
}

func standup(calendarID string) core.Event {
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return core.Event{
		CalendarID: calendarID,
		Title:      "Standup",
		Start:      start,
		End:        start.Add(30 * time.Minute),
	}
}

func TestSubmitEventAssignsFingerprintID(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	f.createCalendar(t, "cal-1")

	ev := standup("cal-1")
	res, err := f.ctrl.SubmitChange(context.Background(), core.OriginAPI, Change{
		Kind: core.KindEvent, Op: OpCreate, Event: &ev,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Event.ID != ev.Fingerprint() {
		t.Fatalf("expected fingerprint id %s, got %s", ev.Fingerprint(), res.Event.ID)
	}
	if res.Version != 1 {
		t.Fatalf("expected version 1, got %d", res.Version)
	}
}

func TestDuplicateCreateFromOtherProviderIsNoOp(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	f.createCalendar(t, "cal-1")
	ctx := context.Background()

	ev := standup("cal-1")
	if _, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	// Same meeting ingested again, identical fields: not a duplicate.
	again := standup("cal-1")
	res, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &again})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if res.Committed {
		t.Fatalf("identical re-ingestion must not commit")
	}
	if res.Version != 1 {
		t.Fatalf("version moved on no-op: %d", res.Version)
	}

	events, _ := f.store.ListEvents(ctx, "cal-1")
	if len(events) != 1 {
		t.Fatalf("duplicate create produced %d events", len(events))
	}
}

func TestVersionsMonotonicGapFree(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	f.createCalendar(t, "cal-1")
	ctx := context.Background()

	ev := standup("cal-1")
	res, _ := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})

	want := uint64(1)
	for i := 0; i < 5; i++ {
		next := *res.Event
		next.Location = "Room " + string(rune('A'+i))
		res2, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{
			Kind: core.KindEvent, Op: OpUpdate, BaseVersion: res.Version, Event: &next,
		})
		if err != nil {
			t.Fatalf("update %d: %v", i, err)
		}
		want++
		if res2.Version != want {
			t.Fatalf("expected version %d, got %d", want, res2.Version)
		}
		res = res2
	}
}

// Scenario from the sync contract: agent A submits an event update at
// base_version 3; B and C are bound to the calendar; each gets exactly
// one update and A's own queue stays empty.
func TestFanOutCompleteNoSelfDelivery(t *testing.T) {
	f := newFixture(t, core.PolicySourceWins)
	f.createCalendar(t, "cal-1")
	ctx := context.Background()

	f.bindAgent(t, "agent-a", "cal-1")
	f.bindAgent(t, "agent-b", "cal-1")
	f.bindAgent(t, "agent-c", "cal-1")
	f.bindAgent(t, "agent-d", "cal-2") // not affected

	// Bring the event to version 3.
	ev := standup("cal-1")
	res, _ := f.ctrl.SubmitChange(ctx, "agent-a", Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})
	for res.Version < 3 {
		next := *res.Event
		next.Description = "rev"
		res, _ = f.ctrl.SubmitChange(ctx, "agent-a", Change{Kind: core.KindEvent, Op: OpUpdate, BaseVersion: res.Version, Event: &next})
	}

	// Clear queues accumulated while versioning up.
	for _, agent := range []string{"agent-b", "agent-c"} {
		batch, _ := f.queue.Drain(ctx, agent, 50)
		for _, u := range batch {
			_ = f.queue.Acknowledge(ctx, agent, u.ID, core.OutcomeProcessed)
		}
	}

	next := *res.Event
	next.Location = "Room 4"
	res2, err := f.ctrl.SubmitChange(ctx, "agent-a", Change{
		Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 3, Event: &next,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !res2.Committed || res2.Version != 4 {
		t.Fatalf("expected commit at version 4, got %+v", res2)
	}

	for _, agent := range []string{"agent-b", "agent-c"} {
		pending, _ := f.queue.Pending(ctx, agent)
		if len(pending) != 1 {
			t.Fatalf("%s: expected exactly 1 pending update, got %d", agent, len(pending))
		}
		if pending[0].Type != core.UpdateEventUpdate || pending[0].EntityVersion != 4 {
			t.Fatalf("%s: wrong update %+v", agent, pending[0])
		}
	}
	for _, agent := range []string{"agent-a", "agent-d"} {
		pending, _ := f.queue.Pending(ctx, agent)
		if len(pending) != 0 {
			t.Fatalf("%s: expected empty queue, got %d updates", agent, len(pending))
		}
	}
}

func TestStaleWriteRoutedThroughResolver(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	f.createCalendar(t, "cal-1")
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	ev := standup("cal-1")
	ev.UpdatedAt = base
	res, _ := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})

	// Two writers both read version 1. The first commits normally.
	first := *res.Event
	first.Location = "Room 1"
	first.UpdatedAt = base.Add(time.Minute)
	res1, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 1, Event: &first})
	if err != nil || !res1.Committed || res1.Version != 2 {
		t.Fatalf("first writer: %+v err=%v", res1, err)
	}

	// The second declares the same base but edited later: it wins and
	// commits as the next version.
	second := *res.Event
	second.Location = "Room 2"
	second.UpdatedAt = base.Add(2 * time.Minute)
	res2, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 1, Event: &second})
	if err != nil {
		t.Fatalf("second writer: %v", err)
	}
	if !res2.Committed || res2.Version != 3 {
		t.Fatalf("later edit should win and commit, got %+v", res2)
	}
	if res2.Event.Location != "Room 2" {
		t.Fatalf("winner fields lost: %+v", res2.Event)
	}

	// A third writer with an older edit loses; the incumbent stands.
	third := *res.Event
	third.Location = "Room 3"
	third.UpdatedAt = base.Add(time.Second)
	res3, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 1, Event: &third})
	if err != nil {
		t.Fatalf("third writer: %v", err)
	}
	if res3.Committed {
		t.Fatalf("stale edit must not commit")
	}
	if res3.Event.Location != "Room 2" {
		t.Fatalf("incumbent fields lost: %+v", res3.Event)
	}
}

func TestManualPolicyRecordsConflictWithoutFanOut(t *testing.T) {
	f := newFixture(t, core.PolicyManual)
	f.createCalendar(t, "cal-1")
	ctx := context.Background()
	f.bindAgent(t, "agent-b", "cal-1")

	ev := standup("cal-1")
	res, _ := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})

	// Drain the create fan-out so the queue is clean.
	batch, _ := f.queue.Drain(ctx, "agent-b", 50)
	for _, u := range batch {
		_ = f.queue.Acknowledge(ctx, "agent-b", u.ID, core.OutcomeProcessed)
	}

	conflicting := *res.Event
	conflicting.Location = "Elsewhere"
	res2, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 0, Event: &conflicting})
	if err != nil {
		t.Fatalf("conflicting submit: %v", err)
	}
	if res2.Committed || res2.Conflict == nil {
		t.Fatalf("expected recorded conflict, got %+v", res2)
	}

	pending, _ := f.queue.Pending(ctx, "agent-b")
	if len(pending) != 0 {
		t.Fatalf("no update may be fanned out before resolution, got %d", len(pending))
	}

	open, _ := f.ctrl.OpenConflicts(ctx)
	if len(open) != 1 {
		t.Fatalf("expected 1 open conflict, got %d", len(open))
	}

	// Resolving for the challenger commits and fans out.
	resolved, err := f.ctrl.ResolveConflict(ctx, res2.Conflict.ID, "challenger")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !resolved.Committed || resolved.Version != 2 {
		t.Fatalf("expected challenger committed at v2, got %+v", resolved)
	}
	pending, _ = f.queue.Pending(ctx, "agent-b")
	if len(pending) != 1 {
		t.Fatalf("expected fan-out after resolution, got %d", len(pending))
	}
	open, _ = f.ctrl.OpenConflicts(ctx)
	if len(open) != 0 {
		t.Fatalf("conflict still open after resolution")
	}
}

func TestTombstoneRejectsStaleWrites(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	f.createCalendar(t, "cal-1")
	ctx := context.Background()

	ev := standup("cal-1")
	res, _ := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})

	del, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{
		Kind: core.KindEvent, Op: OpDelete, BaseVersion: res.Version, Event: res.Event,
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !del.Committed || !del.Event.Deleted || del.Version != 2 {
		t.Fatalf("expected tombstone at v2, got %+v", del)
	}
	if del.Event.Title != "Standup" {
		t.Fatalf("tombstone must retain payload, got %+v", del.Event)
	}

	// A slow agent replays its old update: rejected, not resurrected.
	stale := *res.Event
	stale.Location = "Late edit"
	res2, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 1, Event: &stale})
	if err != nil {
		t.Fatalf("stale update: %v", err)
	}
	if res2.Committed {
		t.Fatalf("stale write resurrected a tombstoned event")
	}

	// A stale create for the same fingerprint is an idempotent no-op.
	recreate := standup("cal-1")
	res3, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &recreate})
	if err != nil {
		t.Fatalf("stale create: %v", err)
	}
	if res3.Committed {
		t.Fatalf("create resurrected a tombstoned event")
	}

	// A genuinely different meeting gets a new identity.
	other := standup("cal-1")
	other.Title = "Retro"
	res4, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &other})
	if err != nil {
		t.Fatalf("new create: %v", err)
	}
	if !res4.Committed || res4.Version != 1 || res4.Event.ID == res.Event.ID {
		t.Fatalf("expected new identity at v1, got %+v", res4)
	}
}

func TestUpdateUnknownEventIsNotFound(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	f.createCalendar(t, "cal-1")

	ghost := standup("cal-1")
	ghost.ID = "evt-ghost"
	_, err := f.ctrl.SubmitChange(context.Background(), core.OriginAPI, Change{
		Kind: core.KindEvent, Op: OpUpdate, BaseVersion: 1, Event: &ghost,
	})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCalendarLifecycle(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	ctx := context.Background()
	f.bindAgent(t, "agent-b", "cal-1")

	cal := f.createCalendar(t, "cal-1")

	renamed := cal
	renamed.Name = "Team"
	res, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{
		Kind: core.KindCalendar, Op: OpUpdate, BaseVersion: cal.Version, Calendar: &renamed,
	})
	if err != nil || !res.Committed || res.Version != 2 {
		t.Fatalf("rename: %+v err=%v", res, err)
	}

	del, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{
		Kind: core.KindCalendar, Op: OpDelete, BaseVersion: res.Version, Calendar: res.Calendar,
	})
	if err != nil || !del.Committed || !del.Calendar.Deleted {
		t.Fatalf("delete: %+v err=%v", del, err)
	}

	pending, _ := f.queue.Pending(ctx, "agent-b")
	types := make([]string, 0, len(pending))
	for _, u := range pending {
		types = append(types, string(u.Type))
	}
	want := []string{"calendar_create", "calendar_metadata", "calendar_delete"}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("expected %v in order, got %v", want, types)
	}

	// Events cannot be created under a tombstoned calendar.
	ev := standup("cal-1")
	res2, err := f.ctrl.SubmitChange(ctx, core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})
	if err != nil {
		t.Fatalf("event under tombstone: %v", err)
	}
	if res2.Committed {
		t.Fatalf("committed event under tombstoned calendar")
	}
}

func TestEventCreateRequiresCalendar(t *testing.T) {
	f := newFixture(t, core.PolicyLatestWins)
	ev := standup("cal-none")
	_, err := f.ctrl.SubmitChange(context.Background(), core.OriginAPI, Change{Kind: core.KindEvent, Op: OpCreate, Event: &ev})
	if !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
