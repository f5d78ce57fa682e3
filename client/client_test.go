package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mistakeknot/converge/internal/auth"
	"github.com/mistakeknot/converge/internal/controller"
	"github.com/mistakeknot/converge/internal/core"
	httpapi "github.com/mistakeknot/converge/internal/http"
	"github.com/mistakeknot/converge/internal/queue"
	"github.com/mistakeknot/converge/internal/registry"
	"github.com/mistakeknot/converge/internal/storage/sqlite"
	"github.com/mistakeknot/converge/internal/ws"
)

func newTestServer(t *testing.T) (*httptest.Server, *controller.Controller) {
	t.Helper()
	st, err := sqlite.NewInMemory()
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	hub := ws.NewHub()
	reg := registry.New(st, registry.DefaultConfig())
	q := queue.New(st, queue.DefaultConfig()).WithBroadcaster(hub)
	ctrl := controller.New(st, reg, q, core.PolicyLatestWins)

	svc := httpapi.NewService(st, reg, q, ctrl)
	srv := httptest.NewServer(httpapi.NewRouter(svc, hub.Handler(), auth.Middleware(nil)))
	t.Cleanup(srv.Close)
	return srv, ctrl
}

func testSource(calendarID string) Source {
	return Source{
		ID:           "src-1",
		Provider:     "google",
		CalendarID:   calendarID,
		Capabilities: Capabilities{MetadataWritable: true, EventWritable: true},
	}
}

func TestClientRoundTrip(t *testing.T) {
	srv, ctrl := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New(srv.URL)

	agent, err := c.Register(ctx, Agent{ID: "agent-a", Name: "laptop", Sources: []Source{testSource("cal-1")}})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if agent.Status != "active" || len(agent.Sources) != 1 {
		t.Fatalf("unexpected agent: %+v", agent)
	}

	// The calendar has to exist before events can be reported on it.
	if _, err := ctrl.SubmitChange(ctx, core.OriginAPI, controller.Change{
		Kind:     core.KindCalendar,
		Op:       controller.OpCreate,
		Calendar: &core.Calendar{ID: "cal-1", Name: "Team"},
	}); err != nil {
		t.Fatalf("create calendar: %v", err)
	}

	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	hb, err := c.Heartbeat(ctx, "agent-a", HeartbeatRequest{
		Changes: []Change{{
			Kind:     "event",
			Op:       "create",
			SourceID: "src-1",
			Event:    &Event{CalendarID: "cal-1", Title: "Standup", Start: start, End: start.Add(30 * time.Minute)},
		}},
	})
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if len(hb.Results) != 1 || !hb.Results[0].Committed || hb.Results[0].Version != 1 {
		t.Fatalf("change outcome: %+v", hb.Results)
	}
	if len(hb.Updates) != 0 {
		t.Fatalf("fan-out must skip the reporting agent: %+v", hb.Updates)
	}

	// A second agent on the same calendar drains the committed change.
	if _, err := c.Register(ctx, Agent{ID: "agent-b", Sources: []Source{testSource("cal-1")}}); err != nil {
		t.Fatalf("register b: %v", err)
	}
	if _, err := ctrl.SubmitChange(ctx, core.OriginAPI, controller.Change{
		Kind:        core.KindEvent,
		Op:          controller.OpUpdate,
		BaseVersion: 1,
		Event: &core.Event{
			ID: hb.Results[0].EntityID, CalendarID: "cal-1", Title: "Standup",
			Start: start, End: start.Add(30 * time.Minute), Location: "Room 4",
		},
	}); err != nil {
		t.Fatalf("update event: %v", err)
	}

	pending, err := c.PendingUpdates(ctx, "agent-b")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Type != "event_update" {
		t.Fatalf("pending: %+v", pending)
	}

	hb, err = c.Heartbeat(ctx, "agent-b", HeartbeatRequest{})
	if err != nil {
		t.Fatalf("heartbeat b: %v", err)
	}
	if len(hb.Updates) != 1 {
		t.Fatalf("drain: %+v", hb.Updates)
	}
	if err := c.AckUpdates(ctx, "agent-b", []Ack{{UpdateID: hb.Updates[0].ID, Outcome: "processed"}}); err != nil {
		t.Fatalf("ack: %v", err)
	}

	report, err := c.Report(ctx, "agent-b")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if report.Queue.Processed != 1 || report.Queue.Pending != 0 {
		t.Fatalf("queue stats: %+v", report.Queue)
	}

	if err := c.RemoveAgent(ctx, "agent-b"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := c.Report(ctx, "agent-b"); err == nil {
		t.Fatalf("expected report failure after removal")
	}
}

func TestClientListenReceivesNudge(t *testing.T) {
	srv, ctrl := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := New(srv.URL)
	if _, err := c.Register(ctx, Agent{ID: "agent-a", Sources: []Source{testSource("cal-1")}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := ctrl.SubmitChange(ctx, core.OriginAPI, controller.Change{
		Kind:     core.KindCalendar,
		Op:       controller.OpCreate,
		Calendar: &core.Calendar{ID: "cal-1", Name: "Team"},
	}); err != nil {
		t.Fatalf("create calendar: %v", err)
	}

	nudges := make(chan Nudge, 1)
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()
	go func() {
		_ = c.Listen(listenCtx, "agent-a", func(n Nudge) {
			select {
			case nudges <- n:
			default:
			}
		})
	}()

	// Give the listener a moment to connect before committing.
	start := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := ctrl.SubmitChange(ctx, core.OriginAPI, controller.Change{
			Kind: core.KindEvent,
			Op:   controller.OpCreate,
			Event: &core.Event{
				CalendarID: "cal-1", Title: "Standup",
				Start: start, End: start.Add(30 * time.Minute),
			},
		}); err != nil {
			t.Fatalf("create event: %v", err)
		}
		select {
		case n := <-nudges:
			if n.Type != "update.queued" || n.AgentID != "agent-a" {
				t.Fatalf("unexpected nudge: %+v", n)
			}
			return
		case <-time.After(200 * time.Millisecond):
			if time.Now().After(deadline) {
				t.Fatalf("no nudge received")
			}
			start = start.Add(time.Hour) // new fingerprint each retry
		}
	}
}
