package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/mistakeknot/converge/internal/core"
	"github.com/mistakeknot/converge/internal/storage"
)

func newTestQueue(t *testing.T) (*Queue, *storage.InMemory) {
	t.Helper()
	st := storage.NewInMemory()
	return New(st, Config{MaxAttempts: 3, DrainBatch: 50}), st
}

func enqueueN(t *testing.T, q *Queue, agentID string, n int) []core.Update {
	t.Helper()
	ctx := context.Background()
	out := make([]core.Update, 0, n)
	for i := 0; i < n; i++ {
		u, err := q.Enqueue(ctx, core.Update{
			AgentID: agentID,
			Type:    core.UpdateEventUpdate,
			Payload: json.RawMessage(`{}`),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		out = append(out, u)
	}
	return out
}

func TestDrainReturnsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	queued := enqueueN(t, q, "agent-a", 3)

	got, err := q.Drain(ctx, "agent-a", 10)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 updates, got %d", len(got))
	}
	for i := range got {
		if got[i].ID != queued[i].ID {
			t.Fatalf("order broken at %d: expected %s, got %s", i, queued[i].ID, got[i].ID)
		}
		if got[i].Status != core.UpdateDelivered {
			t.Fatalf("expected delivered, got %s", got[i].Status)
		}
		if got[i].Attempts != 1 {
			t.Fatalf("expected 1 attempt, got %d", got[i].Attempts)
		}
	}
}

func TestDrainDoesNotRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	enqueueN(t, q, "agent-a", 2)

	if _, err := q.Drain(ctx, "agent-a", 10); err != nil {
		t.Fatalf("drain: %v", err)
	}
	// Unacknowledged items are redelivered.
	again, err := q.Drain(ctx, "agent-a", 10)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if len(again) != 2 {
		t.Fatalf("expected redelivery of 2 updates, got %d", len(again))
	}
	if again[0].Attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", again[0].Attempts)
	}
}

func TestDrainRespectsLimit(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	enqueueN(t, q, "agent-a", 5)

	got, err := q.Drain(ctx, "agent-a", 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 updates, got %d", len(got))
	}
}

func TestAcknowledgeProcessedIsIdempotent(t *testing.T) {
	q, st := newTestQueue(t)
	ctx := context.Background()
	queued := enqueueN(t, q, "agent-a", 1)
	if _, err := q.Drain(ctx, "agent-a", 1); err != nil {
		t.Fatalf("drain: %v", err)
	}

	if err := q.Acknowledge(ctx, "agent-a", queued[0].ID, core.OutcomeProcessed); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	first, err := st.GetUpdate(ctx, "agent-a", queued[0].ID)
	if err != nil {
		t.Fatalf("get update: %v", err)
	}
	if first.Status != core.UpdateProcessed || first.ProcessedAt.IsZero() {
		t.Fatalf("expected processed with audit timestamp, got %+v", first)
	}

	// Second ack: no-op, not an error, timestamp unchanged.
	if err := q.Acknowledge(ctx, "agent-a", queued[0].ID, core.OutcomeProcessed); err != nil {
		t.Fatalf("second ack should be a no-op: %v", err)
	}
	second, _ := st.GetUpdate(ctx, "agent-a", queued[0].ID)
	if !second.ProcessedAt.Equal(first.ProcessedAt) {
		t.Fatalf("second ack changed audit timestamp")
	}

	pending, _ := q.Pending(ctx, "agent-a")
	if len(pending) != 0 {
		t.Fatalf("processed update still pending")
	}
}

func TestAcknowledgeFailedLeavesPending(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	queued := enqueueN(t, q, "agent-a", 1)
	if _, err := q.Drain(ctx, "agent-a", 1); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if err := q.Acknowledge(ctx, "agent-a", queued[0].ID, core.OutcomeFailed); err != nil {
		t.Fatalf("ack failed: %v", err)
	}
	pending, err := q.Pending(ctx, "agent-a")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != core.UpdatePending {
		t.Fatalf("failed update should remain pending, got %+v", pending)
	}
}

func TestDeliveryCeilingDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	queued := enqueueN(t, q, "agent-a", 1)

	// Drained 3 times without ack: three delivery attempts.
	for i := 0; i < 3; i++ {
		got, err := q.Drain(ctx, "agent-a", 1)
		if err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		if len(got) != 1 {
			t.Fatalf("drain %d: expected redelivery, got %d items", i, len(got))
		}
	}

	// Fourth heartbeat: not redelivered, moved to dead-letter instead.
	got, err := q.Drain(ctx, "agent-a", 1)
	if err != nil {
		t.Fatalf("final drain: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("exhausted update must not be redelivered, got %d items", len(got))
	}
	dead, err := q.DeadLetters(ctx, "agent-a")
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != queued[0].ID {
		t.Fatalf("expected dead-lettered update, got %+v", dead)
	}

	stats, err := q.StatsFor(ctx, "agent-a")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.DeadLetter != 1 {
		t.Fatalf("expected 1 dead letter in stats, got %d", stats.DeadLetter)
	}
}

func TestAcknowledgeFailedAtCeilingDeadLetters(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	queued := enqueueN(t, q, "agent-a", 1)

	for i := 0; i < 3; i++ {
		if _, err := q.Drain(ctx, "agent-a", 1); err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
	}
	if err := q.Acknowledge(ctx, "agent-a", queued[0].ID, core.OutcomeFailed); err != nil {
		t.Fatalf("ack: %v", err)
	}
	dead, _ := q.DeadLetters(ctx, "agent-a")
	if len(dead) != 1 {
		t.Fatalf("expected dead letter after failed ack at ceiling, got %d", len(dead))
	}

	// Further acknowledgments of the dead-lettered update are refused.
	err := q.Acknowledge(ctx, "agent-a", queued[0].ID, core.OutcomeProcessed)
	if !errors.Is(err, core.ErrDeliveryExhausted) {
		t.Fatalf("expected ErrDeliveryExhausted, got %v", err)
	}
}

func TestEnqueueDeduplicatesByEntityVersion(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	u := core.Update{
		AgentID:       "agent-a",
		Type:          core.UpdateEventUpdate,
		EntityID:      "evt-1",
		EntityVersion: 4,
		Payload:       json.RawMessage(`{}`),
	}
	if _, err := q.Enqueue(ctx, u); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Fan-out resume after a crash re-runs the same enqueue.
	if _, err := q.Enqueue(ctx, u); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	pending, _ := q.Pending(ctx, "agent-a")
	if len(pending) != 1 {
		t.Fatalf("expected dedupe to keep 1 update, got %d", len(pending))
	}
}

func TestAcknowledgeUnknownUpdate(t *testing.T) {
	q, _ := newTestQueue(t)
	err := q.Acknowledge(context.Background(), "agent-a", "nope", core.OutcomeProcessed)
	if err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestQueuesAreIndependentAcrossAgents(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	enqueueN(t, q, "agent-a", 2)
	enqueueN(t, q, "agent-b", 1)

	a, _ := q.Drain(ctx, "agent-a", 10)
	b, _ := q.Drain(ctx, "agent-b", 10)
	if len(a) != 2 || len(b) != 1 {
		t.Fatalf("queues leaked across agents: a=%d b=%d", len(a), len(b))
	}
}

// Concurrent enqueues racing one agent's drain cycle must neither lose
// nor duplicate updates.
func TestConcurrentEnqueueAndDrain(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()
	const writers = 8
	const perWriter = 10

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				if _, err := q.Enqueue(ctx, core.Update{
					AgentID: "agent-a",
					Type:    core.UpdateEventUpdate,
					Payload: json.RawMessage(`{}`),
				}); err != nil {
					t.Errorf("enqueue: %v", err)
				}
			}
		}()
	}

	seen := make(map[string]bool)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			batch, err := q.Drain(ctx, "agent-a", 10)
			if err != nil {
				t.Errorf("drain: %v", err)
				return
			}
			for _, u := range batch {
				if !seen[u.ID] {
					seen[u.ID] = true
					if err := q.Acknowledge(ctx, "agent-a", u.ID, core.OutcomeProcessed); err != nil {
						t.Errorf("ack: %v", err)
					}
				}
			}
			if len(seen) == writers*perWriter {
				return
			}
		}
	}()

	wg.Wait()
	<-done

	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d delivered updates, got %d", writers*perWriter, len(seen))
	}
}
