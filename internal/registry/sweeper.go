package registry

import (
	"context"
	"log"
	"time"
)

// Broadcaster is the interface for emitting liveness transitions to
// WebSocket clients.
type Broadcaster interface {
	Broadcast(agent string, event any)
}

// Sweeper runs a background goroutine that periodically persists the
// derived liveness label of every agent and announces transitions.
// It only deprioritizes silent agents; their queued updates are never
// touched.
type Sweeper struct {
	reg      *Registry
	bus      Broadcaster
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSweeper creates a new Sweeper. Call Start() to begin sweeping.
func NewSweeper(reg *Registry, bus Broadcaster, interval time.Duration) *Sweeper {
	return &Sweeper{
		reg:      reg,
		bus:      bus,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep goroutine.
func (sw *Sweeper) Start(ctx context.Context) {
	ctx, sw.cancel = context.WithCancel(ctx)

	go func() {
		defer close(sw.done)

		ticker := time.NewTicker(sw.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sw.runSweep(ctx)
			}
		}
	}()
}

// Stop cancels the sweep goroutine and waits for it to finish.
func (sw *Sweeper) Stop() {
	if sw.cancel != nil {
		sw.cancel()
	}
	<-sw.done
}

func (sw *Sweeper) runSweep(ctx context.Context) {
	agents, err := sw.reg.store.ListAgents(ctx)
	if err != nil {
		log.Printf("sweeper: %v", err)
		return
	}

	for _, agent := range agents {
		derived := sw.reg.statusFor(agent.LastSeen)
		if derived == agent.Status {
			continue
		}
		if err := sw.reg.store.SetAgentStatus(ctx, agent.ID, derived); err != nil {
			log.Printf("sweeper: mark %s %s: %v", agent.ID, derived, err)
			continue
		}
		log.Printf("sweeper: agent %s is now %s", agent.ID, derived)

		if sw.bus != nil {
			sw.bus.Broadcast(agent.ID, map[string]any{
				"type":     "agent." + string(derived),
				"agent_id": agent.ID,
				"status":   string(derived),
			})
		}
	}
}
