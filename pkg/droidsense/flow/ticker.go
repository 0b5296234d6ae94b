package flow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/identity"
	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/droidsense/store"
	"github.com/droidsense/droidsense/pkg/util"
)

// tickResolution is how often the ticker re-evaluates due flows.
const tickResolution = time.Second

// IntervalTicker turns each enabled flow's update interval into periodic
// enqueues. Coalescing in the scheduler keeps a slow flow from stacking up.
type IntervalTicker struct {
	flows    *store.FlowStore
	resolver *identity.Resolver
	sched    *Scheduler

	mu      sync.Mutex
	nextRun map[string]time.Time // flow id -> next due time
}

// NewIntervalTicker creates a ticker over every device the resolver knows.
func NewIntervalTicker(flows *store.FlowStore, resolver *identity.Resolver, sched *Scheduler) *IntervalTicker {
	return &IntervalTicker{
		flows:    flows,
		resolver: resolver,
		sched:    sched,
		nextRun:  make(map[string]time.Time),
	}
}

// Run drives the tick loop until the context is cancelled.
func (t *IntervalTicker) Run(ctx context.Context) {
	ticker := time.NewTicker(tickResolution)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.tick(now)
		}
	}
}

func (t *IntervalTicker) tick(now time.Time) {
	for _, dev := range t.resolver.Devices() {
		for _, f := range t.flows.GetAll(dev.StableID) {
			if !f.Enabled || f.UpdateIntervalSeconds <= 0 {
				continue
			}
			t.maybeEnqueue(f, now)
		}
	}
}

func (t *IntervalTicker) maybeEnqueue(f *model.Flow, now time.Time) {
	t.mu.Lock()
	due, seen := t.nextRun[f.FlowID]
	if seen && now.Before(due) {
		t.mu.Unlock()
		return
	}
	t.nextRun[f.FlowID] = now.Add(time.Duration(f.UpdateIntervalSeconds) * time.Second)
	t.mu.Unlock()

	if !seen {
		// First sighting only schedules; the first run happens one
		// interval later.
		return
	}
	if err := t.sched.Enqueue(f); err != nil {
		if errors.Is(err, util.ErrQueueOverflow) {
			util.WithFlow(f.FlowID).Warn("Tick dropped, device queue full")
			return
		}
		util.WithFlow(f.FlowID).Warnf("Tick enqueue failed: %v", err)
	}
}
