package flow

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/droidsense/droidsense/pkg/droidsense/model"
	"github.com/droidsense/droidsense/pkg/util"
)

// Scheduler defaults.
const (
	DefaultMaxQueueDepth = 64
	DefaultShutdownGrace = 5 * time.Second
)

// Runner executes one flow to completion. The scheduler obtains a runner per
// device so each worker drives its own transport.
type Runner interface {
	Execute(ctx context.Context, f *model.Flow) *model.FlowExecutionResult
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, f *model.Flow) *model.FlowExecutionResult

// Execute calls the wrapped function.
func (fn RunnerFunc) Execute(ctx context.Context, f *model.Flow) *model.FlowExecutionResult {
	return fn(ctx, f)
}

// ResultHook observes every finished execution. The performance monitor
// hangs off this.
type ResultHook func(stableID string, result *model.FlowExecutionResult)

type pendingFlow struct {
	flow       *model.Flow
	rank       int
	seq        uint64
	enqueuedAt time.Time
	index      int
}

// flowHeap orders by priority descending, then enqueue order.
type flowHeap []*pendingFlow

func (h flowHeap) Len() int { return len(h) }
func (h flowHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank > h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h flowHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *flowHeap) Push(x interface{}) { p := x.(*pendingFlow); p.index = len(*h); *h = append(*h, p) }
func (h *flowHeap) Pop() interface{} {
	old := *h
	p := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return p
}

// deviceQueue is the per-device priority queue plus its worker's shared
// state. One condition variable covers enqueue, pause, and shutdown.
type deviceQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    flowHeap
	pending map[string]*pendingFlow // flow id -> queued instance
	running string                  // flow id currently executing
	paused  bool
	closed  bool
	seq     uint64
}

func newDeviceQueue() *deviceQueue {
	q := &deviceQueue{pending: make(map[string]*pendingFlow)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Scheduler owns one worker and one queue per device. At most one flow
// executes per device; devices run in parallel.
type Scheduler struct {
	mu       sync.Mutex
	queues   map[string]*deviceQueue
	locks    map[string]*sync.Mutex
	runner   func(stableID string) Runner
	onResult ResultHook
	maxDepth int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	grace  time.Duration
}

// NewScheduler creates a scheduler. runnerFor supplies the per-device
// executor; maxDepth <= 0 means the default of 64.
func NewScheduler(runnerFor func(stableID string) Runner, maxDepth int) *Scheduler {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxQueueDepth
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		queues:   make(map[string]*deviceQueue),
		locks:    make(map[string]*sync.Mutex),
		runner:   runnerFor,
		maxDepth: maxDepth,
		ctx:      ctx,
		cancel:   cancel,
		grace:    DefaultShutdownGrace,
	}
}

// OnResult installs the execution result hook. Call before the first
// enqueue.
func (s *Scheduler) OnResult(hook ResultHook) {
	s.onResult = hook
}

// DeviceLock returns the device's exclusive mutex. Held by the worker for
// the whole of a flow run; maintenance operations take it the same way.
func (s *Scheduler) DeviceLock(stableID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[stableID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[stableID] = l
	}
	return l
}

// queue returns the device queue, spawning its worker on first sight.
func (s *Scheduler) queue(stableID string) *deviceQueue {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[stableID]
	if !ok {
		q = newDeviceQueue()
		s.queues[stableID] = q
		s.wg.Add(1)
		go s.worker(stableID, q)
	}
	return q
}

// Enqueue adds a flow to its device's queue. Non-blocking: a flow already
// pending for the same flow id is coalesced silently; a full queue rejects
// with QueueOverflow.
func (s *Scheduler) Enqueue(f *model.Flow) error {
	if s.ctx.Err() != nil {
		return fmt.Errorf("scheduler stopped: %w", util.ErrCancelled)
	}
	q := s.queue(f.StableDeviceID)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return fmt.Errorf("scheduler stopped: %w", util.ErrCancelled)
	}
	if _, ok := q.pending[f.FlowID]; ok {
		util.WithFlow(f.FlowID).Debug("Coalesced duplicate enqueue")
		return nil
	}
	if len(q.heap) >= s.maxDepth {
		return fmt.Errorf("device %s depth %d: %w", f.StableDeviceID, len(q.heap), util.ErrQueueOverflow)
	}

	q.seq++
	p := &pendingFlow{
		flow:       f,
		rank:       f.Priority.Rank(),
		seq:        q.seq,
		enqueuedAt: time.Now(),
	}
	heap.Push(&q.heap, p)
	q.pending[f.FlowID] = p
	q.cond.Signal()
	return nil
}

// Cancel removes a pending flow from whichever device queue holds it. A
// running flow is not pre-empted. Returns whether anything was removed.
func (s *Scheduler) Cancel(flowID string) bool {
	s.mu.Lock()
	queues := make([]*deviceQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	for _, q := range queues {
		q.mu.Lock()
		if p, ok := q.pending[flowID]; ok {
			heap.Remove(&q.heap, p.index)
			delete(q.pending, flowID)
			q.mu.Unlock()
			util.WithFlow(flowID).Info("Cancelled pending flow")
			return true
		}
		q.mu.Unlock()
	}
	return false
}

// GetQueueDepth reports the device's pending flow count.
func (s *Scheduler) GetQueueDepth(stableID string) int {
	s.mu.Lock()
	q, ok := s.queues[stableID]
	s.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Running reports the flow id currently executing on a device, if any.
func (s *Scheduler) Running(stableID string) (string, bool) {
	s.mu.Lock()
	q, ok := s.queues[stableID]
	s.mu.Unlock()
	if !ok {
		return "", false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running, q.running != ""
}

// Pause stops the device's worker from dequeuing. The connection monitor
// pauses a device while replaying its queued commands so replay strictly
// precedes new flows.
func (s *Scheduler) Pause(stableID string) {
	q := s.queue(stableID)
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume lets the device's worker dequeue again.
func (s *Scheduler) Resume(stableID string) {
	q := s.queue(stableID)
	q.mu.Lock()
	q.paused = false
	q.cond.Broadcast()
	q.mu.Unlock()
}

// next blocks until a flow is available and the queue is not paused.
// Returns nil on shutdown.
func (q *deviceQueue) next() *pendingFlow {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.closed {
			return nil
		}
		if len(q.heap) > 0 && !q.paused {
			p := heap.Pop(&q.heap).(*pendingFlow)
			delete(q.pending, p.flow.FlowID)
			q.running = p.flow.FlowID
			return p
		}
		q.cond.Wait()
	}
}

func (q *deviceQueue) finish() {
	q.mu.Lock()
	q.running = ""
	q.mu.Unlock()
}

func (s *Scheduler) worker(stableID string, q *deviceQueue) {
	defer s.wg.Done()
	log := util.WithDevice(stableID)
	log.Debug("Flow worker started")

	for {
		p := q.next()
		if p == nil {
			log.Debug("Flow worker stopped")
			return
		}

		lock := s.DeviceLock(stableID)
		lock.Lock()
		result := s.runner(stableID).Execute(s.ctx, p.flow)
		lock.Unlock()
		q.finish()

		if s.onResult != nil && result != nil {
			s.onResult(stableID, result)
		}
	}
}

// Shutdown cancels the running flows and wakes every worker, then waits up
// to the grace period before giving up on stragglers.
func (s *Scheduler) Shutdown() {
	s.cancel()

	s.mu.Lock()
	for _, q := range s.queues {
		q.mu.Lock()
		q.closed = true
		q.cond.Broadcast()
		q.mu.Unlock()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		util.Debug("Scheduler drained cleanly")
	case <-time.After(s.grace):
		util.Warn("Scheduler shutdown grace period elapsed, abandoning workers")
	}
}
