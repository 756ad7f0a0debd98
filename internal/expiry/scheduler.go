// Package expiry fires hold-expiry sweeps. Deadlines live in a min-heap and a
// single clock timer is armed for the earliest one, so reservation churn does
// not multiply timers. A fired sweep re-reads the show, which makes stale
// deadlines harmless and removes the need to cancel them.
package expiry

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/robertarktes/seat-holds/internal/clock"
	"github.com/robertarktes/seat-holds/internal/observability"
)

// SweepFunc releases lapsed holds of one show.
type SweepFunc func(ctx context.Context, showID string) error

type entry struct {
	showID   string
	deadline time.Time
}

type deadlineHeap []entry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(entry)) }
func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

type Scheduler struct {
	clock        clock.Clock
	logger       observability.Logger
	sweepTimeout time.Duration

	mu      sync.Mutex
	queue   deadlineHeap
	timer   clock.Timer
	armedAt time.Time
	gen     uint64
	sweep   SweepFunc
	stopped bool
}

func NewScheduler(clk clock.Clock, logger observability.Logger) *Scheduler {
	return &Scheduler{clock: clk, logger: logger, sweepTimeout: 10 * time.Second}
}

// Start installs the sweep callback. Deadlines scheduled earlier are kept
// and fire normally.
func (s *Scheduler) Start(sweep SweepFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweep = sweep
	s.stopped = false
	s.armLocked()
}

// Stop cancels the pending timer; queued deadlines are dropped.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.queue = nil
	observability.ScheduledExpiries.Set(0)
}

// Schedule arms a sweep of showID at the given instant.
func (s *Scheduler) Schedule(showID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	heap.Push(&s.queue, entry{showID: showID, deadline: at})
	observability.ScheduledExpiries.Set(float64(len(s.queue)))
	if s.timer == nil || at.Before(s.armedAt) {
		s.armLocked()
	}
}

func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.stopped || s.sweep == nil || len(s.queue) == 0 {
		return
	}
	s.gen++
	gen := s.gen
	s.armedAt = s.queue[0].deadline
	// Past deadlines still go through the timer so fire never runs under mu.
	delay := s.armedAt.Sub(s.clock.Now())
	if delay <= 0 {
		delay = time.Nanosecond
	}
	s.timer = s.clock.AfterFunc(delay, func() { s.fire(gen) })
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	now := s.clock.Now()
	var due []string
	seen := make(map[string]struct{})
	for len(s.queue) > 0 && !s.queue[0].deadline.After(now) {
		e := heap.Pop(&s.queue).(entry)
		if _, ok := seen[e.showID]; ok {
			continue
		}
		seen[e.showID] = struct{}{}
		due = append(due, e.showID)
	}
	observability.ScheduledExpiries.Set(float64(len(s.queue)))
	if gen == s.gen {
		s.timer = nil
		s.armLocked()
	}
	sweep := s.sweep
	s.mu.Unlock()

	for _, showID := range due {
		s.run(sweep, showID)
	}
}

func (s *Scheduler) run(sweep SweepFunc, showID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sweepTimeout)
	defer cancel()
	if err := sweep(ctx, showID); err != nil {
		s.logger.WithField("show_id", showID).WithError(err).Error("expiry sweep failed")
	}
}
