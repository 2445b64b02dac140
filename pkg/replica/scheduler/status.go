package scheduler

import (
	"fmt"
	"sort"

	"github.com/jamesainslie/replica/pkg/replica/metrics"
	"github.com/jamesainslie/replica/pkg/replica/retry"
)

// Failure ratio thresholds over terminal outcomes, applied once at least
// minOutcomesForRatio items have finished.
const (
	degradedFailureRatio  = 0.5
	unhealthyFailureRatio = 0.9
	minOutcomesForRatio   = 10
)

// GetQueueStatus returns a snapshot of the queue, the active set and the
// completed set.
func (s *Scheduler) GetQueueStatus() QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := QueueStatus{
		Queued:      len(s.queue),
		Active:      len(s.active),
		Counters:    s.counters,
		ActiveItems: make([]ProcessingItem, 0, len(s.active)),
		Stopped:     s.stopping,
	}
	for _, item := range s.completed {
		if item.State == StateCompleted {
			st.Completed++
		} else {
			st.Failed++
		}
	}
	for _, item := range s.active {
		st.ActiveItems = append(st.ActiveItems, item.clone())
	}
	sort.Slice(st.ActiveItems, func(a, b int) bool {
		return st.ActiveItems[a].StartedAt.Before(st.ActiveItems[b].StartedAt)
	})
	return st
}

// Lookup returns the item with id from any set.
func (s *Scheduler) Lookup(id string) (ProcessingItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if item, ok := s.active[id]; ok {
		return item.clone(), true
	}
	if item, ok := s.completed[id]; ok {
		return item.clone(), true
	}
	for _, item := range s.queue {
		if item.ID == id {
			return item.clone(), true
		}
	}
	return ProcessingItem{}, false
}

// Finished returns up to limit completed or failed items, most recent first.
// A limit of zero returns all of them.
func (s *Scheduler) Finished(limit int) []ProcessingItem {
	s.mu.Lock()
	out := make([]ProcessingItem, 0, len(s.completed))
	for _, item := range s.completed {
		out = append(out, item.clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].CompletedAt.After(out[b].CompletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// GetHealthStatus checks for stalled items, queue backlog, open circuit
// breakers and a high failure ratio.
func (s *Scheduler) GetHealthStatus() HealthStatus {
	h := HealthStatus{Status: Healthy, Issues: []string{}, OpenBreakers: []string{}}
	worsen := func(level HealthLevel, issue string) {
		h.Issues = append(h.Issues, issue)
		if level == Unhealthy || h.Status == Healthy {
			h.Status = level
		}
	}

	s.mu.Lock()
	now := s.opts.Now()
	for _, item := range s.active {
		if item.stalled || now.Sub(item.LastActivity) >= s.opts.StallTimeout {
			h.Stalled++
		}
	}
	h.Backlog = len(s.queue)
	counters := s.counters
	stopping := s.stopping
	s.mu.Unlock()

	if stopping {
		worsen(Unhealthy, "scheduler is stopped")
	}
	if h.Stalled > 0 {
		worsen(Degraded, fmt.Sprintf("%d stalled item(s)", h.Stalled))
	}
	if h.Backlog > s.opts.BacklogThreshold {
		worsen(Degraded, fmt.Sprintf("queue backlog of %d exceeds %d", h.Backlog, s.opts.BacklogThreshold))
	}

	states := s.deps.Retry.BreakerStates()
	for _, t := range retry.OperationTypes {
		open := states[t].Open
		metrics.SetBreakerOpen(t.String(), open)
		if !open {
			continue
		}
		h.OpenBreakers = append(h.OpenBreakers, t.String())
		level := Degraded
		if t == retry.FileSystem {
			level = Unhealthy
		}
		worsen(level, fmt.Sprintf("%s circuit breaker is open", t))
	}

	if terminal := counters.Completed + counters.Failed; terminal >= minOutcomesForRatio {
		h.FailureRatio = float64(counters.Failed) / float64(terminal)
		switch {
		case h.FailureRatio >= unhealthyFailureRatio:
			worsen(Unhealthy, fmt.Sprintf("failure ratio %.0f%%", h.FailureRatio*100))
		case h.FailureRatio >= degradedFailureRatio:
			worsen(Degraded, fmt.Sprintf("failure ratio %.0f%%", h.FailureRatio*100))
		}
	}

	return h
}
