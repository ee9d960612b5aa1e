package dispatch

import (
	"sync"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// Semaphore is a user-declared counting constraint (e.g. "at most 2 pips
// touch the GPU at once"). Pips whose semaphores are saturated sit in the
// semaphore tier until one is released (spec.md §4.2).
type Semaphore struct {
	mu      sync.Mutex
	name    string
	held    int
	max     int
}

// NewSemaphore constructs a named Semaphore with the given capacity.
func NewSemaphore(name string, max int) *Semaphore {
	return &Semaphore{name: name, max: max}
}

// Name returns the semaphore's declared name.
func (s *Semaphore) Name() string { return s.name }

// TryAcquire reserves one count if available.
func (s *Semaphore) TryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held >= s.max {
		return false
	}
	s.held++
	return true
}

// Release frees one count.
func (s *Semaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held > 0 {
		s.held--
	}
}

// Saturated reports whether every count is currently held.
func (s *Semaphore) Saturated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held >= s.max
}

// SemaphoreTier holds pips blocked on one or more saturated semaphores.
// Items leave the tier only when every semaphore they require has a free
// count (spec.md §4.2).
type SemaphoreTier struct {
	mu      sync.Mutex
	pending []semaphoreWait
}

type semaphoreWait struct {
	pip  *pipgraph.RunnablePip
	sems []*Semaphore
}

// Hold adds a pip to the tier, blocked on the given semaphores.
func (t *SemaphoreTier) Hold(pip *pipgraph.RunnablePip, sems []*Semaphore) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, semaphoreWait{pip: pip, sems: sems})
}

// ReadyWait is a pip that left the semaphore tier, paired with the
// semaphores it now holds so the caller can release them when the step
// completes.
type ReadyWait struct {
	Pip  *pipgraph.RunnablePip
	Sems []*Semaphore
}

// DrainReady removes and returns every pip whose full set of semaphores is
// currently available, acquiring them atomically per pip.
func (t *SemaphoreTier) DrainReady() []ReadyWait {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ready []ReadyWait
	remaining := make([]semaphoreWait, 0, len(t.pending))
	for _, w := range t.pending {
		if tryAcquireAll(w.sems) {
			ready = append(ready, ReadyWait{Pip: w.pip, Sems: w.sems})
		} else {
			remaining = append(remaining, w)
		}
	}
	t.pending = remaining
	return ready
}

// Len returns the number of pips currently waiting in the tier.
func (t *SemaphoreTier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func tryAcquireAll(sems []*Semaphore) bool {
	acquired := make([]*Semaphore, 0, len(sems))
	for _, s := range sems {
		if !s.TryAcquire() {
			for _, a := range acquired {
				a.Release()
			}
			return false
		}
		acquired = append(acquired, s)
	}
	return true
}
