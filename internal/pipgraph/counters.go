package pipgraph

import "sync"

// Counters is the aggregate (pip-type, state) count table used for status
// snapshots (spec.md C2). Updated by the DAG driver and the per-pip runner
// on every state transition.
type Counters struct {
	mu     sync.Mutex
	counts map[PipType]map[PipState]int
}

// NewCounters creates an empty Counters table.
func NewCounters() *Counters {
	return &Counters{counts: make(map[PipType]map[PipState]int)}
}

// Move records a transition from 'from' to 'to' for the given pip type.
// from may equal PipStateIgnored with no prior Move call (initial seeding).
func (c *Counters) Move(t PipType, from, to PipState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	byState := c.counts[t]
	if byState == nil {
		byState = make(map[PipState]int)
		c.counts[t] = byState
	}
	if byState[from] > 0 {
		byState[from]--
	}
	byState[to]++
}

// Snapshot is an immutable point-in-time view of the counters, keyed by
// pip type then state.
type Snapshot map[PipType]map[PipState]int

// Snapshot returns a deep copy of the current counts, safe for the caller
// to retain and inspect without further locking.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(Snapshot, len(c.counts))
	for t, byState := range c.counts {
		cp := make(map[PipState]int, len(byState))
		for s, n := range byState {
			cp[s] = n
		}
		out[t] = cp
	}
	return out
}

// Total returns the sum of all counts across all types for the given state.
func (s Snapshot) Total(state PipState) int {
	var n int
	for _, byState := range s {
		n += byState[state]
	}
	return n
}
