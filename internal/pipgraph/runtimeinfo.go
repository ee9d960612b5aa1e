package pipgraph

import (
	"sync"
)

// RuntimeInfo holds the mutable per-pip state described by spec.md §3
// (PipRuntimeInfo). One instance exists per scheduled pip for the lifetime
// of a build. All fields are protected by mu; callers must never read the
// unexported fields directly.
//
// Invariants (spec.md §3):
//
//	I1. ref_count == 0 iff the pip is Ready or Running (terminal: see I3).
//	I2. A pip reaches Ready only after every heavy-edge predecessor is terminal.
//	I3. Once terminal, ref_count := CompletedRefCount (-1) exactly once.
//	I4. Dependent ref-count decrement happens exactly once per heavy edge.
//	I5. Priority is assigned before any pip runs and never mutated thereafter.
type RuntimeInfo struct {
	mu sync.Mutex

	pipID   PipId
	pipType PipType

	state    PipState
	refCount int32

	// priority is set once by the DAG driver before the pip is scheduled
	// and is never mutated afterward (I5). No lock is needed to read it.
	priority int32

	criticalPathMs    int32
	processExecTimeMs int32

	result              PipResult
	uncacheableImpacted bool
}

// NewRuntimeInfo creates a RuntimeInfo in the Ignored state with the given
// initial ref-count (the pip's heavy in-degree).
func NewRuntimeInfo(id PipId, t PipType, initialRefCount int32) *RuntimeInfo {
	return &RuntimeInfo{
		pipID:    id,
		pipType:  t,
		state:    PipStateIgnored,
		refCount: initialRefCount,
		result:   ResultNotRun,
	}
}

// PipID returns the pip's identifier. Immutable after construction.
func (ri *RuntimeInfo) PipID() PipId { return ri.pipID }

// PipType returns the pip's type. Immutable after construction.
func (ri *RuntimeInfo) PipType() PipType { return ri.pipType }

// Priority returns the assigned priority. Safe to call any time after the
// DAG driver has seeded it; never mutated afterward (I5), so no lock.
func (ri *RuntimeInfo) Priority() int32 { return ri.priority }

// SetPriority assigns the priority exactly once, before the pip is
// scheduled. Calling it more than once is a programmer error.
func (ri *RuntimeInfo) SetPriority(p int32) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.priority = p
}

// State returns the current lifecycle state.
func (ri *RuntimeInfo) State() PipState {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.state
}

// RefCount returns the current ref-count (-1 once terminal, per I3).
func (ri *RuntimeInfo) RefCount() int32 {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.refCount
}

// TrySetState attempts a monotonic transition to target. Returns true if
// the transition was applied. Returns false (no-op) if target does not
// advance past the current state's rank — this makes the call safe to
// retry under a CAS-style race (spec.md §4.1 "idempotent under races via a
// CAS retry loop").
func (ri *RuntimeInfo) TrySetState(target PipState) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	if ri.state.IsTerminal() {
		return false
	}
	if target.rank() <= ri.state.rank() {
		return false
	}
	ri.state = target
	if target.IsTerminal() {
		ri.refCount = CompletedRefCount
	}
	return true
}

// DecrementRefCount atomically decrements ref_count by one and returns the
// new value. Must only be called by the DAG driver, exactly once per heavy
// incoming edge (I4), and only after the source of that edge is terminal.
func (ri *RuntimeInfo) DecrementRefCount() int32 {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.refCount--
	return ri.refCount
}

// SetResult records the outcome of execution.
func (ri *RuntimeInfo) SetResult(r PipResult) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.result = r
}

// Result returns the recorded outcome.
func (ri *RuntimeInfo) Result() PipResult {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.result
}

// SetCriticalPathMs stores the longest known downstream chain duration.
func (ri *RuntimeInfo) SetCriticalPathMs(ms int32) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.criticalPathMs = ms
}

// CriticalPathMs returns the longest known downstream chain duration.
func (ri *RuntimeInfo) CriticalPathMs() int32 {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.criticalPathMs
}

// RecordExecuteTimeMs stores the observed process execution duration.
func (ri *RuntimeInfo) RecordExecuteTimeMs(ms int32) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.processExecTimeMs = ms
}

// ExecuteTimeMs returns the observed process execution duration.
func (ri *RuntimeInfo) ExecuteTimeMs() int32 {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.processExecTimeMs
}

// MarkUncacheableImpacted flags the pip as impacted by an uncacheable
// dependency. The flag is propagated to dependents by the DAG driver.
func (ri *RuntimeInfo) MarkUncacheableImpacted() {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.uncacheableImpacted = true
}

// IsUncacheableImpacted reports whether the uncacheable-impacted flag is set.
func (ri *RuntimeInfo) IsUncacheableImpacted() bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.uncacheableImpacted
}

// Table is the thread-safe runtime-info store for every scheduled pip
// (spec.md C1). Keyed by PipId, built once at init time and never resized
// concurrently with lookups (entries are inserted during init_for_master /
// init_for_worker, before Start() runs).
type Table struct {
	mu      sync.RWMutex
	entries map[PipId]*RuntimeInfo
}

// NewTable creates an empty Table.
func NewTable() *Table {
	return &Table{entries: make(map[PipId]*RuntimeInfo)}
}

// Insert registers a RuntimeInfo under its PipID. Not safe to call
// concurrently with Get once the drain loop has started.
func (t *Table) Insert(ri *RuntimeInfo) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[ri.PipID()] = ri
}

// Get returns the RuntimeInfo for id, or (nil, false) if unknown.
func (t *Table) Get(id PipId) (*RuntimeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ri, ok := t.entries[id]
	return ri, ok
}

// MustGet returns the RuntimeInfo for id, panicking if unknown — used only
// where the caller has already established the id is scheduled (e.g. when
// walking the collaborator graph's own edge list).
func (t *Table) MustGet(id PipId) *RuntimeInfo {
	ri, ok := t.Get(id)
	if !ok {
		panic("pipgraph: unknown pip id in runtime-info table")
	}
	return ri
}

// Len returns the number of scheduled pips.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Range calls fn for every entry. fn must not mutate the table.
func (t *Table) Range(fn func(*RuntimeInfo)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ri := range t.entries {
		fn(ri)
	}
}
