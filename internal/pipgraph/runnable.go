package pipgraph

import (
	"context"
	"sync"
	"time"
)

// MemoryCounters is the expected/observed memory footprint used by the
// resource manager and the LowMemory retry policy (spec.md §4.4, §4.5).
type MemoryCounters struct {
	ExpectedRAMMb       int64
	ExpectedCommitMb    int64
	PeakWorkingSetMb    int64
	ObservedPeakMb      int64
}

// Inflate returns a new MemoryCounters with PeakWorkingSetMb raised to at
// least factor times the previous value, or the observed peak if that is
// larger — the reinflation rule of the LowMemory retry policy (spec.md
// §4.4: "expected_memory.peak_working_set := max(1.25 × previous_expected,
// observed_peak)"). The receiver is never mutated; retries always
// construct a fresh value from old + observed (§9).
func (m MemoryCounters) Inflate(factor float64) MemoryCounters {
	inflated := int64(float64(m.PeakWorkingSetMb) * factor)
	peak := inflated
	if m.ObservedPeakMb > peak {
		peak = m.ObservedPeakMb
	}
	out := m
	out.PeakWorkingSetMb = peak
	return out
}

// StepTiming records when a step started and how long its action took.
type StepTiming struct {
	WorkerID  int32
	QueueWait time.Duration
	Duration  time.Duration
}

// PerPipPerformance accumulates per-step timing for a single pip, used by
// the critical-path/perf telemetry component (C11).
type PerPipPerformance struct {
	mu      sync.Mutex
	byStep  map[PipExecutionStep]StepTiming
	started time.Time
}

// NewPerPipPerformance creates an empty performance record stamped with
// the current time as the pip's scheduling start.
func NewPerPipPerformance(now time.Time) *PerPipPerformance {
	return &PerPipPerformance{byStep: make(map[PipExecutionStep]StepTiming), started: now}
}

// Record stores the timing for one step.
func (p *PerPipPerformance) Record(step PipExecutionStep, t StepTiming) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byStep[step] = t
}

// Get returns the recorded timing for a step, or the zero value if none.
func (p *PerPipPerformance) Get(step PipExecutionStep) StepTiming {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byStep[step]
}

// TotalDuration sums every recorded step duration.
func (p *PerPipPerformance) TotalDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	var total time.Duration
	for _, t := range p.byStep {
		total += t.Duration
	}
	return total
}

// RunnablePip is the mutable execution record created when a pip reaches
// Ready (spec.md §3). It is owned by the DAG driver/runner until the step
// reaches Done, at which point it is released together with the dependent
// ref-count decrement.
type RunnablePip struct {
	mu sync.Mutex

	PipID          PipId
	PipType        PipType
	Priority       int32
	Step           PipExecutionStep
	DispatcherKind DispatcherKind

	WorkerID           int32 // -1 when no worker is held
	PreferredWorkerID  int32 // -1 when no module-affinity preference
	IsCancelled        bool
	IsResourceCancelled bool
	ExecutionResultSet bool

	// Background marks a RunnablePip recreated for background output
	// materialization (spec.md §3, §4.5 MaterializeOutputs row): it is
	// dispatched independently of the pip it was cloned from, never
	// reaches StepCancel/StepHandleResult, and its failure is only ever
	// logged, never propagated to the DAG driver.
	Background bool

	// cancelExec, when set, cancels the context passed to the currently
	// running ExecuteProcess call — the mechanism by which the resource
	// manager's Suspend/Cancel actions (spec.md §4.4) actually interrupt a
	// blocking sandboxed-process call rather than only flipping a flag the
	// next step observes.
	cancelExec context.CancelFunc

	ExpectedMemory MemoryCounters
	Performance    *PerPipPerformance

	// retry bookkeeping (spec.md §4.5 retry policies)
	RetriesLowMemory       int
	RetriesStoppedWorker   int
	RetriesPrepOrVMFailure int
}

// NewRunnablePip constructs a RunnablePip at StepStart with no worker held.
func NewRunnablePip(id PipId, t PipType, priority int32, now time.Time) *RunnablePip {
	return &RunnablePip{
		PipID:             id,
		PipType:           t,
		Priority:          priority,
		Step:              StepStart,
		DispatcherKind:    DispatcherNone,
		WorkerID:          -1,
		PreferredWorkerID: -1,
		Performance:       NewPerPipPerformance(now),
	}
}

// HasWorker reports whether a worker is currently assigned.
func (r *RunnablePip) HasWorker() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.WorkerID >= 0
}

// AssignWorker records the acquired worker id.
func (r *RunnablePip) AssignWorker(id int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WorkerID = id
}

// ReleaseWorker clears the worker assignment.
func (r *RunnablePip) ReleaseWorker() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.WorkerID = -1
}

// SetCancelFunc records the cancel function for the context backing the
// pip's in-flight ExecuteProcess call, if any. Cleared by passing nil once
// the call returns.
func (r *RunnablePip) SetCancelFunc(fn context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelExec = fn
}

// Cancel sets the cancellation flag and, if an ExecuteProcess call is
// currently in flight, cancels its context. Idempotent.
func (r *RunnablePip) Cancel() {
	r.mu.Lock()
	r.IsCancelled = true
	fn := r.cancelExec
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Cancelled reports whether Cancel has been called.
func (r *RunnablePip) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.IsCancelled
}

// CancelForResources interrupts the pip's in-flight ExecuteProcess call for
// a RAM/commit-pressure reason (the resource manager's suspend/cancel
// actions, spec.md §4.4), without setting the terminal IsCancelled flag —
// the step machine drives this through the LowMemory retry policy
// (spec.md §4.5) rather than straight to a Canceled result. Idempotent.
func (r *RunnablePip) CancelForResources() {
	r.mu.Lock()
	r.IsResourceCancelled = true
	fn := r.cancelExec
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// ConsumeResourceCancel reports and clears the resource-cancellation flag,
// so a pip retried after RAM/commit pressure starts its next attempt with
// the flag unset.
func (r *RunnablePip) ConsumeResourceCancel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	was := r.IsResourceCancelled
	r.IsResourceCancelled = false
	return was
}
