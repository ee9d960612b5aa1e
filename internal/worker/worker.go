// Package worker implements C4: the worker pool. A Worker presents
// independent counted slot pools per activity (cache-lookup,
// materialize-input, process, post-process, IPC); try_acquire(kind)
// succeeds only if the pool has room and the worker's memory classification
// allows it (spec.md §4.3).
package worker

import (
	"sync"
	"time"

	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
)

// Activity is the closed set of slot-pool kinds a Worker exposes.
type Activity uint8

const (
	ActivityCacheLookup Activity = iota
	ActivityMaterializeInput
	ActivityProcess
	ActivityPostProcess
	ActivityIPC
)

func (a Activity) String() string {
	switch a {
	case ActivityCacheLookup:
		return "cache_lookup"
	case ActivityMaterializeInput:
		return "materialize_input"
	case ActivityProcess:
		return "process"
	case ActivityPostProcess:
		return "post_process"
	case ActivityIPC:
		return "ipc"
	default:
		return "unknown"
	}
}

// State is a Worker's lifecycle position (spec.md §3 Worker).
type State uint8

const (
	StateStarting State = iota
	StateStarted
	StateAttached
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "Starting"
	case StateStarted:
		return "Started"
	case StateAttached:
		return "Attached"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Kind distinguishes the always-present local worker from remote workers
// attached over the transport.
type Kind uint8

const (
	KindLocal Kind = iota
	KindRemote
)

// slotPool is a single named counted pool (spec.md §4.3: "total" and
// "acquired" counters), the same acquire/release-under-mutex shape as a
// token bucket's Consume/Remaining, but without a refill timer — a slot
// frees the instant its holder releases it.
type slotPool struct {
	mu       sync.Mutex
	total    int
	acquired int
}

func newSlotPool(total int) *slotPool {
	return &slotPool{total: total}
}

func (p *slotPool) tryAcquire() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquired >= p.total {
		return false
	}
	p.acquired++
	return true
}

func (p *slotPool) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquired > 0 {
		p.acquired--
	}
}

func (p *slotPool) inUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

func (p *slotPool) setTotal(total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.total = total
}

// Worker is a single execution target: the always-present local worker at
// index 0, or a remote worker attached over the transport.
type Worker struct {
	ID       int32
	Kind     Kind
	ModuleID string // non-empty when this worker declares module affinity

	mu    sync.Mutex
	state State

	pools map[Activity]*slotPool

	totalRAMMb            int64
	totalCommitMb         int64
	estimatedFreeRAMMb    int64
	estimatedFreeCommitMb int64
	memoryResource        resourcemgr.MemoryResource

	lastHeartbeat time.Time
}

// Config describes the slot totals for a newly constructed Worker.
type Config struct {
	CacheLookupSlots      int
	MaterializeInputSlots int
	ProcessSlots          int
	PostProcessSlots      int
	IPCSlots              int
}

// New constructs a Worker in the Starting state with the given slot totals.
func New(id int32, kind Kind, cfg Config) *Worker {
	return &Worker{
		ID:    id,
		Kind:  kind,
		state: StateStarting,
		pools: map[Activity]*slotPool{
			ActivityCacheLookup:      newSlotPool(cfg.CacheLookupSlots),
			ActivityMaterializeInput: newSlotPool(cfg.MaterializeInputSlots),
			ActivityProcess:          newSlotPool(cfg.ProcessSlots),
			ActivityPostProcess:      newSlotPool(cfg.PostProcessSlots),
			ActivityIPC:              newSlotPool(cfg.IPCSlots),
		},
		memoryResource: resourcemgr.Available,
	}
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// SetState transitions the worker to a new lifecycle state. Unlike a pip's
// PipState, worker lifecycle is not a monotonic ladder (Attached workers
// can cycle back to Running many times), so this is an unconditional set.
func (w *Worker) SetState(s State) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
}

// SetMemory updates the worker's memory counters and resource
// classification, called by the resource manager after each sample.
func (w *Worker) SetMemory(totalRAMMb, totalCommitMb, freeRAMMb, freeCommitMb int64, resource resourcemgr.MemoryResource) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalRAMMb = totalRAMMb
	w.totalCommitMb = totalCommitMb
	w.estimatedFreeRAMMb = freeRAMMb
	w.estimatedFreeCommitMb = freeCommitMb
	w.memoryResource = resource
}

// MemoryResource returns the worker's last-known memory classification.
func (w *Worker) MemoryResource() resourcemgr.MemoryResource {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.memoryResource
}

// EstimatedFreeRAMMb returns the worker's last-known estimated free RAM.
func (w *Worker) EstimatedFreeRAMMb() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.estimatedFreeRAMMb
}

// TryAcquire attempts to reserve one slot of the given activity. Process
// and IPC acquisitions additionally require the worker's memory resource to
// be Available (spec.md §4.3: "process acquisitions also consult
// memory-pressure").
func (w *Worker) TryAcquire(activity Activity) bool {
	if activity == ActivityProcess || activity == ActivityIPC {
		if w.MemoryResource() != resourcemgr.Available {
			return false
		}
	}
	return w.pools[activity].tryAcquire()
}

// Release frees one slot of the given activity.
func (w *Worker) Release(activity Activity) {
	w.pools[activity].release()
}

// InUse returns the number of currently-held slots for an activity.
func (w *Worker) InUse(activity Activity) int {
	return w.pools[activity].inUse()
}

// TotalSlots returns the configured slot total for an activity.
func (w *Worker) TotalSlots(activity Activity) int {
	p := w.pools[activity]
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// SetTotalSlots adjusts an activity's slot total, used to apply the remote
// worker cache-lookup oversubscription factor (spec.md §4.3: "5x").
func (w *Worker) SetTotalSlots(activity Activity, total int) {
	w.pools[activity].setTotal(total)
}

// Touch records a heartbeat/liveness signal from a remote worker.
func (w *Worker) Touch(t time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastHeartbeat = t
}

// LastHeartbeat returns the last recorded heartbeat time.
func (w *Worker) LastHeartbeat() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHeartbeat
}

// IsDetached reports whether a remote worker has missed heartbeats for
// longer than timeout — used by the scheduler's worker-health monitor,
// which drives the StoppedWorker retry policy (spec.md §4.5).
func (w *Worker) IsDetached(timeout time.Duration) bool {
	if w.Kind == KindLocal {
		return false
	}
	return time.Since(w.LastHeartbeat()) > timeout
}
