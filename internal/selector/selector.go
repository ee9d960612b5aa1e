// Package selector implements C5: the two worker selectors. Both apply a
// sequential sieve-then-rank policy — reject ineligible workers, then pick
// the lowest-cost survivor — the same "evaluate thresholds/gates in a fixed
// order, first match wins" shape as a severity-threshold table, generalized
// from "pick a target isolation state" to "pick a target worker".
package selector

import (
	"sync/atomic"

	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

// SetupCost describes a candidate worker's estimated cost to run a pip, per
// spec.md §4.3: "required_materialization_bytes_not_yet_present_on_worker +
// slot_pressure_penalty".
type SetupCost struct {
	WorkerID                int32
	MissingMaterializeBytes int64
	SlotPressurePenalty     int64
	AcquiredProcessSlots    int
}

// cost is the single scalar the CPU selector ranks candidates by.
func (c SetupCost) cost() int64 {
	return c.MissingMaterializeBytes + c.SlotPressurePenalty
}

// CostEstimator computes the materialization-bytes-missing term of a
// candidate's setup cost — delegated to the content-cache collaborator
// (spec.md §6), so the selector itself stays free of cache internals.
type CostEstimator interface {
	MissingMaterializeBytes(workerID int32, pipID uint32) int64
}

// CPUSelector implements the ChooseWorkerCpu policy of spec.md §4.3.
type CPUSelector struct {
	pool                  *worker.Pool
	estimator             CostEstimator
	moduleAffinityEnabled bool

	blockedCount atomic.Int64
}

// NewCPUSelector constructs a CPUSelector.
func NewCPUSelector(pool *worker.Pool, estimator CostEstimator, moduleAffinityEnabled bool) *CPUSelector {
	return &CPUSelector{pool: pool, estimator: estimator, moduleAffinityEnabled: moduleAffinityEnabled}
}

// BlockedCount returns the number of failed selection attempts so far, used
// by status telemetry to name the "limiting resource" (spec.md §4.3).
func (s *CPUSelector) BlockedCount() int64 { return s.blockedCount.Load() }

// Select chooses a worker for a Process/Ipc pip at ChooseWorkerCpu. Returns
// (workerID, true) on success, or (0, false) if no worker currently fits —
// the caller must re-enqueue and await a slot-released/worker-attached
// notification (spec.md §4.3 step 5).
func (s *CPUSelector) Select(pipID uint32, preferredModule string) (int32, bool) {
	candidates := s.eligibleWorkers()
	if len(candidates) == 0 {
		s.blockedCount.Add(1)
		return 0, false
	}

	if s.moduleAffinityEnabled && preferredModule != "" {
		var affine []*worker.Worker
		for _, w := range candidates {
			if w.ModuleID == preferredModule {
				affine = append(affine, w)
			}
		}
		if len(affine) > 0 {
			candidates = affine
		}
	}

	best, ok := s.pickLowestCost(candidates, pipID)
	if !ok {
		s.blockedCount.Add(1)
		return 0, false
	}
	return best, true
}

func (s *CPUSelector) eligibleWorkers() []*worker.Worker {
	var out []*worker.Worker
	s.pool.Range(func(w *worker.Worker) {
		if w.MemoryResource() != resourcemgr.Available {
			return
		}
		out = append(out, w)
	})
	return out
}

// pickLowestCost reserves a process slot on the lowest-setup-cost
// candidate, breaking ties by fewest acquired process slots (spec.md §4.3
// steps 3-4). Returns false if none of the candidates currently has a free
// process slot.
func (s *CPUSelector) pickLowestCost(candidates []*worker.Worker, pipID uint32) (int32, bool) {
	var best *worker.Worker
	var bestCost SetupCost
	haveBest := false

	for _, w := range candidates {
		inUse := w.InUse(worker.ActivityProcess)
		missing := int64(0)
		if s.estimator != nil {
			missing = s.estimator.MissingMaterializeBytes(w.ID, pipID)
		}
		cand := SetupCost{
			WorkerID:                w.ID,
			MissingMaterializeBytes: missing,
			SlotPressurePenalty:     int64(inUse),
			AcquiredProcessSlots:    inUse,
		}
		if !haveBest {
			best, bestCost, haveBest = w, cand, true
			continue
		}
		if cand.cost() < bestCost.cost() ||
			(cand.cost() == bestCost.cost() && cand.AcquiredProcessSlots < bestCost.AcquiredProcessSlots) {
			best, bestCost = w, cand
		}
	}

	if !haveBest {
		return 0, false
	}
	if !best.TryAcquire(worker.ActivityProcess) {
		return 0, false
	}
	return best.ID, true
}

// CacheLookupSelector implements the ChooseWorkerCacheLookup policy: the
// same eligibility sieve as the CPU selector, but ranking by raw slot
// pressure only (cache lookup has no materialization-bytes term — the
// lookup itself determines what, if anything, needs materializing).
type CacheLookupSelector struct {
	pool         *worker.Pool
	blockedCount atomic.Int64
}

// NewCacheLookupSelector constructs a CacheLookupSelector.
func NewCacheLookupSelector(pool *worker.Pool) *CacheLookupSelector {
	return &CacheLookupSelector{pool: pool}
}

// BlockedCount returns the number of failed selection attempts so far.
func (s *CacheLookupSelector) BlockedCount() int64 { return s.blockedCount.Load() }

// Select chooses the least-loaded eligible worker's cache-lookup slot.
func (s *CacheLookupSelector) Select() (int32, bool) {
	var best *worker.Worker
	bestInUse := -1

	s.pool.Range(func(w *worker.Worker) {
		if w.MemoryResource() != resourcemgr.Available {
			return
		}
		inUse := w.InUse(worker.ActivityCacheLookup)
		if best == nil || inUse < bestInUse {
			best, bestInUse = w, inUse
		}
	})

	if best == nil || !best.TryAcquire(worker.ActivityCacheLookup) {
		s.blockedCount.Add(1)
		return 0, false
	}
	return best.ID, true
}

// ApplyRemoteOversubscription sets a remote worker's cache-lookup slot
// total to baseSlots times factor (spec.md §4.3: "remote workers are
// oversubscribed by 5x because cache lookup is I/O-dominated"). Called once
// at attach time with the worker's configured cache-lookup slot count as
// baseSlots.
func ApplyRemoteOversubscription(w *worker.Worker, baseSlots, factor int) {
	if w.Kind != worker.KindRemote {
		return
	}
	w.SetTotalSlots(worker.ActivityCacheLookup, baseSlots*factor)
}
