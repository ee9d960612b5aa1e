package selector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/worker"
)

// QueuedWorkProbe reports the dispatcher's current queued-process-work
// count, used by the early-release timer to decide whether the pool is
// over-provisioned (spec.md §4.3).
type QueuedWorkProbe interface {
	QueuedProcessWork() int
}

// ReleaseTimer periodically releases the least-loaded remote worker when
// the pool has more process capacity than the queue needs: "if
// queued_process_work < capacity_without_one_worker * release_multiplier,
// the least-loaded remote worker is released (graceful shutdown)"
// (spec.md §4.3).
type ReleaseTimer struct {
	log        *zap.Logger
	pool       *worker.Pool
	probe      QueuedWorkProbe
	interval   time.Duration
	multiplier float64
}

// NewReleaseTimer constructs a ReleaseTimer.
func NewReleaseTimer(log *zap.Logger, pool *worker.Pool, probe QueuedWorkProbe, interval time.Duration, multiplier float64) *ReleaseTimer {
	return &ReleaseTimer{log: log, pool: pool, probe: probe, interval: interval, multiplier: multiplier}
}

// Run blocks, evaluating the release condition on each tick until ctx is
// canceled.
func (r *ReleaseTimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluate()
		}
	}
}

func (r *ReleaseTimer) evaluate() {
	totalCapacity, remoteCount := 0, 0
	var leastLoaded *worker.Worker
	leastInUse := -1

	r.pool.Range(func(w *worker.Worker) {
		totalCapacity += w.TotalSlots(worker.ActivityProcess)
		if w.Kind != worker.KindRemote || w.State() != worker.StateAttached {
			return
		}
		remoteCount++
		inUse := w.InUse(worker.ActivityProcess)
		if leastLoaded == nil || inUse < leastInUse {
			leastLoaded, leastInUse = w, inUse
		}
	})

	if remoteCount == 0 || leastLoaded == nil {
		return
	}

	capacityWithoutOne := totalCapacity - leastLoaded.TotalSlots(worker.ActivityProcess)
	queued := 0
	if r.probe != nil {
		queued = r.probe.QueuedProcessWork()
	}

	threshold := float64(capacityWithoutOne) * r.multiplier
	if float64(queued) < threshold {
		r.log.Info("releasing under-utilized remote worker",
			zap.Int32("worker_id", leastLoaded.ID),
			zap.Int("queued_process_work", queued),
			zap.Float64("threshold", threshold))
		leastLoaded.SetState(worker.StateStopping)
		r.pool.Detach(leastLoaded.ID)
	}
}
