package selector

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

type fakeEstimator struct {
	missing map[int32]int64
}

func (f fakeEstimator) MissingMaterializeBytes(workerID int32, pipID uint32) int64 {
	return f.missing[workerID]
}

func TestCPUSelectorRejectsNonAvailableWorkers(t *testing.T) {
	pool := worker.NewPool(worker.Config{ProcessSlots: 1})
	pool.Local().SetMemory(0, 0, 0, 0, resourcemgr.LowRam)

	s := NewCPUSelector(pool, nil, false)
	if _, ok := s.Select(1, ""); ok {
		t.Fatalf("expected selection to fail: only worker is under memory pressure")
	}
	if s.BlockedCount() != 1 {
		t.Fatalf("expected blocked count to be incremented")
	}
}

func TestCPUSelectorPrefersModuleAffinity(t *testing.T) {
	pool := worker.NewPool(worker.Config{ProcessSlots: 1})
	pool.Local().SetMemory(0, 0, 0, 0, resourcemgr.Available)
	pool.Local().ModuleID = "moduleA"

	remote := pool.Attach(worker.Config{ProcessSlots: 1})
	remote.SetMemory(0, 0, 0, 0, resourcemgr.Available)
	remote.ModuleID = "moduleB"

	s := NewCPUSelector(pool, nil, true)
	id, ok := s.Select(1, "moduleB")
	if !ok {
		t.Fatalf("expected a selection")
	}
	if id != remote.ID {
		t.Fatalf("expected module-affine worker %d to be chosen, got %d", remote.ID, id)
	}
}

func TestCPUSelectorPicksLowestCost(t *testing.T) {
	pool := worker.NewPool(worker.Config{ProcessSlots: 2})
	pool.Local().SetMemory(0, 0, 0, 0, resourcemgr.Available)
	remote := pool.Attach(worker.Config{ProcessSlots: 2})
	remote.SetMemory(0, 0, 0, 0, resourcemgr.Available)

	est := fakeEstimator{missing: map[int32]int64{
		pool.Local().ID: 1000,
		remote.ID:       10,
	}}

	s := NewCPUSelector(pool, est, false)
	id, ok := s.Select(1, "")
	if !ok {
		t.Fatalf("expected a selection")
	}
	if id != remote.ID {
		t.Fatalf("expected lowest-cost worker %d to be chosen, got %d", remote.ID, id)
	}
}

func TestCPUSelectorReturnsFalseWhenSaturated(t *testing.T) {
	pool := worker.NewPool(worker.Config{ProcessSlots: 1})
	pool.Local().SetMemory(0, 0, 0, 0, resourcemgr.Available)
	if !pool.Local().TryAcquire(worker.ActivityProcess) {
		t.Fatalf("setup: expected initial acquire to succeed")
	}

	s := NewCPUSelector(pool, nil, false)
	if _, ok := s.Select(1, ""); ok {
		t.Fatalf("expected selection to fail: no free process slot")
	}
}

func TestCacheLookupSelectorPrefersLeastLoaded(t *testing.T) {
	pool := worker.NewPool(worker.Config{CacheLookupSlots: 5})
	pool.Local().SetMemory(0, 0, 0, 0, resourcemgr.Available)
	remote := pool.Attach(worker.Config{CacheLookupSlots: 5})
	remote.SetMemory(0, 0, 0, 0, resourcemgr.Available)

	pool.Local().TryAcquire(worker.ActivityCacheLookup)
	pool.Local().TryAcquire(worker.ActivityCacheLookup)

	s := NewCacheLookupSelector(pool)
	id, ok := s.Select()
	if !ok {
		t.Fatalf("expected a selection")
	}
	if id != remote.ID {
		t.Fatalf("expected least-loaded worker %d to be chosen, got %d", remote.ID, id)
	}
}

func TestApplyRemoteOversubscriptionAppliesFactorToRemoteOnly(t *testing.T) {
	pool := worker.NewPool(worker.Config{CacheLookupSlots: 2})
	remote := pool.Attach(worker.Config{CacheLookupSlots: 2})

	ApplyRemoteOversubscription(pool.Local(), 2, 5)
	ApplyRemoteOversubscription(remote, 2, 5)

	if got := pool.Local().TotalSlots(worker.ActivityCacheLookup); got != 2 {
		t.Fatalf("expected local worker slot total unchanged, got %d", got)
	}
	if got := remote.TotalSlots(worker.ActivityCacheLookup); got != 10 {
		t.Fatalf("expected remote worker slot total oversubscribed to 10, got %d", got)
	}
}

type fixedProbe struct{ queued int }

func (f fixedProbe) QueuedProcessWork() int { return f.queued }

func TestReleaseTimerReleasesUnderutilizedRemoteWorker(t *testing.T) {
	pool := worker.NewPool(worker.Config{ProcessSlots: 4})
	remote := pool.Attach(worker.Config{ProcessSlots: 4})
	remote.SetState(worker.StateAttached)

	rt := NewReleaseTimer(zap.NewNop(), pool, fixedProbe{queued: 1}, time.Millisecond, 0.9)
	rt.evaluate()

	if _, ok := pool.Get(remote.ID); ok {
		t.Fatalf("expected under-utilized remote worker to be detached")
	}
}

func TestReleaseTimerKeepsWorkerWhenQueueIsHigh(t *testing.T) {
	pool := worker.NewPool(worker.Config{ProcessSlots: 4})
	remote := pool.Attach(worker.Config{ProcessSlots: 4})
	remote.SetState(worker.StateAttached)

	rt := NewReleaseTimer(zap.NewNop(), pool, fixedProbe{queued: 100}, time.Millisecond, 0.9)
	rt.evaluate()

	if _, ok := pool.Get(remote.ID); !ok {
		t.Fatalf("expected remote worker to remain attached under heavy queue")
	}
}
