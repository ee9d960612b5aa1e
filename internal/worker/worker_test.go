package worker

import (
	"testing"

	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
)

func TestTryAcquireRespectsPoolTotal(t *testing.T) {
	w := New(0, KindLocal, Config{ProcessSlots: 1})
	w.SetMemory(0, 0, 0, 0, resourcemgr.Available)

	if !w.TryAcquire(ActivityProcess) {
		t.Fatalf("expected first acquire to succeed")
	}
	if w.TryAcquire(ActivityProcess) {
		t.Fatalf("expected second acquire to fail: pool exhausted")
	}
	w.Release(ActivityProcess)
	if !w.TryAcquire(ActivityProcess) {
		t.Fatalf("expected acquire to succeed after release")
	}
}

func TestTryAcquireProcessRejectsUnderMemoryPressure(t *testing.T) {
	w := New(0, KindLocal, Config{ProcessSlots: 4})
	w.SetMemory(0, 0, 0, 0, resourcemgr.LowRam)

	if w.TryAcquire(ActivityProcess) {
		t.Fatalf("expected process acquire to be rejected under LowRam")
	}
	// Cache-lookup acquisition is not memory-gated.
	w2 := New(0, KindLocal, Config{CacheLookupSlots: 1})
	w2.SetMemory(0, 0, 0, 0, resourcemgr.LowRam)
	if !w2.TryAcquire(ActivityCacheLookup) {
		t.Fatalf("expected cache-lookup acquire to ignore memory pressure")
	}
}

func TestPoolAttachDetach(t *testing.T) {
	p := NewPool(Config{ProcessSlots: 1})
	if p.Count() != 1 {
		t.Fatalf("expected local worker only, got %d", p.Count())
	}
	remote := p.Attach(Config{ProcessSlots: 2})
	if p.Count() != 2 {
		t.Fatalf("expected 2 workers after attach, got %d", p.Count())
	}
	p.Detach(remote.ID)
	if p.Count() != 1 {
		t.Fatalf("expected 1 worker after detach, got %d", p.Count())
	}
	p.Detach(0)
	if p.Count() != 1 {
		t.Fatalf("expected local worker to survive detach(0)")
	}
}
