package dispatch

import (
	"testing"
	"time"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

func TestSemaphoreTierHoldsUntilReleased(t *testing.T) {
	sem := NewSemaphore("gpu", 1)
	sem.TryAcquire() // saturate it

	tier := &SemaphoreTier{}
	pip := pipgraph.NewRunnablePip(1, pipgraph.PipTypeProcess, 0, time.Now())
	tier.Hold(pip, []*Semaphore{sem})

	if len(tier.DrainReady()) != 0 {
		t.Fatalf("expected no ready waiters while semaphore saturated")
	}
	if tier.Len() != 1 {
		t.Fatalf("expected pip to remain in tier")
	}

	sem.Release()
	ready := tier.DrainReady()
	if len(ready) != 1 || ready[0].Pip.PipID != pip.PipID {
		t.Fatalf("expected pip to become ready after semaphore release")
	}
	if tier.Len() != 0 {
		t.Fatalf("expected tier to be empty after drain")
	}
}

func TestSemaphoreTierRequiresAllSemaphores(t *testing.T) {
	a := NewSemaphore("a", 1)
	b := NewSemaphore("b", 1)
	b.TryAcquire()

	tier := &SemaphoreTier{}
	pip := pipgraph.NewRunnablePip(1, pipgraph.PipTypeProcess, 0, time.Now())
	tier.Hold(pip, []*Semaphore{a, b})

	tier.DrainReady()
	if !a.TryAcquire() {
		t.Fatalf("expected semaphore a to not have been consumed by the failed all-or-nothing acquire")
	}
}
