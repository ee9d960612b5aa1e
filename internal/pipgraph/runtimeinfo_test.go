package pipgraph

import "testing"

func TestTrySetStateMonotonic(t *testing.T) {
	ri := NewRuntimeInfo(1, PipTypeProcess, 0)

	if !ri.TrySetState(PipStateReady) {
		t.Fatalf("expected Ignored -> Ready to succeed")
	}
	if ri.TrySetState(PipStateWaiting) {
		t.Fatalf("expected Ready -> Waiting (backward) to fail")
	}
	if !ri.TrySetState(PipStateRunning) {
		t.Fatalf("expected Ready -> Running to succeed")
	}
	if !ri.TrySetState(PipStateDone) {
		t.Fatalf("expected Running -> Done to succeed")
	}
	if ri.RefCount() != CompletedRefCount {
		t.Fatalf("expected ref_count == -1 once terminal (I3), got %d", ri.RefCount())
	}
	if ri.TrySetState(PipStateFailed) {
		t.Fatalf("expected terminal -> any transition to be rejected (monotonicity)")
	}
	if ri.State() != PipStateDone {
		t.Fatalf("expected state to remain Done, got %v", ri.State())
	}
}

func TestTrySetStateIdempotentUnderRace(t *testing.T) {
	ri := NewRuntimeInfo(1, PipTypeProcess, 2)
	ri.TrySetState(PipStateReady)
	ri.TrySetState(PipStateRunning)

	// Two concurrent callers racing to mark the same pip Skipped: only one
	// logical transition should be observed, and repeated calls must be
	// safe no-ops (spec.md §4.1 "idempotent under races via a CAS retry
	// loop").
	first := ri.TrySetState(PipStateSkipped)
	second := ri.TrySetState(PipStateSkipped)
	if !first {
		t.Fatalf("expected first transition to Skipped to succeed")
	}
	if second {
		t.Fatalf("expected second transition to Skipped to be a no-op")
	}
}

func TestDecrementRefCountExactlyOncePerEdge(t *testing.T) {
	ri := NewRuntimeInfo(2, PipTypeProcess, 2)
	if got := ri.DecrementRefCount(); got != 1 {
		t.Fatalf("expected ref_count 1 after first decrement, got %d", got)
	}
	if got := ri.DecrementRefCount(); got != 0 {
		t.Fatalf("expected ref_count 0 after second decrement, got %d", got)
	}
}

func TestPriorityEncodingSaturates(t *testing.T) {
	p := EncodePriority(0xFF, MaxCriticalPathMs+1000)
	if p != MaxInitialPipPriority {
		t.Fatalf("expected saturated encoding to equal MaxInitialPipPriority, got %d want %d", p, MaxInitialPipPriority)
	}

	p2 := EncodePriority(1, 10)
	want := int32(1<<CriticalPathPriorityBitCount) | 10
	if p2 != want {
		t.Fatalf("EncodePriority(1, 10) = %d, want %d", p2, want)
	}
}

func TestCountersMoveAndSnapshot(t *testing.T) {
	c := NewCounters()
	c.Move(PipTypeProcess, PipStateIgnored, PipStateWaiting)
	c.Move(PipTypeProcess, PipStateWaiting, PipStateReady)
	c.Move(PipTypeCopyFile, PipStateIgnored, PipStateReady)

	snap := c.Snapshot()
	if snap.Total(PipStateReady) != 2 {
		t.Fatalf("expected 2 pips Ready total, got %d", snap.Total(PipStateReady))
	}
	if snap[PipTypeProcess][PipStateWaiting] != 0 {
		t.Fatalf("expected Process Waiting count to be decremented to 0, got %d", snap[PipTypeProcess][PipStateWaiting])
	}
}

func TestMemoryCountersInflate(t *testing.T) {
	m := MemoryCounters{PeakWorkingSetMb: 100}
	inflated := m.Inflate(1.25)
	if inflated.PeakWorkingSetMb != 125 {
		t.Fatalf("expected 125 after 1.25x inflate, got %d", inflated.PeakWorkingSetMb)
	}
	if m.PeakWorkingSetMb != 100 {
		t.Fatalf("expected original MemoryCounters to remain unmutated, got %d", m.PeakWorkingSetMb)
	}

	m2 := MemoryCounters{PeakWorkingSetMb: 100, ObservedPeakMb: 400}
	inflated2 := m2.Inflate(1.25)
	if inflated2.PeakWorkingSetMb != 400 {
		t.Fatalf("expected observed peak to win when larger, got %d", inflated2.PeakWorkingSetMb)
	}
}
