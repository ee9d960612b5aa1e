package dag

import (
	"testing"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// a -> b -> c (heavy edges), all Process pips.
func buildChain(t *testing.T) (*Driver, *pipgraph.Table) {
	t.Helper()
	g := collab.NewMemGraph()
	g.AddNode(1, pipgraph.PipTypeProcess)
	g.AddNode(2, pipgraph.PipTypeProcess)
	g.AddNode(3, pipgraph.PipTypeProcess)
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)

	table := pipgraph.NewTable()
	table.Insert(pipgraph.NewRuntimeInfo(1, pipgraph.PipTypeProcess, 0))
	table.Insert(pipgraph.NewRuntimeInfo(2, pipgraph.PipTypeProcess, 1))
	table.Insert(pipgraph.NewRuntimeInfo(3, pipgraph.PipTypeProcess, 1))

	d := NewDriver(zap.NewNop(), g, table, config.Defaults())
	d.AddEdge(Edge{From: 1, To: 2, Heavy: true})
	d.AddEdge(Edge{From: 2, To: 3, Heavy: true})
	return d, table
}

func TestInitForMasterSeedsReadinessByHeavyInDegree(t *testing.T) {
	d, table := buildChain(t)
	d.InitForMaster([]pipgraph.PipId{1, 2, 3})

	ri1, _ := table.Get(1)
	ri2, _ := table.Get(2)
	ri3, _ := table.Get(3)

	if ri1.State() != pipgraph.PipStateReady {
		t.Fatalf("expected source node 1 to be Ready, got %v", ri1.State())
	}
	if ri2.State() != pipgraph.PipStateWaiting || ri2.RefCount() != 1 {
		t.Fatalf("expected node 2 Waiting with refcount 1, got %v/%d", ri2.State(), ri2.RefCount())
	}
	if ri3.State() != pipgraph.PipStateWaiting || ri3.RefCount() != 1 {
		t.Fatalf("expected node 3 Waiting with refcount 1, got %v/%d", ri3.State(), ri3.RefCount())
	}
}

func TestInitForMasterComputesCriticalPathDescendingFromSinks(t *testing.T) {
	d, table := buildChain(t)
	d.InitForMaster([]pipgraph.PipId{1, 2, 3})

	ri1, _ := table.Get(1)
	ri3, _ := table.Get(3)

	// node 3 is a sink: critical path == its own estimate only.
	// node 1 is the deepest source: critical path accumulates through 2 and 3.
	if ri1.Priority() <= ri3.Priority() {
		t.Fatalf("expected upstream node's critical-path priority to exceed the sink's, got %d vs %d", ri1.Priority(), ri3.Priority())
	}
}

type fakeSeeder struct {
	seeded []pipgraph.PipId
}

func (s *fakeSeeder) Seed(id pipgraph.PipId, priority int32) {
	s.seeded = append(s.seeded, id)
}

func TestPropagateDecrementsAndSeedsOnRefCountZero(t *testing.T) {
	d, table := buildChain(t)
	d.InitForMaster([]pipgraph.PipId{1, 2, 3})

	ri1, _ := table.Get(1)
	ri1.SetResult(pipgraph.ResultExecuted)
	ri1.TrySetState(pipgraph.PipStateRunning)
	ri1.TrySetState(pipgraph.PipStateDone)

	seeder := &fakeSeeder{}
	d.Propagate(1, ri1, seeder)

	ri2, _ := table.Get(2)
	if ri2.RefCount() != 0 {
		t.Fatalf("expected node 2 refcount decremented to 0, got %d", ri2.RefCount())
	}
	if ri2.State() != pipgraph.PipStateReady {
		t.Fatalf("expected node 2 to become Ready, got %v", ri2.State())
	}
	if len(seeder.seeded) != 1 || seeder.seeded[0] != 2 {
		t.Fatalf("expected seeder to receive node 2")
	}
}

func TestPropagateSkipsDependentsOnFailure(t *testing.T) {
	d, table := buildChain(t)
	d.InitForMaster([]pipgraph.PipId{1, 2, 3})

	ri1, _ := table.Get(1)
	ri1.SetResult(pipgraph.ResultFailed)
	ri1.TrySetState(pipgraph.PipStateRunning)
	ri1.TrySetState(pipgraph.PipStateFailed)

	d.Propagate(1, ri1, nil)

	ri2, _ := table.Get(2)
	if ri2.State() != pipgraph.PipStateSkipped {
		t.Fatalf("expected node 2 to be skipped after upstream failure, got %v", ri2.State())
	}
	if ri2.Result() != pipgraph.ResultSkipped {
		t.Fatalf("expected node 2's result recorded as Skipped, got %v", ri2.Result())
	}
}

// a -> c, b -> c (heavy edges): c has two heavy predecessors.
func buildFanIn(t *testing.T) (*Driver, *pipgraph.Table) {
	t.Helper()
	g := collab.NewMemGraph()
	g.AddNode(1, pipgraph.PipTypeProcess)
	g.AddNode(2, pipgraph.PipTypeProcess)
	g.AddNode(3, pipgraph.PipTypeProcess)
	g.AddEdge(1, 3)
	g.AddEdge(2, 3)

	table := pipgraph.NewTable()
	table.Insert(pipgraph.NewRuntimeInfo(1, pipgraph.PipTypeProcess, 0))
	table.Insert(pipgraph.NewRuntimeInfo(2, pipgraph.PipTypeProcess, 0))
	table.Insert(pipgraph.NewRuntimeInfo(3, pipgraph.PipTypeProcess, 2))

	d := NewDriver(zap.NewNop(), g, table, config.Defaults())
	d.AddEdge(Edge{From: 1, To: 3, Heavy: true})
	d.AddEdge(Edge{From: 2, To: 3, Heavy: true})
	return d, table
}

// A dependent with two heavy predecessors must land ref_count at exactly
// CompletedRefCount (-1) once skipped, not one decrement further per
// additional predecessor (invariant I3, property P1).
func TestPropagateSkipDoesNotOverDecrementFanInRefCount(t *testing.T) {
	d, table := buildFanIn(t)
	d.InitForMaster([]pipgraph.PipId{1, 2, 3})

	ri1, _ := table.Get(1)
	ri1.SetResult(pipgraph.ResultFailed)
	ri1.TrySetState(pipgraph.PipStateRunning)
	ri1.TrySetState(pipgraph.PipStateFailed)
	d.Propagate(1, ri1, nil)

	ri3, _ := table.Get(3)
	if ri3.RefCount() != pipgraph.CompletedRefCount {
		t.Fatalf("expected node 3 refcount == %d after first predecessor's skip propagation, got %d", pipgraph.CompletedRefCount, ri3.RefCount())
	}

	ri2, _ := table.Get(2)
	ri2.SetResult(pipgraph.ResultExecuted)
	ri2.TrySetState(pipgraph.PipStateRunning)
	ri2.TrySetState(pipgraph.PipStateDone)
	d.Propagate(2, ri2, nil)

	if ri3.RefCount() != pipgraph.CompletedRefCount {
		t.Fatalf("expected node 3 refcount to stay at %d after second predecessor's propagation, got %d", pipgraph.CompletedRefCount, ri3.RefCount())
	}
	if ri3.State() != pipgraph.PipStateSkipped {
		t.Fatalf("expected node 3 to remain Skipped, got %v", ri3.State())
	}
}

func TestDeclareServiceClientClosesScheduledSet(t *testing.T) {
	d, _ := buildChain(t)
	d.DeclareServiceClient(2, 99)

	shutdowns := d.ServiceShutdownPips()
	if len(shutdowns) != 1 || shutdowns[0] != 99 {
		t.Fatalf("expected shutdown pip 99 in the closure, got %v", shutdowns)
	}
}
