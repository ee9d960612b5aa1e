package scheduler

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/perf"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// buildChainGraph builds a -> b -> c, all Process pips (b, c depend on
// their predecessor running first).
func buildChainGraph() *collab.MemGraph {
	g := collab.NewMemGraph()
	g.AddNode(1, pipgraph.PipTypeProcess)
	g.AddNode(2, pipgraph.PipTypeProcess)
	g.AddNode(3, pipgraph.PipTypeProcess)
	g.AddEdge(1, 2)
	g.AddEdge(2, 3)
	return g
}

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	cfg := config.Defaults()
	cfg.Dispatch.IOAdaptiveDegree = false // no DiskSampler wired in tests

	s := New(zap.NewNop(), cfg, Deps{
		Graph:   buildChainGraph(),
		Cache:   collab.NewMemCache(),
		Process: collab.NopProcessRunner{},
	}, nil, perf.NewMetrics())
	return s
}

func TestSchedulerRunsChainToCompletion(t *testing.T) {
	s := newTestScheduler(t)

	if err := s.InitForMaster([]pipgraph.PipId{3}); err != nil {
		t.Fatalf("InitForMaster: %v", err)
	}
	if s.Table().Len() != 3 {
		t.Fatalf("expected 3 pips in the scheduled set, got %d", s.Table().Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Dispose()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer drainCancel()
	if err := s.Drain(drainCtx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	for _, id := range []pipgraph.PipId{1, 2, 3} {
		ri, ok := s.Table().Get(id)
		if !ok {
			t.Fatalf("pip %d missing from table", id)
		}
		if ri.State() != pipgraph.PipStateDone {
			t.Fatalf("expected pip %d Done, got %v", id, ri.State())
		}
		if ri.Result() != pipgraph.ResultExecuted {
			t.Fatalf("expected pip %d ResultExecuted, got %v", id, ri.Result())
		}
	}

	s.WhenDone(context.Background())
}

func TestSchedulerInitForMasterRejectsUnknownPip(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.InitForMaster([]pipgraph.PipId{99}); err == nil {
		t.Fatalf("expected error for unscheduled root pip")
	}
}

func TestSchedulerDisposeIsIdempotent(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.InitForMaster([]pipgraph.PipId{1}); err != nil {
		t.Fatalf("InitForMaster: %v", err)
	}

	s.Start(context.Background())
	s.Dispose()
	s.Dispose() // must not panic or block
}

func TestSchedulerStatusReflectsScheduledCounts(t *testing.T) {
	s := newTestScheduler(t)
	if err := s.InitForMaster([]pipgraph.PipId{3}); err != nil {
		t.Fatalf("InitForMaster: %v", err)
	}

	snap := s.Status()
	if snap.WorkersAttached != 1 {
		t.Fatalf("expected 1 attached worker (local only), got %d", snap.WorkersAttached)
	}
}
