package resourcemgr

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

type fakeSampler struct {
	sample MachineSample
}

func (f fakeSampler) Sample() (MachineSample, error) { return f.sample, nil }

type fakePip struct {
	id          pipgraph.PipId
	mem         pipgraph.MemoryCounters
	startedAt   time.Time
	workerID    int32
	suspended   bool
	canceled    bool
	resumed     bool
	requeued    bool
}

func (p *fakePip) PipID() pipgraph.PipId                   { return p.id }
func (p *fakePip) ExpectedMemory() pipgraph.MemoryCounters  { return p.mem }
func (p *fakePip) StartedAt() time.Time                    { return p.startedAt }
func (p *fakePip) WorkerID() int32                         { return p.workerID }
func (p *fakePip) EmptyWorkingSet() int64                  { return 0 }
func (p *fakePip) Suspend() int64                          { p.suspended = true; return p.mem.PeakWorkingSetMb }
func (p *fakePip) Resume()                                 { p.resumed = true; p.suspended = false }
func (p *fakePip) Cancel()                                 { p.canceled = true }
func (p *fakePip) Requeue()                                { p.requeued = true }

func newTestManager(sample MachineSample) *Manager {
	cfg := config.ResourcesConfig{
		SampleInterval:             time.Second,
		RamPressureThresholdPct:    0.90,
		RamMinFreeMb:               512,
		CommitPressureThresholdPct: 0.92,
		CommitCriticalThresholdPct: 0.98,
	}
	return NewManager(zap.NewNop(), cfg, fakeSampler{sample: sample})
}

func TestTieredPolicySuspendsLargestPipUnderRamPressure(t *testing.T) {
	m := newTestManager(MachineSample{TotalRAMMb: 1000, FreeRAMMb: 50, TotalCommitMb: 2000, UsedCommitMb: 500})

	small := &fakePip{id: 1, mem: pipgraph.MemoryCounters{PeakWorkingSetMb: 100}, startedAt: time.Now()}
	big := &fakePip{id: 2, mem: pipgraph.MemoryCounters{PeakWorkingSetMb: 900}, startedAt: time.Now()}
	m.TrackStart(small)
	m.TrackStart(big)

	m.tick()

	if !big.suspended {
		t.Fatalf("expected the larger pip to be suspended first")
	}
	if small.suspended {
		t.Fatalf("expected the smaller pip to remain running")
	}
}

func TestCriticalCommitCancelsImmediately(t *testing.T) {
	m := newTestManager(MachineSample{TotalRAMMb: 1000, FreeRAMMb: 900, TotalCommitMb: 1000, UsedCommitMb: 990})

	p := &fakePip{id: 1, mem: pipgraph.MemoryCounters{PeakWorkingSetMb: 100}, startedAt: time.Now()}
	m.TrackStart(p)

	m.tick()

	if !p.canceled {
		t.Fatalf("expected pip to be canceled under critical commit pressure")
	}
}

func TestResumeSuspendedWhenPressureClears(t *testing.T) {
	m := newTestManager(MachineSample{TotalRAMMb: 1000, FreeRAMMb: 900, TotalCommitMb: 2000, UsedCommitMb: 500})

	p := &fakePip{id: 1, mem: pipgraph.MemoryCounters{PeakWorkingSetMb: 100}, startedAt: time.Now()}
	m.mu.Lock()
	m.suspended[p.id] = p
	m.suspendedExpectedRAM = 100
	m.mu.Unlock()

	m.resumeSuspended(900)

	if !p.resumed {
		t.Fatalf("expected suspended pip to be resumed once pressure cleared")
	}
}
