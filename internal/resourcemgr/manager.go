// Package resourcemgr implements C6: the resource manager that samples
// RAM/commit pressure on a timer and suspends, cancels, or resumes running
// pips to stay within configured limits (spec.md §4.4).
package resourcemgr

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// MemoryResource is the closed set of a worker's memory-pressure
// classifications (spec.md §3 Worker).
type MemoryResource uint8

const (
	Available MemoryResource = iota
	LowRam
	LowCommit
	LowRamAndCommit
)

func (m MemoryResource) String() string {
	switch m {
	case Available:
		return "Available"
	case LowRam:
		return "LowRam"
	case LowCommit:
		return "LowCommit"
	case LowRamAndCommit:
		return "LowRamAndCommit"
	default:
		return "Unknown"
	}
}

// InFlightPip is the view of a running pip the resource manager needs in
// order to apply the tiered RAM policy, without depending on the runner
// package directly.
type InFlightPip interface {
	PipID() pipgraph.PipId
	ExpectedMemory() pipgraph.MemoryCounters
	StartedAt() time.Time
	// WorkerID returns the worker the pip is currently assigned to, used
	// by the façade's worker-health monitor to find every pip running on
	// a worker that has gone detached (spec.md §4.5 "StoppedWorker retry").
	WorkerID() int32
	// EmptyWorkingSet asks the OS to trim the process's working set
	// (e.g. a cooperative malloc_trim / EmptyWorkingSet-equivalent hint)
	// without interrupting execution. Returns the RAM recovered, in MB.
	EmptyWorkingSet() int64
	// Suspend pauses pip execution (e.g. SIGSTOP-equivalent) and returns
	// the RAM the pip is expected to hold while suspended.
	Suspend() int64
	// Resume resumes a previously suspended pip.
	Resume()
	// Cancel aborts the pip for resource reasons; the caller is
	// responsible for driving the runner's LowMemory retry policy.
	Cancel()
	// Requeue implements the StoppedWorker retry policy: releases the
	// pip's worker assignment and sends it back through worker selection,
	// or fails it permanently once its retry cap is exhausted.
	Requeue()
}

// Manager runs the resource-sampling timer and the tiered RAM/commit
// policy. It never acquires the RunnablePip mutex itself: all actions
// against an in-flight pip go through the InFlightPip interface so the
// manager and the runner never contend on the same lock ordering.
type Manager struct {
	log     *zap.Logger
	cfg     config.ResourcesConfig
	sampler Sampler

	ramAcc    *Accumulator
	commitAcc *Accumulator

	mu         sync.Mutex
	inFlight   map[pipgraph.PipId]InFlightPip
	suspended  map[pipgraph.PipId]InFlightPip
	suspendedExpectedRAM int64

	resource MemoryResource
}

// NewManager constructs a Manager. sampler is pluggable so tests can inject
// a synthetic Sampler instead of reading real system memory.
func NewManager(log *zap.Logger, cfg config.ResourcesConfig, sampler Sampler) *Manager {
	return &Manager{
		log:       log,
		cfg:       cfg,
		sampler:   sampler,
		ramAcc:    NewAccumulator(DefaultSmoothingAlpha),
		commitAcc: NewAccumulator(DefaultSmoothingAlpha),
		inFlight:  make(map[pipgraph.PipId]InFlightPip),
		suspended: make(map[pipgraph.PipId]InFlightPip),
		resource:  Available,
	}
}

// TrackStart registers a pip as running, making it eligible for the tiered
// policy's suspend/cancel actions.
func (m *Manager) TrackStart(p InFlightPip) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight[p.PipID()] = p
}

// TrackDone unregisters a pip, whether it completed normally or was
// suspended and later failed its retry cap.
func (m *Manager) TrackDone(id pipgraph.PipId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inFlight, id)
	if sp, ok := m.suspended[id]; ok {
		m.suspendedExpectedRAM -= sp.ExpectedMemory().PeakWorkingSetMb
		delete(m.suspended, id)
	}
}

// PipsOnWorker returns every tracked in-flight pip currently assigned to
// workerID, used by the façade's worker-health monitor when a worker is
// detected detached (spec.md §4.5 "StoppedWorker retry").
func (m *Manager) PipsOnWorker(workerID int32) []InFlightPip {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []InFlightPip
	for _, p := range m.inFlight {
		if p.WorkerID() == workerID {
			out = append(out, p)
		}
	}
	return out
}

// Resource returns the manager's last-computed memory-resource
// classification.
func (m *Manager) Resource() MemoryResource {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resource
}

// Run blocks, sampling on cfg.SampleInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) tick() {
	sample, err := m.sampler.Sample()
	if err != nil {
		m.log.Warn("resource sample failed", zap.Error(err))
		return
	}

	ramPct := m.ramAcc.Update(sample.RAMPercentUsed())
	commitPct := m.commitAcc.Update(sample.CommitPercentUsed())

	m.mu.Lock()
	effectiveFreeRAM := sample.FreeRAMMb + m.suspendedExpectedRAM
	lowRam := ramPct > m.cfg.RamPressureThresholdPct && effectiveFreeRAM < m.cfg.RamMinFreeMb
	lowCommit := commitPct > m.cfg.CommitPressureThresholdPct
	critical := commitPct >= m.cfg.CommitCriticalThresholdPct

	switch {
	case lowRam && lowCommit:
		m.resource = LowRamAndCommit
	case lowRam:
		m.resource = LowRam
	case lowCommit:
		m.resource = LowCommit
	default:
		m.resource = Available
	}
	resource := m.resource
	m.mu.Unlock()

	if critical {
		m.cancelForCriticalCommit()
		return
	}

	switch resource {
	case Available:
		m.resumeSuspended(sample.FreeRAMMb)
	case LowRam, LowRamAndCommit:
		m.applyTieredRamPolicy()
	}
}

// applyTieredRamPolicy implements "empty-working-set → suspend → cancel",
// preferring the largest and most-recent pip in each class (spec.md §4.4).
func (m *Manager) applyTieredRamPolicy() {
	candidates := m.sortedByLargestMostRecent()
	if len(candidates) == 0 {
		return
	}

	// Tier 1: empty working set — try every candidate, cheapest action.
	for _, p := range candidates {
		freed := p.EmptyWorkingSet()
		if freed > 0 {
			m.log.Debug("emptied working set", zap.Uint32("pip_id", uint32(p.PipID())), zap.Int64("freed_mb", freed))
		}
	}

	// Tier 2: suspend the single largest/most-recent candidate.
	target := candidates[0]
	m.mu.Lock()
	_, alreadySuspended := m.suspended[target.PipID()]
	m.mu.Unlock()
	if alreadySuspended {
		// Already suspended and pressure persists: escalate to cancel.
		m.log.Warn("canceling already-suspended pip under continued RAM pressure", zap.Uint32("pip_id", uint32(target.PipID())))
		target.Cancel()
		m.TrackDone(target.PipID())
		return
	}

	expectedRAM := target.Suspend()
	m.mu.Lock()
	m.suspended[target.PipID()] = target
	m.suspendedExpectedRAM += expectedRAM
	m.mu.Unlock()
	m.log.Info("suspended pip for RAM pressure", zap.Uint32("pip_id", uint32(target.PipID())), zap.Int64("expected_ram_mb", expectedRAM))
}

// cancelForCriticalCommit cancels the largest/most-recent in-flight pip
// immediately to free commit (spec.md §4.4: "Critical commit (>= 98%)
// triggers immediate pip cancellation").
func (m *Manager) cancelForCriticalCommit() {
	candidates := m.sortedByLargestMostRecent()
	if len(candidates) == 0 {
		return
	}
	target := candidates[0]
	m.log.Warn("canceling pip: critical commit pressure", zap.Uint32("pip_id", uint32(target.PipID())))
	target.Cancel()
	m.TrackDone(target.PipID())
}

// resumeSuspended resumes suspended pips in descending order of expected
// peak working set, up to the freed RAM budget (spec.md §4.4). Remaining
// execution time is not considered.
func (m *Manager) resumeSuspended(freeRAMMb int64) {
	m.mu.Lock()
	if len(m.suspended) == 0 {
		m.mu.Unlock()
		return
	}
	ordered := make([]InFlightPip, 0, len(m.suspended))
	for _, p := range m.suspended {
		ordered = append(ordered, p)
	}
	m.mu.Unlock()

	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].ExpectedMemory().PeakWorkingSetMb > ordered[j].ExpectedMemory().PeakWorkingSetMb
	})

	var budget = freeRAMMb
	for _, p := range ordered {
		need := p.ExpectedMemory().PeakWorkingSetMb
		if need > budget {
			continue
		}
		p.Resume()
		m.mu.Lock()
		delete(m.suspended, p.PipID())
		m.suspendedExpectedRAM -= need
		m.mu.Unlock()
		budget -= need
		m.log.Info("resumed suspended pip", zap.Uint32("pip_id", uint32(p.PipID())))
	}
}

// sortedByLargestMostRecent orders in-flight, non-suspended pips by
// descending expected peak working set, breaking ties by most-recently
// started (spec.md §4.4: "preferring the largest and most-recent pip").
func (m *Manager) sortedByLargestMostRecent() []InFlightPip {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]InFlightPip, 0, len(m.inFlight))
	for id, p := range m.inFlight {
		if _, suspended := m.suspended[id]; suspended {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		mi, mj := out[i].ExpectedMemory().PeakWorkingSetMb, out[j].ExpectedMemory().PeakWorkingSetMb
		if mi != mj {
			return mi > mj
		}
		return out[i].StartedAt().After(out[j].StartedAt())
	})
	return out
}
