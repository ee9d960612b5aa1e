package runner

import (
	"time"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// InFlight wraps a RunnablePip to satisfy resourcemgr.InFlightPip, letting
// the resource manager empty-working-set/suspend/cancel a running pip
// without depending on the runner package's step-machine internals.
type InFlight struct {
	pip       *pipgraph.RunnablePip
	startedAt time.Time
	runner    *Runner
}

// NewInFlight wraps pip for tracking by the resource manager, starting now.
func NewInFlight(pip *pipgraph.RunnablePip, r *Runner) *InFlight {
	return &InFlight{pip: pip, startedAt: time.Now(), runner: r}
}

func (f *InFlight) PipID() pipgraph.PipId { return f.pip.PipID }

func (f *InFlight) ExpectedMemory() pipgraph.MemoryCounters { return f.pip.ExpectedMemory }

func (f *InFlight) StartedAt() time.Time { return f.startedAt }

func (f *InFlight) WorkerID() int32 { return f.pip.WorkerID }

// Requeue implements resourcemgr.InFlightPip's StoppedWorker retry hook by
// delegating to the runner, which owns the step machine and dispatcher.
func (f *InFlight) Requeue() { f.runner.RequeueAfterWorkerLoss(f.pip) }

// EmptyWorkingSet cannot be done generically from the scheduler side — it
// is a request to the sandboxed process runner to trim the process's
// working set without stopping it. No collaborator hook exists for this
// yet, so it is a no-op that reports zero bytes reclaimed.
func (f *InFlight) EmptyWorkingSet() int64 { return 0 }

// Suspend marks the pip cancelled-for-resources; the runner's next step
// dispatch observes this and drives the LowMemory retry policy (spec.md
// §4.4, §4.5) rather than a terminal cancellation. True OS-level process
// suspend/resume is delegated to the sandboxed process runner collaborator
// in a full implementation; here it degrades to interrupt-and-retry.
func (f *InFlight) Suspend() int64 {
	f.pip.CancelForResources()
	return f.pip.ExpectedMemory.PeakWorkingSetMb
}

// Resume is a no-op once Suspend has degraded to interrupt-and-retry — the
// pip is rescheduled from scratch by the LowMemory retry policy rather
// than resumed in place.
func (f *InFlight) Resume() {}

// Cancel aborts the pip for resource reasons (critical commit pressure, or
// escalation from an already-suspended pip under continued RAM pressure).
// Routed through the same resource-cancel flag as Suspend so the runner's
// LowMemory retry policy decides whether to retry or fail permanently.
func (f *InFlight) Cancel() { f.pip.CancelForResources() }
