package runner

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/dispatch"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
	"github.com/octoscheduler/octoscheduler/internal/selector"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

type recordingFinalizer struct {
	done []pipgraph.PipId
}

func (f *recordingFinalizer) OnPipDone(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) {
	f.done = append(f.done, pip.PipID)
}

func newTestRunner(t *testing.T) (*Runner, *pipgraph.Table, *recordingFinalizer) {
	t.Helper()
	table := pipgraph.NewTable()
	pool := worker.NewPool(worker.Config{ProcessSlots: 2, CacheLookupSlots: 2})
	pool.Local().SetMemory(0, 0, 0, 0, resourcemgr.Available)

	d := dispatch.New(zap.NewNop(), nil, map[pipgraph.DispatcherKind]int{
		pipgraph.DispatcherCPU:                       4,
		pipgraph.DispatcherLight:                     4,
		pipgraph.DispatcherIO:                        4,
		pipgraph.DispatcherSealDirs:                   4,
		pipgraph.DispatcherChooseWorkerCpu:            4,
		pipgraph.DispatcherChooseWorkerCacheLookup:    4,
		pipgraph.DispatcherCacheLookup:                4,
		pipgraph.DispatcherDelayedCacheLookup:         4,
		pipgraph.DispatcherMaterialize:                4,
	})

	finalizer := &recordingFinalizer{}
	r := New(Deps{
		Log:        zap.NewNop(),
		Table:      table,
		Dispatcher: d,
		Pool:       pool,
		CPU:        selector.NewCPUSelector(pool, nil, false),
		CacheLook:  selector.NewCacheLookupSelector(pool),
		Retry:      config.RetryConfig{MaxRetriesDueToRetryableFailures: 1, LowMemoryInflateFactor: 1.25},
		Dispatch:   config.DispatchConfig{},
		Cache:      collab.NewMemCache(),
		Process:    collab.NopProcessRunner{},
		Finalizer:  finalizer,
	})
	return r, table, finalizer
}

func TestMetaPipRunsToCompletionInline(t *testing.T) {
	r, table, finalizer := newTestRunner(t)

	pip := pipgraph.NewRunnablePip(1, pipgraph.PipTypeValue, 0, time.Now())
	ri := pipgraph.NewRuntimeInfo(1, pipgraph.PipTypeValue, 0)
	table.Insert(ri)

	r.runStep(pip, ri) // Start -> ExecuteNonProcessPip
	if pip.Step != pipgraph.StepExecuteNonProcessPip {
		t.Fatalf("expected ExecuteNonProcessPip, got %v", pip.Step)
	}

	r.runStep(pip, ri) // ExecuteNonProcessPip -> HandleResult
	if pip.Step != pipgraph.StepHandleResult {
		t.Fatalf("expected HandleResult, got %v", pip.Step)
	}

	r.runStep(pip, ri) // HandleResult -> Done
	if pip.Step != pipgraph.StepDone {
		t.Fatalf("expected Done, got %v", pip.Step)
	}
	if ri.State() != pipgraph.PipStateDone {
		t.Fatalf("expected terminal state Done, got %v", ri.State())
	}
	if len(finalizer.done) != 1 || finalizer.done[0] != pip.PipID {
		t.Fatalf("expected finalizer to observe pip completion")
	}
}

func TestProcessPipChooseWorkerRetriesWhenSaturated(t *testing.T) {
	r, table, _ := newTestRunner(t)

	// Saturate every process slot so selection fails once.
	r.deps.Pool.Local().TryAcquire(worker.ActivityProcess)
	r.deps.Pool.Local().TryAcquire(worker.ActivityProcess)

	pip := pipgraph.NewRunnablePip(2, pipgraph.PipTypeProcess, 0, time.Now())
	ri := pipgraph.NewRuntimeInfo(2, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)
	pip.Step = pipgraph.StepChooseWorkerCpu

	r.runStep(pip, ri)
	if pip.Step != pipgraph.StepChooseWorkerCpu {
		t.Fatalf("expected selection failure to leave pip on ChooseWorkerCpu, got %v", pip.Step)
	}
}

func TestProcessPipRunsThroughCacheMissToCompletion(t *testing.T) {
	r, table, finalizer := newTestRunner(t)

	pip := pipgraph.NewRunnablePip(3, pipgraph.PipTypeProcess, 0, time.Now())
	ri := pipgraph.NewRuntimeInfo(3, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	r.runStep(pip, ri) // Start -> CheckIncrementalSkip
	r.runStep(pip, ri) // CheckIncrementalSkip -> ChooseWorkerCacheLookup (no delay configured)
	r.runStep(pip, ri) // ChooseWorkerCacheLookup -> CacheLookup
	r.runStep(pip, ri) // CacheLookup (miss) -> ChooseWorkerCpu
	if pip.Step != pipgraph.StepChooseWorkerCpu {
		t.Fatalf("expected ChooseWorkerCpu after cache miss, got %v", pip.Step)
	}

	r.runStep(pip, ri) // ChooseWorkerCpu -> MaterializeInputs
	r.runStep(pip, ri) // MaterializeInputs -> ExecuteProcess
	r.runStep(pip, ri) // ExecuteProcess -> PostProcess
	r.runStep(pip, ri) // PostProcess -> HandleResult
	r.runStep(pip, ri) // HandleResult -> Done

	if pip.Step != pipgraph.StepDone {
		t.Fatalf("expected Done, got %v", pip.Step)
	}
	if ri.Result() != pipgraph.ResultExecuted {
		t.Fatalf("expected ResultExecuted, got %v", ri.Result())
	}
	if len(finalizer.done) != 1 {
		t.Fatalf("expected finalizer invoked once")
	}
}

// resourceCancelingProcessRunner simulates the resource manager
// interrupting an in-flight ExecuteProcess call for RAM/commit pressure:
// it flags the pip's resource-cancel bit before returning, the way
// InFlight.Suspend/Cancel do from a concurrent goroutine in the real
// system.
type resourceCancelingProcessRunner struct {
	pip *pipgraph.RunnablePip
}

func (p resourceCancelingProcessRunner) ExecuteProcess(ctx context.Context, id pipgraph.PipId) (collab.ExecutionResult, error) {
	p.pip.CancelForResources()
	return collab.ExecutionResult{}, nil
}

func TestExecuteProcessRetriesOnResourceCancelUnderRetryCap(t *testing.T) {
	r, table, _ := newTestRunner(t)
	r.deps.Retry.MaxRetriesDueToLowMemory = 2

	pip := pipgraph.NewRunnablePip(4, pipgraph.PipTypeProcess, 0, time.Now())
	pip.Step = pipgraph.StepExecuteProcess
	pip.ExpectedMemory.PeakWorkingSetMb = 100
	ri := pipgraph.NewRuntimeInfo(4, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	r.deps.Process = resourceCancelingProcessRunner{pip: pip}
	r.runStep(pip, ri)

	if pip.Step != pipgraph.StepChooseWorkerCpu {
		t.Fatalf("expected retry to send pip back to ChooseWorkerCpu, got %v", pip.Step)
	}
	if pip.RetriesLowMemory != 1 {
		t.Fatalf("expected RetriesLowMemory incremented to 1, got %d", pip.RetriesLowMemory)
	}
	if pip.ExpectedMemory.PeakWorkingSetMb <= 100 {
		t.Fatalf("expected expected peak working set reinflated above 100, got %d", pip.ExpectedMemory.PeakWorkingSetMb)
	}
	if pip.IsResourceCancelled {
		t.Fatalf("expected resource-cancel flag consumed")
	}
	if ri.Result() == pipgraph.ResultCanceled {
		t.Fatalf("expected a resource-pressure retry not to be recorded as a terminal cancellation")
	}
}

func TestExecuteProcessFailsAfterLowMemoryRetryCapExhausted(t *testing.T) {
	r, table, finalizer := newTestRunner(t)
	r.deps.Retry.MaxRetriesDueToLowMemory = 1

	pip := pipgraph.NewRunnablePip(5, pipgraph.PipTypeProcess, 0, time.Now())
	pip.Step = pipgraph.StepExecuteProcess
	pip.RetriesLowMemory = 1 // already at cap
	ri := pipgraph.NewRuntimeInfo(5, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	r.deps.Process = resourceCancelingProcessRunner{pip: pip}
	r.runStep(pip, ri) // ExecuteProcess -> HandleResult
	r.runStep(pip, ri) // HandleResult -> Done

	if pip.Step != pipgraph.StepDone {
		t.Fatalf("expected HandleResult to run to Done, got %v", pip.Step)
	}
	if ri.Result() != pipgraph.ResultFailed {
		t.Fatalf("expected ResultFailed once the LowMemory retry cap is exhausted, got %v", ri.Result())
	}
	if len(finalizer.done) != 1 {
		t.Fatalf("expected finalizer invoked exactly once")
	}
}

func TestRunFromCacheDeterminismProbeConvergesToPostProcess(t *testing.T) {
	r, table, _ := newTestRunner(t)
	r.deps.CacheCfg.DeterminismProbe = true

	pip := pipgraph.NewRunnablePip(6, pipgraph.PipTypeProcess, 0, time.Now())
	pip.Step = pipgraph.StepRunFromCache
	ri := pipgraph.NewRuntimeInfo(6, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	cache := collab.NewMemCache()
	cache.Seed(fingerprintFor(pip.PipID), collab.CacheHit{Converged: true})
	r.deps.Cache = cache

	r.runStep(pip, ri)
	if pip.Step != pipgraph.StepPostProcess {
		t.Fatalf("expected a converged probe to route to PostProcess, got %v", pip.Step)
	}
}

func TestRunFromCacheDeterminismProbeDivergesStaysOnHandleResult(t *testing.T) {
	r, table, _ := newTestRunner(t)
	r.deps.CacheCfg.DeterminismProbe = true

	pip := pipgraph.NewRunnablePip(7, pipgraph.PipTypeProcess, 0, time.Now())
	pip.Step = pipgraph.StepRunFromCache
	ri := pipgraph.NewRuntimeInfo(7, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	cache := collab.NewMemCache()
	cache.Seed(fingerprintFor(pip.PipID), collab.CacheHit{Converged: false})
	r.deps.Cache = cache

	r.runStep(pip, ri)
	if pip.Step != pipgraph.StepHandleResult {
		t.Fatalf("expected a non-converged probe to route to HandleResult, got %v", pip.Step)
	}
}

func TestRunFromCacheSkipsProbeWhenDisabled(t *testing.T) {
	r, table, _ := newTestRunner(t)
	r.deps.CacheCfg.DeterminismProbe = false

	pip := pipgraph.NewRunnablePip(8, pipgraph.PipTypeProcess, 0, time.Now())
	pip.Step = pipgraph.StepRunFromCache
	ri := pipgraph.NewRuntimeInfo(8, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	cache := collab.NewMemCache()
	cache.Seed(fingerprintFor(pip.PipID), collab.CacheHit{Converged: false})
	r.deps.Cache = cache

	r.runStep(pip, ri)
	if pip.Step != pipgraph.StepHandleResult {
		t.Fatalf("expected the probe-disabled default to route to HandleResult regardless of convergence, got %v", pip.Step)
	}
}

// fakeTransport records MaterializeOutputs calls for the background
// output-materialization test.
type fakeTransport struct {
	materializeCalls []pipgraph.PipId
}

func (f *fakeTransport) Initialize(ctx context.Context, workerID int32) error { return nil }
func (f *fakeTransport) CacheLookup(ctx context.Context, workerID int32, pip pipgraph.PipId) (*collab.CacheHit, error) {
	return nil, nil
}
func (f *fakeTransport) MaterializeInputs(ctx context.Context, workerID int32, pip pipgraph.PipId) error {
	return nil
}
func (f *fakeTransport) ExecuteProcess(ctx context.Context, workerID int32, pip pipgraph.PipId) (collab.ExecutionResult, error) {
	return collab.ExecutionResult{}, nil
}
func (f *fakeTransport) MaterializeOutputs(ctx context.Context, workerID int32, pip pipgraph.PipId) error {
	f.materializeCalls = append(f.materializeCalls, pip)
	return nil
}
func (f *fakeTransport) Finish(ctx context.Context, workerID int32) error { return nil }

func TestPostProcessSpawnsBackgroundMaterializeOutputsForRemoteWorker(t *testing.T) {
	r, table, finalizer := newTestRunner(t)
	tx := &fakeTransport{}
	r.deps.Transport = tx

	pip := pipgraph.NewRunnablePip(9, pipgraph.PipTypeProcess, 5, time.Now())
	pip.Step = pipgraph.StepPostProcess
	pip.AssignWorker(2)
	ri := pipgraph.NewRuntimeInfo(9, pipgraph.PipTypeProcess, 0)
	table.Insert(ri)

	r.runStep(pip, ri) // PostProcess -> HandleResult
	r.runStep(pip, ri) // HandleResult -> Done

	if pip.Step != pipgraph.StepDone {
		t.Fatalf("expected the original pip to reach Done, got %v", pip.Step)
	}
	if len(finalizer.done) != 1 {
		t.Fatalf("expected the original pip's completion to reach the finalizer exactly once, got %d", len(finalizer.done))
	}

	q := r.deps.Dispatcher.Queue(pipgraph.DispatcherLight)
	// The original pip's HandleResult step was also enqueued on the Light
	// queue, at priority 5, so it dequeues ahead of the priority-0 clone.
	if first := q.TryDequeue(); first != pip {
		t.Fatalf("expected the original pip's HandleResult entry first in the Light queue, got %v", first)
	}
	bg := q.TryDequeue()
	if bg == nil {
		t.Fatalf("expected a background RunnablePip queued for output materialization")
	}
	if !bg.Background {
		t.Fatalf("expected the queued pip to be marked Background")
	}
	if bg.Priority != 0 {
		t.Fatalf("expected background materialize priority lowered to 0, got %d", bg.Priority)
	}

	r.ExecuteStep(bg)
	if bg.Step != pipgraph.StepDone {
		t.Fatalf("expected the background pip to terminate at Done, got %v", bg.Step)
	}
	if len(tx.materializeCalls) != 1 || tx.materializeCalls[0] != pip.PipID {
		t.Fatalf("expected MaterializeOutputs called once for pip %d, got %v", pip.PipID, tx.materializeCalls)
	}
	if len(finalizer.done) != 1 {
		t.Fatalf("expected the background pip's completion to never reach the finalizer, got %d calls", len(finalizer.done))
	}
}
