// Package runner implements C7: the per-pip state machine (spec.md §4.5).
// Each call to ExecuteStep performs the action for the pip's current step
// and transitions it to its next step, either re-enqueuing the pip onto
// the dispatcher or finishing it inline. Grounded on the teacher's
// Escalate/Decay single-mutex transition shape, generalized from a 6-state
// isolation ladder into the full 17-step execution machine, with the
// retry-cap bookkeeping following the teacher's token-bucket cost-model
// shape.
package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/dispatch"
	"github.com/octoscheduler/octoscheduler/internal/perf"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
	"github.com/octoscheduler/octoscheduler/internal/selector"
	"github.com/octoscheduler/octoscheduler/internal/servicepip"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

// Finalizer is invoked once a pip reaches HandleResult, giving the DAG
// driver (C8) a chance to propagate dependent ref-count decrements and
// skip/flag state before the pip is released (spec.md §4.1, §4.5).
type Finalizer interface {
	OnPipDone(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo)
}

// Deps bundles every collaborator and scheduler-internal dependency the
// runner consults while executing a step.
type Deps struct {
	Log *zap.Logger

	Table      *pipgraph.Table
	Dispatcher *dispatch.Dispatcher
	Pool       *worker.Pool
	CPU        *selector.CPUSelector
	CacheLook  *selector.CacheLookupSelector
	Resources   *config.ResourcesConfig
	ResourceMgr *resourcemgr.Manager
	Retry       config.RetryConfig
	Dispatch   config.DispatchConfig
	CacheCfg   config.CacheConfig

	Graph       collab.PipGraph
	Cache       collab.ContentCache
	Files       collab.FileContentManager
	Process     collab.ProcessRunner
	Incremental collab.IncrementalState
	Transport   collab.WorkerTransport
	Log2        collab.ExecutionLogSink

	// Services gates a client pip's ChooseWorkerCpu step on its declared
	// service pip becoming ready (spec.md §4.7, invariant P9). May be nil
	// if the embedder never declares service pips.
	Services *servicepip.Manager

	Perf      *perf.Collector
	Finalizer Finalizer
}

// Runner implements dispatch.StepExecutor over the per-pip state machine.
type Runner struct {
	deps        Deps
	terminating chan struct{}
	termOnce    bool
}

// New constructs a Runner.
func New(deps Deps) *Runner {
	return &Runner{deps: deps, terminating: make(chan struct{})}
}

// RequestTermination flips the stop-on-first-error flag: subsequent
// dequeues of non-terminal, non-background-materialize pips are routed to
// Cancel (spec.md §4.5 "Stop-on-first-error").
func (r *Runner) RequestTermination() {
	if !r.termOnce {
		r.termOnce = true
		close(r.terminating)
	}
}

func (r *Runner) isTerminating() bool {
	select {
	case <-r.terminating:
		return true
	default:
		return false
	}
}

// ExecuteStep performs the action for pip's current step and advances it.
// Implements dispatch.StepExecutor.
func (r *Runner) ExecuteStep(pip *pipgraph.RunnablePip) {
	ri, ok := r.deps.Table.Get(pip.PipID)
	if !ok {
		r.deps.Log.Error("runner: step executed for unknown pip", zap.Uint32("pip_id", uint32(pip.PipID)))
		return
	}

	if !pip.Background && r.isTerminating() && pip.Step != pipgraph.StepStart && pip.Step != pipgraph.StepCancel && !pip.Cancelled() {
		pip.Cancel()
		r.advance(pip, ri, pipgraph.StepCancel)
		r.runStep(pip, ri)
		return
	}

	r.runStep(pip, ri)
}

func (r *Runner) runStep(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) {
	ctx := context.Background()
	start := time.Now()
	queueWait := pip.Performance.Get(pip.Step).QueueWait

	next := r.dispatchStep(ctx, pip, ri)

	pip.Performance.Record(pip.Step, pipgraph.StepTiming{
		WorkerID:  pip.WorkerID,
		QueueWait: queueWait,
		Duration:  time.Since(start),
	})
	if r.deps.Perf != nil {
		r.deps.Perf.RecordStep(pip.Step, queueWait, time.Since(start), pip.DispatcherKind.String())
	}

	if next == stayOnCurrentStep {
		r.enqueue(pip)
		return
	}
	r.advance(pip, ri, next)
	if next != pipgraph.StepDone {
		r.enqueue(pip)
	}
}

// stayOnCurrentStep is a sentinel PipExecutionStep meaning "re-enqueue
// without advancing" — used by the ChooseWorker* steps' re-enqueue-self
// failure path (spec.md §4.5).
const stayOnCurrentStep = pipgraph.PipExecutionStep(255)

func (r *Runner) advance(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo, next pipgraph.PipExecutionStep) {
	pip.Step = next
	pip.DispatcherKind = dispatcherKindForStep(next, pip.PipType)
}

func (r *Runner) enqueue(pip *pipgraph.RunnablePip) {
	r.deps.Dispatcher.Enqueue(pip, pip.Priority)
}

// dispatcherKindForStep maps a step to the queue its re-enqueue should
// land in. Every other step, StepDone included, maps to DispatcherLight;
// runStep never enqueues a pip whose next step is StepDone.
func dispatcherKindForStep(step pipgraph.PipExecutionStep, t pipgraph.PipType) pipgraph.DispatcherKind {
	switch step {
	case pipgraph.StepChooseWorkerCacheLookup:
		return pipgraph.DispatcherChooseWorkerCacheLookup
	case pipgraph.StepChooseWorkerCpu:
		return pipgraph.DispatcherChooseWorkerCpu
	case pipgraph.StepCacheLookup:
		return pipgraph.DispatcherCacheLookup
	case pipgraph.StepDelayedCacheLookup:
		return pipgraph.DispatcherDelayedCacheLookup
	case pipgraph.StepMaterializeInputs:
		return pipgraph.DispatcherMaterialize
	case pipgraph.StepExecuteProcess:
		return pipgraph.DispatcherCPU
	default:
		return pipgraph.DispatcherLight
	}
}

// dispatchStep is the step table itself (spec.md §4.5). It returns the pip's
// next step, or stayOnCurrentStep to re-enqueue unchanged.
func (r *Runner) dispatchStep(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	switch pip.Step {
	case pipgraph.StepStart:
		return r.stepStart(ctx, pip, ri)
	case pipgraph.StepCheckIncrementalSkip:
		return r.stepCheckIncrementalSkip(pip, ri)
	case pipgraph.StepDelayedCacheLookup:
		time.Sleep(r.deps.Dispatch.DelayedCacheLookupWait)
		return pipgraph.StepChooseWorkerCacheLookup
	case pipgraph.StepChooseWorkerCacheLookup:
		return r.stepChooseWorkerCacheLookup(pip)
	case pipgraph.StepCacheLookup:
		return r.stepCacheLookup(ctx, pip, ri)
	case pipgraph.StepRunFromCache:
		return r.stepRunFromCache(ctx, pip, ri)
	case pipgraph.StepChooseWorkerCpu:
		return r.stepChooseWorkerCpu(ctx, pip, ri)
	case pipgraph.StepMaterializeInputs:
		return r.stepMaterializeInputs(pip)
	case pipgraph.StepExecuteProcess:
		return r.stepExecuteProcess(ctx, pip, ri)
	case pipgraph.StepExecuteNonProcessPip:
		return r.stepExecuteNonProcessPip(pip, ri)
	case pipgraph.StepPostProcess:
		return r.stepPostProcess(ctx, pip, ri)
	case pipgraph.StepMaterializeOutputs:
		return r.stepMaterializeOutputs(ctx, pip)
	case pipgraph.StepHandleResult:
		return r.stepHandleResult(pip, ri)
	case pipgraph.StepCancel:
		return r.stepCancel(pip, ri)
	case pipgraph.StepSkip:
		return r.stepSkip(pip, ri)
	default:
		r.deps.Log.Error("runner: unhandled step", zap.String("step", pip.Step.String()))
		return pipgraph.StepHandleResult
	}
}

func (r *Runner) stepStart(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	if r.deps.Files != nil {
		if _, err := r.deps.Files.TryHashSourceDependencies(pip.PipID); err != nil {
			r.deps.Log.Warn("failed to hash source dependencies", zap.Uint32("pip_id", uint32(pip.PipID)), zap.Error(err))
			ri.SetResult(pipgraph.ResultFailed)
			return pipgraph.StepHandleResult
		}
	}
	switch {
	case pip.PipType.IsMeta():
		return pipgraph.StepExecuteNonProcessPip
	case pip.PipType == pipgraph.PipTypeIpc:
		return pipgraph.StepChooseWorkerCpu
	default:
		return pipgraph.StepCheckIncrementalSkip
	}
}

func (r *Runner) stepCheckIncrementalSkip(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	if r.deps.Incremental != nil && r.deps.Incremental.IsCleanAndMaterialized(pip.PipID) {
		ri.SetResult(pipgraph.ResultUpToDate)
		return pipgraph.StepHandleResult
	}
	if pip.PipType != pipgraph.PipTypeProcess {
		return pipgraph.StepExecuteNonProcessPip
	}
	if r.deps.Dispatch.DelayedCacheLookupWait > 0 {
		return pipgraph.StepDelayedCacheLookup
	}
	return pipgraph.StepChooseWorkerCacheLookup
}

func (r *Runner) stepChooseWorkerCacheLookup(pip *pipgraph.RunnablePip) pipgraph.PipExecutionStep {
	id, ok := r.deps.CacheLook.Select()
	if !ok {
		return stayOnCurrentStep
	}
	pip.AssignWorker(id)
	return pipgraph.StepCacheLookup
}

func (r *Runner) stepCacheLookup(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	defer r.releaseWorkerSlot(pip, worker.ActivityCacheLookup)

	if pip.Cancelled() {
		ri.SetResult(pipgraph.ResultCanceled)
		return pipgraph.StepHandleResult
	}

	fingerprint := fingerprintFor(pip.PipID)
	hit, err := r.deps.Cache.Lookup(ctx, pip.PipID, fingerprint)
	if err != nil {
		r.deps.Log.Warn("cache lookup failed", zap.Uint32("pip_id", uint32(pip.PipID)), zap.Error(err))
		ri.SetResult(pipgraph.ResultFailed)
		return pipgraph.StepHandleResult
	}
	if hit != nil {
		return pipgraph.StepRunFromCache
	}
	if r.deps.CacheCfg.CacheOnlyMode {
		ri.SetResult(pipgraph.ResultSkipped)
		return pipgraph.StepSkip
	}
	return pipgraph.StepChooseWorkerCpu
}

func (r *Runner) stepRunFromCache(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	fingerprint := fingerprintFor(pip.PipID)
	if err := r.deps.Cache.Materialize(ctx, fingerprint, ""); err != nil {
		r.deps.Log.Warn("cache replay failed", zap.Uint32("pip_id", uint32(pip.PipID)), zap.Error(err))
		ri.SetResult(pipgraph.ResultFailed)
		return pipgraph.StepHandleResult
	}
	ri.SetResult(pipgraph.ResultFromCache)

	// Determinism probe (spec.md §4.5 RunFromCache row: "PostProcess if
	// converged (determinism probe) else HandleResult"). Off by default
	// (config.CacheConfig.DeterminismProbe) — a diagnostic affordance that
	// re-checks the cache collaborator's convergence verdict for this hit
	// rather than trusting it unconditionally.
	if r.deps.CacheCfg.DeterminismProbe {
		hit, err := r.deps.Cache.Lookup(ctx, pip.PipID, fingerprint)
		if err != nil {
			r.deps.Log.Warn("determinism probe lookup failed, trusting cache hit",
				zap.Uint32("pip_id", uint32(pip.PipID)), zap.Error(err))
			return pipgraph.StepHandleResult
		}
		if hit != nil && hit.Converged {
			r.deps.Log.Debug("determinism probe converged", zap.Uint32("pip_id", uint32(pip.PipID)))
			return pipgraph.StepPostProcess
		}
		r.deps.Log.Warn("determinism probe did not converge for cache hit",
			zap.Uint32("pip_id", uint32(pip.PipID)))
	}
	return pipgraph.StepHandleResult
}

// stepChooseWorkerCpu blocks a service-client pip on its service's
// ready-signal before it ever reaches worker selection (spec.md §4.7,
// invariant P9): a client must never be dispatched to a worker while its
// service is still starting.
func (r *Runner) stepChooseWorkerCpu(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	if r.deps.Services != nil && r.deps.Graph != nil {
		if servicePip, _, ok := r.deps.Graph.ServiceDependencyOf(pip.PipID); ok {
			if err := r.deps.Services.EnsureStarted(ctx, servicePip); err != nil {
				r.deps.Log.Warn("service pip did not become ready, failing client",
					zap.Uint32("pip_id", uint32(pip.PipID)), zap.Uint32("service_pip_id", uint32(servicePip)), zap.Error(err))
				ri.SetResult(pipgraph.ResultFailed)
				return pipgraph.StepHandleResult
			}
		}
	}

	module := ""
	id, ok := r.deps.CPU.Select(uint32(pip.PipID), module)
	if !ok {
		return stayOnCurrentStep
	}
	pip.AssignWorker(id)
	if pip.PipType == pipgraph.PipTypeProcess {
		return pipgraph.StepMaterializeInputs
	}
	return pipgraph.StepExecuteNonProcessPip
}

func (r *Runner) stepMaterializeInputs(pip *pipgraph.RunnablePip) pipgraph.PipExecutionStep {
	if pip.PipType == pipgraph.PipTypeProcess {
		return pipgraph.StepExecuteProcess
	}
	return pipgraph.StepExecuteNonProcessPip
}

func (r *Runner) stepExecuteProcess(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	defer r.releaseWorkerSlot(pip, worker.ActivityProcess)

	// execCtx is cancelable independently of the caller's ctx so the
	// resource manager's Suspend/Cancel actions (spec.md §4.4) can
	// interrupt this specific in-flight call.
	execCtx, cancel := context.WithCancel(ctx)
	pip.SetCancelFunc(cancel)
	defer func() {
		pip.SetCancelFunc(nil)
		cancel()
	}()

	if r.deps.ResourceMgr != nil {
		r.deps.ResourceMgr.TrackStart(NewInFlight(pip, r))
		defer r.deps.ResourceMgr.TrackDone(pip.PipID)
	}

	result, err := r.deps.Process.ExecuteProcess(execCtx, pip.PipID)
	if pip.Cancelled() {
		ri.SetResult(pipgraph.ResultCanceled)
		return pipgraph.StepHandleResult
	}

	// LowMemory retry policy (spec.md §4.4, §4.5): the resource manager
	// interrupted this attempt for RAM/commit pressure rather than a
	// build-wide cancellation. Reinflate the expected peak working set
	// and retry through worker selection, up to the configured cap.
	if pip.ConsumeResourceCancel() {
		if pip.RetriesLowMemory < r.deps.Retry.MaxRetriesDueToLowMemory {
			pip.RetriesLowMemory++
			pip.ExpectedMemory = pip.ExpectedMemory.Inflate(r.deps.Retry.LowMemoryInflateFactor)
			r.deps.Log.Info("retrying pip after RAM/commit pressure",
				zap.Uint32("pip_id", uint32(pip.PipID)), zap.Int("retries", pip.RetriesLowMemory),
				zap.Int64("reinflated_peak_mb", pip.ExpectedMemory.PeakWorkingSetMb))
			return pipgraph.StepChooseWorkerCpu
		}
		r.deps.Log.Warn("pip exhausted LowMemory retries, failing",
			zap.Uint32("pip_id", uint32(pip.PipID)), zap.Int("retries", pip.RetriesLowMemory))
		ri.SetResult(pipgraph.ResultFailed)
		return pipgraph.StepHandleResult
	}

	if err == nil && result.Status == "Succeeded" {
		ri.RecordExecuteTimeMs(int32(result.DurationMs))
		pip.ExpectedMemory.ObservedPeakMb = result.PeakWorkingSetMb
		ri.SetResult(pipgraph.ResultExecuted)
		return pipgraph.StepPostProcess
	}

	if result.Retryable && pip.RetriesPrepOrVMFailure < r.deps.Retry.MaxRetriesDueToRetryableFailures {
		pip.RetriesPrepOrVMFailure++
		pip.ExpectedMemory = pip.ExpectedMemory.Inflate(r.deps.Retry.LowMemoryInflateFactor)
		return pipgraph.StepChooseWorkerCpu
	}

	ri.SetResult(pipgraph.ResultFailed)
	return pipgraph.StepHandleResult
}

func (r *Runner) stepExecuteNonProcessPip(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	if pip.HasWorker() {
		r.releaseWorkerSlot(pip, worker.ActivityProcess)
	}
	ri.SetResult(pipgraph.ResultExecuted)
	return pipgraph.StepHandleResult
}

func (r *Runner) stepPostProcess(ctx context.Context, pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	if _, err := r.deps.Cache.Publish(ctx, pip.PipID, nil); err != nil {
		r.deps.Log.Warn("cache publish failed", zap.Uint32("pip_id", uint32(pip.PipID)), zap.Error(err))
		ri.SetResult(pipgraph.ResultFailed)
		return pipgraph.StepHandleResult
	}

	if r.deps.Transport != nil && pip.WorkerID > 0 {
		r.spawnBackgroundMaterializeOutputs(pip)
	}

	return pipgraph.StepHandleResult
}

// spawnBackgroundMaterializeOutputs recreates pip as a detached
// RunnablePip for background output materialization (spec.md §3
// "RunnablePip... optionally recreated for background output
// materialization"; §4.5 MaterializeOutputs row: "may run in background
// (priority lowered to 0)... records failure but does not abort the
// build"). The clone is dispatched on its own and never reaches
// StepHandleResult, so its outcome never reaches the DAG driver — the
// original pip has already propagated to its dependents by the time this
// runs.
func (r *Runner) spawnBackgroundMaterializeOutputs(pip *pipgraph.RunnablePip) {
	bg := pipgraph.NewRunnablePip(pip.PipID, pip.PipType, 0, time.Now())
	bg.Background = true
	bg.AssignWorker(pip.WorkerID)
	bg.Step = pipgraph.StepMaterializeOutputs
	bg.DispatcherKind = dispatcherKindForStep(pipgraph.StepMaterializeOutputs, pip.PipType)
	r.deps.Dispatcher.Enqueue(bg, bg.Priority)
}

func (r *Runner) stepMaterializeOutputs(ctx context.Context, pip *pipgraph.RunnablePip) pipgraph.PipExecutionStep {
	if r.deps.Transport != nil && pip.WorkerID > 0 {
		if err := r.deps.Transport.MaterializeOutputs(ctx, pip.WorkerID, pip.PipID); err != nil {
			r.deps.Log.Warn("background output materialization failed, continuing build",
				zap.Uint32("pip_id", uint32(pip.PipID)), zap.Error(err))
		}
	}
	return pipgraph.StepDone
}

func (r *Runner) stepHandleResult(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	var target pipgraph.PipState
	switch ri.Result() {
	case pipgraph.ResultFailed:
		target = pipgraph.PipStateFailed
		if !pip.Cancelled() {
			r.RequestTermination()
		}
	case pipgraph.ResultCanceled:
		target = pipgraph.PipStateCanceled
	case pipgraph.ResultSkipped:
		target = pipgraph.PipStateSkipped
	default:
		target = pipgraph.PipStateDone
	}
	ri.TrySetState(target)

	if r.deps.Perf != nil {
		timing := pip.Performance.TotalDuration()
		r.deps.Perf.RecordCompletion(fingerprintFor(pip.PipID), pip.PipID, pip.PipType, ri.Result(),
			int32(timing.Milliseconds()), pip.ExpectedMemory.ObservedPeakMb, pip.WorkerID)
	}
	if r.deps.Finalizer != nil {
		r.deps.Finalizer.OnPipDone(pip, ri)
	}
	return pipgraph.StepDone
}

func (r *Runner) stepCancel(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	ri.MarkUncacheableImpacted()
	ri.SetResult(pipgraph.ResultCanceled)
	return pipgraph.StepHandleResult
}

func (r *Runner) stepSkip(pip *pipgraph.RunnablePip, ri *pipgraph.RuntimeInfo) pipgraph.PipExecutionStep {
	r.deps.Log.Debug("skipping pip", zap.Uint32("pip_id", uint32(pip.PipID)))
	ri.SetResult(pipgraph.ResultSkipped)
	return pipgraph.StepHandleResult
}

// RequeueAfterWorkerLoss implements the StoppedWorker retry policy
// (spec.md §4.5): a pip whose assigned worker has gone detached is sent
// back through worker selection, up to NumRetryFailedPipsOnAnotherWorker
// times, after which it fails permanently. Called by the façade's
// worker-health monitor, never by the step machine itself.
func (r *Runner) RequeueAfterWorkerLoss(pip *pipgraph.RunnablePip) {
	ri, ok := r.deps.Table.Get(pip.PipID)
	if !ok {
		return
	}
	pip.ReleaseWorker()

	if pip.RetriesStoppedWorker >= r.deps.Retry.NumRetryFailedPipsOnAnotherWorker {
		r.deps.Log.Warn("pip exhausted StoppedWorker retries, failing",
			zap.Uint32("pip_id", uint32(pip.PipID)), zap.Int("retries", pip.RetriesStoppedWorker))
		pip.Cancel()
		ri.SetResult(pipgraph.ResultFailed)
		r.advance(pip, ri, pipgraph.StepHandleResult)
		r.enqueue(pip)
		return
	}

	pip.RetriesStoppedWorker++
	target := pipgraph.StepChooseWorkerCpu
	if pip.Step == pipgraph.StepCacheLookup || pip.Step == pipgraph.StepChooseWorkerCacheLookup {
		target = pipgraph.StepChooseWorkerCacheLookup
	}
	r.deps.Log.Info("requeuing pip after worker loss",
		zap.Uint32("pip_id", uint32(pip.PipID)), zap.Int("retries", pip.RetriesStoppedWorker),
		zap.String("target_step", target.String()))
	r.advance(pip, ri, target)
	r.enqueue(pip)
}

func (r *Runner) releaseWorkerSlot(pip *pipgraph.RunnablePip, activity worker.Activity) {
	if !pip.HasWorker() {
		return
	}
	if w, ok := r.deps.Pool.Get(pip.WorkerID); ok {
		w.Release(activity)
	}
}

// fingerprintFor derives the cache lookup key for a pip. The real
// fingerprint (process command line + input content hashes) is computed by
// the file-content-manager collaborator; this local helper exists only so
// the runner has something stable to pass through Deps.Cache/Deps.Perf
// without depending on that collaborator's internal format.
func fingerprintFor(id pipgraph.PipId) string {
	return "pip:" + itoa(uint32(id))
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}
