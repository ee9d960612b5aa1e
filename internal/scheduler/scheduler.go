// Package scheduler implements C9: the façade that owns construction and
// lifecycle of every other component (C1-C8, C10-C11) and presents the
// single construct -> init -> start -> drain -> when_done -> save_tracker
// -> dispose sequence an embedder drives (spec.md §4.6).
//
// Grounded on cmd/octoreflex/main.go's numbered startup/shutdown sequence
// (load config -> logger -> storage -> workers -> metrics -> signal
// handling -> graceful drain-with-timeout), generalized from a one-shot
// agent main into a reusable façade type with the same
// ordered-steps-as-comments style.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/collab"
	"github.com/octoscheduler/octoscheduler/internal/config"
	"github.com/octoscheduler/octoscheduler/internal/dag"
	"github.com/octoscheduler/octoscheduler/internal/dispatch"
	"github.com/octoscheduler/octoscheduler/internal/perf"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
	"github.com/octoscheduler/octoscheduler/internal/runner"
	"github.com/octoscheduler/octoscheduler/internal/selector"
	"github.com/octoscheduler/octoscheduler/internal/servicepip"
	"github.com/octoscheduler/octoscheduler/internal/store"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

// Deps bundles every collaborator the embedder supplies (spec.md §6).
// Only Graph, Cache, and Process are required; the rest may be nil, in
// which case the façade degrades the corresponding feature (no service
// pips, no remote workers, no IPC-driven priority override).
type Deps struct {
	Graph       collab.PipGraph
	Cache       collab.ContentCache
	Files       collab.FileContentManager
	Process     collab.ProcessRunner
	Incremental collab.IncrementalState
	FileChange  collab.FileChangeTracker
	LogSink     collab.ExecutionLogSink
	Transport   collab.WorkerTransport
	IPC         collab.IPCProvider

	// ServiceRunner starts/stops service pips (spec.md §4.7). Required
	// only if the embedder's graph declares service dependencies.
	ServiceRunner servicepip.ServiceProcessRunner

	// CostEstimator supplies the CPU selector's materialization-bytes
	// term (spec.md §4.3). May be nil (cost reduces to slot pressure only).
	CostEstimator selector.CostEstimator

	// DiskSampler drives the adaptive IO degree monitor. May be nil, in
	// which case IOAdaptiveDegree in config is ignored.
	DiskSampler dispatch.DiskSampler

	// ResourceSampler reads machine RAM/commit. Defaults to
	// resourcemgr.LinuxSampler{} if nil.
	ResourceSampler resourcemgr.Sampler
}

// Scheduler is the C9 façade. One instance per build.
type Scheduler struct {
	log  *zap.Logger
	cfg  config.Config
	deps Deps

	db      *store.DB
	metrics *perf.Metrics
	perfc   *perf.Collector

	table      *pipgraph.Table
	counters   *pipgraph.Counters
	dispatcher *dispatch.Dispatcher
	pool       *worker.Pool
	cpuSel     *selector.CPUSelector
	cacheSel   *selector.CacheLookupSelector
	resources  *resourcemgr.Manager
	services   *servicepip.Manager
	dagDriver  *dag.Driver
	runr       *runner.Runner

	ioMonitor    *dispatch.IODegreeMonitor
	releaseTimer *selector.ReleaseTimer

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	startedAt time.Time

	mu        sync.Mutex
	disposed  bool
	scheduled []pipgraph.PipId
}

// New constructs a Scheduler. Collaborators are wired but nothing starts
// running until Start is called (spec.md §4.6 "construct").
func New(log *zap.Logger, cfg config.Config, deps Deps, db *store.DB, metrics *perf.Metrics) *Scheduler {
	if deps.ResourceSampler == nil {
		deps.ResourceSampler = resourcemgr.LinuxSampler{}
	}

	table := pipgraph.NewTable()
	counters := pipgraph.NewCounters()

	s := &Scheduler{
		log:      log,
		cfg:      cfg,
		deps:     deps,
		db:       db,
		metrics:  metrics,
		table:    table,
		counters: counters,
	}

	s.perfc = perf.NewCollector(log, metrics, db, cfg.NodeID)
	s.pool = worker.NewPool(localWorkerConfig(cfg))
	s.resources = resourcemgr.NewManager(log, cfg.Resources, deps.ResourceSampler)
	s.cpuSel = selector.NewCPUSelector(s.pool, deps.CostEstimator, cfg.Workers.ModuleAffinityEnabled)
	s.cacheSel = selector.NewCacheLookupSelector(s.pool)

	var svcMgr *servicepip.Manager
	if deps.ServiceRunner != nil {
		svcMgr = servicepip.NewManager(log, deps.IPC, deps.ServiceRunner)
	}
	s.services = svcMgr

	s.dagDriver = dag.NewDriver(log, deps.Graph, table, cfg)
	s.dagDriver.SetSeeder(s)

	// Dispatcher and Runner are mutually referential: the dispatcher needs
	// a StepExecutor and the runner needs the dispatcher to re-enqueue
	// onto. schedulerExecutor forwards to s.runr, which is assigned below
	// before Start ever drives the dispatch loop.
	s.dispatcher = dispatch.New(log, schedulerExecutor{s}, maxByKind(cfg.Dispatch))
	s.runr = runner.New(runner.Deps{
		Log:         log,
		Table:       table,
		Dispatcher:  s.dispatcher,
		Pool:        s.pool,
		CPU:         s.cpuSel,
		CacheLook:   s.cacheSel,
		Resources:   &cfg.Resources,
		ResourceMgr: s.resources,
		Retry:       cfg.Retry,
		Dispatch:    cfg.Dispatch,
		CacheCfg:    cfg.Cache,
		Graph:       deps.Graph,
		Cache:       deps.Cache,
		Files:       deps.Files,
		Process:     deps.Process,
		Incremental: deps.Incremental,
		Transport:   deps.Transport,
		Log2:        deps.LogSink,
		Services:    svcMgr,
		Perf:        s.perfc,
		Finalizer:   s.dagDriver,
	})

	if cfg.Dispatch.IOAdaptiveDegree && deps.DiskSampler != nil {
		s.ioMonitor = dispatch.NewIODegreeMonitor(log, s.dispatcher, deps.DiskSampler,
			2*time.Second, 1, cfg.Dispatch.MaxParallelIO, cfg.Dispatch.MaxParallelIO/2+1)
	}
	s.releaseTimer = selector.NewReleaseTimer(log, s.pool, queuedWorkProbe{s.dispatcher},
		cfg.Workers.EarlyReleaseCheckInterval, cfg.Workers.EarlyReleaseMultiplier)

	return s
}

// localWorkerConfig derives the always-present local worker's slot totals
// from the dispatch concurrency caps — the local worker's own capacity is
// the ceiling on how much of each dispatch queue it alone can service.
func localWorkerConfig(cfg config.Config) worker.Config {
	return worker.Config{
		CacheLookupSlots:      cfg.Dispatch.MaxParallelCacheLookup,
		MaterializeInputSlots: cfg.Dispatch.MaxParallelMaterialize,
		ProcessSlots:          cfg.Dispatch.MaxParallelCPU,
		PostProcessSlots:      cfg.Dispatch.MaxParallelCPU,
		IPCSlots:              cfg.Dispatch.MaxParallelCPU,
	}
}

func maxByKind(d config.DispatchConfig) map[pipgraph.DispatcherKind]int {
	return map[pipgraph.DispatcherKind]int{
		pipgraph.DispatcherIO:                      d.MaxParallelIO,
		pipgraph.DispatcherCPU:                      d.MaxParallelCPU,
		pipgraph.DispatcherLight:                    d.MaxParallelLight,
		pipgraph.DispatcherMaterialize:               d.MaxParallelMaterialize,
		pipgraph.DispatcherCacheLookup:               d.MaxParallelCacheLookup,
		pipgraph.DispatcherChooseWorkerCacheLookup:   d.MaxParallelChooseWorkerCacheLookup,
		pipgraph.DispatcherChooseWorkerCpu:           d.MaxParallelChooseWorkerCpu,
		pipgraph.DispatcherDelayedCacheLookup:        d.MaxParallelDelayedCacheLookup,
		pipgraph.DispatcherSealDirs:                  d.MaxParallelSealDirs,
	}
}

// InitForMaster reduces the collaborator graph to the scheduled set
// (nodes plus every transitive dependency, plus the service-finalization
// closure), inserts a RuntimeInfo for each, declares heavy/light edges on
// the DAG driver, and computes initial priorities (spec.md §4.1, §4.6
// "init_for_master").
func (s *Scheduler) InitForMaster(roots []pipgraph.PipId) error {
	nodes, err := s.closure(roots)
	if err != nil {
		return fmt.Errorf("scheduler: InitForMaster: %w", err)
	}

	for _, id := range nodes {
		t := s.deps.Graph.PipType(id)
		inDegree := int32(len(s.deps.Graph.IncomingEdges(id)))
		s.table.Insert(pipgraph.NewRuntimeInfo(id, t, inDegree))
		s.counters.Move(t, pipgraph.PipStateIgnored, pipgraph.PipStateIgnored)

		for _, dep := range s.deps.Graph.IncomingEdges(id) {
			s.dagDriver.AddEdge(dag.Edge{From: dep, To: id, Heavy: true})
		}

		if servicePip, shutdownPip, ok := s.deps.Graph.ServiceDependencyOf(id); ok {
			s.dagDriver.DeclareServiceClient(id, shutdownPip)
			if s.services != nil {
				s.services.Declare(servicePip, shutdownPip)
			}
		}
	}

	s.mu.Lock()
	s.scheduled = nodes
	s.mu.Unlock()

	s.dagDriver.InitForMaster(nodes)

	// InitForMaster only decides readiness (Waiting vs. Ready); it never
	// dispatches, since seeding a RunnablePip needs the "now" timestamp and
	// the dispatcher, both façade-owned. Every source node it just put into
	// Ready here gets its first Seed call; every other node is seeded later
	// by dag.Driver.OnPipDone as its last heavy dependency completes.
	for _, id := range nodes {
		if ri, ok := s.table.Get(id); ok && ri.State() == pipgraph.PipStateReady {
			s.Seed(id, ri.Priority())
		}
	}
	return nil
}

// closure computes roots plus every node reachable by walking incoming
// edges (dependencies must run before dependents), plus any service
// shutdown pips pulled in by a declared service-client edge.
func (s *Scheduler) closure(roots []pipgraph.PipId) ([]pipgraph.PipId, error) {
	seen := make(map[pipgraph.PipId]bool)
	var order []pipgraph.PipId

	var visit func(id pipgraph.PipId) error
	visit = func(id pipgraph.PipId) error {
		if seen[id] {
			return nil
		}
		if err := s.deps.Graph.HydratePip(id); err != nil {
			return err
		}
		seen[id] = true
		for _, dep := range s.deps.Graph.IncomingEdges(id) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		order = append(order, id)
		if _, shutdownPip, ok := s.deps.Graph.ServiceDependencyOf(id); ok {
			if err := visit(shutdownPip); err != nil {
				return err
			}
		}
		return nil
	}

	for _, id := range roots {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// Seed implements dag.Seeder: constructs a RunnablePip for a newly-ready
// pip and hands it to the dispatcher at its Start step (spec.md §4.1
// "Dependent update", §4.5 step table).
func (s *Scheduler) Seed(id pipgraph.PipId, priority int32) {
	ri, ok := s.table.Get(id)
	if !ok {
		s.log.Error("scheduler: Seed called for unscheduled pip", zap.Uint32("pip_id", uint32(id)))
		return
	}
	ri.TrySetState(pipgraph.PipStateRunning)

	t := s.deps.Graph.PipType(id)
	pip := pipgraph.NewRunnablePip(id, t, priority, time.Now())
	// StepStart re-enqueues go to DispatcherLight in the runner's own
	// dispatcherKindForStep convention (every step but the handful with a
	// dedicated queue falls through to Light); match that here so the
	// queue a pip is first observed in is consistent with every later
	// re-enqueue of the same step.
	pip.DispatcherKind = pipgraph.DispatcherLight
	s.dispatcher.Enqueue(pip, priority)
}

// Start launches every background goroutine: the dispatch drain loop, the
// resource manager's sampling timer, the early-release timer, the
// adaptive IO degree monitor (if wired), and the status timer (spec.md
// §4.6 "start").
func (s *Scheduler) Start(ctx context.Context) {
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.startedAt = time.Now()

	s.spawn(func() { s.dispatcher.Run(s.runCtx) })
	s.spawn(func() { s.resources.Run(s.runCtx) })
	s.spawn(func() { s.releaseTimer.Run(s.runCtx) })
	s.spawn(func() { s.runWorkerHealthMonitor(s.runCtx) })
	s.spawn(func() { s.runStatusTimer(s.runCtx) })
	if s.ioMonitor != nil {
		s.spawn(func() { s.ioMonitor.Run(s.runCtx) })
	}

	s.log.Info("scheduler started", zap.Int("scheduled_pips", s.table.Len()))
}

func (s *Scheduler) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Drain blocks until every scheduled pip reaches a terminal state or ctx
// is canceled (spec.md §4.6 "drain (blocking)").
func (s *Scheduler) Drain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.allTerminal() {
				return nil
			}
		}
	}
}

func (s *Scheduler) allTerminal() bool {
	s.mu.Lock()
	nodes := s.scheduled
	s.mu.Unlock()

	for _, id := range nodes {
		ri, ok := s.table.Get(id)
		if !ok || !ri.State().IsTerminal() {
			return false
		}
	}
	return true
}

// WhenDone runs the post-drain finalization sequence: service shutdown
// pips, remote worker Finish calls, critical-path flush, and storage
// retention pruning (spec.md §4.6 "when_done", §4.7 "run the shutdown
// pips").
func (s *Scheduler) WhenDone(ctx context.Context) {
	if s.services != nil {
		s.services.Shutdown(ctx)
	}

	if s.deps.Transport != nil {
		s.pool.Range(func(w *worker.Worker) {
			if w.Kind != worker.KindRemote {
				return
			}
			if err := s.deps.Transport.Finish(ctx, w.ID); err != nil {
				s.log.Warn("remote worker finish failed", zap.Int32("worker_id", w.ID), zap.Error(err))
			}
		})
	}

	s.perfc.FlushCriticalPath()

	if s.db != nil {
		if deleted, err := s.db.PruneOldExecutionLogEntries(); err != nil {
			s.log.Warn("execution log pruning failed", zap.Error(err))
		} else if deleted > 0 {
			s.log.Info("pruned old execution log entries", zap.Int("deleted", deleted))
		}
	}

	if s.deps.Incremental != nil {
		// SaveTracker persists incremental-scheduling state for the next
		// build (spec.md §4.6 "save_tracker").
		if err := s.deps.Incremental.Save(""); err != nil {
			s.log.Warn("incremental state save failed", zap.Error(err))
		}
	}
}

// Dispose cancels every background goroutine and waits for them to exit.
// Idempotent (spec.md §4.6 "dispose").
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.mu.Unlock()

	if s.runCancel != nil {
		s.runCancel()
	}
	s.dispatcher.Cancel()
	s.wg.Wait()
	s.log.Info("scheduler disposed")
}

// Counters exposes the (pip-type, state) counters for status reporting.
func (s *Scheduler) Counters() *pipgraph.Counters { return s.counters }

// Table exposes the runtime-info table for status reporting and the
// operator override surface.
func (s *Scheduler) Table() *pipgraph.Table { return s.table }

// Pool exposes the worker pool for status reporting, the operator
// override surface, and remote-worker attach.
func (s *Scheduler) Pool() *worker.Pool { return s.pool }

// ResourceManager exposes the resource manager for status reporting.
func (s *Scheduler) ResourceManager() *resourcemgr.Manager { return s.resources }

// PerfCollector exposes the perf collector for status reporting.
func (s *Scheduler) PerfCollector() *perf.Collector { return s.perfc }

// RequestTermination triggers stop-on-first-error cancellation of every
// non-terminal pip (spec.md §4.5).
func (s *Scheduler) RequestTermination() { s.runr.RequestTermination() }

// AttachRemoteWorker registers a remote worker transport connection and
// applies the cache-lookup oversubscription factor (spec.md §4.3 "5x").
func (s *Scheduler) AttachRemoteWorker(cfg worker.Config) *worker.Worker {
	w := s.pool.Attach(cfg)
	selector.ApplyRemoteOversubscription(w, cfg.CacheLookupSlots, s.cfg.Workers.RemoteCacheLookupOversubscription)
	return w
}

// schedulerExecutor adapts the façade to dispatch.StepExecutor, forwarding
// to the runner. Indirection needed because the dispatcher and runner are
// constructed in the same breath and each needs a reference to the other.
type schedulerExecutor struct {
	s *Scheduler
}

func (e schedulerExecutor) ExecuteStep(pip *pipgraph.RunnablePip) {
	e.s.runr.ExecuteStep(pip)
}

// queuedWorkProbe adapts the dispatcher's CPU queue depth to
// selector.QueuedWorkProbe.
type queuedWorkProbe struct {
	d *dispatch.Dispatcher
}

func (p queuedWorkProbe) QueuedProcessWork() int {
	q := p.d.Queue(pipgraph.DispatcherCPU)
	if q == nil {
		return 0
	}
	return q.Len() + q.Running()
}
