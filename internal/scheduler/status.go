package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/perf"
	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/resourcemgr"
	"github.com/octoscheduler/octoscheduler/internal/worker"
)

// unresponsivenessFactorThreshold is the actual/expected status-tick ratio
// above which the scheduler logs a diagnostic warning — the status timer
// is expected to fire every SampleInterval; a large overrun usually means
// the process is starved of scheduler goroutines (GC pause, runaway
// dispatch loop, blocked step).
const unresponsivenessFactorThreshold = 10.0

// workerDetachTimeout is how long a remote worker may go without a
// heartbeat before it is declared detached and its in-flight pips are
// requeued (spec.md §4.5 "StoppedWorker retry").
const workerDetachTimeout = 30 * time.Second

// StatusSnapshot is a point-in-time view of the build's progress, emitted
// by the status timer and available to the operator override surface
// (spec.md §4.6 "status reporting").
type StatusSnapshot struct {
	UptimeSeconds      float64
	Counts             pipgraph.Snapshot
	WorkersAttached    int
	ResourceLevel      resourcemgr.MemoryResource
	CPUBlockedCount    int64
	CacheLookupBlocked int64
	CriticalPath       perf.CriticalPathStats
}

// Status returns a snapshot of the scheduler's current state.
func (s *Scheduler) Status() StatusSnapshot {
	return StatusSnapshot{
		UptimeSeconds:      time.Since(s.startedAt).Seconds(),
		Counts:             s.counters.Snapshot(),
		WorkersAttached:    s.pool.Count(),
		ResourceLevel:      s.resources.Resource(),
		CPUBlockedCount:    s.cpuSel.BlockedCount(),
		CacheLookupBlocked: s.cacheSel.BlockedCount(),
		CriticalPath:       s.perfc.Stats().Snapshot(),
	}
}

// runStatusTimer periodically logs and publishes a status snapshot, and
// watches for the status timer itself falling badly behind schedule
// (spec.md §4.6 "status timer").
func (s *Scheduler) runStatusTimer(ctx context.Context) {
	interval := s.cfg.Resources.SampleInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			actual := now.Sub(last)
			last = now
			if factor := actual.Seconds() / interval.Seconds(); factor > unresponsivenessFactorThreshold {
				s.log.Warn("status timer unresponsiveness factor exceeded threshold",
					zap.Float64("factor", factor), zap.Duration("expected", interval), zap.Duration("actual", actual))
			}

			snap := s.Status()
			s.metrics.QueueDepth.Reset()
			s.updateMetrics(snap)

			if s.deps.LogSink != nil {
				s.deps.LogSink.StatusReported(statusCountsToMap(snap.Counts))
			}
			s.log.Info("status",
				zap.Float64("uptime_s", snap.UptimeSeconds),
				zap.Int("workers_attached", snap.WorkersAttached),
				zap.String("resource_level", snap.ResourceLevel.String()),
				zap.Int64("cpu_blocked", snap.CPUBlockedCount),
				zap.Int64("cache_lookup_blocked", snap.CacheLookupBlocked),
				zap.Int32("critical_path_ms", snap.CriticalPath.LongestPathMs),
			)
		}
	}
}

func (s *Scheduler) updateMetrics(snap StatusSnapshot) {
	s.metrics.WorkersAttached.WithLabelValues("local").Set(1)
	remote := snap.WorkersAttached - 1
	if remote < 0 {
		remote = 0
	}
	s.metrics.WorkersAttached.WithLabelValues("remote").Set(float64(remote))

	for t, byState := range snap.Counts {
		for state, n := range byState {
			s.metrics.PipsByState.WithLabelValues(t.String(), state.String()).Set(float64(n))
		}
	}
	s.metrics.CriticalPathMsGauge.Set(float64(snap.CriticalPath.LongestPathMs))

	level := 0.0
	switch snap.ResourceLevel {
	case resourcemgr.LowRam, resourcemgr.LowCommit:
		level = 1
	case resourcemgr.LowRamAndCommit:
		level = 2
	}
	s.metrics.ResourcePressureLevel.WithLabelValues("ram").Set(level)
	s.metrics.ResourcePressureLevel.WithLabelValues("commit").Set(level)
}

func statusCountsToMap(counts pipgraph.Snapshot) map[string]int64 {
	out := make(map[string]int64, len(counts))
	for t, byState := range counts {
		for state, n := range byState {
			out[t.String()+"/"+state.String()] = int64(n)
		}
	}
	return out
}

// runWorkerHealthMonitor periodically scans for remote workers that have
// missed their heartbeat deadline, requeues every pip in flight on them
// through the StoppedWorker retry policy, and removes them from the pool
// (spec.md §4.5 "StoppedWorker retry").
func (s *Scheduler) runWorkerHealthMonitor(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkWorkerHealth()
		}
	}
}

func (s *Scheduler) checkWorkerHealth() {
	var detached []*worker.Worker
	s.pool.Range(func(w *worker.Worker) {
		if w.IsDetached(workerDetachTimeout) {
			detached = append(detached, w)
		}
	})

	for _, w := range detached {
		inFlight := s.resources.PipsOnWorker(w.ID)
		for _, p := range inFlight {
			p.Requeue()
		}
		s.log.Warn("remote worker detached, requeued in-flight pips",
			zap.Int32("worker_id", w.ID), zap.Int("requeued", len(inFlight)))
		s.pool.Detach(w.ID)
	}
}
