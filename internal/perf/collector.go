// Package perf — collector.go
//
// Collector is the C11 component: it observes per-pip step transitions,
// maintains the critical-path stats record, persists historical
// performance data, and updates the Prometheus metrics defined in
// metrics.go. It has no control-flow authority — every signal it produces
// (historical duration estimates, anomaly flags, critical-path numbers) is
// read by other components but never gates a dispatch decision itself.
package perf

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
	"github.com/octoscheduler/octoscheduler/internal/store"
)

// CriticalPathStats is the monotonically-updated record of spec.md §3:
// "num_hits, num_wild_guesses, longest_path_ms, and the tail pip id of the
// current longest chain."
type CriticalPathStats struct {
	mu sync.Mutex

	NumHits         int64
	NumWildGuesses  int64
	LongestPathMs   int32
	LongestPathTail pipgraph.PipId
}

// RecordEstimate records whether a pip's priority was seeded from
// historical data (a hit) or the static per-type fallback (a wild guess).
func (c *CriticalPathStats) RecordEstimate(fromHistory bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if fromHistory {
		c.NumHits++
	} else {
		c.NumWildGuesses++
	}
}

// ObserveChain updates the longest-known-chain record if pathMs exceeds the
// current longest path.
func (c *CriticalPathStats) ObserveChain(tail pipgraph.PipId, pathMs int32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pathMs > c.LongestPathMs {
		c.LongestPathMs = pathMs
		c.LongestPathTail = tail
	}
}

// Snapshot returns a copy of the current stats, safe to log or serialize.
func (c *CriticalPathStats) Snapshot() CriticalPathStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CriticalPathStats{
		NumHits:         c.NumHits,
		NumWildGuesses:  c.NumWildGuesses,
		LongestPathMs:   c.LongestPathMs,
		LongestPathTail: c.LongestPathTail,
	}
}

// Collector wires per-pip performance capture to the historical perf table
// (BoltDB), the in-memory critical-path stats, and Prometheus.
type Collector struct {
	log     *zap.Logger
	metrics *Metrics
	db      *store.DB
	stats   *CriticalPathStats
	nodeID  string

	mu         sync.Mutex
	baselines  map[string]Baseline
}

// NewCollector constructs a Collector. db may be nil, in which case
// historical persistence is a no-op (e.g. a first run with no prior
// database, or a worker node without local storage).
func NewCollector(log *zap.Logger, metrics *Metrics, db *store.DB, nodeID string) *Collector {
	return &Collector{
		log:       log,
		metrics:   metrics,
		db:        db,
		stats:     &CriticalPathStats{},
		nodeID:    nodeID,
		baselines: make(map[string]Baseline),
	}
}

// Stats returns the collector's critical-path stats record.
func (c *Collector) Stats() *CriticalPathStats { return c.stats }

// EstimateDurationMs returns the historical mean duration for fingerprint,
// recording a hit/wild-guess in the critical-path stats. The bool result
// reports whether historical data was found.
func (c *Collector) EstimateDurationMs(fingerprint string) (int32, bool) {
	if c.db == nil {
		c.stats.RecordEstimate(false)
		return 0, false
	}
	rec, err := c.db.GetPerfRecord(fingerprint)
	if err != nil {
		c.log.Warn("perf table lookup failed", zap.String("fingerprint", fingerprint), zap.Error(err))
		c.stats.RecordEstimate(false)
		return 0, false
	}
	if rec == nil {
		c.stats.RecordEstimate(false)
		return 0, false
	}
	c.stats.RecordEstimate(true)

	c.mu.Lock()
	c.baselines[fingerprint] = Baseline{
		MeanDurationMs: rec.MeanDurationMs,
		VarianceMs2:    rec.VarianceMs2,
		SampleCount:    rec.SampleCount,
	}
	c.mu.Unlock()

	return int32(rec.MeanDurationMs), true
}

// RecordStep updates Prometheus with one step's queue-wait and execution
// duration.
func (c *Collector) RecordStep(step pipgraph.PipExecutionStep, queueWait, duration time.Duration, dispatcherKind string) {
	c.metrics.StepDurationSeconds.WithLabelValues(step.String()).Observe(duration.Seconds())
	if queueWait > 0 {
		c.metrics.StepQueueWaitSeconds.WithLabelValues(dispatcherKind).Observe(queueWait.Seconds())
	}
}

// RecordCompletion folds a pip's observed execution time into its
// historical baseline, logs a diagnostic line if the observation is
// anomalous relative to that baseline, persists the updated record and an
// execution-log entry, and updates the terminal-state Prometheus counters.
// Persistence errors are logged and otherwise ignored — perf history is an
// optimization, never a build-correctness dependency.
func (c *Collector) RecordCompletion(
	fingerprint string,
	pipID pipgraph.PipId,
	pipType pipgraph.PipType,
	result pipgraph.PipResult,
	durationMs int32,
	peakWorkingSetMb int64,
	workerID int32,
) {
	c.metrics.PipsTotal.WithLabelValues(pipType.String(), result.String()).Inc()

	c.mu.Lock()
	baseline := c.baselines[fingerprint]
	updated := baseline.Update(float64(durationMs))
	anomalous := baseline.IsAnomalous(float64(durationMs))
	c.baselines[fingerprint] = updated
	c.mu.Unlock()

	if anomalous {
		c.metrics.AnomalousDurationPipsTotal.Inc()
		c.log.Info("pip duration diverged from historical baseline",
			zap.Uint32("pip_id", uint32(pipID)),
			zap.String("fingerprint", fingerprint),
			zap.Int32("observed_ms", durationMs),
			zap.Float64("baseline_mean_ms", baseline.MeanDurationMs),
		)
	}

	if c.db == nil {
		return
	}

	start := time.Now()
	if err := c.db.PutPerfRecord(store.PerfRecord{
		Fingerprint:          fingerprint,
		MeanDurationMs:       updated.MeanDurationMs,
		VarianceMs2:          updated.VarianceMs2,
		SampleCount:          updated.SampleCount,
		LastPeakWorkingSetMb: peakWorkingSetMb,
	}); err != nil {
		c.log.Warn("failed to persist perf record", zap.String("fingerprint", fingerprint), zap.Error(err))
	}
	c.metrics.StorageWriteLatency.Observe(time.Since(start).Seconds())

	if err := c.db.AppendExecutionLog(store.ExecutionLogEntry{
		PipID:       uint32(pipID),
		Fingerprint: fingerprint,
		PipType:     uint8(pipType),
		Result:      uint8(result),
		DurationMs:  durationMs,
		WorkerID:    workerID,
		NodeID:      c.nodeID,
	}); err != nil {
		c.log.Warn("failed to append execution log entry", zap.Uint32("pip_id", uint32(pipID)), zap.Error(err))
	}
}

// FlushCriticalPath logs the final critical-path stats, called from
// when_done (spec.md §4.6).
func (c *Collector) FlushCriticalPath() {
	s := c.stats.Snapshot()
	c.metrics.CriticalPathMsGauge.Set(float64(s.LongestPathMs))
	c.log.Info("critical path summary",
		zap.Int64("num_hits", s.NumHits),
		zap.Int64("num_wild_guesses", s.NumWildGuesses),
		zap.Int32("longest_path_ms", s.LongestPathMs),
		zap.Uint32("longest_path_tail_pip_id", uint32(s.LongestPathTail)),
	)
}
