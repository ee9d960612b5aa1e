// Package perf — metrics.go
//
// Prometheus metrics for the scheduler's execution core.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only by default — no external exposure.
//
// Metric naming convention: octoscheduler_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Pip-state and dispatcher-kind labels use the fixed string name (a
//     handful of values each).
//   - PipId is NOT used as a label (unbounded cardinality, one per
//     scheduled unit). Per-pip timings are recorded into
//     PipExecutionStep-keyed histograms, never into a PipId-labeled one.
package perf

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the scheduler.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Pip lifecycle ──────────────────────────────────────────────────

	// PipsTotal counts pips that reached a terminal state, by pip type and
	// result.
	PipsTotal *prometheus.CounterVec

	// PipsByState is the current count of pips in each state, by pip type.
	PipsByState *prometheus.GaugeVec

	// StepDurationSeconds records how long each execution step took.
	// Labels: step.
	StepDurationSeconds *prometheus.HistogramVec

	// StepQueueWaitSeconds records how long a pip waited in a dispatch
	// queue before its step action began. Labels: dispatcher_kind.
	StepQueueWaitSeconds *prometheus.HistogramVec

	// ─── Dispatch queues ─────────────────────────────────────────────────

	// QueueDepth is the current number of pips waiting in each dispatch
	// queue. Labels: dispatcher_kind.
	QueueDepth *prometheus.GaugeVec

	// QueueMaxDegree is the current concurrency cap of each dispatch
	// queue. Labels: dispatcher_kind.
	QueueMaxDegree *prometheus.GaugeVec

	// ─── Worker pool ─────────────────────────────────────────────────────

	// WorkersAttached is the current number of attached workers, by kind
	// (local, remote).
	WorkersAttached *prometheus.GaugeVec

	// WorkerSlotsInUse is the current number of occupied slots, by
	// activity (process, cache_lookup, materialize, ipc).
	WorkerSlotsInUse *prometheus.GaugeVec

	// ─── Resource manager ────────────────────────────────────────────────

	// ResourcePressureLevel is 0 (normal), 1 (low), 2 (critical) for ram
	// and commit separately. Labels: resource (ram, commit).
	ResourcePressureLevel *prometheus.GaugeVec

	// SuspendedPipsTotal counts pips suspended due to low memory.
	SuspendedPipsTotal prometheus.Counter

	// CanceledForResourcesTotal counts pips canceled due to critical
	// resource pressure.
	CanceledForResourcesTotal prometheus.Counter

	// ─── Retries ──────────────────────────────────────────────────────────

	// RetriesTotal counts retries, by reason (low_memory, stopped_worker,
	// prep_or_vm_failure).
	RetriesTotal *prometheus.CounterVec

	// ─── Critical path ───────────────────────────────────────────────────

	// CriticalPathMsGauge is the current build's known critical-path
	// length in milliseconds.
	CriticalPathMsGauge prometheus.Gauge

	// AnomalousDurationPipsTotal counts pips whose observed duration
	// diverged sharply from their historical baseline (diagnostic only).
	AnomalousDurationPipsTotal prometheus.Counter

	// ─── Storage ──────────────────────────────────────────────────────────

	StorageWriteLatency prometheus.Histogram
	PerfTableEntries    prometheus.Gauge

	// ─── Scheduler ────────────────────────────────────────────────────────

	SchedulerUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all scheduler Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		PipsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoscheduler",
			Subsystem: "pips",
			Name:      "total",
			Help:      "Total pips that reached a terminal state, by pip type and result.",
		}, []string{"pip_type", "result"}),

		PipsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "pips",
			Name:      "by_state",
			Help:      "Current number of pips in each state, by pip type.",
		}, []string{"pip_type", "state"}),

		StepDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "octoscheduler",
			Subsystem: "runner",
			Name:      "step_duration_seconds",
			Help:      "Duration of each pip execution step.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),

		StepQueueWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "octoscheduler",
			Subsystem: "dispatch",
			Name:      "queue_wait_seconds",
			Help:      "Time a pip spent waiting in a dispatch queue before its step ran.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"dispatcher_kind"}),

		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "dispatch",
			Name:      "queue_depth",
			Help:      "Current number of pips waiting in each dispatch queue.",
		}, []string{"dispatcher_kind"}),

		QueueMaxDegree: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "dispatch",
			Name:      "queue_max_degree",
			Help:      "Current concurrency cap of each dispatch queue.",
		}, []string{"dispatcher_kind"}),

		WorkersAttached: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "worker",
			Name:      "attached",
			Help:      "Current number of attached workers, by kind.",
		}, []string{"kind"}),

		WorkerSlotsInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "worker",
			Name:      "slots_in_use",
			Help:      "Current number of occupied worker slots, by activity.",
		}, []string{"activity"}),

		ResourcePressureLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "resources",
			Name:      "pressure_level",
			Help:      "0=normal, 1=low, 2=critical, by resource (ram, commit).",
		}, []string{"resource"}),

		SuspendedPipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoscheduler",
			Subsystem: "resources",
			Name:      "suspended_pips_total",
			Help:      "Total pips suspended due to low memory pressure.",
		}),

		CanceledForResourcesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoscheduler",
			Subsystem: "resources",
			Name:      "canceled_total",
			Help:      "Total pips canceled due to critical resource pressure.",
		}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "octoscheduler",
			Subsystem: "runner",
			Name:      "retries_total",
			Help:      "Total pip retries, by reason.",
		}, []string{"reason"}),

		CriticalPathMsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "perf",
			Name:      "critical_path_ms",
			Help:      "Current build's known critical-path length in milliseconds.",
		}),

		AnomalousDurationPipsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "octoscheduler",
			Subsystem: "perf",
			Name:      "anomalous_duration_pips_total",
			Help:      "Total pips whose observed duration diverged sharply from their historical baseline.",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "octoscheduler",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		PerfTableEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "storage",
			Name:      "perf_table_entries",
			Help:      "Current number of historical performance records in BoltDB.",
		}),

		SchedulerUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "octoscheduler",
			Subsystem: "scheduler",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the scheduler started.",
		}),
	}

	reg.MustRegister(
		m.PipsTotal,
		m.PipsByState,
		m.StepDurationSeconds,
		m.StepQueueWaitSeconds,
		m.QueueDepth,
		m.QueueMaxDegree,
		m.WorkersAttached,
		m.WorkerSlotsInUse,
		m.ResourcePressureLevel,
		m.SuspendedPipsTotal,
		m.CanceledForResourcesTotal,
		m.RetriesTotal,
		m.CriticalPathMsGauge,
		m.AnomalousDurationPipsTotal,
		m.StorageWriteLatency,
		m.PerfTableEntries,
		m.SchedulerUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.SchedulerUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
