// Package config provides configuration loading, validation, and hot-reload
// for the scheduler.
//
// Configuration file: /etc/octoscheduler/config.yaml (default)
// Schema version: 1
//
// SIGHUP:
//   - cmd/scheduler re-reads config.yaml on SIGHUP and logs whether it
//     loaded. The result is not applied: the running scheduler keeps the
//     configuration it started with, and changes take effect on restart.
//   - ApplyNonDestructive lists which fields are live-adjustable; the
//     SIGHUP handler does not call it.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (e.g. thresholds in (0,1], degrees >= 1).
//   - Invalid config on startup: the scheduler refuses to start.
//   - A config file that fails to load on SIGHUP is logged; the build
//     continues.

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// DefaultDBPath mirrors the store package constant for use in config defaults.
const DefaultDBPath = "/var/lib/octoscheduler/octoscheduler.db"

// Config is the root configuration structure for the scheduler.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is a unique identifier for this scheduler node. Used in
	// remote-worker RPC envelopes and the execution log. Default: hostname.
	NodeID string `yaml:"node_id"`

	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Workers       WorkersConfig       `yaml:"workers"`
	Resources     ResourcesConfig     `yaml:"resources"`
	Retry         RetryConfig         `yaml:"retry"`
	Cache         CacheConfig         `yaml:"cache"`
	Storage       StorageConfig       `yaml:"storage"`
	Transport     TransportConfig     `yaml:"transport"`
	Observability ObservabilityConfig `yaml:"observability"`
	Operator      OperatorConfig      `yaml:"operator"`
}

// DispatchConfig holds per-DispatcherKind concurrency caps (C3).
type DispatchConfig struct {
	MaxParallelIO                      int `yaml:"max_parallel_io"`
	MaxParallelCPU                     int `yaml:"max_parallel_cpu"`
	MaxParallelLight                   int `yaml:"max_parallel_light"`
	MaxParallelMaterialize             int `yaml:"max_parallel_materialize"`
	MaxParallelCacheLookup             int `yaml:"max_parallel_cache_lookup"`
	MaxParallelChooseWorkerCacheLookup int `yaml:"max_parallel_choose_worker_cache_lookup"`
	MaxParallelChooseWorkerCpu         int `yaml:"max_parallel_choose_worker_cpu"`
	MaxParallelDelayedCacheLookup      int `yaml:"max_parallel_delayed_cache_lookup"`
	MaxParallelSealDirs                int `yaml:"max_parallel_seal_dirs"`

	// DelayedCacheLookupWait is the brief wait applied at the
	// DelayedCacheLookup step to batch cache lookups (spec.md §4.5).
	DelayedCacheLookupWait time.Duration `yaml:"delayed_cache_lookup_wait"`

	// IOAdaptiveDegree enables the disk-performance-driven monitor that
	// raises/lowers the IO queue's max degree (spec.md §4.2).
	IOAdaptiveDegree bool `yaml:"io_adaptive_degree"`
}

// WorkersConfig holds worker-pool and selector parameters (C4, C5).
type WorkersConfig struct {
	// RemoteCacheLookupOversubscription is the factor by which remote
	// workers' cache-lookup slot pool is oversubscribed relative to the
	// process slot pool (spec.md §4.3: "oversubscribed by 5x").
	RemoteCacheLookupOversubscription int `yaml:"remote_cache_lookup_oversubscription"`

	// ModuleAffinityEnabled steers pips declaring a module to a preferred
	// worker (spec.md §4.3 step 2).
	ModuleAffinityEnabled bool `yaml:"module_affinity_enabled"`

	// EarlyReleaseMultiplier is the release_multiplier of spec.md §4.3.
	EarlyReleaseMultiplier float64 `yaml:"early_release_multiplier"`

	// EarlyReleaseCheckInterval is how often the early-release timer runs.
	EarlyReleaseCheckInterval time.Duration `yaml:"early_release_check_interval"`

	// AttachTimeout bounds how long when_done waits for the minimum worker
	// requirement before failing the build (spec.md §4.6).
	AttachTimeout time.Duration `yaml:"attach_timeout"`

	// MinWorkers is the minimum worker requirement referenced above. Zero
	// disables the requirement (local worker alone is always sufficient).
	MinWorkers int `yaml:"min_workers"`
}

// ResourcesConfig holds the resource manager's sampling and threshold
// parameters (C6, spec.md §4.4).
type ResourcesConfig struct {
	// SampleInterval is the status-timer period (spec.md: "typically every 2s").
	SampleInterval time.Duration `yaml:"sample_interval"`

	// RamPressureThresholdPct triggers LowRam when effective-RAM% exceeds it.
	RamPressureThresholdPct float64 `yaml:"ram_pressure_threshold_pct"`

	// RamMinFreeMb is the minimum effective-free RAM required, in addition
	// to the threshold percentage, before LowRam is declared.
	RamMinFreeMb int64 `yaml:"ram_min_free_mb"`

	// CommitPressureThresholdPct triggers LowCommit.
	CommitPressureThresholdPct float64 `yaml:"commit_pressure_threshold_pct"`

	// CommitCriticalThresholdPct triggers immediate cancellation
	// (spec.md §4.4: "Critical commit (>= 98%)").
	CommitCriticalThresholdPct float64 `yaml:"commit_critical_threshold_pct"`
}

// RetryConfig holds the retry caps of spec.md §4.5.
type RetryConfig struct {
	MaxRetriesDueToLowMemory          int     `yaml:"max_retries_due_to_low_memory"`
	NumRetryFailedPipsOnAnotherWorker int     `yaml:"num_retry_failed_pips_on_another_worker"`
	MaxRetriesDueToRetryableFailures  int     `yaml:"max_retries_due_to_retryable_failures"`
	LowMemoryInflateFactor            float64 `yaml:"low_memory_inflate_factor"`
}

// CacheConfig holds cache-pipeline feature gates.
type CacheConfig struct {
	// CacheOnlyMode: on a cache miss, Skip instead of falling through to
	// ChooseWorkerCpu (spec.md §4.5 CacheLookup row).
	CacheOnlyMode bool `yaml:"cache_only_mode"`

	// DeterminismProbe forces re-execution of cache-hit pips to detect
	// non-determinism (spec.md §9 open question — implemented as an
	// opt-in diagnostic affordance, off by default).
	DeterminismProbe bool `yaml:"determinism_probe"`
}

// StorageConfig holds BoltDB parameters for the perf table + execution log.
type StorageConfig struct {
	DBPath        string `yaml:"db_path"`
	RetentionDays int    `yaml:"retention_days"`
}

// TransportConfig holds the remote-worker gRPC transport parameters.
type TransportConfig struct {
	Enabled     bool          `yaml:"enabled"`
	ListenAddr  string        `yaml:"listen_addr"`
	Peers       []string      `yaml:"peers"`
	TLSCertFile string        `yaml:"tls_cert_file"`
	TLSKeyFile  string        `yaml:"tls_key_file"`
	TLSCAFile   string        `yaml:"tls_ca_file"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// OperatorConfig holds the operator override Unix socket parameters.
type OperatorConfig struct {
	// SocketPath is the Unix domain socket the operator CLI connects to in
	// order to issue override commands (force-cancel a pip, trigger
	// termination, force a worker offline, read status, list workers).
	// Permissions: 0600, owned by root.
	SocketPath string `yaml:"socket_path"`

	Enabled bool `yaml:"enabled"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Dispatch: DispatchConfig{
			MaxParallelIO:                      8,
			MaxParallelCPU:                     8,
			MaxParallelLight:                   32,
			MaxParallelMaterialize:             8,
			MaxParallelCacheLookup:             16,
			MaxParallelChooseWorkerCacheLookup: 16,
			MaxParallelChooseWorkerCpu:         16,
			MaxParallelDelayedCacheLookup:      16,
			MaxParallelSealDirs:                4,
			DelayedCacheLookupWait:             5 * time.Millisecond,
			IOAdaptiveDegree:                   true,
		},
		Workers: WorkersConfig{
			RemoteCacheLookupOversubscription: 5,
			ModuleAffinityEnabled:             true,
			EarlyReleaseMultiplier:            0.9,
			EarlyReleaseCheckInterval:         10 * time.Second,
			AttachTimeout:                     5 * time.Minute,
			MinWorkers:                        0,
		},
		Resources: ResourcesConfig{
			SampleInterval:             2 * time.Second,
			RamPressureThresholdPct:    0.90,
			RamMinFreeMb:               512,
			CommitPressureThresholdPct: 0.92,
			CommitCriticalThresholdPct: 0.98,
		},
		Retry: RetryConfig{
			MaxRetriesDueToLowMemory:          3,
			NumRetryFailedPipsOnAnotherWorker: 3,
			MaxRetriesDueToRetryableFailures:  3,
			LowMemoryInflateFactor:            1.25,
		},
		Cache: CacheConfig{
			CacheOnlyMode:    false,
			DeterminismProbe: false,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Transport: TransportConfig{
			Enabled:     false,
			ListenAddr:  "0.0.0.0:9443",
			DialTimeout: 10 * time.Second,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Operator: OperatorConfig{
			Enabled:    true,
			SocketPath: "/run/octoscheduler/operator.sock",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}

	degrees := map[string]int{
		"dispatch.max_parallel_io":                         cfg.Dispatch.MaxParallelIO,
		"dispatch.max_parallel_cpu":                        cfg.Dispatch.MaxParallelCPU,
		"dispatch.max_parallel_light":                       cfg.Dispatch.MaxParallelLight,
		"dispatch.max_parallel_materialize":                 cfg.Dispatch.MaxParallelMaterialize,
		"dispatch.max_parallel_cache_lookup":                cfg.Dispatch.MaxParallelCacheLookup,
		"dispatch.max_parallel_choose_worker_cache_lookup":  cfg.Dispatch.MaxParallelChooseWorkerCacheLookup,
		"dispatch.max_parallel_choose_worker_cpu":            cfg.Dispatch.MaxParallelChooseWorkerCpu,
		"dispatch.max_parallel_delayed_cache_lookup":         cfg.Dispatch.MaxParallelDelayedCacheLookup,
		"dispatch.max_parallel_seal_dirs":                    cfg.Dispatch.MaxParallelSealDirs,
	}
	for name, v := range degrees {
		if v < 1 {
			errs = append(errs, fmt.Sprintf("%s must be >= 1, got %d", name, v))
		}
	}

	if cfg.Workers.RemoteCacheLookupOversubscription < 1 {
		errs = append(errs, "workers.remote_cache_lookup_oversubscription must be >= 1")
	}
	if cfg.Resources.RamPressureThresholdPct <= 0 || cfg.Resources.RamPressureThresholdPct > 1 {
		errs = append(errs, "resources.ram_pressure_threshold_pct must be in (0, 1]")
	}
	if cfg.Resources.CommitPressureThresholdPct <= 0 || cfg.Resources.CommitPressureThresholdPct > 1 {
		errs = append(errs, "resources.commit_pressure_threshold_pct must be in (0, 1]")
	}
	if cfg.Resources.CommitCriticalThresholdPct <= cfg.Resources.CommitPressureThresholdPct {
		errs = append(errs, "resources.commit_critical_threshold_pct must exceed commit_pressure_threshold_pct")
	}
	if cfg.Retry.LowMemoryInflateFactor <= 1.0 {
		errs = append(errs, "retry.low_memory_inflate_factor must be > 1.0")
	}
	if cfg.Retry.MaxRetriesDueToLowMemory < 0 || cfg.Retry.NumRetryFailedPipsOnAnotherWorker < 0 ||
		cfg.Retry.MaxRetriesDueToRetryableFailures < 0 {
		errs = append(errs, "retry caps must be >= 0")
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}
	if cfg.Transport.Enabled {
		if cfg.Transport.TLSCertFile == "" || cfg.Transport.TLSKeyFile == "" || cfg.Transport.TLSCAFile == "" {
			errs = append(errs, "transport.tls_cert_file, tls_key_file, and tls_ca_file are required when transport is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}

// ApplyNonDestructive copies the live-adjustable fields of next into cur,
// leaving destructive fields (storage path, transport listen address,
// node id) untouched. The SIGHUP handler in cmd/scheduler does not call it.
func ApplyNonDestructive(cur, next *Config) {
	cur.Dispatch = next.Dispatch
	cur.Resources = next.Resources
	cur.Retry = next.Retry
	cur.Cache = next.Cache
	cur.Workers.ModuleAffinityEnabled = next.Workers.ModuleAffinityEnabled
	cur.Workers.EarlyReleaseMultiplier = next.Workers.EarlyReleaseMultiplier
	cur.Observability.LogLevel = next.Observability.LogLevel
}

// EstimatedMsForType returns the fallback per-pip-type duration estimate
// used by the DAG driver's initial priority computation when no historical
// performance data is available (spec.md §4.1).
func EstimatedMsForType(t pipgraph.PipType, inDegree int) int32 {
	var base int32
	switch t {
	case pipgraph.PipTypeProcess:
		base = 10
	case pipgraph.PipTypeIpc:
		base = 15
	case pipgraph.PipTypeCopyFile:
		base = 2
	case pipgraph.PipTypeWriteFile:
		base = 1
	default:
		base = 0 // meta pips
	}
	if inDegree > 1 {
		base *= int32(inDegree)
	}
	return base
}
