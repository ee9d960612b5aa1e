// Package collab defines the external collaborator contracts the core
// consumes but never implements: graph construction, cache lookup, the
// process sandbox, and the distributed transport (spec.md §6). The core
// depends only on these interfaces; concrete implementations are supplied
// by the embedder. memory.go in this package carries minimal in-memory
// implementations, used by the tests, cmd/scheduler-sim and cmd/scheduler.
package collab

import (
	"context"
	"time"

	"github.com/octoscheduler/octoscheduler/internal/pipgraph"
)

// CacheHit is the opaque result of a successful cache lookup.
type CacheHit struct {
	ContentHashes []string
	Converged     bool
}

// PublishResult is the opaque result of publishing outputs to the cache.
type PublishResult struct {
	Published bool
}

// PipGraph exposes the DAG's static structure (spec.md §6 "Pip graph").
type PipGraph interface {
	Nodes() []pipgraph.PipId
	OutgoingEdges(node pipgraph.PipId) []pipgraph.PipId
	IncomingEdges(node pipgraph.PipId) []pipgraph.PipId
	PipType(id pipgraph.PipId) pipgraph.PipType
	HydratePip(id pipgraph.PipId) error
	ProducerOf(artifact string) (pipgraph.PipId, bool)
	ListSealedDirectoryContents(dir string) ([]string, error)

	// ServiceDependencyOf reports the service-start pip and its paired
	// shutdown pip that a client pip depends on, if any (spec.md §4.7). A
	// process pip with no service dependency returns ok == false.
	ServiceDependencyOf(pip pipgraph.PipId) (servicePip, shutdownPip pipgraph.PipId, ok bool)
}

// ContentCache is the two-phase fingerprint cache (spec.md §6 "Content
// cache").
type ContentCache interface {
	Lookup(ctx context.Context, pip pipgraph.PipId, fingerprint string) (*CacheHit, error)
	Publish(ctx context.Context, pip pipgraph.PipId, outputs []string) (PublishResult, error)
	Materialize(ctx context.Context, contentHash, path string) error
	Close() error
}

// FileContentManager hashes inputs/outputs and reports produced files
// (spec.md §6 "File content manager").
type FileContentManager interface {
	TryHashSourceDependencies(pip pipgraph.PipId) (string, error)
	TryHashOutputs(pip pipgraph.PipId) (string, error)
	ReportOutput(path string, info, origin string) error
	ListSealedDirectoryContents(dir string) ([]string, error)
	RegisterStaticDirectory(dir string) error
}

// ExecutionResult is the outcome of running an external process (spec.md
// §6 "Sandboxed process runner").
type ExecutionResult struct {
	Status           string
	DurationMs       int64
	PeakWorkingSetMb int64
	ObservedAccesses []string
	OutputContent    []string
	Retryable        bool
}

// ProcessRunner executes a process pip in a sandbox the core is agnostic
// to (spec.md §6 "Sandboxed process runner").
type ProcessRunner interface {
	ExecuteProcess(ctx context.Context, pip pipgraph.PipId) (ExecutionResult, error)
}

// IncrementalState is the incremental-scheduling collaborator (spec.md §6
// "Incremental scheduling state").
type IncrementalState interface {
	IsCleanAndMaterialized(node pipgraph.PipId) bool
	MarkClean(node pipgraph.PipId)
	MarkMaterialized(node pipgraph.PipId)
	MarkPerpetuallyDirty(node pipgraph.PipId)
	RecordDynamicObservations(node pipgraph.PipId, observations []string)
	Save(path string) error
}

// FileChangeTracker persists/restores the file-change watch state (spec.md
// §6 "File-change tracker").
type FileChangeTracker interface {
	Save(path string) error
	LoadOrStartNew(path string) error
}

// ExecutionLogSink is the fingerprint-store / execution-log event sink
// (spec.md §6 "Fingerprint store / execution log").
type ExecutionLogSink interface {
	PipExecutionPerformance(pip pipgraph.PipId, durationMs int64, peakWorkingSetMb int64)
	DirectoryOutputs(pip pipgraph.PipId, dir string, entries []string)
	ObservedInputs(pip pipgraph.PipId, inputs []string)
	StatusReported(stats map[string]int64)
}

// WorkerTransport is the remote-worker RPC contract (spec.md §6 "Worker
// transport").
type WorkerTransport interface {
	Initialize(ctx context.Context, workerID int32) error
	CacheLookup(ctx context.Context, workerID int32, pip pipgraph.PipId) (*CacheHit, error)
	MaterializeInputs(ctx context.Context, workerID int32, pip pipgraph.PipId) error
	ExecuteProcess(ctx context.Context, workerID int32, pip pipgraph.PipId) (ExecutionResult, error)
	MaterializeOutputs(ctx context.Context, workerID int32, pip pipgraph.PipId) error
	Finish(ctx context.Context, workerID int32) error
}

// IPCClient is a single named IPC endpoint moniker-addressed client.
type IPCClient interface {
	Call(ctx context.Context, method string, payload []byte) ([]byte, error)
}

// IPCProvider vends IPC clients by moniker (spec.md §6 "IPC provider").
type IPCProvider interface {
	GetClient(moniker string) (IPCClient, error)
	Stop() error
}

// MachineCounters is the OS-level resource snapshot the performance
// collector polls (spec.md §6 "Performance collector").
type MachineCounters struct {
	RAMUsedPct    float64
	CommitUsedPct float64
	CPUUsedPct    float64
	DiskHeadroom  float64
	SampledAt     time.Time
}

// PerformanceCollector polls OS counters for RAM/commit/CPU/disk
// aggregates (spec.md §6 "Performance collector").
type PerformanceCollector interface {
	Sample() (MachineCounters, error)
}
