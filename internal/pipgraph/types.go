// Package pipgraph defines the core data model for scheduled build units
// ("pips"): identity, type, state, and the mutable runtime-info table that
// the rest of the scheduler reads and writes.
//
// State transition graph (PipState):
//
//	Ignored ──▶ Waiting ──▶ Ready ──▶ Running ──┬─▶ Done
//	                                            ├─▶ Failed
//	                                            ├─▶ Canceled
//	                                            └─▶ Skipped
//
// Monotonicity invariant:
//   - A pip's state only ever advances toward a terminal state; once
//     terminal it is never re-entered (see RuntimeInfo.TrySetState).
//   - ref_count reaches -1 (CompletedRefCount) exactly once, at the moment
//     a pip becomes terminal.
//   - Priority is assigned once, before any pip runs, and never mutated.
package pipgraph

import "fmt"

// PipId is an opaque, dense, never-reused identifier assigned at graph
// build time. NodeId is the same identifier viewed from the graph; the
// mapping between the two is identity.
type PipId uint32

// NodeId is an alias for PipId used when a value is addressed from the
// graph collaborator rather than the runtime-info table.
type NodeId = PipId

// PipType is the closed set of build-unit kinds.
type PipType uint8

const (
	PipTypeProcess PipType = iota
	PipTypeIpc
	PipTypeCopyFile
	PipTypeWriteFile
	PipTypeSealDirectory
	PipTypeValue
	PipTypeSpecFile
	PipTypeModule
	PipTypeHashSourceFile
)

func (t PipType) String() string {
	switch t {
	case PipTypeProcess:
		return "Process"
	case PipTypeIpc:
		return "Ipc"
	case PipTypeCopyFile:
		return "CopyFile"
	case PipTypeWriteFile:
		return "WriteFile"
	case PipTypeSealDirectory:
		return "SealDirectory"
	case PipTypeValue:
		return "Value"
	case PipTypeSpecFile:
		return "SpecFile"
	case PipTypeModule:
		return "Module"
	case PipTypeHashSourceFile:
		return "HashSourceFile"
	default:
		return fmt.Sprintf("PipType(%d)", uint8(t))
	}
}

// IsMeta reports whether t is a meta pip (Value, SpecFile, Module,
// HashSourceFile) whose execution is bookkeeping only.
func (t PipType) IsMeta() bool {
	switch t {
	case PipTypeValue, PipTypeSpecFile, PipTypeModule, PipTypeHashSourceFile:
		return true
	default:
		return false
	}
}

// IsProcessLike reports whether t goes through cache lookup / worker
// selection (Process or Ipc).
func (t PipType) IsProcessLike() bool {
	return t == PipTypeProcess || t == PipTypeIpc
}

// PipState is the closed set of pip lifecycle states. Terminal states are
// Done, Failed, Canceled, Skipped.
type PipState uint8

const (
	PipStateIgnored PipState = iota
	PipStateWaiting
	PipStateReady
	PipStateRunning
	PipStateDone
	PipStateFailed
	PipStateCanceled
	PipStateSkipped
)

func (s PipState) String() string {
	switch s {
	case PipStateIgnored:
		return "Ignored"
	case PipStateWaiting:
		return "Waiting"
	case PipStateReady:
		return "Ready"
	case PipStateRunning:
		return "Running"
	case PipStateDone:
		return "Done"
	case PipStateFailed:
		return "Failed"
	case PipStateCanceled:
		return "Canceled"
	case PipStateSkipped:
		return "Skipped"
	default:
		return fmt.Sprintf("PipState(%d)", uint8(s))
	}
}

// IsTerminal reports whether s is one of the four terminal states.
func (s PipState) IsTerminal() bool {
	switch s {
	case PipStateDone, PipStateFailed, PipStateCanceled, PipStateSkipped:
		return true
	default:
		return false
	}
}

// rank gives the monotonic ordering index used to reject backward
// transitions. Terminal states all share the top rank: once any terminal
// state is reached, no further transition (including to a different
// terminal state) is permitted.
func (s PipState) rank() int {
	switch s {
	case PipStateIgnored:
		return 0
	case PipStateWaiting:
		return 1
	case PipStateReady:
		return 2
	case PipStateRunning:
		return 3
	default:
		return 4 // every terminal state
	}
}

// PipResult is the outcome recorded for a pip once its step machine leaves
// ExecuteProcess/ExecuteNonProcessPip/RunFromCache/CheckIncrementalSkip.
type PipResult uint8

const (
	ResultNotRun PipResult = iota
	ResultExecuted
	ResultFromCache
	ResultUpToDate
	ResultFailed
	ResultCanceled
	ResultSkipped
)

func (r PipResult) String() string {
	switch r {
	case ResultNotRun:
		return "NotRun"
	case ResultExecuted:
		return "Executed"
	case ResultFromCache:
		return "FromCache"
	case ResultUpToDate:
		return "UpToDate"
	case ResultFailed:
		return "Failed"
	case ResultCanceled:
		return "Canceled"
	case ResultSkipped:
		return "Skipped"
	default:
		return fmt.Sprintf("PipResult(%d)", uint8(r))
	}
}

// CompletedRefCount is the sentinel ref_count value written exactly once,
// when a pip becomes terminal (invariant I3).
const CompletedRefCount int32 = -1

// CriticalPathPriorityBitCount is the number of low-order bits of Priority
// reserved for the critical-path-ms estimate (§4.1). The bits above them
// hold the static, author-declared priority.
const CriticalPathPriorityBitCount = 24

// MaxCriticalPathMs is the largest value that fits in the low 24 bits.
const MaxCriticalPathMs = (1 << CriticalPathPriorityBitCount) - 1

// MaxStaticPriority is the largest static priority EncodePriority stores.
// Larger static values saturate to it, so the sign bit of the int32
// priority is never set and every encoded priority is non-negative.
const MaxStaticPriority = 0x7F

// MaxInitialPipPriority is the highest encoded priority: the maximum
// static priority with a saturated critical-path field.
const MaxInitialPipPriority int32 = (MaxStaticPriority << CriticalPathPriorityBitCount) | MaxCriticalPathMs

// EncodePriority packs a static priority byte and a critical-path-ms
// estimate into the single int32 priority field used for dispatch
// ordering, saturating the static priority at MaxStaticPriority and the
// critical-path estimate into 24 bits.
func EncodePriority(staticPriority uint8, criticalPathMs int32) int32 {
	if staticPriority > MaxStaticPriority {
		staticPriority = MaxStaticPriority
	}
	if criticalPathMs < 0 {
		criticalPathMs = 0
	}
	if criticalPathMs > MaxCriticalPathMs {
		criticalPathMs = MaxCriticalPathMs
	}
	return (int32(staticPriority) << CriticalPathPriorityBitCount) | criticalPathMs
}
