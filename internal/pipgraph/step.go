package pipgraph

import "fmt"

// PipExecutionStep is the per-pip state-machine position (spec.md §3, §4.5).
type PipExecutionStep uint8

const (
	StepNone PipExecutionStep = iota
	StepStart
	StepCancel
	StepSkip
	StepCheckIncrementalSkip
	StepDelayedCacheLookup
	StepChooseWorkerCacheLookup
	StepCacheLookup
	StepRunFromCache
	StepChooseWorkerCpu
	StepMaterializeInputs
	StepExecuteNonProcessPip
	StepExecuteProcess
	StepPostProcess
	StepMaterializeOutputs
	StepHandleResult
	StepDone
)

func (s PipExecutionStep) String() string {
	switch s {
	case StepNone:
		return "None"
	case StepStart:
		return "Start"
	case StepCancel:
		return "Cancel"
	case StepSkip:
		return "Skip"
	case StepCheckIncrementalSkip:
		return "CheckIncrementalSkip"
	case StepDelayedCacheLookup:
		return "DelayedCacheLookup"
	case StepChooseWorkerCacheLookup:
		return "ChooseWorkerCacheLookup"
	case StepCacheLookup:
		return "CacheLookup"
	case StepRunFromCache:
		return "RunFromCache"
	case StepChooseWorkerCpu:
		return "ChooseWorkerCpu"
	case StepMaterializeInputs:
		return "MaterializeInputs"
	case StepExecuteNonProcessPip:
		return "ExecuteNonProcessPip"
	case StepExecuteProcess:
		return "ExecuteProcess"
	case StepPostProcess:
		return "PostProcess"
	case StepMaterializeOutputs:
		return "MaterializeOutputs"
	case StepHandleResult:
		return "HandleResult"
	case StepDone:
		return "Done"
	default:
		return fmt.Sprintf("PipExecutionStep(%d)", uint8(s))
	}
}

// DispatcherKind is the closed set of dispatch queues (spec.md §3, C3).
type DispatcherKind uint8

const (
	DispatcherNone DispatcherKind = iota
	DispatcherIO
	DispatcherCPU
	DispatcherLight
	DispatcherMaterialize
	DispatcherCacheLookup
	DispatcherChooseWorkerCacheLookup
	DispatcherChooseWorkerCpu
	DispatcherDelayedCacheLookup
	DispatcherSealDirs
)

func (k DispatcherKind) String() string {
	switch k {
	case DispatcherNone:
		return "None"
	case DispatcherIO:
		return "IO"
	case DispatcherCPU:
		return "CPU"
	case DispatcherLight:
		return "Light"
	case DispatcherMaterialize:
		return "Materialize"
	case DispatcherCacheLookup:
		return "CacheLookup"
	case DispatcherChooseWorkerCacheLookup:
		return "ChooseWorkerCacheLookup"
	case DispatcherChooseWorkerCpu:
		return "ChooseWorkerCpu"
	case DispatcherDelayedCacheLookup:
		return "DelayedCacheLookup"
	case DispatcherSealDirs:
		return "SealDirs"
	default:
		return fmt.Sprintf("DispatcherKind(%d)", uint8(k))
	}
}

// DispatcherKindFor is the pure function §9 calls for collapsing IsLight /
// IsMeta dispatcher-choice forks: given a pip type and whether it is
// declared "light", return the queue its Start step should be dispatched
// through.
func DispatcherKindFor(t PipType, isLight bool) DispatcherKind {
	switch {
	case t.IsMeta():
		return DispatcherLight
	case t == PipTypeSealDirectory:
		return DispatcherSealDirs
	case isLight:
		return DispatcherLight
	case t.IsProcessLike():
		return DispatcherCPU
	default:
		return DispatcherIO
	}
}
