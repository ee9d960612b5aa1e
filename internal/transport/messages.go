package transport

// Wire messages for the worker service's six RPCs. Field names mirror
// collab.WorkerTransport's parameters/returns one-for-one so (de)serializing
// is a flat copy at each call site.

type InitializeRequest struct {
	WorkerID int32 `json:"worker_id"`
}

type InitializeResponse struct{}

type CacheLookupRequest struct {
	WorkerID int32  `json:"worker_id"`
	PipID    uint32 `json:"pip_id"`
}

type CacheLookupResponse struct {
	Hit           bool     `json:"hit"`
	ContentHashes []string `json:"content_hashes,omitempty"`
	Converged     bool     `json:"converged,omitempty"`
}

type MaterializeInputsRequest struct {
	WorkerID int32  `json:"worker_id"`
	PipID    uint32 `json:"pip_id"`
}

type MaterializeInputsResponse struct{}

type ExecuteProcessRequest struct {
	WorkerID int32  `json:"worker_id"`
	PipID    uint32 `json:"pip_id"`
}

type ExecuteProcessResponse struct {
	Status           string   `json:"status"`
	DurationMs       int64    `json:"duration_ms"`
	PeakWorkingSetMb int64    `json:"peak_working_set_mb"`
	ObservedAccesses []string `json:"observed_accesses,omitempty"`
	OutputContent    []string `json:"output_content,omitempty"`
	Retryable        bool     `json:"retryable,omitempty"`
}

type MaterializeOutputsRequest struct {
	WorkerID int32  `json:"worker_id"`
	PipID    uint32 `json:"pip_id"`
}

type MaterializeOutputsResponse struct{}

type FinishRequest struct {
	WorkerID int32 `json:"worker_id"`
}

type FinishResponse struct{}

const (
	serviceName = "octoscheduler.worker.v1.WorkerService"

	methodInitialize          = "/" + serviceName + "/Initialize"
	methodCacheLookup         = "/" + serviceName + "/CacheLookup"
	methodMaterializeInputs   = "/" + serviceName + "/MaterializeInputs"
	methodExecuteProcess      = "/" + serviceName + "/ExecuteProcess"
	methodMaterializeOutputs  = "/" + serviceName + "/MaterializeOutputs"
	methodFinish              = "/" + serviceName + "/Finish"
)
