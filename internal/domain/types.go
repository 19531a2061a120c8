package domain

// JobStatus tracks each stage of a caption run.
type JobStatus string

const (
	JobStatusIdle             JobStatus = "idle"
	JobStatusValidating       JobStatus = "validating"
	JobStatusLoadingModel     JobStatus = "loading_model"
	JobStatusRunning          JobStatus = "running"
	JobStatusGenerating       JobStatus = "generating"
	JobStatusSummarizing      JobStatus = "summarizing"
	JobStatusDone             JobStatus = "done"
	JobStatusDoneWithWarnings JobStatus = "done_with_warnings"
	JobStatusFailed           JobStatus = "failed"
	JobStatusCancelled        JobStatus = "cancelled"
)

// JobKind separates the streaming single-image flow from batch runs.
type JobKind string

const (
	JobKindBatch  JobKind = "batch"
	JobKindSingle JobKind = "single"
)

// Settings contains user-selectable session configuration.
type Settings struct {
	ModelPath    string      `json:"modelPath"`
	Backend      string      `json:"backend"`
	OutputDir    string      `json:"outputDir"`
	Caption      CaptionSpec `json:"caption"`
	Temperature  float64     `json:"temperature"`
	TopP         float64     `json:"topP"`
	MaxNewTokens int         `json:"maxNewTokens"`
	Workers      int         `json:"workers"`
	BatchSize    int         `json:"batchSize"`
}

// Job stores the current job identity and lifecycle status.
type Job struct {
	ID     string    `json:"id"`
	Kind   JobKind   `json:"kind,omitempty"`
	Status JobStatus `json:"status"`
}
