package entities

import "time"

// PipelineStage names a stage of the pipeline
type PipelineStage string

const (
	StageScan     PipelineStage = "scan"
	StageAnalysis PipelineStage = "analysis"
)

// JobEvent is published whenever a scan job changes status or its result is analyzed
type JobEvent struct {
	JobID     string        `json:"job_id"`
	KeywordID string        `json:"keyword_id"`
	Status    JobStatus     `json:"status"`
	Stage     PipelineStage `json:"stage"`
	Error     string        `json:"error,omitempty"`
	At        time.Time     `json:"at"`
}

// NewJobEvent creates an event for the job's current status
func NewJobEvent(job *ScanJob, stage PipelineStage) *JobEvent {
	return &JobEvent{
		JobID:     job.ID,
		KeywordID: job.KeywordID,
		Status:    job.Status,
		Stage:     stage,
		Error:     job.ErrorMessage,
		At:        time.Now().UTC(),
	}
}
