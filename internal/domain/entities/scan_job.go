package entities

import (
	"fmt"
	"time"
)

// JobStatus represents the lifecycle state of a scan job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no worker will pick the job up again on its own
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// CanTransition reports whether a job in status s may move to next.
//
// failed -> processing is the queue redelivering a job that still has
// attempts left, processing -> processing is a redelivery after an expired
// lease. failed -> pending only happens through an explicit re-run.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case JobStatusPending:
		return next == JobStatusProcessing
	case JobStatusProcessing:
		return next == JobStatusProcessing || next == JobStatusCompleted || next == JobStatusFailed
	case JobStatusFailed:
		return next == JobStatusProcessing || next == JobStatusPending
	default:
		return false
	}
}

// ScanJob is one query of one answer engine on behalf of a tracked keyword
type ScanJob struct {
	ID           string     `json:"id" db:"id"`
	ProjectID    string     `json:"project_id" db:"project_id"`
	KeywordID    string     `json:"keyword_id" db:"keyword_id"`
	Engine       string     `json:"engine" db:"engine"`
	Query        string     `json:"query" db:"query"`
	Brand        string     `json:"brand" db:"brand"`
	Competitors  []string   `json:"competitors" db:"competitors"`
	Country      string     `json:"country,omitempty" db:"country"`
	Location     string     `json:"location,omitempty" db:"location"`
	Status       JobStatus  `json:"status" db:"status"`
	Attempts     int        `json:"attempts" db:"attempts"`
	StartedAt    *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	LatencyMs    int64      `json:"latency_ms" db:"latency_ms"`
	ErrorMessage string     `json:"error_message,omitempty" db:"error_message"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at" db:"updated_at"`
}

// Start moves the job into processing for a new attempt
func (j *ScanJob) Start(now time.Time) error {
	if !j.Status.CanTransition(JobStatusProcessing) {
		return fmt.Errorf("scan job %s: cannot start from status %s", j.ID, j.Status)
	}
	j.Status = JobStatusProcessing
	j.Attempts++
	j.StartedAt = &now
	j.CompletedAt = nil
	j.LatencyMs = 0
	j.ErrorMessage = ""
	j.UpdatedAt = now
	return nil
}

// Complete marks the job completed. Latency covers the current attempt only.
func (j *ScanJob) Complete(now time.Time) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("scan job %s: cannot complete from status %s", j.ID, j.Status)
	}
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.LatencyMs = now.Sub(*j.StartedAt).Milliseconds()
	}
	j.UpdatedAt = now
	return nil
}

// Fail marks the job failed with the given cause
func (j *ScanJob) Fail(now time.Time, cause error) error {
	if j.Status != JobStatusProcessing {
		return fmt.Errorf("scan job %s: cannot fail from status %s", j.ID, j.Status)
	}
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	if j.StartedAt != nil {
		j.LatencyMs = now.Sub(*j.StartedAt).Milliseconds()
	}
	if cause != nil {
		j.ErrorMessage = cause.Error()
	}
	j.UpdatedAt = now
	return nil
}

// Rerun resets a failed job to pending so it can be enqueued again
func (j *ScanJob) Rerun(now time.Time) error {
	if j.Status != JobStatusFailed {
		return fmt.Errorf("scan job %s: only failed jobs can be re-run, status is %s", j.ID, j.Status)
	}
	j.Status = JobStatusPending
	j.Attempts = 0
	j.StartedAt = nil
	j.CompletedAt = nil
	j.LatencyMs = 0
	j.ErrorMessage = ""
	j.UpdatedAt = now
	return nil
}

// GeoContext returns the region the job's answer should be simulated for
func (j *ScanJob) GeoContext() *GeoContext {
	if j.Country == "" && j.Location == "" {
		return nil
	}
	return &GeoContext{Country: j.Country, Location: j.Location}
}
