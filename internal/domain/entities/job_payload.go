package entities

import (
	"encoding/json"
	"fmt"
)

// ScanJobPayload is the scan queue message
type ScanJobPayload struct {
	ScanJobID string `json:"scan_job_id"`
	KeywordID string `json:"keyword_id"`
	ProjectID string `json:"project_id"`
}

// Validate checks the fields a scan worker needs
func (p ScanJobPayload) Validate() error {
	if p.ScanJobID == "" {
		return fmt.Errorf("scan payload: scan_job_id is required")
	}
	return nil
}

// AnalysisJobPayload is the analysis queue message. It is enqueued only after
// the referenced scan result was checkpointed.
type AnalysisJobPayload struct {
	ScanJobID    string   `json:"scan_job_id"`
	ScanResultID string   `json:"scan_result_id"`
	KeywordID    string   `json:"keyword_id"`
	Brand        string   `json:"brand"`
	Competitors  []string `json:"competitors"`
}

// Validate checks the fields an analysis worker needs
func (p AnalysisJobPayload) Validate() error {
	if p.ScanJobID == "" {
		return fmt.Errorf("analysis payload: scan_job_id is required")
	}
	if p.ScanResultID == "" {
		return fmt.Errorf("analysis payload: scan_result_id is required")
	}
	if p.Brand == "" {
		return fmt.Errorf("analysis payload: brand is required")
	}
	return nil
}

// DecodePayload unmarshals and validates a queue message
func DecodePayload[T interface{ Validate() error }](data []byte) (T, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("malformed payload: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}
