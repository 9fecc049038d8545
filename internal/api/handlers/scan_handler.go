package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/zatekoja/aivisibility/internal/application/services"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

const maxListLimit = 500

// ScanService defines the scan operations used by the handler
type ScanService interface {
	RequestScan(ctx context.Context, req services.ScanRequest) (*entities.ScanJob, error)
	RequestKeywordScans(ctx context.Context, projectID string, engines []string) ([]*entities.ScanJob, error)
	RerunScan(ctx context.Context, jobID string) (*entities.ScanJob, error)
	ReanalyzeScan(ctx context.Context, resultID string) error
	GetScan(ctx context.Context, jobID string) (*entities.ScanRecord, error)
	ListScans(ctx context.Context, projectID string, limit int) ([]*entities.ScanRecord, error)
}

// ScanHandler handles scan job HTTP requests
type ScanHandler struct {
	service ScanService
}

// NewScanHandler creates a new scan handler
func NewScanHandler(service ScanService) *ScanHandler {
	return &ScanHandler{service: service}
}

// ListScans handles GET /api/scans?project_id=&limit=
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit := 0
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			respondWithError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = parsed
	}

	records, err := h.service.ListScans(r.Context(), query.Get("project_id"), limit)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"scans": records,
		"count": len(records),
	})
}

// GetScan handles GET /api/scans/{id}
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	record, err := h.service.GetScan(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, record)
}

// CreateScan handles POST /api/scans
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	var req services.ScanRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	job, err := h.service.RequestScan(r.Context(), req)
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, job)
}

type projectScansRequest struct {
	Engines []string `json:"engines"`
}

// CreateProjectScans handles POST /api/projects/{id}/scans. Jobs that were
// created are returned even when some keywords failed.
func (h *ScanHandler) CreateProjectScans(w http.ResponseWriter, r *http.Request) {
	var req projectScansRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request payload")
		return
	}

	jobs, err := h.service.RequestKeywordScans(r.Context(), r.PathValue("id"), req.Engines)
	if err != nil && len(jobs) == 0 {
		respondWithAppError(w, r, err)
		return
	}

	body := map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	}
	if err != nil {
		body["error"] = err.Error()
	}
	respondWithJSON(w, http.StatusAccepted, body)
}

// RerunScan handles POST /api/scans/{id}/rerun
func (h *ScanHandler) RerunScan(w http.ResponseWriter, r *http.Request) {
	job, err := h.service.RerunScan(r.Context(), r.PathValue("id"))
	if err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, job)
}

// ReanalyzeResult handles POST /api/results/{id}/reanalyze
func (h *ScanHandler) ReanalyzeResult(w http.ResponseWriter, r *http.Request) {
	resultID := r.PathValue("id")
	if err := h.service.ReanalyzeScan(r.Context(), resultID); err != nil {
		respondWithAppError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusAccepted, map[string]string{
		"status":         "queued",
		"scan_result_id": resultID,
	})
}
