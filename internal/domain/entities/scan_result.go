package entities

import "time"

// RecommendationType classifies how an answer positions the tracked brand
type RecommendationType string

const (
	RecommendationTopPick             RecommendationType = "top_pick"
	RecommendationRecommended         RecommendationType = "recommended"
	RecommendationMentioned           RecommendationType = "mentioned"
	RecommendationNotRecommended      RecommendationType = "not_recommended"
	RecommendationCompetitorPreferred RecommendationType = "competitor_preferred"
	RecommendationAbsent              RecommendationType = "absent"
)

// AnalysisResult holds the signals derived from a raw answer
type AnalysisResult struct {
	ScanResultID       string             `json:"scan_result_id"`
	BrandVisibility    bool               `json:"brand_visibility"`
	SentimentScore     float64            `json:"sentiment_score"`
	RecommendationType RecommendationType `json:"recommendation_type"`
	AnalysisJSON       string             `json:"analysis_json"`
}

// ScanResult is the checkpoint of a scan job. One per job; the raw fields are
// immutable and the analysis fields are written once.
type ScanResult struct {
	ID          string     `json:"id" db:"id"`
	JobID       string     `json:"job_id" db:"job_id"`
	ProjectID   string     `json:"project_id" db:"project_id"`
	KeywordID   string     `json:"keyword_id" db:"keyword_id"`
	Engine      string     `json:"engine" db:"engine"`
	Model       string     `json:"model" db:"model"`
	RawResponse string     `json:"raw_response" db:"raw_response"`
	Citations   []Citation `json:"citations" db:"citations"`
	CacheHit    bool       `json:"cache_hit" db:"cache_hit"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`

	BrandVisibility    *bool              `json:"brand_visibility,omitempty" db:"brand_visibility"`
	SentimentScore     *float64           `json:"sentiment_score,omitempty" db:"sentiment_score"`
	RecommendationType RecommendationType `json:"recommendation_type,omitempty" db:"recommendation_type"`
	AnalysisJSON       string             `json:"analysis_json,omitempty" db:"analysis_json"`
	AnalyzedAt         *time.Time         `json:"analyzed_at,omitempty" db:"analyzed_at"`
}

// IsAnalyzed reports whether the analysis stage already wrote its fields
func (r *ScanResult) IsAnalyzed() bool {
	return r.AnalyzedAt != nil
}

// ApplyAnalysis materializes an analysis onto the result
func (r *ScanResult) ApplyAnalysis(a *AnalysisResult, at time.Time) {
	visible := a.BrandVisibility
	score := a.SentimentScore
	r.BrandVisibility = &visible
	r.SentimentScore = &score
	r.RecommendationType = a.RecommendationType
	r.AnalysisJSON = a.AnalysisJSON
	r.AnalyzedAt = &at
}

// Analysis returns the stored analysis, or nil if the result was not analyzed
func (r *ScanResult) Analysis() *AnalysisResult {
	if !r.IsAnalyzed() {
		return nil
	}
	a := &AnalysisResult{
		ScanResultID:       r.ID,
		RecommendationType: r.RecommendationType,
		AnalysisJSON:       r.AnalysisJSON,
	}
	if r.BrandVisibility != nil {
		a.BrandVisibility = *r.BrandVisibility
	}
	if r.SentimentScore != nil {
		a.SentimentScore = *r.SentimentScore
	}
	return a
}

// ScanRecord joins a job with its checkpoint for the read API.
// Result is nil until the scan stage checkpointed.
type ScanRecord struct {
	Job    *ScanJob    `json:"job"`
	Result *ScanResult `json:"result,omitempty"`
}
