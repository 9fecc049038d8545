package aiclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

func TestBuildRequest_Defaults(t *testing.T) {
	req := BuildRequest("  best espresso machine ", nil, Defaults{MaxTokens: 800, Temperature: 0.2})

	assert.Equal(t, DefaultSystemPrompt, req.System)
	assert.Equal(t, "best espresso machine", req.User)
	assert.Equal(t, 800, req.MaxTokens)
	assert.Equal(t, 0.2, req.Temperature)
	assert.Nil(t, req.Geo)
}

func TestBuildRequest_OptionsOverride(t *testing.T) {
	zero := 0.0
	req := BuildRequest("q", &entities.SearchOptions{
		MaxTokens:    300,
		Temperature:  &zero,
		SystemPrompt: "Answer briefly.",
		Geo:          &entities.GeoContext{Country: "DE", Location: "Berlin"},
	}, Defaults{MaxTokens: 800, Temperature: 0.2})

	assert.Equal(t, 300, req.MaxTokens)
	assert.Equal(t, 0.0, req.Temperature)
	assert.Equal(t, "Answer briefly. The user is located in Berlin, DE. Tailor the answer to that region.", req.System)
	assert.Equal(t, "DE", req.Geo.Country)
}

func TestBuildRequest_EmptyGeoIgnored(t *testing.T) {
	req := BuildRequest("q", &entities.SearchOptions{Geo: &entities.GeoContext{}}, Defaults{})
	assert.Nil(t, req.Geo)
	assert.Equal(t, DefaultSystemPrompt, req.System)
}

func TestCitationBuilder_DedupesAndNumbers(t *testing.T) {
	var b CitationBuilder
	b.Add("https://www.example.com/a", "", "")
	b.Add("https://reviews.test/b", "Reviews", "snippet")
	b.Add("https://www.example.com/a", "Example A", "")
	b.AddFromText("see https://reviews.test/b and https://third.test/c.")
	b.Add("  ", "blank", "")

	got := b.Citations()
	assert.Equal(t, []entities.Citation{
		{Position: 0, URL: "https://www.example.com/a", Domain: "example.com", Title: "Example A"},
		{Position: 1, URL: "https://reviews.test/b", Domain: "reviews.test", Title: "Reviews", Snippet: "snippet"},
		{Position: 2, URL: "https://third.test/c", Domain: "third.test"},
	}, got)
}

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(-1))

	l := NewLimiter(0)
	assert.NotNil(t, l)
	assert.Equal(t, 6, l.Burst())

	assert.Equal(t, 1, NewLimiter(5).Burst())
}
