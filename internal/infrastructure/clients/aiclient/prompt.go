package aiclient

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
	"github.com/zatekoja/aivisibility/pkg/utils"
)

// DefaultSystemPrompt makes engines answer the way an end user would see it:
// concrete recommendations backed by sources.
const DefaultSystemPrompt = `You are a helpful assistant answering a consumer's question. ` +
	`Recommend specific products, brands or services by name where relevant, ` +
	`explain briefly why, and cite the web sources you relied on.`

const maxErrorBody = 4 << 10

// Defaults are the fallbacks applied to SearchOptions fields left zero
type Defaults struct {
	MaxTokens   int
	Temperature float64
}

// Request is a resolved provider call
type Request struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
	Geo         *entities.GeoContext
}

// BuildRequest resolves opts against the provider defaults
func BuildRequest(query string, opts *entities.SearchOptions, d Defaults) Request {
	req := Request{
		System:      DefaultSystemPrompt,
		User:        strings.TrimSpace(query),
		MaxTokens:   d.MaxTokens,
		Temperature: d.Temperature,
	}
	if opts == nil {
		return req
	}
	if opts.SystemPrompt != "" {
		req.System = opts.SystemPrompt
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.Geo != nil && (opts.Geo.Country != "" || opts.Geo.Location != "") {
		req.Geo = opts.Geo
		req.System += " " + GeoInstruction(opts.Geo)
	}
	return req
}

// GeoInstruction tells the engine where the asking user is
func GeoInstruction(geo *entities.GeoContext) string {
	switch {
	case geo.Location != "" && geo.Country != "":
		return fmt.Sprintf("The user is located in %s, %s. Tailor the answer to that region.", geo.Location, geo.Country)
	case geo.Location != "":
		return fmt.Sprintf("The user is located in %s. Tailor the answer to that region.", geo.Location)
	default:
		return fmt.Sprintf("The user is located in %s. Tailor the answer to that country.", geo.Country)
	}
}

// CitationBuilder collects citations in order, dropping repeated URLs
type CitationBuilder struct {
	seen      map[string]int
	citations []entities.Citation
}

// Add appends a citation unless its URL was already added. A later title or
// snippet fills blanks of the earlier entry.
func (b *CitationBuilder) Add(rawURL, title, snippet string) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return
	}
	if b.seen == nil {
		b.seen = make(map[string]int)
	}
	if i, ok := b.seen[rawURL]; ok {
		if b.citations[i].Title == "" {
			b.citations[i].Title = title
		}
		if b.citations[i].Snippet == "" {
			b.citations[i].Snippet = snippet
		}
		return
	}
	b.seen[rawURL] = len(b.citations)
	b.citations = append(b.citations, entities.Citation{
		URL:     rawURL,
		Domain:  utils.DomainFromURL(rawURL),
		Title:   strings.TrimSpace(title),
		Snippet: strings.TrimSpace(snippet),
	})
}

// AddFromText adds every URL mentioned in text
func (b *CitationBuilder) AddFromText(text string) {
	for _, u := range utils.ExtractURLs(text) {
		b.Add(u, "", "")
	}
}

// Citations returns the collected citations numbered from zero
func (b *CitationBuilder) Citations() []entities.Citation {
	return entities.NewCitations(b.citations)
}

// ReadErrorBody reads a bounded prefix of an error response body
func ReadErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if len(body) == 0 {
		return http.StatusText(resp.StatusCode)
	}
	return string(body)
}
