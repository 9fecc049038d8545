package services

import (
	"context"
	"encoding/json"
	"math"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/zatekoja/aivisibility/internal/domain/entities"
)

const heuristicScorerVersion = "heuristic-v1"

// ScoreInput is what a scorer sees of a checkpointed answer
type ScoreInput struct {
	ScanResultID string
	Content      string
	Citations    []entities.Citation
	Brand        string
	Competitors  []string
}

// Scorer derives brand signals from a raw answer
type Scorer interface {
	Score(ctx context.Context, in ScoreInput) (*entities.AnalysisResult, error)
}

// HeuristicScorer scores answers with word matching and a small sentiment lexicon
type HeuristicScorer struct{}

// NewHeuristicScorer creates the default scorer
func NewHeuristicScorer() *HeuristicScorer {
	return &HeuristicScorer{}
}

// AnalysisDetails is the structured payload stored as AnalysisJSON
type AnalysisDetails struct {
	Scorer               string         `json:"scorer"`
	BrandMentions        int            `json:"brand_mentions"`
	FirstMentionSentence int            `json:"first_mention_sentence"`
	MentionSentences     []string       `json:"mention_sentences"`
	CompetitorMentions   map[string]int `json:"competitor_mentions"`
	CompetitorsAhead     []string       `json:"competitors_ahead"`
	CitedDomains         []string       `json:"cited_domains"`
	BrandCited           bool           `json:"brand_cited"`
	SentimentScore       float64        `json:"sentiment_score"`
}

var (
	positiveWords = wordSet("best", "great", "excellent", "top", "leading", "reliable", "recommended",
		"recommend", "popular", "favorite", "favourite", "outstanding", "trusted", "quality", "love",
		"loved", "superb", "affordable", "durable", "impressive", "innovative", "solid", "good", "ideal", "standout")
	negativeWords = wordSet("worst", "bad", "poor", "avoid", "unreliable", "expensive", "overpriced",
		"disappointing", "cheap", "broken", "complaints", "issues", "problems", "lacking", "weak",
		"mediocre", "inferior", "flimsy", "noisy", "fails", "failure")
	negations = wordSet("not", "no", "never", "isn't", "aren't", "wasn't", "don't", "doesn't", "without", "hardly")

	topPickCues   = []string{"the best", "top pick", "top choice", "number one", "#1", "first choice", "best overall", "stands out"}
	recommendCues = []string{"recommend", "worth considering", "great option", "solid choice", "good choice", "popular choice"}
)

// Score analyzes in.Content for the brand
func (s *HeuristicScorer) Score(ctx context.Context, in ScoreInput) (*entities.AnalysisResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sentences := splitSentences(in.Content)
	details := AnalysisDetails{
		Scorer:               heuristicScorerVersion,
		FirstMentionSentence: -1,
		MentionSentences:     []string{},
		CompetitorMentions:   map[string]int{},
		CompetitorsAhead:     []string{},
		CitedDomains:         citedDomains(in.Citations),
	}

	brandFirst := -1
	var sentimentSum float64
	var scored int
	var topPick, recommended bool
	for i, sentence := range sentences {
		n := countMentions(sentence, in.Brand)
		if n == 0 {
			continue
		}
		details.BrandMentions += n
		details.MentionSentences = append(details.MentionSentences, sentence)
		if brandFirst < 0 {
			brandFirst = i
			details.FirstMentionSentence = i
		}

		if score, ok := sentenceSentiment(sentence); ok {
			sentimentSum += score
			scored++
		}
		lower := strings.ToLower(sentence)
		topPick = topPick || containsAny(lower, topPickCues)
		recommended = recommended || containsAny(lower, recommendCues)
	}

	firstCompetitor := map[string]int{}
	for _, competitor := range in.Competitors {
		for i, sentence := range sentences {
			n := countMentions(sentence, competitor)
			if n == 0 {
				continue
			}
			details.CompetitorMentions[competitor] += n
			if _, seen := firstCompetitor[competitor]; !seen {
				firstCompetitor[competitor] = i
			}
		}
	}
	for competitor, first := range firstCompetitor {
		if brandFirst < 0 || first < brandFirst {
			details.CompetitorsAhead = append(details.CompetitorsAhead, competitor)
		}
	}
	sort.Strings(details.CompetitorsAhead)

	details.BrandCited = brandCited(in.Brand, details.CitedDomains)

	visible := details.BrandMentions > 0
	sentiment := 0.0
	if scored > 0 {
		sentiment = clamp(sentimentSum/float64(scored), -1, 1)
	}
	details.SentimentScore = sentiment

	var recommendation entities.RecommendationType
	switch {
	case !visible:
		recommendation = entities.RecommendationAbsent
	case sentiment <= -0.25:
		recommendation = entities.RecommendationNotRecommended
	case topPick && len(details.CompetitorsAhead) == 0:
		recommendation = entities.RecommendationTopPick
	case len(details.CompetitorsAhead) > 0 && competitorDominates(details):
		recommendation = entities.RecommendationCompetitorPreferred
	case recommended || topPick || sentiment >= 0.25:
		recommendation = entities.RecommendationRecommended
	default:
		recommendation = entities.RecommendationMentioned
	}

	payload, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}

	return &entities.AnalysisResult{
		ScanResultID:       in.ScanResultID,
		BrandVisibility:    visible,
		SentimentScore:     sentiment,
		RecommendationType: recommendation,
		AnalysisJSON:       string(payload),
	}, nil
}

// competitorDominates reports whether a competitor named before the brand is
// also mentioned at least as often
func competitorDominates(d AnalysisDetails) bool {
	for _, competitor := range d.CompetitorsAhead {
		if d.CompetitorMentions[competitor] >= d.BrandMentions {
			return true
		}
	}
	return false
}

// splitSentences splits on '.', '!' and '?' followed by whitespace or the end
// of text, so domains like acme.com stay in one sentence
func splitSentences(text string) []string {
	if text == "" {
		return nil
	}

	sentences := make([]string, 0, len(text)/50+1)
	start := 0
	for i, r := range text {
		if r != '.' && r != '!' && r != '?' && r != '\n' {
			continue
		}
		end := i + utf8.RuneLen(r)
		if r != '\n' && end < len(text) {
			next, _ := utf8.DecodeRuneInString(text[end:])
			if !unicode.IsSpace(next) {
				continue
			}
		}
		if s := strings.TrimSpace(text[start:end]); s != "" {
			sentences = append(sentences, s)
		}
		start = end
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// countMentions counts case-insensitive occurrences of name bounded by non
// alphanumeric runes
func countMentions(text, name string) int {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return 0
	}
	lower := strings.ToLower(text)

	count := 0
	offset := 0
	for {
		idx := strings.Index(lower[offset:], name)
		if idx < 0 {
			return count
		}
		start := offset + idx
		end := start + len(name)
		if boundaryBefore(lower, start) && boundaryAfter(lower, end) {
			count++
		}
		offset = start + 1
	}
}

func boundaryBefore(s string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return !isWordRune(r)
}

func boundaryAfter(s string, i int) bool {
	if i >= len(s) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// sentenceSentiment scores a sentence in [-1, 1]. ok is false when it holds no
// lexicon words.
func sentenceSentiment(sentence string) (float64, bool) {
	words := strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !isWordRune(r) && r != '\''
	})

	var pos, neg int
	negateWithin := 0
	for _, w := range words {
		if _, ok := negations[w]; ok {
			negateWithin = 3
			continue
		}
		_, isPos := positiveWords[w]
		_, isNeg := negativeWords[w]
		if negateWithin > 0 {
			isPos, isNeg = isNeg, isPos
			negateWithin--
		}
		if isPos {
			pos++
		}
		if isNeg {
			neg++
		}
	}
	if pos+neg == 0 {
		return 0, false
	}
	return float64(pos-neg) / float64(pos+neg), true
}

func citedDomains(citations []entities.Citation) []string {
	seen := make(map[string]struct{}, len(citations))
	domains := make([]string, 0, len(citations))
	for _, c := range citations {
		if c.Domain == "" {
			continue
		}
		if _, ok := seen[c.Domain]; ok {
			continue
		}
		seen[c.Domain] = struct{}{}
		domains = append(domains, c.Domain)
	}
	return domains
}

func brandCited(brand string, domains []string) bool {
	slug := strings.Map(func(r rune) rune {
		if isWordRune(r) {
			return unicode.ToLower(r)
		}
		return -1
	}, brand)
	if slug == "" {
		return false
	}
	for _, d := range domains {
		if strings.Contains(strings.ReplaceAll(d, "-", ""), slug) {
			return true
		}
	}
	return false
}

func containsAny(s string, cues []string) bool {
	for _, cue := range cues {
		if strings.Contains(s, cue) {
			return true
		}
	}
	return false
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}
