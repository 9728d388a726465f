package memory

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"
	"unicode"
)

// ContextItem is one ranked entry selected for a prompt.
type ContextItem struct {
	Tier           Tier
	Score          float64
	Source         string
	CreatedAt      time.Time
	ProvenanceHash string
	Rationale      string
	Content        string
}

// Scoring weights. They sum to 1.0.
const (
	weightTier       = 0.35
	weightRecency    = 0.25
	weightLexical    = 0.35
	weightConfidence = 0.05
)

// recencyHalfLife is the age at which the recency component halves.
const recencyHalfLife = 48 * time.Hour

// ContextForPromptRanked returns up to k entries ordered by relevance
// to query, most relevant first. Core entries are always candidates;
// the assistant's own turn summaries never are.
func (s *Store) ContextForPromptRanked(ctx context.Context, query string, k int) ([]ContextItem, error) {
	if k <= 0 {
		return nil, nil
	}
	entries, err := s.candidates(ctx)
	if err != nil {
		return nil, err
	}
	return rank(entries, query, k, s.now()), nil
}

func rank(entries []Entry, query string, k int, now time.Time) []ContextItem {
	terms := tokenize(query)

	items := make([]ContextItem, 0, len(entries))
	for _, e := range entries {
		tier := tierPriority(e.Tier)
		recency := recencyScore(now, e.CreatedAt)
		lexical := lexicalScore(e.Content, terms)

		score := tier*weightTier + recency*weightRecency + lexical*weightLexical + e.Confidence*weightConfidence

		items = append(items, ContextItem{
			Tier:           e.Tier,
			Score:          score,
			Source:         e.Source,
			CreatedAt:      e.CreatedAt,
			ProvenanceHash: e.ProvenanceHash,
			Rationale: fmt.Sprintf("tier=%.2f; recency=%.2f; lexical=%.2f; conf=%.2f",
				tier, recency, lexical, e.Confidence),
			Content: e.Content,
		})
	}

	// Stable so equal scores keep insertion (oldest first) order.
	slices.SortStableFunc(items, func(a, b ContextItem) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		default:
			return 0
		}
	})

	if len(items) > k {
		items = items[:k]
	}
	return items
}

func tierPriority(t Tier) float64 {
	switch t {
	case TierCore:
		return 1.0
	case TierSemantic:
		return 0.65
	case TierProcedural:
		return 0.55
	case TierEpisodic:
		return 0.40
	default:
		return 0
	}
}

func recencyScore(now, created time.Time) float64 {
	age := now.Sub(created)
	if age < 0 {
		age = 0
	}
	return 1 / (1 + float64(age)/float64(recencyHalfLife))
}

func lexicalScore(content string, terms map[string]struct{}) float64 {
	if len(terms) == 0 {
		return 0
	}
	overlap := 0
	for t := range tokenize(content) {
		if _, ok := terms[t]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(terms))
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "was": {}, "has": {}, "are": {}, "not": {},
	"this": {}, "that": {}, "with": {}, "from": {}, "have": {}, "you": {},
	"can": {}, "its": {}, "will": {}, "but": {}, "they": {}, "all": {},
	"been": {}, "also": {}, "into": {}, "more": {}, "than": {}, "when": {},
	"who": {}, "what": {}, "how": {}, "out": {}, "our": {}, "new": {}, "now": {},
}

// tokenize returns the distinct lowercase words of at least three
// characters, minus common stop words.
func tokenize(text string) map[string]struct{} {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if len(w) < 3 {
			continue
		}
		w = strings.ToLower(w)
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[w] = struct{}{}
	}
	return out
}
