package vector

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/ocx/sentinel-auditor/internal/core"
	"github.com/ocx/sentinel-auditor/internal/database"
)

// Matcher runs one nearest-neighbour query.
type Matcher interface {
	MatchDocuments(ctx context.Context, function string, embedding []float32, threshold float64, count int) ([]database.DocumentMatch, error)
}

// Index answers policy lookups for a set of search terms.
type Index struct {
	embedder  Embedder
	matcher   Matcher
	function  string
	threshold float64
}

func NewIndex(embedder Embedder, matcher Matcher, function string, threshold float64) *Index {
	if function == "" {
		function = "match_documents"
	}
	return &Index{embedder: embedder, matcher: matcher, function: function, threshold: threshold}
}

// Search embeds each term, queries the index and merges the results. The
// merged list keeps the best similarity per policy id, is sorted by
// similarity and holds at most topK entries. Any term failing fails the
// whole search so a partial result is never mistaken for a complete one.
func (ix *Index) Search(ctx context.Context, terms []string, topK int) ([]core.Policy, error) {
	best := make(map[string]core.Policy)

	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		vec, err := ix.embedder.Embed(ctx, term)
		if err != nil {
			return nil, fmt.Errorf("embed %q: %w", term, err)
		}
		rows, err := ix.matcher.MatchDocuments(ctx, ix.function, vec, ix.threshold, topK)
		if err != nil {
			return nil, fmt.Errorf("match %q: %w", term, err)
		}
		for _, row := range rows {
			id := row.PolicyID()
			if id == "" {
				continue
			}
			if prev, ok := best[id]; ok && prev.Similarity >= row.Similarity {
				continue
			}
			best[id] = core.Policy{ID: id, Text: row.Content, Similarity: row.Similarity}
		}
	}

	return rank(best, topK), nil
}

func rank(best map[string]core.Policy, topK int) []core.Policy {
	out := make([]core.Policy, 0, len(best))
	for _, p := range best {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out
}
