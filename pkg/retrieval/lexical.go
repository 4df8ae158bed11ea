package retrieval

import (
	"math"
	"sort"
	"strings"

	"github.com/rae-project/rae/pkg/models"
)

// BM25 parameters. Standard Robertson values; not worth per-tenant tuning.
const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

// lexicalScore is one scored lexical hit.
type lexicalScore struct {
	MemoryID string
	Score    float64
}

// bm25Rank scores candidates against the query with BM25 over an in-memory
// inverted index. Backends without full-text capability route here; backends
// with it pre-narrow the candidate set first, then still score here so both
// paths rank identically.
func bm25Rank(query string, candidates []*models.MemoryRecord, topK int) []lexicalScore {
	queryTerms := tokenizeQuery(query)
	if len(queryTerms) == 0 || len(candidates) == 0 {
		return nil
	}

	docTerms := make([]map[string]int, len(candidates))
	df := make(map[string]int)
	var totalLen float64
	for i, r := range candidates {
		terms := tokenizeQuery(r.Content)
		counts := make(map[string]int, len(terms))
		for _, t := range terms {
			counts[t]++
		}
		docTerms[i] = counts
		totalLen += float64(len(terms))
		for t := range counts {
			df[t]++
		}
	}
	avgLen := totalLen / float64(len(candidates))
	if avgLen == 0 {
		avgLen = 1
	}

	n := float64(len(candidates))
	var hits []lexicalScore
	for i, r := range candidates {
		counts := docTerms[i]
		docLen := 0
		for _, c := range counts {
			docLen += c
		}
		var score float64
		for _, term := range queryTerms {
			tf := float64(counts[term])
			if tf == 0 {
				continue
			}
			d := float64(df[term])
			idf := math.Log(1 + (n-d+0.5)/(d+0.5))
			score += idf * tf * (bm25K1 + 1) / (tf + bm25K1*(1-bm25B+bm25B*float64(docLen)/avgLen))
		}
		if score > 0 {
			hits = append(hits, lexicalScore{MemoryID: r.ID, Score: score})
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].MemoryID < hits[j].MemoryID
	})
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func tokenizeQuery(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	})
}
