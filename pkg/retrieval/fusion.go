package retrieval

import (
	"sort"

	"github.com/rae-project/rae/pkg/models"
)

// fused is one candidate after reciprocal rank fusion.
type fused struct {
	MemoryID string
	Score    float64
	Sources  []string
}

// rrfFuse combines the per-strategy ranked id lists with reciprocal rank
// fusion: score = sum over strategies of 1/(k + rank). RRF needs no score
// calibration across heterogeneous strategies, which is why it is used here.
// Ties break on higher importance, then higher usage, then more recent
// last-accessed, then lexicographic id.
func rrfFuse(lists map[string][]string, k int, records map[string]*models.MemoryRecord) []fused {
	if k <= 0 {
		k = 60
	}
	byID := make(map[string]*fused)
	// Deterministic strategy iteration so Sources ordering is stable.
	strategies := make([]string, 0, len(lists))
	for name := range lists {
		strategies = append(strategies, name)
	}
	sort.Strings(strategies)

	for _, name := range strategies {
		for rank, id := range lists[name] {
			f, ok := byID[id]
			if !ok {
				f = &fused{MemoryID: id}
				byID[id] = f
			}
			f.Score += 1 / float64(k+rank+1)
			f.Sources = append(f.Sources, name)
		}
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		a, b := records[out[i].MemoryID], records[out[j].MemoryID]
		if a != nil && b != nil {
			if a.Importance != b.Importance {
				return a.Importance > b.Importance
			}
			if a.UsageCounter != b.UsageCounter {
				return a.UsageCounter > b.UsageCounter
			}
			if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
				return a.LastAccessedAt.After(b.LastAccessedAt)
			}
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	return out
}
