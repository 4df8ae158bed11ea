package retrieval

import (
	"math"
	"sort"
	"time"

	"github.com/rae-project/rae/pkg/models"
)

// shapeResults applies layer weighting and the final weighted subscore
// re-rank over the top fused candidates. Candidates past the re-rank window
// keep their fused order behind the re-ranked head.
//
// Diversity is greedy: walking the fused order, a candidate whose cheap
// embedding overlaps an already-kept candidate above tau loses its diversity
// subscore.
func shapeResults(
	in []fused,
	records map[string]*models.MemoryRecord,
	graphScores map[string]float64,
	vectors map[string][]float32,
	cfg *models.TenantConfig,
	now time.Time,
) []fused {
	if len(in) == 0 {
		return in
	}
	window := cfg.Retrieval.RerankTopN
	if window <= 0 || window > len(in) {
		window = len(in)
	}
	head := make([]fused, window)
	copy(head, in[:window])
	tail := in[window:]

	var maxFused, maxGraph float64
	for _, f := range head {
		if f.Score > maxFused {
			maxFused = f.Score
		}
	}
	for _, s := range graphScores {
		if s > maxGraph {
			maxGraph = s
		}
	}

	halfLife := cfg.Decay.HalfLifeDays
	if halfLife <= 0 {
		halfLife = 14
	}
	tau := cfg.Retrieval.DiversityTau
	if tau <= 0 {
		tau = 0.92
	}
	w := cfg.Retrieval.SubscoreWeights

	var kept [][]float32
	for i := range head {
		r := records[head[i].MemoryID]
		if r == nil {
			continue
		}
		relevance := 0.0
		if maxFused > 0 {
			relevance = head[i].Score / maxFused
		}
		ageDays := now.Sub(r.LastAccessedAt).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		recency := math.Exp(-ageDays / halfLife)
		centrality := 0.0
		if maxGraph > 0 {
			centrality = graphScores[head[i].MemoryID] / maxGraph
		}
		density := float64(len(tokenizeQuery(r.Content))) / 64
		if density > 1 {
			density = 1
		}
		diversity := 1.0
		if vec, ok := vectors[head[i].MemoryID]; ok {
			for _, prev := range kept {
				if cosine32(vec, prev) > tau {
					diversity = 0
					break
				}
			}
			if diversity > 0 {
				kept = append(kept, vec)
			}
		}

		score := w.Relevance*relevance +
			w.Importance*r.Importance +
			w.Recency*recency +
			w.Centrality*centrality +
			w.Diversity*diversity +
			w.Density*density
		head[i].Score = score * layerWeight(cfg, r.Layer)
	}

	sort.SliceStable(head, func(i, j int) bool {
		if head[i].Score != head[j].Score {
			return head[i].Score > head[j].Score
		}
		return head[i].MemoryID < head[j].MemoryID
	})
	return append(head, tail...)
}

func layerWeight(cfg *models.TenantConfig, layer models.Layer) float64 {
	if w, ok := cfg.Retrieval.LayerWeights[layer]; ok && w > 0 {
		return w
	}
	return 1
}

func cosine32(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
