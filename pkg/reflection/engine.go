// Package reflection implements the Actor-Evaluator-Reflector loop that
// turns a bundle of evidence records into a reflective-layer meta-memory.
// The actor and reflector are LLM roles behind the gateway; the evaluator is
// deterministic so acceptance is reproducible and free.
package reflection

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rae-project/rae/pkg/audit"
	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/memory"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/tenant"
)

// ErrReflectionRejected is returned when no loop iteration produced a lesson
// clearing the tenant's acceptance threshold.
var ErrReflectionRejected = errors.New("reflection rejected below acceptance threshold")

// ErrModeDisabled is returned when the tenant has not enabled the requested
// reflection mode.
var ErrModeDisabled = errors.New("reflection mode disabled for tenant")

// actorProfile is the LLM profile used for lesson drafting and revision.
const actorProfile = "balanced"

// quoteWindow is the verbatim n-gram length treated as a direct quotation
// during sanitization.
const quoteWindow = 6

// Evaluator criterion weights. They sum to 1 so the aggregate stays in [0,1].
const (
	weightFaithfulness  = 0.35
	weightGenerality    = 0.20
	weightNovelty       = 0.25
	weightActionability = 0.20
)

// Engine runs the reflection loop.
type Engine struct {
	records storage.RecordStore
	vectors storage.VectorIndex
	memory  *memory.Service
	gateway *gateway.Gateway
	auditor *audit.Pipeline
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// NewEngine creates a reflection Engine.
func NewEngine(
	records storage.RecordStore,
	vectors storage.VectorIndex,
	mem *memory.Service,
	gw *gateway.Gateway,
	auditor *audit.Pipeline,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Engine {
	return &Engine{
		records: records,
		vectors: vectors,
		memory:  mem,
		gateway: gw,
		auditor: auditor,
		logger:  logger.WithPrefix("reflection"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Score is the evaluator's verdict on one candidate lesson.
type Score struct {
	Faithfulness  float64
	Generality    float64
	Novelty       float64
	Actionability float64
	Aggregate     float64
	Feedback      string
}

// Generate runs the loop over an evidence bundle and, on acceptance, stores
// the lesson as a reflective-layer record carrying evidence refs and the
// before/after confidence. Budget denial propagates so workers can defer.
func (e *Engine) Generate(ctx context.Context, evidence []*models.MemoryRecord, mode models.ReflectionType) (string, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return "", err
	}
	if len(evidence) == 0 {
		return "", models.ErrInvalidRecord
	}
	if !tc.Config.ReflectionModeEnabled(mode) {
		return "", ErrModeDisabled
	}
	for _, r := range evidence {
		if err := tc.CheckOwnership(r.TenantID); err != nil {
			return "", err
		}
		if r.InfoClass == models.InfoClassRestricted {
			// Meaning cannot be preserved without quoting restricted
			// material, so the reflection is abandoned outright.
			e.abandon(tc, evidence, "restricted_evidence")
			return "", models.ErrSanitizationFailed
		}
	}

	maxIter := tc.Config.Reflection.MaxIterations
	if maxIter <= 0 {
		maxIter = 2
	}
	threshold := tc.Config.Reflection.AcceptanceThreshold
	if threshold <= 0 {
		threshold = 0.7
	}

	existing, err := e.existingReflections(ctx, tc)
	if err != nil {
		return "", err
	}

	var (
		candidate  string
		best       string
		bestScore  Score
		firstScore float64
	)
	for i := 0; i < maxIter; i++ {
		if ctx.Err() != nil {
			return "", models.ErrDeadlineExceeded
		}
		var prompt string
		if i == 0 {
			prompt = actorPrompt(evidence, mode)
		} else {
			prompt = reflectorPrompt(candidate, bestScore.Feedback, evidence)
		}
		candidate, _, err = e.gateway.Complete(ctx, tc, actorProfile, prompt)
		if err != nil {
			return "", err
		}
		score := e.evaluate(ctx, tc, candidate, evidence, existing)
		if i == 0 {
			firstScore = score.Aggregate
		}
		if score.Aggregate >= bestScore.Aggregate {
			best, bestScore = candidate, score
		}
		if score.Aggregate >= threshold {
			break
		}
	}

	noveltyFloor := tc.Config.Reflection.NoveltyFloor
	if bestScore.Novelty < noveltyFloor {
		e.deny(tc, evidence, "duplicate_insight", bestScore)
		return "", ErrReflectionRejected
	}
	if bestScore.Aggregate < threshold {
		e.deny(tc, evidence, "below_threshold", bestScore)
		return "", ErrReflectionRejected
	}
	if quotesSensitive(best, evidence) {
		e.abandon(tc, evidence, "verbatim_confidential_quote")
		return "", models.ErrSanitizationFailed
	}

	evidenceIDs := make([]string, len(evidence))
	class := models.InfoClassPublic
	for i, r := range evidence {
		evidenceIDs[i] = r.ID
		if r.InfoClass.Rank() > class.Rank() {
			class = r.InfoClass
		}
	}
	id, err := e.memory.StoreDerived(ctx, &models.MemoryRecord{
		TenantID:         tc.TenantID,
		Layer:            models.LayerReflective,
		Content:          best,
		Tags:             []string{"reflection:" + string(mode)},
		Source:           "engine:reflection",
		Importance:       bestScore.Aggregate,
		InfoClass:        class,
		ParentIDs:        evidenceIDs,
		ReflectionType:   mode,
		EvidenceRefs:     evidenceIDs,
		ConfidenceBefore: firstScore,
		ConfidenceAfter:  bestScore.Aggregate,
	}, "reflection.generate", map[string]interface{}{
		"mode":  mode,
		"score": bestScore.Aggregate,
	})
	if err != nil {
		return "", err
	}
	e.metrics.IncrementCounter("rae_reflections_total", map[string]string{"mode": string(mode)})
	return id, nil
}

// evaluate scores a candidate lesson. All criteria map to [0,1]; the
// aggregate is the weighted sum.
func (e *Engine) evaluate(ctx context.Context, tc *tenant.Context, candidate string, evidence []*models.MemoryRecord, existing [][]float32) Score {
	s := Score{
		Faithfulness:  faithfulness(candidate, evidence),
		Generality:    generality(candidate),
		Novelty:       e.novelty(ctx, tc, candidate, existing),
		Actionability: actionability(candidate),
	}
	s.Aggregate = weightFaithfulness*s.Faithfulness +
		weightGenerality*s.Generality +
		weightNovelty*s.Novelty +
		weightActionability*s.Actionability

	var notes []string
	if s.Faithfulness < 0.6 {
		notes = append(notes, "ground every claim in the evidence")
	}
	if s.Generality < 0.6 {
		notes = append(notes, "drop incident-specific identifiers")
	}
	if s.Actionability < 0.6 {
		notes = append(notes, "state what to do differently next time")
	}
	s.Feedback = strings.Join(notes, "; ")
	return s
}

// faithfulness measures how much of the lesson's vocabulary is grounded in
// the evidence bundle.
func faithfulness(candidate string, evidence []*models.MemoryRecord) float64 {
	vocab := map[string]bool{}
	for _, r := range evidence {
		for _, t := range tokens(r.Content) {
			vocab[t] = true
		}
	}
	var content, grounded int
	for _, t := range tokens(candidate) {
		if len(t) <= 3 {
			continue
		}
		content++
		if vocab[t] {
			grounded++
		}
	}
	if content == 0 {
		return 0
	}
	return float64(grounded) / float64(content)
}

// generality penalizes anecdotes: identifiers and numerals read as incident
// specifics rather than a transferable lesson.
func generality(candidate string) float64 {
	all := tokens(candidate)
	if len(all) == 0 {
		return 0
	}
	specific := 0
	for _, t := range all {
		if strings.ContainsAny(t, "0123456789") {
			specific++
		}
	}
	return 1 - float64(specific)/float64(len(all))
}

// novelty is one minus the highest cheap-embedding cosine against existing
// reflective memories.
func (e *Engine) novelty(ctx context.Context, tc *tenant.Context, candidate string, existing [][]float32) float64 {
	if len(existing) == 0 {
		return 1
	}
	model := cheapModel(tc.Config)
	if model == "" {
		return 1
	}
	vec, _, err := e.gateway.Embed(ctx, tc, model, candidate)
	if err != nil {
		// Scoring must not fail the loop; treat as novel and move on.
		return 1
	}
	maxSim := 0.0
	for _, prev := range existing {
		if sim := cosine(vec, prev); sim > maxSim {
			maxSim = sim
		}
	}
	return 1 - maxSim
}

var actionMarkers = []string{"should", "prefer", "avoid", "always", "never", "before", "when", "use"}

// actionability rewards lessons phrased as applicable guidance.
func actionability(candidate string) float64 {
	lower := strings.ToLower(candidate)
	score := 0.5
	for _, marker := range actionMarkers {
		if strings.Contains(lower, marker) {
			score = 1
			break
		}
	}
	if len(tokens(candidate)) < 4 {
		score -= 0.3
	}
	if score < 0 {
		return 0
	}
	return score
}

// quotesSensitive reports whether the lesson reproduces a verbatim run of
// confidential evidence long enough to count as a quotation.
func quotesSensitive(candidate string, evidence []*models.MemoryRecord) bool {
	lessonGrams := ngrams(tokens(candidate), quoteWindow)
	if len(lessonGrams) == 0 {
		return false
	}
	for _, r := range evidence {
		if r.InfoClass != models.InfoClassConfidential {
			continue
		}
		for gram := range ngrams(tokens(r.Content), quoteWindow) {
			if lessonGrams[gram] {
				return true
			}
		}
	}
	return false
}

// existingReflections loads the cheap-model vectors of the tenant's current
// reflective layer for novelty comparison.
func (e *Engine) existingReflections(ctx context.Context, tc *tenant.Context) ([][]float32, error) {
	page, err := e.records.Query(ctx, tc.TenantID, storage.RecordFilter{
		Layers: []models.Layer{models.LayerReflective},
	})
	if err != nil {
		return nil, err
	}
	model := cheapModel(tc.Config)
	var out [][]float32
	for _, r := range page.Records {
		embs, err := e.vectors.Embeddings(ctx, tc.TenantID, r.ID)
		if err != nil {
			continue
		}
		for _, emb := range embs {
			if emb.ModelName == model && !emb.Stale {
				out = append(out, emb.Vector)
			}
		}
	}
	return out, nil
}

func (e *Engine) deny(tc *tenant.Context, evidence []*models.MemoryRecord, reason string, score Score) {
	e.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   "reflection.generate",
		RecordIDs:   recordIDs(evidence),
		Outcome:     models.OutcomeDenied,
		Criticality: models.CriticalityOperation,
		Fields:      map[string]interface{}{"reason": reason, "score": score.Aggregate},
	})
}

func (e *Engine) abandon(tc *tenant.Context, evidence []*models.MemoryRecord, reason string) {
	e.auditor.Emit(models.AuditEvent{
		TenantID:    tc.TenantID,
		Actor:       tc.Actor,
		RequestID:   tc.RequestID,
		Operation:   "reflection.generate",
		RecordIDs:   recordIDs(evidence),
		Outcome:     models.OutcomeDenied,
		Criticality: models.CriticalityPolicy,
		Fields:      map[string]interface{}{"policy_event": "reflection_abandoned", "reason": reason},
	})
}

func actorPrompt(evidence []*models.MemoryRecord, mode models.ReflectionType) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Derive one %s lesson from the evidence below. ", mode)
	b.WriteString("Generalize; never quote the evidence verbatim.\n")
	for i, r := range evidence {
		fmt.Fprintf(&b, "Evidence %d: %s\n", i+1, r.Content)
	}
	return b.String()
}

func reflectorPrompt(candidate, feedback string, evidence []*models.MemoryRecord) string {
	var b strings.Builder
	b.WriteString("Revise the lesson below. Evaluator feedback: ")
	if feedback == "" {
		feedback = "tighten and generalize"
	}
	b.WriteString(feedback)
	b.WriteString("\nLesson: ")
	b.WriteString(candidate)
	b.WriteString("\n")
	for i, r := range evidence {
		fmt.Fprintf(&b, "Evidence %d: %s\n", i+1, r.Content)
	}
	return b.String()
}

func recordIDs(records []*models.MemoryRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func tokens(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r != '-'
	})
}

func ngrams(tokens []string, n int) map[string]bool {
	out := map[string]bool{}
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], " ")] = true
	}
	return out
}

func cheapModel(cfg *models.TenantConfig) string {
	cheap := cfg.ActiveModels(models.SpaceCheap)
	if len(cheap) > 0 {
		return cheap[0].Name
	}
	if all := cfg.ActiveModels(""); len(all) > 0 {
		return all[0].Name
	}
	return ""
}

func cosine(a, b []float32) float64 {
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
