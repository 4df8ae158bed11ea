// Package retrieval implements the hybrid read path: dense, lexical, and
// graph candidate generation run concurrently, the ranked lists are fused
// with reciprocal rank fusion, and the fused head is shaped by policy,
// layer weighting, subscores, and an optional budget-bounded reranker.
package retrieval

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/rae-project/rae/pkg/gateway"
	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
	"github.com/rae-project/rae/pkg/storage"
	"github.com/rae-project/rae/pkg/tenant"
)

const (
	defaultTopK    = 10
	candidateLimit = 2000
	graphHopLimit  = 2
)

// Query is one retrieval request.
type Query struct {
	Text          string
	TopK          int
	Layers        []models.Layer
	Tags          []string
	MinImportance *float64
	Rerank        bool
}

// Result is one ranked memory with its fused score and the strategies that
// surfaced it.
type Result struct {
	Record  *models.MemoryRecord
	Score   float64
	Sources []string
}

// Response carries the ranked results plus degradation and shortcut flags:
// "early_exit", "degraded", "rerank_skipped", "partial".
type Response struct {
	Results []Result
	Flags   map[string]string
}

// Engine is the hybrid retrieval engine. It is stateless between requests;
// all per-request state lives on the stack.
type Engine struct {
	records storage.RecordStore
	vectors storage.VectorIndex
	graph   storage.GraphStore
	gateway *gateway.Gateway
	logger  observability.Logger
	metrics observability.MetricsClient
	tracer  trace.Tracer
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(
	records storage.RecordStore,
	vectors storage.VectorIndex,
	graph storage.GraphStore,
	gw *gateway.Gateway,
	logger observability.Logger,
	metrics observability.MetricsClient,
) *Engine {
	return &Engine{
		records: records,
		vectors: vectors,
		graph:   graph,
		gateway: gw,
		logger:  logger.WithPrefix("retrieval"),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/rae-project/rae/pkg/retrieval"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Search runs the full hybrid pipeline for one query.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	tc, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	ctx, span := e.tracer.Start(ctx, "retrieval.search",
		trace.WithAttributes(attribute.Int("top_k", q.TopK)))
	defer span.End()

	topK := q.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	flags := map[string]string{}
	started := e.now()

	candidates, err := e.loadCandidates(ctx, tc, q)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &Response{Results: nil, Flags: flags}, nil
	}
	records := make(map[string]*models.MemoryRecord, len(candidates))
	allowIDs := make(map[string]bool, len(candidates))
	for _, r := range candidates {
		records[r.ID] = r
		allowIDs[r.ID] = true
	}

	var (
		mu          sync.Mutex
		degraded    []string
		denseIDs    []string
		lexicalIDs  []string
		graphIDs    []string
		graphScores = map[string]float64{}
	)
	fail := func(strategy string, err error) {
		mu.Lock()
		degraded = append(degraded, strategy)
		mu.Unlock()
		e.logger.Warn("retrieval strategy degraded", map[string]interface{}{
			"strategy": strategy,
			"tenant":   tc.TenantID,
			"error":    err.Error(),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ids, err := e.denseStrategy(gctx, tc, q.Text, allowIDs)
		if err != nil {
			fail("dense", err)
			return nil
		}
		mu.Lock()
		denseIDs = ids
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		hits := bm25Rank(q.Text, candidates, tc.Config.Retrieval.LexicalTopK)
		mu.Lock()
		for _, h := range hits {
			lexicalIDs = append(lexicalIDs, h.MemoryID)
		}
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		ids, scores, err := e.graphStrategy(gctx, tc, q.Text, allowIDs)
		if err != nil {
			fail("graph", err)
			return nil
		}
		mu.Lock()
		graphIDs = ids
		graphScores = scores
		mu.Unlock()
		return nil
	})
	_ = g.Wait()

	if ctx.Err() != nil {
		flags["partial"] = "deadline"
	}
	if len(degraded) > 0 {
		sort.Strings(degraded)
		flags["degraded"] = strings.Join(degraded, ",")
		if len(degraded) == 3 {
			return nil, models.ErrRetrievalUnavailable
		}
	}

	safeExit := tc.Config.Retrieval.SafeExitThreshold
	if safeExit <= 0 {
		safeExit = 5
	}
	if n := len(lexicalIDs); n > 0 && n < safeExit {
		// A small lexical hit set signals a precise, well-keyworded query;
		// fusing would only let broad semantic noise back in.
		flags["early_exit"] = "lexical"
		results := make([]Result, 0, n)
		for _, id := range lexicalIDs {
			r := records[id]
			if r == nil || r.InfoClass.Exceeds(tc.MaxReadClass()) {
				continue
			}
			results = append(results, Result{Record: r, Score: 1, Sources: []string{"lexical"}})
		}
		if len(results) > topK {
			results = results[:topK]
		}
		e.observe(started, flags)
		return &Response{Results: results, Flags: flags}, nil
	}

	fusedList := rrfFuse(map[string][]string{
		"dense":   denseIDs,
		"lexical": lexicalIDs,
		"graph":   graphIDs,
	}, tc.Config.Retrieval.RRFK, records)

	// Policy shaping: the requester never sees classes above its ceiling.
	maxClass := tc.MaxReadClass()
	visible := fusedList[:0]
	for _, f := range fusedList {
		if r := records[f.MemoryID]; r != nil && !r.InfoClass.Exceeds(maxClass) {
			visible = append(visible, f)
		}
	}
	fusedList = visible

	fusedList = shapeResults(fusedList, records, graphScores,
		e.headVectors(ctx, tc, fusedList), tc.Config, e.now())

	if q.Rerank {
		fusedList = e.rerank(ctx, tc, q.Text, fusedList, records, flags)
	}

	if len(fusedList) > topK {
		fusedList = fusedList[:topK]
	}
	results := make([]Result, 0, len(fusedList))
	for _, f := range fusedList {
		results = append(results, Result{Record: records[f.MemoryID], Score: f.Score, Sources: f.Sources})
	}
	e.observe(started, flags)
	return &Response{Results: results, Flags: flags}, nil
}

func (e *Engine) observe(started time.Time, flags map[string]string) {
	labels := map[string]string{"early_exit": flags["early_exit"], "degraded": flags["degraded"]}
	e.metrics.RecordLatency("rae_retrieval_seconds", e.now().Sub(started), labels)
}

func (e *Engine) loadCandidates(ctx context.Context, tc *tenant.Context, q Query) ([]*models.MemoryRecord, error) {
	filter := storage.RecordFilter{
		Layers:        q.Layers,
		Tags:          q.Tags,
		MinImportance: q.MinImportance,
		Limit:         candidateLimit,
	}
	page, err := e.records.Query(ctx, tc.TenantID, filter)
	if err != nil {
		return nil, err
	}
	for _, r := range page.Records {
		if err := tc.CheckOwnership(r.TenantID); err != nil {
			return nil, err
		}
	}
	return page.Records, nil
}

func (e *Engine) denseStrategy(ctx context.Context, tc *tenant.Context, text string, allowIDs map[string]bool) ([]string, error) {
	model := e.cheapModel(tc.Config)
	if model == "" {
		return nil, models.ErrUnknownModel
	}
	vec, _, err := e.gateway.Embed(ctx, tc, model, text)
	if err != nil {
		return nil, err
	}
	topK := tc.Config.Retrieval.DenseTopK
	if topK <= 0 {
		topK = 50
	}
	matches, err := e.vectors.Search(ctx, tc.TenantID, model, vec, topK, storage.VectorFilter{AllowIDs: allowIDs})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.MemoryID)
	}
	return ids, nil
}

// graphStrategy surface-matches query tokens against semantic node labels,
// expands each matched node's bounded neighborhood, and scores the records
// backing reached nodes by 1/(1+hops) weighted by the best edge-confidence
// product along the way.
func (e *Engine) graphStrategy(ctx context.Context, tc *tenant.Context, text string, allowIDs map[string]bool) ([]string, map[string]float64, error) {
	scores := map[string]float64{}
	lower := " " + strings.ToLower(text) + " "

	// Surface-form match: any node label appearing verbatim in the query.
	for _, token := range tokenizeQuery(text) {
		node, err := e.graph.NodeByLabel(ctx, tc.TenantID, token)
		if err != nil {
			continue
		}
		e.scoreNeighborhood(ctx, tc, node, scores, allowIDs)
	}
	// Multi-word labels need a second pass; tokens alone cannot find them.
	for _, phrase := range candidatePhrases(text) {
		if !strings.Contains(lower, " "+phrase+" ") {
			continue
		}
		node, err := e.graph.NodeByLabel(ctx, tc.TenantID, phrase)
		if err != nil {
			continue
		}
		e.scoreNeighborhood(ctx, tc, node, scores, allowIDs)
	}

	type hit struct {
		id    string
		score float64
	}
	hits := make([]hit, 0, len(scores))
	for id, s := range scores {
		hits = append(hits, hit{id, s})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].id < hits[j].id
	})
	topK := tc.Config.Retrieval.GraphTopK
	if topK <= 0 {
		topK = 20
	}
	if len(hits) > topK {
		hits = hits[:topK]
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.id)
	}
	return ids, scores, nil
}

func (e *Engine) scoreNeighborhood(ctx context.Context, tc *tenant.Context, origin *models.SemanticNode, scores map[string]float64, allowIDs map[string]bool) {
	sub, err := e.graph.Neighborhood(ctx, tc.TenantID, origin.ID, graphHopLimit, nil)
	if err != nil {
		return
	}
	// Best confidence product reachable per node, relaxed hop by hop.
	product := map[string]float64{origin.ID: 1}
	for i := 0; i < graphHopLimit; i++ {
		for _, edge := range sub.Edges {
			relax(product, edge.SourceID, edge.TargetID, edge.Confidence)
			relax(product, edge.TargetID, edge.SourceID, edge.Confidence)
		}
	}
	for _, node := range sub.Nodes {
		hops, ok := sub.Hops[node.ID]
		if !ok {
			continue
		}
		score := product[node.ID] / float64(1+hops)
		for _, recordID := range node.RecordIDs {
			if !allowIDs[recordID] {
				continue
			}
			if score > scores[recordID] {
				scores[recordID] = score
			}
		}
	}
}

func relax(product map[string]float64, from, to string, confidence float64) {
	p, ok := product[from]
	if !ok {
		return
	}
	if next := p * confidence; next > product[to] {
		product[to] = next
	}
}

// candidatePhrases returns the two-word windows of the query, for matching
// multi-word node labels.
func candidatePhrases(text string) []string {
	tokens := tokenizeQuery(text)
	var out []string
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// headVectors loads the cheap-model embeddings of the re-rank window for the
// diversity subscore.
func (e *Engine) headVectors(ctx context.Context, tc *tenant.Context, fusedList []fused) map[string][]float32 {
	model := e.cheapModel(tc.Config)
	window := tc.Config.Retrieval.RerankTopN
	if window <= 0 || window > len(fusedList) {
		window = len(fusedList)
	}
	out := make(map[string][]float32, window)
	for _, f := range fusedList[:window] {
		embs, err := e.vectors.Embeddings(ctx, tc.TenantID, f.MemoryID)
		if err != nil {
			continue
		}
		for _, emb := range embs {
			if emb.ModelName == model && !emb.Stale {
				out[f.MemoryID] = emb.Vector
				break
			}
		}
	}
	return out
}

// rerank passes the fused head to the tenant's reranker under its deadline
// budget. Any failure keeps the fused order and flags why.
func (e *Engine) rerank(ctx context.Context, tc *tenant.Context, query string, fusedList []fused, records map[string]*models.MemoryRecord, flags map[string]string) []fused {
	profile := tc.Config.Retrieval.RerankProfile
	if profile == "" {
		flags["rerank_skipped"] = "unconfigured"
		return fusedList
	}
	window := tc.Config.Retrieval.RerankTopN
	if window <= 0 || window > len(fusedList) {
		window = len(fusedList)
	}
	head := fusedList[:window]
	contents := make([]string, len(head))
	for i, f := range head {
		contents[i] = records[f.MemoryID].Content
	}
	deadline := tc.Config.Retrieval.RerankDeadline
	if deadline <= 0 {
		deadline = 10 * time.Millisecond
	}
	order, _, err := e.gateway.Rerank(ctx, tc, profile, query, contents, deadline)
	switch {
	case err == nil && len(order) == len(head):
		reordered := make([]fused, 0, len(fusedList))
		for _, idx := range order {
			if idx >= 0 && idx < len(head) {
				reordered = append(reordered, head[idx])
			}
		}
		return append(reordered, fusedList[window:]...)
	case errors.Is(err, models.ErrBudgetExceeded):
		flags["rerank_skipped"] = "budget"
	case ctx.Err() != nil || errors.Is(err, models.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		flags["rerank_skipped"] = "deadline"
	default:
		flags["rerank_skipped"] = "error"
	}
	return fusedList
}

func (e *Engine) cheapModel(cfg *models.TenantConfig) string {
	cheap := cfg.ActiveModels(models.SpaceCheap)
	if len(cheap) > 0 {
		return cheap[0].Name
	}
	if all := cfg.ActiveModels(""); len(all) > 0 {
		return all[0].Name
	}
	return ""
}
