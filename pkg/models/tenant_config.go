package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// TenantConfig is the full per-tenant configuration map. Every section has
// safe defaults; a missing config yields a conservative operating mode.
type TenantConfig struct {
	TenantID        string             `json:"tenant_id" db:"tenant_id"`
	Budget          BudgetConfig       `json:"budget" db:"budget"`
	EmbeddingModels []EmbeddingModel   `json:"embedding_models" db:"-"`
	LLMProfiles     map[string]Profile `json:"llm_profiles" db:"-"`
	Layers          LayerConfig        `json:"layers" db:"layers"`
	Decay           DecayConfig        `json:"decay" db:"decay"`
	Reflection      ReflectionConfig   `json:"reflection" db:"reflection"`
	Policy          PolicyConfig       `json:"policy" db:"policy"`
	Retrieval       RetrievalConfig    `json:"retrieval" db:"retrieval"`
	Quotas          QuotaConfig        `json:"quotas" db:"quotas"`
	CreatedAt       time.Time          `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at" db:"updated_at"`
}

// BudgetConfig caps outbound LLM spend. Amounts are in whole USD cents to
// keep admission arithmetic exact at the boundary.
type BudgetConfig struct {
	DailyLimitCents   int64     `json:"daily_limit_cents"`
	MonthlyLimitCents int64     `json:"monthly_limit_cents"`
	AlertThresholds   []float64 `json:"alert_thresholds"`
}

// Profile is an ordered provider/model fallback chain for completions and
// reranking. The gateway tries candidates in order.
type Profile struct {
	Name       string   `json:"name"`
	Candidates []string `json:"candidates"` // "provider/model"
	Raw        bool     `json:"raw"`        // skip redaction; only honored when info class permits
}

// LayerConfig holds per-layer retention and the admission thresholds that
// gate promotion between layers.
type LayerConfig struct {
	SensoryRetention    time.Duration `json:"sensory_retention"`
	WorkingRetention    time.Duration `json:"working_retention"`
	LongtermRetention   time.Duration `json:"longterm_retention"`
	ReflectiveRetention time.Duration `json:"reflective_retention"`

	SensoryAdmission  float64       `json:"sensory_admission"`  // theta_s: sensory -> working
	WorkingAdmission  float64       `json:"working_admission"`  // theta_w: working -> longterm
	LongtermAdmission float64       `json:"longterm_admission"` // theta_l: longterm -> reflective
	WorkingMinUsage   int64         `json:"working_min_usage"`
	WorkingMinAge     time.Duration `json:"working_min_age"` // tau_w
	ClusterMinSize    int           `json:"cluster_min_size"`
	ClusterMinUsage   float64       `json:"cluster_min_usage"`
	MandatoryTags     []string      `json:"mandatory_tags,omitempty"`
}

// DecayConfig controls the exponential importance decay cycle.
type DecayConfig struct {
	HalfLifeDays        float64       `json:"half_life_days"`
	ImportanceFloor     float64       `json:"importance_floor"`
	MinAgeForPrune      time.Duration `json:"min_age_for_prune"`
	EdgeConfidenceFloor float64       `json:"edge_confidence_floor"`
}

// ReflectionConfig controls the Actor-Evaluator-Reflector loop.
type ReflectionConfig struct {
	EnabledModes        []ReflectionType `json:"enabled_modes"`
	MaxIterations       int              `json:"max_iterations"`
	AcceptanceThreshold float64          `json:"acceptance_threshold"`
	NoveltyFloor        float64          `json:"novelty_floor"`
}

// PolicyConfig holds the information-class rules the policy guard applies
// at store and retrieval time.
type PolicyConfig struct {
	RedactionPatterns      []string             `json:"redaction_patterns,omitempty"`
	ClassRules             map[string]InfoClass `json:"info_class_rules,omitempty"` // pattern name -> class
	LayerContainmentStrict bool                 `json:"layer_containment_strict"`
	MaxReadClass           InfoClass            `json:"max_read_class"`
	DedupWindow            time.Duration        `json:"dedup_window"`
	DedupLink              bool                 `json:"dedup_link"`
}

// RetrievalConfig tunes the hybrid retrieval engine.
type RetrievalConfig struct {
	RRFK              int               `json:"rrf_k"`
	DenseTopK         int               `json:"dense_top_k"`
	LexicalTopK       int               `json:"lexical_top_k"`
	GraphTopK         int               `json:"graph_top_k"`
	SafeExitThreshold int               `json:"safe_exit_threshold"`
	DiversityTau      float64           `json:"diversity_tau"`
	RerankDeadline    time.Duration     `json:"rerank_deadline"`
	RerankTopN        int               `json:"rerank_top_n"`
	SubscoreWeights   SubscoreWeights   `json:"subscore_weights"`
	LayerWeights      map[Layer]float64 `json:"layer_weights,omitempty"`
	RerankProfile     string            `json:"rerank_profile,omitempty"`
}

// SubscoreWeights are the final weighted re-rank components applied over the
// fused top-N candidates.
type SubscoreWeights struct {
	Relevance  float64 `json:"relevance"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
	Centrality float64 `json:"centrality"`
	Diversity  float64 `json:"diversity"`
	Density    float64 `json:"density"`
}

// QuotaConfig bounds per-tenant concurrency.
type QuotaConfig struct {
	MaxConcurrentRequests int64 `json:"max_concurrent_requests"`
	MaxInFlightLLM        int64 `json:"max_in_flight_llm"`
}

// Scan implements sql.Scanner so config sections can live in JSONB columns.
func (b *BudgetConfig) Scan(value interface{}) error {
	return scanJSON(value, b)
}

// Value implements driver.Valuer for BudgetConfig.
func (b BudgetConfig) Value() (driver.Value, error) {
	return json.Marshal(b)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, dst)
	case string:
		return json.Unmarshal([]byte(v), dst)
	default:
		return json.Unmarshal([]byte("{}"), dst)
	}
}

// DefaultTenantConfig returns the conservative defaults applied when a
// tenant has no explicit configuration.
func DefaultTenantConfig(tenantID string) *TenantConfig {
	now := time.Now().UTC()
	return &TenantConfig{
		TenantID: tenantID,
		Budget: BudgetConfig{
			DailyLimitCents:   500,   // 5 USD
			MonthlyLimitCents: 10000, // 100 USD
			AlertThresholds:   []float64{0.5, 0.8, 0.95},
		},
		EmbeddingModels: []EmbeddingModel{
			{Name: "rae-minilm", Space: SpaceCheap, Dim: 384, Active: true},
		},
		LLMProfiles: map[string]Profile{
			"cheap":    {Name: "cheap", Candidates: []string{"mock/rae-small"}},
			"balanced": {Name: "balanced", Candidates: []string{"mock/rae-small"}},
		},
		Layers: LayerConfig{
			SensoryRetention:    24 * time.Hour,
			WorkingRetention:    7 * 24 * time.Hour,
			LongtermRetention:   365 * 24 * time.Hour,
			ReflectiveRetention: 2 * 365 * 24 * time.Hour,
			SensoryAdmission:    0.5,
			WorkingAdmission:    0.6,
			LongtermAdmission:   0.7,
			WorkingMinUsage:     2,
			WorkingMinAge:       30 * time.Minute,
			ClusterMinSize:      3,
			ClusterMinUsage:     5,
		},
		Decay: DecayConfig{
			HalfLifeDays:        14,
			ImportanceFloor:     0.05,
			MinAgeForPrune:      30 * 24 * time.Hour,
			EdgeConfidenceFloor: 0.2,
		},
		Reflection: ReflectionConfig{
			EnabledModes:        []ReflectionType{ReflectionObservation, ReflectionStrategy},
			MaxIterations:       2,
			AcceptanceThreshold: 0.7,
			NoveltyFloor:        0.3,
		},
		Policy: PolicyConfig{
			LayerContainmentStrict: true,
			MaxReadClass:           InfoClassConfidential,
			DedupWindow:            time.Hour,
		},
		Retrieval: RetrievalConfig{
			RRFK:              60,
			DenseTopK:         50,
			LexicalTopK:       50,
			GraphTopK:         20,
			SafeExitThreshold: 5,
			DiversityTau:      0.92,
			RerankDeadline:    10 * time.Millisecond,
			RerankTopN:        30,
			SubscoreWeights: SubscoreWeights{
				Relevance:  0.40,
				Importance: 0.20,
				Recency:    0.15,
				Centrality: 0.10,
				Diversity:  0.10,
				Density:    0.05,
			},
			LayerWeights: map[Layer]float64{
				LayerReflective: 1.0,
				LayerLongterm:   0.9,
				LayerWorking:    0.7,
				LayerSensory:    0.5,
			},
		},
		Quotas: QuotaConfig{
			MaxConcurrentRequests: 32,
			MaxInFlightLLM:        8,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// ActiveModels returns the tenant's active embedding models, optionally
// filtered to one model space.
func (tc *TenantConfig) ActiveModels(space ModelSpace) []EmbeddingModel {
	var out []EmbeddingModel
	for _, m := range tc.EmbeddingModels {
		if !m.Active {
			continue
		}
		if space != "" && m.Space != space {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ModelByName looks up one of the tenant's embedding models.
func (tc *TenantConfig) ModelByName(name string) (EmbeddingModel, bool) {
	for _, m := range tc.EmbeddingModels {
		if m.Name == name {
			return m, true
		}
	}
	return EmbeddingModel{}, false
}

// Profile returns the named LLM profile, falling back to "cheap".
func (tc *TenantConfig) Profile(name string) (Profile, bool) {
	if p, ok := tc.LLMProfiles[name]; ok {
		return p, true
	}
	p, ok := tc.LLMProfiles["cheap"]
	return p, ok
}

// ReflectionModeEnabled reports whether the tenant allows a reflection mode.
func (tc *TenantConfig) ReflectionModeEnabled(mode ReflectionType) bool {
	for _, m := range tc.Reflection.EnabledModes {
		if m == mode {
			return true
		}
	}
	return false
}
