package guard

import (
	"regexp"
	"strings"
	"sync"

	"github.com/rae-project/rae/pkg/models"
)

// PolicyAction is what the policy guard decided to do with content.
type PolicyAction string

const (
	ActionAllow  PolicyAction = "allow"
	ActionScrub  PolicyAction = "scrub"
	ActionReject PolicyAction = "reject"
)

// Decision is the policy guard's verdict on one piece of content. Classify
// is a pure function of (content, tenant policy); the same inputs always
// yield the same decision.
type Decision struct {
	Action       PolicyAction
	Class        models.InfoClass
	Scrubbed     string
	MatchedRules []string
	Tags         []string
}

// builtinRule is one classification pattern with the class it implies.
type builtinRule struct {
	name    string
	pattern *regexp.Regexp
	class   models.InfoClass
	scrub   bool
}

// Built-in rule patterns. Tenants extend these via PolicyConfig; they cannot
// relax them.
var builtinRules = []builtinRule{
	{name: "ssn", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), class: models.InfoClassRestricted, scrub: true},
	{name: "api_key", pattern: regexp.MustCompile(`\b(sk-[A-Za-z0-9]{20,}|AKIA[0-9A-Z]{16})\b`), class: models.InfoClassRestricted, scrub: true},
	{name: "medical_id", pattern: regexp.MustCompile(`\b(?:MRN|NHS)[- ]?\d{6,10}\b`), class: models.InfoClassConfidential, scrub: true},
	{name: "email", pattern: regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), class: models.InfoClassConfidential, scrub: true},
}

const redactedToken = "[REDACTED]"

// PolicyGuard classifies and scrubs content against built-in and per-tenant
// rule patterns, and enforces the layer-containment invariant. One instance
// serves every concurrent request; the compiled-rule cache is guarded.
type PolicyGuard struct {
	mu          sync.RWMutex
	tenantRules map[string][]builtinRule // tenant id -> compiled extra rules
}

// NewPolicyGuard creates a PolicyGuard.
func NewPolicyGuard() *PolicyGuard {
	return &PolicyGuard{tenantRules: make(map[string][]builtinRule)}
}

func (p *PolicyGuard) rulesFor(cfg *models.TenantConfig) []builtinRule {
	rules := builtinRules
	if cfg == nil {
		return rules
	}
	p.mu.RLock()
	cached, ok := p.tenantRules[cfg.TenantID]
	p.mu.RUnlock()
	if ok {
		return append(rules, cached...)
	}
	var extra []builtinRule
	for name, class := range cfg.Policy.ClassRules {
		re, err := regexp.Compile(name)
		if err != nil {
			continue
		}
		extra = append(extra, builtinRule{name: name, pattern: re, class: class, scrub: true})
	}
	for _, pat := range cfg.Policy.RedactionPatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue
		}
		extra = append(extra, builtinRule{name: pat, pattern: re, class: models.InfoClassConfidential, scrub: true})
	}
	p.mu.Lock()
	p.tenantRules[cfg.TenantID] = extra
	p.mu.Unlock()
	return append(rules, extra...)
}

// Classify determines the information class of content and the scrubbing
// decision. declared is the caller's own label; the result is never less
// sensitive than declared.
func (p *PolicyGuard) Classify(content string, declared models.InfoClass, cfg *models.TenantConfig) Decision {
	class := declared
	if !class.Valid() {
		class = models.InfoClassInternal
	}
	scrubbed := content
	var matched []string
	scrubNeeded := false

	for _, rule := range p.rulesFor(cfg) {
		if !rule.pattern.MatchString(scrubbed) {
			continue
		}
		matched = append(matched, rule.name)
		if rule.class.Rank() > class.Rank() {
			class = rule.class
		}
		if rule.scrub {
			scrubbed = rule.pattern.ReplaceAllString(scrubbed, redactedToken)
			scrubNeeded = true
		}
	}

	action := ActionAllow
	if scrubNeeded {
		action = ActionScrub
	}
	var tags []string
	if len(matched) > 0 {
		tags = append(tags, "policy:"+strings.Join(matched, ","))
	}
	return Decision{
		Action:       action,
		Class:        class,
		Scrubbed:     scrubbed,
		MatchedRules: matched,
		Tags:         tags,
	}
}

// EnforceLayer rejects content whose information class may not live in the
// target layer: restricted content is confined to the transient working
// layer, and confidential content may not enter reflective form without
// sanitization (the reflection engine performs that separately).
func (p *PolicyGuard) EnforceLayer(class models.InfoClass, layer models.Layer) error {
	if class == models.InfoClassRestricted && layer != models.LayerWorking {
		return models.ErrRestrictedContent
	}
	return nil
}

// FilterReadable drops records more sensitive than the requester may see.
func FilterReadable(records []*models.MemoryRecord, maxClass models.InfoClass) []*models.MemoryRecord {
	out := records[:0]
	for _, r := range records {
		if !r.InfoClass.Exceeds(maxClass) {
			out = append(out, r)
		}
	}
	return out
}

// Redact applies the scrub rules without reclassifying; the gateway uses it
// before sending content to an external provider.
func (p *PolicyGuard) Redact(content string, cfg *models.TenantConfig) string {
	d := p.Classify(content, models.InfoClassPublic, cfg)
	return d.Scrubbed
}
