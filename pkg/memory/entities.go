package memory

import (
	"regexp"
	"strings"
)

// maxEntitiesPerRecord bounds the graph writes a single record can cause.
const maxEntitiesPerRecord = 8

// coMentionConfidence seeds edges between entities appearing in the same
// record; corroborating records move the stored confidence from here via the
// graph store's moving average.
const coMentionConfidence = 0.6

// entityPattern matches surface forms worth a semantic node: capitalized
// word runs ("Payments Service"), service-style identifiers ("checkout-api",
// "db_replica"), and standalone capitalized names.
var entityPattern = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]*(?:[ -][A-Z][A-Za-z0-9]*)+\b|\b[a-z0-9]+(?:[-_][a-z0-9]+)+\b|\b[A-Z][a-z0-9]{2,}\b`)

// entityStopwords are sentence openers and prose words the pattern picks up
// that never name an entity.
var entityStopwords = map[string]bool{
	"the": true, "this": true, "that": true, "these": true, "those": true,
	"after": true, "before": true, "during": true, "when": true, "while": true,
	"always": true, "never": true, "should": true, "avoid": true, "prefer": true,
	"use": true, "note": true, "evidence": true, "lesson": true,
}

// ExtractEntities returns the normalized entity labels found in content, in
// first-appearance order, capped at maxEntitiesPerRecord.
func ExtractEntities(content string) []string {
	seen := map[string]bool{}
	var out []string
	for _, match := range entityPattern.FindAllString(content, -1) {
		label := strings.ToLower(match)
		if len(label) < 3 || entityStopwords[label] {
			continue
		}
		if seen[label] {
			continue
		}
		seen[label] = true
		out = append(out, label)
		if len(out) == maxEntitiesPerRecord {
			break
		}
	}
	return out
}

// entityNodeID derives the stable node id for an entity label, so repeated
// mentions of the same entity converge on one node per tenant.
func entityNodeID(label string) string {
	return "ent:" + strings.ReplaceAll(label, " ", "-")
}
