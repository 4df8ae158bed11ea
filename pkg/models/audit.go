package models

import "time"

// AuditOutcome is the terminal result recorded for an audited operation.
type AuditOutcome string

const (
	OutcomeSuccess  AuditOutcome = "success"
	OutcomeDenied   AuditOutcome = "denied"
	OutcomeError    AuditOutcome = "error"
	OutcomePartial  AuditOutcome = "partial"
	OutcomeDeferred AuditOutcome = "deferred"
)

// AuditCriticality orders events for the overflow drop policy. Policy and
// cost events are never dropped.
type AuditCriticality int

const (
	CriticalityTelemetry AuditCriticality = iota
	CriticalityOperation
	CriticalityPolicy
)

// AuditEvent is the common envelope emitted for every significant action.
// Operation-specific detail goes in Fields.
type AuditEvent struct {
	EventID     string                 `json:"event_id"`
	Timestamp   time.Time              `json:"timestamp"`
	TenantID    string                 `json:"tenant_id"`
	Actor       string                 `json:"actor"`
	RequestID   string                 `json:"request_id"`
	Operation   string                 `json:"operation"`
	RecordIDs   []string               `json:"record_ids,omitempty"`
	InfoClass   InfoClass              `json:"info_class,omitempty"`
	Outcome     AuditOutcome           `json:"outcome"`
	LatencyMS   int64                  `json:"latency_ms"`
	CostCents   int64                  `json:"cost_cents,omitempty"`
	Tokens      int64                  `json:"tokens,omitempty"`
	Criticality AuditCriticality       `json:"-"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
}
