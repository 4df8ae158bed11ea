package audit

import (
	"sync"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
)

// MemorySink retains events in memory. Tests and the in-process factory use
// it; production deployments plug a partitioned append-only sink into the
// adapter.
type MemorySink struct {
	mu     sync.RWMutex
	events []models.AuditEvent
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Write implements Sink.Write.
func (s *MemorySink) Write(event models.AuditEvent) error {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
	return nil
}

// Close implements Sink.Close.
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of everything written so far.
func (s *MemorySink) Events() []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AuditEvent(nil), s.events...)
}

// ByTenant returns the events of one tenant, preserving order.
func (s *MemorySink) ByTenant(tenantID string) []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range s.events {
		if e.TenantID == tenantID {
			out = append(out, e)
		}
	}
	return out
}

// ByOperation returns the events recorded for one operation name.
func (s *MemorySink) ByOperation(op string) []models.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AuditEvent
	for _, e := range s.events {
		if e.Operation == op {
			out = append(out, e)
		}
	}
	return out
}

// LoggerSink writes events through the structured logger.
type LoggerSink struct {
	logger observability.Logger
}

// NewLoggerSink creates a LoggerSink.
func NewLoggerSink(logger observability.Logger) *LoggerSink {
	return &LoggerSink{logger: logger.WithPrefix("audit_sink")}
}

// Write implements Sink.Write.
func (s *LoggerSink) Write(event models.AuditEvent) error {
	s.logger.Info("audit", map[string]interface{}{
		"event_id":   event.EventID,
		"tenant_id":  event.TenantID,
		"actor":      event.Actor,
		"request_id": event.RequestID,
		"operation":  event.Operation,
		"info_class": event.InfoClass,
		"outcome":    event.Outcome,
		"latency_ms": event.LatencyMS,
		"cost_cents": event.CostCents,
	})
	return nil
}

// Close implements Sink.Close.
func (s *LoggerSink) Close() error { return nil }
