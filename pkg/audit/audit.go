// Package audit provides the append-only structured event trail. Emission
// never blocks the critical path: events go through a bounded in-process
// queue drained by a background writer, and on overflow the least-critical
// telemetry is dropped first. Policy and cost events are never dropped.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rae-project/rae/pkg/models"
	"github.com/rae-project/rae/pkg/observability"
)

// Sink receives drained audit events. Implementations must tolerate bursts.
type Sink interface {
	Write(event models.AuditEvent) error
	Close() error
}

// Pipeline is the bounded async audit queue.
type Pipeline struct {
	mu      sync.Mutex
	queue   []models.AuditEvent
	maxSize int
	dropped int64

	sink    Sink
	logger  observability.Logger
	metrics observability.MetricsClient
	wake    chan struct{}
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewPipeline creates and starts a Pipeline with the given queue bound.
func NewPipeline(sink Sink, maxSize int, logger observability.Logger, metrics observability.MetricsClient) *Pipeline {
	if maxSize <= 0 {
		maxSize = 1024
	}
	p := &Pipeline{
		maxSize: maxSize,
		sink:    sink,
		logger:  logger.WithPrefix("audit"),
		metrics: metrics,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.wg.Add(1)
	go p.drain()
	return p
}

// Emit enqueues an event, filling in id and timestamp when absent. On a full
// queue it evicts the oldest event of strictly lower criticality than the
// incoming one; if none exists the incoming event itself is dropped, unless
// it is a policy/cost event, which always displaces something.
func (p *Pipeline) Emit(event models.AuditEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if len(p.queue) >= p.maxSize {
		victim := -1
		for i, e := range p.queue {
			if e.Criticality < event.Criticality {
				victim = i
				break
			}
		}
		if victim < 0 && event.Criticality == models.CriticalityPolicy {
			// Policy events always land; displace the oldest non-policy
			// event, or the oldest event outright as a last resort.
			victim = 0
			for i, e := range p.queue {
				if e.Criticality < models.CriticalityPolicy {
					victim = i
					break
				}
			}
		}
		if victim < 0 {
			p.dropped++
			p.mu.Unlock()
			p.metrics.IncrementCounter("rae_audit_dropped_total", map[string]string{"tenant": event.TenantID})
			return
		}
		p.dropped++
		p.queue = append(p.queue[:victim], p.queue[victim+1:]...)
	}
	p.queue = append(p.queue, event)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Dropped returns how many events were discarded under backpressure.
func (p *Pipeline) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

func (p *Pipeline) drain() {
	defer p.wg.Done()
	flush := func() {
		for {
			p.mu.Lock()
			if len(p.queue) == 0 {
				p.mu.Unlock()
				return
			}
			batch := p.queue
			p.queue = nil
			p.mu.Unlock()
			for _, e := range batch {
				if err := p.sink.Write(e); err != nil {
					p.logger.Error("audit sink write failed", map[string]interface{}{
						"error":    err.Error(),
						"event_id": e.EventID,
					})
				}
			}
		}
	}
	for {
		select {
		case <-p.wake:
			flush()
		case <-p.done:
			flush()
			return
		}
	}
}

// Close flushes the queue and stops the writer.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
	p.wg.Wait()
	return p.sink.Close()
}
