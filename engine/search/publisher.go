package search

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/WessleyAI/eventscout/engine/domain"
	"github.com/WessleyAI/eventscout/pkg/natsutil"
)

// TraceSubject is where completed search traces are published.
const TraceSubject = "eventscout.search.trace"

// TraceEvent is the published form of one completed search.
type TraceEvent struct {
	Query     string               `json:"query"`
	Country   string               `json:"country"`
	Locale    string               `json:"locale"`
	Results   int                  `json:"results"`
	CostPence float64              `json:"cost_pence"`
	TookMs    int64                `json:"took_ms"`
	Trace     domain.TraceSnapshot `json:"trace"`
}

// TracePublisher receives every completed trace.
type TracePublisher interface {
	PublishTrace(ctx context.Context, ev TraceEvent) error
}

// NATSPublisher publishes traces as JSON on a NATS subject.
type NATSPublisher struct {
	nc      *nats.Conn
	subject string
}

// NewNATSPublisher publishes on TraceSubject.
func NewNATSPublisher(nc *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: nc, subject: TraceSubject}
}

func (p *NATSPublisher) PublishTrace(ctx context.Context, ev TraceEvent) error {
	return natsutil.Publish(ctx, p.nc, p.subject, ev)
}

// MemoryPublisher keeps published traces in memory. Used by tests and the
// CLI.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []TraceEvent
	Err    error
}

func (m *MemoryPublisher) PublishTrace(_ context.Context, ev TraceEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.events = append(m.events, ev)
	return nil
}

// Events returns a copy of what was published.
func (m *MemoryPublisher) Events() []TraceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]TraceEvent(nil), m.events...)
}
