package auditledger

import (
	"context"
	"sync"
	"time"
)

// NotifySink receives committed entries. Delivery is best effort: a failing
// sink never blocks or rolls back an append.
type NotifySink interface {
	Name() string
	Notify(ctx context.Context, e LogEntry) error
}

// DefaultSinkQueue is the dispatch queue length used when none is given.
const DefaultSinkQueue = 1024

// SinkRegistry fans committed entries out to sinks from one background
// goroutine. A nil *SinkRegistry dispatches nothing.
type SinkRegistry struct {
	mu      sync.RWMutex
	sinks   []NotifySink
	queue   chan LogEntry
	closed  bool
	timeout time.Duration
	metrics *Metrics
	done    chan struct{}
}

// NewSinkRegistry starts a dispatcher with the given queue length.
func NewSinkRegistry(queue int, m *Metrics) *SinkRegistry {
	if queue <= 0 {
		queue = DefaultSinkQueue
	}
	r := &SinkRegistry{
		queue:   make(chan LogEntry, queue),
		timeout: 10 * time.Second,
		metrics: m,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Register adds a sink.
func (r *SinkRegistry) Register(s NotifySink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// Sinks returns the registered sink names.
func (r *SinkRegistry) Sinks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, len(r.sinks))
	for i, s := range r.sinks {
		names[i] = s.Name()
	}
	return names
}

// Dispatch queues e for delivery. It never blocks; when the queue is full the
// entry is dropped for sinks and a warning is logged.
func (r *SinkRegistry) Dispatch(e LogEntry) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || len(r.sinks) == 0 {
		return
	}
	select {
	case r.queue <- e.Clone():
	default:
		log.Warnw("sink queue full, dropping notification", "chain", e.ChainID, "id", e.ID)
	}
}

func (r *SinkRegistry) run() {
	defer close(r.done)
	for e := range r.queue {
		r.mu.RLock()
		sinks := append([]NotifySink(nil), r.sinks...)
		r.mu.RUnlock()
		for _, s := range sinks {
			ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
			err := s.Notify(ctx, e)
			cancel()
			r.metrics.delivered(s.Name(), err)
			if err != nil {
				log.Warnw("sink delivery failed", "sink", s.Name(), "chain", e.ChainID, "id", e.ID, "err", err)
			}
		}
	}
}

// Close stops accepting entries and waits for queued ones to be delivered
// or for ctx to end.
func (r *SinkRegistry) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type severityGate struct {
	NotifySink
	threshold Severity
}

// WithMinSeverity wraps s so that it only receives entries at or above threshold.
func WithMinSeverity(s NotifySink, threshold Severity) NotifySink {
	return severityGate{NotifySink: s, threshold: threshold}
}

func (g severityGate) Notify(ctx context.Context, e LogEntry) error {
	if !e.Severity.AtLeast(g.threshold) {
		return nil
	}
	return g.NotifySink.Notify(ctx, e)
}
