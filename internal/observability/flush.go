package observability

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/realmgate/internal/network/delivery"
)

// Flusher is the tick target being measured.
type Flusher interface {
	Flush() delivery.FlushStats
}

// FlushTotals accumulates FlushStats between reports.
type FlushTotals struct {
	Ticks     int
	Batches   int
	Envelopes int
	Dropped   int
	Slowest   time.Duration
}

// FlushReporter wraps a Flusher and logs a throughput summary every interval
// ticks. Each tick's duration is measured; dropped queues are logged at warn.
type FlushReporter struct {
	next   Flusher
	every  int
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	totals FlushTotals
}

// NewFlushReporter wraps next.
//
// Precondition: next and logger must be non-nil; every < 1 reports each tick.
func NewFlushReporter(next Flusher, every int, logger *zap.Logger) *FlushReporter {
	if every < 1 {
		every = 1
	}
	return &FlushReporter{next: next, every: every, logger: logger, now: time.Now}
}

// Flush delegates to the wrapped flusher and records its stats.
func (r *FlushReporter) Flush() delivery.FlushStats {
	start := r.now()
	stats := r.next.Flush()
	elapsed := r.now().Sub(start)

	if stats.Dropped > 0 {
		r.logger.Warn("dropped queues for missing connections", zap.Int("dropped", stats.Dropped))
	}

	r.mu.Lock()
	r.totals.Ticks++
	r.totals.Batches += stats.Batches
	r.totals.Envelopes += stats.Envelopes
	r.totals.Dropped += stats.Dropped
	if elapsed > r.totals.Slowest {
		r.totals.Slowest = elapsed
	}
	var report FlushTotals
	due := r.totals.Ticks >= r.every
	if due {
		report = r.totals
		r.totals = FlushTotals{}
	}
	r.mu.Unlock()

	if due {
		r.logger.Debug("flush summary",
			zap.Int("ticks", report.Ticks),
			zap.Int("batches", report.Batches),
			zap.Int("envelopes", report.Envelopes),
			zap.Int("dropped", report.Dropped),
			zap.Duration("slowest", report.Slowest),
		)
	}
	return stats
}

// Pending returns the totals accumulated since the last report.
func (r *FlushReporter) Pending() FlushTotals {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totals
}
