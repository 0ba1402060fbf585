package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

const defaultProgressInterval = 10 * time.Second

// ProgressReporter periodically logs a snapshot of the run statistics.
type ProgressReporter struct {
	stats    *domain.Stats
	logger   *slog.Logger
	metrics  *observability.Metrics
	clock    clockwork.Clock
	interval time.Duration
}

// NewProgressReporter creates a reporter. A non-positive interval uses 10s.
func NewProgressReporter(stats *domain.Stats, interval time.Duration, logger *slog.Logger, metrics *observability.Metrics, clock clockwork.Clock) *ProgressReporter {
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProgressReporter{
		stats:    stats,
		logger:   logger,
		metrics:  metrics,
		clock:    clock,
		interval: interval,
	}
}

// Run reports on every tick until ctx is cancelled, then reports once more.
func (r *ProgressReporter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	var last int64 = -1
	for {
		select {
		case <-ctx.Done():
			r.Report()
			return
		case <-ticker.Chan():
			// Stay quiet while nothing moves, e.g. an idle Kafka topic.
			if cur := r.stats.Current(); cur != last {
				r.Report()
				last = cur
			}
		}
	}
}

// Report logs the current snapshot and updates the progress gauges.
func (r *ProgressReporter) Report() domain.Progress {
	p := r.stats.Snapshot()

	attrs := []any{"current", p.Current, "elapsed", r.clock.Since(p.StartTime).Round(time.Millisecond).String()}
	if p.Estimate != nil {
		attrs = append(attrs,
			"total", p.Total,
			"pending", p.Pending,
			"percent", p.Percent,
			"estimated_duration", (time.Duration(p.EstimatedDuration) * time.Millisecond).String(),
		)
	}
	r.logger.Info("progress", attrs...)

	if r.metrics != nil {
		r.metrics.ProgressCurrent.Set(float64(p.Current))
		if p.Estimate != nil {
			r.metrics.ProgressPercent.Set(p.Percent)
		}
	}
	return p
}
