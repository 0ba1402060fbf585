package domain

import (
	"math"
	"sync"
	"time"
)

// Estimate is the progress block attached to a record when the run's total
// is known. EstimatedDuration is in milliseconds.
type Estimate struct {
	Total             int64   `json:"total"`
	Pending           int64   `json:"pending"`
	Percent           float64 `json:"percent"`
	EstimatedDuration int64   `json:"estimatedDuration"`
}

// Progress is a consistent view of the statistics at one point in time.
// Estimate is nil when no total is known.
type Progress struct {
	Current   int64     `json:"current"`
	StartTime time.Time `json:"startTime"`
	*Estimate
}

// Estimator extrapolates the total duration of a run.
type Estimator interface {
	// Estimate returns the expected total run duration in milliseconds.
	Estimate(elapsed time.Duration, current, total int64) int64
}

// LinearEstimator assumes a constant per-item latency:
// round(elapsed / (current/total)).
type LinearEstimator struct{}

func (LinearEstimator) Estimate(elapsed time.Duration, current, total int64) int64 {
	ratio := float64(current) / float64(total)
	if ratio <= 0 {
		return 0
	}
	return int64(math.Round(float64(elapsed.Milliseconds()) / ratio))
}

// SmoothedEstimator tracks an exponentially weighted moving average of the
// per-item latency and projects it over the pending items. It must only be
// driven by a single Stats.
type SmoothedEstimator struct {
	Alpha float64

	last    time.Duration
	average float64 // ms per item
	seeded  bool
}

// NewSmoothedEstimator creates a SmoothedEstimator. Alpha outside (0, 1]
// falls back to 0.2.
func NewSmoothedEstimator(alpha float64) *SmoothedEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.2
	}
	return &SmoothedEstimator{Alpha: alpha}
}

func (e *SmoothedEstimator) Estimate(elapsed time.Duration, current, total int64) int64 {
	step := float64((elapsed - e.last).Milliseconds())
	e.last = elapsed
	if !e.seeded {
		// The first sample may cover several items if the seed current was non-zero.
		if current > 0 {
			step = float64(elapsed.Milliseconds()) / float64(current)
		}
		e.average = step
		e.seeded = true
	} else {
		e.average = e.Alpha*step + (1-e.Alpha)*e.average
	}
	pending := total - current
	if pending < 0 {
		pending = 0
	}
	return elapsed.Milliseconds() + int64(math.Round(e.average*float64(pending)))
}

// Stats is the statistics handle shared by everything that takes part in a
// run. The geocode stage is its only writer; reporters read snapshots from
// other goroutines, hence the mutex.
type Stats struct {
	mu        sync.Mutex
	current   int64
	total     int64
	startTime time.Time
	estimator Estimator
}

// StatsOption configures a Stats.
type StatsOption func(*Stats)

// WithTotal sets the expected number of records. Values <= 0 mean unknown.
func WithTotal(total int64) StatsOption {
	return func(s *Stats) { s.total = total }
}

// WithStartTime overrides the run start time (defaults to now).
func WithStartTime(t time.Time) StatsOption {
	return func(s *Stats) { s.startTime = t }
}

// WithCurrent seeds the counter, e.g. when resuming a run.
func WithCurrent(current int64) StatsOption {
	return func(s *Stats) { s.current = current }
}

// WithEstimator replaces the default LinearEstimator.
func WithEstimator(e Estimator) StatsOption {
	return func(s *Stats) {
		if e != nil {
			s.estimator = e
		}
	}
}

// NewStats creates a statistics handle.
func NewStats(opts ...StatsOption) *Stats {
	s := &Stats{
		startTime: clock.Now(),
		estimator: LinearEstimator{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Advance counts one more processed item and returns the snapshot taken at
// that moment.
func (s *Stats) Advance() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current++
	p := Progress{Current: s.current, StartTime: s.startTime}
	if s.total > 0 {
		p.Estimate = s.estimate(clock.Since(s.startTime))
	}
	return p
}

// Snapshot returns the current progress without advancing. The estimate uses
// the linear formula so that reading never perturbs a stateful estimator.
func (s *Stats) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{Current: s.current, StartTime: s.startTime}
	if s.total > 0 && s.current > 0 {
		elapsed := clock.Since(s.startTime)
		p.Estimate = &Estimate{
			Total:             s.total,
			Pending:           s.total - s.current,
			Percent:           percent(s.current, s.total),
			EstimatedDuration: LinearEstimator{}.Estimate(elapsed, s.current, s.total),
		}
	}
	return p
}

// Current returns the number of items processed so far.
func (s *Stats) Current() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Total returns the expected total, or 0 when unknown.
func (s *Stats) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Stats) estimate(elapsed time.Duration) *Estimate {
	return &Estimate{
		Total:             s.total,
		Pending:           s.total - s.current,
		Percent:           percent(s.current, s.total),
		EstimatedDuration: s.estimator.Estimate(elapsed, s.current, s.total),
	}
}

func percent(current, total int64) float64 {
	return float64(current) / float64(total) * 100
}
