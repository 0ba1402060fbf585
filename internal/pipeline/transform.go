package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

// Stage geocodes one record at a time and enriches each output with run
// progress. Provider failures become per-record errors; failures to extract
// an address end the stream unless WithAddressErrorsAsRecords is set.
//
// A Stage is not safe for concurrent Process calls: it is the sole writer of
// its Stats and relies on items arriving one at a time.
type Stage struct {
	geocoder      domain.Geocoder
	stats         *domain.Stats
	address       domain.AddressFunc
	lookupTimeout time.Duration
	addressErrors bool
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// StageOption configures a Stage.
type StageOption func(*Stage)

// WithAddressFunc sets how the address is read from an input record.
// The default is domain.DefaultAddress.
func WithAddressFunc(fn domain.AddressFunc) StageOption {
	return func(s *Stage) {
		if fn != nil {
			s.address = fn
		}
	}
}

// WithLookupTimeout bounds each provider call. Zero disables the bound.
func WithLookupTimeout(d time.Duration) StageOption {
	return func(s *Stage) { s.lookupTimeout = d }
}

// WithAddressErrorsAsRecords turns address extraction failures into record
// errors instead of ending the stream.
func WithAddressErrorsAsRecords(enabled bool) StageOption {
	return func(s *Stage) { s.addressErrors = enabled }
}

// WithStageLogger sets the logger for per-record failures.
func WithStageLogger(logger *slog.Logger) StageOption {
	return func(s *Stage) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithStageMetrics records lookup outcomes and progress.
func WithStageMetrics(m *observability.Metrics) StageOption {
	return func(s *Stage) { s.metrics = m }
}

// NewStage creates a Stage. The geocoder, stats and options are fixed for
// the lifetime of the stage.
func NewStage(geocoder domain.Geocoder, stats *domain.Stats, opts ...StageOption) *Stage {
	s := &Stage{
		geocoder: geocoder,
		stats:    stats,
		address:  domain.DefaultAddress,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns the statistics handle the stage advances.
func (s *Stage) Stats() *domain.Stats { return s.stats }

// Process geocodes a single input and returns its record. The returned error
// is non-nil only for failures of the stage itself, never for lookups.
//
// The item is counted before the lookup starts. If ctx is cancelled during
// the lookup, Process returns ctx.Err() without a record, so Stats().Current()
// then includes one item that produced no output.
func (s *Stage) Process(ctx context.Context, input any) (domain.Record, error) {
	address, err := s.extractAddress(input)
	if err != nil && !s.addressErrors {
		return domain.Record{}, err
	}

	rec := domain.NewRecord(address, input, s.stats.Advance())
	s.observeProgress(rec)

	if err != nil {
		s.logger.Warn("address extraction failed", "current", rec.Current, "error", err)
		rec.Fail(err)
		return rec, nil
	}

	candidates, err := s.lookup(ctx, address)
	if err != nil {
		// The run is being torn down; this is not a lookup result.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return domain.Record{}, ctxErr
		}
		s.logger.Warn("geocoding failed",
			"address", address,
			"current", rec.Current,
			"error", err,
		)
		rec.Fail(err)
		return rec, nil
	}

	rec.Resolve(candidates)
	return rec, nil
}

// Run is the stream boundary of the stage. It takes one input from in,
// processes it, and blocks until out accepts the record before taking the
// next, so outputs leave in input order with a single item in flight. Run
// closes out when it returns. It returns nil once in is closed and drained,
// ctx.Err() on cancellation, or the stage failure that ended the stream.
func (s *Stage) Run(ctx context.Context, in <-chan any, out chan<- domain.Record) error {
	defer close(out)

	for {
		var (
			input any
			ok    bool
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case input, ok = <-in:
			if !ok {
				return nil
			}
		}

		rec, err := s.Process(ctx, input)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- rec:
		}
	}
}

// extractAddress calls the address function, converting a panic into an
// error so it surfaces as a stream failure rather than crashing the process.
func (s *Stage) extractAddress(input any) (address string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", domain.ErrAddress, r)
		}
	}()
	address, err = s.address(input)
	if err != nil && !errors.Is(err, domain.ErrAddress) {
		err = fmt.Errorf("%w: %w", domain.ErrAddress, err)
	}
	return address, err
}

func (s *Stage) lookup(ctx context.Context, address string) ([]domain.Candidate, error) {
	if s.lookupTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.lookupTimeout)
		defer cancel()
	}

	start := time.Now()
	candidates, err := s.geocoder.GeocodeAddress(ctx, address)
	if err == nil && len(candidates) == 0 {
		err = domain.ErrNoCandidates
	}

	if s.metrics != nil {
		s.metrics.LookupDuration.Observe(time.Since(start).Seconds())
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		s.metrics.LookupRequests.WithLabelValues(outcome).Inc()
	}
	return candidates, err
}

func (s *Stage) observeProgress(rec domain.Record) {
	if s.metrics == nil {
		return
	}
	s.metrics.ProgressCurrent.Set(float64(rec.Current))
	if rec.Estimate != nil {
		s.metrics.ProgressPercent.Set(rec.Percent)
	}
}
