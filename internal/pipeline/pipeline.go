package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/storm-data-shared/retry"
	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
)

const (
	defaultInitialBackoff = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second

	// pendingDepth bounds the items between extraction and load: one waiting
	// to enter the stage, one in the stage, plus slack.
	pendingDepth = 4
)

// Extractor reads input records one at a time. A finite source returns
// io.EOF once exhausted.
type Extractor interface {
	Extract(ctx context.Context) (domain.SourceItem, error)
}

// Loader writes output records to the destination.
type Loader interface {
	Load(ctx context.Context, rec domain.Record) error
}

// Flusher is implemented by loaders that buffer output.
type Flusher interface {
	Flush() error
}

// Pipeline wires a source, the geocode stage, and a sink together.
type Pipeline struct {
	extractor      Extractor
	stage          *Stage
	loader         Loader
	logger         *slog.Logger
	metrics        *observability.Metrics
	ready          atomic.Bool
	loaded         atomic.Int64
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBackoff sets the retry delays used when the source or sink fails.
func WithBackoff(initial, maxBackoff time.Duration) Option {
	return func(p *Pipeline) {
		if initial > 0 {
			p.initialBackoff = initial
		}
		if maxBackoff >= initial {
			p.maxBackoff = maxBackoff
		}
	}
}

// New creates a Pipeline with the given stages and observability.
func New(e Extractor, s *Stage, l Loader, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Pipeline {
	p := &Pipeline{
		extractor:      e,
		stage:          s,
		loader:         l,
		logger:         logger,
		metrics:        metrics,
		initialBackoff: defaultInitialBackoff,
		maxBackoff:     defaultMaxBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Loaded returns the number of records written to the sink so far. It can
// trail Stats().Current() by one when a run is cancelled mid-lookup.
func (p *Pipeline) Loaded() int64 { return p.loaded.Load() }

// CheckReadiness returns nil once the pipeline has loaded at least one record.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("pipeline has not produced any records yet")
	}
	return nil
}

// Run streams records from the source through the stage into the sink until
// the source is exhausted or ctx is cancelled, both of which return nil.
// A stage failure stops the run and is returned. A source error wrapping
// domain.ErrSourceFatal ends extraction; records already in flight are loaded
// and then the error is returned. Other source errors are retried with backoff.
//
// Source items are committed after their record is loaded. Because the stage
// emits records in input order, items are matched to records first-in
// first-out.
func (p *Pipeline) Run(ctx context.Context) error {
	p.logger.Info("pipeline started")
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	in := make(chan any)
	out := make(chan domain.Record)
	pending := make(chan domain.SourceItem, pendingDepth)

	g, gctx := errgroup.WithContext(ctx)
	var sourceErr error
	g.Go(func() error {
		err := p.produce(gctx, in, pending)
		if errors.Is(err, domain.ErrSourceFatal) {
			// Items already extracted still get their records.
			sourceErr = err
			return nil
		}
		return err
	})
	g.Go(func() error { return p.stage.Run(gctx, in, out) })
	g.Go(func() error { return p.consume(gctx, out, pending) })

	err := g.Wait()
	if err == nil {
		err = sourceErr
	}
	p.flush()

	if ctx.Err() != nil {
		p.logger.Info("pipeline stopping", "reason", ctx.Err(), "records", p.Loaded(), "processed", p.stage.Stats().Current())
		return nil
	}
	if err != nil {
		p.logger.Error("pipeline failed", "error", err, "records", p.Loaded(), "processed", p.stage.Stats().Current())
		return err
	}
	p.logger.Info("pipeline finished", "records", p.Loaded(), "processed", p.stage.Stats().Current())
	return nil
}

// produce feeds source values into the stage, remembering each item so the
// consumer can commit it later.
func (p *Pipeline) produce(ctx context.Context, in chan<- any, pending chan<- domain.SourceItem) error {
	defer close(in)

	backoff := p.initialBackoff
	for {
		item, err := p.extractor.Extract(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, domain.ErrSourceFatal) {
				p.metrics.SourceErrors.Inc()
				return fmt.Errorf("extract: %w", err)
			}
			p.logger.Error("extract failed", "error", err)
			p.metrics.SourceErrors.Inc()
			if !retry.SleepWithContext(ctx, backoff) {
				return ctx.Err()
			}
			backoff = retry.NextBackoff(backoff, p.maxBackoff)
			continue
		}
		backoff = p.initialBackoff
		p.metrics.RecordsConsumed.Inc()

		// Queue the item before its value enters the stage so the consumer
		// always finds it.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case pending <- item:
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in <- item.Value:
		}
	}
}

// consume loads every record the stage emits and commits its source item.
func (p *Pipeline) consume(ctx context.Context, out <-chan domain.Record, pending <-chan domain.SourceItem) error {
	for rec := range out {
		item := <-pending
		if err := p.load(ctx, rec); err != nil {
			return err
		}
		p.metrics.RecordsProduced.Inc()
		p.loaded.Add(1)
		p.ready.Store(true)
		p.commitOffset(ctx, item)
	}
	return nil
}

// load retries the sink with exponential backoff until it accepts the record
// or ctx is cancelled. Dropping the record would break the one output per
// input guarantee.
func (p *Pipeline) load(ctx context.Context, rec domain.Record) error {
	backoff := p.initialBackoff
	for {
		err := p.loader.Load(ctx, rec)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Error("load failed", "error", err, "current", rec.Current)
		p.metrics.LoadErrors.Inc()
		if !retry.SleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = retry.NextBackoff(backoff, p.maxBackoff)
	}
}

// commitOffset commits the source item if a commit function is available.
func (p *Pipeline) commitOffset(ctx context.Context, item domain.SourceItem) {
	if item.Commit == nil {
		return
	}
	if err := item.Commit(ctx); err != nil {
		p.logger.Warn("commit offset failed", "error", err,
			"topic", item.Topic, "partition", item.Partition, "offset", item.Offset)
	}
}

func (p *Pipeline) flush() {
	f, ok := p.loader.(Flusher)
	if !ok {
		return
	}
	if err := f.Flush(); err != nil {
		p.logger.Error("flush sink failed", "error", err)
	}
}
