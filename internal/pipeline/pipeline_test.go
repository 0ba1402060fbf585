package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geocode-stream-service/internal/adapter/file"
	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
	"github.com/couchcryptid/geocode-stream-service/internal/pipeline"
)

// --- mocks ---

// mockExtractor serves its items and then either reports io.EOF or, when
// endless is set, blocks like an idle Kafka topic.
type mockExtractor struct {
	items    []domain.SourceItem
	index    atomic.Int64
	endless  bool
	failures atomic.Int64 // errors to return before the first item
}

func (m *mockExtractor) Extract(ctx context.Context) (domain.SourceItem, error) {
	if m.failures.Load() > 0 {
		m.failures.Add(-1)
		return domain.SourceItem{}, errors.New("broker unavailable")
	}
	i := int(m.index.Add(1) - 1)
	if i >= len(m.items) {
		if !m.endless {
			return domain.SourceItem{}, io.EOF
		}
		<-ctx.Done()
		return domain.SourceItem{}, ctx.Err()
	}
	return m.items[i], nil
}

// fatalExtractor serves its items and then fails with a fatal source error.
type fatalExtractor struct {
	items []domain.SourceItem
	calls atomic.Int64
}

func (f *fatalExtractor) Extract(_ context.Context) (domain.SourceItem, error) {
	i := int(f.calls.Add(1) - 1)
	if i < len(f.items) {
		return f.items[i], nil
	}
	return domain.SourceItem{}, fmt.Errorf("corrupt input: %w", domain.ErrSourceFatal)
}

type mockLoader struct {
	mu       sync.Mutex
	loaded   []domain.Record
	failures int // errors to return before accepting
	flushed  bool
}

func (m *mockLoader) Load(_ context.Context, rec domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failures > 0 {
		m.failures--
		return errors.New("sink unavailable")
	}
	m.loaded = append(m.loaded, rec)
	return nil
}

func (m *mockLoader) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed = true
	return nil
}

func (m *mockLoader) Loaded() []domain.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Record(nil), m.loaded...)
}

func items(values ...any) []domain.SourceItem {
	out := make([]domain.SourceItem, len(values))
	for i, v := range values {
		out[i] = domain.SourceItem{Value: v}
	}
	return out
}

func newTestPipeline(ext pipeline.Extractor, stage *pipeline.Stage, ldr pipeline.Loader, metrics *observability.Metrics) *pipeline.Pipeline {
	return pipeline.New(ext, stage, ldr, slog.Default(), metrics, pipeline.WithBackoff(time.Millisecond, 5*time.Millisecond))
}

// --- tests ---

func TestPipeline_Run_FiniteSource(t *testing.T) {
	freezeDomainClock(t)
	ext := &mockExtractor{items: items("1 Main St", "bad address", "1 Main St")}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()
	stats := domain.NewStats(domain.WithTotal(3))
	p := newTestPipeline(ext, pipeline.NewStage(mainStreetGeocoder(), stats), ldr, metrics)

	assert.Error(t, p.CheckReadiness(context.Background()), "not ready before the first record")

	err := p.Run(context.Background())
	require.NoError(t, err)

	loaded := ldr.Loaded()
	require.Len(t, loaded, 3)
	assert.Nil(t, loaded[0].Error)
	require.NotNil(t, loaded[1].Error)
	assert.Equal(t, "ZERO_RESULTS", *loaded[1].Error)
	for i, rec := range loaded {
		assert.Equal(t, int64(i+1), rec.Current)
	}
	assert.InDelta(t, 100.0, loaded[2].Percent, 1e-9)

	assert.True(t, ldr.flushed)
	assert.NoError(t, p.CheckReadiness(context.Background()))
	assert.InDelta(t, 3.0, testutil.ToFloat64(metrics.RecordsConsumed), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(metrics.RecordsProduced), 1e-9)
	assert.InDelta(t, 0.0, testutil.ToFloat64(metrics.PipelineRunning), 1e-9)
}

func TestPipeline_Run_ContextCancellation(t *testing.T) {
	freezeDomainClock(t)
	ext := &mockExtractor{endless: true}
	ldr := &mockLoader{}
	p := newTestPipeline(ext, pipeline.NewStage(mainStreetGeocoder(), domain.NewStats()), ldr, observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, p.Run(ctx))
	assert.Empty(t, ldr.Loaded())
	assert.Error(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_EndlessSourceStopsOnCancel(t *testing.T) {
	freezeDomainClock(t)
	ext := &mockExtractor{items: items("1 Main St"), endless: true}
	ldr := &mockLoader{}
	p := newTestPipeline(ext, pipeline.NewStage(mainStreetGeocoder(), domain.NewStats()), ldr, observability.NewMetricsForTesting())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	require.NoError(t, p.Run(ctx))
	assert.Len(t, ldr.Loaded(), 1)
	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestPipeline_Run_CommitsInOrderAfterLoad(t *testing.T) {
	freezeDomainClock(t)
	var (
		mu        sync.Mutex
		committed []int64
	)
	src := items("1 Main St", "bad address", "1 Main St", "bad address")
	for i := range src {
		offset := int64(i)
		src[i].Offset = offset
		src[i].Topic = "addresses"
		src[i].Commit = func(_ context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			committed = append(committed, offset)
			return nil
		}
	}
	ldr := &mockLoader{}
	p := newTestPipeline(&mockExtractor{items: src}, pipeline.NewStage(mainStreetGeocoder(), domain.NewStats()), ldr, observability.NewMetricsForTesting())

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []int64{0, 1, 2, 3}, committed, "failed lookups are committed too")
	assert.Len(t, ldr.Loaded(), 4)
}

func TestPipeline_Run_RetriesSourceAndSink(t *testing.T) {
	freezeDomainClock(t)
	ext := &mockExtractor{items: items("1 Main St", "bad address")}
	ext.failures.Store(2)
	ldr := &mockLoader{failures: 2}
	metrics := observability.NewMetricsForTesting()
	p := newTestPipeline(ext, pipeline.NewStage(mainStreetGeocoder(), domain.NewStats()), ldr, metrics)

	require.NoError(t, p.Run(context.Background()))

	loaded := ldr.Loaded()
	require.Len(t, loaded, 2, "no record is dropped when the sink fails")
	assert.Equal(t, int64(1), loaded[0].Current)
	assert.Equal(t, int64(2), loaded[1].Current)
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.SourceErrors), 1e-9)
	assert.InDelta(t, 2.0, testutil.ToFloat64(metrics.LoadErrors), 1e-9)
}

func TestPipeline_Run_StageFailureStopsRun(t *testing.T) {
	freezeDomainClock(t)
	ext := &mockExtractor{items: items(
		map[string]any{"addr": "1 Main St"},
		map[string]any{"nope": true},
		map[string]any{"addr": "1 Main St"},
	)}
	ldr := &mockLoader{}
	stage := pipeline.NewStage(mainStreetGeocoder(), domain.NewStats(), pipeline.WithAddressFunc(domain.FieldAddress("addr")))
	p := newTestPipeline(ext, stage, ldr, observability.NewMetricsForTesting())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAddress)
	assert.Len(t, ldr.Loaded(), 1)
}

func TestPipeline_Run_FatalSourceErrorStopsRun(t *testing.T) {
	freezeDomainClock(t)
	ext := &fatalExtractor{items: items("1 Main St")}
	ldr := &mockLoader{}
	metrics := observability.NewMetricsForTesting()
	p := newTestPipeline(ext, pipeline.NewStage(mainStreetGeocoder(), domain.NewStats()), ldr, metrics)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := p.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSourceFatal)
	assert.NoError(t, ctx.Err(), "run ended on its own")
	assert.Equal(t, int64(2), ext.calls.Load(), "fatal errors are not retried")
	assert.Len(t, ldr.Loaded(), 1)
	assert.InDelta(t, 1.0, testutil.ToFloat64(metrics.SourceErrors), 1e-9)
}

func TestPipeline_Run_OversizedFileLineStopsRun(t *testing.T) {
	freezeDomainClock(t)
	input := "1 Main St\n" + strings.Repeat("x", 2<<20) + "\n2 Main St\n"
	rd, err := file.NewReader(strings.NewReader(input), file.FormatLines)
	require.NoError(t, err)
	ldr := &mockLoader{}
	p := newTestPipeline(rd, pipeline.NewStage(mainStreetGeocoder(), domain.NewStats()), ldr, observability.NewMetricsForTesting())

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, file.ErrMalformedInput)
		assert.ErrorIs(t, err, file.ErrLineTooLong)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop on an oversized line")
	}

	loaded := ldr.Loaded()
	require.Len(t, loaded, 1)
	assert.Equal(t, "1 Main St", loaded[0].Input)
}

func TestPipeline_Run_CancelMidLookupCountsProcessedNotLoaded(t *testing.T) {
	freezeDomainClock(t)
	geo := mainStreetGeocoder()
	geo.block = make(chan struct{})
	stage := pipeline.NewStage(geo, domain.NewStats())
	ldr := &mockLoader{}
	p := newTestPipeline(&mockExtractor{items: items("1 Main St"), endless: true}, stage, ldr, observability.NewMetricsForTesting())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return len(geo.Calls()) == 1 }, 5*time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	assert.Equal(t, int64(1), stage.Stats().Current(), "the in-flight item was counted")
	assert.Equal(t, int64(0), p.Loaded())
	assert.Empty(t, ldr.Loaded())
}
