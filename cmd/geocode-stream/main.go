package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/couchcryptid/geocode-stream-service/internal/adapter/file"
	"github.com/couchcryptid/geocode-stream-service/internal/adapter/google"
	"github.com/couchcryptid/geocode-stream-service/internal/adapter/httpadapter"
	kafkaadapter "github.com/couchcryptid/geocode-stream-service/internal/adapter/kafka"
	"github.com/couchcryptid/geocode-stream-service/internal/adapter/lru"
	"github.com/couchcryptid/geocode-stream-service/internal/adapter/mapbox"
	"github.com/couchcryptid/geocode-stream-service/internal/adapter/rediscache"
	"github.com/couchcryptid/geocode-stream-service/internal/config"
	"github.com/couchcryptid/geocode-stream-service/internal/domain"
	"github.com/couchcryptid/geocode-stream-service/internal/observability"
	"github.com/couchcryptid/geocode-stream-service/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var closers []namedCloser
	closeAll := func() {
		// Close in reverse order of creation.
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].Close(); err != nil {
				logger.Error("close error", "component", closers[i].name, "error", err)
			}
		}
	}

	geocoder, redisClient := newGeocoder(cfg, metrics, logger)
	if redisClient != nil {
		closers = append(closers, namedCloser{"redis", redisClient})
	}

	source, err := newSource(cfg, logger)
	if err != nil {
		logger.Error("failed to open source", "error", err)
		closeAll()
		os.Exit(1)
	}
	closers = append(closers, namedCloser{"source", source})

	sink, err := newSink(cfg, logger)
	if err != nil {
		logger.Error("failed to open sink", "error", err)
		closeAll()
		os.Exit(1)
	}
	closers = append(closers, namedCloser{"sink", sink})

	stats := newStats(ctx, cfg, logger)
	stage := pipeline.NewStage(geocoder, stats,
		pipeline.WithAddressFunc(addressFunc(cfg)),
		pipeline.WithLookupTimeout(cfg.LookupTimeout),
		pipeline.WithAddressErrorsAsRecords(cfg.AddressErrorsAsRecords),
		pipeline.WithStageLogger(logger),
		pipeline.WithStageMetrics(metrics),
	)
	p := pipeline.New(source, stage, sink, logger, metrics)
	reporter := pipeline.NewProgressReporter(stats, cfg.ProgressInterval, logger, metrics, clockwork.NewRealClock())

	srv := httpadapter.NewServer(cfg.HTTPAddr, p, stats, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	reportCtx, stopReporting := context.WithCancel(ctx)
	reportDone := make(chan struct{})
	go func() {
		defer close(reportDone)
		reporter.Run(reportCtx)
	}()

	// Run the pipeline until the source is exhausted or a signal arrives.
	runErr := p.Run(ctx)
	stopReporting()
	<-reportDone
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	closeAll()

	if runErr != nil {
		logger.Error("pipeline error", "error", runErr)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

type namedCloser struct {
	name string
	io.Closer
}

// newGeocoder builds the configured provider wrapped in the lookup caches:
// the in-memory LRU in front of Redis in front of the provider.
func newGeocoder(cfg *config.Config, metrics *observability.Metrics, logger *slog.Logger) (domain.Geocoder, *redis.Client) {
	var geocoder domain.Geocoder
	switch cfg.Geocoder {
	case config.GeocoderMapbox:
		geocoder = mapbox.NewClient(cfg.MapboxToken, cfg.GeocoderTimeout, 0, metrics, logger)
	default:
		geocoder = google.NewClient(cfg.GoogleAPIKey, cfg.GeocoderTimeout, metrics, logger)
	}
	logger.Info("geocoder configured", "provider", cfg.Geocoder, "timeout", cfg.GeocoderTimeout)

	var client *redis.Client
	if cfg.RedisAddr != "" {
		client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		geocoder = rediscache.NewCachedGeocoder(geocoder, client, cfg.RedisTTL, metrics, logger)
		logger.Info("redis cache enabled", "addr", cfg.RedisAddr, "ttl", cfg.RedisTTL)
	}

	if cfg.CacheSize > 0 {
		geocoder = lru.NewCachedGeocoder(geocoder, cfg.CacheSize, metrics)
		logger.Info("memory cache enabled", "cache_size", cfg.CacheSize)
	}
	return geocoder, client
}

type sourceCloser interface {
	pipeline.Extractor
	io.Closer
}

type sinkCloser interface {
	pipeline.Loader
	io.Closer
}

func newSource(cfg *config.Config, logger *slog.Logger) (sourceCloser, error) {
	if cfg.Source == config.TransportFile {
		logger.Info("reading addresses from file", "path", cfg.InputPath, "format", cfg.InputFormat)
		return file.Open(cfg.InputPath, cfg.InputFormat)
	}
	logger.Info("reading addresses from kafka", "topic", cfg.KafkaSourceTopic, "group", cfg.KafkaGroupID)
	return kafkaadapter.NewReader(cfg, logger), nil
}

func newSink(cfg *config.Config, logger *slog.Logger) (sinkCloser, error) {
	if cfg.Sink == config.TransportFile {
		logger.Info("writing records to file", "path", cfg.OutputPath)
		return file.Create(cfg.OutputPath)
	}
	logger.Info("writing records to kafka", "topic", cfg.KafkaSinkTopic)
	return kafkaadapter.NewWriter(cfg, logger), nil
}

// newStats seeds the run statistics. Without STATS_TOTAL, a regular input
// file is counted up front so progress can be reported against it.
func newStats(ctx context.Context, cfg *config.Config, logger *slog.Logger) *domain.Stats {
	total := cfg.StatsTotal
	if total <= 0 && cfg.Source == config.TransportFile && isRegularFile(cfg.InputPath) {
		n, err := file.Count(ctx, cfg.InputPath, cfg.InputFormat)
		if err != nil {
			logger.Warn("counting input records failed, total unknown", "error", err)
		} else {
			total = n
		}
	}

	opts := []domain.StatsOption{domain.WithTotal(total)}
	if cfg.EstimateMode == config.EstimateSmoothed {
		opts = append(opts, domain.WithEstimator(domain.NewSmoothedEstimator(cfg.EstimateSmoothing)))
	}
	logger.Info("run statistics", "total", total, "estimate_mode", cfg.EstimateMode)
	return domain.NewStats(opts...)
}

func addressFunc(cfg *config.Config) domain.AddressFunc {
	if cfg.AddressField == "" {
		return domain.DefaultAddress
	}
	return domain.FieldAddress(cfg.AddressField)
}

func isRegularFile(path string) bool {
	if path == "-" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
