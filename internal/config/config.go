package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Source, sink and provider names accepted by the SOURCE, SINK and GEOCODER variables.
const (
	TransportFile  = "file"
	TransportKafka = "kafka"

	GeocoderGoogle = "google"
	GeocoderMapbox = "mapbox"

	EstimateLinear   = "linear"
	EstimateSmoothed = "smoothed"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	Source      string
	InputPath   string
	InputFormat string
	Sink        string
	OutputPath  string

	KafkaBrokers     []string
	KafkaSourceTopic string
	KafkaSinkTopic   string
	KafkaGroupID     string

	// AddressField names the input field holding the address. Empty means
	// the input value itself is the address.
	AddressField string
	// AddressErrorsAsRecords turns address extraction failures into record
	// errors instead of stopping the run.
	AddressErrorsAsRecords bool

	Geocoder        string
	GoogleAPIKey    string
	MapboxToken     string
	GeocoderTimeout time.Duration
	LookupTimeout   time.Duration

	// Lookup caches. A CacheSize of 0 disables the in-memory cache and an
	// empty RedisAddr disables Redis.
	CacheSize int
	RedisAddr string
	RedisTTL  time.Duration

	StatsTotal        int64
	EstimateMode      string
	EstimateSmoothing float64
	ProgressInterval  time.Duration

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	geocoderTimeout, err := parseDuration("GEOCODER_TIMEOUT", "5s", false)
	if err != nil {
		return nil, err
	}
	lookupTimeout, err := parseDuration("LOOKUP_TIMEOUT", "0s", true)
	if err != nil {
		return nil, err
	}
	redisTTL, err := parseDuration("REDIS_TTL", "24h", true)
	if err != nil {
		return nil, err
	}
	progressInterval, err := parseDuration("PROGRESS_INTERVAL", "10s", false)
	if err != nil {
		return nil, err
	}

	cacheSize, err := strconv.Atoi(sharedcfg.EnvOrDefault("CACHE_SIZE", "1000"))
	if err != nil || cacheSize < 0 {
		return nil, errors.New("invalid CACHE_SIZE")
	}

	statsTotal, err := strconv.ParseInt(sharedcfg.EnvOrDefault("STATS_TOTAL", "0"), 10, 64)
	if err != nil {
		return nil, errors.New("invalid STATS_TOTAL")
	}

	smoothing, err := strconv.ParseFloat(sharedcfg.EnvOrDefault("ESTIMATE_SMOOTHING", "0.2"), 64)
	if err != nil || smoothing <= 0 || smoothing > 1 {
		return nil, errors.New("invalid ESTIMATE_SMOOTHING: must be in (0, 1]")
	}

	cfg := &Config{
		Source:      sharedcfg.EnvOrDefault("SOURCE", TransportKafka),
		InputPath:   os.Getenv("INPUT_PATH"),
		InputFormat: sharedcfg.EnvOrDefault("INPUT_FORMAT", "lines"),
		Sink:        sharedcfg.EnvOrDefault("SINK", TransportKafka),
		OutputPath:  sharedcfg.EnvOrDefault("OUTPUT_PATH", "-"), // "-" is stdout

		KafkaBrokers:     sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic: sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "addresses"),
		KafkaSinkTopic:   sharedcfg.EnvOrDefault("KAFKA_SINK_TOPIC", "geocoded-addresses"),
		KafkaGroupID:     sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "geocode-stream"),

		AddressField: os.Getenv("ADDRESS_FIELD"),

		Geocoder:        sharedcfg.EnvOrDefault("GEOCODER", GeocoderGoogle),
		GoogleAPIKey:    os.Getenv("GOOGLE_API_KEY"),
		MapboxToken:     os.Getenv("MAPBOX_TOKEN"),
		GeocoderTimeout: geocoderTimeout,
		LookupTimeout:   lookupTimeout,

		CacheSize: cacheSize,
		RedisAddr: os.Getenv("REDIS_ADDR"),
		RedisTTL:  redisTTL,

		StatsTotal:        statsTotal,
		EstimateMode:      sharedcfg.EnvOrDefault("ESTIMATE_MODE", EstimateLinear),
		EstimateSmoothing: smoothing,
		ProgressInterval:  progressInterval,

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,
	}

	switch mode := sharedcfg.EnvOrDefault("ADDRESS_ERRORS", "fail"); mode {
	case "fail":
	case "record":
		cfg.AddressErrorsAsRecords = true
	default:
		return nil, fmt.Errorf("invalid ADDRESS_ERRORS %q: must be fail or record", mode)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Source {
	case TransportFile:
		if c.InputPath == "" {
			return errors.New("INPUT_PATH is required when SOURCE is file")
		}
		switch c.InputFormat {
		case "lines", "jsonl", "csv":
		default:
			return fmt.Errorf("invalid INPUT_FORMAT %q: must be lines, jsonl or csv", c.InputFormat)
		}
	case TransportKafka:
		if c.KafkaSourceTopic == "" {
			return errors.New("KAFKA_SOURCE_TOPIC is required")
		}
	default:
		return fmt.Errorf("invalid SOURCE %q: must be file or kafka", c.Source)
	}

	switch c.Sink {
	case TransportFile:
	case TransportKafka:
		if c.KafkaSinkTopic == "" {
			return errors.New("KAFKA_SINK_TOPIC is required")
		}
	default:
		return fmt.Errorf("invalid SINK %q: must be file or kafka", c.Sink)
	}

	if (c.Source == TransportKafka || c.Sink == TransportKafka) && len(c.KafkaBrokers) == 0 {
		return errors.New("KAFKA_BROKERS is required")
	}

	switch c.Geocoder {
	case GeocoderGoogle:
		if c.GoogleAPIKey == "" {
			return errors.New("GOOGLE_API_KEY is required when GEOCODER is google")
		}
	case GeocoderMapbox:
		if c.MapboxToken == "" {
			return errors.New("MAPBOX_TOKEN is required when GEOCODER is mapbox")
		}
	default:
		return fmt.Errorf("invalid GEOCODER %q: must be google or mapbox", c.Geocoder)
	}

	switch c.EstimateMode {
	case EstimateLinear, EstimateSmoothed:
	default:
		return fmt.Errorf("invalid ESTIMATE_MODE %q: must be linear or smoothed", c.EstimateMode)
	}
	return nil
}

// parseDuration reads a duration variable. Negative values are always
// rejected; zero only when allowZero is false.
func parseDuration(name, fallback string, allowZero bool) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(name, fallback))
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return d, nil
}
