package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/geocode-stream-service/internal/config"
	"github.com/couchcryptid/geocode-stream-service/internal/domain"
)

// Writer produces geocoded records to a Kafka topic.
// It implements pipeline.Loader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		// Records are written one at a time; don't wait for a batch to fill.
		BatchSize: 1,
	}
	return &Writer{writer: w, logger: logger}
}

// Load serializes and publishes a single record to the sink topic.
func (w *Writer) Load(ctx context.Context, rec domain.Record) error {
	msg, err := serializeToMessage(rec)
	if err != nil {
		return err
	}
	return w.writer.WriteMessages(ctx, msg)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

// serializeToMessage marshals a Record into a Kafka message keyed by address,
// so repeated lookups of one address land on the same partition.
func serializeToMessage(rec domain.Record) (kafkago.Message, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize record: %w", err)
	}
	status := "ok"
	if rec.Failed() {
		status = "error"
	}
	return kafkago.Message{
		Key:   []byte(rec.Address),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(status)},
			{Key: "current", Value: []byte(strconv.FormatInt(rec.Current, 10))},
		},
	}, nil
}
