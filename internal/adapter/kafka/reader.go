package kafka

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/geocode-stream-service/internal/config"
	"github.com/couchcryptid/geocode-stream-service/internal/domain"
)

// Reader consumes address messages from a Kafka topic.
// It implements pipeline.Extractor. Offsets are committed explicitly through
// each item's Commit once its record has been loaded.
type Reader struct {
	reader *kafkago.Reader
	logger *slog.Logger
}

// NewReader creates a Kafka consumer for the configured source topic.
func NewReader(cfg *config.Config, logger *slog.Logger) *Reader {
	r := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  cfg.KafkaGroupID,
		Topic:    cfg.KafkaSourceTopic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return &Reader{reader: r, logger: logger}
}

// Extract blocks until the next message is available.
func (r *Reader) Extract(ctx context.Context) (domain.SourceItem, error) {
	msg, err := r.reader.FetchMessage(ctx)
	if err != nil {
		return domain.SourceItem{}, fmt.Errorf("fetch message: %w", err)
	}
	item := mapMessageToSourceItem(msg)
	item.Commit = func(ctx context.Context) error {
		return r.reader.CommitMessages(ctx, msg)
	}
	r.logger.Debug("message fetched", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
	return item, nil
}

// Close closes the underlying consumer.
func (r *Reader) Close() error {
	return r.reader.Close()
}

// mapMessageToSourceItem converts a Kafka message into a source item
// without a Commit function.
func mapMessageToSourceItem(msg kafkago.Message) domain.SourceItem {
	return domain.SourceItem{
		Value:     decodeValue(msg.Value),
		Key:       msg.Key,
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Timestamp: msg.Time,
	}
}

// decodeValue returns JSON objects as map[string]any and JSON strings as
// string. Any other payload is treated as a plain-text address.
func decodeValue(value []byte) any {
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '"') {
		var v any
		if err := json.Unmarshal(trimmed, &v); err == nil {
			return v
		}
	}
	return string(trimmed)
}
