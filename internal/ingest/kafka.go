package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/mattjoyce/critvals/internal/alert"
)

const (
	kafkaRetryBackoff    = 500 * time.Millisecond
	kafkaMaxRetryBackoff = 30 * time.Second
)

// KafkaConfig selects the topic and consumer group to read results from.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	MaxWait time.Duration
}

// KafkaReader is the subset of *kafka.Reader the source uses.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes JSON lab results from a Kafka topic as part of a
// consumer group. A message's offset is committed once every result in it
// was stored or rejected as invalid. Malformed payloads are committed and
// skipped. Any other handler failure is retried in place, so a result is
// never committed past without being stored.
type KafkaSource struct {
	reader       KafkaReader
	topic        string
	logger       *slog.Logger
	retryBackoff time.Duration
}

func NewKafkaSource(cfg KafkaConfig, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "critvals"
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  cfg.MaxWait,
	})
	return NewKafkaSourceWithReader(reader, cfg.Topic, logger), nil
}

func NewKafkaSourceWithReader(reader KafkaReader, topic string, logger *slog.Logger) *KafkaSource {
	return &KafkaSource{
		reader:       reader,
		topic:        topic,
		logger:       logger.With("component", "ingest.kafka", "topic", topic),
		retryBackoff: kafkaRetryBackoff,
	}
}

func (k *KafkaSource) Name() string { return "kafka:" + k.topic }

func (k *KafkaSource) Run(ctx context.Context, h Handler) error {
	defer func() {
		if err := k.reader.Close(); err != nil {
			k.logger.Warn("close kafka reader", "error", err)
		}
	}()

	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := k.handle(ctx, msg, h); err != nil {
			// cancelled mid-retry; the uncommitted message is redelivered
			return nil
		}

		if err := k.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
		}
	}
}

func (k *KafkaSource) handle(ctx context.Context, msg kafka.Message, h Handler) error {
	results, err := Decode(msg.Value, "kafka")
	if err != nil {
		k.logger.Warn("skipping malformed message",
			"partition", msg.Partition, "offset", msg.Offset, "key", string(msg.Key), "error", err)
		return nil
	}

	backoff := k.retryBackoff
	for pending := results; ; {
		pending = k.deliver(ctx, msg, pending, h)
		if len(pending) == 0 {
			return nil
		}
		k.logger.Warn("holding offset until results are stored",
			"partition", msg.Partition, "offset", msg.Offset, "pending", len(pending), "retry_in", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, kafkaMaxRetryBackoff)
	}
}

// deliver returns the results that failed for a reason other than being
// invalid.
func (k *KafkaSource) deliver(ctx context.Context, msg kafka.Message, results []alert.LabResult, h Handler) []alert.LabResult {
	var failed []alert.LabResult
	for _, r := range results {
		err := h(ctx, r)
		switch {
		case err == nil:
		case errors.Is(err, alert.ErrInvalidResult):
			k.logger.Error("lab result rejected",
				"partition", msg.Partition, "offset", msg.Offset,
				"patient_id", r.PatientID, "test", r.Test, "error", err)
		default:
			k.logger.Error("lab result not stored",
				"partition", msg.Partition, "offset", msg.Offset,
				"patient_id", r.PatientID, "test", r.Test, "error", err)
			failed = append(failed, r)
		}
	}
	return failed
}
