// Package messaging publishes terminal verification results onto Kafka so
// alerting and dashboards can follow the pipeline without polling the
// result table.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wyfcoding/marketverify/internal/verification/domain"
	"github.com/wyfcoding/marketverify/pkg/logger"
)

// Config for the result publisher.
type Config struct {
	Brokers      []string
	Topic        string
	MaxRetries   int
	RetryBackoff time.Duration
}

// KafkaResultPublisher implements domain.ResultPublisher.
type KafkaResultPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaResultPublisher(cfg Config) *KafkaResultPublisher {
	if cfg.Topic == "" {
		cfg.Topic = "verify.results"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 100 * time.Millisecond
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
		RequiredAcks:           kafka.RequireOne,
		MaxAttempts:            cfg.MaxRetries,
		WriteBackoffMin:        cfg.RetryBackoff,
		WriteBackoffMax:        cfg.RetryBackoff * 10,
	}
	return &KafkaResultPublisher{writer: writer, topic: cfg.Topic}
}

type resultEvent struct {
	TaskID     string `json:"task_id"`
	Symbol     string `json:"symbol"`
	Minute     string `json:"minute"`
	Status     string `json:"status"`
	Confidence string `json:"confidence"`
	PriceMatch bool   `json:"price_match"`
	VolumeGap  string `json:"volume_gap"`
	LocalVol   string `json:"local_volume"`
	AuthVol    string `json:"auth_volume"`
	Message    string `json:"message,omitempty"`
	DecidedAt  string `json:"decided_at"`
}

// Publish sends one event keyed by symbol so per-symbol ordering holds for
// consumers. Callers treat failures as best-effort.
func (p *KafkaResultPublisher) Publish(ctx context.Context, result *domain.VerificationResult) error {
	event := resultEvent{
		TaskID:     result.TaskID,
		Symbol:     result.Key.Symbol,
		Minute:     result.Key.Minute.Format(time.RFC3339),
		Status:     result.Status.String(),
		Confidence: result.Confidence.String(),
		PriceMatch: result.PriceMatch,
		VolumeGap:  result.VolumeGap.String(),
		LocalVol:   result.LocalVol.String(),
		AuthVol:    result.AuthVol.String(),
		Message:    result.Message,
		DecidedAt:  result.DecidedAt.Format(time.RFC3339),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal result event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(result.Key.Symbol),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to publish result event: %w", err)
	}

	logger.Debug(ctx, "result event published",
		"topic", p.topic, "symbol", result.Key.Symbol, "status", result.Status.String())
	return nil
}

// Close flushes and closes the writer.
func (p *KafkaResultPublisher) Close() error {
	return p.writer.Close()
}
