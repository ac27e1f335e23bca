// Package events delivers baseline change events to the observability
// pipeline. Events are read from the transactional outbox and only ever
// published after the activation that produced them has committed.
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/canonical"
	"github.com/The-social-drink-company/sentia-ai-manufacturing-app-sub020/internal/models"
)

type Publisher interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
	Close() error
}

// PartitionKey groups events of one scope so the broker keeps them in order.
func PartitionKey(ev models.ChangeEvent) string {
	return string(ev.Type) + "|" + ev.Scope.Key()
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	// MaxAttempts defaults to 3.
	MaxAttempts int
	// WriteTimeout bounds each attempt; defaults to 5s.
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaPublisher struct {
	writer       messageWriter
	maxAttempts  int
	writeTimeout time.Duration
	backoff      time.Duration
}

func NewKafkaPublisher(cfg KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireAll,
	}
	return newKafkaPublisher(w, cfg), nil
}

func newKafkaPublisher(w messageWriter, cfg KafkaConfig) *KafkaPublisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &KafkaPublisher{
		writer:       w,
		maxAttempts:  cfg.MaxAttempts,
		writeTimeout: cfg.WriteTimeout,
		backoff:      100 * time.Millisecond,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	value, err := canonical.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode change event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(PartitionKey(ev)),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event-id", Value: []byte(ev.ID.String())},
			{Key: "model-type", Value: []byte(ev.Type)},
		},
	}

	backoff := p.backoff
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, p.writeTimeout)
		err := p.writer.WriteMessages(attemptCtx, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == p.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish change event %s: %w", ev.ID, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("publish change event %s failed after %d attempts: %w", ev.ID, p.maxAttempts, lastErr)
}

func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// LogPublisher writes change events to the process log. It stands in for the
// broker when none is configured.
type LogPublisher struct {
	logger *zap.Logger
}

func NewLogPublisher(logger *zap.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, ev models.ChangeEvent) error {
	fields := []zap.Field{
		zap.String("event_id", ev.ID.String()),
		zap.String("type", string(ev.Type)),
		zap.String("scope", ev.Scope.Key()),
		zap.String("new_artifact_id", ev.NewArtifactID.String()),
		zap.String("new_baseline_id", ev.NewBaselineID.String()),
		zap.Time("occurred_at", ev.OccurredAt),
	}
	if ev.PreviousArtifactID != nil {
		fields = append(fields, zap.String("previous_artifact_id", ev.PreviousArtifactID.String()))
	}
	p.logger.Info("baseline change", fields...)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
