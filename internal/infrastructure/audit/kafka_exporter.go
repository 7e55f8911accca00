package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var _ service.AuditExporter = (*KafkaExporter)(nil)

// MessageWriter is the part of *kafka.Writer the exporters use.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a writer for topic with the shared Kafka settings.
func NewKafkaWriter(cfg config.KafkaConfig, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
}

// KafkaExporter ships signed audit events to the audit topic, one message per event keyed by audit ID.
type KafkaExporter struct {
	writer MessageWriter
	logger logger.Logger
}

// NewKafkaExporter creates an exporter over writer.
func NewKafkaExporter(writer MessageWriter, log logger.Logger) *KafkaExporter {
	return &KafkaExporter{writer: writer, logger: log.WithComponent("AuditKafkaExporter")}
}

// Export writes the batch. The pipeline retries the whole batch on error; consumers dedupe by key.
func (p *KafkaExporter) Export(ctx context.Context, events []*models.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			p.logger.Error(ctx, "failed to marshal audit event", err, logger.String("audit_id", e.AuditID))
			return fmt.Errorf("failed to marshal audit event %s: %w", e.AuditID, err)
		}
		msgs = append(msgs, kafka.Message{Key: []byte(e.AuditID), Value: value})
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.logger.Error(ctx, "failed to write audit events to kafka", err, logger.Int("count", len(msgs)))
		return err
	}
	return nil
}

// Close closes the underlying Kafka writer.
func (p *KafkaExporter) Close() error {
	return p.writer.Close()
}
