package enforcement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/logger"
)

// DirectiveKind says what a directive does.
type DirectiveKind string

const (
	DirectiveBlock    DirectiveKind = "block"
	DirectiveThrottle DirectiveKind = "throttle"
	DirectiveUnblock  DirectiveKind = "unblock"
)

// Directive is the wire form of an enforcement decision shared between instances.
type Directive struct {
	Kind      DirectiveKind        `json:"kind"`
	Subject   string               `json:"subject"`
	Level     models.ThrottleLevel `json:"level,omitempty"`
	Reason    string               `json:"reason,omitempty"`
	ExpiresAt time.Time            `json:"expires_at"`
	IssuedAt  time.Time            `json:"issued_at"`
	Origin    string               `json:"origin"`
}

// Validate checks the fields every directive needs.
func (d Directive) Validate() error {
	switch d.Kind {
	case DirectiveBlock, DirectiveThrottle, DirectiveUnblock:
	default:
		return fmt.Errorf("unknown directive kind %q", d.Kind)
	}
	if d.Subject == "" {
		return fmt.Errorf("directive has no subject")
	}
	if d.ExpiresAt.IsZero() {
		return fmt.Errorf("directive has no expiry")
	}
	if d.Kind == DirectiveThrottle && d.Level == models.ThrottleNone {
		return fmt.Errorf("throttle directive has no level")
	}
	return nil
}

// KafkaDirectivePublisher writes directives to the directive topic, keyed by subject so one subject's
// directives stay ordered within a partition.
type KafkaDirectivePublisher struct {
	writer *kafka.Writer
	logger logger.Logger
}

// NewKafkaDirectivePublisher creates a publisher for cfg.DirectiveTopic.
func NewKafkaDirectivePublisher(cfg config.KafkaConfig, log logger.Logger) *KafkaDirectivePublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DirectiveTopic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireOne,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
	}
	return &KafkaDirectivePublisher{
		writer: writer,
		logger: log.WithComponent("DirectivePublisher"),
	}
}

// PublishDirective encodes d and writes it.
func (p *KafkaDirectivePublisher) PublishDirective(ctx context.Context, d Directive) error {
	value, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to marshal directive: %w", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(d.Subject), Value: value}); err != nil {
		return fmt.Errorf("failed to write directive to kafka: %w", err)
	}
	p.logger.Debug(ctx, "directive published",
		logger.String("kind", string(d.Kind)),
		logger.String("subject", d.Subject))
	return nil
}

// Close closes the underlying Kafka writer.
func (p *KafkaDirectivePublisher) Close() error {
	return p.writer.Close()
}
