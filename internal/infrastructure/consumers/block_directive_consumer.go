// Package consumers contains Kafka consumers for background processing tasks.
package consumers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/infrastructure/enforcement"
	"github.com/turtacn/paygate/pkg/logger"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DirectiveApplier installs a directive locally.
type DirectiveApplier interface {
	Apply(ctx context.Context, d enforcement.Directive)
}

// BlockDirectiveConsumer listens for block and throttle directives published by other instances and
// applies them to the local enforcer. Every instance reads with its own group so each sees every directive.
type BlockDirectiveConsumer struct {
	reader     MessageReader
	applier    DirectiveApplier
	instanceID string
	logger     logger.Logger
}

// NewBlockDirectiveConsumer creates a consumer reading cfg.DirectiveTopic.
func NewBlockDirectiveConsumer(cfg config.KafkaConfig, applier DirectiveApplier, instanceID string, log logger.Logger) *BlockDirectiveConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.DirectiveTopic,
		GroupID:        cfg.GroupID + "-directives-" + instanceID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		CommitInterval: time.Second,
	})
	return NewBlockDirectiveConsumerWithReader(reader, applier, instanceID, log)
}

// NewBlockDirectiveConsumerWithReader creates a consumer over an existing reader.
func NewBlockDirectiveConsumerWithReader(reader MessageReader, applier DirectiveApplier, instanceID string, log logger.Logger) *BlockDirectiveConsumer {
	return &BlockDirectiveConsumer{
		reader:     reader,
		applier:    applier,
		instanceID: instanceID,
		logger:     log.WithComponent("BlockDirectiveConsumer"),
	}
}

// Run consumes until ctx is done. It blocks and should run in its own goroutine.
func (c *BlockDirectiveConsumer) Run(ctx context.Context) error {
	c.logger.Info(ctx, "starting block directive consumer")
	defer func() {
		if err := c.reader.Close(); err != nil {
			c.logger.Error(context.Background(), "failed to close kafka reader", err)
		}
	}()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info(context.Background(), "stopping block directive consumer")
				return nil
			}
			c.logger.Error(ctx, "failed to fetch message from kafka", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}
		c.handle(ctx, msg)
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error(ctx, "failed to commit directive", err)
		}
	}
}

// handle applies one message. Malformed messages are logged and committed so they are not redelivered.
func (c *BlockDirectiveConsumer) handle(ctx context.Context, msg kafka.Message) {
	var d enforcement.Directive
	if err := json.Unmarshal(msg.Value, &d); err != nil {
		c.logger.Error(ctx, "failed to unmarshal directive", err, logger.Int64("offset", msg.Offset))
		return
	}
	if err := d.Validate(); err != nil {
		c.logger.Warn(ctx, "dropping invalid directive", logger.Err(err), logger.Int64("offset", msg.Offset))
		return
	}
	if d.Origin == c.instanceID {
		return
	}
	c.logger.Debug(ctx, "applying directive from peer",
		logger.String("kind", string(d.Kind)),
		logger.String("subject", d.Subject),
		logger.String("origin", d.Origin))
	c.applier.Apply(ctx, d)
}
