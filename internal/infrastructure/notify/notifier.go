// Package notify delivers security alerts to the team.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service"
	"github.com/turtacn/paygate/pkg/logger"
)

var (
	_ service.Notifier = (*LogNotifier)(nil)
	_ service.Notifier = (*KafkaNotifier)(nil)
	_ service.Notifier = Multi(nil)
)

// LogNotifier writes alerts to the structured log.
type LogNotifier struct {
	logger logger.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("AlertNotifier")}
}

func (n *LogNotifier) Notify(ctx context.Context, alert models.Alert) error {
	fields := []logger.Field{
		logger.String("alert_id", alert.ID),
		logger.String("severity", alert.Severity.String()),
		logger.String("source", alert.Source),
		logger.String("client_id", alert.ClientID),
		logger.String("message", alert.Message),
	}
	if alert.Severity >= models.SeverityHigh {
		n.logger.Warn(ctx, alert.Title, fields...)
	} else {
		n.logger.Info(ctx, alert.Title, fields...)
	}
	return nil
}

// Writer is the part of *kafka.Writer the notifier uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaNotifier publishes alerts to the alert topic for the notification hub.
type KafkaNotifier struct {
	writer Writer
}

// NewKafkaNotifier creates a notifier over writer.
func NewKafkaNotifier(writer Writer) *KafkaNotifier {
	return &KafkaNotifier{writer: writer}
}

func (n *KafkaNotifier) Notify(ctx context.Context, alert models.Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return n.writer.WriteMessages(ctx, kafka.Message{Key: []byte(alert.ClientID), Value: value})
}

// Multi fans an alert out to every notifier and joins their errors.
type Multi []service.Notifier

func (m Multi) Notify(ctx context.Context, alert models.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
