package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/pkg/logger"
)

func sampleEvent() *models.AuditEvent {
	return models.NewAuditEvent(models.AuditSecurityEvent, models.SeverityHigh, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)).
		WithActor("merchant-1", "203.0.113.9").
		WithAction("POST /api/v1/payments", "request", "blocked").
		WithDetail("failed_step", "signature").
		WithDetail("status", 401)
}

func TestSigner_SignVerify(t *testing.T) {
	signer, err := NewSigner("audit-key")
	require.NoError(t, err)

	event := sampleEvent()
	require.NoError(t, signer.Sign(event))
	assert.NotEmpty(t, event.Signature)
	assert.True(t, signer.Verify(event))

	tampered := *event
	tampered.Outcome = "allowed"
	assert.False(t, signer.Verify(&tampered))

	other, err := NewSigner("other-key")
	require.NoError(t, err)
	assert.False(t, other.Verify(event))

	event.Signature = "not base64!"
	assert.False(t, signer.Verify(event))

	_, err = NewSigner("")
	assert.Error(t, err)
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaExporter(t *testing.T) {
	w := &fakeWriter{}
	exporter := NewKafkaExporter(w, logger.NewNoopLogger())

	a, b := sampleEvent(), sampleEvent()
	require.NoError(t, exporter.Export(context.Background(), []*models.AuditEvent{a, b}))
	require.Len(t, w.msgs, 2)
	assert.Equal(t, a.AuditID, string(w.msgs[0].Key))

	var decoded models.AuditEvent
	require.NoError(t, json.Unmarshal(w.msgs[1].Value, &decoded))
	assert.Equal(t, b.AuditID, decoded.AuditID)
	assert.Equal(t, models.SeverityHigh, decoded.Severity)

	assert.NoError(t, exporter.Export(context.Background(), nil))

	w.err = errors.New("broker down")
	assert.Error(t, exporter.Export(context.Background(), []*models.AuditEvent{a}))
}
