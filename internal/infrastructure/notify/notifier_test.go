package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/domain/service/mocks"
	"github.com/turtacn/paygate/pkg/logger"
)

type captureWriter struct {
	msgs []kafka.Message
}

func (w *captureWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func TestKafkaNotifier(t *testing.T) {
	w := &captureWriter{}
	alert := models.NewAlert(models.SeverityCritical, "threat_detector", "DoS", "500 req/min", "acme", time.Now())
	require.NoError(t, NewKafkaNotifier(w).Notify(context.Background(), alert))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "acme", string(w.msgs[0].Key))
	var decoded models.Alert
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, alert.ID, decoded.ID)
	assert.Equal(t, models.SeverityCritical, decoded.Severity)
}

func TestMulti_JoinsErrors(t *testing.T) {
	alert := models.NewAlert(models.SeverityHigh, "policy_engine", "t", "m", "", time.Now())
	failing := new(mocks.MockNotifier)
	failing.On("Notify", mock.Anything, alert).Return(errors.New("hub down"))
	ok := new(mocks.MockNotifier)
	ok.On("Notify", mock.Anything, alert).Return(nil)

	err := Multi{failing, NewLogNotifier(logger.NewNoopLogger()), ok}.Notify(context.Background(), alert)
	assert.ErrorContains(t, err, "hub down")
	failing.AssertExpectations(t)
	ok.AssertExpectations(t)
}
