package consumers

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turtacn/paygate/internal/infrastructure/enforcement"
	"github.com/turtacn/paygate/pkg/logger"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.messages:
		return m, nil
	}
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type recordingApplier struct {
	mu      sync.Mutex
	applied []enforcement.Directive
}

func (a *recordingApplier) Apply(_ context.Context, d enforcement.Directive) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, d)
}

func (a *recordingApplier) subjects() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []string
	for _, d := range a.applied {
		out = append(out, d.Subject)
	}
	return out
}

func message(t *testing.T, offset int64, d enforcement.Directive) kafka.Message {
	t.Helper()
	value, err := json.Marshal(d)
	require.NoError(t, err)
	return kafka.Message{Offset: offset, Value: value}
}

func TestBlockDirectiveConsumer_Run(t *testing.T) {
	exp := time.Now().Add(time.Hour)
	reader := &fakeReader{messages: make(chan kafka.Message, 8)}
	reader.messages <- message(t, 1, enforcement.Directive{Kind: enforcement.DirectiveBlock, Subject: "peer-blocked", ExpiresAt: exp, Origin: "gw-2"})
	reader.messages <- message(t, 2, enforcement.Directive{Kind: enforcement.DirectiveBlock, Subject: "own", ExpiresAt: exp, Origin: "gw-1"})
	reader.messages <- kafka.Message{Offset: 3, Value: []byte("{not json")}
	reader.messages <- message(t, 4, enforcement.Directive{Kind: "nuke", Subject: "x", ExpiresAt: exp, Origin: "gw-2"})

	applier := &recordingApplier{}
	consumer := NewBlockDirectiveConsumerWithReader(reader, applier, "gw-1", logger.NewNoopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	require.Eventually(t, func() bool { return len(reader.commits()) == 4 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{"peer-blocked"}, applier.subjects(), "own and malformed directives are not applied")
	assert.Equal(t, []int64{1, 2, 3, 4}, reader.commits(), "poison messages are committed")
	assert.True(t, reader.closed)
}
