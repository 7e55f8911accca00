//go:build integration

package consumers

import (
	"context"
	"net"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/paygate/internal/config"
	"github.com/turtacn/paygate/internal/domain/models"
	"github.com/turtacn/paygate/internal/infrastructure/enforcement"
	"github.com/turtacn/paygate/pkg/logger"
)

const kafkaBroker = "localhost:9092"

type chanApplier struct {
	seen chan enforcement.Directive
}

func (a *chanApplier) Apply(_ context.Context, d enforcement.Directive) { a.seen <- d }

// startKafka runs a single-node KRaft broker advertised on localhost:9092 and creates topic.
func startKafka(t *testing.T, topic string) {
	t.Helper()
	if os.Getenv("SKIP_DOCKER_TESTS") == "true" {
		t.Skip("Skipping Docker-dependent tests")
	}
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "apache/kafka",
		Tag:        "3.7.0",
		PortBindings: map[docker.Port][]docker.PortBinding{
			"9092/tcp": {{HostPort: "9092"}},
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	require.NoError(t, pool.Retry(func() error {
		conn, err := kafka.Dial("tcp", kafkaBroker)
		if err != nil {
			return err
		}
		defer conn.Close()
		controller, err := conn.Controller()
		if err != nil {
			return err
		}
		cc, err := kafka.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
		if err != nil {
			return err
		}
		defer cc.Close()
		return cc.CreateTopics(kafka.TopicConfig{Topic: topic, NumPartitions: 1, ReplicationFactor: 1})
	}))
}

func TestDirectiveRoundTrip_Integration(t *testing.T) {
	cfg := config.KafkaConfig{
		Enabled:        true,
		Brokers:        []string{kafkaBroker},
		DirectiveTopic: "paygate-directives-it",
		GroupID:        "paygate-it",
		BatchSize:      1,
		BatchTimeout:   10 * time.Millisecond,
		WriteTimeout:   10 * time.Second,
	}
	startKafka(t, cfg.DirectiveTopic)

	publisher := enforcement.NewKafkaDirectivePublisher(cfg, logger.NewNoopLogger())
	defer publisher.Close()

	applier := &chanApplier{seen: make(chan enforcement.Directive, 4)}
	consumer := NewBlockDirectiveConsumer(cfg, applier, "instance-b", logger.NewNoopLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- consumer.Run(ctx) }()

	now := time.Now().UTC().Truncate(time.Second)
	own := enforcement.Directive{Kind: enforcement.DirectiveBlock, Subject: "ip:198.51.100.1", ExpiresAt: now.Add(time.Hour), IssuedAt: now, Origin: "instance-b"}
	peer := enforcement.Directive{Kind: enforcement.DirectiveThrottle, Subject: "client:acme", Level: models.ThrottleModerate, ExpiresAt: now.Add(time.Hour), IssuedAt: now, Origin: "instance-a"}
	require.NoError(t, publisher.PublishDirective(context.Background(), own))
	require.NoError(t, publisher.PublishDirective(context.Background(), peer))

	select {
	case got := <-applier.seen:
		assert.Equal(t, peer.Subject, got.Subject, "directives from the consumer's own instance are skipped")
		assert.Equal(t, models.ThrottleModerate, got.Level)
		assert.True(t, peer.ExpiresAt.Equal(got.ExpiresAt))
	case <-time.After(30 * time.Second):
		t.Fatal("directive was not consumed")
	}

	cancel()
	assert.NoError(t, <-done)
}
