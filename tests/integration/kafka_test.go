//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/kafka"
)

func TestKafka_PublishConsumeRoundTrip(t *testing.T) {
	const topic = "integration.project.completed"
	createTopic(t, topic)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() })

	event := domain.ProjectCompletedEvent{
		ProjectID:  "p-kafka-1",
		Status:     domain.ProjectCompleted,
		Progress:   100,
		ResultURLs: []string{"https://cdn.example/v.mp4"},
		OccurredAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	require.NoError(t, producer.Publish(context.Background(), topic, event.ProjectID, payload))

	consumer := kafka.NewConsumer(testKafkaBrokers, topic, "integration-test", slog.Default())
	t.Cleanup(func() { consumer.Close() })

	received := make(chan domain.ProjectCompletedEvent, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	go func() {
		_ = consumer.Subscribe(ctx, func(_ context.Context, msg kafka.Message) error {
			var got domain.ProjectCompletedEvent
			if err := json.Unmarshal(msg.Value, &got); err != nil {
				return err
			}
			received <- got
			cancel()
			return nil
		})
	}()

	select {
	case got := <-received:
		assert.Equal(t, event.ProjectID, got.ProjectID)
		assert.Equal(t, domain.ProjectCompleted, got.Status)
		assert.Equal(t, event.ResultURLs, got.ResultURLs)
	case <-ctx.Done():
		t.Fatal("timed out waiting for the event")
	}
}
