//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/reconcile"
	redisstore "github.com/adloom/go-adloom/internal/redis"
)

// TestE2E_ReconcileLifecycle drives the full path: two registered tasks,
// one webhook report and one poll report, project rollup after each, and
// a completion event on Kafka once everything is terminal.
func TestE2E_ReconcileLifecycle(t *testing.T) {
	ctx := context.Background()
	createTopic(t, kafka.TopicTaskCompleted)
	createTopic(t, kafka.TopicProjectCompleted)

	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE generation_tasks, projects CASCADE") //nolint:errcheck
		pool.Close()
	})
	tasks := postgres.NewTaskRepository(pool)
	projects := postgres.NewProjectRepository(pool)

	redisClient := redisstore.NewClient(testRedisAddr)
	t.Cleanup(func() { redisClient.Close() })
	cache := redisstore.NewStatusCache(redisClient)

	producer := kafka.NewProducer(testKafkaBrokers)
	t.Cleanup(func() { producer.Close() })

	engine := reconcile.NewEngine(tasks, projects,
		reconcile.WithCache(cache),
		reconcile.WithProducer(producer),
		reconcile.WithLogger(slog.Default()),
	)

	// Seed one project with two tasks.
	now := time.Now().UTC()
	project := &domain.Project{
		ID:               uuid.New().String(),
		Title:            "e2e project",
		OwnerEmail:       "owner@example.com",
		GenerationStatus: domain.ProjectGenerating,
		ResultURLs:       []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, projects.Create(ctx, project))
	for _, id := range []string{"e2e-1", "e2e-2"} {
		require.NoError(t, tasks.Create(ctx, &domain.GenerationTask{
			Provider:       "arkstream",
			ProviderTaskID: id,
			ProjectID:      project.ID,
			Status:         domain.StatusPending,
			CreatedAt:      now,
		}))
	}

	// Webhook reports the first task.
	outcome, err := engine.Apply(ctx, domain.TaskUpdate{
		Provider: "arkstream", TaskID: "e2e-1",
		Status: domain.StatusSuccess, ResultURL: "https://cdn.example/e2e-1.mp4",
	}, reconcile.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)

	mid, err := projects.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, mid.GenerationProgress)
	assert.Equal(t, domain.ProjectGenerating, mid.GenerationStatus)

	// The status cache was refreshed on apply.
	status, err := cache.GetStatus(ctx, "arkstream", "e2e-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSuccess, status)

	// The poll path reports the second task.
	outcome, err = engine.Apply(ctx, domain.TaskUpdate{
		Provider: "arkstream", TaskID: "e2e-2",
		Status: domain.StatusFail, ErrorMessage: "render crashed",
	}, reconcile.TriggerPoll)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeApplied, outcome)

	final, err := projects.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, final.GenerationProgress)
	assert.Equal(t, domain.ProjectCompleted, final.GenerationStatus, "one success is enough")
	assert.Equal(t, []string{"https://cdn.example/e2e-1.mp4"}, final.ResultURLs)

	// A duplicate webhook after the poll already won is absorbed.
	outcome, err = engine.Apply(ctx, domain.TaskUpdate{
		Provider: "arkstream", TaskID: "e2e-2",
		Status: domain.StatusSuccess, ResultURL: "https://cdn.example/late.mp4",
	}, reconcile.TriggerWebhook)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeAlreadyTerminal, outcome)

	// The duplicate still recomputes the rollup, but from persisted task
	// state, so its late payload never shows up.
	afterDup, err := projects.Get(ctx, project.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, afterDup.GenerationProgress)
	assert.Equal(t, final.ResultURLs, afterDup.ResultURLs)

	// The completion event made it to Kafka.
	consumer := kafka.NewConsumer(testKafkaBrokers, kafka.TopicProjectCompleted, "e2e-test", slog.Default())
	t.Cleanup(func() { consumer.Close() })

	received := make(chan domain.ProjectCompletedEvent, 1)
	consumeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	go func() {
		_ = consumer.Subscribe(consumeCtx, func(_ context.Context, msg kafka.Message) error {
			var event domain.ProjectCompletedEvent
			if err := json.Unmarshal(msg.Value, &event); err != nil {
				return err
			}
			if event.ProjectID == project.ID {
				received <- event
				cancel()
			}
			return nil
		})
	}()

	select {
	case event := <-received:
		assert.Equal(t, domain.ProjectCompleted, event.Status)
		assert.Equal(t, 100, event.Progress)
	case <-consumeCtx.Done():
		t.Fatal("timed out waiting for the project completion event")
	}
}
