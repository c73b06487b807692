// Package reconcile merges out-of-band provider status reports into durable
// task state exactly-once-effectively, and rolls sub-task states up into a
// per-project progress value. Both update channels — webhook push and poll
// pull — feed the same Engine, so arrival order and duplicate delivery are
// irrelevant by construction.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/internal/postgres"
	redisstore "github.com/adloom/go-adloom/internal/redis"
	"github.com/adloom/go-adloom/pkg/telemetry"
)

// Outcome classifies what applying a TaskUpdate did.
type Outcome string

const (
	// OutcomeApplied: the task transitioned pending → terminal.
	OutcomeApplied Outcome = "applied"
	// OutcomeAlreadyTerminal: benign idempotency absorption — a replay or
	// the losing side of a webhook/poll race. Never an error.
	OutcomeAlreadyTerminal Outcome = "already_terminal"
	// OutcomeUnknownTask: no task row matches the update. Updates never
	// create tasks; likely a stale or foreign event.
	OutcomeUnknownTask Outcome = "unknown_task"
	// OutcomeIgnored: the update was not terminal. Adapters shouldn't emit
	// these; the engine rejects rather than mutates if one slips through.
	OutcomeIgnored Outcome = "ignored"
)

// Triggers label which channel delivered an update, for logs and metrics.
const (
	TriggerWebhook = "webhook"
	TriggerPoll    = "poll"
)

// Engine applies normalized task updates and recomputes project rollups.
type Engine struct {
	tasks    postgres.TaskRepository
	projects postgres.ProjectRepository
	cache    redisstore.StatusCache // nil = disabled
	producer kafka.Producer         // nil = events disabled
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

func WithCache(c redisstore.StatusCache) Option { return func(e *Engine) { e.cache = c } }
func WithProducer(p kafka.Producer) Option      { return func(e *Engine) { e.producer = p } }
func WithLogger(l *slog.Logger) Option          { return func(e *Engine) { e.logger = l } }
func WithClock(now func() time.Time) Option     { return func(e *Engine) { e.now = now } }

// NewEngine constructs an Engine with the given stores and options.
func NewEngine(tasks postgres.TaskRepository, projects postgres.ProjectRepository, opts ...Option) *Engine {
	e := &Engine{
		tasks:    tasks,
		projects: projects,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply merges one TaskUpdate into the task's durable state. The store's
// conditional update ("complete only if still pending") is the single
// serialization point: two concurrent terminal reports for the same task
// yield exactly one OutcomeApplied and one OutcomeAlreadyTerminal.
//
// On OutcomeApplied and OutcomeAlreadyTerminal the project rollup is
// recomputed before returning; recomputing on a duplicate is what lets a
// rollup that failed on the first delivery converge on redelivery. A rollup
// failure does not roll back the task write (the update stands); it is
// returned alongside the outcome so callers log it and redeliver.
func (e *Engine) Apply(ctx context.Context, upd domain.TaskUpdate, trigger string) (Outcome, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.apply")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", upd.Provider),
		attribute.String("task.id", upd.TaskID),
		attribute.String("task.status", string(upd.Status)),
		attribute.String("trigger", trigger),
	)

	log := e.logger.With(
		slog.String("provider", upd.Provider),
		slog.String("task_id", upd.TaskID),
		slog.String("trigger", trigger),
	)

	// Only terminal reports are reconciled. A pending update is never
	// actionable; reject without touching the store.
	if !upd.Status.IsTerminal() {
		log.Warn("non-terminal update rejected", slog.String("status", string(upd.Status)))
		telemetry.ReconcileOutcomes.WithLabelValues(trigger, string(OutcomeIgnored)).Inc()
		return OutcomeIgnored, nil
	}

	completedAt := e.now()
	projectID, applied, err := e.tasks.Complete(ctx, upd, completedAt)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("update for unknown task dropped")
			telemetry.ReconcileOutcomes.WithLabelValues(trigger, string(OutcomeUnknownTask)).Inc()
			return OutcomeUnknownTask, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "store write failed")
		telemetry.ReconcileStoreFailures.Inc()
		// Task stays pending; next poll or webhook replay retries.
		return "", fmt.Errorf("complete task %s/%s: %w", upd.Provider, upd.TaskID, err)
	}
	if !applied {
		log.Debug("update absorbed, task already terminal")
		telemetry.ReconcileOutcomes.WithLabelValues(trigger, string(OutcomeAlreadyTerminal)).Inc()
		// A duplicate may be the redelivery of an update whose task write
		// landed but whose rollup write failed. Recompute is pure and
		// idempotent, so running it again is how the rollup converges.
		if _, err := e.Recompute(ctx, projectID); err != nil {
			span.RecordError(err)
			return OutcomeAlreadyTerminal, fmt.Errorf("recompute project %s: %w", projectID, err)
		}
		return OutcomeAlreadyTerminal, nil
	}

	log.Info("task completed",
		slog.String("project_id", projectID),
		slog.String("status", string(upd.Status)),
	)
	telemetry.ReconcileOutcomes.WithLabelValues(trigger, string(OutcomeApplied)).Inc()

	// Best-effort side cache refresh; Postgres stays the system of record.
	if e.cache != nil {
		if err := e.cache.SetStatus(ctx, upd.Provider, upd.TaskID, upd.Status); err != nil {
			log.Error("status cache update failed", slog.String("error", err.Error()))
		}
	}

	e.publishTaskCompleted(ctx, upd, projectID, completedAt, log)

	if _, err := e.Recompute(ctx, projectID); err != nil {
		span.RecordError(err)
		return OutcomeApplied, fmt.Errorf("recompute project %s: %w", projectID, err)
	}
	return OutcomeApplied, nil
}

func (e *Engine) publishTaskCompleted(ctx context.Context, upd domain.TaskUpdate, projectID string, completedAt time.Time, log *slog.Logger) {
	if e.producer == nil {
		return
	}
	event := domain.TaskCompletedEvent{
		Provider:     upd.Provider,
		TaskID:       upd.TaskID,
		ProjectID:    projectID,
		Status:       upd.Status,
		ResultURL:    upd.ResultURL,
		ErrorMessage: upd.ErrorMessage,
		CompletedAt:  completedAt,
	}
	payload, err := json.Marshal(event)
	if err != nil {
		log.Error("marshal task completed event", slog.String("error", err.Error()))
		return
	}
	if err := e.producer.Publish(ctx, kafka.TopicTaskCompleted, upd.TaskID, payload); err != nil {
		// Event loss is tolerable; the task row is authoritative.
		log.Error("publish task completed event", slog.String("error", err.Error()))
	}
}
