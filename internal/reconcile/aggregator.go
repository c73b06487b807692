package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/pkg/telemetry"
)

// Rollup is the project-level aggregate derived from its tasks.
type Rollup struct {
	Total      int
	Done       int
	Succeeded  int
	Progress   int
	Status     domain.ProjectStatus
	ResultURLs []string
}

// ComputeRollup derives the rollup from a task set. Pure function: it
// reads only its argument, so redundant recomputes always converge.
// Tasks must be in creation order (the store guarantees it); ResultURLs
// preserves that order.
func ComputeRollup(tasks []*domain.GenerationTask) Rollup {
	r := Rollup{Total: len(tasks), ResultURLs: []string{}}
	for _, t := range tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		r.Done++
		if t.Status == domain.StatusSuccess {
			r.Succeeded++
			if t.ResultURL != "" {
				r.ResultURLs = append(r.ResultURLs, t.ResultURL)
			}
		}
	}

	if r.Total == 0 {
		// A project with no tasks yet reads as still generating, not
		// vacuously failed.
		r.Status = domain.ProjectGenerating
		return r
	}

	r.Progress = int(math.Round(100 * float64(r.Done) / float64(r.Total)))
	switch {
	case r.Done < r.Total:
		r.Status = domain.ProjectGenerating
	case r.Succeeded > 0:
		r.Status = domain.ProjectCompleted
	default:
		r.Status = domain.ProjectFailed
	}
	return r
}

// Recompute rereads the project's tasks, derives the rollup, and persists
// it. Never incremental: duplicate triggers (webhook and poll completing
// around the same time) converge to the same correct rollup regardless of
// order or count. When the rollup lands terminal, a project-completed
// event is published at-least-once; consumers dedup.
func (e *Engine) Recompute(ctx context.Context, projectID string) (Rollup, error) {
	ctx, span := otel.Tracer("reconcile").Start(ctx, "reconcile.recompute")
	defer span.End()
	span.SetAttributes(attribute.String("project.id", projectID))

	tasks, err := e.tasks.ListByProject(ctx, projectID)
	if err != nil {
		return Rollup{}, fmt.Errorf("list tasks: %w", err)
	}

	rollup := ComputeRollup(tasks)
	span.SetAttributes(
		attribute.Int("rollup.progress", rollup.Progress),
		attribute.String("rollup.status", string(rollup.Status)),
	)

	if err := e.projects.UpdateRollup(ctx, projectID, rollup.Progress, rollup.Status, rollup.ResultURLs); err != nil {
		return Rollup{}, fmt.Errorf("persist rollup: %w", err)
	}
	telemetry.ProjectRollups.WithLabelValues(string(rollup.Status)).Inc()

	e.logger.Debug("project rollup recomputed",
		slog.String("project_id", projectID),
		slog.Int("progress", rollup.Progress),
		slog.String("status", string(rollup.Status)),
	)

	if rollup.Status != domain.ProjectGenerating {
		e.publishProjectCompleted(ctx, projectID, rollup)
	}
	return rollup, nil
}

func (e *Engine) publishProjectCompleted(ctx context.Context, projectID string, rollup Rollup) {
	if e.producer == nil {
		return
	}
	event := domain.ProjectCompletedEvent{
		ProjectID:  projectID,
		Status:     rollup.Status,
		Progress:   rollup.Progress,
		ResultURLs: rollup.ResultURLs,
		OccurredAt: e.now(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		e.logger.Error("marshal project completed event", slog.String("error", err.Error()))
		return
	}
	if err := e.producer.Publish(ctx, kafka.TopicProjectCompleted, projectID, payload); err != nil {
		e.logger.Error("publish project completed event",
			slog.String("project_id", projectID),
			slog.String("error", err.Error()),
		)
	}
}
