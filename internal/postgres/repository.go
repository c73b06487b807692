package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adloom/go-adloom/internal/domain"
)

// Cursor marks a position in the pending-task keyset scan. The zero value
// starts from the beginning.
type Cursor struct {
	CreatedAt time.Time
	TaskID    string
}

// TaskRepository abstracts all database access for generation tasks.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.GenerationTask) error
	Get(ctx context.Context, provider, taskID string) (*domain.GenerationTask, error)
	// Complete atomically applies a terminal update to a still-pending task.
	// applied is false when the task was already terminal; a missing task
	// returns TaskNotFoundError. projectID is the owning project whether or
	// not the write applied, so callers can recompute the rollup either way.
	Complete(ctx context.Context, upd domain.TaskUpdate, completedAt time.Time) (projectID string, applied bool, err error)
	// ListPendingBefore returns up to limit pending tasks created before
	// cutoff, in (created_at, provider_task_id) order, starting after cur.
	ListPendingBefore(ctx context.Context, cutoff time.Time, cur Cursor, limit int) ([]*domain.GenerationTask, error)
	ListByProject(ctx context.Context, projectID string) ([]*domain.GenerationTask, error)
}

// ProjectRepository abstracts database access for project records.
type ProjectRepository interface {
	Create(ctx context.Context, p *domain.Project) error
	Get(ctx context.Context, id string) (*domain.Project, error)
	// UpdateRollup overwrites the derived progress fields. Idempotent:
	// the rollup is a pure function of current task state, never a delta.
	UpdateRollup(ctx context.Context, id string, progress int, status domain.ProjectStatus, resultURLs []string) error
}

type repository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &repository{pool: pool}
}

// NewProjectRepository wraps a pgxpool with the ProjectRepository interface.
func NewProjectRepository(pool *pgxpool.Pool) ProjectRepository {
	return &projectRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *repository) Create(ctx context.Context, task *domain.GenerationTask) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO generation_tasks
			(provider, provider_task_id, project_id, status, created_at)
		VALUES
			($1, $2, $3, $4, $5)
	`,
		task.Provider, task.ProviderTaskID, task.ProjectID,
		string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s/%s: %w", task.Provider, task.ProviderTaskID, err)
	}
	return nil
}

// Complete is the reconciler's compare-and-set: the status='pending' guard
// serializes concurrent terminal reports for the same task inside Postgres,
// so exactly one of two racing updates sees applied=true.
func (r *repository) Complete(ctx context.Context, upd domain.TaskUpdate, completedAt time.Time) (string, bool, error) {
	var resultURL, errorMessage *string
	switch upd.Status {
	case domain.StatusSuccess:
		resultURL = &upd.ResultURL
	case domain.StatusFail:
		errorMessage = &upd.ErrorMessage
	}

	var projectID string
	err := r.pool.QueryRow(ctx, `
		UPDATE generation_tasks
		SET status = $1, result_url = $2, error_message = $3, completed_at = $4
		WHERE provider = $5 AND provider_task_id = $6 AND status = 'pending'
		RETURNING project_id
	`,
		string(upd.Status), resultURL, errorMessage, completedAt,
		upd.Provider, upd.TaskID,
	).Scan(&projectID)
	if err == nil {
		return projectID, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return "", false, fmt.Errorf("complete task %s/%s: %w", upd.Provider, upd.TaskID, err)
	}

	// No row matched: either the task doesn't exist, or it is already
	// terminal. Distinguish so the reconciler can report the right outcome,
	// and surface the project id so a duplicate can still drive a recompute.
	task, err := r.Get(ctx, upd.Provider, upd.TaskID)
	if err != nil {
		return "", false, err
	}
	return task.ProjectID, false, nil
}

func (r *repository) Get(ctx context.Context, provider, taskID string) (*domain.GenerationTask, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT provider, provider_task_id, project_id, status,
		       result_url, error_message, created_at, completed_at
		FROM generation_tasks
		WHERE provider = $1 AND provider_task_id = $2
	`, provider, taskID)

	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
		}
		return nil, err
	}
	return task, nil
}

func (r *repository) ListPendingBefore(ctx context.Context, cutoff time.Time, cur Cursor, limit int) ([]*domain.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider, provider_task_id, project_id, status,
		       result_url, error_message, created_at, completed_at
		FROM generation_tasks
		WHERE status = 'pending'
		  AND created_at < $1
		  AND (created_at, provider_task_id) > ($2, $3)
		ORDER BY created_at, provider_task_id
		LIMIT $4
	`, cutoff, cur.CreatedAt, cur.TaskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func (r *repository) ListByProject(ctx context.Context, projectID string) ([]*domain.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider, provider_task_id, project_id, status,
		       result_url, error_message, created_at, completed_at
		FROM generation_tasks
		WHERE project_id = $1
		ORDER BY created_at, provider_task_id
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks for project %s: %w", projectID, err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]*domain.GenerationTask, error) {
	var tasks []*domain.GenerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.GenerationTask, error) {
	var task domain.GenerationTask
	var statusStr string
	var resultURL, errorMessage *string
	err := row.Scan(
		&task.Provider, &task.ProviderTaskID, &task.ProjectID, &statusStr,
		&resultURL, &errorMessage, &task.CreatedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(statusStr)
	if resultURL != nil {
		task.ResultURL = *resultURL
	}
	if errorMessage != nil {
		task.ErrorMessage = *errorMessage
	}
	return &task, nil
}
