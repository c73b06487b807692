package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/provider"
	redisstore "github.com/adloom/go-adloom/internal/redis"
)

// REST handles HTTP requests for the gateway.
type REST struct {
	tasks    postgres.TaskRepository
	projects postgres.ProjectRepository
	cache    redisstore.StatusCache
	registry *provider.Registry
	logger   *slog.Logger
}

// NewREST creates a new REST handler.
func NewREST(tasks postgres.TaskRepository, projects postgres.ProjectRepository, cache redisstore.StatusCache, registry *provider.Registry, logger *slog.Logger) *REST {
	return &REST{tasks: tasks, projects: projects, cache: cache, registry: registry, logger: logger}
}

// CreateProjectRequest is the JSON body for POST /api/v1/projects.
type CreateProjectRequest struct {
	Title      string `json:"title"`
	ProductURL string `json:"product_url"`
	OwnerEmail string `json:"owner_email"`
}

// CreateProjectResponse is the 201 response body.
type CreateProjectResponse struct {
	ProjectID        string    `json:"project_id"`
	GenerationStatus string    `json:"generation_status"`
	CreatedAt        time.Time `json:"created_at"`
}

// RegisterTaskRequest is the JSON body for POST /api/v1/projects/{id}/tasks.
// The provider task id comes from the submission call the backend already
// made to the provider; the gateway only records it for reconciliation.
type RegisterTaskRequest struct {
	Provider       string `json:"provider"`
	ProviderTaskID string `json:"provider_task_id"`
}

// TaskStatusResponse is the GET task response body.
type TaskStatusResponse struct {
	Provider       string     `json:"provider"`
	ProviderTaskID string     `json:"provider_task_id"`
	ProjectID      string     `json:"project_id"`
	Status         string     `json:"status"`
	ResultURL      string     `json:"result_url,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// ProjectResponse is the GET /api/v1/projects/{id} response body.
type ProjectResponse struct {
	ProjectID          string    `json:"project_id"`
	Title              string    `json:"title"`
	ProductURL         string    `json:"product_url,omitempty"`
	GenerationProgress int       `json:"generation_progress"`
	GenerationStatus   string    `json:"generation_status"`
	ResultURLs         []string  `json:"result_urls"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// CreateProject handles POST /api/v1/projects.
func (h *REST) CreateProject(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.create_project")
	defer span.End()

	var req CreateProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "field 'title' is required")
		return
	}
	if strings.TrimSpace(req.OwnerEmail) == "" {
		writeError(w, http.StatusBadRequest, "field 'owner_email' is required")
		return
	}

	now := time.Now().UTC()
	p := &domain.Project{
		ID:               uuid.New().String(),
		Title:            req.Title,
		ProductURL:       req.ProductURL,
		OwnerEmail:       req.OwnerEmail,
		GenerationStatus: domain.ProjectGenerating,
		ResultURLs:       []string{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	span.SetAttributes(attribute.String("project.id", p.ID))

	if err := h.projects.Create(ctx, p); err != nil {
		h.logger.Error("failed to create project", slog.String("project_id", p.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create project")
		return
	}

	h.logger.Info("project created", slog.String("project_id", p.ID))
	writeJSON(w, http.StatusCreated, CreateProjectResponse{
		ProjectID:        p.ID,
		GenerationStatus: string(p.GenerationStatus),
		CreatedAt:        now,
	})
}

// RegisterTask handles POST /api/v1/projects/{id}/tasks.
func (h *REST) RegisterTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.register_task")
	defer span.End()

	projectID := chi.URLParam(r, "id")

	var req RegisterTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Provider) == "" || strings.TrimSpace(req.ProviderTaskID) == "" {
		writeError(w, http.StatusBadRequest, "fields 'provider' and 'provider_task_id' are required")
		return
	}
	if _, err := h.registry.Get(req.Provider); err != nil {
		writeError(w, http.StatusBadRequest, "unknown provider "+req.Provider)
		return
	}
	if _, err := h.projects.Get(ctx, projectID); err != nil {
		var notFound *domain.ProjectNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.logger.Error("project lookup failed", slog.String("project_id", projectID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to register task")
		return
	}

	now := time.Now().UTC()
	task := &domain.GenerationTask{
		Provider:       req.Provider,
		ProviderTaskID: req.ProviderTaskID,
		ProjectID:      projectID,
		Status:         domain.StatusPending,
		CreatedAt:      now,
	}
	span.SetAttributes(
		attribute.String("provider", task.Provider),
		attribute.String("task.id", task.ProviderTaskID),
	)

	if err := h.tasks.Create(ctx, task); err != nil {
		h.logger.Error("failed to persist task",
			slog.String("provider", task.Provider),
			slog.String("task_id", task.ProviderTaskID),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to register task")
		return
	}

	// Cache warm-up is best-effort: Postgres is the system of record.
	if err := h.cache.SetTaskMeta(ctx, task); err != nil {
		h.logger.Warn("cache write failed", slog.String("error", err.Error()))
	}
	if err := h.cache.SetStatus(ctx, task.Provider, task.ProviderTaskID, domain.StatusPending); err != nil {
		h.logger.Warn("cache write failed", slog.String("error", err.Error()))
	}

	h.logger.Info("task registered",
		slog.String("provider", task.Provider),
		slog.String("task_id", task.ProviderTaskID),
		slog.String("project_id", projectID))

	writeJSON(w, http.StatusAccepted, taskResponse(task))
}

// GetTask handles GET /api/v1/providers/{provider}/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	taskID := chi.URLParam(r, "id")
	ctx := r.Context()

	// Fast path: Redis.
	task, err := h.cache.GetTaskMeta(ctx, providerName, taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Warn("cache read failed", slog.String("error", err.Error()))
		}

		// Slow path: Postgres (cache TTL expired or miss).
		task, err = h.tasks.Get(ctx, providerName, taskID)
		if err != nil {
			if errors.As(err, &notFound) {
				writeError(w, http.StatusNotFound, "task not found")
				return
			}
			h.logger.Error("postgres error",
				slog.String("provider", providerName),
				slog.String("task_id", taskID),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
	}

	// The cached meta may predate reconciliation; prefer the live status key.
	if status, err := h.cache.GetStatus(ctx, providerName, taskID); err == nil && status.IsTerminal() && !task.Status.IsTerminal() {
		task.Status = status
	}

	writeJSON(w, http.StatusOK, taskResponse(task))
}

// GetProject handles GET /api/v1/projects/{id}.
func (h *REST) GetProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "id")

	p, err := h.projects.Get(r.Context(), projectID)
	if err != nil {
		var notFound *domain.ProjectNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "project not found")
			return
		}
		h.logger.Error("postgres error", slog.String("project_id", projectID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve project")
		return
	}

	writeJSON(w, http.StatusOK, ProjectResponse{
		ProjectID:          p.ID,
		Title:              p.Title,
		ProductURL:         p.ProductURL,
		GenerationProgress: p.GenerationProgress,
		GenerationStatus:   string(p.GenerationStatus),
		ResultURLs:         p.ResultURLs,
		CreatedAt:          p.CreatedAt,
		UpdatedAt:          p.UpdatedAt,
	})
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.cache.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis not ready")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func taskResponse(task *domain.GenerationTask) TaskStatusResponse {
	return TaskStatusResponse{
		Provider:       task.Provider,
		ProviderTaskID: task.ProviderTaskID,
		ProjectID:      task.ProjectID,
		Status:         string(task.Status),
		ResultURL:      task.ResultURL,
		ErrorMessage:   task.ErrorMessage,
		CreatedAt:      task.CreatedAt,
		CompletedAt:    task.CompletedAt,
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
