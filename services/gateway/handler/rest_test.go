package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/provider"
)

type memTasks struct {
	tasks map[string]*domain.GenerationTask
}

func (m *memTasks) key(provider, id string) string { return provider + "/" + id }

func (m *memTasks) Create(_ context.Context, t *domain.GenerationTask) error {
	m.tasks[m.key(t.Provider, t.ProviderTaskID)] = t
	return nil
}

func (m *memTasks) Get(_ context.Context, provider, taskID string) (*domain.GenerationTask, error) {
	t, ok := m.tasks[m.key(provider, taskID)]
	if !ok {
		return nil, &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
	}
	return t, nil
}

func (m *memTasks) Complete(_ context.Context, _ domain.TaskUpdate, _ time.Time) (string, bool, error) {
	return "", false, nil
}

func (m *memTasks) ListPendingBefore(_ context.Context, _ time.Time, _ postgres.Cursor, _ int) ([]*domain.GenerationTask, error) {
	return nil, nil
}

func (m *memTasks) ListByProject(_ context.Context, _ string) ([]*domain.GenerationTask, error) {
	return nil, nil
}

type memProjects struct {
	projects map[string]*domain.Project
}

func (m *memProjects) Create(_ context.Context, p *domain.Project) error {
	m.projects[p.ID] = p
	return nil
}

func (m *memProjects) Get(_ context.Context, id string) (*domain.Project, error) {
	p, ok := m.projects[id]
	if !ok {
		return nil, &domain.ProjectNotFoundError{ProjectID: id}
	}
	return p, nil
}

func (m *memProjects) UpdateRollup(_ context.Context, _ string, _ int, _ domain.ProjectStatus, _ []string) error {
	return nil
}

// memCache mimics the Redis side cache, including its miss behavior.
type memCache struct {
	status  map[string]domain.Status
	meta    map[string]*domain.GenerationTask
	pingErr error
}

func newMemCache() *memCache {
	return &memCache{status: map[string]domain.Status{}, meta: map[string]*domain.GenerationTask{}}
}

func (c *memCache) Ping(_ context.Context) error { return c.pingErr }

func (c *memCache) SetStatus(_ context.Context, provider, taskID string, status domain.Status) error {
	c.status[provider+"/"+taskID] = status
	return nil
}

func (c *memCache) GetStatus(_ context.Context, provider, taskID string) (domain.Status, error) {
	s, ok := c.status[provider+"/"+taskID]
	if !ok {
		return "", &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
	}
	return s, nil
}

func (c *memCache) SetTaskMeta(_ context.Context, task *domain.GenerationTask) error {
	c.meta[task.Provider+"/"+task.ProviderTaskID] = task
	return nil
}

func (c *memCache) GetTaskMeta(_ context.Context, provider, taskID string) (*domain.GenerationTask, error) {
	t, ok := c.meta[provider+"/"+taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
	}
	cp := *t
	return &cp, nil
}

func newRESTRouter() (*chi.Mux, *memTasks, *memProjects, *memCache) {
	tasks := &memTasks{tasks: map[string]*domain.GenerationTask{}}
	projects := &memProjects{projects: map[string]*domain.Project{}}
	cache := newMemCache()

	reg := provider.NewRegistry()
	reg.Register(provider.NewHTTPAdapter(provider.HTTPConfig{Name: "arkstream"}))

	h := NewREST(tasks, projects, cache, reg, slog.Default())
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Post("/projects/{id}/tasks", h.RegisterTask)
		r.Get("/providers/{provider}/tasks/{id}", h.GetTask)
	})
	return r, tasks, projects, cache
}

func doJSON(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestCreateProject(t *testing.T) {
	router, _, projects, _ := newRESTRouter()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/projects",
		`{"title":"Summer Sale","product_url":"https://shop.example/p/1","owner_email":"owner@example.com"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp CreateProjectResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ProjectID)
	assert.Equal(t, "generating", resp.GenerationStatus)

	stored := projects.projects[resp.ProjectID]
	require.NotNil(t, stored)
	assert.Equal(t, "Summer Sale", stored.Title)
}

func TestCreateProject_Validation(t *testing.T) {
	router, _, _, _ := newRESTRouter()

	for _, body := range []string{
		`{not json`,
		`{"title":"","owner_email":"x@example.com"}`,
		`{"title":"T","owner_email":""}`,
	} {
		rr := doJSON(t, router, http.MethodPost, "/api/v1/projects", body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "body=%q", body)
	}
}

func TestRegisterTask(t *testing.T) {
	router, tasks, projects, cache := newRESTRouter()
	projects.projects["p1"] = &domain.Project{ID: "p1", Title: "T"}

	rr := doJSON(t, router, http.MethodPost, "/api/v1/projects/p1/tasks",
		`{"provider":"arkstream","provider_task_id":"cgt-1"}`)
	require.Equal(t, http.StatusAccepted, rr.Code)

	stored := tasks.tasks["arkstream/cgt-1"]
	require.NotNil(t, stored)
	assert.Equal(t, "p1", stored.ProjectID)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, domain.StatusPending, cache.status["arkstream/cgt-1"], "cache warmed on registration")
}

func TestRegisterTask_Failures(t *testing.T) {
	router, _, projects, _ := newRESTRouter()
	projects.projects["p1"] = &domain.Project{ID: "p1"}

	rr := doJSON(t, router, http.MethodPost, "/api/v1/projects/p1/tasks",
		`{"provider":"nope","provider_task_id":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unregistered provider")

	rr = doJSON(t, router, http.MethodPost, "/api/v1/projects/ghost/tasks",
		`{"provider":"arkstream","provider_task_id":"x"}`)
	assert.Equal(t, http.StatusNotFound, rr.Code, "unknown project")
}

func TestGetProject(t *testing.T) {
	router, _, projects, _ := newRESTRouter()
	projects.projects["p1"] = &domain.Project{
		ID:                 "p1",
		Title:              "T",
		GenerationProgress: 67,
		GenerationStatus:   domain.ProjectGenerating,
		ResultURLs:         []string{"https://cdn.example/a.mp4"},
	}

	rr := doJSON(t, router, http.MethodGet, "/api/v1/projects/p1", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ProjectResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 67, resp.GenerationProgress)
	assert.Equal(t, "generating", resp.GenerationStatus)
	assert.Equal(t, []string{"https://cdn.example/a.mp4"}, resp.ResultURLs)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/projects/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestGetTask_CacheFastPathAndFallback(t *testing.T) {
	router, tasks, _, cache := newRESTRouter()

	// Cached meta is pending but the live status key already knows better.
	cache.meta["arkstream/cgt-1"] = &domain.GenerationTask{
		Provider: "arkstream", ProviderTaskID: "cgt-1", ProjectID: "p1",
		Status: domain.StatusPending, CreatedAt: time.Now().UTC(),
	}
	cache.status["arkstream/cgt-1"] = domain.StatusSuccess

	rr := doJSON(t, router, http.MethodGet, "/api/v1/providers/arkstream/tasks/cgt-1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp TaskStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)

	// Cache miss falls through to the store.
	tasks.tasks["arkstream/cgt-2"] = &domain.GenerationTask{
		Provider: "arkstream", ProviderTaskID: "cgt-2", ProjectID: "p1",
		Status: domain.StatusFail, ErrorMessage: "boom", CreatedAt: time.Now().UTC(),
	}
	rr = doJSON(t, router, http.MethodGet, "/api/v1/providers/arkstream/tasks/cgt-2", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "fail", resp.Status)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/providers/arkstream/tasks/ghost", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReadyz_PingsRedis(t *testing.T) {
	tasks := &memTasks{tasks: map[string]*domain.GenerationTask{}}
	projects := &memProjects{projects: map[string]*domain.Project{}}
	cache := newMemCache()
	h := NewREST(tasks, projects, cache, provider.NewRegistry(), slog.Default())

	rr := httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	cache.pingErr = errors.New("connection refused")
	rr = httptest.NewRecorder()
	h.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}
