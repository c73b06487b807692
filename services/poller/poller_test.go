package poller

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/provider"
	"github.com/adloom/go-adloom/internal/reconcile"
)

// fakeTaskRepo serves ListPendingBefore with the same ordering and cursor
// semantics as the real keyset query.
type fakeTaskRepo struct {
	mu    sync.Mutex
	tasks []*domain.GenerationTask
}

func (r *fakeTaskRepo) Create(_ context.Context, t *domain.GenerationTask) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, t)
	return nil
}

func (r *fakeTaskRepo) Get(_ context.Context, provider, taskID string) (*domain.GenerationTask, error) {
	return nil, &domain.TaskNotFoundError{Provider: provider, TaskID: taskID}
}

func (r *fakeTaskRepo) Complete(_ context.Context, _ domain.TaskUpdate, _ time.Time) (string, bool, error) {
	return "", false, errors.New("not used in poller tests")
}

func (r *fakeTaskRepo) ListPendingBefore(_ context.Context, cutoff time.Time, cur postgres.Cursor, limit int) ([]*domain.GenerationTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.GenerationTask
	for _, t := range r.tasks {
		if t.Status != domain.StatusPending || !t.CreatedAt.Before(cutoff) {
			continue
		}
		if t.CreatedAt.Before(cur.CreatedAt) {
			continue
		}
		if t.CreatedAt.Equal(cur.CreatedAt) && t.ProviderTaskID <= cur.TaskID {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ProviderTaskID < out[j].ProviderTaskID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeTaskRepo) ListByProject(_ context.Context, _ string) ([]*domain.GenerationTask, error) {
	return nil, nil
}

var _ postgres.TaskRepository = (*fakeTaskRepo)(nil)

// fakeAdapter answers status queries from a canned table.
type fakeAdapter struct {
	name    string
	results map[string]*domain.TaskUpdate // nil entry = still pending
	errs    map[string]error

	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	calls       atomic.Int64
	delay       time.Duration
}

func (a *fakeAdapter) Name() string { return a.name }

func (a *fakeAdapter) QueryStatus(_ context.Context, taskID string) (*domain.TaskUpdate, error) {
	cur := a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	for {
		max := a.maxInFlight.Load()
		if cur <= max || a.maxInFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	a.calls.Add(1)
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	if err, ok := a.errs[taskID]; ok {
		return nil, err
	}
	return a.results[taskID], nil
}

func (a *fakeAdapter) ParseWebhook(_ []byte) (*domain.TaskUpdate, error) {
	return nil, errors.New("not used in poller tests")
}

type fakeReconciler struct {
	mu       sync.Mutex
	outcomes map[string]reconcile.Outcome
	applied  []string
}

func (f *fakeReconciler) Apply(_ context.Context, upd domain.TaskUpdate, trigger string) (reconcile.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if trigger != reconcile.TriggerPoll {
		return "", fmt.Errorf("unexpected trigger %q", trigger)
	}
	f.applied = append(f.applied, upd.TaskID)
	if f.outcomes == nil {
		return reconcile.OutcomeApplied, nil
	}
	return f.outcomes[upd.TaskID], nil
}

type fakeLimiter struct {
	allow map[string]bool
}

func (l *fakeLimiter) Allow(_ context.Context, provider string) (bool, error) {
	return l.allow[provider], nil
}
func (l *fakeLimiter) Limit() int { return 1 }

func registryWith(adapters ...provider.Adapter) *provider.Registry {
	reg := provider.NewRegistry()
	for _, a := range adapters {
		reg.Register(a)
	}
	return reg
}

func TestSweep_GracePeriodSelection(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeTaskRepo{}
	repo.tasks = []*domain.GenerationTask{
		{Provider: "arkstream", ProviderTaskID: "old", Status: domain.StatusPending, CreatedAt: now.Add(-61 * time.Second)},
		{Provider: "arkstream", ProviderTaskID: "young", Status: domain.StatusPending, CreatedAt: now.Add(-10 * time.Second)},
	}
	adapter := &fakeAdapter{name: "arkstream", results: map[string]*domain.TaskUpdate{
		"old": {Provider: "arkstream", TaskID: "old", Status: domain.StatusSuccess},
	}}
	rec := &fakeReconciler{}

	p := NewPoller(repo, rec, registryWith(adapter), Settings{MinAge: time.Minute},
		WithClock(func() time.Time { return now }))

	report, err := p.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Selected, "the 10s-old task is inside the grace period")
	assert.Equal(t, []string{"old"}, rec.applied)
}

func TestSweep_FailureIsolation(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeTaskRepo{}
	for i := 0; i < 3; i++ {
		repo.tasks = append(repo.tasks, &domain.GenerationTask{
			Provider:       "arkstream",
			ProviderTaskID: fmt.Sprintf("t%d", i),
			Status:         domain.StatusPending,
			CreatedAt:      now.Add(-2 * time.Minute),
		})
	}
	adapter := &fakeAdapter{
		name: "arkstream",
		results: map[string]*domain.TaskUpdate{
			"t0": {Provider: "arkstream", TaskID: "t0", Status: domain.StatusSuccess},
			"t2": nil, // still rendering
		},
		errs: map[string]error{"t1": errors.New("503 from provider")},
	}
	rec := &fakeReconciler{}

	p := NewPoller(repo, rec, registryWith(adapter), Settings{MinAge: time.Minute},
		WithClock(func() time.Time { return now }))

	report, err := p.Sweep(context.Background())
	require.NoError(t, err, "a failing provider call never aborts the sweep")

	assert.Equal(t, 3, report.Selected)
	assert.Equal(t, 1, report.Applied)
	assert.Equal(t, 1, report.QueryFailures)
	assert.Equal(t, 1, report.StillPending)
}

func TestSweep_ConcurrencyCap(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeTaskRepo{}
	results := map[string]*domain.TaskUpdate{}
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("t%02d", i)
		repo.tasks = append(repo.tasks, &domain.GenerationTask{
			Provider:       "arkstream",
			ProviderTaskID: id,
			Status:         domain.StatusPending,
			CreatedAt:      now.Add(-2 * time.Minute),
		})
		results[id] = nil
	}
	adapter := &fakeAdapter{name: "arkstream", results: results, delay: 5 * time.Millisecond}
	rec := &fakeReconciler{}

	p := NewPoller(repo, rec, registryWith(adapter), Settings{MinAge: time.Minute, Concurrency: 3},
		WithClock(func() time.Time { return now }))

	report, err := p.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 20, report.Selected)
	assert.Equal(t, int64(20), adapter.calls.Load())
	assert.LessOrEqual(t, adapter.maxInFlight.Load(), int64(3),
		"never more than Concurrency provider queries in flight")
}

func TestSweep_BatchesWithKeysetCursor(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeTaskRepo{}
	results := map[string]*domain.TaskUpdate{}
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("t%02d", i)
		repo.tasks = append(repo.tasks, &domain.GenerationTask{
			Provider:       "arkstream",
			ProviderTaskID: id,
			Status:         domain.StatusPending,
			CreatedAt:      now.Add(-2 * time.Minute), // same second: cursor falls back to id order
		})
		results[id] = &domain.TaskUpdate{Provider: "arkstream", TaskID: id, Status: domain.StatusFail, ErrorMessage: "x"}
	}
	adapter := &fakeAdapter{name: "arkstream", results: results}
	rec := &fakeReconciler{}

	p := NewPoller(repo, rec, registryWith(adapter), Settings{MinAge: time.Minute, BatchSize: 10},
		WithClock(func() time.Time { return now }))

	report, err := p.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 25, report.Selected)
	assert.Equal(t, 25, report.Applied)
	assert.Len(t, rec.applied, 25, "each task polled exactly once across batches")
}

func TestSweep_RateLimitedTasksStayPending(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeTaskRepo{}
	repo.tasks = []*domain.GenerationTask{
		{Provider: "arkstream", ProviderTaskID: "t0", Status: domain.StatusPending, CreatedAt: now.Add(-2 * time.Minute)},
	}
	adapter := &fakeAdapter{name: "arkstream"}
	rec := &fakeReconciler{}

	p := NewPoller(repo, rec, registryWith(adapter), Settings{MinAge: time.Minute},
		WithClock(func() time.Time { return now }),
		WithLimiter(&fakeLimiter{allow: map[string]bool{"arkstream": false}}))

	report, err := p.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.RateLimited)
	assert.Equal(t, 1, report.StillPending)
	assert.Equal(t, int64(0), adapter.calls.Load(), "denied calls never reach the provider")
}

func TestSweep_UnconfiguredProviderCounted(t *testing.T) {
	now := time.Now().UTC()
	repo := &fakeTaskRepo{}
	repo.tasks = []*domain.GenerationTask{
		{Provider: "retired", ProviderTaskID: "t0", Status: domain.StatusPending, CreatedAt: now.Add(-2 * time.Minute)},
	}
	rec := &fakeReconciler{}

	p := NewPoller(repo, rec, registryWith(), Settings{MinAge: time.Minute},
		WithClock(func() time.Time { return now }))

	report, err := p.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.QueryFailures)
	assert.Empty(t, rec.applied)
}
