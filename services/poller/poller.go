// Package poller implements the pull half of reconciliation: it
// periodically sweeps pending generation tasks whose webhook never
// arrived (or was lost) and asks the provider directly. Webhooks and
// sweeps converge on the same reconcile engine, so a result is applied
// exactly once no matter which path reports it first.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/postgres"
	"github.com/adloom/go-adloom/internal/provider"
	"github.com/adloom/go-adloom/internal/reconcile"
	redisstore "github.com/adloom/go-adloom/internal/redis"
	"github.com/adloom/go-adloom/pkg/telemetry"
)

// Reconciler is the slice of the reconcile engine the poller needs.
type Reconciler interface {
	Apply(ctx context.Context, upd domain.TaskUpdate, trigger string) (reconcile.Outcome, error)
}

// Leaseholder gates scheduled sweeps to one replica at a time.
type Leaseholder interface {
	Acquire(ctx context.Context) (bool, error)
}

// Settings tune one sweep. Zero values fall back to defaults.
type Settings struct {
	// MinAge is the grace period: tasks younger than this are left alone
	// to give the webhook a chance to arrive first.
	MinAge time.Duration
	// BatchSize bounds how many pending rows are held in memory at once.
	BatchSize int
	// Concurrency caps in-flight provider queries per sweep.
	Concurrency int
	// QueryTimeout bounds a single provider status query.
	QueryTimeout time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.MinAge <= 0 {
		s.MinAge = time.Minute
	}
	if s.BatchSize <= 0 {
		s.BatchSize = 200
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 3
	}
	if s.QueryTimeout <= 0 {
		s.QueryTimeout = 10 * time.Second
	}
	return s
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Selected        int
	Applied         int
	AlreadyTerminal int
	Unknown         int
	StillPending    int
	QueryFailures   int
	StoreFailures   int
	RateLimited     int
}

// Poller drives periodic sweeps over pending tasks.
type Poller struct {
	tasks      postgres.TaskRepository
	reconciler Reconciler
	registry   *provider.Registry
	settings   Settings

	limiter redisstore.ProviderLimiter
	lease   Leaseholder
	logger  *slog.Logger
	now     func() time.Time
}

// Option customizes a Poller.
type Option func(*Poller)

func WithLimiter(l redisstore.ProviderLimiter) Option { return func(p *Poller) { p.limiter = l } }
func WithLease(l Leaseholder) Option                  { return func(p *Poller) { p.lease = l } }
func WithLogger(l *slog.Logger) Option                { return func(p *Poller) { p.logger = l } }
func WithClock(now func() time.Time) Option           { return func(p *Poller) { p.now = now } }

// NewPoller creates a Poller.
func NewPoller(tasks postgres.TaskRepository, reconciler Reconciler, registry *provider.Registry, settings Settings, opts ...Option) *Poller {
	p := &Poller{
		tasks:      tasks,
		reconciler: reconciler,
		registry:   registry,
		settings:   settings.withDefaults(),
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Sweep runs one pass over all sufficiently old pending tasks. One slow
// or broken provider never aborts the pass: failures are counted and the
// affected tasks simply stay pending for the next sweep.
func (p *Poller) Sweep(ctx context.Context) (SweepReport, error) {
	ctx, span := otel.Tracer("poller").Start(ctx, "poller.sweep")
	defer span.End()

	start := p.now()
	cutoff := start.UTC().Add(-p.settings.MinAge)

	var (
		mu     sync.Mutex
		report SweepReport
	)
	sem := make(chan struct{}, p.settings.Concurrency)

	var cur postgres.Cursor
	for {
		batch, err := p.tasks.ListPendingBefore(ctx, cutoff, cur, p.settings.BatchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			break
		}

		var wg sync.WaitGroup
		for _, task := range batch {
			wg.Add(1)
			sem <- struct{}{}
			go func(task *domain.GenerationTask) {
				defer wg.Done()
				defer func() { <-sem }()
				outcome := p.poll(ctx, task)
				mu.Lock()
				outcome(&report)
				mu.Unlock()
			}(task)
		}
		wg.Wait()

		mu.Lock()
		report.Selected += len(batch)
		mu.Unlock()

		last := batch[len(batch)-1]
		cur = postgres.Cursor{CreatedAt: last.CreatedAt, TaskID: last.ProviderTaskID}
		if len(batch) < p.settings.BatchSize {
			break
		}
	}

	telemetry.SweepTasksSelected.Add(float64(report.Selected))
	telemetry.SweepDurationSeconds.Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.Int("sweep.selected", report.Selected),
		attribute.Int("sweep.applied", report.Applied),
	)

	p.logger.Info("sweep finished",
		slog.Int("selected", report.Selected),
		slog.Int("applied", report.Applied),
		slog.Int("already_terminal", report.AlreadyTerminal),
		slog.Int("still_pending", report.StillPending),
		slog.Int("query_failures", report.QueryFailures),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return report, nil
}

// poll queries one task and feeds any terminal result to the reconciler.
// It returns the report mutation to apply under the sweep's lock.
func (p *Poller) poll(ctx context.Context, task *domain.GenerationTask) func(*SweepReport) {
	logger := p.logger.With(
		slog.String("provider", task.Provider),
		slog.String("task_id", task.ProviderTaskID),
	)

	adapter, err := p.registry.Get(task.Provider)
	if err != nil {
		// A stored task referencing an unconfigured provider can never
		// resolve by polling; only a webhook or config fix clears it.
		logger.Warn("no adapter for stored task")
		telemetry.SweepQueryFailures.WithLabelValues(task.Provider).Inc()
		return func(r *SweepReport) { r.QueryFailures++ }
	}

	if p.limiter != nil {
		allowed, err := p.limiter.Allow(ctx, task.Provider)
		if err != nil {
			// Limiter outage must not stall recovery; proceed unthrottled.
			logger.Warn("rate limiter error", slog.String("error", err.Error()))
		} else if !allowed {
			return func(r *SweepReport) { r.RateLimited++; r.StillPending++ }
		}
	}

	qctx, cancel := context.WithTimeout(ctx, p.settings.QueryTimeout)
	upd, err := adapter.QueryStatus(qctx, task.ProviderTaskID)
	cancel()
	if err != nil {
		logger.Warn("status query failed", slog.String("error", err.Error()))
		telemetry.SweepQueryFailures.WithLabelValues(task.Provider).Inc()
		return func(r *SweepReport) { r.QueryFailures++ }
	}
	if upd == nil {
		return func(r *SweepReport) { r.StillPending++ }
	}

	outcome, err := p.reconciler.Apply(ctx, *upd, reconcile.TriggerPoll)
	if err != nil && outcome != reconcile.OutcomeApplied {
		logger.Error("reconcile failed", slog.String("error", err.Error()))
		return func(r *SweepReport) { r.StoreFailures++ }
	}
	if err != nil {
		// Applied but the rollup recompute failed. Any duplicate delivery
		// (webhook redelivery, or a replayed poll result) recomputes again,
		// so the rollup converges on the next report for this task.
		logger.Warn("rollup deferred", slog.String("error", err.Error()))
	}

	switch outcome {
	case reconcile.OutcomeApplied:
		return func(r *SweepReport) { r.Applied++ }
	case reconcile.OutcomeAlreadyTerminal:
		return func(r *SweepReport) { r.AlreadyTerminal++ }
	case reconcile.OutcomeUnknownTask:
		return func(r *SweepReport) { r.Unknown++ }
	default:
		return func(r *SweepReport) { r.StillPending++ }
	}
}

// Run blocks, sweeping on the given cron schedule until ctx is cancelled.
// With a lease configured, only the leaseholder actually sweeps; other
// replicas stay hot standbys.
func (p *Poller) Run(ctx context.Context, scheduleExpr string) error {
	schedule, err := cron.ParseStandard(scheduleExpr)
	if err != nil {
		return err
	}

	for {
		next := schedule.Next(p.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if p.lease != nil {
			held, err := p.lease.Acquire(ctx)
			if err != nil {
				p.logger.Error("lease acquire", slog.String("error", err.Error()))
				continue
			}
			if !held {
				telemetry.SweepsSkippedNotLeader.Inc()
				p.logger.Debug("not leader, skipping sweep")
				continue
			}
		}

		if _, err := p.Sweep(ctx); err != nil {
			p.logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}
}
