package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Reconciler ──────────────────────────────────────────────────────────────

	ReconcileOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "reconcile",
		Name:      "outcomes_total",
		Help:      "Reconcile outcomes, labelled by trigger (webhook|poll) and outcome.",
	}, []string{"trigger", "outcome"})

	ReconcileStoreFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "reconcile",
		Name:      "store_failures_total",
		Help:      "Reconcile attempts aborted by a store write failure (task stays pending).",
	})

	ProjectRollups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "reconcile",
		Name:      "project_rollups_total",
		Help:      "Project rollup recomputes, labelled by resulting status.",
	}, []string{"status"})

	// ─── Webhook receiver ────────────────────────────────────────────────────────

	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "webhook",
		Name:      "requests_total",
		Help:      "Inbound provider webhooks, labelled by provider and result.",
	}, []string{"provider", "result"})

	// ─── Poller ──────────────────────────────────────────────────────────────────

	SweepTasksSelected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "poller",
		Name:      "tasks_selected_total",
		Help:      "Pending tasks selected for status queries across all sweeps.",
	})

	SweepQueryFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "poller",
		Name:      "query_failures_total",
		Help:      "Provider status queries that failed, labelled by provider.",
	}, []string{"provider"})

	SweepDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "adloom",
		Subsystem: "poller",
		Name:      "sweep_duration_seconds",
		Help:      "Wall-clock duration of one full sweep.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})

	SweepsSkippedNotLeader = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "poller",
		Name:      "sweeps_skipped_not_leader_total",
		Help:      "Scheduled sweeps skipped because another replica holds the lease.",
	})

	// ─── Notifier ────────────────────────────────────────────────────────────────

	NotifierEmails = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "adloom",
		Subsystem: "notifier",
		Name:      "emails_total",
		Help:      "Completion emails, labelled by result (sent|skipped|failed).",
	}, []string{"result"})
)
