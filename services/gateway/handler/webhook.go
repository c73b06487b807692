package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/provider"
	"github.com/adloom/go-adloom/internal/reconcile"
	"github.com/adloom/go-adloom/pkg/telemetry"
)

// Reconciler is the slice of the reconcile engine the webhook needs.
type Reconciler interface {
	Apply(ctx context.Context, upd domain.TaskUpdate, trigger string) (reconcile.Outcome, error)
}

// Webhook receives push notifications from generation providers.
//
// Provider retry semantics shape the status codes: 2xx stops redelivery,
// so every understood notification returns 200 even when it changes
// nothing. Only a payload we can never act on gets a 4xx, and only a
// transient store failure gets a 5xx so the provider tries again.
type Webhook struct {
	registry   *provider.Registry
	reconciler Reconciler
	logger     *slog.Logger
}

// NewWebhook creates a webhook handler.
func NewWebhook(registry *provider.Registry, reconciler Reconciler, logger *slog.Logger) *Webhook {
	return &Webhook{registry: registry, reconciler: reconciler, logger: logger}
}

// Receive handles POST /api/v1/providers/{provider}/webhook.
func (h *Webhook) Receive(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("gateway").Start(r.Context(), "gateway.webhook")
	defer span.End()

	providerName := chi.URLParam(r, "provider")
	span.SetAttributes(attribute.String("provider", providerName))

	adapter, err := h.registry.Get(providerName)
	if err != nil {
		telemetry.WebhookRequests.WithLabelValues(providerName, "unknown_provider").Inc()
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		// MaxBytesReader tripping or a broken client; either way not retryable.
		telemetry.WebhookRequests.WithLabelValues(providerName, "unparseable").Inc()
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	upd, err := adapter.ParseWebhook(payload)
	if err != nil {
		var parseErr *domain.PayloadParseError
		if errors.As(err, &parseErr) {
			h.logger.Warn("unparseable webhook",
				slog.String("provider", providerName),
				slog.String("reason", parseErr.Reason))
			telemetry.WebhookRequests.WithLabelValues(providerName, "unparseable").Inc()
			writeError(w, http.StatusBadRequest, "unparseable payload")
			return
		}
		telemetry.WebhookRequests.WithLabelValues(providerName, "error").Inc()
		writeError(w, http.StatusInternalServerError, "webhook processing failed")
		return
	}
	if upd == nil {
		// Progress pings carry no terminal state; acknowledge and move on.
		telemetry.WebhookRequests.WithLabelValues(providerName, "ignored").Inc()
		writeJSON(w, http.StatusOK, map[string]string{"outcome": string(reconcile.OutcomeIgnored)})
		return
	}
	span.SetAttributes(attribute.String("task.id", upd.TaskID))

	outcome, err := h.reconciler.Apply(ctx, *upd, reconcile.TriggerWebhook)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		h.logger.Error("webhook reconcile failed",
			slog.String("provider", providerName),
			slog.String("task_id", upd.TaskID),
			slog.String("error", err.Error()))
		telemetry.WebhookRequests.WithLabelValues(providerName, "error").Inc()
		// 5xx makes the provider redeliver; the pending-guard makes the
		// redelivery safe, and an absorbed duplicate still recomputes the
		// rollup, so a failed rollup write converges here too.
		writeError(w, http.StatusInternalServerError, "failed to apply update")
		return
	}

	telemetry.WebhookRequests.WithLabelValues(providerName, string(outcome)).Inc()
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}
