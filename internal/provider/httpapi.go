package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/pkg/retry"
)

// HTTPConfig describes a generation provider reachable over a JSON REST API.
type HTTPConfig struct {
	// Name identifies the provider in task rows and webhook URLs.
	Name string
	// BaseURL is the API root, e.g. "https://api.arkstream.example".
	BaseURL string
	// APIKey is sent as a bearer token when non-empty.
	APIKey string
	// StatusPath is the status endpoint template with one %s for the task
	// id. Defaults to "/v1/tasks/%s".
	StatusPath string
	// Timeout bounds a single status query. Defaults to 10s.
	Timeout time.Duration
}

// HTTPAdapter is a generic adapter for providers exposing a JSON status
// endpoint. Response and webhook shapes are normalized through the shared
// vocabulary table, so one adapter covers most REST providers.
type HTTPAdapter struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPAdapter creates an adapter from config, applying defaults.
func NewHTTPAdapter(cfg HTTPConfig) *HTTPAdapter {
	if cfg.StatusPath == "" {
		cfg.StatusPath = "/v1/tasks/%s"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *HTTPAdapter) Name() string { return a.cfg.Name }

func (a *HTTPAdapter) QueryStatus(ctx context.Context, taskID string) (*domain.TaskUpdate, error) {
	ctx, span := otel.Tracer("provider").Start(ctx, "provider.query_status")
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", a.cfg.Name),
		attribute.String("task.id", taskID),
	)

	url := a.cfg.BaseURL + fmt.Sprintf(a.cfg.StatusPath, taskID)

	var doc map[string]any
	err := retry.Do(ctx, retry.Config{MaxAttempts: 2, BaseDelay: 200 * time.Millisecond}, func() error {
		return a.fetch(ctx, url, &doc)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "status query failed")
		return nil, &domain.ProviderQueryError{Provider: a.cfg.Name, TaskID: taskID, Err: err}
	}

	upd, err := Normalize(a.cfg.Name, doc)
	if err != nil {
		span.RecordError(err)
		return nil, &domain.ProviderQueryError{Provider: a.cfg.Name, TaskID: taskID, Err: err}
	}
	if upd != nil && upd.TaskID != taskID {
		// Some providers echo an internal id; trust the id we asked for.
		upd.TaskID = taskID
	}
	return upd, nil
}

func (a *HTTPAdapter) ParseWebhook(payload []byte) (*domain.TaskUpdate, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return nil, &domain.PayloadParseError{Provider: a.cfg.Name, Reason: "invalid JSON"}
	}
	return Normalize(a.cfg.Name, doc)
}

func (a *HTTPAdapter) fetch(ctx context.Context, url string, out *map[string]any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("http call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("provider returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}
