// Package notifier consumes project-completed events and emails the
// project owner. Events arrive at-least-once from Kafka, so a Redis
// marker keeps each owner from being mailed twice about the same project.
package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/adloom/go-adloom/internal/domain"
	"github.com/adloom/go-adloom/internal/kafka"
	"github.com/adloom/go-adloom/internal/postgres"
	redisstore "github.com/adloom/go-adloom/internal/redis"
	"github.com/adloom/go-adloom/pkg/retry"
	"github.com/adloom/go-adloom/pkg/telemetry"
)

// Notifier turns project completion events into owner emails.
type Notifier struct {
	consumer kafka.Consumer
	projects postgres.ProjectRepository
	dedup    redisstore.Dedup
	mailer   Mailer
	logger   *slog.Logger

	sendTimeout time.Duration
}

// Option configures a Notifier.
type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option       { return func(n *Notifier) { n.logger = l } }
func WithSendTimeout(d time.Duration) Option { return func(n *Notifier) { n.sendTimeout = d } }

// NewNotifier constructs a Notifier.
func NewNotifier(consumer kafka.Consumer, projects postgres.ProjectRepository, dedup redisstore.Dedup, mailer Mailer, opts ...Option) *Notifier {
	n := &Notifier{
		consumer:    consumer,
		projects:    projects,
		dedup:       dedup,
		mailer:      mailer,
		logger:      slog.Default(),
		sendTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Run starts consuming and blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	return n.consumer.Subscribe(ctx, n.Handle)
}

// Handle processes one project-completed event.
//
// The dedup marker is taken before sending, so delivery retries can never
// mail an owner twice. The trade-off is that a persistent SMTP outage can
// drop a notification; that shows up on the failed counter and the email
// itself carries no state the dashboard doesn't.
func (n *Notifier) Handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("notifier").Start(ctx, "notifier.handle")
	defer span.End()

	var event domain.ProjectCompletedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		n.logger.Error("malformed event, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(msg.Value)))
		return nil
	}
	span.SetAttributes(
		attribute.String("project.id", event.ProjectID),
		attribute.String("project.status", string(event.Status)),
	)
	logger := n.logger.With(slog.String("project_id", event.ProjectID))

	first, err := n.dedup.First(ctx, "notified:project:"+event.ProjectID)
	if err != nil {
		// Redis hiccup: leave the offset uncommitted and let Kafka redeliver.
		return fmt.Errorf("dedup check: %w", err)
	}
	if !first {
		telemetry.NotifierEmails.WithLabelValues("skipped").Inc()
		logger.Debug("already notified, skipping")
		return nil
	}

	project, err := n.projects.Get(ctx, event.ProjectID)
	if err != nil {
		var notFound *domain.ProjectNotFoundError
		if errors.As(err, &notFound) {
			logger.Warn("event for unknown project, discarding")
			return nil
		}
		return fmt.Errorf("load project: %w", err)
	}
	if project.OwnerEmail == "" {
		logger.Warn("project has no owner email")
		telemetry.NotifierEmails.WithLabelValues("skipped").Inc()
		return nil
	}

	subject, body := composeEmail(project, event)

	// The dedup marker is already taken, so a shutdown of the consumer must
	// not abort an in-flight send. Detach from the consumer context but keep
	// the span.
	sendCtx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), n.sendTimeout)
	defer cancel()
	err = retry.Do(sendCtx, retry.Config{MaxAttempts: 3, BaseDelay: time.Second}, func() error {
		return n.mailer.Send(sendCtx, project.OwnerEmail, subject, body)
	})
	if err != nil {
		telemetry.NotifierEmails.WithLabelValues("failed").Inc()
		logger.Error("email send failed", slog.String("error", err.Error()))
		return nil
	}

	telemetry.NotifierEmails.WithLabelValues("sent").Inc()
	logger.Info("owner notified",
		slog.String("to", project.OwnerEmail),
		slog.String("status", string(event.Status)))
	return nil
}

func composeEmail(project *domain.Project, event domain.ProjectCompletedEvent) (subject, body string) {
	if event.Status == domain.ProjectCompleted {
		subject = fmt.Sprintf("Your videos for %q are ready", project.Title)
		var b strings.Builder
		fmt.Fprintf(&b, "Good news! Generation for %q finished.\n\n", project.Title)
		if len(event.ResultURLs) > 0 {
			b.WriteString("Your videos:\n")
			for _, url := range event.ResultURLs {
				fmt.Fprintf(&b, "  - %s\n", url)
			}
		}
		b.WriteString("\nThe Adloom team\n")
		return subject, b.String()
	}

	subject = fmt.Sprintf("Generation for %q did not finish", project.Title)
	body = fmt.Sprintf(
		"Unfortunately none of the generation tasks for %q succeeded.\n"+
			"No charge was made for failed generations. Please try again,\n"+
			"or reply to this email if the problem persists.\n\nThe Adloom team\n",
		project.Title,
	)
	return subject, body
}
