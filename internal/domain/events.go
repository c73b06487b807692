package domain

import "time"

// TaskCompletedEvent is published after a task update is applied.
type TaskCompletedEvent struct {
	Provider     string    `json:"provider"`
	TaskID       string    `json:"task_id"`
	ProjectID    string    `json:"project_id"`
	Status       Status    `json:"status"`
	ResultURL    string    `json:"result_url,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// ProjectCompletedEvent is published when a rollup lands on a terminal
// project status. Delivery is at-least-once; consumers must dedup.
type ProjectCompletedEvent struct {
	ProjectID  string        `json:"project_id"`
	Status     ProjectStatus `json:"status"`
	Progress   int           `json:"progress"`
	ResultURLs []string      `json:"result_urls"`
	OccurredAt time.Time     `json:"occurred_at"`
}
