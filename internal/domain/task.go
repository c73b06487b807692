package domain

import "time"

// Status represents the states a generation task can be in.
// pending is the only non-terminal state; success and fail are absorbing.
type Status string

const (
	StatusPending Status = "pending"
	StatusSuccess Status = "success"
	StatusFail    Status = "fail"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusFail
}

// Valid reports whether s is one of the known task states.
func (s Status) Valid() bool {
	return s == StatusPending || s == StatusSuccess || s == StatusFail
}

// GenerationTask tracks one video-generation request against a single
// provider job id. Tasks are created pending by the submission flow,
// mutated only by the reconciler, and never deleted (audit/billing).
type GenerationTask struct {
	Provider       string     `json:"provider"`
	ProviderTaskID string     `json:"provider_task_id"`
	ProjectID      string     `json:"project_id"`
	Status         Status     `json:"status"`
	ResultURL      string     `json:"result_url,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// TaskUpdate is the normalized terminal-status signal produced by a
// provider adapter from either a webhook body or a poll response.
// It is ephemeral and never persisted.
type TaskUpdate struct {
	Provider     string `json:"provider"`
	TaskID       string `json:"task_id"`
	Status       Status `json:"status"`
	ResultURL    string `json:"result_url,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}
