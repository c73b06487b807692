package domain

import "fmt"

// TaskNotFoundError is returned when a provider task id does not exist.
// Updates never create tasks; tasks originate only from submission.
type TaskNotFoundError struct {
	Provider string
	TaskID   string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s/%s", e.Provider, e.TaskID)
}

// ProjectNotFoundError is returned when a project id does not exist.
type ProjectNotFoundError struct {
	ProjectID string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project not found: %s", e.ProjectID)
}

// UnknownProviderError is returned when no adapter is registered for a provider.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("no adapter registered for provider %q", e.Provider)
}

// PayloadParseError is returned when a webhook body or poll response
// cannot be normalized into a TaskUpdate (no recognizable task id).
// It is rejected at the boundary and never reaches the reconciler.
type PayloadParseError struct {
	Provider string
	Reason   string
}

func (e *PayloadParseError) Error() string {
	return fmt.Sprintf("unparseable %s payload: %s", e.Provider, e.Reason)
}

// ProviderQueryError wraps a failed status query during a poll sweep.
// Transient: the task stays pending and is re-selected next sweep.
type ProviderQueryError struct {
	Provider string
	TaskID   string
	Err      error
}

func (e *ProviderQueryError) Error() string {
	return fmt.Sprintf("status query to %s for task %s: %v", e.Provider, e.TaskID, e.Err)
}

func (e *ProviderQueryError) Unwrap() error { return e.Err }
