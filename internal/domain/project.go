package domain

import "time"

// ProjectStatus is the rollup status derived from a project's tasks.
type ProjectStatus string

const (
	// ProjectGenerating means at least one task is still pending
	// (or no tasks have been submitted yet).
	ProjectGenerating ProjectStatus = "generating"
	// ProjectCompleted means all tasks are terminal and at least one succeeded.
	ProjectCompleted ProjectStatus = "completed"
	// ProjectFailed means all tasks are terminal and none succeeded.
	ProjectFailed ProjectStatus = "failed"
)

// Project is a user-facing unit of work composed of one or more tasks.
// GenerationProgress, GenerationStatus and ResultURLs are derived purely
// from the project's current task set by the aggregator.
type Project struct {
	ID                 string        `json:"id"`
	Title              string        `json:"title"`
	ProductURL         string        `json:"product_url"`
	OwnerEmail         string        `json:"owner_email,omitempty"`
	GenerationProgress int           `json:"generation_progress"`
	GenerationStatus   ProjectStatus `json:"generation_status"`
	ResultURLs         []string      `json:"result_urls"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
}
