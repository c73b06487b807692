package provider

import (
	"strconv"
	"strings"

	"github.com/adloom/go-adloom/internal/domain"
)

// statusVocab maps the status spellings observed across generation
// providers onto the canonical task states. Anything mapping to pending
// means "no actionable update yet".
var statusVocab = map[string]domain.Status{
	"success":   domain.StatusSuccess,
	"succeeded": domain.StatusSuccess,
	"completed": domain.StatusSuccess,
	"complete":  domain.StatusSuccess,
	"done":      domain.StatusSuccess,
	"finished":  domain.StatusSuccess,

	"fail":      domain.StatusFail,
	"failed":    domain.StatusFail,
	"error":     domain.StatusFail,
	"errored":   domain.StatusFail,
	"canceled":  domain.StatusFail,
	"cancelled": domain.StatusFail,
	"timeout":   domain.StatusFail,
	"expired":   domain.StatusFail,

	"pending":     domain.StatusPending,
	"queued":      domain.StatusPending,
	"submitted":   domain.StatusPending,
	"starting":    domain.StatusPending,
	"waiting":     domain.StatusPending,
	"processing":  domain.StatusPending,
	"running":     domain.StatusPending,
	"in_progress": domain.StatusPending,
	"in-progress": domain.StatusPending,
	"generating":  domain.StatusPending,
}

// taskIDPaths, statusPaths, resultPaths and errorPaths are the field
// locations tried, in order, when normalizing an arbitrary provider JSON
// document. Dots denote nesting.
var (
	taskIDPaths = []string{"taskId", "task_id", "id", "request_id", "data.task_id", "data.id", "task.id"}
	statusPaths = []string{"status", "state", "task_status", "data.status", "task.status"}
	resultPaths = []string{
		"resultUrl", "result_url", "videoUrl", "video_url", "url",
		"result.url", "result.video_url", "content.video_url",
		"data.video_url", "data.result_url", "output",
		"data.videos", "videos",
	}
	errorPaths = []string{
		"error_message", "errorMessage", "failure_reason", "reason",
		"error.message", "error", "message", "detail",
	}
)

// NormalizeStatus maps a raw provider status string onto the canonical
// vocabulary. ok is false for spellings not in the table; callers should
// treat those as not-yet-actionable rather than guessing a terminal state.
func NormalizeStatus(raw string) (domain.Status, bool) {
	s, ok := statusVocab[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// Normalize turns a decoded provider JSON document into a TaskUpdate.
// Returns (nil, nil) when the document reports a non-terminal status or a
// status spelling outside the known vocabulary — in both cases the task
// stays pending and the poller retries. A document with no extractable
// task id is a PayloadParseError.
func Normalize(providerName string, doc map[string]any) (*domain.TaskUpdate, error) {
	taskID := firstString(doc, taskIDPaths)
	if taskID == "" {
		return nil, &domain.PayloadParseError{Provider: providerName, Reason: "missing task id"}
	}

	rawStatus := firstString(doc, statusPaths)
	status, known := NormalizeStatus(rawStatus)
	if !known || !status.IsTerminal() {
		return nil, nil
	}

	upd := &domain.TaskUpdate{
		Provider: providerName,
		TaskID:   taskID,
		Status:   status,
	}
	switch status {
	case domain.StatusSuccess:
		upd.ResultURL = firstString(doc, resultPaths)
	case domain.StatusFail:
		upd.ErrorMessage = firstString(doc, errorPaths)
		if upd.ErrorMessage == "" {
			upd.ErrorMessage = "generation failed (" + rawStatus + ")"
		}
	}
	return upd, nil
}

// firstString returns the first non-empty string found at any of the
// candidate paths.
func firstString(doc map[string]any, paths []string) string {
	for _, path := range paths {
		if s := stringAt(doc, path); s != "" {
			return s
		}
	}
	return ""
}

// stringAt navigates a dotted path through nested maps and unwraps the
// shapes providers actually send: plain strings, single-element arrays,
// and objects carrying a url field.
func stringAt(doc map[string]any, path string) string {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[part]
		if !ok {
			return ""
		}
	}
	return flatten(cur)
}

func flatten(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Numeric task ids survive JSON decoding as float64.
		return strconv.FormatFloat(val, 'f', -1, 64)
	case []any:
		if len(val) == 0 {
			return ""
		}
		return flatten(val[0])
	case map[string]any:
		for _, k := range []string{"url", "video_url", "videoUrl", "message"} {
			if s, ok := val[k].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}
