package metering

import (
	"strings"

	"github.com/uniedit/metering/internal/model"
)

// Vocabulary maps a provider's job states onto the engine's statuses.
type Vocabulary struct {
	Succeeded []string `json:"succeeded" yaml:"succeeded"`
	Failed    []string `json:"failed" yaml:"failed"`
	Pending   []string `json:"pending" yaml:"pending"`
}

// DefaultVocabulary covers the state names common across media providers.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		Succeeded: []string{"succeeded", "success", "succeed", "successful", "completed", "complete", "done", "finished"},
		Failed:    []string{"failed", "failure", "fail", "error", "errored", "canceled", "cancelled", "rejected", "timeout", "timed_out"},
		Pending:   []string{"pending", "queued", "queueing", "submitted", "running", "processing", "in_progress", "starting", "waiting", "created"},
	}
}

// Normalize maps a raw state to submitted, succeeded or failed.
// Unknown states read as submitted and known is false.
func (v Vocabulary) Normalize(state string) (status model.TaskStatus, known bool) {
	s := strings.ToLower(strings.TrimSpace(state))
	switch {
	case s == "":
		return model.TaskStatusSubmitted, false
	case contains(v.Succeeded, s):
		return model.TaskStatusSucceeded, true
	case contains(v.Failed, s):
		return model.TaskStatusFailed, true
	case contains(v.Pending, s):
		return model.TaskStatusSubmitted, true
	default:
		return model.TaskStatusSubmitted, false
	}
}

func contains(values []string, s string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}
