package jobs

import "time"

type Kind string

const (
	KindChat        Kind = "chat"
	KindSuggestion  Kind = "suggestion"
	KindExtraction  Kind = "extraction"
	KindLesson      Kind = "lesson"
	KindAssessment  Kind = "assessment"
	KindRemediation Kind = "remediation"
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceling Status = "canceling"
	StatusCanceled  Status = "canceled"
)

// Job is one unit of asynchronous background work. Once terminal it is
// immutable; the registry hands out value snapshots only.
type Job struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	Result    any       `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}
