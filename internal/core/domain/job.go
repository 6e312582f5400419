package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type JobID string

// NewJobID returns a random UUIDv4 job identifier.
func NewJobID() JobID {
	return JobID(uuid.New().String())
}

// ParseJobID validates raw as a UUID and returns it in canonical form.
func ParseJobID(raw string) (JobID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid job id %q: %w", raw, err)
	}
	return JobID(id.String()), nil
}

func (id JobID) String() string { return string(id) }

type JobStatus string

const (
	JobStatusQueued     JobStatus = "QUEUED"
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusCompleted  JobStatus = "COMPLETED"
	JobStatusFailed     JobStatus = "FAILED"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusFailed},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether a job in status s may move to next.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

// Job is one admitted diagnostic request. It is created QUEUED by the
// admission path and only ever advanced by a worker.
type Job struct {
	ID             JobID           `json:"job_id"`
	ClientID       string          `json:"client_id"`
	Status         JobStatus       `json:"status"`
	TargetModelKey string          `json:"target_model_key"`
	InputBundle    json.RawMessage `json:"-"`
	Result         json.RawMessage `json:"result"`
	CallbackURL    string          `json:"callback_url,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// JobFilter narrows ListJobs. Zero values match everything.
type JobFilter struct {
	Status        JobStatus
	UpdatedBefore time.Time
	Limit         int
}

// FailureResult is the result payload stored on a FAILED job.
func FailureResult(err error) json.RawMessage {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return raw
}

var (
	ErrJobNotFound = errors.New("job not found")
	// ErrTransitionConflict is returned when the stored status no longer
	// matches the expected source status of a transition.
	ErrTransitionConflict = errors.New("job status transition conflict")
)
