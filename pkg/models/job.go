package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the externally visible lifecycle state of a scoring job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job tracks one scoring request. The API returns its ID on POST /api/v1/ats/score;
// the client polls GET /api/v1/ats/score/{id} until status is completed or failed.
//
// A job waiting for a retry after a failed attempt stays in processing, so the
// status never moves backwards.
type Job struct {
	ID          string          `json:"id"`
	Status      JobStatus       `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

var validTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:    {JobStatusProcessing},
	JobStatusProcessing: {JobStatusProcessing, JobStatusCompleted, JobStatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// processing -> processing is a redelivery or a retry; completed and failed are terminal.
func CanTransition(from, to JobStatus) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ParseJobStatus converts a stored status string into a JobStatus.
func ParseJobStatus(s string) (JobStatus, error) {
	st := JobStatus(s)
	switch st {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}
