package models

import "time"

// JobStatus represents the state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted
}

// Job represents one queued file awaiting ingestion
type Job struct {
	ID           int64     `json:"id"`
	ReferenceID  string    `json:"reference_id"`
	FileName     string    `json:"file_name"`
	FilePath     string    `json:"file_path"`
	FileSize     int64     `json:"file_size"`
	Status       JobStatus `json:"status"`
	Attempts     int       `json:"attempts"`
	NextAttempt  time.Time `json:"next_attempt"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Error returns the last failure reason or an empty string.
func (j *Job) Error() string {
	if j.ErrorMessage == nil {
		return ""
	}
	return *j.ErrorMessage
}

// JobDraft is the input for inserting a new job
type JobDraft struct {
	ReferenceID string
	FileName    string
	FilePath    string
	FileSize    int64
}

// JobUpdate carries the fields to change on an existing job.
// Nil fields are left untouched; ClearError resets error_message to NULL.
type JobUpdate struct {
	Status       *JobStatus
	Attempts     *int
	NextAttempt  *time.Time
	ErrorMessage *string
	ClearError   bool
}

// Result is what the embeddings processor reports for one file
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Outcome describes what a single processing attempt did to a job
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeSkipped   Outcome = "skipped"
)

// EnqueueRequest represents a request to queue a file
type EnqueueRequest struct {
	ReferenceID        string `json:"reference_id"`
	FilePath           string `json:"file_path"`
	ProcessImmediately bool   `json:"process_immediately,omitempty"`
}

// StatusNotFound is reported by a StatusView that matched no job.
const StatusNotFound = "not_found"

// StatusView is the display-safe projection of the latest job for a reference
type StatusView struct {
	Found        bool       `json:"found"`
	JobID        int64      `json:"job_id,omitempty"`
	ReferenceID  string     `json:"reference_id"`
	FileName     string     `json:"file_name,omitempty"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	NextAttempt  *time.Time `json:"next_attempt,omitempty"`
}
