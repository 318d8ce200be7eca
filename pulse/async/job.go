// Package async runs fetch jobs on a bounded worker pool shared by every job.
package async

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/harvest/errors"
)

// JobStatus represents the current state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// IsValidStatus returns true if the status string is a valid JobStatus
func IsValidStatus(s string) bool {
	switch JobStatus(s) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// InterruptedReason is recorded on jobs found running at startup.
const InterruptedReason = "interrupted"

// FetchJob is a request to collect Target assets for Theme.
type FetchJob struct {
	Theme    string   `json:"theme"`
	Target   int      `json:"target"`
	Sources  []string `json:"sources,omitempty"`
	Category string   `json:"category,omitempty"`
	// Constraints are passed to every source untouched.
	Constraints map[string]string `json:"constraints,omitempty"`
	// OutputDir overrides the orchestrator's output directory for this job.
	OutputDir string `json:"output_dir,omitempty"`
}

// Validate checks the request before it is accepted.
func (r FetchJob) Validate() error {
	if strings.TrimSpace(r.Theme) == "" {
		return errors.NewInvalidRequestError("theme must not be empty")
	}
	if r.Target <= 0 {
		return errors.NewInvalidRequestError("target must be positive, got %d", r.Target)
	}
	return nil
}

// Counters aggregate unit outcomes for one job.
type Counters struct {
	Requested int   `json:"requested"`
	Succeeded int   `json:"succeeded"`
	Duplicate int   `json:"duplicate"`
	Failed    int   `json:"failed"`
	Deferred  int   `json:"deferred"`
	Bytes     int64 `json:"bytes"`
}

// Job is the persisted record of a fetch job.
type Job struct {
	ID          string     `json:"id"`
	Theme       string     `json:"theme"`
	Category    string     `json:"category,omitempty"`
	Target      int        `json:"target"`
	Sources     []string   `json:"sources"`
	Status      JobStatus  `json:"status"`
	Counters    Counters   `json:"counters"`
	OutputDir   string     `json:"output_dir,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewJob creates a pending job record for req.
func NewJob(req FetchJob, sources []string, outputDir string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Theme:     req.Theme,
		Category:  req.Category,
		Target:    req.Target,
		Sources:   sources,
		Status:    JobStatusPending,
		OutputDir: outputDir,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Start marks the job as running
func (j *Job) Start() {
	now := time.Now().UTC()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
}

// Complete marks the job as completed
func (j *Job) Complete() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Fail marks the job as failed with an error message
func (j *Job) Fail(err error) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.Error = err.Error()
	j.CompletedAt = &now
	j.UpdatedAt = now
}

// Cancel marks the job as cancelled with a reason
func (j *Job) Cancel(reason string) {
	now := time.Now().UTC()
	j.Status = JobStatusCancelled
	j.Error = reason
	j.CompletedAt = &now
	j.UpdatedAt = now
}
