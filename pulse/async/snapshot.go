package async

import (
	"time"

	"github.com/teranos/harvest/pulse/retry"
)

// JobHandle identifies a submitted job.
type JobHandle string

// SourceSnapshot is one source's view within a job.
type SourceSnapshot struct {
	Source     string `json:"source"`
	Breaker    string `json:"breaker"`
	Candidates int    `json:"candidates"`
	Saved      int    `json:"saved"`
	Failed     int    `json:"failed"`
	Deferred   int    `json:"deferred"`
	// LastFailure is the most recent failure attributed to the source, search failures included.
	LastFailure     string     `json:"last_failure,omitempty"`
	LastFailureKind retry.Kind `json:"last_failure_kind,omitempty"`
}

// Snapshot is a point-in-time copy of a job's progress.
type Snapshot struct {
	ID          string           `json:"id"`
	Theme       string           `json:"theme"`
	Category    string           `json:"category,omitempty"`
	Target      int              `json:"target"`
	Status      JobStatus        `json:"status"`
	Counters    Counters         `json:"counters"`
	InFlight    int              `json:"in_flight"`
	Operation   string           `json:"operation,omitempty"`
	Error       string           `json:"error,omitempty"`
	OutputDir   string           `json:"output_dir,omitempty"`
	Sources     []SourceSnapshot `json:"sources"`
	CreatedAt   time.Time        `json:"created_at"`
	StartedAt   *time.Time       `json:"started_at,omitempty"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
}

// Handle returns the snapshot's job handle.
func (s Snapshot) Handle() JobHandle { return JobHandle(s.ID) }

// Source returns the named source's entry.
func (s Snapshot) Source(name string) (SourceSnapshot, bool) {
	for _, src := range s.Sources {
		if src.Source == name {
			return src, true
		}
	}
	return SourceSnapshot{}, false
}

// snapshotFromJob builds a snapshot from a persisted record. Per-source detail
// only exists for jobs run by this process.
func snapshotFromJob(job *Job) Snapshot {
	snap := Snapshot{
		ID:        job.ID,
		Theme:     job.Theme,
		Category:  job.Category,
		Target:    job.Target,
		Status:    job.Status,
		Counters:  job.Counters,
		Error:     job.Error,
		OutputDir: job.OutputDir,
		CreatedAt: job.CreatedAt,
	}
	if job.StartedAt != nil {
		t := *job.StartedAt
		snap.StartedAt = &t
	}
	if job.CompletedAt != nil {
		t := *job.CompletedAt
		snap.CompletedAt = &t
	}
	for _, name := range job.Sources {
		snap.Sources = append(snap.Sources, SourceSnapshot{Source: name})
	}
	return snap
}
