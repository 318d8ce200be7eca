package transfer

import (
	"github.com/teranos/harvest/pulse/retry"
)

// Unit is one candidate asset to download.
type Unit struct {
	// ID keys the unit's ChunkProgress. It must be stable across restarts; the orchestrator uses the URL hash.
	ID     string `json:"id"`
	URL    string `json:"url"`
	Source string `json:"source"`
	// ExpectedSize is the length promised by the search result, 0 when unknown.
	ExpectedSize int64 `json:"expected_size,omitempty"`
}

// OutcomeKind is the terminal state of a unit.
type OutcomeKind string

const (
	OutcomeSaved     OutcomeKind = "saved"
	OutcomeDuplicate OutcomeKind = "duplicate"
	OutcomeFailed    OutcomeKind = "failed"
	// OutcomeDeferred means the source's breaker refused the unit; it may be replaced from another source.
	OutcomeDeferred  OutcomeKind = "deferred"
	OutcomeCancelled OutcomeKind = "cancelled"
)

// Outcome is what a transfer reports upward. Component errors never escape raw;
// they are summarised in Reason and Err.
type Outcome struct {
	Kind        OutcomeKind `json:"kind"`
	Unit        Unit        `json:"unit"`
	ContentHash string      `json:"content_hash,omitempty"`
	Size        int64       `json:"size,omitempty"`
	Path        string      `json:"path,omitempty"`
	Attempts    int         `json:"attempts"`
	// ResumedFrom is the offset the final attempt started at; 0 for a fresh download.
	ResumedFrom int64      `json:"resumed_from,omitempty"`
	Reason      retry.Kind `json:"reason,omitempty"`
	Err         error      `json:"-"`
}

// Error returns the failure message, or "" for non-failures.
func (o Outcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
