// Package source defines the search capability the orchestrator pulls candidates from.
//
// A Source is registered once at startup and is immutable afterwards. Provider
// specifics such as query-string construction live behind Search.
package source

import (
	"context"

	"github.com/teranos/harvest/pulse/ratelimit"
)

// SearchRequest asks a source for assets matching a theme.
type SearchRequest struct {
	Theme      string
	MaxResults int
	Category   string
	// Constraints are passed through untouched (quality, size, orientation).
	Constraints map[string]string
}

// Candidate is one search result.
type Candidate struct {
	URL      string `json:"url" yaml:"url"`
	SourceID string `json:"source_id" yaml:"source_id"`
	// ExpectedSize is 0 when the provider does not say.
	ExpectedSize int64             `json:"expected_size,omitempty" yaml:"expected_size,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Source is a search provider.
type Source interface {
	Name() string
	// Search returns at most req.MaxResults candidates. An error is treated by
	// callers as zero candidates for this source, never as a fatal job error.
	Search(ctx context.Context, req SearchRequest) ([]Candidate, error)
	// RateLimitHints are the provider's published limits. Configuration overrides them.
	RateLimitHints() ratelimit.Limits
}
