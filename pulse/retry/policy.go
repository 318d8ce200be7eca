// Package retry decides whether and when a failed transfer attempt is tried again.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/teranos/harvest/errors"
)

// maxShift keeps BaseDelay<<attempt from overflowing.
const maxShift = 30

// Policy is exponential backoff with additive jitter.
//
//	delay(attempt) = min(MaxDelay, BaseDelay * 2^attempt) + jitter, jitter in [0, BaseDelay)
//
// attempt is zero-based: the pause after the first failure uses attempt 0.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// MaxRateLimitDeferrals caps how many 429 cool-downs one unit may sit through.
	// They do not consume MaxAttempts, so without a cap a source that always answers 429 would hold a worker forever.
	MaxRateLimitDeferrals int

	mu  sync.Mutex
	rng *rand.Rand
}

// DefaultPolicy returns 1s base, 30s cap, 3 attempts, 5 rate-limit deferrals.
func DefaultPolicy() *Policy {
	return NewPolicy(time.Second, 30*time.Second, 3, 5)
}

// NewPolicy creates a policy. Non-positive values fall back to the defaults.
func NewPolicy(base, max time.Duration, maxAttempts, maxDeferrals int) *Policy {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if maxDeferrals < 0 {
		maxDeferrals = 5
	}
	return &Policy{
		BaseDelay:             base,
		MaxDelay:              max,
		MaxAttempts:           maxAttempts,
		MaxRateLimitDeferrals: maxDeferrals,
		rng:                   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithSeed makes jitter deterministic (for testing).
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = rand.New(rand.NewSource(seed))
	return p
}

// Backoff returns the delay before jitter.
func (p *Policy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt > maxShift {
		attempt = maxShift
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// NextDelay returns the pause before retrying after the given zero-based attempt.
func (p *Policy) NextDelay(attempt int) time.Duration {
	return p.Backoff(attempt) + p.jitter()
}

func (p *Policy) jitter() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return time.Duration(p.rng.Int63n(int64(p.BaseDelay)))
}

// IsRetryable reports whether err warrants another attempt under the retry budget.
// Rate-limited errors return false: they are handled by cooling the source down.
func (p *Policy) IsRetryable(err error) bool {
	switch Classify(err) {
	case KindTransient:
		return true
	case KindValidation:
		var ve *ValidationError
		return errors.As(err, &ve) && ve.Retryable
	default:
		return false
	}
}

// Sleep pauses for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
