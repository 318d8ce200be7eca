// Package ratelimit admits requests to a source under a sliding window.
//
// A Limiter counts admissions in the trailing Window and refuses once MaxPerWindow
// is reached. A server-provided cool-down (HTTP 429 with Retry-After) refuses
// every admission until its deadline, whatever the window says, and halves the
// effective per-window limit. Each full window without a further 429 doubles it
// back toward MaxPerWindow. An optional MinInterval spaces consecutive requests
// through a token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/harvest/errors"
)

// Limits configures one source's admission policy.
type Limits struct {
	MaxPerWindow int           `json:"max_per_window" mapstructure:"max_per_window"`
	Window       time.Duration `json:"window" mapstructure:"window"`
	MinInterval  time.Duration `json:"min_interval" mapstructure:"min_interval"`
}

// DefaultLimits returns 60 requests per 60s with no pacing.
func DefaultLimits() Limits {
	return Limits{MaxPerWindow: 60, Window: 60 * time.Second}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxPerWindow <= 0 {
		l.MaxPerWindow = d.MaxPerWindow
	}
	if l.Window <= 0 {
		l.Window = d.Window
	}
	if l.MinInterval < 0 {
		l.MinInterval = 0
	}
	return l
}

// Stats describes a limiter's current window.
type Stats struct {
	Source        string    `json:"source"`
	InWindow      int       `json:"in_window"`
	Remaining     int       `json:"remaining"`
	MaxPerWindow  int       `json:"max_per_window"`
	EffectiveMax  int       `json:"effective_max"`
	CoolDownUntil time.Time `json:"cool_down_until,omitempty"`
}

// ErrDeadline is returned by Acquire when the next admission lies beyond the context deadline.
var ErrDeadline = errors.New("rate limit admission would exceed deadline")

const (
	minWaitStep = 10 * time.Millisecond
	maxWaitStep = time.Second
)

// Limiter enforces one source's limits.
type Limiter struct {
	source  string
	mu      sync.Mutex
	limits  Limits
	times   []time.Time
	coolEnd time.Time
	// reduced is the per-window limit after a 429; zero means MaxPerWindow applies.
	reduced    int
	cleanSince time.Time
	pacer   *rate.Limiter
	timeNow func() time.Time // Injectable for testing
}

// NewLimiter creates a limiter with real time.
func NewLimiter(source string, limits Limits) *Limiter {
	return NewLimiterWithClock(source, limits, time.Now)
}

// NewLimiterWithClock creates a limiter with an injectable clock (for testing).
func NewLimiterWithClock(source string, limits Limits, timeNow func() time.Time) *Limiter {
	l := &Limiter{source: source, timeNow: timeNow}
	l.setLimits(limits)
	return l
}

// SetLimits replaces the limits. Admissions already in the window still count.
func (l *Limiter) SetLimits(limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLimits(limits)
}

func (l *Limiter) setLimits(limits Limits) {
	l.limits = limits.withDefaults()
	if l.reduced >= l.limits.MaxPerWindow {
		l.reduced = 0
	}
	if l.limits.MinInterval > 0 {
		l.pacer = rate.NewLimiter(rate.Every(l.limits.MinInterval), 1)
	} else {
		l.pacer = nil
	}
}

// Limits returns the limits in force.
func (l *Limiter) Limits() Limits {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limits
}

// TryAcquire admits one request if the window, cool-down and pacing all allow it.
func (l *Limiter) TryAcquire() bool {
	ok, _ := l.reserve()
	return ok
}

// Allow is TryAcquire returning a descriptive error on refusal.
func (l *Limiter) Allow() error {
	ok, wait := l.reserve()
	if ok {
		return nil
	}
	stats := l.Stats()
	err := errors.Newf("rate limit exceeded for %s: %d requests in window (limit: %d)",
		l.source, stats.InWindow, stats.EffectiveMax)
	err = errors.WithDetail(err, fmt.Sprintf("Next admission in: %s", wait))
	if !stats.CoolDownUntil.IsZero() {
		err = errors.WithDetail(err, fmt.Sprintf("Server cool-down until: %s", stats.CoolDownUntil.Format(time.RFC3339)))
	}
	return err
}

// reserve admits a request or returns how long until the next admission could succeed.
func (l *Limiter) reserve() (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()

	if now.Before(l.coolEnd) {
		return false, l.coolEnd.Sub(now)
	}

	l.removeExpired(now)
	l.recoverLimit(now)
	if limit := l.effectiveMax(); len(l.times) >= limit {
		return false, l.times[len(l.times)-limit].Add(l.limits.Window).Sub(now)
	}

	if l.pacer != nil {
		r := l.pacer.ReserveN(now, 1)
		if delay := r.DelayFrom(now); delay > 0 {
			r.CancelAt(now)
			return false, delay
		}
	}

	l.times = append(l.times, now)
	return true, 0
}

// Acquire blocks until a request is admitted, ctx is done, or the next admission
// would fall after ctx's deadline. The last case fails fast with ErrDeadline.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		ok, wait := l.reserve()
		if ok {
			return nil
		}

		if deadline, has := ctx.Deadline(); has && l.timeNow().Add(wait).After(deadline) {
			return errors.WithDetail(errors.Wrapf(ErrDeadline, "source %s", l.source),
				fmt.Sprintf("Next admission in: %s", wait))
		}

		// Re-check periodically: CoolDown or SetLimits may change the answer while waiting
		step := wait
		if step < minWaitStep {
			step = minWaitStep
		}
		if step > maxWaitStep {
			step = maxWaitStep
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// CoolDown refuses admissions until until. An earlier deadline than one already in force is ignored.
// The first 429 of a cool-down halves the effective limit (floor 1); later ones only extend it.
func (l *Limiter) CoolDown(until time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	if !now.Before(l.coolEnd) {
		l.recoverLimit(now)
		l.reduced = max(l.effectiveMax()/2, 1)
	}
	if until.After(l.coolEnd) {
		l.coolEnd = until
	}
	l.cleanSince = l.coolEnd
	if l.cleanSince.Before(now) {
		l.cleanSince = now
	}
}

// EffectiveMax returns the per-window limit currently applied.
func (l *Limiter) EffectiveMax() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recoverLimit(l.timeNow())
	return l.effectiveMax()
}

// effectiveMax must be called with lock held.
func (l *Limiter) effectiveMax() int {
	if l.reduced > 0 {
		return l.reduced
	}
	return l.limits.MaxPerWindow
}

// recoverLimit doubles a reduced limit for every full window since the last
// 429 cool-down ended. Must be called with lock held.
func (l *Limiter) recoverLimit(now time.Time) {
	for l.reduced > 0 && !now.Before(l.cleanSince.Add(l.limits.Window)) {
		l.cleanSince = l.cleanSince.Add(l.limits.Window)
		l.reduced *= 2
		if l.reduced >= l.limits.MaxPerWindow {
			l.reduced = 0
		}
	}
}

// removeExpired drops admissions outside the sliding window. Must be called with lock held.
func (l *Limiter) removeExpired(now time.Time) {
	cutoff := now.Add(-l.limits.Window)

	expired := 0
	for _, t := range l.times {
		if t.After(cutoff) {
			break
		}
		expired++
	}

	l.times = l.times[expired:]
}

// Reset clears the window and any cool-down.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.times = l.times[:0]
	l.coolEnd = time.Time{}
	l.reduced = 0
	l.setLimits(l.limits)
}

// Stats returns the limiter's current window statistics.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.timeNow()
	l.removeExpired(now)
	l.recoverLimit(now)

	remaining := l.effectiveMax() - len(l.times)
	if remaining < 0 {
		remaining = 0
	}
	s := Stats{
		Source:       l.source,
		InWindow:     len(l.times),
		Remaining:    remaining,
		MaxPerWindow: l.limits.MaxPerWindow,
		EffectiveMax: l.effectiveMax(),
	}
	if now.Before(l.coolEnd) {
		s.CoolDownUntil = l.coolEnd
	}
	return s
}
