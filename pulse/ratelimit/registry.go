package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/sym"
)

// Registry holds one Limiter per source, shared by every worker.
//
// Limits resolve in order: explicit override (config), the source's own hints,
// then the registry defaults.
type Registry struct {
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu        sync.Mutex
	defaults  Limits
	overrides map[string]Limits
	hints     map[string]Limits
	limiters  map[string]*Limiter
}

// NewRegistry creates a registry with the real clock.
func NewRegistry(defaults Limits, overrides map[string]Limits, logger *zap.SugaredLogger) *Registry {
	return NewRegistryWithClock(defaults, overrides, logger, time.Now)
}

// NewRegistryWithClock creates a registry with an injectable clock (for testing).
func NewRegistryWithClock(defaults Limits, overrides map[string]Limits, logger *zap.SugaredLogger, timeNow func() time.Time) *Registry {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &Registry{
		logger:    logger,
		timeNow:   timeNow,
		defaults:  defaults.withDefaults(),
		overrides: copyLimits(overrides),
		hints:     make(map[string]Limits),
		limiters:  make(map[string]*Limiter),
	}
	return r
}

func copyLimits(in map[string]Limits) map[string]Limits {
	out := make(map[string]Limits, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// resolve must be called with lock held.
func (r *Registry) resolve(source string) Limits {
	if l, ok := r.overrides[source]; ok {
		return l.withDefaults()
	}
	if l, ok := r.hints[source]; ok {
		return l.withDefaults()
	}
	return r.defaults
}

// Hint records a source's self-declared limits. Config overrides still win.
func (r *Registry) Hint(source string, limits Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hints[source] = limits
	if l, ok := r.limiters[source]; ok {
		l.SetLimits(r.resolve(source))
	}
}

// For returns source's limiter, creating it on first use.
func (r *Registry) For(source string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[source]
	if !ok {
		l = NewLimiterWithClock(source, r.resolve(source), r.timeNow)
		r.limiters[source] = l
	}
	return l
}

// TryAcquire admits one request to source without blocking.
func (r *Registry) TryAcquire(source string) bool { return r.For(source).TryAcquire() }

// Acquire blocks until source admits a request; see Limiter.Acquire.
func (r *Registry) Acquire(ctx context.Context, source string) error {
	return r.For(source).Acquire(ctx)
}

// CoolDown refuses admissions to source until the given deadline and lowers its
// effective limit; see Limiter.CoolDown.
func (r *Registry) CoolDown(source string, until time.Time) {
	l := r.For(source)
	l.CoolDown(until)
	r.logger.Infow("Source asked us to back off",
		"symbol", sym.Pulse,
		"source", source,
		"until", until.Format(time.RFC3339),
		"effective_max_per_window", l.EffectiveMax(),
	)
}

// Stats returns source's window statistics.
func (r *Registry) Stats(source string) Stats { return r.For(source).Stats() }

// AllStats returns statistics for every known source, sorted by name.
func (r *Registry) AllStats() []Stats {
	r.mu.Lock()
	limiters := make([]*Limiter, 0, len(r.limiters))
	for _, l := range r.limiters {
		limiters = append(limiters, l)
	}
	r.mu.Unlock()

	stats := make([]Stats, 0, len(limiters))
	for _, l := range limiters {
		stats = append(stats, l.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Source < stats[j].Source })
	return stats
}

// Apply swaps in new defaults and overrides, e.g. after a config reload.
// Existing limiters keep their windows and cool-downs.
func (r *Registry) Apply(defaults Limits, overrides map[string]Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.defaults = defaults.withDefaults()
	r.overrides = copyLimits(overrides)
	for source, l := range r.limiters {
		l.SetLimits(r.resolve(source))
	}

	r.logger.Infow("Rate limits reloaded",
		"symbol", sym.Pulse,
		"default_max_per_window", r.defaults.MaxPerWindow,
		"overrides", len(r.overrides),
	)
}
