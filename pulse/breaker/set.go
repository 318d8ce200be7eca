package breaker

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Set holds one breaker per source, created on first use.
// It is shared by every worker and every job.
type Set struct {
	cfg     Config
	logger  *zap.SugaredLogger
	timeNow func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates an empty breaker set.
func NewSet(cfg Config, logger *zap.SugaredLogger) *Set {
	return NewSetWithClock(cfg, logger, time.Now)
}

// NewSetWithClock creates a breaker set whose breakers share an injectable clock.
func NewSetWithClock(cfg Config, logger *zap.SugaredLogger, timeNow func() time.Time) *Set {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Set{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		timeNow:  timeNow,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for source, creating it Closed if needed.
func (s *Set) For(source string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.breakers[source]
	if !ok {
		b = NewWithClock(source, s.cfg, s.logger, s.timeNow)
		s.breakers[source] = b
	}
	return b
}

// Allow reports whether source accepts another request.
func (s *Set) Allow(source string) bool { return s.For(source).Allow() }

// Admit admits a request to source and returns the permit to report through.
func (s *Set) Admit(source string) (Permit, bool) { return s.For(source).Admit() }

// RecordSuccess records a success for source.
func (s *Set) RecordSuccess(source string) { s.For(source).RecordSuccess() }

// RecordFailure records a failure for source.
func (s *Set) RecordFailure(source string) { s.For(source).RecordFailure() }

// State returns source's current state. Unknown sources are Closed.
func (s *Set) State(source string) State { return s.For(source).State() }

// Snapshot returns every known breaker, sorted by source.
func (s *Set) Snapshot() []Snapshot {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	snaps := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Source < snaps[j].Source })
	return snaps
}
