// Package breaker isolates misbehaving sources behind per-source circuit breakers.
//
// A breaker starts Closed. FailureThreshold consecutive failures open it; while Open
// every request is refused until RecoveryTimeout has elapsed, after which the next
// admission flips it to HalfOpen. HalfOpen admits at most HalfOpenMaxCalls trial calls:
// one failure reopens it, HalfOpenMaxCalls successes close it.
//
// All state lives behind one mutex per breaker. The Open→HalfOpen flip and trial
// admission happen in the same critical section, so concurrent workers can never
// admit more trial calls than configured.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/harvest/sym"
)

// State is the breaker's health state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds breaker thresholds.
type Config struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	HalfOpenMaxCalls int
}

// DefaultConfig returns 5 failures / 60s recovery / 3 trial calls.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	return c
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Source            string    `json:"source"`
	State             State     `json:"-"`
	StateName         string    `json:"state"`
	Failures          int       `json:"consecutive_failures"`
	OpenedAt          time.Time `json:"opened_at,omitempty"`
	LastTransition    time.Time `json:"last_transition,omitempty"`
	HalfOpenCalls     int       `json:"half_open_calls"`
	HalfOpenSuccesses int       `json:"half_open_successes"`
}

// Breaker is a single source's circuit breaker.
type Breaker struct {
	source  string
	cfg     Config
	logger  *zap.SugaredLogger
	timeNow func() time.Time // Injectable for testing

	mu                sync.Mutex
	state             State
	failures          int
	openedAt          time.Time
	lastTransition    time.Time
	halfOpenCalls     int
	halfOpenSuccesses int
	// generation increments on every transition so stale permits can be recognised
	generation uint64
}

// New creates a closed breaker using the real clock.
func New(source string, cfg Config, logger *zap.SugaredLogger) *Breaker {
	return NewWithClock(source, cfg, logger, time.Now)
}

// NewWithClock creates a closed breaker with an injectable clock (for testing).
func NewWithClock(source string, cfg Config, logger *zap.SugaredLogger, timeNow func() time.Time) *Breaker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Breaker{
		source:         source,
		cfg:            cfg.withDefaults(),
		logger:         logger,
		timeNow:        timeNow,
		state:          Closed,
		lastTransition: timeNow(),
	}
}

// Permit is proof of admission. Reporting through the permit rather than the
// breaker keeps evidence from an earlier state (a request admitted while Closed
// that finishes after the breaker went HalfOpen) from being counted as a trial.
type Permit struct {
	b          *Breaker
	trial      bool
	generation uint64
	// unbound marks evidence recorded without admission (RecordSuccess/RecordFailure).
	unbound bool
}

// Trial reports whether this permit occupies a half-open trial slot.
func (p Permit) Trial() bool { return p.trial }

// Success records a successful request.
func (p Permit) Success() {
	if p.b != nil {
		p.b.record(true, p)
	}
}

// Failure records a failed request.
func (p Permit) Failure() {
	if p.b != nil {
		p.b.record(false, p)
	}
}

// Release returns an unused trial slot. Use it when the admitted request was
// abandoned before it produced evidence either way, e.g. on cancellation.
func (p Permit) Release() {
	if p.b == nil || !p.trial {
		return
	}
	b := p.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.generation == p.generation && b.halfOpenCalls > b.halfOpenSuccesses {
		b.halfOpenCalls--
	}
}

// Allow reports whether a request may proceed. A true result in HalfOpen consumes a trial slot.
func (b *Breaker) Allow() bool {
	_, ok := b.Admit()
	return ok
}

// Admit is Allow returning a Permit to report the result through.
func (b *Breaker) Admit() (Permit, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.timeNow()
	b.advance(now)

	switch b.state {
	case Closed:
		return Permit{b: b, generation: b.generation}, true
	case HalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return Permit{}, false
		}
		b.halfOpenCalls++
		return Permit{b: b, trial: true, generation: b.generation}, true
	default:
		return Permit{}, false
	}
}

// RecordSuccess records a success without a permit.
// In HalfOpen it only counts while admitted trial calls outnumber recorded successes,
// so it can never close a breaker that admitted no trial calls.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	gen := b.generation
	b.mu.Unlock()
	b.record(true, Permit{b: b, trial: true, generation: gen, unbound: true})
}

// RecordFailure records a failure without a permit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	gen := b.generation
	b.mu.Unlock()
	b.record(false, Permit{b: b, trial: true, generation: gen, unbound: true})
}

func (b *Breaker) record(success bool, p Permit) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.timeNow()

	switch b.state {
	case Closed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(Open, now)
		}
	case HalfOpen:
		if !p.trial || p.generation != b.generation {
			return
		}
		if !success {
			b.failures++
			b.transition(Open, now)
			return
		}
		if p.unbound && b.halfOpenSuccesses >= b.halfOpenCalls {
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.HalfOpenMaxCalls {
			b.transition(Closed, now)
		}
	case Open:
		// late results from requests admitted before the breaker opened
	}
}

// advance performs the time-driven Open→HalfOpen transition. Must be called with lock held.
func (b *Breaker) advance(now time.Time) {
	if b.state == Open && now.Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		b.transition(HalfOpen, now)
	}
}

// transition must be called with lock held.
func (b *Breaker) transition(to State, now time.Time) {
	from := b.state
	b.state = to
	b.lastTransition = now
	b.generation++
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0

	switch to {
	case Open:
		b.openedAt = now
		b.logger.Warnw("Circuit breaker opened",
			"symbol", sym.Pulse,
			"source", b.source,
			"from", from.String(),
			"consecutive_failures", b.failures,
			"recovery_timeout", b.cfg.RecoveryTimeout,
		)
	case HalfOpen:
		b.logger.Infow("Circuit breaker half-open, admitting trial calls",
			"symbol", sym.Pulse,
			"source", b.source,
			"max_calls", b.cfg.HalfOpenMaxCalls,
		)
	case Closed:
		b.failures = 0
		b.logger.Infow("Circuit breaker closed",
			"symbol", sym.Pulse,
			"source", b.source,
			"from", from.String(),
		)
	}
}

// State returns the current state, applying any due Open→HalfOpen transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.timeNow())
	return b.state
}

// Snapshot returns a copy of the breaker's state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.timeNow())
	return Snapshot{
		Source:            b.source,
		State:             b.state,
		StateName:         b.state.String(),
		Failures:          b.failures,
		OpenedAt:          b.openedAt,
		LastTransition:    b.lastTransition,
		HalfOpenCalls:     b.halfOpenCalls,
		HalfOpenSuccesses: b.halfOpenSuccesses,
	}
}
