package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teranos/harvest/errors"
)

// mockClock allows controlling time in tests
type mockClock struct {
	mu  sync.Mutex
	now time.Time
}

func newMockClock(now time.Time) *mockClock {
	return &mockClock{now: now}
}

func (m *mockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *mockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Given: Limiter configured for 10 requests/minute
// When: Making 11 requests within a minute
// Then: First 10 admitted, 11th refused
func TestLimiter_AtLimit(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pixabay", Limits{MaxPerWindow: 10, Window: time.Minute}, clock.Now)

	for i := 0; i < 10; i++ {
		if !limiter.TryAcquire() {
			t.Errorf("Request %d: expected admission", i+1)
		}
		clock.Advance(100 * time.Millisecond)
	}

	if limiter.TryAcquire() {
		t.Error("Request 11: expected refusal")
	}

	err := limiter.Allow()
	if err == nil {
		t.Fatal("Allow: expected error at limit")
	}
	if details := errors.GetAllDetails(err); len(details) == 0 {
		t.Error("Allow error should carry details")
	}
}

// Given: Limiter at capacity
// When: The oldest admission leaves the trailing window
// Then: Exactly one more request is admitted
func TestLimiter_SlidingWindow(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pixabay", Limits{MaxPerWindow: 3, Window: time.Minute}, clock.Now)

	for i := 0; i < 3; i++ {
		limiter.TryAcquire()
		clock.Advance(10 * time.Second)
	}
	// t=30s, admissions at 0,10,20
	if limiter.TryAcquire() {
		t.Fatal("expected refusal at capacity")
	}

	clock.Advance(30 * time.Second) // t=60s: the admission at 0 expires
	if !limiter.TryAcquire() {
		t.Fatal("expected admission once the oldest request expired")
	}
	if limiter.TryAcquire() {
		t.Fatal("expected refusal: window full again")
	}

	stats := limiter.Stats()
	if stats.InWindow != 3 || stats.Remaining != 0 {
		t.Errorf("Stats = %+v, want 3 in window, 0 remaining", stats)
	}
}

// Given: Many workers hammering one source while time advances
// When: Every admission timestamp is recorded
// Then: No trailing window ever contains more than MaxPerWindow admissions
func TestLimiter_ConcurrentAdmissionBound(t *testing.T) {
	clock := newMockClock(time.Unix(1_700_000_000, 0))
	const max = 20
	window := 10 * time.Second
	limiter := NewLimiterWithClock("unsplash", Limits{MaxPerWindow: max, Window: window}, clock.Now)

	var mu sync.Mutex
	var admitted []time.Time

	for round := 0; round < 5; round++ {
		var wg sync.WaitGroup
		for w := 0; w < 16; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					if limiter.TryAcquire() {
						mu.Lock()
						admitted = append(admitted, clock.Now())
						mu.Unlock()
					}
				}
			}()
		}
		wg.Wait()
		clock.Advance(4 * time.Second)
	}

	for i, start := range admitted {
		count := 0
		for _, ts := range admitted[i:] {
			if ts.Sub(start) < window && !ts.Before(start) {
				count++
			}
		}
		if count > max {
			t.Fatalf("window starting %v admitted %d requests, limit %d", start, count, max)
		}
	}
	if len(admitted) == 0 {
		t.Fatal("expected some admissions")
	}
}

func TestLimiter_ConcurrentExactCount(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("unsplash", Limits{MaxPerWindow: 25, Window: time.Minute}, clock.Now)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for w := 0; w < 50; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if limiter.TryAcquire() {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	if got := admitted.Load(); got != 25 {
		t.Errorf("admitted %d, want exactly 25", got)
	}
}

// Given: A source answered 429 with Retry-After
// When: The window still has capacity
// Then: Admission is refused until the cool-down ends
func TestLimiter_CoolDownOverridesWindow(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 100, Window: time.Minute}, clock.Now)

	limiter.CoolDown(clock.Now().Add(30 * time.Second))
	limiter.CoolDown(clock.Now().Add(5 * time.Second)) // earlier deadline ignored

	if limiter.TryAcquire() {
		t.Fatal("expected refusal during cool-down")
	}
	if limiter.Stats().CoolDownUntil.IsZero() {
		t.Error("Stats should report the cool-down")
	}

	clock.Advance(29 * time.Second)
	if limiter.TryAcquire() {
		t.Fatal("expected refusal one second before cool-down ends")
	}

	clock.Advance(time.Second)
	if !limiter.TryAcquire() {
		t.Fatal("expected admission after cool-down")
	}
}

// Given: A source allowing 8 requests/minute answers 429
// When: The cool-down ends
// Then: Only half the window is admitted, and each clean window doubles it back
func TestLimiter_RateLimitedShrinksThenRecovers(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 8, Window: time.Minute}, clock.Now)

	limiter.CoolDown(clock.Now().Add(10 * time.Second))
	limiter.CoolDown(clock.Now().Add(20 * time.Second)) // same cool-down, no second halving
	if got := limiter.EffectiveMax(); got != 4 {
		t.Fatalf("expected effective limit 4 after a 429, got %d", got)
	}

	clock.Advance(20 * time.Second)
	admitted := 0
	for limiter.TryAcquire() {
		admitted++
	}
	if admitted != 4 {
		t.Fatalf("expected 4 admissions in the reduced window, got %d", admitted)
	}
	if stats := limiter.Stats(); stats.EffectiveMax != 4 || stats.MaxPerWindow != 8 || stats.Remaining != 0 {
		t.Errorf("unexpected stats while reduced: %+v", stats)
	}

	// a second 429 after the first cool-down halves again
	limiter.CoolDown(clock.Now().Add(time.Second))
	if got := limiter.EffectiveMax(); got != 2 {
		t.Fatalf("expected effective limit 2 after another 429, got %d", got)
	}

	clock.Advance(time.Second + time.Minute)
	if got := limiter.EffectiveMax(); got != 4 {
		t.Errorf("expected one clean window to double the limit to 4, got %d", got)
	}
	clock.Advance(time.Minute)
	if got := limiter.EffectiveMax(); got != 8 {
		t.Errorf("expected the configured limit back after two clean windows, got %d", got)
	}
}

func TestLimiter_RateLimitedFloorIsOne(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 1, Window: time.Minute}, clock.Now)

	for i := 0; i < 3; i++ {
		limiter.CoolDown(clock.Now().Add(time.Second))
		clock.Advance(time.Second)
	}
	if got := limiter.EffectiveMax(); got != 1 {
		t.Fatalf("effective limit must not drop below 1, got %d", got)
	}
	if !limiter.TryAcquire() {
		t.Error("expected one admission once the cool-down ends")
	}
}

func TestLimiter_MinIntervalPacing(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 100, Window: time.Minute, MinInterval: 2 * time.Second}, clock.Now)

	if !limiter.TryAcquire() {
		t.Fatal("first request should pass")
	}
	if limiter.TryAcquire() {
		t.Fatal("second request inside MinInterval should be refused")
	}
	clock.Advance(2 * time.Second)
	if !limiter.TryAcquire() {
		t.Fatal("request after MinInterval should pass")
	}
	if got := limiter.Stats().InWindow; got != 2 {
		t.Errorf("refused paced requests must not occupy window slots, got %d", got)
	}
}

func TestLimiter_AcquireFailsFastPastDeadline(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 1, Window: time.Hour}, clock.Now)
	limiter.TryAcquire()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := limiter.Acquire(ctx)
	if !errors.Is(err, ErrDeadline) {
		t.Fatalf("expected ErrDeadline, got %v", err)
	}
}

func TestLimiter_AcquireWaitsForWindow(t *testing.T) {
	limiter := NewLimiter("local", Limits{MaxPerWindow: 1, Window: 50 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := limiter.Acquire(ctx); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("second acquire returned after %v, expected to wait for the window", elapsed)
	}
}

func TestLimiter_AcquireHonoursCancellation(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 1, Window: time.Hour}, clock.Now)
	limiter.TryAcquire()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := limiter.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLimiter_Reset(t *testing.T) {
	clock := newMockClock(time.Now())
	limiter := NewLimiterWithClock("pexels", Limits{MaxPerWindow: 1, Window: time.Hour}, clock.Now)
	limiter.TryAcquire()
	limiter.CoolDown(clock.Now().Add(time.Hour))

	limiter.Reset()

	if !limiter.TryAcquire() {
		t.Error("expected admission after Reset")
	}
}
