package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/harvest/pulse/breaker"
	"github.com/teranos/harvest/source"
)

func candidates(prefix string, n int) []source.Candidate {
	out := make([]source.Candidate, n)
	for i := range out {
		out[i] = source.Candidate{URL: prefix + string(rune('a'+i))}
	}
	return out
}

func drainFeed(f *feed) []string {
	var urls []string
	for {
		c, _, ok := f.next()
		if !ok {
			return urls
		}
		urls = append(urls, c.URL)
	}
}

func TestFeedRoundRobin(t *testing.T) {
	set := breaker.NewSet(breaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	f := newFeed([]string{"x", "y"}, map[string][]source.Candidate{
		"x": candidates("x/", 3),
		"y": candidates("y/", 1),
	}, set)

	assert.Equal(t, map[string]int{"x": 3, "y": 1}, f.stranded())
	assert.Equal(t, []string{"x/a", "y/a", "x/b", "x/c"}, drainFeed(f))
	assert.Empty(t, f.stranded())
}

func TestFeedSkipsOpenBreakers(t *testing.T) {
	set := breaker.NewSet(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxCalls: 1}, zaptest.NewLogger(t).Sugar())
	set.RecordFailure("x")
	require.Equal(t, breaker.Open, set.State("x"))

	f := newFeed([]string{"x", "y"}, map[string][]source.Candidate{
		"x": candidates("x/", 2),
		"y": candidates("y/", 2),
	}, set)

	assert.True(t, f.hasAlternative("x"))
	assert.False(t, f.hasAlternative("y"), "x is open, so it is no alternative")

	assert.Equal(t, []string{"y/a", "y/b"}, drainFeed(f))
	assert.False(t, f.hasAlternative("x"))
	assert.Equal(t, map[string]int{"x": 2}, f.stranded(), "an open source keeps its candidates")
}

func TestFeedResumesHalfOpenSource(t *testing.T) {
	now := time.Now()
	set := breaker.NewSetWithClock(breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1},
		zaptest.NewLogger(t).Sugar(), func() time.Time { return now })
	set.RecordFailure("x")

	f := newFeed([]string{"x"}, map[string][]source.Candidate{"x": candidates("x/", 1)}, set)
	_, _, ok := f.next()
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	c, from, ok := f.next()
	require.True(t, ok, "a recovered breaker hands candidates out again")
	assert.Equal(t, "x", from)
	assert.Equal(t, "x/a", c.URL)
}

func TestFeedSourceWithoutResults(t *testing.T) {
	set := breaker.NewSet(breaker.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	f := newFeed([]string{"x", "y"}, map[string][]source.Candidate{"y": candidates("y/", 1)}, set)

	assert.Equal(t, []string{"y/a"}, drainFeed(f))
	_, _, ok := f.next()
	assert.False(t, ok)
}
