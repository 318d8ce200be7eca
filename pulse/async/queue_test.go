package async

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	harvesttest "github.com/teranos/harvest/internal/testing"
)

// ============================================================================
// Yugi's Broadcast Test Universe
// ============================================================================
//
// Characters:
//   - Yugi: The duelist who announces every card played
//   - Spectators: subscribers who watch the duel, some of them distracted
//
// Theme: snapshots are announcements; a distracted spectator misses some,
// but never stops the duel.
// ============================================================================

func TestYugiAnnouncesToSpectators(t *testing.T) {
	t.Log("🃏 Yugi announces a play to two spectators...")
	q := NewQueue(harvesttest.CreateTestDB(t))

	a := q.Subscribe()
	b := q.Subscribe()
	q.notify(Snapshot{ID: "duel-1", Status: JobStatusRunning})

	for _, ch := range []chan Snapshot{a, b} {
		select {
		case snap := <-ch:
			assert.Equal(t, "duel-1", snap.ID)
		case <-time.After(time.Second):
			t.Fatal("spectator missed the announcement")
		}
	}

	q.Unsubscribe(a)
	q.notify(Snapshot{ID: "duel-2"})
	assert.Len(t, a, 0, "unsubscribed spectators hear nothing")
	require.Len(t, b, 1)
	assert.Equal(t, "duel-2", (<-b).ID)
}

func TestYugiNeverWaitsForDistractedSpectator(t *testing.T) {
	t.Log("🃏 A spectator stops listening; the duel goes on...")
	q := NewQueue(harvesttest.CreateTestDB(t))
	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < SubscriberChannelBufferSize*3; i++ {
			q.notify(Snapshot{ID: "spam"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify blocked on a full subscriber")
	}
	assert.Len(t, ch, SubscriberChannelBufferSize, "overflowing events are dropped")
}

func TestUnsubscribeUnknownChannel(t *testing.T) {
	q := NewQueue(harvesttest.CreateTestDB(t))
	q.Unsubscribe(make(chan Snapshot))
}
