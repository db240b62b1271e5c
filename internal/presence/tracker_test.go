package presence

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/model"
)

const testSession = "7e9d2c3a-6b1f-4e8a-9c0d-5f6a7b8c9d0e"

func newTracker(t *testing.T, broker *channel.Broker, self model.PresenceInfo, mock *clock.Mock) *Tracker {
	t.Helper()

	roster := broker.Open("presence:"+testSession, self.ID)
	cursors := broker.Open("cursor-broadcast:"+testSession, self.ID)
	typing := broker.Open("typing:"+testSession, self.ID)
	for _, h := range []channel.Handle{roster, cursors, typing} {
		require.NoError(t, h.Subscribe(context.Background()))
	}

	return NewTracker(TrackerConfig{
		Self:           self,
		Roster:         roster,
		Cursors:        cursors,
		Typing:         typing,
		Clock:          mock,
		CursorInterval: 8 * time.Millisecond,
		CursorMinDelta: 1.0,
		TypingTTL:      3 * time.Second,
		TypingRefresh:  500 * time.Millisecond,
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition never held")
}

func peer(id, name, color string, joined time.Time) model.PresenceInfo {
	return model.PresenceInfo{ID: id, Name: name, Color: color, JoinedAt: joined}
}

func TestTracker_RosterFollowsJoinAndLeave(t *testing.T) {
	broker := channel.NewBroker()
	base := time.Now()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", base), clock.NewMock())
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", base.Add(time.Second)), clock.NewMock())

	require.NoError(t, alice.Join())
	require.NoError(t, bob.Join())

	waitUntil(t, func() bool { return len(alice.Roster()) == 2 })
	roster := alice.Roster()
	assert.Equal(t, "alice", roster[0].ID, "roster ordered by join time")
	assert.Equal(t, "bob", roster[1].ID)

	require.NoError(t, bob.Leave())
	waitUntil(t, func() bool { return len(alice.Roster()) == 1 })
	assert.Equal(t, "alice", alice.Roster()[0].ID)
}

func TestTracker_CursorThrottledAndDelivered(t *testing.T) {
	broker := channel.NewBroker()
	mockA := clock.NewMock()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), mockA)
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", time.Now()), clock.NewMock())

	require.True(t, alice.OfferCursor(10, 10))

	// Inside the interval: suppressed, regardless of distance.
	assert.False(t, alice.OfferCursor(300, 300))

	mockA.Add(8 * time.Millisecond)
	// Sub-delta movement: suppressed even after the interval.
	assert.False(t, alice.OfferCursor(10.4, 10.6))
	assert.True(t, alice.OfferCursor(50, 50))

	waitUntil(t, func() bool {
		cursors := bob.Cursors()
		return len(cursors) == 1 && cursors[0].X == 50
	})
	got := bob.Cursors()[0]
	assert.Equal(t, "alice", got.ParticipantID)
	assert.Equal(t, "#E53E3E", got.Color, "cursor carries identity for rendering")
}

func TestTracker_CursorKeepsLatestOnly(t *testing.T) {
	broker := channel.NewBroker()
	mockA := clock.NewMock()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), mockA)
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", time.Now()), clock.NewMock())

	for i := 1; i <= 5; i++ {
		alice.OfferCursor(float64(i*100), 0)
		mockA.Add(10 * time.Millisecond)
	}

	waitUntil(t, func() bool {
		cursors := bob.Cursors()
		return len(cursors) == 1 && cursors[0].X == 500
	})
}

func TestTracker_LeaveEvictsCursorAndTyping(t *testing.T) {
	broker := channel.NewBroker()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), clock.NewMock())
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", time.Now()), clock.NewMock())
	require.NoError(t, alice.Join())
	require.NoError(t, bob.Join())

	alice.OfferCursor(10, 10)
	alice.Typing("c1")
	waitUntil(t, func() bool { return len(bob.Cursors()) == 1 && len(bob.TypingPeers()) == 1 })

	evicted := make(chan string, 1)
	bob.OnPeerLeave(func(id string) { evicted <- id })

	require.NoError(t, alice.Leave())
	waitUntil(t, func() bool { return len(bob.Cursors()) == 0 })
	assert.Empty(t, bob.TypingPeers(), "typing evicted with the leaving peer")
	select {
	case id := <-evicted:
		assert.Equal(t, "alice", id)
	case <-time.After(2 * time.Second):
		t.Fatal("peer-leave hook never fired")
	}
}

func TestTracker_TypingExpiresWithoutRefresh(t *testing.T) {
	broker := channel.NewBroker()
	mockB := clock.NewMock()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), clock.NewMock())
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", time.Now()), mockB)

	// Suppress alice's auto-stop so only bob's TTL clears the entry.
	alice.Typing("c1")
	waitUntil(t, func() bool { return len(bob.TypingPeers()) == 1 })
	assert.Equal(t, "c1", bob.TypingPeers()[0].CardID)

	mockB.Add(3 * time.Second)
	assert.Empty(t, bob.TypingPeers(), "typing must expire after the TTL")
}

func TestTracker_StopTypingClearsImmediately(t *testing.T) {
	broker := channel.NewBroker()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), clock.NewMock())
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", time.Now()), clock.NewMock())

	alice.Typing("c1")
	waitUntil(t, func() bool { return len(bob.TypingPeers()) == 1 })

	alice.StopTyping()
	waitUntil(t, func() bool { return len(bob.TypingPeers()) == 0 })
}

func TestTracker_TypingAutoStopsAfterQuietPeriod(t *testing.T) {
	broker := channel.NewBroker()
	mockA := clock.NewMock()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), mockA)
	bob := newTracker(t, broker, peer("bob", "Bob", "#3182CE", time.Now()), clock.NewMock())

	alice.Typing("c1")
	waitUntil(t, func() bool { return len(bob.TypingPeers()) == 1 })

	// No further keystrokes: the sender-side debounce withdraws the status.
	mockA.Add(500 * time.Millisecond)
	waitUntil(t, func() bool { return len(bob.TypingPeers()) == 0 })
}

func TestTracker_TypingRebroadcastRateCapped(t *testing.T) {
	broker := channel.NewBroker()
	mockA := clock.NewMock()
	alice := newTracker(t, broker, peer("alice", "Alice", "#E53E3E", time.Now()), mockA)

	watcher := broker.Open("typing:"+testSession, "watcher")
	require.NoError(t, watcher.Subscribe(context.Background()))
	var starts atomic.Int32
	watcher.OnBroadcast(EventTypingStart, func([]byte) { starts.Add(1) })

	// A burst of keystrokes inside the refresh window sends one start.
	for i := 0; i < 20; i++ {
		alice.Typing("c1")
	}
	waitUntil(t, func() bool { return starts.Load() == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), starts.Load())

	// Past the refresh interval the next keystroke rebroadcasts.
	mockA.Add(500 * time.Millisecond)
	alice.Typing("c1")
	waitUntil(t, func() bool { return starts.Load() >= 2 })
}
