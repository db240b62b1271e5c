package session

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/identity"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/ratelimit"
	"github.com/danilashk/noter/internal/reconnect"
	"github.com/danilashk/noter/internal/store"
)

const testSession = "3f2b8a91-4c5d-4e6f-8a7b-9c0d1e2f3a4b"

type rig struct {
	broker  *channel.Broker
	backend *store.Memory
	mock    *clock.Mock
	limiter *ratelimit.MemoryLimiter
}

func newRig() *rig {
	mock := clock.NewMock()
	return &rig{
		broker:  channel.NewBroker(),
		backend: store.NewMemory(),
		mock:    mock,
		limiter: ratelimit.NewMemoryLimiter(mock, ratelimit.DefaultRules(100, 5*time.Second, 50, time.Hour), 0.8),
	}
}

func (r *rig) client(t *testing.T, name string) *Client {
	t.Helper()
	c, err := New(Config{
		SessionID:   testSession,
		DisplayName: name,
		Identity:    identity.StaticProvider("fp_" + name),
		Transport:   r.broker,
		Store:       r.backend.Bundle(),
		Limiter:     r.limiter,
		Clock:       r.mock,
	})
	require.NoError(t, err)
	return c
}

func (r *rig) joined(t *testing.T, name string) *Client {
	t.Helper()
	c := r.client(t, name)
	require.NoError(t, c.Join(context.Background()))
	return c
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

func TestClient_RejectsMalformedSessionID(t *testing.T) {
	r := newRig()
	_, err := New(Config{
		SessionID: "not-a-uuid",
		Identity:  identity.StaticProvider("fp_a"),
		Transport: r.broker,
		Store:     r.backend.Bundle(),
		Limiter:   r.limiter,
	})
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "sessionId", ve.Field)
}

func TestClient_JoinCreatesSessionLazily(t *testing.T) {
	r := newRig()
	c := r.joined(t, "alice")
	defer c.Leave(context.Background())

	s, err := r.backend.Bundle().Sessions.Get(context.Background(), testSession)
	require.NoError(t, err)
	assert.False(t, s.HasStartedBrainstorm)

	snap := c.Snapshot()
	assert.Equal(t, testSession, snap.Session.ID)
	assert.Equal(t, "alice", snap.Participant.DisplayName)
	assert.Equal(t, reconnect.StateConnected, snap.Connection.State)
}

func TestClient_RejoinKeepsIdentity(t *testing.T) {
	r := newRig()
	first := r.joined(t, "alice")
	id := first.Snapshot().Participant.ID
	require.NoError(t, first.manager.Close())

	second := r.joined(t, "alice")
	assert.Equal(t, id, second.Snapshot().Participant.ID, "same fingerprint resolves to the same seat")
}

func TestClient_FirstCardFlipsStartedFlag(t *testing.T) {
	r := newRig()
	c := r.joined(t, "alice")

	_, err := c.CreateCard(context.Background(), "idea", model.Point{})
	require.NoError(t, err)

	s, err := r.backend.Bundle().Sessions.Get(context.Background(), testSession)
	require.NoError(t, err)
	assert.True(t, s.HasStartedBrainstorm)
	assert.True(t, c.Snapshot().Session.HasStartedBrainstorm)
}

func TestClient_PeerSeesCardThroughBroadcast(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	bob := r.joined(t, "bob")

	card, err := alice.CreateCard(context.Background(), "idea", model.Point{X: 100, Y: 100})
	require.NoError(t, err)

	// The mock clock never advances, so bob's refetch debounce cannot fire:
	// anything he sees arrived over the broadcast path.
	waitUntil(t, func() bool { return len(bob.Snapshot().Cards) == 1 })
	got := bob.Snapshot().Cards[0]
	assert.Equal(t, "idea", got.Content)
	assert.Equal(t, model.Point{X: 100, Y: 100}, got.Position)
	assert.Equal(t, alice.Snapshot().Participant.ID, *got.CreatedBy)
	_ = card
}

func TestClient_SelectionExclusivity(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	ctx := context.Background()

	require.NoError(t, alice.SelectCard(ctx, "c1"))
	require.NoError(t, alice.SelectCard(ctx, "c2"))

	rows, err := r.backend.Bundle().Selections.List(ctx, testSession)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c2", rows[0].CardID)
}

func TestClient_RosterAndColorsAcrossClients(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	bob := r.joined(t, "bob")

	waitUntil(t, func() bool { return len(alice.Snapshot().Roster) == 2 })
	waitUntil(t, func() bool { return len(bob.Snapshot().Roster) == 2 })

	assert.NotEqual(t, alice.Snapshot().Participant.Color, bob.Snapshot().Participant.Color)
}

func TestClient_LeaveReleasesSeatAndPresence(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	bob := r.joined(t, "bob")
	waitUntil(t, func() bool { return len(alice.Snapshot().Roster) == 2 })

	require.NoError(t, bob.Leave(context.Background()))

	waitUntil(t, func() bool { return len(alice.Snapshot().Roster) == 1 })
	_, err := r.backend.Bundle().Participants.FindByFingerprint(context.Background(), testSession, "fp_bob")
	assert.ErrorIs(t, err, model.ErrNotFound, "explicit leave destroys the row")
}

func TestClient_CursorAndTypingFlow(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	bob := r.joined(t, "bob")

	require.True(t, alice.OfferCursor(42, 24))
	alice.Typing("c1")

	waitUntil(t, func() bool {
		snap := bob.Snapshot()
		return len(snap.Cursors) == 1 && len(snap.Typing) == 1
	})
	snap := bob.Snapshot()
	assert.Equal(t, 42.0, snap.Cursors[0].X)
	assert.Equal(t, "c1", snap.Typing[0].CardID)
}

func TestClient_DisconnectedCreatePersistsAndReconciles(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	bob := r.joined(t, "bob")
	waitUntil(t, func() bool { return len(bob.Snapshot().Roster) == 2 })

	// Dropping the transport must surface on both clients without anyone
	// reporting the loss by hand.
	r.broker.SetDown(true)
	require.Equal(t, reconnect.StateReconnecting, alice.Connection().State)
	require.Equal(t, reconnect.StateReconnecting, bob.Connection().State)

	_, err := alice.CreateCard(context.Background(), "offline idea", model.Point{})
	require.NoError(t, err, "the durable write is independent of channel availability")

	cards, err := r.backend.Bundle().Cards.List(context.Background(), testSession)
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Empty(t, bob.Snapshot().Cards, "peers missed the fan-out while down")

	// Transport recovers; the scheduled retries resubscribe and refetch.
	r.broker.SetDown(false)
	r.mock.Add(time.Second)

	waitUntil(t, func() bool { return bob.Connection().State == reconnect.StateConnected })
	waitUntil(t, func() bool { return len(bob.Snapshot().Cards) == 1 })
	assert.Equal(t, "offline idea", bob.Snapshot().Cards[0].Content)
}

func TestClient_SessionFullAtSevenJoins(t *testing.T) {
	r := newRig()
	for i := 0; i < model.MaxParticipants; i++ {
		r.joined(t, string(rune('a'+i)))
	}

	late := r.client(t, "late")
	err := late.Join(context.Background())
	assert.ErrorIs(t, err, model.ErrSessionFull)
}

func TestClient_StatsCountsCardsAndActives(t *testing.T) {
	r := newRig()
	alice := r.joined(t, "alice")
	r.joined(t, "bob")

	_, err := alice.CreateCard(context.Background(), "one", model.Point{})
	require.NoError(t, err)
	_, err = alice.CreateCard(context.Background(), "two", model.Point{})
	require.NoError(t, err)

	stats, err := alice.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.CardCount)
	assert.Equal(t, 2, stats.ParticipantCount)
}
