package sync

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/ratelimit"
	"github.com/danilashk/noter/internal/store"
)

const testSession = "5a0c4f47-9a8f-4dd0-b0a3-1f0a1c2d3e4f"

// flakyCardStore fails writes on demand.
type flakyCardStore struct {
	store.CardStore
	failCreate   atomic.Bool
	failUpdate   atomic.Bool
	failDelete   atomic.Bool
	failPosition atomic.Bool
}

var errInjected = errors.New("injected store failure")

func (f *flakyCardStore) Create(ctx context.Context, c *model.Card) error {
	if f.failCreate.Load() {
		return errInjected
	}
	return f.CardStore.Create(ctx, c)
}

func (f *flakyCardStore) UpdateContent(ctx context.Context, id, content string) error {
	if f.failUpdate.Load() {
		return errInjected
	}
	return f.CardStore.UpdateContent(ctx, id, content)
}

func (f *flakyCardStore) Delete(ctx context.Context, id string) error {
	if f.failDelete.Load() {
		return errInjected
	}
	return f.CardStore.Delete(ctx, id)
}

func (f *flakyCardStore) UpdatePosition(ctx context.Context, id string, pos model.Point) error {
	if f.failPosition.Load() {
		return errInjected
	}
	return f.CardStore.UpdatePosition(ctx, id, pos)
}

type cardRig struct {
	engine *CardEngine
	store  *flakyCardStore
	broker *channel.Broker
	mock   *clock.Mock
}

func newCardRig(t *testing.T, actorID string, broker *channel.Broker, backend store.CardStore) *cardRig {
	t.Helper()
	if broker == nil {
		broker = channel.NewBroker()
	}
	if backend == nil {
		backend = store.NewMemory()
	}
	flaky := &flakyCardStore{CardStore: backend}
	mock := clock.NewMock()

	handle := broker.Open("cards:"+testSession, actorID)
	require.NoError(t, handle.Subscribe(context.Background()))

	engine := NewCardEngine(CardEngineConfig{
		SessionID:   testSession,
		ActorID:     actorID,
		Fingerprint: "fp_" + actorID,
		Store:       flaky,
		Limiter:     ratelimit.NewMemoryLimiter(mock, ratelimit.DefaultRules(100, 5*time.Second, 50, time.Hour), 0.8),
		Handle:      handle,
		Clock:       mock,
		Settle:      300 * time.Millisecond,
	})
	return &cardRig{engine: engine, store: flaky, broker: broker, mock: mock}
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

func TestCardEngine_CreatePersistsAndCaches(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)

	card, err := rig.engine.Create(context.Background(), "idea", model.Point{X: 100, Y: 100})
	require.NoError(t, err)
	require.NotEmpty(t, card.ID)
	assert.Equal(t, "alice", *card.CreatedBy)

	// Local cache matches the stored row.
	stored, err := rig.store.Get(context.Background(), card.ID)
	require.NoError(t, err)
	cached, ok := rig.engine.Get(card.ID)
	require.True(t, ok)
	assert.Equal(t, stored.Content, cached.Content)
	assert.Equal(t, stored.Position, cached.Position)
}

func TestCardEngine_CreateRollsBackOnStoreFailure(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)
	rig.store.failCreate.Store(true)

	_, err := rig.engine.Create(context.Background(), "idea", model.Point{})
	require.Error(t, err)

	var te *model.TransientError
	assert.ErrorAs(t, err, &te)
	assert.Empty(t, rig.engine.List(), "optimistic card must be rolled back")
}

func TestCardEngine_PeerSeesCreateWithoutListing(t *testing.T) {
	broker := channel.NewBroker()
	alice := newCardRig(t, "alice", broker, store.NewMemory())
	// Bob's backend is a different, empty store: anything he sees arrived
	// over the broadcast, not through a list call.
	bob := newCardRig(t, "bob", broker, store.NewMemory())

	card, err := alice.engine.Create(context.Background(), "idea", model.Point{X: 100, Y: 100})
	require.NoError(t, err)

	waitUntil(t, func() bool { return len(bob.engine.List()) == 1 })
	got := bob.engine.List()[0]
	assert.Equal(t, "idea", got.Content)
	assert.Equal(t, model.Point{X: 100, Y: 100}, got.Position)
	assert.Equal(t, "alice", *got.CreatedBy)
	_ = card
}

func TestCardEngine_UpdateRollbackRestoresSnapshot(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)
	card, err := rig.engine.Create(context.Background(), "before", model.Point{X: 1, Y: 2})
	require.NoError(t, err)

	before, _ := rig.engine.Get(card.ID)
	rig.store.failUpdate.Store(true)

	err = rig.engine.UpdateContent(context.Background(), card.ID, "after")
	require.Error(t, err)

	after, _ := rig.engine.Get(card.ID)
	assert.Equal(t, before, after, "rollback must restore the exact pre-mutation snapshot")
}

func TestCardEngine_ContentCommitPreservesConcurrentMove(t *testing.T) {
	backend := store.NewMemory()
	rig := newCardRig(t, "alice", nil, backend)
	card, err := rig.engine.Create(context.Background(), "draft", model.Point{X: 10, Y: 10})
	require.NoError(t, err)

	// A peer's move and resize land in the store after alice cached the card,
	// so her cache holds stale position and height.
	require.NoError(t, backend.UpdatePosition(context.Background(), card.ID, model.Point{X: 400, Y: 300}))
	require.NoError(t, backend.UpdateHeight(context.Background(), card.ID, 240))

	require.NoError(t, rig.engine.UpdateContent(context.Background(), card.ID, "final"))

	stored, err := backend.Get(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, "final", stored.Content)
	assert.Equal(t, model.Point{X: 400, Y: 300}, stored.Position, "content commit must not overwrite the peer's position")
	assert.Equal(t, 240.0, stored.Height, "content commit must not overwrite the peer's height")
}

func TestCardEngine_DeleteRollbackReinserts(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)
	card, err := rig.engine.Create(context.Background(), "keep me", model.Point{})
	require.NoError(t, err)

	rig.store.failDelete.Store(true)
	require.Error(t, rig.engine.Delete(context.Background(), card.ID))

	_, ok := rig.engine.Get(card.ID)
	assert.True(t, ok, "failed delete must reinsert the card")
}

func TestCardEngine_DeleteOfPeerDeletedCardIsNoop(t *testing.T) {
	backend := store.NewMemory()
	rig := newCardRig(t, "alice", nil, backend)
	card, err := rig.engine.Create(context.Background(), "gone", model.Point{})
	require.NoError(t, err)

	// A peer's delete already landed in the store.
	require.NoError(t, backend.Delete(context.Background(), card.ID))

	assert.NoError(t, rig.engine.Delete(context.Background(), card.ID))
	_, ok := rig.engine.Get(card.ID)
	assert.False(t, ok)
}

func TestCardEngine_QuotaRejectionNeverTouchesLocalState(t *testing.T) {
	broker := channel.NewBroker()
	mock := clock.NewMock()
	backend := store.NewMemory()
	handle := broker.Open("cards:"+testSession, "alice")
	require.NoError(t, handle.Subscribe(context.Background()))

	engine := NewCardEngine(CardEngineConfig{
		SessionID:   testSession,
		ActorID:     "alice",
		Fingerprint: "fp_alice",
		Store:       backend,
		Limiter:     ratelimit.NewMemoryLimiter(mock, ratelimit.DefaultRules(10, 5*time.Second, 50, time.Hour), 0.8),
		Handle:      handle,
		Clock:       mock,
	})

	var successes, rejections int
	for i := 0; i < 12; i++ {
		_, err := engine.Create(context.Background(), "burst", model.Point{})
		if err == nil {
			successes++
			continue
		}
		qe, ok := model.IsQuotaError(err)
		require.True(t, ok, "rejection must be a quota error, got %v", err)
		assert.Equal(t, model.CodeCardsRateLimit, qe.Code)
		rejections++
	}
	assert.Equal(t, 10, successes)
	assert.Equal(t, 2, rejections)
	assert.Len(t, engine.List(), 10, "rejected creates must never appear locally")

	mock.Add(6 * time.Second)
	_, err := engine.Create(context.Background(), "after window", model.Point{})
	assert.NoError(t, err)
}

func TestCardEngine_SoftWarnFiresWithoutBlocking(t *testing.T) {
	broker := channel.NewBroker()
	mock := clock.NewMock()
	handle := broker.Open("cards:"+testSession, "alice")
	require.NoError(t, handle.Subscribe(context.Background()))

	var warns int
	engine := NewCardEngine(CardEngineConfig{
		SessionID:   testSession,
		ActorID:     "alice",
		Fingerprint: "fp_alice",
		Store:       store.NewMemory(),
		Limiter:     ratelimit.NewMemoryLimiter(mock, ratelimit.DefaultRules(5, 5*time.Second, 50, time.Hour), 0.8),
		Handle:      handle,
		Clock:       mock,
		OnWarn:      func(ratelimit.Decision) { warns++ },
	})

	for i := 0; i < 5; i++ {
		_, err := engine.Create(context.Background(), "c", model.Point{})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, warns, "warn on the 4th and 5th create of a 5-limit")
}

func TestCardEngine_MoveBroadcastsEveryFrameButWritesOnce(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)
	card, err := rig.engine.Create(context.Background(), "drag me", model.Point{})
	require.NoError(t, err)

	// Raw subscriber counting moved frames.
	watcher := rig.broker.Open("cards:"+testSession, "watcher")
	require.NoError(t, watcher.Subscribe(context.Background()))
	var frames atomic.Int32
	watcher.OnBroadcast(EventMoved, func([]byte) { frames.Add(1) })

	for i := 1; i <= 10; i++ {
		rig.engine.Move(card.ID, model.Point{X: float64(i * 10), Y: 0})
	}

	waitUntil(t, func() bool { return frames.Load() == 10 })

	// Before the settle window elapses nothing is written through.
	stored, err := rig.store.Get(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, model.Point{}, stored.Position)

	rig.mock.Add(300 * time.Millisecond)
	waitUntil(t, func() bool {
		stored, err := rig.store.Get(context.Background(), card.ID)
		return err == nil && stored.Position == (model.Point{X: 100, Y: 0})
	})
}

func TestCardEngine_ResizeClampsHeight(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)
	card, err := rig.engine.Create(context.Background(), "tall", model.Point{})
	require.NoError(t, err)

	rig.engine.Resize(card.ID, 5000)
	got, _ := rig.engine.Get(card.ID)
	assert.Equal(t, float64(model.MaxCardHeight), got.Height)

	rig.engine.Resize(card.ID, 1)
	got, _ = rig.engine.Get(card.ID)
	assert.Equal(t, float64(model.MinCardHeight), got.Height)
}

func TestCardEngine_FailedTrailingWriteHealsFromStore(t *testing.T) {
	rig := newCardRig(t, "alice", nil, nil)
	card, err := rig.engine.Create(context.Background(), "drag me", model.Point{X: 5, Y: 5})
	require.NoError(t, err)

	rig.store.failPosition.Store(true)
	rig.engine.Move(card.ID, model.Point{X: 500, Y: 500})
	rig.mock.Add(300 * time.Millisecond)

	// The trailing write failed; the local card falls back to the
	// authoritative row.
	waitUntil(t, func() bool {
		got, ok := rig.engine.Get(card.ID)
		return ok && got.Position == (model.Point{X: 5, Y: 5})
	})
}

func TestCardEngine_RemoteEventsIgnoreSelfAndMissingIDs(t *testing.T) {
	broker := channel.NewBroker()
	alice := newCardRig(t, "alice", broker, store.NewMemory())
	bob := newCardRig(t, "bob", broker, store.NewMemory())

	card, err := alice.engine.Create(context.Background(), "idea", model.Point{})
	require.NoError(t, err)
	waitUntil(t, func() bool { return len(bob.engine.List()) == 1 })

	// Delete-after-delete race: bob drops the card locally, then the remote
	// delete arrives and must be a no-op.
	require.NoError(t, bob.engine.Delete(context.Background(), card.ID))
	require.NoError(t, alice.engine.Delete(context.Background(), card.ID))

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bob.engine.List())
	assert.Empty(t, alice.engine.List())
}

func TestCardEngine_DisconnectedCreateStillPersists(t *testing.T) {
	broker := channel.NewBroker()
	backend := store.NewMemory()
	alice := newCardRig(t, "alice", broker, backend)
	bob := newCardRig(t, "bob", broker, backend)

	// Alice's channel drops; the durable write must still land.
	broker.SetDown(true)
	card, err := alice.engine.Create(context.Background(), "offline idea", model.Point{})
	require.NoError(t, err)

	stored, err := backend.Get(context.Background(), card.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline idea", stored.Content)

	// Peers missed the fan-out and only converge through the refetch path.
	assert.Empty(t, bob.engine.List())
	require.NoError(t, bob.engine.Refresh(context.Background()))
	assert.Len(t, bob.engine.List(), 1)
}
