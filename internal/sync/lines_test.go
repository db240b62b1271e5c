package sync

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
	"github.com/danilashk/noter/internal/store"
)

type flakyLineStore struct {
	store.LineStore
	failDelete atomic.Bool
}

func (f *flakyLineStore) Delete(ctx context.Context, id string) error {
	if f.failDelete.Load() {
		return errInjected
	}
	return f.LineStore.Delete(ctx, id)
}

func newLineEngine(t *testing.T, actorID, color string, broker *channel.Broker, backend store.LineStore, mock *clock.Mock) *LineEngine {
	t.Helper()
	handle := broker.Open("drawing:"+testSession, actorID)
	require.NoError(t, handle.Subscribe(context.Background()))
	return NewLineEngine(LineEngineConfig{
		SessionID: testSession,
		ActorID:   actorID,
		Color:     color,
		Store:     backend,
		Handle:    handle,
		Clock:     mock,
	})
}

func lineBackend() store.LineStore {
	return store.NewMemory().Bundle().Lines
}

func TestLineEngine_CommitStampsActorAndColor(t *testing.T) {
	broker := channel.NewBroker()
	e := newLineEngine(t, "alice", "#E53E3E", broker, lineBackend(), clock.NewMock())

	line, err := e.Commit(context.Background(), []model.Point{{X: 0, Y: 0}, {X: 5, Y: 5}})
	require.NoError(t, err)
	assert.Equal(t, "alice", line.CreatedBy)
	assert.Equal(t, "#E53E3E", line.Color)
	assert.Len(t, e.List(), 1)
}

func TestLineEngine_EmptyStrokeRejectedBeforeOptimisticState(t *testing.T) {
	broker := channel.NewBroker()
	e := newLineEngine(t, "alice", "#E53E3E", broker, lineBackend(), clock.NewMock())

	_, err := e.Commit(context.Background(), nil)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Empty(t, e.List())
}

func TestLineEngine_UndoRemovesOwnNewestOnly(t *testing.T) {
	broker := channel.NewBroker()
	backend := lineBackend()
	mockA := clock.NewMock()
	mockB := clock.NewMock()
	alice := newLineEngine(t, "alice", "#E53E3E", broker, backend, mockA)
	bob := newLineEngine(t, "bob", "#3182CE", broker, backend, mockB)

	_, err := alice.Commit(context.Background(), []model.Point{{X: 1, Y: 1}})
	require.NoError(t, err)
	mockA.Add(time.Second)
	second, err := alice.Commit(context.Background(), []model.Point{{X: 2, Y: 2}})
	require.NoError(t, err)
	mockB.Add(2 * time.Second)
	_, err = bob.Commit(context.Background(), []model.Point{{X: 3, Y: 3}})
	require.NoError(t, err)

	// Alice undoes: her newest goes, bob's newer line is untouchable.
	require.NoError(t, alice.UndoOwn(context.Background()))

	remaining, err := backend.List(context.Background(), testSession)
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	for _, l := range remaining {
		assert.NotEqual(t, second.ID, l.ID)
	}
}

func TestLineEngine_UndoWithNothingOwnIsNoop(t *testing.T) {
	broker := channel.NewBroker()
	e := newLineEngine(t, "alice", "#E53E3E", broker, lineBackend(), clock.NewMock())

	assert.NoError(t, e.UndoOwn(context.Background()))
}

func TestLineEngine_UndoRollbackReinserts(t *testing.T) {
	broker := channel.NewBroker()
	flaky := &flakyLineStore{LineStore: lineBackend()}
	e := newLineEngine(t, "alice", "#E53E3E", broker, flaky, clock.NewMock())

	line, err := e.Commit(context.Background(), []model.Point{{X: 1, Y: 1}})
	require.NoError(t, err)

	flaky.failDelete.Store(true)
	require.Error(t, e.UndoOwn(context.Background()))

	lines := e.List()
	require.Len(t, lines, 1, "failed undo must reinsert the line")
	assert.Equal(t, line.ID, lines[0].ID)
}

func TestLineEngine_PeerSeesCommittedStroke(t *testing.T) {
	broker := channel.NewBroker()
	alice := newLineEngine(t, "alice", "#E53E3E", broker, lineBackend(), clock.NewMock())
	bob := newLineEngine(t, "bob", "#3182CE", broker, lineBackend(), clock.NewMock())

	_, err := alice.Commit(context.Background(), []model.Point{{X: 1, Y: 2}, {X: 3, Y: 4}})
	require.NoError(t, err)

	waitUntil(t, func() bool { return len(bob.List()) == 1 })
	got := bob.List()[0]
	assert.Equal(t, model.PointList{{X: 1, Y: 2}, {X: 3, Y: 4}}, got.Points)
	assert.Equal(t, "alice", got.CreatedBy)
}
