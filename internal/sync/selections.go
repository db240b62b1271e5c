package sync

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	stdsync "sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/store"
)

// SelectionEngine syncs card selections. The local cache is keyed by
// participant, which structurally enforces the at-most-one-selection
// invariant on every observed snapshot.
type SelectionEngine struct {
	sessionID string
	actorID   string
	store     store.SelectionStore
	handle    channel.Handle
	clock     clock.Clock

	mu         stdsync.RWMutex
	selections map[string]model.CardSelection

	listenerMu stdsync.RWMutex
	listeners  []func()
}

// SelectionEngineConfig wires one engine to one session.
type SelectionEngineConfig struct {
	SessionID string
	ActorID   string
	Store     store.SelectionStore
	Handle    channel.Handle
	Clock     clock.Clock
}

// NewSelectionEngine builds the engine and hooks its remote event handlers.
func NewSelectionEngine(cfg SelectionEngineConfig) *SelectionEngine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	e := &SelectionEngine{
		sessionID:  cfg.SessionID,
		actorID:    cfg.ActorID,
		store:      cfg.Store,
		handle:     cfg.Handle,
		clock:      clk,
		selections: make(map[string]model.CardSelection),
	}
	e.handle.OnBroadcast(EventSelected, e.applyRemote)
	e.handle.OnBroadcast(EventDeselected, e.applyRemote)
	return e
}

// OnChange registers a listener fired after every local cache change.
func (e *SelectionEngine) OnChange(fn func()) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *SelectionEngine) notify() {
	e.listenerMu.RLock()
	listeners := e.listeners
	e.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// List returns the current selections, one per selecting participant.
func (e *SelectionEngine) List() []model.CardSelection {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.CardSelection, 0, len(e.selections))
	for _, s := range e.selections {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SelectedAt.Before(out[j].SelectedAt) })
	return out
}

// Own returns the acting participant's selection, if any.
func (e *SelectionEngine) Own() (model.CardSelection, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.selections[e.actorID]
	return s, ok
}

// Refresh replaces the cache from the store. If the store briefly holds more
// than one row per participant, the latest one wins.
func (e *SelectionEngine) Refresh(ctx context.Context) error {
	rows, err := e.store.List(ctx, e.sessionID)
	if err != nil {
		return classify("refresh selections", err)
	}

	e.mu.Lock()
	e.selections = make(map[string]model.CardSelection, len(rows))
	for _, s := range rows {
		if cur, ok := e.selections[s.SelectedBy]; !ok || s.SelectedAt.After(cur.SelectedAt) {
			e.selections[s.SelectedBy] = s
		}
	}
	e.mu.Unlock()

	e.notify()
	return nil
}

// Select replaces the acting participant's selection with cardID via the
// two-step delete-then-insert. If the insert fails after the delete landed,
// the engine stays at "no selection": a safe degraded state, never two rows.
func (e *SelectionEngine) Select(ctx context.Context, cardID string) error {
	next := model.CardSelection{
		ID:         uuid.NewString(),
		SessionID:  e.sessionID,
		CardID:     cardID,
		SelectedBy: e.actorID,
		SelectedAt: e.clock.Now(),
	}

	e.mu.Lock()
	prior, hadPrior := e.selections[e.actorID]
	e.selections[e.actorID] = next
	e.mu.Unlock()
	e.notify()

	if err := e.store.DeleteByParticipant(ctx, e.sessionID, e.actorID); err != nil {
		e.mu.Lock()
		if hadPrior {
			e.selections[e.actorID] = prior
		} else {
			delete(e.selections, e.actorID)
		}
		e.mu.Unlock()
		e.notify()
		return classify("clear selection", err)
	}

	if err := e.store.Create(ctx, &next); err != nil {
		// The delete already landed; do not resurrect the old row.
		e.mu.Lock()
		delete(e.selections, e.actorID)
		e.mu.Unlock()
		e.notify()
		return classify("select card", err)
	}

	e.broadcast(SelectionEvent{Type: EventSelected, CardID: cardID, ID: next.ID})
	return nil
}

// Clear drops the acting participant's selection. Clearing nothing is a
// no-op.
func (e *SelectionEngine) Clear(ctx context.Context) error {
	e.mu.Lock()
	prior, had := e.selections[e.actorID]
	if !had {
		e.mu.Unlock()
		return nil
	}
	delete(e.selections, e.actorID)
	e.mu.Unlock()
	e.notify()

	if err := e.store.DeleteByParticipant(ctx, e.sessionID, e.actorID); err != nil {
		e.mu.Lock()
		e.selections[e.actorID] = prior
		e.mu.Unlock()
		e.notify()
		return classify("clear selection", err)
	}

	e.broadcast(SelectionEvent{Type: EventDeselected})
	return nil
}

// EvictParticipant drops a departed peer's selection from the local view.
func (e *SelectionEngine) EvictParticipant(participantID string) {
	e.mu.Lock()
	_, had := e.selections[participantID]
	delete(e.selections, participantID)
	e.mu.Unlock()
	if had {
		e.notify()
	}
}

func (e *SelectionEngine) broadcast(ev SelectionEvent) {
	ev.ActorID = e.actorID
	ev.Timestamp = e.clock.Now()
	if err := e.handle.Broadcast(ev.Type, ev); err != nil {
		log.Printf("[Selections] broadcast %s skipped: %v", ev.Type, err)
	}
}

func (e *SelectionEngine) applyRemote(payload []byte) {
	var ev SelectionEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[Selections] malformed remote event: %v", err)
		return
	}
	if ev.ActorID == e.actorID {
		return
	}

	e.mu.Lock()
	switch ev.Type {
	case EventSelected:
		e.selections[ev.ActorID] = model.CardSelection{
			ID:         ev.ID,
			SessionID:  e.sessionID,
			CardID:     ev.CardID,
			SelectedBy: ev.ActorID,
			SelectedAt: ev.Timestamp,
		}
	case EventDeselected:
		delete(e.selections, ev.ActorID)
	}
	e.mu.Unlock()

	e.notify()
}
