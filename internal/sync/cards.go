package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	stdsync "sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/ratelimit"
	"github.com/danilashk/noter/internal/store"
	"github.com/danilashk/noter/internal/throttle"
)

const storeWriteTimeout = 5 * time.Second

// CardEngine syncs the card family. Create/update/delete follow the
// store-first pattern (optimistic, durable write, broadcast on success,
// rollback on failure). Move/resize invert it: every frame broadcasts
// immediately and the store write trails behind a settle debounce.
type CardEngine struct {
	sessionID   string
	actorID     string
	fingerprint string
	store       store.CardStore
	limiter     ratelimit.Limiter
	handle      channel.Handle
	clock       clock.Clock
	settle      time.Duration
	onWarn      func(ratelimit.Decision)

	mu       stdsync.RWMutex
	cards    map[string]model.Card
	movers   map[string]*throttle.Debouncer[model.Point]
	resizers map[string]*throttle.Debouncer[float64]

	listenerMu stdsync.RWMutex
	listeners  []func()
}

// CardEngineConfig wires one engine to one session.
type CardEngineConfig struct {
	SessionID   string
	ActorID     string
	Fingerprint string
	Store       store.CardStore
	Limiter     ratelimit.Limiter
	Handle      channel.Handle
	Clock       clock.Clock
	Settle      time.Duration
	// OnWarn fires when a quota check crosses the soft-warn ratio without
	// blocking the action.
	OnWarn func(ratelimit.Decision)
}

// NewCardEngine builds the engine and hooks its remote event handlers.
func NewCardEngine(cfg CardEngineConfig) *CardEngine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	settle := cfg.Settle
	if settle <= 0 {
		settle = 300 * time.Millisecond
	}
	e := &CardEngine{
		sessionID:   cfg.SessionID,
		actorID:     cfg.ActorID,
		fingerprint: cfg.Fingerprint,
		store:       cfg.Store,
		limiter:     cfg.Limiter,
		handle:      cfg.Handle,
		clock:       clk,
		settle:      settle,
		onWarn:      cfg.OnWarn,
		cards:       make(map[string]model.Card),
		movers:      make(map[string]*throttle.Debouncer[model.Point]),
		resizers:    make(map[string]*throttle.Debouncer[float64]),
	}
	e.handle.OnBroadcast(EventCreated, e.applyRemote)
	e.handle.OnBroadcast(EventUpdated, e.applyRemote)
	e.handle.OnBroadcast(EventDeleted, e.applyRemote)
	e.handle.OnBroadcast(EventMoved, e.applyRemote)
	e.handle.OnBroadcast(EventResized, e.applyRemote)
	return e
}

// OnChange registers a listener fired after every local cache change.
func (e *CardEngine) OnChange(fn func()) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *CardEngine) notify() {
	e.listenerMu.RLock()
	listeners := e.listeners
	e.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// List returns the cached cards in creation order.
func (e *CardEngine) List() []model.Card {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.Card, 0, len(e.cards))
	for _, c := range e.cards {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns one cached card.
func (e *CardEngine) Get(id string) (model.Card, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, ok := e.cards[id]
	return c, ok
}

// Refresh replaces the cache from the store. This is the slow reconciliation
// path behind the realtime broadcasts; entities are deduped by id, so both
// paths coexist without doubling cards.
func (e *CardEngine) Refresh(ctx context.Context) error {
	cards, err := e.store.List(ctx, e.sessionID)
	if err != nil {
		return classify("refresh cards", err)
	}

	e.mu.Lock()
	e.cards = make(map[string]model.Card, len(cards))
	for _, c := range cards {
		e.cards[c.ID] = c
	}
	e.mu.Unlock()

	e.notify()
	return nil
}

// Create makes a new card. The quota pre-check runs before any optimistic
// state appears, so a blocked create never flickers into the canvas.
func (e *CardEngine) Create(ctx context.Context, content string, pos model.Point) (*model.Card, error) {
	decision, err := e.limiter.Check(ctx, ratelimit.ActionCreateCard, e.fingerprint)
	if err != nil {
		return nil, classify("card quota check", err)
	}
	if !decision.Allowed {
		return nil, ratelimit.QuotaErrorFor(ratelimit.ActionCreateCard, decision)
	}
	if decision.NearLimit && e.onWarn != nil {
		e.onWarn(decision)
	}

	now := e.clock.Now()
	actor := e.actorID
	card := model.Card{
		ID:        uuid.NewString(),
		SessionID: e.sessionID,
		Content:   content,
		Position:  pos,
		Height:    model.MinCardHeight,
		CreatedBy: &actor,
		CreatedAt: now,
		UpdatedAt: now,
	}

	cmd := command{
		apply: func() {
			e.mu.Lock()
			e.cards[card.ID] = card
			e.mu.Unlock()
		},
		revert: func() {
			e.mu.Lock()
			delete(e.cards, card.ID)
			e.mu.Unlock()
		},
	}

	cmd.apply()
	e.notify()
	if err := e.store.Create(ctx, &card); err != nil {
		cmd.revert()
		e.notify()
		return nil, classify("create card", err)
	}

	e.broadcast(CardEvent{Type: EventCreated, Card: &card})
	return &card, nil
}

// UpdateContent commits a whole-field content overwrite (last-writer-wins).
func (e *CardEngine) UpdateContent(ctx context.Context, id, content string) error {
	e.mu.Lock()
	prior, ok := e.cards[id]
	if !ok {
		e.mu.Unlock()
		// Deleted by a peer already; benign no-op.
		return nil
	}
	updated := prior
	updated.Content = content
	updated.UpdatedAt = e.clock.Now()
	e.cards[id] = updated
	e.mu.Unlock()
	e.notify()

	// Only the content column goes to the store; a peer's concurrent move or
	// resize must survive this commit even when the local cache is stale.
	if err := e.store.UpdateContent(ctx, id, content); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			e.dropLocal(id)
			return nil
		}
		e.mu.Lock()
		e.cards[id] = prior
		e.mu.Unlock()
		e.notify()
		return classify("update card", err)
	}

	e.broadcast(CardEvent{Type: EventUpdated, Card: &updated})
	return nil
}

// Delete removes a card. A not-found store answer means a peer won the delete
// race; the local removal stands.
func (e *CardEngine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	prior, ok := e.cards[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	delete(e.cards, id)
	e.mu.Unlock()
	e.notify()

	if err := e.store.Delete(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		e.mu.Lock()
		e.cards[id] = prior
		e.mu.Unlock()
		e.notify()
		return classify("delete card", err)
	}

	e.broadcast(CardEvent{Type: EventDeleted, ID: id})
	return nil
}

// Move applies a drag frame: local state and broadcast fire immediately, the
// durable write trails behind the settle debounce.
func (e *CardEngine) Move(id string, pos model.Point) {
	e.mu.Lock()
	c, ok := e.cards[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	c.Position = pos
	c.UpdatedAt = e.clock.Now()
	e.cards[id] = c

	mover, ok := e.movers[id]
	if !ok {
		mover = throttle.NewDebouncer[model.Point](e.clock, e.settle, func(settled model.Point) {
			e.persistPosition(id, settled)
		})
		e.movers[id] = mover
	}
	e.mu.Unlock()

	e.broadcast(CardEvent{Type: EventMoved, ID: id, Position: &pos})
	mover.Offer(pos)
	e.notify()
}

// Resize applies a resize frame; same decoupling as Move. Height is clamped
// before anything observes it.
func (e *CardEngine) Resize(id string, height float64) {
	height = model.ClampCardHeight(height)

	e.mu.Lock()
	c, ok := e.cards[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	c.Height = height
	c.UpdatedAt = e.clock.Now()
	e.cards[id] = c

	resizer, ok := e.resizers[id]
	if !ok {
		resizer = throttle.NewDebouncer[float64](e.clock, e.settle, func(settled float64) {
			e.persistHeight(id, settled)
		})
		e.resizers[id] = resizer
	}
	e.mu.Unlock()

	e.broadcast(CardEvent{Type: EventResized, ID: id, Height: &height})
	resizer.Offer(height)
	e.notify()
}

// FlushPending forces any settling drag writes through immediately. Called on
// session leave so a drag right before closing still persists.
func (e *CardEngine) FlushPending() {
	e.mu.RLock()
	movers := make([]*throttle.Debouncer[model.Point], 0, len(e.movers))
	for _, m := range e.movers {
		movers = append(movers, m)
	}
	resizers := make([]*throttle.Debouncer[float64], 0, len(e.resizers))
	for _, r := range e.resizers {
		resizers = append(resizers, r)
	}
	e.mu.RUnlock()

	for _, m := range movers {
		m.Flush()
	}
	for _, r := range resizers {
		r.Flush()
	}
}

func (e *CardEngine) persistPosition(id string, pos model.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := e.store.UpdatePosition(ctx, id, pos); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			e.dropLocal(id)
			return
		}
		log.Printf("[Cards] position write failed for %s: %v", id, err)
		e.healFromStore(id)
	}
}

func (e *CardEngine) persistHeight(id string, height float64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()
	if err := e.store.UpdateHeight(ctx, id, height); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			e.dropLocal(id)
			return
		}
		log.Printf("[Cards] height write failed for %s: %v", id, err)
		e.healFromStore(id)
	}
}

// healFromStore restores one card from the authoritative row after a failed
// trailing write.
func (e *CardEngine) healFromStore(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
	defer cancel()

	card, err := e.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			e.dropLocal(id)
		}
		return
	}

	e.mu.Lock()
	e.cards[id] = *card
	e.mu.Unlock()
	e.notify()
}

func (e *CardEngine) dropLocal(id string) {
	e.mu.Lock()
	_, ok := e.cards[id]
	delete(e.cards, id)
	e.mu.Unlock()
	if ok {
		e.notify()
	}
}

func (e *CardEngine) broadcast(ev CardEvent) {
	ev.ActorID = e.actorID
	ev.Timestamp = e.clock.Now()
	if err := e.handle.Broadcast(ev.Type, ev); err != nil {
		// Peers miss the live update and heal through the refetch path once
		// their channel resubscribes.
		log.Printf("[Cards] broadcast %s skipped: %v", ev.Type, err)
	}
}

func (e *CardEngine) applyRemote(payload []byte) {
	var ev CardEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[Cards] malformed remote event: %v", err)
		return
	}
	if ev.ActorID == e.actorID {
		return
	}

	e.mu.Lock()
	changed := false
	switch ev.Type {
	case EventCreated, EventUpdated:
		if ev.Card != nil {
			e.cards[ev.Card.ID] = *ev.Card
			changed = true
		}
	case EventDeleted:
		if _, ok := e.cards[ev.ID]; ok {
			delete(e.cards, ev.ID)
			changed = true
		}
	case EventMoved:
		if c, ok := e.cards[ev.ID]; ok && ev.Position != nil {
			c.Position = *ev.Position
			c.UpdatedAt = ev.Timestamp
			e.cards[ev.ID] = c
			changed = true
		}
	case EventResized:
		if c, ok := e.cards[ev.ID]; ok && ev.Height != nil {
			c.Height = model.ClampCardHeight(*ev.Height)
			c.UpdatedAt = ev.Timestamp
			e.cards[ev.ID] = c
			changed = true
		}
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}
