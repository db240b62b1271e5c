package sync

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	stdsync "sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/store"
)

// LineEngine syncs freehand strokes. Lines are immutable once committed; the
// only removal path is a participant undoing their own most recent line.
type LineEngine struct {
	sessionID string
	actorID   string
	color     string
	store     store.LineStore
	handle    channel.Handle
	clock     clock.Clock

	mu    stdsync.RWMutex
	lines map[string]model.DrawingLine

	listenerMu stdsync.RWMutex
	listeners  []func()
}

// LineEngineConfig wires one engine to one session. Color is the acting
// participant's palette color, stamped on every committed stroke.
type LineEngineConfig struct {
	SessionID string
	ActorID   string
	Color     string
	Store     store.LineStore
	Handle    channel.Handle
	Clock     clock.Clock
}

// NewLineEngine builds the engine and hooks its remote event handlers.
func NewLineEngine(cfg LineEngineConfig) *LineEngine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	e := &LineEngine{
		sessionID: cfg.SessionID,
		actorID:   cfg.ActorID,
		color:     cfg.Color,
		store:     cfg.Store,
		handle:    cfg.Handle,
		clock:     clk,
		lines:     make(map[string]model.DrawingLine),
	}
	e.handle.OnBroadcast(EventCreated, e.applyRemote)
	e.handle.OnBroadcast(EventDeleted, e.applyRemote)
	return e
}

// OnChange registers a listener fired after every local cache change.
func (e *LineEngine) OnChange(fn func()) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

func (e *LineEngine) notify() {
	e.listenerMu.RLock()
	listeners := e.listeners
	e.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// List returns the cached lines in creation order.
func (e *LineEngine) List() []model.DrawingLine {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]model.DrawingLine, 0, len(e.lines))
	for _, l := range e.lines {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Refresh replaces the cache from the store.
func (e *LineEngine) Refresh(ctx context.Context) error {
	lines, err := e.store.List(ctx, e.sessionID)
	if err != nil {
		return classify("refresh lines", err)
	}

	e.mu.Lock()
	e.lines = make(map[string]model.DrawingLine, len(lines))
	for _, l := range lines {
		e.lines[l.ID] = l
	}
	e.mu.Unlock()

	e.notify()
	return nil
}

// Commit stores a finished stroke.
func (e *LineEngine) Commit(ctx context.Context, points []model.Point) (*model.DrawingLine, error) {
	if len(points) == 0 {
		return nil, &model.ValidationError{Field: "points", Message: "stroke must contain at least one point"}
	}

	line := model.DrawingLine{
		ID:        uuid.NewString(),
		SessionID: e.sessionID,
		Points:    append(model.PointList(nil), points...),
		Color:     e.color,
		CreatedBy: e.actorID,
		CreatedAt: e.clock.Now(),
	}

	cmd := command{
		apply: func() {
			e.mu.Lock()
			e.lines[line.ID] = line
			e.mu.Unlock()
		},
		revert: func() {
			e.mu.Lock()
			delete(e.lines, line.ID)
			e.mu.Unlock()
		},
	}

	cmd.apply()
	e.notify()
	if err := e.store.Create(ctx, &line); err != nil {
		cmd.revert()
		e.notify()
		return nil, classify("commit line", err)
	}

	e.broadcast(LineEvent{Type: EventCreated, Line: &line})
	return &line, nil
}

// UndoOwn removes the acting participant's most recent line. There is no undo
// stack; the candidate is derived from the cache every time. Having nothing
// to undo is not an error.
func (e *LineEngine) UndoOwn(ctx context.Context) error {
	e.mu.Lock()
	var candidate *model.DrawingLine
	for _, l := range e.lines {
		if l.CreatedBy != e.actorID {
			continue
		}
		if candidate == nil || l.CreatedAt.After(candidate.CreatedAt) {
			copied := l
			candidate = &copied
		}
	}
	if candidate == nil {
		e.mu.Unlock()
		return nil
	}
	delete(e.lines, candidate.ID)
	e.mu.Unlock()
	e.notify()

	if err := e.store.Delete(ctx, candidate.ID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		// Reinsert; List re-sorts by creation time, so ordering recovers.
		e.mu.Lock()
		e.lines[candidate.ID] = *candidate
		e.mu.Unlock()
		e.notify()
		return classify("undo line", err)
	}

	e.broadcast(LineEvent{Type: EventDeleted, ID: candidate.ID})
	return nil
}

func (e *LineEngine) broadcast(ev LineEvent) {
	ev.ActorID = e.actorID
	ev.Timestamp = e.clock.Now()
	if err := e.handle.Broadcast(ev.Type, ev); err != nil {
		log.Printf("[Drawing] broadcast %s skipped: %v", ev.Type, err)
	}
}

func (e *LineEngine) applyRemote(payload []byte) {
	var ev LineEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		log.Printf("[Drawing] malformed remote event: %v", err)
		return
	}
	if ev.ActorID == e.actorID {
		return
	}

	e.mu.Lock()
	changed := false
	switch ev.Type {
	case EventCreated:
		if ev.Line != nil {
			e.lines[ev.Line.ID] = *ev.Line
			changed = true
		}
	case EventDeleted:
		if _, ok := e.lines[ev.ID]; ok {
			delete(e.lines, ev.ID)
			changed = true
		}
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}
