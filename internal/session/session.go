// Package session composes the sync engines, presence tracker, reconnect
// manager and rate limiter into one facade per collaboration session. The
// consuming layer talks only to this package.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	stdsync "sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/identity"
	"github.com/danilashk/noter/internal/metrics"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/presence"
	"github.com/danilashk/noter/internal/ratelimit"
	"github.com/danilashk/noter/internal/reconnect"
	"github.com/danilashk/noter/internal/store"
	syncengine "github.com/danilashk/noter/internal/sync"
	"github.com/danilashk/noter/internal/throttle"
)

// Tunables of one client. Zero values fall back to the production defaults.
type Tunables struct {
	CursorInterval  time.Duration
	CursorMinDelta  float64
	DragSettle      time.Duration
	TypingTTL       time.Duration
	TypingRefresh   time.Duration
	RefreshInterval time.Duration
	ReconnectBase   time.Duration
	ReconnectCap    time.Duration
}

func (t *Tunables) fillDefaults() {
	if t.CursorInterval <= 0 {
		t.CursorInterval = 8 * time.Millisecond
	}
	if t.CursorMinDelta <= 0 {
		t.CursorMinDelta = 1.0
	}
	if t.DragSettle <= 0 {
		t.DragSettle = 300 * time.Millisecond
	}
	if t.TypingTTL <= 0 {
		t.TypingTTL = 3 * time.Second
	}
	if t.TypingRefresh <= 0 {
		t.TypingRefresh = 500 * time.Millisecond
	}
	if t.RefreshInterval <= 0 {
		t.RefreshInterval = 5 * time.Second
	}
	if t.ReconnectBase <= 0 {
		t.ReconnectBase = time.Second
	}
	if t.ReconnectCap <= 0 {
		t.ReconnectCap = 30 * time.Second
	}
}

// Config wires one client to its collaborators.
type Config struct {
	SessionID   string
	DisplayName string
	Identity    identity.Provider
	Transport   channel.Transport
	Store       store.Store
	Limiter     ratelimit.Limiter
	Clock       clock.Clock
	Tunables    Tunables
	// Metrics is optional; nil discards observations.
	Metrics metrics.Recorder
	// OnQuotaWarning fires when a quota check crosses the soft-warn ratio.
	OnQuotaWarning func(ratelimit.Decision)
}

// Snapshot is the reactive surface handed to the consuming layer.
type Snapshot struct {
	Session     model.Session
	Participant model.Participant
	Cards       []model.Card
	Lines       []model.DrawingLine
	Selections  []model.CardSelection
	Cursors     []model.CursorState
	Roster      []model.PresenceInfo
	Typing      []model.TypingStatus
	Connection  reconnect.Status
}

// Stats is the lightweight read path used by session lists.
type Stats struct {
	CardCount        int
	ParticipantCount int
}

// Client is one participant's live view of one session.
type Client struct {
	cfg   Config
	clock clock.Clock
	rec   metrics.Recorder

	session     model.Session
	participant *model.Participant

	cards      *syncengine.CardEngine
	lines      *syncengine.LineEngine
	selections *syncengine.SelectionEngine
	members    *syncengine.ParticipantEngine
	tracker    *presence.Tracker
	manager    *reconnect.Manager

	refresher  *throttle.Debouncer[struct{}]
	feedCancel func()
	stopPulse  chan struct{}

	mu     stdsync.RWMutex
	joined bool

	listenerMu stdsync.RWMutex
	listeners  []func()
}

// New validates the configuration and builds an unjoined client.
func New(cfg Config) (*Client, error) {
	if err := model.ValidateSessionID(cfg.SessionID); err != nil {
		return nil, err
	}
	if cfg.Identity == nil || cfg.Transport == nil || cfg.Limiter == nil {
		return nil, fmt.Errorf("session: identity, transport and limiter are required")
	}
	if cfg.Store.Cards == nil {
		return nil, fmt.Errorf("session: store is required")
	}
	cfg.Tunables.fillDefaults()

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	rec := cfg.Metrics
	if rec == nil {
		rec = metrics.Nop{}
	}
	return &Client{cfg: cfg, clock: clk, rec: rec, stopPulse: make(chan struct{})}, nil
}

// Join brings the client online: resolve identity, ensure the session row,
// claim a seat, subscribe every channel and load the initial state.
func (c *Client) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.joined {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	fingerprint, err := c.cfg.Identity.Fingerprint()
	if err != nil {
		return fmt.Errorf("resolve fingerprint: %w", err)
	}

	if err := c.ensureSession(ctx, fingerprint); err != nil {
		return err
	}

	c.members = syncengine.NewParticipantEngine(c.cfg.SessionID, c.cfg.Store.Participants, c.clock)
	participant, err := c.members.Join(ctx, fingerprint, c.cfg.DisplayName)
	if err != nil {
		return err
	}
	c.participant = participant

	sid := c.cfg.SessionID
	cardsHandle := c.cfg.Transport.Open("cards:"+sid, participant.ID)
	drawingHandle := c.cfg.Transport.Open("drawing:"+sid, participant.ID)
	selectionsHandle := c.cfg.Transport.Open("selections:"+sid, participant.ID)
	rosterHandle := c.cfg.Transport.Open("presence:"+sid, participant.ID)
	cursorHandle := c.cfg.Transport.Open("cursor-broadcast:"+sid, participant.ID)
	typingHandle := c.cfg.Transport.Open("typing:"+sid, participant.ID)

	c.cards = syncengine.NewCardEngine(syncengine.CardEngineConfig{
		SessionID:   sid,
		ActorID:     participant.ID,
		Fingerprint: fingerprint,
		Store:       c.cfg.Store.Cards,
		Limiter:     c.cfg.Limiter,
		Handle:      cardsHandle,
		Clock:       c.clock,
		Settle:      c.cfg.Tunables.DragSettle,
		OnWarn:      c.cfg.OnQuotaWarning,
	})
	c.lines = syncengine.NewLineEngine(syncengine.LineEngineConfig{
		SessionID: sid,
		ActorID:   participant.ID,
		Color:     participant.Color,
		Store:     c.cfg.Store.Lines,
		Handle:    drawingHandle,
		Clock:     c.clock,
	})
	c.selections = syncengine.NewSelectionEngine(syncengine.SelectionEngineConfig{
		SessionID: sid,
		ActorID:   participant.ID,
		Store:     c.cfg.Store.Selections,
		Handle:    selectionsHandle,
		Clock:     c.clock,
	})
	c.tracker = presence.NewTracker(presence.TrackerConfig{
		Self: model.PresenceInfo{
			ID:       participant.ID,
			Name:     participant.DisplayName,
			Color:    participant.Color,
			JoinedAt: participant.JoinedAt,
		},
		Roster:         rosterHandle,
		Cursors:        cursorHandle,
		Typing:         typingHandle,
		Clock:          c.clock,
		CursorInterval: c.cfg.Tunables.CursorInterval,
		CursorMinDelta: c.cfg.Tunables.CursorMinDelta,
		TypingTTL:      c.cfg.Tunables.TypingTTL,
		TypingRefresh:  c.cfg.Tunables.TypingRefresh,
	})

	// A departed peer takes its selection highlight with it.
	c.tracker.OnPeerLeave(c.selections.EvictParticipant)

	c.cards.OnChange(c.notify)
	c.lines.OnChange(c.notify)
	c.selections.OnChange(c.notify)
	c.tracker.OnChange(c.notify)

	c.manager = reconnect.NewManager(c.clock, c.cfg.Tunables.ReconnectBase, c.cfg.Tunables.ReconnectCap)
	for _, h := range []channel.Handle{cardsHandle, drawingHandle, selectionsHandle, rosterHandle, cursorHandle, typingHandle} {
		c.manager.Register(h)
		// A transport-side loss of any stream starts the retry cycle; the
		// manager dedupes reports while already reconnecting.
		h.OnDisconnect(func(cause error) {
			c.manager.NotifyDisconnect(cause)
		})
	}
	c.manager.OnStateChange(func(st reconnect.Status) {
		if st.State == reconnect.StateReconnecting {
			c.rec.RecordReconnectAttempt()
		}
		if st.State == reconnect.StateConnected {
			// Re-track presence and reconcile everything missed offline.
			if err := c.tracker.Join(); err != nil {
				log.Printf("[Session %s] presence re-track failed: %v", sid, err)
			}
			c.refreshAll()
		}
		c.notify()
	})

	// The manager's initial success already re-tracked and refreshed.
	if err := c.manager.Start(ctx); err != nil {
		log.Printf("[Session %s] initial connect failed, retrying: %v", sid, err)
	}

	// Coalesce change-feed bursts into one refetch.
	c.refresher = throttle.NewDebouncer[struct{}](c.clock, 50*time.Millisecond, func(struct{}) {
		c.refreshAll()
	})
	if c.cfg.Store.Feed != nil {
		feed, cancel := c.cfg.Store.Feed.SubscribeChanges(sid)
		c.feedCancel = cancel
		go c.consumeFeed(feed)
	}
	go c.pulse()

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.notify()
	return nil
}

// ensureSession lazily creates the session row on first join. Session
// creation is quota-governed per actor.
func (c *Client) ensureSession(ctx context.Context, fingerprint string) error {
	s, err := c.cfg.Store.Sessions.Get(ctx, c.cfg.SessionID)
	if err == nil {
		c.session = *s
		return nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return &model.TransientError{Op: "load session", Err: err}
	}

	decision, err := c.cfg.Limiter.Check(ctx, ratelimit.ActionCreateBoard, fingerprint)
	if err != nil {
		return &model.TransientError{Op: "board quota check", Err: err}
	}
	if !decision.Allowed {
		c.rec.RecordQuotaRejection(model.CodeBoardsRateLimit)
		return ratelimit.QuotaErrorFor(ratelimit.ActionCreateBoard, decision)
	}
	if decision.NearLimit && c.cfg.OnQuotaWarning != nil {
		c.cfg.OnQuotaWarning(decision)
	}

	now := c.clock.Now()
	created := model.Session{ID: c.cfg.SessionID, CreatedAt: now, LastActivity: now}
	if err := c.cfg.Store.Sessions.Create(ctx, &created); err != nil {
		return &model.TransientError{Op: "create session", Err: err}
	}
	c.session = created
	return nil
}

// Leave tears the client down: pending drag writes flush, presence withdraws,
// the seat is released and every subscription closes.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return nil
	}
	c.joined = false
	c.mu.Unlock()

	c.cards.FlushPending()
	c.refresher.Cancel()
	close(c.stopPulse)
	if c.feedCancel != nil {
		c.feedCancel()
	}

	if err := c.tracker.Leave(); err != nil {
		log.Printf("[Session %s] presence untrack failed: %v", c.cfg.SessionID, err)
	}
	if err := c.selections.Clear(ctx); err != nil {
		log.Printf("[Session %s] selection clear on leave failed: %v", c.cfg.SessionID, err)
	}
	if err := c.members.Leave(ctx, c.participant.ID); err != nil {
		return err
	}
	return c.manager.Close()
}

// OnChange registers a listener fired after any slice of the snapshot moves.
func (c *Client) OnChange(fn func()) {
	c.listenerMu.Lock()
	defer c.listenerMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) notify() {
	c.listenerMu.RLock()
	listeners := c.listeners
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Snapshot assembles the full reactive surface.
func (c *Client) Snapshot() Snapshot {
	snap := Snapshot{Session: c.session}
	if c.participant != nil {
		snap.Participant = *c.participant
	}
	if c.cards != nil {
		snap.Cards = c.cards.List()
		snap.Lines = c.lines.List()
		snap.Selections = c.selections.List()
		snap.Cursors = c.tracker.Cursors()
		snap.Roster = c.tracker.Roster()
		snap.Typing = c.tracker.TypingPeers()
		snap.Connection = c.manager.Status()
	}
	return snap
}

// Connection exposes the reconnect state tuple.
func (c *Client) Connection() reconnect.Status {
	if c.manager == nil {
		return reconnect.Status{State: reconnect.StateConnecting}
	}
	return c.manager.Status()
}

// Stats counts cards and active participants without assembling a snapshot.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	cards, err := c.cfg.Store.Cards.List(ctx, c.cfg.SessionID)
	if err != nil {
		return Stats{}, err
	}
	active, err := c.members.Active(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{CardCount: len(cards), ParticipantCount: len(active)}, nil
}

// CreateCard adds a card. The first successful create flips the session's
// started flag; every mutation touches lastActivity.
func (c *Client) CreateCard(ctx context.Context, content string, pos model.Point) (*model.Card, error) {
	card, err := c.cards.Create(ctx, content, pos)
	if err != nil {
		if qe, ok := model.IsQuotaError(err); ok {
			c.rec.RecordQuotaRejection(qe.Code)
		}
		return nil, err
	}
	c.markStarted(ctx)
	c.touchActivity(ctx)
	return card, nil
}

// UpdateCardContent commits a whole-field content overwrite.
func (c *Client) UpdateCardContent(ctx context.Context, cardID, content string) error {
	if err := c.cards.UpdateContent(ctx, cardID, content); err != nil {
		return err
	}
	c.touchActivity(ctx)
	return nil
}

// DeleteCard removes a card.
func (c *Client) DeleteCard(ctx context.Context, cardID string) error {
	if err := c.cards.Delete(ctx, cardID); err != nil {
		return err
	}
	c.touchActivity(ctx)
	return nil
}

// MoveCard applies one drag frame.
func (c *Client) MoveCard(cardID string, pos model.Point) {
	c.cards.Move(cardID, pos)
}

// ResizeCard applies one resize frame.
func (c *Client) ResizeCard(cardID string, height float64) {
	c.cards.Resize(cardID, height)
}

// CommitLine stores a finished stroke.
func (c *Client) CommitLine(ctx context.Context, points []model.Point) (*model.DrawingLine, error) {
	line, err := c.lines.Commit(ctx, points)
	if err != nil {
		return nil, err
	}
	c.touchActivity(ctx)
	return line, nil
}

// UndoLine removes this participant's most recent stroke.
func (c *Client) UndoLine(ctx context.Context) error {
	return c.lines.UndoOwn(ctx)
}

// SelectCard replaces this participant's selection.
func (c *Client) SelectCard(ctx context.Context, cardID string) error {
	return c.selections.Select(ctx, cardID)
}

// ClearSelection drops this participant's selection.
func (c *Client) ClearSelection(ctx context.Context) error {
	return c.selections.Clear(ctx)
}

// OfferCursor proposes a pointer position to the throttled cursor stream.
func (c *Client) OfferCursor(x, y float64) bool {
	return c.tracker.OfferCursor(x, y)
}

// Typing marks this participant as typing into a card.
func (c *Client) Typing(cardID string) {
	c.tracker.Typing(cardID)
}

// StopTyping withdraws the typing indicator.
func (c *Client) StopTyping() {
	c.tracker.StopTyping()
}

func (c *Client) markStarted(ctx context.Context) {
	if c.session.HasStartedBrainstorm {
		return
	}
	if err := c.cfg.Store.Sessions.MarkStarted(ctx, c.cfg.SessionID); err != nil {
		log.Printf("[Session %s] started flag not persisted: %v", c.cfg.SessionID, err)
		return
	}
	c.session.HasStartedBrainstorm = true
}

func (c *Client) touchActivity(ctx context.Context) {
	now := c.clock.Now()
	if err := c.cfg.Store.Sessions.TouchActivity(ctx, c.cfg.SessionID, now); err != nil {
		log.Printf("[Session %s] lastActivity touch failed: %v", c.cfg.SessionID, err)
		return
	}
	c.session.LastActivity = now
}

// refreshAll is the slow reconciliation path: full refetch of every durable
// family, deduped by id inside each engine.
func (c *Client) refreshAll() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.cards.Refresh(ctx); err != nil {
		log.Printf("[Session %s] card refetch failed: %v", c.cfg.SessionID, err)
	}
	if err := c.lines.Refresh(ctx); err != nil {
		log.Printf("[Session %s] line refetch failed: %v", c.cfg.SessionID, err)
	}
	if err := c.selections.Refresh(ctx); err != nil {
		log.Printf("[Session %s] selection refetch failed: %v", c.cfg.SessionID, err)
	}
}

func (c *Client) consumeFeed(feed <-chan store.Change) {
	for range feed {
		c.refresher.Offer(struct{}{})
	}
}

// pulse keeps this participant inside the active window while joined.
func (c *Client) pulse() {
	ticker := c.clock.Ticker(c.cfg.Tunables.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopPulse:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := c.members.Heartbeat(ctx, c.participant.ID); err != nil {
				log.Printf("[Session %s] heartbeat failed: %v", c.cfg.SessionID, err)
			}
			cancel()
		}
	}
}
