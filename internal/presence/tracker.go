// Package presence maintains the live roster, the throttled cursor stream and
// the expiring typing indicators of one session. Cursor positions never ride
// the presence payload; they travel on their own broadcast topic so presence
// diffing stays cheap.
package presence

import (
	"encoding/json"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/throttle"
)

// Broadcast events on the cursor and typing topics.
const (
	EventCursor      = "cursor"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
)

// Tracker composes the three ephemeral concerns. All state is receiver-local
// and evaporates with the process; nothing here touches a store.
type Tracker struct {
	self    model.PresenceInfo
	roster  channel.Handle
	cursors channel.Handle
	typing  channel.Handle
	clock   clock.Clock
	ttl     time.Duration

	cursorCap  *throttle.RateCap
	autoStop   *throttle.Debouncer[struct{}]
	refresh    time.Duration
	sendMu     sync.Mutex
	lastTyping time.Time
	typingCard string

	mu          sync.RWMutex
	peers       []model.PresenceInfo
	cursorState map[string]model.CursorState
	typingState map[string]*typingEntry
	leaveFns    []func(participantID string)

	listenerMu sync.RWMutex
	listeners  []func()
}

type typingEntry struct {
	status model.TypingStatus
	timer  *clock.Timer
}

// TrackerConfig wires the tracker to its three channel handles.
type TrackerConfig struct {
	Self           model.PresenceInfo
	Roster         channel.Handle
	Cursors        channel.Handle
	Typing         channel.Handle
	Clock          clock.Clock
	CursorInterval time.Duration
	CursorMinDelta float64
	// TypingTTL is the receiver-side expiry absent a refresh broadcast.
	TypingTTL time.Duration
	// TypingRefresh is the sender-side auto-stop debounce.
	TypingRefresh time.Duration
}

// NewTracker builds the tracker and hooks its handlers. Track the roster with
// Join once the handles are subscribed.
func NewTracker(cfg TrackerConfig) *Tracker {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	t := &Tracker{
		self:        cfg.Self,
		roster:      cfg.Roster,
		cursors:     cfg.Cursors,
		typing:      cfg.Typing,
		clock:       clk,
		ttl:         cfg.TypingTTL,
		refresh:     cfg.TypingRefresh,
		cursorState: make(map[string]model.CursorState),
		typingState: make(map[string]*typingEntry),
	}
	t.cursorCap = throttle.NewRateCap(clk, cfg.CursorInterval, cfg.CursorMinDelta, t.sendCursor)
	t.autoStop = throttle.NewDebouncer[struct{}](clk, cfg.TypingRefresh, func(struct{}) {
		t.StopTyping()
	})

	t.roster.OnPresence(channel.PresenceSync, t.onSync)
	t.roster.OnPresence(channel.PresenceJoin, t.onJoin)
	t.roster.OnPresence(channel.PresenceLeave, t.onLeave)
	t.cursors.OnBroadcast(EventCursor, t.onCursor)
	t.typing.OnBroadcast(EventTypingStart, t.onTypingStart)
	t.typing.OnBroadcast(EventTypingStop, t.onTypingStop)
	return t
}

// OnChange registers a listener fired after every roster/cursor/typing change.
func (t *Tracker) OnChange(fn func()) {
	t.listenerMu.Lock()
	defer t.listenerMu.Unlock()
	t.listeners = append(t.listeners, fn)
}

// OnPeerLeave registers a hook fired with the departing participant's id.
// The session facade uses it to evict selections.
func (t *Tracker) OnPeerLeave(fn func(participantID string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaveFns = append(t.leaveFns, fn)
}

func (t *Tracker) notify() {
	t.listenerMu.RLock()
	listeners := t.listeners
	t.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Join publishes this participant's identity on the roster.
func (t *Tracker) Join() error {
	return t.roster.Track(t.self)
}

// Leave withdraws from the roster and stops any typing indicator.
func (t *Tracker) Leave() error {
	t.StopTyping()
	return t.roster.Untrack()
}

// Roster returns the current roster ordered by join time.
func (t *Tracker) Roster() []model.PresenceInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]model.PresenceInfo(nil), t.peers...)
}

// Cursors returns the latest known cursor per peer.
func (t *Tracker) Cursors() []model.CursorState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.CursorState, 0, len(t.cursorState))
	for _, c := range t.cursorState {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// TypingPeers returns who is typing into which card right now.
func (t *Tracker) TypingPeers() []model.TypingStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]model.TypingStatus, 0, len(t.typingState))
	for _, e := range t.typingState {
		out = append(out, e.status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// OfferCursor proposes a pointer position. The leading-edge cap bounds the
// broadcast rate; suppressed frames vanish without queueing.
func (t *Tracker) OfferCursor(x, y float64) bool {
	return t.cursorCap.Offer(x, y)
}

func (t *Tracker) sendCursor(x, y float64) {
	state := model.CursorState{
		ParticipantID: t.self.ID,
		Name:          t.self.Name,
		Color:         t.self.Color,
		X:             x,
		Y:             y,
		Timestamp:     t.clock.Now(),
	}
	if err := t.cursors.Broadcast(EventCursor, state); err != nil {
		// Ephemeral: dropped frames are never queued for replay.
		log.Printf("[Presence] cursor frame dropped: %v", err)
	}
}

func (t *Tracker) onSync(states []model.PresenceInfo) {
	t.mu.Lock()
	t.peers = append([]model.PresenceInfo(nil), states...)
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) onJoin(states []model.PresenceInfo) {
	t.mu.Lock()
	for _, s := range states {
		found := false
		for i, p := range t.peers {
			if p.ID == s.ID {
				t.peers[i] = s
				found = true
				break
			}
		}
		if !found {
			t.peers = append(t.peers, s)
		}
	}
	sort.Slice(t.peers, func(i, j int) bool { return t.peers[i].JoinedAt.Before(t.peers[j].JoinedAt) })
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) onLeave(states []model.PresenceInfo) {
	t.mu.Lock()
	var leaveFns []func(string)
	var left []string
	for _, s := range states {
		for i, p := range t.peers {
			if p.ID == s.ID {
				t.peers = append(t.peers[:i], t.peers[i+1:]...)
				break
			}
		}
		// Stale-pointer prevention: the cursor and typing entries go with
		// the peer, immediately.
		delete(t.cursorState, s.ID)
		if e, ok := t.typingState[s.ID]; ok {
			e.timer.Stop()
			delete(t.typingState, s.ID)
		}
		left = append(left, s.ID)
	}
	leaveFns = append(leaveFns, t.leaveFns...)
	t.mu.Unlock()

	for _, id := range left {
		for _, fn := range leaveFns {
			fn(id)
		}
	}
	t.notify()
}

func (t *Tracker) onCursor(payload []byte) {
	var state model.CursorState
	if err := json.Unmarshal(payload, &state); err != nil {
		return
	}
	if state.ParticipantID == t.self.ID {
		return
	}

	t.mu.Lock()
	// Latest position only, no history.
	t.cursorState[state.ParticipantID] = state
	t.mu.Unlock()
	t.notify()
}
