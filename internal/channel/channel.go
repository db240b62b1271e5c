// Package channel wraps a named pub/sub topic: fire-and-forget broadcast with
// sender exclusion, plus a presence roster tracked per subscriber. One handle
// is opened per logical concern (cards, cursors, presence, drawing,
// selections, typing) so event names never collide and each stream keeps its
// own backpressure.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/danilashk/noter/internal/model"
)

// ErrSubscriptionLost reports an established subscription dropped by the
// transport rather than by a local Unsubscribe.
var ErrSubscriptionLost = errors.New("subscription lost")

// PresenceEvent identifies a roster change delivered to OnPresence handlers.
type PresenceEvent string

const (
	PresenceSync  PresenceEvent = "sync"
	PresenceJoin  PresenceEvent = "join"
	PresenceLeave PresenceEvent = "leave"
)

// Envelope is the wire frame of every broadcast. Payloads are JSON objects
// carrying at minimum {type, actorId, timestamp}.
type Envelope struct {
	Event     string          `json:"event"`
	SenderID  string          `json:"senderId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Handle is one subscription to one topic. Broadcast never blocks on slow
// peers and requires no acknowledgment; latency is favored over reliability.
// A handle that cannot establish its subscription within the configured bound
// reports the error and must be recreated by the reconnect manager - it does
// not retry internally.
type Handle interface {
	Topic() string
	Subscribe(ctx context.Context) error
	Unsubscribe() error

	// OnDisconnect registers a hook fired when an established subscription
	// is lost without a local Unsubscribe. The reconnect manager hangs its
	// retry cycle off this.
	OnDisconnect(fn func(cause error))

	Broadcast(event string, payload any) error
	OnBroadcast(event string, fn func(payload []byte))

	Track(state model.PresenceInfo) error
	Untrack() error
	OnPresence(event PresenceEvent, fn func(states []model.PresenceInfo))
	PresenceState() []model.PresenceInfo
}

// Transport opens handles. clientID identifies the local subscriber for
// sender exclusion and presence keying.
type Transport interface {
	Open(topic, clientID string) Handle
}

// handlerSet is the shared handler registry of both transports.
type handlerSet struct {
	mu         sync.RWMutex
	broadcast  map[string][]func([]byte)
	presence   map[PresenceEvent][]func([]model.PresenceInfo)
	disconnect []func(error)
}

func newHandlerSet() *handlerSet {
	return &handlerSet{
		broadcast: make(map[string][]func([]byte)),
		presence:  make(map[PresenceEvent][]func([]model.PresenceInfo)),
	}
}

func (h *handlerSet) onBroadcast(event string, fn func([]byte)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcast[event] = append(h.broadcast[event], fn)
}

func (h *handlerSet) onPresence(event PresenceEvent, fn func([]model.PresenceInfo)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence[event] = append(h.presence[event], fn)
}

func (h *handlerSet) onDisconnect(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnect = append(h.disconnect, fn)
}

func (h *handlerSet) dispatchBroadcast(event string, payload []byte) {
	h.mu.RLock()
	fns := h.broadcast[event]
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (h *handlerSet) dispatchPresence(event PresenceEvent, states []model.PresenceInfo) {
	h.mu.RLock()
	fns := h.presence[event]
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(states)
	}
}

func (h *handlerSet) dispatchDisconnect(cause error) {
	h.mu.RLock()
	fns := h.disconnect
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(cause)
	}
}
