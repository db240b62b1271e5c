package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/danilashk/noter/internal/model"
)

const deliveryBuffer = 256

// ErrBrokerDown is returned by Subscribe while the broker is unreachable.
var ErrBrokerDown = errors.New("broker is down")

// ErrNotSubscribed is returned by Broadcast/Track on an unsubscribed handle.
var ErrNotSubscribed = errors.New("handle is not subscribed")

// Broker is the in-process transport: a hub of topics fanning envelopes out
// to every subscriber except the sender. Slow subscribers drop frames rather
// than stall the hub.
type Broker struct {
	mu     sync.RWMutex
	topics map[string]*brokerTopic
	down   bool
}

type brokerTopic struct {
	name        string
	subscribers map[*brokerHandle]bool
	presence    map[string]model.PresenceInfo
}

// NewBroker creates an empty hub.
func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*brokerTopic)}
}

// Open returns an unsubscribed handle on topic.
func (b *Broker) Open(topic, clientID string) Handle {
	return &brokerHandle{
		broker:   b,
		topic:    topic,
		clientID: clientID,
		handlers: newHandlerSet(),
	}
}

// SetDown simulates transport loss: new subscriptions fail and existing
// handles are force-unsubscribed with a synthetic leave for tracked peers.
func (b *Broker) SetDown(down bool) {
	b.mu.Lock()
	b.down = down
	if !down {
		b.mu.Unlock()
		return
	}
	var dropped []*brokerHandle
	for _, t := range b.topics {
		for h := range t.subscribers {
			dropped = append(dropped, h)
		}
	}
	b.mu.Unlock()

	for _, h := range dropped {
		h.drop(ErrBrokerDown)
	}
}

func (b *Broker) getOrCreateTopic(name string) *brokerTopic {
	if t, ok := b.topics[name]; ok {
		return t
	}
	t := &brokerTopic{
		name:        name,
		subscribers: make(map[*brokerHandle]bool),
		presence:    make(map[string]model.PresenceInfo),
	}
	b.topics[name] = t
	return t
}

type brokerHandle struct {
	broker   *Broker
	topic    string
	clientID string
	handlers *handlerSet

	mu         sync.Mutex
	subscribed bool
	tracked    bool
	queue      chan Envelope
	done       chan struct{}
}

func (h *brokerHandle) Topic() string { return h.topic }

func (h *brokerHandle) Subscribe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Resubscribing a live handle must not replace its queue; the old pump
	// would keep running against the orphaned done channel.
	h.mu.Lock()
	if h.subscribed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.broker.mu.Lock()
	if h.broker.down {
		h.broker.mu.Unlock()
		return ErrBrokerDown
	}
	t := h.broker.getOrCreateTopic(h.topic)
	t.subscribers[h] = true
	h.broker.mu.Unlock()

	h.mu.Lock()
	h.subscribed = true
	h.queue = make(chan Envelope, deliveryBuffer)
	h.done = make(chan struct{})
	queue, done := h.queue, h.done
	h.mu.Unlock()

	go h.pump(queue, done)
	return nil
}

func (h *brokerHandle) Unsubscribe() error {
	h.mu.Lock()
	if !h.subscribed {
		h.mu.Unlock()
		return nil
	}
	h.subscribed = false
	wasTracked := h.tracked
	h.tracked = false
	close(h.done)
	h.mu.Unlock()

	h.broker.mu.Lock()
	t := h.broker.topics[h.topic]
	var left *model.PresenceInfo
	if t != nil {
		delete(t.subscribers, h)
		if wasTracked {
			if info, ok := t.presence[h.clientID]; ok {
				delete(t.presence, h.clientID)
				left = &info
			}
		}
	}
	h.broker.mu.Unlock()

	// An abrupt unsubscribe of a tracked peer is a leave for everyone else.
	if left != nil {
		h.broker.notifyPresence(h.topic, h, PresenceLeave, []model.PresenceInfo{*left})
	}
	return nil
}

// drop force-unsubscribes a handle the transport lost, then reports the loss
// to the disconnect hooks. A plain Unsubscribe is deliberate and stays silent.
func (h *brokerHandle) drop(cause error) {
	h.mu.Lock()
	subscribed := h.subscribed
	h.mu.Unlock()
	if !subscribed {
		return
	}
	h.Unsubscribe()
	h.handlers.dispatchDisconnect(cause)
}

func (h *brokerHandle) pump(queue chan Envelope, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env := <-queue:
			h.handlers.dispatchBroadcast(env.Event, env.Payload)
		}
	}
}

func (h *brokerHandle) Broadcast(event string, payload any) error {
	h.mu.Lock()
	subscribed := h.subscribed
	h.mu.Unlock()
	if !subscribed {
		return ErrNotSubscribed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	env := Envelope{
		Event:     event,
		SenderID:  h.clientID,
		Payload:   raw,
		Timestamp: time.Now(),
	}

	h.broker.mu.RLock()
	t := h.broker.topics[h.topic]
	var targets []*brokerHandle
	if t != nil {
		for sub := range t.subscribers {
			if sub != h {
				targets = append(targets, sub)
			}
		}
	}
	h.broker.mu.RUnlock()

	for _, sub := range targets {
		sub.deliver(env)
	}
	return nil
}

func (h *brokerHandle) deliver(env Envelope) {
	h.mu.Lock()
	queue := h.queue
	subscribed := h.subscribed
	h.mu.Unlock()
	if !subscribed {
		return
	}
	select {
	case queue <- env:
	default:
		log.Printf("[Channel %s] delivery buffer full, dropping %s frame", h.topic, env.Event)
	}
}

func (h *brokerHandle) Track(state model.PresenceInfo) error {
	h.mu.Lock()
	if !h.subscribed {
		h.mu.Unlock()
		return ErrNotSubscribed
	}
	h.tracked = true
	h.mu.Unlock()

	h.broker.mu.Lock()
	t := h.broker.getOrCreateTopic(h.topic)
	_, rejoin := t.presence[h.clientID]
	t.presence[h.clientID] = state
	h.broker.mu.Unlock()

	if !rejoin {
		h.broker.notifyPresence(h.topic, h, PresenceJoin, []model.PresenceInfo{state})
	}
	// The tracking handle itself receives the full roster.
	h.handlers.dispatchPresence(PresenceSync, h.PresenceState())
	return nil
}

func (h *brokerHandle) Untrack() error {
	h.mu.Lock()
	wasTracked := h.tracked
	h.tracked = false
	h.mu.Unlock()
	if !wasTracked {
		return nil
	}

	h.broker.mu.Lock()
	t := h.broker.topics[h.topic]
	var left *model.PresenceInfo
	if t != nil {
		if info, ok := t.presence[h.clientID]; ok {
			delete(t.presence, h.clientID)
			left = &info
		}
	}
	h.broker.mu.Unlock()

	if left != nil {
		h.broker.notifyPresence(h.topic, h, PresenceLeave, []model.PresenceInfo{*left})
	}
	return nil
}

func (h *brokerHandle) OnBroadcast(event string, fn func(payload []byte)) {
	h.handlers.onBroadcast(event, fn)
}

func (h *brokerHandle) OnDisconnect(fn func(cause error)) {
	h.handlers.onDisconnect(fn)
}

func (h *brokerHandle) OnPresence(event PresenceEvent, fn func(states []model.PresenceInfo)) {
	h.handlers.onPresence(event, fn)
}

func (h *brokerHandle) PresenceState() []model.PresenceInfo {
	h.broker.mu.RLock()
	defer h.broker.mu.RUnlock()

	t := h.broker.topics[h.topic]
	if t == nil {
		return nil
	}
	states := make([]model.PresenceInfo, 0, len(t.presence))
	for _, info := range t.presence {
		states = append(states, info)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].JoinedAt.Before(states[j].JoinedAt) })
	return states
}

// notifyPresence fans a roster change out to every subscriber except origin,
// followed by a sync carrying the full roster.
func (b *Broker) notifyPresence(topic string, origin *brokerHandle, event PresenceEvent, states []model.PresenceInfo) {
	b.mu.RLock()
	t := b.topics[topic]
	var targets []*brokerHandle
	if t != nil {
		for sub := range t.subscribers {
			if sub != origin {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		sub.handlers.dispatchPresence(event, states)
		sub.handlers.dispatchPresence(PresenceSync, sub.PresenceState())
	}
}
