// Package gateway bridges websocket clients onto the channel transport. Each
// connection binds one topic family of one session; inbound frames are relayed
// as broadcasts under the client's participant id, outbound broadcasts fan out
// to the socket. Slow or flooding clients lose frames, never block peers.
package gateway

import (
	"context"
	"encoding/json"
	"log"
	stdsync "sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"golang.org/x/time/rate"

	"github.com/danilashk/noter/internal/channel"
	"github.com/danilashk/noter/internal/metrics"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/presence"
	syncengine "github.com/danilashk/noter/internal/sync"
)

// Family describes one relayable topic family: its event vocabulary and
// whether it carries presence tracking instead of broadcasts.
type Family struct {
	Name     string
	Events   []string
	Presence bool
}

// Families enumerates every topic family the gateway relays.
var Families = map[string]Family{
	"cards": {
		Name: "cards",
		Events: []string{
			syncengine.EventCreated, syncengine.EventUpdated, syncengine.EventDeleted,
			syncengine.EventMoved, syncengine.EventResized,
		},
	},
	"drawing": {
		Name:   "drawing",
		Events: []string{syncengine.EventCreated, syncengine.EventDeleted},
	},
	"selections": {
		Name:   "selections",
		Events: []string{syncengine.EventSelected, syncengine.EventDeselected},
	},
	"presence": {
		Name:     "presence",
		Presence: true,
	},
	"cursor-broadcast": {
		Name:   "cursor-broadcast",
		Events: []string{presence.EventCursor},
	},
	"typing": {
		Name:   "typing",
		Events: []string{presence.EventTypingStart, presence.EventTypingStop},
	},
}

// Frame is the websocket wire format in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Presence frames carried on the presence family.
const (
	frameTrack   = "track"
	frameUntrack = "untrack"

	framePresenceSync  = "presence_sync"
	framePresenceJoin  = "presence_join"
	framePresenceLeave = "presence_leave"
)

// Hub relays websocket connections onto the channel transport.
type Hub struct {
	transport        channel.Transport
	recorder         metrics.Recorder
	subscribeTimeout time.Duration
	messagesPerSec   float64
	messageBurst     int

	mu    stdsync.RWMutex
	conns map[string]int
}

// HubConfig wires the hub.
type HubConfig struct {
	Transport        channel.Transport
	Recorder         metrics.Recorder
	SubscribeTimeout time.Duration
	MessagesPerSec   float64
	MessageBurst     int
}

// NewHub builds the hub.
func NewHub(cfg HubConfig) *Hub {
	rec := cfg.Recorder
	if rec == nil {
		rec = metrics.Nop{}
	}
	if cfg.SubscribeTimeout <= 0 {
		cfg.SubscribeTimeout = 10 * time.Second
	}
	return &Hub{
		transport:        cfg.Transport,
		recorder:         rec,
		subscribeTimeout: cfg.SubscribeTimeout,
		messagesPerSec:   cfg.MessagesPerSec,
		messageBurst:     cfg.MessageBurst,
		conns:            make(map[string]int),
	}
}

// Connections reports open connections per topic family.
func (h *Hub) Connections() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.conns))
	for k, v := range h.conns {
		out[k] = v
	}
	return out
}

func (h *Hub) track(family string, delta int) {
	h.mu.Lock()
	h.conns[family] += delta
	if h.conns[family] <= 0 {
		delete(h.conns, family)
	}
	h.mu.Unlock()
}

// socket is one live bridge: a websocket connection paired with its handle.
type socket struct {
	conn    *websocket.Conn
	writeMu stdsync.Mutex
	family  Family
	topic   string
}

func (s *socket) write(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Printf("[Gateway %s] marshal failed: %v", s.topic, err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Printf("[Gateway %s] write failed: %v", s.topic, err)
	}
}

// ServeConn runs one connection to completion. It expects family, sessionId
// and participantId in the connection's Locals, validated by the upgrade
// middleware.
func (h *Hub) ServeConn(conn *websocket.Conn) {
	family := Families[conn.Locals("family").(string)]
	sessionID := conn.Locals("sessionId").(string)
	participantID := conn.Locals("participantId").(string)
	topic := family.Name + ":" + sessionID

	handle := h.transport.Open(topic, participantID)
	s := &socket{conn: conn, family: family, topic: topic}

	for _, event := range family.Events {
		ev := event
		handle.OnBroadcast(ev, func(payload []byte) {
			s.write(Frame{Event: ev, Payload: payload})
		})
	}
	if family.Presence {
		relay := func(frameEvent string) func([]model.PresenceInfo) {
			return func(states []model.PresenceInfo) {
				payload, err := json.Marshal(states)
				if err != nil {
					return
				}
				s.write(Frame{Event: frameEvent, Payload: payload})
			}
		}
		handle.OnPresence(channel.PresenceSync, relay(framePresenceSync))
		handle.OnPresence(channel.PresenceJoin, relay(framePresenceJoin))
		handle.OnPresence(channel.PresenceLeave, relay(framePresenceLeave))
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.subscribeTimeout)
	err := handle.Subscribe(ctx)
	cancel()
	if err != nil {
		log.Printf("[Gateway %s] subscribe failed for %s: %v", topic, participantID, err)
		conn.Close()
		return
	}

	h.track(family.Name, 1)
	h.recorder.ConnectionOpened(family.Name)
	log.Printf("[Gateway %s] %s connected", topic, participantID)

	defer func() {
		if family.Presence {
			if err := handle.Untrack(); err != nil {
				log.Printf("[Gateway %s] untrack failed for %s: %v", topic, participantID, err)
			}
		}
		if err := handle.Unsubscribe(); err != nil {
			log.Printf("[Gateway %s] unsubscribe failed for %s: %v", topic, participantID, err)
		}
		h.track(family.Name, -1)
		h.recorder.ConnectionClosed(family.Name)
		log.Printf("[Gateway %s] %s disconnected", topic, participantID)
	}()

	// Joining the presence family starts with the current roster so the
	// client never renders an empty room it shares with others.
	if family.Presence {
		payload, err := json.Marshal(handle.PresenceState())
		if err == nil {
			s.write(Frame{Event: framePresenceSync, Payload: payload})
		}
	}

	limiter := rate.NewLimiter(rate.Limit(h.messagesPerSec), h.messageBurst)
	h.readLoop(s, handle, participantID, limiter)
}

func (h *Hub) readLoop(s *socket, handle channel.Handle, participantID string, limiter *rate.Limiter) {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if !limiter.Allow() {
			h.recorder.RecordDroppedFrame(s.family.Name)
			continue
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("[Gateway %s] malformed frame from %s: %v", s.topic, participantID, err)
			continue
		}

		if s.family.Presence {
			h.handlePresenceFrame(s, handle, participantID, frame)
			continue
		}
		if !eventAllowed(s.family, frame.Event) {
			log.Printf("[Gateway %s] rejected event %q from %s", s.topic, frame.Event, participantID)
			continue
		}
		if err := handle.Broadcast(frame.Event, frame.Payload); err != nil {
			log.Printf("[Gateway %s] broadcast %s dropped: %v", s.topic, frame.Event, err)
			continue
		}
		h.recorder.RecordBroadcast(s.family.Name)
	}
}

func (h *Hub) handlePresenceFrame(s *socket, handle channel.Handle, participantID string, frame Frame) {
	switch frame.Event {
	case frameTrack:
		var info model.PresenceInfo
		if err := json.Unmarshal(frame.Payload, &info); err != nil {
			log.Printf("[Gateway %s] malformed track payload from %s: %v", s.topic, participantID, err)
			return
		}
		// The socket's identity wins over whatever the payload claims.
		info.ID = participantID
		if err := handle.Track(info); err != nil {
			log.Printf("[Gateway %s] track failed for %s: %v", s.topic, participantID, err)
		}
	case frameUntrack:
		if err := handle.Untrack(); err != nil {
			log.Printf("[Gateway %s] untrack failed for %s: %v", s.topic, participantID, err)
		}
	default:
		log.Printf("[Gateway %s] rejected presence event %q from %s", s.topic, frame.Event, participantID)
	}
}

func eventAllowed(f Family, event string) bool {
	for _, e := range f.Events {
		if e == event {
			return true
		}
	}
	return false
}
