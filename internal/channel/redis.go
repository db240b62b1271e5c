package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/danilashk/noter/internal/model"
)

// Reserved envelope events carrying presence changes across processes.
const (
	presenceJoinEvent  = "__presence_join"
	presenceLeaveEvent = "__presence_leave"
)

// RedisTransport backs topics with Redis pub/sub and keeps each topic's
// presence roster in a hash, so gateways on different machines share one
// canvas.
type RedisTransport struct {
	client           *redis.Client
	subscribeTimeout time.Duration
}

// NewRedisTransport wraps an existing client. Ping before handing the client
// in; the transport assumes connectivity and reports failures per handle.
func NewRedisTransport(client *redis.Client, subscribeTimeout time.Duration) *RedisTransport {
	return &RedisTransport{client: client, subscribeTimeout: subscribeTimeout}
}

// DialRedis connects and pings a Redis server.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Printf("[Redis] Connected to %s", addr)
	return client, nil
}

// Open returns an unsubscribed handle on topic.
func (t *RedisTransport) Open(topic, clientID string) Handle {
	return &redisHandle{
		transport: t,
		topic:     topic,
		clientID:  clientID,
		handlers:  newHandlerSet(),
	}
}

func (t *RedisTransport) channelKey(topic string) string {
	return "noter:topic:" + topic
}

func (t *RedisTransport) presenceKey(topic string) string {
	return "noter:presence:" + topic
}

type redisHandle struct {
	transport *RedisTransport
	topic     string
	clientID  string
	handlers  *handlerSet

	mu         sync.Mutex
	subscribed bool
	tracked    bool
	pubsub     *redis.PubSub
	cancel     context.CancelFunc
}

func (h *redisHandle) Topic() string { return h.topic }

// Subscribe opens the pub/sub stream and waits for the subscription
// confirmation within the transport's bound. On timeout the handle stays
// unsubscribed; the reconnect manager recreates it.
func (h *redisHandle) Subscribe(ctx context.Context) error {
	h.mu.Lock()
	if h.subscribed {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	ps := h.transport.client.Subscribe(ctx, h.transport.channelKey(h.topic))

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, h.transport.subscribeTimeout)
	defer cancelConfirm()
	if _, err := ps.Receive(confirmCtx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe %s: %w", h.topic, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	h.mu.Lock()
	h.subscribed = true
	h.pubsub = ps
	h.cancel = cancel
	h.mu.Unlock()

	go h.readLoop(runCtx, ps)
	return nil
}

func (h *redisHandle) readLoop(ctx context.Context, ps *redis.PubSub) {
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				// Unsubscribe clears the flag before closing the stream,
				// so a closed channel on a still-subscribed handle is a
				// transport-side loss.
				h.mu.Lock()
				lost := h.subscribed
				h.subscribed = false
				h.mu.Unlock()
				if lost {
					log.Printf("[Channel %s] pub/sub stream closed", h.topic)
					h.handlers.dispatchDisconnect(ErrSubscriptionLost)
				}
				return
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				log.Printf("[Channel %s] malformed envelope: %v", h.topic, err)
				continue
			}
			// Sender exclusion happens receiver-side: Redis delivers to
			// every subscriber including the publisher.
			if env.SenderID == h.clientID {
				continue
			}
			h.dispatch(env)
		}
	}
}

func (h *redisHandle) dispatch(env Envelope) {
	switch env.Event {
	case presenceJoinEvent, presenceLeaveEvent:
		var info model.PresenceInfo
		if err := json.Unmarshal(env.Payload, &info); err != nil {
			return
		}
		event := PresenceJoin
		if env.Event == presenceLeaveEvent {
			event = PresenceLeave
		}
		h.handlers.dispatchPresence(event, []model.PresenceInfo{info})
		h.handlers.dispatchPresence(PresenceSync, h.PresenceState())
	default:
		h.handlers.dispatchBroadcast(env.Event, env.Payload)
	}
}

func (h *redisHandle) Unsubscribe() error {
	h.mu.Lock()
	if !h.subscribed {
		h.mu.Unlock()
		return nil
	}
	h.subscribed = false
	wasTracked := h.tracked
	h.tracked = false
	ps := h.pubsub
	cancel := h.cancel
	h.mu.Unlock()

	if wasTracked {
		h.untrackRemote()
	}
	cancel()
	return ps.Close()
}

func (h *redisHandle) Broadcast(event string, payload any) error {
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
	return h.publish(Envelope{
		Event:     event,
		SenderID:  h.clientID,
		Payload:   raw,
		Timestamp: time.Now(),
	})
}

func (h *redisHandle) publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return h.transport.client.Publish(ctx, h.transport.channelKey(h.topic), data).Err()
}

func (h *redisHandle) Track(state model.PresenceInfo) error {
	h.mu.Lock()
	if !h.subscribed {
		h.mu.Unlock()
		return ErrNotSubscribed
	}
	h.tracked = true
	h.mu.Unlock()

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.transport.client.HSet(ctx, h.transport.presenceKey(h.topic), h.clientID, data).Err(); err != nil {
		return fmt.Errorf("track on %s: %w", h.topic, err)
	}

	if err := h.publish(Envelope{
		Event:     presenceJoinEvent,
		SenderID:  h.clientID,
		Payload:   data,
		Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	h.handlers.dispatchPresence(PresenceSync, h.PresenceState())
	return nil
}

func (h *redisHandle) Untrack() error {
	h.mu.Lock()
	wasTracked := h.tracked
	h.tracked = false
	h.mu.Unlock()
	if !wasTracked {
		return nil
	}
	return h.untrackRemote()
}

func (h *redisHandle) untrackRemote() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := h.transport.presenceKey(h.topic)
	raw, err := h.transport.client.HGet(ctx, key, h.clientID).Result()
	if err != nil && err != redis.Nil {
		return err
	}
	if err := h.transport.client.HDel(ctx, key, h.clientID).Err(); err != nil {
		return err
	}
	if raw == "" {
		return nil
	}
	return h.publish(Envelope{
		Event:     presenceLeaveEvent,
		SenderID:  h.clientID,
		Payload:   json.RawMessage(raw),
		Timestamp: time.Now(),
	})
}

func (h *redisHandle) OnBroadcast(event string, fn func(payload []byte)) {
	h.handlers.onBroadcast(event, fn)
}

func (h *redisHandle) OnDisconnect(fn func(cause error)) {
	h.handlers.onDisconnect(fn)
}

func (h *redisHandle) OnPresence(event PresenceEvent, fn func(states []model.PresenceInfo)) {
	h.handlers.onPresence(event, fn)
}

func (h *redisHandle) PresenceState() []model.PresenceInfo {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	entries, err := h.transport.client.HGetAll(ctx, h.transport.presenceKey(h.topic)).Result()
	if err != nil {
		log.Printf("[Channel %s] presence fetch failed: %v", h.topic, err)
		return nil
	}
	states := make([]model.PresenceInfo, 0, len(entries))
	for _, raw := range entries {
		var info model.PresenceInfo
		if err := json.Unmarshal([]byte(raw), &info); err == nil {
			states = append(states, info)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].JoinedAt.Before(states[j].JoinedAt) })
	return states
}
