package presence

import (
	"encoding/json"
	"log"
	"time"

	"github.com/danilashk/noter/internal/model"
)

var zeroTime time.Time

// Typing marks this participant as typing into cardID. Call it per keystroke:
// rebroadcasts are rate-capped to the refresh interval, and the auto-stop
// debounce withdraws the indicator once keystrokes pause.
func (t *Tracker) Typing(cardID string) {
	t.sendMu.Lock()
	now := t.clock.Now()
	cardChanged := t.typingCard != cardID
	due := t.lastTyping.IsZero() || now.Sub(t.lastTyping) >= t.refresh
	if cardChanged || due {
		t.lastTyping = now
		t.typingCard = cardID
	}
	t.sendMu.Unlock()

	if cardChanged || due {
		t.broadcastTyping(EventTypingStart, cardID)
	}
	t.autoStop.Offer(struct{}{})
}

// StopTyping withdraws the typing indicator immediately.
func (t *Tracker) StopTyping() {
	t.sendMu.Lock()
	card := t.typingCard
	active := !t.lastTyping.IsZero()
	t.lastTyping = zeroTime
	t.typingCard = ""
	t.sendMu.Unlock()

	if !active {
		return
	}
	t.autoStop.Cancel()
	t.broadcastTyping(EventTypingStop, card)
}

func (t *Tracker) broadcastTyping(event, cardID string) {
	status := model.TypingStatus{
		ParticipantID: t.self.ID,
		Name:          t.self.Name,
		Color:         t.self.Color,
		CardID:        cardID,
		Timestamp:     t.clock.Now(),
	}
	if err := t.typing.Broadcast(event, status); err != nil {
		log.Printf("[Presence] typing %s dropped: %v", event, err)
	}
}

func (t *Tracker) onTypingStart(payload []byte) {
	var status model.TypingStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return
	}
	if status.ParticipantID == t.self.ID {
		return
	}

	t.mu.Lock()
	if existing, ok := t.typingState[status.ParticipantID]; ok {
		existing.timer.Stop()
	}
	id := status.ParticipantID
	entry := &typingEntry{
		status: status,
		// Expire without a refresh; the stop broadcast usually wins this
		// race, the timer covers lost frames.
		timer: t.clock.AfterFunc(t.ttl, func() { t.expireTyping(id) }),
	}
	t.typingState[id] = entry
	t.mu.Unlock()
	t.notify()
}

func (t *Tracker) onTypingStop(payload []byte) {
	var status model.TypingStatus
	if err := json.Unmarshal(payload, &status); err != nil {
		return
	}
	if status.ParticipantID == t.self.ID {
		return
	}
	t.expireTyping(status.ParticipantID)
}

func (t *Tracker) expireTyping(participantID string) {
	t.mu.Lock()
	e, ok := t.typingState[participantID]
	if ok {
		e.timer.Stop()
		delete(t.typingState, participantID)
	}
	t.mu.Unlock()
	if ok {
		t.notify()
	}
}
