package model

import "time"

// CursorState is the highest-frequency entity in the system. It is never
// persisted; receivers keep only the latest position per participant.
type CursorState struct {
	ParticipantID string    `json:"participantId"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	X             float64   `json:"x"`
	Y             float64   `json:"y"`
	Timestamp     time.Time `json:"timestamp"`
}

// TypingStatus marks a participant as typing into one card. Expires on the
// receiving side if no refresh broadcast arrives within the typing TTL.
type TypingStatus struct {
	ParticipantID string    `json:"participantId"`
	Name          string    `json:"name"`
	Color         string    `json:"color"`
	CardID        string    `json:"cardId"`
	Timestamp     time.Time `json:"timestamp"`
}

// PresenceInfo is the small identity record tracked on the presence channel.
// Cursor positions deliberately do not travel here.
type PresenceInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Color    string    `json:"color"`
	JoinedAt time.Time `json:"joinedAt"`
}
