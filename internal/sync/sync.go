// Package sync holds the entity sync engines: optimistic local mutation,
// durable store write, typed change broadcast, rollback on failure. One engine
// exists per entity family; each owns its local cache and its channel handle.
package sync

import (
	"errors"
	"time"

	"github.com/danilashk/noter/internal/model"
)

// Typed change events carried on entity channels.
const (
	EventCreated    = "created"
	EventUpdated    = "updated"
	EventDeleted    = "deleted"
	EventMoved      = "moved"
	EventResized    = "resized"
	EventSelected   = "selected"
	EventDeselected = "deselected"
)

// command is one reversible optimistic mutation. Rollback is mechanical:
// revert restores the exact pre-mutation snapshot.
type command struct {
	apply  func()
	revert func()
}

// classify maps raw store failures into the error taxonomy. Quota, validation
// and not-found errors pass through; everything else is transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.IsQuotaError(err); ok {
		return err
	}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		return err
	}
	if errors.Is(err, model.ErrNotFound) {
		return err
	}
	var te *model.TransientError
	if errors.As(err, &te) {
		return err
	}
	return &model.TransientError{Op: op, Err: err}
}

// CardEvent is the broadcast payload of every card change. Created/updated
// carry the full card; moved/resized carry only the changed field, deleted
// only the id.
type CardEvent struct {
	Type      string       `json:"type"`
	ActorID   string       `json:"actorId"`
	Timestamp time.Time    `json:"timestamp"`
	Card      *model.Card  `json:"card,omitempty"`
	ID        string       `json:"id,omitempty"`
	Position  *model.Point `json:"position,omitempty"`
	Height    *float64     `json:"height,omitempty"`
}

// LineEvent is the broadcast payload of drawing changes.
type LineEvent struct {
	Type      string             `json:"type"`
	ActorID   string             `json:"actorId"`
	Timestamp time.Time          `json:"timestamp"`
	Line      *model.DrawingLine `json:"line,omitempty"`
	ID        string             `json:"id,omitempty"`
}

// SelectionEvent is the broadcast payload of selection changes.
type SelectionEvent struct {
	Type      string    `json:"type"`
	ActorID   string    `json:"actorId"`
	Timestamp time.Time `json:"timestamp"`
	CardID    string    `json:"cardId,omitempty"`
	ID        string    `json:"id,omitempty"`
}
