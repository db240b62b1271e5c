// Package store defines the durable persistence contracts behind the sync
// engines. The engines treat the store as the commit authority: a broadcast
// may win the race against the store write, but the store row is what survives
// a reload.
package store

import (
	"context"
	"time"

	"github.com/danilashk/noter/internal/model"
)

// ChangeKind classifies a change-feed entry.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is one entry in a store's change feed. The feed is the slow
// reconciliation path; realtime propagation goes over channels.
type Change struct {
	Entity    string
	Kind      ChangeKind
	ID        string
	SessionID string
}

// CardStore persists cards. Last-writer-wins is per field: each Update*
// method writes only its own column, so a content commit and a concurrent
// move never clobber each other. Mutations of missing rows return
// model.ErrNotFound.
type CardStore interface {
	List(ctx context.Context, sessionID string) ([]model.Card, error)
	Get(ctx context.Context, id string) (*model.Card, error)
	Create(ctx context.Context, card *model.Card) error
	UpdateContent(ctx context.Context, id, content string) error
	UpdatePosition(ctx context.Context, id string, pos model.Point) error
	UpdateHeight(ctx context.Context, id string, height float64) error
	Delete(ctx context.Context, id string) error
}

// LineStore persists drawing lines. Lines are append-only except for undo.
type LineStore interface {
	List(ctx context.Context, sessionID string) ([]model.DrawingLine, error)
	Create(ctx context.Context, line *model.DrawingLine) error
	Delete(ctx context.Context, id string) error
}

// SelectionStore persists card selections. A participant holds at most one
// row per session; the engine enforces this with DeleteByParticipant followed
// by Create.
type SelectionStore interface {
	List(ctx context.Context, sessionID string) ([]model.CardSelection, error)
	Create(ctx context.Context, sel *model.CardSelection) error
	DeleteByParticipant(ctx context.Context, sessionID, participantID string) error
}

// ParticipantStore persists session membership. Rows are destroyed only on
// explicit leave; disconnects are transient and keep the row.
type ParticipantStore interface {
	List(ctx context.Context, sessionID string) ([]model.Participant, error)
	FindByFingerprint(ctx context.Context, sessionID, fingerprint string) (*model.Participant, error)
	Create(ctx context.Context, p *model.Participant) error
	UpdateLastSeen(ctx context.Context, id string, at time.Time) error
	Delete(ctx context.Context, id string) error
}

// SessionStore persists sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, s *model.Session) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	MarkStarted(ctx context.Context, id string) error
}

// ChangeFeed exposes a store's change stream for one session. The cancel
// function releases the subscription; the channel closes afterwards.
type ChangeFeed interface {
	SubscribeChanges(sessionID string) (<-chan Change, func())
}

// Store bundles the per-family contracts of one backend.
type Store struct {
	Cards        CardStore
	Lines        LineStore
	Selections   SelectionStore
	Participants ParticipantStore
	Sessions     SessionStore
	Feed         ChangeFeed
}
