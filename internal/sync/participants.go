package sync

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/danilashk/noter/internal/identity"
	"github.com/danilashk/noter/internal/model"
	"github.com/danilashk/noter/internal/store"
)

// ActiveWindow bounds how stale a participant's lastSeen may be before they
// stop counting against the seat limit and the palette.
const ActiveWindow = 5 * time.Minute

// ParticipantEngine manages session membership: idempotent join by
// fingerprint, bijective palette color assignment, explicit leave and the
// lastSeen heartbeat. The live roster itself is a presence concern; this
// engine only owns the durable rows.
type ParticipantEngine struct {
	sessionID string
	store     store.ParticipantStore
	clock     clock.Clock
}

// NewParticipantEngine builds the engine.
func NewParticipantEngine(sessionID string, s store.ParticipantStore, clk clock.Clock) *ParticipantEngine {
	if clk == nil {
		clk = clock.New()
	}
	return &ParticipantEngine{sessionID: sessionID, store: s, clock: clk}
}

// Join resolves the fingerprint to a participant, creating one if needed.
// Rejoining with a known fingerprint returns the existing identity and
// refreshes lastSeen; it never consumes a new seat or color.
func (e *ParticipantEngine) Join(ctx context.Context, fingerprint, displayName string) (*model.Participant, error) {
	if fingerprint == "" {
		return nil, &model.ValidationError{Field: "fingerprint", Message: "must not be empty"}
	}

	existing, err := e.store.FindByFingerprint(ctx, e.sessionID, fingerprint)
	if err == nil {
		if err := e.store.UpdateLastSeen(ctx, existing.ID, e.clock.Now()); err != nil {
			log.Printf("[Participants] lastSeen refresh failed for %s: %v", existing.ID, err)
		}
		existing.LastSeen = e.clock.Now()
		return existing, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, classify("find participant", err)
	}

	all, err := e.store.List(ctx, e.sessionID)
	if err != nil {
		return nil, classify("list participants", err)
	}
	active := e.filterActive(all)
	if model.ParticipantLimitReached(len(active)) {
		return nil, model.ErrSessionFull
	}

	used := make([]string, 0, len(active))
	for _, p := range active {
		used = append(used, p.Color)
	}
	color, err := identity.AssignColor(used)
	if err != nil {
		return nil, err
	}

	now := e.clock.Now()
	p := &model.Participant{
		ID:          uuid.NewString(),
		SessionID:   e.sessionID,
		Fingerprint: fingerprint,
		DisplayName: displayName,
		Color:       color,
		JoinedAt:    now,
		LastSeen:    now,
	}
	if err := e.store.Create(ctx, p); err != nil {
		return nil, classify("create participant", err)
	}
	return p, nil
}

// Leave destroys the participant row. Disconnects never call this; only an
// explicit leave does.
func (e *ParticipantEngine) Leave(ctx context.Context, participantID string) error {
	if err := e.store.Delete(ctx, participantID); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return classify("leave session", err)
	}
	return nil
}

// Heartbeat refreshes lastSeen, keeping the participant inside the active
// window.
func (e *ParticipantEngine) Heartbeat(ctx context.Context, participantID string) error {
	if err := e.store.UpdateLastSeen(ctx, participantID, e.clock.Now()); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return classify("participant heartbeat", err)
	}
	return nil
}

// Active lists participants seen within the active window.
func (e *ParticipantEngine) Active(ctx context.Context) ([]model.Participant, error) {
	all, err := e.store.List(ctx, e.sessionID)
	if err != nil {
		return nil, classify("list participants", err)
	}
	return e.filterActive(all), nil
}

func (e *ParticipantEngine) filterActive(all []model.Participant) []model.Participant {
	cutoff := e.clock.Now().Add(-ActiveWindow)
	var active []model.Participant
	for _, p := range all {
		if !p.LastSeen.Before(cutoff) {
			active = append(active, p)
		}
	}
	return active
}
