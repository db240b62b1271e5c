package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/danilashk/noter/internal/model"
)

// Gorm is the postgres backend. Change notification is poll-based: a feed
// subscriber wakes every interval and diffs updated_at/created_at against the
// last sweep, which is the slow reconciliation path behind the realtime
// channels.
type Gorm struct {
	db           *gorm.DB
	pollInterval time.Duration

	feedMu  sync.Mutex
	pollers map[int]*gormPoller
	nextID  int
}

// NewGorm wraps an established connection. pollInterval bounds change-feed
// staleness.
func NewGorm(db *gorm.DB, pollInterval time.Duration) *Gorm {
	return &Gorm{
		db:           db,
		pollInterval: pollInterval,
		pollers:      make(map[int]*gormPoller),
	}
}

// Bundle exposes the backend through the per-family contracts.
func (g *Gorm) Bundle() Store {
	return Store{
		Cards:        gormCards{g},
		Lines:        gormLines{g},
		Selections:   gormSelections{g},
		Participants: gormParticipants{g},
		Sessions:     gormSessions{g},
		Feed:         g,
	}
}

func translateErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.ErrNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &model.TransientError{Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func affectedOrNotFound(op string, tx *gorm.DB) error {
	if tx.Error != nil {
		return translateErr(op, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return model.ErrNotFound
	}
	return nil
}

// ---------- cards ----------

type gormCards struct{ g *Gorm }

func (v gormCards) List(ctx context.Context, sessionID string) ([]model.Card, error) {
	var cards []model.Card
	err := v.g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&cards).Error
	return cards, translateErr("list cards", err)
}

func (v gormCards) Get(ctx context.Context, id string) (*model.Card, error) {
	var card model.Card
	if err := v.g.db.WithContext(ctx).First(&card, "id = ?", id).Error; err != nil {
		return nil, translateErr("get card", err)
	}
	return &card, nil
}

func (v gormCards) Create(ctx context.Context, card *model.Card) error {
	return translateErr("create card", v.g.db.WithContext(ctx).Create(card).Error)
}

func (v gormCards) UpdateContent(ctx context.Context, id, content string) error {
	tx := v.g.db.WithContext(ctx).Model(&model.Card{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"content":    content,
			"updated_at": time.Now(),
		})
	return affectedOrNotFound("update card content", tx)
}

func (v gormCards) UpdatePosition(ctx context.Context, id string, pos model.Point) error {
	tx := v.g.db.WithContext(ctx).Model(&model.Card{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"position_x": pos.X,
			"position_y": pos.Y,
			"updated_at": time.Now(),
		})
	return affectedOrNotFound("update card position", tx)
}

func (v gormCards) UpdateHeight(ctx context.Context, id string, height float64) error {
	tx := v.g.db.WithContext(ctx).Model(&model.Card{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"height":     model.ClampCardHeight(height),
			"updated_at": time.Now(),
		})
	return affectedOrNotFound("update card height", tx)
}

func (v gormCards) Delete(ctx context.Context, id string) error {
	tx := v.g.db.WithContext(ctx).Delete(&model.Card{}, "id = ?", id)
	return affectedOrNotFound("delete card", tx)
}

// ---------- drawing lines ----------

type gormLines struct{ g *Gorm }

func (v gormLines) List(ctx context.Context, sessionID string) ([]model.DrawingLine, error) {
	var lines []model.DrawingLine
	err := v.g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&lines).Error
	return lines, translateErr("list lines", err)
}

func (v gormLines) Create(ctx context.Context, line *model.DrawingLine) error {
	return translateErr("create line", v.g.db.WithContext(ctx).Create(line).Error)
}

func (v gormLines) Delete(ctx context.Context, id string) error {
	tx := v.g.db.WithContext(ctx).Delete(&model.DrawingLine{}, "id = ?", id)
	return affectedOrNotFound("delete line", tx)
}

// ---------- selections ----------

type gormSelections struct{ g *Gorm }

func (v gormSelections) List(ctx context.Context, sessionID string) ([]model.CardSelection, error) {
	var sels []model.CardSelection
	err := v.g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("selected_at ASC").
		Find(&sels).Error
	return sels, translateErr("list selections", err)
}

func (v gormSelections) Create(ctx context.Context, sel *model.CardSelection) error {
	return translateErr("create selection", v.g.db.WithContext(ctx).Create(sel).Error)
}

func (v gormSelections) DeleteByParticipant(ctx context.Context, sessionID, participantID string) error {
	// Clearing an absent selection is not an error; the caller is about to
	// insert the replacement.
	err := v.g.db.WithContext(ctx).
		Where("session_id = ? AND selected_by = ?", sessionID, participantID).
		Delete(&model.CardSelection{}).Error
	return translateErr("clear selection", err)
}

// ---------- participants ----------

type gormParticipants struct{ g *Gorm }

func (v gormParticipants) List(ctx context.Context, sessionID string) ([]model.Participant, error) {
	var ps []model.Participant
	err := v.g.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("joined_at ASC").
		Find(&ps).Error
	return ps, translateErr("list participants", err)
}

func (v gormParticipants) FindByFingerprint(ctx context.Context, sessionID, fingerprint string) (*model.Participant, error) {
	var p model.Participant
	err := v.g.db.WithContext(ctx).
		First(&p, "session_id = ? AND fingerprint = ?", sessionID, fingerprint).Error
	if err != nil {
		return nil, translateErr("find participant", err)
	}
	return &p, nil
}

func (v gormParticipants) Create(ctx context.Context, p *model.Participant) error {
	return translateErr("create participant", v.g.db.WithContext(ctx).Create(p).Error)
}

func (v gormParticipants) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	tx := v.g.db.WithContext(ctx).Model(&model.Participant{}).
		Where("id = ?", id).
		Update("last_seen", at)
	return affectedOrNotFound("update last seen", tx)
}

func (v gormParticipants) Delete(ctx context.Context, id string) error {
	tx := v.g.db.WithContext(ctx).Delete(&model.Participant{}, "id = ?", id)
	return affectedOrNotFound("delete participant", tx)
}

// ---------- sessions ----------

type gormSessions struct{ g *Gorm }

func (v gormSessions) Get(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	if err := v.g.db.WithContext(ctx).First(&s, "id = ?", id).Error; err != nil {
		return nil, translateErr("get session", err)
	}
	return &s, nil
}

func (v gormSessions) Create(ctx context.Context, s *model.Session) error {
	return translateErr("create session", v.g.db.WithContext(ctx).Create(s).Error)
}

func (v gormSessions) TouchActivity(ctx context.Context, id string, at time.Time) error {
	tx := v.g.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("last_activity", at)
	return affectedOrNotFound("touch session", tx)
}

func (v gormSessions) MarkStarted(ctx context.Context, id string) error {
	tx := v.g.db.WithContext(ctx).Model(&model.Session{}).
		Where("id = ?", id).
		Update("has_started_brainstorm", true)
	return affectedOrNotFound("mark session started", tx)
}

// ---------- change feed ----------

type gormPoller struct {
	sessionID string
	ch        chan Change
	stop      chan struct{}
}

// SubscribeChanges polls card rows for created/updated timestamps newer than
// the previous sweep. Deletions and the other families propagate over
// channels; the poller only covers card drift after missed frames.
func (g *Gorm) SubscribeChanges(sessionID string) (<-chan Change, func()) {
	g.feedMu.Lock()
	id := g.nextID
	g.nextID++
	p := &gormPoller{
		sessionID: sessionID,
		ch:        make(chan Change, 64),
		stop:      make(chan struct{}),
	}
	g.pollers[id] = p
	g.feedMu.Unlock()

	go g.poll(p)

	cancel := func() {
		g.feedMu.Lock()
		defer g.feedMu.Unlock()
		if existing, ok := g.pollers[id]; ok {
			delete(g.pollers, id)
			close(existing.stop)
		}
	}
	return p.ch, cancel
}

func (g *Gorm) poll(p *gormPoller) {
	defer close(p.ch)

	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	lastSweep := time.Now()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}

		sweepStart := time.Now()
		var cards []model.Card
		err := g.db.
			Where("session_id = ? AND updated_at > ?", p.sessionID, lastSweep).
			Find(&cards).Error
		if err != nil {
			log.Printf("[Store] change poll failed for %s: %v", p.sessionID, err)
			continue
		}
		lastSweep = sweepStart

		for _, c := range cards {
			kind := ChangeUpdated
			if c.CreatedAt.Equal(c.UpdatedAt) {
				kind = ChangeCreated
			}
			select {
			case p.ch <- Change{Entity: "card", Kind: kind, ID: c.ID, SessionID: c.SessionID}:
			case <-p.stop:
				return
			}
		}
	}
}
