package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/danilashk/noter/internal/model"
)

// Memory is the in-process backend used by tests and single-node gateways.
// Every mutation is mirrored to the change feed synchronously.
type Memory struct {
	mu           sync.RWMutex
	cards        map[string]model.Card
	lines        map[string]model.DrawingLine
	selections   map[string]model.CardSelection
	participants map[string]model.Participant
	sessions     map[string]model.Session

	feedMu      sync.Mutex
	subscribers map[int]*memorySubscriber
	nextSubID   int
}

type memorySubscriber struct {
	sessionID string
	ch        chan Change
}

// NewMemory creates an empty backend.
func NewMemory() *Memory {
	return &Memory{
		cards:        make(map[string]model.Card),
		lines:        make(map[string]model.DrawingLine),
		selections:   make(map[string]model.CardSelection),
		participants: make(map[string]model.Participant),
		sessions:     make(map[string]model.Session),
		subscribers:  make(map[int]*memorySubscriber),
	}
}

// Bundle exposes the backend through the per-family contracts.
func (m *Memory) Bundle() Store {
	return Store{
		Cards:        m,
		Lines:        memoryLines{m},
		Selections:   memorySelections{m},
		Participants: memoryParticipants{m},
		Sessions:     memorySessions{m},
		Feed:         m,
	}
}

func (m *Memory) emit(c Change) {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()
	for _, sub := range m.subscribers {
		if sub.sessionID != c.SessionID {
			continue
		}
		select {
		case sub.ch <- c:
		default:
			// A stalled consumer loses feed entries, never blocks writes.
		}
	}
}

func (m *Memory) SubscribeChanges(sessionID string) (<-chan Change, func()) {
	m.feedMu.Lock()
	defer m.feedMu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	sub := &memorySubscriber{sessionID: sessionID, ch: make(chan Change, 64)}
	m.subscribers[id] = sub

	cancel := func() {
		m.feedMu.Lock()
		defer m.feedMu.Unlock()
		if s, ok := m.subscribers[id]; ok {
			delete(m.subscribers, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// ---------- cards ----------

func (m *Memory) List(ctx context.Context, sessionID string) ([]model.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []model.Card
	for _, c := range m.cards {
		if c.SessionID == sessionID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*model.Card, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.cards[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &c, nil
}

func (m *Memory) Create(ctx context.Context, card *model.Card) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = time.Now()
	}
	card.UpdatedAt = card.CreatedAt
	m.cards[card.ID] = *card
	m.mu.Unlock()

	m.emit(Change{Entity: "card", Kind: ChangeCreated, ID: card.ID, SessionID: card.SessionID})
	return nil
}

func (m *Memory) UpdateContent(ctx context.Context, id, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.cards[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrNotFound
	}
	c.Content = content
	c.UpdatedAt = time.Now()
	m.cards[id] = c
	m.mu.Unlock()

	m.emit(Change{Entity: "card", Kind: ChangeUpdated, ID: id, SessionID: c.SessionID})
	return nil
}

func (m *Memory) UpdatePosition(ctx context.Context, id string, pos model.Point) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.cards[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrNotFound
	}
	c.Position = pos
	c.UpdatedAt = time.Now()
	m.cards[id] = c
	m.mu.Unlock()

	m.emit(Change{Entity: "card", Kind: ChangeUpdated, ID: id, SessionID: c.SessionID})
	return nil
}

func (m *Memory) UpdateHeight(ctx context.Context, id string, height float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.cards[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrNotFound
	}
	c.Height = model.ClampCardHeight(height)
	c.UpdatedAt = time.Now()
	m.cards[id] = c
	m.mu.Unlock()

	m.emit(Change{Entity: "card", Kind: ChangeUpdated, ID: id, SessionID: c.SessionID})
	return nil
}

func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	c, ok := m.cards[id]
	if !ok {
		m.mu.Unlock()
		return model.ErrNotFound
	}
	delete(m.cards, id)
	m.mu.Unlock()

	m.emit(Change{Entity: "card", Kind: ChangeDeleted, ID: id, SessionID: c.SessionID})
	return nil
}

// ---------- drawing lines ----------

// The non-card families share method names with CardStore, so Memory fronts
// them through narrow views.
type memoryLines struct{ m *Memory }

func (v memoryLines) List(ctx context.Context, sessionID string) ([]model.DrawingLine, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var out []model.DrawingLine
	for _, l := range v.m.lines {
		if l.SessionID == sessionID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (v memoryLines) Create(ctx context.Context, line *model.DrawingLine) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	if line.CreatedAt.IsZero() {
		line.CreatedAt = time.Now()
	}
	v.m.lines[line.ID] = *line
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "line", Kind: ChangeCreated, ID: line.ID, SessionID: line.SessionID})
	return nil
}

func (v memoryLines) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	l, ok := v.m.lines[id]
	if !ok {
		v.m.mu.Unlock()
		return model.ErrNotFound
	}
	delete(v.m.lines, id)
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "line", Kind: ChangeDeleted, ID: id, SessionID: l.SessionID})
	return nil
}

// ---------- selections ----------

type memorySelections struct{ m *Memory }

func (v memorySelections) List(ctx context.Context, sessionID string) ([]model.CardSelection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var out []model.CardSelection
	for _, s := range v.m.selections {
		if s.SessionID == sessionID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SelectedAt.Before(out[j].SelectedAt) })
	return out, nil
}

func (v memorySelections) Create(ctx context.Context, sel *model.CardSelection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	if sel.SelectedAt.IsZero() {
		sel.SelectedAt = time.Now()
	}
	v.m.selections[sel.ID] = *sel
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "selection", Kind: ChangeCreated, ID: sel.ID, SessionID: sel.SessionID})
	return nil
}

func (v memorySelections) DeleteByParticipant(ctx context.Context, sessionID, participantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	var removed []string
	for id, s := range v.m.selections {
		if s.SessionID == sessionID && s.SelectedBy == participantID {
			delete(v.m.selections, id)
			removed = append(removed, id)
		}
	}
	v.m.mu.Unlock()

	for _, id := range removed {
		v.m.emit(Change{Entity: "selection", Kind: ChangeDeleted, ID: id, SessionID: sessionID})
	}
	return nil
}

// ---------- participants ----------

type memoryParticipants struct{ m *Memory }

func (v memoryParticipants) List(ctx context.Context, sessionID string) ([]model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	var out []model.Participant
	for _, p := range v.m.participants {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (v memoryParticipants) FindByFingerprint(ctx context.Context, sessionID, fingerprint string) (*model.Participant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	for _, p := range v.m.participants {
		if p.SessionID == sessionID && p.Fingerprint == fingerprint {
			out := p
			return &out, nil
		}
	}
	return nil, model.ErrNotFound
}

func (v memoryParticipants) Create(ctx context.Context, p *model.Participant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	if p.LastSeen.IsZero() {
		p.LastSeen = p.JoinedAt
	}
	v.m.participants[p.ID] = *p
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "participant", Kind: ChangeCreated, ID: p.ID, SessionID: p.SessionID})
	return nil
}

func (v memoryParticipants) UpdateLastSeen(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	p, ok := v.m.participants[id]
	if !ok {
		v.m.mu.Unlock()
		return model.ErrNotFound
	}
	p.LastSeen = at
	v.m.participants[id] = p
	v.m.mu.Unlock()
	return nil
}

func (v memoryParticipants) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	p, ok := v.m.participants[id]
	if !ok {
		v.m.mu.Unlock()
		return model.ErrNotFound
	}
	delete(v.m.participants, id)
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "participant", Kind: ChangeDeleted, ID: id, SessionID: p.SessionID})
	return nil
}

// ---------- sessions ----------

type memorySessions struct{ m *Memory }

func (v memorySessions) Get(ctx context.Context, id string) (*model.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.m.mu.RLock()
	defer v.m.mu.RUnlock()

	s, ok := v.m.sessions[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return &s, nil
}

func (v memorySessions) Create(ctx context.Context, s *model.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	if s.LastActivity.IsZero() {
		s.LastActivity = s.CreatedAt
	}
	v.m.sessions[s.ID] = *s
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "session", Kind: ChangeCreated, ID: s.ID, SessionID: s.ID})
	return nil
}

func (v memorySessions) TouchActivity(ctx context.Context, id string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	s, ok := v.m.sessions[id]
	if !ok {
		v.m.mu.Unlock()
		return model.ErrNotFound
	}
	s.LastActivity = at
	v.m.sessions[id] = s
	v.m.mu.Unlock()
	return nil
}

func (v memorySessions) MarkStarted(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.m.mu.Lock()
	s, ok := v.m.sessions[id]
	if !ok {
		v.m.mu.Unlock()
		return model.ErrNotFound
	}
	s.HasStartedBrainstorm = true
	v.m.sessions[id] = s
	v.m.mu.Unlock()

	v.m.emit(Change{Entity: "session", Kind: ChangeUpdated, ID: id, SessionID: id})
	return nil
}
