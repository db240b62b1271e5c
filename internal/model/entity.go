package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Session shared canvas session. Created lazily on first join; expiry is
// owned by an external reaper, never by this module.
type Session struct {
	ID                   string    `gorm:"type:uuid;primaryKey" json:"id"`
	Title                string    `gorm:"type:varchar(200)" json:"title"`
	HasStartedBrainstorm bool      `gorm:"default:false" json:"hasStartedBrainstorm"`
	CreatedAt            time.Time `gorm:"autoCreateTime" json:"createdAt"`
	LastActivity         time.Time `gorm:"autoUpdateTime" json:"lastActivity"`
}

func (Session) TableName() string {
	return "sessions"
}

// Participant is an anonymous browser identity inside one session. The
// fingerprint is stable across sessions; rejoining with the same fingerprint
// must return the same row.
type Participant struct {
	ID          string    `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID   string    `gorm:"type:uuid;not null;index" json:"sessionId"`
	Fingerprint string    `gorm:"type:varchar(64);not null;index" json:"fingerprint"`
	DisplayName string    `gorm:"type:varchar(100);not null" json:"displayName"`
	Color       string    `gorm:"type:varchar(20);not null" json:"color"`
	JoinedAt    time.Time `gorm:"autoCreateTime" json:"joinedAt"`
	LastSeen    time.Time `gorm:"not null" json:"lastSeen"`
}

func (Participant) TableName() string {
	return "participants"
}

// Point canvas coordinate
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Card movable text card. Owned collectively by the session; any participant
// may mutate, last-writer-wins per field.
type Card struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"type:uuid;not null;index" json:"sessionId"`
	Content   string    `gorm:"type:text" json:"content"`
	Position  Point     `gorm:"embedded;embeddedPrefix:position_" json:"position"`
	Height    float64   `gorm:"default:120" json:"height"`
	CreatedBy *string   `gorm:"type:uuid" json:"createdBy"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Card) TableName() string {
	return "cards"
}

// PointList is an ordered stroke stored as a jsonb column.
type PointList []Point

func (p PointList) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *PointList) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("unsupported point list source type %T", src)
	}
}

// DrawingLine freehand ink stroke. Points are append-only while the line is
// being drawn and immutable once committed.
type DrawingLine struct {
	ID        string    `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID string    `gorm:"type:uuid;not null;index:idx_lines_session_created" json:"sessionId"`
	Points    PointList `gorm:"type:jsonb;not null" json:"points"`
	Color     string    `gorm:"type:varchar(20);not null" json:"color"`
	CreatedBy string    `gorm:"type:uuid;not null" json:"createdBy"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_lines_session_created" json:"createdAt"`
}

func (DrawingLine) TableName() string {
	return "drawing_lines"
}

// CardSelection ephemeral single-owner highlight: at most one row per
// participant at any observed instant.
type CardSelection struct {
	ID         string    `gorm:"type:uuid;primaryKey" json:"id"`
	SessionID  string    `gorm:"type:uuid;not null;index" json:"sessionId"`
	CardID     string    `gorm:"type:uuid;not null" json:"cardId"`
	SelectedBy string    `gorm:"type:uuid;not null;index" json:"selectedBy"`
	SelectedAt time.Time `gorm:"autoCreateTime" json:"selectedAt"`
}

func (CardSelection) TableName() string {
	return "card_selections"
}
