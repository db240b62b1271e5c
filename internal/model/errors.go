package model

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy of the sync core. Nothing here is fatal to the process; the
// worst outcome is a temporarily stale local view.
var (
	// ErrNotFound covers mutations against entities a peer already deleted.
	// Engines treat it as a benign no-op and never surface it.
	ErrNotFound = errors.New("entity not found")

	// ErrSessionFull is raised when a seventh participant tries to join.
	ErrSessionFull = errors.New("session is full")
)

// Structured rejection codes carried by the rate-limit authority.
const (
	CodeCardsRateLimit  = "CARDS_RATE_LIMIT"
	CodeBoardsRateLimit = "BOARDS_RATE_LIMIT"
)

// QuotaError is an entity-typed, user-facing quota rejection. Engines roll
// back the optimistic change and surface the message as-is, never as a
// generic failure.
type QuotaError struct {
	Code         string
	Message      string
	CurrentCount int
	LimitValue   int
	WindowEndsAt time.Time
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// IsQuotaError unwraps err into a QuotaError if it carries one.
func IsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}

// ValidationError rejects malformed input before any optimistic mutation is
// applied.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

// TransientError wraps store-write timeouts and channel drops. Surfaced only
// through ambient connection state, not per-action toasts.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ValidateSessionID rejects malformed session identifiers. URL self-heal and
// redirects are a routing concern handled outside this core.
func ValidateSessionID(id string) error {
	if id == "" {
		return &ValidationError{Field: "sessionId", Message: "must not be empty"}
	}
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "sessionId", Message: "must be a valid UUID"}
	}
	return nil
}
