// Package ratelimit enforces per-actor creation quotas over sliding windows.
// A quota is checked before the optimistic insert, so a blocked action never
// flickers into the canvas. Crossing the warn ratio flips NearLimit so callers
// can surface a soft warning before the hard stop.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/danilashk/noter/internal/model"
)

// Action names a quota-governed operation.
type Action string

const (
	ActionCreateCard  Action = "card_create"
	ActionCreateBoard Action = "board_create"
)

// Rule bounds one action: at most Limit occurrences per Window.
type Rule struct {
	Limit  int
	Window time.Duration
	Code   string
}

// Decision is the outcome of a quota check. CurrentCount includes the action
// being checked when it was admitted.
type Decision struct {
	Allowed      bool
	CurrentCount int
	LimitValue   int
	Window       time.Duration
	WindowEndsAt time.Time
	NearLimit    bool
}

// Limiter admits or rejects actions. Check records the attempt when admitted;
// rejected attempts do not consume quota.
type Limiter interface {
	Check(ctx context.Context, action Action, actor string) (Decision, error)
}

// Rules maps actions to their bounds.
type Rules map[Action]Rule

// DefaultRules builds the rule set from configured limits.
func DefaultRules(cardLimit int, cardWindow time.Duration, boardLimit int, boardWindow time.Duration) Rules {
	return Rules{
		ActionCreateCard:  {Limit: cardLimit, Window: cardWindow, Code: model.CodeCardsRateLimit},
		ActionCreateBoard: {Limit: boardLimit, Window: boardWindow, Code: model.CodeBoardsRateLimit},
	}
}

// QuotaErrorFor converts a rejection into the typed error handed to callers.
func QuotaErrorFor(action Action, d Decision) *model.QuotaError {
	noun, code := "actions", ""
	switch action {
	case ActionCreateCard:
		noun, code = "cards", model.CodeCardsRateLimit
	case ActionCreateBoard:
		noun, code = "boards", model.CodeBoardsRateLimit
	}
	return &model.QuotaError{
		Code:         code,
		Message:      fmt.Sprintf("limit of %d %s per %s reached", d.LimitValue, noun, d.Window),
		CurrentCount: d.CurrentCount,
		LimitValue:   d.LimitValue,
		WindowEndsAt: d.WindowEndsAt,
	}
}

func nearLimit(count, limit int, warnRatio float64) bool {
	if limit <= 0 {
		return false
	}
	return float64(count) >= float64(limit)*warnRatio
}
