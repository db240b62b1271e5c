package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// MemoryLimiter keeps sliding windows of timestamps in process memory. One
// window per (action, actor) pair; expired entries are pruned on every check.
type MemoryLimiter struct {
	mu        sync.Mutex
	clock     clock.Clock
	rules     Rules
	warnRatio float64
	windows   map[windowKey][]time.Time
}

type windowKey struct {
	action Action
	actor  string
}

// NewMemoryLimiter builds a limiter over rules. A nil clk uses the wall clock.
func NewMemoryLimiter(clk clock.Clock, rules Rules, warnRatio float64) *MemoryLimiter {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryLimiter{
		clock:     clk,
		rules:     rules,
		warnRatio: warnRatio,
		windows:   make(map[windowKey][]time.Time),
	}
}

func (l *MemoryLimiter) Check(ctx context.Context, action Action, actor string) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	rule, ok := l.rules[action]
	if !ok {
		// Unknown actions are unlimited.
		return Decision{Allowed: true}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	key := windowKey{action: action, actor: actor}
	cutoff := now.Add(-rule.Window)

	entries := l.windows[key]
	kept := entries[:0]
	for _, at := range entries {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}

	if len(kept) >= rule.Limit {
		l.windows[key] = kept
		return Decision{
			Allowed:      false,
			CurrentCount: len(kept),
			LimitValue:   rule.Limit,
			Window:       rule.Window,
			WindowEndsAt: kept[0].Add(rule.Window),
			NearLimit:    true,
		}, nil
	}

	kept = append(kept, now)
	l.windows[key] = kept
	return Decision{
		Allowed:      true,
		CurrentCount: len(kept),
		LimitValue:   rule.Limit,
		Window:       rule.Window,
		WindowEndsAt: kept[0].Add(rule.Window),
		NearLimit:    nearLimit(len(kept), rule.Limit, l.warnRatio),
	}, nil
}
