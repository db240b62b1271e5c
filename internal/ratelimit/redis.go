package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLimiter keeps each sliding window in a Redis sorted set scored by unix
// nanoseconds, so quotas hold across gateway instances. Keys expire one window
// after the last admitted action.
type RedisLimiter struct {
	client    *redis.Client
	rules     Rules
	warnRatio float64
}

// NewRedisLimiter builds a limiter over rules backed by client.
func NewRedisLimiter(client *redis.Client, rules Rules, warnRatio float64) *RedisLimiter {
	return &RedisLimiter{client: client, rules: rules, warnRatio: warnRatio}
}

func (l *RedisLimiter) key(action Action, actor string) string {
	return fmt.Sprintf("noter:quota:%s:%s", action, actor)
}

func (l *RedisLimiter) Check(ctx context.Context, action Action, actor string) (Decision, error) {
	rule, ok := l.rules[action]
	if !ok {
		return Decision{Allowed: true}, nil
	}

	key := l.key(action, actor)
	now := time.Now()
	cutoff := strconv.FormatInt(now.Add(-rule.Window).UnixNano(), 10)

	pipe := l.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", cutoff)
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("quota check %s/%s: %w", action, actor, err)
	}

	count := int(countCmd.Val())
	windowEndsAt := now.Add(rule.Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		windowEndsAt = time.Unix(0, int64(oldest[0].Score)).Add(rule.Window)
	}

	if count >= rule.Limit {
		return Decision{
			Allowed:      false,
			CurrentCount: count,
			LimitValue:   rule.Limit,
			Window:       rule.Window,
			WindowEndsAt: windowEndsAt,
			NearLimit:    true,
		}, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	record := l.client.Pipeline()
	record.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	record.Expire(ctx, key, rule.Window)
	if _, err := record.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("quota record %s/%s: %w", action, actor, err)
	}

	count++
	if count == 1 {
		windowEndsAt = now.Add(rule.Window)
	}
	return Decision{
		Allowed:      true,
		CurrentCount: count,
		LimitValue:   rule.Limit,
		Window:       rule.Window,
		WindowEndsAt: windowEndsAt,
		NearLimit:    nearLimit(count, rule.Limit, l.warnRatio),
	}, nil
}
