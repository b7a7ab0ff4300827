package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageTracker counts tokens consumed per user per UTC day.
type UsageTracker struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewUsageTracker creates a tracker. With a nil client usage is never
// recorded and every user is under budget.
func NewUsageTracker(rdb *redis.Client, logger *slog.Logger) *UsageTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &UsageTracker{rdb: rdb, logger: logger, now: time.Now}
}

func (u *UsageTracker) key(userID string) string {
	return "aegis:usage:daily:" + userID + ":" + u.now().UTC().Format(time.DateOnly)
}

// Used returns the tokens recorded for userID today.
func (u *UsageTracker) Used(ctx context.Context, userID string) (int64, error) {
	if u.rdb == nil {
		return 0, nil
	}
	used, err := u.rdb.Get(ctx, u.key(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return used, err
}

// OverBudget reports whether userID has used at least budget tokens today.
// A non-positive budget or a Redis error counts as under budget.
func (u *UsageTracker) OverBudget(ctx context.Context, userID string, budget int64) bool {
	if budget <= 0 {
		return false
	}
	used, err := u.Used(ctx, userID)
	if err != nil {
		u.logger.Warn("usage lookup failed, treating as under budget", "user_id", userID, "error", err)
		return false
	}
	return used >= budget
}

// Record adds tokens to today's counter. The key expires an hour after the
// UTC day ends. Non-positive counts, including unknown streamed usage, are
// ignored.
func (u *UsageTracker) Record(ctx context.Context, userID string, tokens int64) error {
	if u.rdb == nil || tokens <= 0 {
		return nil
	}
	now := u.now().UTC()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)

	key := u.key(userID)
	pipe := u.rdb.Pipeline()
	pipe.IncrBy(ctx, key, tokens)
	pipe.Expire(ctx, key, endOfDay.Sub(now)+time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}
