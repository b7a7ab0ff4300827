package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// LimitResult is the outcome of a rate limit check.
type LimitResult struct {
	Allowed    bool
	Remaining  int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter performs sliding-window rate limiting backed by Redis sorted sets.
// A nil client or a Redis error lets every request through.
type Limiter struct {
	rdb    *redis.Client
	logger *slog.Logger
	now    func() time.Time
}

func NewLimiter(rdb *redis.Client, logger *slog.Logger) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{rdb: rdb, logger: logger, now: time.Now}
}

// slidingWindowScript trims expired entries, then admits the request if the
// window still has room. Returns {count, allowed}.
//
//	KEYS[1] sorted set key
//	ARGV[1] window start, unix micros
//	ARGV[2] now, unix micros
//	ARGV[3] limit
//	ARGV[4] key ttl, seconds
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    redis.call('EXPIRE', key, ttl)
    return {count + 1, 1}
end

redis.call('EXPIRE', key, ttl)
return {count, 0}
`)

// Check admits one request against the bucket key, allowing at most limit
// requests per window.
func (l *Limiter) Check(ctx context.Context, key string, limit int64, window time.Duration) LimitResult {
	now := l.now()
	open := LimitResult{Allowed: true, Remaining: limit - 1, ResetAt: now.Add(window)}
	if l.rdb == nil || limit <= 0 {
		return open
	}

	result, err := slidingWindowScript.Run(ctx, l.rdb, []string{"aegis:rl:" + key},
		now.Add(-window).UnixMicro(), now.UnixMicro(), limit, int64(window.Seconds())+1,
	).Int64Slice()
	if err != nil || len(result) != 2 {
		l.logger.Warn("rate limit check failed, allowing request", "key", key, "error", err)
		return open
	}

	count, allowed := result[0], result[1] == 1
	res := LimitResult{
		Allowed:   allowed,
		Remaining: max(limit-count, 0),
		ResetAt:   now.Add(window),
	}
	if !allowed {
		res.RetryAfter = window / 2
	}
	return res
}
