// Package ratelimit implements per-user request-rate limiting using Redis
// sliding window counters with atomic Lua scripts.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// slidingWindowScript is an atomic Lua script that implements a sliding window
// rate limiter using a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = current unix timestamp (nanoseconds as string)
// ARGV[2] = window size in nanoseconds
// ARGV[3] = limit (max requests per window)
// ARGV[4] = unique member for this request
// Returns: 1 if allowed, 0 if rate limited.
var slidingWindowScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			return 0
		end

		redis.call('ZADD', key, now, ARGV[4])
		redis.call('PEXPIRE', key, math.ceil(window / 1000000))  -- window is in ns; PEXPIRE wants ms
		return 1
`)

const keyPrefix = "cg:ratelimit:rpm:"

// RPMLimiter enforces a per-user requests-per-minute limit.
type RPMLimiter struct {
	rdb      redis.Scripter
	rpmLimit int
	window   time.Duration
	now      func() time.Time
	log      *slog.Logger
}

// NewRPMLimiter creates a limiter allowing rpmLimit requests per user per
// minute. rpmLimit must be > 0; values ≤ 0 will block every request.
func NewRPMLimiter(rdb redis.Scripter, rpmLimit int, log *slog.Logger) *RPMLimiter {
	if log == nil {
		log = slog.Default()
	}
	return &RPMLimiter{
		rdb:      rdb,
		rpmLimit: rpmLimit,
		window:   time.Minute,
		now:      time.Now,
		log:      log,
	}
}

// Limit returns the configured requests per minute.
func (r *RPMLimiter) Limit() int { return r.rpmLimit }

// Allow reports whether userID may make another request now. Anonymous
// callers share one bucket.
func (r *RPMLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if userID == "" {
		userID = "anonymous"
	}
	return r.check(ctx, keyPrefix+userID, r.rpmLimit)
}

func (r *RPMLimiter) check(ctx context.Context, key string, limit int) (bool, error) {
	now := r.now().UnixNano()
	member := memberID(now)

	result, err := slidingWindowScript.Run(ctx, r.rdb,
		[]string{key},
		now, r.window.Nanoseconds(), limit, member,
	).Int()
	if err != nil {
		// Redis unavailable - allow request (graceful degradation).
		r.log.WarnContext(ctx, "ratelimit_unavailable", slog.String("error", err.Error()))
		return true, nil
	}

	return result == 1, nil
}
