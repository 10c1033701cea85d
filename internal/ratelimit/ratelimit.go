// Package ratelimit implements per-key sliding-window rate limits
// (requests/minute and tokens/minute) on Redis sorted sets.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const window = time.Minute

// rpmScript is an atomic sliding-window check over a sorted set.
// KEYS[1] = Redis key
// ARGV[1] = now (unix milliseconds)
// ARGV[2] = window size (milliseconds)
// ARGV[3] = limit
// Returns {allowed, remaining, retry_after_ms}.
var rpmScript = redis.NewScript(`
		local key    = KEYS[1]
		local now    = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])
		local limit  = tonumber(ARGV[3])

		redis.call('ZREMRANGEBYSCORE', key, 0, now - window)

		local count = redis.call('ZCARD', key)
		if count >= limit then
			local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
			local retry = window
			if oldest[2] then
				retry = tonumber(oldest[2]) + window - now
			end
			return {0, 0, retry}
		end

		local member = tostring(now) .. '-' .. tostring(math.random(1, 1000000))
		redis.call('ZADD', key, now, member)
		redis.call('PEXPIRE', key, window)
		return {1, limit - count - 1, 0}
`)

// Result of one rate-limit check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter runs sliding-window checks against Redis. All Redis failures
// fail open: an unreachable store never blocks traffic.
type Limiter struct {
	rdb *redis.Client
	log *slog.Logger
}

// New creates a Limiter. A nil client produces an always-allow limiter.
func New(rdb *redis.Client, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{rdb: rdb, log: log}
}

// AllowRPM checks the requests-per-minute window for keyID.
func (l *Limiter) AllowRPM(ctx context.Context, keyID string, limit int) Result {
	if l.rdb == nil || limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	now := time.Now().UnixMilli()
	vals, err := rpmScript.Run(ctx, l.rdb,
		[]string{"ratelimit:rpm:" + keyID},
		now, window.Milliseconds(), limit,
	).Int64Slice()
	if err != nil || len(vals) != 3 {
		l.log.Warn("ratelimit_check_failed", "key", keyID, "error", err)
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	return Result{
		Allowed:    vals[0] == 1,
		Limit:      limit,
		Remaining:  int(vals[1]),
		RetryAfter: time.Duration(vals[2]) * time.Millisecond,
	}
}

// AllowTPM checks the tokens-per-minute window for keyID and records
// tokens when admitted. Members encode their token count as
// "{tokens}:{now}-{rand}".
func (l *Limiter) AllowTPM(ctx context.Context, keyID string, tokens int, limit int) Result {
	if l.rdb == nil || limit <= 0 {
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	key := "ratelimit:tpm:" + keyID
	now := time.Now().UnixMilli()
	cutoff := now - window.Milliseconds()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff, 10))
	rangeCmd := pipe.ZRangeWithScores(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("ratelimit_check_failed", "key", keyID, "error", err)
		return Result{Allowed: true, Limit: limit, Remaining: limit}
	}

	members := rangeCmd.Val()
	used := 0
	oldest := int64(0)
	for i, z := range members {
		if i == 0 {
			oldest = int64(z.Score)
		}
		if s, ok := z.Member.(string); ok {
			if idx := strings.IndexByte(s, ':'); idx > 0 {
				if n, err := strconv.Atoi(s[:idx]); err == nil {
					used += n
				}
			}
		}
	}

	if used+tokens > limit {
		retry := window
		if oldest > 0 {
			retry = time.Duration(oldest+window.Milliseconds()-now) * time.Millisecond
		}
		remaining := limit - used
		if remaining < 0 {
			remaining = 0
		}
		return Result{Limit: limit, Remaining: remaining, RetryAfter: retry}
	}

	member := fmt.Sprintf("%d:%d-%d", tokens, now, rand.Int63n(1_000_000))
	record := l.rdb.Pipeline()
	record.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: member})
	record.PExpire(ctx, key, window)
	if _, err := record.Exec(ctx); err != nil {
		l.log.Warn("ratelimit_record_failed", "key", keyID, "error", err)
	}

	return Result{Allowed: true, Limit: limit, Remaining: limit - used - tokens}
}
