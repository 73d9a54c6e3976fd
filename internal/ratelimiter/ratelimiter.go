// Package ratelimiter implements the rolling, hour-aligned send budget
// per sender identity (component E, spec.md §4.E), backed by the KV
// contract (component C) in the manner of the teacher's
// worker.RateLimiter.
package ratelimiter

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/kv"
	"github.com/ignite/bulkmail/internal/store"
)

const hourOverlapSeconds = 3660 // hour + 60s overlap, per spec.md §4.E

// Result is the outcome of a Check call.
type Result struct {
	Allowed         bool
	Current         int64
	NextBucketStart time.Time
}

// RateLimiter is the rolling-hour budget per sender.
type RateLimiter struct {
	kv     kv.KV
	store  store.Store
	clock  clock.Clock
	log    *slog.Logger
	strict bool

	strictIncScript *redis.Script
}

// strictIncLuaScript performs strict mode's one-shot
// conditional increment: only applies if the pre-increment value is
// still under limit, closing the Check-then-Increment race entirely.
// It is an optional strict-mode enhancement (spec.md §4.E: "MAY
// collapse them into a single conditional increment"), only available
// when kv exposes the underlying *redis.Client for Lua scripting.
const strictIncLuaScript = `
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
    return {0, current}
end
local newVal = redis.call("INCR", KEYS[1])
if newVal == 1 then
    redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return {1, newVal}
`

// scriptable is implemented by kv.KV adapters (RedisKV) that can hand
// back a *redis.Client for Lua scripting beyond the narrow KV contract.
type scriptable interface {
	Client() *redis.Client
}

// ttlSetter is implemented by kv.KV adapters that support writing an
// absolute value with a TTL, used to reseed from the Store mirror.
type ttlSetter interface {
	SetWithTTL(ctx context.Context, key string, value, ttl int64) error
}

// New builds a RateLimiter over the given KV. strict selects the single
// conditional-increment mode described as an option in spec.md §4.E;
// when false, Check and Increment are called separately by the caller
// and may overshoot the limit by up to (concurrency-1), which the spec
// accepts. Strict mode requires kvStore to implement scriptable; if it
// doesn't, CheckAndIncrement falls back to a non-atomic Check+Increment.
func New(kvStore kv.KV, st store.Store, clk clock.Clock, strict bool, log *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		kv:     kvStore,
		store:  st,
		clock:  clk,
		log:    log,
		strict: strict,
	}
	if _, ok := kvStore.(scriptable); ok {
		rl.strictIncScript = redis.NewScript(strictIncLuaScript)
	}
	return rl
}

// Strict reports whether this limiter enforces via single conditional
// increment rather than separate Check/Increment calls.
func (r *RateLimiter) Strict() bool { return r.strict }

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}

func nextBucketStart(t time.Time) time.Time {
	bucket := t.UTC().Truncate(time.Hour)
	return bucket.Add(time.Hour)
}

func key(bucket, sender string) string {
	return fmt.Sprintf("rate-limit:%s:%s", bucket, sender)
}

// Check reads the current hour's counter for sender. If absent from KV
// it reseeds from the Store mirror (or zero), per spec.md §4.E.
func (r *RateLimiter) Check(ctx context.Context, sender string, limit int) (Result, error) {
	now := r.clock.Now()
	bucket := hourBucket(now)
	k := key(bucket, sender)

	current, found, err := r.kv.Get(ctx, k)
	if err != nil {
		return Result{}, fmt.Errorf("ratelimiter: check %s: %w", k, err)
	}
	if !found {
		current = r.reseed(ctx, bucket, sender)
	}

	return Result{
		Allowed:         current < int64(limit),
		Current:         current,
		NextBucketStart: nextBucketStart(now),
	}, nil
}

// reseed pulls the Store-side mirror for (bucket, sender) into KV so a
// cold or evicted cache doesn't silently reopen the sender's budget.
func (r *RateLimiter) reseed(ctx context.Context, bucket, sender string) int64 {
	count, found, err := r.store.ReadRateCounter(ctx, bucket, sender)
	if err != nil {
		r.log.Warn("ratelimiter: reseed from store failed", "error", err, "bucket", bucket, "sender", sender)
		return 0
	}
	if !found {
		return 0
	}
	if setter, ok := r.kv.(ttlSetter); ok {
		k := key(bucket, sender)
		if err := setter.SetWithTTL(ctx, k, count, hourOverlapSeconds); err != nil {
			r.log.Warn("ratelimiter: reseed set failed", "error", err, "key", k)
		}
	}
	return count
}

// Increment atomically bumps sender's current-hour counter. On the
// 0->1 transition it sets the key's TTL to an hour plus a 60s overlap.
// The Store-side mirror is upserted asynchronously; mirror failures are
// logged but never fail the call, since KV is authoritative within the
// hour and the mirror exists only for eviction recovery.
func (r *RateLimiter) Increment(ctx context.Context, sender string) (int64, error) {
	now := r.clock.Now()
	bucket := hourBucket(now)
	k := key(bucket, sender)

	newVal, err := r.kv.IncrWithTTL(ctx, k, hourOverlapSeconds)
	if err != nil {
		return 0, fmt.Errorf("ratelimiter: increment %s: %w", k, err)
	}

	go r.mirror(bucket, sender, newVal)

	return newVal, nil
}

// CheckAndIncrement performs Check and Increment as one atomic Redis
// call, closing the race the advisory two-step mode accepts. Used when
// the limiter is constructed with strict=true and kv supports Lua
// scripting; otherwise it falls back to a plain Check+Increment pair.
func (r *RateLimiter) CheckAndIncrement(ctx context.Context, sender string, limit int) (Result, error) {
	now := r.clock.Now()
	bucket := hourBucket(now)
	k := key(bucket, sender)

	sc, ok := r.kv.(scriptable)
	if !ok || r.strictIncScript == nil {
		return r.checkAndIncrementFallback(ctx, sender, limit)
	}

	res, err := r.strictIncScript.Run(ctx, sc.Client(), []string{k}, limit, hourOverlapSeconds).Slice()
	if err != nil {
		return Result{}, fmt.Errorf("ratelimiter: check-and-increment %s: %w", k, err)
	}
	allowed := res[0].(int64) == 1
	current := res[1].(int64)

	if allowed {
		go r.mirror(bucket, sender, current)
	}

	return Result{
		Allowed:         allowed,
		Current:         current,
		NextBucketStart: nextBucketStart(now),
	}, nil
}

func (r *RateLimiter) checkAndIncrementFallback(ctx context.Context, sender string, limit int) (Result, error) {
	res, err := r.Check(ctx, sender, limit)
	if err != nil {
		return Result{}, err
	}
	if !res.Allowed {
		return res, nil
	}
	newVal, err := r.Increment(ctx, sender)
	if err != nil {
		return Result{}, err
	}
	res.Current = newVal
	return res, nil
}

// mirror asynchronously upserts the Store-side rate counter row. Run in
// its own goroutine with a fresh, unbounded-by-caller context since the
// originating request may already be returning.
func (r *RateLimiter) mirror(bucket, sender string, count int64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.store.UpsertRateCounter(ctx, bucket, sender, count); err != nil {
		r.log.Warn("ratelimiter: store mirror upsert failed", "error", err, "bucket", bucket, "sender", sender)
	}
}
