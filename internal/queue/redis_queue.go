package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/store"
)

const (
	dueKey      = "queue:due"      // ZSET member=jobID score=due (unix ms)
	leaseKey    = "queue:lease"    // ZSET member=jobID score=leaseUntil (unix ms)
	attemptsKey = "queue:attempts" // HASH field=jobID value=attempts
	scanLimit   = 500
)

// RedisQueue is the Redis sorted-set backed Queue implementation.
// Ordering falls directly out of ZSET semantics: members with equal
// score are returned in member (jobID) lexical order, which satisfies
// the due-time-then-jobID-lex tie-break spec.md §4.G requires, since
// job IDs are ULIDs.
type RedisQueue struct {
	redis *redis.Client
	store store.Store
	clock clock.Clock
	log   *slog.Logger

	leaseScript *redis.Script
}

const leaseLuaScript = `
local dueKey = KEYS[1]
local leaseKey = KEYS[2]
local now = tonumber(ARGV[1])
local leaseUntil = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local expired = redis.call('ZRANGEBYSCORE', leaseKey, '-inf', now)
for i, jobID in ipairs(expired) do
    redis.call('ZREM', leaseKey, jobID)
end

local candidates = redis.call('ZRANGEBYSCORE', dueKey, '-inf', now, 'LIMIT', 0, limit)
for i, jobID in ipairs(candidates) do
    if redis.call('ZSCORE', leaseKey, jobID) == false then
        redis.call('ZADD', leaseKey, leaseUntil, jobID)
        return {1, jobID}
    end
end

local nextDue = redis.call('ZRANGEBYSCORE', dueKey, '(' .. ARGV[1], '+inf', 'LIMIT', 0, 1, 'WITHSCORES')
if nextDue[1] ~= nil then
    return {2, nextDue[2]}
end

return {0, ''}
`

// NewRedisQueue builds a RedisQueue.
func NewRedisQueue(redisClient *redis.Client, st store.Store, clk clock.Clock, log *slog.Logger) *RedisQueue {
	return &RedisQueue{
		redis:       redisClient,
		store:       st,
		clock:       clk,
		log:         log,
		leaseScript: redis.NewScript(leaseLuaScript),
	}
}

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Enqueue is idempotent on jobID via a Lua check-then-add.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, due time.Time) error {
	const script = `
local dueKey = KEYS[1]
local leaseKey = KEYS[2]
local jobID = ARGV[1]
local due = ARGV[2]
if redis.call('ZSCORE', dueKey, jobID) ~= false or redis.call('ZSCORE', leaseKey, jobID) ~= false then
    return 0
end
redis.call('ZADD', dueKey, due, jobID)
return 1
`
	err := q.redis.Eval(ctx, script, []string{dueKey, leaseKey}, jobID, toMillis(due)).Err()
	if err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", jobID, err)
	}
	return nil
}

// LeaseNext claims the earliest due, unleased job.
func (q *RedisQueue) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (LeaseResult, error) {
	now := q.clock.Now()
	leaseUntil := now.Add(leaseDuration)

	res, err := q.leaseScript.Run(ctx, q.redis, []string{dueKey, leaseKey},
		toMillis(now), toMillis(leaseUntil), scanLimit).Slice()
	if err != nil {
		return LeaseResult{}, fmt.Errorf("queue: lease next: %w", err)
	}

	kind := res[0].(int64)
	switch kind {
	case 0:
		return LeaseResult{Empty: true}, nil
	case 1:
		jobID := res[1].(string)
		attempts, err := q.redis.HGet(ctx, attemptsKey, jobID).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return LeaseResult{}, fmt.Errorf("queue: read attempts for %s: %w", jobID, err)
		}
		return LeaseResult{Lease: &Lease{JobID: jobID, Attempts: attempts}}, nil
	case 2:
		scoreStr, _ := res[1].(string)
		ms, perr := strconv.ParseInt(scoreStr, 10, 64)
		if perr != nil {
			return LeaseResult{}, fmt.Errorf("queue: parse wait-until score %q: %w", scoreStr, perr)
		}
		return LeaseResult{WaitUntil: fromMillis(ms)}, nil
	default:
		return LeaseResult{}, fmt.Errorf("queue: unexpected lease script result kind %d", kind)
	}
}

// Complete removes jobID from every tracked set.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, dueKey, jobID)
	pipe.ZRem(ctx, leaseKey, jobID)
	pipe.HDel(ctx, attemptsKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: complete %s: %w", jobID, err)
	}
	return nil
}

// Defer reschedules jobID without counting a retry attempt.
func (q *RedisQueue) Defer(ctx context.Context, jobID string, until time.Time) error {
	pipe := q.redis.TxPipeline()
	pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(toMillis(until)), Member: jobID})
	pipe.ZRem(ctx, leaseKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: defer %s: %w", jobID, err)
	}
	return nil
}

// Fail increments jobID's attempt count and either reschedules it with
// exponential backoff or retires it permanently.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, policy Policy) (FailOutcome, error) {
	attempts, err := q.redis.HIncrBy(ctx, attemptsKey, jobID, 1).Result()
	if err != nil {
		return FailOutcome{}, fmt.Errorf("queue: increment attempts for %s: %w", jobID, err)
	}

	if int(attempts) < policy.MaxAttempts {
		delay := BackoffDelay(int(attempts), policy)
		due := q.clock.Now().Add(delay)
		pipe := q.redis.TxPipeline()
		pipe.ZAdd(ctx, dueKey, redis.Z{Score: float64(toMillis(due)), Member: jobID})
		pipe.ZRem(ctx, leaseKey, jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return FailOutcome{}, fmt.Errorf("queue: reschedule %s after failure: %w", jobID, err)
		}
		return FailOutcome{Retried: true, NextDue: due}, nil
	}

	pipe := q.redis.TxPipeline()
	pipe.ZRem(ctx, dueKey, jobID)
	pipe.ZRem(ctx, leaseKey, jobID)
	pipe.HDel(ctx, attemptsKey, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return FailOutcome{}, fmt.Errorf("queue: retire %s after max attempts: %w", jobID, err)
	}
	return FailOutcome{Permanent: true}, nil
}

// RecoverFromStore reconstructs queue state from the durable Store: the
// recovery source of truth per spec.md §4.G. Jobs with a still-future
// lease are restored into the lease set so LeaseNext won't double-hand
// them out; everything else not already in the due set becomes due at
// max(scheduledTime, now). Jobs already in the due set keep their due time.
func (q *RedisQueue) RecoverFromStore(ctx context.Context) (int, error) {
	jobs, err := q.store.LoadPendingJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("queue: load pending jobs: %w", err)
	}

	now := q.clock.Now()
	recovered := 0
	for _, j := range jobs {
		if j.LeaseUntil != nil && j.LeaseUntil.After(now) {
			if err := q.redis.ZAdd(ctx, leaseKey, redis.Z{Score: float64(toMillis(*j.LeaseUntil)), Member: j.ID}).Err(); err != nil {
				q.log.Warn("queue: recover lease failed", "job", j.ID, "error", err)
				continue
			}
		} else {
			due := j.ScheduledTime
			if due.Before(now) {
				due = now
			}
			if err := q.redis.ZAddNX(ctx, dueKey, redis.Z{Score: float64(toMillis(due)), Member: j.ID}).Err(); err != nil {
				q.log.Warn("queue: recover due failed", "job", j.ID, "error", err)
				continue
			}
		}
		if j.Attempts > 0 {
			if err := q.redis.HSet(ctx, attemptsKey, j.ID, j.Attempts).Err(); err != nil {
				q.log.Warn("queue: recover attempts failed", "job", j.ID, "error", err)
			}
		}
		recovered++
	}
	q.log.Info("queue: recovery sweep complete", "recovered", recovered, "total_pending", len(jobs))
	return recovered, nil
}
