// Package aggregator reconciles campaign aggregates whenever one of its
// jobs reaches a terminal state (component I, spec.md §4.I). Per the
// redesign notes, the source's callback-based queue event handlers
// become an explicit channel of lifecycle events here, which coalesces
// bursts of notifications for the same campaign into one recompute.
package aggregator

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/pkg/distlock"
	"github.com/ignite/bulkmail/internal/store"
)

// DefaultWindow is the coalescing window spec.md §4.I suggests.
const DefaultWindow = 250 * time.Millisecond

// DefaultLockTTL bounds how long a stuck recompute can hold a
// campaign's lock before another worker's notify can make progress.
const DefaultLockTTL = 10 * time.Second

// LockFactory builds a DistLock scoped to one campaign's recompute.
type LockFactory func(campaignID string) distlock.DistLock

// Aggregator coalesces Notify calls and serializes RecomputeCampaign
// per campaign via a distributed lock, since multiple worker processes
// may notify the same campaign concurrently.
type Aggregator struct {
	store   store.Store
	clock   clock.Clock
	window  time.Duration
	newLock LockFactory
	log     *slog.Logger

	events  chan string
	cleanup chan string
}

// New builds an Aggregator. newLock is called once per debounce window
// per campaign to obtain a fresh lock handle.
func New(st store.Store, clk clock.Clock, window time.Duration, newLock LockFactory, log *slog.Logger) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Aggregator{
		store:   st,
		clock:   clk,
		window:  window,
		newLock: newLock,
		log:     log,
		events:  make(chan string, 4096),
		cleanup: make(chan string, 4096),
	}
}

// NewRedisLockFactory builds a LockFactory backed by Redis SET NX locks,
// falling back to Postgres advisory locks when redisClient is nil.
func NewRedisLockFactory(redisClient *redis.Client, db *sql.DB, ttl time.Duration) LockFactory {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return func(campaignID string) distlock.DistLock {
		return distlock.NewLock(redisClient, db, "aggregator:"+campaignID, ttl)
	}
}

// Notify schedules campaignID for reconciliation. Repeated notifies for
// the same campaign within the coalescing window are no-ops; the
// already-scheduled recompute will see their effect since it re-reads
// live counts at execution time.
func (a *Aggregator) Notify(campaignID string) {
	select {
	case a.events <- campaignID:
	default:
		a.log.Warn("aggregator: event channel full, dropping notify", "campaign", campaignID)
	}
}

// Run consumes the event stream until ctx is cancelled, coalescing
// bursts per campaign into single RecomputeCampaign calls. It blocks
// until every in-flight debounce window has resolved.
func (a *Aggregator) Run(ctx context.Context) {
	pending := map[string]struct{}{}
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case campaignID := <-a.events:
			if _, scheduled := pending[campaignID]; scheduled {
				continue
			}
			pending[campaignID] = struct{}{}
			wg.Add(1)
			go a.debounce(ctx, &wg, campaignID)
		case campaignID := <-a.cleanup:
			delete(pending, campaignID)
		}
	}
}

func (a *Aggregator) debounce(ctx context.Context, wg *sync.WaitGroup, campaignID string) {
	defer wg.Done()
	_ = a.clock.Sleep(ctx, a.window)

	select {
	case a.cleanup <- campaignID:
	case <-ctx.Done():
	}

	a.recompute(ctx, campaignID)
}

func (a *Aggregator) recompute(ctx context.Context, campaignID string) {
	lock := a.newLock(campaignID)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		a.log.Error("aggregator: lock acquire failed", "campaign", campaignID, "error", err)
		return
	}
	if !acquired {
		// Another process is already recomputing this campaign; its
		// recompute reads live counts, so this notify's effect isn't lost.
		return
	}
	defer func() {
		if err := lock.Release(ctx); err != nil {
			a.log.Warn("aggregator: lock release failed", "campaign", campaignID, "error", err)
		}
	}()

	if err := a.store.RecomputeCampaign(ctx, campaignID); err != nil {
		a.log.Error("aggregator: recompute campaign failed", "campaign", campaignID, "error", err)
	}
}
