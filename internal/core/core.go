// Package core wires the Scheduler, Queue, RateLimiter, Mailer, worker
// Pool, and Aggregator into the capability surface the HTTP façade and
// the worker process depend on (spec.md §6).
package core

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ignite/bulkmail/internal/aggregator"
	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/mailer"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/ratelimiter"
	"github.com/ignite/bulkmail/internal/scheduler"
	"github.com/ignite/bulkmail/internal/store"
	"github.com/ignite/bulkmail/internal/worker"
)

// Core is the single composition point the cmd/ binaries depend on.
type Core struct {
	store      store.Store
	queue      queue.Queue
	scheduler  *scheduler.Scheduler
	limiter    *ratelimiter.RateLimiter
	mailer     mailer.Mailer
	aggregator *aggregator.Aggregator
	pool       *worker.Pool
	clock      clock.Clock
	log        *slog.Logger
}

// Deps bundles the collaborators New needs. Exported so cmd/ binaries
// can construct each one independently (Postgres vs. fakes, real SMTP
// vs. mock mailer) before handing them to Core.
type Deps struct {
	Store      store.Store
	Queue      queue.Queue
	Limiter    *ratelimiter.RateLimiter
	Mailer     mailer.Mailer
	Aggregator *aggregator.Aggregator
	Clock      clock.Clock
	WorkerCfg  worker.Config
	Log        *slog.Logger
}

// New builds a Core from already-constructed collaborators.
func New(d Deps) *Core {
	sched := scheduler.New(d.Store, d.Queue, d.Clock, d.Log)
	pool := worker.New(d.Queue, d.Store, d.Limiter, d.Mailer, d.Aggregator, d.Clock, d.WorkerCfg, d.Log)
	return &Core{
		store:      d.Store,
		queue:      d.Queue,
		scheduler:  sched,
		limiter:    d.Limiter,
		mailer:     d.Mailer,
		aggregator: d.Aggregator,
		pool:       pool,
		clock:      d.Clock,
		log:        d.Log,
	}
}

// Run starts the background processes Core owns — the worker pool and
// the aggregator's coalescing loop — and blocks until ctx is cancelled.
func (c *Core) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		c.aggregator.Run(ctx)
		close(done)
	}()
	c.pool.Run(ctx)
	<-done
}

// Submit schedules a new campaign (component F, spec.md §4.F).
func (c *Core) Submit(ctx context.Context, in scheduler.CampaignInput) (string, error) {
	return c.scheduler.Submit(ctx, in)
}

// Reconcile recovers queue state from the durable store, for boot-time
// and periodic recovery sweeps (spec.md §4.F step 5).
func (c *Core) Reconcile(ctx context.Context) (int, error) {
	return c.scheduler.Reconcile(ctx)
}

// GetCampaign returns a single campaign by id.
func (c *Core) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	camp, err := c.store.ReadCampaign(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("core: get campaign %s: %w", id, err)
	}
	return camp, nil
}

// GetCampaignDetail returns a campaign together with every job it owns,
// for the façade's "campaign with embedded jobs" view (spec.md §6).
func (c *Core) GetCampaignDetail(ctx context.Context, id string) (*domain.Campaign, []domain.Job, error) {
	camp, err := c.store.ReadCampaign(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("core: get campaign %s: %w", id, err)
	}
	jobs, err := c.store.ListJobsByCampaign(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("core: list jobs for campaign %s: %w", id, err)
	}
	return camp, jobs, nil
}

// ListCampaigns returns every campaign owner has submitted, newest first.
func (c *Core) ListCampaigns(ctx context.Context, owner string) ([]domain.Campaign, error) {
	camps, err := c.store.ListCampaignsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("core: list campaigns for %s: %w", owner, err)
	}
	return camps, nil
}

// ListTerminalJobs returns every sent or failed job across owner's campaigns.
func (c *Core) ListTerminalJobs(ctx context.Context, owner string) ([]domain.Job, error) {
	jobs, err := c.store.ListTerminalJobsByOwner(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("core: list terminal jobs for %s: %w", owner, err)
	}
	return jobs, nil
}

// QueueStats reports aggregate job counts across all campaigns (spec.md §6).
func (c *Core) QueueStats(ctx context.Context) (store.Stats, error) {
	stats, err := c.store.QueueStats(ctx)
	if err != nil {
		return store.Stats{}, fmt.Errorf("core: queue stats: %w", err)
	}
	return stats, nil
}
