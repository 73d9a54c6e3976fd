// Package worker implements the send loop that joins the Queue,
// RateLimiter, and Mailer (component H, spec.md §4.H).
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/bulkmail/internal/aggregator"
	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/mailer"
	"github.com/ignite/bulkmail/internal/pkg/logger"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/ratelimiter"
	"github.com/ignite/bulkmail/internal/store"
)

// Outcome is the tagged result of one lease-to-resolution cycle,
// replacing exception-based control flow with an explicit value
// (spec.md §9 design notes).
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeDeferred
	OutcomeRetryableFailure
	OutcomePermanentFailure
	OutcomeIdle
)

// Config holds pool-wide tunables.
type Config struct {
	Concurrency   int
	LeaseDuration time.Duration
	Policy        queue.Policy
}

// DefaultConfig mirrors spec.md §4.H's stated default of 5 workers.
var DefaultConfig = Config{
	Concurrency:   5,
	LeaseDuration: queue.DefaultPolicy.LeaseDuration,
	Policy:        queue.DefaultPolicy,
}

// Pool runs Config.Concurrency worker loops against a shared Queue.
type Pool struct {
	queue   queue.Queue
	store   store.Store
	limiter *ratelimiter.RateLimiter
	mailer  mailer.Mailer
	agg     *aggregator.Aggregator
	clock   clock.Clock
	log     *slog.Logger
	cfg     Config

	campaignCache *campaignCache
}

// New builds a worker Pool.
func New(q queue.Queue, st store.Store, rl *ratelimiter.RateLimiter, m mailer.Mailer, agg *aggregator.Aggregator, clk clock.Clock, cfg Config, log *slog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig.Concurrency
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultConfig.LeaseDuration
	}
	if cfg.Policy.MaxAttempts <= 0 {
		cfg.Policy = DefaultConfig.Policy
	}
	return &Pool{
		queue:         q,
		store:         st,
		limiter:       rl,
		mailer:        m,
		agg:           agg,
		clock:         clk,
		log:           log,
		cfg:           cfg,
		campaignCache: newCampaignCache(st),
	}
}

// Run starts Config.Concurrency worker loops and blocks until ctx is
// cancelled. In-flight jobs are allowed to finish before Run returns.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.New().String())
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(workerID)
	}
	wg.Wait()
}

// loop is a single worker's lease-process-pace cycle.
func (p *Pool) loop(ctx context.Context, workerID string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, pace := p.step(ctx, workerID)
		if pace > 0 {
			if err := p.clock.Sleep(ctx, pace); err != nil {
				return
			}
		}
	}
}

// step performs exactly one lease-to-resolution cycle and returns the
// outcome plus how long the worker should pace itself before the next
// lease attempt.
func (p *Pool) step(ctx context.Context, workerID string) (Outcome, time.Duration) {
	lease, err := p.queue.LeaseNext(ctx, workerID, p.cfg.LeaseDuration)
	if err != nil {
		p.log.Error("worker: lease next failed", "worker", workerID, "error", err)
		return OutcomeIdle, time.Second
	}
	if lease.Empty {
		return OutcomeIdle, 200 * time.Millisecond
	}
	if lease.Lease == nil {
		wait := lease.WaitUntil.Sub(p.clock.Now())
		if wait < 0 {
			wait = 0
		}
		return OutcomeIdle, wait
	}

	// A leased job runs to resolution even if ctx is cancelled meanwhile.
	return p.process(context.WithoutCancel(ctx), workerID, *lease.Lease)
}

// process handles one leased job through rate limiting, delivery, and
// status persistence.
func (p *Pool) process(ctx context.Context, workerID string, lease queue.Lease) (Outcome, time.Duration) {
	job, campaign, err := p.campaignCache.jobAndCampaign(ctx, lease.JobID)
	if err != nil {
		p.log.Error("worker: load job failed", "job", lease.JobID, "error", err)
		return OutcomeIdle, 0
	}
	if job == nil {
		// The job vanished from Store between lease and lookup (e.g. a
		// concurrent cascade delete); treat the lease as spent.
		_ = p.queue.Complete(ctx, lease.JobID)
		return OutcomeIdle, 0
	}

	sender := campaign.Sender()

	var rl ratelimiter.Result
	if p.limiter.Strict() {
		// Strict mode enforces the budget with a single atomic
		// conditional increment, closing the Check-then-Increment race
		// the advisory mode below accepts (spec.md §4.E).
		rl, err = p.limiter.CheckAndIncrement(ctx, sender, campaign.HourlyLimit)
		if err != nil {
			p.log.Error("worker: rate limit check-and-increment failed", "job", job.ID, "error", err)
			return OutcomeIdle, time.Second
		}
	} else {
		rl, err = p.limiter.Check(ctx, sender, campaign.HourlyLimit)
		if err != nil {
			p.log.Error("worker: rate limit check failed", "job", job.ID, "error", err)
			return OutcomeIdle, time.Second
		}
	}
	if !rl.Allowed {
		if err := p.queue.Defer(ctx, job.ID, rl.NextBucketStart); err != nil {
			p.log.Error("worker: defer failed", "job", job.ID, "error", err)
		}
		return OutcomeDeferred, 0
	}

	if !p.limiter.Strict() {
		if _, err := p.limiter.Increment(ctx, sender); err != nil {
			p.log.Error("worker: rate limit increment failed", "job", job.ID, "error", err)
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, mailer.SendDeadline)
	_, sendErr := p.mailer.Send(sendCtx, composeMessage(job, campaign))
	cancel()

	if sendErr == nil {
		return p.onSuccess(ctx, job, campaign, time.Duration(campaign.DelayMs)*time.Millisecond)
	}
	return p.onFailure(ctx, job, campaign, sendErr)
}

func (p *Pool) onSuccess(ctx context.Context, job *domain.Job, campaign *domain.Campaign, pace time.Duration) (Outcome, time.Duration) {
	now := p.clock.Now()
	status := domain.JobSent
	prevStatus := domain.JobPending
	err := p.store.UpdateJob(ctx, job.ID, store.JobPatch{
		PrevStatus: prevStatus,
		Status:     &status,
		SentTime:   &now,
	})
	if err != nil {
		p.log.Error("worker: store update on success failed", "job", job.ID, "error", err)
	}
	if err := p.queue.Complete(ctx, job.ID); err != nil {
		p.log.Error("worker: queue complete failed", "job", job.ID, "error", err)
	}
	p.agg.Notify(campaign.ID)
	return OutcomeSent, pace
}

func (p *Pool) onFailure(ctx context.Context, job *domain.Job, campaign *domain.Campaign, sendErr error) (Outcome, time.Duration) {
	kind := mailer.Classify(sendErr)
	errMsg := sendErr.Error()

	if kind == mailer.Permanent {
		status := domain.JobFailed
		if err := p.store.UpdateJob(ctx, job.ID, store.JobPatch{
			PrevStatus: domain.JobPending,
			Status:     &status,
			LastError:  &errMsg,
		}); err != nil {
			p.log.Error("worker: store update on permanent failure failed", "job", job.ID, "error", err)
		}
		p.log.Warn("worker: permanent delivery failure",
			"job", job.ID, "recipient", logger.RedactEmail(job.Recipient), "error", errMsg)
		if err := p.queue.Complete(ctx, job.ID); err != nil {
			p.log.Error("worker: queue complete after permanent failure failed", "job", job.ID, "error", err)
		}
		p.agg.Notify(campaign.ID)
		return OutcomePermanentFailure, 0
	}

	outcome, err := p.queue.Fail(ctx, job.ID, p.cfg.Policy)
	if err != nil {
		p.log.Error("worker: queue fail failed", "job", job.ID, "error", err)
		return OutcomeRetryableFailure, 0
	}

	attempts := job.Attempts + 1
	if outcome.Permanent {
		status := domain.JobFailed
		if err := p.store.UpdateJob(ctx, job.ID, store.JobPatch{
			PrevStatus: domain.JobPending,
			Status:     &status,
			Attempts:   &attempts,
			LastError:  &errMsg,
		}); err != nil {
			p.log.Error("worker: store update after exhausted retries failed", "job", job.ID, "error", err)
		}
		p.agg.Notify(campaign.ID)
		return OutcomePermanentFailure, 0
	}

	// Still retryable: mirror attempts/lastError onto the Store row so a
	// crash before the next attempt preserves the retry count.
	if err := p.store.UpdateJob(ctx, job.ID, store.JobPatch{
		PrevStatus: domain.JobPending,
		Attempts:   &attempts,
		LastError:  &errMsg,
	}); err != nil {
		p.log.Error("worker: store attempts mirror failed", "job", job.ID, "error", err)
	}
	return OutcomeRetryableFailure, 0
}

func composeMessage(job *domain.Job, campaign *domain.Campaign) mailer.Message {
	attachments := make([]mailer.Attachment, 0, len(campaign.Attachments))
	for _, a := range campaign.Attachments {
		attachments = append(attachments, mailer.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Bytes:       a.Bytes,
		})
	}
	return mailer.Message{
		JobID:       job.ID,
		CampaignID:  campaign.ID,
		To:          job.Recipient,
		FromName:    campaign.Owner,
		FromEmail:   campaign.Owner,
		Subject:     campaign.Subject,
		HTMLBody:    campaign.Body,
		Attachments: attachments,
	}
}
