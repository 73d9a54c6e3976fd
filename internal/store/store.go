// Package store defines the durable persistence contract (component D,
// spec.md §4.D): the ground truth for campaigns and jobs, and the
// recovery source of truth for the Queue.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/bulkmail/internal/domain"
)

// Sentinel errors returned by Store implementations.
var (
	ErrAlreadyExists = errors.New("store: campaign already exists")
	ErrNotFound      = errors.New("store: not found")
	ErrCASMismatch   = errors.New("store: CAS predicate did not match current status")
)

// JobPatch describes a conditional update to a Job row. Only non-nil
// fields are applied. PrevStatus is the CAS predicate: the update is
// applied only if the job's current status equals PrevStatus.
type JobPatch struct {
	PrevStatus domain.JobStatus

	Status     *domain.JobStatus
	Attempts   *int
	SentTime   *time.Time
	LastError  *string
	LeaseUntil **time.Time // pointer-to-pointer so "clear the lease" (nil) is expressible
}

// Store is the durable persistence contract. A failed write is returned
// as an error and is not retried by its callers: the Worker pool logs it
// and moves on, and a job the failure left pending is re-enqueued by the
// next RecoverFromStore sweep.
type Store interface {
	// CreateCampaignWithJobs atomically persists a campaign and its jobs.
	// Returns ErrAlreadyExists if campaign.ID is already present.
	CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error

	// LoadPendingJobs streams every job with status=pending, ordered by
	// scheduledTime, for boot-time and periodic recovery.
	LoadPendingJobs(ctx context.Context) ([]domain.Job, error)

	// ReadJob returns a single job by id, for the Worker pool to resolve
	// a Queue lease (which carries only a jobID) into full row data.
	// Returns ErrNotFound if absent.
	ReadJob(ctx context.Context, id string) (*domain.Job, error)

	// UpdateJob applies patch to job id if the CAS predicate holds.
	// Returns ErrCASMismatch if the job's current status != patch.PrevStatus.
	UpdateJob(ctx context.Context, id string, patch JobPatch) error

	// RecomputeCampaign reads COUNT(*) GROUP BY status over the campaign's
	// jobs and writes back sentCount, failedCount, status, updatedAt.
	RecomputeCampaign(ctx context.Context, campaignID string) error

	// ReadCampaign returns a single campaign. Returns ErrNotFound if absent.
	ReadCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// ListCampaignsByOwner returns campaigns submitted by owner, newest first.
	ListCampaignsByOwner(ctx context.Context, owner string) ([]domain.Campaign, error)

	// ListTerminalJobsByOwner returns every job of owner's campaigns that
	// has reached sent or failed.
	ListTerminalJobsByOwner(ctx context.Context, owner string) ([]domain.Job, error)

	// ListJobsByCampaign returns every job belonging to campaignID, for
	// the campaign-detail view (spec.md §6, "campaign with embedded jobs").
	ListJobsByCampaign(ctx context.Context, campaignID string) ([]domain.Job, error)

	// FindCampaignByIdempotencyKey returns the campaign previously created
	// for (owner, the same submitted content), if Submit computed a
	// colliding campaign ID. Returns ErrNotFound if none exists.
	FindCampaignByIdempotencyKey(ctx context.Context, id string) (*domain.Campaign, error)

	// UpsertRateCounter writes the Store-side mirror of a KV rolling-hour
	// counter, used only to reseed KV after eviction.
	UpsertRateCounter(ctx context.Context, hourBucket, sender string, count int64) error

	// ReadRateCounter returns the mirrored count for (hourBucket, sender),
	// or (0, false, nil) if no row exists yet.
	ReadRateCounter(ctx context.Context, hourBucket, sender string) (int64, bool, error)

	// QueueStats aggregates job counts across all campaigns for the core
	// QueueStats() API and the Prometheus gauges.
	QueueStats(ctx context.Context) (Stats, error)

	Close() error
}

// Stats mirrors the core API's QueueStats() shape (spec.md §6).
type Stats struct {
	Waiting   int64 // pending, scheduledTime in the future
	Active    int64 // pending, scheduledTime due (leased or awaiting lease)
	Delayed   int64 // pending, due, already failed at least once (subset of Active)
	Completed int64 // sent
	Failed    int64 // failed
}
