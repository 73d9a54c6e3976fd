// Package scheduler implements campaign intake (component F,
// spec.md §4.F): validation, stable ID derivation, durable persistence,
// and queue fan-out. It never sends; it only records intent.
package scheduler

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/store"
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

var validate = validator.New(validator.WithRequiredStructEnabled())

// AttachmentInput mirrors domain.Attachment for the submission surface.
type AttachmentInput struct {
	Filename    string `validate:"required"`
	ContentType string `validate:"required"`
	Bytes       []byte `validate:"required"`
}

// CampaignInput is the caller-supplied submission payload.
type CampaignInput struct {
	Owner       string `validate:"required"`
	Subject     string `validate:"required"`
	Body        string `validate:"required"`
	Recipients  []string
	StartTime   time.Time
	DelayMs     int64
	HourlyLimit int
	Attachments []AttachmentInput
}

var (
	// ErrNoRecipients is returned when every recipient is invalid or the
	// input list is empty after deduplication.
	ErrNoRecipients = errors.New("scheduler: at least one valid recipient is required")
	// ErrStartTimeRequired is returned when CampaignInput.StartTime is zero.
	ErrStartTimeRequired = errors.New("scheduler: startTime is required")
)

// Scheduler is the campaign intake entry point.
type Scheduler struct {
	store store.Store
	queue queue.Queue
	clock clock.Clock
	log   *slog.Logger
}

// New builds a Scheduler.
func New(st store.Store, q queue.Queue, clk clock.Clock, log *slog.Logger) *Scheduler {
	return &Scheduler{store: st, queue: q, clock: clk, log: log}
}

// Submit validates input, persists the campaign and its jobs, and fans
// the jobs out to the Queue. It returns the campaign ID whether this is
// a fresh submission or a duplicate of a prior one.
func (s *Scheduler) Submit(ctx context.Context, in CampaignInput) (string, error) {
	if err := validate.Struct(in); err != nil {
		return "", fmt.Errorf("scheduler: invalid campaign input: %w", err)
	}
	if in.StartTime.IsZero() {
		return "", ErrStartTimeRequired
	}

	recipients := normalizeRecipients(in.Recipients)
	if len(recipients) == 0 {
		return "", ErrNoRecipients
	}

	hourlyLimit := in.HourlyLimit
	if hourlyLimit <= 0 {
		hourlyLimit = domain.DefaultHourlyLimit
	}

	now := s.clock.Now()
	campaignID := deriveCampaignID(in.Owner, in.Subject, in.Body, recipients, in.StartTime)

	attachments := make([]domain.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		attachments = append(attachments, domain.Attachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Bytes:       a.Bytes,
		})
	}

	campaign := &domain.Campaign{
		ID:          campaignID,
		Owner:       in.Owner,
		Subject:     in.Subject,
		Body:        in.Body,
		Attachments: attachments,
		StartTime:   in.StartTime,
		DelayMs:     in.DelayMs,
		HourlyLimit: hourlyLimit,
		TotalCount:  len(recipients),
		Status:      domain.CampaignScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	jobs := make([]domain.Job, 0, len(recipients))
	for i, recipient := range recipients {
		scheduledTime := in.StartTime.Add(time.Duration(i) * time.Duration(in.DelayMs) * time.Millisecond)
		jobs = append(jobs, domain.Job{
			ID:            deriveJobID(campaignID, recipient, now, scheduledTime),
			CampaignID:    campaignID,
			Owner:         in.Owner,
			Recipient:     recipient,
			ScheduledTime: scheduledTime,
			Status:        domain.JobPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}

	err := s.store.CreateCampaignWithJobs(ctx, campaign, jobs)
	switch {
	case err == nil:
		s.enqueueAll(ctx, jobs)
		return campaignID, nil
	case errors.Is(err, store.ErrAlreadyExists):
		s.log.Info("scheduler: duplicate submission collapsed", "campaignId", campaignID)
		return campaignID, nil
	default:
		return "", fmt.Errorf("scheduler: create campaign %s: %w", campaignID, err)
	}
}

// enqueueAll fans newly-created jobs out to the Queue. A failure here is
// logged, not fatal: the job remains discoverable by the recovery sweep
// and will be enqueued on next boot or reconciliation pass (spec.md §4.F
// step 5) — Store durability alone satisfies the caller's contract.
func (s *Scheduler) enqueueAll(ctx context.Context, jobs []domain.Job) {
	for _, j := range jobs {
		if err := s.queue.Enqueue(ctx, j.ID, j.ScheduledTime); err != nil {
			s.log.Error("scheduler: enqueue failed, deferring to recovery sweep", "job", j.ID, "error", err)
		}
	}
}

// Reconcile re-enqueues any pending job the Store knows about that the
// Queue has lost track of. It is the periodic reconciler referenced in
// spec.md §4.F step 5, run on a fixed interval alongside boot recovery.
func (s *Scheduler) Reconcile(ctx context.Context) (int, error) {
	n, err := s.queue.RecoverFromStore(ctx)
	if err != nil {
		return 0, fmt.Errorf("scheduler: reconcile: %w", err)
	}
	return n, nil
}

// normalizeRecipients trims, lowercases, validates against the
// canonical email pattern, and deduplicates while preserving order.
func normalizeRecipients(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, r := range in {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || !emailPattern.MatchString(r) {
			continue
		}
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}

// deriveCampaignID is a stable function of the submitted content, so
// resubmitting the same campaign collides onto the same row (spec.md
// §4.F step 2, 4) instead of minting a new one. It's encoded as a ULID
// whose timestamp component is startTime and whose entropy is a digest
// of the content, rather than the usual random reader: this keeps the
// lexically-sortable ULID shape while staying fully deterministic.
// Recipients are sorted before hashing so input-order differences don't
// defeat the collision.
func deriveCampaignID(owner, subject, body string, recipients []string, startTime time.Time) string {
	sorted := append([]string(nil), recipients...)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(owner))
	h.Write([]byte{0})
	h.Write([]byte(subject))
	h.Write([]byte{0})
	h.Write([]byte(body))
	h.Write([]byte{0})
	h.Write([]byte(startTime.UTC().Format(time.RFC3339Nano)))
	for _, r := range sorted {
		h.Write([]byte{0})
		h.Write([]byte(r))
	}
	return "cmp_" + deterministicULID(startTime, h.Sum(nil))
}

// deriveJobID is a stable function of (campaignID, recipient, createdAt)
// so duplicate per-job inserts within the same Submit call collide
// rather than producing a second row for the same recipient. Its
// timestamp component is scheduledTime, so job IDs within a campaign
// sort lexically in dispatch order even before the Queue sees them.
func deriveJobID(campaignID, recipient string, createdAt, scheduledTime time.Time) string {
	h := sha256.New()
	h.Write([]byte(campaignID))
	h.Write([]byte{0})
	h.Write([]byte(recipient))
	h.Write([]byte{0})
	binary.Write(h, binary.BigEndian, createdAt.UTC().UnixNano()) //nolint:errcheck
	return "job_" + deterministicULID(scheduledTime, h.Sum(nil))
}

// deterministicULID encodes t and the first 10 bytes of digest as a
// ULID, using the digest as the entropy source in place of a random
// reader so the same (t, digest) pair always reproduces the same ID.
func deterministicULID(t time.Time, digest []byte) string {
	id, err := ulid.New(ulid.Timestamp(t.UTC()), bytes.NewReader(digest[:10]))
	if err != nil {
		// Timestamp out of ulid's representable range; fall back to a
		// plain hex digest, still stable and unique.
		return strings.ToLower(fmt.Sprintf("%x", digest[:16]))
	}
	return id.String()
}
