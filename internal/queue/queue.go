// Package queue implements the delayed-job queue with lease-based
// dispatch and bounded exponential-backoff retry (component G,
// spec.md §4.G): the hardest sub-component, grounded on the teacher's
// queue_recovery.go recovery sweep and bulk_enqueuer.go batching.
package queue

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy holds the queue's retry and lease defaults (spec.md §4.G).
type Policy struct {
	MaxAttempts   int
	LeaseDuration time.Duration
	BackoffBase   time.Duration
	BackoffCap    time.Duration
}

// DefaultPolicy mirrors the spec's stated defaults.
var DefaultPolicy = Policy{
	MaxAttempts:   3,
	LeaseDuration: 60 * time.Second,
	BackoffBase:   2 * time.Second,
	BackoffCap:    15 * time.Minute,
}

// Lease is a job handed to a worker by LeaseNext, due now and held
// exclusively until Complete, Defer, Fail, or lease expiry.
type Lease struct {
	JobID    string
	Attempts int
}

// LeaseResult is the tagged outcome of LeaseNext: exactly one of Lease,
// Empty or WaitUntil holds per call.
type LeaseResult struct {
	Lease     *Lease
	Empty     bool
	WaitUntil time.Time // valid when neither Lease nor Empty
}

// FailOutcome reports whether a failed job was rescheduled or exhausted
// its retry budget.
type FailOutcome struct {
	Retried   bool
	Permanent bool
	NextDue   time.Time
}

// Queue is the delayed-job dispatch contract.
type Queue interface {
	// Enqueue is idempotent on jobID: a job already present in any
	// state is left untouched.
	Enqueue(ctx context.Context, jobID string, due time.Time) error

	// LeaseNext returns the earliest due, unleased job, or signals that
	// none are due yet (WaitUntil) or the queue is empty (Empty).
	LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (LeaseResult, error)

	// Complete removes jobID from the active set after a terminal send.
	Complete(ctx context.Context, jobID string) error

	// Defer reschedules jobID to a new due time and clears its lease,
	// without counting as a retry attempt (used for rate-limit backoff).
	Defer(ctx context.Context, jobID string, until time.Time) error

	// Fail records a send failure. If attempts remain under the policy's
	// MaxAttempts it reschedules with exponential backoff and returns
	// Retried; otherwise it removes the job from the active set and
	// returns Permanent.
	Fail(ctx context.Context, jobID string, policy Policy) (FailOutcome, error)

	// RecoverFromStore re-enqueues every pending, unleased job found in
	// the durable Store, with due = max(scheduledTime, now). Called at
	// boot and may be called periodically as a reconciliation sweep.
	RecoverFromStore(ctx context.Context) (int, error)
}

// BackoffDelay computes base * 2^(attempts-1), capped, per spec.md §4.G,
// by walking cenkalti/backoff's ExponentialBackOff attempts steps with
// randomization disabled so the schedule is exactly reproducible: the
// first NextBackOff() after Reset() returns InitialInterval, the second
// returns InitialInterval*Multiplier, and so on.
func BackoffDelay(attempts int, policy Policy) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = policy.BackoffBase
	b.Multiplier = 2
	b.MaxInterval = policy.BackoffCap
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never signal Stop; the queue's MaxAttempts governs retirement
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	if delay > policy.BackoffCap || delay == backoff.Stop {
		delay = policy.BackoffCap
	}
	return delay
}
