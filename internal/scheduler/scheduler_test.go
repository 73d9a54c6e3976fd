package scheduler

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/clock"
	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/queue"
	"github.com/ignite/bulkmail/internal/store"
)

type memStore struct {
	store.Store
	campaigns map[string]*domain.Campaign
	jobs      map[string][]domain.Job
}

func newMemStore() *memStore {
	return &memStore{campaigns: map[string]*domain.Campaign{}, jobs: map[string][]domain.Job{}}
}

func (m *memStore) CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error {
	if _, ok := m.campaigns[c.ID]; ok {
		return store.ErrAlreadyExists
	}
	cp := *c
	m.campaigns[c.ID] = &cp
	m.jobs[c.ID] = append([]domain.Job(nil), jobs...)
	return nil
}

// memQueue is a minimal in-memory stand-in for queue.Queue; Submit only
// ever calls Enqueue and (via Reconcile) RecoverFromStore.
type memQueue struct {
	enqueued map[string]time.Time
	failNext bool
}

func newMemQueue() *memQueue {
	return &memQueue{enqueued: map[string]time.Time{}}
}

func (q *memQueue) Enqueue(ctx context.Context, jobID string, due time.Time) error {
	if q.failNext {
		q.failNext = false
		return context.DeadlineExceeded
	}
	if _, ok := q.enqueued[jobID]; ok {
		return nil
	}
	q.enqueued[jobID] = due
	return nil
}

func (q *memQueue) LeaseNext(ctx context.Context, workerID string, leaseDuration time.Duration) (queue.LeaseResult, error) {
	return queue.LeaseResult{Empty: true}, nil
}
func (q *memQueue) Complete(ctx context.Context, jobID string) error { return nil }
func (q *memQueue) Defer(ctx context.Context, jobID string, until time.Time) error { return nil }
func (q *memQueue) Fail(ctx context.Context, jobID string, policy queue.Policy) (queue.FailOutcome, error) {
	return queue.FailOutcome{}, nil
}
func (q *memQueue) RecoverFromStore(ctx context.Context) (int, error) { return 0, nil }

func newTestScheduler(t *testing.T) (*Scheduler, *memStore, *memQueue, *clock.Fake) {
	t.Helper()
	st := newMemStore()
	fc := clock.NewFake(time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC))
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := newMemQueue()
	s := New(st, q, fc, log)
	return s, st, q, fc
}

func validInput() CampaignInput {
	return CampaignInput{
		Owner:       "owner-1",
		Subject:     "hello",
		Body:        "<p>hi</p>",
		Recipients:  []string{"A@Example.com", "b@example.com", "a@example.com"},
		StartTime:   time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		DelayMs:     1000,
		HourlyLimit: 100,
	}
}

func TestSubmit_DeduplicatesAndNormalizesRecipients(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	id, err := s.Submit(context.Background(), validInput())
	require.NoError(t, err)

	jobs := st.jobs[id]
	require.Len(t, jobs, 2)
	require.Equal(t, "a@example.com", jobs[0].Recipient)
	require.Equal(t, "b@example.com", jobs[1].Recipient)
	require.Equal(t, st.campaigns[id].StartTime, jobs[0].ScheduledTime)
	require.Equal(t, jobs[0].ScheduledTime.Add(time.Second), jobs[1].ScheduledTime)
}

func TestSubmit_IsIdempotentOnIdenticalContent(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	ctx := context.Background()

	id1, err := s.Submit(ctx, validInput())
	require.NoError(t, err)

	id2, err := s.Submit(ctx, validInput())
	require.NoError(t, err)

	require.Equal(t, id1, id2)
	require.Len(t, st.campaigns, 1)
	require.Len(t, q.enqueued, 2) // second Submit does not re-enqueue
}

func TestSubmit_DifferentContentProducesDifferentCampaigns(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	ctx := context.Background()

	id1, err := s.Submit(ctx, validInput())
	require.NoError(t, err)

	in2 := validInput()
	in2.Subject = "different subject"
	id2, err := s.Submit(ctx, in2)
	require.NoError(t, err)

	require.NotEqual(t, id1, id2)
	require.Len(t, st.campaigns, 2)
}

func TestSubmit_RejectsEmptyRecipientList(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	in := validInput()
	in.Recipients = []string{"not-an-email", "  "}
	_, err := s.Submit(context.Background(), in)
	require.ErrorIs(t, err, ErrNoRecipients)
}

func TestSubmit_RejectsMissingRequiredFields(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)
	in := validInput()
	in.Subject = ""
	_, err := s.Submit(context.Background(), in)
	require.Error(t, err)
}

func TestSubmit_EnqueueFailureDoesNotFailSubmit(t *testing.T) {
	s, st, q, _ := newTestScheduler(t)
	q.failNext = true

	id, err := s.Submit(context.Background(), validInput())
	require.NoError(t, err)
	require.Contains(t, st.campaigns, id)
}

func TestSubmit_AssignsDefaultHourlyLimit(t *testing.T) {
	s, st, _, _ := newTestScheduler(t)
	in := validInput()
	in.HourlyLimit = 0
	id, err := s.Submit(context.Background(), in)
	require.NoError(t, err)
	require.Equal(t, domain.DefaultHourlyLimit, st.campaigns[id].HourlyLimit)
}
