package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/store"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return db, mock, func() { db.Close() }
}

func TestReadJob_ReturnsNotFoundWhenAbsent(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, campaign_id, owner").
		WithArgs("job-1").
		WillReturnError(sql.ErrNoRows)

	s := New(db)
	_, err := s.ReadJob(context.Background(), "job-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReadJob_ScansRow(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now().UTC()
	rows := sqlmock.NewRows([]string{
		"id", "campaign_id", "owner", "recipient", "scheduled_time", "status",
		"attempts", "last_error", "sent_time", "lease_until", "created_at", "updated_at",
	}).AddRow("job-1", "camp-1", "alice@example.com", "bob@example.com", now, domain.JobPending,
		0, "", nil, nil, now, now)

	mock.ExpectQuery("SELECT id, campaign_id, owner").WithArgs("job-1").WillReturnRows(rows)

	s := New(db)
	j, err := s.ReadJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", j.ID)
	assert.Equal(t, domain.JobPending, j.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJob_ReturnsCASMismatchWhenNoRowsAffected(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE jobs SET").WillReturnResult(sqlmock.NewResult(0, 0))

	status := domain.JobSent
	s := New(db)
	err := s.UpdateJob(context.Background(), "job-1", store.JobPatch{
		PrevStatus: domain.JobPending,
		Status:     &status,
	})
	require.ErrorIs(t, err, store.ErrCASMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJob_NoOpWhenPatchIsEmpty(t *testing.T) {
	db, _, cleanup := setupTestDB(t)
	defer cleanup()

	s := New(db)
	err := s.UpdateJob(context.Background(), "job-1", store.JobPatch{PrevStatus: domain.JobPending})
	require.NoError(t, err)
}

func TestCreateCampaignWithJobs_RollsBackOnJobInsertFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO campaigns").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectPrepare("INSERT INTO jobs")
	mock.ExpectExec("INSERT INTO jobs").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	s := New(db)
	c := &domain.Campaign{ID: "camp-1", Owner: "alice@example.com", Status: domain.CampaignScheduled}
	jobs := []domain.Job{{ID: "job-1", CampaignID: "camp-1", Owner: "alice@example.com", Recipient: "bob@example.com"}}

	err := s.CreateCampaignWithJobs(context.Background(), c, jobs)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueStats_ScansAggregateCounts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"waiting", "active", "delayed", "completed", "failed"}).
		AddRow(3, 1, 2, 10, 4)
	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	s := New(db)
	stats, err := s.QueueStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.Stats{Waiting: 3, Active: 1, Delayed: 2, Completed: 10, Failed: 4}, stats)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindCampaignByIdempotencyKey_DelegatesToReadCampaign(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT id, owner, subject").
		WithArgs("idem-1").
		WillReturnError(sql.ErrNoRows)

	s := New(db)
	_, err := s.FindCampaignByIdempotencyKey(context.Background(), "idem-1")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
