// Package postgres implements store.Store against PostgreSQL via lib/pq,
// following the query/scan style of the teacher's
// internal/repository/postgres/campaign.go.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/store"
	"github.com/lib/pq"
)

// Store implements store.Store against PostgreSQL.
type Store struct{ db *sql.DB }

// New wraps an existing *sql.DB. Callers are expected to have already run
// the migrations in internal/store/postgres/migrations (see cmd/migrate).
func New(db *sql.DB) *Store { return &Store{db: db} }

// Open opens a Postgres connection pool from a DSN and pings it.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return New(db), nil
}

func (s *Store) Close() error { return s.db.Close() }

// CreateCampaignWithJobs persists a campaign and its jobs in one
// transaction so both rows appear or neither does (spec.md §4.D).
func (s *Store) CreateCampaignWithJobs(ctx context.Context, c *domain.Campaign, jobs []domain.Job) error {
	attachmentsJSON, err := encodeAttachments(c.Attachments)
	if err != nil {
		return fmt.Errorf("encode attachments: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, owner, subject, body, attachments, start_time, delay_ms,
			 hourly_limit, total_count, sent_count, failed_count, status,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, $10, NOW(), NOW())
	`, c.ID, c.Owner, c.Subject, c.Body, attachmentsJSON, c.StartTime, c.DelayMs,
		c.HourlyLimit, c.TotalCount, c.Status)
	if isUniqueViolation(err) {
		return store.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs
			(id, campaign_id, owner, recipient, scheduled_time, status,
			 attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, NOW(), NOW())
	`)
	if err != nil {
		return fmt.Errorf("prepare job insert: %w", err)
	}
	defer stmt.Close()

	for i := range jobs {
		j := &jobs[i]
		if _, err := stmt.ExecContext(ctx, j.ID, j.CampaignID, j.Owner, j.Recipient,
			j.ScheduledTime, j.Status); err != nil {
			return fmt.Errorf("insert job %s: %w", j.ID, err)
		}
	}

	return tx.Commit()
}

func (s *Store) LoadPendingJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, owner, recipient, scheduled_time, status,
		       attempts, COALESCE(last_error, ''), sent_time, lease_until,
		       created_at, updated_at
		FROM jobs
		WHERE status = $1
		ORDER BY scheduled_time ASC
	`, domain.JobPending)
	if err != nil {
		return nil, fmt.Errorf("load pending jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) ReadJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, campaign_id, owner, recipient, scheduled_time, status,
		       attempts, COALESCE(last_error, ''), sent_time, lease_until,
		       created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)
	var j domain.Job
	err := row.Scan(&j.ID, &j.CampaignID, &j.Owner, &j.Recipient,
		&j.ScheduledTime, &j.Status, &j.Attempts, &j.LastError,
		&j.SentTime, &j.LeaseUntil, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", id, err)
	}
	return &j, nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, patch store.JobPatch) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.Attempts != nil {
		add("attempts", *patch.Attempts)
	}
	if patch.SentTime != nil {
		add("sent_time", *patch.SentTime)
	}
	if patch.LastError != nil {
		add("last_error", *patch.LastError)
	}
	if patch.LeaseUntil != nil {
		add("lease_until", *patch.LeaseUntil)
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", time.Now().UTC())

	q := fmt.Sprintf(`UPDATE jobs SET %s WHERE id = $%d AND status = $%d`,
		joinComma(sets), idx, idx+1)
	args = append(args, id, patch.PrevStatus)

	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return store.ErrCASMismatch
	}
	return nil
}

// RecomputeCampaign reads COUNT(*) GROUP BY status over the campaign's
// jobs and writes back sentCount, failedCount, status (spec.md §4.I).
func (s *Store) RecomputeCampaign(ctx context.Context, campaignID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var sent, failed, total int
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed'),
			(SELECT total_count FROM campaigns WHERE id = $1)
		FROM jobs WHERE campaign_id = $1
	`, campaignID).Scan(&sent, &failed, &total)
	if err != nil {
		return fmt.Errorf("aggregate job counts: %w", err)
	}

	status := domain.CampaignScheduled
	if sent+failed >= total && total > 0 {
		status = domain.CampaignCompleted
	} else if sent+failed >= 1 {
		status = domain.CampaignInProgress
	}

	// No backward transitions (spec.md §4.I): never move off completed.
	_, err = tx.ExecContext(ctx, `
		UPDATE campaigns
		SET sent_count = $1, failed_count = $2, updated_at = NOW(),
		    status = CASE WHEN status = 'completed' THEN status ELSE $3 END
		WHERE id = $4
	`, sent, failed, status, campaignID)
	if err != nil {
		return fmt.Errorf("update campaign aggregates: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ReadCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var attachmentsJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, subject, body, attachments, start_time, delay_ms,
		       hourly_limit, total_count, sent_count, failed_count, status,
		       created_at, updated_at
		FROM campaigns WHERE id = $1
	`, id).Scan(&c.ID, &c.Owner, &c.Subject, &c.Body, &attachmentsJSON,
		&c.StartTime, &c.DelayMs, &c.HourlyLimit, &c.TotalCount,
		&c.SentCount, &c.FailedCount, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read campaign: %w", err)
	}
	c.Attachments, err = decodeAttachments(attachmentsJSON)
	if err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return c, nil
}

func (s *Store) FindCampaignByIdempotencyKey(ctx context.Context, id string) (*domain.Campaign, error) {
	return s.ReadCampaign(ctx, id)
}

func (s *Store) ListCampaignsByOwner(ctx context.Context, owner string) ([]domain.Campaign, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, subject, body, attachments, start_time, delay_ms,
		       hourly_limit, total_count, sent_count, failed_count, status,
		       created_at, updated_at
		FROM campaigns WHERE owner = $1 ORDER BY created_at DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		var attachmentsJSON []byte
		if err := rows.Scan(&c.ID, &c.Owner, &c.Subject, &c.Body, &attachmentsJSON,
			&c.StartTime, &c.DelayMs, &c.HourlyLimit, &c.TotalCount,
			&c.SentCount, &c.FailedCount, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		c.Attachments, err = decodeAttachments(attachmentsJSON)
		if err != nil {
			return nil, fmt.Errorf("decode attachments: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) ListTerminalJobsByOwner(ctx context.Context, owner string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, owner, recipient, scheduled_time, status,
		       attempts, COALESCE(last_error, ''), sent_time, lease_until,
		       created_at, updated_at
		FROM jobs
		WHERE owner = $1 AND status IN ('sent', 'failed')
		ORDER BY updated_at DESC
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list terminal jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) ListJobsByCampaign(ctx context.Context, campaignID string) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, campaign_id, owner, recipient, scheduled_time, status,
		       attempts, COALESCE(last_error, ''), sent_time, lease_until,
		       created_at, updated_at
		FROM jobs
		WHERE campaign_id = $1
		ORDER BY recipient
	`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("list jobs by campaign: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (s *Store) UpsertRateCounter(ctx context.Context, hourBucket, sender string, count int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO rate_counters (hour, sender, count)
		VALUES ($1, $2, $3)
		ON CONFLICT (hour, sender) DO UPDATE SET count = EXCLUDED.count
	`, hourBucket, sender, count)
	if err != nil {
		return fmt.Errorf("upsert rate counter: %w", err)
	}
	return nil
}

func (s *Store) ReadRateCounter(ctx context.Context, hourBucket, sender string) (int64, bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT count FROM rate_counters WHERE hour = $1 AND sender = $2
	`, hourBucket, sender).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read rate counter: %w", err)
	}
	return count, true, nil
}

func (s *Store) QueueStats(ctx context.Context) (store.Stats, error) {
	var stats store.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_time > NOW()),
			COUNT(*) FILTER (WHERE status = 'pending' AND scheduled_time <= NOW()),
			COUNT(*) FILTER (WHERE status = 'pending' AND attempts > 0 AND scheduled_time <= NOW()),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM jobs
	`).Scan(&stats.Waiting, &stats.Active, &stats.Delayed, &stats.Completed, &stats.Failed)
	if err != nil {
		return store.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return stats, nil
}

func scanJobs(rows *sql.Rows) ([]domain.Job, error) {
	var out []domain.Job
	for rows.Next() {
		var j domain.Job
		if err := rows.Scan(&j.ID, &j.CampaignID, &j.Owner, &j.Recipient,
			&j.ScheduledTime, &j.Status, &j.Attempts, &j.LastError,
			&j.SentTime, &j.LeaseUntil, &j.CreatedAt, &j.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type attachmentDTO struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	BytesB64    string `json:"bytesB64"`
}

func encodeAttachments(atts []domain.Attachment) ([]byte, error) {
	if len(atts) == 0 {
		return []byte("[]"), nil
	}
	dtos := make([]attachmentDTO, len(atts))
	for i, a := range atts {
		dtos[i] = attachmentDTO{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			BytesB64:    base64Encode(a.Bytes),
		}
	}
	return json.Marshal(dtos)
}

func decodeAttachments(raw []byte) ([]domain.Attachment, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var dtos []attachmentDTO
	if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, err
	}
	if len(dtos) == 0 {
		return nil, nil
	}
	out := make([]domain.Attachment, len(dtos))
	for i, d := range dtos {
		b, err := base64Decode(d.BytesB64)
		if err != nil {
			return nil, err
		}
		out[i] = domain.Attachment{Filename: d.Filename, ContentType: d.ContentType, Bytes: b}
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ", "
		}
		out += p
	}
	return out
}
