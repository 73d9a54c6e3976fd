package domain

import "time"

// CampaignStatus enumerates the lifecycle states of a campaign (spec.md §3).
type CampaignStatus string

const (
	CampaignScheduled  CampaignStatus = "scheduled"
	CampaignInProgress CampaignStatus = "in-progress"
	CampaignCompleted  CampaignStatus = "completed"
)

// Attachment is a recipient-independent file attached to a campaign.
// Bytes are stored base64-decoded; the Submit-time request carries them
// base64-encoded over the wire.
type Attachment struct {
	Filename    string `json:"filename" db:"filename"`
	ContentType string `json:"contentType" db:"content_type"`
	Bytes       []byte `json:"-" db:"bytes"`
}

// Campaign represents one bulk send request.
type Campaign struct {
	ID          string       `json:"id" db:"id"`
	Owner       string       `json:"owner" db:"owner"`
	Subject     string       `json:"subject" db:"subject"`
	Body        string       `json:"body" db:"body"`
	Attachments []Attachment `json:"attachments,omitempty" db:"attachments"`

	StartTime   time.Time `json:"startTime" db:"start_time"`
	DelayMs     int64     `json:"delayMs" db:"delay_ms"`
	HourlyLimit int       `json:"hourlyLimit" db:"hourly_limit"`

	TotalCount  int            `json:"totalCount" db:"total_count"`
	SentCount   int            `json:"sentCount" db:"sent_count"`
	FailedCount int            `json:"failedCount" db:"failed_count"`
	Status      CampaignStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// IsTerminal reports whether the campaign has reached its final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted
}

// Sender returns the envelope-from identity the RateLimiter budgets
// against for this campaign. Open Question 1 (spec.md §9) is resolved
// by deriving the sender from the campaign owner rather than plumbing a
// separate per-campaign sender identity.
func (c *Campaign) Sender() string {
	return c.Owner
}

// JobStatus enumerates the lifecycle of a single recipient's attempt.
type JobStatus string

const (
	JobPending JobStatus = "pending"
	JobSent    JobStatus = "sent"
	JobFailed  JobStatus = "failed"
)

// Job is one recipient's attempt record (spec.md §3).
type Job struct {
	ID            string    `json:"id" db:"id"`
	CampaignID    string    `json:"campaignId" db:"campaign_id"`
	Owner         string    `json:"owner" db:"owner"`
	Recipient     string    `json:"recipient" db:"recipient"`
	ScheduledTime time.Time `json:"scheduledTime" db:"scheduled_time"`

	Status   JobStatus `json:"status" db:"status"`
	Attempts int       `json:"attempts" db:"attempts"`
	LastError string   `json:"lastError,omitempty" db:"last_error"`

	SentTime   *time.Time `json:"sentTime,omitempty" db:"sent_time"`
	LeaseUntil *time.Time `json:"-" db:"lease_until"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// IsTerminal reports whether the job has reached sent or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobSent || j.Status == JobFailed
}

// RateCounter is the Store-side mirror of a KV rolling-hour counter,
// used only to reseed KV after an eviction (spec.md §3).
type RateCounter struct {
	HourBucket string `db:"hour_bucket"`
	Sender     string `db:"sender"`
	Count      int64  `db:"count"`
}

const (
	// MaxAttempts is the default retry budget for a job (spec.md §3 invariant 5).
	MaxAttempts = 3
	// DefaultHourlyLimit is used when a campaign omits hourlyLimit.
	DefaultHourlyLimit = 200
)
