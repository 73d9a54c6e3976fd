package api

import (
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/pkg/httputil"
	"github.com/ignite/bulkmail/internal/scheduler"
	"github.com/ignite/bulkmail/internal/store"
)

// ownerHeader is the header the façade trusts as the submitter identity,
// standing in for the demo authentication the spec places out of core
// scope (spec.md §6, "Header x-user-id is the owner").
const ownerHeader = "x-user-id"

// attachmentRequest mirrors the wire shape of one submitted attachment.
// Bytes travels base64-encoded over JSON, matching domain.Attachment's
// json:"-" tag on Bytes (attachment bytes are never echoed back on reads;
// filename and content type are).
type attachmentRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Bytes       string `json:"bytes"`
}

type scheduleRequest struct {
	Subject     string              `json:"subject"`
	Body        string              `json:"body"`
	Recipients  []string            `json:"recipients"`
	StartTime   time.Time           `json:"startTime"`
	DelayMs     int64               `json:"delayMs"`
	HourlyLimit int                 `json:"hourlyLimit"`
	Attachments []attachmentRequest `json:"attachments"`
}

type scheduleResponse struct {
	ScheduleID  string                `json:"scheduleId"`
	TotalEmails int                   `json:"totalEmails"`
	Status      domain.CampaignStatus `json:"status"`
	CreatedJobs int                   `json:"createdJobs"`
}

// HealthCheck reports liveness. It never touches the Store, matching the
// spec's distinction between this endpoint and Store-outage 503s
// (spec.md §7): the process is alive even if its dependencies are not.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]string{"status": "ok"})
}

// ScheduleCampaign handles POST /emails/schedule.
func (h *Handlers) ScheduleCampaign(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		httputil.Error(w, http.StatusUnauthorized, "missing "+ownerHeader+" header")
		return
	}

	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	attachments := make([]scheduler.AttachmentInput, 0, len(req.Attachments))
	for _, a := range req.Attachments {
		raw, err := base64.StdEncoding.DecodeString(a.Bytes)
		if err != nil {
			httputil.BadRequest(w, "invalid base64 in attachment "+a.Filename)
			return
		}
		attachments = append(attachments, scheduler.AttachmentInput{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Bytes:       raw,
		})
	}

	id, err := h.core.Submit(r.Context(), scheduler.CampaignInput{
		Owner:       owner,
		Subject:     req.Subject,
		Body:        req.Body,
		Recipients:  req.Recipients,
		StartTime:   req.StartTime,
		DelayMs:     req.DelayMs,
		HourlyLimit: req.HourlyLimit,
		Attachments: attachments,
	})
	if err != nil {
		writeSubmitError(w, err)
		return
	}

	camp, err := h.core.GetCampaign(r.Context(), id)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.Created(w, scheduleResponse{
		ScheduleID:  camp.ID,
		TotalEmails: camp.TotalCount,
		Status:      camp.Status,
		CreatedJobs: camp.TotalCount,
	})
}

func writeSubmitError(w http.ResponseWriter, err error) {
	var verr validator.ValidationErrors
	switch {
	case errors.As(err, &verr):
		httputil.BadRequest(w, "invalid campaign input: "+verr.Error())
	case errors.Is(err, scheduler.ErrNoRecipients):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, scheduler.ErrStartTimeRequired):
		httputil.BadRequest(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// ListScheduled handles GET /emails/scheduled.
func (h *Handlers) ListScheduled(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		httputil.Error(w, http.StatusUnauthorized, "missing "+ownerHeader+" header")
		return
	}
	camps, err := h.core.ListCampaigns(r.Context(), owner)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, camps)
}

// ListSent handles GET /emails/sent.
func (h *Handlers) ListSent(w http.ResponseWriter, r *http.Request) {
	owner := r.Header.Get(ownerHeader)
	if owner == "" {
		httputil.Error(w, http.StatusUnauthorized, "missing "+ownerHeader+" header")
		return
	}
	jobs, err := h.core.ListTerminalJobs(r.Context(), owner)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, jobs)
}

type campaignDetail struct {
	domain.Campaign
	Jobs []domain.Job `json:"jobs"`
}

// GetCampaign handles GET /emails/schedule/:id.
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	camp, jobs, err := h.core.GetCampaignDetail(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httputil.NotFound(w, "campaign not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, campaignDetail{Campaign: *camp, Jobs: jobs})
}

// QueueStatus handles GET /emails/queue/status.
func (h *Handlers) QueueStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := h.core.QueueStats(r.Context())
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, stats)
}
