package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ignite/bulkmail/internal/domain"
	"github.com/ignite/bulkmail/internal/scheduler"
	"github.com/ignite/bulkmail/internal/store"
)

type fakeCore struct {
	submitErr  error
	campaign   *domain.Campaign
	jobs       []domain.Job
	campErr    error
	listCamps  []domain.Campaign
	listJobs   []domain.Job
	stats      store.Stats
	statsErr   error
	lastSubmit scheduler.CampaignInput
}

func (f *fakeCore) Submit(ctx context.Context, in scheduler.CampaignInput) (string, error) {
	f.lastSubmit = in
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.campaign.ID, nil
}

func (f *fakeCore) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	if f.campErr != nil {
		return nil, f.campErr
	}
	return f.campaign, nil
}

func (f *fakeCore) GetCampaignDetail(ctx context.Context, id string) (*domain.Campaign, []domain.Job, error) {
	if f.campErr != nil {
		return nil, nil, f.campErr
	}
	return f.campaign, f.jobs, nil
}

func (f *fakeCore) ListCampaigns(ctx context.Context, owner string) ([]domain.Campaign, error) {
	return f.listCamps, nil
}

func (f *fakeCore) ListTerminalJobs(ctx context.Context, owner string) ([]domain.Job, error) {
	return f.listJobs, nil
}

func (f *fakeCore) QueueStats(ctx context.Context) (store.Stats, error) {
	return f.stats, f.statsErr
}

func newTestHandlers(fc *fakeCore) *Handlers {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(fc, log)
}

func TestHealthCheck_ReturnsOK(t *testing.T) {
	h := newTestHandlers(&fakeCore{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	h.HealthCheck(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestScheduleCampaign_RejectsMissingOwnerHeader(t *testing.T) {
	h := newTestHandlers(&fakeCore{})
	body, _ := json.Marshal(scheduleRequest{Subject: "s", Body: "b", Recipients: []string{"a@example.com"}})
	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ScheduleCampaign(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScheduleCampaign_RejectsInvalidJSON(t *testing.T) {
	h := newTestHandlers(&fakeCore{})
	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader([]byte("{not json")))
	req.Header.Set(ownerHeader, "owner@example.com")
	rec := httptest.NewRecorder()
	h.ScheduleCampaign(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleCampaign_RejectsInvalidAttachmentBase64(t *testing.T) {
	h := newTestHandlers(&fakeCore{})
	body, _ := json.Marshal(scheduleRequest{
		Subject: "s", Body: "b", Recipients: []string{"a@example.com"},
		Attachments: []attachmentRequest{{Filename: "f.txt", ContentType: "text/plain", Bytes: "not-base64!!"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(body))
	req.Header.Set(ownerHeader, "owner@example.com")
	rec := httptest.NewRecorder()
	h.ScheduleCampaign(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleCampaign_MapsNoRecipientsToBadRequest(t *testing.T) {
	fc := &fakeCore{submitErr: scheduler.ErrNoRecipients}
	h := newTestHandlers(fc)
	body, _ := json.Marshal(scheduleRequest{Subject: "s", Body: "b", Recipients: nil})
	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(body))
	req.Header.Set(ownerHeader, "owner@example.com")
	rec := httptest.NewRecorder()
	h.ScheduleCampaign(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScheduleCampaign_ReturnsCreatedOnSuccess(t *testing.T) {
	fc := &fakeCore{campaign: &domain.Campaign{
		ID: "cmp_1", TotalCount: 2, Status: domain.CampaignScheduled,
	}}
	h := newTestHandlers(fc)

	attach := base64.StdEncoding.EncodeToString([]byte("hello"))
	body, _ := json.Marshal(scheduleRequest{
		Subject:     "s",
		Body:        "b",
		Recipients:  []string{"a@example.com", "b@example.com"},
		StartTime:   time.Now(),
		Attachments: []attachmentRequest{{Filename: "f.txt", ContentType: "text/plain", Bytes: attach}},
	})
	req := httptest.NewRequest(http.MethodPost, "/emails/schedule", bytes.NewReader(body))
	req.Header.Set(ownerHeader, "owner@example.com")
	rec := httptest.NewRecorder()
	h.ScheduleCampaign(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp scheduleResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "cmp_1", resp.ScheduleID)
	require.Equal(t, 2, resp.TotalEmails)
	require.Equal(t, "owner@example.com", fc.lastSubmit.Owner)
}

func TestListScheduled_RejectsMissingOwnerHeader(t *testing.T) {
	h := newTestHandlers(&fakeCore{})
	req := httptest.NewRequest(http.MethodGet, "/emails/scheduled", nil)
	rec := httptest.NewRecorder()
	h.ListScheduled(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListScheduled_ReturnsCampaigns(t *testing.T) {
	fc := &fakeCore{listCamps: []domain.Campaign{{ID: "cmp_1"}, {ID: "cmp_2"}}}
	h := newTestHandlers(fc)
	req := httptest.NewRequest(http.MethodGet, "/emails/scheduled", nil)
	req.Header.Set(ownerHeader, "owner@example.com")
	rec := httptest.NewRecorder()
	h.ListScheduled(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var camps []domain.Campaign
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &camps))
	require.Len(t, camps, 2)
}

func TestGetCampaign_NotFoundMapsTo404(t *testing.T) {
	fc := &fakeCore{campErr: store.ErrNotFound}
	h := newTestHandlers(fc)

	r := chi.NewRouter()
	r.Get("/emails/schedule/{id}", h.GetCampaign)
	req := httptest.NewRequest(http.MethodGet, "/emails/schedule/missing", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetCampaign_ReturnsCampaignWithJobs(t *testing.T) {
	fc := &fakeCore{
		campaign: &domain.Campaign{ID: "cmp_1", TotalCount: 1},
		jobs:     []domain.Job{{ID: "job_1", CampaignID: "cmp_1"}},
	}
	h := newTestHandlers(fc)

	r := chi.NewRouter()
	r.Get("/emails/schedule/{id}", h.GetCampaign)
	req := httptest.NewRequest(http.MethodGet, "/emails/schedule/cmp_1", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var detail campaignDetail
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &detail))
	require.Equal(t, "cmp_1", detail.ID)
	require.Len(t, detail.Jobs, 1)
}

func TestQueueStatus_ReturnsStats(t *testing.T) {
	fc := &fakeCore{stats: store.Stats{Waiting: 1, Completed: 3}}
	h := newTestHandlers(fc)
	req := httptest.NewRequest(http.MethodGet, "/emails/queue/status", nil)
	rec := httptest.NewRecorder()
	h.QueueStatus(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var stats store.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, int64(1), stats.Waiting)
	require.Equal(t, int64(3), stats.Completed)
}
