package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRouter_HealthIsReachable(t *testing.T) {
	r := NewRouter(newTestHandlers(&fakeCore{}))
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestNewRouter_ScheduleRouteIsRateLimited(t *testing.T) {
	r := NewRouter(newTestHandlers(&fakeCore{}))
	for i := 0; i < 21; i++ {
		req := httptest.NewRequest(http.MethodPost, "/emails/schedule", nil)
		req.RemoteAddr = "203.0.113.5:1234"
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if i == 20 {
			require.Equal(t, http.StatusTooManyRequests, rec.Code)
		}
	}
}

func TestNewRouter_QueueStatusIsReachable(t *testing.T) {
	r := NewRouter(newTestHandlers(&fakeCore{}))
	req := httptest.NewRequest(http.MethodGet, "/emails/queue/status", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}
