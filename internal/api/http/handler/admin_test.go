package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobqueue/internal/deadletter"
	"github.com/rezkam/jobqueue/internal/domain"
)

func newTestAdminHandler(t *testing.T) (*AdminHandler, *fakeStore, *deadletter.Sink) {
	t.Helper()
	fs := newFakeStore()
	q := newTestQueue(t)
	mr := miniredis.RunT(t)
	dlq := deadletter.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return NewAdminHandler(fs, q, dlq, testLogger()), fs, dlq
}

func newAdminRouter(h *AdminHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/admin/dlq", h.ListDeadLetters)
	r.Get("/admin/dlq/stats", h.DeadLetterStats)
	r.Delete("/admin/dlq", h.ClearDeadLetters)
	r.Post("/admin/dlq/{jobId}/retry", h.RetryDeadLetter)
	r.Get("/admin/health", h.Health)
	r.Get("/admin/metrics", h.Metrics)
	return r
}

func TestMetrics_ComputesSuccessRate(t *testing.T) {
	h, fs, _ := newTestAdminHandler(t)
	r := newAdminRouter(h)

	fs.jobs[uuid.Must(uuid.NewV7())] = &domain.Job{Status: domain.StatusCompleted}
	fs.jobs[uuid.Must(uuid.NewV7())] = &domain.Job{Status: domain.StatusCompleted}
	fs.jobs[uuid.Must(uuid.NewV7())] = &domain.Job{Status: domain.StatusFailed}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp metricsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.InDelta(t, 66.67, resp.SuccessRatePct, 0.01)
}

func TestRetryDeadLetter_ReAdmitsAsNewJob(t *testing.T) {
	h, fs, dlq := newTestAdminHandler(t)
	r := newAdminRouter(h)

	jobID := uuid.Must(uuid.NewV7())
	require.NoError(t, dlq.Enqueue(context.Background(), domain.DeadLetterEntry{
		JobID:           jobID,
		Type:            "echo",
		ErrorMessage:    "boom",
		Attempts:        3,
		PayloadSnapshot: []byte(`{"x":1}`),
		FailedAt:        time.Now().UTC(),
		AddedAt:         time.Now().UTC(),
	}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/admin/dlq/"+jobID.String()+"/retry", nil))
	require.Equal(t, http.StatusCreated, w.Code)

	var job domain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.NotEqual(t, jobID, job.ID)
	require.Equal(t, "echo", job.Type)
	require.Equal(t, domain.StatusReady, fs.jobs[job.ID].Status)

	count, err := dlq.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestHealth_ReportsOK(t *testing.T) {
	h, _, _ := newTestAdminHandler(t)
	r := newAdminRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/admin/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
}
