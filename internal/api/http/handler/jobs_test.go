package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
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
	"github.com/rezkam/jobqueue/internal/dependency"
	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/eventbus"
	"github.com/rezkam/jobqueue/internal/queue"
	"github.com/rezkam/jobqueue/internal/store"
)

type fakeStore struct {
	jobs        map[uuid.UUID]*domain.Job
	byIdemKey   map[string]uuid.UUID
	logs        map[uuid.UUID][]*domain.JobLog
	createCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:      make(map[uuid.UUID]*domain.Job),
		byIdemKey: make(map[string]uuid.UUID),
		logs:      make(map[uuid.UUID][]*domain.JobLog),
	}
}

func (f *fakeStore) CreateJob(ctx context.Context, job *domain.Job) (bool, error) {
	f.createCalls++
	if job.IdempotencyKey != nil {
		if existing, ok := f.byIdemKey[*job.IdempotencyKey]; ok {
			_ = existing
			return false, nil
		}
		f.byIdemKey[*job.IdempotencyKey] = job.ID
	}
	f.jobs[job.ID] = job
	return true, nil
}
func (f *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return f.jobs[id], nil
}
func (f *fakeStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	id, ok := f.byIdemKey[key]
	if !ok {
		return nil, nil
	}
	return f.jobs[id], nil
}
func (f *fakeStore) ListJobs(ctx context.Context, filter store.ListFilter) ([]*domain.Job, int, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out, len(out), nil
}
func (f *fakeStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, patch store.StatusPatch) error {
	j, ok := f.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	j.Status = status
	return nil
}
func (f *fakeStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next domain.JobStatus, patch store.StatusPatch) (bool, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != expected {
		return false, nil
	}
	j.Status = next
	return true, nil
}
func (f *fakeStore) WouldCreateCycle(ctx context.Context, candidateChild uuid.UUID, proposedParents []uuid.UUID) (bool, error) {
	return false, nil
}
func (f *fakeStore) AddDependency(ctx context.Context, parent, child uuid.UUID) error { return nil }
func (f *fakeStore) ParentStatuses(ctx context.Context, jobID uuid.UUID) ([]domain.JobStatus, error) {
	return nil, nil
}
func (f *fakeStore) Children(ctx context.Context, parentID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (f *fakeStore) FindReadyBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeStore) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeStore) FindOrphanedRunning(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeStore) AppendLog(ctx context.Context, entry *domain.JobLog) error {
	f.logs[entry.JobID] = append(f.logs[entry.JobID], entry)
	return nil
}
func (f *fakeStore) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*domain.JobLog, error) {
	return f.logs[jobID], nil
}
func (f *fakeStore) AppendExecution(ctx context.Context, exec *domain.JobExecution) error {
	return nil
}
func (f *fakeStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	out := make(map[domain.JobStatus]int)
	for _, j := range f.jobs {
		out[j.Status]++
	}
	return out, nil
}
func (f *fakeStore) PositionInQueue(ctx context.Context, jobID uuid.UUID) (int, error) {
	return 1, nil
}
func (f *fakeStore) Close() {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.New(rdb)
	require.NoError(t, q.InitLedger(context.Background(), 8, 4096))
	return q
}

func newTestHandler(t *testing.T) (*JobHandler, *fakeStore, *queue.Queue) {
	t.Helper()
	fs := newFakeStore()
	q := newTestQueue(t)
	resolver := dependency.New(fs, q)
	mr := miniredis.RunT(t)
	dlq := deadletter.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	bus := eventbus.New()
	return NewJobHandler(fs, q, resolver, dlq, bus, testLogger()), fs, q
}

func newRouter(h *JobHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/jobs", h.Create)
	r.Get("/jobs", h.List)
	r.Get("/jobs/{id}", h.Get)
	r.Patch("/jobs/{id}/cancel", h.Cancel)
	r.Get("/jobs/{id}/logs", h.Logs)
	return r
}

func TestCreate_AdmitsJobWithNoDependencies(t *testing.T) {
	h, fs, q := newTestHandler(t)
	r := newRouter(h)

	body := `{"type":"echo","timeout_seconds":30}`
	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusCreated, w.Code)

	var job domain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, domain.StatusReady, job.Status)
	require.Equal(t, domain.StatusReady, fs.jobs[job.ID].Status)

	id, err := q.TryPopAdmissible(context.Background())
	require.NoError(t, err)
	require.Equal(t, job.ID, id)
}

func TestCreate_RejectsInvalidSpec(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newRouter(h)

	req := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(`{"timeout_seconds":30}`))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreate_IdempotencyKeyReturnsExistingJob(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newRouter(h)

	body := `{"type":"echo","timeout_seconds":30,"idempotency_key":"abc"}`

	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, w1.Code)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusOK, w2.Code)

	var job1, job2 domain.Job
	require.NoError(t, json.Unmarshal(w1.Body.Bytes(), &job1))
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &job2))
	require.Equal(t, job1.ID, job2.ID)
}

func TestCreate_BlocksOnUnsatisfiedDependency(t *testing.T) {
	h, fs, _ := newTestHandler(t)
	r := newRouter(h)

	parent := &domain.Job{ID: uuid.Must(uuid.NewV7()), Status: domain.StatusRunning}
	fs.jobs[parent.ID] = parent

	body := `{"type":"echo","timeout_seconds":30,"depends_on":["` + parent.ID.String() + `"]}`
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewBufferString(body)))
	require.Equal(t, http.StatusCreated, w.Code)

	var job domain.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	require.Equal(t, domain.StatusBlocked, job.Status)
}

func TestGet_ReturnsNotFoundForUnknownID(t *testing.T) {
	h, _, _ := newTestHandler(t)
	r := newRouter(h)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/"+uuid.Must(uuid.NewV7()).String(), nil))
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancel_RejectsTerminalJob(t *testing.T) {
	h, fs, _ := newTestHandler(t)
	r := newRouter(h)

	job := &domain.Job{ID: uuid.Must(uuid.NewV7()), Status: domain.StatusCompleted}
	fs.jobs[job.ID] = job

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/jobs/"+job.ID.String()+"/cancel", nil))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancel_SucceedsForPendingJob(t *testing.T) {
	h, fs, _ := newTestHandler(t)
	r := newRouter(h)

	job := &domain.Job{ID: uuid.Must(uuid.NewV7()), Status: domain.StatusPending}
	fs.jobs[job.ID] = job

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPatch, "/jobs/"+job.ID.String()+"/cancel", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, domain.StatusCancelled, fs.jobs[job.ID].Status)
}

func TestLogs_ReturnsNewestFirst(t *testing.T) {
	h, fs, _ := newTestHandler(t)
	r := newRouter(h)

	job := &domain.Job{ID: uuid.Must(uuid.NewV7()), Status: domain.StatusRunning}
	fs.jobs[job.ID] = job
	fs.logs[job.ID] = []*domain.JobLog{
		{ID: uuid.Must(uuid.NewV7()), JobID: job.ID, Message: "first", Timestamp: time.Now().Add(-time.Minute)},
		{ID: uuid.Must(uuid.NewV7()), JobID: job.ID, Message: "second", Timestamp: time.Now()},
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/"+job.ID.String()+"/logs", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var logs []domain.JobLog
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
	require.Equal(t, "second", logs[0].Message)
}
