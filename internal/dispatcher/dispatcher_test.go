package dispatcher

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobqueue/internal/deadletter"
	"github.com/rezkam/jobqueue/internal/dependency"
	"github.com/rezkam/jobqueue/internal/domain"
	"github.com/rezkam/jobqueue/internal/eventbus"
	"github.com/rezkam/jobqueue/internal/queue"
	"github.com/rezkam/jobqueue/internal/store"
	"github.com/rezkam/jobqueue/internal/workerpool"
)

// fakeStore is a minimal in-memory store.Store, mirroring the one in
// internal/dependency's test suite, sized to what the dispatcher's
// tick logic actually exercises.
type fakeStore struct {
	jobs     map[uuid.UUID]*domain.Job
	children map[uuid.UUID][]uuid.UUID
	parents  map[uuid.UUID][]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[uuid.UUID]*domain.Job),
		children: make(map[uuid.UUID][]uuid.UUID),
		parents:  make(map[uuid.UUID][]uuid.UUID),
	}
}

func (f *fakeStore) put(j *domain.Job) *domain.Job {
	f.jobs[j.ID] = j
	return j
}

func (f *fakeStore) GetJob(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	return f.jobs[id], nil
}
func (f *fakeStore) ParentStatuses(ctx context.Context, id uuid.UUID) ([]domain.JobStatus, error) {
	var out []domain.JobStatus
	for _, p := range f.parents[id] {
		out = append(out, f.jobs[p].Status)
	}
	return out, nil
}
func (f *fakeStore) Children(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error) {
	return f.children[id], nil
}
func (f *fakeStore) SetStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, patch store.StatusPatch) error {
	j := f.jobs[id]
	j.Status = status
	if patch.CurrentAttempt != nil {
		j.CurrentAttempt = *patch.CurrentAttempt
	}
	if patch.NextRetryAt != nil {
		j.NextRetryAt = patch.NextRetryAt
	}
	if patch.ErrorMessage != nil {
		j.ErrorMessage = patch.ErrorMessage
	}
	if patch.Result != nil {
		j.Result = patch.Result
	}
	return nil
}
func (f *fakeStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next domain.JobStatus, patch store.StatusPatch) (bool, error) {
	if f.jobs[id].Status != expected {
		return false, nil
	}
	return true, f.SetStatus(ctx, id, next, patch)
}
func (f *fakeStore) WouldCreateCycle(ctx context.Context, candidateChild uuid.UUID, proposedParents []uuid.UUID) (bool, error) {
	return false, nil
}
func (f *fakeStore) CreateJob(ctx context.Context, j *domain.Job) (bool, error) { return true, nil }
func (f *fakeStore) GetJobByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeStore) ListJobs(ctx context.Context, filter store.ListFilter) ([]*domain.Job, int, error) {
	return nil, 0, nil
}
func (f *fakeStore) AddDependency(ctx context.Context, parent, child uuid.UUID) error { return nil }
func (f *fakeStore) FindReadyBatch(ctx context.Context, limit int) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeStore) FindDueRetries(ctx context.Context, now time.Time, limit int) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.Status == domain.StatusPending && j.NextRetryAt != nil && !j.NextRetryAt.After(now) {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeStore) FindOrphanedRunning(ctx context.Context, now time.Time) ([]*domain.Job, error) {
	var out []*domain.Job
	for _, j := range f.jobs {
		if j.Status != domain.StatusRunning || j.StartedAt == nil {
			continue
		}
		deadline := j.StartedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)
		if deadline.Before(now) {
			out = append(out, j)
		}
	}
	return out, nil
}
func (f *fakeStore) AppendLog(ctx context.Context, log *domain.JobLog) error { return nil }
func (f *fakeStore) ListLogs(ctx context.Context, jobID uuid.UUID) ([]*domain.JobLog, error) {
	return nil, nil
}
func (f *fakeStore) AppendExecution(ctx context.Context, exec *domain.JobExecution) error {
	return nil
}
func (f *fakeStore) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	return nil, nil
}
func (f *fakeStore) PositionInQueue(ctx context.Context, jobID uuid.UUID) (int, error) {
	return 0, nil
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
	return queue.New(rdb)
}

func newTestDLQ(t *testing.T) *deadletter.Sink {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return deadletter.New(rdb)
}

func newJob(status domain.JobStatus) *domain.Job {
	now := time.Now().UTC()
	return &domain.Job{
		ID:                   uuid.Must(uuid.NewV7()),
		Type:                 "echo",
		Status:               status,
		Priority:             domain.PriorityNormal,
		ResourceRequirements: domain.ResourceRequirements{CPUUnits: 1, MemoryMB: 64},
		TimeoutSeconds:       5,
		MaxAttempts:          3,
		CurrentAttempt:       0,
		BackoffMultiplier:    2.0,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
}

func newDispatcher(t *testing.T, fs *fakeStore, registry *workerpool.Registry) (*Dispatcher, *queue.Queue, *deadletter.Sink) {
	t.Helper()
	q := newTestQueue(t)
	require.NoError(t, q.InitLedger(context.Background(), 8, 4096))
	dlq := newTestDLQ(t)
	bus := eventbus.New()
	resolver := dependency.New(fs, q)
	pool := workerpool.New(registry, 4, "worker-test", testLogger())
	d := New(fs, q, resolver, pool, dlq, bus, 4, testLogger())
	return d, q, dlq
}

func TestDispatcher_HandleOutcome_SuccessCompletesAndReleasesLedger(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	job := fs.put(newJob(domain.StatusRunning))

	registry := workerpool.NewRegistry(nil)
	d, q, _ := newDispatcher(t, fs, registry)

	require.NoError(t, d.handleOutcome(ctx, job, domain.SuccessOutcome([]byte(`{"ok":true}`))))

	require.Equal(t, domain.StatusCompleted, fs.jobs[job.ID].Status)
	snap, err := q.Ledger(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, snap.AllocatedCPU)
}

func TestDispatcher_HandleOutcome_FailureWithAttemptsRemainingReschedules(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	job := fs.put(newJob(domain.StatusRunning))
	job.MaxAttempts = 3
	job.CurrentAttempt = 0

	registry := workerpool.NewRegistry(nil)
	d, _, _ := newDispatcher(t, fs, registry)

	require.NoError(t, d.handleOutcome(ctx, job, domain.FailureOutcome("boom", "")))

	updated := fs.jobs[job.ID]
	require.Equal(t, domain.StatusPending, updated.Status)
	require.Equal(t, 1, updated.CurrentAttempt)
	require.NotNil(t, updated.NextRetryAt)
	require.True(t, updated.NextRetryAt.After(time.Now().UTC()))
}

func TestDispatcher_HandleOutcome_ExhaustedFailureGoesToDeadLetterAndCascades(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	parent := fs.put(newJob(domain.StatusRunning))
	parent.MaxAttempts = 1
	parent.CurrentAttempt = 0

	child := fs.put(newJob(domain.StatusBlocked))
	fs.children[parent.ID] = []uuid.UUID{child.ID}
	fs.parents[child.ID] = []uuid.UUID{parent.ID}

	registry := workerpool.NewRegistry(nil)
	d, _, dlq := newDispatcher(t, fs, registry)

	require.NoError(t, d.handleOutcome(ctx, parent, domain.FailureOutcome("permanent boom", "")))

	require.Equal(t, domain.StatusFailed, fs.jobs[parent.ID].Status)
	require.Equal(t, domain.StatusFailed, fs.jobs[child.ID].Status)

	count, err := dlq.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestDispatcher_AdmitReadyWork_PopsAndRunsToCompletion(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()
	job := fs.put(newJob(domain.StatusReady))

	registry := workerpool.NewRegistry(nil)
	registry.Register("echo", func(ctx context.Context, job *domain.Job) ([]byte, error) {
		return []byte(`{"done":true}`), nil
	})
	d, q, _ := newDispatcher(t, fs, registry)
	require.NoError(t, q.Enqueue(ctx, job))

	d.admitReadyWork(ctx)

	require.Eventually(t, func() bool {
		return fs.jobs[job.ID].Status == domain.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDispatcher_Reconcile_ResetsOrphanedRunningToPending(t *testing.T) {
	ctx := context.Background()
	fs := newFakeStore()

	// pastDeadline started an hour ago with a 5s timeout: its deadline
	// has long passed, so it's an orphan left behind by a crashed
	// process and Reconcile must reset it.
	pastDeadline := fs.put(newJob(domain.StatusRunning))
	pastDeadline.CurrentAttempt = 1
	pastDeadline.TimeoutSeconds = 5
	pastStart := time.Now().UTC().Add(-1 * time.Hour)
	pastDeadline.StartedAt = &pastStart

	// stillLive started just now with a generous timeout: spec §5/§9
	// design for multiple processes sharing one store means this could
	// genuinely be in flight in a sibling process, so Reconcile must
	// leave it alone.
	stillLive := fs.put(newJob(domain.StatusRunning))
	stillLive.TimeoutSeconds = 3600
	liveStart := time.Now().UTC()
	stillLive.StartedAt = &liveStart

	registry := workerpool.NewRegistry(nil)
	d, _, _ := newDispatcher(t, fs, registry)

	require.NoError(t, d.Reconcile(ctx))

	require.Equal(t, domain.StatusPending, fs.jobs[pastDeadline.ID].Status)
	require.Equal(t, 1, fs.jobs[pastDeadline.ID].CurrentAttempt)

	require.Equal(t, domain.StatusRunning, fs.jobs[stillLive.ID].Status)
}
