package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/rezkam/jobqueue/internal/domain"
)

func newTestSink(t *testing.T) *Sink {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb)
}

func entry(jobType string) domain.DeadLetterEntry {
	return domain.DeadLetterEntry{
		JobID:        uuid.Must(uuid.NewV7()),
		Type:         jobType,
		ErrorMessage: "boom",
		Attempts:     3,
		FailedAt:     time.Now().UTC(),
		AddedAt:      time.Now().UTC(),
	}
}

func TestSink_EnqueueUpdatesStats(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	require.NoError(t, s.Enqueue(ctx, entry("email")))
	require.NoError(t, s.Enqueue(ctx, entry("email")))
	require.NoError(t, s.Enqueue(ctx, entry("report")))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalFailed)
	require.Equal(t, 3, stats.TotalJobs)
	require.Equal(t, 2, stats.FailedByType["email"])
	require.Equal(t, 1, stats.FailedByType["report"])
	require.NotNil(t, stats.LastFailureTime)
}

func TestSink_RecentReturnsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	first := entry("a")
	second := entry("b")
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, second))

	recent, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	require.Equal(t, second.JobID, recent[0].JobID)
	require.Equal(t, first.JobID, recent[1].JobID)
}

func TestSink_ListReturnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	first := entry("a")
	second := entry("b")
	require.NoError(t, s.Enqueue(ctx, first))
	require.NoError(t, s.Enqueue(ctx, second))

	page, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, first.JobID, page[0].JobID)
	require.Equal(t, second.JobID, page[1].JobID)
}

func TestSink_RemoveOne(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	e := entry("a")
	require.NoError(t, s.Enqueue(ctx, e))

	removed, err := s.RemoveOne(ctx, e.JobID)
	require.NoError(t, err)
	require.Equal(t, e.JobID, removed.JobID)

	_, err = s.RemoveOne(ctx, e.JobID)
	require.ErrorIs(t, err, ErrNotFound)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestSink_ClearByType(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	require.NoError(t, s.Enqueue(ctx, entry("a")))
	require.NoError(t, s.Enqueue(ctx, entry("a")))
	require.NoError(t, s.Enqueue(ctx, entry("b")))

	removed, err := s.Clear(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestSink_ClearAll(t *testing.T) {
	ctx := context.Background()
	s := newTestSink(t)

	require.NoError(t, s.Enqueue(ctx, entry("a")))
	require.NoError(t, s.Enqueue(ctx, entry("b")))

	removed, err := s.Clear(ctx, "")
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.TotalFailed)
	require.Equal(t, 0, stats.TotalJobs)
}
