// Package deadletter implements the Dead-Letter Sink (spec §4.7):
// a Redis-backed list of permanently-failed jobs plus a rollup stats
// hash, grounded on original_source/app/services/dead_letter_queue.py.
package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rezkam/jobqueue/internal/domain"
)

const (
	listKey  = "jobqueue:dead_letter"
	statsKey = "jobqueue:dead_letter:stats"
)

// ErrNotFound is returned by RemoveOne when jobID is not present in
// the sink.
var ErrNotFound = fmt.Errorf("deadletter: %w", domain.ErrNotFound)

type Sink struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Sink {
	return &Sink{rdb: rdb}
}

// record is the JSON shape stored per list element; it mirrors
// domain.DeadLetterEntry but keeps its own wire shape so the Redis
// representation isn't coupled to field renames in the domain type.
type record struct {
	JobID           uuid.UUID       `json:"job_id"`
	Type            string          `json:"job_type"`
	ErrorMessage    string          `json:"error_message"`
	Attempts        int             `json:"attempts"`
	PayloadSnapshot json.RawMessage `json:"payload"`
	FailedAt        time.Time       `json:"failed_at"`
	AddedAt         time.Time       `json:"added_to_dlq_at"`
}

func toRecord(e domain.DeadLetterEntry) record {
	return record{
		JobID:           e.JobID,
		Type:            e.Type,
		ErrorMessage:    e.ErrorMessage,
		Attempts:        e.Attempts,
		PayloadSnapshot: e.PayloadSnapshot,
		FailedAt:        e.FailedAt,
		AddedAt:         e.AddedAt,
	}
}

func (r record) toDomain() domain.DeadLetterEntry {
	return domain.DeadLetterEntry{
		JobID:           r.JobID,
		Type:            r.Type,
		ErrorMessage:    r.ErrorMessage,
		Attempts:        r.Attempts,
		PayloadSnapshot: r.PayloadSnapshot,
		FailedAt:        r.FailedAt,
		AddedAt:         r.AddedAt,
	}
}

// Enqueue records a permanently-failed job, pushing it to the head of
// the list (so Recent's LRANGE 0..N naturally returns newest-first,
// matching the original's LPUSH convention) and bumping the rollup
// counters.
func (s *Sink) Enqueue(ctx context.Context, entry domain.DeadLetterEntry) error {
	raw, err := json.Marshal(toRecord(entry))
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, listKey, raw)
	pipe.HIncrBy(ctx, statsKey, "total_failed", 1)
	pipe.HIncrBy(ctx, statsKey, "failed_"+entry.Type, 1)
	pipe.HSet(ctx, statsKey, "last_failure", entry.FailedAt.UTC().Format(time.RFC3339))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to add job %s to dead-letter sink: %w", entry.JobID, err)
	}
	return nil
}

// List returns a page of entries in insertion order (oldest first),
// mirroring the original's plain offset/limit pagination over the
// list's tail end.
func (s *Sink) List(ctx context.Context, offset, limit int) ([]domain.DeadLetterEntry, error) {
	total, err := s.Count(ctx)
	if err != nil {
		return nil, err
	}
	// Oldest entries sit at the tail; translate offset/limit (counted
	// from oldest) into the head-relative indices LRANGE expects.
	stop := int64(total) - 1 - int64(offset)
	start := stop - int64(limit) + 1
	if stop < 0 || start > stop {
		return []domain.DeadLetterEntry{}, nil
	}

	recs, err := s.rangeDecode(ctx, start, stop)
	if err != nil {
		return nil, err
	}
	// recs come back newest-to-oldest within the window; reverse for
	// oldest-first page order.
	out := make([]domain.DeadLetterEntry, 0, len(recs))
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].toDomain())
	}
	return out, nil
}

// Recent returns the most recently added entries first (spec §C.4),
// i.e. straight from the head of the list.
func (s *Sink) Recent(ctx context.Context, limit int) ([]domain.DeadLetterEntry, error) {
	raws, err := s.rdb.LRange(ctx, listKey, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read recent dead-letter entries: %w", err)
	}
	out := make([]domain.DeadLetterEntry, 0, len(raws))
	for _, raw := range raws {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue // matches the original's "skip invalid JSON" tolerance
		}
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (s *Sink) rangeDecode(ctx context.Context, start, stop int64) ([]record, error) {
	if start < 0 {
		start = 0
	}
	raws, err := s.rdb.LRange(ctx, listKey, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead-letter entries: %w", err)
	}
	out := make([]record, 0, len(raws))
	for _, raw := range raws {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Count returns the total number of entries currently in the sink.
func (s *Sink) Count(ctx context.Context) (int, error) {
	n, err := s.rdb.LLen(ctx, listKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count dead-letter entries: %w", err)
	}
	return int(n), nil
}

// Stats is the rollup view of the stats hash, for the admin metrics
// surface.
type Stats struct {
	TotalFailed     int
	TotalJobs       int
	FailedByType    map[string]int
	LastFailureTime *time.Time
}

func (s *Sink) Stats(ctx context.Context) (Stats, error) {
	raw, err := s.rdb.HGetAll(ctx, statsKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("failed to read dead-letter stats: %w", err)
	}

	stats := Stats{FailedByType: make(map[string]int)}
	for k, v := range raw {
		switch {
		case k == "total_failed":
			fmt.Sscanf(v, "%d", &stats.TotalFailed)
		case k == "last_failure":
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				stats.LastFailureTime = &t
			}
		case len(k) > len("failed_"):
			var n int
			fmt.Sscanf(v, "%d", &n)
			stats.FailedByType[k[len("failed_"):]] = n
		}
	}

	total, err := s.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	stats.TotalJobs = total
	return stats, nil
}

// RemoveOne removes and returns the entry for jobID, for the
// retry-from-DLQ admin action (spec §4.7). Scans the full list, as
// the original implementation does; the sink is expected to stay
// small relative to the main job table.
func (s *Sink) RemoveOne(ctx context.Context, jobID uuid.UUID) (domain.DeadLetterEntry, error) {
	raws, err := s.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return domain.DeadLetterEntry{}, fmt.Errorf("failed to scan dead-letter sink: %w", err)
	}

	for _, raw := range raws {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		if r.JobID == jobID {
			if err := s.rdb.LRem(ctx, listKey, 1, raw).Err(); err != nil {
				return domain.DeadLetterEntry{}, fmt.Errorf("failed to remove job %s from dead-letter sink: %w", jobID, err)
			}
			return r.toDomain(), nil
		}
	}
	return domain.DeadLetterEntry{}, ErrNotFound
}

// Clear empties the sink, or only entries matching typeFilter when
// non-empty. Returns the number of entries removed.
func (s *Sink) Clear(ctx context.Context, typeFilter string) (int, error) {
	if typeFilter == "" {
		n, err := s.Count(ctx)
		if err != nil {
			return 0, err
		}
		pipe := s.rdb.TxPipeline()
		pipe.Del(ctx, listKey)
		pipe.Del(ctx, statsKey)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("failed to clear dead-letter sink: %w", err)
		}
		return n, nil
	}

	raws, err := s.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan dead-letter sink: %w", err)
	}

	removed := 0
	for _, raw := range raws {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		if r.Type == typeFilter {
			if err := s.rdb.LRem(ctx, listKey, 1, raw).Err(); err != nil {
				return removed, fmt.Errorf("failed to remove job %s from dead-letter sink: %w", r.JobID, err)
			}
			removed++
		}
	}
	return removed, nil
}
