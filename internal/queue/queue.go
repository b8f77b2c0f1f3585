// Package queue implements the Ready Queue and Resource Ledger (spec
// §4.2) on top of Redis: four priority-banded FIFO lists plus a hash of
// atomic allocation counters, grounded on original_source/app/services/redis_queue.py's
// WATCH/MULTI/EXEC optimistic-transaction pattern for the ledger
// check-and-deduct.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rezkam/jobqueue/internal/domain"
)

const (
	keyPrefix           = "jobqueue:"
	ledgerKey           = keyPrefix + "ledger"
	recentlyCompletedKey = keyPrefix + "recently_completed"
	recentlyCompletedTTL = 30 * time.Second

	maxWatchRetries = 8
)

func bandKey(p domain.JobPriority) string {
	return keyPrefix + "ready:" + string(p)
}

// entry is what actually sits in a priority band list: just enough of
// the Job to make an admission decision without a State Store
// round-trip on every dispatcher tick.
type entry struct {
	JobID    uuid.UUID `json:"job_id"`
	CPUUnits int       `json:"cpu_units"`
	MemoryMB int       `json:"memory_mb"`
}

// errNotAdmissible is a sentinel returned from inside a WATCH
// transaction to mean "ledger doesn't have room", distinct from a
// WATCH conflict (which is retried) or a genuine Redis error.
var errNotAdmissible = errors.New("queue: job not admissible against current ledger")

// ErrEmpty is returned by TryPopAdmissible when every band is empty or
// no band's head job fits the ledger.
var ErrEmpty = errors.New("queue: no admissible job")

// Queue is the Ready Queue + Resource Ledger.
type Queue struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// InitLedger sets the operator-configured maxima. Existing allocated_*
// counters are left untouched so a process restart doesn't lose track
// of jobs already RUNNING (those are reconciled separately by the
// startup orphan sweep, internal/store.FindOrphanedRunning).
func (q *Queue) InitLedger(ctx context.Context, maxCPU, maxMemory int) error {
	pipe := q.rdb.TxPipeline()
	pipe.HSetNX(ctx, ledgerKey, "allocated_cpu", 0)
	pipe.HSetNX(ctx, ledgerKey, "allocated_memory", 0)
	pipe.HSet(ctx, ledgerKey, "max_cpu", maxCPU)
	pipe.HSet(ctx, ledgerKey, "max_memory", maxMemory)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to init resource ledger: %w", err)
	}
	return nil
}

// Enqueue pushes job onto the tail of its priority band, preserving
// FIFO order within the band.
func (q *Queue) Enqueue(ctx context.Context, job *domain.Job) error {
	e := entry{JobID: job.ID, CPUUnits: job.ResourceRequirements.CPUUnits, MemoryMB: job.ResourceRequirements.MemoryMB}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal queue entry: %w", err)
	}
	if err := q.rdb.RPush(ctx, bandKey(job.Priority), raw).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

// TryPopAdmissible implements spec §4.2: scan bands highest-priority
// first, attempt an atomic check-and-deduct against the head of each
// non-empty band, and return the first job that fits. It does not
// itself block for the full spec "timeout" window; the dispatcher tick
// interval provides the retry cadence instead (see internal/dispatcher),
// so a miss here simply returns ErrEmpty for this tick.
func (q *Queue) TryPopAdmissible(ctx context.Context) (uuid.UUID, error) {
	for _, priority := range domain.AllPriorities {
		key := bandKey(priority)

		e, ok, err := q.peekHead(ctx, key)
		if err != nil {
			return uuid.Nil, err
		}
		if !ok {
			continue
		}

		admitted, err := q.admitAndPop(ctx, key, e)
		if err != nil {
			return uuid.Nil, err
		}
		if admitted {
			return e.JobID, nil
		}
		// Head doesn't fit: leave it at the head (we never popped it)
		// and fall through to the next, lower-priority band so a
		// smaller job isn't starved by one that's merely oversized for
		// right now.
	}
	return uuid.Nil, ErrEmpty
}

func (q *Queue) peekHead(ctx context.Context, key string) (entry, bool, error) {
	raw, err := q.rdb.LIndex(ctx, key, 0).Result()
	if errors.Is(err, redis.Nil) {
		return entry{}, false, nil
	}
	if err != nil {
		return entry{}, false, fmt.Errorf("failed to peek band %s: %w", key, err)
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entry{}, false, fmt.Errorf("failed to decode queue entry: %w", err)
	}
	return e, true, nil
}

// admitAndPop runs the ledger's check-and-deduct as a WATCH/MULTI/EXEC
// optimistic transaction: read current allocation, decide if e fits,
// and atomically increment the ledger and pop the band head in the
// same MULTI/EXEC. A WATCH conflict (another process changed the
// ledger mid-transaction) is retried up to maxWatchRetries times.
func (q *Queue) admitAndPop(ctx context.Context, key string, e entry) (bool, error) {
	for attempt := 0; attempt < maxWatchRetries; attempt++ {
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			vals, err := tx.HMGet(ctx, ledgerKey, "allocated_cpu", "allocated_memory", "max_cpu", "max_memory").Result()
			if err != nil {
				return fmt.Errorf("failed to read ledger: %w", err)
			}

			allocatedCPU := toInt(vals[0])
			allocatedMem := toInt(vals[1])
			maxCPU := toInt(vals[2])
			maxMem := toInt(vals[3])

			if allocatedCPU+e.CPUUnits > maxCPU || allocatedMem+e.MemoryMB > maxMem {
				return errNotAdmissible
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HIncrBy(ctx, ledgerKey, "allocated_cpu", int64(e.CPUUnits))
				pipe.HIncrBy(ctx, ledgerKey, "allocated_memory", int64(e.MemoryMB))
				pipe.LPop(ctx, key)
				return nil
			})
			return err
		}, ledgerKey)

		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, errNotAdmissible):
			return false, nil
		case errors.Is(err, redis.TxFailedErr):
			continue // optimistic conflict, retry
		default:
			return false, fmt.Errorf("failed to admit job %s: %w", e.JobID, err)
		}
	}
	return false, fmt.Errorf("failed to admit job %s: exceeded %d watch retries", e.JobID, maxWatchRetries)
}

// Release decrements the ledger by cpu/mem, saturating at zero so
// double-release during crash-recovery replays never drives the ledger
// negative.
func (q *Queue) Release(ctx context.Context, cpuUnits, memoryMB int) error {
	err := releaseScript.Run(ctx, q.rdb, []string{ledgerKey}, cpuUnits, memoryMB).Err()
	if err != nil {
		return fmt.Errorf("failed to release ledger allocation: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
local cpu = tonumber(redis.call('HGET', KEYS[1], 'allocated_cpu') or '0') - tonumber(ARGV[1])
local mem = tonumber(redis.call('HGET', KEYS[1], 'allocated_memory') or '0') - tonumber(ARGV[2])
if cpu < 0 then cpu = 0 end
if mem < 0 then mem = 0 end
redis.call('HSET', KEYS[1], 'allocated_cpu', cpu, 'allocated_memory', mem)
return redis.status_reply('OK')
`)

// LedgerSnapshot is a read-only view of the four ledger integers, for
// the admin metrics surface.
type LedgerSnapshot struct {
	AllocatedCPU    int
	AllocatedMemory int
	MaxCPU          int
	MaxMemory       int
}

func (q *Queue) Ledger(ctx context.Context) (LedgerSnapshot, error) {
	vals, err := q.rdb.HMGet(ctx, ledgerKey, "allocated_cpu", "allocated_memory", "max_cpu", "max_memory").Result()
	if err != nil {
		return LedgerSnapshot{}, fmt.Errorf("failed to read ledger snapshot: %w", err)
	}
	return LedgerSnapshot{
		AllocatedCPU:    toInt(vals[0]),
		AllocatedMemory: toInt(vals[1]),
		MaxCPU:          toInt(vals[2]),
		MaxMemory:       toInt(vals[3]),
	}, nil
}

// PublishRecentlyCompleted records jobID on the short-TTL
// recently-completed side channel described in spec §4.3's promotion
// rationale.
func (q *Queue) PublishRecentlyCompleted(ctx context.Context, jobID uuid.UUID) error {
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, recentlyCompletedKey, jobID.String())
	pipe.Expire(ctx, recentlyCompletedKey, recentlyCompletedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish recently-completed id: %w", err)
	}
	return nil
}

// DrainRecentlyCompleted atomically reads and clears the side channel,
// for the dispatcher's per-tick drain step.
func (q *Queue) DrainRecentlyCompleted(ctx context.Context) ([]uuid.UUID, error) {
	var ids []string
	pipe := q.rdb.TxPipeline()
	rangeCmd := pipe.LRange(ctx, recentlyCompletedKey, 0, -1)
	pipe.Del(ctx, recentlyCompletedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to drain recently-completed channel: %w", err)
	}
	ids = rangeCmd.Val()

	out := make([]uuid.UUID, 0, len(ids))
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func toInt(v any) int {
	s, _ := v.(string)
	var n int
	_, _ = fmt.Sscanf(s, "%d", &n)
	return n
}
