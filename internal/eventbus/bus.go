// Package eventbus implements the Event Bus (spec §4.8): an
// in-process publish/subscribe hub broadcasting job lifecycle events
// to live subscribers, with a WebSocket transport adapter grounded on
// jontk-slurm-client/pkg/streaming's WebSocketServer.
package eventbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType is the outer envelope discriminator (spec §6's real-time
// stream: job_update vs system_event).
type EventType string

const (
	EventTypeJobUpdate   EventType = "job_update"
	EventTypeSystemEvent EventType = "system_event"
)

// Event is the wire shape `{type, event, job_id?, data, timestamp}`
// from spec §4.8.
type Event struct {
	Type      EventType `json:"type"`
	Event     string    `json:"event"`
	JobID     *uuid.UUID `json:"job_id,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Lifecycle event names (spec §4.8, §6).
const (
	JobStarted        = "job_started"
	JobCompleted      = "job_completed"
	JobRetryScheduled = "job_retry_scheduled"
	JobFailed         = "job_failed"
)

// subscriberBuffer bounds how many events queue for a slow subscriber
// before it is dropped (spec §4.8: "a slow/dead subscriber is dropped
// rather than backpressuring the dispatcher").
const subscriberBuffer = 64

// Bus fans job lifecycle events out to subscribers. Publish never
// blocks on a subscriber: each subscriber has its own bounded channel,
// and a full channel causes that subscriber to be dropped rather than
// stalling the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[uint64]chan Event
	next uint64
}

func New() *Bus {
	return &Bus{subs: make(map[uint64]chan Event)}
}

// Subscription is a live subscriber's read-only event channel plus its
// handle for unsubscribing.
type Subscription struct {
	id     uint64
	Events <-chan Event
	bus    *Bus
}

func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	return &Subscription{id: id, Events: ch, bus: b}
}

func (b *Bus) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers event to every current subscriber, best-effort.
// Publish holds the bus lock while delivering, so events go out one at
// a time. Per-job ordering (spec §5) holds because a job's events are
// produced in sequence: job_started from the dispatcher tick, then its
// outcome event from that job's run goroutine once the run has ended.
func (b *Bus) Publish(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow to keep up: drop it rather than
			// block the dispatcher.
			delete(b.subs, id)
			close(ch)
		}
	}
}

// PublishJobUpdate is a convenience wrapper for the common case of a
// per-job lifecycle event.
func (b *Bus) PublishJobUpdate(event string, jobID uuid.UUID, data any, now time.Time) {
	b.Publish(Event{
		Type:      EventTypeJobUpdate,
		Event:     event,
		JobID:     &jobID,
		Data:      data,
		Timestamp: now,
	})
}

// PublishSystemEvent is for operational broadcasts with no single
// associated job (e.g. dispatcher startup/shutdown).
func (b *Bus) PublishSystemEvent(event string, data any, now time.Time) {
	b.Publish(Event{
		Type:      EventTypeSystemEvent,
		Event:     event,
		Data:      data,
		Timestamp: now,
	})
}
