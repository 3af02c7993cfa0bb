// Package logstream is the fan-out hub for JobLogEntry messages: one
// input (every component's log sink) and N subscribers, each with a
// bounded buffer. A slow subscriber drops messages, never the
// pipeline — durable JobLogEntry rows (written separately through the
// repository) are the system of record; the stream is best-effort.
package logstream

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netraven/netraven/pkg/redact"
	"github.com/netraven/netraven/pkg/types"
)

// Subscriber is a channel that receives published JobLogEntry values.
type Subscriber chan types.JobLogEntry

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 256

// Hub distributes JobLogEntry messages to subscribers and, through
// Publisher implementations registered with AddPublisher, to any
// out-of-process transport (e.g. Redis).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	publishers  []Publisher
	filter      *redact.Filter
	entryCh     chan types.JobLogEntry
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// Publisher is an out-of-process log sink, e.g. Redis Pub/Sub.
type Publisher interface {
	Publish(entry types.JobLogEntry) error
}

// NewHub creates a Hub using filter to redact every entry before it is
// broadcast to subscribers and publishers.
func NewHub(filter *redact.Filter) *Hub {
	return &Hub{
		subscribers: make(map[Subscriber]struct{}),
		filter:      filter,
		entryCh:     make(chan types.JobLogEntry, 1024),
		stopCh:      make(chan struct{}),
	}
}

// AddPublisher registers an additional out-of-process publisher. Not
// safe to call concurrently with Start.
func (h *Hub) AddPublisher(p Publisher) {
	h.publishers = append(h.publishers, p)
}

// Start begins the hub's distribution loop.
func (h *Hub) Start() {
	go h.run()
}

// Stop stops the hub. Safe to call multiple times.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Subscribe returns a new bounded channel that receives every entry
// published after this call.
func (h *Hub) Subscribe() Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub := make(Subscriber, subscriberBuffer)
	h.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[sub]; ok {
		delete(h.subscribers, sub)
		close(sub)
	}
}

// SubscribeFiltered wraps Subscribe with a job-run filter, matching
// spec.md's "subscribers may filter by job_run_id" contract. The
// returned channel only ever receives entries for runID.
func (h *Hub) SubscribeFiltered(runID uuid.UUID) (<-chan types.JobLogEntry, func()) {
	raw := h.Subscribe()
	out := make(chan types.JobLogEntry, subscriberBuffer)
	done := make(chan struct{})
	go func() {
		defer close(out)
		for {
			select {
			case entry, ok := <-raw:
				if !ok {
					return
				}
				if entry.JobRunID == runID {
					select {
					case out <- entry:
					default:
					}
				}
			case <-done:
				return
			}
		}
	}()
	cancel := func() {
		close(done)
		h.Unsubscribe(raw)
	}
	return out, cancel
}

// Publish redacts and enqueues entry for distribution. Publish never
// blocks the caller on a full internal queue; a full queue means the
// hub itself is backed up and the entry is dropped, mirroring the
// documented best-effort delivery guarantee.
func (h *Hub) Publish(entry types.JobLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if h.filter != nil {
		entry.Message = h.filter.String(entry.Message)
		entry.Context = h.filter.Context(entry.Context)
	}
	select {
	case h.entryCh <- entry:
	default:
	}
}

func (h *Hub) run() {
	for {
		select {
		case entry := <-h.entryCh:
			h.broadcast(entry)
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) broadcast(entry types.JobLogEntry) {
	h.mu.RLock()
	for sub := range h.subscribers {
		select {
		case sub <- entry:
		default:
			// subscriber buffer full; drop for this subscriber only
		}
	}
	h.mu.RUnlock()

	for _, p := range h.publishers {
		_ = p.Publish(entry) // best-effort: a publisher outage must not stall the hub
	}
}

// SubscriberCount reports the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
