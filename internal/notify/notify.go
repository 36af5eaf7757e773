// Package notify fans batch events out to subscribers. Delivery is
// best-effort: ProgressUpdate events are dropped when a subscriber's buffer
// is full, every other event type blocks briefly so terminal events reach
// live subscribers. Publishes are serialized, which keeps delivery FIFO per
// (batch, event type) for each subscriber.
package notify

import (
	"sync"
	"sync/atomic"
	"time"

	"docsum/internal/logging"
)

// EventType identifies what happened.
type EventType string

const (
	EventProgressUpdate         EventType = "progress_update"
	EventStatusChange           EventType = "status_change"
	EventSegmentCompleted       EventType = "segment_completed"
	EventSegmentFailed          EventType = "segment_failed"
	EventBatchCompleted         EventType = "batch_completed"
	EventBatchFailed            EventType = "batch_failed"
	EventError                  EventType = "error"
	EventCancellationRequested  EventType = "cancellation_requested"
	EventCancellationCommitted  EventType = "cancellation_committed"
	EventPartialResultSaved     EventType = "partial_result_saved"
)

// Event is one notification on the stream.
type Event struct {
	BatchID   string      `json:"batch_id"`
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// deliveryTimeout bounds blocking sends for non-progress events so one dead
// subscriber cannot wedge the pipeline.
const deliveryTimeout = 1 * time.Second

type subscriber struct {
	id      int
	batchID string // "" subscribes to all batches
	ch      chan Event
	dropped atomic.Int64
	closed  bool
}

// Notifier is the fan-out hub.
type Notifier struct {
	mu      sync.Mutex
	nextID  int
	subs    map[int]*subscriber
	dropped atomic.Int64 // total drops across all subscribers
}

// NewNotifier creates an empty hub.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]*subscriber)}
}

// Subscribe registers a subscriber for one batch (or all batches when
// batchID is empty) and returns its event channel plus an unsubscribe
// function. The channel is closed on unsubscribe.
func (n *Notifier) Subscribe(batchID string, buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}

	n.mu.Lock()
	n.nextID++
	sub := &subscriber{
		id:      n.nextID,
		batchID: batchID,
		ch:      make(chan Event, buffer),
	}
	n.subs[sub.id] = sub
	n.mu.Unlock()

	unsubscribe := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if s, ok := n.subs[sub.id]; ok && !s.closed {
			s.closed = true
			delete(n.subs, sub.id)
			close(s.ch)
		}
	}
	return sub.ch, unsubscribe
}

// Publish delivers an event to every matching subscriber. ProgressUpdate
// uses a non-blocking send and counts drops; all other types wait up to
// deliveryTimeout per subscriber.
func (n *Notifier) Publish(batchID string, eventType EventType, payload interface{}) {
	event := Event{
		BatchID:   batchID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs {
		if sub.batchID != "" && sub.batchID != batchID {
			continue
		}
		if eventType == EventProgressUpdate {
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
				n.dropped.Add(1)
			}
			continue
		}

		select {
		case sub.ch <- event:
		default:
			timer := time.NewTimer(deliveryTimeout)
			select {
			case sub.ch <- event:
				timer.Stop()
			case <-timer.C:
				sub.dropped.Add(1)
				n.dropped.Add(1)
				logging.Get(logging.CategoryNotify).Warn(
					"dropped %s event for batch %s: subscriber %d not draining",
					eventType, batchID, sub.id)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (n *Notifier) SubscriberCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Dropped returns the total number of dropped events.
func (n *Notifier) Dropped() int64 {
	return n.dropped.Load()
}

// Close unsubscribes everyone.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, sub := range n.subs {
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
		delete(n.subs, id)
	}
}
