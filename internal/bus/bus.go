// Package bus is the in-process EventBus (C4): pub/sub keyed by execution
// id, delivering ordered state-change events to subscribers with
// per-subscriber backpressure.
package bus

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/basket/browserwf/internal/model"
)

const defaultQueueDepth = 256

// Event is one message published on the bus.
type Event struct {
	Topic string
	Data  model.ExecutionEvent
}

// ExecutionTopic returns the topic an execution's events are published
// under. Subscribers key their prefix to one execution; an empty prefix
// subscribes to every execution.
func ExecutionTopic(executionID string) string {
	return "execution." + executionID
}

// Subscription is an active subscription returned by Subscribe.
type Subscription struct {
	id     int
	prefix string
	queue  *subscriberQueue
}

// Next blocks until an event is available, the subscription is closed, or
// ctx is done. ok is false once no further events will arrive.
func (s *Subscription) Next(ctx context.Context) (Event, bool) {
	return s.queue.next(ctx)
}

// subscriberQueue is a bounded FIFO that, unlike a plain buffered channel,
// can selectively evict a queued non-terminal event to make room rather
// than dropping whichever event arrives when the queue is full.
type subscriberQueue struct {
	mu       sync.Mutex
	events   []Event
	maxDepth int
	notify   chan struct{}
	closed   bool
}

func newSubscriberQueue(maxDepth int) *subscriberQueue {
	return &subscriberQueue{maxDepth: maxDepth, notify: make(chan struct{}, 1)}
}

// enqueue appends e, evicting the oldest non-terminal queued event first
// if the queue is already at capacity. It returns false if e itself had to
// be dropped (only possible when every queued event, including e, is
// terminal and the queue remains full).
func (q *subscriberQueue) enqueue(e Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if len(q.events) >= q.maxDepth {
		evicted := false
		for i, queued := range q.events {
			if !queued.Data.Kind.IsTerminal() {
				q.events = append(q.events[:i], q.events[i+1:]...)
				evicted = true
				break
			}
		}
		if !evicted && !e.Data.Kind.IsTerminal() {
			q.mu.Unlock()
			return false
		}
	}
	q.events = append(q.events, e)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

func (q *subscriberQueue) next(ctx context.Context) (Event, bool) {
	for {
		q.mu.Lock()
		if len(q.events) > 0 {
			e := q.events[0]
			q.events = q.events[1:]
			q.mu.Unlock()
			return e, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Event{}, false
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

func (q *subscriberQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Bus is the in-process pub/sub EventBus with topic-prefix matching.
type Bus struct {
	mu            sync.RWMutex
	subs          map[int]*Subscription
	nextID        int
	logger        *slog.Logger
	queueDepth    int
	droppedEvents atomic.Int64
}

// New creates a Bus with the default subscriber queue depth.
func New() *Bus {
	return NewWithOptions(nil, defaultQueueDepth)
}

// NewWithOptions creates a Bus with an optional logger and a configured
// per-subscriber queue depth (event_subscriber_queue_depth).
func NewWithOptions(logger *slog.Logger, queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = defaultQueueDepth
	}
	return &Bus{
		subs:       make(map[int]*Subscription),
		logger:     logger,
		queueDepth: queueDepth,
	}
}

// Subscribe creates a subscription for events whose topic has the given
// prefix. An empty prefix matches every topic.
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		queue:  newSubscriberQueue(b.queueDepth),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its queue. No further
// events are delivered to it after this call returns.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		sub.queue.close()
	}
}

// Publish sends an event to every matching subscriber. Delivery is
// non-blocking from the publisher's perspective: a full subscriber queue
// evicts its oldest non-terminal event rather than blocking the
// publisher, and terminal events are never dropped.
func (b *Bus) Publish(executionID string, data model.ExecutionEvent) {
	event := Event{Topic: ExecutionTopic(executionID), Data: data}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(event.Topic, sub.prefix) {
			continue
		}
		if !sub.queue.enqueue(event) {
			newCount := b.droppedEvents.Add(1)
			if b.logger != nil {
				b.logger.Warn("bus_event_dropped",
					slog.String("topic", event.Topic),
					slog.String("kind", string(data.Kind)),
					slog.Int64("total_dropped", newCount),
				)
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of non-terminal events
// dropped across all subscribers due to full queues.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}
