// Package hub implements the typed topic-keyed pub/sub connecting venue
// adapters to client sessions.
package hub

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cryptodash/gateway/internal/model"
)

// DefaultCapacity bounds each subscriber's buffer.
const DefaultCapacity = 1024

// Envelope is one delivered event. Dropped reports how many events this
// subscriber missed immediately before it because its buffer overflowed.
type Envelope struct {
	Topic   Topic
	Message model.StreamMessage
	Dropped uint64
}

type subscriber struct {
	id      uuid.UUID
	ch      chan Envelope
	dropped atomic.Uint64
}

// Subscription is a handle to a per-topic or global subscription. Close
// releases the slot exactly once.
type Subscription struct {
	ID    uuid.UUID
	Topic Topic

	hub    *Hub
	sub    *subscriber
	global bool
	once   sync.Once
}

// C returns the receive endpoint. The channel is closed when the
// subscription is closed or the hub shuts down.
func (s *Subscription) C() <-chan Envelope { return s.sub.ch }

// Close releases the subscription slot.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.release(s) })
}

// Hub fans published events out to per-topic subscribers and to global
// firehose subscribers. Publish never blocks on a slow consumer: when a
// subscriber's buffer is full the oldest queued envelope is discarded and the
// loss is surfaced on the next delivered envelope.
type Hub struct {
	capacity int

	mu     sync.RWMutex
	topics map[string]map[uuid.UUID]*subscriber
	global map[uuid.UUID]*subscriber

	publishedCounter metric.Int64Counter
	droppedCounter   metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	fanoutHistogram  metric.Int64Histogram
}

// New constructs a hub with the default buffer capacity.
func New() *Hub {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity constructs a hub with a custom per-subscriber buffer.
func NewWithCapacity(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &Hub{
		capacity: capacity,
		topics:   make(map[string]map[uuid.UUID]*subscriber),
		global:   make(map[uuid.UUID]*subscriber),
	}

	meter := otel.Meter("hub")
	h.publishedCounter, _ = meter.Int64Counter("hub.events.published",
		metric.WithDescription("Number of events published to the hub"),
		metric.WithUnit("{event}"))
	h.droppedCounter, _ = meter.Int64Counter("hub.events.dropped",
		metric.WithDescription("Number of envelopes discarded due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	h.subscriberGauge, _ = meter.Int64UpDownCounter("hub.subscribers",
		metric.WithDescription("Number of active subscriptions"),
		metric.WithUnit("{subscriber}"))
	h.fanoutHistogram, _ = meter.Int64Histogram("hub.fanout.size",
		metric.WithDescription("Number of subscribers per publish"),
		metric.WithUnit("{subscriber}"))

	return h
}

// Publish delivers the message to every subscriber of the topic and to every
// global subscriber. It never blocks and cannot fail; publishing to a topic
// nobody watches is a no-op.
func (h *Hub) Publish(topic Topic, msg model.StreamMessage) {
	env := Envelope{Topic: topic, Message: msg}

	h.mu.RLock()
	n := 0
	for _, sub := range h.topics[topic.Key()] {
		h.deliver(sub, env)
		n++
	}
	for _, sub := range h.global {
		h.deliver(sub, env)
		n++
	}
	h.mu.RUnlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("topic", topic.Key()),
		attribute.String("exchange", string(topic.Exchange)))
	if h.publishedCounter != nil {
		h.publishedCounter.Add(ctx, 1, attrs)
	}
	if h.fanoutHistogram != nil {
		h.fanoutHistogram.Record(ctx, int64(n), attrs)
	}
}

// deliver enqueues without blocking. On overflow the oldest envelope is
// discarded and its loss is carried forward on the subscriber's drop counter.
func (h *Hub) deliver(sub *subscriber, env Envelope) {
	env.Dropped = sub.dropped.Swap(0)
	select {
	case sub.ch <- env:
		return
	default:
	}

	select {
	case old := <-sub.ch:
		sub.dropped.Add(old.Dropped + 1)
	default:
	}
	if h.droppedCounter != nil {
		h.droppedCounter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", env.Topic.Key())))
	}

	select {
	case sub.ch <- env:
	default:
		sub.dropped.Add(env.Dropped + 1)
	}
}

// Subscribe registers a subscriber for one topic, lazily creating the topic
// state on first use.
func (h *Hub) Subscribe(topic Topic) *Subscription {
	sub := &subscriber{id: uuid.New(), ch: make(chan Envelope, h.capacity)}

	key := topic.Key()
	h.mu.Lock()
	if h.topics[key] == nil {
		h.topics[key] = make(map[uuid.UUID]*subscriber)
	}
	h.topics[key][sub.id] = sub
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", key)))
	}
	return &Subscription{ID: sub.id, Topic: topic, hub: h, sub: sub}
}

// SubscribeAll registers a firehose subscriber observing every publish.
func (h *Hub) SubscribeAll() *Subscription {
	sub := &subscriber{id: uuid.New(), ch: make(chan Envelope, h.capacity)}

	h.mu.Lock()
	h.global[sub.id] = sub
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("topic", "*")))
	}
	return &Subscription{ID: sub.id, hub: h, sub: sub, global: true}
}

func (h *Hub) release(s *Subscription) {
	gaugeKey := "*"
	h.mu.Lock()
	if s.global {
		delete(h.global, s.sub.id)
	} else {
		key := s.Topic.Key()
		gaugeKey = key
		if subs := h.topics[key]; subs != nil {
			delete(subs, s.sub.id)
			if len(subs) == 0 {
				delete(h.topics, key)
			}
		}
	}
	close(s.sub.ch)
	h.mu.Unlock()

	if h.subscriberGauge != nil {
		h.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			attribute.String("topic", gaugeKey)))
	}
}

// SubscriberCount reports the number of per-topic subscribers.
func (h *Hub) SubscriberCount(topic Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic.Key()])
}

// GlobalSubscriberCount reports the number of firehose subscribers.
func (h *Hub) GlobalSubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.global)
}

// TopicCount reports the number of topics with at least one subscriber.
func (h *Hub) TopicCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics)
}
