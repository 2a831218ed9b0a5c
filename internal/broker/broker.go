// Package broker implements the in-process publish/subscribe dispatcher that
// coordinates the pipeline subsystems. Topics are dot-separated strings;
// subscription patterns may use "*" to match exactly one segment and a
// trailing "#" to match any remainder. The broker is not a durable queue:
// delivery is asynchronous per subscriber with a bounded buffer, and the
// oldest buffered message is dropped on overflow.
package broker

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Handler processes a delivered message. Handlers run on the subscriber's
// dispatch goroutine; a slow handler delays only its own subscription.
type Handler func(ctx context.Context, msg Message)

// DefaultSubscriberBuffer is used when no buffer size is configured
const DefaultSubscriberBuffer = 256

// Stats is a snapshot of broker counters
type Stats struct {
	Published   int64 `json:"published"`
	Delivered   int64 `json:"delivered"`
	Dropped     int64 `json:"dropped"`
	Subscribers int   `json:"subscribers"`
}

type subscription struct {
	id      string
	pattern []string
	handler Handler

	mu     sync.Mutex
	queue  chan Message
	closed bool
	done   chan struct{}
}

// Broker is the topic-keyed callback dispatcher
type Broker struct {
	mu      sync.RWMutex
	subs    map[string]*subscription
	buffer  int
	logger  *slog.Logger
	closed  bool
	wg      sync.WaitGroup
	baseCtx context.Context
	cancel  context.CancelFunc

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64

	publishedCtr metric.Int64Counter
	deliveredCtr metric.Int64Counter
	droppedCtr   metric.Int64Counter
}

// New creates a broker with the given per-subscriber buffer size
func New(buffer int, logger *slog.Logger) *Broker {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		subs:    make(map[string]*subscription),
		buffer:  buffer,
		logger:  logger.With(slog.String("component", "broker")),
		baseCtx: ctx,
		cancel:  cancel,
	}

	meter := otel.Meter("datapulse/broker")
	var err error
	if b.publishedCtr, err = meter.Int64Counter("broker.messages.published",
		metric.WithDescription("Messages accepted by the broker")); err != nil {
		b.logger.Warn("metric_instrument_failed", slog.String("error", err.Error()))
	}
	if b.deliveredCtr, err = meter.Int64Counter("broker.messages.delivered",
		metric.WithDescription("Messages handed to subscriber handlers")); err != nil {
		b.logger.Warn("metric_instrument_failed", slog.String("error", err.Error()))
	}
	if b.droppedCtr, err = meter.Int64Counter("broker.messages.dropped",
		metric.WithDescription("Messages dropped on subscriber queue overflow")); err != nil {
		b.logger.Warn("metric_instrument_failed", slog.String("error", err.Error()))
	}
	return b
}

// Subscribe registers a handler for every topic matching pattern and returns
// the subscription ID used for Unsubscribe.
func (b *Broker) Subscribe(pattern string, handler Handler) (string, error) {
	if handler == nil {
		return "", ErrNilHandler
	}
	if err := validatePattern(pattern); err != nil {
		return "", err
	}

	sub := &subscription{
		id:      uuid.New().String(),
		pattern: strings.Split(pattern, "."),
		handler: handler,
		queue:   make(chan Message, b.buffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.dispatch(sub)

	b.logger.Debug("subscription_added",
		slog.String("subscription_id", sub.id),
		slog.String("pattern", pattern))
	return sub.id, nil
}

// Unsubscribe removes a subscription. Buffered messages for the subscription
// are discarded.
func (b *Broker) Unsubscribe(id string) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Publish delivers the payload to every matching subscriber and returns the
// message that was published. Delivery is asynchronous; Publish never blocks
// on a slow subscriber.
func (b *Broker) Publish(ctx context.Context, topic string, payload map[string]any) Message {
	msg := NewMessage(topic, payload)
	b.published.Add(1)
	if b.publishedCtr != nil {
		b.publishedCtr.Add(ctx, 1)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return msg
	}

	for _, sub := range b.subs {
		if !matchTopic(sub.pattern, topic) {
			continue
		}
		if !sub.enqueue(msg) {
			b.dropped.Add(1)
			if b.droppedCtr != nil {
				b.droppedCtr.Add(ctx, 1)
			}
			b.logger.WarnContext(ctx, "message_dropped",
				slog.String("topic", topic),
				slog.String("subscription_id", sub.id))
		}
	}
	return msg
}

// Stats returns a snapshot of the broker counters
func (b *Broker) Stats() Stats {
	b.mu.RLock()
	n := len(b.subs)
	b.mu.RUnlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// Close stops all dispatchers and waits for in-flight handlers to return
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[string]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Broker) dispatch(sub *subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case msg, ok := <-sub.queue:
			if !ok {
				return
			}
			sub.handler(b.baseCtx, msg)
			b.delivered.Add(1)
			if b.deliveredCtr != nil {
				b.deliveredCtr.Add(b.baseCtx, 1)
			}
		}
	}
}

// enqueue adds the message to the subscription queue, dropping the oldest
// buffered message when the queue is full. Returns false when a drop occurred.
func (s *subscription) enqueue(msg Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.queue <- msg:
		return true
	default:
	}
	// Full: evict one, then retry. The dispatcher may have drained the queue
	// between the two selects, so the retry can still succeed cleanly.
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- msg:
	default:
	}
	return false
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// matchTopic reports whether the split pattern matches the topic
func matchTopic(pattern []string, topic string) bool {
	segments := strings.Split(topic, ".")
	for i, p := range pattern {
		if p == "#" {
			return i == len(pattern)-1
		}
		if i >= len(segments) {
			return false
		}
		if p != "*" && p != segments[i] {
			return false
		}
	}
	return len(pattern) == len(segments)
}

func validatePattern(pattern string) error {
	if pattern == "" {
		return ErrEmptyPattern
	}
	segments := strings.Split(pattern, ".")
	for i, s := range segments {
		if s == "" {
			return ErrEmptyPattern
		}
		if s == "#" && i != len(segments)-1 {
			return ErrInvalidPattern
		}
	}
	return nil
}
