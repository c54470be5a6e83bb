// Package broker implements the in-process publish/subscribe hub that fans
// chat events out to room-scoped subscribers.
//
// Each subscription owns a bounded queue drained by its own worker
// goroutine, so a slow subscriber never blocks Publish or its peers. A
// subscriber whose queue is full is evicted rather than allowed to fall
// behind silently; its Done channel closes and Err reports
// ErrSlowSubscriber.
package broker

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// DefaultQueueSize is the per-subscriber queue capacity.
const DefaultQueueSize = 256

var (
	// ErrClosed is returned by Subscribe after Close and reported by
	// subscriptions that were active when the broker closed.
	ErrClosed = errors.New("broker: closed")
	// ErrUnsubscribed is reported by a subscription removed via Unsubscribe.
	ErrUnsubscribed = errors.New("broker: unsubscribed")
	// ErrSlowSubscriber is reported by a subscription evicted because its
	// queue overflowed.
	ErrSlowSubscriber = errors.New("broker: subscriber queue overflow")
)

// Token identifies a subscription for cancellation.
type Token string

// Predicate decides whether a subscriber wants an event.
type Predicate func(events.Event) bool

// Handler receives delivered events. A returned error is logged and
// counted; it does not affect other subscribers.
type Handler func(events.Event) error

// RoomFilter matches events routed to room.
func RoomFilter(room string) Predicate {
	return func(e events.Event) bool {
		return e.Room == room
	}
}

// Config holds broker settings.
type Config struct {
	QueueSize int
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Broker routes published events to matching subscribers.
type Broker struct {
	mu        sync.RWMutex
	subs      map[events.Kind][]*Subscription
	byToken   map[Token]*Subscription
	closed    bool
	queueSize int
	logger    zerolog.Logger
	now       func() time.Time
	wg        sync.WaitGroup
}

// New creates a Broker. Zero config values take defaults.
func New(cfg Config) *Broker {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broker{
		subs:      make(map[events.Kind][]*Subscription),
		byToken:   make(map[Token]*Subscription),
		queueSize: cfg.QueueSize,
		logger:    logging.Component(cfg.Logger, "broker"),
		now:       cfg.Now,
	}
}

// Subscribe registers handle for events of kind accepted by match. A nil
// match accepts every event of the kind. The returned subscription's
// Token cancels it.
func (b *Broker) Subscribe(kind events.Kind, match Predicate, handle Handler) (*Subscription, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("broker: subscribe to unknown kind %q", kind)
	}
	if handle == nil {
		return nil, errors.New("broker: nil handler")
	}
	if match == nil {
		match = func(events.Event) bool { return true }
	}

	s := &Subscription{
		token:  Token(uuid.NewString()),
		kind:   kind,
		match:  match,
		handle: handle,
		queue:  make(chan events.Event, b.queueSize),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.subs[kind] = append(b.subs[kind], s)
	b.byToken[s.token] = s
	b.wg.Add(1)
	b.mu.Unlock()

	metrics.ActiveSubscriptions.WithLabelValues(string(kind)).Inc()
	go b.run(s)

	b.logger.Debug().
		Str("token", string(s.token)).
		Str("kind", string(kind)).
		Msg("subscribed")
	return s, nil
}

// Unsubscribe removes the subscription. It is idempotent and safe to call
// concurrently with Publish; an event already queued may or may not be
// delivered, but the handler is never invoked after the worker observes
// the cancellation.
func (b *Broker) Unsubscribe(token Token) {
	b.mu.Lock()
	s, ok := b.byToken[token]
	if ok {
		b.removeLocked(s)
	}
	b.mu.Unlock()

	if ok {
		s.stop(ErrUnsubscribed)
		b.logger.Debug().Str("token", string(token)).Msg("unsubscribed")
	}
}

// Publish delivers payload to every current subscriber of kind whose
// predicate accepts it. Subscribers registered while Publish runs do not
// see the event. It returns the number of subscribers the event was
// queued for.
func (b *Broker) Publish(kind events.Kind, room string, payload any) int {
	ev := events.Event{Kind: kind, Room: room, Payload: payload, At: b.now()}

	b.mu.RLock()
	snapshot := slices.Clone(b.subs[kind])
	b.mu.RUnlock()

	metrics.EventsPublished.WithLabelValues(string(kind)).Inc()

	queued := 0
	for _, s := range snapshot {
		if !b.matches(s, ev) {
			continue
		}
		switch s.offer(ev) {
		case offerQueued:
			queued++
		case offerFull:
			metrics.EventsDropped.WithLabelValues(string(kind), "queue_full").Inc()
			b.evict(s)
		case offerClosed:
			metrics.EventsDropped.WithLabelValues(string(kind), "closed").Inc()
		}
	}

	b.logger.Debug().
		Str("kind", string(kind)).
		Str("room", room).
		Int("subscribers", len(snapshot)).
		Int("queued", queued).
		Msg("published")
	return queued
}

// SubscriberCount returns the number of active subscriptions for kind.
func (b *Broker) SubscriberCount(kind events.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// Close cancels every subscription and waits for their workers to exit,
// or for ctx to expire.
func (b *Broker) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	active := make([]*Subscription, 0, len(b.byToken))
	for _, s := range b.byToken {
		active = append(active, s)
	}
	for _, s := range active {
		b.removeLocked(s)
	}
	b.mu.Unlock()

	for _, s := range active {
		s.stop(ErrClosed)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info().Int("subscriptions", len(active)).Msg("broker closed")
		return nil
	case <-ctx.Done():
		b.logger.Warn().Msg("broker close timed out waiting for subscriber workers")
		return ctx.Err()
	}
}

// matches evaluates the predicate, treating a panic as a non-match.
func (b *Broker) matches(s *Subscription, ev events.Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackFailures.WithLabelValues(string(ev.Kind)).Inc()
			b.logger.Error().
				Str("token", string(s.token)).
				Interface("panic", r).
				Msg("predicate panicked")
			ok = false
		}
	}()
	return s.match(ev)
}

func (b *Broker) evict(s *Subscription) {
	b.mu.Lock()
	_, ok := b.byToken[s.token]
	if ok {
		b.removeLocked(s)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	s.stop(ErrSlowSubscriber)
	metrics.SubscriberEvictions.WithLabelValues(string(s.kind)).Inc()
	b.logger.Warn().
		Str("token", string(s.token)).
		Str("kind", string(s.kind)).
		Int("queue_size", b.queueSize).
		Msg("subscriber evicted due to full queue")
}

// removeLocked drops s from the registry. Callers hold b.mu.
func (b *Broker) removeLocked(s *Subscription) {
	delete(b.byToken, s.token)
	b.subs[s.kind] = slices.DeleteFunc(b.subs[s.kind], func(x *Subscription) bool { return x == s })
	if len(b.subs[s.kind]) == 0 {
		delete(b.subs, s.kind)
	}
	metrics.ActiveSubscriptions.WithLabelValues(string(s.kind)).Dec()
}

// run drains the subscription queue until the subscription stops.
func (b *Broker) run(s *Subscription) {
	defer b.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case ev := <-s.queue:
			select {
			case <-s.done:
				return
			default:
			}
			b.deliver(s, ev)
		}
	}
}

// deliver invokes the handler, isolating errors and panics.
func (b *Broker) deliver(s *Subscription, ev events.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackFailures.WithLabelValues(string(ev.Kind)).Inc()
			b.logger.Error().
				Str("token", string(s.token)).
				Str("kind", string(ev.Kind)).
				Interface("panic", r).
				Msg("subscriber callback panicked")
		}
	}()

	if err := s.handle(ev); err != nil {
		metrics.CallbackFailures.WithLabelValues(string(ev.Kind)).Inc()
		b.logger.Warn().
			Err(err).
			Str("token", string(s.token)).
			Str("kind", string(ev.Kind)).
			Msg("subscriber callback failed")
		return
	}
	metrics.EventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
}
