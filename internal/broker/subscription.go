package broker

import (
	"sync"

	"github.com/Tyrowin/roomchat/internal/events"
)

// Subscription is one registration with the Broker.
type Subscription struct {
	token  Token
	kind   events.Kind
	match  Predicate
	handle Handler
	queue  chan events.Event
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

type offerResult int

const (
	offerQueued offerResult = iota
	offerFull
	offerClosed
)

// Token returns the cancellation token.
func (s *Subscription) Token() Token { return s.token }

// Kind returns the subscribed event kind.
func (s *Subscription) Kind() events.Kind { return s.kind }

// Done is closed once the subscription stops receiving events.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription stopped, or nil while it is active.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// offer enqueues ev without blocking. The queue is never closed, so a
// concurrent stop cannot make the send panic.
func (s *Subscription) offer(ev events.Event) offerResult {
	select {
	case <-s.done:
		return offerClosed
	default:
	}

	select {
	case s.queue <- ev:
		return offerQueued
	case <-s.done:
		return offerClosed
	default:
		return offerFull
	}
}

// stop records reason and closes done exactly once.
func (s *Subscription) stop(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = reason
		s.mu.Unlock()
		close(s.done)
	})
}
