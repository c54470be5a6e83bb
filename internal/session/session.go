// Package session binds one client delivery channel to one broker
// subscription.
//
// A Session is opened for a known user, a room and an event kind. Every
// event the broker delivers for that room is forwarded to the Sink in
// delivery order. Close is idempotent and, once it returns, the Sink is
// never called again. A Session also closes itself when its context is
// cancelled, when the broker evicts it as a slow subscriber, or when the
// Sink reports an error.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// DefaultStreamBuffer is the channel capacity used by OpenStream when none
// is given.
const DefaultStreamBuffer = 64

var (
	// ErrClosed is reported by a session closed through Close.
	ErrClosed = errors.New("session: closed")
	// ErrStreamFull is reported when an OpenStream consumer falls behind.
	ErrStreamFull = errors.New("session: stream buffer full")
)

// Sink receives the events of one session.
type Sink interface {
	Send(events.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(events.Event) error

// Send calls f(ev).
func (f SinkFunc) Send(ev events.Event) error { return f(ev) }

// UserLookup resolves user ids.
type UserLookup interface {
	Lookup(userID string) (chat.User, bool)
}

// Subscriber is the broker surface a Session needs.
type Subscriber interface {
	Subscribe(kind events.Kind, match broker.Predicate, handle broker.Handler) (*broker.Subscription, error)
	Unsubscribe(token broker.Token)
}

// Request describes what a session listens to. An empty Room means the
// user's current room.
type Request struct {
	UserID string
	Room   string
	Kind   events.Kind
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// Session is a live subscription bound to a sink.
type Session struct {
	user chat.User
	room string
	kind events.Kind
	sink Sink
	brk  Subscriber

	// mu serializes sink calls against close.
	mu     sync.Mutex
	sub    *broker.Subscription
	closed bool
	err    error

	once    sync.Once
	done    chan struct{}
	onClose func()
	logger  zerolog.Logger
}

// Open validates the user and registers a room-scoped subscription. An
// empty or unknown user id fails with chat.ErrForbidden before anything
// is registered with the broker.
func Open(ctx context.Context, users UserLookup, b Subscriber, req Request, sink Sink, opts ...Option) (*Session, error) {
	if req.UserID == "" {
		metrics.SessionsRejected.Inc()
		return nil, fmt.Errorf("subscribe without user: %w", chat.ErrForbidden)
	}
	u, ok := users.Lookup(req.UserID)
	if !ok {
		metrics.SessionsRejected.Inc()
		return nil, fmt.Errorf("subscribe as unknown user %q: %w", req.UserID, chat.ErrForbidden)
	}
	if sink == nil {
		return nil, errors.New("session: nil sink")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	room := req.Room
	if room == "" {
		room = u.Room
	}

	s := &Session{
		user: u,
		room: room,
		kind: req.Kind,
		sink: sink,
		brk:  b,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().
		Str("component", "session").
		Str("user", u.ID).
		Str("room", room).
		Str("kind", string(req.Kind)).
		Logger()

	// Hold mu across Subscribe so an early delivery waits for s.sub.
	s.mu.Lock()
	sub, err := b.Subscribe(req.Kind, broker.RoomFilter(room), s.deliver)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.sub = sub
	s.mu.Unlock()

	metrics.SessionsOpened.WithLabelValues(string(req.Kind)).Inc()
	s.logger.Debug().Str("token", string(sub.Token())).Msg("session opened")

	go s.watch(ctx)
	return s, nil
}

// OpenStream opens a session whose events arrive on the returned channel.
// The channel is closed when the session closes. A consumer that lets the
// buffer fill up has its session closed with ErrStreamFull.
func OpenStream(ctx context.Context, users UserLookup, b Subscriber, req Request, buffer int, opts ...Option) (*Session, <-chan events.Event, error) {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	ch := make(chan events.Event, buffer)
	sink := SinkFunc(func(ev events.Event) error {
		select {
		case ch <- ev:
			return nil
		default:
			return ErrStreamFull
		}
	})

	s, err := Open(ctx, users, b, req, sink, append(opts, func(s *Session) {
		s.onClose = func() { close(ch) }
	})...)
	if err != nil {
		return nil, nil, err
	}
	return s, ch, nil
}

// User returns the user snapshot taken when the session opened.
func (s *Session) User() chat.User { return s.user }

// Room returns the room the session listens to.
func (s *Session) Room() string { return s.room }

// Kind returns the subscribed event kind.
func (s *Session) Kind() events.Kind { return s.kind }

// Done is closed once the session has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session closed, or nil while it is open.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close unsubscribes the session. It is safe to call more than once and
// from several goroutines; every call returns only after the sink has
// received its last event.
func (s *Session) Close() {
	s.shutdown(ErrClosed)
}

func (s *Session) shutdown(reason error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.err = reason
		token := s.sub.Token()
		s.mu.Unlock()

		s.brk.Unsubscribe(token)
		if s.onClose != nil {
			s.onClose()
		}
		close(s.done)

		ev := s.logger.Debug()
		if !errors.Is(reason, ErrClosed) {
			ev = s.logger.Info()
		}
		ev.AnErr("reason", reason).Msg("session closed")
	})
}

// deliver is the broker handler. It never calls the sink after close.
func (s *Session) deliver(ev events.Event) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	err := s.sink.Send(ev)
	s.mu.Unlock()

	if err != nil {
		s.shutdown(fmt.Errorf("sink: %w", err))
		return err
	}
	return nil
}

func (s *Session) watch(ctx context.Context) {
	select {
	case <-ctx.Done():
		s.shutdown(ctx.Err())
	case <-s.sub.Done():
		s.shutdown(s.sub.Err())
	case <-s.done:
	}
}
