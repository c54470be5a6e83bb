// Package typing turns a stream of "user is typing" signals into a clean
// "who is typing now" view.
//
// Each user moves Idle -> Typing on the first signal and back to Idle when
// the periodic sweep finds no signal within the expiry window, or at once
// when the user sends a message. Every transition is published as a
// typing-changed event. Transitions and their publishes happen under one
// lock, so a refresh racing the sweep for the same user can neither
// reorder nor duplicate the resulting events.
package typing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/metrics"
)

// Defaults for Config.
const (
	DefaultExpiry        = 3 * time.Second
	DefaultSweepInterval = time.Second
)

// Publisher is the slice of the broker the tracker needs.
type Publisher interface {
	Publish(kind events.Kind, room string, payload any) int
}

// UserLookup resolves user ids to their current record.
type UserLookup interface {
	Lookup(userID string) (chat.User, bool)
}

// Config holds tracker settings.
type Config struct {
	Expiry        time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
	Logger        zerolog.Logger
}

// Tracker owns the typing state of every user.
type Tracker struct {
	mu       sync.Mutex
	entries  map[string]*entry
	pub      Publisher
	users    UserLookup
	expiry   time.Duration
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

type entry struct {
	user      chat.User
	text      string
	lastTyped time.Time
}

// New creates a Tracker. Zero config values take defaults.
func New(pub Publisher, users UserLookup, cfg Config) *Tracker {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Tracker{
		entries:  make(map[string]*entry),
		pub:      pub,
		users:    users,
		expiry:   cfg.Expiry,
		interval: cfg.SweepInterval,
		now:      cfg.Now,
		logger:   logging.Component(cfg.Logger, "typing"),
	}
}

// OnTyping records a typing signal from userID. The first signal publishes
// isTyping=true immediately; later signals refresh the expiry and publish
// again only when the shared preview text changed. Text is withheld
// unless sharable is set.
func (t *Tracker) OnTyping(userID, text string, sharable bool) error {
	u, ok := t.users.Lookup(userID)
	if !ok {
		return fmt.Errorf("user %q: %w", userID, chat.ErrNotFound)
	}
	if !sharable {
		text = ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	e, typing := t.entries[userID]
	if typing && e.user.Room != u.Room {
		// Moved rooms mid-sentence: stop in the old room first.
		t.clearLocked(userID, e)
		typing = false
	}

	if !typing {
		t.entries[userID] = &entry{user: u, text: text, lastTyped: now}
		metrics.TypingUsers.Inc()
		t.publishLocked(u, text, true)
		return nil
	}

	e.lastTyped = now
	e.user = u
	if e.text != text {
		e.text = text
		t.publishLocked(u, text, true)
	}
	return nil
}

// OnMessageSent clears the user's typing indicator at once. It reports
// whether the user was typing; an idle user publishes nothing, so the
// sweep can never emit a second "stopped" event for the same burst.
func (t *Tracker) OnMessageSent(userID string) bool {
	return t.Clear(userID)
}

// Clear removes userID from the typing set, publishing isTyping=false if
// it was present.
func (t *Tracker) Clear(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[userID]
	if !ok {
		return false
	}
	t.clearLocked(userID, e)
	return true
}

// Sweep expires every entry whose last signal is older than the expiry
// window and returns how many were expired.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	expired := 0
	for id, e := range t.entries {
		if now.Sub(e.lastTyped) > t.expiry {
			t.clearLocked(id, e)
			expired++
		}
	}
	if expired > 0 {
		metrics.TypingExpirations.Add(float64(expired))
		t.logger.Debug().Int("expired", expired).Msg("typing sweep")
	}
	return expired
}

// Run sweeps on every interval until ctx is cancelled. The ticker is
// released when Run returns.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info().
		Dur("expiry", t.expiry).
		Dur("interval", t.interval).
		Msg("typing sweep started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info().Msg("typing sweep stopped")
			return
		case <-ticker.C:
			t.Sweep()
		}
	}
}

// IsTyping reports whether userID is currently typing.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[userID]
	return ok
}

// Typing returns the users typing in room, oldest signal first, as the
// payloads a new subscriber would need to catch up.
func (t *Tracker) Typing(room string) []events.TypingPayload {
	t.mu.Lock()
	active := make([]*entry, 0, len(t.entries))
	for _, e := range t.entries {
		if e.user.Room == room {
			active = append(active, e)
		}
	}
	slices.SortFunc(active, func(a, b *entry) int {
		return a.lastTyped.Compare(b.lastTyped)
	})
	out := make([]events.TypingPayload, 0, len(active))
	for _, e := range active {
		out = append(out, events.TypingPayload{Text: e.text, IsTyping: true, User: e.user})
	}
	t.mu.Unlock()
	return out
}

// clearLocked removes the entry and publishes the stop. Callers hold t.mu.
func (t *Tracker) clearLocked(userID string, e *entry) {
	delete(t.entries, userID)
	metrics.TypingUsers.Dec()
	t.publishLocked(e.user, "", false)
}

func (t *Tracker) publishLocked(u chat.User, text string, isTyping bool) {
	t.pub.Publish(events.TypingChanged, u.Room, events.TypingPayload{
		Text:     text,
		IsTyping: isTyping,
		User:     u,
	})
}
