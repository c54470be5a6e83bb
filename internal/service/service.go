// Package service is the request-handler layer shared by the REST and
// WebSocket transports. It validates input, mutates the Directory,
// publishes the resulting events and drives the typing tracker.
package service

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/metrics"
	"github.com/Tyrowin/roomchat/internal/session"
	"github.com/Tyrowin/roomchat/internal/typing"
)

// Service coordinates the Directory, the Broker and the Tracker.
type Service struct {
	dir     *chat.Directory
	brk     *broker.Broker
	tracker *typing.Tracker
	logger  zerolog.Logger
	base    zerolog.Logger

	// Room ordering locks, striped by room name. One is held across a
	// Directory mutation and its publish so subscribers observe insertion
	// order.
	stripes [lockStripes]sync.Mutex
}

const lockStripes = 64

// New creates a Service.
func New(dir *chat.Directory, brk *broker.Broker, tracker *typing.Tracker, logger zerolog.Logger) *Service {
	return &Service{
		dir:     dir,
		brk:     brk,
		tracker: tracker,
		logger:  logging.Component(logger, "service"),
		base:    logger,
	}
}

// Login registers or re-logs u and announces the presence change. When the
// user moved rooms, the old room is told the user went offline there.
func (s *Service) Login(u chat.User) (chat.RoomSnapshot, chat.User, error) {
	if err := chat.ValidateUser(u); err != nil {
		return chat.RoomSnapshot{}, chat.User{}, err
	}

	unlock := s.lockRoom(u.Room)
	snap, stored, previous, err := s.dir.CreateOrLoginUser(u)
	if err != nil {
		unlock()
		return chat.RoomSnapshot{}, chat.User{}, err
	}
	s.brk.Publish(events.PresenceChanged, stored.Room, events.PresencePayload{User: stored, Room: stored.Room})
	unlock()

	if previous != "" {
		s.tracker.Clear(stored.ID)
		left := stored
		left.Room = previous
		left.IsOnline = false
		unlock := s.lockRoom(previous)
		s.brk.Publish(events.PresenceChanged, previous, events.PresencePayload{User: left, Room: previous})
		unlock()
	}

	s.logger.Info().
		Str("user", stored.ID).
		Str("room", stored.Room).
		Str("previous", previous).
		Msg("user logged in")
	return snap, stored, nil
}

// Logout marks the user offline, clears any typing indicator and
// announces the presence change to the user's room.
func (s *Service) Logout(userID string) (chat.User, error) {
	u, ok := s.dir.Lookup(userID)
	if !ok {
		return chat.User{}, fmt.Errorf("user %q: %w", userID, chat.ErrNotFound)
	}

	s.tracker.Clear(userID)

	locked := u.Room
	unlock := s.lockRoom(locked)
	u, err := s.dir.Logout(userID)
	if err != nil {
		unlock()
		return chat.User{}, err
	}
	// A concurrent login may have moved the user after the lookup. The
	// event must be ordered with the room it is published to.
	if u.Room != locked {
		unlock()
		unlock = s.lockRoom(u.Room)
	}
	s.brk.Publish(events.PresenceChanged, u.Room, events.PresencePayload{User: u, Room: u.Room})
	unlock()

	s.logger.Info().Str("user", u.ID).Str("room", u.Room).Msg("user logged out")
	return u, nil
}

// GetUser returns the user record.
func (s *Service) GetUser(userID string) (chat.User, error) {
	return s.dir.GetUser(userID)
}

// Lookup reports whether userID is known, returning its record.
func (s *Service) Lookup(userID string) (chat.User, bool) {
	return s.dir.Lookup(userID)
}

// GetRoom returns the room snapshot.
func (s *Service) GetRoom(room string) (chat.RoomSnapshot, error) {
	return s.dir.GetRoom(room)
}

// ListRooms summarizes every room.
func (s *Service) ListRooms() []chat.RoomInfo {
	return s.dir.ListRooms()
}

// SendMessage posts body to room and publishes message-created. The
// sender's typing indicator is cleared afterwards.
func (s *Service) SendMessage(room, userID, body string) (chat.Message, error) {
	if err := chat.ValidateMessageBody(body); err != nil {
		return chat.Message{}, err
	}

	unlock := s.lockRoom(room)
	msg, err := s.dir.PostMessage(room, userID, body)
	if err != nil {
		unlock()
		return chat.Message{}, err
	}
	s.brk.Publish(events.MessageCreated, room, events.NewMessagePayload(msg))
	unlock()

	s.dir.Touch(userID)
	s.tracker.OnMessageSent(userID)
	metrics.MessagesPosted.WithLabelValues(room).Inc()
	return msg, nil
}

// ToggleLike flips userID's like on a message and publishes message-edited.
func (s *Service) ToggleLike(room, messageID, userID string) (chat.Message, error) {
	unlock := s.lockRoom(room)
	defer unlock()

	msg, err := s.dir.ToggleLike(room, messageID, userID)
	if err != nil {
		return chat.Message{}, err
	}
	s.brk.Publish(events.MessageEdited, room, events.NewMessagePayload(msg))
	return msg, nil
}

// EditMessage replaces a message body and publishes message-edited. Only
// the author may edit.
func (s *Service) EditMessage(room, messageID, userID, body string) (chat.Message, error) {
	if err := chat.ValidateMessageBody(body); err != nil {
		return chat.Message{}, err
	}

	unlock := s.lockRoom(room)
	defer unlock()

	msg, err := s.dir.EditMessage(room, messageID, userID, body)
	if err != nil {
		return chat.Message{}, err
	}
	s.brk.Publish(events.MessageEdited, room, events.NewMessagePayload(msg))
	return msg, nil
}

// Typing records a typing signal from userID in room. The user must
// currently be in that room.
func (s *Service) Typing(room, userID, text string, sharable bool) error {
	if err := chat.ValidateTypingText(text); err != nil {
		return err
	}
	u, ok := s.dir.Lookup(userID)
	if !ok {
		return fmt.Errorf("user %q: %w", userID, chat.ErrNotFound)
	}
	if room != "" && u.Room != room {
		return fmt.Errorf("user %q is not in room %q: %w", userID, room, chat.ErrForbidden)
	}
	return s.tracker.OnTyping(userID, text, sharable)
}

// WhosTyping returns the users currently typing in room.
func (s *Service) WhosTyping(room string) ([]events.TypingPayload, error) {
	if !s.dir.HasRoom(room) {
		return nil, fmt.Errorf("room %q: %w", room, chat.ErrNotFound)
	}
	return s.tracker.Typing(room), nil
}

// Subscribe opens a session delivering req's events to sink.
func (s *Service) Subscribe(ctx context.Context, req session.Request, sink session.Sink) (*session.Session, error) {
	return session.Open(ctx, s.dir, s.brk, req, sink, session.WithLogger(s.base))
}

// SubscribeStream opens a session delivering req's events on a channel.
func (s *Service) SubscribeStream(ctx context.Context, req session.Request, buffer int) (*session.Session, <-chan events.Event, error) {
	return session.OpenStream(ctx, s.dir, s.brk, req, buffer, session.WithLogger(s.base))
}

func (s *Service) lockRoom(room string) (unlock func()) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	mu := &s.stripes[h.Sum32()%lockStripes]
	mu.Lock()
	return mu.Unlock
}
