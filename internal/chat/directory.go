package chat

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Directory owns the canonical user, room and message state.
//
// Locking is two-level: mu guards the users and rooms maps and every
// User record, and each room has its own mutex guarding its message
// history, like sets and member list. When both are needed, mu is always
// taken first.
type Directory struct {
	mu              sync.RWMutex
	users           map[string]*User
	rooms           map[string]*room
	roomOrder       []string
	now             func() time.Time
	newID           func() string
	maxHistory      int
	autoCreateRooms bool
}

type room struct {
	mu       sync.Mutex
	name     string
	messages []*Message // most-recent-first
	byID     map[string]*Message
	members  []string // user ids in join order
}

// Option configures a Directory.
type Option func(*Directory)

// WithClock overrides the time source used for LastSeen and CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Directory) {
		if now != nil {
			d.now = now
		}
	}
}

// WithIDGenerator overrides message id generation.
func WithIDGenerator(newID func() string) Option {
	return func(d *Directory) {
		if newID != nil {
			d.newID = newID
		}
	}
}

// WithMaxHistory caps the number of messages kept per room. Zero keeps
// everything.
func WithMaxHistory(n int) Option {
	return func(d *Directory) {
		if n >= 0 {
			d.maxHistory = n
		}
	}
}

// WithAutoCreateRooms lets logins provision rooms that do not exist yet.
func WithAutoCreateRooms(enabled bool) Option {
	return func(d *Directory) {
		d.autoCreateRooms = enabled
	}
}

// NewDirectory creates a Directory with the given rooms provisioned. When
// no room names are given, DefaultRoom is created.
func NewDirectory(rooms []string, opts ...Option) *Directory {
	d := &Directory{
		users: make(map[string]*User),
		rooms: make(map[string]*room),
		now:   time.Now,
		newID: func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(d)
	}

	if len(rooms) == 0 {
		rooms = []string{DefaultRoom}
	}
	for _, name := range rooms {
		d.provisionLocked(name)
	}
	return d
}

// provisionLocked creates the room if needed. Callers hold d.mu or own d
// exclusively.
func (d *Directory) provisionLocked(name string) *room {
	if r, ok := d.rooms[name]; ok {
		return r
	}
	r := &room{name: name, byID: make(map[string]*Message)}
	d.rooms[name] = r
	d.roomOrder = append(d.roomOrder, name)
	return r
}

// CreateRoom provisions a room. It is a no-op if the room exists.
func (d *Directory) CreateRoom(name string) error {
	if err := ValidateRoomName(name); err != nil {
		return err
	}
	d.mu.Lock()
	d.provisionLocked(name)
	d.mu.Unlock()
	return nil
}

// CreateOrLoginUser registers u, or updates the existing record with the
// same id in place. The user is marked online, LastSeen is stamped and
// membership moves to u.Room. It returns the joined room, the stored user
// and the room the user left ("" when the room did not change).
func (d *Directory) CreateOrLoginUser(u User) (RoomSnapshot, User, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	target, ok := d.rooms[u.Room]
	if !ok {
		if !d.autoCreateRooms {
			return RoomSnapshot{}, User{}, "", fmt.Errorf("room %q: %w", u.Room, ErrNotFound)
		}
		target = d.provisionLocked(u.Room)
	}

	now := d.now()
	previous := ""
	stored, exists := d.users[u.ID]
	if exists {
		if stored.Room != u.Room {
			previous = stored.Room
			if old, ok := d.rooms[stored.Room]; ok {
				old.removeMember(u.ID)
			}
		}
		stored.Name = u.Name
		stored.AvatarSrc = u.AvatarSrc
		stored.Room = u.Room
	} else {
		stored = &User{ID: u.ID, Name: u.Name, Room: u.Room, AvatarSrc: u.AvatarSrc}
		d.users[u.ID] = stored
	}
	stored.IsOnline = true
	stored.LastSeen = now
	target.addMember(u.ID)

	return d.snapshotLocked(target), *stored, previous, nil
}

// Logout marks the user offline and stamps LastSeen.
func (d *Directory) Logout(userID string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	u, ok := d.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	u.IsOnline = false
	u.LastSeen = d.now()
	return *u, nil
}

// Touch stamps LastSeen for an active user without changing presence.
func (d *Directory) Touch(userID string) {
	d.mu.Lock()
	if u, ok := d.users[userID]; ok {
		u.LastSeen = d.now()
	}
	d.mu.Unlock()
}

// GetUser returns a copy of the user record.
func (d *Directory) GetUser(userID string) (User, error) {
	u, ok := d.Lookup(userID)
	if !ok {
		return User{}, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	return u, nil
}

// Lookup returns a copy of the user record and whether it exists.
func (d *Directory) Lookup(userID string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	u, ok := d.users[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// GetRoom returns the room's members and message history.
func (d *Directory) GetRoom(name string) (RoomSnapshot, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	r, ok := d.rooms[name]
	if !ok {
		return RoomSnapshot{}, fmt.Errorf("room %q: %w", name, ErrNotFound)
	}
	return d.snapshotLocked(r), nil
}

// HasRoom reports whether the room has been provisioned.
func (d *Directory) HasRoom(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.rooms[name]
	return ok
}

// ListRooms summarizes every provisioned room in creation order.
func (d *Directory) ListRooms() []RoomInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]RoomInfo, 0, len(d.roomOrder))
	for _, name := range d.roomOrder {
		r := d.rooms[name]
		r.mu.Lock()
		info := RoomInfo{Name: name, Members: len(r.members), MessageCount: len(r.messages)}
		for _, id := range r.members {
			if u, ok := d.users[id]; ok && u.IsOnline {
				info.OnlineCount++
			}
		}
		r.mu.Unlock()
		out = append(out, info)
	}
	return out
}

// PostMessage creates a message from userID in roomName and prepends it
// to the room history. d.mu stays read-locked until the message is stored,
// so the author snapshot and the membership check agree.
func (d *Directory) PostMessage(roomName, userID, body string) (Message, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	author, r, err := d.resolveLocked(roomName, userID)
	if err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if !slices.Contains(r.members, userID) {
		return Message{}, fmt.Errorf("user %q is not a member of room %q: %w", userID, roomName, ErrForbidden)
	}

	msg := &Message{
		ID:        d.newID(),
		Room:      roomName,
		Body:      body,
		User:      author,
		Likes:     map[string]bool{},
		CreatedAt: d.now(),
	}
	r.messages = slices.Insert(r.messages, 0, msg)
	r.byID[msg.ID] = msg

	if d.maxHistory > 0 && len(r.messages) > d.maxHistory {
		for _, old := range r.messages[d.maxHistory:] {
			delete(r.byID, old.ID)
		}
		clear(r.messages[d.maxHistory:])
		r.messages = r.messages[:d.maxHistory]
	}

	return msg.Clone(), nil
}

// ToggleLike flips userID's membership in the message's likes set and
// returns the updated message. The flip happens under the room lock, so
// concurrent toggles serialize and never duplicate or lose the key.
func (d *Directory) ToggleLike(roomName, messageID, userID string) (Message, error) {
	_, r, err := d.resolve(roomName, userID)
	if err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %q in room %q: %w", messageID, roomName, ErrNotFound)
	}
	if msg.Likes[userID] {
		delete(msg.Likes, userID)
	} else {
		msg.Likes[userID] = true
	}
	return msg.Clone(), nil
}

// EditMessage replaces the body of a message. Only the author may edit.
func (d *Directory) EditMessage(roomName, messageID, userID, body string) (Message, error) {
	_, r, err := d.resolve(roomName, userID)
	if err != nil {
		return Message{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[messageID]
	if !ok {
		return Message{}, fmt.Errorf("message %q in room %q: %w", messageID, roomName, ErrNotFound)
	}
	if msg.User.ID != userID {
		return Message{}, fmt.Errorf("user %q did not author message %q: %w", userID, messageID, ErrForbidden)
	}
	edited := d.now()
	msg.Body = body
	msg.EditedAt = &edited
	return msg.Clone(), nil
}

// resolve returns a snapshot of the user and the room, or ErrNotFound.
func (d *Directory) resolve(roomName, userID string) (User, *room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.resolveLocked(roomName, userID)
}

// resolveLocked is resolve for callers already holding d.mu.
func (d *Directory) resolveLocked(roomName, userID string) (User, *room, error) {
	u, ok := d.users[userID]
	if !ok {
		return User{}, nil, fmt.Errorf("user %q: %w", userID, ErrNotFound)
	}
	r, ok := d.rooms[roomName]
	if !ok {
		return User{}, nil, fmt.Errorf("room %q: %w", roomName, ErrNotFound)
	}
	return *u, r, nil
}

// snapshotLocked copies r. Callers hold d.mu (read or write).
func (d *Directory) snapshotLocked(r *room) RoomSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := RoomSnapshot{
		Name:     r.name,
		Messages: make([]Message, 0, len(r.messages)),
		Users:    make([]User, 0, len(r.members)),
	}
	for _, m := range r.messages {
		snap.Messages = append(snap.Messages, m.Clone())
	}
	for _, id := range r.members {
		if u, ok := d.users[id]; ok {
			snap.Users = append(snap.Users, *u)
		}
	}
	return snap
}

func (r *room) addMember(userID string) {
	r.mu.Lock()
	if !slices.Contains(r.members, userID) {
		r.members = append(r.members, userID)
	}
	r.mu.Unlock()
}

func (r *room) removeMember(userID string) {
	r.mu.Lock()
	r.members = slices.DeleteFunc(r.members, func(id string) bool { return id == userID })
	r.mu.Unlock()
}
