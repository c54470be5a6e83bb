// Package chat holds the room chat domain model and the Directory, the
// single owner of users, rooms and message history.
//
// Every value handed out by the Directory is a copy. Messages embed a
// snapshot of their author taken at creation time, so a user moving to
// another room never rewrites history.
package chat

import (
	"maps"
	"slices"
	"time"
)

// DefaultRoom is provisioned at startup when no other rooms are configured.
const DefaultRoom = "Main"

// User is a chat participant. ID is immutable once created and a user
// belongs to exactly one room at a time.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Room      string    `json:"room"`
	AvatarSrc string    `json:"avatarSrc"`
	IsOnline  bool      `json:"isOnline"`
	LastSeen  time.Time `json:"lastSeen"`
}

// Reply is an opaque, non-nested answer attached to a Message.
type Reply struct {
	Room    string          `json:"room"`
	Message string          `json:"message"`
	User    User            `json:"user"`
	Likes   map[string]bool `json:"likes"`
}

// Message is a single chat message. Likes has set semantics: the presence
// of a user id means that user liked the message.
type Message struct {
	ID        string          `json:"id"`
	Room      string          `json:"room"`
	Body      string          `json:"message"`
	User      User            `json:"user"`
	Likes     map[string]bool `json:"likes"`
	Replies   []Reply         `json:"replies"`
	CreatedAt time.Time       `json:"createdAt"`
	EditedAt  *time.Time      `json:"editedAt,omitempty"`
}

// Clone returns a deep copy that shares no maps or slices with m.
func (m Message) Clone() Message {
	out := m
	out.Likes = maps.Clone(m.Likes)
	if out.Likes == nil {
		out.Likes = map[string]bool{}
	}
	if m.Replies != nil {
		out.Replies = make([]Reply, len(m.Replies))
		for i, r := range m.Replies {
			r.Likes = maps.Clone(r.Likes)
			out.Replies[i] = r
		}
	}
	if m.EditedAt != nil {
		edited := *m.EditedAt
		out.EditedAt = &edited
	}
	return out
}

// LikedBy reports whether userID is in the likes set.
func (m Message) LikedBy(userID string) bool {
	return m.Likes[userID]
}

// LikeCount returns the number of users who liked the message.
func (m Message) LikeCount() int {
	return len(m.Likes)
}

// RoomSnapshot is a point-in-time view of a room. Messages are ordered
// most-recent-first; Users are in join order.
type RoomSnapshot struct {
	Name     string    `json:"name"`
	Messages []Message `json:"messages"`
	Users    []User    `json:"users"`
}

// Online returns the members currently marked online.
func (r RoomSnapshot) Online() []User {
	return slices.DeleteFunc(slices.Clone(r.Users), func(u User) bool {
		return !u.IsOnline
	})
}

// RoomInfo summarizes a room for listings.
type RoomInfo struct {
	Name         string `json:"name"`
	Members      int    `json:"members"`
	OnlineCount  int    `json:"online"`
	MessageCount int    `json:"messages"`
}
