// Package events defines the event kinds routed by the broker and the
// fixed payload shapes each kind carries.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
)

// Kind is the topic an event is published on.
type Kind string

// Event kinds.
const (
	MessageCreated  Kind = "message-created"
	MessageEdited   Kind = "message-edited"
	PresenceChanged Kind = "presence-changed"
	TypingChanged   Kind = "typing-changed"
)

// Kinds lists every known kind.
var Kinds = []Kind{MessageCreated, MessageEdited, PresenceChanged, TypingChanged}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case MessageCreated, MessageEdited, PresenceChanged, TypingChanged:
		return true
	}
	return false
}

// ParseKind converts a wire name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown event kind %q", s)
	}
	return k, nil
}

// Event is one published occurrence. Room is the routing key that room
// predicates match against.
type Event struct {
	Kind    Kind      `json:"type"`
	Room    string    `json:"room"`
	Payload any       `json:"data"`
	At      time.Time `json:"at"`
}

// Encode renders the event as its JSON wire envelope.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// MessagePayload is carried by message-created and message-edited.
type MessagePayload struct {
	ID      string          `json:"id"`
	Room    string          `json:"room"`
	Message string          `json:"message"`
	User    chat.User       `json:"user"`
	Likes   map[string]bool `json:"likes"`
	Replies []chat.Reply    `json:"replies"`
}

// PresencePayload is carried by presence-changed.
type PresencePayload struct {
	User chat.User `json:"user"`
	Room string    `json:"room"`
}

// TypingPayload is carried by typing-changed.
type TypingPayload struct {
	Text     string    `json:"text"`
	IsTyping bool      `json:"isTyping"`
	User     chat.User `json:"user"`
}

// NewMessagePayload builds the payload for a message event. The message
// is cloned so subscribers never share maps with the Directory.
func NewMessagePayload(m chat.Message) MessagePayload {
	m = m.Clone()
	return MessagePayload{
		ID:      m.ID,
		Room:    m.Room,
		Message: m.Body,
		User:    m.User,
		Likes:   m.Likes,
		Replies: m.Replies,
	}
}
