package events_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/events"
)

func TestParseKind(t *testing.T) {
	for _, k := range events.Kinds {
		got, err := events.ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	_, err := events.ParseKind("message-deleted")
	assert.Error(t, err)
}

func TestEventEncodeMessageShape(t *testing.T) {
	msg := chat.Message{
		ID:    "01HX",
		Room:  "Main",
		Body:  "hello",
		User:  chat.User{ID: "u1", Name: "Snoop", Room: "Main"},
		Likes: map[string]bool{"u2": true},
	}
	ev := events.Event{
		Kind:    events.MessageCreated,
		Room:    "Main",
		Payload: events.NewMessagePayload(msg),
		At:      time.Unix(0, 0).UTC(),
	}

	raw, err := ev.Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "message-created", decoded["type"])
	assert.Equal(t, "Main", decoded["room"])

	data, ok := decoded["data"].(map[string]any)
	require.True(t, ok)
	for _, field := range []string{"id", "room", "message", "user", "likes", "replies"} {
		assert.Contains(t, data, field)
	}
	assert.Nil(t, data["replies"])
}

func TestNewMessagePayloadDoesNotAlias(t *testing.T) {
	msg := chat.Message{ID: "1", Likes: map[string]bool{"a": true}}
	payload := events.NewMessagePayload(msg)
	payload.Likes["b"] = true
	assert.Len(t, msg.Likes, 1)
}

func TestTypingPayloadShape(t *testing.T) {
	raw, err := json.Marshal(events.TypingPayload{Text: "hel", IsTyping: true, User: chat.User{ID: "u1"}})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"text":"hel","isTyping":true,"user":{"id":"u1","name":"","room":"","avatarSrc":"","isOnline":false,"lastSeen":"0001-01-01T00:00:00Z"}}`,
		string(raw))
}
