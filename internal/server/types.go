package server

import (
	"encoding/json"
	"strings"

	"github.com/Tyrowin/roomchat/internal/events"
)

// Inbound WebSocket frame types.
const (
	frameTyping = "typing"
	frameSend   = "send"
	frameLike   = "like"
	frameEdit   = "edit"
)

// Streams a WebSocket client may ask for in the streams query parameter.
var streamKinds = map[string][]events.Kind{
	"messages": {events.MessageCreated, events.MessageEdited},
	"typing":   {events.TypingChanged},
	"presence": {events.PresenceChanged},
}

// inboundFrame is a client request received over the WebSocket.
type inboundFrame struct {
	Type       string `json:"type"`
	ID         string `json:"id,omitempty"`
	Message    string `json:"message,omitempty"`
	Text       string `json:"text,omitempty"`
	IsSharable bool   `json:"isSharable,omitempty"`
}

// errorFrame reports a rejected inbound frame back to its sender.
type errorFrame struct {
	Type    string `json:"type"`
	Request string `json:"request"`
	Error   string `json:"error"`
}

func encodeError(request string, err error) []byte {
	b, _ := json.Marshal(errorFrame{Type: "error", Request: request, Error: err.Error()})
	return b
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
