package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/session"
)

// parseStreams turns "messages,typing" into the kinds to subscribe to.
// An empty value selects every stream.
func parseStreams(value string) ([]events.Kind, error) {
	if strings.TrimSpace(value) == "" {
		return events.Kinds, nil
	}

	seen := make(map[events.Kind]bool)
	var kinds []events.Kind
	for _, name := range strings.Split(value, ",") {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		ks, ok := streamKinds[name]
		if !ok {
			return nil, fmt.Errorf("unknown stream %q: %w", name, chat.ErrInvalid)
		}
		for _, k := range ks {
			if !seen[k] {
				seen[k] = true
				kinds = append(kinds, k)
			}
		}
	}
	if len(kinds) == 0 {
		return events.Kinds, nil
	}
	return kinds, nil
}

// handleWebSocket upgrades GET /ws?userId=&room=&streams= and opens one
// session per requested event kind. Unknown users are refused before the
// upgrade.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("userId")

	user, ok := s.svc.Lookup(userID)
	if userID == "" || !ok {
		writeJSON(w, http.StatusForbidden, errorResponse{Error: "unknown user"})
		return
	}
	kinds, err := parseStreams(q.Get("streams"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	room := q.Get("room")
	if room == "" {
		room = user.Room
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newClient(conn, s.hub, s.svc, userID, room, r.RemoteAddr, s.cfg, s.logger)

	sessions := make([]*session.Session, 0, len(kinds))
	for _, kind := range kinds {
		sess, err := s.svc.Subscribe(context.Background(), session.Request{
			UserID: userID,
			Room:   room,
			Kind:   kind,
		}, client)
		if err != nil {
			client.logger.Warn().Err(err).Str("kind", string(kind)).Msg("subscription refused")
			for _, opened := range sessions {
				opened.Close()
			}
			client.closeConnection()
			return
		}
		sessions = append(sessions, sess)
	}
	client.attach(sessions)

	if !s.hub.registerClient(client) {
		client.close()
	}
}
