package server_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/roomchat/internal/broker"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/events"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/service"
	"github.com/Tyrowin/roomchat/internal/testutil"
	"github.com/Tyrowin/roomchat/internal/typing"
)

type testEnv struct {
	srv    *server.Server
	ts     *httptest.Server
	broker *broker.Broker
	svc    *service.Service
}

func newTestEnv(t *testing.T, customize func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.Default()
	cfg.DefaultRooms = []string{"Main", "Other"}
	cfg.AutoCreateRooms = false
	cfg.AllowedOrigins = []string{testutil.TestOrigin}
	if customize != nil {
		customize(&cfg)
	}

	dir := chat.NewDirectory(cfg.DefaultRooms,
		chat.WithMaxHistory(cfg.MaxHistory),
		chat.WithAutoCreateRooms(cfg.AutoCreateRooms),
	)
	b := broker.New(broker.Config{QueueSize: cfg.SubscriberQueueSize})
	tr := typing.New(b, dir, typing.Config{Expiry: cfg.Typing.Expiry, SweepInterval: cfg.Typing.SweepInterval})
	svc := service.New(dir, b, tr, zerolog.Nop())

	srv := server.New(cfg, svc, zerolog.Nop())
	srv.Start()
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
		_ = b.Close(ctx)
	})
	return &testEnv{srv: srv, ts: ts, broker: b, svc: svc}
}

func (e *testEnv) url(path string) string { return e.ts.URL + path }

func (e *testEnv) login(t *testing.T, id, room string) chat.User {
	t.Helper()
	resp := testutil.DoJSON(t, http.MethodPost, e.url("/api/users"), map[string]string{
		"id":        id,
		"name":      "name-" + id,
		"room":      room,
		"avatarSrc": "https://example.com/" + id,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		User chat.User         `json:"user"`
		Room chat.RoomSnapshot `json:"room"`
	}
	testutil.DecodeJSON(t, resp, &body)
	return body.User
}

func (e *testEnv) post(t *testing.T, room, userID, text string) chat.Message {
	t.Helper()
	resp := testutil.DoJSON(t, http.MethodPost, e.url("/api/rooms/"+room+"/messages"), map[string]string{
		"userId":  userID,
		"message": text,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var msg chat.Message
	testutil.DecodeJSON(t, resp, &msg)
	return msg
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testutil.DoJSON(t, http.MethodGet, env.url("/health"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body map[string]any
	testutil.DecodeJSON(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["clients"])
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	testutil.DoJSON(t, http.MethodGet, env.url("/health"), nil)

	resp := testutil.DoJSON(t, http.MethodGet, env.url("/metrics"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "roomchat_http_requests_total")
}

func TestLogin(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{
			name:   "valid user",
			body:   map[string]string{"id": "alice", "name": "Alice", "room": "Main", "avatarSrc": "https://a.example"},
			status: http.StatusOK,
		},
		{
			name:   "name too short",
			body:   map[string]string{"id": "bob", "name": "B", "room": "Main", "avatarSrc": "https://b.example"},
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown room",
			body:   map[string]string{"id": "carol", "name": "Carol", "room": "Nowhere", "avatarSrc": "https://c.example"},
			status: http.StatusNotFound,
		},
		{
			name:   "malformed body",
			body:   "not an object",
			status: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := testutil.DoJSON(t, http.MethodPost, env.url("/api/users"), tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestUserLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	user := env.login(t, "alice", "Main")
	assert.True(t, user.IsOnline)

	resp := testutil.DoJSON(t, http.MethodGet, env.url("/api/users/alice"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got chat.User
	testutil.DecodeJSON(t, resp, &got)
	assert.Equal(t, "name-alice", got.Name)

	resp = testutil.DoJSON(t, http.MethodPost, env.url("/api/users/alice/logout"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	testutil.DecodeJSON(t, resp, &got)
	assert.False(t, got.IsOnline)

	resp = testutil.DoJSON(t, http.MethodGet, env.url("/api/users/ghost"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = testutil.DoJSON(t, http.MethodPost, env.url("/api/users/ghost/logout"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomsAndMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "alice", "Main")
	env.login(t, "bob", "Other")

	m1 := env.post(t, "Main", "alice", "first")
	m2 := env.post(t, "Main", "alice", "second")

	resp := testutil.DoJSON(t, http.MethodGet, env.url("/api/rooms/Main"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var room chat.RoomSnapshot
	testutil.DecodeJSON(t, resp, &room)
	require.Len(t, room.Messages, 2)
	assert.Equal(t, m2.ID, room.Messages[0].ID)
	assert.Equal(t, m1.ID, room.Messages[1].ID)
	require.Len(t, room.Users, 1)

	resp = testutil.DoJSON(t, http.MethodGet, env.url("/api/rooms"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rooms []chat.RoomInfo
	testutil.DecodeJSON(t, resp, &rooms)
	require.Len(t, rooms, 2)
	assert.Equal(t, "Main", rooms[0].Name)
	assert.Equal(t, 2, rooms[0].MessageCount)

	t.Run("errors", func(t *testing.T) {
		cases := []struct {
			name   string
			room   string
			user   string
			text   string
			status int
		}{
			{"not a member", "Main", "bob", "hi", http.StatusForbidden},
			{"empty body", "Main", "alice", "  ", http.StatusBadRequest},
			{"unknown user", "Main", "ghost", "hi", http.StatusNotFound},
			{"unknown room", "Nowhere", "alice", "hi", http.StatusNotFound},
		}
		for _, c := range cases {
			resp := testutil.DoJSON(t, http.MethodPost, env.url("/api/rooms/"+c.room+"/messages"),
				map[string]string{"userId": c.user, "message": c.text})
			assert.Equal(t, c.status, resp.StatusCode, c.name)
		}
	})

	resp = testutil.DoJSON(t, http.MethodGet, env.url("/api/rooms/Nowhere"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLikeAndEdit(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "alice", "Main")
	env.login(t, "bob", "Main")
	msg := env.post(t, "Main", "alice", "hello")

	likeURL := env.url("/api/rooms/Main/messages/" + msg.ID + "/like")
	resp := testutil.DoJSON(t, http.MethodPost, likeURL, map[string]string{"userId": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var liked chat.Message
	testutil.DecodeJSON(t, resp, &liked)
	assert.True(t, liked.Likes["bob"])

	resp = testutil.DoJSON(t, http.MethodPost, likeURL, map[string]string{"userId": "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var unliked chat.Message
	testutil.DecodeJSON(t, resp, &unliked)
	assert.Equal(t, msg.ID, unliked.ID)
	assert.Empty(t, unliked.Likes)

	editURL := env.url("/api/rooms/Main/messages/" + msg.ID)
	resp = testutil.DoJSON(t, http.MethodPatch, editURL, map[string]string{"userId": "bob", "message": "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = testutil.DoJSON(t, http.MethodPatch, editURL, map[string]string{"userId": "alice", "message": "hello, world"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edited chat.Message
	testutil.DecodeJSON(t, resp, &edited)
	assert.Equal(t, "hello, world", edited.Body)
	assert.NotNil(t, edited.EditedAt)

	resp = testutil.DoJSON(t, http.MethodPost, env.url("/api/rooms/Main/messages/missing/like"), map[string]string{"userId": "bob"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTypingEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)
	env.login(t, "alice", "Main")

	resp := testutil.DoJSON(t, http.MethodPost, env.url("/api/rooms/Main/typing"),
		map[string]any{"userId": "alice", "text": "hel", "isSharable": true})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = testutil.DoJSON(t, http.MethodGet, env.url("/api/rooms/Main/typing"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var typers []events.TypingPayload
	testutil.DecodeJSON(t, resp, &typers)
	require.Len(t, typers, 1)
	assert.Equal(t, "alice", typers[0].User.ID)
	assert.Equal(t, "hel", typers[0].Text)

	resp = testutil.DoJSON(t, http.MethodPost, env.url("/api/rooms/Other/typing"), map[string]any{"userId": "alice"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp = testutil.DoJSON(t, http.MethodGet, env.url("/api/rooms/Nowhere/typing"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUnknownRoutes(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := testutil.DoJSON(t, http.MethodGet, env.url("/nope"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = testutil.DoJSON(t, http.MethodDelete, env.url("/api/rooms"), nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestCreateServerTimeouts(t *testing.T) {
	srv := server.CreateServer(":9999", http.NotFoundHandler())
	assert.Equal(t, ":9999", srv.Addr)
	assert.Equal(t, 15*time.Second, srv.ReadTimeout)
	assert.Equal(t, 15*time.Second, srv.WriteTimeout)
	assert.Equal(t, 60*time.Second, srv.IdleTimeout)
}
