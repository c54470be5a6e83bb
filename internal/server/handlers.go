package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/service"
)

// handlers serves the REST API.
type handlers struct {
	svc    *service.Service
	hub    *Hub
	logger zerolog.Logger
}

type errorResponse struct {
	Error string `json:"error"`
}

type loginRequest struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Room      string `json:"room"`
	AvatarSrc string `json:"avatarSrc"`
}

type loginResponse struct {
	User chat.User         `json:"user"`
	Room chat.RoomSnapshot `json:"room"`
}

type messageRequest struct {
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

type likeRequest struct {
	UserID string `json:"userId"`
}

type typingRequest struct {
	UserID     string `json:"userId"`
	Text       string `json:"text"`
	IsSharable bool   `json:"isSharable"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps domain errors onto HTTP status codes.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, chat.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, chat.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrConflict):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, status, errorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func (h *handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return false
	}
	return true
}

// param returns the unescaped URL parameter.
func param(r *http.Request, key string) string {
	raw := chi.URLParam(r, key)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Clients: h.hub.ClientCount()})
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !h.decode(w, r, &req) {
		return
	}
	room, user, err := h.svc.Login(chat.User{
		ID:        req.ID,
		Name:      req.Name,
		Room:      req.Room,
		AvatarSrc: req.AvatarSrc,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{User: user, Room: room})
}

func (h *handlers) getUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.GetUser(param(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *handlers) logout(w http.ResponseWriter, r *http.Request) {
	user, err := h.svc.Logout(param(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *handlers) listRooms(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.ListRooms())
}

func (h *handlers) getRoom(w http.ResponseWriter, r *http.Request) {
	room, err := h.svc.GetRoom(param(r, "room"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, room)
}

func (h *handlers) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.svc.SendMessage(param(r, "room"), req.UserID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (h *handlers) editMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.svc.EditMessage(param(r, "room"), param(r, "id"), req.UserID, req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) toggleLike(w http.ResponseWriter, r *http.Request) {
	var req likeRequest
	if !h.decode(w, r, &req) {
		return
	}
	msg, err := h.svc.ToggleLike(param(r, "room"), param(r, "id"), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (h *handlers) typing(w http.ResponseWriter, r *http.Request) {
	var req typingRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.svc.Typing(param(r, "room"), req.UserID, req.Text, req.IsSharable); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) whosTyping(w http.ResponseWriter, r *http.Request) {
	typers, err := h.svc.WhosTyping(param(r, "room"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, typers)
}
