package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxRequestBody bounds REST request bodies.
const maxRequestBody = 64 * 1024

// routes builds the chi router with every HTTP and WebSocket route.
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger.With().Str("component", "http").Logger()))
	r.Use(chimw.Recoverer)
	r.Use(requestMetrics)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.origins.list(),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := &handlers{svc: s.svc, hub: s.hub, logger: s.logger.With().Str("component", "http").Logger()}

	r.Get("/health", h.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Use(maxBodySize(maxRequestBody))

		r.Post("/users", h.login)
		r.Get("/users/{id}", h.getUser)
		r.Post("/users/{id}/logout", h.logout)

		r.Get("/rooms", h.listRooms)
		r.Route("/rooms/{room}", func(r chi.Router) {
			r.Get("/", h.getRoom)
			r.Post("/messages", h.postMessage)
			r.Patch("/messages/{id}", h.editMessage)
			r.Post("/messages/{id}/like", h.toggleLike)
			r.Post("/typing", h.typing)
			r.Get("/typing", h.whosTyping)
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	})

	return r
}
