package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Simplereally/rapid-chat/internal/approval"
	"github.com/Simplereally/rapid-chat/internal/config"
	"github.com/Simplereally/rapid-chat/internal/session"
	"github.com/Simplereally/rapid-chat/internal/storage/sqlite"
	"github.com/Simplereally/rapid-chat/internal/stream"
	"github.com/Simplereally/rapid-chat/internal/websocket"
	"github.com/Simplereally/rapid-chat/pkg/logger"
)

// NewRouter creates the HTTP router with all API routes
func NewRouter(store *session.Store, manager *stream.Manager, coordinator *approval.Coordinator, storage *sqlite.ConversationStorage, cfg *config.Config, log *logger.Logger, wsServer *websocket.Server) chi.Router {
	handler := NewHandler(store, manager, coordinator, storage, cfg, log, wsServer)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handler.GetHealth)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", handler.GetSessions)
			r.Post("/", handler.CreateSession)
			r.Get("/{id}", handler.GetSession)
			r.Delete("/{id}", handler.DeleteSession)
			r.Post("/{id}/messages", handler.SendMessage)
			r.Post("/{id}/stop", handler.StopSession)
			r.Post("/{id}/read", handler.MarkSessionRead)
			r.Get("/{id}/approvals", handler.GetApprovals)
			r.Post("/{id}/approvals/{approvalId}", handler.DecideApproval)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", handler.GetHistory)
			r.Get("/{id}", handler.GetHistoryMessages)
			r.Delete("/{id}", handler.DeleteHistory)
		})
	})

	r.Get("/ws", handler.HandleWebSocket)

	return r
}

// corsMiddleware applies the configured CORS policy
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[origin] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" && (allowAll || allowed[origin]) {
				if allowAll {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
