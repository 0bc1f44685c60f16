// Package httpapi is the REST surface. Routes live under /api/v1 with the
// versioned envelope; the same handlers are aliased under /api for legacy
// clients, unwrapped to the flat shape by an adapter middleware.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/authz"
	"github.com/glasskeep/glasskeep-api/internal/chat"
	"github.com/glasskeep/glasskeep-api/internal/folder"
	"github.com/glasskeep/glasskeep-api/internal/identity"
	"github.com/glasskeep/glasskeep-api/internal/note"
	"github.com/glasskeep/glasskeep-api/internal/syncreplay"
	"github.com/glasskeep/glasskeep-api/internal/task"
	"github.com/glasskeep/glasskeep-api/internal/token"
)

const requestTimeout = 30 * time.Second

// Server holds the handler dependencies.
type Server struct {
	Users   *identity.Service
	Tokens  *token.Service
	Authz   *authz.Engine
	Notes   *note.Service
	Tasks   *task.Service
	Folders *folder.Service
	Chat    *chat.Service
	Replay  *syncreplay.Service

	// OAuth providers by name; absent entries return NOT_FOUND.
	OAuth map[string]identity.OAuthProvider

	// Gateway serves the WebSocket upgrade; it sits outside the rate
	// limiters and the request timeout.
	Gateway http.Handler

	CORSOrigins []string
}

// Routes builds the full router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-API-Version", "X-RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
	})
	r.Use(corsHandler.Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Long-lived socket: no timeout, no rate limit.
	if s.Gateway != nil {
		r.Handle("/ws", s.Gateway)
	}

	// One limiter per route class, shared by both mounts: alternating
	// between /api and /api/v1 must not double a client's budget.
	global := RateLimitMiddleware(GlobalLimit)
	login := RateLimitMiddleware(LoginLimit)
	reg := RateLimitMiddleware(RegisterLimit)

	r.Route("/api/v1", func(r chi.Router) {
		s.mountAPI(r, global, login, reg)
	})
	r.Route("/api", func(r chi.Router) {
		r.Use(legacyMiddleware)
		s.mountAPI(r, global, login, reg)
	})

	log.Info().Msg("HTTP routes registered")
	return r
}

// mountAPI registers the REST routes on one subtree. Called twice, once for
// /api/v1 and once for the legacy /api aliases, with the same limiters.
func (s *Server) mountAPI(r chi.Router, global, login, reg func(http.Handler) http.Handler) {
	r.Use(middleware.Timeout(requestTimeout))
	r.Use(global)

	// Public auth surface.
	r.Group(func(r chi.Router) {
		r.With(reg).Post("/auth/register", s.handleRegister)
		r.Group(func(r chi.Router) {
			r.Use(login)
			r.Post("/auth/login", s.handleLogin)
			r.Post("/auth/verify-2fa", s.handleVerify2FA)
		})
		r.Post("/auth/refresh", s.handleRefresh)
		r.Post("/auth/forgot-password", s.handleForgotPassword)
		r.Post("/auth/reset-password", s.handleResetPassword)

		r.Get("/auth/google", s.handleOAuthAuthorize("google"))
		r.Post("/auth/google", s.handleOAuthAuthorize("google"))
		r.Post("/auth/google/callback", s.handleOAuthCallback("google"))
		r.Get("/auth/github", s.handleOAuthAuthorize("github"))
		r.Post("/auth/github", s.handleOAuthAuthorize("github"))
		r.Post("/auth/github/callback", s.handleOAuthCallback("github"))
	})

	// Everything below needs a valid access token.
	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.Tokens))

		r.Get("/auth/validate", s.handleValidate)
		r.Post("/auth/logout", s.handleLogout)
		r.Post("/auth/change-password", s.handleChangePassword)
		r.Post("/auth/2fa/enable", s.handleEnable2FA)
		r.Post("/auth/2fa/confirm", s.handleConfirm2FA)
		r.Post("/auth/2fa/disable", s.handleDisable2FA)

		r.Route("/notes", func(r chi.Router) {
			r.Get("/", s.handleNoteList)
			r.Post("/", s.handleNoteCreate)
			r.Get("/{id}", s.handleNoteGet)
			r.Put("/{id}", s.handleNoteUpdate)
			r.Patch("/{id}", s.handleNoteUpdate)
			r.Delete("/{id}", s.handleNoteDelete)
			r.Post("/{id}/share", s.handleNoteShare)
			r.Get("/{id}/shares", s.handleNoteShareList)
			r.Delete("/{id}/share/{userId}", s.handleNoteUnshare)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.handleTaskList)
			r.Post("/", s.handleTaskCreate)
			r.Get("/{id}", s.handleTaskGet)
			r.Put("/{id}", s.handleTaskUpdate)
			r.Patch("/{id}", s.handleTaskUpdate)
			r.Delete("/{id}", s.handleTaskDelete)
			r.Put("/{id}/complete", s.handleTaskComplete)
			r.Post("/{id}/share", s.handleTaskShare)
			r.Delete("/{id}/share/{userId}", s.handleTaskUnshare)
		})

		r.Route("/folders", func(r chi.Router) {
			r.Get("/", s.handleFolderTree)
			r.Post("/", s.handleFolderCreate)
			r.Get("/{id}", s.handleFolderGet)
			r.Put("/{id}", s.handleFolderUpdate)
			r.Delete("/{id}", s.handleFolderDelete)
			r.Post("/{id}/move", s.handleFolderMove)
			r.Get("/{id}/path", s.handleFolderPath)
			r.Post("/notes/{noteId}/move", s.handleNoteMove)
			r.Post("/tasks/{taskId}/move", s.handleTaskMove)
		})

		r.Route("/chat", func(r chi.Router) {
			r.Get("/users", s.handleChatUsers)
			r.Get("/rooms", s.handleChatRoomList)
			r.Post("/rooms", s.handleChatRoomCreate)
			r.Post("/rooms/direct", s.handleChatDirectRoom)
			r.Route("/rooms/{id}", func(r chi.Router) {
				r.Get("/", s.handleChatRoomGet)
				r.Delete("/", s.handleChatRoomDelete)
				r.Get("/messages", s.handleChatMessages)
				r.Post("/messages", s.handleChatSend)
				r.Put("/read", s.handleChatMarkRoomRead)
				r.Put("/theme", s.handleChatSetTheme)
				r.Get("/pinned", s.handleChatPinned)
				r.Route("/messages/{messageId}", func(r chi.Router) {
					r.Post("/read", s.handleChatMarkMessageRead)
					r.Post("/reactions", s.handleChatToggleReaction)
					r.Delete("/reactions/{emoji}", s.handleChatRemoveReaction)
					r.Post("/pin", s.handleChatPin(true))
					r.Delete("/pin", s.handleChatPin(false))
				})
			})
		})

		r.Get("/users/search", s.handleUserSearch)
		r.Post("/sync/replay", s.handleSyncReplay)

		r.Route("/admin", func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Get("/users", s.handleAdminUserList)
			r.Post("/users/{id}/lock", s.handleAdminLock(true))
			r.Post("/users/{id}/unlock", s.handleAdminLock(false))
			r.Post("/users/{id}/grant-admin", s.handleAdminSetAdmin(true))
			r.Post("/users/{id}/revoke-admin", s.handleAdminSetAdmin(false))
			r.Post("/users/{id}/disable-2fa", s.handleAdminDisable2FA)
			r.Delete("/users/{id}", s.handleAdminDeleteUser)
		})
	})
}
