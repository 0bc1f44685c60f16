package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
)

// adminOnly gates the /admin subtree.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		admin, err := s.Authz.IsAdmin(r.Context(), UserID(r.Context()))
		if err != nil {
			respondError(w, r, err)
			return
		}
		if !admin {
			respondError(w, r, apperr.New(apperr.CodeForbidden, "admin access required"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleAdminUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.Users.ListUsers(r.Context())
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, users)
}

func (s *Server) handleAdminLock(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID := chi.URLParam(r, "id")
		if err := s.Users.SetLocked(r.Context(), targetID, locked); err != nil {
			respondError(w, r, err)
			return
		}
		log.Ctx(r.Context()).Info().Str("targetId", targetID).Bool("locked", locked).Msg("admin lock change")
		if locked {
			respondMessage(w, r, http.StatusOK, "user locked")
			return
		}
		respondMessage(w, r, http.StatusOK, "user unlocked")
	}
}

func (s *Server) handleAdminSetAdmin(admin bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		targetID := chi.URLParam(r, "id")
		if err := s.Users.SetAdmin(r.Context(), UserID(r.Context()), targetID, admin); err != nil {
			respondError(w, r, err)
			return
		}
		log.Ctx(r.Context()).Info().Str("targetId", targetID).Bool("admin", admin).Msg("admin role change")
		if admin {
			respondMessage(w, r, http.StatusOK, "admin granted")
			return
		}
		respondMessage(w, r, http.StatusOK, "admin revoked")
	}
}

// handleAdminDisable2FA removes a locked-out user's authenticator binding.
func (s *Server) handleAdminDisable2FA(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	if err := s.Users.Disable2FA(r.Context(), targetID); err != nil {
		respondError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("targetId", targetID).Msg("admin disabled 2fa")
	respondMessage(w, r, http.StatusOK, "two-factor authentication disabled")
}

func (s *Server) handleAdminDeleteUser(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "id")
	if err := s.Users.DeleteUser(r.Context(), UserID(r.Context()), targetID); err != nil {
		respondError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("targetId", targetID).Msg("admin deleted user")
	respondMessage(w, r, http.StatusOK, "user deleted")
}
