package httpapi

import (
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/glasskeep/glasskeep-api/internal/apperr"
	"github.com/glasskeep/glasskeep-api/internal/identity"
)

type registerReq struct {
	Username string  `json:"username"`
	Password string  `json:"password"`
	Email    *string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	user, err := s.Users.Register(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		respondError(w, r, err)
		return
	}
	pair, err := s.Tokens.MintPair(r.Context(), user.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusCreated, map[string]any{"user": user, "tokens": pair})
}

type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	user, needs2FA, err := s.Users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if needs2FA {
		respond(w, r, http.StatusOK, map[string]any{"requires2FA": true})
		return
	}
	pair, err := s.Tokens.MintPair(r.Context(), user.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	log.Ctx(r.Context()).Info().Str("userId", user.ID).Msg("login")
	respond(w, r, http.StatusOK, map[string]any{"user": user, "tokens": pair})
}

type verify2FAReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

// handleVerify2FA completes a login that answered requires2FA. Credentials
// travel with the code so a stolen code alone is useless.
func (s *Server) handleVerify2FA(w http.ResponseWriter, r *http.Request) {
	var req verify2FAReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	user, needs2FA, err := s.Users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		respondError(w, r, err)
		return
	}
	if needs2FA {
		if err := s.Users.Verify2FA(r.Context(), user.ID, req.Code); err != nil {
			respondError(w, r, err)
			return
		}
	}
	pair, err := s.Tokens.MintPair(r.Context(), user.ID)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"user": user, "tokens": pair})
}

type refreshReq struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	pair, err := s.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"tokens": pair})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	user, err := s.Users.GetUser(r.Context(), UserID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]any{"user": user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Tokens.RevokeAll(r.Context(), UserID(r.Context())); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "logged out")
}

type changePasswordReq struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordReq
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	callerID := UserID(r.Context())
	if err := s.Users.ChangePassword(r.Context(), callerID, req.CurrentPassword, req.NewPassword); err != nil {
		respondError(w, r, err)
		return
	}
	// Password change invalidates every outstanding session.
	if err := s.Tokens.RevokeAll(r.Context(), callerID); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "password changed")
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	// Always answer the same way so usernames cannot be probed.
	tok, err := s.Users.CreatePasswordReset(r.Context(), req.Username)
	if err == nil && tok != "" {
		log.Ctx(r.Context()).Info().Msg("password reset token issued")
	}
	respondMessage(w, r, http.StatusOK, "if the account exists, a reset token has been issued")
}

func (s *Server) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token       string `json:"token"`
		NewPassword string `json:"newPassword"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.Users.ResetPassword(r.Context(), req.Token, req.NewPassword); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "password reset")
}

func (s *Server) handleEnable2FA(w http.ResponseWriter, r *http.Request) {
	otpauthURL, err := s.Users.Enable2FA(r.Context(), UserID(r.Context()))
	if err != nil {
		respondError(w, r, err)
		return
	}
	respond(w, r, http.StatusOK, map[string]string{"otpauthUrl": otpauthURL})
}

func (s *Server) handleConfirm2FA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, r, err)
		return
	}
	if err := s.Users.Confirm2FA(r.Context(), UserID(r.Context()), req.Code); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "two-factor authentication enabled")
}

func (s *Server) handleDisable2FA(w http.ResponseWriter, r *http.Request) {
	if err := s.Users.Disable2FA(r.Context(), UserID(r.Context())); err != nil {
		respondError(w, r, err)
		return
	}
	respondMessage(w, r, http.StatusOK, "two-factor authentication disabled")
}

// --- OAuth ---

func (s *Server) provider(name string) (identity.OAuthProvider, error) {
	p, ok := s.OAuth[name]
	if !ok || p == nil {
		return nil, apperr.Newf(apperr.CodeNotFound, "oauth provider %q is not configured", name)
	}
	return p, nil
}

// handleOAuthAuthorize returns the provider's consent URL. state is echoed
// back on the callback and should be verified client-side.
func (s *Server) handleOAuthAuthorize(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.provider(name)
		if err != nil {
			respondError(w, r, err)
			return
		}
		state := r.URL.Query().Get("state")
		respond(w, r, http.StatusOK, map[string]string{"authorizeUrl": p.AuthorizeURL(state)})
	}
}

// handleOAuthCallback exchanges the authorization code, links or creates the
// local account, and issues tokens.
func (s *Server) handleOAuthCallback(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.provider(name)
		if err != nil {
			respondError(w, r, err)
			return
		}
		var req struct {
			Code string `json:"code"`
		}
		if err := decodeBody(r, &req); err != nil {
			respondError(w, r, err)
			return
		}
		if req.Code == "" {
			respondError(w, r, apperr.Validation(map[string]string{"code": "authorization code is required"}))
			return
		}

		accessToken, err := p.ExchangeCode(r.Context(), req.Code)
		if err != nil {
			respondError(w, r, err)
			return
		}
		profile, err := p.FetchProfile(r.Context(), accessToken)
		if err != nil {
			respondError(w, r, err)
			return
		}
		user, err := s.Users.LinkOAuth(r.Context(), p.Name(), profile)
		if err != nil {
			respondError(w, r, err)
			return
		}
		pair, err := s.Tokens.MintPair(r.Context(), user.ID)
		if err != nil {
			respondError(w, r, err)
			return
		}
		respond(w, r, http.StatusOK, map[string]any{"user": user, "tokens": pair})
	}
}
