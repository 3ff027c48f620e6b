package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog/hlog"
	"github.com/seanblong/starsearch/internal/auth"
)

const (
	stateCookie = "oauth_state"
	tokenCookie = "auth_token"
)

func (s *Server) authRoutes(mux *http.ServeMux) {
	// Auth status endpoint (always available)
	mux.HandleFunc("GET /auth/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, r, http.StatusOK, map[string]bool{"enabled": s.auth.Enabled()})
	})

	if !s.auth.Enabled() {
		return
	}
	mux.HandleFunc("GET /auth/github", s.handleLogin)
	mux.HandleFunc("GET /auth/callback", s.handleCallback)
	mux.HandleFunc("GET /auth/me", s.handleMe)
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		clearCookie(w, tokenCookie)
		w.WriteHeader(http.StatusOK)
	})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state, err := auth.GenerateState()
	if err != nil {
		http.Error(w, "Failed to start login", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.auth.LoginURL(state), http.StatusTemporaryRedirect)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	c, err := r.Cookie(stateCookie)
	if err != nil || state == "" || c.Value != state {
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		return
	}
	clearCookie(w, stateCookie)

	if code == "" {
		http.Error(w, "Missing code parameter", http.StatusBadRequest)
		return
	}

	logger := hlog.FromRequest(r)
	accessToken, err := s.auth.ExchangeCode(r.Context(), code)
	if err != nil {
		logger.Error().Err(err).Msg("oauth code exchange failed")
		http.Error(w, "Failed to exchange code for token", http.StatusInternalServerError)
		return
	}

	user, err := s.auth.User(r.Context(), accessToken)
	if errors.Is(err, auth.ErrNotMember) {
		http.Error(w, err.Error(), http.StatusForbidden)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("fetch github user failed")
		http.Error(w, "Failed to get user info", http.StatusInternalServerError)
		return
	}

	token, err := s.auth.IssueToken(user)
	if err != nil {
		logger.Error().Err(err).Msg("issue token failed")
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     tokenCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   86400,
		HttpOnly: true,
		Secure:   secure(r),
		SameSite: http.SameSiteLaxMode,
	})
	logger.Info().Str("user", user.Login).Msg("logged in")
	writeJSON(w, r, http.StatusOK, auth.AuthResponse{User: *user, Token: token})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, "No authentication token", http.StatusUnauthorized)
		return
	}
	user, err := s.auth.ValidateToken(token)
	if err != nil {
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	writeJSON(w, r, http.StatusOK, auth.AuthResponse{User: *user, Token: token})
}

func secure(r *http.Request) bool {
	return r.TLS != nil || strings.HasPrefix(r.Header.Get("X-Forwarded-Proto"), "https")
}

func clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
}
