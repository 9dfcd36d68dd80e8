package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"portal-gateway/backend/internal/app"
)

type authRoutes struct {
	app    *app.App
	secure bool
	log    zerolog.Logger
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type logoutAllResponse struct {
	Revoked int `json:"revoked"`
}

// loginBodyLimit caps the credentials payload.
const loginBodyLimit = 64 << 10

func (h *authRoutes) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, loginBodyLimit)).Decode(&req); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid login body", errBadRequest))
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || req.Password == "" {
		writeError(w, h.log, fmt.Errorf("%w: email and password are required", errBadRequest))
		return
	}

	h.log.Debug().Str("email", req.Email).Msg("login")
	sess, err := h.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		h.log.Warn().Err(err).Str("email", req.Email).Msg("login failed")
		writeError(w, h.log, err)
		return
	}

	setSessionCookie(w, sess.ID, h.secure)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Logged in as %s.", sess.UserID)
}

func (h *authRoutes) logout(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	h.app.Logout(r.Context(), sess)
	clearSessionCookie(w, h.secure)
	w.WriteHeader(http.StatusOK)
}

func (h *authRoutes) logoutAll(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	n := h.app.LogoutAll(r.Context(), sess)
	clearSessionCookie(w, h.secure)
	writeJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}
