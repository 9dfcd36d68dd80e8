package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/upstream"
)

type accountRoutes struct {
	app *app.App
	log zerolog.Logger
}

type whoamiResponse struct {
	UserID  string `json:"user_id"`
	Expires uint64 `json:"expires"`
}

type meResponse struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

const unknown = "Unknown"

// bearer returns a usable access token for the request's session or writes a 401.
func (h *accountRoutes) bearer(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return "", "", false
	}
	tok, err := h.app.Tokens.EnsureValid(r.Context(), sess)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", sess.ID).Msg("no usable token")
		http.Error(w, unauthorizedMessage, http.StatusUnauthorized)
		return "", "", false
	}
	return tok, sess.ID, true
}

func (h *accountRoutes) whoami(w http.ResponseWriter, r *http.Request) {
	tok, sessionID, ok := h.bearer(w, r)
	if !ok {
		return
	}
	acc, err := h.app.Upstream.Me(r.Context(), tok)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if acc.UserID == "" {
		writeError(w, h.log, fmt.Errorf("%w: account/me returned no user_id", upstream.ErrProtocol))
		return
	}
	expires, err := h.app.Upstream.WhoAmI(r.Context(), tok)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	h.log.Debug().Str("session_id", sessionID).Msg("whoami")
	writeJSON(w, http.StatusOK, whoamiResponse{UserID: acc.UserID, Expires: expires})
}

func (h *accountRoutes) me(w http.ResponseWriter, r *http.Request) {
	tok, _, ok := h.bearer(w, r)
	if !ok {
		return
	}
	acc, err := h.app.Upstream.Me(r.Context(), tok)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	resp := meResponse{UserID: acc.UserID, Email: acc.Email}
	if resp.UserID == "" {
		resp.UserID = unknown
	}
	if resp.Email == "" {
		resp.Email = unknown
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *accountRoutes) runners(w http.ResponseWriter, r *http.Request) {
	tok, _, ok := h.bearer(w, r)
	if !ok {
		return
	}
	resp, err := h.app.Upstream.Get(r.Context(), "runners", tok)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	if !resp.OK() {
		writeError(w, h.log, fmt.Errorf("%w: runners returned %d", upstream.ErrStatus, resp.Status))
		return
	}
	if !json.Valid(resp.Body) {
		writeError(w, h.log, fmt.Errorf("%w: runners returned invalid JSON", upstream.ErrProtocol))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Body)
}
