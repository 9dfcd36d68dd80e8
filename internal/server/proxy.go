package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/proxy"
)

type proxyRoutes struct {
	app     *app.App
	maxBody int64
	log     zerolog.Logger
}

// forward relays /api/proxy/{rest} to {base}{rest} and writes the upstream answer back verbatim.
func (h *proxyRoutes) forward(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "reading request body failed", http.StatusBadRequest)
		return
	}

	resp, err := h.app.Forwarder.Forward(r.Context(), proxy.Request{
		Method:   r.Method,
		Path:     chi.URLParam(r, "*"),
		RawQuery: r.URL.RawQuery,
		Body:     body,
	}, sess)
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}
