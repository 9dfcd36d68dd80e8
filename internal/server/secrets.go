package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/secrets"
)

type secretRoutes struct {
	app     *app.App
	maxBody int64
	log     zerolog.Logger
}

func (h *secretRoutes) router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requireClient)
	r.Get("/list", h.list)
	r.Post("/create", h.create)
	r.Put("/update", h.update)
	r.Delete("/delete", h.delete)
	return r
}

func (h *secretRoutes) requireClient(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.app.Secrets == nil {
			http.Error(w, "secret service not configured", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *secretRoutes) list(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	req := secrets.ListRequest{RunnerID: q.Get("runner_id"), EnvironmentID: q.Get("environment_id")}
	if req.RunnerID == "" || req.EnvironmentID == "" {
		writeError(w, h.log, fmt.Errorf("%w: runner_id and environment_id are required", errBadRequest))
		return
	}
	if v := q.Get("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, h.log, fmt.Errorf("%w: invalid version %q", errBadRequest, v))
			return
		}
		req.Version = version
	}

	log := h.log.With().Str("session_id", sess.ID).Str("runner_id", req.RunnerID).Logger()
	resp, err := h.app.Secrets.List(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Msg("list secrets failed")
		writeError(w, h.log, err)
		return
	}
	log.Info().Int("count", len(resp.Secrets)).Msg("listed secrets")
	writeJSON(w, http.StatusOK, resp)
}

func (h *secretRoutes) create(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, "create", h.app.Secrets.Create)
}

func (h *secretRoutes) update(w http.ResponseWriter, r *http.Request) {
	h.write(w, r, "update", h.app.Secrets.Update)
}

func (h *secretRoutes) write(w http.ResponseWriter, r *http.Request, op string, call func(context.Context, secrets.WriteRequest) (*secrets.Result, error)) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	var req secrets.WriteRequest
	if !h.decode(w, r, &req) {
		return
	}
	log := h.log.With().Str("session_id", sess.ID).Str("runner_id", req.RunnerID).Str("secret_key", req.Key).Logger()
	res, err := call(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Msg(op + " secret failed")
		writeError(w, h.log, err)
		return
	}
	log.Info().Msg(op + " secret")
	writeJSON(w, http.StatusOK, res)
}

func (h *secretRoutes) delete(w http.ResponseWriter, r *http.Request) {
	sess, ok := sessionOf(w, r)
	if !ok {
		return
	}
	var req secrets.DeleteRequest
	if !h.decode(w, r, &req) {
		return
	}
	log := h.log.With().Str("session_id", sess.ID).Str("runner_id", req.RunnerID).Str("secret_key", req.Key).Logger()
	res, err := h.app.Secrets.Delete(r.Context(), req)
	if err != nil {
		log.Error().Err(err).Msg("delete secret failed")
		writeError(w, h.log, err)
		return
	}
	log.Info().Msg("delete secret")
	writeJSON(w, http.StatusOK, res)
}

// decode reads a JSON body into v, writing a 400 on failure.
func (h *secretRoutes) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody)).Decode(v); err != nil {
		writeError(w, h.log, fmt.Errorf("%w: invalid JSON body", errBadRequest))
		return false
	}
	return true
}
