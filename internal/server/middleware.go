package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/session/domain"
)

// SessionCookie is the cookie carrying the opaque session id.
const SessionCookie = "session_id"

// Authenticator resolves a session id to a live session.
type Authenticator interface {
	Authenticate(ctx context.Context, sessionID string) (*domain.Session, error)
}

// RequireSession rejects requests without a valid session cookie with a uniform 401 and puts the
// session in the request context otherwise.
func RequireSession(auth Authenticator, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if c, err := r.Cookie(SessionCookie); err == nil {
				id = c.Value
			}
			sess, err := auth.Authenticate(r.Context(), id)
			if err != nil {
				if !errors.Is(err, app.ErrInvalidSession) {
					log.Error().Err(err).Msg("session lookup failed")
				}
				http.Error(w, unauthorizedMessage, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithSession(r.Context(), sess)))
		})
	}
}

// requestLogger logs one line per request. Query strings are left out; they may carry ids.
func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				ev := log.Info()
				if ww.Status() >= http.StatusInternalServerError {
					ev = log.Warn()
				}
				ev.Str("request_id", middleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
