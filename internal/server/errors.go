package server

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/proxy"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/session/service"
	"portal-gateway/backend/internal/upstream"
)

const unauthorizedMessage = "unauthorized"

// errBadRequest marks malformed client input.
var errBadRequest = errors.New("bad request")

// statusFor maps an error to the HTTP status and the message shown to the client.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, upstream.ErrLoginRejected):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, app.ErrInvalidSession),
		errors.Is(err, domain.ErrNotFound),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, proxy.ErrUnauthorized),
		errors.Is(err, service.ErrRefreshFailed),
		errors.Is(err, service.ErrProtocol):
		return http.StatusUnauthorized, unauthorizedMessage
	case errors.Is(err, proxy.ErrUnsupportedMethod):
		return http.StatusMethodNotAllowed, "unsupported method"
	case errors.Is(err, proxy.ErrUpstreamUnreachable),
		errors.Is(err, upstream.ErrUnreachable),
		errors.Is(err, upstream.ErrProtocol),
		errors.Is(err, upstream.ErrStatus):
		return http.StatusBadGateway, err.Error()
	case errors.Is(err, domain.ErrPersistence):
		return http.StatusInternalServerError, "internal error"
	}
	if s, ok := status.FromError(err); ok {
		return grpcStatus(s.Code()), s.Message()
	}
	return http.StatusInternalServerError, "internal error"
}

// grpcStatus maps secret-service status codes to HTTP.
func grpcStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument, codes.OutOfRange, codes.FailedPrecondition:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// writeError logs server-side failures and writes the mapped status as plain text.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", code).Msg("request failed")
	}
	http.Error(w, msg, code)
}
