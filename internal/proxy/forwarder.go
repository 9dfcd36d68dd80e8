// Package proxy forwards arbitrary calls to the upstream API on behalf of a session. It is
// content-agnostic: bodies and responses are relayed without interpretation.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/upstream"
)

var (
	// ErrUnauthorized is returned when no usable bearer token could be obtained.
	ErrUnauthorized = errors.New("proxy: unauthorized")
	// ErrUnsupportedMethod is returned for verbs outside the standard HTTP set.
	ErrUnsupportedMethod = errors.New("proxy: unsupported method")
	// ErrUpstreamUnreachable is returned on transport failure.
	ErrUpstreamUnreachable = errors.New("proxy: upstream unreachable")
)

const (
	contentTypeJSON   = "application/json"
	contentTypeBinary = "application/octet-stream"
)

var methods = map[string]string{
	http.MethodGet:     http.MethodGet,
	http.MethodHead:    http.MethodHead,
	http.MethodPost:    http.MethodPost,
	http.MethodPut:     http.MethodPut,
	http.MethodPatch:   http.MethodPatch,
	http.MethodDelete:  http.MethodDelete,
	http.MethodOptions: http.MethodOptions,
	http.MethodConnect: http.MethodConnect,
	http.MethodTrace:   http.MethodTrace,
}

// TokenSource returns a usable bearer token for a session.
type TokenSource interface {
	EnsureValid(ctx context.Context, sess *domain.Session) (string, error)
}

// Sender issues one upstream request.
type Sender interface {
	Send(ctx context.Context, r upstream.Request) (*upstream.Response, error)
}

// Request is an inbound call to forward. Path is everything after the proxy prefix.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Body     []byte
}

// Forwarder relays requests upstream with the session's bearer token.
type Forwarder struct {
	tokens  TokenSource
	sender  Sender
	metrics *metrics.Metrics
	log     zerolog.Logger
	tracer  trace.Tracer
}

// NewForwarder returns a Forwarder.
func NewForwarder(tokens TokenSource, sender Sender, m *metrics.Metrics, log zerolog.Logger) *Forwarder {
	return &Forwarder{
		tokens:  tokens,
		sender:  sender,
		metrics: m,
		log:     log,
		tracer:  otel.Tracer("portal-gateway/proxy"),
	}
}

// Forward sends req upstream for sess and returns the upstream status, content type and body
// unchanged. A client disconnect does not cancel the upstream call.
func (f *Forwarder) Forward(ctx context.Context, req Request, sess *domain.Session) (*upstream.Response, error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := f.tracer.Start(ctx, "proxy.forward", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("proxy.path", req.Path),
	))
	defer span.End()

	bearer, err := f.tokens.EnsureValid(ctx, sess)
	if err != nil {
		span.SetStatus(codes.Error, "unauthorized")
		return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}

	method, ok := methods[req.Method]
	if !ok {
		span.SetStatus(codes.Error, "unsupported method")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, req.Method)
	}

	out := upstream.Request{
		Method:   method,
		Path:     req.Path,
		RawQuery: req.RawQuery,
		Bearer:   bearer,
	}
	out.Body, out.ContentType = encodeBody(req.Body)

	start := time.Now()
	resp, err := f.sender.Send(ctx, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unreachable")
		f.metrics.ObserveProxy(method, http.StatusBadGateway, time.Since(start).Seconds())
		f.log.Warn().Err(err).Str("session_id", sess.ID).Str("method", method).Str("path", req.Path).Msg("upstream unreachable")
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnreachable, err)
	}

	relayed := &upstream.Response{
		Status:      relayStatus(resp.Status),
		ContentType: resp.ContentType,
		Body:        resp.Body,
	}
	if relayed.ContentType == "" {
		relayed.ContentType = contentTypeBinary
	}
	span.SetAttributes(attribute.Int("http.response.status_code", relayed.Status))
	f.metrics.ObserveProxy(method, relayed.Status, time.Since(start).Seconds())
	f.log.Debug().Str("session_id", sess.ID).Str("method", method).Str("path", req.Path).Int("status", relayed.Status).Msg("proxied")
	return relayed, nil
}

// encodeBody forwards a JSON body as JSON and anything else as opaque bytes.
func encodeBody(body []byte) ([]byte, string) {
	if len(body) == 0 {
		return nil, ""
	}
	if json.Valid(body) {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			return buf.Bytes(), contentTypeJSON
		}
	}
	return body, contentTypeBinary
}

// relayStatus passes 1xx-5xx statuses through and maps the rest to 500.
func relayStatus(status int) int {
	if status < 100 || status > 599 {
		return http.StatusInternalServerError
	}
	return status
}
