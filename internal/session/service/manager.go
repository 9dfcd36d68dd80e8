package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/telemetry"
	telemetrydomain "portal-gateway/backend/internal/telemetry/domain"
	"portal-gateway/backend/internal/token"
	"portal-gateway/backend/internal/upstream"
)

var (
	// ErrRefreshFailed is returned when the upstream refuses the refresh, cannot be reached, or
	// the new token cannot be persisted.
	ErrRefreshFailed = errors.New("session: token refresh failed")
	// ErrProtocol is returned when the refresh succeeded but carried no access token.
	ErrProtocol = errors.New("session: refresh protocol error")
)

// Refresher performs the upstream refresh exchange.
type Refresher interface {
	Refresh(ctx context.Context, expiredToken, refreshToken string) (string, error)
}

// TokenStore persists a renewed access token.
type TokenStore interface {
	UpdateAccessToken(ctx context.Context, sess *domain.Session) error
}

// Manager hands out usable bearer tokens for sessions.
type Manager struct {
	store     TokenStore
	refresher Refresher
	events    telemetry.EventEmitter
	metrics   *metrics.Metrics
	log       zerolog.Logger
	tracer    trace.Tracer
	nowF      func() time.Time
}

// ManagerOptions carries the optional collaborators of a Manager.
type ManagerOptions struct {
	Events  telemetry.EventEmitter
	Metrics *metrics.Metrics
	Logger  zerolog.Logger
	Now     func() time.Time
}

// NewManager returns a Manager.
func NewManager(store TokenStore, refresher Refresher, opts ManagerOptions) *Manager {
	m := &Manager{
		store:     store,
		refresher: refresher,
		events:    opts.Events,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		tracer:    otel.Tracer("portal-gateway/session"),
		nowF:      opts.Now,
	}
	if m.nowF == nil {
		m.nowF = time.Now
	}
	return m
}

// EnsureValid returns a bearer token for sess. An unexpired access token is returned as is.
// Otherwise one refresh exchange is made, the new token is persisted, and sess.AccessToken is
// updated in place. The refresh token and ExpiresAt are never changed here.
//
// Concurrent calls for the same session may each refresh; the last persisted token wins.
func (m *Manager) EnsureValid(ctx context.Context, sess *domain.Session) (string, error) {
	exp, err := token.Expiry(sess.AccessToken)
	if err != nil {
		return "", fmt.Errorf("access token of session %s: %w", sess.ID, err)
	}
	if exp.After(m.nowF()) {
		return sess.AccessToken, nil
	}

	ctx, span := m.tracer.Start(ctx, "session.refresh", trace.WithAttributes(
		attribute.String("session.id", sess.ID),
	))
	defer span.End()

	fresh, err := m.refresher.Refresh(ctx, sess.AccessToken, sess.RefreshToken)
	if err != nil {
		m.metrics.ObserveRefresh(refreshResult(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh")
		m.log.Warn().Err(err).Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("token refresh failed")
		if errors.Is(err, upstream.ErrProtocol) {
			return "", fmt.Errorf("%w: %w", ErrProtocol, err)
		}
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	updated := sess.Clone()
	updated.AccessToken = fresh
	if err := m.store.UpdateAccessToken(ctx, updated); err != nil {
		m.metrics.ObserveRefresh(metrics.RefreshPersist)
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist")
		m.log.Error().Err(err).Str("session_id", sess.ID).Msg("persisting refreshed token failed")
		return "", fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	sess.AccessToken = fresh
	m.metrics.ObserveRefresh(metrics.RefreshOK)
	m.metrics.ObserveSessionEvent(telemetrydomain.EventTokenRefreshed)
	m.log.Info().Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("access token refreshed")
	telemetry.EmitAsync(m.log, m.events, telemetrydomain.NewSessionEvent(telemetrydomain.EventTokenRefreshed, sess.ID, sess.UserID))
	return fresh, nil
}

func refreshResult(err error) string {
	switch {
	case errors.Is(err, upstream.ErrProtocol):
		return metrics.RefreshProtocol
	case errors.Is(err, upstream.ErrUnreachable):
		return metrics.RefreshTransport
	default:
		return metrics.RefreshRejected
	}
}
