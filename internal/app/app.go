// Package app is the application context: it builds the caches, the session store, the token
// manager, the refresh scheduler and the forwarder once, and exposes the session lifecycle
// operations the HTTP layer calls.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"portal-gateway/backend/internal/cache"
	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/proxy"
	"portal-gateway/backend/internal/refresh"
	"portal-gateway/backend/internal/secrets"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/session/repository"
	"portal-gateway/backend/internal/session/service"
	"portal-gateway/backend/internal/telemetry"
	telemetrydomain "portal-gateway/backend/internal/telemetry/domain"
	"portal-gateway/backend/internal/token"
	"portal-gateway/backend/internal/upstream"
)

// ErrInvalidSession is returned when the session id is unknown, expired or absent.
var ErrInvalidSession = errors.New("app: invalid session")

// Options carries the collaborators and tunables of an App.
type Options struct {
	Repository repository.Repository
	Upstream   *upstream.Client
	// Secrets may be nil when no secret service is configured.
	Secrets *secrets.Client
	Events  telemetry.EventEmitter
	Metrics *metrics.Metrics
	Logger  zerolog.Logger

	SessionTTL      time.Duration
	ResponseTTL     time.Duration
	LockTimeout     time.Duration
	RefreshInterval time.Duration
	PrefetchPaths   []string

	Now func() time.Time
}

// App is built once at startup and shared by every request and refresh task.
type App struct {
	Sessions  *service.Store
	Tokens    *service.Manager
	Scheduler *refresh.Scheduler
	Forwarder *proxy.Forwarder
	Upstream  *upstream.Client
	Secrets   *secrets.Client
	Metrics   *metrics.Metrics

	events telemetry.EventEmitter
	log    zerolog.Logger
	nowF   func() time.Time
}

// New wires the application context.
func New(opts Options) *App {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessionCache := cache.New[*domain.Session](cache.Options{
		LockTimeout:  opts.LockTimeout,
		Now:          now,
		OnContention: opts.Metrics.CacheContention(service.CacheName),
	})
	responseCache := cache.New[*upstream.Response](cache.Options{
		LockTimeout:  opts.LockTimeout,
		Now:          now,
		OnContention: opts.Metrics.CacheContention(refresh.CacheName),
	})

	store := service.NewStore(opts.Repository, sessionCache, service.StoreOptions{
		TTL:     opts.SessionTTL,
		Metrics: opts.Metrics,
		Now:     now,
	})
	tokens := service.NewManager(store, opts.Upstream, service.ManagerOptions{
		Events:  opts.Events,
		Metrics: opts.Metrics,
		Logger:  opts.Logger.With().Str("component", "tokens").Logger(),
		Now:     now,
	})
	scheduler := refresh.NewScheduler(tokens, opts.Upstream, store, responseCache, refresh.Options{
		Interval:    opts.RefreshInterval,
		Paths:       opts.PrefetchPaths,
		ResponseTTL: opts.ResponseTTL,
		Events:      opts.Events,
		Metrics:     opts.Metrics,
		Logger:      opts.Logger.With().Str("component", "refresh").Logger(),
		Now:         now,
	})
	forwarder := proxy.NewForwarder(tokens, opts.Upstream, opts.Metrics, opts.Logger.With().Str("component", "proxy").Logger())

	return &App{
		Sessions:  store,
		Tokens:    tokens,
		Scheduler: scheduler,
		Forwarder: forwarder,
		Upstream:  opts.Upstream,
		Secrets:   opts.Secrets,
		Metrics:   opts.Metrics,
		events:    opts.Events,
		log:       opts.Logger,
		nowF:      now,
	}
}

// Login exchanges credentials upstream, stores the new session and starts its refresh task.
// The user id is the access token's subject and the session lives until the refresh token expires.
func (a *App) Login(ctx context.Context, email, password string) (*domain.Session, error) {
	pair, err := a.Upstream.Login(ctx, email, password)
	if err != nil {
		return nil, err
	}
	userID, err := token.Subject(pair.Auth)
	if err != nil {
		return nil, fmt.Errorf("%w: access token: %w", upstream.ErrProtocol, err)
	}
	expiresAt, err := token.Expiry(pair.Refresh)
	if err != nil {
		return nil, fmt.Errorf("%w: refresh token: %w", upstream.ErrProtocol, err)
	}

	sess := &domain.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		AccessToken:  pair.Auth,
		RefreshToken: pair.Refresh,
		ExpiresAt:    expiresAt.UTC(),
	}
	if !sess.Active(a.nowF()) {
		return nil, fmt.Errorf("%w: refresh token already expired", upstream.ErrProtocol)
	}
	if err := a.Sessions.Insert(ctx, sess); err != nil {
		a.log.Error().Err(err).Str("session_id", sess.ID).Str("user_id", userID).Msg("storing session failed")
		return nil, err
	}
	a.Scheduler.Start(sess)
	a.emit(telemetrydomain.EventLogin, sess)
	a.log.Info().Str("session_id", sess.ID).Str("user_id", userID).Time("expires_at", sess.ExpiresAt).Msg("session created")
	return sess, nil
}

// Authenticate resolves a session id. Unknown and expired ids both yield ErrInvalidSession.
func (a *App) Authenticate(ctx context.Context, sessionID string) (*domain.Session, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	sess, err := a.Sessions.Lookup(ctx, sessionID)
	if err != nil {
		if domain.IsInvalid(err) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidSession, err)
		}
		return nil, err
	}
	return sess, nil
}

// Logout ends one session. Store failures are logged and never returned.
func (a *App) Logout(ctx context.Context, sess *domain.Session) {
	if err := a.Sessions.Delete(ctx, sess.ID); err != nil {
		a.log.Warn().Err(err).Str("session_id", sess.ID).Msg("deleting session failed")
	}
	a.Scheduler.Stop(sess.ID)
	a.Scheduler.DropSnapshots(ctx, sess.ID)
	a.emit(telemetrydomain.EventLogout, sess)
	a.log.Info().Str("session_id", sess.ID).Msg("logged out")
}

// LogoutAll ends every session of sess's user and returns how many were revoked. Store failures
// are logged; sessions already evicted from the cache still count.
func (a *App) LogoutAll(ctx context.Context, sess *domain.Session) int {
	ids, err := a.Sessions.DeleteByUser(ctx, sess.UserID)
	if err != nil {
		a.log.Warn().Err(err).Str("user_id", sess.UserID).Msg("deleting user sessions failed")
	}
	if len(ids) == 0 {
		// The caller's own session may be neither cached nor stored if the store is down.
		ids = []string{sess.ID}
		a.Sessions.Evict(ctx, sess.ID)
	}
	for _, id := range ids {
		a.Scheduler.Stop(id)
		a.Scheduler.DropSnapshots(ctx, id)
	}
	a.emit(telemetrydomain.EventLogoutAll, sess)
	a.log.Info().Str("user_id", sess.UserID).Int("revoked", len(ids)).Msg("logged out everywhere")
	return len(ids)
}

// Restore loads every active session, warms the session cache and starts one refresh task per
// session. It returns the number of sessions restored.
func (a *App) Restore(ctx context.Context) (int, error) {
	sessions, err := a.Sessions.LoadActive(ctx)
	if err != nil {
		return 0, err
	}
	for _, sess := range sessions {
		a.Scheduler.Start(sess)
	}
	return len(sessions), nil
}

// Shutdown stops every refresh task, waiting at most until ctx ends.
func (a *App) Shutdown(ctx context.Context) error {
	return a.Scheduler.Shutdown(ctx)
}

func (a *App) emit(eventType string, sess *domain.Session) {
	a.Metrics.ObserveSessionEvent(eventType)
	telemetry.EmitAsync(a.log, a.events, telemetrydomain.NewSessionEvent(eventType, sess.ID, sess.UserID))
}
