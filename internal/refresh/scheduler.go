// Package refresh runs one background task per live session. Each cycle keeps the access token
// fresh and warms the response cache; the task ends when the session's refresh token expires,
// when the session is logged out, or on shutdown.
package refresh

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"portal-gateway/backend/internal/cache"
	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/telemetry"
	telemetrydomain "portal-gateway/backend/internal/telemetry/domain"
	"portal-gateway/backend/internal/upstream"
)

// CacheName labels the response cache in metrics.
const CacheName = "responses"

// TokenSource returns a usable bearer token, updating sess in place when it refreshes.
type TokenSource interface {
	EnsureValid(ctx context.Context, sess *domain.Session) (string, error)
}

// Fetcher performs the warm-up GETs.
type Fetcher interface {
	Get(ctx context.Context, path, bearer string) (*upstream.Response, error)
}

// Evictor drops a session from the session cache.
type Evictor interface {
	Evict(ctx context.Context, id string)
}

// Options configures a Scheduler.
type Options struct {
	Interval    time.Duration
	Paths       []string
	ResponseTTL time.Duration
	Events      telemetry.EventEmitter
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger
	Now         func() time.Time
}

type task struct {
	cancel context.CancelFunc
	gen    uint64
}

// Scheduler is the registry of refresh tasks keyed by session id.
type Scheduler struct {
	tokens    TokenSource
	fetcher   Fetcher
	sessions  Evictor
	responses *cache.Cache[*upstream.Response]

	interval    time.Duration
	paths       []string
	responseTTL time.Duration
	events      telemetry.EventEmitter
	metrics     *metrics.Metrics
	log         zerolog.Logger
	nowF        func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu    sync.Mutex
	tasks map[string]task
	gen   uint64
}

// NewScheduler returns an idle scheduler. Tasks are added with Start.
func NewScheduler(tokens TokenSource, fetcher Fetcher, sessions Evictor, responses *cache.Cache[*upstream.Response], opts Options) *Scheduler {
	base, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		tokens:      tokens,
		fetcher:     fetcher,
		sessions:    sessions,
		responses:   responses,
		interval:    opts.Interval,
		paths:       opts.Paths,
		responseTTL: opts.ResponseTTL,
		events:      opts.Events,
		metrics:     opts.Metrics,
		log:         opts.Logger,
		nowF:        opts.Now,
		base:        base,
		cancel:      cancel,
		tasks:       make(map[string]task),
	}
	if s.interval <= 0 {
		s.interval = 30 * time.Second
	}
	if s.responseTTL <= 0 {
		s.responseTTL = time.Minute
	}
	if s.nowF == nil {
		s.nowF = time.Now
	}
	return s
}

// Start launches the refresh task for sess, replacing any task already running for its id.
// The task works on its own copy of sess. Start after Shutdown does nothing.
func (s *Scheduler) Start(sess *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base.Err() != nil {
		return
	}
	if prev, ok := s.tasks[sess.ID]; ok {
		prev.cancel()
	}
	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(s.base)
	s.tasks[sess.ID] = task{cancel: cancel, gen: gen}

	own := sess.Clone()
	s.metrics.RefreshTaskStarted()
	s.wg.Go(func() {
		defer s.finish(own.ID, gen)
		s.run(ctx, own)
	})
}

// Stop cancels the task for id. It reports whether a task was running.
func (s *Scheduler) Stop(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false
	}
	t.cancel()
	delete(s.tasks, id)
	return true
}

// Active returns the number of registered tasks.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Running reports whether a task is registered for id.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

// Shutdown cancels every task and waits for them to return or for ctx to end.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := s.wg.WaitAndRecover(); r != nil {
			s.log.Error().Str("panic", r.String()).Msg("refresh task panicked")
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the warm response for sessionID and path if it is younger than the response TTL.
func (s *Scheduler) Snapshot(ctx context.Context, sessionID, path string) (*upstream.Response, bool) {
	return s.responses.Get(ctx, SnapshotKey(sessionID, path), s.responseTTL)
}

// SnapshotKey is the response cache key for a session's warm path.
func SnapshotKey(sessionID, path string) string {
	return sessionID + ":" + strings.TrimPrefix(path, "/")
}

// DropSnapshots removes every warm response of sessionID.
func (s *Scheduler) DropSnapshots(ctx context.Context, sessionID string) {
	prefix := sessionID + ":"
	s.responses.RemoveWhere(ctx, func(key string, _ *upstream.Response) bool {
		return strings.HasPrefix(key, prefix)
	})
}

func (s *Scheduler) finish(id string, gen uint64) {
	s.mu.Lock()
	if t, ok := s.tasks[id]; ok && t.gen == gen {
		t.cancel()
		delete(s.tasks, id)
	}
	s.mu.Unlock()
	s.metrics.RefreshTaskStopped()
}

func (s *Scheduler) run(ctx context.Context, sess *domain.Session) {
	log := s.log.With().Str("session_id", sess.ID).Logger()
	log.Debug().Time("expires_at", sess.ExpiresAt).Msg("refresh task started")
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("refresh task cancelled")
			return
		case <-timer.C:
		}

		if !sess.Active(s.nowF()) {
			s.expire(ctx, sess)
			log.Info().Msg("session expired, refresh task stopped")
			return
		}
		s.cycle(ctx, log, sess)
		timer.Reset(s.interval)
	}
}

func (s *Scheduler) cycle(ctx context.Context, log zerolog.Logger, sess *domain.Session) {
	bearer, err := s.tokens.EnsureValid(ctx, sess)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("token refresh failed, skipping prefetch")
		}
		return
	}
	for _, path := range s.paths {
		resp, err := s.fetcher.Get(ctx, path, bearer)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Str("path", path).Msg("prefetch failed")
			continue
		}
		s.responses.Insert(ctx, SnapshotKey(sess.ID, path), resp)
	}
}

func (s *Scheduler) expire(ctx context.Context, sess *domain.Session) {
	s.sessions.Evict(ctx, sess.ID)
	s.DropSnapshots(ctx, sess.ID)
	s.metrics.ObserveSessionEvent(telemetrydomain.EventSessionExpired)
	telemetry.EmitAsync(s.log, s.events, telemetrydomain.NewSessionEvent(telemetrydomain.EventSessionExpired, sess.ID, sess.UserID))
}
