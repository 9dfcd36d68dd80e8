// Package service holds the session store (cache in front of the repository) and the token
// lifecycle manager that keeps a session's access token usable.
package service

import (
	"context"
	"sync"
	"time"

	"portal-gateway/backend/internal/cache"
	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/session/repository"
)

// CacheName labels the session cache in metrics.
const CacheName = "sessions"

// Store reads sessions from the cache first and falls back to the repository. Cached values are
// never handed out directly: callers get clones they may mutate.
//
// A deleted id is remembered for one TTL so a lookup or refresh that was already in flight cannot
// put it back into the cache.
type Store struct {
	repo    repository.Repository
	cache   *cache.Cache[*domain.Session]
	ttl     time.Duration
	metrics *metrics.Metrics
	nowF    func() time.Time

	mu      sync.Mutex
	deleted map[string]time.Time
}

// StoreOptions configures a Store.
type StoreOptions struct {
	TTL     time.Duration
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewStore returns a Store over repo and c.
func NewStore(repo repository.Repository, c *cache.Cache[*domain.Session], opts StoreOptions) *Store {
	s := &Store{
		repo:    repo,
		cache:   c,
		ttl:     opts.TTL,
		metrics: opts.Metrics,
		nowF:    opts.Now,
		deleted: make(map[string]time.Time),
	}
	if s.ttl <= 0 {
		s.ttl = 5 * time.Minute
	}
	if s.nowF == nil {
		s.nowF = time.Now
	}
	return s
}

// Lookup returns the session for id. A cached session is still checked against its expiry so a
// cache hit never outlives the refresh token.
func (s *Store) Lookup(ctx context.Context, id string) (*domain.Session, error) {
	if id == "" {
		return nil, domain.ErrNotFound
	}
	if s.wasDeleted(id) {
		return nil, domain.ErrNotFound
	}
	if cached, ok := s.cache.Get(ctx, id, s.ttl); ok {
		s.metrics.ObserveCacheLookup(CacheName, true)
		if !cached.Active(s.nowF()) {
			s.cache.Remove(ctx, id)
			return nil, domain.ErrExpired
		}
		return cached.Clone(), nil
	}
	s.metrics.ObserveCacheLookup(CacheName, false)

	sess, err := s.repo.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, sess)
	return sess, nil
}

// fill caches sess unless its id was deleted after the repository read.
func (s *Store) fill(ctx context.Context, sess *domain.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deletedLocked(sess.ID) {
		return
	}
	s.cache.Insert(ctx, sess.ID, sess.Clone())
}

func (s *Store) wasDeleted(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletedLocked(id)
}

func (s *Store) deletedLocked(id string) bool {
	at, ok := s.deleted[id]
	return ok && s.nowF().Sub(at) < s.ttl
}

// forget records ids as deleted and evicts them. Records older than one TTL are pruned.
func (s *Store) forget(ctx context.Context, ids ...string) {
	now := s.nowF()
	s.mu.Lock()
	for id, at := range s.deleted {
		if now.Sub(at) >= s.ttl {
			delete(s.deleted, id)
		}
	}
	for _, id := range ids {
		s.deleted[id] = now
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.cache.Remove(ctx, id)
	}
}

// Insert persists a new session and caches it.
func (s *Store) Insert(ctx context.Context, sess *domain.Session) error {
	if err := s.repo.Insert(ctx, sess); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.deleted, sess.ID)
	s.mu.Unlock()
	s.cache.Insert(ctx, sess.ID, sess.Clone())
	return nil
}

// UpdateAccessToken persists sess.AccessToken and refreshes the cached copy if one is still
// cached. The last writer wins in both tiers. A session whose row is gone is evicted rather than
// cached again.
func (s *Store) UpdateAccessToken(ctx context.Context, sess *domain.Session) error {
	updated, err := s.repo.UpdateAccessToken(ctx, sess.ID, sess.AccessToken)
	if err != nil {
		return err
	}
	if !updated {
		s.cache.Remove(ctx, sess.ID)
		return nil
	}
	s.cache.Replace(ctx, sess.ID, sess.Clone())
	return nil
}

// Delete evicts id from the cache and deletes the row. The cache is cleared even when the row
// delete fails; the error is returned for the caller to log.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.forget(ctx, id)
	return s.repo.Delete(ctx, id)
}

// DeleteByUser deletes every row for userID and evicts every cached session of that user.
// It returns the ids removed from either tier.
func (s *Store) DeleteByUser(ctx context.Context, userID string) ([]string, error) {
	var evicted []string
	s.cache.RemoveWhere(ctx, func(key string, v *domain.Session) bool {
		if v.UserID == userID {
			evicted = append(evicted, key)
			return true
		}
		return false
	})
	ids, err := s.repo.DeleteByUser(ctx, userID)
	all := mergeIDs(ids, evicted)
	s.forget(ctx, all...)
	return all, err
}

// Evict drops id from the cache only.
func (s *Store) Evict(ctx context.Context, id string) {
	s.cache.Remove(ctx, id)
}

// LoadActive returns every active row and warms the cache with them.
func (s *Store) LoadActive(ctx context.Context) ([]*domain.Session, error) {
	sessions, err := s.repo.LoadActive(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range sessions {
		s.fill(ctx, sess)
	}
	return sessions, nil
}

func mergeIDs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}
