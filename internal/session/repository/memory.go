package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"portal-gateway/backend/internal/session/domain"
)

// MemoryRepository is an in-memory Repository. It backs tests and local runs without a database.
type MemoryRepository struct {
	mu   sync.RWMutex
	m    map[string]domain.Session
	nowF func() time.Time

	// FailWith, when set, is returned by every mutating call.
	FailWith error
}

// NewMemoryRepository returns an empty in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		m:    make(map[string]domain.Session),
		nowF: time.Now,
	}
}

// SetClock replaces the time source used for expiry checks.
func (r *MemoryRepository) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.nowF = now
	r.mu.Unlock()
}

func (r *MemoryRepository) Insert(ctx context.Context, s *domain.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return fmt.Errorf("%w: insert: %v", domain.ErrPersistence, r.FailWith)
	}
	if _, ok := r.m[s.ID]; ok {
		return fmt.Errorf("%w: session %s already exists", domain.ErrPersistence, s.ID)
	}
	r.m[s.ID] = *s
	return nil
}

func (r *MemoryRepository) Lookup(ctx context.Context, id string) (*domain.Session, error) {
	r.mu.RLock()
	s, ok := r.m[id]
	now := r.nowF()
	r.mu.RUnlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !s.Active(now) {
		return nil, domain.ErrExpired
	}
	return &s, nil
}

func (r *MemoryRepository) UpdateAccessToken(ctx context.Context, id, accessToken string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return false, fmt.Errorf("%w: update access token: %v", domain.ErrPersistence, r.FailWith)
	}
	s, ok := r.m[id]
	if !ok {
		return false, nil
	}
	s.AccessToken = accessToken
	r.m[id] = s
	return true, nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrPersistence, r.FailWith)
	}
	delete(r.m, id)
	return nil
}

func (r *MemoryRepository) DeleteByUser(ctx context.Context, userID string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailWith != nil {
		return nil, fmt.Errorf("%w: delete by user: %v", domain.ErrPersistence, r.FailWith)
	}
	var ids []string
	for id, s := range r.m {
		if s.UserID == userID {
			ids = append(ids, id)
			delete(r.m, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) LoadActive(ctx context.Context) ([]*domain.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.nowF()
	var out []*domain.Session
	for _, s := range r.m {
		if s.Active(now) {
			c := s
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

// Get returns the stored row regardless of expiry; ok is false when absent.
func (r *MemoryRepository) Get(id string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[id]
	return s, ok
}

var (
	_ Repository = (*MemoryRepository)(nil)
	_ Repository = (*PostgresRepository)(nil)
)
