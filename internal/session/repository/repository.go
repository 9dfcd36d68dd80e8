package repository

import (
	"context"

	"portal-gateway/backend/internal/session/domain"
)

// Repository defines durable persistence for sessions.
type Repository interface {
	// Insert persists a new session. Constraint or connectivity failures wrap domain.ErrPersistence.
	Insert(ctx context.Context, s *domain.Session) error
	// Lookup returns the session for id, domain.ErrNotFound when missing or domain.ErrExpired
	// when expires_at is not strictly in the future.
	Lookup(ctx context.Context, id string) (*domain.Session, error)
	// UpdateAccessToken replaces the stored access token and reports whether a row matched.
	// Updating a missing row is not an error.
	UpdateAccessToken(ctx context.Context, id, accessToken string) (bool, error)
	// Delete removes the session row.
	Delete(ctx context.Context, id string) error
	// DeleteByUser removes every session row owned by userID and returns the removed ids.
	DeleteByUser(ctx context.Context, userID string) ([]string, error)
	// LoadActive returns every session whose expires_at is in the future.
	LoadActive(ctx context.Context) ([]*domain.Session, error)
}
