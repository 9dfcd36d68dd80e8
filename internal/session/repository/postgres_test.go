package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal-gateway/backend/internal/db"
	"portal-gateway/backend/internal/db/migrate"
	"portal-gateway/backend/internal/session/domain"
)

func openTestRepo(t *testing.T) *PostgresRepository {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	if err := migrate.Run(dsn, "up"); err != nil {
		t.Skipf("Database not reachable (expected in test environment): %v", err)
	}
	conn, err := db.Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewPostgresRepository(conn)
}

func TestPostgresRepository_Lifecycle(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	user := "user-" + uuid.NewString()
	s := &domain.Session{
		ID:           uuid.NewString(),
		UserID:       user,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond),
	}

	require.NoError(t, repo.Insert(ctx, s))
	require.ErrorIs(t, repo.Insert(ctx, s), domain.ErrPersistence)

	got, err := repo.Lookup(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.UserID, got.UserID)
	assert.True(t, s.ExpiresAt.Equal(got.ExpiresAt))

	updated, err := repo.UpdateAccessToken(ctx, s.ID, "access-2")
	require.NoError(t, err)
	assert.True(t, updated)
	got, err = repo.Lookup(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "access-2", got.AccessToken)
	assert.Equal(t, "refresh", got.RefreshToken)

	active, err := repo.LoadActive(ctx)
	require.NoError(t, err)
	var found bool
	for _, a := range active {
		found = found || a.ID == s.ID
	}
	assert.True(t, found)

	ids, err := repo.DeleteByUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{s.ID}, ids)

	_, err = repo.Lookup(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, repo.Delete(ctx, s.ID))
}

func TestPostgresRepository_LookupExpired(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	s := &domain.Session{ID: uuid.NewString(), UserID: "u", AccessToken: "a", RefreshToken: "r", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, repo.Insert(ctx, s))
	t.Cleanup(func() { _ = repo.Delete(context.Background(), s.ID) })

	_, err := repo.Lookup(ctx, s.ID)
	require.ErrorIs(t, err, domain.ErrExpired)
}
