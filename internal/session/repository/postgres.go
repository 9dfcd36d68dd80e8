package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"portal-gateway/backend/internal/session/domain"
)

const (
	insertSession = `INSERT INTO sessions (session_id, user_id, auth_jwt, refresh_jwt, expires_at)
VALUES ($1, $2, $3, $4, $5)`
	selectSession = `SELECT session_id, user_id, auth_jwt, refresh_jwt, expires_at
FROM sessions WHERE session_id = $1`
	updateAccessToken    = `UPDATE sessions SET auth_jwt = $2 WHERE session_id = $1`
	deleteSession        = `DELETE FROM sessions WHERE session_id = $1`
	deleteSessionsByUser = `DELETE FROM sessions WHERE user_id = $1 RETURNING session_id`
	selectActiveSessions = `SELECT session_id, user_id, auth_jwt, refresh_jwt, expires_at
FROM sessions WHERE expires_at > $1 ORDER BY expires_at`
)

// pgUniqueViolation is the SQLSTATE for a duplicate key.
const pgUniqueViolation = "23505"

type PostgresRepository struct {
	db   *sql.DB
	nowF func() time.Time
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, nowF: time.Now}
}

// Insert persists the session. The session must have ID set.
func (r *PostgresRepository) Insert(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx, insertSession, s.ID, s.UserID, s.AccessToken, s.RefreshToken, s.ExpiresAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: session %s already exists", domain.ErrPersistence, s.ID)
		}
		return fmt.Errorf("%w: insert: %v", domain.ErrPersistence, err)
	}
	return nil
}

// Lookup returns the session for id. A row whose expiry is not in the future is ErrExpired.
func (r *PostgresRepository) Lookup(ctx context.Context, id string) (*domain.Session, error) {
	s, err := scanSession(r.db.QueryRowContext(ctx, selectSession, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("%w: lookup: %v", domain.ErrPersistence, err)
	}
	if !s.Active(r.nowF()) {
		return nil, domain.ErrExpired
	}
	return s, nil
}

// UpdateAccessToken sets auth_jwt for the session. Zero affected rows is success with false.
func (r *PostgresRepository) UpdateAccessToken(ctx context.Context, id, accessToken string) (bool, error) {
	res, err := r.db.ExecContext(ctx, updateAccessToken, id, accessToken)
	if err != nil {
		return false, fmt.Errorf("%w: update access token: %v", domain.ErrPersistence, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: update access token: %v", domain.ErrPersistence, err)
	}
	return n > 0, nil
}

// Delete removes the session row.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, deleteSession, id); err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrPersistence, err)
	}
	return nil
}

// DeleteByUser removes all sessions for userID and returns their ids.
func (r *PostgresRepository) DeleteByUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, deleteSessionsByUser, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: delete by user: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: delete by user: %v", domain.ErrPersistence, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: delete by user: %v", domain.ErrPersistence, err)
	}
	return ids, nil
}

// LoadActive returns every session with expires_at after now, soonest expiry first.
func (r *PostgresRepository) LoadActive(ctx context.Context) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, selectActiveSessions, r.nowF().UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: load active: %v", domain.ErrPersistence, err)
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: load active: %v", domain.ErrPersistence, err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: load active: %v", domain.ErrPersistence, err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	if err := row.Scan(&s.ID, &s.UserID, &s.AccessToken, &s.RefreshToken, &s.ExpiresAt); err != nil {
		return nil, err
	}
	return &s, nil
}
