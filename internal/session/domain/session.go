package domain

import (
	"errors"
	"time"
)

// Session binds a browser-held session id to the user's upstream token pair.
// AccessToken is the only field that changes after creation; ExpiresAt comes from the
// refresh token's exp claim and is never extended.
type Session struct {
	ID           string
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Active reports whether the session expiry is strictly after now.
func (s *Session) Active(now time.Time) bool {
	return s != nil && s.ExpiresAt.After(now)
}

// Clone returns a copy safe to mutate independently of cached values.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

var (
	// ErrNotFound is returned when no row matches the session id.
	ErrNotFound = errors.New("session: not found")
	// ErrExpired is returned when the row exists but expires_at has passed.
	ErrExpired = errors.New("session: expired")
	// ErrPersistence wraps store I/O failures.
	ErrPersistence = errors.New("session: persistence error")
)

// IsInvalid reports whether err means the caller holds no usable session.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired)
}
