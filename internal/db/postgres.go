package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// ErrEmptyDSN is returned when no DSN is configured.
var ErrEmptyDSN = errors.New("db: DSN is empty")

// Open opens a Postgres connection using the given DSN. Caller must call Close when done.
func Open(dsn string) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, ErrEmptyDSN
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// PoolOptions bounds the connection pool and the startup retry budget.
type PoolOptions struct {
	// MaxOpenConns is the upper bound on concurrent connections; further queries queue.
	MaxOpenConns int
	// ConnectBudget is the total time spent retrying the first ping. Zero means a single attempt.
	ConnectBudget time.Duration
	// OnRetry is called before each retry sleep; may be nil.
	OnRetry func(err error, next time.Duration)
}

// OpenPool opens the database with exponential backoff until the first ping succeeds or the
// budget is spent, then applies the pool bounds. An empty DSN fails immediately.
func OpenPool(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, error) {
	open := func() (*sql.DB, error) {
		db, err := Open(dsn)
		if errors.Is(err, ErrEmptyDSN) {
			return nil, backoff.Permanent(err)
		}
		return db, err
	}

	var (
		db  *sql.DB
		err error
	)
	if opts.ConnectBudget <= 0 {
		db, err = Open(dsn)
	} else {
		retryOpts := []backoff.RetryOption{
			backoff.WithBackOff(backoff.NewExponentialBackOff()),
			backoff.WithMaxElapsedTime(opts.ConnectBudget),
		}
		if opts.OnRetry != nil {
			retryOpts = append(retryOpts, backoff.WithNotify(opts.OnRetry))
		}
		db, err = backoff.Retry(ctx, open, retryOpts...)
	}
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
		db.SetMaxIdleConns(opts.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}
