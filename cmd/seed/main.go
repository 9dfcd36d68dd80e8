// seed imports an existing upstream token pair as a gateway session for local testing, then
// prints the cookie to send. Idempotent: skips the insert if the session id already exists.
//
//	go run ./cmd/seed -auth "$AUTH_JWT" -refresh "$REFRESH_JWT"
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"portal-gateway/backend/internal/config"
	"portal-gateway/backend/internal/db"
	"portal-gateway/backend/internal/logging"
	"portal-gateway/backend/internal/session/domain"
	"portal-gateway/backend/internal/session/repository"
	"portal-gateway/backend/internal/token"
)

func main() {
	id := flag.String("id", "dev-session", "session id to create")
	auth := flag.String("auth", os.Getenv("SEED_AUTH_TOKEN"), "upstream access token")
	refresh := flag.String("refresh", os.Getenv("SEED_REFRESH_TOKEN"), "upstream refresh token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logging.New(logging.Options{})
		l.Fatal().Err(err).Msg("config")
	}
	log := logging.Component(logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat}), "seed")

	if cfg.DatabaseURL == "" {
		log.Fatal().Msg("DATABASE_URL is not set; create a .env or export DATABASE_URL")
	}
	if *auth == "" || *refresh == "" {
		log.Fatal().Msg("both -auth and -refresh are required")
	}

	userID, err := token.Subject(*auth)
	if err != nil {
		log.Fatal().Err(err).Msg("access token")
	}
	expiresAt, err := token.Expiry(*refresh)
	if err != nil {
		log.Fatal().Err(err).Msg("refresh token")
	}
	if !expiresAt.After(time.Now()) {
		log.Fatal().Time("expires_at", expiresAt).Msg("refresh token already expired")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	database, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("db")
	}
	defer database.Close()
	repo := repository.NewPostgresRepository(database)

	if _, err := repo.Lookup(ctx, *id); err == nil {
		log.Info().Str("session_id", *id).Msg("session already exists, skipping")
	} else if !errors.Is(err, domain.ErrNotFound) && !errors.Is(err, domain.ErrExpired) {
		log.Fatal().Err(err).Msg("seed check")
	} else {
		if errors.Is(err, domain.ErrExpired) {
			if err := repo.Delete(ctx, *id); err != nil {
				log.Fatal().Err(err).Msg("removing expired seed session")
			}
		}
		err := repo.Insert(ctx, &domain.Session{
			ID:           *id,
			UserID:       userID,
			AccessToken:  *auth,
			RefreshToken: *refresh,
			ExpiresAt:    expiresAt.UTC(),
		})
		if err != nil {
			log.Fatal().Err(err).Msg("insert session")
		}
		log.Info().Str("session_id", *id).Str("user_id", userID).Time("expires_at", expiresAt).Msg("session seeded")
	}

	fmt.Printf("Cookie: session_id=%s\n", *id)
}
