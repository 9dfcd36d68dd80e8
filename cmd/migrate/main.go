// migrate runs DB migrations from embedded SQL; use with go run ./cmd/migrate -direction up.
package main

import (
	"flag"
	"os"

	"portal-gateway/backend/internal/config"
	"portal-gateway/backend/internal/db/migrate"
	"portal-gateway/backend/internal/logging"
)

func main() {
	direction := flag.String("direction", "up", "Migration direction: up or down")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		l := logging.New(logging.Options{})
		l.Fatal().Err(err).Msg("config")
	}
	log := logging.Component(logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}), "migrate")

	if err := migrate.Run(cfg.DatabaseURL, *direction); err != nil {
		log.Error().Err(err).Str("direction", *direction).Msg("migration failed")
		os.Exit(1)
	}
	log.Info().Str("direction", *direction).Msg("migrations applied")
}
