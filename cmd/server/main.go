package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"portal-gateway/backend/internal/app"
	"portal-gateway/backend/internal/config"
	"portal-gateway/backend/internal/db"
	"portal-gateway/backend/internal/health"
	"portal-gateway/backend/internal/logging"
	"portal-gateway/backend/internal/metrics"
	"portal-gateway/backend/internal/secrets"
	"portal-gateway/backend/internal/server"
	"portal-gateway/backend/internal/session/repository"
	"portal-gateway/backend/internal/telemetry"
	telemetryotel "portal-gateway/backend/internal/telemetry/otel"
	"portal-gateway/backend/internal/telemetry/producer"
	"portal-gateway/backend/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := logging.New(logging.Options{})
		l.Fatal().Err(err).Msg("config")
	}
	root := logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
	})
	log := logging.Component(root, "server")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "portal-gateway", cfg.OTLPInsecure)
	if err != nil {
		log.Fatal().Err(err).Msg("otel")
	}
	providers.SetGlobal()

	var events telemetry.Fanout
	var kafkaProducer producer.Producer
	if p := producer.NewKafkaProducer(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic); p != nil {
		kafkaProducer = p
		events = append(events, p)
		log.Info().Str("topic", cfg.TelemetryKafkaTopic).Msg("session events to kafka")
	}
	if cfg.OTLPEndpoint != "" {
		events = append(events, telemetryotel.NewEventEmitter(providers.LoggerProvider))
	}
	var emitter telemetry.EventEmitter
	if len(events) > 0 {
		emitter = events
	}

	database, err := db.OpenPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:  cfg.DBMaxOpenConns,
		ConnectBudget: cfg.DBConnectBudget(),
		OnRetry: func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("database not ready")
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("database")
	}

	upstreamClient, err := upstream.NewClient(upstream.Options{
		BaseURL:  cfg.UpstreamBaseURL,
		Timeout:  cfg.UpstreamCallTimeout(),
		RetryMax: cfg.UpstreamRetryMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("upstream")
	}

	secretClient, err := secrets.Dial(cfg.SecretGRPCAddr)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.SecretGRPCAddr).Msg("secret service disabled")
		secretClient = nil
	} else {
		log.Info().Str("addr", cfg.SecretGRPCAddr).Msg("secret service client ready")
	}

	m := metrics.New()
	a := app.New(app.Options{
		Repository:      repository.NewPostgresRepository(database),
		Upstream:        upstreamClient,
		Secrets:         secretClient,
		Events:          emitter,
		Metrics:         m,
		Logger:          root,
		SessionTTL:      cfg.SessionTTL(),
		ResponseTTL:     cfg.ResponseTTL(),
		LockTimeout:     cfg.LockTimeout(),
		RefreshInterval: cfg.RefreshEvery(),
		PrefetchPaths:   cfg.PrefetchPathList(),
	})

	restored, err := a.Restore(ctx)
	if err != nil {
		log.Error().Err(err).Msg("restoring sessions failed; starting empty")
	} else {
		log.Info().Int("sessions", restored).Msg("sessions restored")
	}

	srv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: server.NewRouter(a, server.Options{
			CookieSecure: cfg.CookieSecure,
			MaxBodyBytes: cfg.ProxyMaxBodyBytes,
			Health:       health.NewHandler(database),
			Metrics:      m.Handler(),
			Logger:       logging.Component(root, "http"),
		}),
		ReadHeaderTimeout: server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Str("upstream", cfg.UpstreamBaseURL).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			log.Error().Err(err).Msg("serve")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownBudget())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := a.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("refresh tasks did not stop in time")
	}

	// Let in-flight async session events finish before tearing down their sinks.
	if emitter != nil {
		time.Sleep(telemetry.ShutdownDrainDuration)
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Warn().Err(err).Msg("kafka producer close")
		}
	}
	otelCtx, otelCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer otelCancel()
	if err := providers.Shutdown(otelCtx); err != nil {
		log.Warn().Err(err).Msg("otel shutdown")
	}
	if err := secretClient.Close(); err != nil {
		log.Warn().Err(err).Msg("secret client close")
	}
	if err := database.Close(); err != nil {
		log.Warn().Err(err).Msg("database close")
	}
	log.Info().Msg("gateway stopped")
}
