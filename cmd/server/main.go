package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/trogers1052/governance-service/internal/api"
	"github.com/trogers1052/governance-service/internal/audit"
	"github.com/trogers1052/governance-service/internal/config"
	"github.com/trogers1052/governance-service/internal/database"
	"github.com/trogers1052/governance-service/internal/evidence"
	"github.com/trogers1052/governance-service/internal/governance"
	"github.com/trogers1052/governance-service/internal/kafka"
	"github.com/trogers1052/governance-service/internal/kvstore"
	"github.com/trogers1052/governance-service/internal/logging"
	"github.com/trogers1052/governance-service/internal/metrics"
	"github.com/trogers1052/governance-service/internal/overrides"
	"github.com/trogers1052/governance-service/internal/protection"
	"github.com/trogers1052/governance-service/internal/ratelimit"
	"github.com/trogers1052/governance-service/internal/redis"
	"github.com/trogers1052/governance-service/internal/retry"
	"github.com/trogers1052/governance-service/internal/telemetry"
	"github.com/trogers1052/governance-service/internal/venue"
)

func main() {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()
	cfg := config.Load()

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Component: "governance-service",
	})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Connect to database
	db, err := database.New(cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if err := runMigrations(cfg.Database.MigrationsPath, cfg.Database.ConnectionString(), logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to run database migrations")
	}
	logger.Info().Msg("connected to PostgreSQL database")

	// Ctx for background loops and graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	kv, redisClient := keyedStore(ctx, cfg.Redis, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	retryPolicy := retry.Policy{
		MaxAttempts:     cfg.Retry.MaxAttempts,
		InitialInterval: cfg.Retry.InitialInterval,
		MaxInterval:     cfg.Retry.MaxInterval,
		AttemptTimeout:  cfg.Retry.AttemptTimeout,
		MaxHint:         30 * time.Second,
	}

	// Governance
	if cfg.Governance.SigningKey == "" {
		logger.Warn().Msg("OVERRIDES_SIGNING_KEY not set, snapshots carry an unkeyed digest")
	}
	overrideStore := overrides.NewStore(
		database.NewOverrideRepository(db),
		overrides.NewSigner(cfg.Governance.SigningKey),
		cfg.Governance.MaxApplyAttempts,
		m, logger,
	)
	auditStore := audit.NewStore(database.NewAuditRepository(db), audit.NewStateStore(kv), logger)
	aggregator := evidence.NewAggregator(
		evidence.NewHTTPSource(cfg.Evidence.ProviderURL, nil),
		gatePolicy(cfg.Evidence),
		retryPolicy, m, logger,
	)
	roster := governance.NewRoster(cfg.Governance.Strategies...)

	var applier governance.Applier
	var producer *kafka.SnapshotProducer
	if cfg.Kafka.Enabled {
		producer = kafka.NewSnapshotProducer(cfg.Kafka.Brokers, cfg.Kafka.OverridesTopic, logger)
		applier = producer
	}
	cycle := governance.NewCycle(aggregator, overrideStore, auditStore, applier, roster, m, logger, governance.Options{})

	// Protection
	reconciler := protection.NewReconciler(
		venue.NewClient(cfg.Protection.VenueURL, cfg.Protection.VenueAPIKey, cfg.Protection.Provider, nil),
		database.NewProtectionRepository(db),
		protection.Options{
			Workers:        cfg.Protection.Workers,
			Interval:       cfg.Protection.ReconcileInterval,
			MaxRetryPasses: cfg.Protection.MaxRetryPasses,
			Retry:          retryPolicy,
		},
		m, logger,
	)
	go reconciler.Run(ctx)

	telemetrySvc := telemetry.NewService(database.NewTelemetryRepository(db), m, logger)

	if cfg.Governance.ScheduleEnabled {
		go governance.NewScheduler(cycle, logger).Start(ctx)
	}

	// Kafka consumers
	var rosterConsumer *kafka.RosterConsumer
	var telemetryConsumer *kafka.TelemetryConsumer
	if cfg.Kafka.Enabled {
		rosterConsumer = kafka.NewRosterConsumer(cfg.Kafka.Brokers, cfg.Kafka.RosterTopic, cfg.Kafka.ConsumerGroup, roster, logger)
		go func() {
			if err := rosterConsumer.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("roster consumer stopped")
			}
		}()

		telemetryConsumer = kafka.NewTelemetryConsumer(cfg.Kafka.Brokers, cfg.Kafka.TelemetryTopic, cfg.Kafka.ConsumerGroup, telemetrySvc, reconciler, logger)
		go func() {
			if err := telemetryConsumer.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("telemetry consumer stopped")
			}
		}()
		logger.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka consumers started")
	}

	// Set up HTTP handler and routes
	health := []api.HealthCheck{
		{Name: "postgres", Required: true, Check: db.Ping},
		{Name: "redis"},
		{Name: "kafka"},
	}
	if redisClient != nil {
		health[1].Check = redisClient.Ping
	}
	if cfg.Kafka.Enabled {
		health[2].Check = func(ctx context.Context) error {
			return kafka.Ping(ctx, cfg.Kafka.Brokers)
		}
	}

	handler := api.NewHandler(api.Deps{
		Cycle:      cycle,
		Audit:      auditStore,
		Overrides:  overrideStore,
		Protection: reconciler,
		Telemetry:  telemetrySvc,
		Limiter:    ratelimit.New(kv, cfg.RateLimit.Requests, cfg.RateLimit.Window, m, logger),
		Metrics:    m,
		Health:     health,
		JobSecret:  cfg.Governance.JobSecret,
		ReadSecret: cfg.Governance.ReadSecret,
	}, logger)
	if cfg.Governance.JobSecret == "" {
		logger.Warn().Msg("GOVERNANCE_JOB_SECRET not set, cycle triggers and protection control are disabled")
	}

	// Create HTTP server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      api.SetupRoutes(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	// Stop consumers and background loops
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	if rosterConsumer != nil {
		if err := rosterConsumer.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing roster consumer")
		}
	}
	if telemetryConsumer != nil {
		if err := telemetryConsumer.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing telemetry consumer")
		}
	}
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Warn().Err(err).Msg("error closing snapshot producer")
		}
	}

	logger.Info().Msg("server stopped")
}

// keyedStore returns Redis when enabled and reachable, otherwise a process
// local store. Cycle state and rate limits then do not survive restarts.
func keyedStore(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (kvstore.Store, *redis.Client) {
	if cfg.Enabled {
		client, err := redis.New(cfg)
		if err == nil {
			logger.Info().Str("addr", cfg.Address()).Msg("connected to Redis")
			return client, client
		}
		logger.Warn().Err(err).Msg("failed to connect to Redis, continuing with in-memory state")
	}
	mem := kvstore.NewMemory()
	go mem.RunJanitor(ctx, time.Minute)
	return mem, nil
}

func gatePolicy(cfg config.EvidenceConfig) evidence.Policy {
	return evidence.Policy{
		MinTrades:              cfg.MinTrades,
		MinProfitFactor:        cfg.MinProfitFactor,
		DisableProfitFactor:    cfg.DisableProfitFactor,
		MinPositiveFraction:    cfg.MinPositiveFraction,
		MinWalkforwardPassRate: cfg.MinWalkforwardPassRate,
		Band: evidence.BandPolicy{
			ThinMaxTrades:     cfg.BandThinMaxTrades,
			RobustMinTrades:   cfg.BandRobustMinTrades,
			RobustMinPassRate: cfg.BandRobustMinPassRate,
		},
	}
}

func runMigrations(sourceURL, databaseURL string, logger zerolog.Logger) error {
	mg, err := migrate.New(sourceURL, databaseURL)
	if err != nil {
		return err
	}
	defer mg.Close()

	// ErrNoChange means the database was already current
	if err := mg.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info().Msg("no migrations to apply, database is up to date")
			return nil
		}
		return err
	}
	logger.Info().Msg("database migrations applied")
	return nil
}
