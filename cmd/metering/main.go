package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/fluentloop/metering/config"
	"github.com/fluentloop/metering/internal/accesskey"
	"github.com/fluentloop/metering/internal/api"
	"github.com/fluentloop/metering/internal/entitlement"
	"github.com/fluentloop/metering/internal/ledger"
	"github.com/fluentloop/metering/internal/logging"
	"github.com/fluentloop/metering/internal/reconcile"
	"github.com/fluentloop/metering/internal/seeder"
	"github.com/fluentloop/metering/internal/telemetry"
	"github.com/fluentloop/metering/internal/worker"
	"github.com/fluentloop/metering/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		fallback := logging.Init("info")
		fallback.Fatal().Err(err).Msg("failed to load config")
	}

	log := logging.Init(cfg.LogLevel)

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("metering",
		cfg.OTELExporterType, cfg.OTELExporterEndpoint, componentLog(log, "telemetry"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping postgres")
	}
	log.Info().Msg("PostgreSQL connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to ping redis")
	}
	log.Info().Msg("Redis connected")

	// 5. Access keys
	keyStore := accesskey.NewPostgresStore(pool)
	authMiddleware := accesskey.NewMiddleware(keyStore, rdb, componentLog(log, "accesskey"))

	// 6. Entitlement provider: real or simulated, decided once here
	var provider entitlement.Provider
	if cfg.RuntimeMode == config.ModeSimulated {
		provider = &entitlement.FakeProvider{}
		log.Warn().Msg("running with simulated entitlement provider")
	} else {
		provider = entitlement.NewHTTPProvider(cfg.EntitlementAPIURL, cfg.EntitlementAPIKey, cfg.EntitlementTimeout)
	}

	resolver := entitlement.NewResolver(nil, nil)
	cache := entitlement.NewCache(rdb,
		time.Duration(cfg.CacheFreshnessHours)*time.Hour,
		componentLog(log, "entitlement-cache"))

	// 7. Ledger + reconciliation
	usageStore := ledger.NewPostgresStore(pool, componentLog(log, "ledger-store"))
	reconciler := reconcile.New(provider, resolver, cache, usageStore,
		logging.Throttled(componentLog(log, "reconcile"), time.Minute, 5))
	usageService := ledger.NewService(usageStore, reconciler, componentLog(log, "ledger"))

	// 8. Rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 9. Handlers
	tracer := otel.GetTracerProvider().Tracer("metering")
	handler := api.NewHandler(usageService, limiter, tracer, componentLog(log, "api"))

	// 10. Seed test access key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAccessKey(ctx, keyStore, log)
	}

	// 11. Background reconciliation sweep
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := worker.NewSweeper(usageStore, reconciler,
		time.Duration(cfg.SweepIntervalMinutes)*time.Minute,
		worker.DefaultLookback,
		componentLog(log, "sweeper"))
	go sweeper.Run(sweepCtx)

	// 12. Router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"metering"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Get("/v1/usage", handler.HandleUsage)
		r.Post("/v1/usage/track", handler.HandleTrack)
		r.Get("/v1/quota", handler.HandleQuota)
		r.Get("/v1/plans", handler.HandlePlans)
		r.Post("/v1/entitlement/refresh", handler.HandleRefresh)
		r.Post("/v1/admin/exceed-quota", handler.HandleExceedQuota)
	})

	// 13. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Info().Str("port", cfg.Port).Msg("metering service starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	log.Info().Msg("shutting down gracefully")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("forced shutdown")
	}
	log.Info().Msg("server stopped")
}

func componentLog(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
