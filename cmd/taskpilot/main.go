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

	"github.com/vnmchuo/taskpilot/config"
	"github.com/vnmchuo/taskpilot/internal/analyzer"
	"github.com/vnmchuo/taskpilot/internal/api"
	"github.com/vnmchuo/taskpilot/internal/auth"
	"github.com/vnmchuo/taskpilot/internal/provider"
	"github.com/vnmchuo/taskpilot/internal/provider/deepseek"
	"github.com/vnmchuo/taskpilot/internal/quota"
	"github.com/vnmchuo/taskpilot/internal/seeder"
	"github.com/vnmchuo/taskpilot/internal/telemetry"
	"github.com/vnmchuo/taskpilot/internal/worker"
	"github.com/vnmchuo/taskpilot/pkg/ratelimit"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "taskpilot").Logger()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("taskpilot", cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init tracer")
	}
	defer shutdownTracer()

	// 3. Connect PostgreSQL
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect postgres")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping postgres")
	}
	logger.Info().Msg("postgres connected")

	// 4. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping redis")
	}
	logger.Info().Msg("redis connected")

	// 5. Init auth
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger)

	// 6. Init quota ledger
	ledger := quota.NewLedger(quota.NewPostgresStore(pool))

	// 7. Init request rate limiter
	limiter := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitRPM)

	// 8. Init completion provider behind a circuit breaker
	client := provider.NewGuarded(deepseek.New(cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, cfg.ModelNames()))

	// 9. Init orchestrator
	orch := analyzer.New(client, ledger, logger)

	// 10. Init async job queue + worker loop
	queue := worker.NewRedisQueue(rdb, orch, logger)
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()
	go queue.Process(workerCtx)

	// 11. Init handler
	tracer := otel.GetTracerProvider().Tracer("taskpilot")
	handler := api.NewHandler(orch, ledger, queue, limiter, tracer, logger)

	// 12. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 13. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// Public routes
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"taskpilot"}`))
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		r.Post("/v1/ai/analyze", handler.HandleAnalyze)
		r.Post("/v1/ai/breakdown", handler.HandleBreakdown)
		r.Post("/v1/ai/breakdown/stream", handler.HandleStreamBreakdown)
		r.Post("/v1/ai/chat", handler.HandleChat)
		r.Post("/v1/ai/chat/stream", handler.HandleStreamChat)
		r.Post("/v1/ai/classify", handler.HandleClassify)
		r.Get("/v1/ai/quota", handler.HandleQuotaStatus)
		r.Post("/v1/ai/jobs", handler.HandleCreateJob)
		r.Get("/v1/ai/jobs/{id}", handler.HandleGetJob)
	})

	// 14. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info().Str("port", cfg.Port).Msg("taskpilot starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-quit
	logger.Info().Msg("shutting down gracefully")
	stopWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}
	logger.Info().Msg("server stopped")
}
