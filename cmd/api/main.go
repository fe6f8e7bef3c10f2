// Package main is the entry point for the payments API server.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/firesidehq/fireside-payments/internal/account"
	"github.com/firesidehq/fireside-payments/internal/api"
	"github.com/firesidehq/fireside-payments/internal/audit"
	"github.com/firesidehq/fireside-payments/internal/auth"
	"github.com/firesidehq/fireside-payments/internal/config"
	"github.com/firesidehq/fireside-payments/internal/health"
	"github.com/firesidehq/fireside-payments/internal/idempotency"
	"github.com/firesidehq/fireside-payments/internal/jobs"
	"github.com/firesidehq/fireside-payments/internal/middleware"
	"github.com/firesidehq/fireside-payments/internal/payment"
	"github.com/firesidehq/fireside-payments/internal/reservation"
	"github.com/firesidehq/fireside-payments/internal/tracing"
)

const serviceName = "fireside-payments"

func main() {
	help := flag.Bool("help", false, "display help message")
	configFile := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("Fireside Payments API Server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	// Configuration fails closed: missing processor credentials, webhook
	// secret, or scheduler secret refuse startup instead of degrading.
	cfg, errs := config.Load(*configFile)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "configuration error:", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)

	summaryAttrs := make([]any, 0)
	for k, v := range cfg.LogSummary() {
		summaryAttrs = append(summaryAttrs, slog.String(k, v))
	}
	logger.Info("configuration loaded", summaryAttrs...)

	// Tracing
	tracingProvider, err := tracing.NewProvider(tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.TracingExporter,
		OTLPEndpoint: cfg.TracingOTLPEndpoint,
		SamplingRate: cfg.TracingSamplingRate,
		InsecureMode: cfg.Env != "production",
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	// Database
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := db.PingContext(pingCtx); err != nil {
		pingCancel()
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	pingCancel()
	defer db.Close()

	// Redis is optional: when reachable it backs the shared rate-limit store,
	// the webhook dedup store, and a readiness check.
	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		redisCtx, redisCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(redisCtx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, continuing with in-memory rate limiting", "error", err)
			redisClient = nil
		}
		redisCancel()
	}

	// Repositories
	reservationRepo := reservation.NewPostgresRepository(db)
	ledgerRepo := payment.NewPostgresLedgerRepository(db, logger)
	webhookRepo := selectWebhookStore(db, redisClient, logger)
	accountRepo := account.NewPostgresRepository(db)
	idempotencyRepo := idempotency.NewPostgresRepository(db)
	auditRepo := audit.NewPostgresRepository(db)

	// Metrics
	registry := prometheus.NewRegistry()
	paymentMetrics := payment.NewMetrics()
	if err := paymentMetrics.Register(registry); err != nil {
		logger.Error("failed to register payment metrics", "error", err)
		os.Exit(1)
	}
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		logger.Error("failed to register http metrics", "error", err)
		os.Exit(1)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		logger.Error("failed to register job metrics", "error", err)
		os.Exit(1)
	}

	// Stripe client and scheduler token validation
	stripeClient := payment.NewStripeClient(cfg.StripeAPIKey)
	tokenService := auth.NewSchedulerTokenService(cfg.SchedulerJWTSecret)

	// Handlers
	paymentHandlers := api.NewPaymentHandlers(
		stripeClient,
		accountRepo,
		paymentMetrics,
		cfg.StripeOnboardingReturnURL,
		cfg.StripeOnboardingRefreshURL,
		cfg.PlatformFeePercent,
	)
	webhookHandlers := api.NewWebhookHandlers(
		cfg.StripeWebhookSecret,
		reservationRepo,
		ledgerRepo,
		webhookRepo,
		accountRepo,
		paymentMetrics,
		cfg.PlatformFeePercent,
	)
	payoutHandlers := api.NewPayoutHandlers(stripeClient, ledgerRepo, paymentMetrics, auditRepo)
	accountHandlers := api.NewAccountHandlers(stripeClient)
	healthHandlers := api.NewHealthHandlers(api.HealthHandlersConfig{
		DBChecker:    health.NewDBChecker(db),
		RedisChecker: redisChecker(redisClient),
	})

	// Rate limiting: shared store across replicas when Redis is available.
	var rateLimitStore middleware.RateLimitStore
	var inMemoryStore *middleware.InMemoryRateLimitStore
	if redisClient != nil {
		rateLimitStore = middleware.NewRedisRateLimitStore(redisClient, logger, httpMetrics)
	} else {
		inMemoryStore = middleware.NewInMemoryRateLimitStore()
		rateLimitStore = inMemoryStore
	}

	intentLimiter := middleware.RateLimiter(rateLimitStore, middleware.DefaultIntentLimit(), middleware.IPKeyFunc())
	payoutLimiter := middleware.RateLimiter(rateLimitStore, middleware.DefaultPayoutLimit(), middleware.SchedulerKeyFunc())
	schedulerAuth := middleware.SchedulerAuth(tokenService)

	mux := http.NewServeMux()

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			ctx := middleware.SetErrorCode(r.Context(), api.ErrCodeNotFound)
			api.WriteError(w, ctx, http.StatusNotFound, api.ErrCodeNotFound, "The requested resource was not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"service":"` + serviceName + `","version":"0.0.1"}`)); err != nil {
			slog.Error("failed to write response", "error", err)
		}
	})

	mux.HandleFunc("/health", healthHandlers.Health)
	mux.HandleFunc("/ready", healthHandlers.Ready)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.Handle("POST /payments/intent", intentLimiter(http.HandlerFunc(paymentHandlers.CreateIntent)))
	mux.HandleFunc("POST /payments/verify", paymentHandlers.VerifyPayment)
	mux.HandleFunc("POST /payments/onboard", paymentHandlers.OnboardHost)
	mux.HandleFunc("GET /payments/status", accountHandlers.GetAccountStatus)

	mux.HandleFunc("POST /internal/stripe", webhookHandlers.HandleStripeWebhook)

	mux.Handle("POST /payouts/release", schedulerAuth(payoutLimiter(http.HandlerFunc(payoutHandlers.ReleasePayout))))
	mux.Handle("POST /payouts/ledger", schedulerAuth(payoutLimiter(http.HandlerFunc(payoutHandlers.UpdatePayoutLedger))))

	// Middleware chain, outermost first:
	// RequestID -> Tracing -> Logging -> HTTPMetrics -> CORS -> Idempotency -> mux
	var handler http.Handler = mux
	handler = middleware.Idempotency(idempotencyRepo, map[string]bool{
		"/payments/intent": true,
	})(handler)
	if cfg.CORSAllowedOrigins != "" {
		handler = middleware.CORS(middleware.CORSConfig{
			AllowedOrigins: strings.Split(cfg.CORSAllowedOrigins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key", middleware.RequestIDHeader},
			MaxAge:         300,
		})(handler)
	}
	handler = middleware.HTTPMetrics(httpMetrics)(handler)
	handler = middleware.Logging(logger)(handler)
	if cfg.TracingEnabled {
		handler = middleware.Tracing(serviceName)(handler)
	}
	handler = middleware.RequestID(handler)
	if cfg.Env == "development" {
		handler = middleware.Profiling(middleware.ProfilingConfig{
			Enabled:     true,
			Environment: cfg.Env,
		})(handler)
	}

	server := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Background maintenance
	stopCh := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = jobs.Run(context.Background(), jobMetrics, jobs.JobTypeIdempotencyCleanup, func(context.Context) error {
					_, err := idempotency.CleanupOldKeys(idempotencyRepo, idempotency.DefaultExpiry)
					return err
				})
			case <-stopCh:
				return
			}
		}
	}()
	anonymizationJob := audit.NewPostgresAnonymizationJob(db, audit.AnonymizationJobConfig{Logger: logger})
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				err := jobs.Run(context.Background(), jobMetrics, jobs.JobTypeIPAnonymization, func(ctx context.Context) error {
					jobCtx, jobCancel := context.WithTimeout(ctx, 10*time.Minute)
					defer jobCancel()
					_, err := anonymizationJob.Run(jobCtx)
					return err
				})
				if err != nil {
					logger.Error("IP anonymization job failed", "error", err)
				}
			case <-stopCh:
				return
			}
		}
	}()
	if inMemoryStore != nil {
		go func() {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					_ = jobs.Run(context.Background(), jobMetrics, jobs.JobTypeRateLimitCleanup, func(context.Context) error {
						inMemoryStore.Cleanup()
						return nil
					})
				case <-stopCh:
					return
				}
			}
		}()
	}

	go func() {
		logger.Info("starting server", "port", cfg.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	close(stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	if err := tracingProvider.Shutdown(ctx); err != nil {
		logger.Error("failed to shut down tracing", "error", err)
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("failed to close redis client", "error", err)
		}
	}

	accountRepo.Stats().LogSummary(logger)
	logger.Info("server stopped")
}

// redisChecker returns a health checker for the Redis client, or nil when
// Redis is not configured so readiness treats it as absent rather than down.
func redisChecker(client *redis.Client) api.HealthChecker {
	if client == nil {
		return nil
	}
	return health.NewRedisChecker(client)
}

// selectWebhookStore picks the processed-event dedup store. Redis SET NX is
// preferred when a client is available; Postgres is the durable fallback.
func selectWebhookStore(db *sql.DB, redisClient *redis.Client, logger *slog.Logger) payment.WebhookRepository {
	if redisClient != nil {
		logger.Info("webhook dedup store", "backend", "redis")
		return payment.NewRedisWebhookRepository(redisClient)
	}
	logger.Info("webhook dedup store", "backend", "postgres")
	return payment.NewPostgresWebhookRepository(db)
}
