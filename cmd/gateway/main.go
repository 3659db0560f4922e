package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/payrelay/internal/alert"
	"github.com/lalithlochan/payrelay/internal/api"
	"github.com/lalithlochan/payrelay/internal/circuitbreaker"
	appconfig "github.com/lalithlochan/payrelay/internal/config"
	"github.com/lalithlochan/payrelay/internal/db"
	"github.com/lalithlochan/payrelay/internal/ledger"
	"github.com/lalithlochan/payrelay/internal/metrics"
	"github.com/lalithlochan/payrelay/internal/observ"
	"github.com/lalithlochan/payrelay/internal/outbound"
	"github.com/lalithlochan/payrelay/internal/payment"
	"github.com/lalithlochan/payrelay/internal/provider"
	"github.com/lalithlochan/payrelay/internal/reconcile"
	"github.com/lalithlochan/payrelay/internal/redis"
	"github.com/lalithlochan/payrelay/internal/sns"
	"github.com/lalithlochan/payrelay/internal/sqs"
	"github.com/lalithlochan/payrelay/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := appconfig.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting payrelay gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:            cfg.DBHost,
		Port:            cfg.DBPort,
		User:            cfg.DBUser,
		Password:        cfg.DBPassword,
		Database:        cfg.DBName,
		SSLMode:         cfg.DBSSLMode,
		MaxConns:        int32(cfg.DeliveryWorkers + 10),
		ApplicationName: "payrelay-gateway",
	}, observ.Component(logger, "db"))
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, observ.Component(logger, "repository"))

	// Redis is an optimization: without it the ledger alone deduplicates
	// and the operator API is not rate limited.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, observ.Component(logger, "redis"))
	if err != nil {
		logger.Warn("redis unavailable, duplicate cache and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
	}

	var idempotency *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotency = redis.NewIdempotencyService(redisClient, observ.Component(logger, "idempotency"))
		rateLimiter = redis.NewRateLimiter(redisClient, observ.Component(logger, "ratelimit"), redis.RateLimitConfig{
			Limit:  cfg.AdminRateLimit,
			Window: time.Minute,
		})
		defer redisClient.Close()
	}

	alerts := buildAlerts(ctx, cfg, logger)

	var publisher worker.EventPublisher
	if cfg.SNSTopicARN != "" {
		p, err := sns.NewPublisher(ctx, cfg.SNSTopicARN, config.WithRegion(cfg.SNSRegion))
		if err != nil {
			logger.Warn("sns publisher unavailable, business events will not be mirrored", zap.Error(err))
		} else {
			publisher = p
		}
	}

	signer := outbound.NewHMACSigner(cfg.StripeTolerance)
	providers := provider.NewRegistry(
		provider.NewPagarme(cfg.PagarmeWebhookSecret),
		provider.NewStripe(cfg.StripeWebhookSecret, signer),
	)
	if cfg.PagarmeWebhookSecret == "" || cfg.StripeWebhookSecret == "" {
		logger.Warn("provider webhook secret missing, signature verification disabled for that provider")
	}

	events := ledger.New(repo, ledger.Config{
		MaxAttempts: cfg.LedgerMaxAttempts,
		RetryDelay:  cfg.LedgerRetryDelay,
		ClaimLease:  cfg.ClaimLease,
	}, observ.Component(logger, "ledger"))

	machine := payment.NewMachine(repo, observ.Component(logger, "payment"))

	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(""), observ.Component(logger, "circuitbreaker"))

	engineCfg := outbound.DefaultConfig()
	engineCfg.Timeout = cfg.DeliveryTimeout
	engine := outbound.NewEngine(nil, signer, engineCfg, observ.Component(logger, "delivery"))

	backoff := outbound.DefaultBackoff()
	backoff.MaxAttempts = cfg.DeliveryMaxAttempts
	deliveries := outbound.NewQueue(repo, engine, breakers, alerts, outbound.QueueConfig{
		Backoff:    backoff,
		ClaimLease: cfg.ClaimLease,
	}, observ.Component(logger, "queue"))

	reconcileMode, err := reconcile.ParseMode(cfg.ReconcileMode)
	if err != nil {
		return err
	}
	reconciler := reconcile.NewEngine(repo,
		reconcile.DefaultPolicy(cfg.ReconcileCollapseWindow, cfg.ReconcileRequireNullOrderID),
		observ.Component(logger, "reconcile"))

	w := worker.New(worker.Deps{
		Ledger:     events,
		Router:     providers,
		Machine:    machine,
		Deliveries: deliveries,
		Reconciler: reconciler,
		Publisher:  publisher,
		Alerts:     alerts,
	}, worker.Config{
		PollInterval:      cfg.DispatchPollInterval,
		BatchSize:         cfg.DispatchBatchSize,
		Workers:           cfg.DeliveryWorkers,
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileLookback: cfg.ReconcileLookback,
		ReconcileMode:     reconcileMode,
		ReconcileOnWrite:  cfg.ReconcileOnWrite,
	}, observ.Component(logger, "dispatcher"))

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go w.Start(workerCtx)
	go samplePools(workerCtx, database, redisClient)

	logger.Info("dispatcher started",
		zap.Duration("poll_interval", cfg.DispatchPollInterval),
		zap.Int("delivery_workers", cfg.DeliveryWorkers),
		zap.String("reconcile_mode", cfg.ReconcileMode),
	)

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration_ms", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	})

	webhooks := api.NewWebhookHandler(observ.Component(logger, "webhook"), providers, events, idempotency, w)
	r.Post("/webhooks/{provider}", webhooks.Receive)

	admin := api.NewAdminHandler(observ.Component(logger, "admin"), repo, reconciler, breakers, w, api.AdminConfig{
		ReconcileLookback: cfg.ReconcileLookback,
		ReconcileMode:     reconcileMode,
	})
	r.Route("/v1", func(r chi.Router) {
		r.Use(api.RateLimitMiddleware(rateLimiter, logger, api.IPKeyFunc))
		admin.Routes(r)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := database.Health(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		workerCancel()
		w.Wait()
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		// In-flight deliveries finish recording their outcome before exit.
		workerCancel()
		w.Wait()

		logger.Info("server stopped gracefully")
	}

	return nil
}

// buildAlerts always logs; email and the export queue are added when
// configured.
func buildAlerts(ctx context.Context, cfg *appconfig.Config, logger *zap.Logger) alert.Notifier {
	log := observ.Component(logger, "alert")
	sinks := []alert.Notifier{alert.NewLogNotifier(log)}

	if cfg.AlertEmailTo != "" {
		var to []string
		for _, addr := range strings.Split(cfg.AlertEmailTo, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				to = append(to, addr)
			}
		}
		notifier, err := alert.NewSESNotifier(ctx, alert.SESConfig{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			To:        to,
		}, log)
		if err != nil {
			logger.Warn("ses notifier unavailable, alert email disabled", zap.Error(err))
		} else {
			sinks = append(sinks, notifier)
		}
	}

	if cfg.SQSDLQURL != "" {
		producer, err := sqs.NewProducer(ctx, sqs.Config{
			Region:   cfg.SQSRegion,
			QueueURL: cfg.SQSDLQURL,
		}, log)
		if err != nil {
			logger.Warn("sqs producer unavailable, dead letters will not be exported", zap.Error(err))
		} else {
			sinks = append(sinks, producer)
		}
	}

	logger.Info("alert sinks configured",
		zap.Int("sinks", len(sinks)),
		zap.Bool("email", cfg.AlertEmailTo != ""),
		zap.Bool("export_queue", cfg.SQSDLQURL != ""),
	)
	return alert.NewMulti(log, sinks...)
}

func samplePools(ctx context.Context, database *db.DB, redisClient *redis.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		metrics.SetDBConnections(int(database.Pool().Stat().AcquiredConns()))
		if redisClient != nil {
			metrics.SetRedisConnections(redisClient.ActiveConns())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
