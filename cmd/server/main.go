package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hudsor01/tenant-flow-sub015/internal/audit"
	"github.com/hudsor01/tenant-flow-sub015/internal/authz"
	"github.com/hudsor01/tenant-flow-sub015/internal/billing"
	"github.com/hudsor01/tenant-flow-sub015/internal/config"
	"github.com/hudsor01/tenant-flow-sub015/internal/database"
	"github.com/hudsor01/tenant-flow-sub015/internal/jobs"
	"github.com/hudsor01/tenant-flow-sub015/internal/metrics"
	"github.com/hudsor01/tenant-flow-sub015/internal/middleware"
	"github.com/hudsor01/tenant-flow-sub015/internal/server"
	"github.com/hudsor01/tenant-flow-sub015/internal/tenancy"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	metrics.Register()

	// Connect to the application database
	slog.Info("Connecting to database")
	pool, err := database.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	slog.Info("Connected to database")

	// Run migrations: schema plus the row-security policies that guard it
	slog.Info("Running migrations")
	if err := database.RunMigrations(ctx, pool, database.AppMigrations()); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	slog.Info("Migrations complete")

	// Policy engine. Registration and schema validation both refuse to boot
	// on a malformed policy; a policy problem must never surface per-request.
	engine := authz.NewEngine()
	if err := engine.Register(authz.DefaultPolicies()...); err != nil {
		log.Fatalf("Failed to register access policies: %v", err)
	}
	if err := engine.Validate(ctx, pool); err != nil {
		log.Fatalf("Access policy validation failed: %v", err)
	}
	slog.Info("Access policies validated", "tables", len(engine.Tables()))

	auditRecorder := audit.NewRecorder(pool)
	auditReader := audit.NewReader(pool, engine)

	// Job queue over Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to redis: %v", err)
	}
	queue := jobs.NewQueue(rdb, cfg.WorkerCount, cfg.WebhookRetryBase)

	// Billing provider client; absent in development, where webhook payloads
	// are applied as carried instead of refetched.
	var client *billing.ProviderClient
	if cfg.BillingAPIKey != "" {
		client, err = billing.NewProviderClient(cfg.BillingAPIKey, cfg.BillingAPIBaseURL)
		if err != nil {
			log.Fatalf("Failed to create billing client: %v", err)
		}
	} else {
		slog.Warn("BILLING_API_KEY not set; checkout and authoritative refetch disabled")
	}

	var archive *billing.DeadLetterArchive
	if cfg.ArchiveEnabled() {
		archive, err = billing.NewDeadLetterArchive(ctx, billing.ArchiveConfig{
			Endpoint:   cfg.ArchiveS3Endpoint,
			Region:     cfg.ArchiveS3Region,
			Bucket:     cfg.ArchiveS3Bucket,
			AccessKey:  cfg.ArchiveS3AccessKey,
			SecretKey:  cfg.ArchiveS3SecretKey,
			PathPrefix: "dead-letters",
			Passphrase: cfg.ArchiveKey,
		})
		if err != nil {
			log.Fatalf("Failed to create dead-letter archive: %v", err)
		}
		slog.Info("Dead-letter archive enabled", "bucket", cfg.ArchiveS3Bucket)
	}

	// Webhook pipeline
	store := billing.NewPgStore(pool)
	processor, err := billing.NewProcessor(billing.ProcessorConfig{
		Store:       store,
		Queue:       queue,
		Client:      client,
		Archive:     archive,
		Audit:       auditRecorder,
		Secret:      cfg.WebhookSecret,
		Tolerance:   cfg.WebhookTolerance,
		MaxAttempts: cfg.WebhookMaxAttempts,
	})
	if err != nil {
		log.Fatalf("Failed to create webhook processor: %v", err)
	}

	jobs.RegisterBillingHandlers(queue, processor)
	queue.Start()

	sweeper := billing.NewSweeper(store, queue, time.Minute, cfg.WebhookStuckDeadline)
	sweeper.Start()

	// Services
	orgService := tenancy.NewOrgService(pool, engine)
	userService := tenancy.NewUserService(pool, engine)
	propertyService := tenancy.NewPropertyService(pool, engine)
	unitService := tenancy.NewUnitService(pool, engine)
	tenantService := tenancy.NewTenantService(pool, engine)
	leaseService := tenancy.NewLeaseService(pool, engine)
	maintenanceService := tenancy.NewMaintenanceService(pool, engine)

	prices := map[billing.Plan]string{
		billing.PlanStarter: cfg.PriceStarter,
		billing.PlanGrowth:  cfg.PriceGrowth,
		billing.PlanMax:     cfg.PriceMax,
	}
	billingService := billing.NewService(pool, engine, client, prices,
		cfg.SiteURL+"/billing/success", cfg.SiteURL+"/billing/cancelled")
	deadLetterService := billing.NewDeadLetterService(pool, engine, queue, auditRecorder)

	authMiddleware := middleware.NewAuth(cfg.JWTSecret)

	srv := server.New(pool, authMiddleware,
		orgService, userService, propertyService, unitService, tenantService,
		leaseService, maintenanceService,
		billingService, deadLetterService, auditReader, processor,
		cfg.RateLimitPerMinute)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("Shutting down")
		sweeper.Stop()
		queue.Stop()

		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		httpServer.Shutdown(shutCtx)
		rdb.Close()
		pool.Close()
	}()

	slog.Info("Server started", "host", cfg.Host, "port", cfg.Port)

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
