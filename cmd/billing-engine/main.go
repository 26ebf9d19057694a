// cmd/billing-engine/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AnuragDani/ride-billing-engine/internal/api"
	"github.com/AnuragDani/ride-billing-engine/internal/cache"
	"github.com/AnuragDani/ride-billing-engine/internal/config"
	"github.com/AnuragDani/ride-billing-engine/internal/database"
	"github.com/AnuragDani/ride-billing-engine/internal/dunning"
	"github.com/AnuragDani/ride-billing-engine/internal/events"
	"github.com/AnuragDani/ride-billing-engine/internal/invoice"
	"github.com/AnuragDani/ride-billing-engine/internal/logger"
	"github.com/AnuragDani/ride-billing-engine/internal/payment"
	"github.com/AnuragDani/ride-billing-engine/internal/processor"
	"github.com/AnuragDani/ride-billing-engine/internal/scheduler"
	"github.com/AnuragDani/ride-billing-engine/internal/store/postgres"
	"github.com/AnuragDani/ride-billing-engine/internal/usage"
	"github.com/AnuragDani/ride-billing-engine/internal/webhook"
	"github.com/AnuragDani/ride-billing-engine/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("billing-engine").Fatal("Invalid configuration", "error", err)
	}
	log := logger.NewWithOptions("billing-engine", os.Stdout, cfg.LogLevel, true)

	billing, err := config.LoadBillingFile(cfg.BillingConfigPath)
	if err != nil {
		log.Fatal("Failed to load billing config", "path", cfg.BillingConfigPath, "error", err)
	}
	pricing, err := billing.Pricing.Parse()
	if err != nil {
		log.Fatal("Invalid pricing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolOptions())
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()
	log.Info("Connected to database")

	st := postgres.New(db)
	if err := st.EnsureSchema(ctx); err != nil {
		log.Fatal("Failed to apply schema", "error", err)
	}

	health := map[string]api.HealthCheck{"database": db.Ping}

	// Live feed
	hub := websocket.NewHub(log.With("component", "ws-hub"))
	go hub.Run(ctx)
	publishers := []events.Publisher{hub}

	// Event bus; dunning notices fall back to the log without it
	var notifier dunning.Notifier = events.LogNotifier{Logger: log.With("component", "notifier")}
	if bus, err := events.NewAMQPPublisher(cfg.RabbitMQURL); err != nil {
		log.Warn("RabbitMQ unavailable, events stay local", "error", err)
	} else {
		defer bus.Close()
		publishers = append(publishers, bus)
		notifier = events.NewNoticeNotifier(bus)
		log.Info("Connected to RabbitMQ")
	}
	emitter := events.NewEmitter(log, publishers...)

	// Webhook dedup cache in front of the unique constraint
	var dedup webhook.DedupCache
	if redisClient, err := cache.NewRedisClient(cfg.RedisURL, log); err != nil {
		log.Warn("Redis unavailable, webhook dedup uses the database only", "error", err)
	} else {
		defer redisClient.Close()
		dedup = redisClient
		health["redis"] = redisClient.HealthCheck
		log.Info("Connected to Redis")
	}

	providers, err := processor.FromConfig(processor.Config{
		Name:        "gateway",
		BaseURL:     cfg.PaymentProviderURL,
		APIKey:      cfg.PaymentProviderKey,
		Timeout:     cfg.PaymentProviderTimeout,
		SuccessRate: float64(cfg.DryRunSuccessRate) / 100,
	})
	if err != nil {
		log.Fatal("Invalid payment provider settings", "error", err)
	}
	live := providers.Live
	if cfg.DryRun {
		log.Warn("DRY_RUN set, all charges go to the simulated provider")
		live = providers.Simulated
	}

	// Engines
	ledger := usage.NewLedger(st, usage.NewAggregator(pricing))
	invoices := invoice.NewEngine(st, ledger, log.With("component", "invoice"),
		invoice.WithDueDays(cfg.InvoiceDueDays), invoice.WithEmitter(emitter))
	dunningEngine := dunning.NewEngine(st, notifier, log.With("component", "dunning"), dunning.WithEmitter(emitter))
	executor := payment.NewExecutor(st, live, dunningEngine, log.With("component", "payment"),
		payment.WithPolicy(payment.RetryPolicy{
			BaseDelay:   cfg.RetryBaseDelay,
			Multiplier:  cfg.RetryMultiplier,
			MaxDelay:    cfg.RetryMaxDelay,
			MaxAttempts: cfg.RetryMaxAttempts,
		}),
		payment.WithEmitter(emitter),
		payment.WithDryRunProvider(providers.Simulated),
	)
	retries := payment.NewRetryScheduler(executor, log.With("component", "retry"), cfg.StaleAttemptAfter)

	webhookProviders, err := webhook.ProvidersFromConfig(billing.WebhookProviders)
	if err != nil {
		log.Fatal("Invalid webhook providers", "error", err)
	}
	forwarder := webhook.NewForwarder(st, cfg.ForwardSigningSecret, cfg.ForwardTimeout, log.With("component", "forwarder"),
		webhook.WithForwardPolicy(payment.RetryPolicy{
			BaseDelay:   cfg.ForwardBaseDelay,
			Multiplier:  cfg.ForwardMultiplier,
			MaxDelay:    cfg.ForwardMaxDelay,
			MaxAttempts: cfg.ForwardMaxAttempts,
		}),
		webhook.WithForwardEmitter(emitter),
		webhook.WithBatchSize(cfg.BatchSize),
	)
	gatewayOpts := []webhook.Option{
		webhook.WithTolerance(cfg.WebhookToleranceSeconds),
		webhook.WithClaimLease(cfg.WebhookClaimLease),
		webhook.WithForwarder(forwarder),
		webhook.WithEmitter(emitter),
	}
	if dedup != nil {
		gatewayOpts = append(gatewayOpts, webhook.WithCache(dedup, cfg.WebhookDedupTTL))
	}
	gateway := webhook.NewGateway(st, webhookProviders, log.With("component", "webhook"), gatewayOpts...)
	webhook.RegisterPaymentHandlers(gateway, live, executor)

	// Jobs
	jobs := scheduler.New(log.With("component", "scheduler"), emitter)
	for _, job := range scheduler.BillingJobs(scheduler.Schedules{
		BillingCycle:  cfg.BillingCycleSchedule,
		PaymentRetry:  cfg.PaymentRetrySchedule,
		StaleAttempts: cfg.StaleAttemptSchedule,
		Dunning:       cfg.DunningSchedule,
		WebhookRetry:  cfg.WebhookRetrySchedule,
	}, scheduler.Engines{
		Invoices:  invoices,
		Retries:   retries,
		Dunning:   dunningEngine,
		Forwarder: forwarder,
	}) {
		if err := jobs.Register(job); err != nil {
			log.Fatal("Failed to schedule job", "job", job.Name, "error", err)
		}
	}
	jobs.Start()

	server := api.NewServer(api.Deps{
		Invoices:  invoices,
		Ledger:    ledger,
		Payments:  executor,
		Dunning:   dunningEngine,
		Webhooks:  gateway,
		Forwarder: forwarder,
		Jobs:      jobs,
		Hub:       hub,
		Health:    health,

		Production: cfg.IsProduction(),
	}, log.With("component", "api"))

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("Billing engine listening", "port", cfg.Port, "environment", cfg.Environment, "dry_run", cfg.DryRun)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", "error", err)
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down billing engine...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
	}
	jobs.Stop()
	log.Info("Billing engine stopped")
}
