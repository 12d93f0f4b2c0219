package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/fawry-gateway/internal/config"
	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/handlers"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/payment"
	"github.com/fawry-gateway/internal/queue"
	"github.com/fawry-gateway/internal/reconcile"
	"github.com/fawry-gateway/internal/server"
	"github.com/fawry-gateway/internal/storage"
	"github.com/fawry-gateway/internal/wallet"
	"github.com/fawry-gateway/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Fawry Payment Gateway starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.LogSafeConfig()

	ctx := context.Background()

	// Initialize state store
	healthChecks := map[string]handlers.HealthChecker{}
	var store storage.Store
	switch cfg.StateBackend {
	case "redis":
		redisStore, err := storage.NewRedisStore(cfg.RedisURL, "fawry")
		if err != nil {
			log.Fatalf("Failed to connect state store: %v", err)
		}
		defer redisStore.Close()
		healthChecks["state"] = redisStore
		store = redisStore
	default:
		fileStore, err := storage.NewFileStore(cfg.StateDir)
		if err != nil {
			log.Fatalf("Failed to open state dir: %v", err)
		}
		store = fileStore
	}

	// Initialize ledger
	var txLedger ledger.Ledger
	if cfg.LedgerBackend == "postgres" {
		pgLedger, err := ledger.NewPostgresLedger(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
		if err != nil {
			log.Fatalf("Failed to connect ledger database: %v", err)
		}
		defer pgLedger.Close()
		healthChecks["database"] = pgLedger
		txLedger = pgLedger
	} else {
		txLedger = ledger.NewKVLedger(store)
	}

	// Opportunistic housekeeping: drop transactions past retention.
	if removed, err := txLedger.ClearOld(ctx, ledger.RetentionPeriod); err != nil {
		log.Printf("Transaction cleanup failed: %v", err)
	} else if removed > 0 {
		log.Printf("Cleaned up %d old transactions", removed)
	}

	// Initialize credential store
	credStore := credentials.NewStore(store, credentials.Defaults{
		StagingMerchantCode: cfg.FawryStagingMerchantCode,
		StagingSecurityKey:  cfg.FawryStagingSecurityKey,
		StagingBaseURL:      cfg.FawryStagingBaseURL,
		ProductionBaseURL:   cfg.FawryProductionBaseURL,
	})
	if err := credStore.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize credentials: %v", err)
	}

	// Initialize queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	// Provider and wallet clients
	fawryClient := fawry.NewClient()
	walletClient := wallet.NewClient(cfg.WalletAPIBaseURL, cfg.WalletAPIToken)

	// Core services
	paymentService := payment.NewService(credStore, txLedger, fawryClient, store, cfg.FawryReturnURL)
	reconciler := reconcile.New(credStore, txLedger, fawryClient, walletClient, store, cfg.EnforceWebhookSignature)

	// Register worker handlers
	processor := worker.NewProcessor(reconciler)
	q.Mux.HandleFunc(worker.TypeReconcileWebhook, processor.ProcessWebhook)

	// Start embedded asynq worker
	redisOpt, serverConfig, err := queue.ServerConfig(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to create worker config: %v", err)
	}
	asynqServer := asynq.NewServer(redisOpt, serverConfig)

	go func() {
		log.Println("Starting webhook worker...")
		if err := asynqServer.Run(q.Mux); err != nil {
			log.Fatalf("Webhook worker failed: %v", err)
		}
	}()

	// Initialize HTTP server
	httpHandlers := handlers.NewHandler(paymentService, reconciler, credStore, txLedger, store, q.Client)
	httpServer := server.NewServer(cfg, httpHandlers, healthChecks)

	go func() {
		if err := httpServer.Start(); err != nil {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down gracefully...")

	asynqServer.Shutdown()

	// Give time for cleanup
	time.Sleep(2 * time.Second)

	log.Println("Shutdown complete")
}
