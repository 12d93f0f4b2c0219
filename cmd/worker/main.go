package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/fawry-gateway/internal/config"
	"github.com/fawry-gateway/internal/credentials"
	"github.com/fawry-gateway/internal/fawry"
	"github.com/fawry-gateway/internal/ledger"
	"github.com/fawry-gateway/internal/queue"
	"github.com/fawry-gateway/internal/reconcile"
	"github.com/fawry-gateway/internal/storage"
	"github.com/fawry-gateway/internal/wallet"
	"github.com/fawry-gateway/internal/worker"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Fawry Payment Gateway Worker starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	// State store
	var store storage.Store
	switch cfg.StateBackend {
	case "redis":
		redisStore, err := storage.NewRedisStore(cfg.RedisURL, "fawry")
		if err != nil {
			log.Fatalf("Failed to connect state store: %v", err)
		}
		defer redisStore.Close()
		store = redisStore
	default:
		fileStore, err := storage.NewFileStore(cfg.StateDir)
		if err != nil {
			log.Fatalf("Failed to open state dir: %v", err)
		}
		store = fileStore
	}

	// Ledger
	var txLedger ledger.Ledger
	if cfg.LedgerBackend == "postgres" {
		pgLedger, err := ledger.NewPostgresLedger(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
		if err != nil {
			log.Fatalf("Failed to connect ledger database: %v", err)
		}
		defer pgLedger.Close()
		txLedger = pgLedger
	} else {
		txLedger = ledger.NewKVLedger(store)
	}

	// Credentials
	credStore := credentials.NewStore(store, credentials.Defaults{
		StagingMerchantCode: cfg.FawryStagingMerchantCode,
		StagingSecurityKey:  cfg.FawryStagingSecurityKey,
		StagingBaseURL:      cfg.FawryStagingBaseURL,
		ProductionBaseURL:   cfg.FawryProductionBaseURL,
	})
	if err := credStore.Initialize(ctx); err != nil {
		log.Fatalf("Failed to initialize credentials: %v", err)
	}

	// Queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to initialize queue: %v", err)
	}
	defer q.Close()

	// Reconciler and processor
	fawryClient := fawry.NewClient()
	walletClient := wallet.NewClient(cfg.WalletAPIBaseURL, cfg.WalletAPIToken)
	reconciler := reconcile.New(credStore, txLedger, fawryClient, walletClient, store, cfg.EnforceWebhookSignature)

	processor := worker.NewProcessor(reconciler)
	q.Mux.HandleFunc(worker.TypeReconcileWebhook, processor.ProcessWebhook)

	redisOpt, serverConfig, err := queue.ServerConfig(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatalf("Failed to create worker config: %v", err)
	}
	asynqServer := asynq.NewServer(redisOpt, serverConfig)

	// Handle shutdown signals
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down worker...")
		asynqServer.Shutdown()
	}()

	log.Println("Worker started, processing tasks...")
	if err := asynqServer.Run(q.Mux); err != nil {
		log.Fatalf("Worker failed: %v", err)
	}

	log.Println("Worker shutdown complete")
}
