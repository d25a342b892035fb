package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/homescout/mailsync/internal/config"
	"github.com/homescout/mailsync/internal/database"
	"github.com/homescout/mailsync/internal/encryption"
	"github.com/homescout/mailsync/internal/models"
	"github.com/homescout/mailsync/internal/outlook"
	"github.com/homescout/mailsync/internal/queue"
	"github.com/homescout/mailsync/internal/repository"
	"github.com/homescout/mailsync/internal/service"
	"github.com/homescout/mailsync/internal/web"
)

const renewalSweepInterval = time.Hour

func main() {
	if err := run(); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Connect to database
	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	log.Println("Database connected successfully")

	// Run migrations
	log.Println("Running database migrations...")
	if err := database.RunMigrations(db); err != nil {
		return err
	}
	log.Println("Migrations completed successfully")

	// Initialize repositories
	connectionRepo := repository.NewConnectionRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)

	// Initialize token cipher
	cipher, err := encryption.NewCipher(cfg.TokenEncryptionSecret)
	if err != nil {
		return err
	}

	// Initialize provider client
	outlookClient := outlook.NewClient(cfg.OutlookClientID, cfg.OutlookClientSecret, cfg.OutlookTenantID)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize services
	pendingAuth := service.NewPendingAuthStore()
	go pendingAuth.StartSweeper(ctx, 10*time.Minute)

	tokenManager := service.NewTokenManager(outlookClient, cipher, pendingAuth,
		cfg.WebhookBaseURL+"/auth/outlook/callback", cfg.OutlookTenantID)
	connectionService := service.NewConnectionService(connectionRepo, tokenManager)

	jobQueue := queue.New(sqlDB, cfg.MaxJobAttempts)

	subscriptionManager := service.NewSubscriptionManager(
		subscriptionRepo, connectionRepo, connectionService, outlookClient, jobQueue,
		cfg.WebhookBaseURL+"/webhooks/outlook")
	mailProcessor := service.NewMailProcessor(connectionRepo, connectionService, outlookClient, jobQueue)

	// Initialize worker
	worker := queue.NewWorker(jobQueue, time.Duration(cfg.PollInterval)*time.Second)
	worker.Register(models.JobTypeMailboxSync, mailProcessor.HandleMailboxSync)
	worker.Register(models.JobTypeMailSend, mailProcessor.HandleMailSend)
	worker.Register(models.JobTypeSubscriptionRenew, func(ctx context.Context, payload []byte) error {
		var body service.RenewPayload
		if err := json.Unmarshal(payload, &body); err != nil {
			return err
		}
		return subscriptionManager.RenewSubscription(ctx, body.SubscriptionID)
	})

	// Safety net for renewal jobs lost to crashes or enqueue failures
	go subscriptionManager.RunRenewalSweeper(ctx, renewalSweepInterval)

	// Initialize HTTP server
	server := web.NewServer(connectionService, subscriptionManager, subscriptionRepo, mailProcessor, jobQueue)

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Start worker and HTTP server in goroutines
	errChan := make(chan error, 2)
	go func() {
		errChan <- worker.Start(ctx)
	}()
	go func() {
		log.Printf("HTTP server listening on %s", cfg.HTTPAddr)
		errChan <- server.Start(cfg.HTTPAddr)
	}()

	// Wait for shutdown signal or error
	select {
	case <-sigChan:
		log.Println("Shutdown signal received")
		cancel()

		// Wait for graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeout)*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		select {
		case <-shutdownCtx.Done():
			log.Println("Shutdown timeout exceeded")
		case err := <-errChan:
			if err != nil && err != context.Canceled {
				log.Printf("Worker error: %v", err)
			}
		}

		log.Println("Application stopped")
		return nil

	case err := <-errChan:
		return err
	}
}
