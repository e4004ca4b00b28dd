package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harumakino16/setlink/internal/backup"
	"github.com/harumakino16/setlink/internal/billing/database"
	"github.com/harumakino16/setlink/internal/billing/server"
	billingstripe "github.com/harumakino16/setlink/internal/billing/stripe"
	"github.com/harumakino16/setlink/internal/config"
	"github.com/harumakino16/setlink/internal/email"
	"github.com/harumakino16/setlink/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logs.Level, cfg.Logs.Style)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	emailClient := email.NewClient(cfg.Email.APIKey, cfg.Email.FromEmail)

	srv := server.New(db, server.Config{
		Stripe: billingstripe.Config{
			SecretKey:      cfg.Stripe.SecretKey,
			WebhookSecret:  cfg.Stripe.WebhookSecret,
			PremiumPriceID: cfg.Stripe.PremiumPriceID,
			TrialDays:      cfg.Stripe.TrialDays,
			SuccessURL:     cfg.BaseURL + "/billing/success",
			CancelURL:      cfg.BaseURL + "/billing/cancel",
		},
		EmailClient: emailClient,
	}, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backupMgr := backup.NewManager(backup.Config{
		S3: backup.S3Config{
			Endpoint:  cfg.Backup.Endpoint,
			Bucket:    cfg.Backup.Bucket,
			Region:    cfg.Backup.Region,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
		},
		Passphrase: cfg.Backup.Passphrase,
		Interval:   time.Duration(cfg.Backup.IntervalHours) * time.Hour,
	}, db, logger.With("component", "backup"))
	backupMgr.Start(ctx)
	defer backupMgr.Stop()

	// Periodic rate-limiter cleanup
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		logger.Info("setlink billing service starting", "addr", ":"+cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
