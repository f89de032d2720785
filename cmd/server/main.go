// Package main is the entry point for the Lumina auth server. It loads
// configuration, connects to MariaDB and Redis, runs migrations, wires the
// auth and audit components, and starts the HTTP server plus the two
// background maintenance loops.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luminachat/lumina/internal/app"
	"github.com/luminachat/lumina/internal/audit"
	"github.com/luminachat/lumina/internal/auth"
	"github.com/luminachat/lumina/internal/config"
	"github.com/luminachat/lumina/internal/database"
	"github.com/luminachat/lumina/internal/kvstore"
	"github.com/luminachat/lumina/internal/mailer"
	"github.com/luminachat/lumina/internal/ratelimit"
	"github.com/luminachat/lumina/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	setupLogging(cfg)

	slog.Info("starting Lumina",
		slog.String("env", cfg.Env),
		slog.Int("port", cfg.Port),
	)

	db, err := database.NewMariaDB(cfg.Database)
	if err != nil {
		slog.Error("failed to connect to MariaDB", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to MariaDB")

	if err := database.RunMigrations(db, "db/migrations"); err != nil {
		slog.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		slog.Error("failed to connect to Redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer rdb.Close()
	slog.Info("connected to Redis")

	// --- Wire components ---
	kv := kvstore.New(rdb)
	codec := token.NewCodec(cfg.Auth.JWTSecret)
	limiter := ratelimit.New(kv)
	notifier := mailer.New(cfg.Mail, cfg.BaseURL)

	auditRepo := audit.NewRepository(db)
	auditService := audit.NewService(auditRepo, cfg.Audit.RetentionDays)
	detector := audit.NewDetector(auditRepo)

	userRepo := auth.NewUserRepository(db)
	authService := auth.NewService(userRepo, kv, codec, limiter, auditService, notifier, auth.Options{
		BcryptCost:      cfg.Auth.BcryptCost,
		SessionTTL:      cfg.Auth.SessionTTL,
		RememberTTL:     cfg.Auth.RememberTTL,
		VerificationTTL: cfg.Auth.VerificationTTL,
		ResetTTL:        cfg.Auth.ResetTTL,
	})

	application := app.New(cfg, db, rdb)
	application.RegisterRoutes(authService, auditService, detector)

	// --- Background maintenance ---
	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()
	go retentionLoop(bgCtx, auditService)
	go anomalyLoop(bgCtx, detector)

	// --- Graceful shutdown ---
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		slog.Info("shutting down server...")
		bgCancel()

		// Give in-flight requests 10 seconds to complete.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := application.Echo.Shutdown(ctx); err != nil {
			slog.Error("server forced shutdown", slog.Any("error", err))
		}
	}()

	if err := application.Start(); err != nil {
		// Echo returns http.ErrServerClosed on graceful shutdown.
		slog.Info("server stopped", slog.Any("reason", err))
	}
}

// retentionLoop deletes audit entries past the retention horizon once a
// day. The first sweep runs shortly after startup so a long-stopped
// instance catches up without waiting a full day.
func retentionLoop(ctx context.Context, svc audit.Service) {
	timer := time.NewTimer(time.Minute)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if _, err := svc.Sweep(ctx); err != nil {
				slog.Error("audit retention sweep failed", slog.Any("error", err))
			}
			timer.Reset(24 * time.Hour)
		}
	}
}

// anomalyLoop runs the anomaly detector hourly and logs any findings.
func anomalyLoop(ctx context.Context, detector *audit.Detector) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			detector.LogReport(ctx)
		}
	}
}

// setupLogging configures the global slog logger. Development uses text
// format for readability; production uses JSON for log aggregation.
func setupLogging(cfg *config.Config) {
	var handler slog.Handler

	if cfg.IsDevelopment() {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}

	slog.SetDefault(slog.New(handler))
}
