package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/curricula-app/curricula/internal/auth"
	"github.com/curricula-app/curricula/internal/background"
	"github.com/curricula-app/curricula/internal/config"
	"github.com/curricula-app/curricula/internal/database"
	"github.com/curricula-app/curricula/internal/handlers"
	middlewareCustom "github.com/curricula-app/curricula/internal/middleware"
	"github.com/curricula-app/curricula/internal/repositories"
	"github.com/curricula-app/curricula/internal/routes"
	"github.com/curricula-app/curricula/internal/services"
	pkghttp "github.com/curricula-app/curricula/pkg/http"
	pkglogger "github.com/curricula-app/curricula/pkg/logger"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	ledgerRepo := repositories.NewAttemptLedgerRepository(db)
	tokenRepo := repositories.NewCredentialTokenRepository(db)

	// Email delivery
	emailService, err := services.NewAWSSESEmailService(cfg.Email.AWSRegion, cfg.Email.FromAddress, logger)
	if err != nil {
		logger.Error("failed to initialize email service", slog.Any("error", err))
		os.Exit(1)
	}

	// Security core
	auditLogger := pkglogger.NewAuditLogger(logger)
	clock := services.Clock(time.Now)

	lockoutPolicy := services.NewLockoutPolicy(cfg.Security, clock)
	suspicionDetector := services.NewSuspicionDetector(ledgerRepo, cfg.Security, logger, clock)
	tokenService := services.NewCredentialTokenService(tokenRepo, emailService, logger, clock, cfg.Security.CleanupBatchSize)
	coordinator := services.NewSecurityCoordinator(
		ledgerRepo, lockoutPolicy, suspicionDetector, tokenService,
		auditLogger, logger, cfg.Security, clock,
	)

	// Session tokens
	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenExpiry)

	// Handlers
	ipConfig := &pkghttp.IPConfig{}
	authHandler := handlers.NewAuthHandler(
		coordinator, tokenService, userRepo, tokenManager,
		auditLogger, ipConfig,
		cfg.Email.VerificationTTL, cfg.Email.PasswordResetTTL,
	)

	// Retention sweep
	cleanupManager := background.NewCleanupManager(
		coordinator, logger, cfg.Security.CleanupInterval, cfg.Security.AttemptRetentionDays,
	)

	// Router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middlewareCustom.SecurityHeaders())
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, authHandler, tokenManager)

	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.HealthCheck(ctx); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy","database":"down"}`))
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy","database":"up"}`))
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go cleanupManager.Start(cleanupCtx)

	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	cleanupCancel()
	cleanupManager.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped")
}
