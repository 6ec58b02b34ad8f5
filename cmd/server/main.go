package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/slack-go/slack"

	"github.com/pipebridge/slack-approval/internal/config"
	"github.com/pipebridge/slack-approval/internal/dispatch"
	"github.com/pipebridge/slack-approval/internal/handlers"
	"github.com/pipebridge/slack-approval/internal/interaction"
	"github.com/pipebridge/slack-approval/internal/logging"
	"github.com/pipebridge/slack-approval/internal/metrics"
	"github.com/pipebridge/slack-approval/internal/middleware"
	"github.com/pipebridge/slack-approval/internal/pipeline"
)

func main() {
	// Load configuration; channel selection and credentials are validated
	// here so misconfiguration never reaches request handling
	cfg, err := config.Load()
	if err != nil {
		logging.NewLogger("error", "json", "stderr").Error("Invalid configuration", err, nil)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	logger.Info("Starting slack-approval server", nil)

	// External collaborators
	slackClient := slack.New(cfg.Slack.BotToken)
	submitter := pipeline.NewClient()

	// Initialize handlers
	dispatcher := dispatch.New(slackClient, cfg.Slack, logger)
	interactions := interaction.New(slackClient, submitter, cfg.Slack, cfg.Limits, logger)
	statusHandlers := handlers.NewStatusHandlers(logger)

	// Initialize rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.Limits.RateLimit, cfg.Limits.RateWindow)

	// Setup router
	router := mux.NewRouter()

	// Apply middleware (order matters)
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.RecoveryMiddleware(logger))
	router.Use(middleware.LoggingMiddleware(logger))
	router.Use(middleware.RequestSizeMiddleware(cfg.Limits.MaxBodyBytes))

	// Health, status and metrics (no signature)
	router.HandleFunc("/health", statusHandlers.Health).Methods("GET")
	router.HandleFunc("/status", statusHandlers.Status).Methods("GET")
	router.Handle("/metrics", metrics.Handler()).Methods("GET")

	// Pipeline notification inbound: posts the approval request message
	router.HandleFunc("/pipeline/approvals", dispatcher.HandleNotification).Methods("POST")

	// Slack interaction inbound: signature verification runs before any
	// payload parsing
	slackRouter := router.PathPrefix("/slack").Subrouter()
	slackRouter.Use(middleware.RateLimitMiddleware(rateLimiter))
	slackRouter.Use(middleware.SlackSignatureMiddleware(cfg.Slack.SigningSecret, logger))
	slackRouter.HandleFunc("/interactions", interactions.HandleInteraction).Methods("POST")

	// Create HTTP server
	addr := cfg.Server.Host + ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", map[string]interface{}{
			"address": addr,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed", err, nil)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server", nil)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", err, nil)
	}

	logger.Info("Server stopped", nil)
}
