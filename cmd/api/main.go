package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/packetwarden/formflow-api/internal/auth"
	"github.com/packetwarden/formflow-api/internal/billing"
	"github.com/packetwarden/formflow-api/internal/config"
	"github.com/packetwarden/formflow-api/internal/logger"
	"github.com/packetwarden/formflow-api/internal/server"
	"github.com/packetwarden/formflow-api/internal/store"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v\n", err)
	}

	logger.InitLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if err := cfg.RequireStripe(); err != nil {
		logger.Fatal("Failed to load Stripe configuration", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := store.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Unable to create connection pool", zap.Error(err))
	}
	defer pool.Close()
	st := store.New(pool)

	verifier, err := auth.NewJWTVerifier(cfg.AuthIssuerURL, cfg.AuthAudience)
	if err != nil {
		logger.Fatal("Unable to set up token verifier", zap.Error(err))
	}

	router := server.NewRouter(server.Dependencies{
		Config:   cfg,
		Store:    st,
		Gateway:  billing.NewGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret),
		Verifier: verifier,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.APIPort),
		Handler: router,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Server starting", zap.String("port", cfg.APIPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Give outstanding requests a deadline for completion
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exiting")
}
