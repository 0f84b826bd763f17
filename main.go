package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/threadchat/server/internal/app"
	"github.com/threadchat/server/internal/core"
	logx "github.com/threadchat/server/pkg/logger"
)

func main() {
	ctx := context.Background()
	// Load .env file
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("Warning: Could not load .env file: %v", err)
	}

	// Load structured config from env
	var envCfg app.AppConfig
	if err := envconfig.Process("", &envCfg); err != nil {
		log.Fatalf("Failed to process environment config: %v", err)
	}

	logx.Init(logx.LoggerOpts{
		Environment: core.ParseEnvironment(envCfg.Environment),
		Level:       envCfg.LogLevel,
	})

	application, err := app.New(ctx, envCfg)
	if err != nil {
		logx.Fatal().Err(err).Msg("Failed to initialise application")
	}

	server := &http.Server{
		Addr:              envCfg.HTTPAddr,
		Handler:           application.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logx.Info().Str("addr", envCfg.HTTPAddr).Str("store", envCfg.Conversation.Store).Msg("Threadchat server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logx.Info().Msg("Shutting down Threadchat server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, envCfg.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := application.Close(); err != nil {
		logx.Error().Err(err).Msg("Error releasing resources")
	}
	logx.Info().Msg("Threadchat server stopped")
}
