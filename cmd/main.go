/*
Package main is the entry point for the blivecast overlay relay server.

It loads configuration, initializes the global logging system, wires the
avatar resolver, room manager, and overlay config store into the HTTP server,
fires the startup version check, and gracefully handles operating system
interrupt signals (SIGINT, SIGTERM) for a smooth shutdown.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blivecast/internal/app/avatar"
	"blivecast/internal/app/relay"
	"blivecast/internal/app/store"
	"blivecast/internal/app/update"
	"blivecast/internal/configs"
	"blivecast/internal/handler"
	"blivecast/internal/pkg/logx"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.Environment == "development")
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Bool("debug", cfg.Debug).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Informational only; never gates startup.
	go update.CheckLatest(ctx)

	// Overlay config store
	configStore, err := store.Open(cfg.ConfigDBPath)
	if err != nil {
		logx.Fatal(err, "Failed to open overlay config store")
	}

	// Avatar resolver and room manager
	resolver := avatar.NewResolver(avatar.Config{})
	manager := relay.NewManager(resolver, nil, cfg.Debug)

	// Setup HTTP server and routes
	deps := &handler.AppDeps{
		Manager: manager,
		Config:  cfg,
		Store:   configStore,
	}
	router := handler.Router(deps)

	serverAddr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:        serverAddr,
		Handler:     router,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("blivecast server starting on http://%s version %s", serverAddr, update.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Fatal(err, "Server forced to shutdown")
	}

	manager.Shutdown()
	resolver.Shutdown()

	if err := configStore.Close(); err != nil {
		logx.Error(err, "Failed to close overlay config store")
	}

	logx.Info("Server gracefully stopped.")
}
