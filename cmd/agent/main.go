// Package main provides the session agent entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/student-mobility/session-agent/internal/api"
	"github.com/student-mobility/session-agent/internal/config"
	"github.com/student-mobility/session-agent/internal/identity"
	"github.com/student-mobility/session-agent/internal/logging"
	"github.com/student-mobility/session-agent/internal/session"
	"github.com/student-mobility/session-agent/internal/storage"
	"github.com/student-mobility/session-agent/internal/wallet"
	"github.com/student-mobility/session-agent/internal/walletlink"
)

func main() {
	fmt.Println("Student Mobility Session Agent")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":   cfg.Logging.Level,
		"format":  cfg.Logging.Format,
		"backend": cfg.Session.Backend,
		"api":     cfg.Identity.BaseURL,
	}).Info("Structured logging initialized")

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	// Open the session store
	kv, closeKV, err := storage.OpenKV(rootCtx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open session store")
	}
	defer closeKV()

	store := storage.NewSessionStore(kv, storage.SessionStoreOptions{
		MirrorLegacy: cfg.Session.MirrorLegacy,
		Logger:       logger,
	})

	client := identity.NewClientFromConfig(&cfg.Identity, logger)

	controller := session.NewController(client, store, session.Options{
		Logger: logger,
		Theme: func(dark bool) {
			logger.WithField("dark", dark).Debug("Theme applied")
		},
	})
	defer controller.Close()

	provider := wallet.NewProvider(walletFactory(cfg, logger))
	defer provider.Close()

	orchestrator := walletlink.NewOrchestrator(provider, controller, client, walletlink.Options{
		InitTimeout:   cfg.Wallet.InitTimeout,
		RepromptDelay: cfg.Wallet.RepromptDelay,
		Logger:        logger,
	})
	defer orchestrator.Close()

	serverConfig := api.ServerConfigFrom(cfg.Server)
	server := api.NewServer(serverConfig, controller, orchestrator, logger).WithUpstream(client)

	// Restore the persisted session; mutations answer 503 until it finishes
	go func() {
		controller.Restore(rootCtx)
		logger.WithField("status", controller.Snapshot().Status).Info("Session restored")
	}()

	// Wallet startup must never hold up the rest of the agent
	go func() {
		if err := orchestrator.Start(rootCtx); err != nil {
			logger.WithError(err).Warn("Wallet features disabled")
		}
	}()

	// Start server in a goroutine
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent...")
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Agent exited")
}

// walletFactory returns nil when no wallet host is configured, which the
// provider reports as WalletNotInitialized.
func walletFactory(cfg *config.Config, logger *logging.Logger) wallet.Factory {
	if !cfg.WalletEnabled() {
		logger.Info("No wallet project configured, wallet features disabled")
		return nil
	}
	return func() (*wallet.Adapter, error) {
		connector, err := wallet.NewLocalConnector(wallet.LocalConnectorConfig{
			AccountID:     cfg.Wallet.AccountID,
			PrivateKeyHex: cfg.Wallet.PrivateKey,
			Network:       cfg.Wallet.Network,
			Logger:        logger,
		})
		if err != nil {
			return nil, err
		}
		return wallet.NewAdapter(connector, wallet.AdapterOptions{Logger: logger}), nil
	}
}
