package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"sentinel-overwatch/api"
	"sentinel-overwatch/db"
	"sentinel-overwatch/pkg/config"
	"sentinel-overwatch/pkg/logger"
	embeddednats "sentinel-overwatch/pkg/services/embedded-nats"
	"sentinel-overwatch/pkg/services/hub"
	"sentinel-overwatch/pkg/services/mqttbridge"
	"sentinel-overwatch/pkg/services/workers"
)

func initDB(cfg *config.Relay, log *zap.Logger) (*db.Service, error) {
	dbConfig := db.DefaultConfig()
	dbConfig.DBPath = cfg.DBPath

	dbService, err := db.New(dbConfig, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database service: %w", err)
	}
	if err := dbService.VerifySchema(); err != nil {
		dbService.Close()
		return nil, fmt.Errorf("schema verification failed: %w", err)
	}
	return dbService, nil
}

func initNATS(cfg *config.Relay, log *zap.Logger) (*embeddednats.EmbeddedNATS, error) {
	natsConfig := embeddednats.DefaultConfig()
	natsConfig.DataDir = cfg.NATSDataDir
	natsConfig.Port = cfg.NATSPort

	nats, err := embeddednats.New(natsConfig, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded NATS: %w", err)
	}

	if err := nats.Start(); err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}

	if err := nats.CreateOverwatchStreams(); err != nil {
		nats.Shutdown(context.Background())
		return nil, fmt.Errorf("failed to create overwatch streams: %w", err)
	}

	log.Info("NATS JetStream initialized")
	return nats, nil
}

func main() {
	foundEnv := config.LoadDotEnv()

	cfg, err := config.LoadRelay(config.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, "overwatch-relay")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer log.Sync()

	if foundEnv {
		log.Info("Loaded configuration from .env file")
	} else {
		log.Info("No .env file found, using environment variables")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal("Relay failed", zap.Error(err))
	}
}

func run(cfg *config.Relay, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbService, err := initDB(cfg, log)
	if err != nil {
		return err
	}
	defer dbService.Close()

	nats, err := initNATS(cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := nats.Shutdown(shutdownCtx); err != nil {
			log.Warn("Failed to shutdown NATS", zap.Error(err))
		}
	}()

	relayHub := hub.New(hub.Config{FlushInterval: cfg.FlushEvery}, nats.Connection(), db.NewStore(dbService), log)
	if err := relayHub.Start(); err != nil {
		return err
	}
	hubDone := make(chan error, 1)
	go func() { hubDone <- relayHub.Run(ctx) }()

	workerManager, err := workers.NewManager(nats, relayHub, log)
	if err != nil {
		return fmt.Errorf("failed to create worker manager: %w", err)
	}
	relayHub.SetGreeting(workerManager.Telemetry().Latest)
	if err := workerManager.Start(); err != nil {
		return fmt.Errorf("failed to start workers: %w", err)
	}

	var bridge *mqttbridge.Bridge
	if cfg.MQTTBroker != "" {
		bridge, err = mqttbridge.New(mqttbridge.Config{Broker: cfg.MQTTBroker, Topic: cfg.MQTTTopic, QoS: 1}, nats, log)
		if err != nil {
			return err
		}
		if err := bridge.Start(); err != nil {
			// devices are optional; the relay keeps serving without them
			log.Warn("MQTT bridge unavailable", zap.Error(err))
			bridge = nil
		}
	}

	handlers := api.NewHandlers(api.Config{
		APIToken:    cfg.APIToken,
		JWTSecret:   cfg.JWTSecret,
		DefaultRoom: cfg.Room,
	}, dbService, nats, relayHub, log)

	// No write timeout: websocket peers are long-lived.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     handlers.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Starting Overwatch relay", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case sig := <-sigChan:
		log.Info("Shutting down relay", zap.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("Server failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("Failed to shutdown server gracefully", zap.Error(err))
	}

	if bridge != nil {
		bridge.Stop()
	}

	if err := workerManager.Stop(); err != nil {
		log.Warn("Failed to stop workers", zap.Error(err))
	}

	cancel()
	if err := <-hubDone; err != nil {
		log.Warn("Failed to flush rooms on shutdown", zap.Error(err))
	}

	log.Info("Relay shutdown complete")
	return nil
}
