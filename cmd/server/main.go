package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/felixcheruiyot/zato/internal/audit"
	"github.com/felixcheruiyot/zato/internal/config"
	"github.com/felixcheruiyot/zato/internal/host"
	"github.com/felixcheruiyot/zato/internal/pubsub"
	"github.com/felixcheruiyot/zato/internal/storage"
	"github.com/felixcheruiyot/zato/internal/wsx"
)

func main() {
	// Load .env file if present (development convenience).
	_ = godotenv.Load()             // current directory .env
	_ = godotenv.Load("../../.env") // running from cmd/server/ -> project root .env

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)
	slog.Info("starting WSX channel server", "address", cfg.Address, "env", cfg.Environment)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Initialize storage clients ---
	pg, err := storage.NewPostgresClient(ctx, cfg.PostgresURL)
	if err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer pg.Close()

	redis, err := storage.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redis.Close()

	// --- Host services ---
	registry := host.NewRegistry(pg)
	registry.Register(cfg.ServiceName, func(_ context.Context, req *wsx.ChannelRequest) (any, error) {
		// Default channel service: echo the payload back to the caller.
		return req.Payload, nil
	})

	auditLog := audit.NewRedisAuditLog(redis, cfg.MaxLenMessagesSent, cfg.MaxLenMessagesReceived)

	// --- Channel server ---
	channelConfig := &wsx.ChannelConfig{
		Name:                     cfg.ChannelName,
		Address:                  cfg.Address,
		DataFormat:               cfg.DataFormat,
		ServiceName:              cfg.ServiceName,
		SecName:                  cfg.SecName,
		SecType:                  cfg.SecType,
		TokenTTL:                 cfg.TokenTTL,
		NewTokenWaitTime:         cfg.NewTokenWaitTime,
		PingInterval:             cfg.PingInterval,
		PingsMissedThreshold:     cfg.PingsMissedThreshold,
		JSONLibrary:              cfg.JSONLibrary,
		HookService:              cfg.HookService,
		IsAuditLogSentActive:     cfg.AuditLogSentActive,
		IsAuditLogReceivedActive: cfg.AuditLogReceivedActive,
		MaxLenMessagesSent:       cfg.MaxLenMessagesSent,
		MaxLenMessagesReceived:   cfg.MaxLenMessagesReceived,
		SOReuse:                  cfg.SOReuse,
		TLSCertFile:              cfg.TLSCertFile,
		TLSKeyFile:               cfg.TLSKeyFile,
	}

	server, err := wsx.NewChannelServer(channelConfig, host.BasicAuthFunc(pg), registry.OnMessage, &wsx.ServerOptions{
		HookInvoker: wsx.NewHookInvoker(),
		AuditLog:    auditLog,
	})
	if err != nil {
		slog.Error("failed to build channel server", "error", err)
		os.Exit(1)
	}

	// --- Broker bridge (optional) ---
	if cfg.NATSURL != "" {
		bridge, err := pubsub.NewBridge(cfg.NATSURL, server)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer bridge.Close()

		if err := bridge.Start(); err != nil {
			slog.Error("failed to start broker bridge", "error", err)
			os.Exit(1)
		}
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// --- Graceful shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		if err != nil {
			slog.Error("channel server error", "error", err)
		}
	}

	server.Stop()
	slog.Info("WSX channel server stopped")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
