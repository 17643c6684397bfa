// Command roomrelayd runs the WebRTC rendezvous relay: a WebSocket
// signaling endpoint that pairs peers up by room and shuttles their
// session negotiation between them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/meshwire/roomrelay/internal/config"
	"github.com/meshwire/roomrelay/internal/httpserver"
	"github.com/meshwire/roomrelay/internal/metrics"
	"github.com/meshwire/roomrelay/internal/origin"
	"github.com/meshwire/roomrelay/internal/registry"
	"github.com/meshwire/roomrelay/internal/signaling"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "roomrelayd:", err)
		os.Exit(1)
	}
}

func run() error {
	// Optional .env for local development; env vars always win.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		return err
	}

	log, err := config.NewLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(log)
	log.Info("starting roomrelayd",
		"version", version,
		"mode", string(cfg.Mode),
		"listenAddr", cfg.ListenAddr,
	)
	if cfg.PublicBaseURL != "" {
		log.Info("public endpoint", "url", cfg.PublicBaseURL+"/ws")
	}

	m := metrics.New()
	reg := registry.New()
	router := signaling.NewRouter(log, reg, m)
	wsServer := signaling.NewServer(log, router, m, signaling.ServerConfig{
		Origin:               origin.NewPolicy(cfg.AllowedOrigins),
		IdleTimeout:          cfg.WSIdleTimeout,
		PingInterval:         cfg.WSPingInterval,
		MaxMessageBytes:      cfg.MaxMessageBytes,
		MaxMessagesPerSecond: cfg.MaxMessagesPerSecond,
	})
	httpServer := httpserver.New(log, httpserver.Config{
		ListenAddr: cfg.ListenAddr,
		StaticDir:  cfg.StaticDir,
		Version:    version,
	}, m, wsServer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down", "timeout", cfg.ShutdownTimeout.String())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info("shutdown complete")
	return <-errCh
}
