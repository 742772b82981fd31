package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/ralph0830/stockcast/internal/broadcast"
	"github.com/ralph0830/stockcast/internal/config"
	"github.com/ralph0830/stockcast/internal/heartbeat"
	"github.com/ralph0830/stockcast/internal/logging"
	"github.com/ralph0830/stockcast/internal/redis"
	"github.com/ralph0830/stockcast/internal/server"
	"github.com/ralph0830/stockcast/internal/ws"
)

func setupConfig() *config.Config {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupRedis(cfg *config.Config) *redis.Client {
	client, err := redis.NewClient(cfg.UpstreamURL())
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	return client
}

func overflowPolicy(cfg *config.Config) ws.OverflowPolicy {
	if cfg.OverflowPolicy == config.OverflowEvict {
		return ws.OverflowEvict
	}
	return ws.OverflowFlag
}

func runGracefulShutdown(srv *server.Server, sub *redis.Subscriber, hb *heartbeat.Manager, manager *ws.Manager, redisClient *redis.Client) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		sub.Stop()
		hb.Stop()
		manager.Close()

		if err := redisClient.Close(); err != nil {
			slog.Error("Redis close error", "error", err)
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	redisClient := setupRedis(cfg)

	manager := ws.NewManager(ws.Options{
		QueueSize:  cfg.SessionQueueSize,
		Policy:     overflowPolicy(cfg),
		EvictAfter: cfg.OverflowEvictAfter,
		Clock:      clock,
	})

	onTimeout := func(id uuid.UUID) {
		slog.Info("Session evicted by heartbeat", "session_id", id.String())
	}
	hb := heartbeat.New(manager, clock, cfg.HeartbeatInterval, cfg.HeartbeatMissLimit, onTimeout)
	hb.Start()

	signals := broadcast.NewSignalBroadcaster(manager, clock)
	prices := broadcast.NewPriceBroadcaster(manager, clock)

	feed := redis.NewFeed(redisClient)
	sub := redis.NewSubscriber(feed, signals, prices, redis.SubscriberOptions{
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectBackoff:  cfg.ReconnectBackoff,
		Clock:             clock,
	})

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := sub.Start(startCtx); err != nil {
		cancel()
		slog.Error("Failed to start upstream subscriber", "error", err)
		os.Exit(1)
	}
	cancel()

	srv := server.New(cfg, manager, hb, sub, redisClient, clock)

	done := runGracefulShutdown(srv, sub, hb, manager, redisClient)

	slog.Info("Server starting", "port", cfg.Port)
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
