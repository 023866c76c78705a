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

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/zhejian/shorturl/internal/config"
	"github.com/zhejian/shorturl/internal/events"
	"github.com/zhejian/shorturl/internal/infra"
	"github.com/zhejian/shorturl/internal/observability"
	"github.com/zhejian/shorturl/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()

	obs, err := observability.Setup(ctx, observability.Config{
		ServiceName:  cfg.Observability.ServiceName,
		Environment:  cfg.Observability.Environment,
		OTLPEndpoint: cfg.Observability.OTLPEndpoint,
		LogFile:      cfg.Observability.LogFile,
	})
	if err != nil {
		log.Fatalf("Failed to setup observability: %v", err)
	}
	logger := obs.Logger
	slog.SetDefault(logger)

	store, err := server.OpenStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var cache *redis.Client
	if cfg.Cache.URL != "" {
		cache, err = infra.NewCacheClient(ctx, cfg.Cache.URL)
		if err != nil {
			// The store alone can serve every request.
			logger.Warn("cache unavailable, continuing without it", slog.String("error", err.Error()))
			cache = nil
		} else {
			logger.Info("cache connected", slog.Duration("ttl", cfg.Cache.TTL))
		}
	}

	var (
		brokerConn *amqp.Connection
		publisher  events.ClickPublisher = events.NoopPublisher{}
		amqpPub    *events.AMQPPublisher
	)
	if cfg.Broker.URL != "" {
		brokerConn, err = infra.NewBrokerConnection(cfg.Broker.URL)
		if err == nil {
			amqpPub, err = events.NewAMQPPublisher(brokerConn, cfg.Broker.Exchange)
		}
		if err != nil {
			logger.Warn("click events disabled", slog.String("error", err.Error()))
			if brokerConn != nil {
				brokerConn.Close()
				brokerConn = nil
			}
		} else {
			publisher = amqpPub
			logger.Info("broker connected", slog.String("exchange", cfg.Broker.Exchange))
		}
	}

	srv := server.NewServer(cfg, store, cache, publisher, obs)

	go func() {
		logger.Info("server starting",
			slog.String("port", cfg.Server.Port),
			slog.String("base_url", cfg.App.BaseURL))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.String("error", err.Error()))
	}

	if amqpPub != nil {
		if err := amqpPub.Close(); err != nil {
			logger.Warn("failed to close publisher", slog.String("error", err.Error()))
		}
	}
	if brokerConn != nil {
		brokerConn.Close()
	}
	if cache != nil {
		cache.Close()
	}
	store.Close()
	obs.Shutdown(shutdownCtx)

	log.Println("Server exited gracefully")
}
