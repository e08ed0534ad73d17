package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/auth"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/dataaccess"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/firehose"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/gateway"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/pricesource"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/ratelimit"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/registry"
	"github.com/marketlens/portfolio-stream/cmd/streamer/internal/repository"
	"github.com/marketlens/portfolio-stream/pkg/config"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.App.Env)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	store, err := dataaccess.NewPostgresStore(cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("Failed to connect to Postgres", zap.Error(err))
	}

	policy, err := ratelimit.ParsePolicy(cfg.RateLimit.Policy)
	if err != nil {
		logger.Fatal("Invalid rate limit policy", zap.Error(err))
	}
	limiter := ratelimit.New(rdb, cfg.RateLimit, policy, logger)

	provider := pricesource.NewHTTPProvider(cfg.Provider.URL, cfg.Provider.Timeout)
	source := pricesource.New(provider, limiter, cfg.RateLimit.AcquireTimeout, logger)

	snapshots := repository.NewRedisStore(rdb, time.Hour)

	var sink firehose.Sink
	var publisher *firehose.Publisher
	if cfg.Kafka.Enabled {
		publisher = firehose.NewPublisher(firehose.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic), logger)
		sink = publisher
		logger.Info("Firehose enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	reg := registry.New(registry.WorkerDeps{
		Store:     store,
		Source:    source,
		Snapshots: snapshots,
		Firehose:  sink,
		Poll:      cfg.Poll,
	}, logger)

	handler := gateway.NewHandler(reg, auth.NewRedisVerifier(rdb), store, snapshots, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/", handler.ServeWS)
	mux.HandleFunc("/healthz", gateway.HealthHandler)
	mux.HandleFunc("/debug/ratelimit", gateway.StatsHandler(limiter, logger))

	srv := &http.Server{Addr: cfg.App.Port, Handler: mux}

	go func() {
		logger.Info("Streamer Started", zap.String("port", cfg.App.Port), zap.String("env", cfg.App.Env))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("HTTP Error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)

	reg.Close()

	if publisher != nil {
		if err := publisher.Close(); err != nil {
			logger.Error("Error closing Kafka writer", zap.Error(err))
		}
	}
	store.Close()
	rdb.Close()
	logger.Info("Shutdown Complete")
}
