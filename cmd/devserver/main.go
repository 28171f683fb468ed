// cmd/devserver/main.go
// Reference backend for local development and integration tests

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

	"github.com/joho/godotenv"

	"github.com/imadgeboyega/kiekky-sync/internal/common/database"
	"github.com/imadgeboyega/kiekky-sync/internal/common/logger"
	"github.com/imadgeboyega/kiekky-sync/internal/config"
	"github.com/imadgeboyega/kiekky-sync/internal/devserver"
)

func main() {
	envErr := godotenv.Load()

	cfg := config.Load()
	log := logger.New(cfg.Environment, cfg.LogLevel)
	if envErr != nil {
		log.Debug("no .env file, using environment variables", "error", envErr)
	}

	if err := cfg.Validate(); err != nil {
		log.Error("configuration validation failed", "error", err)
		os.Exit(1)
	}

	// Redis is optional: without it events stay on this instance
	var fanout devserver.Fanout
	if cfg.RedisURL != "" {
		redisClient, err := database.NewRedisClientFromURL(context.Background(), cfg.RedisURL)
		if err != nil {
			log.Warn("redis unavailable, continuing without fan-out", "error", err)
		} else {
			defer redisClient.Close()
			fanout = devserver.NewRedisFanout(redisClient, log)
			log.Info("connected to redis")
		}
	}

	server := devserver.New(devserver.Options{
		Config: cfg,
		Logger: log,
		Fanout: fanout,
	})
	server.Start()

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     server.Handler(),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("server starting", "addr", srv.Addr, "environment", cfg.Environment)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("failed to start server", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")
	server.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	log.Info("server exited gracefully")
}
