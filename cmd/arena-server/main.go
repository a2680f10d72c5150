package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pawnhub/arena-server/internal/arena"
	appcfg "github.com/pawnhub/arena-server/internal/config"
	"github.com/pawnhub/arena-server/internal/engine"
	"github.com/pawnhub/arena-server/internal/gateway"
	"github.com/pawnhub/arena-server/internal/history"
	"github.com/pawnhub/arena-server/internal/obslog"
	"github.com/pawnhub/arena-server/internal/store"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}

	client, err := store.NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("store init error: %v", err)
	}

	moveClient := engine.NewClient(cfg.MoveServiceURL,
		engine.WithTimeout(time.Duration(cfg.MoveTimeoutSec)*time.Second),
		engine.WithRetry(cfg.MoveRetryMax),
	)

	var archiver arena.Archiver
	var repo *history.Repository
	if cfg.DatabaseURL != "" {
		repo, err = history.NewRepository(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("history repo init error: %v", err)
		}
		archiver = repo
	} else {
		obslog.L().Warn("history_disabled", zap.String("reason", "DATABASE_URL not set"))
	}

	srv := gateway.NewServer(client, moveClient, archiver).WithMatchCapacity(cfg.MaxConcurrentMatches)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(cfg.ListenAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		obslog.L().Info("shutdown_signal", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			obslog.L().Error("gateway_serve_error", zap.Error(err))
		}
	}

	shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shCtx)
	_ = client.Close()
	if repo != nil {
		_ = repo.Close()
	}
}
