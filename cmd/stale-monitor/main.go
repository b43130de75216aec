package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/stateline/stateline/pkg/config"
	"github.com/stateline/stateline/pkg/eventbus"
	"github.com/stateline/stateline/pkg/staleness"
	"github.com/stateline/stateline/pkg/store/postgres"
	redisclient "github.com/stateline/stateline/pkg/store/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	db, err := postgres.NewStore(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redis, err := redisclient.NewClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redis.Close()

	monitor := staleness.NewMonitor(
		postgres.NewDefinitionRepository(db.DB()),
		postgres.NewEntityStateRepository(db.DB()),
		eventbus.NewBus(redis.Client()),
		logger,
		cfg.Staleness.ScanInterval,
		cfg.Staleness.Threshold,
	)

	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.MetricsPort),
		Handler: promhttp.Handler(),
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener error", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := monitor.Run(ctx); err != nil && err != context.Canceled {
			logger.Fatal("staleness monitor stopped with error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("staleness monitor shutting down")
	_ = metricsServer.Shutdown(context.Background())
}
