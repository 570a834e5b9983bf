package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"crypto-alert-monitor/internal/infrastructure/config"
	"crypto-alert-monitor/internal/infrastructure/logging"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromFile(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("init logger failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := openDB(ctx, cfg.DB, logger)
	if err != nil {
		logger.Fatal("open database failed", zap.Error(err))
	}
	if pool != nil {
		defer pool.Close()
	}

	a, err := newApp(cfg, pool, logger)
	if err != nil {
		logger.Fatal("build monitor failed", zap.Error(err))
	}

	logger.Info("price alert monitor starting",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("provider", cfg.Provider.Name),
		zap.Duration("interval", cfg.Monitor.Interval),
		zap.Bool("postgres", pool != nil),
	)
	if err := a.run(ctx); err != nil {
		logger.Fatal("monitor stopped with error", zap.Error(err))
	}
	logger.Info("price alert monitor stopped")
}
