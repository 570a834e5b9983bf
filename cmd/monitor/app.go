package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"crypto-alert-monitor/internal/application/monitor"
	notifyApp "crypto-alert-monitor/internal/application/notify"
	"crypto-alert-monitor/internal/infra/memory"
	"crypto-alert-monitor/internal/infrastructure/config"
	"crypto-alert-monitor/internal/infrastructure/db"
	"crypto-alert-monitor/internal/infrastructure/external/binance"
	"crypto-alert-monitor/internal/infrastructure/external/coingecko"
	"crypto-alert-monitor/internal/infrastructure/metrics"
	"crypto-alert-monitor/internal/infrastructure/notify"
	"crypto-alert-monitor/internal/infrastructure/persistence/postgres"
	"crypto-alert-monitor/internal/infrastructure/pricefeed"
	httpapi "crypto-alert-monitor/internal/interface/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	dbPingTimeout   = 10 * time.Second
)

// alertStore 同時滿足 scheduler、dispatcher 與 HTTP 層所需的 store 介面。
type alertStore interface {
	monitor.AlertStore
	notifyApp.DeadLetterRecorder
	httpapi.AlertReader
}

type app struct {
	cfg       config.Config
	logger    *zap.Logger
	metrics   *metrics.Monitor
	store     alertStore
	scheduler *monitor.Scheduler
	api       *httpapi.Server
	server    *http.Server
	telegram  *notify.TelegramClient
}

// openDB 只在未設定 DSN 時回傳 nil（記憶體 store）。
// 有 DSN 但啟動時連不上仍保留連線池，tick 會回報 store 不可用並在恢復後繼續。
func openDB(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (*sql.DB, error) {
	pool, err := db.Open(cfg)
	if err != nil {
		return nil, err
	}
	if pool == nil {
		logger.Info("no DB_DSN provided; running with in-memory store only")
		return nil, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, dbPingTimeout)
	defer cancel()
	if err := db.Ping(pingCtx, pool); err != nil {
		logger.Warn("database unreachable at startup; alert reads will fail until it recovers", zap.Error(err))
	}
	return pool, nil
}

// newApp 依設定組裝所有元件；pool 為 nil 時改用記憶體 store。
func newApp(cfg config.Config, pool *sql.DB, logger *zap.Logger) (*app, error) {
	m := metrics.New()

	var store alertStore
	if pool != nil {
		store = postgres.NewAlertRepo(pool)
	} else {
		store = memory.NewStore()
	}

	provider, err := newProvider(cfg)
	if err != nil {
		return nil, err
	}
	source := pricefeed.NewSource(provider, pricefeed.Options{
		RatePerSecond:  cfg.Provider.RatePerSecond,
		Burst:          cfg.Provider.Burst,
		BatchSize:      cfg.Provider.BatchSize,
		CacheTTL:       cfg.Provider.CacheTTL,
		FetchTimeout:   cfg.Monitor.FetchTimeout,
		BackoffInitial: cfg.Provider.BackoffInitial,
		BackoffMax:     cfg.Provider.BackoffMax,
		MaxInFlight:    cfg.Monitor.MaxInFlight,
	}, logger.Named("pricefeed"), m)

	var channels []notifyApp.Channel
	var tg *notify.TelegramClient
	if cfg.Notifier.Telegram.Enabled {
		tg = notify.NewTelegramClient(cfg.Notifier.Telegram.Token, cfg.Notifier.Telegram.Prefix, cfg.Notifier.Telegram.APIURL)
		channels = append(channels, tg)
	}
	if cfg.Notifier.Webhook.Enabled {
		channels = append(channels, notify.NewWebhookClient(cfg.Notifier.Webhook.Timeout))
	}
	if len(channels) == 0 {
		logger.Warn("no notification channel enabled; fired alerts will be dead-lettered")
	}

	dispatcher := notifyApp.NewDispatcher(channels, store, notifyApp.Options{
		MaxAttempts:       cfg.Dispatch.MaxAttempts,
		InitialBackoff:    cfg.Dispatch.InitialBackoff,
		MaxBackoff:        cfg.Dispatch.MaxBackoff,
		AttemptTimeout:    cfg.Dispatch.AttemptTimeout,
		DeadLetterTimeout: cfg.Dispatch.DeadLetterTimeout,
	}, logger.Named("dispatch"), m)

	scheduler := monitor.NewScheduler(store, source, dispatcher, monitor.Options{
		Interval:            cfg.Monitor.Interval,
		TickTimeout:         cfg.Monitor.TickTimeout,
		MaxInFlight:         cfg.Monitor.MaxInFlight,
		ReadRetryMaxElapsed: cfg.Monitor.ReadRetryMaxElapsed,
	}, logger.Named("scheduler"), m)

	api := httpapi.NewServer(pool, store, scheduler, m, logger.Named("http"))

	return &app{
		cfg:       cfg,
		logger:    logger,
		metrics:   m,
		store:     store,
		scheduler: scheduler,
		api:       api,
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		telegram: tg,
	}, nil
}

func newProvider(cfg config.Config) (pricefeed.Provider, error) {
	switch cfg.Provider.Name {
	case "binance":
		client := binance.NewClient(cfg.Provider.APIKey, cfg.Provider.BaseURL, cfg.Monitor.FetchTimeout)
		return binance.NewPriceProvider(client, cfg.Provider.QuoteAsset), nil
	case "coingecko":
		return coingecko.NewClient(coingecko.Options{
			BaseURL:    cfg.Provider.BaseURL,
			APIKey:     cfg.Provider.APIKey,
			Pro:        cfg.Provider.Pro,
			VsCurrency: cfg.Provider.VsCurrency,
			CoinIDs:    cfg.Provider.CoinIDs,
			Timeout:    cfg.Monitor.FetchTimeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider.Name)
	}
}

// run 啟動 HTTP server 與 scheduler，直到 ctx 取消或任一元件失敗。
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if a.telegram != nil && a.cfg.Notifier.Telegram.VerifyOnStart {
		g.Go(func() error {
			a.verifyTelegram(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return a.scheduler.Run(gctx)
	})
	g.Go(func() error {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// verifyTelegram 啟動時確認 bot token；失敗只記錄，不中止程序。
func (a *app) verifyTelegram(ctx context.Context) {
	name, err := a.telegram.VerifyBot(ctx)
	if err != nil {
		a.logger.Error("telegram bot verification failed", zap.Error(err))
		return
	}
	a.logger.Info("telegram bot verified", zap.String("bot", name))
}
