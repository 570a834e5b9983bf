package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"crypto-alert-monitor/internal/infrastructure/config"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const defaultPingTimeout = 5 * time.Second

// Open 建立 alert store 使用的 PostgreSQL 連線池，不驗證連線；DSN 為空時回傳 nil。
// database/sql 會在之後的查詢中自動重連，暫時連不上只會讓當次 tick 失敗。
func Open(cfg config.DBConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, nil
	}

	pool, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pool.SetMaxOpenConns(cfg.MaxOpenConns)
	pool.SetMaxIdleConns(cfg.MaxIdleConns)
	pool.SetConnMaxIdleTime(cfg.MaxIdleTime)
	return pool, nil
}

// Ping 確認資料庫可連線；ctx 無 deadline 時套用預設 timeout。
func Ping(ctx context.Context, pool *sql.DB) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, defaultPingTimeout)
		defer cancel()
	}
	if err := pool.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}
