package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"vizora-realtime/common/config"

	_ "github.com/lib/pq"
)

const pingTimeout = 5 * time.Second

// NewPostgresDB 打开 PostgreSQL 连接池并在超时内确认可达
func NewPostgresDB(ctx context.Context, cfg *config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return db, nil
}

// Close 关闭数据库连接
func Close(db *sql.DB) error {
	if db == nil {
		return nil
	}
	return db.Close()
}
