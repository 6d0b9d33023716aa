package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// InstrumentCache 持久化 合约描述 -> 券商原生合约ID 的解析结果，
// 带新鲜度检查；未命中或过期只意味着需要重新解析，不是错误。
type InstrumentCache struct {
	db  *sql.DB
	ttl time.Duration
}

// NewInstrumentCache 创建合约ID缓存并初始化表结构。
func NewInstrumentCache(db *sql.DB, ttl time.Duration) (*InstrumentCache, error) {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}

	const schema = `
CREATE TABLE IF NOT EXISTS instrument_id (
    key        TEXT PRIMARY KEY,
    native_id  TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: 初始化 instrument_id 表失败: %w", err)
	}
	return &InstrumentCache{db: db, ttl: ttl}, nil
}

// Put 写入或更新一条解析结果。
func (c *InstrumentCache) Put(ctx context.Context, key, nativeID string) error {
	const stmt = `
INSERT INTO instrument_id (key, native_id, updated_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET native_id = excluded.native_id, updated_at = excluded.updated_at`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := c.db.ExecContext(ctx, stmt, key, nativeID, now); err != nil {
		return fmt.Errorf("store: 保存合约ID失败: %w", err)
	}
	return nil
}

// Get 返回仍然新鲜的解析结果；未命中或过期时第二个返回值为假。
func (c *InstrumentCache) Get(ctx context.Context, key string) (string, bool, error) {
	var nativeID, updatedAt string
	err := c.db.QueryRowContext(ctx,
		"SELECT native_id, updated_at FROM instrument_id WHERE key = ?", key,
	).Scan(&nativeID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: 查询合约ID失败: %w", err)
	}

	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return "", false, nil // 无法判断新鲜度时视为过期
	}
	if time.Since(ts) > c.ttl {
		return "", false, nil
	}
	return nativeID, true, nil
}
