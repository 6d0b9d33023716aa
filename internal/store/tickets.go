package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// TicketStore 持久化序列化后的订单，用于进程重启后重建
// PENDING/ACTIVE 订单及其监控协程。
type TicketStore struct {
	db *sql.DB
}

// NewTicketStore 创建订单持久化存储并初始化表结构。
func NewTicketStore(db *sql.DB) (*TicketStore, error) {
	const schema = `
CREATE TABLE IF NOT EXISTS order_ticket (
    id         TEXT PRIMARY KEY,
    payload    TEXT NOT NULL,
    updated_at TEXT NOT NULL
)`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("store: 初始化 order_ticket 表失败: %w", err)
	}
	return &TicketStore{db: db}, nil
}

// Save 写入或覆盖一张订单票据。
func (t *TicketStore) Save(ctx context.Context, orderID string, payload []byte) error {
	const stmt = `
INSERT INTO order_ticket (id, payload, updated_at) VALUES (?, ?, ?)
ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`

	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := t.db.ExecContext(ctx, stmt, orderID, string(payload), now); err != nil {
		return fmt.Errorf("store: 保存订单票据失败: %w", err)
	}
	return nil
}

// Delete 删除一张订单票据。
func (t *TicketStore) Delete(ctx context.Context, orderID string) error {
	if _, err := t.db.ExecContext(ctx, "DELETE FROM order_ticket WHERE id = ?", orderID); err != nil {
		return fmt.Errorf("store: 删除订单票据失败: %w", err)
	}
	return nil
}

// LoadAll 按写入时间返回全部票据内容。
func (t *TicketStore) LoadAll(ctx context.Context) ([][]byte, error) {
	rows, err := t.db.QueryContext(ctx, "SELECT payload FROM order_ticket ORDER BY updated_at")
	if err != nil {
		return nil, fmt.Errorf("store: 读取订单票据失败: %w", err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: 解析订单票据失败: %w", err)
		}
		out = append(out, []byte(payload))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 遍历订单票据失败: %w", err)
	}
	return out, nil
}
