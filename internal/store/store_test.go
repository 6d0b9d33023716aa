package store

import (
	"context"
	"testing"
	"time"

	"arctrigger/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTicketStore_SaveLoadDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tickets, err := NewTicketStore(s.DB())
	if err != nil {
		t.Fatalf("NewTicketStore returned error: %v", err)
	}

	if err := tickets.Save(ctx, "ord-1", []byte(`{"order_id":"ord-1"}`)); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	if err := tickets.Save(ctx, "ord-2", []byte(`{"order_id":"ord-2"}`)); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	all, err := tickets.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll returned error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 tickets, got %d", len(all))
	}

	// 覆盖写不新增行
	if err := tickets.Save(ctx, "ord-1", []byte(`{"order_id":"ord-1","state":"ACTIVE"}`)); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}
	all, err = tickets.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll returned error: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("upsert must not duplicate rows, got %d", len(all))
	}

	if err := tickets.Delete(ctx, "ord-1"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	all, err = tickets.LoadAll(ctx)
	if err != nil {
		t.Fatalf("LoadAll returned error: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 ticket after delete, got %d", len(all))
	}

	// 删除不存在的票据不报错
	if err := tickets.Delete(ctx, "missing"); err != nil {
		t.Errorf("Delete of missing ticket must be a no-op, got %v", err)
	}
}

func TestInstrumentCache_FreshHit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cache, err := NewInstrumentCache(s.DB(), time.Hour)
	if err != nil {
		t.Fatalf("NewInstrumentCache returned error: %v", err)
	}

	if err := cache.Put(ctx, "SPY|2026-09-18|650|CALL", "123456"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	id, fresh, err := cache.Get(ctx, "SPY|2026-09-18|650|CALL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !fresh || id != "123456" {
		t.Errorf("expected fresh hit, got id=%q fresh=%v", id, fresh)
	}
}

func TestInstrumentCache_MissIsNotAnError(t *testing.T) {
	s := openTestStore(t)

	cache, err := NewInstrumentCache(s.DB(), time.Hour)
	if err != nil {
		t.Fatalf("NewInstrumentCache returned error: %v", err)
	}

	id, fresh, err := cache.Get(context.Background(), "unknown")
	if err != nil {
		t.Fatalf("miss must not be an error, got %v", err)
	}
	if fresh || id != "" {
		t.Errorf("expected miss, got id=%q fresh=%v", id, fresh)
	}
}

func TestInstrumentCache_StaleEntryForcesResolve(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	cache, err := NewInstrumentCache(s.DB(), time.Hour)
	if err != nil {
		t.Fatalf("NewInstrumentCache returned error: %v", err)
	}

	// 直接写入一条早已过期的记录
	old := time.Now().UTC().Add(-2 * time.Hour).Format(time.RFC3339Nano)
	if _, err := s.DB().Exec(
		"INSERT INTO instrument_id (key, native_id, updated_at) VALUES (?, ?, ?)",
		"SPY|2026-09-18|650|CALL", "123456", old,
	); err != nil {
		t.Fatalf("seed insert failed: %v", err)
	}

	_, fresh, err := cache.Get(ctx, "SPY|2026-09-18|650|CALL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if fresh {
		t.Errorf("expected stale entry to be reported as not fresh")
	}

	// 重新解析后回写恢复新鲜
	if err := cache.Put(ctx, "SPY|2026-09-18|650|CALL", "654321"); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	id, fresh, err := cache.Get(ctx, "SPY|2026-09-18|650|CALL")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if !fresh || id != "654321" {
		t.Errorf("expected refreshed entry, got id=%q fresh=%v", id, fresh)
	}
}
