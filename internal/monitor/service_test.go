package monitor

import (
	"context"
	"encoding/json"
	"testing"

	"arctrigger/internal/config"
	"arctrigger/internal/order"
	"arctrigger/internal/position"
	"arctrigger/internal/store"
)

func newService(t *testing.T) *Service {
	t.Helper()
	s, err := store.NewSQLite(config.DatabaseConfig{
		InMemory:     true,
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	svc, err := NewService(s, nil)
	if err != nil {
		t.Fatalf("NewService returned error: %v", err)
	}
	return svc
}

func TestRecordAndList(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	svc.RecordOrderStatus(ctx, "ord-1", "Order queued — watching trigger.", "orange")
	svc.RecordTrigger(ctx, "ord-1", "SPY", 100.5)
	svc.RecordExecution(ctx, "ord-1", "ARC-1", "FINALIZED", 5, 2.50)
	svc.RecordPosition(ctx, []position.Position{{
		OrderID:    "ord-1",
		Instrument: order.Instrument{Symbol: "SPY", Right: order.RightCall},
		Qty:        5,
		AvgPrice:   2.50,
	}})

	events, err := svc.ListEvents(ctx, "", 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	// 最近的事件排在前面
	if events[0].Type != EventPosition {
		t.Errorf("expected newest event first, got %s", events[0].Type)
	}
}

func TestListEvents_FilterByType(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	svc.RecordOrderStatus(ctx, "ord-1", "queued", "orange")
	svc.RecordOrderStatus(ctx, "ord-2", "queued", "orange")
	svc.RecordTrigger(ctx, "ord-1", "SPY", 100.5)

	events, err := svc.ListEvents(ctx, EventOrderStatus, 10)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 order_status events, got %d", len(events))
	}

	var payload OrderStatusPayload
	raw, ok := events[0].Payload.(json.RawMessage)
	if !ok {
		t.Fatalf("expected raw payload, got %T", events[0].Payload)
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		t.Fatalf("payload unmarshal failed: %v", err)
	}
	if payload.Color != "orange" {
		t.Errorf("unexpected payload: %+v", payload)
	}
}

func TestListEvents_LimitDefaults(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		svc.RecordTrigger(ctx, "ord", "SPY", float64(i))
	}

	events, err := svc.ListEvents(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("expected all 5 events with default limit, got %d", len(events))
	}

	events, err = svc.ListEvents(ctx, "", 2)
	if err != nil {
		t.Fatalf("ListEvents returned error: %v", err)
	}
	if len(events) != 2 {
		t.Errorf("expected 2 events with limit, got %d", len(events))
	}
}
