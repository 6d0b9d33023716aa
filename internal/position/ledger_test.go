package position

import (
	"math"
	"testing"

	"arctrigger/internal/order"
)

var spy = order.Instrument{Symbol: "SPY", Expiry: "2026-09-18", Strike: 650, Right: order.RightCall}

func TestApplyFill_BuyAveragesPrice(t *testing.T) {
	l := NewLedger()

	pos := l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 10, 2.00)
	if pos.Qty != 10 || pos.AvgPrice != 2.00 {
		t.Fatalf("unexpected position after first fill: %+v", pos)
	}

	pos = l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 5, 3.00)
	if pos.Qty != 15 {
		t.Errorf("expected qty 15, got %d", pos.Qty)
	}
	want := (2.00*10 + 3.00*5) / 15
	if math.Abs(pos.AvgPrice-want) > 1e-9 {
		t.Errorf("expected avg price %.6f, got %.6f", want, pos.AvgPrice)
	}
}

func TestApplyFill_SellDecrementsAndRemovesAtZero(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 15, 2.33)

	pos := l.ApplyFill("ord-1", spy, "", order.SideSell, 5, 2.80)
	if pos.Qty != 10 {
		t.Errorf("expected qty 10 after partial sell, got %d", pos.Qty)
	}
	if math.Abs(pos.AvgPrice-2.33) > 1e-9 {
		t.Errorf("sell must not change avg price, got %.4f", pos.AvgPrice)
	}

	pos = l.ApplyFill("ord-1", spy, "", order.SideSell, 10, 2.90)
	if pos.Qty != 0 {
		t.Errorf("expected qty 0 after full sell, got %d", pos.Qty)
	}
	if _, ok := l.Lookup("ord-1"); ok {
		t.Errorf("expected fully sold position to be removed")
	}
}

func TestApplyFill_SellNeverGoesNegative(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 3, 2.00)

	pos := l.ApplyFill("ord-1", spy, "", order.SideSell, 10, 2.50)
	if pos.Qty != 0 {
		t.Errorf("expected oversell to floor at 0, got %d", pos.Qty)
	}
	if _, ok := l.Lookup("ord-1"); ok {
		t.Errorf("expected entry removed after oversell")
	}
}

func TestApplyFill_SellWithoutPositionIsIgnored(t *testing.T) {
	l := NewLedger()
	pos := l.ApplyFill("ghost", spy, "", order.SideSell, 5, 2.00)
	if pos.Qty != 0 {
		t.Errorf("expected no position to be created, got %+v", pos)
	}
	if len(l.List()) != 0 {
		t.Errorf("expected empty ledger, got %v", l.List())
	}
}

func TestApplyFill_PartialsAccumulateOutOfOrderAmounts(t *testing.T) {
	l := NewLedger()

	l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 3, 2.10)
	pos := l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 2, 2.10)
	if pos.Qty != 5 {
		t.Fatalf("expected qty 5 after partial buys, got %d", pos.Qty)
	}

	// 关联退出单按父订单ID扣减
	pos = l.ApplyFill("ord-1", spy, "", order.SideSell, 5, 2.40)
	if pos.Qty != 0 {
		t.Errorf("expected linked exit to close the position, got %d", pos.Qty)
	}
}

func TestApplyFill_ZeroDeltaIsNoOp(t *testing.T) {
	l := NewLedger()
	l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 4, 2.00)

	pos := l.ApplyFill("ord-1", spy, "ARC-1", order.SideBuy, 0, 9.99)
	if pos.Qty != 4 || pos.AvgPrice != 2.00 {
		t.Errorf("zero delta must not change position, got %+v", pos)
	}
}

func TestLookupAndList(t *testing.T) {
	l := NewLedger()
	if _, ok := l.Lookup("missing"); ok {
		t.Errorf("expected miss for unknown order")
	}

	l.ApplyFill("a", spy, "ARC-1", order.SideBuy, 1, 1.00)
	l.ApplyFill("b", spy, "ARC-2", order.SideBuy, 2, 2.00)

	if got := len(l.List()); got != 2 {
		t.Errorf("expected 2 positions, got %d", got)
	}

	pos, ok := l.Lookup("b")
	if !ok || pos.Qty != 2 || pos.BrokerID != "ARC-2" {
		t.Errorf("unexpected lookup result: %+v ok=%v", pos, ok)
	}
}
