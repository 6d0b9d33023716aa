package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"arctrigger/internal/config"
	"arctrigger/internal/order"
	"arctrigger/internal/position"
)

type fakeConn struct {
	mu           sync.Mutex
	resolveCalls int
	resolveID    string
	resolveErr   error
	resolveGate  chan struct{} // 非空时解析阻塞到该通道关闭
	resolveBusy  chan struct{}
	placed       []OrderRequest
	placedIDs    []string
	placeErr     error
	cancelled    []string
}

func (c *fakeConn) Connect(ctx context.Context) error { return nil }
func (c *fakeConn) Close() error                      { return nil }

func (c *fakeConn) ResolveInstrument(ctx context.Context, inst order.Instrument) (string, error) {
	c.mu.Lock()
	c.resolveCalls++
	gate, busy := c.resolveGate, c.resolveBusy
	c.mu.Unlock()

	if gate != nil {
		if busy != nil {
			busy <- struct{}{}
		}
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolveErr != nil {
		return "", c.resolveErr
	}
	if c.resolveID == "" {
		return "NATIVE-1", nil
	}
	return c.resolveID, nil
}

func (c *fakeConn) PlaceOrder(ctx context.Context, brokerID string, req OrderRequest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.placeErr != nil {
		return c.placeErr
	}
	c.placed = append(c.placed, req)
	c.placedIDs = append(c.placedIDs, brokerID)
	return nil
}

func (c *fakeConn) CancelOrder(ctx context.Context, brokerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, brokerID)
	return nil
}

func (c *fakeConn) Run(ctx context.Context, handler EventHandler) error {
	<-ctx.Done()
	return ctx.Err()
}

func (c *fakeConn) placeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.placed)
}

func testConfig() config.GatewayConfig {
	return config.GatewayConfig{
		Account:           "TEST",
		ConnectTimeout:    time.Second,
		ReconnectMinDelay: time.Millisecond,
		ReconnectMaxDelay: 10 * time.Millisecond,
		BudgetMultiple:    1.5,
	}
}

// startGateway 启动受监督连接循环并等待就绪。
func startGateway(t *testing.T, conn Conn) (*Gateway, context.CancelFunc) {
	t.Helper()
	gw := New(conn, position.NewLedger(), nil, testConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = gw.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !gw.Ready() {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("gateway never became ready")
		}
		time.Sleep(2 * time.Millisecond)
	}
	return gw, cancel
}

func floatPtr(v float64) *float64 { return &v }

func makeEntry(t *testing.T, p order.Params) *order.Order {
	t.Helper()
	if p.Instrument.Symbol == "" {
		p.Instrument = order.Instrument{Symbol: "SPY", Expiry: "2026-09-18", Strike: 650, Right: order.RightCall}
	}
	ord, err := order.New(p)
	if err != nil {
		t.Fatalf("order.New returned error: %v", err)
	}
	return ord
}

func TestSubmitOrder_BudgetConvertsQuantity(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{EntryPrice: 2.50, Budget: floatPtr(2000)})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	// floor(2000 / (2.50 * 100)) = 8
	if got := ord.Quantity(); got != 8 {
		t.Errorf("expected converted qty 8, got %d", got)
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.placed) != 1 || conn.placed[0].Qty != 8 {
		t.Errorf("unexpected placed requests: %+v", conn.placed)
	}
	if conn.placed[0].Account != "TEST" {
		t.Errorf("expected account TEST, got %s", conn.placed[0].Account)
	}
}

func TestSubmitOrder_BudgetMinimumOneContract(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	// floor(180 / 150) = 1，名义价值 150 ≤ 1.5×180
	ord := makeEntry(t, order.Params{EntryPrice: 1.50, Budget: floatPtr(180)})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if got := ord.Quantity(); got != 1 {
		t.Errorf("expected minimum qty 1, got %d", got)
	}
}

func TestSubmitOrder_RiskGuardRejectsBeforeNetwork(t *testing.T) {
	conn := &fakeConn{}
	// 故意不启动连接循环：风控必须在任何网络调用之前生效
	gw := New(conn, position.NewLedger(), nil, testConfig(), nil)

	// qty 折算为 1，名义价值 250 > 1.5×100
	ord := makeEntry(t, order.Params{EntryPrice: 2.50, Budget: floatPtr(100)})
	err := gw.SubmitOrder(context.Background(), ord)
	if !errors.Is(err, ErrRiskGuardRejected) {
		t.Fatalf("expected ErrRiskGuardRejected, got %v", err)
	}
	if ord.State() != order.StateFailed {
		t.Errorf("expected order FAILED after risk rejection, got %s", ord.State())
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.resolveCalls != 0 || len(conn.placed) != 0 {
		t.Errorf("risk guard must fire before any network call: resolves=%d placed=%d",
			conn.resolveCalls, len(conn.placed))
	}
}

func TestSubmitOrder_NotConnected(t *testing.T) {
	conn := &fakeConn{}
	gw := New(conn, position.NewLedger(), nil, testConfig(), nil)

	ord := makeEntry(t, order.Params{Qty: 2, EntryPrice: 2.50})
	if err := gw.SubmitOrder(context.Background(), ord); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if ord.State() != order.StateFailed {
		t.Errorf("expected order FAILED, got %s", ord.State())
	}
}

func TestSubmitOrder_PlaceFailureMarksFailed(t *testing.T) {
	conn := &fakeConn{placeErr: errors.New("wire down")}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 2, EntryPrice: 2.50})
	err := gw.SubmitOrder(context.Background(), ord)
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	if ord.State() != order.StateFailed {
		t.Errorf("expected order FAILED, got %s", ord.State())
	}
}

func TestSubmitOrder_TerminalDuringResolveNeverTransmits(t *testing.T) {
	conn := &fakeConn{
		resolveGate: make(chan struct{}),
		resolveBusy: make(chan struct{}, 1),
	}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})

	done := make(chan error, 1)
	go func() { done <- gw.SubmitOrder(context.Background(), ord) }()

	// 提交停在合约解析的网络调用里，此时订单被带入终态
	<-conn.resolveBusy
	if err := ord.MarkCancelled("用户取消"); err != nil {
		t.Fatalf("MarkCancelled returned error: %v", err)
	}
	close(conn.resolveGate)

	if err := <-done; err == nil {
		t.Fatalf("expected SubmitOrder to refuse a terminal order")
	}
	if got := conn.placeCount(); got != 0 {
		t.Errorf("cancelled order must never reach the venue, placed=%d", got)
	}
}

func TestResolveInstrument_MemoryCacheHit(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ctx := context.Background()
	first := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})
	second := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})

	if err := gw.SubmitOrder(ctx, first); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if err := gw.SubmitOrder(ctx, second); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.resolveCalls != 1 {
		t.Errorf("expected single resolve for repeated instrument, got %d", conn.resolveCalls)
	}
}

func TestOrderFilled_LedgerBeforeFinalize(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 5, EntryPrice: 2.50})

	var qtyAtFinalize int
	ord.SetStatusFunc(func(text, color string) {
		if color == "green" {
			if pos, ok := gw.Ledger().Lookup(ord.ID); ok {
				qtyAtFinalize = pos.Qty
			}
		}
	})

	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	gw.OrderFilled(ord.BrokerID(), 5, 2.50)

	if ord.State() != order.StateFinalized {
		t.Fatalf("expected FINALIZED, got %s", ord.State())
	}
	if qtyAtFinalize != 5 {
		t.Errorf("ledger must be updated before the terminal transition, saw qty %d", qtyAtFinalize)
	}
}

func TestPartialFills_AccumulateIntoPosition(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 5, EntryPrice: 2.10})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	brokerID := ord.BrokerID()
	gw.OrderPartiallyFilled(brokerID, 3, 2.10)

	if ord.State() != order.StateActive {
		t.Errorf("expected order still ACTIVE after partial fill, got %s", ord.State())
	}
	pos, ok := gw.Ledger().Lookup(ord.ID)
	if !ok || pos.Qty != 3 {
		t.Fatalf("expected position qty 3 after partial fill, got %+v", pos)
	}

	gw.OrderFilled(brokerID, 2, 2.10)

	pos, ok = gw.Ledger().Lookup(ord.ID)
	if !ok || pos.Qty != 5 {
		t.Fatalf("expected position qty 5 after final fill, got %+v", pos)
	}
	if ord.State() != order.StateFinalized {
		t.Errorf("expected FINALIZED, got %s", ord.State())
	}
}

func TestLinkedExit_RoutesFillToParentPosition(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ctx := context.Background()
	parent := makeEntry(t, order.Params{Qty: 5, EntryPrice: 2.50})
	if err := gw.SubmitOrder(ctx, parent); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	gw.OrderFilled(parent.BrokerID(), 5, 2.50)

	exit, err := order.NewExit(parent, 5)
	if err != nil {
		t.Fatalf("NewExit returned error: %v", err)
	}
	if err := gw.SubmitOrder(ctx, exit); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	gw.OrderFilled(exit.BrokerID(), 5, 3.10)

	if _, ok := gw.Ledger().Lookup(parent.ID); ok {
		t.Errorf("expected parent position closed by linked exit")
	}
	if _, ok := gw.Ledger().Lookup(exit.ID); ok {
		t.Errorf("linked exit must never create its own position entry")
	}
}

func TestWaitForFill_Timeout(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	err := gw.WaitForFill(context.Background(), ord, 20*time.Millisecond)
	if !errors.Is(err, ErrFillTimeout) {
		t.Fatalf("expected ErrFillTimeout, got %v", err)
	}
}

func TestWaitForFill_ReturnsOnFill(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		gw.OrderFilled(ord.BrokerID(), 1, 2.50)
	}()

	if err := gw.WaitForFill(context.Background(), ord, time.Second); err != nil {
		t.Fatalf("expected fill, got %v", err)
	}
}

func TestWaitForFill_RejectionSurfacesReason(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}

	gw.OrderRejected(ord.BrokerID(), "margin exceeded")

	err := gw.WaitForFill(context.Background(), ord, time.Second)
	if !errors.Is(err, ErrSubmissionFailed) {
		t.Fatalf("expected ErrSubmissionFailed, got %v", err)
	}
	if ord.Reason() != "margin exceeded" {
		t.Errorf("expected rejection reason kept, got %q", ord.Reason())
	}
}

func TestCancelOrder_UnknownOrder(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	if err := gw.CancelOrder(context.Background(), "nope"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestCancelOrder_ForwardsBrokerID(t *testing.T) {
	conn := &fakeConn{}
	gw, cancel := startGateway(t, conn)
	defer cancel()

	ord := makeEntry(t, order.Params{Qty: 1, EntryPrice: 2.50})
	if err := gw.SubmitOrder(context.Background(), ord); err != nil {
		t.Fatalf("SubmitOrder returned error: %v", err)
	}
	if err := gw.CancelOrder(context.Background(), ord.ID); err != nil {
		t.Fatalf("CancelOrder returned error: %v", err)
	}

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if len(conn.cancelled) != 1 || conn.cancelled[0] != ord.BrokerID() {
		t.Errorf("expected cancel for %s, got %v", ord.BrokerID(), conn.cancelled)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	gw := New(&fakeConn{}, position.NewLedger(), nil, config.GatewayConfig{
		ReconnectMinDelay: time.Second,
		ReconnectMaxDelay: 10 * time.Second,
		BudgetMultiple:    1.5,
	}, nil)

	if d := gw.backoff(0); d != time.Second {
		t.Errorf("attempt 0: got %v", d)
	}
	if d := gw.backoff(2); d != 4*time.Second {
		t.Errorf("attempt 2: got %v", d)
	}
	if d := gw.backoff(10); d != 10*time.Second {
		t.Errorf("attempt 10 must cap at max, got %v", d)
	}
	if d := gw.backoff(64); d != 10*time.Second {
		t.Errorf("large attempt must cap at max, got %v", d)
	}
}
