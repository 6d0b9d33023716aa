package gateway

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"arctrigger/internal/config"
	"arctrigger/internal/order"
	"arctrigger/internal/position"
	"arctrigger/internal/store"
)

// contractMultiplier 为单张期权合约对应的标的数量。
const contractMultiplier = 100

// Gateway 负责与异步执行场所之间的请求/回报关联：合约解析与缓存、
// 委托提交与取消、回报流处理，以及断线后的受监督重连。
// 解析缓存与持仓账本都只存在于进程内，重连后原样保留。
type Gateway struct {
	conn   Conn
	ledger *position.Ledger
	cache  *store.InstrumentCache // 可为空，缺失只意味着强制解析
	cfg    config.GatewayConfig
	logger *zap.Logger

	mu          sync.Mutex
	ready       bool
	seq         uint64
	instruments map[string]string
	byBrokerID  map[string]*order.Order
	byOrderID   map[string]*order.Order
	fills       map[string]chan struct{}
}

var _ EventHandler = (*Gateway)(nil)

// New 创建执行网关。
func New(conn Conn, ledger *position.Ledger, cache *store.InstrumentCache, cfg config.GatewayConfig, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BudgetMultiple < 1 {
		cfg.BudgetMultiple = 1.5
	}
	return &Gateway{
		conn:        conn,
		ledger:      ledger,
		cache:       cache,
		cfg:         cfg,
		logger:      logger,
		instruments: make(map[string]string),
		byBrokerID:  make(map[string]*order.Order),
		byOrderID:   make(map[string]*order.Order),
		fills:       make(map[string]chan struct{}),
	}
}

// Ledger 返回网关维护的持仓账本。
func (g *Gateway) Ledger() *position.Ledger {
	return g.ledger
}

// Ready 返回网关当前是否可用。
func (g *Gateway) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ready
}

// Run 维护与执行场所的连接：连接成功后置位就绪标志并进入读循环，
// 读循环退出即视为断线，按指数退避重连。随 ctx 取消而退出。
func (g *Gateway) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		connectCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
		err := g.conn.Connect(connectCtx)
		cancel()
		if err != nil {
			g.logger.Warn("连接执行网关失败", zap.Int("attempt", attempt), zap.Error(err))
			if !sleepCtx(ctx, g.backoff(attempt)) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		g.setReady(true)
		g.logger.Info("执行网关已连接")
		attempt = 0

		runErr := g.conn.Run(ctx, g)
		g.setReady(false)
		_ = g.conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		g.logger.Warn("执行网关连接中断，准备重连", zap.Error(runErr))

		if !sleepCtx(ctx, g.backoff(attempt)) {
			return ctx.Err()
		}
		attempt++
	}
}

func (g *Gateway) setReady(v bool) {
	g.mu.Lock()
	g.ready = v
	g.mu.Unlock()
}

func (g *Gateway) backoff(attempt int) time.Duration {
	min := g.cfg.ReconnectMinDelay
	max := g.cfg.ReconnectMaxDelay
	if min <= 0 {
		min = time.Second
	}
	if max < min {
		max = min
	}
	if attempt > 30 {
		return max
	}
	d := min * time.Duration(1<<uint(attempt))
	if d > max || d <= 0 {
		return max
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// ResolveInstrument 将合约描述解析为场所原生ID。进程内缓存命中直接返回；
// 其次查持久化缓存（需仍然新鲜）；最后才走网络解析并回填两级缓存。
func (g *Gateway) ResolveInstrument(ctx context.Context, inst order.Instrument) (string, error) {
	key := inst.Key()

	g.mu.Lock()
	if id, ok := g.instruments[key]; ok {
		g.mu.Unlock()
		return id, nil
	}
	g.mu.Unlock()

	if g.cache != nil {
		id, fresh, err := g.cache.Get(ctx, key)
		if err != nil {
			g.logger.Warn("读取合约ID缓存失败", zap.String("key", key), zap.Error(err))
		} else if fresh {
			g.mu.Lock()
			g.instruments[key] = id
			g.mu.Unlock()
			return id, nil
		}
	}

	if !g.Ready() {
		return "", ErrNotConnected
	}

	id, err := g.conn.ResolveInstrument(ctx, inst)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInstrumentResolution, key, err)
	}

	g.mu.Lock()
	g.instruments[key] = id
	g.mu.Unlock()

	if g.cache != nil {
		if err := g.cache.Put(ctx, key, id); err != nil {
			g.logger.Warn("写入合约ID缓存失败", zap.String("key", key), zap.Error(err))
		}
	}
	return id, nil
}

// SubmitOrder 提交委托后立即返回，不等待成交。
// 数量可由资金预算按实时权利金折算；折算后的名义价值超过预算的
// BudgetMultiple 倍时，在任何网络调用之前即以风控拒绝失败。
func (g *Gateway) SubmitOrder(ctx context.Context, ord *order.Order) error {
	if ord.Terminal() {
		return fmt.Errorf("gateway: 订单 %s 已处于终态 %s", ord.ID, ord.State())
	}

	if err := g.fixQuantity(ord); err != nil {
		reason := err.Error()
		_ = ord.MarkFailed(reason)
		return err
	}

	if !g.Ready() {
		_ = ord.MarkFailed("执行网关未连接")
		return ErrNotConnected
	}

	instrumentID, err := g.ResolveInstrument(ctx, ord.Instrument)
	if err != nil {
		_ = ord.MarkFailed(err.Error())
		return err
	}

	g.mu.Lock()
	g.seq++
	brokerID := fmt.Sprintf("ARC-%d", g.seq)
	g.byBrokerID[brokerID] = ord
	g.byOrderID[ord.ID] = ord
	if _, ok := g.fills[ord.ID]; !ok {
		g.fills[ord.ID] = make(chan struct{})
	}
	g.mu.Unlock()

	ord.SetBrokerID(brokerID)

	req := OrderRequest{
		InstrumentID: instrumentID,
		Side:         ord.Side,
		Kind:         ord.Kind,
		Qty:          ord.Quantity(),
		LimitPrice:   ord.EntryPrice,
		Account:      g.cfg.Account,
	}

	// 合约解析是网络调用，期间订单可能已被带入终态，发出前最后复查一次
	if ord.Terminal() {
		g.unregister(ord.ID, brokerID)
		return fmt.Errorf("gateway: 订单 %s 已处于终态 %s", ord.ID, ord.State())
	}

	if err := g.conn.PlaceOrder(ctx, brokerID, req); err != nil {
		g.unregister(ord.ID, brokerID)
		reason := fmt.Sprintf("提交失败: %v", err)
		_ = ord.MarkFailed(reason)
		return fmt.Errorf("%w: %v", ErrSubmissionFailed, err)
	}

	g.logger.Info("委托已发出",
		zap.String("order_id", ord.ID),
		zap.String("broker_id", brokerID),
		zap.String("symbol", ord.Instrument.Symbol),
		zap.Int("qty", req.Qty),
	)
	return nil
}

// fixQuantity 在提交时固定最终数量：给定了资金预算则按权利金折算，
// 并执行名义价值风控；否则使用显式数量。
func (g *Gateway) fixQuantity(ord *order.Order) error {
	budget, ok := ord.Budget()
	if !ok {
		if ord.Quantity() <= 0 {
			return fmt.Errorf("gateway: 订单 %s 数量无效", ord.ID)
		}
		return nil
	}

	premium := ord.EntryPrice
	if premium <= 0 {
		return fmt.Errorf("gateway: 订单 %s 缺少折算数量所需的权利金", ord.ID)
	}

	qty := int(math.Floor(budget / (premium * contractMultiplier)))
	if qty < 1 {
		qty = 1
	}

	notional := float64(qty) * premium * contractMultiplier
	if notional > g.cfg.BudgetMultiple*budget {
		return fmt.Errorf("%w: 名义价值 %.2f 超过预算 %.2f 的 %.1f 倍",
			ErrRiskGuardRejected, notional, budget, g.cfg.BudgetMultiple)
	}

	return ord.SetQuantity(qty)
}

// CancelOrder 请求取消已提交的委托。
func (g *Gateway) CancelOrder(ctx context.Context, orderID string) error {
	g.mu.Lock()
	ord, ok := g.byOrderID[orderID]
	g.mu.Unlock()
	if !ok {
		return ErrUnknownOrder
	}
	if !g.Ready() {
		return ErrNotConnected
	}
	if err := g.conn.CancelOrder(ctx, ord.BrokerID()); err != nil {
		return fmt.Errorf("gateway: 取消委托失败: %w", err)
	}
	return nil
}

// WaitForFill 阻塞等待订单的一次性成交信号。订单以非成交方式完结时
// 返回其失败原因；超时返回 ErrFillTimeout，订单在场所侧仍未可知。
func (g *Gateway) WaitForFill(ctx context.Context, ord *order.Order, timeout time.Duration) error {
	g.mu.Lock()
	ch, ok := g.fills[ord.ID]
	g.mu.Unlock()

	if !ok {
		return g.finalResult(ord)
	}

	select {
	case <-ch:
		return g.finalResult(ord)
	case <-time.After(timeout):
		return ErrFillTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gateway) finalResult(ord *order.Order) error {
	switch ord.State() {
	case order.StateFinalized:
		return nil
	case order.StateCancelled:
		return fmt.Errorf("gateway: 订单 %s 已取消", ord.ID)
	case order.StateFailed:
		return fmt.Errorf("%w: %s", ErrSubmissionFailed, ord.Reason())
	default:
		return ErrUnknownOrder
	}
}

// --- 回报流处理（由连接读循环调用） ---

func (g *Gateway) lookup(brokerID string) (*order.Order, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ord, ok := g.byBrokerID[brokerID]
	return ord, ok
}

// OrderAcknowledged 处理“已接受”回报，幂等地将订单转入 ACTIVE。
func (g *Gateway) OrderAcknowledged(brokerID string) {
	ord, ok := g.lookup(brokerID)
	if !ok {
		g.logger.Warn("收到未知委托的确认回报", zap.String("broker_id", brokerID))
		return
	}
	if err := ord.MarkActive(); err != nil {
		g.logger.Warn("确认回报状态迁移被拒", zap.String("order_id", ord.ID), zap.Error(err))
		return
	}
	g.logger.Info("委托已被场所接受", zap.String("order_id", ord.ID))
}

// applyFill 将一笔增量成交并入账本。退出单的 SELL 成交记回其父订单的
// 持仓条目，绝不会新建条目。
func (g *Gateway) applyFill(ord *order.Order, qty int, price float64) position.Position {
	target := ord.ID
	if ord.Side == order.SideSell && ord.ParentID != "" {
		target = ord.ParentID
	}
	return g.ledger.ApplyFill(target, ord.Instrument, ord.BrokerID(), ord.Side, qty, price)
}

// OrderPartiallyFilled 处理一笔增量部分成交。
func (g *Gateway) OrderPartiallyFilled(brokerID string, qty int, price float64) {
	ord, ok := g.lookup(brokerID)
	if !ok {
		g.logger.Warn("收到未知委托的部分成交", zap.String("broker_id", brokerID))
		return
	}
	pos := g.applyFill(ord, qty, price)
	g.logger.Info("部分成交",
		zap.String("order_id", ord.ID),
		zap.Int("delta_qty", qty),
		zap.Float64("price", price),
		zap.Int("position_qty", pos.Qty),
		zap.Float64("avg_price", pos.AvgPrice),
	)
}

// OrderFilled 处理最后一笔增量成交。账本必须先于订单终态更新，
// 持仓绝不能晚于状态变化出现；随后才释放一次性成交信号。
func (g *Gateway) OrderFilled(brokerID string, qty int, price float64) {
	ord, ok := g.lookup(brokerID)
	if !ok {
		g.logger.Warn("收到未知委托的成交回报", zap.String("broker_id", brokerID))
		return
	}

	pos := g.applyFill(ord, qty, price)

	_ = ord.MarkActive() // PENDING 直接成交时的补偿迁移
	if err := ord.MarkFinalized(); err != nil {
		g.logger.Warn("成交回报状态迁移被拒", zap.String("order_id", ord.ID), zap.Error(err))
	}

	g.release(ord, brokerID)

	g.logger.Info("委托全部成交",
		zap.String("order_id", ord.ID),
		zap.Int("position_qty", pos.Qty),
		zap.Float64("avg_price", pos.AvgPrice),
	)
}

// OrderCancelled 处理场所侧取消回报。
func (g *Gateway) OrderCancelled(brokerID string) {
	ord, ok := g.lookup(brokerID)
	if !ok {
		return
	}
	if err := ord.MarkCancelled("场所侧取消"); err != nil {
		g.logger.Warn("取消回报状态迁移被拒", zap.String("order_id", ord.ID), zap.Error(err))
	}
	g.release(ord, brokerID)
	g.logger.Info("委托已取消", zap.String("order_id", ord.ID))
}

// OrderRejected 处理场所拒绝回报。
func (g *Gateway) OrderRejected(brokerID, reason string) {
	ord, ok := g.lookup(brokerID)
	if !ok {
		return
	}
	if err := ord.MarkFailed(reason); err != nil {
		g.logger.Warn("拒绝回报状态迁移被拒", zap.String("order_id", ord.ID), zap.Error(err))
	}
	g.release(ord, brokerID)
	g.logger.Warn("委托被拒绝", zap.String("order_id", ord.ID), zap.String("reason", reason))
}

// release 注销订单登记并关闭其成交信号，终态之后的等待方立即返回。
func (g *Gateway) release(ord *order.Order, brokerID string) {
	g.mu.Lock()
	if ch, ok := g.fills[ord.ID]; ok {
		close(ch)
		delete(g.fills, ord.ID)
	}
	delete(g.byBrokerID, brokerID)
	delete(g.byOrderID, ord.ID)
	g.mu.Unlock()
}

func (g *Gateway) unregister(orderID, brokerID string) {
	g.mu.Lock()
	if ch, ok := g.fills[orderID]; ok {
		close(ch)
		delete(g.fills, orderID)
	}
	delete(g.byBrokerID, brokerID)
	delete(g.byOrderID, orderID)
	g.mu.Unlock()
}
