package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arctrigger/internal/config"
	"arctrigger/internal/feed"
	"arctrigger/internal/gateway"
	"arctrigger/internal/order"
)

// ErrUnknownWatch 表示引擎未登记该订单的监控任务。
var ErrUnknownWatch = errors.New("watch: 未登记的监控任务")

// ErrDuplicateWatch 表示该订单已有监控任务。
var ErrDuplicateWatch = errors.New("watch: 订单已在监控中")

// TicketStore 持久化未完结订单，进程重启后用于重建监控任务。
type TicketStore interface {
	Save(ctx context.Context, orderID string, payload []byte) error
	Delete(ctx context.Context, orderID string) error
}

// Engine 为每个未完结订单维护一个监控任务，保证向执行网关的移交
// 至多发生一次；入场成交确认后派生并监督止损监控任务。
// 单一互斥锁同时保护任务注册表与已触发集合。
type Engine struct {
	feed    *feed.Feed
	gw      *gateway.Gateway
	cfg     config.WatchConfig
	tickets TicketStore // 可为空
	logger  *zap.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
	orders   map[string]*order.Order
	fired    map[string]bool

	onTrigger func(orderID, symbol string, price float64)
}

// SetTriggerObserver 挂接触发事件观察者，在占有触发权后、移交之前调用。
func (e *Engine) SetTriggerObserver(fn func(orderID, symbol string, price float64)) {
	e.onTrigger = fn
}

// NewEngine 创建触发监控引擎。tickets 可为空，为空时不做持久化。
func NewEngine(f *feed.Feed, gw *gateway.Gateway, cfg config.WatchConfig, tickets TicketStore, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 60 * time.Second
	}
	return &Engine{
		feed:     f,
		gw:       gw,
		cfg:      cfg,
		tickets:  tickets,
		logger:   logger,
		watchers: make(map[string]*watcher),
		orders:   make(map[string]*order.Order),
		fired:    make(map[string]bool),
	}
}

// AddOrder 登记订单并启动监控。注册后立即用最新价做一次同步检查：
// 已满足触发条件的订单当场移交，不再启动监控任务，避免快速行情下
// 注册之后不再出现新tick的竞态。
func (e *Engine) AddOrder(ctx context.Context, ord *order.Order, mode Mode) error {
	if ord.Terminal() {
		return fmt.Errorf("watch: 订单 %s 已处于终态 %s", ord.ID, ord.State())
	}

	e.mu.Lock()
	if _, exists := e.watchers[ord.ID]; exists || e.fired[ord.ID] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateWatch, ord.ID)
	}
	w := newWatcher(ord.ID, ord.Instrument.Symbol, KindTrigger, mode)
	e.watchers[ord.ID] = w
	e.orders[ord.ID] = ord
	e.mu.Unlock()

	e.persist(ctx, ord)

	_, hasTrigger := ord.Trigger()
	if hasTrigger {
		ord.Notify("Order queued — watching trigger.", "orange")
	}

	price, err := e.feed.GetLastPrice(ctx, ord.Instrument.Symbol)
	if err != nil {
		e.logger.Warn("获取最新价失败，跳过即时触发检查",
			zap.String("order_id", ord.ID), zap.Error(err))
	} else {
		w.observe(price)
	}

	if !hasTrigger || (err == nil && ord.IsTriggered(price)) {
		if !e.claim(ord.ID) {
			return nil
		}
		if e.onTrigger != nil && hasTrigger {
			e.onTrigger(ord.ID, ord.Instrument.Symbol, price)
		}
		return e.fire(ctx, w, ord)
	}

	w.setStatus(StatusRunning)
	e.startInputs(ctx, w, func(p float64) {
		e.maybeFire(ctx, w, p, ord.IsTriggered(p), func(fireCtx context.Context) error {
			return e.fire(fireCtx, w, ord)
		})
	})
	return nil
}

// CancelOrder 撤销监控并将订单标记为取消。与进行中的触发并发安全：
// 触发权一旦被占有，本地不再抢先落终态，结果交由移交路径裁决。
func (e *Engine) CancelOrder(ctx context.Context, orderID string) error {
	e.mu.Lock()
	w, ok := e.watchers[orderID]
	ord := e.orders[orderID]
	fired := e.fired[orderID]
	if ok {
		delete(e.watchers, orderID)
		delete(e.orders, orderID)
	}
	e.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWatch, orderID)
	}

	// 已移交场所的订单由场所裁决取消结果，终态随回报落地
	if ord.State() == order.StateActive {
		w.markCancelled()
		e.stopInputs(w)
		if cancelErr := e.gw.CancelOrder(ctx, orderID); cancelErr != nil {
			return fmt.Errorf("watch: 撤销已提交订单失败: %w", cancelErr)
		}
		return nil
	}

	// 触发权已被占有说明移交正在进行。此时本地标记取消会造成
	// 先记取消、后发委托的矛盾记录，订单随移交结果落定。
	if fired {
		e.logger.Info("撤销时移交已在进行，订单随移交结果落定",
			zap.String("order_id", orderID))
		return nil
	}

	w.markCancelled()
	e.stopInputs(w)

	if err := ord.MarkCancelled("用户取消"); err != nil {
		return err
	}

	e.discard(ctx, orderID)
	e.logger.Info("监控已撤销", zap.String("order_id", orderID))
	return nil
}

// RebaseTrigger 重设尚未触发订单的触发价。
func (e *Engine) RebaseTrigger(orderID string, newTrigger float64) error {
	e.mu.Lock()
	_, registered := e.watchers[orderID]
	ord := e.orders[orderID]
	alreadyFired := e.fired[orderID]
	e.mu.Unlock()

	if !registered {
		return fmt.Errorf("%w: %s", ErrUnknownWatch, orderID)
	}
	if alreadyFired {
		return fmt.Errorf("watch: 订单 %s 已触发，不能重设触发价", orderID)
	}
	if err := ord.SetTrigger(newTrigger); err != nil {
		return err
	}
	ord.Notify(fmt.Sprintf("Trigger rebased to %.2f", newTrigger), "blue")
	return nil
}

// Watchers 返回全部监控任务快照。
func (e *Engine) Watchers() []Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Snapshot, 0, len(e.watchers))
	for _, w := range e.watchers {
		out = append(out, w.snapshot())
	}
	return out
}

// claim 以至多一次语义占有触发权。同一订单上并发观察到触发价时，
// 只有第一个调用方能把订单带出 PENDING。
func (e *Engine) claim(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fired[key] {
		return false
	}
	w, ok := e.watchers[key]
	if !ok || w.isCancelled() {
		return false
	}
	e.fired[key] = true
	return true
}

// maybeFire 处理一次价格观察：更新水位，触发条件满足且占有成功时
// 停掉监控输入并异步执行触发动作。
func (e *Engine) maybeFire(ctx context.Context, w *watcher, price float64, triggered bool, action func(context.Context) error) {
	w.observe(price)
	if !triggered || w.isCancelled() {
		return
	}
	if !e.claim(w.key) {
		return
	}
	if e.onTrigger != nil {
		e.onTrigger(w.key, w.symbol, price)
	}
	e.stopInputs(w)
	go func() {
		if err := action(ctx); err != nil {
			e.logger.Warn("触发动作执行失败", zap.String("key", w.key), zap.Error(err))
		}
	}()
}

// fire 为入场触发动作：复查取消标记后提交委托，等待成交信号，
// 成交后按需派生止损监控。
func (e *Engine) fire(ctx context.Context, w *watcher, ord *order.Order) error {
	if w.isCancelled() || ord.State() == order.StateCancelled {
		e.remove(w.key)
		return nil
	}

	ord.Notify("Trigger hit — submitting order.", "blue")

	if err := e.gw.SubmitOrder(ctx, ord); err != nil {
		w.setStatus(StatusFailed)
		e.remove(w.key)
		e.discard(ctx, ord.ID)
		return err
	}

	w.setStatus(StatusRunning)
	e.persist(ctx, ord) // 数量已固定，覆盖票据

	waitErr := e.gw.WaitForFill(ctx, ord, e.cfg.FillTimeout)
	switch {
	case waitErr == nil:
		w.setStatus(StatusFinalized)
		e.remove(w.key)
		e.discard(ctx, ord.ID)
		if level, ok := ord.StopLossLevel(); ok && ord.Side == order.SideBuy {
			e.spawnStopLoss(ctx, ord, level, w.mode)
		}
		return nil
	case errors.Is(waitErr, gateway.ErrFillTimeout):
		// 场所侧状态未知，保留票据供人工对账
		_ = ord.MarkFailed("等待成交超时")
		w.setStatus(StatusFailed)
		e.remove(w.key)
		return fmt.Errorf("watch: 订单 %s 等待成交超时: %w", ord.ID, waitErr)
	default:
		w.setStatus(StatusFailed)
		e.remove(w.key)
		e.discard(ctx, ord.ID)
		return fmt.Errorf("watch: 订单 %s 未能成交: %w", ord.ID, waitErr)
	}
}

// spawnStopLoss 在入场成交后启动止损监控：在标的价格的反方向上
// 盯住由触发价与偏移推导出的退出位。
func (e *Engine) spawnStopLoss(ctx context.Context, parent *order.Order, level float64, mode Mode) {
	key := parent.ID + ":sl"

	e.mu.Lock()
	if _, exists := e.watchers[key]; exists || e.fired[key] {
		e.mu.Unlock()
		return
	}
	w := newWatcher(key, parent.Instrument.Symbol, KindStopLoss, mode)
	e.watchers[key] = w
	e.orders[key] = parent
	e.mu.Unlock()

	parent.Notify(fmt.Sprintf("Stop-loss armed at %.2f", level), "orange")
	w.setStatus(StatusRunning)

	bullish := parent.Bullish()
	e.startInputs(ctx, w, func(p float64) {
		breached := (bullish && p < level) || (!bullish && p > level)
		e.maybeFire(ctx, w, p, breached, func(fireCtx context.Context) error {
			return e.fireStopLoss(fireCtx, w, parent)
		})
	})

	e.logger.Info("止损监控已启动",
		zap.String("order_id", parent.ID),
		zap.Float64("level", level),
		zap.String("mode", string(mode)),
	)
}

// fireStopLoss 为止损触发动作：持仓仍然存在时以市价卖出全部实时数量。
func (e *Engine) fireStopLoss(ctx context.Context, w *watcher, parent *order.Order) error {
	defer e.remove(w.key)

	if w.isCancelled() {
		return nil
	}

	pos, ok := e.gw.Ledger().Lookup(parent.ID)
	if !ok || pos.Qty <= 0 {
		w.setStatus(StatusFinalized)
		e.logger.Info("止损触发时持仓已平，无需操作", zap.String("order_id", parent.ID))
		return nil
	}

	exit, err := order.NewExit(parent, pos.Qty)
	if err != nil {
		w.setStatus(StatusFailed)
		return fmt.Errorf("watch: 构造止损退出单失败: %w", err)
	}

	parent.Notify("Stop-loss triggered — exiting position.", "red")

	if err := e.gw.SubmitOrder(ctx, exit); err != nil {
		w.setStatus(StatusFailed)
		return fmt.Errorf("watch: 止损退出单提交失败: %w", err)
	}

	w.setStatus(StatusFinalized)
	return nil
}

// startInputs 按监控方式接入价格来源：推送模式挂到行情订阅，
// 轮询模式启动独立采样循环。
func (e *Engine) startInputs(ctx context.Context, w *watcher, onPrice func(float64)) {
	switch w.mode {
	case ModePush:
		e.feed.Subscribe(w.symbol, w.key, onPrice)
	default:
		go e.pollLoop(ctx, w, onPrice)
	}
}

// stopInputs 断开价格来源。
func (e *Engine) stopInputs(w *watcher) {
	if w.mode == ModePush {
		e.feed.Unsubscribe(w.symbol, w.key)
	}
	w.stop()
}

func (e *Engine) pollLoop(ctx context.Context, w *watcher, onPrice func(float64)) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-ticker.C:
			quote, err := e.feed.GetSnapshot(ctx, w.symbol)
			if err != nil {
				e.logger.Debug("轮询快照失败", zap.String("symbol", w.symbol), zap.Error(err))
				continue
			}
			onPrice(quote.Last)
		}
	}
}

// remove 注销监控任务。订单此时已落定，触发记录一并清掉，
// 避免已触发集合随进程生命期无限增长。
func (e *Engine) remove(key string) {
	e.mu.Lock()
	delete(e.watchers, key)
	delete(e.orders, key)
	delete(e.fired, key)
	e.mu.Unlock()
}

func (e *Engine) persist(ctx context.Context, ord *order.Order) {
	if e.tickets == nil {
		return
	}
	data, err := ord.Serialize()
	if err != nil {
		e.logger.Warn("序列化订单失败", zap.String("order_id", ord.ID), zap.Error(err))
		return
	}
	if err := e.tickets.Save(ctx, ord.ID, data); err != nil {
		e.logger.Warn("保存订单票据失败", zap.String("order_id", ord.ID), zap.Error(err))
	}
}

func (e *Engine) discard(ctx context.Context, orderID string) {
	if e.tickets == nil {
		return
	}
	if err := e.tickets.Delete(ctx, orderID); err != nil {
		e.logger.Warn("删除订单票据失败", zap.String("order_id", orderID), zap.Error(err))
	}
}
