package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"arctrigger/internal/order"
)

// PaperConn 为内置模拟执行场所：委托确认后立即全额成交，限价单按
// 限价成交，市价单按该合约最近一次成交价成交。用于纸面交易模式与
// 端到端联调，不触达任何真实场所。
type PaperConn struct {
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	lastFill  map[string]float64
	events    chan func(EventHandler)
	orders    map[string]OrderRequest
}

var _ Conn = (*PaperConn)(nil)

// NewPaperConn 创建模拟执行场所连接。
func NewPaperConn(logger *zap.Logger) *PaperConn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaperConn{
		logger:   logger,
		lastFill: make(map[string]float64),
		events:   make(chan func(EventHandler), 64),
		orders:   make(map[string]OrderRequest),
	}
}

func (p *PaperConn) Connect(ctx context.Context) error {
	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	p.logger.Info("模拟场所已连接")
	return nil
}

func (p *PaperConn) Close() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	return nil
}

// ResolveInstrument 以确定性方式派生原生合约ID。
func (p *PaperConn) ResolveInstrument(ctx context.Context, inst order.Instrument) (string, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return "", fmt.Errorf("paper: 未连接")
	}
	return "PAPER:" + inst.Key(), nil
}

// PlaceOrder 入队确认与成交回报，由 Run 的读循环分发。
func (p *PaperConn) PlaceOrder(ctx context.Context, brokerID string, req OrderRequest) error {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return fmt.Errorf("paper: 未连接")
	}
	price := req.LimitPrice
	if price <= 0 {
		price = p.lastFill[req.InstrumentID]
	}
	if price <= 0 {
		price = 1.0
	}
	p.lastFill[req.InstrumentID] = price
	p.orders[brokerID] = req
	p.mu.Unlock()

	qty := req.Qty
	select {
	case p.events <- func(h EventHandler) {
		h.OrderAcknowledged(brokerID)
		h.OrderFilled(brokerID, qty, price)
	}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelOrder 对尚未分发成交回报的委托立即回报取消。
func (p *PaperConn) CancelOrder(ctx context.Context, brokerID string) error {
	p.mu.Lock()
	_, ok := p.orders[brokerID]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("paper: 未知委托 %s", brokerID)
	}
	select {
	case p.events <- func(h EventHandler) {
		h.OrderCancelled(brokerID)
	}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 持续分发模拟回报直到上下文结束。
func (p *PaperConn) Run(ctx context.Context, handler EventHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-p.events:
			ev(handler)
		}
	}
}
