package gateway

import (
	"context"

	"arctrigger/internal/order"
)

// OrderRequest 为发往执行场所的原生委托请求。
type OrderRequest struct {
	InstrumentID string
	Side         order.Side
	Kind         order.Kind
	Qty          int
	LimitPrice   float64
	Account      string
}

// EventHandler 定义执行场所回报流的分发接口：每类事件一个方法，
// 由连接的读循环直接调用，不经继承包装。
type EventHandler interface {
	// OrderAcknowledged 表示委托已被场所接受。
	OrderAcknowledged(brokerID string)
	// OrderPartiallyFilled 表示一笔增量部分成交。
	OrderPartiallyFilled(brokerID string, qty int, price float64)
	// OrderFilled 表示最后一笔增量成交，订单就此完结。
	OrderFilled(brokerID string, qty int, price float64)
	// OrderCancelled 表示委托已在场所侧取消。
	OrderCancelled(brokerID string)
	// OrderRejected 表示委托被场所拒绝。
	OrderRejected(brokerID, reason string)
}

// Conn 抽象面向连接的异步执行场所线协议。
// Run 为读循环：持续接收回报并分发给 handler，连接断开时返回。
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	ResolveInstrument(ctx context.Context, inst order.Instrument) (string, error)
	PlaceOrder(ctx context.Context, brokerID string, req OrderRequest) error
	CancelOrder(ctx context.Context, brokerID string) error
	Run(ctx context.Context, handler EventHandler) error
}
