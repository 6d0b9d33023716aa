package position

import (
	"sync"

	"arctrigger/internal/order"
)

// Position 表示由某个订单ID产生的实时持仓。
type Position struct {
	OrderID    string           `json:"order_id"`
	Instrument order.Instrument `json:"instrument"`
	Qty        int              `json:"qty"`
	AvgPrice   float64          `json:"avg_price"`
	BrokerID   string           `json:"broker_id"`
}

// Ledger 将成交事件对账为权威的 订单ID -> 持仓 映射。纯内存、无I/O，
// 单一互斥锁保护，跨进程重连后依旧有效。
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*Position
}

// NewLedger 创建空账本。
func NewLedger() *Ledger {
	return &Ledger{positions: make(map[string]*Position)}
}

// ApplyFill 将一笔（可能是部分的）成交并入账本。
// BUY 按加权平均合并建仓价；SELL 扣减数量（下限为0），均价不变；
// 数量归零时条目被移除。deltaQty 必须为正。
func (l *Ledger) ApplyFill(orderID string, inst order.Instrument, brokerID string, side order.Side, deltaQty int, price float64) Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	if deltaQty <= 0 {
		if pos, ok := l.positions[orderID]; ok {
			return *pos
		}
		return Position{OrderID: orderID, Instrument: inst}
	}

	pos, ok := l.positions[orderID]

	if side == order.SideSell {
		if !ok {
			// 没有可扣减的持仓，忽略而不是建立负仓
			return Position{OrderID: orderID, Instrument: inst}
		}
		pos.Qty -= deltaQty
		if pos.Qty <= 0 {
			delete(l.positions, orderID)
			closed := *pos
			closed.Qty = 0
			return closed
		}
		return *pos
	}

	if !ok {
		pos = &Position{
			OrderID:    orderID,
			Instrument: inst,
			Qty:        deltaQty,
			AvgPrice:   price,
			BrokerID:   brokerID,
		}
		l.positions[orderID] = pos
		return *pos
	}

	total := pos.Qty + deltaQty
	pos.AvgPrice = (pos.AvgPrice*float64(pos.Qty) + price*float64(deltaQty)) / float64(total)
	pos.Qty = total
	if brokerID != "" {
		pos.BrokerID = brokerID
	}
	return *pos
}

// Lookup 查询某个订单ID对应的持仓。
func (l *Ledger) Lookup(orderID string) (Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	pos, ok := l.positions[orderID]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// List 返回全部持仓快照。
func (l *Ledger) List() []Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, *pos)
	}
	return out
}
