package order

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State 表示订单生命周期状态。
type State string

const (
	StatePending   State = "PENDING"
	StateActive    State = "ACTIVE"
	StateFinalized State = "FINALIZED"
	StateFailed    State = "FAILED"
	StateCancelled State = "CANCELLED"
)

// Side 表示下单方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Right 表示期权方向，CALL 视为看涨触发，PUT 视为看跌触发。
type Right string

const (
	RightCall Right = "CALL"
	RightPut  Right = "PUT"
)

// Kind 表示委托类型。
type Kind string

const (
	KindLimit  Kind = "LMT"
	KindMarket Kind = "MKT"
)

// Instrument 标识一张可交易合约，区别于标的代码本身。
type Instrument struct {
	Symbol string  `json:"symbol"`
	Expiry string  `json:"expiry"`
	Strike float64 `json:"strike"`
	Right  Right   `json:"right"`
}

// Key 返回合约的缓存键。
func (i Instrument) Key() string {
	return fmt.Sprintf("%s|%s|%g|%s", i.Symbol, i.Expiry, i.Strike, i.Right)
}

// StatusFunc 在订单发生实质性状态变化时被调用，由外部前端消费。
type StatusFunc func(text, color string)

var (
	// ErrInvalidTransition 表示非法的状态迁移。
	ErrInvalidTransition = errors.New("order: 非法状态迁移")
	// ErrInvalidQuantity 表示数量不合法。
	ErrInvalidQuantity = errors.New("order: 数量必须为正整数")
)

// Order 为条件订单实体，持有触发条件、风险参数与生命周期状态。
// 可变字段一律经由方法访问，内部互斥锁保证多线程安全。
type Order struct {
	ID         string
	Instrument Instrument
	Side       Side
	Kind       Kind
	EntryPrice float64 // 0 表示市价
	TakeProfit float64
	ParentID   string // 退出单关联的原始订单ID

	mu             sync.Mutex
	qty            int
	trigger        *float64
	stopLossOffset *float64
	budget         *float64
	brokerID       string
	state          State
	reason         string
	statusFn       StatusFunc
}

// Params 为构造 Order 的输入。
type Params struct {
	Instrument     Instrument
	Side           Side
	Kind           Kind
	Qty            int
	EntryPrice     float64
	TakeProfit     float64
	Trigger        *float64
	StopLossOffset *float64
	Budget         *float64
	ParentID       string
}

// New 创建订单。带触发价的订单初始为 PENDING，否则为 ACTIVE（立即提交）。
// 数量可以直接给定，或留空由资金预算在提交时折算，二者必须恰有其一。
func New(p Params) (*Order, error) {
	if p.Qty < 0 {
		return nil, ErrInvalidQuantity
	}
	if p.Qty == 0 && p.Budget == nil {
		return nil, fmt.Errorf("order: 需要数量或资金预算: %w", ErrInvalidQuantity)
	}
	if p.Qty > 0 && p.Budget != nil {
		return nil, errors.New("order: 数量与资金预算不能同时给定")
	}
	if p.Side == "" {
		p.Side = SideBuy
	}
	if p.Kind == "" {
		p.Kind = KindLimit
	}

	state := StateActive
	if p.Trigger != nil {
		state = StatePending
	}

	return &Order{
		ID:             uuid.NewString(),
		Instrument:     p.Instrument,
		Side:           p.Side,
		Kind:           p.Kind,
		EntryPrice:     p.EntryPrice,
		TakeProfit:     p.TakeProfit,
		ParentID:       p.ParentID,
		qty:            p.Qty,
		trigger:        p.Trigger,
		stopLossOffset: p.StopLossOffset,
		budget:         p.Budget,
		state:          state,
	}, nil
}

// NewExit 基于已成交的原始订单构造市价退出单。
func NewExit(parent *Order, qty int) (*Order, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return &Order{
		ID:         uuid.NewString(),
		Instrument: parent.Instrument,
		Side:       SideSell,
		Kind:       KindMarket,
		ParentID:   parent.ID,
		qty:        qty,
		state:      StateActive,
	}, nil
}

// Bullish 返回该订单的触发方向是否为看涨。
func (o *Order) Bullish() bool {
	return o.Instrument.Right != RightPut
}

// IsTriggered 判断触发条件是否满足。看涨方向在价格高于触发价时成立，
// 看跌方向在价格低于触发价时成立；没有触发价的订单恒为真。
func (o *Order) IsTriggered(price float64) bool {
	o.mu.Lock()
	trigger := o.trigger
	o.mu.Unlock()

	if trigger == nil {
		return true
	}
	if o.Bullish() {
		return price > *trigger
	}
	return price < *trigger
}

// Trigger 返回触发价，第二个返回值表示是否设置。
func (o *Order) Trigger() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.trigger == nil {
		return 0, false
	}
	return *o.trigger, true
}

// SetTrigger 重设触发价，仅在 PENDING 状态下允许。
func (o *Order) SetTrigger(v float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePending {
		return fmt.Errorf("order: %s 状态下不能重设触发价: %w", o.state, ErrInvalidTransition)
	}
	o.trigger = &v
	return nil
}

// StopLossLevel 由触发价与止损偏移推导退出触发位：看涨为触发价减偏移，
// 看跌为触发价加偏移。未配置止损或触发价时第二个返回值为假。
func (o *Order) StopLossLevel() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stopLossOffset == nil || o.trigger == nil {
		return 0, false
	}
	if o.Instrument.Right == RightPut {
		return *o.trigger + *o.stopLossOffset, true
	}
	return *o.trigger - *o.stopLossOffset, true
}

// Budget 返回资金预算，第二个返回值表示是否设置。
func (o *Order) Budget() (float64, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.budget == nil {
		return 0, false
	}
	return *o.budget, true
}

// Quantity 返回当前数量。预算折算前可能为0。
func (o *Order) Quantity() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.qty
}

// SetQuantity 在提交时固定最终数量。
func (o *Order) SetQuantity(qty int) error {
	if qty <= 0 {
		return ErrInvalidQuantity
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.qty = qty
	return nil
}

// BrokerID 返回网关分配的原生订单ID。
func (o *Order) BrokerID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.brokerID
}

// SetBrokerID 记录网关分配的原生订单ID。
func (o *Order) SetBrokerID(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.brokerID = id
}

// State 返回当前状态。
func (o *Order) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Reason 返回终态原因。
func (o *Order) Reason() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.reason
}

// SetStatusFunc 绑定状态回调。
func (o *Order) SetStatusFunc(fn StatusFunc) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statusFn = fn
}

// Notify 调用状态回调（若有）。
func (o *Order) Notify(text, color string) {
	o.mu.Lock()
	fn := o.statusFn
	o.mu.Unlock()
	if fn != nil {
		fn(text, color)
	}
}

func (o *Order) transition(to State, reason string, allowed ...State) error {
	o.mu.Lock()
	if o.state == to {
		o.mu.Unlock()
		return nil // 幂等
	}
	legal := false
	for _, s := range allowed {
		if o.state == s {
			legal = true
			break
		}
	}
	if !legal {
		from := o.state
		o.mu.Unlock()
		return fmt.Errorf("order: %s -> %s: %w", from, to, ErrInvalidTransition)
	}
	o.state = to
	if reason != "" {
		o.reason = reason
	}
	o.mu.Unlock()
	return nil
}

// MarkActive 标记订单已提交至网关等待成交。已是 ACTIVE 时幂等返回。
func (o *Order) MarkActive() error {
	if err := o.transition(StateActive, "", StatePending); err != nil {
		return err
	}
	o.Notify("Order submitted — awaiting fill.", "blue")
	return nil
}

// MarkFinalized 标记订单完全成交。
func (o *Order) MarkFinalized() error {
	if err := o.transition(StateFinalized, "", StateActive); err != nil {
		return err
	}
	o.Notify("Order filled.", "green")
	return nil
}

// MarkFailed 以给定原因标记订单失败。
func (o *Order) MarkFailed(reason string) error {
	if err := o.transition(StateFailed, reason, StatePending, StateActive); err != nil {
		return err
	}
	o.Notify(fmt.Sprintf("Order failed: %s", reason), "red")
	return nil
}

// MarkCancelled 以给定原因标记订单取消。
func (o *Order) MarkCancelled(reason string) error {
	if err := o.transition(StateCancelled, reason, StatePending, StateActive); err != nil {
		return err
	}
	o.Notify("Order cancelled.", "red")
	return nil
}

// Terminal 返回订单是否处于终态。
func (o *Order) Terminal() bool {
	switch o.State() {
	case StateFinalized, StateFailed, StateCancelled:
		return true
	}
	return false
}
