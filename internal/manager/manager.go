package manager

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"arctrigger/internal/order"
	"arctrigger/internal/position"
)

var (
	// ErrNoPosition 表示订单当前没有可平的实时持仓。
	ErrNoPosition = errors.New("manager: 无可平持仓")
	// ErrInvalidFraction 表示止盈比例不在 (0, 1] 区间。
	ErrInvalidFraction = errors.New("manager: 止盈比例非法")
)

// exitGateway 为管理器所需的最小网关能力。
type exitGateway interface {
	SubmitOrder(ctx context.Context, ord *order.Order) error
	Ledger() *position.Ledger
}

// Manager 对已成交订单执行离场操作：部分止盈与保本全平。
// 自身不持有状态，持仓数量始终以台账实时值为准。
type Manager struct {
	gw     exitGateway
	orders func(orderID string) (*order.Order, bool)
	logger *zap.Logger
}

// New 创建订单管理器。orders 用于按ID找回父订单，通常由应用层提供。
func New(gw exitGateway, orders func(orderID string) (*order.Order, bool), logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{gw: gw, orders: orders, logger: logger}
}

// TakeProfit 按比例平掉部分持仓。离场数量为 max(1, floor(实时数量×fraction))，
// 比例再小也至少平一张。
func (m *Manager) TakeProfit(ctx context.Context, orderID string, fraction float64) error {
	if fraction <= 0 || fraction > 1 {
		return fmt.Errorf("%w: %g", ErrInvalidFraction, fraction)
	}
	pos, parent, err := m.livePosition(orderID)
	if err != nil {
		return err
	}

	qty := int(math.Floor(float64(pos.Qty) * fraction))
	if qty < 1 {
		qty = 1
	}
	parent.Notify(fmt.Sprintf("Taking profit on %d contract(s).", qty), "blue")
	return m.exit(ctx, parent, qty)
}

// Breakeven 全平实时持仓，锁住不亏局面。
func (m *Manager) Breakeven(ctx context.Context, orderID string) error {
	pos, parent, err := m.livePosition(orderID)
	if err != nil {
		return err
	}
	parent.Notify("Breakeven exit — closing full position.", "blue")
	return m.exit(ctx, parent, pos.Qty)
}

func (m *Manager) livePosition(orderID string) (position.Position, *order.Order, error) {
	pos, ok := m.gw.Ledger().Lookup(orderID)
	if !ok || pos.Qty <= 0 {
		return position.Position{}, nil, fmt.Errorf("%w: %s", ErrNoPosition, orderID)
	}
	parent, ok := m.orders(orderID)
	if !ok {
		return position.Position{}, nil, fmt.Errorf("%w: 找不到父订单 %s", ErrNoPosition, orderID)
	}
	return pos, parent, nil
}

func (m *Manager) exit(ctx context.Context, parent *order.Order, qty int) error {
	exit, err := order.NewExit(parent, qty)
	if err != nil {
		return fmt.Errorf("manager: 构造离场单失败: %w", err)
	}
	if err := m.gw.SubmitOrder(ctx, exit); err != nil {
		return fmt.Errorf("manager: 离场单提交失败: %w", err)
	}
	m.logger.Info("离场单已提交",
		zap.String("parent_id", parent.ID),
		zap.String("exit_id", exit.ID),
		zap.Int("qty", qty),
	)
	return nil
}
