package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"arctrigger/internal/config"
	"arctrigger/internal/fanout"
	"arctrigger/internal/feed"
	"arctrigger/internal/gateway"
	"arctrigger/internal/manager"
	"arctrigger/internal/monitor"
	"arctrigger/internal/order"
	"arctrigger/internal/position"
	"arctrigger/internal/store"
	"arctrigger/internal/watch"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
	conn   gateway.Conn

	feed    *feed.Feed
	gw      *gateway.Gateway
	engine  *watch.Engine
	mgr     *manager.Manager
	mon     *monitor.Service
	tickets *store.TicketStore

	runCtx context.Context

	mu     sync.Mutex
	orders map[string]*order.Order
}

// New 创建 App 实例。conn 为执行场所适配器，传空时使用内置模拟场所。
func New(cfg *config.Config, logger *zap.Logger, st *store.Store, conn gateway.Conn) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  st,
		conn:   conn,
		orders: make(map[string]*order.Order),
	}
}

// Run 组装各组件并阻塞运行，直到上下文结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("触发交易系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("account", a.cfg.Gateway.Account),
	)

	fo := fanout.New(a.cfg.Watch.Workers, a.logger)
	defer fo.Close()

	a.feed = feed.New(feed.NewPolygon(a.cfg.Feed), fo, a.cfg.Feed.ReconnectDelay, a.logger)

	cache, err := store.NewInstrumentCache(a.store.DB(), a.cfg.Gateway.InstrumentTTL)
	if err != nil {
		return err
	}
	a.tickets, err = store.NewTicketStore(a.store.DB())
	if err != nil {
		return err
	}
	a.mon, err = monitor.NewService(a.store, a.logger)
	if err != nil {
		return err
	}

	conn := a.conn
	if conn == nil {
		a.logger.Info("未配置执行场所适配器，使用模拟场所")
		conn = gateway.NewPaperConn(a.logger)
	}

	a.gw = gateway.New(conn, position.NewLedger(), cache, a.cfg.Gateway, a.logger)
	a.engine = watch.NewEngine(a.feed, a.gw, a.cfg.Watch, a.tickets, a.logger)
	a.engine.SetTriggerObserver(func(orderID, symbol string, price float64) {
		a.mon.RecordTrigger(context.Background(), orderID, symbol, price)
	})
	a.mgr = manager.New(a.gw, a.lookupOrder, a.logger)

	a.runCtx = ctx

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Run(gctx)
	})
	g.Go(func() error {
		return a.feed.Run(gctx)
	})

	if a.cfg.Monitor.Enabled {
		if err := a.startAPIServer(gctx, a.cfg.Monitor.Port); err != nil {
			return err
		}
	}

	a.restoreTickets(gctx)

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，正在停止")
	return nil
}

// restoreTickets 重建上次进程留下的未完结订单。挂起单重新进入监控，
// 已提交未确认的订单无法与场所侧状态重新对齐，保留票据供人工对账。
func (a *App) restoreTickets(ctx context.Context) {
	payloads, err := a.tickets.LoadAll(ctx)
	if err != nil {
		a.logger.Warn("读取持久化票据失败", zap.Error(err))
		return
	}

	for _, payload := range payloads {
		ord, err := order.Deserialize(payload)
		if err != nil {
			a.logger.Warn("解析持久化票据失败", zap.Error(err))
			a.mon.RecordError(ctx, "解析持久化票据失败", err, nil)
			continue
		}

		switch ord.State() {
		case order.StatePending:
			a.register(ord)
			if err := a.engine.AddOrder(ctx, ord, watch.ModePoll); err != nil {
				a.logger.Warn("恢复监控任务失败",
					zap.String("order_id", ord.ID), zap.Error(err))
			} else {
				a.logger.Info("已恢复挂起订单", zap.String("order_id", ord.ID))
			}
		case order.StateActive:
			a.register(ord)
			a.logger.Warn("订单在上次退出时已提交，需人工对账",
				zap.String("order_id", ord.ID),
				zap.String("broker_id", ord.BrokerID()))
		default:
			if err := a.tickets.Delete(ctx, ord.ID); err != nil {
				a.logger.Warn("清理已完结票据失败",
					zap.String("order_id", ord.ID), zap.Error(err))
			}
		}
	}
}

// register 登记订单并挂接状态播报：写日志并落监控事件。
func (a *App) register(ord *order.Order) {
	orderID := ord.ID
	ord.SetStatusFunc(func(text, color string) {
		a.logger.Info("订单状态",
			zap.String("order_id", orderID),
			zap.String("text", text),
			zap.String("color", color),
		)
		if a.mon == nil {
			return
		}
		a.mon.RecordOrderStatus(context.Background(), orderID, text, color)
		if color == "green" {
			a.mon.RecordExecution(context.Background(), orderID, ord.BrokerID(),
				string(ord.State()), ord.Quantity(), ord.EntryPrice)
			a.mon.RecordPosition(context.Background(), a.gw.Ledger().List())
		}
	})

	a.mu.Lock()
	a.orders[orderID] = ord
	a.mu.Unlock()
}

func (a *App) lookupOrder(orderID string) (*order.Order, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ord, ok := a.orders[orderID]
	return ord, ok
}

func (a *App) listOrders() []*order.Order {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*order.Order, 0, len(a.orders))
	for _, ord := range a.orders {
		out = append(out, ord)
	}
	return out
}
