package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"arctrigger/internal/fanout"
)

// ErrNotStreaming 表示流式连接尚未建立。
var ErrNotStreaming = errors.New("feed: 流式连接未就绪")

// Feed 聚合推送订阅与拉取快照两种行情访问方式。
// 订阅表按符号做引用计数：首个订阅者触发网络级订阅，最后一个退订触发
// 网络级退订；回调本身存放在 fanout 中，重连时原样保留。
type Feed struct {
	transport Transport
	fanout    *fanout.Fanout
	logger    *zap.Logger
	delay     time.Duration

	mu   sync.Mutex
	refs map[string]int
	conn StreamConn
}

// New 创建行情服务。delay 为流式连接断开后的固定重连间隔。
func New(transport Transport, fo *fanout.Fanout, delay time.Duration, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if delay <= 0 {
		delay = 3 * time.Second
	}
	return &Feed{
		transport: transport,
		fanout:    fo,
		logger:    logger,
		delay:     delay,
		refs:      make(map[string]int),
	}
}

// GetLastPrice 同步拉取最新成交价。网络错误原样返回，由调用方决定降级。
func (f *Feed) GetLastPrice(ctx context.Context, symbol string) (float64, error) {
	price, err := f.transport.LastPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("feed: 拉取最新价失败: %w", err)
	}
	return price, nil
}

// GetSnapshot 同步拉取快照。
func (f *Feed) GetSnapshot(ctx context.Context, symbol string) (Quote, error) {
	quote, err := f.transport.Snapshot(ctx, symbol)
	if err != nil {
		return Quote{}, fmt.Errorf("feed: 拉取快照失败: %w", err)
	}
	return quote, nil
}

// Subscribe 注册回调。仅当该符号是首个订阅者时才发出网络级订阅。
func (f *Feed) Subscribe(symbol, id string, cb fanout.Callback) {
	f.fanout.Add(symbol, id, cb)

	f.mu.Lock()
	f.refs[symbol]++
	first := f.refs[symbol] == 1
	conn := f.conn
	f.mu.Unlock()

	// 网络调用不持有锁
	if first && conn != nil {
		if err := conn.Subscribe(symbol); err != nil {
			f.logger.Warn("网络级订阅失败，等待重连补发",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Unsubscribe 移除回调。订阅者集合为空时发出网络级退订。
func (f *Feed) Unsubscribe(symbol, id string) {
	f.fanout.Remove(symbol, id)

	f.mu.Lock()
	if f.refs[symbol] > 0 {
		f.refs[symbol]--
	}
	last := f.refs[symbol] == 0
	if last {
		delete(f.refs, symbol)
	}
	conn := f.conn
	f.mu.Unlock()

	if last && conn != nil {
		if err := conn.Unsubscribe(symbol); err != nil {
			f.logger.Warn("网络级退订失败",
				zap.String("symbol", symbol), zap.Error(err))
		}
	}
}

// Run 维护流式连接：建立会话、补发活跃订阅、读取推送并派发，
// 断开后以固定间隔无限重试。随 ctx 取消而退出。
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := f.transport.Dial(ctx)
		if err != nil {
			f.logger.Warn("行情流连接失败，稍后重试", zap.Error(err))
			if !f.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		f.mu.Lock()
		f.conn = conn
		active := make([]string, 0, len(f.refs))
		for symbol, n := range f.refs {
			if n > 0 {
				active = append(active, symbol)
			}
		}
		f.mu.Unlock()

		// 重连后补发全部活跃订阅
		replayOK := true
		for _, symbol := range active {
			if err := conn.Subscribe(symbol); err != nil {
				f.logger.Warn("重连补发订阅失败", zap.String("symbol", symbol), zap.Error(err))
				replayOK = false
				break
			}
		}

		if replayOK {
			f.logger.Info("行情流已连接", zap.Strings("symbols", active))
			f.readLoop(ctx, conn)
		}

		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
		_ = conn.Close()

		if !f.sleep(ctx) {
			return ctx.Err()
		}
	}
}

// readLoop 读取推送并派发。读调用本身没有取消钩子，由监督协程在
// ctx 结束时关闭连接，让阻塞中的读立即返回。
func (f *Feed) readLoop(ctx context.Context, conn StreamConn) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		tick, err := conn.ReadTick()
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn("行情流读取中断", zap.Error(err))
			}
			return
		}
		f.fanout.Publish(tick.Symbol, tick.Price)
	}
}

func (f *Feed) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(f.delay):
		return true
	}
}

// SubscriberCount 返回某符号的当前引用计数。
func (f *Feed) SubscriberCount(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refs[symbol]
}
