package feed

import "context"

// Tick 为推送行情的一次报价。
type Tick struct {
	Symbol string
	Price  float64
}

// Quote 为拉取快照结果。
type Quote struct {
	Last float64
	Bid  float64
	Ask  float64
}

// Transport 抽象行情提供方的线上协议：同步拉取与流式会话。
type Transport interface {
	// LastPrice 拉取最新成交价。
	LastPrice(ctx context.Context, symbol string) (float64, error)
	// Snapshot 拉取包含最新价与买卖盘的快照。
	Snapshot(ctx context.Context, symbol string) (Quote, error)
	// Dial 建立一条已认证的流式会话。
	Dial(ctx context.Context) (StreamConn, error)
}

// StreamConn 为一条活跃的流式会话。Subscribe/Unsubscribe 发出网络级订阅指令，
// ReadTick 阻塞读取下一笔推送，连接断开时返回错误。
type StreamConn interface {
	Subscribe(symbol string) error
	Unsubscribe(symbol string) error
	ReadTick() (Tick, error)
	Close() error
}
