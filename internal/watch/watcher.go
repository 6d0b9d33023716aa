package watch

import (
	"sync"
	"time"
)

// Mode 表示监控方式：推送订阅或定时轮询。
type Mode string

const (
	ModePush Mode = "push"
	ModePoll Mode = "poll"
)

// Kind 区分入场触发监控与止损监控。
type Kind string

const (
	KindTrigger  Kind = "trigger"
	KindStopLoss Kind = "stop_loss"
)

// Status 表示监控任务的运行状态。
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusFinalized Status = "FINALIZED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"
)

// Snapshot 为监控任务的只读快照，供监控接口输出。
type Snapshot struct {
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Kind      Kind      `json:"kind"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	LastPrice float64   `json:"last_price"`
	StartTime time.Time `json:"start_time"`
}

// watcher 为单个监控任务：一条触发条件、一种监控方式、一段生命周期。
// 触发判断与触发动作以闭包参数化，入场触发与止损共用同一形态。
type watcher struct {
	key    string // 注册键，同时用作订阅者ID
	symbol string
	kind   Kind
	mode   Mode

	mu        sync.Mutex
	status    Status
	lastPrice float64
	cancelled bool
	start     time.Time

	quit     chan struct{}
	stopOnce sync.Once
}

func newWatcher(key, symbol string, kind Kind, mode Mode) *watcher {
	return &watcher{
		key:    key,
		symbol: symbol,
		kind:   kind,
		mode:   mode,
		status: StatusPending,
		start:  time.Now().UTC(),
		quit:   make(chan struct{}),
	}
}

func (w *watcher) observe(price float64) {
	w.mu.Lock()
	w.lastPrice = price
	w.mu.Unlock()
}

func (w *watcher) setStatus(s Status) {
	w.mu.Lock()
	w.status = s
	w.mu.Unlock()
}

func (w *watcher) markCancelled() {
	w.mu.Lock()
	w.cancelled = true
	w.status = StatusCancelled
	w.mu.Unlock()
}

func (w *watcher) isCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

// stop 终止轮询循环（推送模式下由引擎负责退订）。
func (w *watcher) stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}

func (w *watcher) snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Snapshot{
		OrderID:   w.key,
		Symbol:    w.symbol,
		Kind:      w.kind,
		Mode:      w.mode,
		Status:    w.status,
		LastPrice: w.lastPrice,
		StartTime: w.start,
	}
}
