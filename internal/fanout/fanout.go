package fanout

import (
	"sync"

	"go.uber.org/zap"
)

// Callback 为行情回调签名，参数为最新价格。
type Callback func(price float64)

type task struct {
	key string
	id  string
	fn  Callback
	val float64
}

// Fanout 按键维护多订阅者回调集合，并在固定大小的工作池上派发执行。
// 回调不会在网络读取线程上运行；单个回调的 panic 被隔离，不影响其他订阅者。
type Fanout struct {
	mu        sync.Mutex
	callbacks map[string]map[string]Callback

	tasks  chan task
	quit   chan struct{}
	wg     sync.WaitGroup
	closed bool
	logger *zap.Logger
}

// New 创建 Fanout 并启动 workers 个工作协程。
func New(workers int, logger *zap.Logger) *Fanout {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	f := &Fanout{
		callbacks: make(map[string]map[string]Callback),
		tasks:     make(chan task, workers*16),
		quit:      make(chan struct{}),
		logger:    logger,
	}

	f.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go f.worker()
	}

	return f
}

func (f *Fanout) worker() {
	defer f.wg.Done()
	for {
		select {
		case t := <-f.tasks:
			f.invoke(t)
		case <-f.quit:
			return
		}
	}
}

func (f *Fanout) invoke(t task) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error("行情回调执行失败",
				zap.String("key", t.key),
				zap.String("subscriber", t.id),
				zap.Any("panic", r),
			)
		}
	}()
	t.fn(t.val)
}

// Add 注册一个订阅者回调，id 用于后续移除。重复注册同一 id 会覆盖旧回调。
func (f *Fanout) Add(key, id string, fn Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.callbacks[key]
	if !ok {
		set = make(map[string]Callback)
		f.callbacks[key] = set
	}
	set[id] = fn
}

// Remove 移除订阅者回调，集合为空时删除该键。
func (f *Fanout) Remove(key, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	set, ok := f.callbacks[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(f.callbacks, key)
	}
}

// Publish 将值派发给该键下的全部订阅者，在工作池上异步执行。
func (f *Fanout) Publish(key string, val float64) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	pending := make([]task, 0, len(f.callbacks[key]))
	for id, fn := range f.callbacks[key] {
		pending = append(pending, task{key: key, id: id, fn: fn, val: val})
	}
	f.mu.Unlock()

	for _, t := range pending {
		select {
		case f.tasks <- t:
		case <-f.quit:
			return
		}
	}
}

// Count 返回某个键下的订阅者数量。
func (f *Fanout) Count(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks[key])
}

// Keys 返回当前存在订阅者的全部键。
func (f *Fanout) Keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.callbacks))
	for k := range f.callbacks {
		keys = append(keys, k)
	}
	return keys
}

// Close 停止工作池，等待正在执行的回调结束。尚未派发的任务被丢弃。
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	f.mu.Unlock()

	close(f.quit)
	f.wg.Wait()
}
