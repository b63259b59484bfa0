package aggregator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-feed/internal/cache"
	"market-feed/internal/metrics"
	"market-feed/internal/model"
)

const (
	DefaultInterval   = 250 * time.Millisecond
	DefaultIdleCycles = 40
)

// Sink 接收聚合后的批次 (通常是 fanout.Hub)
type Sink interface {
	Publish(batch model.Batch)
}

// TickAggregator 把高频 Tick 合并为固定节奏的批次:
// 每个品种只保留窗口内最后一条报价，周期到达时只发出相对上次发出值有变化的品种。
type TickAggregator struct {
	interval   time.Duration
	idleCycles int
	cache      *cache.PriceCache
	sink       Sink
	logger     *zap.Logger
	now        func() time.Time

	mu          sync.Mutex
	buffer      map[string]model.PriceRecord // 待发出的最新报价
	lastEmitted map[string]model.PriceRecord // 每个品种上次发出的报价
	running     bool                         // 定时器 goroutine 是否在运行
	stopped     bool
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	// 串行化 Flush，保证批次按发出顺序进入 Sink
	flushMu sync.Mutex
}

// New 创建聚合器。interval<=0 或 idleCycles<=0 时使用默认值
func New(interval time.Duration, idleCycles int, priceCache *cache.PriceCache, sink Sink, logger *zap.Logger) *TickAggregator {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if idleCycles <= 0 {
		idleCycles = DefaultIdleCycles
	}
	return &TickAggregator{
		interval:    interval,
		idleCycles:  idleCycles,
		cache:       priceCache,
		sink:        sink,
		logger:      logger.With(zap.String("component", "aggregator")),
		now:         time.Now,
		buffer:      make(map[string]model.PriceRecord),
		lastEmitted: make(map[string]model.PriceRecord),
	}
}

// Start 允许定时器在第一条 Tick 到达时启动。不调用 Start 时只能手动 Flush
func (a *TickAggregator) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx != nil || a.stopped {
		return
	}
	a.ctx, a.cancel = context.WithCancel(ctx)
	if len(a.buffer) > 0 {
		a.startLocked()
	}
}

// Stop 停止定时器并等待其退出，之后的 Push 只会缓存不会再触发定时器
func (a *TickAggregator) Stop() {
	a.mu.Lock()
	a.stopped = true
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

// Push 写入一条规范化报价，覆盖该品种缓冲区中的旧值
func (a *TickAggregator) Push(rec model.PriceRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buffer[rec.Symbol] = rec
	if !a.running && a.ctx != nil && !a.stopped && a.ctx.Err() == nil {
		a.startLocked()
	}
}

// Running 定时器是否在运行
func (a *TickAggregator) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

func (a *TickAggregator) startLocked() {
	a.running = true
	a.wg.Add(1)
	go a.loop(a.ctx)
}

func (a *TickAggregator) loop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Debug("aggregation timer started", zap.Duration("interval", a.interval))
	idle := 0
	for {
		select {
		case <-ctx.Done():
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return
		case <-ticker.C:
			if _, _, buffered := a.flush(); buffered > 0 {
				idle = 0
				continue
			}
			idle++
			if idle < a.idleCycles {
				continue
			}
			// 长时间没有 Tick，停止定时器；下一条 Tick 会重新启动
			a.mu.Lock()
			if len(a.buffer) == 0 {
				a.running = false
				a.mu.Unlock()
				a.logger.Debug("aggregation timer idle, stopping")
				return
			}
			a.mu.Unlock()
			idle = 0
		}
	}
}

// Flush 执行一次聚合周期，返回发出的批次以及是否真的发出了批次
func (a *TickAggregator) Flush() (model.Batch, bool) {
	batch, emitted, _ := a.flush()
	return batch, emitted
}

func (a *TickAggregator) flush() (model.Batch, bool, int) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	buffered := len(a.buffer)
	if buffered == 0 {
		a.mu.Unlock()
		return model.Batch{}, false, 0
	}
	pending := a.buffer
	a.buffer = make(map[string]model.PriceRecord, len(pending))

	// 发出判定与缓存写入在同一临界区内完成
	updated := make(map[string]model.PriceRecord, len(pending))
	for symbol, rec := range pending {
		if last, ok := a.lastEmitted[symbol]; ok && last.SamePrice(rec) {
			continue
		}
		updated[symbol] = rec
		a.lastEmitted[symbol] = rec
	}
	if len(updated) > 0 {
		a.cache.SetMany(updated)
	}
	a.mu.Unlock()

	if len(updated) == 0 {
		return model.Batch{}, false, buffered
	}

	batch := model.Batch{
		Snapshot:  a.cache.GetAll(),
		Updated:   updated,
		Timestamp: a.now(),
	}
	metrics.BatchesEmitted.Inc()
	metrics.BatchSize.Observe(float64(len(updated)))
	if a.sink != nil {
		a.sink.Publish(batch)
	}
	return batch, true, buffered
}
