// Package pipeline 组装并持有整条行情链路:
// Connector -> Normalizer -> Aggregator -> Cache -> Fanout -> 订阅者 (K 线构建、外部发布、WebSocket 客户端)。
// 没有任何全局单例，测试中可以同时创建多条互不影响的链路。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"market-feed/internal/aggregator"
	"market-feed/internal/api"
	"market-feed/internal/cache"
	"market-feed/internal/candle"
	"market-feed/internal/chart"
	"market-feed/internal/fanout"
	"market-feed/internal/metrics"
	"market-feed/internal/model"
	"market-feed/internal/normalizer"
	"market-feed/internal/publisher"
	"market-feed/internal/recorder"
	"market-feed/internal/registry"
	"market-feed/internal/service"
)

// Option 覆盖默认依赖，主要用于测试
type Option func(*options)

type options struct {
	registry   *registry.Registry
	store      recorder.Recorder
	history    candle.HistorySource
	httpClient *http.Client
	backends   []publisher.Backend
	seed       uint64
}

func WithRegistry(reg *registry.Registry) Option {
	return func(o *options) { o.registry = reg }
}

func WithRecorder(store recorder.Recorder) Option {
	return func(o *options) { o.store = store }
}

func WithHistorySource(src candle.HistorySource) Option {
	return func(o *options) { o.history = src }
}

func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithPublisher 追加一个外部发布后端 (配置中的 Redis/Kafka 之外)
func WithPublisher(b publisher.Backend) Option {
	return func(o *options) { o.backends = append(o.backends, b) }
}

// WithSeed 固定模拟行情的随机种子
func WithSeed(seed uint64) Option {
	return func(o *options) { o.seed = seed }
}

// Pipeline 行情链路的唯一所有者
type Pipeline struct {
	registry   *registry.Registry
	connector  *api.Connector
	normalizer *normalizer.Normalizer
	aggregator *aggregator.TickAggregator
	cache      *cache.PriceCache
	hub        *fanout.Hub
	candles    *candle.Synthesizer
	chart      *chart.Builder
	store      recorder.Recorder
	publishers []*publisher.Publisher
	logger     *zap.Logger

	rejected atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	wg      sync.WaitGroup
}

// New 根据配置构建链路，不启动任何 goroutine
func New(cfg *service.Config, logger *zap.Logger, opts ...Option) (*Pipeline, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	reg := o.registry
	if reg == nil {
		var err error
		reg, err = loadRegistry(cfg.Registry.InstrumentsFile)
		if err != nil {
			return nil, err
		}
	}

	store := o.store
	if store == nil {
		if cfg.Storage.SQLitePath != "" {
			sqlite, err := recorder.NewSQLiteRecorder(cfg.Storage.SQLitePath, logger)
			if err != nil {
				return nil, fmt.Errorf("open candle store: %w", err)
			}
			store = sqlite
		} else {
			store = recorder.NewNoopRecorder()
		}
	}

	history := o.history
	if history == nil {
		if h := api.NewHistoryClient(cfg.History, o.httpClient); h.Enabled() {
			history = h
		}
	}

	priceCache := cache.New()
	hub := fanout.NewHub(cfg.Pipeline.SubscriberQueue, logger)
	builder, err := chart.NewBuilder(nil, 0, store, logger)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		registry:   reg,
		normalizer: normalizer.New(reg),
		cache:      priceCache,
		hub:        hub,
		aggregator: aggregator.New(cfg.Pipeline.AggregationInterval, cfg.Pipeline.IdleCycles, priceCache, hub, logger),
		connector: api.NewConnector(api.Options{
			Provider:   cfg.Provider,
			Hybrid:     cfg.Hybrid,
			Simulation: cfg.Simulation,
			TickBuffer: cfg.Pipeline.TickBuffer,
			HTTPClient: o.httpClient,
			Seed:       o.seed,
		}, reg, logger),
		candles: candle.NewSynthesizer(reg, priceCache, history, store, logger),
		chart:   builder,
		store:   store,
		logger:  logger.With(zap.String("component", "pipeline")),
	}

	backends := o.backends
	if cfg.Publisher.Redis.Addr != "" {
		backends = append(backends, publisher.NewRedisBackend(cfg.Publisher.Redis.Addr, cfg.Publisher.Redis.Channel))
	}
	if len(cfg.Publisher.Kafka.Brokers) > 0 {
		backends = append(backends, publisher.NewKafkaBackend(cfg.Publisher.Kafka.Brokers, cfg.Publisher.Kafka.Topic))
	}
	for _, b := range backends {
		p.publishers = append(p.publishers, publisher.New(b, 0, logger))
	}
	return p, nil
}

func loadRegistry(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	reg, err := registry.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load instruments: %w", err)
	}
	return reg, nil
}

// Start 启动连接器、规范化循环和内部订阅者
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return errors.New("pipeline already started")
	}

	// 连接器启动失败时聚合器和内部订阅者都还没有启动
	if err := p.connector.Start(ctx); err != nil {
		return fmt.Errorf("start connector: %w", err)
	}
	p.started = true

	p.aggregator.Start(ctx)
	p.hub.Subscribe(fanout.Wildcard, p.chart.Handle)
	for _, pub := range p.publishers {
		p.hub.Subscribe(fanout.Wildcard, pub.Handle)
	}

	p.wg.Add(1)
	go p.normalizeLoop()

	p.logger.Info("Pipeline started",
		zap.Int("instruments", len(p.registry.Symbols())),
		zap.Int("publishers", len(p.publishers)),
		zap.String("mode", string(p.connector.Status().Mode)))
	return nil
}

// normalizeLoop 把原始 Tick 规范化后交给聚合器，直到 Tick 通道关闭
func (p *Pipeline) normalizeLoop() {
	defer p.wg.Done()
	for tick := range p.connector.Ticks() {
		rec, err := p.normalizer.NormalizeRaw(tick)
		if err != nil {
			p.rejected.Add(1)
			metrics.TicksRejected.Inc()
			p.logger.Debug("Tick rejected", zap.String("code", tick.ProviderCode), zap.Error(err))
			continue
		}
		p.aggregator.Push(rec)
	}
}

// Stop 按数据流方向依次停止，返回后没有任何定时器或投递 goroutine 在运行
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.connector.Stop()
	p.wg.Wait()
	p.aggregator.Stop()
	p.aggregator.Flush()
	p.hub.Close()

	for _, pub := range p.publishers {
		if err := pub.Close(); err != nil {
			p.logger.Warn("Failed to close publisher", zap.Error(err))
		}
	}
	if err := p.store.Close(); err != nil {
		p.logger.Warn("Failed to close candle store", zap.Error(err))
	}
	p.logger.Info("Pipeline stopped")
}

// Subscribe 订阅某个品种 (或 "*" 全部) 的聚合批次
func (p *Pipeline) Subscribe(filter string, cb fanout.Callback) fanout.Handle {
	return p.hub.Subscribe(filter, cb)
}

func (p *Pipeline) Unsubscribe(h fanout.Handle) bool {
	return p.hub.Unsubscribe(h)
}

func (p *Pipeline) Get(symbol string) (model.PriceRecord, bool) {
	return p.cache.Get(strings.ToUpper(strings.TrimSpace(symbol)))
}

func (p *Pipeline) GetAll() map[string]model.PriceRecord {
	return p.cache.GetAll()
}

func (p *Pipeline) GetByCategory() map[model.Category][]model.PriceRecord {
	return p.cache.GetByCategory()
}

// Status 连接器状态快照
func (p *Pipeline) Status() model.Status {
	return p.connector.Status()
}

// Rejected 被规范化器拒绝的 Tick 数
func (p *Pipeline) Rejected() uint64 {
	return p.rejected.Load()
}

func (p *Pipeline) Registry() *registry.Registry {
	return p.registry
}

// GetHistoricalCandles 历史 K 线，永远返回一个序列
func (p *Pipeline) GetHistoricalCandles(ctx context.Context, req candle.Request) model.CandleSeries {
	return p.candles.GetHistoricalCandles(ctx, req)
}

// LiveCandles 由实时报价构建的 K 线
func (p *Pipeline) LiveCandles(symbol, timeframe string, limit int) ([]model.Candle, bool) {
	return p.chart.Candles(symbol, timeframe, limit)
}

// Subscribers 当前订阅者数量 (含内部订阅者)
func (p *Pipeline) Subscribers() int {
	return p.hub.Count()
}
