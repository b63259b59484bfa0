package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"market-feed/internal/metrics"
	"market-feed/internal/model"
	"market-feed/internal/registry"
	"market-feed/internal/service"
)

const (
	sourceStream     = "stream"
	sourcePoll       = "poll"
	sourceSimulation = "simulation"

	defaultTickBuffer    = 2048
	defaultSimInterval   = time.Second
	defaultPollInterval  = 60 * time.Second
	maxPollFailureCycles = 3 // 纯轮询模式下连续失败的周期数，超过后降级为模拟
)

// Options Connector 的全部参数
type Options struct {
	Provider   service.ProviderConfig
	Hybrid     service.HybridConfig
	Simulation service.SimulationConfig
	TickBuffer int
	HTTPClient *http.Client // 为空时按 Provider.RequestTimeout 创建
	Seed       uint64       // 模拟器随机种子，0 表示按启动时间
}

// Connector 上游行情连接器。
// 正常情况下维持 WebSocket 推送；重连次数耗尽后降级为 HTTP 轮询 (配置了 PollURL) 或模拟行情。
// 所有来源的 Tick 都写入同一个有界通道，通道满时丢弃，绝不阻塞读循环。
type Connector struct {
	opts     Options
	registry *registry.Registry
	logger   *zap.Logger
	ticks    chan model.RawTick
	poller   *PollClient

	mu           sync.RWMutex
	state        model.ConnectorState
	mode         model.Mode
	lastErr      string
	attempts     int
	startedAt    time.Time
	liveSymbols  []string
	scheduler    *cron.Cron
	pollFailures int
	stopping     bool
	ctx          context.Context
	cancel       context.CancelFunc

	pollMu sync.Mutex // 同一时刻只允许一个轮询周期

	totalTicks  atomic.Uint64
	dropped     atomic.Uint64
	malformed   atomic.Uint64
	rateLimited atomic.Uint64
	seq         atomic.Int64

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConnector 创建连接器，不发起任何网络请求
func NewConnector(opts Options, reg *registry.Registry, logger *zap.Logger) *Connector {
	if opts.TickBuffer <= 0 {
		opts.TickBuffer = defaultTickBuffer
	}
	mode := model.ModeLive
	switch {
	case opts.Provider.Token == "":
		mode = model.ModeSimulation
	case opts.Hybrid.Enabled:
		mode = model.ModeHybrid
	}

	c := &Connector{
		opts:     opts,
		registry: reg,
		logger:   logger.With(zap.String("component", "connector")),
		ticks:    make(chan model.RawTick, opts.TickBuffer),
		state:    model.StateDisconnected,
		mode:     mode,
	}
	if opts.Provider.PollURL != "" {
		c.poller = NewPollClient(opts.Provider.PollURL, opts.Provider.Token, opts.Provider.RequestTimeout, opts.HTTPClient)
	}

	c.logger.Info("Connector initialized",
		zap.String("provider", opts.Provider.Name),
		zap.String("mode", string(mode)),
		zap.Int("instruments", len(reg.Symbols())))
	return c
}

// Start 按配置进入推送、混合或模拟模式，立即返回
func (c *Connector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return errors.New("connector already stopped")
	}
	if c.ctx != nil {
		c.mu.Unlock()
		return errors.New("connector already started")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.startedAt = time.Now()
	mode := c.mode
	c.mu.Unlock()

	switch mode {
	case model.ModeSimulation:
		c.logger.Warn("No upstream token configured, serving simulated prices only")
		c.transition(model.StateSimulating, model.ModeSimulation, "no upstream token")
		c.launchSimulator(c.registry.All())
	case model.ModeHybrid:
		return c.startHybrid()
	default:
		c.logger.Info("Starting upstream stream connection...", zap.String("url", c.opts.Provider.StreamURL))
		c.wg.Add(1)
		go c.runStream()
	}
	return nil
}

// Stop 停止所有 goroutine (推送、轮询、模拟)，等待其退出后关闭 Tick 通道。可重复调用
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		c.stopping = true
		cancel := c.cancel
		sched := c.scheduler
		mode := c.mode
		c.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if sched != nil {
			<-sched.Stop().Done()
		}
		c.wg.Wait()

		c.transition(model.StateStopped, mode, "stopped")
		close(c.ticks)
	})
}

// Ticks 原始 Tick 通道，Stop 之后会被关闭
func (c *Connector) Ticks() <-chan model.RawTick {
	return c.ticks
}

// Status 当前状态快照
func (c *Connector) Status() model.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := model.Status{
		Connected:          c.state == model.StateConnected,
		State:              c.state,
		Mode:               c.mode,
		TotalTicksReceived: c.totalTicks.Load(),
		DroppedTicks:       c.dropped.Load(),
		MalformedFrames:    c.malformed.Load(),
		RateLimitHits:      c.rateLimited.Load(),
		ReconnectAttempts:  c.attempts,
		LastError:          c.lastErr,
	}
	if !c.startedAt.IsZero() && c.state != model.StateStopped {
		st.Uptime = time.Since(c.startedAt)
	}
	if len(c.liveSymbols) > 0 {
		st.LiveSymbols = append([]string(nil), c.liveSymbols...)
	}
	return st
}

// transition 切换状态并记录日志
func (c *Connector) transition(state model.ConnectorState, mode model.Mode, reason string) {
	c.mu.Lock()
	prev, prevMode := c.state, c.mode
	c.state = state
	c.mode = mode
	if state == model.StateConnected {
		c.attempts = 0
	}
	c.mu.Unlock()

	if prev == state && prevMode == mode {
		return
	}
	c.logger.Info("!!! Connector State Transition !!!",
		zap.String("from", string(prev)),
		zap.String("to", string(state)),
		zap.String("mode", string(mode)),
		zap.String("reason", reason))
}

func (c *Connector) setLastError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.lastErr = err.Error()
	c.mu.Unlock()
}

// emit 非阻塞写入 Tick 通道
func (c *Connector) emit(tick model.RawTick, source string) {
	c.totalTicks.Add(1)
	metrics.TicksReceived.WithLabelValues(source).Inc()
	select {
	case c.ticks <- tick:
	default:
		c.dropped.Add(1)
		metrics.TicksDropped.Inc()
		c.logger.Debug("Tick channel full! Dropping tick", zap.String("code", tick.ProviderCode), zap.String("source", source))
	}
}

// degrade 推送不可用: 有轮询地址时改为轮询，否则进入模拟
func (c *Connector) degrade(reason string) {
	if c.poller != nil {
		c.transition(model.StatePolling, model.ModePolling, reason)
		err := c.startPolling(c.registry.ProviderCodes())
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		c.logger.Error("Failed to start polling fallback", zap.Error(err))
		c.transition(model.StateDisconnected, model.ModePolling, err.Error())
	}
	c.transition(model.StateSimulating, model.ModeSimulation, reason)
	c.launchSimulator(c.registry.All())
}

// fallbackToSimulation 轮询连续失败后的最终降级
func (c *Connector) fallbackToSimulation(reason string) {
	c.mu.Lock()
	if c.stopping || c.state == model.StateSimulating {
		c.mu.Unlock()
		return
	}
	sched := c.scheduler
	c.mu.Unlock()

	if sched != nil {
		// 可能在定时任务内部调用，这里不等待正在运行的任务
		sched.Stop()
	}
	c.transition(model.StateDisconnected, model.ModePolling, reason)
	c.transition(model.StateSimulating, model.ModeSimulation, reason)
	c.launchSimulator(c.registry.All())
}

func (c *Connector) startHybrid() error {
	if c.poller == nil {
		return errors.New("hybrid mode requires Provider.PollURL")
	}
	liveSet := make(map[string]bool, len(c.opts.Hybrid.LiveSymbols))
	for _, s := range c.opts.Hybrid.LiveSymbols {
		inst, err := c.registry.Resolve(s)
		if err != nil {
			return fmt.Errorf("hybrid live symbol %q: %w", s, err)
		}
		liveSet[inst.Symbol] = true
	}

	var liveCodes, liveSymbols []string
	var simulated []model.Instrument
	for _, inst := range c.registry.All() {
		if liveSet[inst.Symbol] {
			liveCodes = append(liveCodes, inst.ProviderCode)
			liveSymbols = append(liveSymbols, inst.Symbol)
			continue
		}
		simulated = append(simulated, inst)
	}
	sort.Strings(liveSymbols)

	c.mu.Lock()
	c.liveSymbols = liveSymbols
	c.mu.Unlock()

	c.logger.Info("Starting hybrid mode",
		zap.Strings("live", liveSymbols),
		zap.Int("simulated", len(simulated)),
		zap.Duration("pollInterval", c.pollInterval()))
	c.transition(model.StatePolling, model.ModeHybrid, "hybrid mode")
	if err := c.startPolling(liveCodes); err != nil {
		return err
	}
	if len(simulated) > 0 {
		c.launchSimulator(simulated)
	}
	return nil
}

func (c *Connector) pollInterval() time.Duration {
	if c.opts.Hybrid.PollInterval > 0 {
		return c.opts.Hybrid.PollInterval
	}
	return defaultPollInterval
}

// startPolling 立即执行一次轮询，然后按 PollInterval 定时执行
func (c *Connector) startPolling(codes []string) error {
	sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := "@every " + c.pollInterval().String()
	if _, err := sched.AddFunc(schedule, func() { c.pollCycle(c.ctx, codes) }); err != nil {
		return fmt.Errorf("schedule polling: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopping {
		return context.Canceled
	}
	c.scheduler = sched
	sched.Start()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pollCycle(c.ctx, codes)
	}()
	return nil
}

// pollCycle 逐个请求最新价，请求之间间隔 RequestDelay；遇到限频立即放弃本周期
func (c *Connector) pollCycle(ctx context.Context, codes []string) {
	if !c.pollMu.TryLock() {
		c.logger.Debug("Previous poll cycle still running, skipping")
		return
	}
	defer c.pollMu.Unlock()

	succeeded, failed := 0, 0
	for i, code := range codes {
		if ctx.Err() != nil {
			return
		}
		if i > 0 && c.opts.Hybrid.RequestDelay > 0 && !sleepContext(ctx, c.opts.Hybrid.RequestDelay) {
			return
		}

		tick, err := c.fetchOne(ctx, code)
		if errors.Is(err, ErrRateLimited) {
			c.rateLimited.Add(1)
			metrics.RateLimited.Inc()
			c.setLastError(err)
			c.logger.Warn("Upstream rate limit hit, aborting poll cycle",
				zap.String("code", code), zap.Int("skipped", len(codes)-i-1))
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failed++
			c.setLastError(err)
			c.logger.Warn("Poll request failed", zap.String("code", code), zap.Error(err))
			continue
		}
		succeeded++
		c.emit(tick, sourcePoll)
	}
	c.notePollResult(succeeded, failed)
}

func (c *Connector) fetchOne(ctx context.Context, code string) (model.RawTick, error) {
	reqCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.opts.Provider.RequestTimeout > 0 {
		reqCtx, cancel = context.WithTimeout(ctx, c.opts.Provider.RequestTimeout)
	}
	defer cancel()
	return c.poller.FetchLatest(reqCtx, code)
}

func (c *Connector) notePollResult(succeeded, failed int) {
	c.mu.Lock()
	if c.mode != model.ModePolling {
		c.mu.Unlock()
		return
	}
	if succeeded > 0 || failed == 0 {
		c.pollFailures = 0
		c.mu.Unlock()
		return
	}
	c.pollFailures++
	exhausted := c.pollFailures >= maxPollFailureCycles
	c.mu.Unlock()

	if exhausted {
		c.logger.Error("Polling keeps failing, falling back to simulation", zap.Int("cycles", maxPollFailureCycles))
		c.fallbackToSimulation("polling unavailable")
	}
}

// launchSimulator 为给定品种启动模拟行情
func (c *Connector) launchSimulator(instruments []model.Instrument) {
	seed := c.opts.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	sim := NewSimulator(instruments, c.opts.Simulation.MaxDeviation, c.opts.Simulation.MeanReversion, seed)
	interval := c.opts.Simulation.TickInterval
	if interval <= 0 {
		interval = defaultSimInterval
	}

	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("Simulator started", zap.Strings("codes", sim.Codes()), zap.Duration("interval", interval))
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			for _, tick := range sim.Next(time.Now()) {
				c.emit(tick, sourceSimulation)
			}
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// backoffDelay min(base * 2^attempt, max)
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 32 {
		return maxDelay
	}
	d := base << uint(attempt)
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
