// Package chart 根据聚合后的实时报价构建 K 线，作为 fanout 的内部订阅者运行。
package chart

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-feed/internal/candle"
	"market-feed/internal/model"
	"market-feed/internal/recorder"
)

const (
	DefaultHistory = 500
	storeTimeout   = 2 * time.Second
)

// klineAggregator 单个品种单个周期的 K 线聚合器
type klineAggregator struct {
	period  time.Duration
	current model.Candle   // 正在构建的当前 K 线，Time 为零表示未初始化
	history []model.Candle // 已完成的 K 线，升序
	maxKeep int
}

// process 把一次报价聚合进当前 K 线，跨周期时返回刚完成的 K 线
func (agg *klineAggregator) process(price float64, ts time.Time) (model.Candle, bool) {
	start := candle.Align(ts, agg.period)

	// 早于当前 K 线的报价直接忽略
	if !agg.current.Time.IsZero() && start.Before(agg.current.Time) {
		return model.Candle{}, false
	}

	var completed model.Candle
	done := false
	if !agg.current.Time.IsZero() && start.After(agg.current.Time) {
		completed = agg.current
		done = true
		agg.history = append(agg.history, completed)
		if len(agg.history) > agg.maxKeep {
			agg.history = agg.history[len(agg.history)-agg.maxKeep:]
		}

		// 新 K 线的开盘价取上一根 K 线的收盘价
		open := completed.Close
		agg.current = model.Candle{
			Time: start,
			Open: open,
			High: math.Max(open, price),
			Low:  math.Min(open, price),
		}
	}

	if agg.current.Time.IsZero() {
		agg.current = model.Candle{Time: start, Open: price, High: price, Low: price}
	}

	agg.current.Close = price
	agg.current.High = math.Max(agg.current.High, price)
	agg.current.Low = math.Min(agg.current.Low, price)
	agg.current.Volume++ // 没有成交量，用报价更新次数代替
	return completed, done
}

type completedCandle struct {
	symbol   string
	interval string
	candle   model.Candle
}

// Builder 维护所有品种、所有周期的实时 K 线
type Builder struct {
	mu         sync.RWMutex
	aggs       map[string]map[string]*klineAggregator // symbol -> interval -> 聚合器
	intervals  []string
	periods    map[string]time.Duration
	maxHistory int
	store      recorder.Recorder
	logger     *zap.Logger
}

// NewBuilder intervals 为空时使用全部支持的周期；store 为 nil 时不持久化
func NewBuilder(intervals []string, maxHistory int, store recorder.Recorder, logger *zap.Logger) (*Builder, error) {
	if len(intervals) == 0 {
		intervals = candle.Timeframes
	}
	if maxHistory <= 0 {
		maxHistory = DefaultHistory
	}
	if store == nil {
		store = recorder.NewNoopRecorder()
	}
	b := &Builder{
		aggs:       make(map[string]map[string]*klineAggregator),
		periods:    make(map[string]time.Duration, len(intervals)),
		maxHistory: maxHistory,
		store:      store,
		logger:     logger.With(zap.String("component", "chart")),
	}
	for _, raw := range intervals {
		iv, d, err := candle.CanonicalTimeframe(raw)
		if err != nil {
			return nil, err
		}
		if _, seen := b.periods[iv]; seen {
			continue
		}
		b.periods[iv] = d
		b.intervals = append(b.intervals, iv)
	}
	b.logger.Info("Chart builder initialized", zap.Strings("intervals", b.intervals))
	return b, nil
}

// Handle 作为 fanout.Callback 使用
func (b *Builder) Handle(batch model.Batch) error {
	var completed []completedCandle

	b.mu.Lock()
	for symbol, rec := range batch.Updated {
		ts := rec.Timestamp
		if ts.IsZero() {
			ts = batch.Timestamp
		}
		price := rec.Mid()
		for _, iv := range b.intervals {
			agg := b.aggregatorLocked(symbol, iv)
			if c, done := agg.process(price, ts); done {
				completed = append(completed, completedCandle{symbol: symbol, interval: iv, candle: c})
			}
		}
	}
	b.mu.Unlock()

	if len(completed) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	var errs []error
	for _, c := range completed {
		if err := b.store.UpsertCandles(ctx, c.symbol, c.interval, []model.Candle{c.candle}); err != nil {
			errs = append(errs, fmt.Errorf("store %s %s: %w", c.symbol, c.interval, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Builder) aggregatorLocked(symbol, interval string) *klineAggregator {
	bySymbol, ok := b.aggs[symbol]
	if !ok {
		bySymbol = make(map[string]*klineAggregator, len(b.intervals))
		b.aggs[symbol] = bySymbol
	}
	agg, ok := bySymbol[interval]
	if !ok {
		agg = &klineAggregator{
			period:  b.periods[interval],
			maxKeep: b.maxHistory,
		}
		bySymbol[interval] = agg
	}
	return agg
}

// Candles 返回最近 limit 根 K 线 (含正在构建的当前 K 线)，按时间升序。没有数据时返回 false
func (b *Builder) Candles(symbol, interval string, limit int) ([]model.Candle, bool) {
	symbol = strings.ToUpper(symbol)
	if key, _, err := candle.CanonicalTimeframe(interval); err == nil {
		interval = key
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	agg, ok := b.aggs[symbol][interval]
	if !ok || agg.current.Time.IsZero() {
		return nil, false
	}

	out := make([]model.Candle, 0, len(agg.history)+1)
	out = append(out, agg.history...)
	out = append(out, agg.current)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, true
}
