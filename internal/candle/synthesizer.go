// Package candle 提供历史 K 线查询。
//
// 查询顺序: 上游历史接口 -> 本地存储 (数量足够时) -> 基于当前价格合成。
// 任何一步失败都只会回退到下一步，调用方永远拿到一个序列，不会收到错误。
package candle

import (
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"market-feed/internal/metrics"
	"market-feed/internal/model"
	"market-feed/internal/normalizer"
	"market-feed/internal/recorder"
	"market-feed/internal/registry"
)

const (
	DefaultLimit     = 100
	MaxLimit         = 1000
	DefaultTimeframe = "1h"

	fallbackAnchor = 100.0
	reversion      = 0.08 // 合成序列每根 K 线向锚定价回归的比例
	maxPeriodVol   = 0.05
	maxDrift       = 0.25 // 合成价格相对锚定价的最大偏离
)

// HistorySource 上游历史 K 线来源
type HistorySource interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, timeframe string, before time.Time, limit int) ([]model.Candle, error)
}

// PriceReader 读取最新报价 (通常是 cache.PriceCache)
type PriceReader interface {
	Get(symbol string) (model.PriceRecord, bool)
}

// Request 历史 K 线查询参数。From/To 为零值表示不限/当前时间
type Request struct {
	Symbol    string
	Timeframe string
	From      time.Time
	To        time.Time
	Limit     int
}

// Synthesizer 历史 K 线查询入口
type Synthesizer struct {
	registry *registry.Registry
	prices   PriceReader
	source   HistorySource
	store    recorder.Recorder
	logger   *zap.Logger
	now      func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSynthesizer source 和 store 可以为 nil
func NewSynthesizer(reg *registry.Registry, prices PriceReader, source HistorySource, store recorder.Recorder, logger *zap.Logger) *Synthesizer {
	if store == nil {
		store = recorder.NewNoopRecorder()
	}
	seed := uint64(time.Now().UnixNano())
	return &Synthesizer{
		registry: reg,
		prices:   prices,
		source:   source,
		store:    store,
		logger:   logger.With(zap.String("component", "candles")),
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// GetHistoricalCandles 返回按时间升序、时间不重复的 K 线序列
func (s *Synthesizer) GetHistoricalCandles(ctx context.Context, req Request) model.CandleSeries {
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	tf, period, err := CanonicalTimeframe(req.Timeframe)
	if err != nil {
		s.logger.Warn("Unsupported timeframe, using default", zap.String("timeframe", req.Timeframe))
		tf, period, _ = CanonicalTimeframe(DefaultTimeframe)
	}

	series := model.CandleSeries{Symbol: symbol, Timeframe: tf, Provider: model.ProviderSimulation, Candles: []model.Candle{}}
	inst, err := s.registry.Resolve(symbol)
	if err != nil {
		s.logger.Warn("Candle request for unknown symbol", zap.String("symbol", symbol))
		return series
	}

	end := req.To
	if end.IsZero() || end.After(s.now()) {
		end = s.now()
	}
	limit := clampLimit(req.Limit)
	if !req.From.IsZero() {
		if req.From.After(end) {
			return series
		}
		periods := int(Align(end, period).Sub(Align(req.From, period))/period) + 1
		limit = min(limit, periods)
	}

	if s.source != nil {
		candles, err := s.source.FetchCandles(ctx, inst.Symbol, tf, end, limit)
		candles = sanitize(candles, req.From, end, limit)
		switch {
		case err != nil:
			s.logger.Warn("Upstream history unavailable, falling back",
				zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Error(err))
		case len(candles) == 0:
			s.logger.Debug("Upstream history returned no candles", zap.String("symbol", symbol), zap.String("timeframe", tf))
		default:
			if err := s.store.UpsertCandles(ctx, inst.Symbol, tf, candles); err != nil {
				s.logger.Warn("Failed to store candles", zap.String("symbol", symbol), zap.Error(err))
			}
			return s.finish(series, s.source.Name(), candles)
		}
	}

	stored, err := s.store.QueryCandles(ctx, inst.Symbol, tf, req.From, end, limit)
	if err != nil {
		s.logger.Warn("Stored candles unavailable", zap.String("symbol", symbol), zap.Error(err))
	}
	stored = sanitize(stored, req.From, end, limit)
	if contiguous(stored, period, Align(end, period), limit) {
		return s.finish(series, model.ProviderStore, stored)
	}
	if len(stored) > 0 {
		s.logger.Debug("Stored candles incomplete, synthesizing",
			zap.String("symbol", symbol), zap.String("timeframe", tf), zap.Int("stored", len(stored)))
	}

	return s.finish(series, model.ProviderSimulation, s.synthesize(inst, period, end, limit))
}

func (s *Synthesizer) finish(series model.CandleSeries, provider string, candles []model.Candle) model.CandleSeries {
	metrics.CandleRequests.WithLabelValues(provider).Inc()
	series.Provider = provider
	series.Candles = candles
	return series
}

// synthesize 以当前中间价为锚，从最后一根向前随机游走生成 limit 根 K 线
func (s *Synthesizer) synthesize(inst model.Instrument, period time.Duration, end time.Time, limit int) []model.Candle {
	anchor := inst.BasePrice
	if rec, ok := s.prices.Get(inst.Symbol); ok {
		anchor = rec.Mid()
	}
	if anchor <= 0 {
		anchor = fallbackAnchor
	}

	vol := math.Min(registry.Volatility(inst.Category)*math.Sqrt(period.Hours()), maxPeriodVol)
	lo, hi := anchor*(1-maxDrift), anchor*(1+maxDrift)
	places := inst.DecimalPlaces
	last := Align(end, period)

	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	// 先倒序生成收盘价，最后一根收盘价等于锚定价
	closes := make([]float64, limit)
	closes[limit-1] = anchor
	for i := limit - 2; i >= 0; i-- {
		prev := closes[i+1]
		next := prev * (1 + s.rng.NormFloat64()*vol)
		next += (anchor - next) * reversion
		closes[i] = math.Min(math.Max(next, lo), hi)
	}

	candles := make([]model.Candle, limit)
	for i := range candles {
		open := closes[i] * (1 + s.rng.NormFloat64()*vol/2)
		if i > 0 {
			open = closes[i-1]
		}
		o := normalizer.RoundTo(open, places)
		c := normalizer.RoundTo(closes[i], places)
		h := normalizer.RoundTo(math.Max(o, c)*(1+math.Abs(s.rng.NormFloat64())*vol/2), places)
		l := normalizer.RoundTo(math.Min(o, c)*(1-math.Abs(s.rng.NormFloat64())*vol/2), places)
		candles[i] = model.Candle{
			Time:   last.Add(-time.Duration(limit-1-i) * period),
			Open:   o,
			High:   math.Max(h, math.Max(o, c)),
			Low:    math.Min(l, math.Min(o, c)),
			Close:  c,
			Volume: math.Round(s.rng.Float64() * 1000),
		}
	}
	return candles
}

// sanitize 丢弃形状非法的 K 线，按时间去重并升序，只保留 [from, to] 内最近的 limit 根
func sanitize(candles []model.Candle, from, to time.Time, limit int) []model.Candle {
	byTime := make(map[int64]model.Candle, len(candles))
	for _, c := range candles {
		if !c.Valid() || c.Time.IsZero() {
			continue
		}
		if (!from.IsZero() && c.Time.Before(from)) || c.Time.After(to) {
			continue
		}
		byTime[c.Time.Unix()] = c
	}
	out := make([]model.Candle, 0, len(byTime))
	for _, c := range byTime {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// contiguous 要求恰好 limit 根、逐根相隔一个周期，且最后一根就是 last 所在周期
func contiguous(candles []model.Candle, period time.Duration, last time.Time, limit int) bool {
	if len(candles) != limit || !candles[len(candles)-1].Time.Equal(last) {
		return false
	}
	for i := 1; i < len(candles); i++ {
		if candles[i].Time.Sub(candles[i-1].Time) != period {
			return false
		}
	}
	return true
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return min(limit, MaxLimit)
}
