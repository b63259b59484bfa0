package api

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"market-feed/internal/model"
	"market-feed/internal/registry"
)

const (
	defaultMaxDeviation  = 0.02
	defaultMeanReversion = 0.05
	fallbackBasePrice    = 100.0
	stepVolatilityScale  = 0.1 // 每步波动 = 品种波动率 * scale
)

// walker 单个品种的随机游走状态
type walker struct {
	code       string
	base       float64
	price      float64
	volatility float64
	spread     float64 // 相对点差
}

// Simulator 有界随机游走行情: 每步向基准价均值回归，且价格始终夹在 base*(1±maxDeviation) 之内
type Simulator struct {
	mu           sync.Mutex
	rng          *rand.Rand
	walkers      map[string]*walker // providerCode -> walker
	order        []string
	maxDeviation float64
	reversion    float64
}

// NewSimulator 为给定品种创建模拟器，seed 相同则序列相同
func NewSimulator(instruments []model.Instrument, maxDeviation, meanReversion float64, seed uint64) *Simulator {
	if maxDeviation <= 0 || maxDeviation >= 1 {
		maxDeviation = defaultMaxDeviation
	}
	if meanReversion < 0 || meanReversion > 1 {
		meanReversion = defaultMeanReversion
	}
	s := &Simulator{
		rng:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		walkers:      make(map[string]*walker, len(instruments)),
		maxDeviation: maxDeviation,
		reversion:    meanReversion,
	}
	for _, inst := range instruments {
		base := inst.BasePrice
		if base <= 0 {
			base = fallbackBasePrice
		}
		s.walkers[inst.ProviderCode] = &walker{
			code:       inst.ProviderCode,
			base:       base,
			price:      base,
			volatility: registry.Volatility(inst.Category) * stepVolatilityScale,
			spread:     registry.SpreadFraction(inst.Category),
		}
		s.order = append(s.order, inst.ProviderCode)
	}
	return s
}

// Codes 模拟器覆盖的上游代码
func (s *Simulator) Codes() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Next 所有品种各走一步，返回对应的报价 Tick
func (s *Simulator) Next(now time.Time) []model.RawTick {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticks := make([]model.RawTick, 0, len(s.order))
	for _, code := range s.order {
		w := s.walkers[code]
		s.stepLocked(w)
		half := w.price * w.spread / 2
		ticks = append(ticks, model.RawTick{
			ProviderCode: code,
			Kind:         model.TickQuote,
			Bid:          w.price - half,
			Ask:          w.price + half,
			Timestamp:    now,
		})
	}
	return ticks
}

// Price 当前模拟中间价
func (s *Simulator) Price(code string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.walkers[code]
	if !ok {
		return 0, false
	}
	return w.price, true
}

func (s *Simulator) stepLocked(w *walker) {
	drift := (w.base - w.price) * s.reversion
	shock := s.rng.NormFloat64() * w.volatility * w.price
	next := w.price + drift + shock

	lo := w.base * (1 - s.maxDeviation)
	hi := w.base * (1 + s.maxDeviation)
	w.price = math.Min(math.Max(next, lo), hi)
}
