package normalizer

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"market-feed/internal/model"
	"market-feed/internal/registry"
)

// ErrRejected 报价不满足 bid>0, ask>0, ask>=bid，不进入缓存
var ErrRejected = errors.New("tick rejected")

// Normalizer 把原始报价转换为 PriceRecord，按注册表精度四舍五入 (half-up)。
// 无内部状态，可并发调用。
type Normalizer struct {
	reg *registry.Registry
	now func() time.Time
}

// New 创建 Normalizer
func New(reg *registry.Registry) *Normalizer {
	return &Normalizer{reg: reg, now: time.Now}
}

// Normalize 规范化一组 bid/ask
func (n *Normalizer) Normalize(symbol string, rawBid, rawAsk float64, ts time.Time) (model.PriceRecord, error) {
	inst, err := n.reg.Resolve(symbol)
	if err != nil {
		return model.PriceRecord{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !validPrice(rawBid) || !validPrice(rawAsk) {
		return model.PriceRecord{}, fmt.Errorf("%w: %s non-positive or non-finite price bid=%v ask=%v", ErrRejected, inst.Symbol, rawBid, rawAsk)
	}

	places := int32(inst.DecimalPlaces)
	bid := decimal.NewFromFloat(rawBid).Round(places)
	ask := decimal.NewFromFloat(rawAsk).Round(places)
	if !bid.IsPositive() || !ask.IsPositive() {
		return model.PriceRecord{}, fmt.Errorf("%w: %s price rounds to zero", ErrRejected, inst.Symbol)
	}
	if ask.LessThan(bid) {
		return model.PriceRecord{}, fmt.Errorf("%w: %s inverted spread bid=%s ask=%s", ErrRejected, inst.Symbol, bid, ask)
	}
	spread := ask.Sub(bid).Round(places)

	if ts.IsZero() {
		ts = n.now()
	}

	return model.PriceRecord{
		Symbol:    inst.Symbol,
		Bid:       bid.InexactFloat64(),
		Ask:       ask.InexactFloat64(),
		Spread:    spread.InexactFloat64(),
		Timestamp: ts,
		Category:  inst.Category,
	}, nil
}

// NormalizeLast 只有成交价时，按品种大类的典型点差估算 bid/ask
func (n *Normalizer) NormalizeLast(symbol string, last float64, ts time.Time) (model.PriceRecord, error) {
	inst, err := n.reg.Resolve(symbol)
	if err != nil {
		return model.PriceRecord{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if !validPrice(last) {
		return model.PriceRecord{}, fmt.Errorf("%w: %s invalid last price %v", ErrRejected, inst.Symbol, last)
	}
	half := last * registry.SpreadFraction(inst.Category) / 2
	return n.Normalize(inst.Symbol, last-half, last+half, ts)
}

// NormalizeRaw 根据 Tick 类型选择规范化路径
func (n *Normalizer) NormalizeRaw(tick model.RawTick) (model.PriceRecord, error) {
	symbol, ok := n.reg.SymbolOfProviderCode(tick.ProviderCode)
	if !ok {
		return model.PriceRecord{}, fmt.Errorf("%w: unknown provider code %s", ErrRejected, tick.ProviderCode)
	}
	switch tick.Kind {
	case model.TickTrade:
		return n.NormalizeLast(symbol, tick.Last, tick.Timestamp)
	default:
		return n.Normalize(symbol, tick.Bid, tick.Ask, tick.Timestamp)
	}
}

// RoundTo half-up 取整到 places 位小数
func RoundTo(v float64, places int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(int32(places)).InexactFloat64()
}

func validPrice(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v > 0
}
