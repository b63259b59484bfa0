// Package ta 基于 K 线序列计算常用技术指标，供行情查询接口展示
package ta

import (
	"errors"
	"fmt"

	"github.com/markcheno/go-talib"

	"market-feed/internal/model"
)

const (
	maPeriod     = 20
	rsiPeriod    = 14
	bbandsPeriod = 20
	atrPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9

	// MinHistory MACD(12,26,9) 需要 slow+signal-1 根 K 线才有第一个有效值，留一根余量
	MinHistory = macdSlow + macdSignal

	// DefaultLookback 查询接口默认取的 K 线数量
	DefaultLookback = 100
)

var ErrInsufficientHistory = errors.New("not enough candles for indicators")

// Indicators 最新一根 K 线上的指标值
type Indicators struct {
	Candles  int     `json:"candles"`
	MA       float64 `json:"ma20"`
	RSI      float64 `json:"rsi14"`
	BBandsUp float64 `json:"bbandsUpper"`
	BBandsMd float64 `json:"bbandsMiddle"`
	BBandsDn float64 `json:"bbandsLower"`
	MACD     float64 `json:"macd"`
	MACDSig  float64 `json:"macdSignal"`
	MACDHist float64 `json:"macdHist"`
	ATR      float64 `json:"atr14"`
}

// Compute candles 须按时间升序
func Compute(candles []model.Candle) (Indicators, error) {
	if len(candles) < MinHistory {
		return Indicators{}, fmt.Errorf("%w: have %d, need %d", ErrInsufficientHistory, len(candles), MinHistory)
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	out := Indicators{Candles: len(candles)}
	out.MA = last(talib.Sma(closes, maPeriod))
	out.RSI = last(talib.Rsi(closes, rsiPeriod))

	up, mid, dn := talib.BBands(closes, bbandsPeriod, 2, 2, talib.SMA)
	out.BBandsUp, out.BBandsMd, out.BBandsDn = last(up), last(mid), last(dn)

	macd, signal, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	out.MACD, out.MACDSig, out.MACDHist = last(macd), last(signal), last(hist)

	// ATR 需要前一根收盘价
	out.ATR = last(talib.Atr(highs, lows, closes, atrPeriod))
	return out, nil
}

func last(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	return v[len(v)-1]
}
