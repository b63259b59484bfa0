package recorder

import (
	"context"
	"time"

	"market-feed/internal/model"
)

// Recorder 持久化历史 K 线。上游历史接口不可用时，K 线查询优先使用这里的数据
type Recorder interface {
	UpsertCandles(ctx context.Context, symbol, timeframe string, candles []model.Candle) error
	// QueryCandles 返回 [from, to] 内最近的 limit 根 K 线，按时间升序。from/to 为零值表示不限
	QueryCandles(ctx context.Context, symbol, timeframe string, from, to time.Time, limit int) ([]model.Candle, error)
	Close() error
}
