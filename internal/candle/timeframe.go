package candle

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"market-feed/internal/service"
)

// Timeframes 支持的 K 线周期
var Timeframes = []string{"1m", "5m", "15m", "30m", "1h", "4h", "1d", "1w"}

// CanonicalTimeframe 解析周期字符串并返回标准写法，例如 "60m" -> "1h"、"7d" -> "1w"。
// 标准写法必须在 Timeframes 中
func CanonicalTimeframe(tf string) (string, time.Duration, error) {
	d, err := service.ParseIntervalDuration(strings.ToLower(strings.TrimSpace(tf)))
	if err != nil {
		return "", 0, fmt.Errorf("unsupported timeframe: %q", tf)
	}
	key := service.FormatInterval(d)
	if !slices.Contains(Timeframes, key) {
		return "", 0, fmt.Errorf("unsupported timeframe: %q", tf)
	}
	return key, d, nil
}

// ParseTimeframe 只返回周期长度
func ParseTimeframe(tf string) (time.Duration, error) {
	_, d, err := CanonicalTimeframe(tf)
	return d, err
}

// Align 把时间对齐到周期起点 (UTC)。1w 对齐到周一 00:00
func Align(t time.Time, period time.Duration) time.Time {
	return t.UTC().Truncate(period)
}
