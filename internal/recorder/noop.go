package recorder

import (
	"context"
	"time"

	"market-feed/internal/model"
)

// NoopRecorder 未配置 SQLite 时使用
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) UpsertCandles(_ context.Context, _, _ string, _ []model.Candle) error {
	return nil
}

func (n *NoopRecorder) QueryCandles(_ context.Context, _, _ string, _, _ time.Time, _ int) ([]model.Candle, error) {
	return nil, nil
}

func (n *NoopRecorder) Close() error { return nil }
