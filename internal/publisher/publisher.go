// Package publisher 把聚合批次转发到外部消息总线 (Redis Pub/Sub、Kafka)。
// 每个 Publisher 以通配订阅者身份挂在 fanout.Hub 上，失败只影响自己。
package publisher

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"market-feed/internal/model"
)

const defaultPublishTimeout = 2 * time.Second

// Message 发布到外部的消息体，只包含本周期变化的品种
type Message struct {
	Timestamp time.Time           `json:"timestamp"`
	Prices    []model.PriceRecord `json:"prices"`
}

// NewMessage 从批次构造消息，品种按代码排序
func NewMessage(batch model.Batch) Message {
	prices := make([]model.PriceRecord, 0, len(batch.Updated))
	for _, rec := range batch.Updated {
		prices = append(prices, rec)
	}
	sort.Slice(prices, func(i, j int) bool { return prices[i].Symbol < prices[j].Symbol })
	return Message{Timestamp: batch.Timestamp, Prices: prices}
}

// Backend 具体的消息总线
type Backend interface {
	Name() string
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Publisher 把 fanout 回调适配到 Backend
type Publisher struct {
	backend Backend
	timeout time.Duration
	logger  *zap.Logger
}

func New(backend Backend, timeout time.Duration, logger *zap.Logger) *Publisher {
	if timeout <= 0 {
		timeout = defaultPublishTimeout
	}
	return &Publisher{
		backend: backend,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "publisher"), zap.String("backend", backend.Name())),
	}
}

// Handle 作为 fanout.Callback 使用
func (p *Publisher) Handle(batch model.Batch) error {
	if len(batch.Updated) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.backend.Publish(ctx, NewMessage(batch))
}

func (p *Publisher) Close() error {
	p.logger.Info("closing publisher")
	return p.backend.Close()
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}
