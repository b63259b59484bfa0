package aggregator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"market-feed/internal/cache"
	"market-feed/internal/model"
	"market-feed/internal/normalizer"
	"market-feed/internal/registry"
)

type captureSink struct {
	mu      sync.Mutex
	batches []model.Batch
}

func (s *captureSink) Publish(b model.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
}

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *captureSink) last() model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[len(s.batches)-1]
}

func newTestAggregator(t *testing.T, interval time.Duration, idle int) (*TickAggregator, *cache.PriceCache, *captureSink) {
	c := cache.New()
	sink := &captureSink{}
	return New(interval, idle, c, sink, zaptest.NewLogger(t)), c, sink
}

func mustNormalize(t *testing.T, n *normalizer.Normalizer, symbol string, bid, ask float64) model.PriceRecord {
	rec, err := n.Normalize(symbol, bid, ask, time.Time{})
	require.NoError(t, err)
	return rec
}

func TestBurstWithinWindowEmitsLastValueOnce(t *testing.T) {
	agg, c, sink := newTestAggregator(t, time.Hour, 1)
	n := normalizer.New(registry.Default())

	agg.Push(mustNormalize(t, n, "EURUSD", 1.23451, 1.23461))
	agg.Push(mustNormalize(t, n, "EURUSD", 1.23452, 1.23462))
	agg.Push(mustNormalize(t, n, "EURUSD", 1.23451, 1.23461))

	batch, emitted := agg.Flush()
	require.True(t, emitted)
	require.Equal(t, 1, sink.count())
	require.Len(t, batch.Updated, 1)

	rec := batch.Updated["EURUSD"]
	assert.Equal(t, 1.23451, rec.Bid)
	assert.Equal(t, 1.23461, rec.Ask)
	assert.Equal(t, 0.0001, rec.Spread)

	cached, ok := c.Get("EURUSD")
	require.True(t, ok)
	assert.Equal(t, rec, cached)
	assert.Equal(t, rec, batch.Snapshot["EURUSD"])
}

func TestUnchangedPriceIsSuppressed(t *testing.T) {
	agg, _, sink := newTestAggregator(t, time.Hour, 1)
	rec := model.PriceRecord{Symbol: "XAUUSD", Bid: 2350.1, Ask: 2350.4, Spread: 0.3, Category: model.CategoryMetals}

	for i := 0; i < 10; i++ {
		agg.Push(rec)
	}
	_, emitted := agg.Flush()
	require.True(t, emitted)

	// 同样的 bid/ask 再次到达 -> 不发出
	for i := 0; i < 10; i++ {
		later := rec
		later.Timestamp = time.Now()
		agg.Push(later)
	}
	_, emitted = agg.Flush()
	assert.False(t, emitted)
	assert.Equal(t, 1, sink.count())

	// 缓冲区每个周期都会被清空
	_, emitted = agg.Flush()
	assert.False(t, emitted)
	assert.Equal(t, 1, sink.count())
}

func TestOnlyChangedInstrumentsInDelta(t *testing.T) {
	agg, _, sink := newTestAggregator(t, time.Hour, 1)
	eur := model.PriceRecord{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2, Category: model.CategoryForex}
	gold := model.PriceRecord{Symbol: "XAUUSD", Bid: 2350, Ask: 2351, Category: model.CategoryMetals}

	agg.Push(eur)
	agg.Push(gold)
	agg.Flush()

	eur2 := eur
	eur2.Ask = 1.21
	agg.Push(eur2)
	agg.Push(gold)
	batch, emitted := agg.Flush()
	require.True(t, emitted)
	assert.Len(t, batch.Updated, 1)
	assert.Contains(t, batch.Updated, "EURUSD")
	assert.Len(t, batch.Snapshot, 2)
	assert.Equal(t, 2, sink.count())
}

func TestEmptyFlushIsNoop(t *testing.T) {
	agg, _, sink := newTestAggregator(t, time.Hour, 1)
	_, emitted := agg.Flush()
	assert.False(t, emitted)
	assert.Zero(t, sink.count())
}

func TestTimerStartsLazilyAndStopsWhenIdle(t *testing.T) {
	agg, _, sink := newTestAggregator(t, 10*time.Millisecond, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	agg.Start(ctx)
	assert.False(t, agg.Running(), "timer must not run before the first tick")

	agg.Push(model.PriceRecord{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2})
	assert.True(t, agg.Running())
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 2*time.Millisecond)

	require.Eventually(t, func() bool { return !agg.Running() }, time.Second, 2*time.Millisecond)

	// 新的 Tick 会重新启动定时器
	agg.Push(model.PriceRecord{Symbol: "EURUSD", Bid: 1.15, Ask: 1.25})
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 1.15, sink.last().Updated["EURUSD"].Bid)

	agg.Stop()
	assert.False(t, agg.Running())
}

func TestPushAfterStopDoesNotStartTimer(t *testing.T) {
	agg, _, sink := newTestAggregator(t, 5*time.Millisecond, 1)
	agg.Start(context.Background())
	agg.Stop()

	agg.Push(model.PriceRecord{Symbol: "EURUSD", Bid: 1.1, Ask: 1.2})
	assert.False(t, agg.Running())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.count())
}
