package normalizer

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-feed/internal/model"
	"market-feed/internal/registry"
)

func newTestNormalizer() *Normalizer {
	n := New(registry.Default())
	n.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return n
}

func TestNormalizeRoundsHalfUp(t *testing.T) {
	n := newTestNormalizer()
	ts := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	rec, err := n.Normalize("EURUSD", 1.234565, 1.234575, ts)
	require.NoError(t, err)
	assert.Equal(t, 1.23457, rec.Bid)
	assert.Equal(t, 1.23458, rec.Ask)
	assert.Equal(t, 0.00001, rec.Spread)
	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, model.CategoryForex, rec.Category)

	gold, err := n.Normalize("xauusd", 2350.125, 2350.555, ts)
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", gold.Symbol)
	assert.Equal(t, 2350.13, gold.Bid)
	assert.Equal(t, 2350.56, gold.Ask)
	assert.Equal(t, 0.43, gold.Spread)
}

func TestNormalizeExampleSpread(t *testing.T) {
	n := newTestNormalizer()
	rec, err := n.Normalize("EURUSD", 1.23451, 1.23461, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1.23451, rec.Bid)
	assert.Equal(t, 1.23461, rec.Ask)
	assert.Equal(t, 0.0001, rec.Spread)
	// 未提供时间戳时使用接收时间
	assert.Equal(t, n.now(), rec.Timestamp)
}

func TestNormalizeRejectsInvalid(t *testing.T) {
	n := newTestNormalizer()
	cases := []struct {
		name     string
		symbol   string
		bid, ask float64
	}{
		{"zero bid", "EURUSD", 0, 1.1},
		{"negative ask", "EURUSD", 1.1, -1},
		{"nan", "EURUSD", math.NaN(), 1.1},
		{"inf", "EURUSD", 1.1, math.Inf(1)},
		{"inverted", "EURUSD", 1.2, 1.1},
		{"rounds to zero", "XAUUSD", 0.001, 0.002},
		{"unknown symbol", "DOGEUSD", 1, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := n.Normalize(tc.symbol, tc.bid, tc.ask, time.Time{})
			assert.ErrorIs(t, err, ErrRejected)
		})
	}
}

func TestNormalizeIsIdempotentAndKeepsBookOrdered(t *testing.T) {
	n := newTestNormalizer()
	rng := rand.New(rand.NewPCG(1, 2))
	ts := time.Unix(1700000000, 0)

	for _, inst := range registry.Default().All() {
		for i := 0; i < 200; i++ {
			bid := inst.BasePrice * (1 + (rng.Float64()-0.5)*0.02)
			ask := bid * (1 + rng.Float64()*0.001)

			first, err := n.Normalize(inst.Symbol, bid, ask, ts)
			require.NoError(t, err)

			second, err := n.Normalize(first.Symbol, first.Bid, first.Ask, first.Timestamp)
			require.NoError(t, err)
			assert.Equal(t, first, second, "normalize must be a fixed point for %s", inst.Symbol)

			assert.Greater(t, first.Bid, 0.0)
			assert.GreaterOrEqual(t, first.Ask, first.Bid)
			want := decimal.NewFromFloat(first.Ask).Sub(decimal.NewFromFloat(first.Bid)).Round(int32(inst.DecimalPlaces))
			assert.True(t, want.Equal(decimal.NewFromFloat(first.Spread)), "%s spread %v want %s", inst.Symbol, first.Spread, want)
		}
	}
}

func TestNormalizeLastEstimatesSpread(t *testing.T) {
	n := newTestNormalizer()
	rec, err := n.NormalizeLast("BTCUSD", 65000, time.Time{})
	require.NoError(t, err)
	assert.Less(t, rec.Bid, 65000.0)
	assert.Greater(t, rec.Ask, 65000.0)
	assert.InDelta(t, 65000*registry.SpreadFraction(model.CategoryCrypto), rec.Spread, 0.011)

	_, err = n.NormalizeLast("BTCUSD", -1, time.Time{})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestNormalizeRaw(t *testing.T) {
	n := newTestNormalizer()

	quote, err := n.NormalizeRaw(model.RawTick{ProviderCode: "GOLD", Kind: model.TickQuote, Bid: 2350.1, Ask: 2350.4})
	require.NoError(t, err)
	assert.Equal(t, "XAUUSD", quote.Symbol)
	assert.Equal(t, 2350.1, quote.Bid)

	trade, err := n.NormalizeRaw(model.RawTick{ProviderCode: "EURUSD", Kind: model.TickTrade, Last: 1.085})
	require.NoError(t, err)
	assert.Less(t, trade.Bid, trade.Ask)

	_, err = n.NormalizeRaw(model.RawTick{ProviderCode: "NOPE", Kind: model.TickQuote, Bid: 1, Ask: 2})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestRoundTo(t *testing.T) {
	assert.Equal(t, 1.24, RoundTo(1.235, 2))
	assert.Equal(t, 100.0, RoundTo(99.95, 1))
	assert.True(t, math.IsNaN(RoundTo(math.NaN(), 2)))
}
