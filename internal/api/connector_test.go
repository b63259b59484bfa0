package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"market-feed/internal/model"
	"market-feed/internal/registry"
	"market-feed/internal/service"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func testOptions() Options {
	return Options{
		Provider: service.ProviderConfig{
			Name:                 "test",
			Token:                "secret",
			HeartbeatInterval:    time.Second,
			HandshakeTimeout:     time.Second,
			ReconnectBaseDelay:   time.Millisecond,
			ReconnectMaxDelay:    5 * time.Millisecond,
			MaxReconnectAttempts: 2,
			RequestTimeout:       time.Second,
		},
		Hybrid: service.HybridConfig{PollInterval: time.Hour},
		Simulation: service.SimulationConfig{
			TickInterval:  10 * time.Millisecond,
			MaxDeviation:  0.02,
			MeanReversion: 0.05,
		},
		TickBuffer: 512,
		Seed:       42,
	}
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func nextTick(t *testing.T, ch <-chan model.RawTick) model.RawTick {
	t.Helper()
	select {
	case tick, ok := <-ch:
		require.True(t, ok, "tick channel closed")
		return tick
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return model.RawTick{}
	}
}

func drain(ch <-chan model.RawTick) {
	for range ch {
	}
}

// pollServer 按请求中的代码返回一条成交
func pollServer(t *testing.T, requests *atomic.Int64) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		var q pollQuery
		if err := json.Unmarshal([]byte(r.URL.Query().Get("query")), &q); err != nil || len(q.Data.SymbolList) != 1 {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		code := q.Data.SymbolList[0].Code
		_, _ = w.Write([]byte(`{"ret":200,"msg":"ok","data":{"tick_list":[{"code":"` + code + `","tick_time":"1700000000000","price":"1.2345","volume":"1"}]}}`))
	}))
}

func TestStreamSubscribesAndDecodesPushes(t *testing.T) {
	subscriptions := make(chan []byte, 1)
	tokens := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokens <- r.URL.Query().Get("token")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscriptions <- msg

		frames := []string{
			`{"ret":200,"msg":"ok","cmd_id":22003,"seq_id":1,"trace":"x","data":{}}`,
			`{"cmd_id":22999,"data":{"code":"EURUSD","seq":"1","tick_time":"1700000000000","bids":[{"price":"1.0851","volume":"100"}],"asks":[{"price":"1.0853","volume":"90"}]}}`,
			`not json at all`,
			`{"cmd_id":22998,"data":{"code":"GOLD","seq":"2","tick_time":"1700000000500","price":"2350.5","volume":"1"}}`,
			`{"cmd_id":22999,"data":{"code":"BTCUSDT","tick_time":1700000001000,"bids":[{"price":65000.5,"volume":1}],"asks":[{"price":65010.25,"volume":1}]}}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	reg := registry.Default()
	opts := testOptions()
	opts.Provider.StreamURL = wsURL(srv)
	c := NewConnector(opts, reg, zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	assert.Equal(t, "secret", <-tokens)

	var sub struct {
		CmdID int        `json:"cmd_id"`
		Trace string     `json:"trace"`
		Data  symbolList `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-subscriptions, &sub))
	assert.Equal(t, cmdSubscribeDepth, sub.CmdID)
	assert.NotEmpty(t, sub.Trace)
	assert.Len(t, sub.Data.SymbolList, len(reg.ProviderCodes()))

	eur := nextTick(t, c.Ticks())
	assert.Equal(t, "EURUSD", eur.ProviderCode)
	assert.Equal(t, model.TickQuote, eur.Kind)
	assert.Equal(t, 1.0851, eur.Bid)
	assert.Equal(t, 1.0853, eur.Ask)
	assert.True(t, eur.Timestamp.Equal(time.UnixMilli(1700000000000)))

	gold := nextTick(t, c.Ticks())
	assert.Equal(t, "GOLD", gold.ProviderCode)
	assert.Equal(t, model.TickTrade, gold.Kind)
	assert.Equal(t, 2350.5, gold.Last)

	btc := nextTick(t, c.Ticks())
	assert.Equal(t, "BTCUSDT", btc.ProviderCode)
	assert.Equal(t, 65000.5, btc.Bid)
	assert.Equal(t, 65010.25, btc.Ask)

	st := c.Status()
	assert.True(t, st.Connected)
	assert.Equal(t, model.StateConnected, st.State)
	assert.Equal(t, model.ModeLive, st.Mode)
	assert.Equal(t, uint64(3), st.TotalTicksReceived)
	assert.Equal(t, uint64(1), st.MalformedFrames)

	c.Stop()
	assert.Equal(t, model.StateStopped, c.Status().State)
	drain(c.Ticks())
}

func TestHeartbeatIsSentPeriodically(t *testing.T) {
	var beats atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var f wsFrame
			if json.Unmarshal(msg, &f) == nil && f.CmdID == cmdHeartbeat {
				beats.Add(1)
				_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"cmd_id":22001,"data":{}}`))
			}
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Provider.StreamURL = wsURL(srv)
	opts.Provider.HeartbeatInterval = 20 * time.Millisecond
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return beats.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, model.StateConnected, c.Status().State)
}

func TestReconnectsAfterUpstreamDrop(t *testing.T) {
	var connections atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if connections.Add(1) == 1 {
			// 第一次连接读到订阅后立即断开
			_, _, _ = conn.ReadMessage()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Provider.StreamURL = wsURL(srv)
	opts.Provider.MaxReconnectAttempts = 5
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return connections.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return c.Status().Connected }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, c.Status().ReconnectAttempts, "a successful connection resets the attempt counter")
	assert.NotEmpty(t, c.Status().LastError)
}

func TestExhaustedReconnectsFallBackToSimulation(t *testing.T) {
	var dials atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dials.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Provider.StreamURL = wsURL(srv)
	opts.Provider.MaxReconnectAttempts = 2
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	require.Eventually(t, func() bool { return c.Status().State == model.StateSimulating }, 2*time.Second, 5*time.Millisecond)
	st := c.Status()
	assert.Equal(t, model.ModeSimulation, st.Mode)
	assert.False(t, st.Connected)
	assert.Equal(t, 3, st.ReconnectAttempts)

	tick := nextTick(t, c.Ticks())
	assert.Equal(t, model.TickQuote, tick.Kind)

	// 降级之后不会再尝试连接
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(3), dials.Load())
	st = c.Status()
	assert.Equal(t, model.StateSimulating, st.State)
	assert.NotEqual(t, model.StateConnecting, st.State)
}

func TestExhaustedReconnectsFallBackToPolling(t *testing.T) {
	ws := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ws.Close()
	var requests atomic.Int64
	poll := pollServer(t, &requests)
	defer poll.Close()

	opts := testOptions()
	opts.Provider.StreamURL = wsURL(ws)
	opts.Provider.PollURL = poll.URL
	opts.Provider.MaxReconnectAttempts = 0
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	tick := nextTick(t, c.Ticks())
	assert.Equal(t, model.TickTrade, tick.Kind)
	assert.Equal(t, 1.2345, tick.Last)

	st := c.Status()
	assert.Equal(t, model.StatePolling, st.State)
	assert.Equal(t, model.ModePolling, st.Mode)
	assert.False(t, st.Connected)
}

func TestRateLimitAbortsPollCycle(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Provider.PollURL = srv.URL
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))

	c.pollCycle(context.Background(), []string{"EURUSD", "GOLD", "BTCUSDT"})

	assert.Equal(t, int64(1), requests.Load())
	st := c.Status()
	assert.Equal(t, uint64(1), st.RateLimitHits)
	assert.Contains(t, st.LastError, "rate limited")
	assert.Empty(t, c.ticks)
}

func TestPollCycleHonoursRequestDelay(t *testing.T) {
	var requests atomic.Int64
	srv := pollServer(t, &requests)
	defer srv.Close()

	opts := testOptions()
	opts.Provider.PollURL = srv.URL
	opts.Hybrid.RequestDelay = 20 * time.Millisecond
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))

	start := time.Now()
	c.pollCycle(context.Background(), []string{"EURUSD", "GOLD", "BTCUSDT"})
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, int64(3), requests.Load())
	assert.Len(t, c.ticks, 3)
}

func TestRepeatedPollFailuresFallBackToSimulation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	opts := testOptions()
	opts.Provider.PollURL = srv.URL
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	c.ctx, c.cancel = context.WithCancel(context.Background())
	defer c.Stop()
	c.transition(model.StatePolling, model.ModePolling, "test")

	for i := 0; i < maxPollFailureCycles-1; i++ {
		c.pollCycle(c.ctx, []string{"EURUSD"})
		assert.Equal(t, model.StatePolling, c.Status().State)
	}
	c.pollCycle(c.ctx, []string{"EURUSD"})
	assert.Equal(t, model.StateSimulating, c.Status().State)
	assert.Equal(t, model.ModeSimulation, c.Status().Mode)
}

func TestNoTokenRunsFullSimulation(t *testing.T) {
	reg := registry.Default()
	opts := testOptions()
	opts.Provider.Token = ""
	c := NewConnector(opts, reg, zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	seen := make(map[string]bool)
	for len(seen) < len(reg.ProviderCodes()) {
		tick := nextTick(t, c.Ticks())
		assert.Greater(t, tick.Ask, tick.Bid)
		seen[tick.ProviderCode] = true
	}
	st := c.Status()
	assert.Equal(t, model.StateSimulating, st.State)
	assert.Equal(t, model.ModeSimulation, st.Mode)
	assert.Empty(t, st.LiveSymbols)
}

func TestHybridPollsLiveSymbolsAndSimulatesTheRest(t *testing.T) {
	var requests atomic.Int64
	poll := pollServer(t, &requests)
	defer poll.Close()

	opts := testOptions()
	opts.Provider.PollURL = poll.URL
	opts.Hybrid.Enabled = true
	opts.Hybrid.LiveSymbols = []string{"xauusd"}
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	st := c.Status()
	assert.Equal(t, model.ModeHybrid, st.Mode)
	assert.Equal(t, []string{"XAUUSD"}, st.LiveSymbols)
	assert.False(t, st.Connected)

	var liveGold, simulated int
	deadline := time.After(2 * time.Second)
	for liveGold == 0 || simulated == 0 {
		select {
		case tick := <-c.Ticks():
			if tick.ProviderCode == "GOLD" {
				require.Equal(t, model.TickTrade, tick.Kind, "live symbols are never simulated")
				liveGold++
				continue
			}
			simulated++
		case <-deadline:
			t.Fatal("timed out waiting for hybrid ticks")
		}
	}
	assert.Equal(t, int64(1), requests.Load())
}

func TestHybridRejectsUnknownLiveSymbol(t *testing.T) {
	opts := testOptions()
	opts.Provider.PollURL = "http://127.0.0.1:1"
	opts.Hybrid.Enabled = true
	opts.Hybrid.LiveSymbols = []string{"DOGEUSD"}
	c := NewConnector(opts, registry.Default(), zaptest.NewLogger(t))
	defer c.Stop()

	err := c.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestStopWithoutStartClosesTicks(t *testing.T) {
	c := NewConnector(testOptions(), registry.Default(), zaptest.NewLogger(t))
	c.Stop()
	c.Stop()
	_, ok := <-c.Ticks()
	assert.False(t, ok)
	assert.Error(t, c.Start(context.Background()))
}

func TestBackoffDelay(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{63, 30 * time.Second},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, backoffDelay(time.Second, 30*time.Second, tc.attempt), "attempt %d", tc.attempt)
	}
}
