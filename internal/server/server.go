// Package server 提供只读的 HTTP 查询接口和 WebSocket 行情推送
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"market-feed/internal/candle"
	"market-feed/internal/fanout"
	"market-feed/internal/model"
	"market-feed/internal/registry"
	"market-feed/internal/service"
	"market-feed/pkg/ta"
)

const defaultLiveTimeframe = "1m"

// Feed 服务端依赖的行情链路能力，*pipeline.Pipeline 实现了它
type Feed interface {
	Get(symbol string) (model.PriceRecord, bool)
	GetAll() map[string]model.PriceRecord
	GetByCategory() map[model.Category][]model.PriceRecord
	Status() model.Status
	Registry() *registry.Registry
	GetHistoricalCandles(ctx context.Context, req candle.Request) model.CandleSeries
	LiveCandles(symbol, timeframe string, limit int) ([]model.Candle, bool)
	Subscribe(filter string, cb fanout.Callback) fanout.Handle
	Unsubscribe(h fanout.Handle) bool
}

type Server struct {
	router   *gin.Engine
	http     *http.Server
	feed     Feed
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func New(addr string, feed Feed, logger *zap.Logger) *Server {
	s := &Server{
		feed:   feed,
		logger: logger.With(zap.String("component", "server")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	s.router = router
	s.registerRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler 供测试直接使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run 阻塞直到 Shutdown 被调用
func (s *Server) Run() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.router.GET("/status", s.getStatus)

	prices := s.router.Group("/prices")
	{
		prices.GET("", s.getPrices)
		prices.GET("/by-category", s.getPricesByCategory)
		prices.GET("/:symbol", s.getPrice)
	}

	candles := s.router.Group("/candles")
	{
		candles.GET("/:symbol", s.getCandles)
		candles.GET("/:symbol/live", s.getLiveCandles)
		candles.GET("/:symbol/indicators", s.getIndicators)
	}

	s.router.GET("/ws", s.serveWS)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.Status())
}

func (s *Server) getPrices(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.GetAll())
}

func (s *Server) getPricesByCategory(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.GetByCategory())
}

func (s *Server) getPrice(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	if !s.feed.Registry().IsSupported(symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + symbol})
		return
	}
	rec, ok := s.feed.Get(symbol)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no price yet for " + symbol})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) getCandles(c *gin.Context) {
	req := candle.Request{
		Symbol:    normalizeSymbol(c.Param("symbol")),
		Timeframe: c.DefaultQuery("timeframe", candle.DefaultTimeframe),
	}
	var err error
	if req.Limit, err = queryInt(c, "limit"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.From, err = service.ParseFlexibleTime(c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.To, err = service.ParseFlexibleTime(c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.feed.GetHistoricalCandles(c.Request.Context(), req))
}

func (s *Server) getLiveCandles(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	tf, _, err := candle.CanonicalTimeframe(c.DefaultQuery("timeframe", defaultLiveTimeframe))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := queryInt(c, "limit")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	candles, ok := s.feed.LiveCandles(symbol, tf, limit)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no live candles for " + symbol + " " + tf})
		return
	}
	c.JSON(http.StatusOK, model.CandleSeries{Symbol: symbol, Timeframe: tf, Provider: "live", Candles: candles})
}

// getIndicators 在历史 K 线上计算技术指标，数据来源与 /candles 相同
func (s *Server) getIndicators(c *gin.Context) {
	symbol := normalizeSymbol(c.Param("symbol"))
	if !s.feed.Registry().IsSupported(symbol) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + symbol})
		return
	}
	series := s.feed.GetHistoricalCandles(c.Request.Context(), candle.Request{
		Symbol:    symbol,
		Timeframe: c.DefaultQuery("timeframe", candle.DefaultTimeframe),
		Limit:     ta.DefaultLookback,
	})
	ind, err := ta.Compute(series.Candles)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"symbol":     series.Symbol,
		"timeframe":  series.Timeframe,
		"provider":   series.Provider,
		"indicators": ind,
	})
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// queryInt 缺省时返回 0
func queryInt(c *gin.Context, key string) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("invalid " + key + ": " + raw)
	}
	return n, nil
}
