package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"market-feed/internal/metrics"
	"market-feed/internal/pipeline"
	"market-feed/internal/server"
	"market-feed/internal/service"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := service.LoadConfig("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := service.InitLogger(cfg.Log.Level); err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer service.Logger.Sync()
	logger := service.Logger

	metrics.InitMetrics(prometheus.DefaultRegisterer)
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. 构建行情链路 (注册表、连接器、聚合器、缓存、分发、K 线)
	feed, err := pipeline.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	// 2. 启动链路，连接器会按配置选择推送、混合或模拟模式
	if err := feed.Start(ctx); err != nil {
		logger.Fatal("Failed to start pipeline", zap.Error(err))
	}

	// 3. 对外的 HTTP / WebSocket 接口
	srv := server.New(cfg.Server.Addr, feed, logger)
	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("HTTP server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown", zap.Error(err))
	}
	feed.Stop()
}
