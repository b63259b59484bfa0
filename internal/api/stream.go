package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-feed/internal/metrics"
	"market-feed/internal/model"
)

const (
	defaultHeartbeat = 10 * time.Second
	writeTimeout     = 5 * time.Second
	readTimeoutBeats = 3 // 连续多少个心跳周期收不到任何消息视为断线
)

var errStreamClosed = errors.New("stream closed by upstream")

// runStream 推送主循环: 断线后按指数退避重连，次数耗尽后降级
func (c *Connector) runStream() {
	defer c.wg.Done()

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		c.transition(model.StateConnecting, model.ModeLive, "dialing")
		connected, err := c.streamOnce(c.ctx)
		if c.ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errStreamClosed
		}
		if connected {
			attempt = 0
		}
		attempt++
		metrics.Reconnects.Inc()
		c.setLastError(err)
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()

		if attempt > c.opts.Provider.MaxReconnectAttempts {
			c.logger.Error("Stream reconnect attempts exhausted",
				zap.Int("attempts", attempt), zap.Error(err))
			c.degrade(fmt.Sprintf("stream unavailable after %d attempts", attempt))
			return
		}

		delay := backoffDelay(c.opts.Provider.ReconnectBaseDelay, c.opts.Provider.ReconnectMaxDelay, attempt-1)
		c.transition(model.StateDisconnected, model.ModeLive, err.Error())
		c.logger.Warn("Stream disconnected, attempting to reconnect...",
			zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
		if !sleepContext(c.ctx, delay) {
			return
		}
	}
}

// streamOnce 建立一次连接并阻塞读取，返回是否曾经连接成功以及断开原因
func (c *Connector) streamOnce(ctx context.Context) (bool, error) {
	target, err := c.streamURL()
	if err != nil {
		return false, err
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.Provider.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, fmt.Errorf("dial stream: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	// 取消时关闭连接，使阻塞中的 ReadMessage 返回
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-connCtx.Done()
		conn.Close()
	}()

	c.transition(model.StateConnected, model.ModeLive, "stream connected")
	if err := c.subscribe(conn); err != nil {
		return true, fmt.Errorf("subscribe: %w", err)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.heartbeat(connCtx, conn, cancel)
	}()

	return true, c.readLoop(conn)
}

func (c *Connector) streamURL() (string, error) {
	u, err := url.Parse(c.opts.Provider.StreamURL)
	if err != nil {
		return "", fmt.Errorf("invalid stream url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.opts.Provider.Token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Connector) heartbeatInterval() time.Duration {
	if c.opts.Provider.HeartbeatInterval > 0 {
		return c.opts.Provider.HeartbeatInterval
	}
	return defaultHeartbeat
}

// subscribe 一次性订阅注册表中的全部品种
func (c *Connector) subscribe(conn *websocket.Conn) error {
	codes := c.registry.ProviderCodes()
	entries := make([]symbolEntry, 0, len(codes))
	for _, code := range codes {
		entries = append(entries, symbolEntry{Code: code, DepthLevel: defaultDepthLevel})
	}
	if err := c.writeFrame(conn, cmdSubscribeDepth, symbolList{SymbolList: entries}); err != nil {
		return err
	}
	c.logger.Info("Subscribed to upstream depth streams", zap.Int("codes", len(codes)))
	return nil
}

// heartbeat 周期发送心跳，写失败时取消连接
func (c *Connector) heartbeat(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.writeFrame(conn, cmdHeartbeat, struct{}{}); err != nil {
				c.logger.Warn("Heartbeat failed", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func (c *Connector) writeFrame(conn *websocket.Conn, cmd int, data any) error {
	frame := outFrame{
		CmdID: cmd,
		SeqID: c.seq.Add(1),
		Trace: uuid.NewString(),
		Data:  data,
	}
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

// readLoop 持续读取消息直到出错
func (c *Connector) readLoop(conn *websocket.Conn) error {
	readTimeout := readTimeoutBeats * c.heartbeatInterval()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		c.handleFrame(message)
	}
}

// handleFrame 解析单个帧。无法解析的帧只计数，不会中断连接
func (c *Connector) handleFrame(message []byte) {
	var frame wsFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.markMalformed(err, message)
		return
	}

	switch frame.CmdID {
	case cmdHeartbeatAck:
		c.logger.Debug("Heartbeat acknowledged", zap.Int64("seq", frame.SeqID))
	case cmdSubscribeDepthAck:
		if frame.Ret != 0 && frame.Ret != subscribeOK {
			err := fmt.Errorf("subscription rejected: ret=%d msg=%s", frame.Ret, frame.Msg)
			c.setLastError(err)
			c.logger.Error("Upstream rejected subscription", zap.Error(err))
			return
		}
		c.logger.Info("Subscription acknowledged")
	case cmdDepthPush:
		var push depthPush
		if err := json.Unmarshal(frame.Data, &push); err != nil {
			c.markMalformed(err, message)
			return
		}
		if push.Code == "" || len(push.Bids) == 0 || len(push.Asks) == 0 {
			c.markMalformed(errors.New("depth push without code or book levels"), message)
			return
		}
		c.emit(model.RawTick{
			ProviderCode: push.Code,
			Kind:         model.TickQuote,
			Bid:          float64(push.Bids[0].Price),
			Ask:          float64(push.Asks[0].Price),
			Timestamp:    push.TickTime.Time,
		}, sourceStream)
	case cmdTradePush:
		var push tradePush
		if err := json.Unmarshal(frame.Data, &push); err != nil {
			c.markMalformed(err, message)
			return
		}
		if push.Code == "" {
			c.markMalformed(errors.New("trade push without code"), message)
			return
		}
		c.emit(model.RawTick{
			ProviderCode: push.Code,
			Kind:         model.TickTrade,
			Last:         float64(push.Price),
			Timestamp:    push.TickTime.Time,
		}, sourceStream)
	default:
		c.logger.Debug("Ignoring upstream frame", zap.Int("cmd", frame.CmdID))
	}
}

func (c *Connector) markMalformed(err error, message []byte) {
	c.malformed.Add(1)
	metrics.MalformedFrames.Inc()
	c.logger.Warn("Malformed upstream frame", zap.Error(err), zap.Int("bytes", len(message)))
}
