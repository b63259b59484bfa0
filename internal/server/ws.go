package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-feed/internal/fanout"
	"market-feed/internal/model"
	"market-feed/internal/publisher"
)

const (
	clientQueue      = 32
	clientWriteWait  = 5 * time.Second
	clientPingPeriod = 30 * time.Second
	clientPongWait   = 2 * clientPingPeriod
)

var (
	errClientGone = errors.New("websocket client disconnected")
	errClientSlow = errors.New("websocket client queue full")
)

// wsClient 单个 WebSocket 连接。fanout 回调只入队，写操作全部在 writeLoop 中完成
type wsClient struct {
	conn   *websocket.Conn
	filter string
	send   chan model.Batch
	done   chan struct{}
	once   sync.Once
	logger *zap.Logger
}

func (w *wsClient) enqueue(batch model.Batch) error {
	select {
	case <-w.done:
		return errClientGone
	default:
	}
	select {
	case w.send <- batch:
		return nil
	default:
		return errClientSlow
	}
}

func (w *wsClient) close() {
	w.once.Do(func() { close(w.done) })
}

// readLoop 只处理 pong 和关闭，客户端发来的内容直接丢弃
func (w *wsClient) readLoop() {
	defer w.close()
	_ = w.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	w.conn.SetPongHandler(func(string) error {
		return w.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	})
	for {
		if _, _, err := w.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (w *wsClient) writeLoop(first publisher.Message) {
	ping := time.NewTicker(clientPingPeriod)
	defer ping.Stop()

	if err := w.write(first); err != nil {
		return
	}
	for {
		select {
		case <-w.done:
			return
		case batch := <-w.send:
			if err := w.write(publisher.NewMessage(onlyFilter(batch, w.filter))); err != nil {
				w.logger.Debug("WebSocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(clientWriteWait)); err != nil {
				return
			}
		}
	}
}

func (w *wsClient) write(msg publisher.Message) error {
	if err := w.conn.SetWriteDeadline(time.Now().Add(clientWriteWait)); err != nil {
		return err
	}
	return w.conn.WriteJSON(msg)
}

// serveWS 推送聚合后的增量，连接建立时先发送一次当前快照
func (s *Server) serveWS(c *gin.Context) {
	filter := fanout.Wildcard
	if symbol := normalizeSymbol(c.Query("symbol")); symbol != "" && symbol != fanout.Wildcard {
		if !s.feed.Registry().IsSupported(symbol) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown symbol: " + symbol})
			return
		}
		filter = symbol
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	client := &wsClient{
		conn:   conn,
		filter: filter,
		send:   make(chan model.Batch, clientQueue),
		done:   make(chan struct{}),
		logger: s.logger,
	}
	handle := s.feed.Subscribe(filter, client.enqueue)
	defer s.feed.Unsubscribe(handle)
	s.logger.Info("WebSocket client connected", zap.String("filter", filter), zap.String("remote", c.ClientIP()))

	go client.readLoop()
	client.writeLoop(s.snapshot(filter))
	client.close()
	s.logger.Info("WebSocket client disconnected", zap.String("filter", filter))
}

func (s *Server) snapshot(filter string) publisher.Message {
	prices := s.feed.GetAll()
	batch := model.Batch{Snapshot: prices, Updated: prices, Timestamp: time.Now().UTC()}
	return publisher.NewMessage(onlyFilter(batch, filter))
}

// onlyFilter 单品种订阅只推送该品种，批次中的 map 是共享的，这里构造新 map
func onlyFilter(batch model.Batch, filter string) model.Batch {
	if filter == fanout.Wildcard {
		return batch
	}
	only := make(map[string]model.PriceRecord, 1)
	if rec, ok := batch.Updated[filter]; ok {
		only[filter] = rec
	}
	batch.Updated = only
	return batch
}
