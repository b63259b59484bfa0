// Package fanout 把聚合器的每一批更新分发给所有订阅者。
//
// 每个订阅者拥有独立的投递 goroutine 和有界队列:
// 同一订阅者的批次按发出顺序串行投递，慢订阅者只会丢自己的批次，不会拖慢其他订阅者。
package fanout

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-feed/internal/metrics"
	"market-feed/internal/model"
)

// Wildcard 订阅全部品种
const Wildcard = "*"

const defaultQueueSize = 64

// Callback 订阅回调。Batch 中的 map 由所有订阅者共享，回调内只读
type Callback func(batch model.Batch) error

// Handle 订阅句柄
type Handle struct {
	ID     string
	Filter string
}

type subscriber struct {
	id     string
	filter string
	cb     Callback
	queue  chan model.Batch
	done   chan struct{}
	closed atomic.Bool
}

func (s *subscriber) matches(batch model.Batch) bool {
	if s.filter == Wildcard {
		return true
	}
	_, ok := batch.Updated[s.filter]
	return ok
}

// Hub 订阅者注册表。订阅者列表采用 copy-on-write，投递期间的订阅/退订不会造成漏投或重投
type Hub struct {
	mu        sync.Mutex
	subs      atomic.Pointer[[]*subscriber]
	queueSize int
	logger    *zap.Logger
	wg        sync.WaitGroup
	closed    bool
}

// NewHub 创建 Hub，queueSize<=0 时使用默认队列长度
func NewHub(queueSize int, logger *zap.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	h := &Hub{
		queueSize: queueSize,
		logger:    logger.With(zap.String("component", "fanout")),
	}
	empty := make([]*subscriber, 0)
	h.subs.Store(&empty)
	return h
}

// Subscribe 注册订阅。filter 为品种代码或 "*" (空字符串等同于 "*")
func (h *Hub) Subscribe(filter string, cb Callback) Handle {
	filter = strings.ToUpper(strings.TrimSpace(filter))
	if filter == "" {
		filter = Wildcard
	}
	s := &subscriber{
		id:     uuid.NewString(),
		filter: filter,
		cb:     cb,
		queue:  make(chan model.Batch, h.queueSize),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		s.closed.Store(true)
		close(s.done)
		return Handle{ID: s.id, Filter: filter}
	}
	cur := *h.subs.Load()
	next := make([]*subscriber, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, s)
	h.subs.Store(&next)

	h.wg.Add(1)
	go h.run(s)

	metrics.Subscribers.Inc()
	h.logger.Debug("subscriber added", zap.String("id", s.id), zap.String("filter", filter))
	return Handle{ID: s.id, Filter: filter}
}

// Unsubscribe 同步退订。返回后该订阅者最多还有一次正在进行中的回调
func (h *Hub) Unsubscribe(handle Handle) bool {
	h.mu.Lock()
	cur := *h.subs.Load()
	var target *subscriber
	next := make([]*subscriber, 0, len(cur))
	for _, s := range cur {
		if s.id == handle.ID {
			target = s
			continue
		}
		next = append(next, s)
	}
	if target == nil {
		h.mu.Unlock()
		return false
	}
	h.subs.Store(&next)
	h.mu.Unlock()

	target.closed.Store(true)
	close(target.done)
	metrics.Subscribers.Dec()
	return true
}

// Publish 把一批更新放入所有匹配订阅者的队列，不阻塞
func (h *Hub) Publish(batch model.Batch) {
	for _, s := range *h.subs.Load() {
		if !s.matches(batch) {
			continue
		}
		select {
		case s.queue <- batch:
		default:
			metrics.SubscriberDrops.Inc()
			h.logger.Warn("subscriber queue full, dropping batch",
				zap.String("id", s.id), zap.String("filter", s.filter))
		}
	}
}

// Count 当前订阅者数量
func (h *Hub) Count() int {
	return len(*h.subs.Load())
}

// Close 退订全部订阅者并等待投递 goroutine 退出。不要在回调中调用
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	cur := *h.subs.Load()
	empty := make([]*subscriber, 0)
	h.subs.Store(&empty)
	h.mu.Unlock()

	for _, s := range cur {
		s.closed.Store(true)
		close(s.done)
		metrics.Subscribers.Dec()
	}
	h.wg.Wait()
}

func (h *Hub) run(s *subscriber) {
	defer h.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case batch := <-s.queue:
			if s.closed.Load() {
				return
			}
			if err := h.deliver(s, batch); err != nil {
				metrics.SubscriberFailures.Inc()
				h.logger.Warn("subscriber callback failed",
					zap.String("id", s.id), zap.String("filter", s.filter), zap.Error(err))
			}
		}
	}
}

// deliver 调用回调并把 panic 转换为 error，保证投递循环不会崩溃
func (h *Hub) deliver(s *subscriber, batch model.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return s.cb(batch)
}
