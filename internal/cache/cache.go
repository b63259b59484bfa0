// Package cache 进程内最新价缓存: symbol -> PriceRecord。
// 只保存最新值，不保留历史；写入方只有聚合器，读取方任意。
package cache

import (
	"sort"
	"sync"

	"market-feed/internal/model"
)

// PriceCache 最新价缓存。每次写入整体替换一条记录，读方不会看到写了一半的记录
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]model.PriceRecord
}

func New() *PriceCache {
	return &PriceCache{prices: make(map[string]model.PriceRecord)}
}

// SetMany 在一次加锁内写入多条记录，覆盖写入 (last-write-wins)。这是唯一的写入口
func (c *PriceCache) SetMany(recs map[string]model.PriceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for symbol, rec := range recs {
		c.prices[symbol] = rec
	}
}

func (c *PriceCache) Get(symbol string) (model.PriceRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.prices[symbol]
	return rec, ok
}

// GetAll 返回全量快照 (副本)
func (c *PriceCache) GetAll() map[string]model.PriceRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.PriceRecord, len(c.prices))
	for symbol, rec := range c.prices {
		out[symbol] = rec
	}
	return out
}

// GetByCategory 按品种大类分组，组内按代码排序
func (c *PriceCache) GetByCategory() map[model.Category][]model.PriceRecord {
	c.mu.RLock()
	out := make(map[model.Category][]model.PriceRecord)
	for _, rec := range c.prices {
		out[rec.Category] = append(out[rec.Category], rec)
	}
	c.mu.RUnlock()

	for _, recs := range out {
		sort.Slice(recs, func(i, j int) bool { return recs[i].Symbol < recs[j].Symbol })
	}
	return out
}

func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.prices)
}
