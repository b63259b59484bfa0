package model

import "time"

// Category 品种大类，决定点差、波动率等默认参数
type Category string

const (
	CategoryForex   Category = "Forex"
	CategoryMetals  Category = "Metals"
	CategoryCrypto  Category = "Crypto"
	CategoryIndices Category = "Indices"
)

// Instrument 注册表中的单个品种 (启动时加载，之后只读)
type Instrument struct {
	Symbol        string   `json:"symbol" yaml:"symbol"`               // 内部代码，例如 "EURUSD"
	ProviderCode  string   `json:"providerCode" yaml:"provider_code"`  // 上游代码，例如 "EURUSD" 或 "GOLD"
	Category      Category `json:"category" yaml:"category"`           // 品种大类
	DecimalPlaces int      `json:"decimalPlaces" yaml:"decimal_places"` // 报价精度 (小数位数)
	DisplayName   string   `json:"displayName" yaml:"display_name"`
	BasePrice     float64  `json:"basePrice" yaml:"base_price"` // 模拟行情和合成 K 线的锚定价格
}

// TickKind 原始 Tick 的类型
type TickKind string

const (
	TickQuote TickKind = "quote" // 盘口推送 (bid/ask)
	TickTrade TickKind = "trade" // 成交推送 (只有 last)
)

// RawTick 上游推送的原始 Tick，由 Connector 产生，交给 Normalizer 后即丢弃
type RawTick struct {
	ProviderCode string
	Kind         TickKind
	Bid          float64
	Ask          float64
	Last         float64
	Timestamp    time.Time // 上游时间，零值表示上游未提供
}

// PriceRecord 规范化后的报价，每次整体覆盖，不做部分更新
type PriceRecord struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Spread    float64   `json:"spread"`
	Timestamp time.Time `json:"timestamp"`
	Category  Category  `json:"category"`
}

// Mid 中间价
func (p PriceRecord) Mid() float64 {
	return (p.Bid + p.Ask) / 2
}

// SamePrice 判断两条记录的 bid/ask 是否一致 (聚合器用来去重)
func (p PriceRecord) SamePrice(other PriceRecord) bool {
	return p.Bid == other.Bid && p.Ask == other.Ask
}

// Candle 代表一根 K 线
type Candle struct {
	Time   time.Time `json:"time"` // 周期起始时间 (已对齐)
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Valid 检查 K 线形状: low <= min(open,close), high >= max(open,close)
func (c Candle) Valid() bool {
	if c.Open <= 0 || c.Close <= 0 || c.Low <= 0 {
		return false
	}
	return c.Low <= min(c.Open, c.Close) && c.High >= max(c.Open, c.Close)
}

// Batch 聚合器每个周期发出的一批更新
type Batch struct {
	Snapshot  map[string]PriceRecord `json:"snapshot"` // 全量缓存快照
	Updated   map[string]PriceRecord `json:"updated"`  // 本周期发生变化的品种
	Timestamp time.Time              `json:"timestamp"`
}

// Provider 名称，出现在 CandleSeries.Provider
const (
	ProviderMetaAPI    = "metaapi"
	ProviderStore      = "store"
	ProviderSimulation = "simulation"
)

// CandleSeries 历史 K 线查询结果
type CandleSeries struct {
	Symbol    string   `json:"symbol"`
	Timeframe string   `json:"timeframe"`
	Provider  string   `json:"provider"`
	Candles   []Candle `json:"candles"`
}
