package registry

import "market-feed/internal/model"

var builtinInstruments = []model.Instrument{
	// 外汇
	{Symbol: "EURUSD", ProviderCode: "EURUSD", Category: model.CategoryForex, DecimalPlaces: 5, DisplayName: "EUR/USD", BasePrice: 1.0850},
	{Symbol: "GBPUSD", ProviderCode: "GBPUSD", Category: model.CategoryForex, DecimalPlaces: 5, DisplayName: "GBP/USD", BasePrice: 1.2700},
	{Symbol: "USDJPY", ProviderCode: "USDJPY", Category: model.CategoryForex, DecimalPlaces: 3, DisplayName: "USD/JPY", BasePrice: 149.50},
	{Symbol: "USDCHF", ProviderCode: "USDCHF", Category: model.CategoryForex, DecimalPlaces: 5, DisplayName: "USD/CHF", BasePrice: 0.8800},
	{Symbol: "AUDUSD", ProviderCode: "AUDUSD", Category: model.CategoryForex, DecimalPlaces: 5, DisplayName: "AUD/USD", BasePrice: 0.6550},
	{Symbol: "USDCAD", ProviderCode: "USDCAD", Category: model.CategoryForex, DecimalPlaces: 5, DisplayName: "USD/CAD", BasePrice: 1.3600},
	{Symbol: "NZDUSD", ProviderCode: "NZDUSD", Category: model.CategoryForex, DecimalPlaces: 5, DisplayName: "NZD/USD", BasePrice: 0.6100},
	{Symbol: "EURJPY", ProviderCode: "EURJPY", Category: model.CategoryForex, DecimalPlaces: 3, DisplayName: "EUR/JPY", BasePrice: 162.20},

	// 贵金属
	{Symbol: "XAUUSD", ProviderCode: "GOLD", Category: model.CategoryMetals, DecimalPlaces: 2, DisplayName: "Gold", BasePrice: 2350.00},
	{Symbol: "XAGUSD", ProviderCode: "Silver", Category: model.CategoryMetals, DecimalPlaces: 3, DisplayName: "Silver", BasePrice: 28.500},

	// 加密货币
	{Symbol: "BTCUSD", ProviderCode: "BTCUSDT", Category: model.CategoryCrypto, DecimalPlaces: 2, DisplayName: "Bitcoin", BasePrice: 65000.00},
	{Symbol: "ETHUSD", ProviderCode: "ETHUSDT", Category: model.CategoryCrypto, DecimalPlaces: 2, DisplayName: "Ethereum", BasePrice: 3200.00},
	{Symbol: "SOLUSD", ProviderCode: "SOLUSDT", Category: model.CategoryCrypto, DecimalPlaces: 3, DisplayName: "Solana", BasePrice: 150.000},

	// 指数
	{Symbol: "US30", ProviderCode: "US30", Category: model.CategoryIndices, DecimalPlaces: 1, DisplayName: "Dow Jones 30", BasePrice: 39000.0},
	{Symbol: "US500", ProviderCode: "SPX", Category: model.CategoryIndices, DecimalPlaces: 2, DisplayName: "S&P 500", BasePrice: 5200.00},
	{Symbol: "NAS100", ProviderCode: "NDX", Category: model.CategoryIndices, DecimalPlaces: 2, DisplayName: "Nasdaq 100", BasePrice: 18200.00},
	{Symbol: "GER40", ProviderCode: "GDAXI", Category: model.CategoryIndices, DecimalPlaces: 1, DisplayName: "DAX 40", BasePrice: 18000.0},
}

// 每个大类的典型点差 (相对价格的比例)，用于只有成交价时估算点差以及模拟行情
var categorySpread = map[model.Category]float64{
	model.CategoryForex:   0.00008,
	model.CategoryMetals:  0.00015,
	model.CategoryCrypto:  0.0004,
	model.CategoryIndices: 0.0001,
}

// 每个大类单根 K 线 (按 1h 计) 的收盘价波动率
var categoryVolatility = map[model.Category]float64{
	model.CategoryForex:   0.0012,
	model.CategoryMetals:  0.0030,
	model.CategoryCrypto:  0.0080,
	model.CategoryIndices: 0.0025,
}

// SpreadFraction 大类的典型点差比例
func SpreadFraction(c model.Category) float64 {
	if f, ok := categorySpread[c]; ok {
		return f
	}
	return categorySpread[model.CategoryForex]
}

// Volatility 大类的波动率常量
func Volatility(c model.Category) float64 {
	if v, ok := categoryVolatility[c]; ok {
		return v
	}
	return categoryVolatility[model.CategoryForex]
}
