// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Provider   ProviderConfig   `mapstructure:"Provider"`
	Hybrid     HybridConfig     `mapstructure:"Hybrid"`
	Simulation SimulationConfig `mapstructure:"Simulation"`
	History    HistoryConfig    `mapstructure:"History"`
	Pipeline   PipelineConfig   `mapstructure:"Pipeline"`
	Registry   RegistryConfig   `mapstructure:"Registry"`
	Publisher  PublisherConfig  `mapstructure:"Publisher"`
	Storage    StorageConfig    `mapstructure:"Storage"`
	Server     ServerConfig     `mapstructure:"Server"`
	Log        LogConfig        `mapstructure:"Log"`
}

// ProviderConfig 定义了上游行情源的连接信息
type ProviderConfig struct {
	Name                 string
	StreamURL            string        // WebSocket 推送地址
	PollURL              string        // HTTP 轮询地址 (单品种最新价)
	Token                string        // 为空时进入全模拟模式
	HeartbeatInterval    time.Duration // 心跳间隔
	HandshakeTimeout     time.Duration
	ReconnectBaseDelay   time.Duration // 指数退避基数
	ReconnectMaxDelay    time.Duration // 指数退避上限
	MaxReconnectAttempts int           // 超过后放弃推送，降级为轮询或模拟
	RequestTimeout       time.Duration
}

// HybridConfig 限频场景: 白名单品种走真实轮询，其余品种模拟
type HybridConfig struct {
	Enabled      bool
	LiveSymbols  []string
	PollInterval time.Duration // 两次轮询周期之间的间隔
	RequestDelay time.Duration // 同一周期内两次请求之间的间隔
}

// SimulationConfig 模拟行情参数
type SimulationConfig struct {
	TickInterval  time.Duration
	MaxDeviation  float64 // 相对基准价的最大偏离比例
	MeanReversion float64 // 每步向基准价回归的比例
}

// HistoryConfig 历史 K 线接口 (MetaAPI 风格)
type HistoryConfig struct {
	BaseURL   string // 可包含 {region} 占位符
	Region    string
	AccountID string
	Token     string
	Timeout   time.Duration
}

// PipelineConfig 聚合与分发参数
type PipelineConfig struct {
	AggregationInterval time.Duration // 聚合周期 (例如 250ms)
	IdleCycles          int           // 连续多少个空周期后停止定时器
	TickBuffer          int           // Connector -> Normalizer 通道容量
	SubscriberQueue     int           // 每个订阅者的待投递队列容量
}

type RegistryConfig struct {
	InstrumentsFile string // 为空时使用内置品种表
}

type PublisherConfig struct {
	Redis struct {
		Addr    string
		Channel string
	}
	Kafka struct {
		Brokers []string
		Topic   string
	}
}

type StorageConfig struct {
	SQLitePath string // 为空时不持久化 K 线
}

type ServerConfig struct {
	Addr string
}

type LogConfig struct {
	Level string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Provider.Name", "alltick")
	v.SetDefault("Provider.StreamURL", "wss://quote.alltick.io/quote-b-ws-api")
	v.SetDefault("Provider.PollURL", "https://quote.alltick.io/quote-b-api/trade-tick")
	v.SetDefault("Provider.Token", "")
	v.SetDefault("Provider.HeartbeatInterval", 10*time.Second)
	v.SetDefault("Provider.HandshakeTimeout", 10*time.Second)
	v.SetDefault("Provider.ReconnectBaseDelay", time.Second)
	v.SetDefault("Provider.ReconnectMaxDelay", 30*time.Second)
	v.SetDefault("Provider.MaxReconnectAttempts", 10)
	v.SetDefault("Provider.RequestTimeout", 10*time.Second)

	v.SetDefault("Hybrid.Enabled", false)
	v.SetDefault("Hybrid.LiveSymbols", []string{"EURUSD", "XAUUSD", "BTCUSD"})
	v.SetDefault("Hybrid.PollInterval", 60*time.Second)
	v.SetDefault("Hybrid.RequestDelay", 2*time.Second)

	v.SetDefault("Simulation.TickInterval", time.Second)
	v.SetDefault("Simulation.MaxDeviation", 0.02)
	v.SetDefault("Simulation.MeanReversion", 0.05)

	v.SetDefault("History.BaseURL", "https://mt-market-data-client-api-v1.{region}.agiliumtrade.ai")
	v.SetDefault("History.Region", "new-york")
	v.SetDefault("History.AccountID", "")
	v.SetDefault("History.Token", "")
	v.SetDefault("History.Timeout", 15*time.Second)

	v.SetDefault("Pipeline.AggregationInterval", 250*time.Millisecond)
	v.SetDefault("Pipeline.IdleCycles", 40)
	v.SetDefault("Pipeline.TickBuffer", 2048)
	v.SetDefault("Pipeline.SubscriberQueue", 64)

	v.SetDefault("Registry.InstrumentsFile", "")
	v.SetDefault("Publisher.Redis.Addr", "")
	v.SetDefault("Publisher.Redis.Channel", "market.prices")
	v.SetDefault("Publisher.Kafka.Brokers", []string{})
	v.SetDefault("Publisher.Kafka.Topic", "market.prices")
	v.SetDefault("Storage.SQLitePath", "")
	v.SetDefault("Server.Addr", ":8080")
	v.SetDefault("Log.Level", "info")
}

// LoadConfig 读取并解析配置文件；文件不存在时只使用默认值和环境变量
// 环境变量示例: MARKETFEED_PROVIDER_TOKEN, MARKETFEED_HYBRID_ENABLED
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config") // 文件名是 config
	v.SetConfigType("yaml")   // 文件类型是 yaml
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("MARKETFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置是否合法
func (c *Config) Validate() error {
	if c.Pipeline.AggregationInterval <= 0 {
		return fmt.Errorf("Pipeline.AggregationInterval must be positive")
	}
	if c.Provider.ReconnectBaseDelay <= 0 || c.Provider.ReconnectMaxDelay < c.Provider.ReconnectBaseDelay {
		return fmt.Errorf("Provider reconnect delays are inconsistent")
	}
	if c.Provider.MaxReconnectAttempts < 0 {
		return fmt.Errorf("Provider.MaxReconnectAttempts must not be negative")
	}
	if c.Simulation.MaxDeviation <= 0 || c.Simulation.MaxDeviation >= 1 {
		return fmt.Errorf("Simulation.MaxDeviation must be in (0,1)")
	}
	if c.Hybrid.Enabled && len(c.Hybrid.LiveSymbols) == 0 {
		return fmt.Errorf("Hybrid.LiveSymbols is required when hybrid mode is enabled")
	}
	return nil
}
