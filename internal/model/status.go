package model

import "time"

// ConnectorState 连接器状态机的状态
type ConnectorState string

const (
	StateDisconnected ConnectorState = "DISCONNECTED"
	StateConnecting   ConnectorState = "CONNECTING"
	StateConnected    ConnectorState = "CONNECTED"
	StatePolling      ConnectorState = "POLLING"    // 降级: HTTP 轮询
	StateSimulating   ConnectorState = "SIMULATING" // 终态降级: 全部模拟
	StateStopped      ConnectorState = "STOPPED"
)

// Mode 对外暴露的数据模式
type Mode string

const (
	ModeLive       Mode = "live"
	ModeHybrid     Mode = "hybrid" // 白名单品种轮询真实数据，其余模拟
	ModePolling    Mode = "polling"
	ModeSimulation Mode = "simulation"
)

// Status 连接器状态快照，供运维面板使用
type Status struct {
	Connected          bool           `json:"connected"`
	State              ConnectorState `json:"state"`
	Mode               Mode           `json:"mode"`
	TotalTicksReceived uint64         `json:"totalTicksReceived"`
	DroppedTicks       uint64         `json:"droppedTicks"`
	MalformedFrames    uint64         `json:"malformedFrames"`
	RateLimitHits      uint64         `json:"rateLimitHits"`
	ReconnectAttempts  int            `json:"reconnectAttempts"`
	LastError          string         `json:"lastError,omitempty"`
	Uptime             time.Duration  `json:"uptime"`
	LiveSymbols        []string       `json:"liveSymbols,omitempty"` // 仅 hybrid 模式下有值
}
