package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"market-feed/internal/service"
)

// 上游推送协议的命令号
const (
	cmdHeartbeat         = 22000
	cmdHeartbeatAck      = 22001
	cmdSubscribeDepth    = 22002
	cmdSubscribeDepthAck = 22003
	cmdTradePush         = 22998 // 成交推送
	cmdDepthPush         = 22999 // 盘口推送
	subscribeOK          = 200
	defaultDepthLevel    = 1
)

// wsFrame 上游下发的通用帧结构，data 延迟解析
type wsFrame struct {
	CmdID int             `json:"cmd_id"`
	SeqID int64           `json:"seq_id"`
	Trace string          `json:"trace"`
	Ret   int             `json:"ret"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

// outFrame 发往上游的请求帧
type outFrame struct {
	CmdID int    `json:"cmd_id"`
	SeqID int64  `json:"seq_id"`
	Trace string `json:"trace"`
	Data  any    `json:"data"`
}

type symbolEntry struct {
	Code       string `json:"code"`
	DepthLevel int    `json:"depth_level,omitempty"`
}

type symbolList struct {
	SymbolList []symbolEntry `json:"symbol_list"`
}

// flexFloat 上游价格既可能是字符串也可能是数字
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := service.StringToFloat(s)
		if err != nil {
			return fmt.Errorf("invalid price %q: %w", s, err)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

// flexTime 毫秒时间戳 (字符串或数字) 或 RFC3339 字符串
type flexTime struct {
	time.Time
}

func (t *flexTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	s := string(b)
	if b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}
	parsed, err := service.ParseFlexibleTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

type bookLevel struct {
	Price  flexFloat `json:"price"`
	Volume flexFloat `json:"volume"`
}

// depthPush 盘口推送: {code, tick_time, bids:[{price,volume}], asks:[...]}
type depthPush struct {
	Code     string      `json:"code"`
	Seq      string      `json:"seq"`
	TickTime flexTime    `json:"tick_time"`
	Bids     []bookLevel `json:"bids"`
	Asks     []bookLevel `json:"asks"`
}

// tradePush 成交推送: {code, tick_time, price, volume}
type tradePush struct {
	Code     string    `json:"code"`
	Seq      string    `json:"seq"`
	TickTime flexTime  `json:"tick_time"`
	Price    flexFloat `json:"price"`
	Volume   flexFloat `json:"volume"`
}

// pollQuery HTTP 轮询接口的 query 参数 (JSON)
type pollQuery struct {
	Trace string     `json:"trace"`
	Data  symbolList `json:"data"`
}

// pollResponse HTTP 轮询接口的响应
type pollResponse struct {
	Ret  int    `json:"ret"`
	Msg  string `json:"msg"`
	Data struct {
		TickList []tradePush `json:"tick_list"`
	} `json:"data"`
}
