package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"market-feed/internal/model"
	"market-feed/internal/service"
)

// ErrHistoryDisabled 未配置账号或令牌
var ErrHistoryDisabled = errors.New("history source not configured")

const defaultHistoryTimeout = 15 * time.Second

// metaCandle 历史接口返回的单根 K 线
type metaCandle struct {
	Time       flexTime  `json:"time"`
	Open       flexFloat `json:"open"`
	High       flexFloat `json:"high"`
	Low        flexFloat `json:"low"`
	Close      flexFloat `json:"close"`
	TickVolume flexFloat `json:"tickVolume"`
	Volume     flexFloat `json:"volume"`
}

// HistoryClient 历史 K 线 REST 客户端 (MetaAPI market-data 接口)
type HistoryClient struct {
	baseURL   string
	accountID string
	token     string
	client    *http.Client
}

// NewHistoryClient 根据配置创建客户端。BaseURL 中的 {region} 会被替换
func NewHistoryClient(cfg service.HistoryConfig, client *http.Client) *HistoryClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHistoryTimeout
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	base := strings.ReplaceAll(cfg.BaseURL, "{region}", cfg.Region)
	return &HistoryClient{
		baseURL:   strings.TrimRight(base, "/"),
		accountID: cfg.AccountID,
		token:     cfg.Token,
		client:    client,
	}
}

// Name 数据来源名称
func (h *HistoryClient) Name() string {
	return model.ProviderMetaAPI
}

// Enabled 是否配置了账号和令牌
func (h *HistoryClient) Enabled() bool {
	return h.baseURL != "" && h.accountID != "" && h.token != ""
}

// FetchCandles 获取截止到 before (含) 的最近 limit 根 K 线，按时间升序返回
func (h *HistoryClient) FetchCandles(ctx context.Context, symbol, timeframe string, before time.Time, limit int) ([]model.Candle, error) {
	if !h.Enabled() {
		return nil, ErrHistoryDisabled
	}

	endpoint := fmt.Sprintf("%s/users/current/accounts/%s/historical-market-data/symbols/%s/timeframes/%s/candles",
		h.baseURL, url.PathEscape(h.accountID), url.PathEscape(symbol), url.PathEscape(timeframe))
	q := url.Values{}
	if !before.IsZero() {
		q.Set("startTime", before.UTC().Format(time.RFC3339))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("auth-token", h.token)
	req.Header.Set("Accept", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("history request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("history request: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var raw []metaCandle
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}

	candles := make([]model.Candle, 0, len(raw))
	for _, mc := range raw {
		volume := float64(mc.Volume)
		if volume == 0 {
			volume = float64(mc.TickVolume)
		}
		c := model.Candle{
			Time:   mc.Time.UTC(),
			Open:   float64(mc.Open),
			High:   float64(mc.High),
			Low:    float64(mc.Low),
			Close:  float64(mc.Close),
			Volume: volume,
		}
		if c.Time.IsZero() || !c.Valid() {
			continue
		}
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}
