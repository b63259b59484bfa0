package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"market-feed/internal/model"
)

var (
	// ErrRateLimited 上游返回限频，当前轮询周期应立即放弃
	ErrRateLimited = errors.New("upstream rate limited")
	// ErrNoData 上游没有该品种的最新成交
	ErrNoData = errors.New("upstream returned no ticks")
)

const retRateLimited = 429

// PollClient 单品种最新成交价的 HTTP 查询
type PollClient struct {
	url    string
	token  string
	client *http.Client
}

// NewPollClient 创建轮询客户端，client 为空时使用带超时的默认客户端
func NewPollClient(pollURL, token string, timeout time.Duration, client *http.Client) *PollClient {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &PollClient{url: pollURL, token: token, client: client}
}

// FetchLatest 查询单个上游代码的最新成交
func (p *PollClient) FetchLatest(ctx context.Context, code string) (model.RawTick, error) {
	query, err := json.Marshal(pollQuery{
		Trace: uuid.NewString(),
		Data:  symbolList{SymbolList: []symbolEntry{{Code: code}}},
	})
	if err != nil {
		return model.RawTick{}, err
	}

	u, err := url.Parse(p.url)
	if err != nil {
		return model.RawTick{}, fmt.Errorf("invalid poll url: %w", err)
	}
	q := u.Query()
	q.Set("token", p.token)
	q.Set("query", string(query))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.RawTick{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return model.RawTick{}, fmt.Errorf("poll %s: %w", code, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return model.RawTick{}, ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return model.RawTick{}, fmt.Errorf("poll %s: status %d: %s", code, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return model.RawTick{}, fmt.Errorf("decode poll response: %w", err)
	}
	if out.Ret == retRateLimited {
		return model.RawTick{}, ErrRateLimited
	}
	if out.Ret != 0 && out.Ret != subscribeOK {
		return model.RawTick{}, fmt.Errorf("poll %s: ret=%d msg=%s", code, out.Ret, out.Msg)
	}

	for _, t := range out.Data.TickList {
		if !strings.EqualFold(t.Code, code) {
			continue
		}
		return model.RawTick{
			ProviderCode: code,
			Kind:         model.TickTrade,
			Last:         float64(t.Price),
			Timestamp:    t.TickTime.Time,
		}, nil
	}
	return model.RawTick{}, ErrNoData
}
