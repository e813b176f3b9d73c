package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
)

const defaultHTTPTimeout = 15 * time.Second

// HTTPConfig 描述指标后端的访问参数。
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider 通过 HTTP 调用指标后端，同时实现四个分析接口。
type HTTPProvider struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPProvider 根据配置创建指标后端客户端。
func NewHTTPProvider(cfg HTTPConfig) (*HTTPProvider, error) {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		return nil, errors.New("未提供指标后端地址")
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}

	return &HTTPProvider{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// MemeMetrics 查询 meme 指标。
func (p *HTTPProvider) MemeMetrics(ctx context.Context, token string, tf Timeframe) (Snapshot[MemeMetrics], error) {
	var data MemeMetrics
	err := p.get(ctx, "/v1/meme-metrics", url.Values{
		"token":     {token},
		"timeframe": {string(tf)},
	}, token, &data)
	if err != nil {
		return Snapshot[MemeMetrics]{}, err
	}
	data.Token = token
	data.Timeframe = tf
	return NewSnapshot(data), nil
}

// OptimizeLaunch 查询发射参数优化建议。
func (p *HTTPProvider) OptimizeLaunch(ctx context.Context, ticker string) (Snapshot[LaunchParams], error) {
	var data LaunchParams
	err := p.get(ctx, "/v1/launch-params", url.Values{"ticker": {ticker}}, ticker, &data)
	if err != nil {
		return Snapshot[LaunchParams]{}, err
	}
	return NewSnapshot(data), nil
}

// Sentiment 查询社媒情绪。
func (p *HTTPProvider) Sentiment(ctx context.Context, token string, tf Timeframe, whales, influencers bool) (Snapshot[MarketSentiment], error) {
	var data MarketSentiment
	err := p.get(ctx, "/v1/sentiment", url.Values{
		"token":       {token},
		"timeframe":   {string(tf)},
		"whales":      {strconv.FormatBool(whales)},
		"influencers": {strconv.FormatBool(influencers)},
	}, token, &data)
	if err != nil {
		return Snapshot[MarketSentiment]{}, err
	}
	data.Token = token
	data.Timeframe = tf
	return NewSnapshot(data), nil
}

// Predict 查询价格预测。
func (p *HTTPProvider) Predict(ctx context.Context, token string, tf Timeframe) (Snapshot[PricePrediction], error) {
	var data PricePrediction
	err := p.get(ctx, "/v1/prediction", url.Values{
		"token":     {token},
		"timeframe": {string(tf)},
	}, token, &data)
	if err != nil {
		return Snapshot[PricePrediction]{}, err
	}
	data.Token = token
	data.Timeframe = tf
	return NewSnapshot(data), nil
}

// Liquidity 查询流动性分布。
func (p *HTTPProvider) Liquidity(ctx context.Context, token string) (Snapshot[LiquidityProfile], error) {
	var data LiquidityProfile
	err := p.get(ctx, "/v1/liquidity", url.Values{"token": {token}}, token, &data)
	if err != nil {
		return Snapshot[LiquidityProfile]{}, err
	}
	data.Token = token
	return NewSnapshot(data), nil
}

// get 执行一次查询并解析 JSON 响应。404 统一映射为数据缺失。
func (p *HTTPProvider) get(ctx context.Context, path string, query url.Values, token string, out any) error {
	endpoint := p.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("构建指标请求失败: %w", err)
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeDataUnavailable, err, "请求指标后端失败",
			xerrors.WithMetadata("token", token))
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusNoContent {
		return Unavailable(token, path)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("指标后端返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析指标响应失败: %w", err)
	}
	return nil
}
