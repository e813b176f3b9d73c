package enrich

import (
	"context"
	"strings"
	"time"

	xerrors "ChainPilot/internal/errors"
)

// SnapshotVersion 标识当前快照结构的版本号，缓存命中时用于淘汰旧格式。
const SnapshotVersion = 1

// Timeframe 是分析接口支持的时间窗口。
type Timeframe string

const (
	TimeframeHour  Timeframe = "1h"
	TimeframeDay   Timeframe = "24h"
	TimeframeWeek  Timeframe = "7d"
	TimeframeMonth Timeframe = "30d"
)

// ParseTimeframe 校验并规范化时间窗口，空值回退为 24h。
func ParseTimeframe(raw string) (Timeframe, error) {
	switch Timeframe(strings.TrimSpace(raw)) {
	case "":
		return TimeframeDay, nil
	case TimeframeHour:
		return TimeframeHour, nil
	case TimeframeDay:
		return TimeframeDay, nil
	case TimeframeWeek:
		return TimeframeWeek, nil
	case TimeframeMonth:
		return TimeframeMonth, nil
	default:
		return "", xerrors.New(xerrors.CodeInvalidArguments, "timeframe 仅支持 1h/24h/7d/30d",
			xerrors.WithMetadata("field", "timeframe"),
			xerrors.WithMetadata("value", raw))
	}
}

// Snapshot 包装一次分析结果，带版本号与采样时间。
type Snapshot[T any] struct {
	Version int       `json:"version"`
	TakenAt time.Time `json:"taken_at"`
	Data    T         `json:"data"`
}

// NewSnapshot 以当前时间构造快照。
func NewSnapshot[T any](data T) Snapshot[T] {
	return Snapshot[T]{Version: SnapshotVersion, TakenAt: time.Now().UTC(), Data: data}
}

// MemeMetrics 描述一个 meme 代币在给定窗口内的热度指标。
type MemeMetrics struct {
	Token           string    `json:"token"`
	Timeframe       Timeframe `json:"timeframe"`
	ViralityScore   float64   `json:"virality_score"`
	CommunityGrowth float64   `json:"community_growth"`
	WhaleActivity   []Whale   `json:"whale_activity,omitempty"`
	HolderCount     int64     `json:"holder_count"`
	VolumeUSD       float64   `json:"volume_usd"`
}

// Whale 记录一条大户动向。
type Whale struct {
	Address   string  `json:"address"`
	Direction string  `json:"direction"`
	AmountUSD float64 `json:"amount_usd"`
}

// LaunchParams 是发射参数优化建议。
type LaunchParams struct {
	InitialLiquidityUSD float64 `json:"initial_liquidity_usd"`
	SuggestedSupply     string  `json:"suggested_supply"`
	LaunchWindow        string  `json:"launch_window"`
	Rationale           string  `json:"rationale,omitempty"`
}

// MarketSentiment 汇总社媒情绪与影响力分析。
type MarketSentiment struct {
	Token       string       `json:"token"`
	Timeframe   Timeframe    `json:"timeframe"`
	Overall     string       `json:"overall"`
	SocialScore float64      `json:"social_score"`
	Whales      []Whale      `json:"whales,omitempty"`
	Influencers []Influencer `json:"influencers,omitempty"`
}

// Influencer 描述一个有影响力账号的近期倾向。
type Influencer struct {
	Handle    string  `json:"handle"`
	Followers int64   `json:"followers"`
	Stance    string  `json:"stance"`
	Impact    float64 `json:"impact"`
}

// PricePrediction 给出目标价位与置信度。
type PricePrediction struct {
	Token      string    `json:"token"`
	Timeframe  Timeframe `json:"timeframe"`
	CurrentUSD float64   `json:"current_usd"`
	TargetUSD  float64   `json:"target_usd"`
	Confidence float64   `json:"confidence"`
	Drivers    []string  `json:"drivers,omitempty"`
}

// LiquidityProfile 描述 DEX 深度与操作建议。
type LiquidityProfile struct {
	Token       string  `json:"token"`
	TotalUSD    float64 `json:"total_usd"`
	Pools       []Pool  `json:"pools,omitempty"`
	DepthScore  float64 `json:"depth_score"`
	Suggestion  string  `json:"suggestion,omitempty"`
	SlippageBps int64   `json:"slippage_bps"`
}

// Pool 是单个流动性池的深度信息。
type Pool struct {
	DEX         string  `json:"dex"`
	Pair        string  `json:"pair"`
	ReserveUSD  float64 `json:"reserve_usd"`
	Volume24USD float64 `json:"volume_24h_usd"`
}

// MarketAnalyzer 提供 meme 指标与发射参数优化。
type MarketAnalyzer interface {
	MemeMetrics(ctx context.Context, token string, tf Timeframe) (Snapshot[MemeMetrics], error)
	OptimizeLaunch(ctx context.Context, ticker string) (Snapshot[LaunchParams], error)
}

// SentimentAnalyzer 提供社媒情绪分析。
type SentimentAnalyzer interface {
	Sentiment(ctx context.Context, token string, tf Timeframe, whales, influencers bool) (Snapshot[MarketSentiment], error)
}

// PricePredictor 提供价格预测。
type PricePredictor interface {
	Predict(ctx context.Context, token string, tf Timeframe) (Snapshot[PricePrediction], error)
}

// LiquidityAnalyzer 提供流动性深度分析。
type LiquidityAnalyzer interface {
	Liquidity(ctx context.Context, token string) (Snapshot[LiquidityProfile], error)
}

// Unavailable 构造统一的数据缺失错误，调用方据此区分"没有数据"与"查询失败"。
func Unavailable(token, detail string) error {
	return xerrors.New(xerrors.CodeDataUnavailable, "当前没有可用的分析数据",
		xerrors.WithMetadata("token", token),
		xerrors.WithMetadata("detail", detail))
}

// IsUnavailable 判断错误是否为数据缺失。
func IsUnavailable(err error) bool {
	return xerrors.CodeOf(err) == xerrors.CodeDataUnavailable
}
