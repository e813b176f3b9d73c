package tools

import (
	"context"
	"encoding/json"
	"time"

	"ChainPilot/internal/enrich"
)

// analyzeMemeMetricsTool 查询 meme 热度指标。
type analyzeMemeMetricsTool struct {
	market enrich.MarketAnalyzer
}

type tokenTimeframeArgs struct {
	Token     string `json:"token"`
	Timeframe string `json:"timeframe,omitempty"`
}

func (a *tokenTimeframeArgs) validate() (enrich.Timeframe, error) {
	if a.Token == "" {
		return "", invalidField("token", "token 不能为空")
	}
	tf, err := enrich.ParseTimeframe(a.Timeframe)
	if err != nil {
		return "", err
	}
	return tf, nil
}

func tokenTimeframeSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token":     map[string]any{"type": "string"},
			"timeframe": map[string]any{"type": "string", "enum": []string{"1h", "24h", "7d", "30d"}},
		},
		"required": []string{"token"},
	}
}

func (t *analyzeMemeMetricsTool) Name() Name { return NameAnalyzeMemeMetrics }
func (t *analyzeMemeMetricsTool) Mutating() bool { return false }

func (t *analyzeMemeMetricsTool) Description() string {
	return "Analyze virality, community growth and whale activity of a meme token over a timeframe"
}

func (t *analyzeMemeMetricsTool) Parameters() map[string]any { return tokenTimeframeSchema() }

func (t *analyzeMemeMetricsTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args tokenTimeframeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	tf, err := args.validate()
	if err != nil {
		return nil, err
	}
	snap, err := t.market.MemeMetrics(ctx, args.Token, tf)
	if err != nil {
		return nil, err
	}
	return &Result{Content: snap}, nil
}

// checkMarketSentimentTool 查询社媒情绪。
type checkMarketSentimentTool struct {
	sentiment enrich.SentimentAnalyzer
}

type sentimentArgs struct {
	Token                     string `json:"token"`
	Timeframe                 string `json:"timeframe,omitempty"`
	IncludeWhaleTracking      bool   `json:"includeWhaleTracking,omitempty"`
	IncludeInfluencerAnalysis bool   `json:"includeInfluencerAnalysis,omitempty"`
}

func (t *checkMarketSentimentTool) Name() Name { return NameCheckMarketSentiment }
func (t *checkMarketSentimentTool) Mutating() bool { return false }

func (t *checkMarketSentimentTool) Description() string {
	return "Check social sentiment for a token, optionally with whale tracking and influencer analysis"
}

func (t *checkMarketSentimentTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token":                     map[string]any{"type": "string"},
			"timeframe":                 map[string]any{"type": "string", "enum": []string{"1h", "24h", "7d", "30d"}},
			"includeWhaleTracking":      map[string]any{"type": "boolean"},
			"includeInfluencerAnalysis": map[string]any{"type": "boolean"},
		},
		"required": []string{"token"},
	}
}

func (t *checkMarketSentimentTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args sentimentArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Token == "" {
		return nil, invalidField("token", "token 不能为空")
	}
	tf, err := enrich.ParseTimeframe(args.Timeframe)
	if err != nil {
		return nil, err
	}
	snap, err := t.sentiment.Sentiment(ctx, args.Token, tf, args.IncludeWhaleTracking, args.IncludeInfluencerAnalysis)
	if err != nil {
		return nil, err
	}
	return &Result{Content: snap}, nil
}

// predictTool 查询价格预测。
type predictTool struct {
	predictor enrich.PricePredictor
}

func (t *predictTool) Name() Name { return NamePredictTokenPerformance }
func (t *predictTool) Mutating() bool { return false }

func (t *predictTool) Description() string {
	return "Predict token price performance over a timeframe with a confidence score"
}

func (t *predictTool) Parameters() map[string]any { return tokenTimeframeSchema() }

func (t *predictTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args tokenTimeframeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	tf, err := args.validate()
	if err != nil {
		return nil, err
	}
	snap, err := t.predictor.Predict(ctx, args.Token, tf)
	if err != nil {
		return nil, err
	}
	return &Result{Content: snap}, nil
}

// analyzeLiquidityTool 查询 DEX 流动性深度。
type analyzeLiquidityTool struct {
	liquidity enrich.LiquidityAnalyzer
}

type tokenArgs struct {
	Token string `json:"token"`
}

func (t *analyzeLiquidityTool) Name() Name { return NameAnalyzeLiquidity }
func (t *analyzeLiquidityTool) Mutating() bool { return false }

func (t *analyzeLiquidityTool) Description() string {
	return "Analyze DEX liquidity depth and suggest an entry strategy for a token"
}

func (t *analyzeLiquidityTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token": map[string]any{"type": "string"},
		},
		"required": []string{"token"},
	}
}

func (t *analyzeLiquidityTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args tokenArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.Token == "" {
		return nil, invalidField("token", "token 不能为空")
	}
	snap, err := t.liquidity.Liquidity(ctx, args.Token)
	if err != nil {
		return nil, err
	}
	return &Result{Content: snap}, nil
}

// monitorTool 在限定窗口内收集代币的链上活动。
type monitorTool struct {
	monitor enrich.ActivitySource
}

type monitorArgs struct {
	Token           string `json:"token"`
	DurationSeconds int    `json:"durationSeconds,omitempty"`
}

func (a *monitorArgs) validate() error {
	if a.Token == "" {
		return invalidField("token", "token 不能为空")
	}
	if a.DurationSeconds < 0 || a.DurationSeconds > 30 {
		return invalidField("durationSeconds", "durationSeconds 超出 [0, 30]")
	}
	return nil
}

func (t *monitorTool) Name() Name { return NameMonitorTransactions }
func (t *monitorTool) Mutating() bool { return false }

func (t *monitorTool) Description() string {
	return "Watch on-chain activity of a token for a bounded window (up to 30 seconds) and report observed transactions"
}

func (t *monitorTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"token":           map[string]any{"type": "string"},
			"durationSeconds": map[string]any{"type": "integer", "description": "Observation window, default 10, max 30"},
		},
		"required": []string{"token"},
	}
}

func (t *monitorTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	args := monitorArgs{DurationSeconds: 10}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	if args.DurationSeconds == 0 {
		args.DurationSeconds = 10
	}

	window := time.Duration(args.DurationSeconds) * time.Second
	watchCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	events, err := t.monitor.Subscribe(watchCtx, args.Token)
	if err != nil {
		return nil, err
	}

	var observed []enrich.Activity
	for {
		select {
		case <-watchCtx.Done():
			return &Result{Content: map[string]any{
				"token":      args.Token,
				"window_sec": args.DurationSeconds,
				"activity":   observed,
			}}, nil
		case activity, ok := <-events:
			if !ok {
				return &Result{Content: map[string]any{
					"token":      args.Token,
					"window_sec": args.DurationSeconds,
					"activity":   observed,
				}}, nil
			}
			observed = append(observed, activity)
		}
	}
}
