package tools

import (
	"context"
	"encoding/json"

	"ChainPilot/internal/chain"
	"ChainPilot/internal/enrich"
)

// checkTokenPriceTool 读取预言机价格，可按需附带行情、流动性与社媒指标。
type checkTokenPriceTool struct {
	deps Deps
}

type checkTokenPriceArgs struct {
	Symbol               string `json:"symbol"`
	IncludeMemeMetrics   bool   `json:"includeMemeMetrics,omitempty"`
	IncludeMarketMetrics bool   `json:"includeMarketMetrics,omitempty"`
	IncludeSocialMetrics bool   `json:"includeSocialMetrics,omitempty"`
}

func (a *checkTokenPriceArgs) validate() error {
	if a.Symbol == "" {
		return invalidField("symbol", "symbol 不能为空")
	}
	return nil
}

type tokenPriceReport struct {
	Price       chain.PriceQuote                          `json:"price"`
	MemeMetrics *enrich.Snapshot[enrich.MemeMetrics]      `json:"meme_metrics,omitempty"`
	Liquidity   *enrich.Snapshot[enrich.LiquidityProfile] `json:"liquidity,omitempty"`
	Sentiment   *enrich.Snapshot[enrich.MarketSentiment]  `json:"sentiment,omitempty"`
	Notes       []string                                  `json:"notes,omitempty"`
}

func (t *checkTokenPriceTool) Name() Name { return NameCheckTokenPrice }
func (t *checkTokenPriceTool) Mutating() bool { return false }

func (t *checkTokenPriceTool) Description() string {
	return "Check the current oracle price of a token, optionally enriched with meme, market and social metrics"
}

func (t *checkTokenPriceTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"symbol":               map[string]any{"type": "string", "description": "Token symbol, e.g. ETH"},
			"includeMemeMetrics":   map[string]any{"type": "boolean"},
			"includeMarketMetrics": map[string]any{"type": "boolean"},
			"includeSocialMetrics": map[string]any{"type": "boolean"},
		},
		"required": []string{"symbol"},
	}
}

func (t *checkTokenPriceTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args checkTokenPriceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	quote, err := t.deps.Agent.TokenPrice(ctx, args.Symbol)
	if err != nil {
		return nil, err
	}
	report := tokenPriceReport{Price: quote}

	// 附加指标缺失时降级为备注，价格本身仍然返回。
	if args.IncludeMemeMetrics && t.deps.Market != nil {
		snap, memeErr := t.deps.Market.MemeMetrics(ctx, args.Symbol, enrich.TimeframeDay)
		if memeErr == nil {
			report.MemeMetrics = &snap
		} else if enrich.IsUnavailable(memeErr) {
			report.Notes = append(report.Notes, "meme metrics unavailable")
		} else {
			return nil, memeErr
		}
	}
	if args.IncludeMarketMetrics && t.deps.Liquidity != nil {
		snap, liqErr := t.deps.Liquidity.Liquidity(ctx, args.Symbol)
		if liqErr == nil {
			report.Liquidity = &snap
		} else if enrich.IsUnavailable(liqErr) {
			report.Notes = append(report.Notes, "market metrics unavailable")
		} else {
			return nil, liqErr
		}
	}
	if args.IncludeSocialMetrics && t.deps.Sentiment != nil {
		snap, sentErr := t.deps.Sentiment.Sentiment(ctx, args.Symbol, enrich.TimeframeDay, false, false)
		if sentErr == nil {
			report.Sentiment = &snap
		} else if enrich.IsUnavailable(sentErr) {
			report.Notes = append(report.Notes, "social metrics unavailable")
		} else {
			return nil, sentErr
		}
	}
	return &Result{Content: report}, nil
}

// stakeTool 构造质押指令。
type stakeTool struct {
	agent *chain.Agent
}

type stakeArgs struct {
	Amount string `json:"amount"`
}

func (a *stakeArgs) validate() error {
	if a.Amount == "" {
		return invalidField("amount", "amount 不能为空")
	}
	return nil
}

func (t *stakeTool) Name() Name { return NameStake }
func (t *stakeTool) Mutating() bool { return true }

func (t *stakeTool) Description() string {
	return "Stake an amount of the native token into the configured staking contract"
}

func (t *stakeTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"amount": map[string]any{"type": "string", "description": "Decimal amount of native token to stake"},
		},
		"required": []string{"amount"},
	}
}

func (t *stakeTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args stakeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	amount, err := t.agent.ParseNativeAmount(args.Amount)
	if err != nil {
		return nil, invalidField("amount", "amount 不是合法的十进制数")
	}
	ins, err := t.agent.Stake(ctx, amount)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:     map[string]any{"action": "stake", "amount": args.Amount},
		Instruction: ins,
	}, nil
}

// mintNFTTool 构造 NFT 铸造指令。
type mintNFTTool struct {
	agent *chain.Agent
}

type mintNFTArgs struct {
	Collection  string `json:"collection"`
	MetadataURI string `json:"metadataUri"`
	Recipient   string `json:"recipient,omitempty"`
}

func (a *mintNFTArgs) validate() error {
	if a.Collection == "" {
		return invalidField("collection", "collection 不能为空")
	}
	if a.MetadataURI == "" {
		return invalidField("metadataUri", "metadataUri 不能为空")
	}
	return nil
}

func (t *mintNFTTool) Name() Name { return NameMintNFT }
func (t *mintNFTTool) Mutating() bool { return true }

func (t *mintNFTTool) Description() string {
	return "Mint an NFT in the given collection; the recipient defaults to the agent wallet"
}

func (t *mintNFTTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"collection":  map[string]any{"type": "string", "description": "NFT collection contract address"},
			"metadataUri": map[string]any{"type": "string"},
			"recipient":   map[string]any{"type": "string", "description": "Optional recipient address"},
		},
		"required": []string{"collection", "metadataUri"},
	}
}

func (t *mintNFTTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args mintNFTArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	ins, err := t.agent.MintNFT(ctx, args.Collection, args.MetadataURI, args.Recipient)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:     map[string]any{"action": "mintNFT", "collection": args.Collection},
		Instruction: ins,
	}, nil
}

// swapTokensTool 构造代币兑换指令。
type swapTokensTool struct {
	agent *chain.Agent
}

type swapTokensArgs struct {
	FromToken   string `json:"fromToken"`
	ToToken     string `json:"toToken"`
	Amount      string `json:"amount"`
	SlippageBps int    `json:"slippageBps,omitempty"`
}

func (a *swapTokensArgs) validate() error {
	if a.FromToken == "" {
		return invalidField("fromToken", "fromToken 不能为空")
	}
	if a.ToToken == "" {
		return invalidField("toToken", "toToken 不能为空")
	}
	if a.Amount == "" {
		return invalidField("amount", "amount 不能为空")
	}
	if a.SlippageBps < 0 || a.SlippageBps > 10_000 {
		return invalidField("slippageBps", "slippageBps 超出 [0, 10000]")
	}
	return nil
}

func (t *swapTokensTool) Name() Name { return NameSwapTokens }
func (t *swapTokensTool) Mutating() bool { return true }

func (t *swapTokensTool) Description() string {
	return "Swap one token for another through the configured DEX router"
}

func (t *swapTokensTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"fromToken":   map[string]any{"type": "string"},
			"toToken":     map[string]any{"type": "string"},
			"amount":      map[string]any{"type": "string", "description": "Decimal amount of fromToken"},
			"slippageBps": map[string]any{"type": "integer", "description": "Max slippage in basis points, default 50"},
		},
		"required": []string{"fromToken", "toToken", "amount"},
	}
}

func (t *swapTokensTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	args := swapTokensArgs{SlippageBps: 50}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	amount, err := t.agent.ParseAmount(args.FromToken, args.Amount)
	if err != nil {
		return nil, err
	}
	ins, err := t.agent.Swap(ctx, args.FromToken, args.ToToken, amount, args.SlippageBps)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content: map[string]any{
			"action": "swap",
			"from":   args.FromToken,
			"to":     args.ToToken,
			"amount": args.Amount,
		},
		Instruction: ins,
	}, nil
}

// deployTokenTool 构造通过工厂合约发行代币的指令。
type deployTokenTool struct {
	agent *chain.Agent
}

type deployTokenArgs struct {
	Name          string `json:"name"`
	Ticker        string `json:"ticker"`
	MetadataURI   string `json:"metadataUri,omitempty"`
	Decimals      uint8  `json:"decimals,omitempty"`
	InitialSupply string `json:"initialSupply"`
}

func (a *deployTokenArgs) validate() error {
	if a.Name == "" {
		return invalidField("name", "name 不能为空")
	}
	if a.Ticker == "" {
		return invalidField("ticker", "ticker 不能为空")
	}
	if a.InitialSupply == "" {
		return invalidField("initialSupply", "initialSupply 不能为空")
	}
	return nil
}

func (t *deployTokenTool) Name() Name { return NameDeployToken }
func (t *deployTokenTool) Mutating() bool { return true }

func (t *deployTokenTool) Description() string {
	return "Deploy a new ERC-20 token through the token factory contract"
}

func (t *deployTokenTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":          map[string]any{"type": "string"},
			"ticker":        map[string]any{"type": "string"},
			"metadataUri":   map[string]any{"type": "string"},
			"decimals":      map[string]any{"type": "integer", "description": "Token decimals, default 18"},
			"initialSupply": map[string]any{"type": "string", "description": "Initial supply in whole tokens"},
		},
		"required": []string{"name", "ticker", "initialSupply"},
	}
}

func (t *deployTokenTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	args := deployTokenArgs{Decimals: 18}
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}
	supply, err := chain.ParseUnits(args.InitialSupply, args.Decimals)
	if err != nil {
		return nil, invalidField("initialSupply", "initialSupply 不是合法的十进制数")
	}
	ins, err := t.agent.DeployToken(ctx, args.Name, args.Ticker, args.MetadataURI, args.Decimals, supply)
	if err != nil {
		return nil, err
	}
	return &Result{
		Content:     map[string]any{"action": "deployToken", "name": args.Name, "ticker": args.Ticker},
		Instruction: ins,
	}, nil
}

// launchTokenTool 构造 meme 发射指令，可选参数优化。
type launchTokenTool struct {
	agent  *chain.Agent
	market enrich.MarketAnalyzer
}

type launchTokenArgs struct {
	Name           string `json:"name"`
	Ticker         string `json:"ticker"`
	Description    string `json:"description,omitempty"`
	ImageURI       string `json:"imageUri,omitempty"`
	OptimizeParams bool   `json:"optimizeParams,omitempty"`
}

func (a *launchTokenArgs) validate() error {
	if a.Name == "" {
		return invalidField("name", "name 不能为空")
	}
	if a.Ticker == "" {
		return invalidField("ticker", "ticker 不能为空")
	}
	return nil
}

func (t *launchTokenTool) Name() Name { return NameLaunchToken }
func (t *launchTokenTool) Mutating() bool { return true }

func (t *launchTokenTool) Description() string {
	return "Launch a meme token through the launcher contract, optionally optimizing launch parameters first"
}

func (t *launchTokenTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name":           map[string]any{"type": "string"},
			"ticker":         map[string]any{"type": "string"},
			"description":    map[string]any{"type": "string"},
			"imageUri":       map[string]any{"type": "string"},
			"optimizeParams": map[string]any{"type": "boolean", "description": "Fetch launch parameter suggestions before launching"},
		},
		"required": []string{"name", "ticker"},
	}
}

func (t *launchTokenTool) Execute(ctx context.Context, raw json.RawMessage) (*Result, error) {
	var args launchTokenArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if err := args.validate(); err != nil {
		return nil, err
	}

	content := map[string]any{"action": "launchToken", "name": args.Name, "ticker": args.Ticker}
	if args.OptimizeParams && t.market != nil {
		snap, optErr := t.market.OptimizeLaunch(ctx, args.Ticker)
		if optErr == nil {
			content["optimized_params"] = snap
		} else if !enrich.IsUnavailable(optErr) {
			return nil, optErr
		}
	}

	ins, err := t.agent.LaunchToken(ctx, args.Name, args.Ticker, args.Description, args.ImageURI)
	if err != nil {
		return nil, err
	}
	return &Result{Content: content, Instruction: ins}, nil
}
