package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"ChainPilot/internal/chain"
	"ChainPilot/internal/enrich"
	"ChainPilot/internal/errtrack"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/llm"
	"ChainPilot/internal/observability/metrics"
)

// Name 是工具名称，取值是封闭的。
type Name string

const (
	NameCheckTokenPrice         Name = "checkTokenPrice"
	NameStake                   Name = "stake"
	NameMintNFT                 Name = "mintNFT"
	NameSwapTokens              Name = "swapTokens"
	NameDeployToken             Name = "deployToken"
	NameLaunchToken             Name = "launchToken"
	NameAnalyzeMemeMetrics      Name = "analyzeMemeMetrics"
	NameCheckMarketSentiment    Name = "checkMarketSentiment"
	NamePredictTokenPerformance Name = "predictTokenPerformance"
	NameAnalyzeLiquidity        Name = "analyzeLiquidity"
	NameMonitorTransactions     Name = "monitorTransactions"
)

// CoreSet 返回基础部署启用的工具。
func CoreSet() []Name {
	return []Name{
		NameCheckTokenPrice,
		NameStake,
		NameMintNFT,
		NameSwapTokens,
		NameDeployToken,
		NameLaunchToken,
	}
}

// EnhancedSet 返回增强部署启用的工具，包含全部基础工具。
func EnhancedSet() []Name {
	return append(CoreSet(),
		NameAnalyzeMemeMetrics,
		NameCheckMarketSentiment,
		NamePredictTokenPerformance,
		NameAnalyzeLiquidity,
		NameMonitorTransactions,
	)
}

// Call 是模型发起的一次工具调用。
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Result 是工具执行结果。产生链上操作的工具会附带未签名指令，
// 由编排器送入交易安全管线。
type Result struct {
	Content     any                `json:"content"`
	Instruction *chain.Instruction `json:"instruction,omitempty"`
}

// Tool 是注册表中一个可调用的工具。
type Tool interface {
	Name() Name
	Description() string
	Parameters() map[string]any
	Mutating() bool
	Execute(ctx context.Context, raw json.RawMessage) (*Result, error)
}

// Deps 汇总工具依赖的服务。
type Deps struct {
	Agent     *chain.Agent
	Market    enrich.MarketAnalyzer
	Sentiment enrich.SentimentAnalyzer
	Predictor enrich.PricePredictor
	Liquidity enrich.LiquidityAnalyzer
	Monitor   enrich.ActivitySource
}

// Registry 持有启用的工具集合并负责分发调用。
type Registry struct {
	tools   map[Name]Tool
	order   []Name
	tracker *errtrack.Tracker
}

// RegistryOption 配置注册表。
type RegistryOption func(*Registry)

// WithTracker 注入错误追踪器，工具失败只上报一次。
func WithTracker(t *errtrack.Tracker) RegistryOption {
	return func(r *Registry) {
		r.tracker = t
	}
}

// NewRegistry 按启用列表构造注册表。未知名称直接拒绝。
func NewRegistry(deps Deps, active []Name, opts ...RegistryOption) (*Registry, error) {
	all := map[Name]Tool{
		NameCheckTokenPrice:         &checkTokenPriceTool{deps: deps},
		NameStake:                   &stakeTool{agent: deps.Agent},
		NameMintNFT:                 &mintNFTTool{agent: deps.Agent},
		NameSwapTokens:              &swapTokensTool{agent: deps.Agent},
		NameDeployToken:             &deployTokenTool{agent: deps.Agent},
		NameLaunchToken:             &launchTokenTool{agent: deps.Agent, market: deps.Market},
		NameAnalyzeMemeMetrics:      &analyzeMemeMetricsTool{market: deps.Market},
		NameCheckMarketSentiment:    &checkMarketSentimentTool{sentiment: deps.Sentiment},
		NamePredictTokenPerformance: &predictTool{predictor: deps.Predictor},
		NameAnalyzeLiquidity:        &analyzeLiquidityTool{liquidity: deps.Liquidity},
		NameMonitorTransactions:     &monitorTool{monitor: deps.Monitor},
	}

	r := &Registry{tools: make(map[Name]Tool, len(active))}
	for _, opt := range opts {
		opt(r)
	}
	for _, name := range active {
		tool, ok := all[name]
		if !ok {
			return nil, xerrors.New(xerrors.CodeInitializationFailure,
				fmt.Sprintf("未知的工具名称: %s", name))
		}
		if _, dup := r.tools[name]; dup {
			continue
		}
		r.tools[name] = tool
		r.order = append(r.order, name)
	}
	return r, nil
}

// Specs 返回提供给模型的工具声明，顺序稳定。
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		tool := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        string(tool.Name()),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return specs
}

// Mutating 报告工具是否产生链上副作用。未知名称返回 false。
func (r *Registry) Mutating(name string) bool {
	tool, ok := r.tools[Name(name)]
	return ok && tool.Mutating()
}

// Dispatch 分发一次工具调用。未知名称与非法参数在任何副作用发生前拒绝。
func (r *Registry) Dispatch(ctx context.Context, call Call) (*Result, error) {
	tool, ok := r.tools[Name(call.Name)]
	if !ok {
		err := xerrors.New(xerrors.CodeUnknownTool, "工具不在启用列表中",
			xerrors.WithMetadata("tool", call.Name))
		r.report(ctx, call.Name, err)
		return nil, err
	}

	raw := json.RawMessage(strings.TrimSpace(call.Arguments))
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}

	result, err := tool.Execute(ctx, raw)
	if err != nil {
		if xerrors.CodeOf(err) == xerrors.CodeUnknown {
			opts := []xerrors.Option{xerrors.WithMetadata("tool", call.Name)}
			if tool.Mutating() {
				opts = append(opts, xerrors.WithRetryable(false))
			}
			err = xerrors.Wrap(xerrors.CodeToolExecution, err, "工具执行失败", opts...)
		}
		r.report(ctx, call.Name, err)
		metrics.ObserveToolDispatch(call.Name, false)
		return nil, err
	}

	metrics.ObserveToolDispatch(call.Name, true)
	return result, nil
}

func (r *Registry) report(ctx context.Context, tool string, err error) {
	if r.tracker != nil {
		r.tracker.Track(ctx, "tools."+tool, err)
	}
}

// decodeArgs 严格解析参数，未知字段视为非法。
func decodeArgs(raw json.RawMessage, out any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArguments, err, "工具参数不合法")
	}
	return nil
}

// invalidField 构造指明违规字段的参数错误。
func invalidField(field, reason string) error {
	return xerrors.New(xerrors.CodeInvalidArguments, reason,
		xerrors.WithMetadata("field", field))
}
