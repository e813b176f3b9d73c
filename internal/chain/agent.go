package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ChainPilot/internal/errors"
)

// Agent 封装签名身份与链连接，对外暴露原语操作。
// 只读操作直接返回数据；变更类操作只构造未签名指令，
// 由交易安全管线负责保护、模拟、排队与确认。
type Agent struct {
	signer *Signer
	client Client
	defs   Definitions

	swapDeadline time.Duration
}

// AgentOption 定义可选的 Agent 配置。
type AgentOption func(*Agent)

// WithSwapDeadline 设置兑换指令的链上有效期。
func WithSwapDeadline(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.swapDeadline = d
		}
	}
}

// NewAgent 创建链上门面。
func NewAgent(signer *Signer, client Client, defs Definitions, opts ...AgentOption) *Agent {
	ag := &Agent{
		signer:       signer,
		client:       client,
		defs:         defs,
		swapDeadline: 10 * time.Minute,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ag)
		}
	}
	return ag
}

// Signer 返回关联的签名身份。
func (a *Agent) Signer() *Signer {
	return a.signer
}

// Client 返回底层链客户端。
func (a *Agent) Client() Client {
	return a.client
}

// ParseAmount 把十进制数量换算为代币最小单位。
func (a *Agent) ParseAmount(symbol, amount string) (*big.Int, error) {
	_, decimals, ok := a.defs.Token(symbol)
	if !ok {
		return nil, xerrors.New(xerrors.CodeDataUnavailable, fmt.Sprintf("未登记的代币: %s", symbol))
	}
	return ParseUnits(amount, decimals)
}

// ParseNativeAmount 把十进制数量换算为原生币最小单位（wei）。
func (a *Agent) ParseNativeAmount(amount string) (*big.Int, error) {
	return ParseUnits(amount, 18)
}

// TokenPrice 通过配置的价格预言机读取代币报价。
// 未配置 feed 的符号返回 DATA_UNAVAILABLE，绝不伪造价格。
func (a *Agent) TokenPrice(ctx context.Context, symbol string) (PriceQuote, error) {
	feed, ok := a.defs.FeedAddress(symbol)
	if !ok {
		return PriceQuote{}, xerrors.New(xerrors.CodeDataUnavailable,
			fmt.Sprintf("未配置 %s 的价格预言机", symbol))
	}

	decData, err := packCall("aggregator", "decimals")
	if err != nil {
		return PriceQuote{}, err
	}
	rawDec, err := a.client.Call(ctx, &Instruction{From: a.signer.Address(), To: &feed, Data: decData})
	if err != nil {
		return PriceQuote{}, xerrors.Wrap(xerrors.CodeDataUnavailable, err, "读取预言机精度失败")
	}
	decValues, err := unpackCall("aggregator", "decimals", rawDec)
	if err != nil || len(decValues) != 1 {
		return PriceQuote{}, xerrors.Wrap(xerrors.CodeDataUnavailable, err, "预言机精度响应异常")
	}
	decimals, ok := decValues[0].(uint8)
	if !ok {
		return PriceQuote{}, xerrors.New(xerrors.CodeDataUnavailable, "预言机精度类型异常")
	}

	roundData, err := packCall("aggregator", "latestRoundData")
	if err != nil {
		return PriceQuote{}, err
	}
	raw, err := a.client.Call(ctx, &Instruction{From: a.signer.Address(), To: &feed, Data: roundData})
	if err != nil {
		return PriceQuote{}, xerrors.Wrap(xerrors.CodeDataUnavailable, err, "读取预言机报价失败")
	}
	values, err := unpackCall("aggregator", "latestRoundData", raw)
	if err != nil || len(values) != 5 {
		return PriceQuote{}, xerrors.Wrap(xerrors.CodeDataUnavailable, err, "预言机报价响应异常")
	}
	answer, ok := values[1].(*big.Int)
	if !ok || answer.Sign() <= 0 {
		return PriceQuote{}, xerrors.New(xerrors.CodeDataUnavailable, "预言机报价为空")
	}
	updatedAt := int64(0)
	if ts, ok := values[3].(*big.Int); ok {
		updatedAt = ts.Int64()
	}

	return PriceQuote{
		Symbol:    strings.ToUpper(strings.TrimSpace(symbol)),
		Price:     FormatUnits(answer, decimals),
		Decimals:  decimals,
		UpdatedAt: updatedAt,
	}, nil
}

// Stake 构造质押指令，金额为原生币数量（wei）。
func (a *Agent) Stake(ctx context.Context, amount *big.Int) (*Instruction, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "质押金额必须为正数")
	}
	staking, err := a.contractAddress(a.defs.Contracts.Staking, "staking")
	if err != nil {
		return nil, err
	}
	data, err := packCall("staking", "stake")
	if err != nil {
		return nil, err
	}
	return &Instruction{
		From:  a.signer.Address(),
		To:    &staking,
		Value: new(big.Int).Set(amount),
		Data:  data,
	}, nil
}

// MintNFT 构造在指定集合上铸造 NFT 的指令。
func (a *Agent) MintNFT(ctx context.Context, collection, metadataURI, recipient string) (*Instruction, error) {
	if !common.IsHexAddress(collection) {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "集合地址不合法")
	}
	to := a.signer.Address()
	if recipient != "" {
		if !common.IsHexAddress(recipient) {
			return nil, xerrors.New(xerrors.CodeInvalidArguments, "接收地址不合法")
		}
		to = common.HexToAddress(recipient)
	}
	data, err := packCall("nft", "mintTo", to, metadataURI)
	if err != nil {
		return nil, err
	}
	target := common.HexToAddress(collection)
	return &Instruction{
		From: a.signer.Address(),
		To:   &target,
		Data: data,
	}, nil
}

// Swap 构造代币兑换指令。amountIn 为 from 代币的最小单位数量。
func (a *Agent) Swap(ctx context.Context, from, to string, amountIn *big.Int, slippageBps int) (*Instruction, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "兑换数量必须为正数")
	}
	if slippageBps < 0 || slippageBps > 10_000 {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "滑点超出 [0, 10000] bps")
	}
	fromAddr, _, ok := a.defs.Token(from)
	if !ok {
		return nil, xerrors.New(xerrors.CodeDataUnavailable, fmt.Sprintf("未登记的代币: %s", from))
	}
	toAddr, _, ok := a.defs.Token(to)
	if !ok {
		return nil, xerrors.New(xerrors.CodeDataUnavailable, fmt.Sprintf("未登记的代币: %s", to))
	}
	router, err := a.contractAddress(a.defs.Contracts.SwapRouter, "swap_router")
	if err != nil {
		return nil, err
	}

	// amountOutMin 按滑点从 amountIn 折算，精确报价由路由合约完成。
	minOut := new(big.Int).Mul(amountIn, big.NewInt(int64(10_000-slippageBps)))
	minOut.Div(minOut, big.NewInt(10_000))

	deadline := big.NewInt(time.Now().Add(a.swapDeadline).Unix())
	data, err := packCall("router", "swapExactTokensForTokens",
		amountIn, minOut, []common.Address{fromAddr, toAddr}, a.signer.Address(), deadline)
	if err != nil {
		return nil, err
	}
	return &Instruction{
		From: a.signer.Address(),
		To:   &router,
		Data: data,
	}, nil
}

// DeployToken 构造通过工厂合约发行新代币的指令。
func (a *Agent) DeployToken(ctx context.Context, name, ticker, uri string, decimals uint8, supply *big.Int) (*Instruction, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(ticker) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "代币名称与符号不能为空")
	}
	if supply == nil || supply.Sign() <= 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "初始供应量必须为正数")
	}
	factory, err := a.contractAddress(a.defs.Contracts.TokenFactory, "token_factory")
	if err != nil {
		return nil, err
	}
	data, err := packCall("factory", "createToken", name, ticker, uri, decimals, supply)
	if err != nil {
		return nil, err
	}
	return &Instruction{
		From: a.signer.Address(),
		To:   &factory,
		Data: data,
	}, nil
}

// LaunchToken 构造通过发射台合约进行 meme 发射的指令。
func (a *Agent) LaunchToken(ctx context.Context, name, ticker, description, imageURI string) (*Instruction, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(ticker) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "代币名称与符号不能为空")
	}
	launcher, err := a.contractAddress(a.defs.Contracts.Launcher, "launcher")
	if err != nil {
		return nil, err
	}
	data, err := packCall("launcher", "launch", name, ticker, description, imageURI)
	if err != nil {
		return nil, err
	}
	return &Instruction{
		From: a.signer.Address(),
		To:   &launcher,
		Data: data,
	}, nil
}

func (a *Agent) contractAddress(raw, name string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("未配置 %s 合约地址", name))
	}
	return common.HexToAddress(raw), nil
}
