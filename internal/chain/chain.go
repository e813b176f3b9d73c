package chain

import (
	"context"
	"math/big"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	gethevent "github.com/ethereum/go-ethereum/event"
)

// Instruction 描述一笔尚未签名的链上操作。
// 交易安全管线会在保护与模拟通过后再进行签名与提交。
type Instruction struct {
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	Value    *big.Int        `json:"value,omitempty"`
	Data     []byte          `json:"data,omitempty"`
	GasLimit uint64          `json:"gas_limit,omitempty"`
	// MaxPriorityFee 以 wei 计，由保护策略填写，禁止被模型输出修改。
	MaxPriorityFee *big.Int `json:"max_priority_fee,omitempty"`
}

// Clone 返回指令的深拷贝，保护策略永远基于拷贝工作。
func (i *Instruction) Clone() *Instruction {
	if i == nil {
		return nil
	}
	clone := *i
	if i.To != nil {
		to := *i.To
		clone.To = &to
	}
	if i.Value != nil {
		clone.Value = new(big.Int).Set(i.Value)
	}
	if i.MaxPriorityFee != nil {
		clone.MaxPriorityFee = new(big.Int).Set(i.MaxPriorityFee)
	}
	if i.Data != nil {
		clone.Data = append([]byte(nil), i.Data...)
	}
	return &clone
}

// SimulationOutcome 保存一次 dry-run 的结果。
type SimulationOutcome struct {
	Success bool     `json:"success"`
	GasUsed uint64   `json:"gas_used"`
	Logs    []string `json:"logs,omitempty"`
}

// PriceQuote 是预言机返回的代币报价。
type PriceQuote struct {
	Symbol    string `json:"symbol"`
	Price     string `json:"price"`
	Decimals  uint8  `json:"decimals"`
	UpdatedAt int64  `json:"updated_at"`
}

// Client 定义了底层链访问的统一接口，高层模块不直接依赖 go-ethereum 客户端。
type Client interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Call(ctx context.Context, ins *Instruction) ([]byte, error)
	Simulate(ctx context.Context, ins *Instruction) (SimulationOutcome, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	SuggestFees(ctx context.Context) (gasTipCap, gasFeeCap *big.Int, err error)
	// Submit 广播单笔已签名交易。
	Submit(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error)
	// SubmitPrivate 通过非公开 relay 广播，private-submission 策略使用。
	SubmitPrivate(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error)
	// SubmitBundle 以单次批量 RPC 广播一组交易，组内顺序由网络决定。
	SubmitBundle(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error)
	Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error)
	SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*LogSubscription, error)
	Close()
}

// LogSubscription 包装日志订阅，调用方无需依赖 go-ethereum 的 event 包。
type LogSubscription struct {
	logs <-chan coretypes.Log
	sub  gethevent.Subscription
}

// NewLogSubscription 构造订阅包装。
func NewLogSubscription(logs <-chan coretypes.Log, sub gethevent.Subscription) *LogSubscription {
	return &LogSubscription{logs: logs, sub: sub}
}

// Logs 返回接收链上日志的 channel。
func (s *LogSubscription) Logs() <-chan coretypes.Log {
	return s.logs
}

// Err 透传订阅错误 channel。
func (s *LogSubscription) Err() <-chan error {
	if s == nil || s.sub == nil {
		return nil
	}
	return s.sub.Err()
}

// Close 终止订阅。
func (s *LogSubscription) Close() {
	if s == nil || s.sub == nil {
		return
	}
	s.sub.Unsubscribe()
}
