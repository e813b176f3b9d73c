package ethereum

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	"ChainPilot/internal/chain"
)

// Config describes how to construct an EVM compatible client.
type Config struct {
	Name        string
	RPCURL      string
	WSURL       string
	RelayRPCURL string
}

// Client implements the chain.Client interface for EVM compatible chains.
// The relay endpoint, when configured, carries private submissions and
// transaction bundles so they skip the public mempool.
type Client struct {
	name        string
	rpcClient   *gethrpc.Client
	relayClient *gethrpc.Client
	eth         *ethclient.Client
	eventClient logSubscriber

	mu      sync.Mutex
	chainID *big.Int
}

// logSubscriber mirrors the subset of methods required for log subscriptions.
type logSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error)
}

// NewClient dials the configured RPC endpoints and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置链 RPC 地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}

	eth := ethclient.NewClient(rpcClient)

	relayClient := rpcClient
	if relayURL := strings.TrimSpace(cfg.RelayRPCURL); relayURL != "" && relayURL != rpcURL {
		relayClient, err = gethrpc.DialContext(ctx, relayURL)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("连接私有 relay 失败: %w", err)
		}
	}

	eventClient := logSubscriber(eth)
	if wsURL := strings.TrimSpace(cfg.WSURL); wsURL != "" {
		if wsRPC, wsErr := gethrpc.DialContext(ctx, wsURL); wsErr == nil {
			eventClient = ethclient.NewClient(wsRPC)
		}
	}

	return &Client{
		name:        cfg.Name,
		rpcClient:   rpcClient,
		relayClient: relayClient,
		eth:         eth,
		eventClient: eventClient,
	}, nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eventClient != nil {
		if ec, ok := c.eventClient.(*ethclient.Client); ok && ec != c.eth {
			ec.Close()
		}
		c.eventClient = nil
	}
	if c.relayClient != nil && c.relayClient != c.rpcClient {
		c.relayClient.Close()
	}
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	c.rpcClient = nil
	c.relayClient = nil
}

// ChainID returns the chain identifier, cached after the first lookup.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	cached := c.chainID
	c.mu.Unlock()
	if cached != nil {
		return new(big.Int).Set(cached), nil
	}

	id, err := c.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("获取链 ID 失败: %w", err)
	}
	c.mu.Lock()
	c.chainID = new(big.Int).Set(id)
	c.mu.Unlock()
	return id, nil
}

// BlockNumber returns the latest block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return c.eth.BlockNumber(ctx)
}

// Call executes a read-only contract call against the latest state.
func (c *Client) Call(ctx context.Context, ins *chain.Instruction) ([]byte, error) {
	if ins == nil {
		return nil, errors.New("指令不能为空")
	}
	return c.eth.CallContract(ctx, callMsg(ins), nil)
}

// Simulate dry-runs the instruction: a state call for the revert outcome
// plus a gas estimate for resource usage. Failures carry decoded revert
// reasons in the log slice.
func (c *Client) Simulate(ctx context.Context, ins *chain.Instruction) (chain.SimulationOutcome, error) {
	if ins == nil {
		return chain.SimulationOutcome{}, errors.New("指令不能为空")
	}
	msg := callMsg(ins)

	if _, err := c.eth.CallContract(ctx, msg, nil); err != nil {
		return chain.SimulationOutcome{
			Success: false,
			Logs:    revertLogs(err),
		}, nil
	}

	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return chain.SimulationOutcome{
			Success: false,
			Logs:    revertLogs(err),
		}, nil
	}
	return chain.SimulationOutcome{Success: true, GasUsed: gas}, nil
}

// PendingNonce returns the next nonce for the address including pending txs.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return c.eth.PendingNonceAt(ctx, addr)
}

// SuggestFees returns the suggested tip and fee cap for an EIP-1559 transaction.
func (c *Client) SuggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("获取小费建议失败: %w", err)
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("获取最新区块头失败: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// Submit broadcasts a signed transaction through the public endpoint.
func (c *Client) Submit(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("没有可发送的交易")
	}
	if err := c.eth.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("发送交易失败: %w", err)
	}
	return tx.Hash(), nil
}

// SubmitPrivate broadcasts a signed transaction through the relay endpoint
// so it never touches the public mempool.
func (c *Client) SubmitPrivate(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	if tx == nil {
		return common.Hash{}, errors.New("没有可发送的交易")
	}
	if c.relayClient == nil {
		return common.Hash{}, errors.New("未配置私有 relay")
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return common.Hash{}, fmt.Errorf("序列化交易失败: %w", err)
	}
	var hash common.Hash
	if err := c.relayClient.CallContext(ctx, &hash, "eth_sendRawTransaction", "0x"+hex.EncodeToString(raw)); err != nil {
		return common.Hash{}, fmt.Errorf("relay 发送交易失败: %w", err)
	}
	return hash, nil
}

// SubmitBundle broadcasts multiple signed transactions in a single RPC
// batch call; ordering inside the batch is up to the network.
func (c *Client) SubmitBundle(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, errors.New("没有可发送的交易")
	}
	client := c.relayClient
	if client == nil {
		client = c.rpcClient
	}
	if client == nil {
		return nil, errors.New("客户端已关闭")
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("序列化交易失败: %w", err)
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{"0x" + hex.EncodeToString(raw)},
			Result: &hashes[i],
		}
	}

	if err := client.BatchCallContext(ctx, elems); err != nil {
		return nil, fmt.Errorf("批量发送交易失败: %w", err)
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, fmt.Errorf("交易 %d 发送失败: %w", i, elems[i].Error)
		}
	}
	return hashes, nil
}

// Receipt returns the receipt of a mined transaction, or
// ethereum.NotFound while it is still pending.
func (c *Client) Receipt(ctx context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	return c.eth.TransactionReceipt(ctx, hash)
}

// SubscribeLogs attaches a log subscription to the chain.
func (c *Client) SubscribeLogs(ctx context.Context, query gethcore.FilterQuery) (*chain.LogSubscription, error) {
	subscriber := c.eventClient
	if subscriber == nil {
		return nil, errors.New("当前客户端不支持事件订阅")
	}

	logs := make(chan coretypes.Log, 64)
	sub, err := subscriber.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return nil, fmt.Errorf("订阅事件失败: %w", err)
	}
	return chain.NewLogSubscription(logs, sub), nil
}

func callMsg(ins *chain.Instruction) gethcore.CallMsg {
	return gethcore.CallMsg{
		From:  ins.From,
		To:    ins.To,
		Value: ins.Value,
		Data:  ins.Data,
	}
}

// revertLogs extracts a human readable reason from an execution error.
func revertLogs(err error) []string {
	logs := []string{err.Error()}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			data := common.FromHex(raw)
			if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil && reason != "" {
				logs = append(logs, "revert: "+reason)
			}
		}
	}
	return logs
}
