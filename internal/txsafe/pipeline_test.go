package txsafe

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

// fakeClient 模拟链客户端，记录提交顺序并允许注入模拟失败与回执。
type fakeClient struct {
	mu        sync.Mutex
	simFail   bool
	submitted []*coretypes.Transaction
	receipts  map[common.Hash]*coretypes.Receipt
	head      uint64
}

func newFakeClient() *fakeClient {
	return &fakeClient{receipts: make(map[common.Hash]*coretypes.Receipt), head: 100}
}

func (f *fakeClient) ChainID(context.Context) (*big.Int, error)  { return big.NewInt(31337), nil }
func (f *fakeClient) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}
func (f *fakeClient) Call(context.Context, *chain.Instruction) ([]byte, error) { return nil, nil }

func (f *fakeClient) Simulate(context.Context, *chain.Instruction) (chain.SimulationOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simFail {
		return chain.SimulationOutcome{Success: false, Logs: []string{"revert: insufficient balance"}}, nil
	}
	return chain.SimulationOutcome{Success: true, GasUsed: 21000}, nil
}

func (f *fakeClient) PendingNonce(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.submitted)), nil
}

func (f *fakeClient) SuggestFees(context.Context) (*big.Int, *big.Int, error) {
	return big.NewInt(1500), big.NewInt(30_000_000_000), nil
}

func (f *fakeClient) Submit(_ context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, tx)
	return tx.Hash(), nil
}

func (f *fakeClient) SubmitPrivate(ctx context.Context, tx *coretypes.Transaction) (common.Hash, error) {
	return f.Submit(ctx, tx)
}

func (f *fakeClient) SubmitBundle(_ context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hashes := make([]common.Hash, len(txs))
	for i, tx := range txs {
		f.submitted = append(f.submitted, tx)
		hashes[i] = tx.Hash()
	}
	return hashes, nil
}

func (f *fakeClient) Receipt(_ context.Context, hash common.Hash) (*coretypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	receipt, ok := f.receipts[hash]
	if !ok {
		return nil, errors.New("not found")
	}
	return receipt, nil
}

func (f *fakeClient) SubscribeLogs(context.Context, gethcore.FilterQuery) (*chain.LogSubscription, error) {
	return nil, errors.New("不支持")
}

func (f *fakeClient) Close() {}

func (f *fakeClient) submittedValues() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	values := make([]int64, 0, len(f.submitted))
	for _, tx := range f.submitted {
		values = append(values, tx.Value().Int64())
	}
	return values
}

func (f *fakeClient) setReceipt(hash common.Hash, status uint64, block uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts[hash] = &coretypes.Receipt{Status: status, BlockNumber: new(big.Int).SetUint64(block)}
}

func newTestPipeline(t *testing.T, client chain.Client, cfg ProtectionConfig, opts ...PipelineOption) *Pipeline {
	t.Helper()
	signer, err := chain.NewSigner(testKeyHex)
	if err != nil {
		t.Fatalf("创建签名器失败: %v", err)
	}
	return NewPipeline(client, signer, NewMemoryStore(), NewMemoryQueue(16), cfg, opts...)
}

func testInstruction(value int64) *chain.Instruction {
	to := common.HexToAddress("0x000000000000000000000000000000000000dead")
	return &chain.Instruction{
		To:       &to,
		Value:    big.NewInt(value),
		GasLimit: 21000,
	}
}

func TestProtectNeverMutatesInput(t *testing.T) {
	ins := testInstruction(1)
	ins.MaxPriorityFee = big.NewInt(5000)

	cfg := DefaultProtection()
	protected := Protect(cfg, ins)

	if ins.MaxPriorityFee.Int64() != 5000 {
		t.Errorf("原始指令被修改: MaxPriorityFee = %d", ins.MaxPriorityFee.Int64())
	}
	if protected.MaxPriorityFee.Int64() != 1000 {
		t.Errorf("保护后的小费 = %d, 期望被限制到 1000", protected.MaxPriorityFee.Int64())
	}

	protected.Data = append(protected.Data, 0x01)
	if len(ins.Data) != 0 {
		t.Error("修改保护副本影响了原始指令的 Data")
	}
}

func TestSimulationFailureNeverEnqueued(t *testing.T) {
	client := newFakeClient()
	client.simFail = true
	pipeline := newTestPipeline(t, client, DefaultProtection())

	record, err := pipeline.Submit(context.Background(), "user-1", testInstruction(1))
	if xerrors.CodeOf(err) != xerrors.CodeSimulationFailed {
		t.Fatalf("错误码 = %s, 期望 SIMULATION_FAILED", xerrors.CodeOf(err))
	}
	if record.Status != StatusSimulatedFailed {
		t.Errorf("状态 = %s, 期望 simulated-failed", record.Status)
	}
	if len(record.Simulation.Logs) == 0 {
		t.Error("模拟失败记录缺少日志")
	}
	if got := client.submittedValues(); len(got) != 0 {
		t.Errorf("模拟失败的交易被提交: %v", got)
	}
}

func TestFIFOReleaseOrder(t *testing.T) {
	client := newFakeClient()
	cfg := DefaultProtection()
	cfg.Strategy = StrategyTimeDelay
	cfg.DelayMs = 10
	pipeline := newTestPipeline(t, client, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pipeline.Run(ctx) }()

	for i := int64(1); i <= 3; i++ {
		record, err := pipeline.Submit(ctx, "user-1", testInstruction(i))
		if err != nil {
			t.Fatalf("Submit(%d) 失败: %v", i, err)
		}
		if record.Status != StatusQueued {
			t.Fatalf("Submit(%d) 状态 = %s, 期望 queued", i, record.Status)
		}
		if record.QueuePosition != int(i) {
			t.Errorf("Submit(%d) 排队位置 = %d, 期望 %d", i, record.QueuePosition, i)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if values := client.submittedValues(); len(values) == 3 {
			for i, v := range values {
				if v != int64(i+1) {
					t.Fatalf("提交顺序 = %v, 期望 [1 2 3]", values)
				}
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("等待释放超时, 已提交 %v", client.submittedValues())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfirmTimeoutThenResolve(t *testing.T) {
	client := newFakeClient()
	cfg := DefaultProtection()
	cfg.Strategy = StrategyPrivate
	pipeline := newTestPipeline(t, client, cfg,
		WithConfirmTimeout(30*time.Millisecond),
		WithPollInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = pipeline.Run(ctx) }()

	record, err := pipeline.Submit(ctx, "user-1", testInstruction(7))
	if err != nil {
		t.Fatalf("Submit 失败: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		current, getErr := pipeline.Status(ctx, record.ID)
		if getErr != nil {
			t.Fatalf("Status 失败: %v", getErr)
		}
		if current.Status == StatusTimedOut {
			record = current
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("等待超时状态失败, 当前 %s", current.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// 晚到的回执应当把 timed-out 推进到 confirmed，而不是退回 queued。
	client.setReceipt(common.HexToHash(record.TxHash), coretypes.ReceiptStatusSuccessful, 100)
	resolved, err := pipeline.Confirm(ctx, record.ID)
	if err != nil {
		t.Fatalf("Confirm 失败: %v", err)
	}
	if resolved.Status != StatusConfirmed {
		t.Errorf("状态 = %s, 期望 confirmed", resolved.Status)
	}
}
