package txsafe

import (
	"context"
	"sort"
	"sync"
	"time"

	"ChainPilot/internal/chain"
	xerrors "ChainPilot/internal/errors"
)

// Status 是待处理交易的生命周期状态。
type Status string

const (
	StatusQueued          Status = "queued"
	StatusSimulating      Status = "simulating"
	StatusSimulatedOK     Status = "simulated-ok"
	StatusSimulatedFailed Status = "simulated-failed"
	StatusSubmitted       Status = "submitted"
	StatusConfirmed       Status = "confirmed"
	StatusFailed          Status = "failed"
	StatusTimedOut        Status = "timed-out"
)

// Strategy 是 MEV 保护策略。
type Strategy string

const (
	StrategyBundle    Strategy = "bundle"
	StrategyPrivate   Strategy = "private-submission"
	StrategyTimeDelay Strategy = "time-delay"
)

// ProtectionConfig 是运营方配置的保护参数，模型输出永远不能修改它。
type ProtectionConfig struct {
	Enabled        bool
	Strategy       Strategy
	MaxPriorityFee int64
	BundleSize     int
	DelayMs        int64
}

// DefaultProtection 返回缺省保护参数。
func DefaultProtection() ProtectionConfig {
	return ProtectionConfig{
		Enabled:        true,
		Strategy:       StrategyBundle,
		MaxPriorityFee: 1000,
		BundleSize:     3,
		DelayMs:        2000,
	}
}

// PendingTransaction 是管线中一笔交易的完整记录。
type PendingTransaction struct {
	ID            string                  `json:"id"`
	Identity      string                  `json:"identity"`
	Instruction   *chain.Instruction      `json:"instruction"`
	Strategy      Strategy                `json:"strategy"`
	Simulation    chain.SimulationOutcome `json:"simulation"`
	QueuePosition int                     `json:"queue_position"`
	Status        Status                  `json:"status"`
	TxHash        string                  `json:"tx_hash,omitempty"`
	Error         string                  `json:"error,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// Clone 返回记录的拷贝，避免调用方拿到内部指针。
func (p *PendingTransaction) Clone() *PendingTransaction {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Instruction = p.Instruction.Clone()
	clone.Simulation.Logs = append([]string(nil), p.Simulation.Logs...)
	return &clone
}

// Store 保存待处理交易的状态，客户端断开后仍可查询。
type Store interface {
	Save(ctx context.Context, tx *PendingTransaction) error
	Get(ctx context.Context, id string) (*PendingTransaction, error)
	// Update 在持有锁的情况下原地修改记录。
	Update(ctx context.Context, id string, fn func(*PendingTransaction)) (*PendingTransaction, error)
	// ListByIdentity 按入队顺序返回指定身份的记录。
	ListByIdentity(ctx context.Context, identity string) ([]*PendingTransaction, error)
}

// MemoryStore 基于内存 map 实现 Store。
type MemoryStore struct {
	mu      sync.RWMutex
	txs     map[string]*PendingTransaction
	order   map[string]int64
	counter map[string]int64
}

// NewMemoryStore 创建内存状态存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:     make(map[string]*PendingTransaction),
		order:   make(map[string]int64),
		counter: make(map[string]int64),
	}
}

// Save 保存一条新记录。
func (s *MemoryStore) Save(_ context.Context, tx *PendingTransaction) error {
	if tx == nil || tx.ID == "" {
		return xerrors.New(xerrors.CodeStorageFailure, "交易记录缺少 ID")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter[tx.Identity]++
	s.order[tx.ID] = s.counter[tx.Identity]
	s.txs[tx.ID] = tx.Clone()
	return nil
}

// Get 返回记录的拷贝。
func (s *MemoryStore) Get(_ context.Context, id string) (*PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "交易不存在",
			xerrors.WithMetadata("id", id))
	}
	return tx.Clone(), nil
}

// Update 原地修改记录并返回修改后的拷贝。
func (s *MemoryStore) Update(_ context.Context, id string, fn func(*PendingTransaction)) (*PendingTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "交易不存在",
			xerrors.WithMetadata("id", id))
	}
	fn(tx)
	tx.UpdatedAt = time.Now().UTC()
	return tx.Clone(), nil
}

// ListByIdentity 按入队顺序返回指定身份的记录。
func (s *MemoryStore) ListByIdentity(_ context.Context, identity string) ([]*PendingTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*PendingTransaction
	for _, tx := range s.txs {
		if tx.Identity == identity {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return s.order[out[i].ID] < s.order[out[j].ID]
	})
	return out, nil
}
