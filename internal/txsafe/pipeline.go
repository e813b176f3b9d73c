package txsafe

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	"ChainPilot/internal/chain"
	"ChainPilot/internal/errtrack"
	xerrors "ChainPilot/internal/errors"
	"ChainPilot/internal/observability/metrics"
	"ChainPilot/pkg/logger"
)

const (
	defaultConfirmTimeout        = 60 * time.Second
	defaultPollInterval          = 2 * time.Second
	defaultRequiredConfirmations = 1
)

// Pipeline 实现交易安全管线：保护、模拟、排队、按策略释放、确认。
// 模拟失败的指令永远不会进入队列；同一身份的交易严格按入队顺序释放。
type Pipeline struct {
	client  chain.Client
	signer  *chain.Signer
	store   Store
	queue   Queue
	cfg     ProtectionConfig
	tracker *errtrack.Tracker
	log     *slog.Logger

	confirmTimeout        time.Duration
	pollInterval          time.Duration
	requiredConfirmations uint64

	mu      sync.Mutex
	inboxes map[string]chan string
	runCtx  context.Context
	wg      sync.WaitGroup

	nonceMu sync.Mutex
}

// PipelineOption 配置管线。
type PipelineOption func(*Pipeline)

// WithConfirmTimeout 指定确认轮询的超时时间。
func WithConfirmTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

// WithPollInterval 指定回执轮询间隔。
func WithPollInterval(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithRequiredConfirmations 指定确认所需的区块数。
func WithRequiredConfirmations(n uint64) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.requiredConfirmations = n
		}
	}
}

// WithTracker 注入错误追踪器。
func WithTracker(t *errtrack.Tracker) PipelineOption {
	return func(p *Pipeline) {
		p.tracker = t
	}
}

// NewPipeline 创建交易安全管线。
func NewPipeline(client chain.Client, signer *chain.Signer, store Store, queue Queue, cfg ProtectionConfig, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		client:                client,
		signer:                signer,
		store:                 store,
		queue:                 queue,
		cfg:                   cfg,
		log:                   logger.Named("txsafe"),
		confirmTimeout:        defaultConfirmTimeout,
		pollInterval:          defaultPollInterval,
		requiredConfirmations: defaultRequiredConfirmations,
		inboxes:               make(map[string]chan string),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit 把一条指令送入管线：保护、模拟，模拟通过后入队。
// 返回的记录可通过 Status 持续查询。
func (p *Pipeline) Submit(ctx context.Context, identity string, ins *chain.Instruction) (*PendingTransaction, error) {
	if ins == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArguments, "指令不能为空")
	}

	protected := Protect(p.cfg, ins)
	now := time.Now().UTC()
	record := &PendingTransaction{
		ID:          uuid.NewString(),
		Identity:    identity,
		Instruction: protected,
		Strategy:    p.activeStrategy(),
		Status:      StatusSimulating,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := p.store.Save(ctx, record); err != nil {
		return nil, err
	}
	metrics.ObserveTxStatus(string(StatusSimulating))

	outcome, err := p.client.Simulate(ctx, protected)
	if err != nil {
		simErr := xerrors.Wrap(xerrors.CodeSimulationFailed, err, "交易模拟失败",
			xerrors.WithMetadata("tx_id", record.ID))
		p.track(ctx, simErr)
		record, _ = p.store.Update(ctx, record.ID, func(tx *PendingTransaction) {
			tx.Status = StatusSimulatedFailed
			tx.Error = err.Error()
		})
		metrics.ObserveTxStatus(string(StatusSimulatedFailed))
		return record, simErr
	}
	if !outcome.Success {
		simErr := xerrors.New(xerrors.CodeSimulationFailed, "交易模拟未通过",
			xerrors.WithMetadata("tx_id", record.ID),
			xerrors.WithMetadata("logs", strings.Join(outcome.Logs, "; ")))
		p.track(ctx, simErr)
		record, _ = p.store.Update(ctx, record.ID, func(tx *PendingTransaction) {
			tx.Status = StatusSimulatedFailed
			tx.Simulation = outcome
			tx.Error = "simulation reverted"
		})
		metrics.ObserveTxStatus(string(StatusSimulatedFailed))
		return record, simErr
	}

	record, _ = p.store.Update(ctx, record.ID, func(tx *PendingTransaction) {
		tx.Status = StatusSimulatedOK
		tx.Simulation = outcome
	})
	metrics.ObserveTxStatus(string(StatusSimulatedOK))

	position := p.queuedCount(ctx, identity)
	if err := p.queue.Publish(ctx, record.ID); err != nil {
		queueErr := xerrors.Wrap(xerrors.CodeQueueFailure, err, "交易入队失败",
			xerrors.WithMetadata("tx_id", record.ID))
		p.track(ctx, queueErr)
		record, _ = p.store.Update(ctx, record.ID, func(tx *PendingTransaction) {
			tx.Status = StatusFailed
			tx.Error = err.Error()
		})
		return record, queueErr
	}
	record, _ = p.store.Update(ctx, record.ID, func(tx *PendingTransaction) {
		tx.Status = StatusQueued
		tx.QueuePosition = position + 1
	})
	metrics.ObserveTxStatus(string(StatusQueued))
	return record, nil
}

// Status 查询一笔交易的当前状态，客户端断开后仍然可用。
func (p *Pipeline) Status(ctx context.Context, id string) (*PendingTransaction, error) {
	return p.store.Get(ctx, id)
}

// Run 启动队列消费，阻塞直到 ctx 取消。
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	err := p.queue.Consume(ctx, p.dispatch)
	p.wg.Wait()
	return err
}

// dispatch 把出队的交易路由到对应身份的串行执行器。
func (p *Pipeline) dispatch(ctx context.Context, txID string) error {
	record, err := p.store.Get(ctx, txID)
	if err != nil {
		p.log.Warn("出队交易不存在", slog.String("tx_id", txID))
		return nil
	}

	p.mu.Lock()
	inbox, ok := p.inboxes[record.Identity]
	if !ok {
		inbox = make(chan string, 256)
		p.inboxes[record.Identity] = inbox
		p.wg.Add(1)
		go p.identityWorker(p.runCtx, record.Identity, inbox)
	}
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case inbox <- txID:
		return nil
	}
}

// identityWorker 串行释放单个身份的交易，保证 FIFO。
func (p *Pipeline) identityWorker(ctx context.Context, identity string, inbox chan string) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case txID := <-inbox:
			p.release(ctx, txID, inbox)
		}
	}
}

// release 按配置的保护策略释放一笔或一组交易。
func (p *Pipeline) release(ctx context.Context, txID string, inbox chan string) {
	if !p.cfg.Enabled {
		p.submitSingle(ctx, txID, false)
		return
	}

	switch p.cfg.Strategy {
	case StrategyTimeDelay:
		delay := time.Duration(p.cfg.DelayMs) * time.Millisecond
		if delay > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}
		p.submitSingle(ctx, txID, false)
	case StrategyPrivate:
		p.submitSingle(ctx, txID, true)
	case StrategyBundle:
		ids := []string{txID}
		limit := p.cfg.BundleSize
		if limit <= 0 {
			limit = 1
		}
		for len(ids) < limit {
			select {
			case next := <-inbox:
				ids = append(ids, next)
			default:
				goto drained
			}
		}
	drained:
		p.submitBundle(ctx, ids)
	default:
		p.submitSingle(ctx, txID, false)
	}
}

// submitSingle 签名并提交单笔交易。
func (p *Pipeline) submitSingle(ctx context.Context, txID string, private bool) {
	record, err := p.store.Get(ctx, txID)
	if err != nil {
		return
	}

	signed, err := p.sign(ctx, record.Instruction)
	if err != nil {
		p.markFailed(ctx, txID, err)
		return
	}

	var hash common.Hash
	if private {
		hash, err = p.client.SubmitPrivate(ctx, signed)
	} else {
		hash, err = p.client.Submit(ctx, signed)
	}
	if err != nil {
		p.markFailed(ctx, txID, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "交易提交失败",
			xerrors.WithMetadata("tx_id", txID)))
		return
	}

	p.markSubmitted(ctx, txID, hash.Hex())
}

// submitBundle 签名并批量提交一组交易，组内顺序由网络决定。
func (p *Pipeline) submitBundle(ctx context.Context, ids []string) {
	signed := make([]*coretypes.Transaction, 0, len(ids))
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		record, err := p.store.Get(ctx, id)
		if err != nil {
			continue
		}
		tx, err := p.sign(ctx, record.Instruction)
		if err != nil {
			p.markFailed(ctx, id, err)
			continue
		}
		signed = append(signed, tx)
		valid = append(valid, id)
	}
	if len(signed) == 0 {
		return
	}

	hashes, err := p.client.SubmitBundle(ctx, signed)
	if err != nil {
		submitErr := xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "交易批量提交失败")
		for _, id := range valid {
			p.markFailed(ctx, id, submitErr)
		}
		return
	}
	for i, id := range valid {
		p.markSubmitted(ctx, id, hashes[i].Hex())
	}
}

// sign 分配 nonce 并签名。nonce 分配在互斥锁内完成，避免并发冲突。
func (p *Pipeline) sign(ctx context.Context, ins *chain.Instruction) (*coretypes.Transaction, error) {
	p.nonceMu.Lock()
	defer p.nonceMu.Unlock()

	chainID, err := p.client.ChainID(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "获取链 ID 失败")
	}
	nonce, err := p.client.PendingNonce(ctx, p.signer.Address())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "获取 nonce 失败")
	}
	gasTipCap, gasFeeCap, err := p.client.SuggestFees(ctx)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "获取手续费建议失败")
	}

	signed, err := p.signer.SignInstruction(chainID, nonce, ins, gasTipCap, gasFeeCap)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSubmissionFailed, err, "交易签名失败")
	}
	return signed, nil
}

func (p *Pipeline) markSubmitted(ctx context.Context, txID, hash string) {
	_, _ = p.store.Update(ctx, txID, func(tx *PendingTransaction) {
		tx.Status = StatusSubmitted
		tx.TxHash = hash
	})
	metrics.ObserveTxStatus(string(StatusSubmitted))
	p.log.Info("交易已提交", slog.String("tx_id", txID), slog.String("hash", hash))

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.confirmLoop(ctx, txID, hash)
	}()
}

func (p *Pipeline) markFailed(ctx context.Context, txID string, err error) {
	p.track(ctx, err)
	_, _ = p.store.Update(ctx, txID, func(tx *PendingTransaction) {
		tx.Status = StatusFailed
		tx.Error = err.Error()
	})
	metrics.ObserveTxStatus(string(StatusFailed))
}

// confirmLoop 轮询回执直到确认、失败或超时。超时不是终态，
// 后续 Confirm 查询仍可能把状态推进到 confirmed/failed。
func (p *Pipeline) confirmLoop(ctx context.Context, txID, hash string) {
	deadline := time.NewTimer(p.confirmTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			_, _ = p.store.Update(ctx, txID, func(tx *PendingTransaction) {
				if tx.Status == StatusSubmitted {
					tx.Status = StatusTimedOut
				}
			})
			metrics.ObserveTxStatus(string(StatusTimedOut))
			p.track(ctx, xerrors.New(xerrors.CodeConfirmationTimeout, "交易确认超时",
				xerrors.WithMetadata("tx_id", txID),
				xerrors.WithMetadata("hash", hash)))
			return
		case <-ticker.C:
			if done := p.checkReceipt(ctx, txID, hash); done {
				return
			}
		}
	}
}

// Confirm 主动查询一次确认状态，timed-out 的交易可借此晚到收敛。
func (p *Pipeline) Confirm(ctx context.Context, txID string) (*PendingTransaction, error) {
	record, err := p.store.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusSubmitted || record.Status == StatusTimedOut {
		p.checkReceipt(ctx, txID, record.TxHash)
		return p.store.Get(ctx, txID)
	}
	return record, nil
}

// checkReceipt 查询一次回执并在确认数足够时推进状态。
func (p *Pipeline) checkReceipt(ctx context.Context, txID, hash string) bool {
	receipt, err := p.client.Receipt(ctx, common.HexToHash(hash))
	if err != nil || receipt == nil {
		return false
	}

	head, err := p.client.BlockNumber(ctx)
	if err != nil {
		return false
	}
	confirmations := uint64(0)
	if receipt.BlockNumber != nil && head >= receipt.BlockNumber.Uint64() {
		confirmations = head - receipt.BlockNumber.Uint64() + 1
	}
	if confirmations < p.requiredConfirmations {
		return false
	}

	status := StatusConfirmed
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		status = StatusFailed
	}
	_, _ = p.store.Update(ctx, txID, func(tx *PendingTransaction) {
		if tx.Status == StatusSubmitted || tx.Status == StatusTimedOut {
			tx.Status = status
			if status == StatusFailed {
				tx.Error = "transaction reverted on-chain"
			}
		}
	})
	metrics.ObserveTxStatus(string(status))
	p.log.Info("交易确认完成",
		slog.String("tx_id", txID),
		slog.String("status", string(status)),
		slog.Uint64("confirmations", confirmations))
	return true
}

func (p *Pipeline) activeStrategy() Strategy {
	if !p.cfg.Enabled {
		return ""
	}
	return p.cfg.Strategy
}

// queuedCount 统计身份当前处于队列中的交易数量，用于记录排队位置。
func (p *Pipeline) queuedCount(ctx context.Context, identity string) int {
	records, err := p.store.ListByIdentity(ctx, identity)
	if err != nil {
		return 0
	}
	count := 0
	for _, record := range records {
		if record.Status == StatusQueued {
			count++
		}
	}
	return count
}

func (p *Pipeline) track(ctx context.Context, err error) {
	if p.tracker != nil {
		p.tracker.Track(ctx, "txsafe", err)
	}
}

